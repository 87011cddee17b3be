// Package bus provides in-process publish/subscribe keyed by source id.
//
// Each source topic has a single producer (at most one run is in-flight per
// source), so per-subscriber buffered channels give FIFO delivery without any
// sequencing machinery. Delivery lives only as long as the process; a
// reconnecting client re-fetches the latest value from the store.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sourcewatch/internal/metrics"
	"github.com/JakeFAU/sourcewatch/internal/poller"
)

// MessageType labels a bus message for transport framing.
type MessageType string

// Supported message types.
const (
	TypeConnected MessageType = "connected"
	TypeLatest    MessageType = "latest"
	TypeUpdate    MessageType = "update"
	TypeError     MessageType = "error"
)

// Message is one delivery to a subscriber.
type Message struct {
	Type      MessageType       `json:"type"`
	SourceID  string            `json:"source_id"`
	DataPoint *poller.DataPoint `json:"data_point,omitempty"`
	Error     string            `json:"error,omitempty"`
	TS        time.Time         `json:"ts"`
}

const defaultBufferSize = 64

// Subscription is one live binding between a connection and a source topic.
type Subscription struct {
	sourceID string
	ch       chan Message
	once     sync.Once
}

// C exposes the delivery channel. It is closed on unsubscribe.
func (s *Subscription) C() <-chan Message { return s.ch }

// SourceID returns the topic this subscription is bound to.
func (s *Subscription) SourceID() string { return s.sourceID }

// Bus fans messages out to per-source subscriber sets. Publish never blocks;
// a full subscriber buffer drops the message for that subscriber only, with
// a counter so slow consumers are visible.
type Bus struct {
	mu         sync.RWMutex
	subs       map[string]map[*Subscription]struct{}
	bufferSize int
	logger     *zap.Logger
	dropped    atomic.Int64
}

// New constructs a Bus. bufferSize <= 0 uses the default.
func New(bufferSize int, logger *zap.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:       make(map[string]map[*Subscription]struct{}),
		bufferSize: bufferSize,
		logger:     logger,
	}
}

// Subscribe registers a new subscription for future messages on sourceID.
func (b *Bus) Subscribe(sourceID string) *Subscription {
	sub := &Subscription{
		sourceID: sourceID,
		ch:       make(chan Message, b.bufferSize),
	}
	b.mu.Lock()
	set, ok := b.subs[sourceID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[sourceID] = set
	}
	set[sub] = struct{}{}
	count := len(set)
	b.mu.Unlock()
	metrics.SetSubscribers(sourceID, count)
	return sub
}

// Unsubscribe removes the subscription and closes its channel. Transport
// disconnect handlers must call it; it is idempotent.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	count := 0
	if set, ok := b.subs[sub.sourceID]; ok {
		delete(set, sub)
		count = len(set)
		if count == 0 {
			delete(b.subs, sub.sourceID)
		}
	}
	b.mu.Unlock()
	metrics.SetSubscribers(sub.sourceID, count)
	sub.once.Do(func() { close(sub.ch) })
}

// Publish delivers msg to every live subscriber of sourceID, in arrival
// order per subscriber.
func (b *Bus) Publish(sourceID string, msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs[sourceID] {
		select {
		case sub.ch <- msg:
		default:
			b.dropped.Add(1)
			metrics.ObserveBusDrop(sourceID)
			b.logger.Warn("bus message dropped for slow subscriber",
				zap.String("source_id", sourceID),
				zap.String("type", string(msg.Type)),
			)
		}
	}
}

// SubscriberCount reports live subscriptions for a source. Tests use it to
// prove deregistration actually happens.
func (b *Bus) SubscriberCount(sourceID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[sourceID])
}

// Dropped returns the total number of dropped messages.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
