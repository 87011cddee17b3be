package bus

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func update(sourceID string, n int) Message {
	return Message{
		Type:     TypeUpdate,
		SourceID: sourceID,
		Error:    fmt.Sprintf("seq-%d", n),
		TS:       time.Unix(int64(n), 0).UTC(),
	}
}

// TestPublishDeliversInOrder verifies per-subscriber FIFO delivery.
func TestPublishDeliversInOrder(t *testing.T) {
	t.Parallel()

	b := New(16, zap.NewNop())
	sub := b.Subscribe("prices")
	defer b.Unsubscribe(sub)

	for i := 0; i < 10; i++ {
		b.Publish("prices", update("prices", i))
	}
	for i := 0; i < 10; i++ {
		msg := <-sub.C()
		require.Equal(t, fmt.Sprintf("seq-%d", i), msg.Error)
	}
}

// TestTwoSubscribersSeeIdenticalSequence checks fan-out: both subscribers of
// the same source receive every message in the same order.
func TestTwoSubscribersSeeIdenticalSequence(t *testing.T) {
	t.Parallel()

	b := New(16, zap.NewNop())
	first := b.Subscribe("prices")
	second := b.Subscribe("prices")
	defer b.Unsubscribe(first)
	defer b.Unsubscribe(second)

	for i := 0; i < 5; i++ {
		b.Publish("prices", update("prices", i))
	}
	for i := 0; i < 5; i++ {
		m1 := <-first.C()
		m2 := <-second.C()
		require.Equal(t, m1, m2)
		require.Equal(t, fmt.Sprintf("seq-%d", i), m1.Error)
	}
}

// TestPublishIsScopedToSource ensures a message for one source never reaches
// a subscriber of another.
func TestPublishIsScopedToSource(t *testing.T) {
	t.Parallel()

	b := New(16, zap.NewNop())
	prices := b.Subscribe("prices")
	weather := b.Subscribe("weather")
	defer b.Unsubscribe(prices)
	defer b.Unsubscribe(weather)

	b.Publish("prices", update("prices", 1))

	require.Equal(t, "prices", (<-prices.C()).SourceID)
	select {
	case msg := <-weather.C():
		t.Fatalf("weather subscriber got %v", msg)
	default:
	}
}

// TestUnsubscribeRemovesAndCloses verifies deregistration is complete and
// idempotent.
func TestUnsubscribeRemovesAndCloses(t *testing.T) {
	t.Parallel()

	b := New(16, zap.NewNop())
	sub := b.Subscribe("prices")
	require.Equal(t, 1, b.SubscriberCount("prices"))

	b.Unsubscribe(sub)
	require.Zero(t, b.SubscriberCount("prices"))

	_, open := <-sub.C()
	require.False(t, open, "channel must be closed")

	require.NotPanics(t, func() { b.Unsubscribe(sub) })
	require.NotPanics(t, func() { b.Unsubscribe(nil) })
}

// TestPublishNeverBlocksOnFullBuffer fills a subscriber's buffer and checks
// the overflow is dropped for that subscriber only, without blocking the
// publisher.
func TestPublishNeverBlocksOnFullBuffer(t *testing.T) {
	t.Parallel()

	b := New(2, zap.NewNop())
	slow := b.Subscribe("prices")
	fast := b.Subscribe("prices")
	defer b.Unsubscribe(slow)
	defer b.Unsubscribe(fast)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			b.Publish("prices", update("prices", i))
			// Keep fast drained so only slow overflows.
			<-fast.C()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber buffer")
	}
	require.Equal(t, int64(3), b.Dropped())

	// The slow subscriber kept the earliest messages.
	require.Equal(t, "seq-0", (<-slow.C()).Error)
	require.Equal(t, "seq-1", (<-slow.C()).Error)
}

// TestPublishWithNoSubscribersIsNoOp checks publishing to an empty topic is
// safe and drops nothing.
func TestPublishWithNoSubscribersIsNoOp(t *testing.T) {
	t.Parallel()

	b := New(4, zap.NewNop())
	require.NotPanics(t, func() {
		b.Publish("ghost", update("ghost", 1))
	})
	require.Zero(t, b.Dropped())
}
