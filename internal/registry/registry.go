// Package registry owns the mutable per-source scheduling state. All
// mutation goes through one mutex, and the scheduler/executor pair only
// writes a source's state while that source is marked in-flight, so there is
// a single logical writer per source id.
package registry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sourcewatch/internal/poller"
)

// PauseDuration is how long a source sits out after hitting its failure
// limit. A single probe run is scheduled once it elapses.
const PauseDuration = 24 * time.Hour

// JitterFunc returns a random offset in [-bound, +bound].
type JitterFunc func(bound time.Duration) time.Duration

// UniformJitter is the default JitterFunc.
func UniformJitter(bound time.Duration) time.Duration {
	if bound <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(2*bound)+1)) - bound
}

// Registry holds resolved source definitions plus their runtime state.
type Registry struct {
	mu      sync.Mutex
	sources map[string]poller.Source
	state   map[string]*poller.RuntimeState
	order   []string
	jitter  JitterFunc
	logger  *zap.Logger
}

// New constructs an empty Registry. A nil jitter function falls back to
// UniformJitter.
func New(logger *zap.Logger, jitter JitterFunc) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if jitter == nil {
		jitter = UniformJitter
	}
	return &Registry{
		sources: make(map[string]poller.Source),
		state:   make(map[string]*poller.RuntimeState),
		jitter:  jitter,
		logger:  logger,
	}
}

// Register adds a resolved source. The first run is due immediately.
func (r *Registry) Register(src poller.Source, now time.Time) error {
	if src.ID == "" {
		return errors.New("source id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sources[src.ID]; exists {
		return fmt.Errorf("source %q already registered", src.ID)
	}
	r.sources[src.ID] = src
	r.state[src.ID] = &poller.RuntimeState{
		SourceID:   src.ID,
		NextRunAt:  now,
		LastStatus: poller.RunStateIdle,
	}
	r.order = append(r.order, src.ID)
	return nil
}

// Hydrate overlays persisted runtime state onto registered sources so a
// restart does not erase failure counts or an active pause.
func (r *Registry) Hydrate(ctx context.Context, store poller.Store, now time.Time) error {
	r.mu.Lock()
	ids := append([]string(nil), r.order...)
	r.mu.Unlock()

	for _, id := range ids {
		persisted, err := store.LoadRuntimeState(ctx, id)
		if errors.Is(err, poller.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("load runtime state for %s: %w", id, err)
		}
		r.mu.Lock()
		st := r.state[id]
		st.ConsecutiveFailures = persisted.ConsecutiveFailures
		st.LastRunAt = persisted.LastRunAt
		if persisted.LastStatus != "" {
			st.LastStatus = persisted.LastStatus
		}
		if persisted.PausedUntil != nil && persisted.PausedUntil.After(now) {
			st.PausedUntil = persisted.PausedUntil
			st.NextRunAt = *persisted.PausedUntil
		}
		r.mu.Unlock()
		r.logger.Debug("hydrated runtime state",
			zap.String("source_id", id),
			zap.Int("consecutive_failures", persisted.ConsecutiveFailures),
		)
	}
	return nil
}

// Source returns the immutable definition for id.
func (r *Registry) Source(id string) (poller.Source, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.sources[id]
	return src, ok
}

// Sources returns all definitions in registration order.
func (r *Registry) Sources() []poller.Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]poller.Source, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.sources[id])
	}
	return out
}

// DueSources returns enabled sources that are not in-flight and whose
// next-run time has arrived, earliest due first so no source starves.
func (r *Registry) DueSources(now time.Time) []poller.Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []poller.Source
	for id, src := range r.sources {
		if !src.Enabled {
			continue
		}
		st := r.state[id]
		if st.InFlight || now.Before(st.NextRunAt) {
			continue
		}
		due = append(due, src)
	}
	sort.Slice(due, func(i, j int) bool {
		return r.state[due[i].ID].NextRunAt.Before(r.state[due[j].ID].NextRunAt)
	})
	return due
}

// MarkInFlight flags a source as running. It reports false when the source
// is unknown or already in-flight, which callers must treat as "do not
// dispatch".
func (r *Registry) MarkInFlight(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.state[id]
	if !ok || st.InFlight {
		return false
	}
	st.InFlight = true
	return true
}

// ClearInFlight unflags a source. Safe to call more than once.
func (r *Registry) ClearInFlight(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.state[id]; ok {
		st.InFlight = false
	}
}

// RecordSuccess resets the failure count, clears any pause, and schedules
// the next run one effective interval (plus jitter) out. It returns a copy
// of the updated state for persistence.
func (r *Registry) RecordSuccess(id string, now time.Time) (poller.RuntimeState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.sources[id]
	if !ok {
		return poller.RuntimeState{}, fmt.Errorf("record success: %w", poller.ErrNotFound)
	}
	st := r.state[id]
	st.ConsecutiveFailures = 0
	st.PausedUntil = nil
	st.NextRunAt = now.Add(src.Schedule.EffectiveInterval + r.jitter(src.Schedule.Jitter))
	ts := now
	st.LastRunAt = &ts
	st.LastStatus = poller.RunStateSuccess
	return *st, nil
}

// RecordFailure increments the failure count and reschedules with
// exponential backoff; at or above the failure limit the source is paused
// for PauseDuration and the next run becomes a single probe attempt. It
// returns a copy of the updated state for persistence.
func (r *Registry) RecordFailure(id string, now time.Time) (poller.RuntimeState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.sources[id]
	if !ok {
		return poller.RuntimeState{}, fmt.Errorf("record failure: %w", poller.ErrNotFound)
	}
	st := r.state[id]
	st.ConsecutiveFailures++
	ts := now
	st.LastRunAt = &ts
	st.LastStatus = poller.RunStateError

	if st.ConsecutiveFailures >= src.Schedule.FailureLimit {
		until := now.Add(PauseDuration)
		st.PausedUntil = &until
		st.NextRunAt = until
		r.logger.Warn("source paused after repeated failures",
			zap.String("source_id", id),
			zap.Int("consecutive_failures", st.ConsecutiveFailures),
			zap.Time("paused_until", until),
		)
		return *st, nil
	}

	delay := backoffDelay(src.Schedule, st.ConsecutiveFailures)
	st.PausedUntil = nil
	st.NextRunAt = now.Add(delay + r.jitter(src.Schedule.Jitter))
	return *st, nil
}

// State returns a copy of the runtime state for id.
func (r *Registry) State(id string) (poller.RuntimeState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.state[id]
	if !ok {
		return poller.RuntimeState{}, false
	}
	return *st, true
}

// backoffDelay computes effectiveInterval * multiplier^failures capped at
// MaxBackoff. The cap only binds once the exponential term exceeds it.
func backoffDelay(sched poller.Schedule, failures int) time.Duration {
	multiplier := sched.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}
	scaled := float64(sched.EffectiveInterval) * math.Pow(multiplier, float64(failures))
	if sched.MaxBackoff > 0 && scaled > float64(sched.MaxBackoff) {
		return sched.MaxBackoff
	}
	if scaled > float64(math.MaxInt64) {
		return sched.MaxBackoff
	}
	return time.Duration(scaled)
}
