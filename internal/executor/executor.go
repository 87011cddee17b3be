// Package executor runs one poll attempt for one source.
package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sourcewatch/internal/bus"
	"github.com/JakeFAU/sourcewatch/internal/hash/sha256"
	"github.com/JakeFAU/sourcewatch/internal/metrics"
	"github.com/JakeFAU/sourcewatch/internal/poller"
	"github.com/JakeFAU/sourcewatch/internal/registry"
)

// Config controls optional executor behavior.
type Config struct {
	// SnapshotPrefix is the blob path prefix for raw HTML snapshots. Empty
	// disables snapshots even when a blob store is configured.
	SnapshotPrefix      string
	SnapshotContentType string
	// Topic is the external publisher topic. Empty disables notification.
	Topic string
}

// Executor invokes the extractor, validates and persists the result, updates
// registry state, and publishes to the bus. No failure inside a run escapes
// Run: every path ends in a StatusRecord plus a registry update, and the
// in-flight flag is cleared exactly once.
type Executor struct {
	cfg       Config
	store     poller.Store
	registry  *registry.Registry
	bus       *bus.Bus
	extractor poller.Extractor
	blob      poller.BlobStore
	publisher poller.Publisher
	clock     poller.Clock
	idGen     poller.IDGenerator
	hasher    *sha256.Hasher
	logger    *zap.Logger
}

// New constructs an Executor. blob and publisher may be nil.
func New(
	cfg Config,
	store poller.Store,
	reg *registry.Registry,
	eventBus *bus.Bus,
	extractor poller.Extractor,
	blob poller.BlobStore,
	publisher poller.Publisher,
	clock poller.Clock,
	idGen poller.IDGenerator,
	logger *zap.Logger,
) *Executor {
	if cfg.SnapshotContentType == "" {
		cfg.SnapshotContentType = "text/html; charset=utf-8"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		cfg:       cfg,
		store:     store,
		registry:  reg,
		bus:       eventBus,
		extractor: extractor,
		blob:      blob,
		publisher: publisher,
		clock:     clock,
		idGen:     idGen,
		hasher:    sha256.New(),
		logger:    logger,
	}
}

// Run executes one attempt for src. It never returns an error and never
// panics through; all failure is captured as data.
func (e *Executor) Run(ctx context.Context, src poller.Source) {
	start := e.clock.Now()
	settled := false
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("panic during poll run",
				zap.String("source_id", src.ID),
				zap.Any("panic", rec),
			)
			if !settled {
				e.fail(ctx, src, fmt.Sprintf("internal error: %v", rec))
			}
		}
		e.registry.ClearInFlight(src.ID)
	}()

	attempt := 1
	if st, ok := e.registry.State(src.ID); ok {
		attempt = st.ConsecutiveFailures + 1
	}
	e.appendStatus(ctx, src.ID, poller.RunStateRunning, "", attempt)

	result, err := e.extractor.Extract(ctx, src)
	if err != nil {
		e.fail(ctx, src, (&poller.ExtractionError{SourceID: src.ID, Err: err}).Error())
		settled = true
		metrics.ObserveRun(src.ID, "error", e.clock.Now().Sub(start))
		return
	}

	fields, err := poller.Normalize(src, result.Raw)
	if err != nil {
		e.fail(ctx, src, err.Error())
		settled = true
		metrics.ObserveRun(src.ID, "error", e.clock.Now().Sub(start))
		return
	}

	now := e.clock.Now()
	dp := poller.DataPoint{
		SourceID:    src.ID,
		Raw:         result.Raw,
		Fields:      fields,
		CollectedAt: now,
	}
	if id, idErr := e.idGen.NewID(); idErr == nil {
		dp.ID = id
	} else {
		e.fail(ctx, src, fmt.Sprintf("generate id: %v", idErr))
		settled = true
		metrics.ObserveRun(src.ID, "error", e.clock.Now().Sub(start))
		return
	}
	dp.SnapshotURI = e.snapshot(ctx, src, dp.ID, result.HTML)

	if err := e.store.CreateDataPoint(ctx, dp); err != nil {
		// PersistenceError: the run counts as failed and retries on the next
		// scheduled attempt. In-memory scheduler state stays consistent.
		e.fail(ctx, src, fmt.Sprintf("persist data point: %v", err))
		settled = true
		metrics.ObserveRun(src.ID, "error", e.clock.Now().Sub(start))
		return
	}

	e.appendStatus(ctx, src.ID, poller.RunStateSuccess, "", attempt)

	wasPaused := e.paused(src.ID)
	state, err := e.registry.RecordSuccess(src.ID, now)
	if err != nil {
		e.logger.Error("record success failed", zap.String("source_id", src.ID), zap.Error(err))
	} else {
		if wasPaused {
			metrics.DecPausedSources()
		}
		e.saveState(ctx, state)
	}
	settled = true

	e.bus.Publish(src.ID, bus.Message{
		Type:      bus.TypeUpdate,
		SourceID:  src.ID,
		DataPoint: &dp,
		TS:        now,
	})
	e.notify(ctx, src, dp)

	metrics.ObserveRun(src.ID, "success", e.clock.Now().Sub(start))
	e.logger.Info("poll run succeeded",
		zap.String("source_id", src.ID),
		zap.String("data_point_id", dp.ID),
		zap.Duration("duration", result.Duration),
	)
}

// fail records an error StatusRecord, advances the failure state machine,
// and publishes an error notification. No DataPoint is written.
func (e *Executor) fail(ctx context.Context, src poller.Source, msg string) {
	now := e.clock.Now()
	attempt := 1
	if st, ok := e.registry.State(src.ID); ok {
		attempt = st.ConsecutiveFailures + 1
	}
	e.appendStatus(ctx, src.ID, poller.RunStateError, msg, attempt)

	wasPaused := e.paused(src.ID)
	state, err := e.registry.RecordFailure(src.ID, now)
	if err != nil {
		e.logger.Error("record failure failed", zap.String("source_id", src.ID), zap.Error(err))
		return
	}
	if !wasPaused && state.PausedUntil != nil {
		metrics.IncPausedSources()
	}
	if wasPaused && state.PausedUntil == nil {
		metrics.DecPausedSources()
	}
	e.saveState(ctx, state)

	e.bus.Publish(src.ID, bus.Message{
		Type:     bus.TypeError,
		SourceID: src.ID,
		Error:    msg,
		TS:       now,
	})
	e.logger.Warn("poll run failed",
		zap.String("source_id", src.ID),
		zap.String("message", msg),
		zap.Int("consecutive_failures", state.ConsecutiveFailures),
	)
}

func (e *Executor) paused(sourceID string) bool {
	st, ok := e.registry.State(sourceID)
	return ok && st.PausedUntil != nil
}

func (e *Executor) appendStatus(ctx context.Context, sourceID string, state poller.RunState, msg string, attempt int) {
	id, err := e.idGen.NewID()
	if err != nil {
		e.logger.Warn("generate status id failed", zap.Error(err))
		return
	}
	rec := poller.StatusRecord{
		ID:        id,
		SourceID:  sourceID,
		State:     state,
		Message:   msg,
		Attempt:   attempt,
		CreatedAt: e.clock.Now(),
	}
	if err := e.store.AppendStatusRecord(ctx, rec); err != nil {
		e.logger.Warn("append status record failed",
			zap.String("source_id", sourceID),
			zap.String("state", string(state)),
			zap.Error(err),
		)
	}
}

func (e *Executor) saveState(ctx context.Context, state poller.RuntimeState) {
	if err := e.store.SaveRuntimeState(ctx, state); err != nil {
		e.logger.Warn("save runtime state failed",
			zap.String("source_id", state.SourceID),
			zap.Error(err),
		)
	}
}

// snapshot writes the rendered HTML to blob storage. Objects are named by
// content digest, so an unchanged page re-uses its existing snapshot.
// Snapshots are an audit trail, not part of the run contract, so failures
// only log.
func (e *Executor) snapshot(ctx context.Context, src poller.Source, dpID string, html []byte) string {
	if e.blob == nil || e.cfg.SnapshotPrefix == "" || len(html) == 0 {
		return ""
	}
	name := dpID
	if digest, err := e.hasher.Hash(html); err == nil {
		name = digest
	}
	path := fmt.Sprintf("%s/%s/%s.html", strings.Trim(e.cfg.SnapshotPrefix, "/"), src.ID, name)
	uri, err := e.blob.PutObject(ctx, path, e.cfg.SnapshotContentType, html)
	if err != nil {
		e.logger.Warn("snapshot write failed",
			zap.String("source_id", src.ID),
			zap.Error(err),
		)
		return ""
	}
	return uri
}

func (e *Executor) notify(ctx context.Context, src poller.Source, dp poller.DataPoint) {
	if e.publisher == nil || e.cfg.Topic == "" {
		return
	}
	payload := map[string]any{
		"source_id":     src.ID,
		"data_point_id": dp.ID,
		"collected_at":  dp.CollectedAt.Format(time.RFC3339),
		"fields":        dp.Fields,
		"snapshot_uri":  dp.SnapshotURI,
	}
	if _, err := e.publisher.Publish(ctx, e.cfg.Topic, payload); err != nil {
		e.logger.Warn("publish notification failed",
			zap.String("source_id", src.ID),
			zap.Error(err),
		)
	}
}
