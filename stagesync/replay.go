// Copyright 2025 Festival Color
// SPDX-License-Identifier: Apache-2.0

package stagesync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds tuning for the replay engine.
type Config struct {
	BatchLimit     int           // records fetched per NextBatch call
	MaxParallel    int           // bound on concurrently drained entity types
	MaxAttempts    int           // dispatch attempts before a record goes failed
	RequestTimeout time.Duration // per remote call
	PollInterval   time.Duration // drain cadence while online
	BackoffMin     time.Duration // 1s
	BackoffMax     time.Duration // 60s
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		BatchLimit:     100,
		MaxParallel:    4,
		MaxAttempts:    10,
		RequestTimeout: 30 * time.Second,
		PollInterval:   15 * time.Second,
		BackoffMin:     1 * time.Second,
		BackoffMax:     60 * time.Second,
	}
}

// Engine drains the operation log against the remote store. Each entity type
// is drained by exactly one worker at a time, so records for one entity are
// dispatched strictly in enqueue order; distinct entity types proceed in
// parallel up to MaxParallel.
type Engine struct {
	log     *Log
	remote  RemoteStore
	monitor *Monitor
	config  Config
	logger  *slog.Logger
}

// NewEngine creates a replay engine.
func NewEngine(log *Log, remote RemoteStore, monitor *Monitor, config Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if config.BatchLimit <= 0 {
		config = DefaultConfig()
	}
	return &Engine{
		log:     log,
		remote:  remote,
		monitor: monitor,
		config:  config,
		logger:  logger,
	}
}

// Run drives the engine until the context is cancelled. On entry any record
// left in_flight by a previous process is returned to pending; on exit no
// record is in_flight, so the log is always resumable.
func (e *Engine) Run(ctx context.Context) error {
	if _, err := e.log.RecoverInFlight(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		if e.monitor.IsOnline() {
			e.drain(ctx)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-e.monitor.Wake():
		case <-ticker.C:
		}
	}
}

// DrainOnce performs a single synchronous drain pass. Used by callers that
// want deterministic replay (and by tests) instead of the background loop.
func (e *Engine) DrainOnce(ctx context.Context) {
	e.drain(ctx)
}

// drain repeats passes until no stream is deferred. A pass can defer a record
// because it references an entity whose create sits in another stream; once
// that stream made progress, the next pass picks the deferred record up. The
// loop stops when a pass applies nothing, so a terminally stuck reference
// cannot spin it.
func (e *Engine) drain(ctx context.Context) {
	for {
		applied, deferred := e.drainPass(ctx)
		if !deferred || applied == 0 {
			return
		}
	}
}

// drainPass runs one worker per pending entity type, bounded by MaxParallel.
// It reports how many records reached a terminal state and whether any stream
// stopped early on an unresolved reference.
func (e *Engine) drainPass(ctx context.Context) (int, bool) {
	types, err := e.log.EntityTypes(ctx)
	if err != nil {
		e.logger.Error("Failed to list pending entity types", "error", err)
		return 0, false
	}
	if len(types) == 0 {
		return 0, false
	}

	var (
		applied  atomic.Int64
		deferred atomic.Bool
	)
	sem := make(chan struct{}, e.config.MaxParallel)
	var wg sync.WaitGroup
	for _, et := range types {
		select {
		case <-ctx.Done():
			wg.Wait()
			return int(applied.Load()), false
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(et EntityType) {
			defer wg.Done()
			defer func() { <-sem }()
			n, d := e.drainEntity(ctx, et)
			applied.Add(int64(n))
			if d {
				deferred.Store(true)
			}
		}(et)
	}
	wg.Wait()
	return int(applied.Load()), deferred.Load()
}

// drainEntity replays one entity stream in order. A record is only dispatched
// after its predecessor reached a terminal state; a transient fault stops the
// stream (the record went back to pending) and backs off before re-reading.
func (e *Engine) drainEntity(ctx context.Context, entityType EntityType) (applied int, deferred bool) {
	backoff := e.config.BackoffMin
stream:
	for {
		select {
		case <-ctx.Done():
			return applied, deferred
		default:
		}
		if !e.monitor.IsOnline() {
			return applied, deferred
		}

		batch, err := e.log.NextBatch(ctx, entityType, e.config.BatchLimit)
		if err != nil {
			e.logger.Error("Failed to fetch batch", "entity_type", entityType, "error", err)
			return applied, deferred
		}
		if len(batch) == 0 {
			return applied, deferred
		}

		for _, rec := range batch {
			select {
			case <-ctx.Done():
				return applied, deferred
			default:
			}

			blocked, err := e.blockedReference(ctx, rec)
			if err != nil {
				e.logger.Error("Failed to check record references",
					"id", rec.ID, "entity_type", rec.EntityType, "error", err)
				return applied, deferred
			}
			if blocked {
				// The referenced create has not been applied yet. Hold the
				// whole stream: later records must not overtake this one.
				e.logger.Debug("Deferring record with unresolved reference",
					"id", rec.ID, "entity_type", rec.EntityType, "entity_id", rec.EntityID)
				return applied, true
			}

			rec, err := e.log.ResolveRecord(ctx, rec)
			if err != nil {
				e.logger.Error("Failed to resolve record ids",
					"id", rec.ID, "entity_type", rec.EntityType, "error", err)
				return applied, deferred
			}

			transient, err := e.processRecord(ctx, rec)
			if err != nil {
				e.logger.Error("Failed to process record",
					"id", rec.ID, "entity_type", rec.EntityType, "error", err)
				return applied, deferred
			}
			if transient {
				// Record is back in pending; wait out the backoff before
				// re-reading the stream from the front.
				if err := sleepWithContext(ctx, backoff); err != nil {
					return applied, deferred
				}
				backoff *= 2
				if backoff > e.config.BackoffMax {
					backoff = e.config.BackoffMax
				}
				continue stream
			}
			applied++
			backoff = e.config.BackoffMin
		}
	}
}

// blockedReference reports whether the record points at an entity whose create
// is still waiting in the log. Dispatching it now would send a provisional id
// the remote store has never seen.
func (e *Engine) blockedReference(ctx context.Context, rec MutationRecord) (bool, error) {
	if rec.Payload == nil {
		return false, nil
	}
	for _, ref := range rec.Payload.References() {
		pending, err := e.log.HasPendingCreate(ctx, ref.Entity, ref.ID)
		if err != nil {
			return false, err
		}
		if pending {
			return true, nil
		}
	}
	return false, nil
}

// processRecord dispatches a single record and applies the outcome to the
// log. It reports transient=true when the record was returned to pending.
func (e *Engine) processRecord(ctx context.Context, rec MutationRecord) (transient bool, err error) {
	if rec.AttemptCount >= e.config.MaxAttempts {
		e.logger.Error("Record exhausted its attempts",
			"id", rec.ID, "entity_type", rec.EntityType, "entity_id", rec.EntityID,
			"attempts", rec.AttemptCount, "last_error", rec.LastError)
		return false, e.log.MarkFailed(ctx, rec.ID,
			fmt.Sprintf("attempts exhausted after %d tries: %s", rec.AttemptCount, rec.LastError))
	}

	if err := e.log.MarkInFlight(ctx, rec.ID); err != nil {
		return false, err
	}

	callCtx, cancel := context.WithTimeout(ctx, e.config.RequestTimeout)
	result, applyErr := e.remote.Apply(callCtx, rec)
	cancel()

	if applyErr != nil {
		// Transport fault: transient by definition. Demote connectivity so
		// every other caller shares the observation.
		e.monitor.ReportFailure(applyErr)
		if markErr := e.log.MarkPending(ctx, rec.ID, applyErr.Error()); markErr != nil {
			return false, markErr
		}
		e.logger.Warn("Transient replay failure",
			"id", rec.ID, "entity_type", rec.EntityType, "entity_id", rec.EntityID,
			"attempt", rec.AttemptCount+1, "error", applyErr)
		return true, nil
	}

	switch result.Outcome {
	case OutcomeApplied, OutcomeAlreadyApplied:
		// A canonical id must be reconciled before the next record of this
		// stream (or any record referencing this entity) is dispatched, and
		// it must land in the same transaction as the synced mark: a crash
		// between the two would lose the mapping for good.
		if rec.Op == OpCreate && result.CanonicalID != "" && result.CanonicalID != rec.EntityID {
			return false, e.log.MarkSyncedReconciled(ctx, rec.ID, rec.EntityType, rec.EntityID, result.CanonicalID)
		}
		return false, e.log.MarkSynced(ctx, rec.ID)

	case OutcomeRejected:
		e.logger.Error("Remote store rejected mutation",
			"id", rec.ID, "entity_type", rec.EntityType, "entity_id", rec.EntityID,
			"reason", result.Reason, "message", result.Message)
		return false, e.log.MarkFailed(ctx, rec.ID,
			fmt.Sprintf("rejected (%s): %s", result.Reason, result.Message))

	default:
		return false, fmt.Errorf("unknown remote outcome %v for record %d", result.Outcome, rec.ID)
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
