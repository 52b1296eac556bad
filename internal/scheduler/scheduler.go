// Package scheduler provides the periodic maintenance loop: stale graph
// pruning, event retention enforcement, and aggregate flushing.
package scheduler

import (
	"context"
	"time"

	"github.com/householdiq-systems/householdiq/internal/aggregates"
	"github.com/householdiq-systems/householdiq/internal/events"
	"github.com/householdiq-systems/householdiq/internal/graph"
	"github.com/householdiq-systems/householdiq/internal/logging"
	"github.com/householdiq-systems/householdiq/internal/metrics"
)

// Scheduler runs the maintenance sweep at a fixed interval. Every step is
// safe to run concurrently with live resolution: pruning only touches
// unlinked stale records and purging only touches events past retention.
type Scheduler struct {
	graph     graph.Graph
	store     events.Store
	buffer    *aggregates.Buffer
	retention time.Duration
	interval  time.Duration
	logger    *logging.Logger
	stop      chan struct{}
	stopped   chan struct{}
}

// New creates a maintenance scheduler. buffer may be nil when aggregate
// reporting is off.
func New(g graph.Graph, store events.Store, buffer *aggregates.Buffer, retention, interval time.Duration, logger *logging.Logger) *Scheduler {
	return &Scheduler{
		graph:     g,
		store:     store,
		buffer:    buffer,
		retention: retention,
		interval:  interval,
		logger:    logger,
		stop:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

// Start begins the maintenance loop. Call in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	defer close(s.stopped)

	s.logger.Info("maintenance scheduler started", "interval", s.interval, "retention", s.retention)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-s.stop:
			s.logger.Info("maintenance scheduler stopped")
			return
		case <-ctx.Done():
			s.logger.Info("maintenance scheduler context cancelled")
			return
		}
	}
}

// Stop signals the scheduler to stop and waits for it to finish.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.stopped
}

// RunOnce executes a single maintenance sweep. Failures in one step do not
// prevent the others from running.
func (s *Scheduler) RunOnce(ctx context.Context) {
	cutoff := time.Now().Add(-s.retention)

	pruned, err := s.graph.PruneStale(ctx, cutoff)
	if err != nil {
		s.logger.Error("graph prune failed", "error", err)
	} else if pruned > 0 {
		metrics.PrunedRecords.Add(float64(pruned))
		s.logger.Info("pruned stale graph records", "count", pruned)
	}

	purged, err := s.store.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("event purge failed", "error", err)
	} else if purged > 0 {
		s.logger.Info("purged expired events", "count", purged)
	}

	if s.buffer != nil {
		flushed, err := s.buffer.Flush(ctx)
		if err != nil {
			s.logger.Error("aggregate flush failed", "error", err)
		} else if flushed > 0 {
			s.logger.Info("flushed aggregates", "count", flushed)
		}
	}
}
