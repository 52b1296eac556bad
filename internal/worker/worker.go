// Package worker consumes bridging jobs from the task queue and drives the
// resolver. Handlers distinguish permanent conditions, which acknowledge and
// drop the job, from transient failures, which propagate an error so the
// queue redelivers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/householdiq-systems/householdiq/internal/bridging"
	"github.com/householdiq-systems/householdiq/internal/events"
	"github.com/householdiq-systems/householdiq/internal/logging"
	"github.com/householdiq-systems/householdiq/internal/metrics"
	"github.com/householdiq-systems/householdiq/internal/queue"
)

// Worker binds queue consumption to resolver execution.
type Worker struct {
	resolver *bridging.Resolver
	store    events.Store
	tasks    queue.TaskQueue
	logger   *logging.Logger
}

// New creates a Worker.
func New(resolver *bridging.Resolver, store events.Store, tasks queue.TaskQueue, logger *logging.Logger) *Worker {
	return &Worker{resolver: resolver, store: store, tasks: tasks, logger: logger}
}

// Start begins consuming both job kinds and returns a stop function that
// halts delivery.
func (w *Worker) Start(ctx context.Context) (func(), error) {
	stopFuzzy, err := w.tasks.ConsumeFuzzy(ctx, w.HandleFuzzy)
	if err != nil {
		return nil, fmt.Errorf("consume fuzzy jobs: %w", err)
	}

	stopDet, err := w.tasks.ConsumeDeterministic(ctx, w.HandleDeterministic)
	if err != nil {
		stopFuzzy()
		return nil, fmt.Errorf("consume deterministic jobs: %w", err)
	}

	return func() {
		stopFuzzy()
		stopDet()
	}, nil
}

// HandleFuzzy runs probabilistic resolution for one queued event.
func (w *Worker) HandleFuzzy(ctx context.Context, job queue.FuzzyJob) error {
	ev, err := w.store.Get(ctx, job.EventID)
	if errors.Is(err, events.ErrEventNotFound) {
		// Purged or never persisted; retrying cannot help.
		w.logger.Warn("dropping fuzzy job for missing event", "event_id", job.EventID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load event %s: %w", job.EventID, err)
	}
	if ev.Resolved() {
		return nil
	}

	start := time.Now()
	res, err := w.resolver.ResolveFuzzy(ctx, ev)
	if err != nil {
		return fmt.Errorf("fuzzy resolution %s: %w", job.EventID, err)
	}
	metrics.ResolutionDuration.WithLabelValues("fuzzy").Observe(time.Since(start).Seconds())
	metrics.Resolutions.WithLabelValues("fuzzy", string(res.Status)).Inc()

	w.logger.Debug("fuzzy resolution complete",
		"event_id", job.EventID,
		"status", res.Status,
		"confidence", res.Confidence,
	)
	return nil
}

// HandleDeterministic runs deterministic resolution for one queued event.
// The job carries the hashed email, so an event row missing it (for example
// one written by an older ingress) still resolves.
func (w *Worker) HandleDeterministic(ctx context.Context, job queue.DeterministicJob) error {
	ev, err := w.store.Get(ctx, job.EventID)
	if errors.Is(err, events.ErrEventNotFound) {
		w.logger.Warn("dropping deterministic job for missing event", "event_id", job.EventID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load event %s: %w", job.EventID, err)
	}
	if ev.Resolved() {
		return nil
	}
	if ev.HashedEmail == "" {
		ev.HashedEmail = job.HashedEmail
	}

	start := time.Now()
	res, err := w.resolver.ResolveDeterministic(ctx, ev)
	if err != nil {
		return fmt.Errorf("deterministic resolution %s: %w", job.EventID, err)
	}
	metrics.ResolutionDuration.WithLabelValues("deterministic").Observe(time.Since(start).Seconds())
	metrics.Resolutions.WithLabelValues("deterministic", string(res.Status)).Inc()

	w.logger.Debug("deterministic resolution complete",
		"event_id", job.EventID,
		"status", res.Status,
	)
	return nil
}
