// Package queue provides the at-least-once task queue feeding the bridging
// workers.
package queue

import (
	"context"

	"github.com/google/uuid"
)

// Subjects and stream naming for the bridging job stream.
const (
	StreamName = "BRIDGING_JOBS"

	SubjectFuzzy         = "bridging.jobs.fuzzy"
	SubjectDeterministic = "bridging.jobs.deterministic"

	ConsumerFuzzy         = "bridging-fuzzy-workers"
	ConsumerDeterministic = "bridging-deterministic-workers"
)

// FuzzyJob asks a worker to run probabilistic resolution for one event.
type FuzzyJob struct {
	EventID uuid.UUID `json:"event_id"`
}

// DeterministicJob asks a worker to run deterministic resolution for one
// event. The hashed email rides along so a worker can resolve even when the
// event row lags behind the queue.
type DeterministicJob struct {
	EventID     uuid.UUID `json:"event_id"`
	HashedEmail string    `json:"hashed_email"`
}

// Handlers consume jobs. A returned error triggers redelivery after a backoff
// until the delivery limit; a nil return acknowledges the job.
type (
	FuzzyHandler         func(ctx context.Context, job FuzzyJob) error
	DeterministicHandler func(ctx context.Context, job DeterministicJob) error
)

// TaskQueue enqueues bridging jobs and feeds them to worker handlers with
// at-least-once delivery.
type TaskQueue interface {
	EnqueueFuzzy(ctx context.Context, job FuzzyJob) error
	EnqueueDeterministic(ctx context.Context, job DeterministicJob) error

	// ConsumeFuzzy and ConsumeDeterministic start delivering jobs to the
	// handler and return a stop function.
	ConsumeFuzzy(ctx context.Context, handler FuzzyHandler) (func(), error)
	ConsumeDeterministic(ctx context.Context, handler DeterministicHandler) (func(), error)
}
