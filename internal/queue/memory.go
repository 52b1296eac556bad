package queue

import (
	"context"
	"sync"
	"time"
)

// memoryMaxDeliver mirrors the JetStream delivery limit.
const memoryMaxDeliver = 5

// Memory is an in-process TaskQueue used in tests and single-node
// deployments. Delivery semantics match JetStream: jobs are redelivered on
// handler error until the delivery limit.
type Memory struct {
	mu sync.Mutex

	fuzzy         chan memoryJob[FuzzyJob]
	deterministic chan memoryJob[DeterministicJob]

	retryDelay time.Duration
}

type memoryJob[T any] struct {
	payload    T
	deliveries int
}

// NewMemory creates an in-process queue with the given buffer size.
func NewMemory(buffer int) *Memory {
	return &Memory{
		fuzzy:         make(chan memoryJob[FuzzyJob], buffer),
		deterministic: make(chan memoryJob[DeterministicJob], buffer),
		retryDelay:    10 * time.Millisecond,
	}
}

func (q *Memory) EnqueueFuzzy(ctx context.Context, job FuzzyJob) error {
	select {
	case q.fuzzy <- memoryJob[FuzzyJob]{payload: job}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Memory) EnqueueDeterministic(ctx context.Context, job DeterministicJob) error {
	select {
	case q.deterministic <- memoryJob[DeterministicJob]{payload: job}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Memory) ConsumeFuzzy(ctx context.Context, handler FuzzyHandler) (func(), error) {
	return consumeMemory(ctx, q.fuzzy, q.retryDelay, handler)
}

func (q *Memory) ConsumeDeterministic(ctx context.Context, handler DeterministicHandler) (func(), error) {
	return consumeMemory(ctx, q.deterministic, q.retryDelay, handler)
}

func consumeMemory[T any](ctx context.Context, jobs chan memoryJob[T], retryDelay time.Duration, handler func(context.Context, T) error) (func(), error) {
	consumeCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case <-consumeCtx.Done():
				return
			case job := <-jobs:
				job.deliveries++
				if err := handler(consumeCtx, job.payload); err != nil && job.deliveries < memoryMaxDeliver {
					// Backoff doubles per attempt, mirroring the JetStream Nak delay.
					delay := retryDelay << (job.deliveries - 1)
					go func(j memoryJob[T]) {
						select {
						case <-time.After(delay):
						case <-consumeCtx.Done():
							return
						}
						select {
						case jobs <- j:
						case <-consumeCtx.Done():
						}
					}(job)
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}, nil
}

var _ TaskQueue = (*Memory)(nil)
