package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/householdiq-systems/householdiq/internal/logging"
)

const (
	ackWait       = 30 * time.Second
	maxDeliver    = 5
	maxAckPend    = 256
	redeliverBase = 5 * time.Second
	redeliverCeil = 2 * time.Minute
)

// redeliverDelay doubles the Nak delay per delivery attempt: 5s, 10s, 20s...
// capped so a poisoned job never parks a slot for long.
func redeliverDelay(delivered uint64) time.Duration {
	d := redeliverBase
	for i := uint64(1); i < delivered && d < redeliverCeil; i++ {
		d *= 2
	}
	return min(d, redeliverCeil)
}

// JetStream is the NATS JetStream TaskQueue. The stream uses work-queue
// retention with explicit acks, so a job survives worker crashes and is
// redelivered until acknowledged or the delivery limit is hit.
type JetStream struct {
	js     jetstream.JetStream
	logger *logging.Logger
}

// NewJetStream creates the queue and provisions the bridging job stream.
func NewJetStream(ctx context.Context, conn *nats.Conn, logger *logging.Logger) (*JetStream, error) {
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{"bridging.jobs.>"},
		MaxAge:    24 * time.Hour,
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create stream %s: %w", StreamName, err)
	}

	return &JetStream{js: js, logger: logger}, nil
}

func (q *JetStream) EnqueueFuzzy(ctx context.Context, job FuzzyJob) error {
	return q.publish(ctx, SubjectFuzzy, job)
}

func (q *JetStream) EnqueueDeterministic(ctx context.Context, job DeterministicJob) error {
	return q.publish(ctx, SubjectDeterministic, job)
}

func (q *JetStream) publish(ctx context.Context, subject string, job any) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if _, err := q.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (q *JetStream) ConsumeFuzzy(ctx context.Context, handler FuzzyHandler) (func(), error) {
	return q.consume(ctx, ConsumerFuzzy, SubjectFuzzy, func(ctx context.Context, data []byte) error {
		var job FuzzyJob
		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("decode fuzzy job: %w", err)
		}
		return handler(ctx, job)
	})
}

func (q *JetStream) ConsumeDeterministic(ctx context.Context, handler DeterministicHandler) (func(), error) {
	return q.consume(ctx, ConsumerDeterministic, SubjectDeterministic, func(ctx context.Context, data []byte) error {
		var job DeterministicJob
		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("decode deterministic job: %w", err)
		}
		return handler(ctx, job)
	})
}

func (q *JetStream) consume(ctx context.Context, name, subject string, handle func(context.Context, []byte) error) (func(), error) {
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Name:          name,
		Durable:       name,
		FilterSubject: subject,
		AckWait:       ackWait,
		MaxDeliver:    maxDeliver,
		MaxAckPending: maxAckPend,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", name, err)
	}

	consumeCtx, cancel := context.WithCancel(ctx)

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		if err := handle(consumeCtx, msg.Data()); err != nil {
			delivered := uint64(1)
			if meta, merr := msg.Metadata(); merr == nil {
				delivered = meta.NumDelivered
			}
			delay := redeliverDelay(delivered)
			q.logger.Warn("job failed, scheduling redelivery",
				"consumer", name, "attempt", delivered, "delay", delay, "error", err)
			_ = msg.NakWithDelay(delay)
			return
		}
		_ = msg.Ack()
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("start consuming %s: %w", name, err)
	}

	return func() {
		cancel()
		cons.Stop()
	}, nil
}

var _ TaskQueue = (*JetStream)(nil)
