package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/hookgate/internal/logging"
	"github.com/austindbirch/hookgate/internal/metrics"
	"github.com/austindbirch/hookgate/internal/signing"
	"github.com/austindbirch/hookgate/internal/tracing"
)

// Producer is the publishing half of an NSQ producer.
type Producer interface {
	Publish(topic string, body []byte) error
}

// Emitter serializes events and hands them to the workers over NSQ.
type Emitter struct {
	producer Producer
	topic    string
	source   string
	builder  *signing.Builder
	logger   *logging.Logger
	now      func() time.Time
}

func NewEmitter(producer Producer, topic string, s Settings) *Emitter {
	return &Emitter{
		producer: producer,
		topic:    topic,
		source:   s.Source,
		builder:  signing.NewBuilder(s.Environment),
		logger:   logging.New("hookgate-emitter"),
		now:      time.Now,
	}
}

// Emit builds the envelope, fixes its bytes and enqueues the job. An empty
// source falls back to the configured one. The returned job carries the
// event id and idempotency key for the caller.
func (e *Emitter) Emit(ctx context.Context, eventType string, data any, source string, opts ...signing.BuildOption) (Job, error) {
	if source == "" {
		source = e.source
	}
	ctx, span := tracing.StartSpan(ctx, "emitter.emit",
		attribute.String("event.type", eventType),
		attribute.String("event.source", source),
	)
	defer span.End()

	env, err := e.builder.Build(eventType, data, source, opts...)
	if err != nil {
		return Job{}, err
	}
	body, err := signing.Marshal(env)
	if err != nil {
		return Job{}, err
	}

	job := Job{
		EventType:      env.Event,
		EventID:        env.ID,
		IdempotencyKey: env.IdempotencyKey,
		Body:           body,
		EnqueuedAt:     e.now().UTC(),
		TraceHeaders:   tracing.InjectJobHeaders(ctx),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return Job{}, fmt.Errorf("encode job: %w", err)
	}
	if err := e.producer.Publish(e.topic, raw); err != nil {
		tracing.SetSpanError(ctx, err)
		return Job{}, fmt.Errorf("publish to %s: %w", e.topic, err)
	}

	metrics.RecordEventEmitted(eventType)
	e.logger.WithContext(ctx).WithEvent(env.ID).WithCorrelation(env.Metadata.CorrelationID).
		WithField("event_type", eventType).Info("event enqueued")
	return job, nil
}
