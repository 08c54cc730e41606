package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/hookgate/internal/logging"
	"github.com/austindbirch/hookgate/internal/metrics"
	"github.com/austindbirch/hookgate/internal/signing"
	"github.com/austindbirch/hookgate/internal/tracing"
)

// BodyPublisher is the part of Publisher the job handler drives.
type BodyPublisher interface {
	PublishBody(ctx context.Context, env signing.Envelope, body []byte) (Summary, error)
}

// inflight is the subset of *nsq.Message the handler responds through.
type inflight interface {
	Finish()
	Touch()
	Requeue(delay time.Duration)
	RequeueWithoutBackoff(delay time.Duration)
}

// JobHandler consumes emitted jobs from NSQ. Deliveries can outlive the
// message timeout, so the message is touched while the publisher runs.
type JobHandler struct {
	ctx        context.Context
	publisher  BodyPublisher
	logger     *logging.Logger
	touchEvery time.Duration
	retryDelay time.Duration
	maxJobRuns uint16
}

// NewJobHandler returns a handler whose deliveries stop when ctx ends.
// Abandoned jobs are requeued so another worker resumes them.
func NewJobHandler(ctx context.Context, p BodyPublisher, msgTimeout time.Duration) *JobHandler {
	touch := msgTimeout / 2
	if touch <= 0 {
		touch = 30 * time.Second
	}
	return &JobHandler{
		ctx:        ctx,
		publisher:  p,
		logger:     logging.New("hookgate-worker"),
		touchEvery: touch,
		retryDelay: 5 * time.Second,
		maxJobRuns: 10,
	}
}

func (h *JobHandler) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse()
	h.handle(m, m.Body, m.Attempts)
	return nil
}

func (h *JobHandler) handle(m inflight, raw []byte, runs uint16) {
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		h.logger.Plain().WithError(err).Error("bad job payload, dropping")
		metrics.RecordDLQ("malformed_job")
		m.Finish()
		return
	}
	env, err := signing.Parse(job.Body)
	if err != nil {
		h.logger.Plain().WithEvent(job.EventID).WithError(err).Error("job carries an unreadable envelope, dropping")
		metrics.RecordDLQ("malformed_job")
		m.Finish()
		return
	}

	ctx := tracing.ExtractJobHeaders(h.ctx, job.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "worker.process_job",
		attribute.String("event.id", env.ID),
		attribute.String("event.type", env.Event),
		attribute.Int("nsq.attempts", int(runs)),
	)
	defer span.End()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(h.touchEvery)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				m.Touch()
			}
		}
	}()

	summary, err := h.publisher.PublishBody(ctx, env, job.Body)
	close(stop)
	wg.Wait()

	log := h.logger.WithContext(ctx).WithEvent(env.ID).WithCorrelation(env.Metadata.CorrelationID)
	switch {
	case errors.Is(err, ErrAbandoned) || h.ctx.Err() != nil:
		log.Info("worker stopping, job requeued")
		m.RequeueWithoutBackoff(0)
	case err != nil && runs < h.maxJobRuns:
		tracing.SetSpanError(ctx, err)
		log.WithError(err).Warn("job failed before delivery, requeueing")
		m.Requeue(h.retryDelay)
	case err != nil:
		tracing.SetSpanError(ctx, err)
		log.WithError(err).Error("job failed repeatedly, dropping")
		metrics.RecordDLQ("job_failed")
		m.Finish()
	default:
		log.WithFields(map[string]any{
			"subscriptions": len(summary.Results),
			"delivered":     summary.Delivered(),
			"failed":        summary.Failed(),
		}).Info("job processed")
		m.Finish()
	}
}
