// Package delivery fans events out to subscribers, retrying each subscription
// on its own schedule behind the shared circuit breaker.
package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/hookgate/internal/breaker"
	"github.com/austindbirch/hookgate/internal/config"
	"github.com/austindbirch/hookgate/internal/logging"
	"github.com/austindbirch/hookgate/internal/metrics"
	"github.com/austindbirch/hookgate/internal/signing"
	"github.com/austindbirch/hookgate/internal/subscription"
	"github.com/austindbirch/hookgate/internal/tracing"
)

// ErrAbandoned is returned when the caller's context ends while deliveries
// are still pending. No dead letter is written for abandoned deliveries.
var ErrAbandoned = errors.New("delivery abandoned")

const userAgent = "hookgate/1.0"

// SubscriptionSource yields the active subscriptions for an event type.
type SubscriptionSource interface {
	ActiveForEvent(ctx context.Context, eventType string) ([]subscription.Subscription, error)
}

type CircuitBreaker interface {
	CanExecute(ctx context.Context, endpoint string) bool
	RecordSuccess(ctx context.Context, endpoint string)
	RecordFailure(ctx context.Context, endpoint string)
	State(ctx context.Context, endpoint string) breaker.Circuit
}

// Progress is what earlier runs of the same job did for one subscription.
// LastAttempt is zero when nothing was attempted yet.
type Progress struct {
	LastAttempt   int
	LastAttemptAt time.Time
	Delivered     bool
	DeadLettered  bool
}

// Settled reports whether an earlier run already reached a terminal outcome.
func (p Progress) Settled() bool { return p.Delivered || p.DeadLettered }

// Recorder stores attempts and reports earlier progress so a resumed job
// continues the attempt budget instead of starting it over.
type Recorder interface {
	Record(ctx context.Context, a Attempt) error
	Progress(ctx context.Context, subscriptionID, eventID string) (Progress, error)
}

type DeadLetterSink interface {
	Send(ctx context.Context, dl DeadLetter) error
}

type Settings struct {
	Bounds         subscription.Bounds
	RequestTimeout time.Duration
	Headers        config.Headers
	Source         string
	Environment    string
}

func SettingsFromConfig(cfg config.Config) Settings {
	return Settings{
		Bounds: subscription.Bounds{
			DefaultAttempts: cfg.Delivery.MaxAttempts,
			DefaultDelays:   cfg.Delivery.DelaySchedule,
			MaxAttempts:     cfg.Delivery.PolicyMaxAttempts,
			MinDelay:        cfg.Delivery.PolicyMinDelay,
			MaxDelay:        cfg.Delivery.PolicyMaxDelay,
		},
		RequestTimeout: cfg.Delivery.RequestTimeout,
		Headers:        cfg.Headers,
		Source:         cfg.Delivery.Source,
		Environment:    cfg.Delivery.Environment,
	}
}

// Result is the final state of one subscription's delivery.
type Result struct {
	SubscriptionID string `json:"subscription_id"`
	TargetURL      string `json:"target_url"`
	Delivered      bool   `json:"delivered"`
	Skipped        bool   `json:"skipped,omitempty"`
	Abandoned      bool   `json:"abandoned,omitempty"`
	Attempts       int    `json:"attempts"`
	LastStatus     int    `json:"last_status,omitempty"`
	LastError      string `json:"last_error,omitempty"`
}

type Summary struct {
	EventID        string   `json:"event_id"`
	EventType      string   `json:"event_type"`
	IdempotencyKey string   `json:"idempotency_key"`
	Results        []Result `json:"results"`
}

func (s Summary) Delivered() int {
	n := 0
	for _, r := range s.Results {
		if r.Delivered {
			n++
		}
	}
	return n
}

func (s Summary) Failed() int {
	n := 0
	for _, r := range s.Results {
		if !r.Delivered && !r.Abandoned {
			n++
		}
	}
	return n
}

type Publisher struct {
	subs     SubscriptionSource
	breaker  CircuitBreaker
	recorder Recorder
	dlq      DeadLetterSink
	client   *http.Client
	builder  *signing.Builder
	settings Settings
	logger   *logging.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

type Option func(*Publisher)

func WithRecorder(r Recorder) Option             { return func(p *Publisher) { p.recorder = r } }
func WithDeadLetterSink(s DeadLetterSink) Option { return func(p *Publisher) { p.dlq = s } }
func WithHTTPClient(c *http.Client) Option       { return func(p *Publisher) { p.client = c } }
func WithBuilder(b *signing.Builder) Option      { return func(p *Publisher) { p.builder = b } }
func WithLogger(l *logging.Logger) Option        { return func(p *Publisher) { p.logger = l } }
func WithClock(now func() time.Time) Option      { return func(p *Publisher) { p.now = now } }

// WithSleep replaces the wait between attempts. It must return ctx.Err()
// when ctx ends first.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Publisher) { p.sleep = fn }
}

func NewPublisher(subs SubscriptionSource, br CircuitBreaker, s Settings, opts ...Option) *Publisher {
	if s.RequestTimeout <= 0 {
		s.RequestTimeout = 30 * time.Second
	}
	p := &Publisher{
		subs:     subs,
		breaker:  br,
		settings: s,
		client:   NewHTTPClient(),
		builder:  signing.NewBuilder(s.Environment),
		logger:   logging.New("hookgate-publisher"),
		now:      time.Now,
		sleep:    sleepCtx,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// NewHTTPClient returns the traced client used for deliveries. Redirects are
// not followed; a 3xx is a failed attempt.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Publish builds and serializes an envelope once, then delivers it. source is
// the emitting service; empty uses the configured one.
func (p *Publisher) Publish(ctx context.Context, eventType string, data any, source string, opts ...signing.BuildOption) (Summary, error) {
	if source == "" {
		source = p.settings.Source
	}
	env, err := p.builder.Build(eventType, data, source, opts...)
	if err != nil {
		return Summary{}, err
	}
	body, err := signing.Marshal(env)
	if err != nil {
		return Summary{}, err
	}
	metrics.RecordEventEmitted(eventType)
	return p.PublishBody(ctx, env, body)
}

// PublishBody delivers already serialized envelope bytes to every active
// subscription for env.Event concurrently. It waits for all of them.
func (p *Publisher) PublishBody(ctx context.Context, env signing.Envelope, body []byte) (Summary, error) {
	ctx, span := tracing.StartSpan(ctx, "publisher.publish",
		attribute.String("event.type", env.Event),
		attribute.String("event.id", env.ID),
	)
	defer span.End()

	summary := Summary{EventID: env.ID, EventType: env.Event, IdempotencyKey: env.IdempotencyKey}

	subs, err := p.subs.ActiveForEvent(ctx, env.Event)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return summary, fmt.Errorf("load subscriptions: %w", err)
	}
	if len(subs) == 0 {
		p.logger.WithContext(ctx).WithEvent(env.ID).WithField("event_type", env.Event).
			Debug("no active subscriptions")
		return summary, nil
	}

	summary.Results = make([]Result, len(subs))
	var g errgroup.Group
	for i, sub := range subs {
		g.Go(func() error {
			summary.Results[i] = p.Deliver(ctx, sub, env, body)
			return nil
		})
	}
	_ = g.Wait()

	span.SetAttributes(
		attribute.Int("subscriptions", len(subs)),
		attribute.Int("delivered", summary.Delivered()),
	)
	for _, r := range summary.Results {
		if r.Abandoned {
			return summary, ErrAbandoned
		}
	}
	return summary, nil
}

// Deliver runs the attempt loop for one subscription. Each attempt is gated
// by the breaker, recorded, and followed by the policy delay unless it was
// the last. Exhausting the attempts produces a dead letter. A resumed job
// skips settled subscriptions and continues the others after their last
// recorded attempt.
func (p *Publisher) Deliver(ctx context.Context, sub subscription.Subscription, env signing.Envelope, body []byte) Result {
	ctx, span := tracing.StartSpan(ctx, "publisher.deliver",
		attribute.String("subscription.id", sub.ID),
		attribute.String("event.id", env.ID),
	)
	defer span.End()

	res := Result{SubscriptionID: sub.ID, TargetURL: sub.TargetURL}
	logEntry := func() *logging.LogEntry {
		return p.logger.WithContext(ctx).WithEvent(env.ID).WithSubscription(sub.ID).WithEndpoint(sub.TargetURL)
	}

	prior := p.progress(ctx, sub, env, logEntry)
	res.Attempts = prior.LastAttempt
	if prior.Settled() {
		tracing.AddSpanEvent(ctx, "delivery.skipped", attribute.Bool("delivered", prior.Delivered))
		res.Delivered, res.Skipped = prior.Delivered, true
		return res
	}

	policy := sub.RetryPolicy.Resolve(p.settings.Bounds)
	first := prior.LastAttempt + 1
	if prior.LastAttempt > 0 && first <= policy.MaxAttempts {
		wait := policy.DelayAfter(prior.LastAttempt) - p.now().Sub(prior.LastAttemptAt)
		logEntry().WithFields(map[string]any{"next_attempt": first, "wait_ms": max(wait, 0).Milliseconds()}).
			Info("resuming delivery")
		if err := p.sleep(ctx, wait); err != nil {
			res.Abandoned = true
		}
	}

	for attempt := first; !res.Abandoned && attempt <= policy.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			res.Abandoned = true
			break
		}
		res.Attempts = attempt

		if !p.breaker.CanExecute(ctx, sub.TargetURL) {
			tracing.AddSpanEvent(ctx, "breaker.rejected", attribute.Int("attempt", attempt))
			res.LastStatus, res.LastError = 0, "circuit open"
			p.record(ctx, Attempt{
				SubscriptionID: sub.ID,
				AttemptNumber:  attempt,
				Outcome:        OutcomeCircuitOpen,
				Error:          res.LastError,
				CircuitState:   p.breaker.State(ctx, sub.TargetURL).State,
			}, env, sub)
			metrics.RecordDelivery(string(OutcomeCircuitOpen), 0)
			metrics.RecordRetry("circuit_open")
			logEntry().WithField("attempt", attempt).Warn("circuit open, attempt skipped")
		} else {
			state := p.breaker.State(ctx, sub.TargetURL).State
			status, dur, err := p.send(ctx, sub, env, body)
			if err != nil && ctx.Err() != nil {
				// The caller gave up mid-request; nothing was learned about the endpoint.
				res.Abandoned = true
				break
			}
			res.LastStatus = status
			ok := err == nil && status >= 200 && status < 300
			a := Attempt{
				SubscriptionID: sub.ID,
				AttemptNumber:  attempt,
				StatusCode:     status,
				Duration:       dur,
				CircuitState:   state,
			}
			if ok {
				p.breaker.RecordSuccess(ctx, sub.TargetURL)
				a.Outcome = OutcomeSuccess
				p.record(ctx, a, env, sub)
				metrics.RecordDelivery(string(OutcomeSuccess), dur)
				logEntry().WithFields(map[string]any{"attempt": attempt, "status": status, "duration_ms": dur.Milliseconds()}).
					Info("webhook delivered")
				res.Delivered, res.LastError = true, ""
				return res
			}

			p.breaker.RecordFailure(ctx, sub.TargetURL)
			res.LastError = attemptError(err, status)
			a.Outcome, a.Error = OutcomeFailed, res.LastError
			p.record(ctx, a, env, sub)
			reason := classifyReason(err, status)
			metrics.RecordDelivery(string(OutcomeFailed), dur)
			metrics.RecordRetry(reason)
			logEntry().WithFields(map[string]any{"attempt": attempt, "status": status, "reason": reason}).
				Warn("webhook attempt failed")
		}

		if attempt < policy.MaxAttempts {
			if err := p.sleep(ctx, policy.DelayAfter(attempt)); err != nil {
				res.Abandoned = true
			}
		}
	}

	if res.Abandoned {
		tracing.AddSpanEvent(ctx, "delivery.abandoned")
		logEntry().WithField("attempts", res.Attempts).Info("delivery abandoned before completion")
		return res
	}

	if res.LastError == "" {
		// Budget spent by an earlier run that stopped before dead-lettering.
		res.LastError = "attempts exhausted before resume"
	}
	reason := "max_attempts_exceeded"
	metrics.RecordDLQ(reason)
	tracing.SetSpanError(ctx, errors.New(res.LastError))
	logEntry().WithFields(map[string]any{"attempts": res.Attempts, "last_error": res.LastError}).
		Error("delivery failed permanently")
	if p.dlq != nil {
		dl := NewDeadLetter(p.now(), sub, env, body, res, reason)
		if err := p.dlq.Send(context.WithoutCancel(ctx), dl); err != nil {
			logEntry().WithError(err).Error("failed to write dead letter")
		}
	}
	return res
}

// progress loads what earlier runs did. Without history the delivery starts
// from the first attempt.
func (p *Publisher) progress(ctx context.Context, sub subscription.Subscription, env signing.Envelope, logEntry func() *logging.LogEntry) Progress {
	if p.recorder == nil {
		return Progress{}
	}
	prior, err := p.recorder.Progress(ctx, sub.ID, env.ID)
	if err != nil {
		logEntry().WithError(err).Warn("delivery history unavailable, starting from the first attempt")
		return Progress{}
	}
	return prior
}

// send performs one signed POST. The attempt timeout is kept strictly inside
// any deadline on ctx.
func (p *Publisher) send(ctx context.Context, sub subscription.Subscription, env signing.Envelope, body []byte) (int, time.Duration, error) {
	timeout := p.settings.RequestTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining <= timeout {
			timeout = remaining * 9 / 10
		}
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, sub.TargetURL, bytes.NewReader(body))
	if err != nil {
		return 0, 0, err
	}
	h := p.settings.Headers
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(h.Signature, signing.Sign(body, sub.Secret))
	req.Header.Set(h.Timestamp, signing.FormatTimestamp(p.now()))
	req.Header.Set(h.Event, env.Event)
	req.Header.Set(h.ID, env.ID)
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	dur := time.Since(start)
	if err != nil {
		return 0, dur, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	metrics.RecordHTTPStatus(resp.StatusCode)
	return resp.StatusCode, dur, nil
}

func (p *Publisher) record(ctx context.Context, a Attempt, env signing.Envelope, sub subscription.Subscription) {
	if p.recorder == nil {
		return
	}
	a.EventID = env.ID
	a.EventType = env.Event
	a.TargetURL = sub.TargetURL
	a.Timestamp = p.now().UTC()
	if err := p.recorder.Record(context.WithoutCancel(ctx), a); err != nil {
		p.logger.WithContext(ctx).WithEvent(env.ID).WithSubscription(sub.ID).WithError(err).
			Warn("failed to record delivery attempt")
	}
}

func attemptError(err error, status int) string {
	if err != nil {
		return err.Error()
	}
	return fmt.Sprintf("http %d", status)
}

func classifyReason(err error, status int) string {
	if err != nil {
		msg := strings.ToLower(err.Error())
		switch {
		case errors.Is(err, context.DeadlineExceeded) || strings.Contains(msg, "timeout"):
			return "timeout"
		case strings.Contains(msg, "connection refused"):
			return "connection_refused"
		case strings.Contains(msg, "no such host") || strings.Contains(msg, "dns"):
			return "dns_error"
		}
		return "network"
	}
	switch {
	case status >= 500:
		return "http_5xx"
	case status == http.StatusTooManyRequests:
		return "http_429"
	case status >= 400:
		return "http_4xx"
	case status >= 300:
		return "http_3xx"
	}
	return "other"
}
