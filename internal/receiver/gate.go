// Package receiver authenticates inbound webhooks and runs their effect at
// most once per idempotency key.
package receiver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/hookgate/internal/config"
	"github.com/austindbirch/hookgate/internal/idempotency"
	"github.com/austindbirch/hookgate/internal/logging"
	"github.com/austindbirch/hookgate/internal/metrics"
	"github.com/austindbirch/hookgate/internal/signing"
	"github.com/austindbirch/hookgate/internal/tracing"
)

const maxBodyBytes = 1 << 20

// Effect is the business action run for each new webhook. A returned error
// leaves the key unmarked so the sender's retry runs it again.
type Effect interface {
	Handle(ctx context.Context, env signing.Envelope) (any, error)
}

type EffectFunc func(ctx context.Context, env signing.Envelope) (any, error)

func (f EffectFunc) Handle(ctx context.Context, env signing.Envelope) (any, error) { return f(ctx, env) }

// Ledger is the idempotency record the gate consults.
type Ledger interface {
	AlreadyProcessed(ctx context.Context, key string) bool
	GetCached(ctx context.Context, key string) (idempotency.Record, bool)
	MarkProcessed(ctx context.Context, key string, result any) (bool, error)
}

// Decision is the gate's verdict. Status is the HTTP status to answer with.
type Decision struct {
	Status    int             `json:"-"`
	Success   bool            `json:"success"`
	Duplicate bool            `json:"duplicate"`
	Result    any             `json:"result,omitempty"`
	Cached    json.RawMessage `json:"cached_result,omitempty"`
	EventID   string          `json:"event_id,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type Gate struct {
	secret  string
	ledger  Ledger
	effect  Effect
	headers config.Headers
	maxAge  time.Duration
	maxSkew time.Duration
	now     func() time.Time
	logger  *logging.Logger
}

type Option func(*Gate)

func WithClock(now func() time.Time) Option { return func(g *Gate) { g.now = now } }
func WithLogger(l *logging.Logger) Option   { return func(g *Gate) { g.logger = l } }
func WithHeaders(h config.Headers) Option   { return func(g *Gate) { g.headers = h } }
func WithFreshness(maxAge, maxSkew time.Duration) Option {
	return func(g *Gate) { g.maxAge, g.maxSkew = maxAge, maxSkew }
}

func NewGate(secret string, ledger Ledger, effect Effect, opts ...Option) *Gate {
	g := &Gate{
		secret: secret,
		ledger: ledger,
		effect: effect,
		headers: config.Headers{
			Signature: "X-Webhook-Signature",
			Timestamp: "X-Webhook-Timestamp",
			Event:     "X-Webhook-Event",
			ID:        "X-Webhook-ID",
		},
		maxAge:  signing.DefaultMaxAge,
		maxSkew: signing.DefaultMaxSkew,
		now:     time.Now,
		logger:  logging.New("hookgate-receiver"),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func reject(status int, decision, msg string) Decision {
	metrics.RecordReceiverDecision(decision)
	return Decision{Status: status, Error: msg}
}

// Accept checks, in order: header presence, timestamp freshness, signature,
// envelope shape, and prior processing. Only then does it run the effect.
func (g *Gate) Accept(ctx context.Context, body []byte, signature, timestamp string) Decision {
	ctx, span := tracing.StartSpan(ctx, "receiver.accept")
	defer span.End()

	if signature == "" || timestamp == "" {
		return reject(http.StatusUnauthorized, "missing_headers", "missing signature or timestamp")
	}
	ts, err := signing.ParseTimestamp(timestamp)
	if err != nil || !signing.TimestampIsFresh(ts, g.now(), g.maxAge, g.maxSkew) {
		return reject(http.StatusUnauthorized, "stale_timestamp", "timestamp outside the accepted window")
	}
	if !signing.Verify(body, signature, g.secret) {
		return reject(http.StatusUnauthorized, "bad_signature", "invalid signature")
	}

	env, err := signing.Parse(body)
	if err != nil || env.IdempotencyKey == "" {
		return reject(http.StatusBadRequest, "malformed", "body is not an event envelope with an idempotency key")
	}
	span.SetAttributes(
		attribute.String("event.id", env.ID),
		attribute.String("event.type", env.Event),
	)
	logEntry := func() *logging.LogEntry {
		return g.logger.WithContext(ctx).WithEvent(env.ID).WithCorrelation(env.Metadata.CorrelationID).
			WithField("idempotency_key", env.IdempotencyKey)
	}

	if g.ledger.AlreadyProcessed(ctx, env.IdempotencyKey) {
		d := Decision{Status: http.StatusOK, Success: true, Duplicate: true, EventID: env.ID}
		if rec, ok := g.ledger.GetCached(ctx, env.IdempotencyKey); ok {
			d.Cached = rec.Result
		}
		metrics.RecordReceiverDecision("duplicate")
		logEntry().Info("duplicate webhook acknowledged")
		return d
	}

	result, err := g.effect.Handle(ctx, env)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		metrics.RecordReceiverDecision("effect_failed")
		logEntry().WithError(err).Error("webhook effect failed")
		return Decision{Status: http.StatusInternalServerError, EventID: env.ID, Error: "processing failed"}
	}

	recorded, err := g.ledger.MarkProcessed(ctx, env.IdempotencyKey, result)
	switch {
	case err != nil:
		// The effect already ran; a redelivery will run it again.
		logEntry().WithError(err).Warn("could not record idempotency key")
	case !recorded:
		logEntry().Warn("idempotency key recorded concurrently")
	}

	metrics.RecordReceiverDecision("accepted")
	logEntry().WithField("event_type", env.Event).Info("webhook accepted")
	return Decision{Status: http.StatusOK, Success: true, Result: result, EventID: env.ID}
}

func (g *Gate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeDecision(w, Decision{Status: http.StatusMethodNotAllowed, Error: "method not allowed"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeDecision(w, reject(http.StatusRequestEntityTooLarge, "too_large", "body too large"))
			return
		}
		writeDecision(w, reject(http.StatusBadRequest, "malformed", "could not read body"))
		return
	}

	ctx := tracing.ExtractHTTPHeaders(r.Context(), r.Header)
	d := g.Accept(ctx, body, r.Header.Get(g.headers.Signature), r.Header.Get(g.headers.Timestamp))
	writeDecision(w, d)
}

func writeDecision(w http.ResponseWriter, d Decision) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(d.Status)
	_ = json.NewEncoder(w).Encode(d)
}
