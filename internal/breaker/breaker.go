// Package breaker implements a per-endpoint circuit breaker whose state lives
// in a shared kvstore, so every publisher process sees the same circuits.
package breaker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/austindbirch/hookgate/internal/kvstore"
	"github.com/austindbirch/hookgate/internal/logging"
	"github.com/austindbirch/hookgate/internal/metrics"
)

const KeyPrefix = "breaker:"

// Key derives the storage key for an endpoint URL.
func Key(endpoint string) string {
	sum := sha256.Sum256([]byte(endpoint))
	return KeyPrefix + hex.EncodeToString(sum[:])
}

type Breaker struct {
	kv       kvstore.Store
	settings Settings
	logger   *logging.Logger
	now      func() time.Time
}

type Option func(*Breaker)

func WithLogger(l *logging.Logger) Option { return func(b *Breaker) { b.logger = l } }

func WithClock(now func() time.Time) Option { return func(b *Breaker) { b.now = now } }

func New(kv kvstore.Store, s Settings, opts ...Option) *Breaker {
	b := &Breaker{
		kv:       kv,
		settings: s.normalized(),
		logger:   logging.New("hookgate-breaker"),
		now:      time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Breaker) Settings() Settings { return b.settings }

// CanExecute reports whether an attempt to endpoint may proceed. In OPEN past
// its retry time it moves the circuit to HALF_OPEN and admits a single probe.
func (b *Breaker) CanExecute(ctx context.Context, endpoint string) bool {
	d := b.apply(ctx, endpoint, Probe)
	if !d.Allowed {
		metrics.RecordBreakerRejection()
	}
	return d.Allowed
}

func (b *Breaker) RecordSuccess(ctx context.Context, endpoint string) {
	b.apply(ctx, endpoint, Success)
}

func (b *Breaker) RecordFailure(ctx context.Context, endpoint string) {
	b.apply(ctx, endpoint, Failure)
}

// State returns the stored circuit, or a closed one when none is stored or
// the store cannot be read.
func (b *Breaker) State(ctx context.Context, endpoint string) Circuit {
	c, _ := b.load(ctx, endpoint)
	return c
}

// Reset forgets the endpoint's circuit, returning it to CLOSED.
func (b *Breaker) Reset(ctx context.Context, endpoint string) error {
	if err := b.kv.Delete(ctx, Key(endpoint)); err != nil {
		return err
	}
	b.logger.WithContext(ctx).WithEndpoint(endpoint).Info("circuit breaker reset")
	return nil
}

func (b *Breaker) load(ctx context.Context, endpoint string) (Circuit, bool) {
	raw, ok, err := b.kv.Get(ctx, Key(endpoint))
	if err != nil {
		metrics.RecordStateStoreError("breaker", "get")
		b.logger.WithContext(ctx).WithEndpoint(endpoint).WithError(err).
			Warn("breaker state unavailable, assuming CLOSED")
		return closedCircuit(), false
	}
	if !ok {
		return closedCircuit(), false
	}
	var c Circuit
	if err := json.Unmarshal(raw, &c); err != nil {
		metrics.RecordStateStoreError("breaker", "decode")
		b.logger.WithContext(ctx).WithEndpoint(endpoint).WithError(err).
			Warn("breaker state unreadable, assuming CLOSED")
		return closedCircuit(), false
	}
	if c.State == "" {
		c.State = Closed
	}
	return c, true
}

func (b *Breaker) apply(ctx context.Context, endpoint string, ev Event) Decision {
	prev, _ := b.load(ctx, endpoint)
	d := Next(prev, ev, b.now(), b.settings)
	if !d.Changed {
		return d
	}

	raw, err := json.Marshal(d.Circuit)
	if err == nil {
		err = b.kv.SetWithTTL(ctx, Key(endpoint), raw, b.settings.StateTTL)
	}
	if err != nil {
		metrics.RecordStateStoreError("breaker", "set")
		b.logger.WithContext(ctx).WithEndpoint(endpoint).WithError(err).
			WithField("event", ev.String()).Error("failed to persist breaker state")
	}

	if prev.State != d.Circuit.State {
		metrics.RecordBreakerTransition(string(prev.State), string(d.Circuit.State))
		entry := b.logger.WithContext(ctx).WithEndpoint(endpoint).WithFields(map[string]any{
			"from":                 prev.State,
			"to":                   d.Circuit.State,
			"event":                ev.String(),
			"consecutive_failures": d.Circuit.ConsecutiveFailures,
		})
		if d.Circuit.State == Open {
			entry.Warn("circuit opened")
		} else {
			entry.Info("circuit state changed")
		}
	}
	return d
}
