// Package idempotency records which operation keys have already been
// processed, together with the result to replay for repeats.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/austindbirch/hookgate/internal/kvstore"
	"github.com/austindbirch/hookgate/internal/logging"
	"github.com/austindbirch/hookgate/internal/metrics"
)

const (
	// RequestTTL is the retention for client-supplied request keys.
	RequestTTL = 24 * time.Hour
	// WebhookTTL is the retention for received webhook keys.
	WebhookTTL = 7 * 24 * time.Hour
)

var ErrEmptyKey = errors.New("idempotency: empty key")

// Record is what gets stored for a processed key. It is written once and
// never updated; it disappears when its TTL lapses.
type Record struct {
	Key        string          `json:"key"`
	Result     json.RawMessage `json:"cached_result,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
	ExpiresAt  time.Time       `json:"expires_at"`
}

// Store is a namespaced view over a kvstore. Reads fail open: a storage
// error is logged and treated as "not processed".
type Store struct {
	kv        kvstore.Store
	namespace string
	ttl       time.Duration
	logger    *logging.Logger
	now       func() time.Time
}

type Option func(*Store)

func WithLogger(l *logging.Logger) Option { return func(s *Store) { s.logger = l } }

func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

func New(kv kvstore.Store, namespace string, ttl time.Duration, opts ...Option) *Store {
	if ttl <= 0 {
		ttl = RequestTTL
	}
	s := &Store{
		kv:        kv,
		namespace: strings.TrimSuffix(namespace, ":"),
		ttl:       ttl,
		logger:    logging.New("hookgate-idempotency"),
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) prefix() string { return s.namespace + ":" }

func (s *Store) key(k string) string { return s.prefix() + k }

// TTL reports the retention applied on MarkProcessed.
func (s *Store) TTL() time.Duration { return s.ttl }

// AlreadyProcessed reports whether key has a live record.
func (s *Store) AlreadyProcessed(ctx context.Context, key string) bool {
	if key == "" {
		return false
	}
	ok, err := s.kv.Exists(ctx, s.key(key))
	if err != nil {
		s.storeError(ctx, "exists", key, err)
		return false
	}
	return ok
}

// GetCached returns the stored record, or false when absent, unreadable or
// the store is unavailable.
func (s *Store) GetCached(ctx context.Context, key string) (Record, bool) {
	if key == "" {
		return Record{}, false
	}
	raw, ok, err := s.kv.Get(ctx, s.key(key))
	if err != nil {
		s.storeError(ctx, "get", key, err)
		return Record{}, false
	}
	if !ok {
		return Record{}, false
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		s.storeError(ctx, "decode", key, err)
		return Record{}, false
	}
	return rec, true
}

// MarkProcessed records key with result. The first writer wins: when a
// record already exists nothing is overwritten and recorded is false.
func (s *Store) MarkProcessed(ctx context.Context, key string, result any) (recorded bool, err error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	var raw json.RawMessage
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return false, fmt.Errorf("encode cached result: %w", err)
		}
		raw = b
	}

	now := s.now().UTC()
	rec := Record{Key: key, Result: raw, RecordedAt: now, ExpiresAt: now.Add(s.ttl)}
	b, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("encode record: %w", err)
	}

	recorded, err = s.kv.SetNX(ctx, s.key(key), b, s.ttl)
	if err != nil {
		s.storeError(ctx, "set", key, err)
		return false, fmt.Errorf("mark %q processed: %w", key, err)
	}
	return recorded, nil
}

// Forget removes key so the operation can be processed again.
func (s *Store) Forget(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := s.kv.Delete(ctx, s.key(key)); err != nil {
		return fmt.Errorf("forget %q: %w", key, err)
	}
	return nil
}

// Keys lists the live keys in this namespace without the namespace prefix.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	full, err := s.kv.Keys(ctx, s.prefix())
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	keys := make([]string, 0, len(full))
	for _, k := range full {
		keys = append(keys, strings.TrimPrefix(k, s.prefix()))
	}
	return keys, nil
}

func (s *Store) storeError(ctx context.Context, op, key string, err error) {
	metrics.RecordStateStoreError("idempotency", op)
	s.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
		"namespace": s.namespace,
		"key":       key,
		"op":        op,
	}).Warn("idempotency store unavailable, failing open")
}
