package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/austindbirch/hookgate/internal/kvstore"
	"github.com/austindbirch/hookgate/internal/metrics"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func newTestBreaker() (*Breaker, *kvstore.Memory, *testClock) {
	clock := &testClock{now: t0}
	mem := kvstore.NewMemory()
	mem.Now = clock.Now
	return New(mem, settings, WithClock(clock.Now)), mem, clock
}

const endpoint = "https://partner.example.com/webhooks"

func TestKey(t *testing.T) {
	k := Key(endpoint)
	if !strings.HasPrefix(k, KeyPrefix) {
		t.Errorf("Key() = %q, want %q prefix", k, KeyPrefix)
	}
	if len(k) != len(KeyPrefix)+64 {
		t.Errorf("Key() length = %d, want prefix + 64 hex chars", len(k))
	}
	if Key(endpoint) != k {
		t.Error("Key() is not deterministic")
	}
	if Key(endpoint+"/other") == k {
		t.Error("different endpoints share a key")
	}
}

func TestBreaker_MissingStateIsClosedAndNotWritten(t *testing.T) {
	ctx := context.Background()
	b, mem, _ := newTestBreaker()

	if !b.CanExecute(ctx, endpoint) {
		t.Fatal("CanExecute() = false for unknown endpoint")
	}
	if got := b.State(ctx, endpoint).State; got != Closed {
		t.Errorf("State() = %s, want CLOSED", got)
	}
	if ok, _ := mem.Exists(ctx, Key(endpoint)); ok {
		t.Error("reading a missing circuit wrote a record")
	}
}

func TestBreaker_FullCycle(t *testing.T) {
	ctx := context.Background()
	b, mem, clock := newTestBreaker()

	for i := 0; i < 5; i++ {
		if !b.CanExecute(ctx, endpoint) {
			t.Fatalf("attempt %d rejected while CLOSED", i+1)
		}
		b.RecordFailure(ctx, endpoint)
	}
	if got := b.State(ctx, endpoint).State; got != Open {
		t.Fatalf("State() = %s after 5 failures, want OPEN", got)
	}
	if b.CanExecute(ctx, endpoint) {
		t.Fatal("CanExecute() = true while OPEN")
	}

	clock.now = clock.now.Add(30 * time.Second)
	if !b.CanExecute(ctx, endpoint) {
		t.Fatal("probe rejected after timeout")
	}
	if b.CanExecute(ctx, endpoint) {
		t.Fatal("second probe admitted while first in flight")
	}
	b.RecordSuccess(ctx, endpoint)
	if !b.CanExecute(ctx, endpoint) {
		t.Fatal("next probe rejected after success")
	}
	b.RecordSuccess(ctx, endpoint)

	c := b.State(ctx, endpoint)
	if c.State != Closed || c.ConsecutiveFailures != 0 {
		t.Errorf("State() = %+v, want CLOSED with no failures", c)
	}

	raw, ok, _ := mem.Get(ctx, Key(endpoint))
	if !ok {
		t.Fatal("circuit not persisted")
	}
	var stored Circuit
	if err := json.Unmarshal(raw, &stored); err != nil {
		t.Fatalf("stored circuit is not JSON: %v", err)
	}
	if stored.State != Closed {
		t.Errorf("stored state = %s, want CLOSED", stored.State)
	}
}

func TestBreaker_StateExpiresWhenIdle(t *testing.T) {
	ctx := context.Background()
	b, _, clock := newTestBreaker()

	b.RecordFailure(ctx, endpoint)
	if got := b.State(ctx, endpoint).ConsecutiveFailures; got != 1 {
		t.Fatalf("ConsecutiveFailures = %d, want 1", got)
	}

	clock.now = clock.now.Add(time.Hour)
	if got := b.State(ctx, endpoint).ConsecutiveFailures; got != 0 {
		t.Errorf("ConsecutiveFailures after idle TTL = %d, want 0", got)
	}
}

func TestBreaker_Reset(t *testing.T) {
	ctx := context.Background()
	b, _, _ := newTestBreaker()

	for i := 0; i < 5; i++ {
		b.RecordFailure(ctx, endpoint)
	}
	if err := b.Reset(ctx, endpoint); err != nil {
		t.Fatalf("Reset() error: %v", err)
	}
	if !b.CanExecute(ctx, endpoint) {
		t.Error("CanExecute() = false after Reset")
	}
}

func TestBreaker_EndpointsAreIndependent(t *testing.T) {
	ctx := context.Background()
	b, _, _ := newTestBreaker()

	for i := 0; i < 5; i++ {
		b.RecordFailure(ctx, endpoint)
	}
	if !b.CanExecute(ctx, "https://other.example.com/hook") {
		t.Error("open circuit on one endpoint blocked another")
	}
}

type failingStore struct{ kvstore.Store }

var errUnavailable = errors.New("redis: connection pool timeout")

func (failingStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errUnavailable
}

func (failingStore) SetWithTTL(context.Context, string, []byte, time.Duration) error {
	return errUnavailable
}

func TestBreaker_FailsOpenWhenStoreIsDown(t *testing.T) {
	ctx := context.Background()
	metrics.StateStoreErrorsTotal.Reset()
	b := New(failingStore{}, settings)

	for i := 0; i < 10; i++ {
		b.RecordFailure(ctx, endpoint)
	}
	if !b.CanExecute(ctx, endpoint) {
		t.Error("CanExecute() = false with storage down, want fail open")
	}
	if got := b.State(ctx, endpoint).State; got != Closed {
		t.Errorf("State() = %s, want CLOSED default", got)
	}
	if got := testutil.ToFloat64(metrics.StateStoreErrorsTotal.WithLabelValues("breaker", "get")); got == 0 {
		t.Error("storage read errors were not counted")
	}
}
