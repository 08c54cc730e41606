package ingest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/austindbirch/hookgate/internal/breaker"
	"github.com/austindbirch/hookgate/internal/delivery"
	"github.com/austindbirch/hookgate/internal/idempotency"
	"github.com/austindbirch/hookgate/internal/kvstore"
	"github.com/austindbirch/hookgate/internal/signing"
	"github.com/austindbirch/hookgate/internal/subscription"
)

type fakeSubs struct {
	created  []subscription.Subscription
	disabled []string
	list     []subscription.Subscription
	err      error
}

func (f *fakeSubs) Create(_ context.Context, s subscription.Subscription) (subscription.Subscription, error) {
	if err := s.Validate(); err != nil {
		return subscription.Subscription{}, err
	}
	if f.err != nil {
		return subscription.Subscription{}, f.err
	}
	s.ID = "sub-1"
	f.created = append(f.created, s)
	return s, nil
}

func (f *fakeSubs) List(_ context.Context, eventType string) ([]subscription.Subscription, error) {
	var out []subscription.Subscription
	for _, s := range f.list {
		if eventType == "" || s.EventType == eventType {
			out = append(out, s)
		}
	}
	return out, f.err
}

func (f *fakeSubs) Deactivate(_ context.Context, id string) error {
	if id == "missing" {
		return subscription.ErrNotFound
	}
	f.disabled = append(f.disabled, id)
	return nil
}

type fakeEmitter struct {
	calls  int
	last   string
	corr   string
	source string
}

func (f *fakeEmitter) Emit(_ context.Context, eventType string, data any, source string, opts ...signing.BuildOption) (delivery.Job, error) {
	f.calls++
	f.last = eventType
	f.source = source
	var env signing.Envelope
	for _, o := range opts {
		o(&env)
	}
	f.corr = env.Metadata.CorrelationID
	return delivery.Job{EventID: "evt-" + eventType, IdempotencyKey: "key-1", EnqueuedAt: time.Unix(0, 0).UTC()}, nil
}

type fakeHistory struct{}

func (fakeHistory) ListByEvent(_ context.Context, id string) ([]delivery.Attempt, error) {
	if id == "broken" {
		return nil, errors.New("db down")
	}
	return []delivery.Attempt{{EventID: id, AttemptNumber: 1, Outcome: delivery.OutcomeSuccess}}, nil
}

func (fakeHistory) List(_ context.Context, limit int) ([]delivery.DeadLetter, error) {
	return []delivery.DeadLetter{{EventID: "evt-1", Attempts: limit}}, nil
}

type testAPI struct {
	handler http.Handler
	subs    *fakeSubs
	emitter *fakeEmitter
	breaker *breaker.Breaker
}

func newTestAPI() testAPI {
	kv := kvstore.NewMemory()
	a := testAPI{
		subs:    &fakeSubs{},
		emitter: &fakeEmitter{},
		breaker: breaker.New(kv, breaker.DefaultSettings()),
	}
	requests := idempotency.New(kv, "api_requests", idempotency.RequestTTL)
	s := NewServer(a.subs, a.emitter, fakeHistory{}, fakeHistory{}, a.breaker, requests)
	a.handler = s.Router(nil, map[string]http.Handler{
		"/healthz": http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }),
	})
	return a
}

func (a testAPI) do(method, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, req)
	return w
}

func TestPingAndHealth(t *testing.T) {
	a := newTestAPI()
	if w := a.do(http.MethodGet, "/v1/ping", ""); w.Code != 200 || !strings.Contains(w.Body.String(), "pong") {
		t.Errorf("ping = %d %s", w.Code, w.Body)
	}
	if w := a.do(http.MethodGet, "/healthz", ""); w.Code != 200 {
		t.Errorf("healthz = %d", w.Code)
	}
}

func TestCreateSubscription(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{name: "valid with generated secret", body: `{"event_type":"reservation.created","target_url":"https://example.com/hook","max_attempts":4,"delay_schedule":["30s","2m"]}`, wantCode: 201},
		{name: "valid with own secret", body: `{"event_type":"reservation.created","target_url":"https://example.com/hook","secret":"mine"}`, wantCode: 201},
		{name: "missing event type", body: `{"target_url":"https://example.com/hook"}`, wantCode: 400},
		{name: "relative url", body: `{"event_type":"x","target_url":"/hook"}`, wantCode: 400},
		{name: "bad delay", body: `{"event_type":"x","target_url":"https://example.com","delay_schedule":["soon"]}`, wantCode: 400},
		{name: "unknown field", body: `{"event_type":"x","target_url":"https://example.com","tenant":"t"}`, wantCode: 400},
		{name: "not json", body: `nope`, wantCode: 400},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAPI()
			w := a.do(http.MethodPost, "/v1/subscriptions", tt.body)
			if w.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d (%s)", w.Code, tt.wantCode, w.Body)
			}
			if tt.wantCode != 201 {
				return
			}
			var resp struct {
				ID     string `json:"id"`
				Secret string `json:"secret"`
			}
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatal(err)
			}
			if resp.ID != "sub-1" || resp.Secret == "" {
				t.Errorf("response = %s", w.Body)
			}
		})
	}
}

func TestCreateSubscriptionPolicy(t *testing.T) {
	a := newTestAPI()
	w := a.do(http.MethodPost, "/v1/subscriptions",
		`{"event_type":"reservation.created","target_url":"https://example.com/hook","max_attempts":4,"delay_schedule":["30s","2m"]}`)
	if !strings.Contains(w.Body.String(), `"delay_schedule":["30s","2m0s"]`) {
		t.Errorf("response does not echo the schedule as durations: %s", w.Body)
	}

	if len(a.subs.created) != 1 {
		t.Fatalf("created = %d", len(a.subs.created))
	}
	s := a.subs.created[0]
	if s.RetryPolicy.MaxAttempts != 4 || len(s.RetryPolicy.Delays) != 2 || s.RetryPolicy.Delays[1] != 2*time.Minute {
		t.Errorf("policy = %+v", s.RetryPolicy)
	}
	raw, err := base64.RawURLEncoding.DecodeString(s.Secret)
	if err != nil || len(raw) != 32 {
		t.Errorf("generated secret %q is not 32 random bytes", s.Secret)
	}
	if !s.Active {
		t.Error("new subscriptions should be active")
	}
}

func TestListAndDisableSubscriptions(t *testing.T) {
	a := newTestAPI()
	a.subs.list = []subscription.Subscription{
		{ID: "a", EventType: "reservation.created", Secret: "s1"},
		{ID: "b", EventType: "reservation.cancelled", Secret: "s2"},
	}

	w := a.do(http.MethodGet, "/v1/subscriptions?event_type=reservation.created", "")
	if w.Code != 200 || !strings.Contains(w.Body.String(), `"id":"a"`) || strings.Contains(w.Body.String(), `"id":"b"`) {
		t.Errorf("list = %d %s", w.Code, w.Body)
	}
	if strings.Contains(w.Body.String(), "s1") {
		t.Error("list must not expose secrets")
	}

	if w := a.do(http.MethodPost, "/v1/subscriptions/a/disable", ""); w.Code != 200 {
		t.Errorf("disable = %d", w.Code)
	}
	if w := a.do(http.MethodPost, "/v1/subscriptions/missing/disable", ""); w.Code != 404 {
		t.Errorf("disable missing = %d, want 404", w.Code)
	}
	if len(a.subs.disabled) != 1 || a.subs.disabled[0] != "a" {
		t.Errorf("disabled = %v", a.subs.disabled)
	}
}

func TestEmitEvent(t *testing.T) {
	a := newTestAPI()

	w := a.do(http.MethodPost, "/v1/events", `{"event_type":"reservation.created","data":{"id":"r-1"},"source":"reservations-service","correlation_id":"corr-9"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("code = %d (%s)", w.Code, w.Body)
	}
	var resp emitEventResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.EventID != "evt-reservation.created" || resp.IdempotencyKey != "key-1" {
		t.Errorf("response = %+v", resp)
	}
	if a.emitter.corr != "corr-9" {
		t.Errorf("correlation id = %q", a.emitter.corr)
	}
	if a.emitter.source != "reservations-service" {
		t.Errorf("source = %q", a.emitter.source)
	}

	if w := a.do(http.MethodPost, "/v1/events", `{"data":{}}`); w.Code != 400 {
		t.Errorf("missing event_type = %d, want 400", w.Code)
	}
}

func TestEmitEventIdempotencyKeyReplays(t *testing.T) {
	a := newTestAPI()
	body := `{"event_type":"reservation.created","data":{"id":"r-1"}}`

	first := a.do(http.MethodPost, "/v1/events", body, "Idempotency-Key", "req-1")
	second := a.do(http.MethodPost, "/v1/events", body, "Idempotency-Key", "req-1")
	third := a.do(http.MethodPost, "/v1/events", body, "Idempotency-Key", "req-2")

	if a.emitter.calls != 2 {
		t.Errorf("emit calls = %d, want 2", a.emitter.calls)
	}
	if second.Header().Get("Idempotent-Replayed") != "true" {
		t.Error("second request should be a replay")
	}
	if strings.TrimSpace(first.Body.String()) != strings.TrimSpace(second.Body.String()) {
		t.Errorf("replayed body %s differs from %s", second.Body, first.Body)
	}
	if third.Header().Get("Idempotent-Replayed") != "" {
		t.Error("a new key must not be replayed")
	}
}

func TestHistoryRoutes(t *testing.T) {
	a := newTestAPI()

	if w := a.do(http.MethodGet, "/v1/events/evt-1/attempts", ""); w.Code != 200 || !strings.Contains(w.Body.String(), `"outcome":"success"`) {
		t.Errorf("attempts = %d %s", w.Code, w.Body)
	}
	if w := a.do(http.MethodGet, "/v1/events/broken/attempts", ""); w.Code != 500 {
		t.Errorf("broken attempts = %d, want 500", w.Code)
	}
	if w := a.do(http.MethodGet, "/v1/dead-letters?limit=7", ""); w.Code != 200 || !strings.Contains(w.Body.String(), `"attempts":7`) {
		t.Errorf("dead letters = %d %s", w.Code, w.Body)
	}
}

func TestBreakerRoutes(t *testing.T) {
	a := newTestAPI()
	url := "https://example.com/hook"
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		a.breaker.RecordFailure(ctx, url)
	}

	w := a.do(http.MethodGet, "/v1/breakers?url="+url, "")
	if w.Code != 200 || !strings.Contains(w.Body.String(), `"state":"OPEN"`) {
		t.Fatalf("status = %d %s", w.Code, w.Body)
	}
	if !strings.Contains(w.Body.String(), breaker.Key(url)) {
		t.Error("status should include the storage key")
	}
	if w := a.do(http.MethodGet, "/v1/breakers", ""); w.Code != 400 {
		t.Errorf("missing url = %d, want 400", w.Code)
	}

	w = a.do(http.MethodPost, "/v1/breakers/reset", `{"url":"`+url+`"}`)
	if w.Code != 200 || !strings.Contains(w.Body.String(), `"state":"CLOSED"`) {
		t.Errorf("reset = %d %s", w.Code, w.Body)
	}
	if w := a.do(http.MethodPost, "/v1/breakers/reset", `{}`); w.Code != 400 {
		t.Errorf("reset without url = %d, want 400", w.Code)
	}
}

func TestAuthMiddlewareGuardsV1(t *testing.T) {
	a := newTestAPI()
	s := NewServer(a.subs, a.emitter, fakeHistory{}, fakeHistory{}, a.breaker, nil)
	deny := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "no", http.StatusUnauthorized)
		})
	}
	h := s.Router(deny, nil)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/subscriptions", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("code = %d, want 401", w.Code)
	}
}

func TestGenerateSecret(t *testing.T) {
	a, err := generateSecret(32)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := generateSecret(32)
	if a == b {
		t.Error("secrets should differ")
	}
	if len(a) != 43 {
		t.Errorf("len = %d, want 43 for 32 bytes", len(a))
	}
}
