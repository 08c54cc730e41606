// Package ingest is the management API: subscriptions, event emission and
// read access to delivery history and circuit state.
package ingest

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/hookgate/internal/breaker"
	"github.com/austindbirch/hookgate/internal/delivery"
	"github.com/austindbirch/hookgate/internal/idempotency"
	"github.com/austindbirch/hookgate/internal/logging"
	"github.com/austindbirch/hookgate/internal/signing"
	"github.com/austindbirch/hookgate/internal/subscription"
	"github.com/austindbirch/hookgate/internal/tracing"
)

type Subscriptions interface {
	Create(ctx context.Context, s subscription.Subscription) (subscription.Subscription, error)
	List(ctx context.Context, eventType string) ([]subscription.Subscription, error)
	Deactivate(ctx context.Context, id string) error
}

type Emitter interface {
	Emit(ctx context.Context, eventType string, data any, source string, opts ...signing.BuildOption) (delivery.Job, error)
}

type Attempts interface {
	ListByEvent(ctx context.Context, eventID string) ([]delivery.Attempt, error)
}

type DeadLetters interface {
	List(ctx context.Context, limit int) ([]delivery.DeadLetter, error)
}

type Breakers interface {
	State(ctx context.Context, endpoint string) breaker.Circuit
	Reset(ctx context.Context, endpoint string) error
}

// Server holds the API's collaborators. Requests is optional; without it
// Idempotency-Key headers are ignored.
type Server struct {
	Subscriptions Subscriptions
	Emitter       Emitter
	Attempts      Attempts
	DeadLetters   DeadLetters
	Breakers      Breakers
	Requests      *idempotency.Store

	logger *logging.Logger
}

func NewServer(subs Subscriptions, em Emitter, attempts Attempts, dlq DeadLetters, br Breakers, requests *idempotency.Store) *Server {
	return &Server{
		Subscriptions: subs,
		Emitter:       em,
		Attempts:      attempts,
		DeadLetters:   dlq,
		Breakers:      br,
		Requests:      requests,
		logger:        logging.New("hookgate-ingest"),
	}
}

// Router mounts the API. authMW guards /v1 (ping excepted by the validator);
// extra routes such as /healthz and /metrics are mounted as given.
func (s *Server) Router(authMW func(http.Handler) http.Handler, extra map[string]http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	for path, h := range extra {
		r.Handle(path, h)
	}

	r.Route("/v1", func(r chi.Router) {
		if authMW != nil {
			r.Use(authMW)
		}
		r.Get("/ping", s.ping)
		r.Post("/subscriptions", s.createSubscription)
		r.Get("/subscriptions", s.listSubscriptions)
		r.Post("/subscriptions/{id}/disable", s.disableSubscription)
		r.Post("/events", s.emitEvent)
		r.Get("/events/{id}/attempts", s.listAttempts)
		r.Get("/dead-letters", s.listDeadLetters)
		r.Get("/breakers", s.breakerStatus)
		r.Post("/breakers/reset", s.resetBreaker)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.WithContext(r.Context()).WithFields(map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		}).Debug("request served")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, subscription.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, subscription.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		tracing.SetSpanError(r.Context(), err)
		s.logger.WithContext(r.Context()).WithError(err).WithField("op", op).Error("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// generateSecret returns n random bytes, base64 encoded.
func generateSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func (s *Server) ping(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "pong"})
}

type createSubscriptionRequest struct {
	EventType     string   `json:"event_type"`
	TargetURL     string   `json:"target_url"`
	Secret        string   `json:"secret,omitempty"`
	MaxAttempts   int      `json:"max_attempts,omitempty"`
	DelaySchedule []string `json:"delay_schedule,omitempty"` // Go durations, e.g. "30s"
}

// subscriptionView exposes the secret, which is only returned on creation.
type subscriptionView struct {
	subscription.Subscription
	Secret string `json:"secret,omitempty"`
}

func (s *Server) createSubscription(w http.ResponseWriter, r *http.Request) {
	var req createSubscriptionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	delays, err := subscription.ParseDelays(req.DelaySchedule)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	secret := req.Secret
	if secret == "" {
		if secret, err = generateSecret(32); err != nil {
			s.fail(w, r, "generate_secret", err)
			return
		}
	}

	sub, err := s.Subscriptions.Create(r.Context(), subscription.Subscription{
		EventType:   req.EventType,
		TargetURL:   req.TargetURL,
		Secret:      secret,
		RetryPolicy: subscription.RetryPolicy{MaxAttempts: req.MaxAttempts, Delays: delays},
		Active:      true,
	})
	if err != nil {
		s.fail(w, r, "create_subscription", err)
		return
	}
	s.logger.WithContext(r.Context()).WithSubscription(sub.ID).WithEndpoint(sub.TargetURL).
		WithField("event_type", sub.EventType).Info("subscription created")
	writeJSON(w, http.StatusCreated, subscriptionView{Subscription: sub, Secret: sub.Secret})
}

func (s *Server) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.Subscriptions.List(r.Context(), r.URL.Query().Get("event_type"))
	if err != nil {
		s.fail(w, r, "list_subscriptions", err)
		return
	}
	if subs == nil {
		subs = []subscription.Subscription{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": subs})
}

func (s *Server) disableSubscription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Subscriptions.Deactivate(r.Context(), id); err != nil {
		s.fail(w, r, "disable_subscription", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "active": false})
}

type emitEventRequest struct {
	EventType     string          `json:"event_type"`
	Data          json.RawMessage `json:"data"`
	Source        string          `json:"source,omitempty"` // defaults to EVENT_SOURCE
	CorrelationID string          `json:"correlation_id,omitempty"`
}

type emitEventResponse struct {
	EventID        string    `json:"event_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
}

func (s *Server) emitEvent(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.StartSpan(r.Context(), "ingest.emit_event")
	defer span.End()

	requestKey := r.Header.Get("Idempotency-Key")
	if requestKey != "" && s.Requests != nil {
		if rec, ok := s.Requests.GetCached(ctx, requestKey); ok {
			w.Header().Set("Idempotent-Replayed", "true")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write(rec.Result)
			return
		}
	}

	var req emitEventRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.EventType == "" {
		writeError(w, http.StatusBadRequest, "event_type is required")
		return
	}
	span.SetAttributes(attribute.String("event.type", req.EventType))

	var data any
	if len(req.Data) > 0 {
		data = req.Data
	}
	job, err := s.Emitter.Emit(ctx, req.EventType, data, req.Source, signing.WithCorrelationID(req.CorrelationID))
	if err != nil {
		s.fail(w, r, "emit_event", err)
		return
	}

	resp := emitEventResponse{EventID: job.EventID, IdempotencyKey: job.IdempotencyKey, EnqueuedAt: job.EnqueuedAt}
	if requestKey != "" && s.Requests != nil {
		if _, err := s.Requests.MarkProcessed(ctx, requestKey, resp); err != nil {
			s.logger.WithContext(ctx).WithError(err).Warn("could not record request idempotency key")
		}
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) listAttempts(w http.ResponseWriter, r *http.Request) {
	attempts, err := s.Attempts.ListByEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, "list_attempts", err)
		return
	}
	if attempts == nil {
		attempts = []delivery.Attempt{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": attempts})
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	letters, err := s.DeadLetters.List(r.Context(), limit)
	if err != nil {
		s.fail(w, r, "list_dead_letters", err)
		return
	}
	if letters == nil {
		letters = []delivery.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": letters})
}

type breakerView struct {
	URL string `json:"url"`
	Key string `json:"key"`
	breaker.Circuit
}

func (s *Server) breakerStatus(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	writeJSON(w, http.StatusOK, breakerView{URL: url, Key: breaker.Key(url), Circuit: s.Breakers.State(r.Context(), url)})
}

func (s *Server) resetBreaker(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := decode(r, &req); err != nil || req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	if err := s.Breakers.Reset(r.Context(), req.URL); err != nil {
		s.fail(w, r, "reset_breaker", err)
		return
	}
	writeJSON(w, http.StatusOK, breakerView{URL: req.URL, Key: breaker.Key(req.URL), Circuit: s.Breakers.State(r.Context(), req.URL)})
}
