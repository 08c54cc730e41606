package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/austindbirch/hookgate/internal/auth"
	"github.com/austindbirch/hookgate/internal/breaker"
	"github.com/austindbirch/hookgate/internal/config"
	"github.com/austindbirch/hookgate/internal/db"
	"github.com/austindbirch/hookgate/internal/delivery"
	"github.com/austindbirch/hookgate/internal/health"
	"github.com/austindbirch/hookgate/internal/idempotency"
	"github.com/austindbirch/hookgate/internal/ingest"
	"github.com/austindbirch/hookgate/internal/kvstore"
	"github.com/austindbirch/hookgate/internal/logging"
	"github.com/austindbirch/hookgate/internal/metrics"
	"github.com/austindbirch/hookgate/internal/queue"
	"github.com/austindbirch/hookgate/internal/subscription"
	"github.com/austindbirch/hookgate/internal/tracing"
)

// requestNamespace scopes Idempotency-Key records for API requests.
const requestNamespace = "api_requests"

// newValidator builds the bearer token validator from a static PEM key or,
// failing that, the JWKS endpoint. It returns nil when neither is configured.
func newValidator(ctx context.Context, a config.Auth) (*auth.JWTValidator, error) {
	switch {
	case a.PublicKeyPEM != "":
		return auth.NewJWTValidator(a.PublicKeyPEM, a.Issuer, a.Audience)
	case a.JWKSURL != "":
		key, err := auth.FetchJWKS(ctx, nil, a.JWKSURL, "")
		if err != nil {
			return nil, err
		}
		return auth.NewJWTValidatorFromKey(key, a.Issuer, a.Audience), nil
	default:
		return nil, nil
	}
}

func authMiddleware(v *auth.JWTValidator) func(http.Handler) http.Handler {
	if v == nil {
		return nil
	}
	return v.HTTPMiddleware
}

func main() {
	cfg := config.FromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	logging.SetDefaultService("hookgate-ingest")
	logger := logging.New("hookgate-ingest")

	shutdown, err := tracing.InitTracing(ctx, "hookgate-ingest")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	rdb, err := kvstore.Connect(ctx, cfg.Redis.URL)
	if err != nil {
		logger.Plain().WithError(err).Fatal("redis config invalid")
	}
	defer rdb.Close()
	kv := kvstore.NewRedis(rdb, cfg.Redis.KeyPrefix)

	prod, err := queue.NewProducer(cfg.NSQ.NsqdTCPAddr, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer creation failed")
	}
	defer prod.Stop()

	validator, err := newValidator(ctx, cfg.Auth)
	if err != nil {
		logger.Plain().WithError(err).Fatal("JWT validator setup failed")
	}
	if validator == nil {
		logger.Plain().Warn("no JWT_PUBLIC_KEY or JWKS_URL configured, API is unauthenticated")
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	srv := ingest.NewServer(
		subscription.NewRepository(pool),
		delivery.NewEmitter(prod, cfg.NSQ.EventsTopic, delivery.SettingsFromConfig(cfg)),
		delivery.NewAttemptRepository(pool),
		delivery.NewDeadLetterRepository(pool),
		breaker.New(kv, breaker.Settings{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			SuccessThreshold: cfg.Breaker.SuccessThreshold,
			Timeout:          cfg.Breaker.Timeout,
			StateTTL:         cfg.Breaker.StateTTL,
		}, breaker.WithLogger(logger)),
		idempotency.New(kv, requestNamespace, idempotency.RequestTTL, idempotency.WithLogger(logger)),
	)

	handler := srv.Router(authMiddleware(validator), map[string]http.Handler{
		"/healthz": health.HTTPHandler(health.Checks{"database": pool, "cache": kv}),
		"/metrics": promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})

	httpSrv := &http.Server{
		Addr:              cfg.HTTPPort,
		Handler:           otelhttp.NewHandler(handler, "hookgate-ingest"),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Plain().WithField("addr", cfg.HTTPPort).Info("ingest HTTP listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("HTTP serve failed")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("ingest stopped")
}
