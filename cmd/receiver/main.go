package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/hookgate/internal/config"
	"github.com/austindbirch/hookgate/internal/db"
	"github.com/austindbirch/hookgate/internal/health"
	"github.com/austindbirch/hookgate/internal/idempotency"
	"github.com/austindbirch/hookgate/internal/kvstore"
	"github.com/austindbirch/hookgate/internal/logging"
	"github.com/austindbirch/hookgate/internal/metrics"
	"github.com/austindbirch/hookgate/internal/receiver"
	"github.com/austindbirch/hookgate/internal/signing"
	"github.com/austindbirch/hookgate/internal/tracing"
)

// failFirst answers 500 to the first n requests to simulate a flaky endpoint.
func failFirst(n int, logger *logging.Logger, next http.Handler) http.Handler {
	if n <= 0 {
		return next
	}
	var count atomic.Int64
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c := count.Add(1); c <= int64(n) {
			logger.WithContext(r.Context()).WithFields(map[string]any{
				"request": c,
				"fail_n":  n,
			}).Warn("failing request on purpose")
			http.Error(w, "temporary failure", http.StatusInternalServerError)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func logEffect(logger *logging.Logger) receiver.Effect {
	return receiver.EffectFunc(func(ctx context.Context, env signing.Envelope) (any, error) {
		logger.WithContext(ctx).WithEvent(env.ID).WithCorrelation(env.Metadata.CorrelationID).
			WithField("event_type", env.Event).Info("webhook processed")
		return map[string]any{"success": true, "event_id": env.ID}, nil
	})
}

// notifier returns the email effect when an SMTP relay is configured.
func notifier(r config.Receiver) (*receiver.Notifier, bool) {
	if r.SMTPAddr == "" {
		return nil, false
	}
	mailer := receiver.SMTPMailer{Addr: r.SMTPAddr, User: r.SMTPUser, Pass: r.SMTPPass}
	return receiver.NewNotifier(mailer, r.MailFrom, r.MailFallbackTo), true
}

func main() {
	cfg := config.FromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	logging.SetDefaultService("hookgate-receiver")
	logger := logging.New("hookgate-receiver")

	if cfg.Receiver.Secret == "" {
		logger.Plain().Fatal("RECEIVER_SECRET is required")
	}

	shutdown, err := tracing.InitTracing(ctx, "hookgate-receiver")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	rdb, err := kvstore.Connect(ctx, cfg.Redis.URL)
	if err != nil {
		logger.Plain().WithError(err).Fatal("redis config invalid")
	}
	defer rdb.Close()
	kv := kvstore.NewRedis(rdb, cfg.Redis.KeyPrefix)
	checks := health.Checks{"cache": kv}

	effect := logEffect(logger)
	if n, ok := notifier(cfg.Receiver); ok {
		logger.Plain().WithField("smtp", cfg.Receiver.SMTPAddr).Info("email notifier enabled")
		effect = n
	} else if cfg.Receiver.EventLog {
		pool, err := db.Connect(ctx, cfg.DSN())
		if err != nil {
			logger.Plain().WithError(err).Fatal("db connect failed")
		}
		defer pool.Close()
		effect = receiver.NewEventLog(pool)
		checks["database"] = pool
	}

	ledger := idempotency.New(kv, cfg.Receiver.Namespace, cfg.Receiver.IdempotencyTTL, idempotency.WithLogger(logger))
	gate := receiver.NewGate(cfg.Receiver.Secret, ledger, effect,
		receiver.WithLogger(logger),
		receiver.WithHeaders(cfg.Headers),
		receiver.WithFreshness(cfg.Receiver.MaxTimestampAge, cfg.Receiver.MaxClockSkew),
	)

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	mux := http.NewServeMux()
	mux.Handle("/healthz", health.HTTPHandler(checks))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/hook", failFirst(cfg.Receiver.FailFirstN, logger, gate))

	srv := &http.Server{
		Addr:         cfg.Receiver.Port,
		Handler:      mux,
		ReadTimeout:  cfg.Receiver.ReadTimeout,
		WriteTimeout: cfg.Receiver.WriteTimeout,
		IdleTimeout:  cfg.Receiver.IdleTimeout,
	}
	go func() {
		logger.Plain().WithField("addr", srv.Addr).Info("receiver listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("receiver serve failed")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	logger.Plain().Info("receiver stopped")
}
