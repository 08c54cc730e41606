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

	"github.com/austindbirch/hookgate/internal/breaker"
	"github.com/austindbirch/hookgate/internal/config"
	"github.com/austindbirch/hookgate/internal/db"
	"github.com/austindbirch/hookgate/internal/delivery"
	"github.com/austindbirch/hookgate/internal/health"
	"github.com/austindbirch/hookgate/internal/kvstore"
	"github.com/austindbirch/hookgate/internal/logging"
	"github.com/austindbirch/hookgate/internal/metrics"
	"github.com/austindbirch/hookgate/internal/queue"
	"github.com/austindbirch/hookgate/internal/subscription"
	"github.com/austindbirch/hookgate/internal/tracing"
)

func breakerSettings(cfg config.Config) breaker.Settings {
	return breaker.Settings{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Timeout:          cfg.Breaker.Timeout,
		StateTTL:         cfg.Breaker.StateTTL,
	}
}

// deadLetterSinks always stores dead letters in Postgres and also publishes
// them to the DLQ topic when a producer is given.
func deadLetterSinks(store delivery.DeadLetterSink, producer delivery.Producer, topic string) delivery.Sinks {
	sinks := delivery.Sinks{store}
	if producer != nil {
		sinks = append(sinks, delivery.NewNSQDeadLetters(producer, topic))
	}
	return sinks
}

func main() {
	cfg := config.FromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	logging.SetDefaultService("hookgate-worker")
	logger := logging.New("hookgate-worker")

	shutdown, err := tracing.InitTracing(ctx, "hookgate-worker")
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
	if err := kv.Ping(ctx); err != nil {
		// Breakers fail open, so the worker can still deliver.
		logger.Plain().WithError(err).Warn("redis unreachable at startup, circuit breakers will fail open")
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	var dlqProducer delivery.Producer
	if cfg.Delivery.PublishDLQ {
		p, err := queue.NewProducer(cfg.NSQ.NsqdTCPAddr, logger)
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer for DLQ creation failed")
		}
		defer p.Stop()
		dlqProducer = p
	}

	pub := delivery.NewPublisher(
		subscription.NewRepository(pool),
		breaker.New(kv, breakerSettings(cfg), breaker.WithLogger(logger)),
		delivery.SettingsFromConfig(cfg),
		delivery.WithRecorder(delivery.NewAttemptRepository(pool)),
		delivery.WithDeadLetterSink(deadLetterSinks(delivery.NewDeadLetterRepository(pool), dlqProducer, cfg.NSQ.DLQTopic)),
		delivery.WithLogger(logger),
	)

	mux := http.NewServeMux()
	mux.Handle("/healthz", health.HTTPHandler(health.Checks{"database": pool, "cache": kv}))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.Delivery.HTTPPort, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	monitor := queue.NewMonitor(cfg.NSQ.NsqdHTTPAddr, cfg.NSQ.EventsTopic, cfg.NSQ.WorkerChannel, cfg.NSQ.DLQTopic)
	go monitor.Run(ctx)

	consumer, err := queue.NewConsumer(cfg.NSQ.EventsTopic, cfg.NSQ.WorkerChannel,
		queue.ConsumerConfig(cfg.NSQ.MsgTimeout, cfg.NSQ.MaxInFlight), logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}
	consumer.AddConcurrentHandlers(delivery.NewJobHandler(ctx, pub, cfg.NSQ.MsgTimeout), max(cfg.NSQ.MaxInFlight, 1))

	// Connecting to nsqd directly creates the channel before the first publish.
	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to nsqd failed")
	}
	if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to lookupd failed")
	}

	logger.Plain().WithFields(map[string]any{
		"topic":   cfg.NSQ.EventsTopic,
		"channel": cfg.NSQ.WorkerChannel,
	}).Info("worker service started")

	<-ctx.Done()

	logger.Plain().Info("Shutting down worker service")
	consumer.Stop()
	<-consumer.StopChan
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("worker service stopped")
}
