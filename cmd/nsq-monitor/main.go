package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/hookgate/internal/config"
	"github.com/austindbirch/hookgate/internal/logging"
	"github.com/austindbirch/hookgate/internal/metrics"
	"github.com/austindbirch/hookgate/internal/queue"
)

// newMonitor watches the events topic (backlog is the worker channel depth)
// and the DLQ topic.
func newMonitor(cfg config.Config, interval time.Duration) *queue.Monitor {
	m := queue.NewMonitor(cfg.NSQ.NsqdHTTPAddr, cfg.NSQ.EventsTopic, cfg.NSQ.WorkerChannel, cfg.NSQ.DLQTopic)
	if interval > 0 {
		m.Interval = interval
	}
	return m
}

func pollInterval() time.Duration {
	d, err := time.ParseDuration(os.Getenv("POLL_INTERVAL"))
	if err != nil || d <= 0 {
		return 15 * time.Second
	}
	return d
}

func main() {
	cfg := config.FromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	logger := logging.New("hookgate-nsq-monitor")

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	m := newMonitor(cfg, pollInterval())
	go m.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		pctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if _, err := m.Poll(pctx); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("OK\n"))
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8084"
	}
	srv := &http.Server{Addr: ":" + port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Plain().WithFields(map[string]any{
			"addr":     srv.Addr,
			"nsqd":     cfg.NSQ.NsqdHTTPAddr,
			"interval": m.Interval.String(),
		}).Info("NSQ monitor starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("NSQ monitor server failed")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
