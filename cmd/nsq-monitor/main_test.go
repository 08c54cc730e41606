package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/austindbirch/hookgate/internal/config"
	"github.com/austindbirch/hookgate/internal/metrics"
)

func TestPollInterval(t *testing.T) {
	tests := []struct {
		env  string
		want time.Duration
	}{
		{env: "", want: 15 * time.Second},
		{env: "5s", want: 5 * time.Second},
		{env: "-1s", want: 15 * time.Second},
		{env: "often", want: 15 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			t.Setenv("POLL_INTERVAL", tt.env)
			if got := pollInterval(); got != tt.want {
				t.Errorf("pollInterval() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewMonitorFromConfig(t *testing.T) {
	stats := `{"topics":[
		{"topic_name":"webhook_events","depth":0,"channels":[{"channel_name":"publishers","depth":7,"in_flight_count":2}]},
		{"topic_name":"webhook_dlq","depth":3,"channels":[{"channel_name":"ops","depth":3,"in_flight_count":0}]},
		{"topic_name":"unrelated","depth":9,"channels":[{"channel_name":"x","depth":9,"in_flight_count":0}]}
	]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.RequestURI(), "/stats") {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(stats))
	}))
	defer srv.Close()

	cfg := config.FromEnv()
	cfg.NSQ.NsqdHTTPAddr = strings.TrimPrefix(srv.URL, "http://")

	m := newMonitor(cfg, time.Second)
	if m.Interval != time.Second {
		t.Errorf("Interval = %v", m.Interval)
	}
	if _, err := m.Poll(context.Background()); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if got := testutil.ToFloat64(metrics.WorkerBacklog); got != 7 {
		t.Errorf("worker backlog = %v, want 7", got)
	}
	if got := testutil.ToFloat64(metrics.NSQTopicDepth.WithLabelValues("webhook_dlq", "ops")); got != 3 {
		t.Errorf("dlq depth = %v, want 3", got)
	}
}
