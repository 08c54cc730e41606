package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMustRegister(t *testing.T) {
	reg := prometheus.NewRegistry()

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("MustRegister() panicked: %v", r)
		}
	}()
	MustRegister(reg)

	RecordEventEmitted("reservation.created")
	RecordDelivery("success", 100*time.Millisecond)
	RecordHTTPStatus(200)
	RecordRetry("timeout")
	RecordDLQ("max_attempts")
	RecordBreakerTransition("CLOSED", "OPEN")
	RecordBreakerRejection()
	RecordReceiverDecision("accepted")
	RecordStateStoreError("idempotency", "get")
	UpdateWorkerBacklog(5)
	UpdateNSQTopicDepth("webhook_events", "publishers", 3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}

	registered := make(map[string]bool)
	for _, mf := range families {
		registered[mf.GetName()] = true
	}

	for _, name := range []string{
		"hookgate_events_emitted_total",
		"hookgate_deliveries_total",
		"hookgate_delivery_latency_seconds",
		"hookgate_http_responses_total",
		"hookgate_retries_total",
		"hookgate_dlq_total",
		"hookgate_breaker_transitions_total",
		"hookgate_breaker_rejections_total",
		"hookgate_receiver_decisions_total",
		"hookgate_state_store_errors_total",
		"hookgate_worker_backlog",
		"hookgate_nsq_topic_depth",
	} {
		if !registered[name] {
			t.Errorf("metric %s not found in registry", name)
		}
	}
}

func TestRecordDelivery(t *testing.T) {
	DeliveriesTotal.Reset()
	DeliveryLatency.Reset()

	tests := []struct {
		name    string
		outcome string
		latency time.Duration
		calls   int
	}{
		{name: "successful attempts", outcome: "success", latency: 50 * time.Millisecond, calls: 2},
		{name: "failed attempts", outcome: "failed", latency: time.Second, calls: 3},
		{name: "circuit open attempts skip latency", outcome: "circuit_open", latency: 0, calls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < tt.calls; i++ {
				RecordDelivery(tt.outcome, tt.latency)
			}
			got := testutil.ToFloat64(DeliveriesTotal.WithLabelValues(tt.outcome))
			if got != float64(tt.calls) {
				t.Errorf("deliveries{outcome=%q} = %v, want %d", tt.outcome, got, tt.calls)
			}
		})
	}

	if n := testutil.CollectAndCount(DeliveryLatency); n != 2 {
		t.Errorf("latency series = %d, want 2 (circuit_open is not observed)", n)
	}
}

func TestRecordBreakerTransition(t *testing.T) {
	BreakerTransitionsTotal.Reset()

	RecordBreakerTransition("CLOSED", "OPEN")
	RecordBreakerTransition("OPEN", "HALF_OPEN")
	RecordBreakerTransition("HALF_OPEN", "OPEN")
	RecordBreakerTransition("OPEN", "HALF_OPEN")

	if got := testutil.ToFloat64(BreakerTransitionsTotal.WithLabelValues("OPEN", "HALF_OPEN")); got != 2 {
		t.Errorf("OPEN->HALF_OPEN = %v, want 2", got)
	}
	if got := testutil.ToFloat64(BreakerTransitionsTotal.WithLabelValues("CLOSED", "OPEN")); got != 1 {
		t.Errorf("CLOSED->OPEN = %v, want 1", got)
	}
}

func TestGauges(t *testing.T) {
	UpdateWorkerBacklog(12)
	if got := testutil.ToFloat64(WorkerBacklog); got != 12 {
		t.Errorf("worker backlog = %v, want 12", got)
	}

	UpdateNSQTopicDepth("webhook_dlq", "audit", 4)
	UpdateNSQTopicDepth("webhook_dlq", "audit", 1)
	if got := testutil.ToFloat64(NSQTopicDepth.WithLabelValues("webhook_dlq", "audit")); got != 1 {
		t.Errorf("topic depth = %v, want 1", got)
	}
}

func TestRecordReceiverDecision(t *testing.T) {
	ReceiverDecisionsTotal.Reset()

	for _, d := range []string{"accepted", "duplicate", "duplicate", "bad_signature"} {
		RecordReceiverDecision(d)
	}
	if got := testutil.ToFloat64(ReceiverDecisionsTotal.WithLabelValues("duplicate")); got != 2 {
		t.Errorf("duplicate decisions = %v, want 2", got)
	}
}
