package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsEmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookgate_events_emitted_total",
			Help: "Total number of events serialized and handed off for delivery.",
		},
		[]string{"event_type"},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookgate_deliveries_total",
			Help: "Total number of delivery attempts by outcome.",
		},
		[]string{"outcome"}, // success, failed, circuit_open
	)

	DeliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hookgate_delivery_latency_seconds",
			Help:    "Latency of delivery attempts that reached the network.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	HTTPResponsesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookgate_http_responses_total",
			Help: "Subscriber HTTP responses by status code.",
		},
		[]string{"code"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookgate_retries_total",
			Help: "Total number of delivery retries by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, network, circuit_open
	)

	DLQTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookgate_dlq_total",
			Help: "Total number of deliveries that exhausted their attempts.",
		},
		[]string{"reason"},
	)

	BreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookgate_breaker_transitions_total",
			Help: "Circuit breaker state transitions.",
		},
		[]string{"from", "to"},
	)

	BreakerRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hookgate_breaker_rejections_total",
			Help: "Attempts short-circuited by an open breaker.",
		},
	)

	ReceiverDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookgate_receiver_decisions_total",
			Help: "Inbound webhook decisions made by the receiver gate.",
		},
		[]string{"decision"},
	)

	StateStoreErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookgate_state_store_errors_total",
			Help: "State store failures that were absorbed by failing open.",
		},
		[]string{"component", "op"},
	)

	WorkerBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hookgate_worker_backlog",
			Help: "Jobs waiting on the worker channel.",
		},
	)

	NSQTopicDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hookgate_nsq_topic_depth",
			Help: "Depth of NSQ channels per topic.",
		},
		[]string{"topic", "channel"},
	)
)

// MustRegister registers every collector on reg.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		EventsEmittedTotal,
		DeliveriesTotal,
		DeliveryLatency,
		HTTPResponsesTotal,
		RetriesTotal,
		DLQTotal,
		BreakerTransitionsTotal,
		BreakerRejectionsTotal,
		ReceiverDecisionsTotal,
		StateStoreErrorsTotal,
		WorkerBacklog,
		NSQTopicDepth,
	)
}

func RecordEventEmitted(eventType string) {
	EventsEmittedTotal.WithLabelValues(eventType).Inc()
}

// RecordDelivery counts one attempt. Latency is only observed for attempts
// that reached the network.
func RecordDelivery(outcome string, latency time.Duration) {
	DeliveriesTotal.WithLabelValues(outcome).Inc()
	if latency > 0 {
		DeliveryLatency.WithLabelValues(outcome).Observe(latency.Seconds())
	}
}

func RecordHTTPStatus(code int) {
	HTTPResponsesTotal.WithLabelValues(strconv.Itoa(code)).Inc()
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordDLQ(reason string) {
	DLQTotal.WithLabelValues(reason).Inc()
}

func RecordBreakerTransition(from, to string) {
	BreakerTransitionsTotal.WithLabelValues(from, to).Inc()
}

func RecordBreakerRejection() {
	BreakerRejectionsTotal.Inc()
}

func RecordReceiverDecision(decision string) {
	ReceiverDecisionsTotal.WithLabelValues(decision).Inc()
}

func RecordStateStoreError(component, op string) {
	StateStoreErrorsTotal.WithLabelValues(component, op).Inc()
}

func UpdateWorkerBacklog(depth float64) {
	WorkerBacklog.Set(depth)
}

func UpdateNSQTopicDepth(topic, channel string, depth float64) {
	NSQTopicDepth.WithLabelValues(topic, channel).Set(depth)
}
