package delivery

import "time"

// Job is the unit handed from the emitting side to the publisher workers.
// Body holds the serialized envelope exactly as it will be signed and sent,
// so a requeued job keeps its event id and idempotency key.
type Job struct {
	EventType      string            `json:"event_type"`
	EventID        string            `json:"event_id"`
	IdempotencyKey string            `json:"idempotency_key"`
	Body           []byte            `json:"body"`
	EnqueuedAt     time.Time         `json:"enqueued_at"`
	TraceHeaders   map[string]string `json:"trace_headers,omitempty"`
}
