package delivery

import (
	"time"

	"github.com/austindbirch/hookgate/internal/breaker"
)

type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeFailed      Outcome = "failed"
	OutcomeCircuitOpen Outcome = "circuit_open"
)

// Attempt is one append-only audit row. StatusCode is zero when no HTTP
// response was received.
type Attempt struct {
	SubscriptionID string        `json:"subscription_id"`
	EventID        string        `json:"event_id"`
	EventType      string        `json:"event_type"`
	TargetURL      string        `json:"target_url"`
	AttemptNumber  int           `json:"attempt_number"`
	Outcome        Outcome       `json:"outcome"`
	StatusCode     int           `json:"status_code,omitempty"`
	Error          string        `json:"error,omitempty"`
	Duration       time.Duration `json:"duration"`
	CircuitState   breaker.State `json:"circuit_state"`
	Timestamp      time.Time     `json:"timestamp"`
}
