package delivery

import (
	"encoding/json"
	"time"

	"github.com/austindbirch/hookgate/internal/signing"
	"github.com/austindbirch/hookgate/internal/subscription"
)

const DLQType = "delivery.dlq"

// DeadLetter describes a delivery that exhausted its attempts.
type DeadLetter struct {
	Type           string          `json:"type"`    // "delivery.dlq"
	Version        string          `json:"version"` // schema version
	At             time.Time       `json:"at"`
	Reason         string          `json:"reason"`
	Attempts       int             `json:"attempts"`
	HTTPStatus     int             `json:"http_status,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	SubscriptionID string          `json:"subscription_id"`
	TargetURL      string          `json:"target_url"`
	EventType      string          `json:"event_type"`
	EventID        string          `json:"event_id"`
	Envelope       json.RawMessage `json:"envelope"`
}

func NewDeadLetter(at time.Time, sub subscription.Subscription, env signing.Envelope, body []byte, res Result, reason string) DeadLetter {
	return DeadLetter{
		Type:           DLQType,
		Version:        "v1",
		At:             at.UTC(),
		Reason:         reason,
		Attempts:       res.Attempts,
		HTTPStatus:     res.LastStatus,
		LastError:      res.LastError,
		SubscriptionID: sub.ID,
		TargetURL:      sub.TargetURL,
		EventType:      env.Event,
		EventID:        env.ID,
		Envelope:       json.RawMessage(body),
	}
}
