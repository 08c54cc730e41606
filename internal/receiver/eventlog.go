package receiver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/austindbirch/hookgate/internal/signing"
)

type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// EventLog is an Effect that appends each received envelope to
// hookgate.received_events.
type EventLog struct {
	db Execer
}

func NewEventLog(db Execer) *EventLog { return &EventLog{db: db} }

func (l *EventLog) Handle(ctx context.Context, env signing.Envelope) (any, error) {
	metadata, err := json.Marshal(env.Metadata)
	if err != nil {
		return nil, err
	}
	data := []byte(env.Data)
	if len(data) == 0 {
		data = []byte("null")
	}
	_, err = l.db.Exec(ctx, `
		INSERT INTO hookgate.received_events
			(idempotency_key, event_id, event_type, version, source, correlation_id, payload, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		env.IdempotencyKey, env.ID, env.Event, env.Version, env.Metadata.Source,
		env.Metadata.CorrelationID, data, metadata)
	if err != nil {
		return nil, fmt.Errorf("log received event: %w", err)
	}
	return map[string]any{"success": true, "event_id": env.ID}, nil
}
