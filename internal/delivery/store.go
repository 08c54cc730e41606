package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/austindbirch/hookgate/internal/breaker"
	"github.com/austindbirch/hookgate/internal/subscription"
)

// AttemptRepository persists attempts to hookgate.delivery_attempts.
type AttemptRepository struct {
	db subscription.Querier
}

func NewAttemptRepository(db subscription.Querier) *AttemptRepository {
	return &AttemptRepository{db: db}
}

func nullable[T comparable](v T) *T {
	var zero T
	if v == zero {
		return nil
	}
	return &v
}

func (r *AttemptRepository) Record(ctx context.Context, a Attempt) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO hookgate.delivery_attempts
			(subscription_id, event_id, event_type, target_url, attempt_number, outcome,
			 status_code, error, duration_ms, circuit_state, attempted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.SubscriptionID, a.EventID, a.EventType, a.TargetURL, a.AttemptNumber, string(a.Outcome),
		nullable(a.StatusCode), nullable(a.Error), a.Duration.Milliseconds(), string(a.CircuitState), a.Timestamp)
	if err != nil {
		return fmt.Errorf("insert delivery attempt: %w", err)
	}
	return nil
}

// Progress summarizes earlier runs for one (subscription, event) pair: the
// highest attempt number, whether any attempt succeeded, and whether a dead
// letter was already written.
func (r *AttemptRepository) Progress(ctx context.Context, subscriptionID, eventID string) (Progress, error) {
	var (
		p      Progress
		lastAt *time.Time
	)
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(MAX(a.attempt_number), 0),
		       MAX(a.attempted_at),
		       COALESCE(BOOL_OR(a.outcome = 'success'), false),
		       EXISTS (
		           SELECT 1 FROM hookgate.dead_letters d
		           WHERE d.subscription_id = $1 AND d.event_id = $2
		       )
		FROM hookgate.delivery_attempts a
		WHERE a.subscription_id = $1 AND a.event_id = $2`,
		subscriptionID, eventID).Scan(&p.LastAttempt, &lastAt, &p.Delivered, &p.DeadLettered)
	if err != nil {
		return Progress{}, fmt.Errorf("load delivery progress: %w", err)
	}
	if lastAt != nil {
		p.LastAttemptAt = *lastAt
	}
	return p, nil
}

func (r *AttemptRepository) ListByEvent(ctx context.Context, eventID string) ([]Attempt, error) {
	rows, err := r.db.Query(ctx, `
		SELECT subscription_id::text, event_id, event_type, target_url, attempt_number, outcome,
		       COALESCE(status_code, 0), COALESCE(error, ''), duration_ms, circuit_state, attempted_at
		FROM hookgate.delivery_attempts
		WHERE event_id = $1
		ORDER BY subscription_id, attempt_number, id`, eventID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var (
			a          Attempt
			outcome    string
			state      string
			durationMS int64
		)
		if err := rows.Scan(&a.SubscriptionID, &a.EventID, &a.EventType, &a.TargetURL, &a.AttemptNumber,
			&outcome, &a.StatusCode, &a.Error, &durationMS, &state, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Outcome = Outcome(outcome)
		a.CircuitState = breaker.State(state)
		a.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeadLetterRepository persists terminal failures to hookgate.dead_letters.
type DeadLetterRepository struct {
	db subscription.Querier
}

func NewDeadLetterRepository(db subscription.Querier) *DeadLetterRepository {
	return &DeadLetterRepository{db: db}
}

func (r *DeadLetterRepository) Send(ctx context.Context, dl DeadLetter) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO hookgate.dead_letters
			(subscription_id, event_id, event_type, target_url, attempts, http_status, last_error, reason, envelope, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		dl.SubscriptionID, dl.EventID, dl.EventType, dl.TargetURL, dl.Attempts,
		nullable(dl.HTTPStatus), nullable(dl.LastError), dl.Reason, []byte(dl.Envelope), dl.At)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

func (r *DeadLetterRepository) List(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT subscription_id::text, event_id, event_type, target_url, attempts,
		       COALESCE(http_status, 0), COALESCE(last_error, ''), reason, envelope, created_at
		FROM hookgate.dead_letters
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		dl := DeadLetter{Type: DLQType, Version: "v1"}
		var envelope []byte
		if err := rows.Scan(&dl.SubscriptionID, &dl.EventID, &dl.EventType, &dl.TargetURL, &dl.Attempts,
			&dl.HTTPStatus, &dl.LastError, &dl.Reason, &envelope, &dl.At); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		dl.Envelope = json.RawMessage(envelope)
		out = append(out, dl)
	}
	return out, rows.Err()
}
