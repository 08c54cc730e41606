package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of *pgxpool.Pool the repositories use.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Repository struct {
	db Querier
}

func NewRepository(db Querier) *Repository {
	return &Repository{db: db}
}

const selectColumns = `id::text, event_type, target_url, secret, max_attempts, delays_ms, active, created_at`

func toMillis(ds []time.Duration) []int64 {
	out := make([]int64, len(ds))
	for i, d := range ds {
		out[i] = d.Milliseconds()
	}
	return out
}

func fromMillis(ms []int64) []time.Duration {
	out := make([]time.Duration, len(ms))
	for i, m := range ms {
		out[i] = time.Duration(m) * time.Millisecond
	}
	return out
}

func scan(row pgx.Row) (Subscription, error) {
	var (
		s      Subscription
		delays []int64
	)
	err := row.Scan(&s.ID, &s.EventType, &s.TargetURL, &s.Secret,
		&s.RetryPolicy.MaxAttempts, &delays, &s.Active, &s.CreatedAt)
	if err != nil {
		return Subscription{}, err
	}
	s.RetryPolicy.Delays = fromMillis(delays)
	return s, nil
}

func (r *Repository) Create(ctx context.Context, s Subscription) (Subscription, error) {
	if err := s.Validate(); err != nil {
		return Subscription{}, err
	}
	row := r.db.QueryRow(ctx, `
		INSERT INTO hookgate.subscriptions (event_type, target_url, secret, max_attempts, delays_ms, active)
		VALUES ($1, $2, $3, $4, $5, TRUE)
		RETURNING `+selectColumns,
		s.EventType, s.TargetURL, s.Secret, s.RetryPolicy.MaxAttempts, toMillis(s.RetryPolicy.Delays))
	created, err := scan(row)
	if err != nil {
		return Subscription{}, fmt.Errorf("insert subscription: %w", err)
	}
	return created, nil
}

func (r *Repository) Get(ctx context.Context, id string) (Subscription, error) {
	row := r.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM hookgate.subscriptions WHERE id = $1`, id)
	s, err := scan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Subscription{}, ErrNotFound
	}
	if err != nil {
		return Subscription{}, fmt.Errorf("get subscription: %w", err)
	}
	return s, nil
}

// List returns subscriptions for eventType, or every subscription when eventType is empty.
func (r *Repository) List(ctx context.Context, eventType string) ([]Subscription, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+selectColumns+`
		FROM hookgate.subscriptions
		WHERE ($1 = '' OR event_type = $1)
		ORDER BY created_at`, eventType)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return collect(rows)
}

// ActiveForEvent is read on every publish so registration changes apply to
// the next event without a restart.
func (r *Repository) ActiveForEvent(ctx context.Context, eventType string) ([]Subscription, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+selectColumns+`
		FROM hookgate.subscriptions
		WHERE event_type = $1 AND active
		ORDER BY created_at`, eventType)
	if err != nil {
		return nil, fmt.Errorf("load active subscriptions: %w", err)
	}
	return collect(rows)
}

func (r *Repository) Deactivate(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE hookgate.subscriptions SET active = FALSE, updated_at = now()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivate subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func collect(rows pgx.Rows) ([]Subscription, error) {
	defer rows.Close()
	var out []Subscription
	for rows.Next() {
		s, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
