package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestRetryPolicyResolve(t *testing.T) {
	bounds := Bounds{
		DefaultAttempts: 6,
		DefaultDelays:   []time.Duration{time.Minute, 5 * time.Minute},
		MaxAttempts:     10,
		MinDelay:        time.Second,
		MaxDelay:        24 * time.Hour,
	}

	tests := []struct {
		name   string
		policy RetryPolicy
		bounds Bounds
		want   RetryPolicy
	}{
		{
			name:   "empty policy takes defaults",
			policy: RetryPolicy{},
			bounds: bounds,
			want:   RetryPolicy{MaxAttempts: 6, Delays: []time.Duration{time.Minute, 5 * time.Minute}},
		},
		{
			name:   "attempts clamped to operator max",
			policy: RetryPolicy{MaxAttempts: 50, Delays: []time.Duration{time.Minute}},
			bounds: bounds,
			want:   RetryPolicy{MaxAttempts: 10, Delays: []time.Duration{time.Minute}},
		},
		{
			name:   "delays clamped into range",
			policy: RetryPolicy{MaxAttempts: 3, Delays: []time.Duration{0, 48 * time.Hour}},
			bounds: bounds,
			want:   RetryPolicy{MaxAttempts: 3, Delays: []time.Duration{time.Second, 24 * time.Hour}},
		},
		{
			name:   "zero min delay keeps zero delays",
			policy: RetryPolicy{MaxAttempts: 3, Delays: []time.Duration{0, 0}},
			bounds: Bounds{MaxAttempts: 10},
			want:   RetryPolicy{MaxAttempts: 3, Delays: []time.Duration{0, 0}},
		},
		{
			name:   "at least one attempt",
			policy: RetryPolicy{},
			bounds: Bounds{},
			want:   RetryPolicy{MaxAttempts: 1, Delays: []time.Duration{}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.policy.Resolve(tt.bounds)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Resolve() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestRetryPolicyResolveDoesNotAliasInput(t *testing.T) {
	delays := []time.Duration{0}
	p := RetryPolicy{MaxAttempts: 2, Delays: delays}.Resolve(Bounds{MinDelay: time.Second})
	p.Delays[0] = time.Hour
	if delays[0] != 0 {
		t.Error("Resolve() shares its delay slice with the input")
	}
}

func TestDelayAfter(t *testing.T) {
	p := RetryPolicy{Delays: []time.Duration{time.Minute, 5 * time.Minute, 30 * time.Minute}}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: time.Minute},
		{attempt: 1, want: time.Minute},
		{attempt: 2, want: 5 * time.Minute},
		{attempt: 3, want: 30 * time.Minute},
		{attempt: 9, want: 30 * time.Minute},
	}
	for _, tt := range tests {
		if got := p.DelayAfter(tt.attempt); got != tt.want {
			t.Errorf("DelayAfter(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	if got := (RetryPolicy{}).DelayAfter(3); got != 0 {
		t.Errorf("DelayAfter() with no schedule = %v, want 0", got)
	}
}

func TestValidate(t *testing.T) {
	valid := Subscription{EventType: "reservation.created", TargetURL: "https://example.com/hook", Secret: "s"}

	tests := []struct {
		name    string
		mutate  func(*Subscription)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Subscription) {}},
		{name: "missing event type", mutate: func(s *Subscription) { s.EventType = "" }, wantErr: true},
		{name: "missing secret", mutate: func(s *Subscription) { s.Secret = "" }, wantErr: true},
		{name: "relative url", mutate: func(s *Subscription) { s.TargetURL = "/hook" }, wantErr: true},
		{name: "ftp url", mutate: func(s *Subscription) { s.TargetURL = "ftp://example.com/x" }, wantErr: true},
		{name: "negative attempts", mutate: func(s *Subscription) { s.RetryPolicy.MaxAttempts = -1 }, wantErr: true},
		{name: "negative delay", mutate: func(s *Subscription) { s.RetryPolicy.Delays = []time.Duration{-time.Second} }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid
			tt.mutate(&s)
			err := s.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate() error = %v, want ErrInvalid", err)
			}
		})
	}
}

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		reflect.ValueOf(d).Elem().Set(reflect.ValueOf(r.values[i]))
	}
	return nil
}

type fakeDB struct {
	row      fakeRow
	tag      pgconn.CommandTag
	lastSQL  string
	lastArgs []any
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.lastSQL, f.lastArgs = sql, args
	return f.tag, nil
}

func (f *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.lastSQL, f.lastArgs = sql, args
	return f.row
}

func TestRepositoryGet(t *testing.T) {
	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	db := &fakeDB{row: fakeRow{values: []any{
		"7f8d", "reservation.created", "https://example.com/hook", "secret",
		3, []int64{0, 1500}, true, created,
	}}}

	s, err := NewRepository(db).Get(context.Background(), "7f8d")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	want := RetryPolicy{MaxAttempts: 3, Delays: []time.Duration{0, 1500 * time.Millisecond}}
	if !reflect.DeepEqual(s.RetryPolicy, want) {
		t.Errorf("RetryPolicy = %+v, want %+v", s.RetryPolicy, want)
	}
	if !s.Active || s.CreatedAt != created || s.TargetURL != "https://example.com/hook" {
		t.Errorf("Get() = %+v", s)
	}
}

func TestRepositoryGetNotFound(t *testing.T) {
	db := &fakeDB{row: fakeRow{err: pgx.ErrNoRows}}
	if _, err := NewRepository(db).Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestRepositoryCreateStoresDelaysInMillis(t *testing.T) {
	db := &fakeDB{row: fakeRow{values: []any{
		"id-1", "e", "https://example.com", "s", 2, []int64{1000, 2000}, true, time.Now(),
	}}}
	_, err := NewRepository(db).Create(context.Background(), Subscription{
		EventType:   "e",
		TargetURL:   "https://example.com",
		Secret:      "s",
		RetryPolicy: RetryPolicy{MaxAttempts: 2, Delays: []time.Duration{time.Second, 2 * time.Second}},
	})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if got := db.lastArgs[4]; !reflect.DeepEqual(got, []int64{1000, 2000}) {
		t.Errorf("delays_ms arg = %v, want [1000 2000]", got)
	}
}

func TestRepositoryCreateValidates(t *testing.T) {
	db := &fakeDB{}
	_, err := NewRepository(db).Create(context.Background(), Subscription{EventType: "e"})
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("Create() error = %v, want ErrInvalid", err)
	}
	if db.lastSQL != "" {
		t.Error("invalid subscription reached the database")
	}
}

func TestRepositoryDeactivate(t *testing.T) {
	tests := []struct {
		name    string
		tag     pgconn.CommandTag
		wantErr error
	}{
		{name: "updated", tag: pgconn.NewCommandTag("UPDATE 1")},
		{name: "missing", tag: pgconn.NewCommandTag("UPDATE 0"), wantErr: ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewRepository(&fakeDB{tag: tt.tag}).Deactivate(context.Background(), "id")
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Deactivate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRetryPolicyJSON(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 4, Delays: []time.Duration{30 * time.Second, 2 * time.Minute}}

	raw, err := json.Marshal(Subscription{ID: "sub-1", Secret: "hidden", RetryPolicy: p})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if !strings.Contains(string(raw), `"retry_policy":{"max_attempts":4,"delay_schedule":["30s","2m0s"]}`) {
		t.Errorf("json = %s", raw)
	}
	if strings.Contains(string(raw), "hidden") {
		t.Error("secret leaked into JSON")
	}

	var back Subscription
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if back.RetryPolicy.MaxAttempts != 4 || len(back.RetryPolicy.Delays) != 2 || back.RetryPolicy.Delays[1] != 2*time.Minute {
		t.Errorf("round trip policy = %+v", back.RetryPolicy)
	}

	var bad RetryPolicy
	if err := json.Unmarshal([]byte(`{"delay_schedule":[1000]}`), &bad); err == nil {
		t.Error("numeric delays should be rejected")
	}
	if err := json.Unmarshal([]byte(`{"delay_schedule":["soon"]}`), &bad); !errors.Is(err, ErrInvalid) {
		t.Errorf("Unmarshal() error = %v, want ErrInvalid", err)
	}
}
