// Package subscription holds subscriber registrations and their retry
// policies.
package subscription

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	ErrNotFound = errors.New("subscription not found")
	ErrInvalid  = errors.New("invalid subscription")
)

// RetryPolicy controls how often and how patiently one subscription is
// retried. Delays[n-1] is waited after failed attempt n; the last entry
// repeats once the schedule runs out.
type RetryPolicy struct {
	MaxAttempts int             `json:"max_attempts"`
	Delays      []time.Duration `json:"delay_schedule"`
}

type retryPolicyJSON struct {
	MaxAttempts int      `json:"max_attempts"`
	Delays      []string `json:"delay_schedule"`
}

// MarshalJSON writes delays as Go duration strings, the form the API accepts.
func (p RetryPolicy) MarshalJSON() ([]byte, error) {
	out := retryPolicyJSON{MaxAttempts: p.MaxAttempts, Delays: make([]string, len(p.Delays))}
	for i, d := range p.Delays {
		out.Delays[i] = d.String()
	}
	return json.Marshal(out)
}

func (p *RetryPolicy) UnmarshalJSON(b []byte) error {
	var in retryPolicyJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	delays, err := ParseDelays(in.Delays)
	if err != nil {
		return err
	}
	*p = RetryPolicy{MaxAttempts: in.MaxAttempts, Delays: delays}
	return nil
}

// ParseDelays parses a delay schedule written as Go durations ("30s", "5m").
func ParseDelays(schedule []string) ([]time.Duration, error) {
	delays := make([]time.Duration, 0, len(schedule))
	for _, v := range schedule {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid delay %q", ErrInvalid, v)
		}
		delays = append(delays, d)
	}
	return delays, nil
}

type Subscription struct {
	ID          string      `json:"id"`
	EventType   string      `json:"event_type"`
	TargetURL   string      `json:"target_url"`
	Secret      string      `json:"-"`
	RetryPolicy RetryPolicy `json:"retry_policy"`
	Active      bool        `json:"active"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Bounds are the operator limits applied to subscriber supplied policies.
type Bounds struct {
	DefaultAttempts int
	DefaultDelays   []time.Duration
	MaxAttempts     int
	MinDelay        time.Duration
	MaxDelay        time.Duration
}

// Resolve fills in defaults and clamps p to b. A subscription can neither
// retry forever nor hammer an endpoint with zero delays unless the operator
// sets MinDelay to zero.
func (p RetryPolicy) Resolve(b Bounds) RetryPolicy {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = b.DefaultAttempts
	}
	if b.MaxAttempts > 0 && attempts > b.MaxAttempts {
		attempts = b.MaxAttempts
	}
	if attempts < 1 {
		attempts = 1
	}

	src := p.Delays
	if len(src) == 0 {
		src = b.DefaultDelays
	}
	delays := make([]time.Duration, len(src))
	for i, d := range src {
		if d < b.MinDelay {
			d = b.MinDelay
		}
		if b.MaxDelay > 0 && d > b.MaxDelay {
			d = b.MaxDelay
		}
		delays[i] = d
	}

	return RetryPolicy{MaxAttempts: attempts, Delays: delays}
}

// DelayAfter returns the wait that follows failed attempt n (1-based).
func (p RetryPolicy) DelayAfter(attempt int) time.Duration {
	if len(p.Delays) == 0 {
		return 0
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.Delays) {
		idx = len(p.Delays) - 1
	}
	return p.Delays[idx]
}

// Validate checks the fields a subscription needs before it can be stored.
func (s Subscription) Validate() error {
	if s.EventType == "" {
		return fmt.Errorf("%w: event_type is required", ErrInvalid)
	}
	if s.Secret == "" {
		return fmt.Errorf("%w: secret is required", ErrInvalid)
	}
	u, err := url.Parse(s.TargetURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: target_url must be an absolute http(s) URL", ErrInvalid)
	}
	if s.RetryPolicy.MaxAttempts < 0 {
		return fmt.Errorf("%w: max_attempts must not be negative", ErrInvalid)
	}
	for _, d := range s.RetryPolicy.Delays {
		if d < 0 {
			return fmt.Errorf("%w: delays must not be negative", ErrInvalid)
		}
	}
	return nil
}
