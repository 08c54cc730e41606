package breaker

import "time"

type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// Settings tunes one breaker. All endpoints guarded by a Breaker share them.
type Settings struct {
	FailureThreshold int           // consecutive failures that open a closed circuit
	SuccessThreshold int           // half-open successes needed to close again
	Timeout          time.Duration // OPEN rejection window, also the probe lease
	StateTTL         time.Duration // idle expiry of stored state
}

func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		StateTTL:         time.Hour,
	}
}

func (s Settings) normalized() Settings {
	d := DefaultSettings()
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = d.FailureThreshold
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = d.SuccessThreshold
	}
	if s.Timeout <= 0 {
		s.Timeout = d.Timeout
	}
	if s.StateTTL < 2*s.Timeout {
		s.StateTTL = max(d.StateTTL, 2*s.Timeout)
	}
	return s
}

// Circuit is the stored per-endpoint record. The zero value is a healthy
// closed circuit.
type Circuit struct {
	State               State      `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	HalfOpenSuccesses   int        `json:"consecutive_successes_in_half_open"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
	RetryAfter          *time.Time `json:"retry_after,omitempty"`
	ProbeStartedAt      *time.Time `json:"probe_started_at,omitempty"`
}

func closedCircuit() Circuit { return Circuit{State: Closed} }

type Event int

const (
	// Probe asks whether an attempt may go out now.
	Probe Event = iota
	Success
	Failure
)

func (e Event) String() string {
	switch e {
	case Probe:
		return "probe"
	case Success:
		return "success"
	case Failure:
		return "failure"
	default:
		return "unknown"
	}
}

// Decision is the result of applying one event to a circuit.
type Decision struct {
	Circuit Circuit
	Allowed bool // only meaningful for Probe
	Changed bool // the circuit must be written back
}

func ptr(t time.Time) *time.Time { return &t }

// Next is the whole state machine. It has no side effects, so storage,
// logging and metrics live in Breaker.
func Next(c Circuit, ev Event, now time.Time, s Settings) Decision {
	s = s.normalized()
	if c.State == "" {
		c.State = Closed
	}

	switch c.State {
	case Closed:
		switch ev {
		case Probe:
			return Decision{Circuit: c, Allowed: true}
		case Success:
			if c.ConsecutiveFailures == 0 {
				return Decision{Circuit: c}
			}
			return Decision{Circuit: closedCircuit(), Changed: true}
		case Failure:
			c.ConsecutiveFailures++
			if c.ConsecutiveFailures >= s.FailureThreshold {
				return Decision{Circuit: trip(now, c.ConsecutiveFailures, s), Changed: true}
			}
			return Decision{Circuit: c, Changed: true}
		}

	case Open:
		switch ev {
		case Probe:
			if c.RetryAfter != nil && now.Before(*c.RetryAfter) {
				return Decision{Circuit: c}
			}
			next := Circuit{
				State:          HalfOpen,
				OpenedAt:       c.OpenedAt,
				ProbeStartedAt: ptr(now),
			}
			return Decision{Circuit: next, Allowed: true, Changed: true}
		default:
			// Outcomes of attempts that started before the circuit opened.
			return Decision{Circuit: c}
		}

	case HalfOpen:
		switch ev {
		case Probe:
			if c.ProbeStartedAt != nil && now.Before(c.ProbeStartedAt.Add(s.Timeout)) {
				return Decision{Circuit: c}
			}
			c.ProbeStartedAt = ptr(now)
			return Decision{Circuit: c, Allowed: true, Changed: true}
		case Success:
			c.HalfOpenSuccesses++
			c.ProbeStartedAt = nil
			if c.HalfOpenSuccesses >= s.SuccessThreshold {
				return Decision{Circuit: closedCircuit(), Changed: true}
			}
			return Decision{Circuit: c, Changed: true}
		case Failure:
			return Decision{Circuit: trip(now, 0, s), Changed: true}
		}
	}

	// Unknown state in storage: treat as closed.
	return Next(closedCircuit(), ev, now, s)
}

func trip(now time.Time, failures int, s Settings) Circuit {
	return Circuit{
		State:               Open,
		ConsecutiveFailures: failures,
		OpenedAt:            ptr(now),
		RetryAfter:          ptr(now.Add(s.Timeout)),
	}
}
