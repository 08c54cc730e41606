package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type Redis struct {
	URL       string // redis://host:6379/0 or host:port
	KeyPrefix string // prepended to every key the service writes
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	NsqdHTTPAddr   string // e.g. nsqd:4151, used for /stats polling
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	EventsTopic    string // emitted events waiting for fan-out
	DLQTopic       string // terminal delivery failures
	WorkerChannel  string // NSQ channel name for workers
	MsgTimeout     time.Duration
	MaxInFlight    int
}

// Headers names the HTTP headers carried on every delivery.
type Headers struct {
	Signature string
	Timestamp string
	Event     string
	ID        string
}

type Breaker struct {
	FailureThreshold int           // consecutive failures that open the circuit
	SuccessThreshold int           // half-open successes that close it again
	Timeout          time.Duration // how long OPEN rejects before probing
	StateTTL         time.Duration // idle expiry of the stored circuit record
}

type Delivery struct {
	MaxAttempts       int             // default attempts per subscription
	DelaySchedule     []time.Duration // delay after attempt n is DelaySchedule[n-1], last entry repeats
	RequestTimeout    time.Duration   // per-attempt HTTP timeout
	PolicyMaxAttempts int             // upper bound for subscriber supplied max_attempts
	PolicyMinDelay    time.Duration
	PolicyMaxDelay    time.Duration
	PublishDLQ        bool   // whether terminal failures are also published to the DLQ topic
	HTTPPort          string // worker metrics/health port
	Source            string // metadata.source on emitted envelopes
	Environment       string // metadata.environment on emitted envelopes
}

type Receiver struct {
	Secret          string        // shared secret used to verify signatures
	MaxClockSkew    time.Duration // tolerated future skew of the timestamp header
	MaxTimestampAge time.Duration // oldest accepted timestamp
	IdempotencyTTL  time.Duration
	Namespace       string // idempotency key prefix
	FailFirstN      int    // respond 500 to the first N requests
	EventLog        bool   // record accepted events in Postgres
	SMTPAddr        string // host:port; enables the email notifier effect
	SMTPUser        string
	SMTPPass        string
	MailFrom        string
	MailFallbackTo  string // recipient when the event names none
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
}

type Auth struct {
	PublicKeyPEM string
	JWKSURL      string
	Issuer       string
	Audience     string
}

type Config struct {
	AppName  string
	HTTPPort string // :8080
	DB       DB
	Redis    Redis
	NSQ      NSQ
	Headers  Headers
	Breaker  Breaker
	Delivery Delivery
	Receiver Receiver
	Auth     Auth
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// DefaultDelaySchedule is the backoff used when neither the environment nor
// the subscription supplies one.
func DefaultDelaySchedule() []time.Duration {
	return []time.Duration{time.Minute, 5 * time.Minute, 30 * time.Minute, 2 * time.Hour, 12 * time.Hour}
}

// ParseDelaySchedule parses a comma separated list of Go durations.
// Unparseable entries are skipped; an empty result falls back to the default.
func ParseDelaySchedule(schedule string) []time.Duration {
	if schedule == "" {
		return DefaultDelaySchedule()
	}

	parts := strings.Split(schedule, ",")
	durations := make([]time.Duration, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if d, err := time.ParseDuration(part); err == nil && d >= 0 {
			durations = append(durations, d)
		}
	}

	if len(durations) == 0 {
		return DefaultDelaySchedule()
	}

	return durations
}

func FromEnv() Config {
	breakerTimeout := getenvDuration("BREAKER_TIMEOUT", 30*time.Second)
	stateTTL := getenvDuration("BREAKER_STATE_TTL", time.Hour)
	if stateTTL < 2*breakerTimeout {
		stateTTL = 2 * breakerTimeout
	}

	return Config{
		AppName:  getenv("APP_NAME", "hookgate"),
		HTTPPort: getenv("HTTP_PORT", ":8080"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "hookgate"),
		},
		Redis: Redis{
			URL:       getenv("REDIS_URL", "redis://redis:6379/0"),
			KeyPrefix: getenv("REDIS_KEY_PREFIX", ""),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			NsqdHTTPAddr:   getenv("NSQD_HTTP_ADDR", "nsqd:4151"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			EventsTopic:    getenv("NSQ_EVENTS_TOPIC", "webhook_events"),
			DLQTopic:       getenv("NSQ_DLQ_TOPIC", "webhook_dlq"),
			WorkerChannel:  getenv("NSQ_WORKER_CHANNEL", "publishers"),
			MsgTimeout:     getenvDuration("NSQ_MSG_TIMEOUT", 15*time.Minute),
			MaxInFlight:    getenvInt("NSQ_MAX_IN_FLIGHT", 100),
		},
		Headers: Headers{
			Signature: getenv("WEBHOOK_SIGNATURE_HEADER", "X-Webhook-Signature"),
			Timestamp: getenv("WEBHOOK_TIMESTAMP_HEADER", "X-Webhook-Timestamp"),
			Event:     getenv("WEBHOOK_EVENT_HEADER", "X-Webhook-Event"),
			ID:        getenv("WEBHOOK_ID_HEADER", "X-Webhook-ID"),
		},
		Breaker: Breaker{
			FailureThreshold: getenvInt("BREAKER_FAILURE_THRESHOLD", 5),
			SuccessThreshold: getenvInt("BREAKER_SUCCESS_THRESHOLD", 2),
			Timeout:          breakerTimeout,
			StateTTL:         stateTTL,
		},
		Delivery: Delivery{
			MaxAttempts:       getenvInt("MAX_ATTEMPTS", 6),
			DelaySchedule:     ParseDelaySchedule(getenv("DELAY_SCHEDULE", "")),
			RequestTimeout:    getenvDuration("DELIVERY_TIMEOUT", 30*time.Second),
			PolicyMaxAttempts: getenvInt("POLICY_MAX_ATTEMPTS", 10),
			PolicyMinDelay:    getenvDuration("POLICY_MIN_DELAY", time.Second),
			PolicyMaxDelay:    getenvDuration("POLICY_MAX_DELAY", 24*time.Hour),
			PublishDLQ:        getenvBool("PUBLISH_DLQ_TOPIC", false),
			HTTPPort:          ":" + getenv("WORKER_HTTP_PORT", "8083"),
			Source:            getenv("EVENT_SOURCE", "hookgate"),
			Environment:       getenv("APP_ENV", "development"),
		},
		Receiver: Receiver{
			Secret:          getenv("RECEIVER_SECRET", ""),
			MaxClockSkew:    getenvDuration("MAX_CLOCK_SKEW", 60*time.Second),
			MaxTimestampAge: getenvDuration("MAX_TIMESTAMP_AGE", 5*time.Minute),
			IdempotencyTTL:  getenvDuration("IDEMPOTENCY_TTL", 7*24*time.Hour),
			Namespace:       getenv("IDEMPOTENCY_NAMESPACE", "processed_webhooks"),
			FailFirstN:      getenvInt("FAIL_FIRST_N", 0),
			EventLog:        getenvBool("RECEIVER_EVENT_LOG", false),
			SMTPAddr:        getenv("SMTP_ADDR", ""),
			SMTPUser:        getenv("SMTP_USER", ""),
			SMTPPass:        getenv("SMTP_PASS", ""),
			MailFrom:        getenv("MAIL_FROM", "hookgate@localhost"),
			MailFallbackTo:  getenv("MAIL_FALLBACK_TO", ""),
			Port:            getenv("RECEIVER_PORT", ":8081"),
			ReadTimeout:     getenvDuration("RECEIVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getenvDuration("RECEIVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:     getenvDuration("RECEIVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Auth: Auth{
			PublicKeyPEM: getenv("JWT_PUBLIC_KEY", ""),
			JWKSURL:      getenv("JWKS_URL", ""),
			Issuer:       getenv("JWT_ISSUER", "hookgate"),
			Audience:     getenv("JWT_AUDIENCE", "hookgate-api"),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
