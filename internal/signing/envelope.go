package signing

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Version is the envelope schema version.
const Version = "1.0"

var ErrMalformedEnvelope = errors.New("malformed envelope")

type Metadata struct {
	Source        string `json:"source"`
	Environment   string `json:"environment"`
	CorrelationID string `json:"correlation_id"`
}

// Envelope is the JSON document delivered to subscribers. Once serialized
// its bytes are what gets signed and transmitted, unchanged, on every attempt.
type Envelope struct {
	Event          string          `json:"event"`
	Version        string          `json:"version"`
	ID             string          `json:"id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Timestamp      string          `json:"timestamp"`
	Data           json.RawMessage `json:"data"`
	Metadata       Metadata        `json:"metadata"`
}

// Builder stamps new envelopes. Now and NewID are replaceable in tests.
type Builder struct {
	Environment string
	Now         func() time.Time
	NewID       func() string
}

func NewBuilder(environment string) *Builder {
	return &Builder{
		Environment: environment,
		Now:         time.Now,
		NewID:       func() string { return uuid.NewString() },
	}
}

type BuildOption func(*Envelope)

// WithCorrelationID carries an upstream correlation id instead of minting one.
func WithCorrelationID(id string) BuildOption {
	return func(e *Envelope) {
		if id != "" {
			e.Metadata.CorrelationID = id
		}
	}
}

// Build creates an envelope for data. data may be any JSON-encodable value
// or pre-encoded json.RawMessage.
func (b *Builder) Build(eventType string, data any, source string, opts ...BuildOption) (Envelope, error) {
	if eventType == "" {
		return Envelope{}, errors.New("event type is required")
	}

	raw, err := encodeData(data)
	if err != nil {
		return Envelope{}, err
	}

	now := b.Now().UTC()
	subject := dataID(raw)
	if subject == "" {
		subject = b.NewID()
	}

	env := Envelope{
		Event:          eventType,
		Version:        Version,
		ID:             b.NewID(),
		IdempotencyKey: fmt.Sprintf("%s-%s-%d", eventType, subject, now.UnixMilli()),
		Timestamp:      now.Format(time.RFC3339Nano),
		Data:           raw,
		Metadata: Metadata{
			Source:        source,
			Environment:   b.Environment,
			CorrelationID: b.NewID(),
		},
	}
	for _, o := range opts {
		o(&env)
	}
	return env, nil
}

func encodeData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, errors.New("event data is not valid JSON")
		}
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, errors.New("event data is not valid JSON")
		}
		return json.RawMessage(v), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode event data: %w", err)
		}
		return b, nil
	}
}

// dataID returns data.id as a string when the payload is an object that has one.
func dataID(raw json.RawMessage) string {
	var obj struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil || len(obj.ID) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(obj.ID, &s); err == nil {
		return s
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(obj.ID))
	dec.UseNumber()
	if err := dec.Decode(&n); err == nil {
		return n.String()
	}
	return ""
}

// Marshal is the single canonical serialization of an envelope.
func Marshal(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Parse decodes a received body. It only checks that the document is an
// envelope-shaped JSON object; callers decide which fields they require.
func Parse(body []byte) (Envelope, error) {
	var env Envelope
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return env, nil
}

// FormatTimestamp renders t as the Unix-seconds timestamp header value.
func FormatTimestamp(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

// ParseTimestamp parses a Unix-seconds timestamp header value.
func ParseTimestamp(v string) (time.Time, error) {
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", v, err)
	}
	return time.Unix(secs, 0).UTC(), nil
}
