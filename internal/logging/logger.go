package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/austindbirch/hookgate/internal/tracing"
)

// LogLevel represents the severity of the log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

// LogEntry represents a structured log entry
type LogEntry struct {
	Time           time.Time      `json:"time"`
	Level          LogLevel       `json:"level"`
	Message        string         `json:"msg"`
	Service        string         `json:"service,omitempty"`
	TraceID        string         `json:"trace_id,omitempty"`
	EventID        string         `json:"event_id,omitempty"`
	SubscriptionID string         `json:"subscription_id,omitempty"`
	Endpoint       string         `json:"endpoint,omitempty"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
	Fields         map[string]any `json:"fields,omitempty"`
}

// Logger provides structured logging with trace correlation
type Logger struct {
	service string
}

var (
	outMu sync.Mutex
	out   io.Writer = os.Stdout
)

// SetOutput redirects every logger in the process. Tests use it to capture lines.
func SetOutput(w io.Writer) {
	outMu.Lock()
	defer outMu.Unlock()
	out = w
}

// New creates a new structured logger for the given service
func New(service string) *Logger {
	return &Logger{
		service: service,
	}
}

// WithContext creates a log entry with trace correlation from context
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	entry := l.Plain()
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		entry.TraceID = traceID
	}
	return entry
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	return &LogEntry{
		Time:    time.Now().UTC(),
		Service: l.service,
		Fields:  fields,
	}
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	return &LogEntry{
		Time:    time.Now().UTC(),
		Service: l.service,
		Fields:  make(map[string]any),
	}
}

// WithEvent sets the event ID for the log entry
func (e *LogEntry) WithEvent(eventID string) *LogEntry {
	e.EventID = eventID
	return e
}

// WithSubscription sets the subscription ID for the log entry
func (e *LogEntry) WithSubscription(subscriptionID string) *LogEntry {
	e.SubscriptionID = subscriptionID
	return e
}

// WithEndpoint sets the target URL for the log entry
func (e *LogEntry) WithEndpoint(endpoint string) *LogEntry {
	e.Endpoint = endpoint
	return e
}

// WithCorrelation sets the correlation ID carried in envelope metadata
func (e *LogEntry) WithCorrelation(correlationID string) *LogEntry {
	e.CorrelationID = correlationID
	return e
}

// WithField adds a single field to the log entry
func (e *LogEntry) WithField(key string, value any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	if err != nil {
		return e.WithField("error", err.Error())
	}
	return e
}

func (e *LogEntry) Debug(message string) { e.log(LevelDebug, message) }

func (e *LogEntry) Debugf(format string, args ...any) {
	e.log(LevelDebug, fmt.Sprintf(format, args...))
}

func (e *LogEntry) Info(message string) { e.log(LevelInfo, message) }

func (e *LogEntry) Infof(format string, args ...any) {
	e.log(LevelInfo, fmt.Sprintf(format, args...))
}

func (e *LogEntry) Warn(message string) { e.log(LevelWarn, message) }

func (e *LogEntry) Warnf(format string, args ...any) {
	e.log(LevelWarn, fmt.Sprintf(format, args...))
}

func (e *LogEntry) Error(message string) { e.log(LevelError, message) }

func (e *LogEntry) Errorf(format string, args ...any) {
	e.log(LevelError, fmt.Sprintf(format, args...))
}

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(message string) {
	e.log(LevelFatal, message)
	os.Exit(1)
}

// Fatalf logs at fatal level with formatting and exits
func (e *LogEntry) Fatalf(format string, args ...any) {
	e.log(LevelFatal, fmt.Sprintf(format, args...))
	os.Exit(1)
}

func (e *LogEntry) log(level LogLevel, message string) {
	e.Level = level
	e.Message = message
	e.output()
}

// output writes the log entry as a single JSON line
func (e *LogEntry) output() {
	if len(e.Fields) == 0 {
		e.Fields = nil
	}

	outMu.Lock()
	defer outMu.Unlock()

	data, err := json.Marshal(e)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging error: %v\n", err)
		fmt.Fprintf(out, "%s [%s] %s\n", e.Time.Format(time.RFC3339), e.Level, e.Message)
		return
	}

	fmt.Fprintln(out, string(data))
}

var defaultLogger = New("hookgate")

// WithContext creates a log entry with trace correlation from context using the default logger
func WithContext(ctx context.Context) *LogEntry {
	return defaultLogger.WithContext(ctx)
}

// WithFields creates a log entry with fields using the default logger
func WithFields(fields map[string]any) *LogEntry {
	return defaultLogger.WithFields(fields)
}

// Plain creates a basic log entry using the default logger
func Plain() *LogEntry {
	return defaultLogger.Plain()
}

// SetDefaultService sets the service name for the default logger
func SetDefaultService(service string) {
	defaultLogger.service = service
}
