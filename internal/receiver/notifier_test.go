package receiver

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/austindbirch/hookgate/internal/idempotency"
	"github.com/austindbirch/hookgate/internal/kvstore"
	"github.com/austindbirch/hookgate/internal/signing"
)

type memMailer struct {
	sent []Mail
	err  error
}

func (m *memMailer) Send(_ context.Context, mail Mail) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, mail)
	return nil
}

func notifyEnvelope(data string) signing.Envelope {
	return signing.Envelope{
		Event:          "reservation.created",
		ID:             "evt-7",
		IdempotencyKey: "event-r-7-1",
		Data:           json.RawMessage(data),
		Metadata:       signing.Metadata{Source: "reservations", Environment: "staging"},
	}
}

func TestNotifierCompose(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantTo  string
		wantErr bool
	}{
		{name: "email field", data: `{"email":"ada@example.com","id":"r-7"}`, wantTo: "ada@example.com"},
		{name: "customer email field", data: `{"customer_email":"bob@example.com"}`, wantTo: "bob@example.com"},
		{name: "fallback", data: `{"id":"r-7"}`, wantTo: "ops@example.com"},
		{name: "not an address", data: `{"email":"nobody"}`, wantTo: "ops@example.com"},
		{name: "array payload", data: `[1,2]`, wantTo: "ops@example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := NewNotifier(&memMailer{}, "hookgate@example.com", "ops@example.com")
			m, err := n.compose(notifyEnvelope(tt.data))
			if (err != nil) != tt.wantErr {
				t.Fatalf("compose() error = %v", err)
			}
			if m.To != tt.wantTo {
				t.Errorf("To = %q, want %q", m.To, tt.wantTo)
			}
			if m.Subject != "[staging] reservation.created" {
				t.Errorf("Subject = %q", m.Subject)
			}
		})
	}

	n := NewNotifier(&memMailer{}, "hookgate@example.com", "")
	if _, err := n.compose(notifyEnvelope(`{"id":"r-7"}`)); err == nil {
		t.Error("compose() expected error without any recipient")
	}
}

func TestNotifierEscapesPayload(t *testing.T) {
	n := NewNotifier(&memMailer{}, "hookgate@example.com", "ops@example.com")
	n.now = func() time.Time { return now }
	m, err := n.compose(notifyEnvelope(`{"note":"<script>x</script>","guests":2}`))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(m.HTML, "<script>") {
		t.Error("payload values must be HTML escaped")
	}
	if !strings.Contains(m.HTML, "<td>2</td>") || !strings.Contains(m.HTML, "evt-7") {
		t.Errorf("html = %s", m.HTML)
	}
	raw := string(m.Bytes())
	for _, want := range []string{"To: ops@example.com\r\n", "Content-Type: text/html; charset=utf-8\r\n", "Message-ID: <" + m.MessageID} {
		if !strings.Contains(raw, want) {
			t.Errorf("message missing %q", want)
		}
	}
}

func TestNotifierThroughGate(t *testing.T) {
	mailer := &memMailer{err: errors.New("smtp down")}
	ledger := idempotency.New(kvstore.NewMemory(), "notifier", idempotency.WebhookTTL)
	g := NewGate(secret, ledger, NewNotifier(mailer, "hookgate@example.com", "ops@example.com"),
		WithClock(func() time.Time { return now }))
	body := envelopeBody(t, "event-r-1-6")
	sig, ts := signing.Sign(body, secret), signing.FormatTimestamp(now)

	if d := g.Accept(context.Background(), body, sig, ts); d.Status != 500 {
		t.Fatalf("mail failure status = %d, want 500 so the sender retries", d.Status)
	}

	mailer.err = nil
	if d := g.Accept(context.Background(), body, sig, ts); d.Status != 200 || d.Duplicate {
		t.Fatalf("retry = %+v, want accepted", d)
	}
	if d := g.Accept(context.Background(), body, sig, ts); !d.Duplicate {
		t.Errorf("third = %+v, want duplicate", d)
	}
	if len(mailer.sent) != 1 {
		t.Errorf("mails sent = %d, want 1", len(mailer.sent))
	}
}
