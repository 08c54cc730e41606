package receiver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"maps"
	"mime"
	"net"
	"net/smtp"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/hookgate/internal/signing"
)

// Mail is one outgoing notification.
type Mail struct {
	MessageID string
	From      string
	To        string
	Subject   string
	HTML      string
}

type Mailer interface {
	Send(ctx context.Context, m Mail) error
}

// Notifier is an Effect that emails a summary of each event. The recipient is
// taken from data.email or data.customer_email, else the fallback address.
type Notifier struct {
	mailer   Mailer
	from     string
	fallback string
	now      func() time.Time
}

func NewNotifier(mailer Mailer, from, fallback string) *Notifier {
	return &Notifier{mailer: mailer, from: from, fallback: fallback, now: time.Now}
}

var notificationTemplate = template.Must(template.New("notification").Parse(`<!DOCTYPE html>
<html><body>
<h2>{{.Title}}</h2>
<table>
{{- range .Rows}}
<tr><th align="left">{{.Key}}</th><td>{{.Value}}</td></tr>
{{- end}}
</table>
<p>Event {{.EventID}} from {{.Source}} at {{.At}}</p>
</body></html>
`))

type row struct{ Key, Value string }

func (n *Notifier) recipient(data map[string]any) string {
	for _, k := range []string{"email", "customer_email"} {
		if v, ok := data[k].(string); ok && strings.Contains(v, "@") {
			return v
		}
	}
	return n.fallback
}

// compose renders the mail for env. Data fields become table rows in key
// order; nested values are shown as JSON.
func (n *Notifier) compose(env signing.Envelope) (Mail, error) {
	var data map[string]any
	if len(env.Data) > 0 {
		// Non-object payloads still get a mail, just without rows.
		_ = json.Unmarshal(env.Data, &data)
	}
	to := n.recipient(data)
	if to == "" {
		return Mail{}, fmt.Errorf("no recipient for event %s", env.ID)
	}

	var rows []row
	for _, k := range slices.Sorted(maps.Keys(data)) {
		v := data[k]
		s, ok := v.(string)
		if !ok {
			b, _ := json.Marshal(v)
			s = string(b)
		}
		rows = append(rows, row{Key: k, Value: s})
	}

	var body bytes.Buffer
	err := notificationTemplate.Execute(&body, map[string]any{
		"Title":   env.Event,
		"Rows":    rows,
		"EventID": env.ID,
		"Source":  env.Metadata.Source,
		"At":      n.now().UTC().Format(time.RFC1123),
	})
	if err != nil {
		return Mail{}, fmt.Errorf("render notification: %w", err)
	}

	subject := env.Event
	if env.Metadata.Environment != "" {
		subject = "[" + env.Metadata.Environment + "] " + env.Event
	}
	return Mail{
		MessageID: uuid.NewString(),
		From:      n.from,
		To:        to,
		Subject:   subject,
		HTML:      body.String(),
	}, nil
}

func (n *Notifier) Handle(ctx context.Context, env signing.Envelope) (any, error) {
	m, err := n.compose(env)
	if err != nil {
		return nil, err
	}
	if err := n.mailer.Send(ctx, m); err != nil {
		return nil, fmt.Errorf("send notification: %w", err)
	}
	return map[string]any{"success": true, "event_id": env.ID, "message_id": m.MessageID}, nil
}

// SMTPMailer delivers mail through an SMTP relay with PLAIN auth when a user
// is configured.
type SMTPMailer struct {
	Addr string // host:port
	User string
	Pass string
}

func (s SMTPMailer) Send(ctx context.Context, m Mail) error {
	var auth smtp.Auth
	if s.User != "" {
		host, _, err := net.SplitHostPort(s.Addr)
		if err != nil {
			return err
		}
		auth = smtp.PlainAuth("", s.User, s.Pass, host)
	}
	done := make(chan error, 1)
	go func() { done <- smtp.SendMail(s.Addr, auth, m.From, []string{m.To}, m.Bytes()) }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// Bytes renders m as an RFC 5322 message with an HTML body.
func (m Mail) Bytes() []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", m.From)
	fmt.Fprintf(&b, "To: %s\r\n", m.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", m.Subject))
	fmt.Fprintf(&b, "Message-ID: <%s@hookgate>\r\n", m.MessageID)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(m.HTML, "\n", "\r\n"))
	return b.Bytes()
}
