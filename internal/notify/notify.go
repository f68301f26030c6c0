// Package notify delivers run reports by email.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/terrpan/suiterun/internal/orchestrator"
	"github.com/terrpan/suiterun/internal/report"
)

// DefaultSubject is used when no subject is configured.
const DefaultSubject = "Test suite results [suiterun]"

// Settings are the SMTP parameters.  Sender doubles as the SMTP username.
type Settings struct {
	Host     string
	Port     int
	Sender   string
	Password string
}

// mailSender is satisfied by *mail.Client.
type mailSender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// Notifier emails a report to a fixed recipient list.
type Notifier struct {
	client     mailSender
	sender     string
	recipients []string
	subject    string
	logger     *slog.Logger
	now        func() time.Time
}

// Compile-time check that Notifier satisfies orchestrator.Notifier.
var _ orchestrator.Notifier = (*Notifier)(nil)

// New creates a Notifier that authenticates with PLAIN over a mandatory
// STARTTLS session.
func New(settings Settings, recipients []string, subject string, logger *slog.Logger) (*Notifier, error) {
	client, err := mail.NewClient(settings.Host,
		mail.WithPort(settings.Port),
		mail.WithTLSPolicy(mail.TLSMandatory),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(settings.Sender),
		mail.WithPassword(settings.Password),
		mail.WithTimeout(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("smtp client for %s: %w", settings.Host, err)
	}
	return newNotifier(client, settings.Sender, recipients, subject, logger), nil
}

func newNotifier(client mailSender, sender string, recipients []string, subject string, logger *slog.Logger) *Notifier {
	if subject == "" {
		subject = DefaultSubject
	}
	return &Notifier{
		client:     client,
		sender:     sender,
		recipients: append([]string(nil), recipients...),
		subject:    subject,
		logger:     logger,
		now:        time.Now,
	}
}

// Message builds the email for r: the rendered body as plain text plus
// the complete log and one results file per executed suite.
func (n *Notifier) Message(r *report.Report) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(n.sender); err != nil {
		return nil, fmt.Errorf("sender %q: %w", n.sender, err)
	}
	if err := msg.To(n.recipients...); err != nil {
		return nil, fmt.Errorf("recipients: %w", err)
	}
	msg.Subject(n.subject)
	msg.SetDateWithValue(n.now())
	msg.SetBodyString(mail.TypeTextPlain, r.Body())

	for _, a := range r.Attachments() {
		if err := msg.AttachReader(a.Name, strings.NewReader(a.Content)); err != nil {
			return nil, fmt.Errorf("attaching %s: %w", a.Name, err)
		}
	}
	return msg, nil
}

// Send delivers r to every recipient in a single message.
func (n *Notifier) Send(ctx context.Context, r *report.Report) error {
	msg, err := n.Message(r)
	if err != nil {
		return err
	}

	n.logger.Info("sending report",
		slog.String("tag", r.Tag),
		slog.Int("recipients", len(n.recipients)),
		slog.Bool("success", r.OverallSuccess),
	)

	if err := n.client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("sending report email: %w", err)
	}
	return nil
}
