package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/wneessen/go-mail"

	"github.com/dannyspk/airbnb-alerts-sub000/internal/domain"
)

// emailListingLimit caps how many listings one summary email shows.
const emailListingLimit = 5

type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// RenderEmail builds the one-per-batch summary.
func RenderEmail(batch domain.ChangeBatch) (subject, body string) {
	name := batch.Alert.Name
	if name == "" {
		name = "your alert"
	}
	n := len(batch.Changes)
	if n == 1 {
		subject = fmt.Sprintf("1 update for %s", name)
	} else {
		subject = fmt.Sprintf("%d updates for %s", n, name)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "We found %d update(s) for %s.\n\n", n, name)
	for i, c := range batch.Changes {
		if i == emailListingLimit {
			fmt.Fprintf(&sb, "...and %d more.\n", n-emailListingLimit)
			break
		}
		l := c.Listing
		title := l.Name
		if title == "" {
			title = "Listing " + l.ID
		}
		fmt.Fprintf(&sb, "- [%s] %s", label(c.Type), title)
		if l.Price != nil {
			fmt.Fprintf(&sb, " | %.0f %s", *l.Price, l.Currency)
			if c.Type == domain.ChangePriceDrop && c.PreviousPrice != nil {
				fmt.Fprintf(&sb, " (was %.0f)", *c.PreviousPrice)
			}
		}
		if l.URL != "" {
			fmt.Fprintf(&sb, "\n  %s", l.URL)
		}
		sb.WriteString("\n")
	}
	return subject, sb.String()
}

func label(ct domain.ChangeType) string {
	switch ct {
	case domain.ChangePriceDrop:
		return "price drop"
	case domain.ChangeAvailability:
		return "available again"
	}
	return "new"
}

type SMTPOptions struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPMailer sends through a relay using go-mail.
type SMTPMailer struct {
	client *mail.Client
	from   string
}

func NewSMTPMailer(opts SMTPOptions) (*SMTPMailer, error) {
	mailOpts := []mail.Option{
		mail.WithPort(opts.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if opts.Username != "" {
		mailOpts = append(mailOpts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(opts.Username),
			mail.WithPassword(opts.Password),
		)
	}
	client, err := mail.NewClient(opts.Host, mailOpts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	return &SMTPMailer{client: client, from: opts.From}, nil
}

func (m *SMTPMailer) Send(ctx context.Context, to, subject, body string) error {
	msg := mail.NewMsg()
	if err := msg.From(m.from); err != nil {
		return fmt.Errorf("from address: %w", err)
	}
	if err := msg.To(to); err != nil {
		return fmt.Errorf("to address: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)
	return m.client.DialAndSendWithContext(ctx, msg)
}

// LogMailer stands in when no SMTP relay is configured.
type LogMailer struct {
	Logger *slog.Logger
}

func (m LogMailer) Send(_ context.Context, to, subject, _ string) error {
	m.Logger.Info("email (log only)", "to", to, "subject", subject)
	return nil
}
