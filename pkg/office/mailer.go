package office

import (
	"context"
	"fmt"

	mail "github.com/wneessen/go-mail"
)

// SMTPMailer delivers mail over authenticated SMTP.
type SMTPMailer struct {
	Config SMTP
}

func NewSMTPMailer(cfg SMTP) *SMTPMailer {
	return &SMTPMailer{Config: cfg}
}

func (m *SMTPMailer) Send(ctx context.Context, to, subject, text, html string) error {
	msg := mail.NewMsg()
	sender := m.Config.Sender
	if sender == "" {
		sender = m.Config.Username
	}
	if err := msg.From(sender); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := msg.To(to); err != nil {
		return fmt.Errorf("mail to: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, text)
	if html != "" {
		msg.AddAlternativeString(mail.TypeTextHTML, html)
	}

	opts := []mail.Option{
		mail.WithPort(m.Config.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(m.Config.Username),
		mail.WithPassword(m.Config.Password),
	}
	client, err := mail.NewClient(m.Config.Host, opts...)
	if err != nil {
		return fmt.Errorf("mail client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("mail send: %w", err)
	}
	return nil
}
