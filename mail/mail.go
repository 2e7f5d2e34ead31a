// Package mail delivers one-time codes to users' email addresses.
package mail

import (
	"context"
	"fmt"
	"log/slog"

	"gopkg.in/gomail.v2"
)

// Sender delivers a one-time code. Implementations must not log the
// code at rest; the slog fallback logs it deliberately for development.
type Sender interface {
	SendOTP(ctx context.Context, to, code, purpose string) error
}

// SMTPSender sends codes through an SMTP relay via gomail.
type SMTPSender struct {
	dialer *gomail.Dialer
	from   string
}

// NewSMTPSender builds an SMTP-backed Sender.
func NewSMTPSender(host string, port int, username, password, from string) *SMTPSender {
	return &SMTPSender{
		dialer: gomail.NewDialer(host, port, username, password),
		from:   from,
	}
}

func (s *SMTPSender) SendOTP(_ context.Context, to, code, purpose string) error {
	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", "Your Skywallet verification code")

	body := fmt.Sprintf(`
		<p>Your verification code is <strong>%s</strong>.</p>
		<p>It expires in 10 minutes. If you did not request this code, you can ignore this email.</p>
	`, code)
	m.SetBody("text/html", body)

	if err := s.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("sending otp email (%s): %w", purpose, err)
	}
	return nil
}

// LogSender writes codes to the log instead of sending them. Used when
// SMTP is not configured, i.e. local development only.
type LogSender struct {
	Logger *slog.Logger
}

func (s *LogSender) SendOTP(ctx context.Context, to, code, purpose string) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "email otp (smtp not configured)",
		slog.String("to", to),
		slog.String("code", code),
		slog.String("purpose", purpose),
	)
	return nil
}
