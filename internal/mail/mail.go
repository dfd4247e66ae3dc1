// Package mail delivers password reset links and account notices.
package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	gomail "github.com/go-mail/mail"
	"go.uber.org/zap"

	"usergate.org/internal/auth"
)

const (
	resetSubject   = "Reset your password"
	welcomeSubject = "Your account has been created"
)

var (
	_ auth.Mailer = (*SMTPSender)(nil)
	_ auth.Mailer = (*LogSender)(nil)
)

// SMTPConfig holds SMTP connection settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// TLSMode is "starttls" (default), "ssl" or "none".
	TLSMode            string
	InsecureSkipVerify bool
	Timeout            time.Duration
}

// SMTPSender sends reset links over SMTP.
type SMTPSender struct {
	cfg    SMTPConfig
	logger *zap.Logger
	send   func(d *gomail.Dialer, m *gomail.Message) error
}

func NewSMTPSender(cfg SMTPConfig, logger *zap.Logger) (*SMTPSender, error) {
	if strings.TrimSpace(cfg.Host) == "" || cfg.Port <= 0 {
		return nil, fmt.Errorf("mail: smtp host and port are required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, fmt.Errorf("mail: from address is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SMTPSender{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "smtp"), zap.String("host", cfg.Host), zap.Int("port", cfg.Port)),
		send: func(d *gomail.Dialer, m *gomail.Message) error {
			return d.DialAndSend(m)
		},
	}, nil
}

func (s *SMTPSender) SendPasswordReset(ctx context.Context, email, link string, expiresAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := resetMessage(s.cfg.From, email, link, expiresAt)
	if err := s.send(s.dialer(), m); err != nil {
		s.logger.Error("smtp send failed", zap.String("to", email), zap.Error(err))
		return fmt.Errorf("smtp send: %w", err)
	}
	s.logger.Info("reset mail sent", zap.String("to", email))
	return nil
}

func (s *SMTPSender) SendAccountCreated(ctx context.Context, email, fullName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.send(s.dialer(), welcomeMessage(s.cfg.From, email, fullName)); err != nil {
		s.logger.Error("smtp send failed", zap.String("to", email), zap.Error(err))
		return fmt.Errorf("smtp send: %w", err)
	}
	s.logger.Info("account mail sent", zap.String("to", email))
	return nil
}

func (s *SMTPSender) dialer() *gomail.Dialer {
	d := gomail.NewDialer(s.cfg.Host, s.cfg.Port, s.cfg.Username, s.cfg.Password)
	d.Timeout = s.cfg.Timeout
	d.TLSConfig = &tls.Config{ServerName: s.cfg.Host, InsecureSkipVerify: s.cfg.InsecureSkipVerify}
	switch strings.ToLower(s.cfg.TLSMode) {
	case "ssl":
		d.SSL = true
	case "none":
		d.StartTLSPolicy = gomail.NoStartTLS
	default:
		d.StartTLSPolicy = gomail.MandatoryStartTLS
	}
	return d
}

func resetMessage(from, to, link string, expiresAt time.Time) *gomail.Message {
	m := gomail.NewMessage(gomail.SetEncoding(gomail.Unencoded))
	m.SetHeader("From", from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", resetSubject)
	minutes := int(auth.ResetTicketTTL / time.Minute)
	text := fmt.Sprintf(
		"We received a request to reset your password.\n\nOpen this link to choose a new one:\n%s\n\nThe link is valid for %d minutes (until %s).\n",
		link, minutes, expiresAt.UTC().Format(time.RFC1123),
	)
	html := fmt.Sprintf(
		`<p>We received a request to reset your password.</p><p><a href="%s">Choose a new password</a></p><p>The link is valid for %d minutes.</p>`,
		link, minutes,
	)
	m.SetBody("text/plain", text)
	m.AddAlternative("text/html", html)
	return m
}

func welcomeMessage(from, to, fullName string) *gomail.Message {
	m := gomail.NewMessage(gomail.SetEncoding(gomail.Unencoded))
	m.SetHeader("From", from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", welcomeSubject)
	greeting := "Hello"
	if name := strings.TrimSpace(fullName); name != "" {
		greeting += " " + name
	}
	m.SetBody("text/plain", fmt.Sprintf(
		"%s,\n\nAn account has been created for %s. Sign in with the password your administrator gave you, or use password reset to choose your own.\n",
		greeting, to,
	))
	return m
}

// LogSender writes mail to the log instead of sending it. Use it only in development.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger.Named("mail")}
}

func (s *LogSender) SendPasswordReset(_ context.Context, email, link string, expiresAt time.Time) error {
	s.logger.Info("password reset link",
		zap.String("to", email),
		zap.String("link", link),
		zap.Time("expires_at", expiresAt),
	)
	return nil
}

func (s *LogSender) SendAccountCreated(_ context.Context, email, fullName string) error {
	s.logger.Info("account created notice", zap.String("to", email), zap.String("full_name", fullName))
	return nil
}
