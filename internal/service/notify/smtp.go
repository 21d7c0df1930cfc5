package notify

import (
	"context"
	"fmt"

	"github.com/wneessen/go-mail"

	"github.com/nkiryanov/gopherauth/internal/logger"
)

const (
	defaultSMTPPort = 587
	defaultFromName = "Auth System"
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string

	// Sender address. Username is used when empty
	From string
}

// Sends messages over SMTP. A new connection is made per message
type SMTPSender struct {
	cfg SMTPConfig
}

func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("smtp host must not be empty")
	}
	if cfg.Port == 0 {
		cfg.Port = defaultSMTPPort
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("smtp sender address must not be empty")
	}

	return &SMTPSender{cfg: cfg}, nil
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	m := mail.NewMsg()
	if err := m.FromFormat(defaultFromName, s.cfg.From); err != nil {
		return fmt.Errorf("bad sender address: %w", err)
	}
	if err := m.To(msg.To); err != nil {
		return fmt.Errorf("bad recipient address: %w", err)
	}
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextHTML, msg.HTML)

	client, err := mail.NewClient(s.cfg.Host, s.clientOptions()...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}

	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

func (s *SMTPSender) clientOptions() []mail.Option {
	opts := []mail.Option{
		mail.WithPort(s.cfg.Port),
		mail.WithTLSPortPolicy(mail.TLSOpportunistic),
		mail.WithTimeout(defaultSendTimeout),
	}
	if s.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.cfg.Username),
			mail.WithPassword(s.cfg.Password),
		)
	}
	return opts
}

// Sender for environments without SMTP: writes messages to the log
type LogSender struct {
	logger logger.Logger
}

func NewLogSender(logger logger.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.logger.Info("Email not sent, SMTP is not configured", "to", msg.To, "subject", msg.Subject)
	return nil
}
