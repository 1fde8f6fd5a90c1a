package notifier

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"time"

	"github.com/aleister1102/anchorwatch/internal/models"
	"github.com/rs/zerolog"
)

// SMTPConfig holds the outbound mail settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailSink delivers alerts over SMTP, upgrading to STARTTLS when the server offers it.
type EmailSink struct {
	cfg      SMTPConfig
	logger   zerolog.Logger
	sendMail sendMailFunc
}

// NewEmailSink creates an EmailSink. From defaults to Username.
func NewEmailSink(cfg SMTPConfig, logger zerolog.Logger) (*EmailSink, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("%w: smtp host is empty", models.ErrInvalidInput)
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	if _, err := mail.ParseAddress(cfg.From); err != nil {
		return nil, fmt.Errorf("%w: sender address %q: %v", models.ErrInvalidInput, cfg.From, err)
	}
	return &EmailSink{
		cfg:      cfg,
		logger:   logger.With().Str("component", "EmailSink").Logger(),
		sendMail: smtp.SendMail,
	}, nil
}

func (e *EmailSink) Name() string { return "email" }

// Send mails alert to recipient.
func (e *EmailSink) Send(ctx context.Context, recipient string, alert models.AlertEvent) error {
	to, err := mail.ParseAddress(recipient)
	if err != nil {
		return fmt.Errorf("%w: recipient %q: %v", models.ErrInvalidInput, recipient, err)
	}

	msg := e.compose(to.Address, alert)
	addr := net.JoinHostPort(e.cfg.Host, strconv.Itoa(e.cfg.Port))
	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
	}

	// net/smtp has no context support; run it aside and stop waiting on cancel.
	done := make(chan error, 1)
	go func() {
		done <- e.sendMail(addr, auth, e.cfg.From, []string{to.Address}, msg)
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send to %s: %w", to.Address, err)
		}
		e.logger.Debug().Str("recipient", to.Address).Str("path", alert.Path).Msg("Alert email sent")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("smtp send to %s: %w", to.Address, ctx.Err())
	}
}

func (e *EmailSink) compose(to string, alert models.AlertEvent) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", e.cfg.From)
	fmt.Fprintf(&buf, "To: %s\r\n", to)
	fmt.Fprintf(&buf, "Subject: %s\r\n", Subject(alert))
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	buf.WriteString(Body(alert))
	return buf.Bytes()
}
