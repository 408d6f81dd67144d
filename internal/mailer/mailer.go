// Package mailer sends transactional mail over SMTP. The server depends on
// it through a narrow interface, so tests substitute a recording fake.
package mailer

import (
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
	"time"
)

// Config holds the SMTP relay settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	// From is the envelope and header sender.
	From string
	// Debug tolerates delivery failures so the system stays usable
	// without a relay.
	Debug bool
}

// SMTP delivers mail through a single relay with plain authentication.
type SMTP struct {
	cfg    Config
	logger *slog.Logger
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// New returns a mailer for the given relay.
func New(cfg Config, logger *slog.Logger) *SMTP {
	return &SMTP{
		cfg:    cfg,
		logger: logger.With("component", "mailer"),
		send:   smtp.SendMail,
	}
}

// Send delivers one plain-text message.
func (m *SMTP) Send(to, subject, body string) error {
	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	msg := message(m.cfg.From, to, subject, body)
	if err := m.send(addr, auth, m.cfg.From, []string{to}, msg); err != nil {
		return fmt.Errorf("sending mail via %s: %w", addr, err)
	}
	m.logger.Debug("mail delivered", "to", to, "subject", subject)
	return nil
}

// Debug reports whether delivery failures should be tolerated.
func (m *SMTP) Debug() bool { return m.cfg.Debug }

// message assembles a minimal RFC 5322 plain-text message.
func message(from, to, subject, body string) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + subject + "\r\n")
	b.WriteString("Date: " + time.Now().UTC().Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}
