// Package notify renders and delivers watcher notification mail.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"
)

const mimeBoundary = "boundary-docsync"

// ErrNotConfigured indicates that no SMTP server is configured.
var ErrNotConfigured = errors.New("notify: smtp not configured")

// Message is one rendered notification.
type Message struct {
	To      []string
	Subject string
	HTML    string
}

// Mailer delivers rendered notifications.
type Mailer interface {
	Send(ctx context.Context, message Message) error
}

// SMTPConfig holds SMTP configuration.
type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

// SMTPMailer sends notifications through an SMTP relay.
type SMTPMailer struct {
	config SMTPConfig
	server string
	auth   smtp.Auth
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPMailer creates a mailer. An unconfigured mailer rejects every send
// with ErrNotConfigured.
func NewSMTPMailer(config SMTPConfig) *SMTPMailer {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &SMTPMailer{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
	}
}

// IsConfigured returns true if a relay and sender are configured.
func (m *SMTPMailer) IsConfigured() bool {
	return m.config.Host != "" && m.config.Port != "" && m.config.From != ""
}

// Send delivers the message as multipart HTML mail.
func (m *SMTPMailer) Send(ctx context.Context, message Message) error {
	if !m.IsConfigured() {
		return ErrNotConfigured
	}
	if len(message.To) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	from := m.config.From
	if m.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", m.config.FromName, m.config.From)
	}
	return m.send(m.server, m.auth, m.config.From, message.To, buildMessage(from, message))
}

func buildMessage(from string, message Message) []byte {
	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(message.To, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", sanitizeHeader(message.Subject))
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", mimeBoundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", mimeBoundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "Please view this email in an HTML-capable email client.\r\n")
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", mimeBoundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", message.HTML)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", mimeBoundary)
	return msg.Bytes()
}

func sanitizeHeader(value string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(value)
}
