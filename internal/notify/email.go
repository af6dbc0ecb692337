package notify

import (
	"crypto/tls"
	"fmt"
	"net/smtp"
	"strings"
)

// EmailChannel sends plain-text email via SMTP with optional STARTTLS and
// auth. Built directly on stdlib net/smtp rather than a wrapper package,
// since there is no third-party SMTP client to reach for instead (see
// DESIGN.md).
type EmailChannel struct {
	Host        string
	Port        int
	TLS         bool
	Username    string
	Password    string
	FromAddress string
	ToAddresses []string
}

func (e *EmailChannel) Name() string { return "email" }

// Send connects to the configured SMTP host, optionally negotiates
// STARTTLS and authenticates, then sends subject/body to every configured
// recipient.
func (e *EmailChannel) Send(subject, body string) error {
	if e.Host == "" || len(e.ToAddresses) == 0 {
		return fmt.Errorf("notify: email channel not configured")
	}

	addr := fmt.Sprintf("%s:%d", e.Host, e.Port)
	client, err := smtp.Dial(addr)
	if err != nil {
		return fmt.Errorf("notify: dial smtp %s: %w", addr, err)
	}
	defer client.Close()

	if e.TLS {
		if err := client.StartTLS(&tls.Config{ServerName: e.Host}); err != nil {
			return fmt.Errorf("notify: starttls: %w", err)
		}
	}

	if e.Username != "" && e.Password != "" {
		auth := smtp.PlainAuth("", e.Username, e.Password, e.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("notify: smtp auth: %w", err)
		}
	}

	if err := client.Mail(e.FromAddress); err != nil {
		return fmt.Errorf("notify: mail from: %w", err)
	}
	for _, to := range e.ToAddresses {
		if err := client.Rcpt(to); err != nil {
			return fmt.Errorf("notify: rcpt to %s: %w", to, err)
		}
	}

	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("notify: data: %w", err)
	}
	message := buildMessage(e.FromAddress, e.ToAddresses, subject, body)
	if _, err := writer.Write([]byte(message)); err != nil {
		return fmt.Errorf("notify: write message: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("notify: close data writer: %w", err)
	}

	return client.Quit()
}

func buildMessage(from string, to []string, subject, body string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("\r\n")
	b.WriteString(body)
	return b.String()
}
