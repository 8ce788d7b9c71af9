// Package notify sends outbound verification email over SMTP. It performs a
// single delivery attempt per message; retry policy belongs to callers.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wneessen/go-mail"
)

// Config holds SMTP relay settings for outbound verification mail.
type Config struct {
	// SMTPUsername and SMTPPassword authenticate against the relay.
	SMTPUsername string `json:"smtp_username"`
	SMTPPassword string `json:"smtp_password"`

	// ServerDomain is the SMTP relay host.
	ServerDomain string `json:"server_domain"`

	// From and ReplyTo are the envelope addresses for every message.
	From    string `json:"from_mailbox"`
	ReplyTo string `json:"reply_to_mailbox"`

	// Subject and Body template the verification message. The
	// confirmation code is appended to the body.
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Validate reports whether the configuration is complete enough to relay.
func (c *Config) Validate() error {
	if c.ServerDomain == "" {
		return fmt.Errorf("email server_domain is required")
	}
	if c.From == "" {
		return fmt.Errorf("email from_mailbox is required")
	}
	if c.SMTPUsername == "" || c.SMTPPassword == "" {
		return fmt.Errorf("email smtp credentials are required")
	}
	return nil
}

// Notifier sends verification messages through a configured SMTP relay.
type Notifier struct {
	config Config
	logger *slog.Logger
}

// NewNotifier creates a notifier from a validated configuration.
func NewNotifier(config Config, logger *slog.Logger) (*Notifier, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{config: config, logger: logger}, nil
}

// SendVerification relays one verification message carrying code to
// destination. Failures are returned to the caller for logging; this
// package never retries.
func (n *Notifier) SendVerification(ctx context.Context, destination, code string) error {
	msg := mail.NewMsg()
	if err := msg.From(n.config.From); err != nil {
		return fmt.Errorf("set from address: %w", err)
	}
	if n.config.ReplyTo != "" {
		if err := msg.ReplyTo(n.config.ReplyTo); err != nil {
			return fmt.Errorf("set reply-to address: %w", err)
		}
	}
	if err := msg.To(destination); err != nil {
		return fmt.Errorf("set destination address: %w", err)
	}
	msg.Subject(n.config.Subject)
	msg.SetBodyString(mail.TypeTextPlain, fmt.Sprintf("%s\n\n%s\n", n.config.Body, code))

	client, err := mail.NewClient(n.config.ServerDomain,
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(n.config.SMTPUsername),
		mail.WithPassword(n.config.SMTPPassword),
		mail.WithTLSPolicy(mail.TLSMandatory),
	)
	if err != nil {
		return fmt.Errorf("build smtp client: %w", err)
	}

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send verification mail: %w", err)
	}

	n.logger.Debug("Dispatched verification email", "server", n.config.ServerDomain)
	return nil
}
