package alerts

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

// SMTPConfig configures the email channel.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// EmailChannel sends plain-text mail over SMTP.
type EmailChannel struct {
	cfg SMTPConfig
	// send is smtp.SendMail, replaceable in tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailChannel creates an EmailChannel.
func NewEmailChannel(cfg SMTPConfig) *EmailChannel {
	return &EmailChannel{cfg: cfg, send: smtp.SendMail}
}

func (c *EmailChannel) Send(ctx context.Context, msg Message, destination string) error {
	if c.cfg.Host == "" {
		return fmt.Errorf("email channel: smtp host is not configured")
	}
	if strings.ContainsAny(destination, "\r\n") {
		return fmt.Errorf("email channel: invalid recipient")
	}

	var auth smtp.Auth
	if c.cfg.Username != "" {
		auth = smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)
	}

	subject := fmt.Sprintf("Spendly alert: %s %s reached %g", msg.Scope, msg.Metric, msg.Threshold)
	body := strings.Join([]string{
		"From: " + c.cfg.From,
		"To: " + destination,
		"Subject: " + subject,
		"Date: " + msg.SentAt.Format(time.RFC1123Z),
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"",
		msg.Text,
		"",
	}, "\r\n")

	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))

	// net/smtp has no context support; run it aside so cancellation still
	// returns promptly.
	done := make(chan error, 1)
	go func() {
		done <- c.send(addr, auth, c.cfg.From, []string{destination}, []byte(body))
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("sending mail: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
