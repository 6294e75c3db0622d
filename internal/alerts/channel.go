// Package alerts sends threshold notifications over email, Slack, Discord
// and signed webhooks, with a per-alert cooldown.
package alerts

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// SignatureHeader carries the webhook HMAC.
const SignatureHeader = "X-Spendly-Signature"

// Message is one rendered notification.
type Message struct {
	AlertID      string    `json:"alertId"`
	Scope        string    `json:"scope"`
	Metric       string    `json:"metric"`
	Period       string    `json:"period"`
	Threshold    float64   `json:"threshold"`
	CurrentValue float64   `json:"currentValue"`
	Text         string    `json:"text"`
	SentAt       time.Time `json:"sentAt"`

	// Secret signs webhook deliveries. Never serialized.
	Secret string `json:"-"`
}

// Channel delivers a message to a destination.
type Channel interface {
	Send(ctx context.Context, msg Message, destination string) error
}

// ParseTarget splits "<channel>:<destination>".
func ParseTarget(notification string) (channel, destination string, err error) {
	channel, destination, ok := strings.Cut(notification, ":")
	if !ok || channel == "" || destination == "" {
		return "", "", fmt.Errorf("invalid notification target %q", notification)
	}
	return strings.ToLower(channel), destination, nil
}

func postJSON(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("posting notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("notification endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// SlackChannel posts to a Slack incoming webhook.
type SlackChannel struct {
	Client *http.Client
}

func (c *SlackChannel) Send(ctx context.Context, msg Message, destination string) error {
	body, err := json.Marshal(map[string]string{"text": msg.Text})
	if err != nil {
		return err
	}
	return postJSON(ctx, c.Client, destination, body, nil)
}

// DiscordChannel posts to a Discord webhook.
type DiscordChannel struct {
	Client *http.Client
}

func (c *DiscordChannel) Send(ctx context.Context, msg Message, destination string) error {
	body, err := json.Marshal(map[string]string{"content": msg.Text})
	if err != nil {
		return err
	}
	return postJSON(ctx, c.Client, destination, body, nil)
}

// WebhookChannel posts the full message as JSON. When the alert has a
// secret, the body is signed as "sha256=<hex hmac>".
type WebhookChannel struct {
	Client *http.Client
}

func (c *WebhookChannel) Send(ctx context.Context, msg Message, destination string) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	var headers map[string]string
	if msg.Secret != "" {
		headers = map[string]string{SignatureHeader: Sign(msg.Secret, body)}
	}
	return postJSON(ctx, c.Client, destination, body, headers)
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
