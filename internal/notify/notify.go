// Package notify delivers user-facing notifications: occurrence reminders,
// the daily summary, and sync failure alerts. Delivery goes out over a
// Slack-compatible webhook and/or SMTP, whichever is configured.
package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/smtp"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"
)

// emailRegex is a simple email validation regex
var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// Kind classifies a notification message.
type Kind string

const (
	KindReminder    Kind = "reminder"
	KindSummary     Kind = "summary"
	KindSyncFailure Kind = "sync_failure"
	KindRecovery    Kind = "recovery"
)

// Message is one notification to deliver.
type Message struct {
	Kind      Kind
	Title     string
	Body      string
	Timestamp time.Time
}

// Config holds notification delivery configuration.
type Config struct {
	// Webhook settings
	WebhookEnabled bool
	WebhookURL     string

	// Email settings
	EmailEnabled bool
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPTo       []string
	SMTPTLS      bool

	// How long to wait before re-alerting about the same failing target
	CooldownPeriod time.Duration
}

// Notifier sends notifications over the configured channels.
type Notifier struct {
	cfg        *Config
	httpClient *http.Client

	// Track last alert time per target to implement cooldown
	mu             sync.RWMutex
	lastAlertTimes map[string]time.Time
	failingState   map[string]bool
}

// New creates a new Notifier.
func New(cfg *Config) *Notifier {
	return &Notifier{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		lastAlertTimes: make(map[string]time.Time),
		failingState:   make(map[string]bool),
	}
}

// ValidateConfig validates the notification configuration.
func ValidateConfig(cfg *Config) error {
	if cfg.WebhookEnabled {
		if cfg.WebhookURL == "" {
			return fmt.Errorf("webhook URL is required when webhook is enabled")
		}
		if err := validateWebhookURL(cfg.WebhookURL); err != nil {
			return fmt.Errorf("invalid webhook URL: %w", err)
		}
	}

	if cfg.EmailEnabled {
		if cfg.SMTPHost == "" {
			return fmt.Errorf("SMTP host is required when email is enabled")
		}
		if cfg.SMTPPort < 1 || cfg.SMTPPort > 65535 {
			return fmt.Errorf("SMTP port must be between 1 and 65535")
		}
		if cfg.SMTPFrom == "" {
			return fmt.Errorf("SMTP from address is required when email is enabled")
		}
		if !isValidEmail(cfg.SMTPFrom) {
			return fmt.Errorf("invalid SMTP from address")
		}
		for _, to := range cfg.SMTPTo {
			if !isValidEmail(to) {
				return fmt.Errorf("invalid SMTP recipient address: %s", to)
			}
		}
	}

	if cfg.CooldownPeriod < time.Minute {
		return fmt.Errorf("cooldown period must be at least 1 minute")
	}

	return nil
}

// validateWebhookURL validates that the webhook URL is safe to use.
func validateWebhookURL(webhookURL string) error {
	parsed, err := url.Parse(webhookURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	// Only allow HTTPS for webhooks
	if parsed.Scheme != "https" {
		return fmt.Errorf("webhook URL must use HTTPS")
	}

	// Block localhost and private ranges to prevent SSRF
	host := strings.ToLower(parsed.Hostname())
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return fmt.Errorf("webhook URL cannot point to localhost")
	}
	if strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return fmt.Errorf("webhook URL cannot point to internal hosts")
	}
	if strings.HasPrefix(host, "10.") || strings.HasPrefix(host, "192.168.") {
		return fmt.Errorf("webhook URL cannot point to private IP addresses")
	}
	for i := 16; i <= 31; i++ {
		if strings.HasPrefix(host, fmt.Sprintf("172.%d.", i)) {
			return fmt.Errorf("webhook URL cannot point to private IP addresses")
		}
	}

	return nil
}

// ValidateWebhookURL validates that a webhook URL is safe to use (exported for API use).
func ValidateWebhookURL(webhookURL string) error {
	return validateWebhookURL(webhookURL)
}

// isValidEmail validates an email address format.
func isValidEmail(email string) bool {
	return emailRegex.MatchString(email)
}

// sanitizeForEmail removes characters that could be used for email header injection.
func sanitizeForEmail(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// IsEnabled returns true if any delivery channel is enabled.
func (n *Notifier) IsEnabled() bool {
	return n.cfg.WebhookEnabled || n.cfg.EmailEnabled
}

// Send delivers a message over every enabled channel. Channel errors are
// logged, not returned: a broken webhook must not take reminders down with
// it.
func (n *Notifier) Send(ctx context.Context, msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	if n.cfg.WebhookEnabled && n.cfg.WebhookURL != "" {
		if err := n.sendWebhook(ctx, msg); err != nil {
			log.Printf("[Notify] Webhook error: %v", err)
		}
	}

	if n.cfg.EmailEnabled && len(n.cfg.SMTPTo) > 0 {
		if err := n.sendEmail(msg); err != nil {
			log.Printf("[Notify] Email error: %v", err)
		}
	}
}

// SendSyncFailure alerts that a sync target keeps failing. Repeated alerts
// for the same target are suppressed for the cooldown period. Returns true
// if an alert went out.
func (n *Notifier) SendSyncFailure(ctx context.Context, target, detail string) bool {
	n.mu.Lock()
	if n.failingState[target] {
		if last, ok := n.lastAlertTimes[target]; ok && time.Since(last) < n.cfg.CooldownPeriod {
			n.mu.Unlock()
			return false
		}
	}
	n.failingState[target] = true
	n.lastAlertTimes[target] = time.Now()
	n.mu.Unlock()

	msg := Message{
		Kind:      KindSyncFailure,
		Title:     fmt.Sprintf("Sync with %s is failing", target),
		Body:      detail,
		Timestamp: time.Now(),
	}
	go n.Send(ctx, msg)
	return true
}

// SendRecovery alerts that a previously failing target is healthy again.
// Returns true if an alert went out.
func (n *Notifier) SendRecovery(ctx context.Context, target string) bool {
	n.mu.Lock()
	wasFailing := n.failingState[target]
	if wasFailing {
		delete(n.failingState, target)
		delete(n.lastAlertTimes, target)
	}
	n.mu.Unlock()

	if !wasFailing {
		return false
	}

	msg := Message{
		Kind:      KindRecovery,
		Title:     fmt.Sprintf("Sync with %s recovered", target),
		Body:      "The target is syncing normally again",
		Timestamp: time.Now(),
	}
	go n.Send(ctx, msg)
	return true
}

// FailingTargets returns the targets currently in failing state.
func (n *Notifier) FailingTargets() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()

	targets := make([]string, 0, len(n.failingState))
	for target, failing := range n.failingState {
		if failing {
			targets = append(targets, target)
		}
	}
	return targets
}

// webhookPayload is the JSON payload sent to webhooks.
type webhookPayload struct {
	Kind      string `json:"kind"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	Timestamp string `json:"timestamp"`
	// Slack-compatible field
	Text string `json:"text,omitempty"`
}

func (n *Notifier) sendWebhook(ctx context.Context, msg Message) error {
	emoji := ""
	switch msg.Kind {
	case KindReminder:
		emoji = ":alarm_clock:"
	case KindSummary:
		emoji = ":calendar:"
	case KindSyncFailure:
		emoji = ":warning:"
	case KindRecovery:
		emoji = ":white_check_mark:"
	}

	payload := webhookPayload{
		Kind:      string(msg.Kind),
		Title:     msg.Title,
		Body:      msg.Body,
		Timestamp: msg.Timestamp.Format(time.RFC3339),
		Text:      fmt.Sprintf("%s *%s*\n%s", emoji, msg.Title, msg.Body),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", n.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	log.Printf("[Notify] Webhook sent: %s", msg.Title)
	return nil
}

func (n *Notifier) sendEmail(msg Message) error {
	// Sanitize user-controlled inputs to prevent email header injection
	subject := fmt.Sprintf("[DaySync] %s", sanitizeForEmail(msg.Title))

	var body strings.Builder
	body.WriteString(fmt.Sprintf("Type: %s\n", msg.Kind))
	body.WriteString(fmt.Sprintf("Time: %s\n\n", msg.Timestamp.Format(time.RFC1123)))
	body.WriteString(msg.Body)
	body.WriteString("\n")

	to := strings.Join(n.cfg.SMTPTo, ", ")
	raw := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		n.cfg.SMTPFrom, to, subject, body.String())

	addr := fmt.Sprintf("%s:%d", n.cfg.SMTPHost, n.cfg.SMTPPort)

	var auth smtp.Auth
	if n.cfg.SMTPUsername != "" {
		auth = smtp.PlainAuth("", n.cfg.SMTPUsername, n.cfg.SMTPPassword, n.cfg.SMTPHost)
	}

	var err error
	if n.cfg.SMTPTLS {
		err = n.sendEmailTLS(addr, auth, n.cfg.SMTPFrom, n.cfg.SMTPTo, []byte(raw))
	} else {
		err = smtp.SendMail(addr, auth, n.cfg.SMTPFrom, n.cfg.SMTPTo, []byte(raw))
	}
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	log.Printf("[Notify] Email sent to %d recipients: %s", len(n.cfg.SMTPTo), subject)
	return nil
}

// sendEmailTLS sends email over implicit TLS (for port 465).
func (n *Notifier) sendEmailTLS(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
	tlsConfig := &tls.Config{
		ServerName: n.cfg.SMTPHost,
		MinVersion: tls.VersionTLS12,
	}

	conn, err := tls.Dial("tcp", addr, tlsConfig)
	if err != nil {
		return fmt.Errorf("dial TLS: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, n.cfg.SMTPHost)
	if err != nil {
		return fmt.Errorf("create SMTP client: %w", err)
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	for _, recipient := range to {
		if err := client.Rcpt(recipient); err != nil {
			return fmt.Errorf("rcpt to %s: %w", recipient, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}

	return client.Quit()
}

// SendTestWebhook sends a test message to a webhook URL.
func (n *Notifier) SendTestWebhook(ctx context.Context, webhookURL string) error {
	if err := validateWebhookURL(webhookURL); err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}

	payload := webhookPayload{
		Kind:      "test",
		Title:     "Test webhook from DaySync",
		Body:      "This is a test message to verify your webhook configuration",
		Timestamp: time.Now().Format(time.RFC3339),
		Text:      ":rocket: *Test webhook from DaySync*\nThis is a test message to verify your webhook configuration",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}
