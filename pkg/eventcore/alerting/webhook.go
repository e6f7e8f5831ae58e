package alerting

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Notifier delivers newly triggered alerts to an external channel.
type Notifier interface {
	Notify(alert Alert) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(alert Alert) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(alert Alert) error {
	return f(alert)
}

// webhookPayload is the outbound notification shape.
type webhookPayload struct {
	Alert       webhookAlert `json:"alert"`
	System      string       `json:"system"`
	Environment string       `json:"environment"`
}

type webhookAlert struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	Message       string   `json:"message"`
	Severity      Severity `json:"severity"`
	Category      string   `json:"category"`
	Timestamp     string   `json:"timestamp"`
	Source        string   `json:"source"`
	CorrelationID string   `json:"correlationId,omitempty"`
}

// WebhookNotifier POSTs alert notifications as JSON to a configured URL.
type WebhookNotifier struct {
	URL         string
	System      string
	Environment string

	// Client defaults to one with a 10 second timeout.
	Client *http.Client
}

// NewWebhookNotifier creates a webhook notifier for the given URL.
func NewWebhookNotifier(url, system, environment string) *WebhookNotifier {
	return &WebhookNotifier{
		URL:         url,
		System:      system,
		Environment: environment,
		Client:      &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify implements Notifier.
func (w *WebhookNotifier) Notify(alert Alert) error {
	payload := webhookPayload{
		Alert: webhookAlert{
			ID:            alert.ID,
			Title:         alert.RuleID,
			Message:       alert.Message,
			Severity:      alert.Severity,
			Category:      alert.Category,
			Timestamp:     alert.LastOccurrence.UTC().Format(time.RFC3339),
			Source:        w.System,
			CorrelationID: alert.CorrelationID,
		},
		System:      w.System,
		Environment: w.Environment,
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	resp, err := client.Post(w.URL, "application/json", bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}
