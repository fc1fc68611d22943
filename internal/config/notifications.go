package config

import (
	"fmt"
	"net/url"

	dserrors "github.com/systmms/rotord/internal/errors"
)

// NotificationConfig holds configuration for rotation notifications.
type NotificationConfig struct {
	// PagerDuty receives high-severity alerts: Fatal class halts and activation conflicts.
	PagerDuty *PagerDutyNotificationConfig `yaml:"pagerduty,omitempty"`

	// Webhooks receive the outcome of every job.
	Webhooks []WebhookNotificationConfig `yaml:"webhooks,omitempty"`

	// QueueSize bounds the in-memory delivery queue (default: 100).
	QueueSize int `yaml:"queue_size,omitempty"`
}

// PagerDutyNotificationConfig holds PagerDuty configuration for rotation events.
type PagerDutyNotificationConfig struct {
	// IntegrationKey is the PagerDuty Events API integration key.
	IntegrationKey string `yaml:"integration_key"`

	// ServiceID is the PagerDuty service ID (optional).
	ServiceID string `yaml:"service_id,omitempty"`

	// Severity is the default incident severity: critical, error, warning, info.
	Severity string `yaml:"severity,omitempty"`

	// Events specifies which rotation events trigger notifications.
	Events []string `yaml:"events,omitempty"`

	// AutoResolve indicates whether to auto-resolve incidents on success.
	AutoResolve bool `yaml:"auto_resolve,omitempty"`

	// APIEndpoint overrides the Events API URL.
	APIEndpoint string `yaml:"api_endpoint,omitempty"`
}

// WebhookNotificationConfig holds configuration for custom webhook notifications.
type WebhookNotificationConfig struct {
	// Name is a human-readable name for this webhook.
	Name string `yaml:"name"`

	// URL is the webhook endpoint URL.
	URL string `yaml:"url"`

	// Method is the HTTP method to use (default: POST).
	Method string `yaml:"method,omitempty"`

	// Headers are additional HTTP headers to include.
	Headers map[string]string `yaml:"headers,omitempty"`

	// Events specifies which rotation events trigger notifications.
	Events []string `yaml:"events,omitempty"`

	// PayloadTemplate is a Go template for the request body.
	// If empty, {job_id, class_id, outcome, timestamp} is sent as JSON.
	PayloadTemplate string `yaml:"payload_template,omitempty"`

	// Retry configuration.
	Retry *WebhookRetryConfig `yaml:"retry,omitempty"`

	// Timeout in seconds (default: 10).
	TimeoutSeconds int `yaml:"timeout,omitempty"`
}

// WebhookRetryConfig holds retry configuration for webhooks.
type WebhookRetryConfig struct {
	// MaxAttempts is the maximum number of retry attempts (default: 3).
	MaxAttempts int `yaml:"max_attempts,omitempty"`

	// Backoff strategy: linear, exponential, fixed (default: exponential).
	Backoff string `yaml:"backoff,omitempty"`
}

var knownEvents = map[string]bool{
	"started":   true,
	"completed": true,
	"failed":    true,
	"rollback":  true,
	"cancelled": true,
	"approval":  true,
	"incident":  true,
}

// Validate checks webhook URLs and event names.
func (n *NotificationConfig) Validate() error {
	for i, wh := range n.Webhooks {
		field := fmt.Sprintf("notifications.webhooks[%d]", i)
		u, err := url.Parse(wh.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return dserrors.ConfigError{
				Field:      field + ".url",
				Value:      wh.URL,
				Message:    "webhook URL must be an absolute http(s) URL",
				Suggestion: "Use a URL like https://hooks.example.com/rotord",
			}
		}
		if err := validateEvents(field, wh.Events); err != nil {
			return err
		}
		if wh.Retry != nil {
			switch wh.Retry.Backoff {
			case "", "linear", "exponential", "fixed":
			default:
				return dserrors.ConfigError{
					Field:      field + ".retry.backoff",
					Value:      wh.Retry.Backoff,
					Message:    "unknown backoff strategy",
					Suggestion: "Use one of: linear, exponential, fixed",
				}
			}
		}
	}
	if n.PagerDuty != nil {
		if n.PagerDuty.IntegrationKey == "" {
			return dserrors.ConfigError{
				Field:   "notifications.pagerduty.integration_key",
				Message: "integration key is required",
			}
		}
		if err := validateEvents("notifications.pagerduty", n.PagerDuty.Events); err != nil {
			return err
		}
	}
	return nil
}

func validateEvents(field string, events []string) error {
	for _, e := range events {
		if !knownEvents[e] {
			return dserrors.ConfigError{
				Field:      field + ".events",
				Value:      e,
				Message:    "unknown event type",
				Suggestion: "Use any of: started, completed, failed, rollback, cancelled, approval, incident",
			}
		}
	}
	return nil
}
