package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/systmms/rotord/internal/config"
)

// PagerDuty Events API v2 endpoint
const pagerDutyAPIURL = "https://events.pagerduty.com/v2/enqueue"

// PagerDutySeverity represents PagerDuty incident severity levels.
type PagerDutySeverity string

const (
	SeverityCritical PagerDutySeverity = "critical"
	SeverityError    PagerDutySeverity = "error"
	SeverityWarning  PagerDutySeverity = "warning"
	SeverityInfo     PagerDutySeverity = "info"
)

// PagerDutyConfig holds configuration for PagerDuty notifications.
type PagerDutyConfig struct {
	// IntegrationKey is the PagerDuty Events API v2 integration key.
	IntegrationKey string

	// ServiceID is the PagerDuty service ID (optional, for reference).
	ServiceID string

	// Severity is the default severity: critical, error, warning, info.
	// Defaults to "error" if empty. Incident events carry their own.
	Severity string

	// Events specifies which rotation events page. If empty only incident
	// events do.
	Events []string

	// AutoResolve resolves the class's open alert when a later job completes.
	AutoResolve bool

	// APIURL overrides the Events API endpoint.
	APIURL string
}

// PagerDutyProvider pages operators for events that need review.
type PagerDutyProvider struct {
	config PagerDutyConfig
	client *http.Client
	apiURL string
}

// NewPagerDutyProvider creates a new PagerDuty notification provider.
func NewPagerDutyProvider(config PagerDutyConfig) *PagerDutyProvider {
	apiURL := config.APIURL
	if apiURL == "" {
		apiURL = pagerDutyAPIURL
	}
	return &PagerDutyProvider{
		config: config,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		apiURL: apiURL,
	}
}

// Name returns the provider name.
func (p *PagerDutyProvider) Name() string {
	return "pagerduty"
}

// SupportsEvent returns true if this provider handles the given event type.
func (p *PagerDutyProvider) SupportsEvent(eventType EventType) bool {
	if len(p.config.Events) == 0 {
		return eventType == EventTypeIncident || (p.config.AutoResolve && eventType == EventTypeCompleted)
	}
	return supports(p.config.Events, eventType)
}

// Validate checks if the provider configuration is valid.
func (p *PagerDutyProvider) Validate(ctx context.Context) error {
	if p.config.IntegrationKey == "" {
		return fmt.Errorf("integration key is required")
	}

	if p.config.Severity != "" {
		switch strings.ToLower(p.config.Severity) {
		case "critical", "error", "warning", "info":
		default:
			return fmt.Errorf("invalid severity: %s (must be critical, error, warning, or info)", p.config.Severity)
		}
	}

	return nil
}

// Send sends a PagerDuty event for the given rotation event.
func (p *PagerDutyProvider) Send(ctx context.Context, event RotationEvent) error {
	action := p.determineAction(event)

	if action == "resolve" && !p.config.AutoResolve {
		return nil
	}

	body, err := json.Marshal(p.buildPayload(event, action))
	if err != nil {
		return fmt.Errorf("failed to marshal PagerDuty payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send PagerDuty notification: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("PagerDuty returned status %d", resp.StatusCode)
	}

	return nil
}

func (p *PagerDutyProvider) determineAction(event RotationEvent) string {
	if event.Type == EventTypeCompleted && event.Outcome != "dry-run" {
		return "resolve"
	}
	return "trigger"
}

// buildPayload creates the PagerDuty Events API v2 payload.
func (p *PagerDutyProvider) buildPayload(event RotationEvent, action string) map[string]interface{} {
	payload := map[string]interface{}{
		"routing_key":  p.config.IntegrationKey,
		"event_action": action,
		"dedup_key":    p.buildDedupKey(event),
	}

	if action == "resolve" {
		payload["payload"] = map[string]interface{}{
			"summary":  fmt.Sprintf("rotord rotation completed: %s", event.ClassID),
			"severity": string(SeverityInfo),
			"source":   "rotord",
		}
		return payload
	}

	payload["payload"] = p.buildEventPayload(event)
	return payload
}

func (p *PagerDutyProvider) buildEventPayload(event RotationEvent) map[string]interface{} {
	customDetails := map[string]interface{}{
		"class_id":   event.ClassID,
		"job_id":     event.JobID,
		"event_type": string(event.Type),
		"timestamp":  event.Timestamp.UTC().Format(time.RFC3339),
	}
	if event.Outcome != "" {
		customDetails["outcome"] = event.Outcome
	}
	if event.Kind != "" {
		customDetails["kind"] = event.Kind
	}
	if event.Error != "" {
		customDetails["error"] = event.Error
	}
	for k, v := range event.Metadata {
		customDetails[k] = v
	}

	payload := map[string]interface{}{
		"summary":        p.buildSummary(event),
		"severity":       p.severityFor(event),
		"source":         "rotord",
		"component":      event.ClassID,
		"custom_details": customDetails,
	}
	if !event.Timestamp.IsZero() {
		payload["timestamp"] = event.Timestamp.UTC().Format(time.RFC3339)
	}

	return payload
}

// buildSummary creates a human-readable summary, truncated to PagerDuty's 1024 characters.
func (p *PagerDutyProvider) buildSummary(event RotationEvent) string {
	var action string
	switch event.Type {
	case EventTypeIncident:
		action = "needs operator review"
	case EventTypeFailed:
		action = "failed"
	case EventTypeRollback:
		action = "rolled back"
	case EventTypeApproval:
		action = "awaiting approval"
	default:
		action = string(event.Type)
	}

	summary := fmt.Sprintf("rotord: class %s %s", event.ClassID, action)
	if event.Error != "" {
		summary = fmt.Sprintf("%s - %s", summary, event.Error)
	}

	if len(summary) > 1024 {
		summary = summary[:1021] + "..."
	}

	return summary
}

// buildDedupKey groups every alert of a class so a later success resolves it.
func (p *PagerDutyProvider) buildDedupKey(event RotationEvent) string {
	return "rotord-" + event.ClassID
}

// severityFor maps incident severities onto PagerDuty's levels.
func (p *PagerDutyProvider) severityFor(event RotationEvent) string {
	switch event.Severity {
	case "critical":
		return string(SeverityCritical)
	case "high":
		return string(SeverityError)
	case "medium":
		return string(SeverityWarning)
	}
	if p.config.Severity == "" {
		return string(SeverityError)
	}
	return strings.ToLower(p.config.Severity)
}

// CreatePagerDutyProvider creates a PagerDuty provider from configuration.
func CreatePagerDutyProvider(cfg *config.PagerDutyNotificationConfig) (*PagerDutyProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("pagerduty config is nil")
	}

	provider := NewPagerDutyProvider(PagerDutyConfig{
		IntegrationKey: cfg.IntegrationKey,
		ServiceID:      cfg.ServiceID,
		Severity:       cfg.Severity,
		Events:         cfg.Events,
		AutoResolve:    cfg.AutoResolve,
		APIURL:         cfg.APIEndpoint,
	})
	if err := provider.Validate(context.Background()); err != nil {
		return nil, err
	}

	return provider, nil
}
