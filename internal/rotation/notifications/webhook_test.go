package notifications

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/rotord/internal/config"
)

var testEvent = RotationEvent{
	Type:      EventTypeRollback,
	JobID:     "job-42",
	ClassID:   "database",
	Outcome:   "ROLLED_BACK",
	Kind:      "Validation",
	Error:     "synthetic authentication failed",
	Timestamp: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	Metadata:  map[string]string{"new_version": "v8"},
}

func fastRetry(attempts int) *RetryConfig {
	return &RetryConfig{MaxAttempts: attempts, Backoff: "fixed", InitialWait: time.Millisecond}
}

func TestWebhookProvider_Name(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "webhook:ops", NewWebhookProvider(WebhookConfig{Name: "ops"}).Name())
	assert.Equal(t, "webhook", NewWebhookProvider(WebhookConfig{}).Name())
}

func TestWebhookProvider_SupportsEvent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		events    []string
		eventType EventType
		want      bool
	}{
		{"empty events supports all", nil, EventTypeStarted, true},
		{"explicit completed supported", []string{"completed", "failed"}, EventTypeCompleted, true},
		{"rollback not in list", []string{"completed", "failed"}, EventTypeRollback, false},
		{"case insensitive", []string{"FAILED"}, EventTypeFailed, true},
		{"incident", []string{"incident"}, EventTypeIncident, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			provider := NewWebhookProvider(WebhookConfig{Events: tt.events})
			assert.Equal(t, tt.want, provider.SupportsEvent(tt.eventType))
		})
	}
}

func TestWebhookProvider_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		config  WebhookConfig
		wantErr string
	}{
		{name: "valid", config: WebhookConfig{URL: "https://hooks.example.com/x"}},
		{name: "missing url", config: WebhookConfig{}, wantErr: "URL is required"},
		{name: "relative url", config: WebhookConfig{URL: "/hook"}, wantErr: "invalid URL"},
		{name: "bad method", config: WebhookConfig{URL: "https://h/x", Method: "GET"}, wantErr: "invalid method"},
		{name: "put allowed", config: WebhookConfig{URL: "https://h/x", Method: "put"}},
		{name: "bad backoff", config: WebhookConfig{URL: "https://h/x", Retry: &RetryConfig{Backoff: "random"}}, wantErr: "invalid backoff"},
		{name: "bad template", config: WebhookConfig{URL: "https://h/x", PayloadTemplate: "{{.JobID"}, wantErr: "invalid payload template"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := NewWebhookProvider(tt.config).Validate(context.Background())
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestWebhookProvider_Send_DefaultPayload(t *testing.T) {
	t.Parallel()

	var received map[string]interface{}
	var contentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &received)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	provider := NewWebhookProvider(WebhookConfig{URL: server.URL})
	require.NoError(t, provider.Send(context.Background(), testEvent))

	assert.Equal(t, "application/json", contentType)
	assert.Equal(t, map[string]interface{}{
		"job_id":    "job-42",
		"class_id":  "database",
		"outcome":   "ROLLED_BACK",
		"timestamp": "2026-05-01T12:00:00Z",
	}, received)
}

func TestWebhookProvider_Send_OutcomeDefaultsToType(t *testing.T) {
	t.Parallel()

	var received defaultPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&received)
	}))
	defer server.Close()

	provider := NewWebhookProvider(WebhookConfig{URL: server.URL})
	require.NoError(t, provider.Send(context.Background(), RotationEvent{Type: EventTypeApproval, JobID: "j", ClassID: "c"}))
	assert.Equal(t, "approval", received.Outcome)
}

func TestWebhookProvider_Send_CustomTemplate(t *testing.T) {
	t.Parallel()

	var body string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		body = string(b)
	}))
	defer server.Close()

	provider := NewWebhookProvider(WebhookConfig{
		URL:             server.URL,
		PayloadTemplate: `{"text":"{{.ClassID}} {{.Outcome}} ({{.Kind}}) {{index .Metadata "new_version"}}"}`,
	})
	require.NoError(t, provider.Send(context.Background(), testEvent))
	assert.Equal(t, `{"text":"database ROLLED_BACK (Validation) v8"}`, body)
}

func TestWebhookProvider_Send_HeadersAndMethod(t *testing.T) {
	t.Parallel()

	var method, auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		auth = r.Header.Get("Authorization")
	}))
	defer server.Close()

	provider := NewWebhookProvider(WebhookConfig{
		URL:     server.URL,
		Method:  "put",
		Headers: map[string]string{"Authorization": "Bearer hook-token"},
	})
	require.NoError(t, provider.Send(context.Background(), testEvent))
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "Bearer hook-token", auth)
}

func TestWebhookProvider_Send_Retry(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		failFirst int32
		attempts  int
		wantErr   bool
		wantCalls int32
	}{
		{"succeeds first time", 0, 3, false, 1},
		{"recovers on retry", 2, 3, false, 3},
		{"exhausted", 5, 3, true, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if calls.Add(1) <= tt.failFirst {
					w.WriteHeader(http.StatusServiceUnavailable)
					return
				}
				w.WriteHeader(http.StatusNoContent)
			}))
			defer server.Close()

			provider := NewWebhookProvider(WebhookConfig{URL: server.URL, Retry: fastRetry(tt.attempts)})
			err := provider.Send(context.Background(), testEvent)
			if tt.wantErr {
				assert.ErrorContains(t, err, "after 3 attempts")
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, calls.Load())
		})
	}
}

func TestWebhookProvider_Send_ContextCancelledDuringBackoff(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	provider := NewWebhookProvider(WebhookConfig{
		URL:   server.URL,
		Retry: &RetryConfig{MaxAttempts: 3, Backoff: "fixed", InitialWait: time.Hour},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := provider.Send(ctx, testEvent)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWebhookProvider_CalculateBackoff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		backoff string
		attempt int
		want    time.Duration
	}{
		{"fixed", 3, time.Second},
		{"linear", 3, 3 * time.Second},
		{"exponential", 1, time.Second},
		{"exponential", 3, 4 * time.Second},
	}
	for _, tt := range tests {
		p := NewWebhookProvider(WebhookConfig{Retry: &RetryConfig{Backoff: tt.backoff}})
		assert.Equal(t, tt.want, p.calculateBackoff(tt.attempt), "%s attempt %d", tt.backoff, tt.attempt)
	}
}

func TestCreateWebhookProvider(t *testing.T) {
	t.Parallel()

	_, err := CreateWebhookProvider(nil)
	assert.Error(t, err)

	p, err := CreateWebhookProvider(&config.WebhookNotificationConfig{
		Name:           "ops",
		URL:            "https://hooks.example.com/rotord",
		Events:         []string{"failed"},
		TimeoutSeconds: 3,
		Retry:          &config.WebhookRetryConfig{MaxAttempts: 5, Backoff: "linear"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, p.config.Timeout)
	assert.Equal(t, 5, p.config.Retry.MaxAttempts)
	assert.Equal(t, time.Second, p.config.Retry.InitialWait)
	assert.False(t, p.SupportsEvent(EventTypeCompleted))

	_, err = CreateWebhookProvider(&config.WebhookNotificationConfig{URL: "ftp"})
	assert.Error(t, err)
}
