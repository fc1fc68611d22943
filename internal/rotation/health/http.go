package health

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Dependent option keys read by the HTTP checker.
const (
	OptionExpectedStatus = "expected_status"
	OptionDistributeURL  = "distribute_url"
	OptionAuthHeader     = "auth_header"
	OptionAuthScheme     = "auth_scheme"
	OptionMethod         = "method"
)

// HTTPHealthConfig holds configuration for HTTP health checks.
type HTTPHealthConfig struct {
	// ResponseTimeEnabled enables response time monitoring.
	ResponseTimeEnabled bool

	// ResponseTimeThreshold is the maximum acceptable response time.
	ResponseTimeThreshold time.Duration

	// ExpectedStatusCodes are the HTTP status codes considered healthy.
	// A dependent's expected_status option overrides them.
	ExpectedStatusCodes []int

	// Timeout is the HTTP request timeout.
	Timeout time.Duration

	// Headers are custom headers to include in the health check request.
	Headers map[string]string
}

// DefaultHTTPHealthConfig returns the default HTTP health configuration.
func DefaultHTTPHealthConfig() HTTPHealthConfig {
	return HTTPHealthConfig{
		ResponseTimeEnabled:   true,
		ResponseTimeThreshold: 5 * time.Second,
		ExpectedStatusCodes:   []int{200, 201, 202, 204},
		Timeout:               10 * time.Second,
	}
}

// HTTPClient is the interface for making HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPHealthChecker authenticates against an HTTP dependent with the
// candidate material as a bearer token.
type HTTPHealthChecker struct {
	name   string
	config HTTPHealthConfig
	client HTTPClient
}

// NewHTTPHealthChecker creates a new HTTP health checker.
func NewHTTPHealthChecker(name string, config HTTPHealthConfig) *HTTPHealthChecker {
	return &HTTPHealthChecker{
		name:   name,
		config: config,
		client: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// SetClient sets a custom HTTP client for testing.
func (c *HTTPHealthChecker) SetClient(client HTTPClient) {
	c.client = client
}

// Name returns the health checker name.
func (c *HTTPHealthChecker) Name() string {
	return c.name
}

// Protocol returns the protocol type.
func (c *HTTPHealthChecker) Protocol() ProtocolType {
	return ProtocolHTTP
}

// Check sends one authenticated request to the dependent endpoint.
func (c *HTTPHealthChecker) Check(ctx context.Context, target Target) (HealthResult, error) {
	start := time.Now()
	result := HealthResult{
		Healthy:   true,
		Timestamp: start,
		Metadata:  make(map[string]interface{}),
	}

	dep := target.Dependent
	if dep.Endpoint == "" {
		result.Healthy = false
		result.Message = "no endpoint configured"
		result.Duration = time.Since(start)
		return result, fmt.Errorf("no endpoint configured for dependent %s", dep.Name)
	}

	method := http.MethodGet
	if m := dep.Options[OptionMethod]; m != "" {
		method = strings.ToUpper(m)
	}
	req, err := http.NewRequestWithContext(ctx, method, dep.Endpoint, nil)
	if err != nil {
		result.Healthy = false
		result.Message = fmt.Sprintf("failed to create request: %v", err)
		result.Duration = time.Since(start)
		return result, err
	}

	for key, value := range c.config.Headers {
		req.Header.Set(key, value)
	}
	if target.Material != nil {
		header := dep.Options[OptionAuthHeader]
		if header == "" {
			header = "Authorization"
		}
		scheme := "Bearer"
		if s, ok := dep.Options[OptionAuthScheme]; ok {
			scheme = s
		}
		err := target.Material.Use(func(secret []byte) error {
			value := string(secret)
			if scheme != "" {
				value = scheme + " " + value
			}
			req.Header.Set(header, value)
			return nil
		})
		if err != nil {
			result.Healthy = false
			result.Message = "candidate material unavailable"
			result.Duration = time.Since(start)
			return result, err
		}
	}

	resp, err := c.client.Do(req)
	// The header holds the candidate; drop it as soon as the request is sent.
	req.Header = nil
	if err != nil {
		result.Healthy = false
		result.Message = fmt.Sprintf("request failed: %v", err)
		result.Duration = time.Since(start)
		result.Metadata["error"] = err.Error()
		return result, nil // Return result without error to let caller decide
	}
	defer resp.Body.Close()

	// Discard body to allow connection reuse
	_, _ = io.Copy(io.Discard, resp.Body)

	responseTime := time.Since(start)
	result.Duration = responseTime
	result.Metadata["status_code"] = resp.StatusCode
	result.Metadata["response_time_ms"] = responseTime.Milliseconds()

	var messages []string

	if c.config.ResponseTimeEnabled && c.config.ResponseTimeThreshold > 0 && responseTime > c.config.ResponseTimeThreshold {
		result.Healthy = false
		messages = append(messages, fmt.Sprintf("response time %v exceeds threshold %v",
			responseTime, c.config.ResponseTimeThreshold))
	}

	expected, err := c.expectedCodes(dep.Options)
	if err != nil {
		result.Healthy = false
		result.Message = err.Error()
		return result, err
	}
	statusOK := false
	for _, code := range expected {
		if resp.StatusCode == code {
			statusOK = true
			break
		}
	}
	if !statusOK {
		result.Healthy = false
		messages = append(messages, fmt.Sprintf("unexpected status code %d", resp.StatusCode))
	}

	if rateLimitRemaining := resp.Header.Get("X-RateLimit-Remaining"); rateLimitRemaining != "" {
		result.Metadata["rate_limit_remaining"] = rateLimitRemaining
	}

	if len(messages) > 0 {
		result.Message = strings.Join(messages, "; ")
	} else {
		result.Message = fmt.Sprintf("healthy: status %d in %v", resp.StatusCode, responseTime)
	}

	return result, nil
}

// distributePayload is the version reference pushed to a dependent.
type distributePayload struct {
	ClassID       string `json:"class_id"`
	VersionID     string `json:"version_id"`
	VersionNumber int    `json:"version_number"`
}

// Distribute posts the new version reference to the dependent's
// distribute_url option. Dependents without one are skipped.
func (c *HTTPHealthChecker) Distribute(ctx context.Context, target Target) error {
	url := target.Dependent.Options[OptionDistributeURL]
	if url == "" {
		return nil
	}

	body, err := json.Marshal(distributePayload{
		ClassID:       target.ClassID,
		VersionID:     target.VersionID,
		VersionNumber: target.VersionNumber,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal distribution payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range c.config.Headers {
		req.Header.Set(key, value)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("distribution to %s failed: %w", target.Dependent.Name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("distribution to %s returned status %d", target.Dependent.Name, resp.StatusCode)
	}
	return nil
}

// expectedCodes parses a comma-separated expected_status option.
func (c *HTTPHealthChecker) expectedCodes(options map[string]string) ([]int, error) {
	raw := options[OptionExpectedStatus]
	if raw == "" {
		return c.config.ExpectedStatusCodes, nil
	}
	var codes []int
	for _, part := range strings.Split(raw, ",") {
		code, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("invalid expected_status %q", raw)
		}
		codes = append(codes, code)
	}
	return codes, nil
}
