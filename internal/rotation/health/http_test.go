package health

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/rotord/internal/policy"
	"github.com/systmms/rotord/internal/secure"
)

// mockHTTPClient implements HTTPClient for testing.
type mockHTTPClient struct {
	response *http.Response
	err      error
	latency  time.Duration
	last     *http.Request
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	m.last = req.Clone(req.Context())
	if m.latency > 0 {
		time.Sleep(m.latency)
	}
	return m.response, m.err
}

func newMockResponse(statusCode int, body string) *http.Response {
	return &http.Response{
		StatusCode: statusCode,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

func httpTarget(endpoint string, options map[string]string) Target {
	return Target{
		ClassID:       "payments-api",
		VersionID:     "v2",
		VersionNumber: 2,
		Dependent:     policy.Dependent{Name: "gateway", Type: policy.DependentHTTP, Endpoint: endpoint, Options: options},
		Material:      secure.NewMaterial([]byte("candidate-token")),
	}
}

func TestNewHTTPHealthChecker(t *testing.T) {
	t.Parallel()

	checker := NewHTTPHealthChecker("test-http", DefaultHTTPHealthConfig())

	assert.Equal(t, "test-http", checker.Name())
	assert.Equal(t, ProtocolHTTP, checker.Protocol())
}

func TestHTTPHealthChecker_Check_BearerAuth(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer candidate-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	checker := NewHTTPHealthChecker("http", DefaultHTTPHealthConfig())
	result, err := checker.Check(context.Background(), httpTarget(srv.URL, nil))
	require.NoError(t, err)
	assert.True(t, result.Healthy, result.Message)
	assert.Equal(t, 200, result.Metadata["status_code"])

	bad := httpTarget(srv.URL, nil)
	bad.Material = secure.NewMaterial([]byte("stale"))
	result, err = checker.Check(context.Background(), bad)
	require.NoError(t, err)
	assert.False(t, result.Healthy)
	assert.Contains(t, result.Message, "unexpected status code 401")
}

func TestHTTPHealthChecker_Check_Options(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		options     map[string]string
		status      int
		wantHealthy bool
		wantHeader  string
		wantValue   string
		wantMethod  string
	}{
		{
			name:        "default codes",
			status:      204,
			wantHealthy: true,
			wantHeader:  "Authorization",
			wantValue:   "Bearer candidate-token",
			wantMethod:  http.MethodGet,
		},
		{
			name:        "expected status override",
			options:     map[string]string{OptionExpectedStatus: "200, 418"},
			status:      418,
			wantHealthy: true,
			wantHeader:  "Authorization",
			wantValue:   "Bearer candidate-token",
			wantMethod:  http.MethodGet,
		},
		{
			name:        "override excludes default",
			options:     map[string]string{OptionExpectedStatus: "200"},
			status:      204,
			wantHealthy: false,
			wantHeader:  "Authorization",
			wantValue:   "Bearer candidate-token",
			wantMethod:  http.MethodGet,
		},
		{
			name:        "custom header without scheme",
			options:     map[string]string{OptionAuthHeader: "X-Api-Key", OptionAuthScheme: "", OptionMethod: "head"},
			status:      200,
			wantHealthy: true,
			wantHeader:  "X-Api-Key",
			wantValue:   "candidate-token",
			wantMethod:  http.MethodHead,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			mock := &mockHTTPClient{response: newMockResponse(tt.status, "")}
			checker := NewHTTPHealthChecker("http", DefaultHTTPHealthConfig())
			checker.SetClient(mock)

			result, err := checker.Check(context.Background(), httpTarget("http://gateway.internal/auth", tt.options))
			require.NoError(t, err)
			assert.Equal(t, tt.wantHealthy, result.Healthy)
			require.NotNil(t, mock.last)
			assert.Equal(t, tt.wantValue, mock.last.Header.Get(tt.wantHeader))
			assert.Equal(t, tt.wantMethod, mock.last.Method)
		})
	}
}

func TestHTTPHealthChecker_Check_InvalidExpectedStatus(t *testing.T) {
	t.Parallel()

	checker := NewHTTPHealthChecker("http", DefaultHTTPHealthConfig())
	checker.SetClient(&mockHTTPClient{response: newMockResponse(200, "")})

	result, err := checker.Check(context.Background(), httpTarget("http://x", map[string]string{OptionExpectedStatus: "ok"}))
	assert.Error(t, err)
	assert.False(t, result.Healthy)
}

func TestHTTPHealthChecker_Check_SlowResponse(t *testing.T) {
	t.Parallel()

	config := HTTPHealthConfig{
		ResponseTimeEnabled:   true,
		ResponseTimeThreshold: 50 * time.Millisecond,
		ExpectedStatusCodes:   []int{200},
		Timeout:               1 * time.Second,
	}
	checker := NewHTTPHealthChecker("test-http", config)
	checker.SetClient(&mockHTTPClient{
		response: newMockResponse(200, "OK"),
		latency:  100 * time.Millisecond,
	})

	result, err := checker.Check(context.Background(), httpTarget("http://localhost:8080/health", nil))
	require.NoError(t, err)
	assert.False(t, result.Healthy)
	assert.Contains(t, result.Message, "exceeds threshold")
}

func TestHTTPHealthChecker_Check_ConnectionError(t *testing.T) {
	t.Parallel()

	checker := NewHTTPHealthChecker("test-http", DefaultHTTPHealthConfig())
	checker.SetClient(&mockHTTPClient{err: errors.New("connection refused")})

	result, err := checker.Check(context.Background(), httpTarget("http://localhost:8080/health", nil))
	require.NoError(t, err) // Should not return error, just unhealthy result
	assert.False(t, result.Healthy)
	assert.Contains(t, result.Message, "request failed")
}

func TestHTTPHealthChecker_Check_NoEndpoint(t *testing.T) {
	t.Parallel()

	checker := NewHTTPHealthChecker("test-http", DefaultHTTPHealthConfig())

	result, err := checker.Check(context.Background(), httpTarget("", nil))
	assert.Error(t, err)
	assert.False(t, result.Healthy)
	assert.Contains(t, result.Message, "no endpoint")
}

func TestHTTPHealthChecker_Check_DestroyedMaterial(t *testing.T) {
	t.Parallel()

	checker := NewHTTPHealthChecker("test-http", DefaultHTTPHealthConfig())
	mock := &mockHTTPClient{response: newMockResponse(200, "")}
	checker.SetClient(mock)

	target := httpTarget("http://x", nil)
	target.Material.Destroy()

	result, err := checker.Check(context.Background(), target)
	assert.ErrorIs(t, err, secure.ErrDestroyed)
	assert.False(t, result.Healthy)
	assert.Nil(t, mock.last, "no request without material")
}

func TestHTTPHealthChecker_Distribute(t *testing.T) {
	t.Parallel()

	var got distributePayload
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	checker := NewHTTPHealthChecker("http", DefaultHTTPHealthConfig())

	err := checker.Distribute(context.Background(), httpTarget(srv.URL+"/auth", map[string]string{OptionDistributeURL: srv.URL + "/rotate"}))
	require.NoError(t, err)
	assert.Equal(t, distributePayload{ClassID: "payments-api", VersionID: "v2", VersionNumber: 2}, got)
	assert.Empty(t, gotAuth, "material is never distributed")

	err = checker.Distribute(context.Background(), httpTarget(srv.URL, map[string]string{OptionDistributeURL: srv.URL + "/fail"}))
	assert.ErrorContains(t, err, "status 502")

	// No distribute_url: nothing to do.
	assert.NoError(t, checker.Distribute(context.Background(), httpTarget("http://unused", nil)))
}
