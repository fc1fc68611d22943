package health

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/rotord/internal/logging"
)

func TestInitMetrics(t *testing.T) {
	// InitMetrics uses sync.Once; calling it twice must not panic on re-registration.
	InitMetrics()
	InitMetrics()

	assert.True(t, IsMetricsRegistered())
	assert.NotNil(t, GetRotationStartedTotal())
	assert.NotNil(t, GetRotationCompletedTotal())
	assert.NotNil(t, GetRollbackTotal())
	assert.NotNil(t, GetHealthCheckStatus())
}

func TestRotationMetrics_Record(t *testing.T) {
	InitMetrics()

	metrics := NewRotationMetrics()
	assert.NotPanics(t, func() {
		metrics.RecordRotationStarted("database")
		metrics.RecordRotationCompleted("database", "COMPLETED", 45.5)
		metrics.RecordRollback("database", "validation")
		metrics.RecordHealthCheck("database", "orders-db", true, 0.05)
		metrics.JobStarted()
		metrics.JobFinished()
		metrics.SetApprovalsPending(3)
	})
}

func TestDefaultMetricsServerConfig(t *testing.T) {
	t.Parallel()

	config := DefaultMetricsServerConfig()

	assert.False(t, config.Enabled)
	assert.Equal(t, 9090, config.Port)
	assert.Equal(t, "/metrics", config.Path)
	assert.Equal(t, 5*time.Second, config.ReadTimeout)
	assert.Equal(t, 10*time.Second, config.WriteTimeout)
}

func TestMetricsServer_StartDisabled(t *testing.T) {
	t.Parallel()

	server := NewMetricsServer(DefaultMetricsServerConfig(), logging.Discard())

	assert.NoError(t, server.Start())
	assert.Empty(t, server.Addr())
	assert.NoError(t, server.Stop(context.Background()))
}

func TestMetricsServer_Handler(t *testing.T) {
	InitMetrics()
	NewRotationMetrics().RecordRotationStarted("handler-test")

	server := NewMetricsServer(DefaultMetricsServerConfig(), nil)
	server.Mount("/v1/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("api"))
	}))

	tests := []struct {
		path     string
		contains string
	}{
		{"/health", "OK"},
		{"/metrics", "rotord_rotation_started_total"},
		{"/v1/classes/db/status", "api"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.contains)
		})
	}
}

func TestMetricsServer_StartEnabled(t *testing.T) {
	config := DefaultMetricsServerConfig()
	config.Enabled = true
	config.Port = 0

	server := NewMetricsServer(config, logging.Discard())
	require.NoError(t, server.Start())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, server.Stop(ctx))
	}()

	addr := server.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + strings.Replace(addr, "[::]", "127.0.0.1", 1) + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
}
