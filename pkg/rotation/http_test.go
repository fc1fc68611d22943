package rotation_test

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/rotord/internal/rotation/approval"
	"github.com/systmms/rotord/internal/rotation/audit"
	"github.com/systmms/rotord/pkg/rotation"
)

func do(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	return w
}

func TestHandler_RotateAndStatus(t *testing.T) {
	t.Parallel()
	h, _ := newHarness(t)
	h.class("api")
	h.seed("api")
	handler := h.engine.Handler()

	w := do(t, handler, http.MethodPost, "/v1/classes/api/rotate", `{"actor":"alice"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var job rotation.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, "api", job.ClassID)
	assert.Equal(t, "alice", job.TriggeredBy)

	w = do(t, handler, http.MethodGet, "/v1/jobs/"+job.ID, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, handler, http.MethodGet, "/v1/classes/api/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	var status rotation.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, rotation.StatePending, status.CurrentState)
	assert.Equal(t, job.ID, status.CurrentJobID)

	w = do(t, handler, http.MethodGet, "/v1/classes", "")
	require.Equal(t, http.StatusOK, w.Code)
	var statuses []rotation.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &statuses))
	assert.Len(t, statuses, 1)
}

func TestHandler_Errors(t *testing.T) {
	t.Parallel()
	h, _ := newHarness(t)
	h.class("fresh")
	h.store.Seed("fresh", "active", []byte("x"))
	handler := h.engine.Handler()

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{name: "UnknownClass", method: http.MethodPost, path: "/v1/classes/nope/rotate", want: http.StatusNotFound},
		{name: "UnknownJob", method: http.MethodGet, path: "/v1/jobs/nope", want: http.StatusNotFound},
		{name: "NotDue", method: http.MethodPost, path: "/v1/classes/fresh/rotate", body: `{}`, want: http.StatusConflict},
		{name: "BadBody", method: http.MethodPost, path: "/v1/classes/fresh/rotate", body: `{`, want: http.StatusBadRequest},
		{name: "ApproveWithoutActor", method: http.MethodPost, path: "/v1/jobs/x/approve", body: `{}`, want: http.StatusBadRequest},
		{name: "BadLimit", method: http.MethodGet, path: "/v1/audit?limit=-1", want: http.StatusBadRequest},
		{name: "BadSince", method: http.MethodGet, path: "/v1/audit?since=yesterday", want: http.StatusBadRequest},
		{name: "WrongMethod", method: http.MethodDelete, path: "/v1/jobs/x", want: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, handler, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestHandler_ApproveCancelAndAudit(t *testing.T) {
	t.Parallel()
	h, _ := newHarness(t)
	h.class("database", databaseClass)
	h.seed("database")
	job := h.run("database")
	require.Equal(t, rotation.StateApprovalWait, job.State)
	handler := h.engine.Handler()

	w := do(t, handler, http.MethodGet, "/v1/approvals", "")
	require.Equal(t, http.StatusOK, w.Code)
	var pending []approval.Request
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, job.ID, pending[0].JobID)

	w = do(t, handler, http.MethodPost, "/v1/jobs/"+job.ID+"/approve", `{"actor":"alice"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"job_id":"`+job.ID+`","quorum_reached":false}`, w.Body.String())

	w = do(t, handler, http.MethodPost, "/v1/jobs/"+job.ID+"/cancel", `{"actor":"bob"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var cancelled rotation.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cancelled))
	assert.Equal(t, rotation.StateCancelled, cancelled.State)

	w = do(t, handler, http.MethodPost, "/v1/jobs/"+job.ID+"/cancel", `{"actor":"bob"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, handler, http.MethodGet, "/v1/audit?job="+job.ID+"&action="+audit.ActionApprovalGranted, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/x-ndjson", w.Header().Get("Content-Type"))

	var lines []audit.Record
	sc := bufio.NewScanner(bytes.NewReader(w.Body.Bytes()))
	for sc.Scan() {
		var rec audit.Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		lines = append(lines, rec)
	}
	require.Len(t, lines, 1)
	assert.Equal(t, "alice", lines[0].Actor)
}
