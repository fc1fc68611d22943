package rotation

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	dserrors "github.com/systmms/rotord/internal/errors"
	"github.com/systmms/rotord/internal/policy"
	"github.com/systmms/rotord/internal/rotation/approval"
	"github.com/systmms/rotord/internal/rotation/audit"
)

type rotateRequest struct {
	Force  bool   `json:"force"`
	DryRun bool   `json:"dry_run"`
	Actor  string `json:"actor"`
}

type actorRequest struct {
	Actor string `json:"actor"`
}

type approveResponse struct {
	JobID         string `json:"job_id"`
	QuorumReached bool   `json:"quorum_reached"`
}

type errorResponse struct {
	Error string        `json:"error"`
	Kind  dserrors.Kind `json:"kind,omitempty"`
}

// Handler returns the engine HTTP API:
//
//	POST /v1/classes/{id}/rotate   {"force":bool,"dry_run":bool,"actor":string}
//	GET  /v1/classes/{id}/status
//	GET  /v1/classes
//	GET  /v1/jobs/{id}
//	POST /v1/jobs/{id}/approve     {"actor":string}
//	POST /v1/jobs/{id}/cancel      {"actor":string}
//	GET  /v1/approvals
//	GET  /v1/audit                 newline delimited JSON
func (e *Engine) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/classes/{id}/rotate", e.handleRotate)
	mux.HandleFunc("GET /v1/classes/{id}/status", e.handleStatus)
	mux.HandleFunc("GET /v1/classes", e.handleStatuses)
	mux.HandleFunc("GET /v1/jobs/{id}", e.handleJob)
	mux.HandleFunc("POST /v1/jobs/{id}/approve", e.handleApprove)
	mux.HandleFunc("POST /v1/jobs/{id}/cancel", e.handleCancel)
	mux.HandleFunc("GET /v1/approvals", e.handleApprovals)
	mux.HandleFunc("GET /v1/audit", e.handleAudit)
	return mux
}

func (e *Engine) handleRotate(w http.ResponseWriter, r *http.Request) {
	var req rotateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	job, err := e.Rotate(r.Context(), r.PathValue("id"), req.Force, req.DryRun, actorOr(req.Actor, "api"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (e *Engine) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := e.GetStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (e *Engine) handleStatuses(w http.ResponseWriter, r *http.Request) {
	statuses, err := e.Statuses(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (e *Engine) handleJob(w http.ResponseWriter, r *http.Request) {
	job, err := e.Job(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (e *Engine) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Actor == "" {
		writeError(w, dserrors.UserError{Message: "actor is required"})
		return
	}
	id := r.PathValue("id")
	reached, err := e.Approve(r.Context(), id, req.Actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, approveResponse{JobID: id, QuorumReached: reached})
}

func (e *Engine) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	job, err := e.Cancel(r.Context(), r.PathValue("id"), actorOr(req.Actor, "api"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (e *Engine) handleApprovals(w http.ResponseWriter, r *http.Request) {
	pending, err := e.PendingApprovals(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if pending == nil {
		pending = []*approval.Request{}
	}
	writeJSON(w, http.StatusOK, pending)
}

func (e *Engine) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{
		ClassID: q.Get("class"),
		JobID:   q.Get("job"),
		Action:  q.Get("action"),
		Kind:    dserrors.Kind(q.Get("kind")),
		Result:  q.Get("result"),
	}
	for name, dst := range map[string]**time.Time{"since": &f.Since, "until": &f.Until} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, dserrors.UserError{Message: "invalid " + name + " timestamp", Details: err.Error()})
				return
			}
			*dst = &t
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, dserrors.UserError{Message: "invalid limit: " + v})
			return
		}
		f.Limit = n
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	if _, err := e.c.Audit.Export(r.Context(), w, f); err != nil {
		e.logger.Warn("Audit export failed: %v", err)
	}
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return dserrors.UserError{Message: "invalid request body", Details: err.Error()}
	}
	return nil
}

func actorOr(actor, fallback string) string {
	if actor == "" {
		return fallback
	}
	return actor
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps an engine error to an HTTP status code.
func statusFor(err error) int {
	var user dserrors.UserError
	switch {
	case errors.Is(err, ErrJobNotFound), errors.Is(err, policy.ErrClassNotFound), errors.Is(err, approval.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNotDue), errors.Is(err, ErrJobBusy):
		return http.StatusConflict
	}
	switch dserrors.KindOf(err) {
	case dserrors.KindConflict, dserrors.KindPolicy:
		return http.StatusConflict
	}
	if errors.As(err, &user) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResponse{Error: err.Error(), Kind: dserrors.KindOf(err)})
}
