package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/ippoc-labs/ippoc/pkg/audit"
	"github.com/ippoc-labs/ippoc/pkg/autonomy"
	"github.com/ippoc-labs/ippoc/pkg/envelope"
	"github.com/ippoc-labs/ippoc/pkg/ledger"
	"github.com/ippoc-labs/ippoc/pkg/orchestrator"
	"github.com/ippoc-labs/ippoc/pkg/statefile"
)

// maxBodyBytes bounds request bodies; envelopes are small.
const maxBodyBytes = 1 << 20

const (
	defaultTimelineLimit = 50
	maxTimelineLimit     = 500
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteBadRequest(w, fmt.Sprintf("Invalid JSON body: %v", err))
		return false
	}
	return true
}

// statusForResult maps a terminal Result onto the HTTP status table:
// 402 budget, 403 security, 500 internal, 400 tool error.
func statusForResult(res envelope.Result) int {
	if res.Success {
		return http.StatusOK
	}
	switch res.ErrorCode {
	case envelope.ErrCodeBudget:
		return http.StatusPaymentRequired
	case envelope.ErrCodeSecurity:
		return http.StatusForbidden
	case envelope.ErrCodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func invocationScope(env *envelope.Envelope) string {
	return fmt.Sprintf("%s:%s", env.Domain, env.Action)
}

func validationDetail(vr *envelope.ValidationResult) string {
	msgs := make([]string, 0, len(vr.Errors))
	for _, e := range vr.Errors {
		msgs = append(msgs, fmt.Sprintf("%s: %s", e.Field, e.Message))
	}
	return "Invalid envelope: " + strings.Join(msgs, "; ")
}

// handleExecute serves POST /v1/tools/execute and its alias
// /v1/orchestrator/execute: one envelope in, one Result out.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	var env envelope.Envelope
	if !s.decodeBody(w, r, &env) {
		return
	}
	env.Normalize()
	if vr := env.Validate(); !vr.Valid {
		WriteBadRequest(w, validationDetail(vr))
		return
	}
	if _, ok := requireScope(w, r, invocationScope(&env)); !ok {
		return
	}

	res := s.deps.Orchestrator.Invoke(r.Context(), &env)
	s.writeJSON(w, statusForResult(res), res)
}

// handleExecuteBatch runs every entry concurrently and returns a result
// array parallel to the input. Entries are independent: one refusal or
// failure never affects its neighbours.
func (s *Server) handleExecuteBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	principal, ok := GetPrincipal(r.Context())
	if !ok {
		WriteUnauthorized(w, "")
		return
	}

	var envs []envelope.Envelope
	if !s.decodeBody(w, r, &envs) {
		return
	}

	results := make([]envelope.Result, len(envs))
	var wg sync.WaitGroup
	for i := range envs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			env := &envs[i]
			env.Normalize()
			if vr := env.Validate(); !vr.Valid {
				results[i] = envelope.Refusal(envelope.ErrCodeTool, validationDetail(vr))
				return
			}
			if !principal.Can(invocationScope(env)) {
				results[i] = envelope.Refusal(envelope.ErrCodeSecurity,
					fmt.Sprintf("scope %q required", invocationScope(env)))
				return
			}
			results[i] = s.deps.Orchestrator.Invoke(r.Context(), env)
		}(i)
	}
	wg.Wait()

	s.writeJSON(w, http.StatusOK, results)
}

// handleExecuteAsync enqueues the envelope and returns 202 with the
// execution id; the row is already durable when the response is written.
func (s *Server) handleExecuteAsync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	var env envelope.Envelope
	if !s.decodeBody(w, r, &env) {
		return
	}
	env.Normalize()
	if vr := env.Validate(); !vr.Valid {
		WriteBadRequest(w, validationDetail(vr))
		return
	}
	if _, ok := requireScope(w, r, invocationScope(&env)); !ok {
		return
	}

	executionID, err := s.deps.Orchestrator.InvokeAsync(r.Context(), &env)
	if err != nil {
		var vf *orchestrator.ValidationFailedError
		switch {
		case errors.As(err, &vf):
			WriteBadRequest(w, vf.Error())
		case errors.Is(err, orchestrator.ErrQueueFull):
			WriteServiceUnavailable(w, "Execution queue is full", 5)
		default:
			WriteInternal(w, err)
		}
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"execution_id": executionID,
		"status":       string(ledger.StatusQueued),
	})
}

// handleExecutionsRouter dispatches /v1/orchestrator/executions/{id} and
// /v1/orchestrator/executions/{id}/cancel.
func (s *Server) handleExecutionsRouter(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/orchestrator/executions/")
	if rest == "" {
		WriteNotFound(w, "Execution id is required")
		return
	}

	if id, found := strings.CutSuffix(rest, "/cancel"); found {
		s.handleExecutionCancel(w, r, id)
		return
	}
	if strings.Contains(rest, "/") {
		WriteNotFound(w, "Unknown endpoint")
		return
	}
	s.handleExecutionGet(w, r, rest)
}

func (s *Server) handleExecutionGet(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	if _, ok := requireScope(w, r, "orchestrator:read"); !ok {
		return
	}

	rec, err := s.deps.Ledger.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			WriteNotFound(w, fmt.Sprintf("No execution %q", id))
			return
		}
		WriteInternal(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleExecutionCancel(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	if _, ok := requireScope(w, r, "orchestrator:write"); !ok {
		return
	}

	rec, err := s.deps.Orchestrator.Cancel(r.Context(), id)
	switch {
	case errors.Is(err, orchestrator.ErrTerminal):
		WriteConflict(w, fmt.Sprintf("Execution is already %s", rec.Status))
	case errors.Is(err, ledger.ErrNotFound):
		WriteNotFound(w, fmt.Sprintf("No execution %q", id))
	case err != nil:
		WriteInternal(w, err)
	default:
		s.writeJSON(w, http.StatusOK, rec)
	}
}

// handleTimeline serves GET /v1/orchestrator/timeline?limit=N.
func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	if _, ok := requireScope(w, r, "orchestrator:read"); !ok {
		return
	}

	limit := defaultTimelineLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			WriteBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > maxTimelineLimit {
		limit = maxTimelineLimit
	}

	rows, err := s.deps.Ledger.ListRecent(r.Context(), limit)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if rows == nil {
		rows = []*ledger.Record{}
	}
	s.writeJSON(w, http.StatusOK, rows)
}

// handleBudget serves GET /v1/orchestrator/budget.
func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	if _, ok := requireScope(w, r, "economy:read"); !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Economy.Snapshot())
}

// handleExplainLatest serves GET /v1/orchestrator/explain/latest.
func (s *Server) handleExplainLatest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	if _, ok := requireScope(w, r, "orchestrator:read"); !ok {
		return
	}

	rep, err := autonomy.LatestExplanation(s.deps.ExplainPath)
	if err != nil {
		if errors.Is(err, statefile.ErrNotExist) {
			WriteNotFound(w, "No autonomy cycle has completed yet")
			return
		}
		WriteInternal(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rep)
}

// handleAuditVerify walks the live audit segment server-side and reports
// chain integrity. A missing log is trivially valid; a chain break or an
// unreadable entry is a verification failure, not a server error.
func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	if _, ok := requireScope(w, r, "orchestrator:read"); !ok {
		return
	}

	f, err := os.Open(s.deps.AuditPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.writeJSON(w, http.StatusOK, audit.Report{Valid: true})
			return
		}
		WriteInternal(w, err)
		return
	}
	defer f.Close()

	rep, err := audit.Verify(f, s.deps.AuditKey)
	if err != nil {
		rep = audit.Report{Valid: false, Reason: err.Error()}
	}
	s.writeJSON(w, http.StatusOK, rep)
}

// handleHealth serves GET /healthz.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.deps.Version,
	})
}

// handleReady serves GET /readyz: 200 only once startup finished, the
// ledger answers, and shutdown has not begun.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	if !s.ready.Load() {
		WriteServiceUnavailable(w, "Server is not ready", 5)
		return
	}
	if err := s.deps.Ledger.Ping(r.Context()); err != nil {
		WriteServiceUnavailable(w, "Ledger is unreachable", 5)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
