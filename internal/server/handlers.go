package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/michaelbrown/crucible/internal/executor"
	"github.com/michaelbrown/crucible/internal/storage"
)

var executionIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// --- Result presentation ---

// publicExecution applies Result.Public to a stored record.
func publicExecution(e *storage.Execution) *storage.Execution {
	out := *e
	if out.Stage == executor.StageExecution && out.Error != "" {
		out.Error = executor.PublicExecutionError(out.TimedOut)
	}
	return &out
}

type executionResponse struct {
	ID     string          `json:"id"`
	Result executor.Result `json:"result"`
}

// --- Execution pipeline ---

var (
	errAlreadyRunning  = errors.New("execution already running")
	errAlreadyRecorded = errors.New("execution id already in history")
)

// runSubmission executes source under id, records the outcome, and checks
// the client's violation budget. An id that is running or already recorded
// is refused before anything runs.
func (s *Server) runSubmission(ctx context.Context, id, client, source string) (executor.Result, error) {
	runCtx, done, err := s.inflight.Start(ctx, id, client)
	if err != nil {
		return executor.Result{}, fmt.Errorf("%w: %s", errAlreadyRunning, id)
	}
	exists, err := s.store.HasExecution(ctx, id)
	if err != nil {
		done()
		return executor.Result{}, fmt.Errorf("checking execution id: %w", err)
	}
	if exists {
		done()
		return executor.Result{}, fmt.Errorf("%w: %s", errAlreadyRecorded, id)
	}
	res := s.runner.Execute(runCtx, source)
	done()

	s.logger.Info("execution finished",
		"id", id, "client", client, "stage", res.Stage, "success", res.Success,
		"exit_code", res.ExitCode, "elapsed", res.ExecutionTime)

	// Record even if the client went away mid-run.
	recordCtx := context.WithoutCancel(ctx)
	if err := s.store.RecordExecution(recordCtx, storage.NewExecution(id, client, source, res)); err != nil {
		s.logger.Error("failed to record execution", "id", id, "error", err)
	}
	if res.Stage == executor.StageValidation {
		s.checkViolations(recordCtx, client)
	}
	return res, nil
}

// --- Execution handlers ---

type createExecutionRequest struct {
	Code string `json:"code"`
	ID   string `json:"id,omitempty"`
}

func (s *Server) handleCreateExecution(w http.ResponseWriter, r *http.Request) {
	// JSON escaping can double the source; leave room for the envelope.
	r.Body = http.MaxBytesReader(w, r.Body, int64(s.cfg.Limits.MaxCodeSize)*2+64*1024)

	var req createExecutionRequest
	if err := decodeJSON(r, &req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	} else if !executionIDRe.MatchString(id) {
		writeError(w, http.StatusBadRequest, "id must be 1-64 letters, digits, '-' or '_'")
		return
	}

	res, err := s.runSubmission(r.Context(), id, clientKey(r), req.Code)
	if err != nil {
		if errors.Is(err, errAlreadyRunning) || errors.Is(err, errAlreadyRecorded) {
			writeError(w, http.StatusConflict, err.Error())
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, executionResponse{ID: id, Result: res.Public()})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	opts := storage.ListOptions{
		Stage:  executor.Stage(r.URL.Query().Get("stage")),
		Client: r.URL.Query().Get("client"),
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			opts.Limit = n
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil {
			opts.Offset = n
		}
	}

	executions, err := s.store.ListExecutions(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]*storage.Execution, 0, len(executions))
	for i := range executions {
		out = append(out, publicExecution(&executions[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListRunning(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.inflight.List())
}

func (s *Server) lookupExecution(w http.ResponseWriter, r *http.Request) (*storage.Execution, bool) {
	e, err := s.store.GetExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "execution not found")
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return nil, false
	}
	return e, true
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookupExecution(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, publicExecution(e))
}

func (s *Server) handleDeleteExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.store.DeleteExecution(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "execution not found")
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExportExecution(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookupExecution(w, r)
	if !ok {
		return
	}

	format := r.URL.Query().Get("format")
	data, contentType, err := storage.Export(publicExecution(e), format)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.inflight.Cancel(id) {
		writeError(w, http.StatusNotFound, "execution not running")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.health(r.Context())
	status := http.StatusOK
	if !report.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}
