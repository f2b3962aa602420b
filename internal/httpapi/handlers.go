package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"testdeck/internal/config"
	"testdeck/internal/run"
	"testdeck/internal/schedule"
	"testdeck/internal/storage"
	logx "testdeck/pkg/logx"
)

type createRunRequest struct {
	ExecType      string `json:"execType"`
	Script        string `json:"script,omitempty"`
	ScriptRef     string `json:"scriptRef,omitempty"`
	Target        string `json:"target,omitempty"`
	TestID        string `json:"testId,omitempty"`
	RequirementID string `json:"requirementId,omitempty"`
	Timeout       string `json:"timeout,omitempty"`
}

type runResponse struct {
	ID            string   `json:"id"`
	OwnerKind     string   `json:"ownerKind,omitempty"`
	OwnerID       string   `json:"ownerId,omitempty"`
	TestID        string   `json:"testId,omitempty"`
	RequirementID string   `json:"requirementId,omitempty"`
	ExecType      string   `json:"execType"`
	Status        string   `json:"status"`
	Output        []string `json:"output"`
	ReportURL     string   `json:"reportUrl,omitempty"`
	ErrorDetails  string   `json:"errorDetails,omitempty"`
	CreatedAt     string   `json:"createdAt,omitempty"`
	StartedAt     string   `json:"startedAt,omitempty"`
	CompletedAt   string   `json:"completedAt,omitempty"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "run creation rate limit exceeded")
		return
	}

	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	timeout, err := config.ParseDurationOrDefault("timeout", req.Timeout, 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid timeout")
		return
	}

	id, err := s.pool.Dispatch(r.Context(), run.Request{
		ExecType:      req.ExecType,
		Script:        req.Script,
		ScriptRef:     req.ScriptRef,
		Target:        req.Target,
		TestID:        req.TestID,
		RequirementID: req.RequirementID,
		Timeout:       timeout,
	})
	switch {
	case err == nil:
	case errors.Is(err, run.ErrInvalidType), errors.Is(err, run.ErrInvalidScript):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, run.ErrQueueFull), errors.Is(err, run.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	default:
		s.log.Error("dispatch failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to create run")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":     id,
		"status": string(run.StatusQueued),
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if snap, ok := s.tracker.Snapshot(id); ok {
		writeJSON(w, http.StatusOK, snapshotResponse(snap))
		return
	}
	rec, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.log.Error("load run failed", logx.String("run", id), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, recordResponse(rec))
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	ok, msg := s.coord.Cancel(chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, map[string]any{
		"success": ok,
		"message": msg,
	})
}

type scheduleRequest struct {
	OwnerKind  string `json:"ownerKind"`
	OwnerID    string `json:"ownerId"`
	CronExpr   string `json:"cronExpr"`
	Enabled    bool   `json:"enabled"`
	RetryLimit int    `json:"retryLimit,omitempty"`
	ExecType   string `json:"execType"`
	ScriptRef  string `json:"scriptRef"`
	Target     string `json:"target,omitempty"`
}

func (s *Server) handlePutSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.registry.Validate(req.CronExpr); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !run.ValidType(req.ExecType) {
		writeError(w, http.StatusBadRequest, "unknown execution type")
		return
	}

	def := storage.ScheduleDefinition{
		ID:         id,
		OwnerKind:  req.OwnerKind,
		OwnerID:    req.OwnerID,
		CronExpr:   req.CronExpr,
		Enabled:    req.Enabled,
		RetryLimit: req.RetryLimit,
		ExecType:   req.ExecType,
		ScriptRef:  req.ScriptRef,
		Target:     req.Target,
		UpdatedAt:  time.Now(),
	}
	if err := s.store.UpsertSchedule(r.Context(), def); err != nil {
		s.log.Error("persist schedule failed", logx.String("schedule", id), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to persist schedule")
		return
	}
	if err := s.registry.Register(r.Context(), def); err != nil {
		// The definition is stored; an invalid expression only means no
		// live timer. Validate above makes this unlikely.
		if errors.Is(err, schedule.ErrScheduleInvalid) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error("register schedule failed", logx.String("schedule", id), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to register schedule")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      id,
		"enabled": def.Enabled,
	})
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteSchedule(r.Context(), id); err != nil {
		s.log.Error("delete schedule failed", logx.String("schedule", id), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to delete schedule")
		return
	}
	s.registry.Unregister(id)
	w.WriteHeader(http.StatusNoContent)
}

type coverageResponse struct {
	Status          string `json:"status"`
	LinkedTestCount int    `json:"linkedTestCount"`
	PassedTestCount int    `json:"passedTestCount"`
	FailedTestCount int    `json:"failedTestCount"`
	EvaluatedAt     string `json:"evaluatedAt,omitempty"`
}

func (s *Server) handleGetCoverage(w http.ResponseWriter, r *http.Request) {
	snap, err := s.cov.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.log.Error("coverage lookup failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to compute coverage")
		return
	}
	writeJSON(w, http.StatusOK, toCoverageResponse(snap))
}

func (s *Server) handleLinkTest(w http.ResponseWriter, r *http.Request) {
	reqID, testID := chi.URLParam(r, "id"), chi.URLParam(r, "testId")
	snap, err := s.cov.Link(r.Context(), reqID, testID)
	if err != nil {
		s.log.Error("link test failed", logx.String("requirement", reqID), logx.String("test", testID), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to link test")
		return
	}
	writeJSON(w, http.StatusOK, toCoverageResponse(snap))
}

func (s *Server) handleUnlinkTest(w http.ResponseWriter, r *http.Request) {
	reqID, testID := chi.URLParam(r, "id"), chi.URLParam(r, "testId")
	snap, err := s.cov.Unlink(r.Context(), reqID, testID)
	if err != nil {
		s.log.Error("unlink test failed", logx.String("requirement", reqID), logx.String("test", testID), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to unlink test")
		return
	}
	writeJSON(w, http.StatusOK, toCoverageResponse(snap))
}

// ---- response shaping ----

func snapshotResponse(r run.Run) runResponse {
	return runResponse{
		ID:            r.ID,
		OwnerKind:     r.OwnerKind,
		OwnerID:       r.OwnerID,
		TestID:        r.TestID,
		RequirementID: r.RequirementID,
		ExecType:      r.ExecType,
		Status:        string(r.Status),
		Output:        r.Output,
		ReportURL:     r.ReportURL,
		ErrorDetails:  r.ErrorDetails,
		CreatedAt:     fmtTime(r.CreatedAt),
		StartedAt:     fmtTime(r.StartedAt),
		CompletedAt:   fmtTime(r.CompletedAt),
	}
}

func recordResponse(rec storage.RunRecord) runResponse {
	var output []string
	if rec.Output != "" {
		output = strings.Split(rec.Output, "\n")
	}
	return runResponse{
		ID:            rec.ID,
		OwnerKind:     rec.OwnerKind,
		OwnerID:       rec.OwnerID,
		TestID:        rec.TestID,
		RequirementID: rec.RequirementID,
		ExecType:      rec.ExecType,
		Status:        rec.Status,
		Output:        output,
		ReportURL:     rec.ReportURL,
		ErrorDetails:  rec.ErrorDetails,
		CreatedAt:     fmtTime(rec.CreatedAt),
		StartedAt:     fmtTime(rec.StartedAt),
		CompletedAt:   fmtTime(rec.CompletedAt),
	}
}

func toCoverageResponse(snap storage.CoverageSnapshot) coverageResponse {
	return coverageResponse{
		Status:          snap.Status,
		LinkedTestCount: snap.LinkedTestCount,
		PassedTestCount: snap.PassedCount,
		FailedTestCount: snap.FailedCount,
		EvaluatedAt:     fmtTime(snap.EvaluatedAt),
	}
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
