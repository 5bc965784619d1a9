package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dshills/skillflow/run"
)

// handleStart accepts a new run. Without await_response the run is
// acknowledged immediately with 202; with it, the handler blocks until
// the run finishes or pauses and returns the full status report.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req run.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	id := callerFrom(r)
	req.UserID = id.UserID
	req.WorkspaceID = id.WorkspaceID

	meta, err := s.runs.Start(r.Context(), req)
	if err != nil {
		fail(w, err, http.StatusBadRequest)
		return
	}

	if req.AwaitResponse {
		report, err := s.runs.Status(r.Context(), meta.ThreadID, id.runUser())
		if err != nil {
			fail(w, err, http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, report)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"thread_id": meta.ThreadID,
		"run_name":  meta.RunName,
		"status":    "started",
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "thread_id")
	meta, err := s.runs.Stop(r.Context(), threadID, callerFrom(r).runUser())
	if err != nil {
		fail(w, err, http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleRerun(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "thread_id")
	meta, err := s.runs.Rerun(r.Context(), threadID, callerFrom(r).runUser())
	if err != nil {
		fail(w, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"thread_id":        meta.ThreadID,
		"parent_thread_id": meta.ParentThreadID,
		"run_name":         meta.RunName,
		"status":           "started",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "thread_id")
	report, err := s.runs.Status(r.Context(), threadID, callerFrom(r).runUser())
	if err != nil {
		fail(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleApprove resumes a run paused at human review. The body is the
// edited data store, or null/empty to approve as-is.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "thread_id")

	var edited map[string]any
	if err := json.NewDecoder(r.Body).Decode(&edited); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	meta, err := s.runs.Approve(r.Context(), threadID, callerFrom(r).runUser(), edited)
	if err != nil {
		fail(w, err, http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

// callbackRequest is the payload a remote REST service posts back.
type callbackRequest struct {
	ThreadID string         `json:"thread_id"`
	Skill    string         `json:"skill"`
	Data     map[string]any `json:"data,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// handleCallback delivers a remote result for a dispatched REST skill.
// Unauthenticated by design: the thread id plus pending-skill check is
// the shared secret, and duplicates are idempotent.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	var req callbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.ThreadID == "" || req.Skill == "" {
		writeError(w, http.StatusBadRequest, "thread_id and skill are required")
		return
	}

	var err error
	if req.Error != "" {
		err = s.runs.CallbackFailure(r.Context(), req.ThreadID, req.Skill, req.Error)
	} else {
		err = s.runs.Callback(r.Context(), req.ThreadID, req.Skill, req.Data)
	}
	if err != nil {
		fail(w, err, http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}
