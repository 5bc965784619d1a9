package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dshills/skillflow/checkpoint"
	"github.com/dshills/skillflow/event"
	"github.com/dshills/skillflow/run"
)

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func (s *Server) handleAdminListRuns(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.URL.Query().Get("workspace_id")
	limit := queryInt(r, "limit", 100)
	runs, err := s.runs.List(r.Context(), workspaceID, limit)
	if err != nil {
		fail(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// runDetail is the admin view of one run: metadata plus the full
// durable trail.
type runDetail struct {
	Metadata    *run.Metadata            `json:"metadata"`
	Checkpoints []*checkpoint.Checkpoint `json:"checkpoints,omitempty"`
	Logs        []event.LogLine          `json:"logs,omitempty"`
	UIEvents    []event.UIEvent          `json:"ui_events,omitempty"`
}

func (s *Server) handleAdminGetRun(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "thread_id")
	meta, err := s.runs.Get(r.Context(), threadID)
	if err != nil {
		fail(w, err, http.StatusInternalServerError)
		return
	}
	detail := runDetail{Metadata: meta}

	limit := queryInt(r, "checkpoint_limit", 0)
	cps, err := s.checkpoints.List(r.Context(), threadID, limit)
	if err != nil {
		fail(w, err, http.StatusInternalServerError)
		return
	}
	detail.Checkpoints = cps

	if sink := s.bus.Sink(); sink != nil {
		if detail.Logs, err = sink.Logs(r.Context(), threadID); err != nil {
			fail(w, err, http.StatusInternalServerError)
			return
		}
		if detail.UIEvents, err = sink.UIEvents(r.Context(), threadID); err != nil {
			fail(w, err, http.StatusInternalServerError)
			return
		}
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleAdminDeleteRun(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "thread_id")
	if err := s.runs.DeleteRun(r.Context(), threadID); err != nil {
		fail(w, err, http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdminListErrors(w http.ResponseWriter, r *http.Request) {
	unresolvedOnly := r.URL.Query().Get("unresolved") == "true"
	limit := queryInt(r, "limit", 100)
	recs, err := s.errors.List(r.Context(), unresolvedOnly, limit)
	if err != nil {
		fail(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

type resolveRequest struct {
	ResolvedBy string `json:"resolved_by,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

func (s *Server) handleAdminResolveError(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.ResolvedBy == "" {
		req.ResolvedBy = callerFrom(r).UserID
	}
	if err := s.errors.Resolve(r.Context(), chi.URLParam(r, "id"), req.ResolvedBy, req.Notes); err != nil {
		fail(w, err, http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
