package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dshills/skillflow/skill"
)

// handleListSkills returns every skill visible to the caller's
// workspace: global filesystem skills, the workspace's own, and public
// dynamic skills.
func (s *Server) handleListSkills(w http.ResponseWriter, r *http.Request) {
	id := callerFrom(r)
	writeJSON(w, http.StatusOK, s.registry.ForWorkspace(id.WorkspaceID))
}

func (s *Server) handleGetSkill(w http.ResponseWriter, r *http.Request) {
	id := callerFrom(r)
	module := chi.URLParam(r, "module")
	sk, ok := s.registry.GetByModule(module)
	if !ok || !skillVisible(sk, id) {
		writeError(w, http.StatusNotFound, "skill not found: "+module)
		return
	}
	writeJSON(w, http.StatusOK, sk)
}

// skillVisible mirrors the registry's workspace scoping for a direct
// module lookup.
func skillVisible(sk *skill.Skill, id identity) bool {
	if id.Admin || sk.IsPublic || sk.WorkspaceID == "" {
		return true
	}
	return sk.WorkspaceID == id.WorkspaceID
}

func (s *Server) handleCreateSkill(w http.ResponseWriter, r *http.Request) {
	id := callerFrom(r)
	var sk skill.Skill
	if err := json.NewDecoder(r.Body).Decode(&sk); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	sk.ID = ""
	sk.WorkspaceID = id.WorkspaceID
	sk.OwnerID = id.UserID

	saved, err := s.registry.Save(r.Context(), &sk)
	if err != nil {
		fail(w, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleUpdateSkill(w http.ResponseWriter, r *http.Request) {
	var sk skill.Skill
	if err := json.NewDecoder(r.Body).Decode(&sk); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	sk.ID = chi.URLParam(r, "id")

	saved, err := s.registry.Save(r.Context(), &sk)
	if err != nil {
		fail(w, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleDeleteSkill(w http.ResponseWriter, r *http.Request) {
	id := callerFrom(r)
	skillID := chi.URLParam(r, "id")
	if err := s.registry.Delete(r.Context(), skillID, id.WorkspaceID); err != nil {
		fail(w, err, http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
