package web

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"adslink/config"
	"adslink/logging"
)

// Config entity endpoints edit the entities section of the config file.
// Changes are persisted immediately; the running entity set is rebuilt
// from the file on the next restart.

// handleConfigEntities lists the configured entities.
func (s *Server) handleConfigEntities(w http.ResponseWriter, r *http.Request) {
	s.config.Lock()
	entities := make([]config.EntityConfig, len(s.config.Entities))
	copy(entities, s.config.Entities)
	s.config.Unlock()

	s.writeJSON(w, entities)
}

// handleConfigEntityAdd appends a new entity to the config.
func (s *Server) handleConfigEntityAdd(w http.ResponseWriter, r *http.Request) {
	var ec config.EntityConfig
	if err := json.NewDecoder(r.Body).Decode(&ec); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if ec.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := ec.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.config.Lock()
	if s.config.FindEntity(ec.Name) != nil {
		s.config.Unlock()
		s.writeError(w, http.StatusConflict, fmt.Sprintf("entity %q already exists", ec.Name))
		return
	}
	s.config.AddEntity(ec)
	if err := s.config.UnlockAndSave(s.configPath); err != nil {
		logging.DebugLog("web", "config save failed: %v", err)
		s.writeError(w, http.StatusInternalServerError, "failed to save config")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(ec)
}

// handleConfigEntityUpdate replaces the named entity's config.
func (s *Server) handleConfigEntityUpdate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var ec config.EntityConfig
	if err := json.NewDecoder(r.Body).Decode(&ec); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if ec.Name == "" {
		ec.Name = name
	}
	if err := ec.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.config.Lock()
	if ec.Name != name && s.config.FindEntity(ec.Name) != nil {
		s.config.Unlock()
		s.writeError(w, http.StatusConflict, fmt.Sprintf("entity %q already exists", ec.Name))
		return
	}
	if !s.config.UpdateEntity(name, ec) {
		s.config.Unlock()
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("entity %q not found", name))
		return
	}
	if err := s.config.UnlockAndSave(s.configPath); err != nil {
		logging.DebugLog("web", "config save failed: %v", err)
		s.writeError(w, http.StatusInternalServerError, "failed to save config")
		return
	}

	s.writeJSON(w, ec)
}

// handleConfigEntityDelete removes the named entity from the config.
func (s *Server) handleConfigEntityDelete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	s.config.Lock()
	if !s.config.RemoveEntity(name) {
		s.config.Unlock()
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("entity %q not found", name))
		return
	}
	if err := s.config.UnlockAndSave(s.configPath); err != nil {
		logging.DebugLog("web", "config save failed: %v", err)
		s.writeError(w, http.StatusInternalServerError, "failed to save config")
		return
	}

	s.writeJSON(w, map[string]string{"removed": name})
}
