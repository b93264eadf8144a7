package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"adslink/ads"
	"adslink/bridge"
	"adslink/config"
)

// StatusResponse reports the device connection state.
type StatusResponse struct {
	Device    string `json:"device"`
	State     string `json:"state"`
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
	Entities  int    `json:"entities"`
	Timestamp string `json:"timestamp"`
}

// VariableInfo describes one configured PLC variable.
type VariableInfo struct {
	Entity  string `json:"entity"`
	Channel string `json:"channel"`
	Name    string `json:"adsvar"`
	Type    string `json:"adstype"`
	PollMS  int    `json:"poll_ms,omitempty"`
}

// ReadResponse is the payload for a one-shot variable read.
type ReadResponse struct {
	Name      string      `json:"adsvar"`
	Type      string      `json:"adstype"`
	Value     interface{} `json:"value"`
	Timestamp string      `json:"timestamp"`
}

// WriteRequest is the JSON body for POST /api/v1/write.
type WriteRequest struct {
	Name         string      `json:"adsvar"`
	Type         string      `json:"adstype"`
	Value        interface{} `json:"value"`
	StringLength int         `json:"string_length,omitempty"`
}

// WriteResponse is the result of a write operation.
type WriteResponse struct {
	Name      string      `json:"adsvar"`
	Type      string      `json:"adstype"`
	Value     interface{} `json:"value"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	state := s.hub.State()
	resp := StatusResponse{
		Device:    s.config.Device.Name,
		State:     state.String(),
		Connected: state == bridge.StateConnected,
		Entities:  len(s.registry.List()),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.hub.LastError(); err != nil {
		resp.Error = err.Error()
	}
	s.writeJSON(w, resp)
}

func (s *Server) handleEntities(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.registry.Snapshots())
}

func (s *Server) handleEntity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	e, ok := s.registry.Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "entity not found")
		return
	}
	s.writeJSON(w, e.Snapshot())
}

func (s *Server) handleVariables(w http.ResponseWriter, r *http.Request) {
	vars := []VariableInfo{}
	for i := range s.config.Entities {
		vars = append(vars, entityVariables(&s.config.Entities[i])...)
	}
	s.writeJSON(w, vars)
}

// entityVariables lists every PLC variable an entity entry binds,
// including auxiliary channels like brightness and position.
func entityVariables(e *config.EntityConfig) []VariableInfo {
	var out []VariableInfo
	add := func(channel, name string, t ads.Type) {
		if name == "" {
			return
		}
		out = append(out, VariableInfo{
			Entity:  e.Name,
			Channel: channel,
			Name:    name,
			Type:    t.String(),
			PollMS:  e.PollMS,
		})
	}

	if t, err := e.AdsType(); err == nil {
		add("state", e.Var, t)
	}

	bt := ads.TypeByte
	if e.BrightnessType != "" {
		if t, ok := ads.ParseType(e.BrightnessType); ok {
			bt = t
		}
	}
	add("brightness", e.BrightnessVar, bt)
	add("position", e.PositionVar, ads.TypeInt)
	add("set_position", e.SetPositionVar, ads.TypeInt)
	add("open", e.OpenVar, ads.TypeBool)
	add("close", e.CloseVar, ads.TypeBool)
	add("stop", e.StopVar, ads.TypeBool)
	return out
}

func (s *Server) handleReadVariable(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	typeName := r.URL.Query().Get("type")
	if typeName == "" {
		typeName = "int"
	}
	t, ok := ads.ParseType(typeName)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "unknown adstype: "+typeName)
		return
	}

	spec := ads.VariableSpec{Name: name, Type: t}
	v, err := s.hub.Read(spec)
	if err != nil {
		s.writeReadError(w, err)
		return
	}

	s.writeJSON(w, ReadResponse{
		Name:      name,
		Type:      t.String(),
		Value:     v.Interface(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	var req WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	if req.Name == "" {
		s.writeWriteError(w, req, http.StatusBadRequest, "adsvar is required")
		return
	}
	if req.Type == "" {
		req.Type = "int"
	}
	t, ok := ads.ParseType(req.Type)
	if !ok {
		s.writeWriteError(w, req, http.StatusBadRequest, "unknown adstype: "+req.Type)
		return
	}

	v, err := ads.NewValue(t, req.Value)
	if err != nil {
		s.writeWriteError(w, req, http.StatusBadRequest, err.Error())
		return
	}

	spec := ads.VariableSpec{Name: req.Name, Type: t, StringLength: req.StringLength}

	// Write in a goroutine with a timeout so a wedged transport cannot
	// hold the request open.
	resultChan := make(chan error, 1)
	go func() {
		resultChan <- s.hub.Write(spec, v)
	}()

	var writeErr error
	select {
	case writeErr = <-resultChan:
	case <-time.After(3 * time.Second):
		writeErr = errors.New("write timeout: device did not respond within 3 seconds")
	}

	if writeErr != nil {
		s.writeWriteError(w, req, writeStatus(writeErr), writeErr.Error())
		return
	}

	s.writeJSON(w, WriteResponse{
		Name:      req.Name,
		Type:      t.String(),
		Value:     req.Value,
		Success:   true,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// writeStatus maps bridge errors to HTTP status codes.
func writeStatus(err error) int {
	var se *bridge.SymbolError
	var ce *ads.CodecError
	switch {
	case errors.As(err, &ce):
		return http.StatusBadRequest
	case bridge.IsConnectionError(err, bridge.ConnNotConnected):
		return http.StatusServiceUnavailable
	case errors.As(err, &se):
		return http.StatusNotFound
	case bridge.IsConnectionError(err, bridge.ConnTimeout):
		return http.StatusGatewayTimeout
	case bridge.IsConnectionError(err, bridge.ConnUnreachable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeReadError(w http.ResponseWriter, err error) {
	s.writeError(w, writeStatus(err), err.Error())
}

func (s *Server) writeWriteError(w http.ResponseWriter, req WriteRequest, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(WriteResponse{
		Name:      req.Name,
		Type:      req.Type,
		Value:     req.Value,
		Success:   false,
		Error:     msg,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
