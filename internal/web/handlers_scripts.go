package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"

	"zigbee-toolkit/internal/automation"
)

type scriptView struct {
	*automation.Script
	Running bool `json:"running"`
}

type saveScriptRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Code        string `json:"code"`
	Enabled     bool   `json:"enabled"`
}

type runCodeRequest struct {
	Code string `json:"code"`
}

// scriptsAvailable writes 404 when the server runs without scripting.
func (s *Server) scriptsAvailable(w http.ResponseWriter) bool {
	if s.scriptMgr == nil || s.autoEngine == nil {
		s.writeJSON(w, http.StatusNotFound, errorBody{Error: "scripting is not enabled"})
		return false
	}
	return true
}

func (s *Server) scriptError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, automation.ErrScriptNotFound):
		s.writeJSON(w, http.StatusNotFound, errorBody{Error: "script not found"})
	case errors.Is(err, automation.ErrDisabled):
		s.writeJSON(w, http.StatusNotImplemented, errorBody{Error: err.Error(), Code: "unsupported"})
	default:
		s.internalError(w, op, err)
	}
}

func (s *Server) handleAPIListScripts(w http.ResponseWriter, r *http.Request) {
	if !s.scriptsAvailable(w) {
		return
	}
	scripts, err := s.scriptMgr.List()
	if err != nil {
		s.scriptError(w, "list scripts", err)
		return
	}
	running := s.autoEngine.Running()
	out := make([]scriptView, 0, len(scripts))
	for _, sc := range scripts {
		out = append(out, scriptView{Script: sc, Running: slices.Contains(running, sc.ID)})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAPIGetScript(w http.ResponseWriter, r *http.Request) {
	if !s.scriptsAvailable(w) {
		return
	}
	sc, err := s.scriptMgr.Get(r.PathValue("id"))
	if err != nil {
		s.scriptError(w, "get script", err)
		return
	}
	s.writeJSON(w, http.StatusOK, scriptView{Script: sc, Running: slices.Contains(s.autoEngine.Running(), sc.ID)})
}

func (s *Server) decodeScript(w http.ResponseWriter, r *http.Request) (*saveScriptRequest, bool) {
	var req saveScriptRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body", Code: "invalid_data"})
		return nil, false
	}
	if req.Name == "" {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "name is required", Code: "invalid_data"})
		return nil, false
	}
	return &req, true
}

func (s *Server) saveScript(w http.ResponseWriter, id string, req *saveScriptRequest, status int) {
	sc, err := s.scriptMgr.Save(&automation.Script{
		ID: id,
		Meta: automation.ScriptMeta{
			Name:        req.Name,
			Description: req.Description,
			Enabled:     req.Enabled,
		},
		Code: req.Code,
	})
	if err != nil {
		s.scriptError(w, "save script", err)
		return
	}
	if err := s.autoEngine.ReloadScript(sc.ID); err != nil {
		s.logger.Warn("script saved but failed to start", "id", sc.ID, "err", err)
	}
	s.writeJSON(w, status, scriptView{Script: sc, Running: slices.Contains(s.autoEngine.Running(), sc.ID)})
}

func (s *Server) handleAPICreateScript(w http.ResponseWriter, r *http.Request) {
	if !s.scriptsAvailable(w) {
		return
	}
	if req, ok := s.decodeScript(w, r); ok {
		s.saveScript(w, "", req, http.StatusCreated)
	}
}

func (s *Server) handleAPIUpdateScript(w http.ResponseWriter, r *http.Request) {
	if !s.scriptsAvailable(w) {
		return
	}
	id := r.PathValue("id")
	if _, err := s.scriptMgr.Get(id); err != nil {
		s.scriptError(w, "get script", err)
		return
	}
	if req, ok := s.decodeScript(w, r); ok {
		s.saveScript(w, id, req, http.StatusOK)
	}
}

func (s *Server) handleAPIDeleteScript(w http.ResponseWriter, r *http.Request) {
	if !s.scriptsAvailable(w) {
		return
	}
	id := r.PathValue("id")
	s.autoEngine.StopScript(id)
	if err := s.scriptMgr.Delete(id); err != nil {
		s.scriptError(w, "delete script", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleAPIRunScript(w http.ResponseWriter, r *http.Request) {
	if !s.scriptsAvailable(w) {
		return
	}
	id := r.PathValue("id")
	if _, err := s.scriptMgr.Get(id); err != nil {
		s.scriptError(w, "get script", err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.autoEngine.RunScript(id))
}

func (s *Server) handleAPIRunCode(w http.ResponseWriter, r *http.Request) {
	if !s.scriptsAvailable(w) {
		return
	}
	var req runCodeRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "code is required", Code: "invalid_data"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.autoEngine.RunCode(req.Code))
}
