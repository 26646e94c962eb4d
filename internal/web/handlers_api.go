package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"zigbee-toolkit/internal/store"
	"zigbee-toolkit/internal/toolkit"
	"zigbee-toolkit/internal/zigbee"
)

const maxBody = 1 << 20

// statusFor maps a dispatch error code to an HTTP status.
func statusFor(code string) int {
	switch code {
	case "invalid_data", "missing_ieee":
		return http.StatusBadRequest
	case "unknown_command", "device_not_found":
		return http.StatusNotFound
	case "unsupported":
		return http.StatusNotImplemented
	case "timeout":
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

type executeResponse struct {
	Success bool            `json:"success"`
	Result  *toolkit.Result `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
}

func (s *Server) handleAPIExecute(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		s.writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded", Code: "rate_limited"})
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body", Code: "invalid_data"})
		return
	}
	req, err := toolkit.ParseRequest(raw)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: toolkit.ErrorCode(err)})
		return
	}
	req.Origin = "http"

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	res, err := s.router.Dispatch(ctx, req)
	if err != nil {
		code := toolkit.ErrorCode(err)
		s.writeJSON(w, statusFor(code), executeResponse{Result: res, Error: err.Error(), Code: code})
		return
	}
	s.writeJSON(w, http.StatusOK, executeResponse{Success: true, Result: res})
}

func (s *Server) handleAPICommands(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.router.Commands())
}

func (s *Server) handleAPIListExecutions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a positive integer"})
			return
		}
		limit = min(n, 1000)
	}
	list, err := s.coord.Store().ListExecutions(limit)
	if err != nil {
		s.internalError(w, "list executions", err)
		return
	}
	if list == nil {
		list = []*store.Execution{}
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleAPIGetExecution(w http.ResponseWriter, r *http.Request) {
	e, err := s.coord.Store().GetExecution(r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeJSON(w, http.StatusNotFound, errorBody{Error: "execution not found"})
		return
	}
	if err != nil {
		s.internalError(w, "get execution", err)
		return
	}
	s.writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.coord.Devices()
	if err != nil {
		s.internalError(w, "list devices", err)
		return
	}
	if devices == nil {
		devices = []*store.Device{}
	}
	s.writeJSON(w, http.StatusOK, devices)
}

// lookupDevice resolves the {ref} path value: an IEEE address, a short
// address or a friendly name.
func (s *Server) lookupDevice(w http.ResponseWriter, r *http.Request) (zigbee.IEEE, *store.Device, bool) {
	ieee, err := s.coord.ResolveIEEE(r.Context(), r.PathValue("ref"))
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, errorBody{Error: "device not found", Code: "device_not_found"})
		return zigbee.IEEE{}, nil, false
	}
	dev, err := s.coord.Device(ieee)
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, errorBody{Error: "device not found", Code: "device_not_found"})
		return zigbee.IEEE{}, nil, false
	}
	return ieee, dev, true
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	if _, dev, ok := s.lookupDevice(w, r); ok {
		s.writeJSON(w, http.StatusOK, dev)
	}
}

type renameDeviceRequest struct {
	FriendlyName string `json:"friendly_name"`
}

func (s *Server) handleAPIRenameDevice(w http.ResponseWriter, r *http.Request) {
	ieee, _, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}

	var req renameDeviceRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body", Code: "invalid_data"})
		return
	}

	var updated *store.Device
	err := s.coord.Store().UpdateDevice(ieee.String(), func(d *store.Device) error {
		d.FriendlyName = req.FriendlyName
		updated = d
		return nil
	})
	if err != nil {
		s.internalError(w, "rename device", err)
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleAPIDeleteDevice(w http.ResponseWriter, r *http.Request) {
	ieee, _, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}
	if err := s.coord.DeviceManager().RemoveDevice(ieee.String()); err != nil {
		s.internalError(w, "remove device", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "ieee": ieee.String()})
}

func (s *Server) handleAPIListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.coord.Store().ListGroups()
	if err != nil {
		s.internalError(w, "list groups", err)
		return
	}
	if groups == nil {
		groups = []*store.Group{}
	}
	s.writeJSON(w, http.StatusOK, groups)
}

func (s *Server) handleAPINetworkInfo(w http.ResponseWriter, r *http.Request) {
	info := s.coord.NetworkInfo()
	if devices, err := s.coord.Devices(); err == nil {
		info["device_count"] = len(devices)
	}
	s.writeJSON(w, http.StatusOK, info)
}

type permitJoinRequest struct {
	Duration uint8  `json:"duration"`
	Via      string `json:"via,omitempty"`
}

func (s *Server) handleAPIPermitJoin(w http.ResponseWriter, r *http.Request) {
	req := permitJoinRequest{Duration: 254}
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body", Code: "invalid_data"})
		return
	}

	var via zigbee.IEEE
	if req.Via != "" {
		ieee, err := s.coord.ResolveIEEE(r.Context(), req.Via)
		if err != nil {
			s.writeJSON(w, http.StatusNotFound, errorBody{Error: "device not found", Code: "device_not_found"})
			return
		}
		via = ieee
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	if err := s.coord.PermitJoin(ctx, req.Duration, via); err != nil {
		code := toolkit.ErrorCode(err)
		s.writeJSON(w, statusFor(code), errorBody{Error: err.Error(), Code: code})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "duration": req.Duration})
}

// handleAPIArtifacts lists artifacts of a kind, or returns the newest one
// for ?subject=.
func (s *Server) handleAPIArtifacts(w http.ResponseWriter, r *http.Request) {
	kind := r.PathValue("kind")
	switch kind {
	case store.ArtifactScan, store.ArtifactTopology, store.ArtifactBackup, store.ArtifactNVRAM:
	default:
		s.writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown artifact kind"})
		return
	}

	if subject := r.URL.Query().Get("subject"); subject != "" {
		a, err := s.coord.Store().LatestArtifact(kind, subject)
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, errorBody{Error: "artifact not found"})
			return
		}
		if err != nil {
			s.internalError(w, "latest artifact", err)
			return
		}
		s.writeJSON(w, http.StatusOK, a)
		return
	}

	list, err := s.coord.Store().ListArtifacts(kind)
	if err != nil {
		s.internalError(w, "list artifacts", err)
		return
	}
	if list == nil {
		list = []*store.Artifact{}
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleAPISchedules(w http.ResponseWriter, r *http.Request) {
	if s.schedules == nil {
		s.writeJSON(w, http.StatusOK, []struct{}{})
		return
	}
	s.writeJSON(w, http.StatusOK, s.schedules.Entries())
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error(op, "err", err)
	s.writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal server error"})
}
