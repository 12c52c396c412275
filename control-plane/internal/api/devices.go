package api

import (
	"errors"
	"net/http"

	"github.com/pilot-net/beatmon/control-plane/internal/present"
	"github.com/pilot-net/beatmon/control-plane/internal/registry"
)

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, present.Devices(s.registry.ListDevices()))
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	snap, err := s.registry.GetDevice(r.PathValue("name"))
	if errors.Is(err, registry.ErrDeviceNotFound) {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid device name")
		return
	}
	s.writeJSON(w, http.StatusOK, present.Device(snap))
}

func (s *Server) handleDeviceActivity(w http.ResponseWriter, r *http.Request) {
	if s.activity == nil {
		s.writeError(w, http.StatusServiceUnavailable, "activity log not configured")
		return
	}

	name := r.PathValue("name")
	events, err := s.activity.Recent(r.Context(), name, queryLimit(r))
	if err != nil {
		s.logger.Error("get device activity failed", "device", name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get device activity")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"device_name": name,
		"events":      events,
		"count":       len(events),
	})
}
