package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/pilot-net/beatmon/control-plane/internal/config"
	"github.com/pilot-net/beatmon/control-plane/internal/present"
	"github.com/pilot-net/beatmon/control-plane/internal/registry"
)

// handleBeat records a beat and answers with the device's beat count.
// A Timestamp header (epoch milliseconds) overrides the server clock; a beat
// not newer than the last one is reported with X-Beat-Accepted: false.
func (s *Server) handleBeat(w http.ResponseWriter, r *http.Request) {
	name, ok := s.deviceHeader(w, r)
	if !ok {
		return
	}

	var (
		res registry.BeatResult
		err error
	)
	if ts := r.Header.Get("Timestamp"); ts != "" {
		ms, perr := strconv.ParseInt(ts, 10, 64)
		if perr != nil || ms < 0 {
			s.writeError(w, http.StatusBadRequest, "Timestamp header must be epoch milliseconds")
			return
		}
		res, err = s.registry.RecordBeat(name, time.UnixMilli(ms))
	} else {
		res, err = s.registry.RecordBeatNow(name, s.clock.Now)
	}
	if errors.Is(err, registry.ErrInvalidDeviceName) {
		s.writeError(w, http.StatusBadRequest, "invalid device name")
		return
	}
	if err != nil {
		s.logger.Error("record beat failed", "device", name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to record beat")
		return
	}

	w.Header().Set("X-Beat-Accepted", strconv.FormatBool(res.Accepted))
	s.writeJSON(w, http.StatusOK, res.Device.TotalBeats)
}

// handleUpdateStats recomputes the raw fleet stats and replaces the cached copy.
func (s *Server) handleUpdateStats(w http.ResponseWriter, r *http.Request) {
	fs := s.stats.Snapshot()

	if s.cache != nil {
		if err := s.cache.Invalidate(r.Context(), cacheKeyInfo, cacheKeyStats); err != nil {
			s.logger.Warn("failed to invalidate cache", "error", err)
		}
	}
	s.storeCached(r.Context(), cacheKeyStats, present.FormattedStats(fs), config.CacheTTLStats)

	s.writeJSON(w, http.StatusOK, present.Stats(fs))
}

// handleUpdateDevice re-evaluates the overdue state of the device named in
// the Device header.
func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	name, ok := s.deviceHeader(w, r)
	if !ok {
		return
	}

	snap, transitioned, err := s.registry.RefreshOverdue(name, s.clock.Now())
	if errors.Is(err, registry.ErrDeviceNotFound) {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	if err != nil {
		s.logger.Error("refresh device failed", "device", name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to refresh device")
		return
	}
	if transitioned {
		s.logger.Info("device overdue", "device", name, "last_beat", snap.LastBeat)
	}

	s.writeJSON(w, http.StatusOK, present.Device(snap))
}
