package api

import (
	"net/http"
	"time"

	"github.com/pilot-net/beatmon/control-plane/internal/config"
	"github.com/pilot-net/beatmon/control-plane/internal/present"
)

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	if s.writeCached(w, r, cacheKeyInfo) {
		return
	}

	info := present.Info(s.stats.Snapshot(), s.location)
	s.storeCached(r.Context(), cacheKeyInfo, info, config.CacheTTLInfo)
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.writeCached(w, r, cacheKeyStats) {
		return
	}

	st := present.FormattedStats(s.stats.Snapshot())
	s.storeCached(r.Context(), cacheKeyStats, st, config.CacheTTLStats)
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, s.health.Health(r.Context()))
}
