package api

import (
	"net/http"
)

// handleBridgeStats returns live bridge counters and device connectivity.
func (s *Server) handleBridgeStats(w http.ResponseWriter, _ *http.Request) {
	if s.bridge == nil {
		writeUnavailable(w, "bridge not running")
		return
	}

	online, total := s.bridge.DeviceCounts()
	writeJSON(w, http.StatusOK, map[string]any{
		"statistics":     s.bridge.Statistics(),
		"devices_online": online,
		"devices_total":  total,
	})
}
