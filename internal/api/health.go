package api

import (
	"encoding/json"
	"net/http"
	"time"
)

// healthResponse reports liveness plus how long the process has been up,
// which makes unexpected restarts visible from the probe alone.
type healthResponse struct {
	Status  string `json:"status"`
	UptimeS int64  `json:"uptime_s"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "ok",
		UptimeS: int64(time.Since(s.started) / time.Second),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("encode healthz response", "error", err)
	}
}
