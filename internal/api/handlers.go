package api

import (
	"encoding/json"
	"net/http"
	"time"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	q := QueueStatus{
		Backend: s.config.Backend,
		Name:    s.config.Queue,
	}
	if s.queue != nil {
		depth, err := s.queue.Depth(r.Context(), s.config.Queue)
		if err != nil {
			s.logger.Warn("failed to read queue depth", "error", err)
			q.Depth = -1
			q.Error = err.Error()
		} else {
			q.Depth = depth
		}
	}

	resp := StatusResponse{
		Service:       s.config.Service,
		PID:           s.config.PID,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Dispatchers:   s.config.Dispatchers,
		Queue:         q,
	}
	if s.pool != nil {
		resp.Stats = s.pool.Stats()
		resp.Workers = s.pool.Snapshot()
	}

	respondJSON(w, http.StatusOK, resp)
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
