package api

import "github.com/mattjoyce/pushpool/internal/pool"

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// QueueStatus describes the queue source. Depth is -1 when it could not be
// read, with the reason in Error.
type QueueStatus struct {
	Backend string `json:"backend"`
	Name    string `json:"name"`
	Depth   int64  `json:"depth"`
	Error   string `json:"error,omitempty"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Service       string              `json:"service"`
	PID           int                 `json:"pid"`
	UptimeSeconds int64               `json:"uptime_seconds"`
	Dispatchers   int                 `json:"dispatchers"`
	Queue         QueueStatus         `json:"queue"`
	Stats         pool.Stats          `json:"stats"`
	Workers       []pool.WorkerRecord `json:"workers"`
}

// ErrorResponse is the body of every non-2xx JSON reply.
type ErrorResponse struct {
	Error string `json:"error"`
}
