// Package handler provides the task handlers shipped with the pushpool binary.
package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/pushpool/internal/pool"
)

const (
	TypeExec = "exec"
	TypeLog  = "log"
)

// Config selects a handler.
type Config struct {
	Type    string
	Command []string
	Timeout time.Duration
	Grace   time.Duration
	Env     []string
}

// ErrUnknownType is returned by New for an unrecognised handler type.
var ErrUnknownType = errors.New("unknown handler type")

// New builds the handler described by cfg.
func New(cfg Config, logger *slog.Logger) (pool.Handler, error) {
	switch cfg.Type {
	case TypeExec:
		return NewExec(cfg, logger)
	case TypeLog, "":
		return NewLog(logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, cfg.Type)
	}
}

// Log writes each payload to the logger. Useful for smoke tests.
type Log struct {
	logger *slog.Logger
	max    int
}

func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger, max: 512}
}

func (h *Log) HandleTask(ctx context.Context, payload []byte) error {
	attrs := []any{"bytes", len(payload)}
	if info, ok := pool.TaskInfoFrom(ctx); ok {
		attrs = append(attrs, "task_id", info.TaskID, "worker_id", info.WorkerID)
	}
	body := payload
	if len(body) > h.max {
		body = body[:h.max]
	}
	h.logger.Info("task received", append(attrs, "payload", string(body))...)
	return nil
}
