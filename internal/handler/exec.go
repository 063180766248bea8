package handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/pushpool/internal/pool"
)

const (
	// maxStderrBytes caps the amount of stderr kept for error messages.
	maxStderrBytes = 64 * 1024

	DefaultExecTimeout = 5 * time.Minute
	// DefaultGrace is the time we wait after SIGTERM before sending SIGKILL.
	DefaultGrace = 5 * time.Second
)

// ErrTimeout is returned when a command outlives its timeout.
var ErrTimeout = errors.New("command timed out")

// Exec runs a command per task with the payload on stdin. A non-zero exit
// status is a handler failure.
type Exec struct {
	argv    []string
	env     []string
	timeout time.Duration
	grace   time.Duration
	logger  *slog.Logger
}

func NewExec(cfg Config, logger *slog.Logger) (*Exec, error) {
	if len(cfg.Command) == 0 || cfg.Command[0] == "" {
		return nil, errors.New("exec handler needs a command")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultExecTimeout
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	return &Exec{
		argv:    append([]string(nil), cfg.Command...),
		env:     cfg.Env,
		timeout: cfg.Timeout,
		grace:   cfg.Grace,
		logger:  logger,
	}, nil
}

func (h *Exec) HandleTask(ctx context.Context, payload []byte) error {
	logger := h.logger
	env := append(os.Environ(), h.env...)
	env = append(env, fmt.Sprintf("PUSHPOOL_TASK_BYTES=%d", len(payload)))
	if info, ok := pool.TaskInfoFrom(ctx); ok {
		logger = logger.With("task_id", info.TaskID, "worker_id", info.WorkerID)
		env = append(env, "PUSHPOOL_TASK_ID="+info.TaskID, "PUSHPOOL_WORKER_ID="+info.WorkerID)
	}

	timer := time.NewTimer(h.timeout)
	defer timer.Stop()

	// Not CommandContext: termination is SIGTERM first, then SIGKILL.
	cmd := exec.Command(h.argv[0], h.argv[1:]...)
	cmd.Env = env
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Children that inherited stdout must not hold Wait open forever.
	cmd.WaitDelay = h.grace

	logger.Debug("spawning command", "command", h.argv[0], "timeout", h.timeout)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start command: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	select {
	case <-timer.C:
		h.terminate(cmd, waitErr, logger)
		return fmt.Errorf("%w after %s: %s", ErrTimeout, h.timeout, truncateStderr(stderr.String()))
	case <-ctx.Done():
		h.terminate(cmd, waitErr, logger)
		return fmt.Errorf("command interrupted: %w", ctx.Err())
	case err := <-waitErr:
		if out := strings.TrimSpace(stdout.String()); out != "" {
			logger.Debug("command output", "stdout", out)
		}
		if err == nil {
			return nil
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("command exited with status %d: %s", exitErr.ExitCode(), truncateStderr(stderr.String()))
		}
		return fmt.Errorf("wait for command: %w", err)
	}
}

func (h *Exec) terminate(cmd *exec.Cmd, waitErr <-chan error, logger *slog.Logger) {
	logger.Warn("terminating command, sending SIGTERM")
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(h.grace)
	defer grace.Stop()

	select {
	case <-waitErr:
		logger.Info("command exited after SIGTERM")
	case <-grace.C:
		logger.Warn("command did not exit after SIGTERM, sending SIGKILL")
		if err := cmd.Process.Kill(); err != nil {
			logger.Error("failed to send SIGKILL", "error", err)
		}
		<-waitErr
	}
}

func truncateStderr(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxStderrBytes {
		return s
	}
	return s[:maxStderrBytes] + "... (truncated)"
}
