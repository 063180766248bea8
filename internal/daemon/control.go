package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattjoyce/pushpool/internal/api"
	"github.com/mattjoyce/pushpool/internal/config"
	"github.com/mattjoyce/pushpool/internal/lock"
)

const (
	DefaultStartTimeout = 10 * time.Second
	DefaultStopTimeout  = 90 * time.Second
	pollEvery           = 50 * time.Millisecond
)

// ErrStopTimeout means the daemon was signalled but outlived the wait.
var ErrStopTimeout = errors.New("daemon did not exit in time")

// Controller starts and stops the daemon described by a configuration.
type Controller struct {
	cfg        *config.Config
	configPath string

	// Executable is re-run as "<Executable> run --config <path>". Defaults to
	// the current binary.
	Executable   string
	StartTimeout time.Duration
}

func NewController(cfg *config.Config, configPath string) *Controller {
	return &Controller{cfg: cfg, configPath: configPath, StartTimeout: DefaultStartTimeout}
}

// PIDFile is the pidfile this controller acts on.
func (c *Controller) PIDFile() string { return c.cfg.PIDFile() }

// CheckNotRunning fails with ErrAlreadyRunning when the pidfile names a live
// process. A stale pidfile is removed. A corrupt one is reported as is.
func (c *Controller) CheckNotRunning() error {
	pid, err := lock.Running(c.PIDFile())
	switch {
	case err == nil:
		return fmt.Errorf("%w (pid %d, pidfile %s)", lock.ErrAlreadyRunning, pid, c.PIDFile())
	case errors.Is(err, lock.ErrNotRunning):
		if pid > 0 {
			_ = os.Remove(c.PIDFile())
		}
		return nil
	default:
		return err
	}
}

// Start daemonizes: it re-executes the binary in a new session with output
// appended to the log file, then waits until the child owns the pidfile.
func (c *Controller) Start(ctx context.Context) (int, error) {
	if err := c.CheckNotRunning(); err != nil {
		return 0, err
	}

	exe := c.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return 0, fmt.Errorf("resolve executable: %w", err)
		}
	}

	logPath := c.cfg.LogFile()
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return 0, fmt.Errorf("create log directory: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	args := []string{"run"}
	if c.configPath != "" {
		args = append(args, "--config", c.configPath)
	}
	cmd := exec.Command(exe, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("spawn daemon: %w", err)
	}

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	timeout := c.StartTimeout
	if timeout <= 0 {
		timeout = DefaultStartTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(pollEvery)
	defer tick.Stop()

	for {
		if pid, err := lock.ReadPID(c.PIDFile()); err == nil && pid == cmd.Process.Pid {
			return pid, nil
		}
		select {
		case err := <-exited:
			return 0, fmt.Errorf("daemon exited during startup (%v), see %s", err, logPath)
		case <-deadline.C:
			return cmd.Process.Pid, fmt.Errorf("daemon pid %d did not write %s within %s, see %s",
				cmd.Process.Pid, c.PIDFile(), timeout, logPath)
		case <-ctx.Done():
			return cmd.Process.Pid, ctx.Err()
		case <-tick.C:
		}
	}
}

// Stop sends SIGTERM to the daemon. When graceful it waits up to timeout
// for the process to exit, which happens only after every worker finished
// its task. When not graceful the pidfile is removed right after signalling.
func (c *Controller) Stop(ctx context.Context, graceful bool, timeout time.Duration) (int, error) {
	path := c.PIDFile()
	pid, err := lock.Running(path)
	if err != nil {
		if errors.Is(err, lock.ErrNotRunning) && pid > 0 {
			_ = os.Remove(path)
		}
		return pid, err
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return pid, fmt.Errorf("signal pid %d: %w", pid, err)
	}

	if !graceful {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return pid, fmt.Errorf("remove pidfile: %w", err)
		}
		return pid, nil
	}

	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	if err := waitExit(ctx, pid, timeout); err != nil {
		return pid, err
	}
	// The daemon removes its own pidfile; clean up after a hard crash.
	if cur, err := lock.ReadPID(path); err == nil && cur == pid {
		_ = os.Remove(path)
	}
	return pid, nil
}

// Restart is a graceful stop followed by a start. A daemon that was not
// running is simply started.
func (c *Controller) Restart(ctx context.Context, timeout time.Duration) (int, error) {
	if _, err := c.Stop(ctx, true, timeout); err != nil && !errors.Is(err, lock.ErrNotRunning) {
		return 0, err
	}
	return c.Start(ctx)
}

// Reload asks a running daemon to restart in place.
func (c *Controller) Reload() (int, error) {
	pid, err := lock.Running(c.PIDFile())
	if err != nil {
		return pid, err
	}
	if err := syscall.Kill(pid, syscall.SIGHUP); err != nil {
		return pid, fmt.Errorf("signal pid %d: %w", pid, err)
	}
	return pid, nil
}

// StatusReport is what `pushpool status` prints.
type StatusReport struct {
	PIDFile string              `json:"pidfile"`
	PID     int                 `json:"pid,omitempty"`
	Running bool                `json:"running"`
	Live    *api.StatusResponse `json:"live,omitempty"`
	LiveErr string              `json:"live_error,omitempty"`
}

// Status reports pid liveness and, when the status server is enabled, the
// daemon's own view of its workers.
func (c *Controller) Status(ctx context.Context) (StatusReport, error) {
	rep := StatusReport{PIDFile: c.PIDFile()}
	pid, err := lock.Running(rep.PIDFile)
	switch {
	case err == nil:
		rep.PID, rep.Running = pid, true
	case errors.Is(err, lock.ErrNotRunning):
		rep.PID = pid
		return rep, nil
	default:
		return rep, err
	}

	if !c.cfg.Status.Enabled {
		return rep, nil
	}
	live, err := FetchStatus(ctx, "http://"+c.cfg.Status.Listen, c.cfg.Status.Token)
	if err != nil {
		rep.LiveErr = err.Error()
		return rep, nil
	}
	rep.Live = live
	return rep, nil
}

// FetchStatus reads GET /status from a running daemon.
func FetchStatus(ctx context.Context, baseURL, token string) (*api.StatusResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/status", nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query status server: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status server returned %s", resp.Status)
	}

	var out api.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &out, nil
}

func waitExit(ctx context.Context, pid int, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(pollEvery)
	defer tick.Stop()

	for lock.ProcessAlive(pid) {
		select {
		case <-deadline.C:
			return fmt.Errorf("%w: pid %d still alive after %s", ErrStopTimeout, pid, timeout)
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
	return nil
}
