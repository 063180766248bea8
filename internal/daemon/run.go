// Package daemon runs the pushpool service body and controls it from the
// outside through its pidfile.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattjoyce/pushpool/internal/config"
	"github.com/mattjoyce/pushpool/internal/events"
	"github.com/mattjoyce/pushpool/internal/lock"
	"github.com/mattjoyce/pushpool/internal/log"
)

// RunOptions configures Run.
type RunOptions struct {
	ConfigPath string
	Version    string

	// Signals replaces os/signal delivery when set.
	Signals <-chan os.Signal
	// LogOutput defaults to stdout, which the parent of a daemonized run
	// points at the log file.
	LogOutput io.Writer
}

// Run is the daemon body. It holds the pidfile lock for its whole life, runs
// one service generation at a time and returns after a graceful stop.
// SIGHUP drains the current generation, reloads the configuration and
// starts a new one under the same pidfile. Cancelling ctx behaves like
// SIGTERM.
func Run(ctx context.Context, opts RunOptions) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	logger := setupLogging(cfg, opts.LogOutput)

	pidLock, err := lock.AcquirePIDLock(cfg.PIDFile())
	if err != nil {
		return err
	}
	defer func() {
		if err := pidLock.Release(); err != nil {
			logger.Warn("failed to release pidfile", "path", pidLock.Path(), "error", err)
		}
	}()
	logger.Info("acquired PID lock", "path", pidLock.Path(), "pid", pidLock.PID())

	sigCh := opts.Signals
	if sigCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		defer signal.Stop(ch)
		sigCh = ch
	}

	for generation := 1; ; generation++ {
		hub := events.NewHub(256)
		genCtx, cancel := context.WithCancel(ctx)
		errCh := make(chan error, 1)
		go func() {
			errCh <- serve(genCtx, cfg, serviceDeps{
				logger:     logger,
				hub:        hub,
				pid:        pidLock.PID(),
				version:    opts.Version,
				generation: generation,
			})
		}()

		reload := false
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				logger.Info("received reload signal, restarting in place", "generation", generation)
				hub.Publish(events.DaemonRestart, map[string]any{"generation": generation})
				reload = true
			} else {
				logger.Info("received shutdown signal", "signal", sig.String())
				hub.Publish(events.DaemonStopping, map[string]any{"signal": sig.String()})
			}
			cancel()
			err = <-errCh
		case <-ctx.Done():
			logger.Info("context done, shutting down")
			cancel()
			err = <-errCh
		case err = <-errCh:
			cancel()
		}

		if err != nil {
			logger.Error("service stopped with error", "generation", generation, "error", err)
			return err
		}
		if !reload {
			logger.Info("pushpool stopped")
			return nil
		}

		next, lerr := config.Load(opts.ConfigPath)
		switch {
		case lerr != nil:
			logger.Error("config reload failed, keeping previous configuration", "error", lerr)
		case next.PIDFile() != cfg.PIDFile():
			logger.Warn("pidfile path change ignored until full restart",
				"current", cfg.PIDFile(), "configured", next.PIDFile())
			next.Service.RuntimeDir = cfg.Service.RuntimeDir
			next.Service.Name = cfg.Service.Name
			cfg = next
		default:
			cfg = next
		}
		logger = setupLogging(cfg, opts.LogOutput)
	}
}

func setupLogging(cfg *config.Config, w io.Writer) *slog.Logger {
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat, w)
	return log.WithComponent("daemon").With("service", cfg.Service.Name)
}

// IsAlreadyRunning reports whether err came from a duplicate start.
func IsAlreadyRunning(err error) bool {
	return errors.Is(err, lock.ErrAlreadyRunning)
}

func wrapStage(stage string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", stage, err)
}
