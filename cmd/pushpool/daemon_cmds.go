package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/pushpool/internal/api"
	"github.com/mattjoyce/pushpool/internal/config"
	"github.com/mattjoyce/pushpool/internal/daemon"
	"github.com/mattjoyce/pushpool/internal/lock"
)

// loadConfig resolves --config (or discovery) and loads it. The returned
// path is absolute, or empty when running on defaults.
func loadConfig(flags *rootFlags) (*config.Config, string, error) {
	path, err := config.Discover(flags.configPath)
	if err != nil {
		return nil, "", err
	}
	if path != "" {
		if path, err = filepath.Abs(path); err != nil {
			return nil, "", err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}
	return cfg, path, nil
}

func startCmd(flags *rootFlags) *cobra.Command {
	var foreground bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := loadConfig(flags)
			if err != nil {
				return err
			}
			ctl := daemon.NewController(cfg, path)
			if foreground {
				if err := ctl.CheckNotRunning(); err != nil {
					return err
				}
				return daemon.Run(cmd.Context(), daemon.RunOptions{ConfigPath: path, Version: currentVersionInfo().Version})
			}

			pid, err := ctl.Start(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pushpool started (pid %d, log %s)\n", pid, cfg.LogFile())
			return nil
		},
	}
	cmd.Flags().BoolVar(&foreground, "foreground", false, "Run in the current process instead of daemonizing")
	return cmd
}

func runCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:    "run",
		Short:  "Run the daemon body in the foreground (used by start)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, path, err := loadConfig(flags)
			if err != nil {
				return err
			}
			return daemon.Run(cmd.Context(), daemon.RunOptions{ConfigPath: path, Version: currentVersionInfo().Version})
		},
	}
}

func stopCmd(flags *rootFlags) *cobra.Command {
	var (
		noWait  bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the daemon, waiting for in-flight tasks by default",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := loadConfig(flags)
			if err != nil {
				return err
			}
			pid, err := daemon.NewController(cfg, path).Stop(cmd.Context(), !noWait, timeout)
			if err != nil {
				if errors.Is(err, lock.ErrNotRunning) {
					return fmt.Errorf("pushpool is not running (%w)", err)
				}
				return err
			}
			if noWait {
				fmt.Fprintf(cmd.OutOrStdout(), "sent stop to pid %d\n", pid)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "pushpool stopped (pid %d)\n", pid)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "Remove the pidfile right after signalling instead of waiting")
	cmd.Flags().DurationVar(&timeout, "timeout", daemon.DefaultStopTimeout, "How long to wait for workers to drain")
	return cmd
}

func restartCmd(flags *rootFlags) *cobra.Command {
	var (
		inPlace bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Gracefully stop and start the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := loadConfig(flags)
			if err != nil {
				return err
			}
			ctl := daemon.NewController(cfg, path)
			if inPlace {
				pid, err := ctl.Reload()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "sent reload to pid %d\n", pid)
				return nil
			}
			pid, err := ctl.Restart(cmd.Context(), timeout)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pushpool restarted (pid %d)\n", pid)
			return nil
		},
	}
	cmd.Flags().BoolVar(&inPlace, "in-place", false, "Send SIGHUP: drain, reload config and restart under the same pid")
	cmd.Flags().DurationVar(&timeout, "timeout", daemon.DefaultStopTimeout, "How long to wait for workers to drain")
	return cmd
}

func statusCmd(flags *rootFlags) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether the daemon runs and what its workers do",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := loadConfig(flags)
			if err != nil {
				return err
			}
			rep, err := daemon.NewController(cfg, path).Status(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}
			printStatus(out, rep)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func printStatus(w io.Writer, rep daemon.StatusReport) {
	if !rep.Running {
		fmt.Fprintf(w, "pushpool is not running (pidfile %s)\n", rep.PIDFile)
		return
	}
	fmt.Fprintf(w, "pushpool is running (pid %d)\n", rep.PID)
	if rep.LiveErr != "" {
		fmt.Fprintf(w, "status server: %s\n", rep.LiveErr)
		return
	}
	if rep.Live == nil {
		return
	}
	printLive(w, rep.Live)
}

func printLive(w io.Writer, s *api.StatusResponse) {
	depth := strconv.FormatInt(s.Queue.Depth, 10)
	if s.Queue.Error != "" {
		depth = "? (" + s.Queue.Error + ")"
	}
	fmt.Fprintf(w, "queue %s:%s depth %s, %d dispatcher(s), up %s\n",
		s.Queue.Backend, s.Queue.Name, depth, s.Dispatchers,
		(time.Duration(s.UptimeSeconds) * time.Second).String())
	fmt.Fprintf(w, "processed %d  failed %d  decode_failed %d  lost %d  recycled %d  crashed %d\n",
		s.Stats.Processed, s.Stats.Failed, s.Stats.DecodeFailed, s.Stats.Lost, s.Stats.Recycled, s.Stats.Crashed)

	rows := make([][]string, 0, len(s.Workers))
	for _, r := range s.Workers {
		last := "-"
		if !r.LastTaskAt.IsZero() {
			last = r.LastTaskAt.Local().Format(time.TimeOnly)
		}
		rows = append(rows, []string{
			r.ID, strconv.Itoa(r.Slot), strconv.Itoa(r.Generation),
			r.State.String(), strconv.Itoa(r.ExecutionCount), last,
		})
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("WORKER", "SLOT", "GEN", "STATE", "EXECS", "LAST TASK").
		Rows(rows...)
	fmt.Fprintln(w, t.String())
}
