package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/pushpool/internal/config"
	"github.com/mattjoyce/pushpool/internal/queue"
	"github.com/mattjoyce/pushpool/internal/tui/watch"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func watchCmd(flags *rootFlags) *cobra.Command {
	var url, token string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live worker and event view of a running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if url == "" || token == "" {
				cfg, _, err := loadConfig(flags)
				if err != nil {
					return err
				}
				if !cfg.Status.Enabled && url == "" {
					return errors.New("status server is disabled; set status.enabled or pass --url")
				}
				if url == "" {
					url = "http://" + cfg.Status.Listen
				}
				if token == "" {
					token = cfg.Status.Token
				}
			}
			if _, err := tea.NewProgram(watch.New(strings.TrimRight(url, "/"), token)).Run(); err != nil {
				return fmt.Errorf("TUI error: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "Status server base URL (default: from status.listen)")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token (default: status.token)")
	return cmd
}

func pushCmd(flags *rootFlags) *cobra.Command {
	var queueName string
	cmd := &cobra.Command{
		Use:   "push [payload...]",
		Short: "Enqueue payloads; with no arguments or '-' read one payload per stdin line",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if queueName == "" {
				queueName = cfg.Queue.Name
			}

			payloads := args
			if len(args) == 0 || (len(args) == 1 && args[0] == "-") {
				payloads = nil
				sc := bufio.NewScanner(cmd.InOrStdin())
				sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
				for sc.Scan() {
					payloads = append(payloads, sc.Text())
				}
				if err := sc.Err(); err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
			}

			ctx := cmd.Context()
			src, err := queue.Open(ctx, queue.Options{
				Backend:      cfg.Queue.Backend,
				RedisURL:     cfg.Queue.Redis.URL,
				SQLitePath:   cfg.Queue.SQLite.Path,
				PollInterval: cfg.Queue.SQLite.PollInterval,
			})
			if err != nil {
				return err
			}
			defer src.Close()

			for i, p := range payloads {
				if err := src.Push(ctx, queueName, []byte(p)); err != nil {
					return fmt.Errorf("push %d of %d: %w", i+1, len(payloads), err)
				}
			}
			depth, err := src.Depth(ctx, queueName)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pushed %d to %s (depth %d)\n", len(payloads), queueName, depth)
			return nil
		},
	}
	cmd.Flags().StringVar(&queueName, "queue", "", "Queue key (default: queue.name)")
	return cmd
}

func configCheckCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate syntax, values and integrity of the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := loadConfig(flags)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if path == "" {
				path = "(defaults and environment only)"
			}
			fmt.Fprintf(out, "configuration OK: %s\n", path)
			fmt.Fprintf(out, "  pidfile:  %s\n", cfg.PIDFile())
			fmt.Fprintf(out, "  queue:    %s %s\n", cfg.Queue.Backend, cfg.Queue.Name)
			fmt.Fprintf(out, "  workers:  %d x max %d executions, %d dispatcher(s)\n",
				cfg.Pool.CenterProcesses, cfg.Pool.MaxExecutions, cfg.Pool.LeftProcesses)
			fmt.Fprintf(out, "  handler:  %s\n", cfg.Handler.Type)
			if cfg.Status.Enabled {
				fmt.Fprintf(out, "  status:   http://%s\n", cfg.Status.Listen)
			}
			return nil
		},
	}
}

func configLockCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "lock",
		Short: "Record the config file hash so later edits must be re-authorized",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := config.Discover(flags.configPath)
			if err != nil {
				return err
			}
			if path == "" {
				return errors.New("no config file found; pass --config")
			}
			manifest, err := config.Lock(path)
			if err != nil {
				return err
			}
			for name, hash := range manifest.Hashes {
				fmt.Fprintf(cmd.OutOrStdout(), "locked %s %s\n", name, hash)
			}
			return nil
		},
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func versionCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print build metadata",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := currentVersionInfo()
			out := cmd.OutOrStdout()
			if jsonOut {
				data, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(data))
				return nil
			}
			fmt.Fprintf(out, "pushpool %s\ncommit: %s\nbuilt_at: %s\n", info.Version, info.Commit, info.BuildTime)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output version metadata as JSON")
	return cmd
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = readBuildSetting("vcs.revision")
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = readBuildSetting("vcs.time")
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == key {
			return strings.TrimSpace(s.Value)
		}
	}
	return ""
}
