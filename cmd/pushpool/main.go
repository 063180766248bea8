// Command pushpool drains a queue into a pool of recycled workers.
//
// Subcommands:
//
//	start    daemonize (or --foreground) the service
//	stop     signal the daemon and wait for its workers to drain
//	restart  stop then start, or --in-place to reload under the same pid
//	status   pid liveness and the worker table
//	watch    live status TUI
//	push     enqueue payloads (producer side)
//	config   check or lock the configuration
//	version  build metadata
package main

import (
	"fmt"
	"os"

	_ "github.com/KimMachineGun/automemlimit"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "pushpool",
		Short:         "Push-mode task executor: one queue, many recycled workers",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "Path to config file or directory (default: discovered)")

	configCmd := &cobra.Command{Use: "config", Short: "Inspect and authorize the configuration"}
	configCmd.AddCommand(configCheckCmd(flags), configLockCmd(flags))

	root.AddCommand(
		startCmd(flags),
		runCmd(flags),
		stopCmd(flags),
		restartCmd(flags),
		statusCmd(flags),
		watchCmd(flags),
		pushCmd(flags),
		configCmd,
		versionCmd(),
	)
	return root
}
