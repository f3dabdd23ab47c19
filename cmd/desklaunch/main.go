package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(globalFlags, &RunFlags{}),
		createStatusCommand(globalFlags, &RemoteFlags{}),
		createRestartCommand(globalFlags, &RestartFlags{}),
		createEventsCommand(globalFlags, &RemoteFlags{}),
		createConfigCommand(globalFlags),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "desklaunch",
		Short: "Desktop launcher for a local backend and a prebuilt frontend",
		Long: `desklaunch starts a local backend executable, waits until its health
endpoint reports healthy, serves the frontend over loopback HTTP and points
the UI at it. Startup failures end on a generated error page.

Examples:
  desklaunch run                       # uses ./desklaunch.toml when present
  desklaunch run launcher.toml
  desklaunch status                    # reads the session file of a running launcher
  desklaunch restart --wait
  desklaunch config                    # print the effective configuration`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}
