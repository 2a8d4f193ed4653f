// Package cmd holds the root cobra command for nexus
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/nexusrun/nexus/internal/cmd/check"
	"github.com/nexusrun/nexus/internal/cmd/info"
	"github.com/nexusrun/nexus/internal/cmd/run"
	"github.com/nexusrun/nexus/internal/cmd/scaffold"
	"github.com/nexusrun/nexus/internal/cmdutil"
	"github.com/nexusrun/nexus/internal/signals"
)

// RunWithArgs runs nexus with the specified arguments. The arguments
// should not include the binary being invoked (e.g. "nexus").
func RunWithArgs(args []string, version string) int {
	signalWatcher := signals.NewWatcher()
	helper := cmdutil.NewHelper(version)
	root := getCmd(helper, signalWatcher)
	resolvedArgs := resolveArgs(root, args)
	defer helper.Cleanup(root.Flags())
	root.SetArgs(resolvedArgs)

	doneCh := make(chan struct{})
	var execErr error
	go func() {
		execErr = root.Execute()
		close(doneCh)
	}()

	// Wait for either our command to finish, in which case we need to clean up,
	// or to receive a signal, in which case the signal handler above does the cleanup
	select {
	case <-doneCh:
		signalWatcher.Close()
		if execErr != nil {
			return 1
		}
		return 0
	case <-signalWatcher.Done():
		// We caught a signal, which already called the close handlers
		return 1
	}
}

const _defaultCmd string = "run"

// resolveArgs adds a default command to the supplied arguments if none exists.
func resolveArgs(root *cobra.Command, args []string) []string {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" || arg == "--version" || arg == "completion" {
			return args
		}
	}
	cmd, _, err := root.Traverse(args)
	if err != nil {
		// The command is going to error, but defer to cobra
		// to handle it
		return args
	} else if cmd.Name() == root.Name() {
		// We resolved to the root, and this is not help or version,
		// so prepend our default command
		return append([]string{_defaultCmd}, args...)
	}
	// We resolved to something other than the root command, no need for a default
	return args
}

// getCmd returns the root cobra command
func getCmd(helper *cmdutil.Helper, signalWatcher *signals.Watcher) *cobra.Command {
	cmd := &cobra.Command{
		Use:              "nexus",
		Short:            "Run task pipelines across local and remote hosts",
		TraverseChildren: true,
		SilenceUsage:     true,
		SilenceErrors:    true,
		Version:          helper.NexusVersion,
	}
	cmd.SetVersionTemplate("{{.Version}}\n")
	flags := cmd.PersistentFlags()
	helper.AddFlags(flags)
	cmd.AddCommand(run.GetCmd(helper, signalWatcher))
	cmd.AddCommand(info.ListCmd(helper))
	cmd.AddCommand(check.ValidateCmd(helper))
	cmd.AddCommand(check.PreflightCmd(helper))
	cmd.AddCommand(scaffold.InitCmd(helper))
	return cmd
}
