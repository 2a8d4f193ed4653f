// Package info implements `nexus list`: print the declared tasks, hosts
// and groups without executing anything.
package info

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/nexusrun/nexus/internal/cmdutil"
	"github.com/nexusrun/nexus/internal/config"
	"github.com/nexusrun/nexus/internal/pipeline"
	"github.com/nexusrun/nexus/internal/ui"
	"github.com/spf13/cobra"
)

// ListCmd returns the list subcommand.
func ListCmd(helper *cmdutil.Helper) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "Print declared tasks, hosts and groups",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			base, err := helper.GetCmdBase(cmd.Flags())
			if err != nil {
				return err
			}
			cfg, err := base.LoadConfig()
			if err != nil {
				base.LogError("%v", err)
				return err
			}

			plan, err := pipeline.DryRun(cfg, nil)
			if err != nil {
				base.LogError("%v", err)
				return err
			}

			if base.Format == "json" {
				return printJSON(base, cfg, plan)
			}

			base.UI.Output(ui.Bold("tasks"))
			for _, task := range cfg.Tasks {
				line := "  " + task.Name
				if len(task.Deps) > 0 {
					line += ui.Dim(" (deps: " + strings.Join(task.Deps, ", ") + ")")
				}
				if task.On != "" {
					line += ui.Dim(" on " + task.On)
				}
				base.UI.Output(line)
			}

			if len(cfg.Handlers) > 0 {
				base.UI.Output(ui.Bold("handlers"))
				for _, handler := range cfg.Handlers {
					base.UI.Output("  " + handler.Name)
				}
			}

			if len(cfg.Hosts) > 0 {
				base.UI.Output(ui.Bold("hosts"))
				names := make([]string, 0, len(cfg.Hosts))
				for name := range cfg.Hosts {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					host := cfg.Hosts[name]
					base.UI.Output(fmt.Sprintf("  %s %s", name, ui.Dim(fmt.Sprintf("%s@%s:%d", host.User, host.Hostname, host.Port))))
				}
			}

			if len(cfg.GroupOrd) > 0 {
				base.UI.Output(ui.Bold("groups"))
				for _, name := range cfg.GroupOrd {
					base.UI.Output(fmt.Sprintf("  %s %s", name, ui.Dim(strings.Join(cfg.Groups[name], ", "))))
				}
			}

			base.UI.Output(ui.Bold("phases"))
			for i, phase := range plan.Phases {
				base.UI.Output(fmt.Sprintf("  %d: %s", i+1, strings.Join(phase, ", ")))
			}
			return nil
		},
	}
}

func printJSON(base *cmdutil.CmdBase, cfg *config.Config, plan *pipeline.Plan) error {
	names := make([]string, 0, len(cfg.Tasks))
	for _, task := range cfg.Tasks {
		names = append(names, task.Name)
	}
	data, err := json.Marshal(map[string]interface{}{
		"tasks":  names,
		"phases": plan.Phases,
	})
	if err != nil {
		return err
	}
	base.UI.Output(string(data))
	return nil
}
