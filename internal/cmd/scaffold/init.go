// Package scaffold implements `nexus init`: write a commented template
// config into the current directory.
package scaffold

import (
	"fmt"
	"os"

	"github.com/AlecAivazis/survey/v2"
	"github.com/nexusrun/nexus/internal/cmdutil"
	"github.com/nexusrun/nexus/internal/config"
	"github.com/nexusrun/nexus/internal/ui"
	"github.com/spf13/cobra"
)

// InitCmd returns the init subcommand.
func InitCmd(helper *cmdutil.Helper) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:           "init",
		Short:         "Write a template nexus.yaml",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			base, err := helper.GetCmdBase(cmd.Flags())
			if err != nil {
				return err
			}
			path := base.ConfigPath()

			if _, err := os.Stat(path); err == nil && !force {
				if !ui.IsTTY {
					return fmt.Errorf("%s already exists (use --force to overwrite)", path)
				}
				overwrite := false
				prompt := &survey.Confirm{
					Message: fmt.Sprintf("%s already exists. Overwrite?", path),
				}
				if err := survey.AskOne(prompt, &overwrite); err != nil {
					return err
				}
				if !overwrite {
					base.UI.Output("aborted")
					return nil
				}
			}

			if err := os.WriteFile(path, []byte(config.ScaffoldTemplate), 0o644); err != nil {
				return err
			}
			base.UI.Output(fmt.Sprintf("%s wrote %s", ui.Ok("ok"), path))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing config")
	return cmd
}
