// Package check implements the non-executing verification commands:
// `nexus validate` (config and reference checking) and `nexus preflight`
// (host reachability and auth probing).
package check

import (
	"fmt"

	"github.com/nexusrun/nexus/internal/cmdutil"
	"github.com/nexusrun/nexus/internal/config"
	"github.com/nexusrun/nexus/internal/pipeline"
	"github.com/nexusrun/nexus/internal/ui"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// ValidateCmd returns the validate subcommand.
func ValidateCmd(helper *cmdutil.Helper) *cobra.Command {
	return &cobra.Command{
		Use:           "validate",
		Short:         "Parse the config and check every reference, without executing",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			base, err := helper.GetCmdBase(cmd.Flags())
			if err != nil {
				return err
			}

			cfg, err := config.Load(base.ConfigPath())
			if err != nil {
				var verr *config.ValidationError
				if errors.As(err, &verr) {
					for _, problem := range verr.Errs {
						base.UI.Error(fmt.Sprintf("%s %v", ui.ErrorPrefix, problem))
					}
					return errors.Errorf("%d problem(s) found", len(verr.Errs))
				}
				base.LogError("%v", err)
				return err
			}

			// reference checks passed; the graph still has to be acyclic
			if _, err := pipeline.DryRun(cfg, nil); err != nil {
				base.LogError("%v", err)
				return err
			}

			base.UI.Output(fmt.Sprintf("%s: %d task(s), %d host(s), %d group(s), %d handler(s)",
				ui.Ok("valid"), len(cfg.Tasks), len(cfg.Hosts), len(cfg.Groups), len(cfg.Handlers)))
			return nil
		},
	}
}
