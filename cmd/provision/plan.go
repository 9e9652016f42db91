package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/jbweber/provision/api/v1alpha1"
	"github.com/jbweber/provision/internal/loader"
	"github.com/jbweber/provision/internal/output"
)

func newPlanCmd(opts *options) *cobra.Command {
	var savePath string

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the provisioning steps without running them",
		Long: `Validate the VM description and print the ordered steps, each with the
action that undoes it on failure. The provider is never contacted.

Output formats:
  -o table  Human-readable table (default)
  -o yaml   Full plan as YAML
  -o json   Full plan as JSON

--save writes the normalized VirtualMachine documents (defaults filled in,
provider resolved) to a file that can be passed back with --spec.`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, plans, err := prepare(cmd, opts)
			if err != nil {
				return err
			}

			formatter, err := output.NewFormatter(output.Options{
				Format:    output.Format(cfg.Output),
				NoHeaders: opts.noHeaders,
			})
			if err != nil {
				return &usageError{err: err}
			}

			s, err := formatter.FormatPlans(plans)
			if err != nil {
				return fmt.Errorf("failed to format output: %w", err)
			}

			_, _ = fmt.Fprint(cmd.OutOrStdout(), s)

			if savePath != "" {
				vms := make([]*v1alpha1.VirtualMachine, 0, len(plans))
				for _, p := range plans {
					vms = append(vms, p.VM.DeepCopy())
				}
				if err := loader.SaveToFile(vms, savePath); err != nil {
					return fmt.Errorf("failed to save specs: %w", err)
				}
				log.Info().Str("path", savePath).Int("vms", len(vms)).Msg("Saved normalized specs")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&savePath, "save", "", "write the normalized VM documents to this YAML file")
	return cmd
}
