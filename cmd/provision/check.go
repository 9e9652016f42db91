package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jbweber/provision/internal/logging"
	"github.com/jbweber/provision/internal/plan"
)

func newCheckCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check that the provider backend is reachable",
		Long: `Connect to the provider's management interface and run a harmless query:
Get-VMHost for Hyper-V, VBoxManage --version for VirtualBox and the library
version for libvirt.`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			logging.Setup(cmd.ErrOrStderr(), opts.verbosity, cfg.LogLevel, cfg.LogJSON)

			name := cfg.Provider
			if name == "" {
				return &plan.InvalidSpecError{Problems: []string{"provider: is required (use --provider)"}}
			}

			ctx := cmd.Context()
			a, closeFn, err := newAdapter(ctx, name, cfg)
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := closeFn(); closeErr != nil {
					_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Warning: failed to close %s connection: %v\n", name, closeErr)
				}
			}()

			if err := a.Ping(ctx); err != nil {
				return fmt.Errorf("%s backend is not reachable: %w", name, err)
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "✓ %s backend is reachable\n", name)
			return nil
		},
	}
}
