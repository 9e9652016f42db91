package main

import (
	"context"
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/jbweber/provision/internal/config"
	"github.com/jbweber/provision/internal/logging"
	"github.com/jbweber/provision/internal/metrics"
	"github.com/jbweber/provision/internal/orchestrator"
	"github.com/jbweber/provision/internal/output"
	"github.com/jbweber/provision/internal/plan"
	"github.com/jbweber/provision/internal/provider"
)

// providerGroup holds the plans of one provider and their positions in the
// batch.
type providerGroup struct {
	provider string
	indexes  []int
	plans    []*plan.Plan

	adapter provider.Adapter
	close   func() error
}

// groupByProvider splits plans by provider, in order of first appearance.
func groupByProvider(plans []*plan.Plan) []*providerGroup {
	var groups []*providerGroup
	byName := make(map[string]*providerGroup)
	for i, p := range plans {
		g, ok := byName[p.Provider]
		if !ok {
			g = &providerGroup{provider: p.Provider}
			byName[p.Provider] = g
			groups = append(groups, g)
		}
		g.indexes = append(g.indexes, i)
		g.plans = append(g.plans, p)
	}
	return groups
}

// prepare loads the config, sets up logging and builds the plans.
func prepare(cmd *cobra.Command, opts *options) (*config.Config, []*plan.Plan, error) {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return nil, nil, err
	}
	logging.Setup(cmd.ErrOrStderr(), opts.verbosity, cfg.LogLevel, cfg.LogJSON)

	vms, err := loadVMs(cmd, opts)
	if err != nil {
		return nil, nil, err
	}

	plans, err := buildPlans(cfg, vms)
	if err != nil {
		return nil, nil, err
	}
	return cfg, plans, nil
}

func runProvision(cmd *cobra.Command, opts *options) error {
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

	var m *metrics.Metrics
	orchOpts := []orchestrator.Option{
		orchestrator.WithStepTimeout(cfg.StepTimeout),
		orchestrator.WithDryRun(opts.dryRun),
	}
	if cfg.MetricsFile != "" {
		m = metrics.New()
		orchOpts = append(orchOpts, orchestrator.WithRecorder(m))
	}

	results, runErr := runPlans(cmd.Context(), cfg, plans, opts.dryRun, orchOpts)

	if len(results) > 0 {
		if err := printResults(cmd.OutOrStdout(), formatter, results); err != nil {
			return err
		}
	}

	if m != nil && !opts.dryRun {
		if err := m.WriteFile(cfg.MetricsFile); err != nil {
			log.Warn().Err(err).Msg("Metrics not written")
		}
	}

	return runErr
}

// runPlans executes the plans, one orchestrator per provider. Adapters are
// created and pinged before any plan runs so an unreachable backend fails
// the whole batch without side effects.
func runPlans(ctx context.Context, cfg *config.Config, plans []*plan.Plan, dryRun bool, orchOpts []orchestrator.Option) ([]*orchestrator.Result, error) {
	groups := groupByProvider(plans)

	if !dryRun {
		defer func() {
			for _, g := range groups {
				if g.close == nil {
					continue
				}
				if err := g.close(); err != nil {
					log.Warn().Err(err).Str("provider", g.provider).Msg("Failed to close provider connection")
				}
			}
		}()

		for _, g := range groups {
			a, closeFn, err := newAdapter(ctx, g.provider, cfg)
			if err != nil {
				return nil, err
			}
			g.adapter, g.close = a, closeFn

			if err := a.Ping(ctx); err != nil {
				return nil, fmt.Errorf("provider %s is not reachable: %w", g.provider, err)
			}
		}
	}

	results := make([]*orchestrator.Result, len(plans))
	var merr *multierror.Error
	for _, g := range groups {
		o := orchestrator.New(g.adapter, orchOpts...)
		groupResults, err := o.RunAll(ctx, g.plans, cfg.Parallel)
		if err != nil {
			merr = multierror.Append(merr, err)
		}
		for j, r := range groupResults {
			results[g.indexes[j]] = r
		}
	}

	// A rejected batch has no results.
	out := results[:0]
	for _, r := range results {
		if r != nil {
			out = append(out, r)
		}
	}
	return out, merr.ErrorOrNil()
}

func printResults(w io.Writer, f output.Formatter, results []*orchestrator.Result) error {
	s, err := f.FormatResults(results)
	if err != nil {
		return fmt.Errorf("failed to format output: %w", err)
	}
	_, _ = fmt.Fprint(w, s)
	return nil
}
