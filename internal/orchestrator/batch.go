package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/jbweber/provision/internal/plan"
)

// RunAll executes independent plans concurrently, at most parallel at a
// time. Each run is sequential and one run's failure does not stop the
// others. Plans that share a VM name are rejected before anything runs.
//
// Results are returned in plan order. The error aggregates the error of
// every failed run.
func (o *Orchestrator) RunAll(ctx context.Context, plans []*plan.Plan, parallel int) ([]*Result, error) {
	if err := checkUniqueNames(plans); err != nil {
		return nil, err
	}
	if parallel < 1 {
		parallel = 1
	}

	results := make([]*Result, len(plans))
	errs := make([]error, len(plans))

	var g errgroup.Group
	g.SetLimit(parallel)
	for i, p := range plans {
		i, p := i, p
		g.Go(func() error {
			results[i], errs[i] = o.Run(ctx, p)
			return nil
		})
	}
	_ = g.Wait()

	var merr *multierror.Error
	for i, err := range errs {
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("%s: %w", plans[i].VM.Name, err))
		}
	}
	if merr != nil {
		merr.ErrorFormat = joinErrors
	}
	return results, merr.ErrorOrNil()
}

// checkUniqueNames rejects batches that would create the same VM twice.
// Names compare case-insensitively because Hyper-V and VirtualBox do.
func checkUniqueNames(plans []*plan.Plan) error {
	seen := make(map[string]string, len(plans))
	var problems []string
	for _, p := range plans {
		key := p.Provider + "/" + strings.ToLower(p.VM.Name)
		if first, ok := seen[key]; ok {
			problems = append(problems, fmt.Sprintf("metadata.name: %s appears more than once for provider %s (first as %s)", p.VM.Name, p.Provider, first))
			continue
		}
		seen[key] = p.VM.Name
	}
	if len(problems) > 0 {
		return &plan.InvalidSpecError{Problems: problems}
	}
	return nil
}
