// Package orchestrator executes provisioning plans against a provider
// adapter, rolling back completed steps when a step fails.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/jbweber/provision/internal/logging"
	"github.com/jbweber/provision/internal/plan"
	"github.com/jbweber/provision/internal/provider"
	"github.com/jbweber/provision/internal/status"
)

// DefaultStepTimeout bounds each adapter call when no timeout is configured.
const DefaultStepTimeout = 5 * time.Minute

// Recorder receives run and step measurements.
//
// In production, this is satisfied by *metrics.Metrics.
// In tests, by mocks or nil.
type Recorder interface {
	ObserveStep(providerName string, step plan.StepName, status StepStatus, d time.Duration)
	ObserveRollback(providerName string, step plan.StepName, ok bool)
	ObserveRun(providerName string, phase status.Phase, d time.Duration)
}

// Orchestrator runs plans against one adapter.
type Orchestrator struct {
	adapter     provider.Adapter
	stepTimeout time.Duration
	dryRun      bool
	recorder    Recorder
	newRunID    func() string
	logger      zerolog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithStepTimeout sets the deadline of each adapter call, rollback included.
func WithStepTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.stepTimeout = d
		}
	}
}

// WithDryRun makes Run report the plan without calling the adapter.
func WithDryRun(enabled bool) Option {
	return func(o *Orchestrator) { o.dryRun = enabled }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// New creates an Orchestrator for the adapter.
func New(a provider.Adapter, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		adapter:     a,
		stepTimeout: DefaultStepTimeout,
		newRunID:    uuid.NewString,
		logger:      logging.Component("orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes the plan's steps in order.
//
// Cancelling ctx stops the run at the next step boundary; an in-flight
// adapter call is bounded only by the step timeout. When a required step
// fails, every earlier step that changed backend state is rolled back
// exactly once, newest first. Rollback runs even when ctx is cancelled.
//
// The returned error is nil on success, a *StepExecutionError when the
// failure was rolled back, or a *RollbackError when rollback was incomplete.
// The Result is always non-nil.
func (o *Orchestrator) Run(ctx context.Context, p *plan.Plan) (*Result, error) {
	res := newResult(o.newRunID(), p, o.dryRun)
	res.StartedAt = time.Now()

	logger := o.logger.With().
		Str("run_id", res.RunID).
		Str("vm", res.VM).
		Str("provider", res.Provider).
		Logger()

	if o.dryRun {
		res.FinishedAt = time.Now()
		logger.Info().Int("steps", len(p.Steps)).Msg("Dry run, adapter not called")
		return res, nil
	}

	tracker := status.NewTracker()
	finish := func() {
		res.Phase = tracker.Phase()
		res.History = tracker.History()
		res.FinishedAt = time.Now()
		if o.recorder != nil {
			o.recorder.ObserveRun(res.Provider, res.Phase, res.Duration())
		}
	}

	if err := tracker.TransitionToExecuting(); err != nil {
		return res, err
	}
	logger.Info().Int("steps", len(p.Steps)).Msg("Executing plan")

	// changed holds the indexes of steps that mutated backend state.
	var changed []int
	var stepErr *StepExecutionError

	for i := range p.Steps {
		step := &p.Steps[i]
		sr := &res.Steps[i]

		if err := ctx.Err(); err != nil {
			stepErr = &StepExecutionError{Index: i, Step: step.Name, Err: fmt.Errorf("not started: %w", err)}
			sr.Status = StepFailed
			sr.Error = stepErr.Err.Error()
			logger.Warn().Str("step", string(step.Name)).Err(err).Msg("Run cancelled")
			break
		}

		out, d, err := o.call(ctx, step.Apply)
		sr.Output = out.Output
		sr.Duration = d
		stepLog := logger.With().Str("step", string(step.Name)).Dur("duration", d).Logger()

		if err != nil {
			sr.Error = err.Error()
			if step.Optional {
				sr.Status = StepSkipped
				o.observeStep(res.Provider, step.Name, sr.Status, d)
				stepLog.Warn().Err(err).Msg("Optional step failed, continuing")
				continue
			}
			sr.Status = StepFailed
			o.observeStep(res.Provider, step.Name, sr.Status, d)
			stepErr = &StepExecutionError{Index: i, Step: step.Name, Err: err}
			stepLog.Error().Err(err).Msg("Step failed")
			break
		}

		if out.Changed {
			sr.Status = StepSucceeded
			changed = append(changed, i)
		} else {
			sr.Status = StepUnchanged
		}
		o.observeStep(res.Provider, step.Name, sr.Status, d)
		stepLog.Info().Bool("changed", out.Changed).Msg("Step completed")
	}

	if stepErr == nil {
		if err := tracker.TransitionToSucceeded(); err != nil {
			return res, err
		}
		finish()
		logger.Info().Dur("duration", res.Duration()).Msg("Provisioning succeeded")
		return res, nil
	}

	res.FailedStep = stepErr.Step
	res.Error = stepErr.Error()
	if err := tracker.TransitionToFailed(string(stepErr.Step), stepErr.Err); err != nil {
		return res, err
	}
	if err := tracker.TransitionToRollingBack(); err != nil {
		return res, err
	}

	rbErr := o.rollback(ctx, p, res, changed, logger)
	if rbErr != nil {
		for _, e := range rbErr.Errors {
			res.RollbackErrors = append(res.RollbackErrors, e.Error())
		}
		if err := tracker.TransitionToRollbackFailed(rbErr); err != nil {
			return res, err
		}
		finish()
		logger.Error().Int("failed", len(rbErr.Errors)).Msg("Rollback incomplete, manual cleanup required")
		return res, &RollbackError{Cause: stepErr, Errors: rbErr}
	}

	if err := tracker.TransitionToRolledBack(); err != nil {
		return res, err
	}
	finish()
	logger.Info().Int("rolled_back", len(changed)).Msg("Rollback completed")
	return res, stepErr
}

// rollback undoes the changed steps in reverse order. Each action gets its
// own timeout and ignores cancellation of ctx.
func (o *Orchestrator) rollback(ctx context.Context, p *plan.Plan, res *Result, changed []int, logger zerolog.Logger) *multierror.Error {
	var merr *multierror.Error

	for j := len(changed) - 1; j >= 0; j-- {
		i := changed[j]
		step := &p.Steps[i]
		sr := &res.Steps[i]

		out, d, err := o.call(ctx, step.Rollback)
		sr.RollbackOutput = out.Output
		stepLog := logger.With().Str("step", string(step.Name)).Dur("duration", d).Logger()

		if o.recorder != nil {
			o.recorder.ObserveRollback(res.Provider, step.Name, err == nil)
		}
		if err != nil {
			sr.Status = StepRollbackFailed
			sr.RollbackError = err.Error()
			merr = multierror.Append(merr, fmt.Errorf("rollback of %s: %w", step.Name, err))
			stepLog.Error().Err(err).Msg("Rollback action failed")
			continue
		}
		sr.Status = StepRolledBack
		stepLog.Info().Msg("Rolled back: " + step.RollbackDescription())
	}

	if merr != nil {
		merr.ErrorFormat = joinErrors
	}
	return merr
}

// joinErrors formats a multierror on one line.
func joinErrors(es []error) string {
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

// call runs one adapter action under the step timeout. The action's context
// is detached from ctx so cancellation only takes effect between steps.
// An action that ignores its context is abandoned when the timeout fires.
func (o *Orchestrator) call(ctx context.Context, fn func(context.Context, provider.Adapter) (provider.Outcome, error)) (provider.Outcome, time.Duration, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.stepTimeout)
	defer cancel()

	type result struct {
		out provider.Outcome
		err error
	}
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		out, err := fn(callCtx, o.adapter)
		done <- result{out: out, err: err}
	}()

	var r result
	select {
	case r = <-done:
	case <-callCtx.Done():
		select {
		case r = <-done:
		default:
			r.err = callCtx.Err()
		}
	}
	d := time.Since(start)

	if r.err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		r.err = fmt.Errorf("timed out after %s: %w", o.stepTimeout, r.err)
	}
	return r.out, d, r.err
}

func (o *Orchestrator) observeStep(providerName string, step plan.StepName, s StepStatus, d time.Duration) {
	if o.recorder != nil {
		o.recorder.ObserveStep(providerName, step, s, d)
	}
}
