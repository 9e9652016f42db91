package orchestrator

import (
	"time"

	"github.com/jbweber/provision/internal/plan"
	"github.com/jbweber/provision/internal/status"
)

// StepStatus is the outcome of one step in a run.
type StepStatus string

const (
	StepPending        StepStatus = "pending"
	StepSucceeded      StepStatus = "succeeded"
	StepUnchanged      StepStatus = "unchanged"
	StepFailed         StepStatus = "failed"
	StepSkipped        StepStatus = "skipped"
	StepRolledBack     StepStatus = "rolled-back"
	StepRollbackFailed StepStatus = "rollback-failed"
)

// StepResult records what happened to one step.
type StepResult struct {
	Index       int           `json:"index" yaml:"index"`
	Name        plan.StepName `json:"name" yaml:"name"`
	Description string        `json:"description" yaml:"description"`
	Status      StepStatus    `json:"status" yaml:"status"`
	Output      string        `json:"output,omitempty" yaml:"output,omitempty"`
	Error       string        `json:"error,omitempty" yaml:"error,omitempty"`
	Duration    time.Duration `json:"duration" yaml:"duration"`

	RollbackOutput string `json:"rollbackOutput,omitempty" yaml:"rollbackOutput,omitempty"`
	RollbackError  string `json:"rollbackError,omitempty" yaml:"rollbackError,omitempty"`
}

// Result is the report of one provisioning run.
type Result struct {
	RunID    string `json:"runID" yaml:"runID"`
	VM       string `json:"vm" yaml:"vm"`
	Provider string `json:"provider" yaml:"provider"`
	DryRun   bool   `json:"dryRun,omitempty" yaml:"dryRun,omitempty"`

	Phase   status.Phase        `json:"phase" yaml:"phase"`
	History []status.Transition `json:"history,omitempty" yaml:"history,omitempty"`
	Steps   []StepResult        `json:"steps" yaml:"steps"`

	// FailedStep names the step whose failure started the rollback.
	FailedStep     plan.StepName `json:"failedStep,omitempty" yaml:"failedStep,omitempty"`
	Error          string        `json:"error,omitempty" yaml:"error,omitempty"`
	RollbackErrors []string      `json:"rollbackErrors,omitempty" yaml:"rollbackErrors,omitempty"`
	Warnings       []string      `json:"warnings,omitempty" yaml:"warnings,omitempty"`

	StartedAt  time.Time `json:"startedAt" yaml:"startedAt"`
	FinishedAt time.Time `json:"finishedAt" yaml:"finishedAt"`
}

// Duration returns the wall time of the run.
func (r *Result) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Succeeded reports whether the run ended in PhaseSucceeded.
func (r *Result) Succeeded() bool {
	return r.Phase == status.PhaseSucceeded
}

func newResult(runID string, p *plan.Plan, dryRun bool) *Result {
	res := &Result{
		RunID:    runID,
		VM:       p.VM.Name,
		Provider: p.Provider,
		DryRun:   dryRun,
		Phase:    status.PhasePlanned,
		Steps:    make([]StepResult, len(p.Steps)),
		Warnings: append([]string(nil), p.Warnings...),
	}
	for i, s := range p.Steps {
		res.Steps[i] = StepResult{
			Index:       s.Index,
			Name:        s.Name,
			Description: s.Description,
			Status:      StepPending,
		}
	}
	return res
}
