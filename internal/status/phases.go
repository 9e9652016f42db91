// Package status tracks the phase of a provisioning run and validates
// transitions between phases.
//
//	Planned → Executing → Succeeded
//	                    → Failed → RollingBack → RolledBack
//	                                           → RollbackFailed
package status

import (
	"fmt"
	"sync"
	"time"
)

// Phase is the lifecycle phase of a provisioning run.
type Phase string

const (
	PhasePlanned        Phase = "Planned"
	PhaseExecuting      Phase = "Executing"
	PhaseSucceeded      Phase = "Succeeded"
	PhaseFailed         Phase = "Failed"
	PhaseRollingBack    Phase = "RollingBack"
	PhaseRolledBack     Phase = "RolledBack"
	PhaseRollbackFailed Phase = "RollbackFailed"
)

// Transition records one phase change.
type Transition struct {
	From    Phase     `json:"from" yaml:"from"`
	To      Phase     `json:"to" yaml:"to"`
	At      time.Time `json:"at" yaml:"at"`
	Reason  string    `json:"reason,omitempty" yaml:"reason,omitempty"`
	Message string    `json:"message,omitempty" yaml:"message,omitempty"`
}

// allowed lists the legal transitions.
var allowed = map[Phase][]Phase{
	PhasePlanned:     {PhaseExecuting},
	PhaseExecuting:   {PhaseSucceeded, PhaseFailed},
	PhaseFailed:      {PhaseRollingBack},
	PhaseRollingBack: {PhaseRolledBack, PhaseRollbackFailed},
}

// Tracker holds the current phase of one run and its history.
// It is safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	phase   Phase
	history []Transition
	now     func() time.Time
}

// NewTracker returns a Tracker in PhasePlanned.
func NewTracker() *Tracker {
	return &Tracker{phase: PhasePlanned, now: time.Now}
}

// Phase returns the current phase.
func (t *Tracker) Phase() Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

// History returns a copy of the recorded transitions.
func (t *Tracker) History() []Transition {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Transition, len(t.history))
	copy(out, t.history)
	return out
}

func (t *Tracker) transition(to Phase, reason, message string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !CanTransition(t.phase, to) {
		return fmt.Errorf("cannot transition to %s from phase %s", to, t.phase)
	}

	t.history = append(t.history, Transition{
		From:    t.phase,
		To:      to,
		At:      t.now(),
		Reason:  reason,
		Message: message,
	})
	t.phase = to
	return nil
}

// CanTransition reports whether from → to is a legal transition.
func CanTransition(from, to Phase) bool {
	for _, p := range allowed[from] {
		if p == to {
			return true
		}
	}
	return false
}

// TransitionToExecuting is called before the first step runs.
func (t *Tracker) TransitionToExecuting() error {
	return t.transition(PhaseExecuting, "Started", "executing plan")
}

// TransitionToSucceeded is called after the last step completes.
func (t *Tracker) TransitionToSucceeded() error {
	return t.transition(PhaseSucceeded, "Completed", "all steps completed")
}

// TransitionToFailed records the step that failed.
func (t *Tracker) TransitionToFailed(step string, err error) error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return t.transition(PhaseFailed, "StepFailed:"+step, msg)
}

// TransitionToRollingBack is called before the first rollback action.
func (t *Tracker) TransitionToRollingBack() error {
	return t.transition(PhaseRollingBack, "RollbackStarted", "rolling back completed steps")
}

// TransitionToRolledBack is called when every rollback action succeeded.
func (t *Tracker) TransitionToRolledBack() error {
	return t.transition(PhaseRolledBack, "RollbackCompleted", "all completed steps rolled back")
}

// TransitionToRollbackFailed is called when any rollback action failed.
func (t *Tracker) TransitionToRollbackFailed(err error) error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return t.transition(PhaseRollbackFailed, "RollbackFailed", msg)
}

// IsTerminal returns true if no further transitions are possible.
func IsTerminal(phase Phase) bool {
	return phase == PhaseSucceeded || phase == PhaseRolledBack || phase == PhaseRollbackFailed
}

// IsFailure returns true for terminal phases reached through a failed step.
func IsFailure(phase Phase) bool {
	return phase == PhaseRolledBack || phase == PhaseRollbackFailed
}
