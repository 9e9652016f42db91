package orchestrator

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/jbweber/provision/internal/plan"
)

// Exit codes returned by the provision command.
const (
	ExitOK       = 0
	ExitInvalid  = 1
	ExitBackend  = 2
	ExitRollback = 3
)

// StepExecutionError wraps the backend failure of one step.
type StepExecutionError struct {
	Index int
	Step  plan.StepName
	Err   error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %d (%s) failed: %v", e.Index+1, e.Step, e.Err)
}

func (e *StepExecutionError) Unwrap() error {
	return e.Err
}

// RollbackError reports rollback failures together with the step failure
// that triggered the rollback.
type RollbackError struct {
	// Cause is the *StepExecutionError that started the rollback.
	Cause error

	// Errors holds one error per failed rollback action.
	Errors *multierror.Error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("%v; rollback incomplete, manual cleanup required: %v", e.Cause, e.Errors)
}

// Unwrap exposes both the original failure and the rollback failures.
func (e *RollbackError) Unwrap() []error {
	if e.Errors == nil {
		return []error{e.Cause}
	}
	return []error{e.Cause, e.Errors}
}

// ExitCode maps an error returned by Run or RunAll to a process exit code:
// 0 success, 1 invalid spec, 2 backend failure rolled back, 3 rollback
// failure. For batches the highest code wins.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var merr *multierror.Error
	if !isRollback(err) && errors.As(err, &merr) && merr != nil && len(merr.Errors) > 0 {
		code := ExitOK
		for _, e := range merr.Errors {
			code = max(code, ExitCode(e))
		}
		return code
	}

	switch {
	case isRollback(err):
		return ExitRollback
	case errors.Is(err, plan.ErrInvalidSpec):
		return ExitInvalid
	default:
		return ExitBackend
	}
}

func isRollback(err error) bool {
	var rerr *RollbackError
	return errors.As(err, &rerr)
}
