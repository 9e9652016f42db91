package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/provision/api/v1alpha1"
	"github.com/jbweber/provision/internal/plan"
	"github.com/jbweber/provision/internal/provider"
	"github.com/jbweber/provision/internal/status"
)

const (
	winDisk   = `C:\VMs\Win10Test.vhdx`
	winISO    = `C:\ISO\win10.iso`
	answerISO = `C:\ISO\answer.iso`
)

func win10Test() *v1alpha1.VirtualMachine {
	vm := v1alpha1.NewVirtualMachine("Win10Test")
	vm.Spec.Provider = "hyperv"
	vm.Spec.MemoryMiB = 2048
	vm.Spec.CPUs = 2
	vm.Spec.Disk = v1alpha1.DiskSpec{Path: winDisk, SizeMiB: 40000}
	vm.Spec.Media = []v1alpha1.MediaSpec{
		{Path: winISO, Kind: v1alpha1.MediaInstaller},
		{Path: answerISO, Kind: v1alpha1.MediaAnswer},
	}
	return vm
}

func buildPlan(t *testing.T, vm *v1alpha1.VirtualMachine, opts ...plan.Option) *plan.Plan {
	t.Helper()
	p, err := plan.NewBuilder(opts...).Build(vm)
	require.NoError(t, err)
	return p
}

var win10Apply = []string{
	"CreateDisk",
	"CreateVM",
	"SetFirmware:off",
	"AttachMedia:" + winISO,
	"AttachMedia:" + answerISO,
	"StartVM",
}

// win10Undo is the rollback call for each entry of win10Apply.
var win10Undo = []string{
	"DeleteDisk",
	"DeleteVM",
	"SetFirmware:on",
	"DetachMedia:" + winISO,
	"DetachMedia:" + answerISO,
	"StopVM",
}

func statuses(res *Result) []StepStatus {
	out := make([]StepStatus, len(res.Steps))
	for i, s := range res.Steps {
		out[i] = s.Status
	}
	return out
}

func TestRun_Success(t *testing.T) {
	a := newMockAdapter()
	rec := newMockRecorder()
	o := New(a, WithRecorder(rec))

	res, err := o.Run(context.Background(), buildPlan(t, win10Test()))
	require.NoError(t, err)

	assert.Equal(t, win10Apply, a.Calls())
	assert.Equal(t, status.PhaseSucceeded, res.Phase)
	assert.True(t, res.Succeeded())
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, "Win10Test", res.VM)
	assert.Equal(t, "hyperv", res.Provider)
	assert.Empty(t, res.FailedStep)
	assert.False(t, res.FinishedAt.Before(res.StartedAt))
	for _, s := range res.Steps {
		assert.Equal(t, StepSucceeded, s.Status, s.Name)
		assert.NotEmpty(t, s.Output)
	}

	require.Len(t, res.History, 2)
	assert.Equal(t, status.PhaseExecuting, res.History[0].To)
	assert.Equal(t, status.PhaseSucceeded, res.History[1].To)

	assert.Equal(t, 6, rec.steps[StepSucceeded])
	assert.Equal(t, []status.Phase{status.PhaseSucceeded}, rec.runs)
	assert.Equal(t, ExitOK, ExitCode(err))
}

func TestRun_ConflictOnCreateVM(t *testing.T) {
	a := newMockAdapter()
	a.fail["CreateVM"] = provider.Errorf(provider.KindConflict, "create-vm", "Win10Test", "VM exists with different memory")
	o := New(a)

	res, err := o.Run(context.Background(), buildPlan(t, win10Test()))
	require.Error(t, err)

	assert.Equal(t, []string{"CreateDisk", "CreateVM", "DeleteDisk"}, a.Calls())
	assert.Equal(t, status.PhaseRolledBack, res.Phase)
	assert.Equal(t, plan.StepCreateVM, res.FailedStep)
	assert.Equal(t, []StepStatus{
		StepRolledBack, StepFailed, StepPending, StepPending, StepPending, StepPending,
	}, statuses(res))

	var stepErr *StepExecutionError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, 1, stepErr.Index)
	assert.True(t, errors.Is(err, provider.ErrConflict))
	assert.Contains(t, err.Error(), "step 2 (create-vm) failed")
	assert.Equal(t, ExitBackend, ExitCode(err))
}

func TestRun_RollbackAtEachStep(t *testing.T) {
	for i := range win10Apply {
		t.Run(win10Apply[i], func(t *testing.T) {
			a := newMockAdapter()
			a.fail[win10Apply[i]] = provider.Errorf(provider.KindBackendUnavailable, "op", "", "boom")
			o := New(a)

			res, err := o.Run(context.Background(), buildPlan(t, win10Test()))
			require.Error(t, err)

			want := append([]string(nil), win10Apply[:i+1]...)
			for j := i - 1; j >= 0; j-- {
				want = append(want, win10Undo[j])
			}
			assert.Equal(t, want, a.Calls())
			assert.Equal(t, status.PhaseRolledBack, res.Phase)

			for j, s := range res.Steps {
				switch {
				case j < i:
					assert.Equal(t, StepRolledBack, s.Status)
					assert.NotEmpty(t, s.RollbackOutput)
				case j == i:
					assert.Equal(t, StepFailed, s.Status)
					assert.Contains(t, s.Error, "boom")
				default:
					assert.Equal(t, StepPending, s.Status)
				}
			}
		})
	}
}

func TestRun_UnchangedStepsNotRolledBack(t *testing.T) {
	a := newMockAdapter()
	a.unchanged["CreateDisk"] = true
	a.unchanged["SetFirmware:off"] = true
	a.fail["AttachMedia:"+answerISO] = errors.New("drive busy")
	o := New(a)

	res, err := o.Run(context.Background(), buildPlan(t, win10Test()))
	require.Error(t, err)

	assert.Equal(t, []string{
		"CreateDisk",
		"CreateVM",
		"SetFirmware:off",
		"AttachMedia:" + winISO,
		"AttachMedia:" + answerISO,
		"DetachMedia:" + winISO,
		"DeleteVM",
	}, a.Calls())
	assert.Equal(t, []StepStatus{
		StepUnchanged, StepRolledBack, StepUnchanged, StepRolledBack, StepFailed, StepPending,
	}, statuses(res))
}

func TestRun_Idempotent(t *testing.T) {
	a := newMockAdapter()
	for _, m := range win10Apply {
		a.unchanged[m] = true
	}
	o := New(a)

	res, err := o.Run(context.Background(), buildPlan(t, win10Test()))
	require.NoError(t, err)
	assert.Equal(t, win10Apply, a.Calls())
	for _, s := range res.Steps {
		assert.Equal(t, StepUnchanged, s.Status)
	}
}

func TestRun_RollbackFailure(t *testing.T) {
	a := newMockAdapter()
	a.fail["StartVM"] = errors.New("not enough memory")
	a.fail["DeleteVM"] = errors.New("VM is locked")
	rec := newMockRecorder()
	o := New(a, WithRecorder(rec))

	res, err := o.Run(context.Background(), buildPlan(t, win10Test()))
	require.Error(t, err)

	// Every remaining rollback action still runs after one fails.
	assert.Equal(t, append(append([]string(nil), win10Apply...),
		"DetachMedia:"+answerISO,
		"DetachMedia:"+winISO,
		"SetFirmware:on",
		"DeleteVM",
		"DeleteDisk",
	), a.Calls())

	assert.Equal(t, status.PhaseRollbackFailed, res.Phase)
	assert.Equal(t, StepRollbackFailed, res.Steps[1].Status)
	assert.Contains(t, res.Steps[1].RollbackError, "VM is locked")
	require.Len(t, res.RollbackErrors, 1)
	assert.Contains(t, res.RollbackErrors[0], "rollback of create-vm")

	var rerr *RollbackError
	require.True(t, errors.As(err, &rerr))
	var stepErr *StepExecutionError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, plan.StepStartVM, stepErr.Step)
	assert.Contains(t, err.Error(), "manual cleanup required")
	assert.Equal(t, ExitRollback, ExitCode(err))

	assert.Equal(t, 4, rec.rollbacks[true])
	assert.Equal(t, 1, rec.rollbacks[false])
	assert.Equal(t, []status.Phase{status.PhaseRollbackFailed}, rec.runs)
}

func TestRun_DryRun(t *testing.T) {
	a := newMockAdapter()
	o := New(a, WithDryRun(true))

	p := buildPlan(t, win10Test())
	res, err := o.Run(context.Background(), p)
	require.NoError(t, err)

	assert.Empty(t, a.Calls())
	assert.True(t, res.DryRun)
	assert.Equal(t, status.PhasePlanned, res.Phase)
	require.Len(t, res.Steps, len(p.Steps))
	for i, s := range res.Steps {
		assert.Equal(t, StepPending, s.Status)
		assert.Equal(t, p.Steps[i].Description, s.Description)
	}
}

func TestRun_OptionalFirmwareSkipped(t *testing.T) {
	a := newMockAdapter()
	a.fail["SetFirmware:off"] = provider.Errorf(provider.KindInvalidParameter, "set-firmware", "Win10Test", "template not found")
	rec := newMockRecorder()
	o := New(a, WithRecorder(rec))

	res, err := o.Run(context.Background(), buildPlan(t, win10Test(), plan.WithBestEffortFirmware(true)))
	require.NoError(t, err)

	assert.Equal(t, win10Apply, a.Calls())
	assert.Equal(t, status.PhaseSucceeded, res.Phase)
	assert.Equal(t, StepSkipped, res.Steps[2].Status)
	assert.Contains(t, res.Steps[2].Error, "template not found")
	assert.Equal(t, 1, rec.steps[StepSkipped])
}

func TestRun_OptionalSkippedStepNotRolledBack(t *testing.T) {
	a := newMockAdapter()
	a.fail["SetFirmware:off"] = errors.New("no template")
	a.fail["StartVM"] = errors.New("no memory")
	o := New(a)

	res, err := o.Run(context.Background(), buildPlan(t, win10Test(), plan.WithBestEffortFirmware(true)))
	require.Error(t, err)

	assert.NotContains(t, a.Calls(), "SetFirmware:on")
	assert.Equal(t, StepSkipped, res.Steps[2].Status)
	assert.Equal(t, status.PhaseRolledBack, res.Phase)
}

func TestRun_StepTimeout(t *testing.T) {
	a := newMockAdapter()
	a.block["CreateVM"] = true
	o := New(a, WithStepTimeout(50*time.Millisecond))

	res, err := o.Run(context.Background(), buildPlan(t, win10Test()))
	require.Error(t, err)

	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Contains(t, err.Error(), "timed out after 50ms")
	assert.Equal(t, []string{"CreateDisk", "CreateVM", "DeleteDisk"}, a.Calls())
	assert.Equal(t, status.PhaseRolledBack, res.Phase)
	assert.Equal(t, ExitBackend, ExitCode(err))
}

func TestRun_StepTimeoutAbandonsStuckCall(t *testing.T) {
	a := newMockAdapter()
	a.hang["CreateVM"] = true
	t.Cleanup(func() { close(a.release) })
	o := New(a, WithStepTimeout(50*time.Millisecond))
	p := buildPlan(t, win10Test())

	done := make(chan struct{})
	var res *Result
	var err error
	go func() {
		res, err = o.Run(context.Background(), p)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the step timeout")
	}

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, status.PhaseRolledBack, res.Phase)
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	a := newMockAdapter()
	o := New(a)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := o.Run(ctx, buildPlan(t, win10Test()))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, a.Calls())
	assert.Equal(t, status.PhaseRolledBack, res.Phase)
	assert.Equal(t, plan.StepCreateDisk, res.FailedStep)
}

func TestRun_CancelledAtStepBoundary(t *testing.T) {
	a := newMockAdapter()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancel while create-vm is in flight; the call itself completes.
	a.hook = func(method string) {
		if method == "CreateVM" {
			cancel()
		}
	}
	o := New(a)

	res, err := o.Run(ctx, buildPlan(t, win10Test()))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Contains(t, err.Error(), "not started")

	assert.Equal(t, []string{"CreateDisk", "CreateVM", "DeleteVM", "DeleteDisk"}, a.Calls())
	assert.Equal(t, plan.StepSetFirmware, res.FailedStep)
	assert.Equal(t, status.PhaseRolledBack, res.Phase)
	assert.Equal(t, StepRolledBack, res.Steps[1].Status)
}

func TestRun_Generation1(t *testing.T) {
	vm := win10Test()
	vm.Spec.Generation = 1
	a := newMockAdapter()
	a.fail["StartVM"] = errors.New("boom")
	o := New(a)

	_, err := o.Run(context.Background(), buildPlan(t, vm))
	require.Error(t, err)
	assert.NotContains(t, a.Calls(), "SetFirmware:off")
	assert.NotContains(t, a.Calls(), "SetFirmware:on")
}

func TestRunAll(t *testing.T) {
	var plans []*plan.Plan
	for i := 0; i < 4; i++ {
		vm := win10Test()
		vm.Name = fmt.Sprintf("vm%d", i)
		vm.Spec.Disk.Path = fmt.Sprintf(`C:\VMs\vm%d.vhdx`, i)
		plans = append(plans, buildPlan(t, vm))
	}

	a := newMockAdapter()
	a.delay = 20 * time.Millisecond
	a.fail["CreateVM/vm2"] = provider.Errorf(provider.KindConflict, "create-vm", "vm2", "exists")
	o := New(a)

	results, err := o.RunAll(context.Background(), plans, 2)
	require.Error(t, err)
	require.Len(t, results, 4)

	for i, res := range results {
		assert.Equal(t, fmt.Sprintf("vm%d", i), res.VM)
		if i == 2 {
			assert.Equal(t, status.PhaseRolledBack, res.Phase)
			continue
		}
		assert.Equal(t, status.PhaseSucceeded, res.Phase)
	}

	assert.Contains(t, err.Error(), "vm2: step 2 (create-vm) failed")
	assert.NotContains(t, err.Error(), "vm1")
	assert.Equal(t, ExitBackend, ExitCode(err))
	assert.LessOrEqual(t, a.MaxInflight(), 2)
	assert.Greater(t, a.MaxInflight(), 1)
}

func TestRunAll_Sequential(t *testing.T) {
	var plans []*plan.Plan
	for _, name := range []string{"a", "b", "c"} {
		vm := win10Test()
		vm.Name = name
		vm.Spec.Disk.Path = `C:\VMs\` + name + `.vhdx`
		plans = append(plans, buildPlan(t, vm))
	}

	a := newMockAdapter()
	o := New(a)

	results, err := o.RunAll(context.Background(), plans, 0)
	require.NoError(t, err)
	assert.Len(t, results, 3)
	assert.Equal(t, 1, a.MaxInflight())
	assert.Len(t, a.Calls(), 18)
}

func TestRunAll_RollbackFailureWins(t *testing.T) {
	var plans []*plan.Plan
	for _, name := range []string{"ok", "rolled", "stuck"} {
		vm := win10Test()
		vm.Name = name
		vm.Spec.Disk.Path = `C:\VMs\` + name + `.vhdx`
		plans = append(plans, buildPlan(t, vm))
	}

	a := newMockAdapter()
	a.fail["CreateVM/rolled"] = errors.New("exists")
	a.fail["StartVM/stuck"] = errors.New("no memory")
	a.fail["DeleteVM/stuck"] = errors.New("locked")
	o := New(a)

	_, err := o.RunAll(context.Background(), plans, 3)
	require.Error(t, err)
	assert.Equal(t, ExitRollback, ExitCode(err))
}

func TestRunAll_DuplicateNames(t *testing.T) {
	first := buildPlan(t, win10Test())
	vm := win10Test()
	vm.Name = "WIN10TEST"
	vm.Spec.Disk.Path = `C:\VMs\other.vhdx`
	second := buildPlan(t, vm)

	a := newMockAdapter()
	o := New(a)

	results, err := o.RunAll(context.Background(), []*plan.Plan{first, second}, 2)
	require.Error(t, err)
	assert.Nil(t, results)
	assert.Empty(t, a.Calls())
	assert.True(t, errors.Is(err, plan.ErrInvalidSpec))
	assert.Contains(t, err.Error(), "WIN10TEST appears more than once")
	assert.Equal(t, ExitInvalid, ExitCode(err))
}

func TestExitCode(t *testing.T) {
	stepErr := &StepExecutionError{Index: 0, Step: plan.StepCreateDisk, Err: errors.New("boom")}

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: ExitOK},
		{name: "invalid spec", err: &plan.InvalidSpecError{Name: "x", Problems: []string{"bad"}}, want: ExitInvalid},
		{name: "wrapped invalid spec", err: fmt.Errorf("loading: %w", plan.ErrInvalidSpec), want: ExitInvalid},
		{name: "step failure", err: stepErr, want: ExitBackend},
		{name: "plain error", err: errors.New("connection refused"), want: ExitBackend},
		{name: "rollback failure", err: &RollbackError{Cause: stepErr}, want: ExitRollback},
		{name: "wrapped rollback failure", err: fmt.Errorf("vm1: %w", &RollbackError{Cause: stepErr}), want: ExitRollback},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}
