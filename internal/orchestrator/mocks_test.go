package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/jbweber/provision/internal/plan"
	"github.com/jbweber/provision/internal/provider"
	"github.com/jbweber/provision/internal/status"
)

// mockAdapter records calls and returns scripted results per method.
// Methods without a scripted error succeed with Changed=true unless listed
// in unchanged. fail is keyed by method, or by "method/vm" to fail a single
// VM of a batch.
type mockAdapter struct {
	mu        sync.Mutex
	calls     []string
	fail      map[string]error
	unchanged map[string]bool

	// hook runs after a call is recorded.
	hook func(method string)

	// delay is added to every call; inflight and maxInflight track
	// concurrent calls.
	delay       time.Duration
	inflight    int
	maxInflight int

	// block makes the method wait for its context to end.
	block map[string]bool

	// hang makes the method ignore its context and wait for release.
	hang    map[string]bool
	release chan struct{}
}

func newMockAdapter() *mockAdapter {
	return &mockAdapter{
		fail:      make(map[string]error),
		unchanged: make(map[string]bool),
		block:     make(map[string]bool),
		hang:      make(map[string]bool),
		release:   make(chan struct{}),
	}
}

func (m *mockAdapter) do(ctx context.Context, method, vm string) (provider.Outcome, error) {
	m.mu.Lock()
	m.calls = append(m.calls, method)
	err, ok := m.fail[method]
	if !ok {
		err = m.fail[method+"/"+vm]
	}
	unchanged := m.unchanged[method]
	block := m.block[method]
	hang := m.hang[method]
	hook := m.hook
	m.inflight++
	m.maxInflight = max(m.maxInflight, m.inflight)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inflight--
		m.mu.Unlock()
	}()

	if hook != nil {
		hook(method)
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}

	if block {
		<-ctx.Done()
		return provider.Outcome{}, provider.NewError(provider.KindBackendUnavailable, method, "", ctx.Err())
	}
	if hang {
		<-m.release
	}
	if err != nil {
		return provider.Outcome{}, err
	}
	return provider.Outcome{Changed: !unchanged, Output: method + " ok"}, nil
}

func (m *mockAdapter) MaxInflight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInflight
}

func (m *mockAdapter) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *mockAdapter) Name() string                   { return "mock" }
func (m *mockAdapter) Ping(ctx context.Context) error { return nil }

func (m *mockAdapter) CreateDisk(ctx context.Context, p provider.DiskParams) (provider.Outcome, error) {
	return m.do(ctx, "CreateDisk", p.Path)
}

func (m *mockAdapter) DeleteDisk(ctx context.Context, p provider.DiskParams) (provider.Outcome, error) {
	return m.do(ctx, "DeleteDisk", p.Path)
}

func (m *mockAdapter) CreateVM(ctx context.Context, p provider.VMParams) (provider.Outcome, error) {
	return m.do(ctx, "CreateVM", p.Name)
}

func (m *mockAdapter) DeleteVM(ctx context.Context, p provider.VMParams) (provider.Outcome, error) {
	return m.do(ctx, "DeleteVM", p.Name)
}

func (m *mockAdapter) SetFirmware(ctx context.Context, p provider.FirmwareParams) (provider.Outcome, error) {
	if p.SecureBoot {
		return m.do(ctx, "SetFirmware:on", p.VMName)
	}
	return m.do(ctx, "SetFirmware:off", p.VMName)
}

func (m *mockAdapter) AttachMedia(ctx context.Context, p provider.MediaParams) (provider.Outcome, error) {
	return m.do(ctx, "AttachMedia:"+p.Path, p.VMName)
}

func (m *mockAdapter) DetachMedia(ctx context.Context, p provider.MediaParams) (provider.Outcome, error) {
	return m.do(ctx, "DetachMedia:"+p.Path, p.VMName)
}

func (m *mockAdapter) StartVM(ctx context.Context, p provider.VMParams) (provider.Outcome, error) {
	return m.do(ctx, "StartVM", p.Name)
}

func (m *mockAdapter) StopVM(ctx context.Context, p provider.VMParams) (provider.Outcome, error) {
	return m.do(ctx, "StopVM", p.Name)
}

// mockRecorder counts observations.
type mockRecorder struct {
	mu        sync.Mutex
	steps     map[StepStatus]int
	rollbacks map[bool]int
	runs      []status.Phase
}

func newMockRecorder() *mockRecorder {
	return &mockRecorder{steps: make(map[StepStatus]int), rollbacks: make(map[bool]int)}
}

func (r *mockRecorder) ObserveStep(_ string, _ plan.StepName, s StepStatus, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[s]++
}

func (r *mockRecorder) ObserveRollback(_ string, _ plan.StepName, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollbacks[ok]++
}

func (r *mockRecorder) ObserveRun(_ string, phase status.Phase, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, phase)
}
