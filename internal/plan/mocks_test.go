package plan

import (
	"context"
	"errors"

	"github.com/jbweber/provision/internal/media"
	"github.com/jbweber/provision/internal/provider"
)

// mockAdapter records every adapter call as "Method:resource".
type mockAdapter struct {
	calls []string
	last  interface{}
}

func (m *mockAdapter) record(method, resource string, params interface{}) (provider.Outcome, error) {
	m.calls = append(m.calls, method+":"+resource)
	m.last = params
	return provider.Changed(""), nil
}

func (m *mockAdapter) Name() string                   { return "mock" }
func (m *mockAdapter) Ping(ctx context.Context) error { return nil }

func (m *mockAdapter) CreateDisk(ctx context.Context, p provider.DiskParams) (provider.Outcome, error) {
	return m.record("CreateDisk", p.Path, p)
}

func (m *mockAdapter) DeleteDisk(ctx context.Context, p provider.DiskParams) (provider.Outcome, error) {
	return m.record("DeleteDisk", p.Path, p)
}

func (m *mockAdapter) CreateVM(ctx context.Context, p provider.VMParams) (provider.Outcome, error) {
	return m.record("CreateVM", p.Name, p)
}

func (m *mockAdapter) DeleteVM(ctx context.Context, p provider.VMParams) (provider.Outcome, error) {
	return m.record("DeleteVM", p.Name, p)
}

func (m *mockAdapter) SetFirmware(ctx context.Context, p provider.FirmwareParams) (provider.Outcome, error) {
	return m.record("SetFirmware", p.VMName, p)
}

func (m *mockAdapter) AttachMedia(ctx context.Context, p provider.MediaParams) (provider.Outcome, error) {
	return m.record("AttachMedia", p.Path, p)
}

func (m *mockAdapter) DetachMedia(ctx context.Context, p provider.MediaParams) (provider.Outcome, error) {
	return m.record("DetachMedia", p.Path, p)
}

func (m *mockAdapter) StartVM(ctx context.Context, p provider.VMParams) (provider.Outcome, error) {
	return m.record("StartVM", p.Name, p)
}

func (m *mockAdapter) StopVM(ctx context.Context, p provider.VMParams) (provider.Outcome, error) {
	return m.record("StopVM", p.Name, p)
}

// stubInspector returns canned media info keyed by path.
type stubInspector map[string]media.Info

func (s stubInspector) Inspect(path string) (media.Info, error) {
	info, ok := s[path]
	if !ok {
		return media.Info{}, errors.New("not an ISO9660 image")
	}
	return info, nil
}
