package virtualbox

import (
	"context"
	"strings"
	"sync"

	"github.com/jbweber/provision/internal/runner"
)

type rule struct {
	match string
	res   runner.Result
	err   error
}

// mockRunner is a runner.Runner returning canned VBoxManage output.
// Commands are matched on their space-joined arguments; the first rule
// wins and unmatched commands succeed with empty output.
type mockRunner struct {
	mu    sync.Mutex
	rules []rule
	calls []string
}

func newMockRunner() *mockRunner {
	return &mockRunner{}
}

func (m *mockRunner) on(match, stdout string) *mockRunner {
	m.rules = append(m.rules, rule{match: match, res: runner.Result{Stdout: stdout}})
	return m
}

func (m *mockRunner) fail(match, stderr string) *mockRunner {
	res := runner.Result{Stderr: stderr, ExitCode: 1}
	m.rules = append(m.rules, rule{match: match, res: res, err: &runner.ExitError{Command: "VBoxManage", Result: res}})
	return m
}

func (m *mockRunner) Run(_ context.Context, _ string, args ...string) (runner.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd := strings.Join(args, " ")
	m.calls = append(m.calls, cmd)
	for _, r := range m.rules {
		if strings.Contains(cmd, r.match) {
			return r.res, r.err
		}
	}
	return runner.Result{}, nil
}

// ran reports whether any command line contains fragment.
func (m *mockRunner) ran(fragment string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.calls {
		if strings.Contains(c, fragment) {
			return true
		}
	}
	return false
}

// order returns the index of the first command containing fragment, or -1.
func (m *mockRunner) order(fragment string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.calls {
		if strings.Contains(c, fragment) {
			return i
		}
	}
	return -1
}
