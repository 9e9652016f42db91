package hyperv

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jbweber/provision/internal/runner"
)

// rule answers every script containing match.
type rule struct {
	match string
	res   runner.Result
	err   error
}

// mockRunner is a runner.Runner returning canned PowerShell output.
// Rules are checked in order; the first match wins. Unmatched scripts
// succeed with empty output.
type mockRunner struct {
	mu      sync.Mutex
	rules   []rule
	scripts []string
}

func newMockRunner() *mockRunner {
	return &mockRunner{}
}

// on registers canned stdout for scripts containing match.
func (m *mockRunner) on(match, stdout string) *mockRunner {
	m.rules = append(m.rules, rule{match: match, res: runner.Result{Stdout: stdout}})
	return m
}

// fail registers a non-zero exit with stderr for scripts containing match.
func (m *mockRunner) fail(match, stderr string) *mockRunner {
	res := runner.Result{Stderr: stderr, ExitCode: 1}
	m.rules = append(m.rules, rule{match: match, res: res, err: &runner.ExitError{Command: "powershell.exe", Result: res}})
	return m
}

func (m *mockRunner) Run(_ context.Context, name string, args ...string) (runner.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(args) == 0 {
		return runner.Result{}, fmt.Errorf("no arguments")
	}
	script := args[len(args)-1]
	m.scripts = append(m.scripts, script)

	for _, r := range m.rules {
		if strings.Contains(script, r.match) {
			return r.res, r.err
		}
	}
	return runner.Result{}, nil
}

// ran reports whether any executed script contains fragment.
func (m *mockRunner) ran(fragment string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.scripts {
		if strings.Contains(s, fragment) {
			return true
		}
	}
	return false
}
