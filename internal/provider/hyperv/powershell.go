package hyperv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jbweber/provision/internal/provider"
	"github.com/jbweber/provision/internal/runner"
)

// quote returns s as a single-quoted PowerShell string literal.
// Single quotes are the only character that needs escaping inside one.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// ps runs a PowerShell script and classifies failures.
func (a *Adapter) ps(ctx context.Context, op, resource, script string) (string, error) {
	res, err := a.run.Run(ctx, a.cfg.PowerShell,
		"-NoProfile",
		"-NonInteractive",
		"-ExecutionPolicy", "Bypass",
		"-Command", "$ErrorActionPreference = 'Stop'; "+script,
	)
	if err != nil {
		return res.Combined(), classify(op, resource, err)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// classify maps PowerShell failures to provider error kinds.
func classify(op, resource string, err error) error {
	var startErr *runner.StartError
	if errors.As(err, &startErr) {
		return provider.NewError(provider.KindBackendUnavailable, op, resource, err)
	}

	var exitErr *runner.ExitError
	if !errors.As(err, &exitErr) {
		return provider.NewError(provider.KindBackendUnavailable, op, resource, err)
	}

	msg := strings.ToLower(exitErr.Result.Combined())
	switch {
	case strings.Contains(msg, "is not recognized as the name of a cmdlet"),
		strings.Contains(msg, "hyper-v module"),
		strings.Contains(msg, "virtual machine management service"):
		return provider.NewError(provider.KindBackendUnavailable, op, resource, err)
	case strings.Contains(msg, "unable to find a virtual machine"),
		strings.Contains(msg, "objectnotfound"),
		strings.Contains(msg, "does not exist"),
		strings.Contains(msg, "cannot find path"):
		return provider.NewError(provider.KindNotFound, op, resource, err)
	case strings.Contains(msg, "already exists"):
		return provider.NewError(provider.KindAlreadyExists, op, resource, err)
	case strings.Contains(msg, "cannot validate argument"),
		strings.Contains(msg, "invalidargument"),
		strings.Contains(msg, "parameterbindingvalidationexception"),
		strings.Contains(msg, "invalid parameter"):
		return provider.NewError(provider.KindInvalidParameter, op, resource, err)
	case strings.Contains(msg, "invalid state"),
		strings.Contains(msg, "operation cannot be performed while"):
		return provider.NewError(provider.KindConflict, op, resource, err)
	default:
		return provider.NewError(provider.KindBackendUnavailable, op, resource, err)
	}
}

// decodeList decodes ConvertTo-Json output, which is an object for a single
// result and an array for several. Empty output decodes to an empty list.
func decodeList[T any](out string) ([]T, error) {
	out = strings.TrimSpace(out)
	if out == "" {
		return nil, nil
	}
	if strings.HasPrefix(out, "[") {
		var items []T
		if err := json.Unmarshal([]byte(out), &items); err != nil {
			return nil, fmt.Errorf("failed to decode PowerShell JSON: %w", err)
		}
		return items, nil
	}
	var item T
	if err := json.Unmarshal([]byte(out), &item); err != nil {
		return nil, fmt.Errorf("failed to decode PowerShell JSON: %w", err)
	}
	return []T{item}, nil
}
