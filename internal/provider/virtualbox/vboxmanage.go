package virtualbox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jbweber/provision/internal/provider"
	"github.com/jbweber/provision/internal/runner"
)

// vbox runs VBoxManage and classifies failures.
func (a *Adapter) vbox(ctx context.Context, op, resource string, args ...string) (string, error) {
	res, err := a.run.Run(ctx, a.cfg.VBoxManage, args...)
	if err != nil {
		return res.Combined(), classify(op, resource, err)
	}
	return res.Combined(), nil
}

// classify maps VBoxManage failures to provider error kinds.
func classify(op, resource string, err error) error {
	var exitErr *runner.ExitError
	if !errors.As(err, &exitErr) {
		return provider.NewError(provider.KindBackendUnavailable, op, resource, err)
	}

	msg := exitErr.Result.Combined()
	switch {
	case strings.Contains(msg, "Could not find a registered machine"),
		strings.Contains(msg, "VBOX_E_OBJECT_NOT_FOUND"),
		strings.Contains(msg, "Could not find file for the medium"),
		strings.Contains(msg, "VERR_FILE_NOT_FOUND"),
		strings.Contains(msg, "VERR_NOT_FOUND"):
		return provider.NewError(provider.KindNotFound, op, resource, err)
	case strings.Contains(msg, "already exists"):
		return provider.NewError(provider.KindAlreadyExists, op, resource, err)
	case strings.Contains(msg, "E_INVALIDARG"),
		strings.Contains(msg, "Syntax error"),
		strings.Contains(msg, "Invalid parameter"):
		return provider.NewError(provider.KindInvalidParameter, op, resource, err)
	case strings.Contains(msg, "VBOX_E_INVALID_VM_STATE"),
		strings.Contains(msg, "VBOX_E_INVALID_OBJECT_STATE"),
		strings.Contains(msg, "is already locked"):
		return provider.NewError(provider.KindConflict, op, resource, err)
	default:
		return provider.NewError(provider.KindBackendUnavailable, op, resource, err)
	}
}

// parseMachineReadable parses `showvminfo --machinereadable` output.
//
// Lines look like:
//
//	memory=2048
//	firmware="EFI"
//	"SATA-0-0"="/vms/Win10Test.vdi"
func parseMachineReadable(out string) map[string]string {
	info := make(map[string]string)
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		var key, rest string
		if strings.HasPrefix(line, `"`) {
			end := strings.Index(line[1:], `"`)
			if end < 0 {
				continue
			}
			key = line[1 : end+1]
			rest = line[end+2:]
			if !strings.HasPrefix(rest, "=") {
				continue
			}
			rest = rest[1:]
		} else {
			k, v, ok := strings.Cut(line, "=")
			if !ok {
				continue
			}
			key, rest = k, v
		}

		info[key] = strings.Trim(rest, `"`)
	}
	return info
}

// parseCapacityMiB extracts the capacity from `showmediuminfo` output
// ("Capacity:       40000 MBytes").
func parseCapacityMiB(out string) (int, error) {
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "Capacity:") {
			continue
		}
		fields := strings.Fields(strings.TrimPrefix(line, "Capacity:"))
		if len(fields) < 2 {
			return 0, fmt.Errorf("unexpected capacity line %q", line)
		}
		n, err := strconv.Atoi(fields[0])
		if err != nil {
			return 0, fmt.Errorf("unexpected capacity line %q: %w", line, err)
		}
		switch strings.ToLower(fields[1]) {
		case "mbytes":
			return n, nil
		case "gbytes":
			return n * 1024, nil
		default:
			return 0, fmt.Errorf("unexpected capacity unit in %q", line)
		}
	}
	return 0, fmt.Errorf("capacity not found in medium info")
}

// parseSecureBootVar reads `modifynvram queryvar` output, a hex dump of the
// variable data ("0000: 01"). The first data byte is 1 when Secure Boot is on.
func parseSecureBootVar(out string) (bool, error) {
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if _, rest, ok := strings.Cut(line, ":"); ok {
			line = rest
		}
		for _, f := range strings.Fields(line) {
			if len(f) != 2 {
				continue
			}
			b, err := strconv.ParseUint(f, 16, 8)
			if err != nil {
				continue
			}
			return b == 1, nil
		}
	}
	return false, fmt.Errorf("unexpected SecureBoot variable output %q", strings.TrimSpace(out))
}

// parseExtraData reads `getextradata` output: "Value: <v>" or "No value set!".
func parseExtraData(out string) (string, bool) {
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		if v, ok := strings.CutPrefix(strings.TrimSpace(sc.Text()), "Value:"); ok {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}
