package plan

import (
	"errors"
	"strings"
)

// ErrInvalidSpec matches every *InvalidSpecError with errors.Is.
var ErrInvalidSpec = errors.New("invalid spec")

// InvalidSpecError lists every problem found in a VirtualMachine spec.
type InvalidSpecError struct {
	Name     string
	Problems []string
}

func (e *InvalidSpecError) Error() string {
	prefix := "invalid spec"
	if e.Name != "" {
		prefix = "invalid spec for " + e.Name
	}
	return prefix + ": " + strings.Join(e.Problems, "; ")
}

// Is reports whether target is ErrInvalidSpec.
func (e *InvalidSpecError) Is(target error) bool {
	return target == ErrInvalidSpec
}
