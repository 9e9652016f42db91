// Package output renders provisioning plans and run results in various
// formats (table, YAML, JSON).
package output

import (
	"fmt"

	"github.com/jbweber/provision/internal/orchestrator"
	"github.com/jbweber/provision/internal/plan"
)

// Format represents an output format type.
type Format string

const (
	// FormatTable is a human-readable table format.
	FormatTable Format = "table"
	// FormatYAML is a YAML format for machine consumption and archiving.
	FormatYAML Format = "yaml"
	// FormatJSON is a JSON format for machine consumption.
	FormatJSON Format = "json"
)

// Formatter formats plans and run results for output.
type Formatter interface {
	// FormatPlans formats the plans built for one invocation.
	FormatPlans(plans []*plan.Plan) (string, error)

	// FormatResults formats the results of one invocation.
	FormatResults(results []*orchestrator.Result) (string, error)
}

// Options contains options for formatting output.
type Options struct {
	// Format specifies the output format.
	Format Format
	// NoHeaders omits headers in table format.
	NoHeaders bool
}

// NewFormatter creates a new Formatter based on the specified format.
func NewFormatter(opts Options) (Formatter, error) {
	switch opts.Format {
	case FormatTable:
		return &TableFormatter{NoHeaders: opts.NoHeaders}, nil
	case FormatYAML:
		return &YAMLFormatter{}, nil
	case FormatJSON:
		return &JSONFormatter{}, nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s (supported: table, yaml, json)", opts.Format)
	}
}

// ValidateFormat checks if a format string is valid.
func ValidateFormat(format string) error {
	f := Format(format)
	switch f {
	case FormatTable, FormatYAML, FormatJSON:
		return nil
	default:
		return fmt.Errorf("unsupported output format: %s (supported: table, yaml, json)", format)
	}
}
