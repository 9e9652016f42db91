package output

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/provision/internal/orchestrator"
	"github.com/jbweber/provision/internal/plan"
)

// YAMLFormatter formats plans and results as a YAML stream, one document
// per item.
type YAMLFormatter struct{}

// FormatPlans formats plans as YAML.
func (f *YAMLFormatter) FormatPlans(plans []*plan.Plan) (string, error) {
	var buf bytes.Buffer

	for i, p := range plans {
		data, err := yaml.Marshal(p)
		if err != nil {
			return "", fmt.Errorf("failed to marshal plan %s to YAML: %w", p.VM.Name, err)
		}

		// Add document separator between plans (but not before the first one)
		if i > 0 {
			buf.WriteString("---\n")
		}

		buf.Write(data)
	}

	return buf.String(), nil
}

// FormatResults formats results as YAML.
func (f *YAMLFormatter) FormatResults(results []*orchestrator.Result) (string, error) {
	var buf bytes.Buffer

	for i, r := range results {
		data, err := yaml.Marshal(r)
		if err != nil {
			return "", fmt.Errorf("failed to marshal result %s to YAML: %w", r.VM, err)
		}

		if i > 0 {
			buf.WriteString("---\n")
		}

		buf.Write(data)
	}

	return buf.String(), nil
}
