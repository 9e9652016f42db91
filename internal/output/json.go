package output

import (
	"encoding/json"
	"fmt"

	"github.com/jbweber/provision/internal/orchestrator"
	"github.com/jbweber/provision/internal/plan"
)

// JSONFormatter formats plans and results as JSON. A single item is
// written as an object, several as an array.
type JSONFormatter struct{}

// FormatPlans formats plans as JSON.
func (f *JSONFormatter) FormatPlans(plans []*plan.Plan) (string, error) {
	if len(plans) == 1 {
		return marshalJSON(plans[0], "plan")
	}
	if len(plans) == 0 {
		return "[]\n", nil
	}
	return marshalJSON(plans, "plans")
}

// FormatResults formats results as JSON.
func (f *JSONFormatter) FormatResults(results []*orchestrator.Result) (string, error) {
	if len(results) == 1 {
		return marshalJSON(results[0], "result")
	}
	if len(results) == 0 {
		return "[]\n", nil
	}
	return marshalJSON(results, "results")
}

func marshalJSON(v interface{}, what string) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s to JSON: %w", what, err)
	}

	return string(data) + "\n", nil
}
