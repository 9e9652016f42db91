// Package loader reads VirtualMachine documents from YAML files.
package loader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/provision/api/v1alpha1"
	"github.com/jbweber/provision/internal/plan"
)

// LoadFromFile loads every VirtualMachine document in a YAML file.
// The documents must be in the provision.jbweber.dev/v1alpha1 format.
func LoadFromFile(path string) ([]*v1alpha1.VirtualMachine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &plan.InvalidSpecError{Name: path, Problems: []string{fmt.Sprintf("failed to read file: %v", err)}}
	}

	vms, err := LoadFromYAML(data)
	if err != nil {
		var serr *plan.InvalidSpecError
		if errors.As(err, &serr) && serr.Name == "" {
			serr.Name = path
		}
		return nil, err
	}
	return vms, nil
}

// LoadFromYAML decodes a YAML stream of VirtualMachine documents separated
// by "---". Empty documents are skipped; unknown fields are rejected.
//
// Only the document envelope is checked here. Spec validation is done by
// the plan builder.
func LoadFromYAML(data []byte) ([]*v1alpha1.VirtualMachine, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var vms []*v1alpha1.VirtualMachine
	for i := 0; ; i++ {
		var node yaml.Node
		err := dec.Decode(&node)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, invalid("document %d: failed to unmarshal YAML: %v", i+1, err)
		}
		if isEmpty(&node) {
			continue
		}

		var vm v1alpha1.VirtualMachine
		if err := decodeStrict(&node, &vm); err != nil {
			return nil, invalid("document %d: failed to unmarshal YAML: %v", i+1, err)
		}
		if err := checkTypeMeta(&vm); err != nil {
			return nil, invalid("document %d: %v", i+1, err)
		}
		vms = append(vms, &vm)
	}

	if len(vms) == 0 {
		return nil, invalid("no VirtualMachine documents found")
	}
	return vms, nil
}

// decodeStrict decodes node into out rejecting unknown fields. yaml.Node.Decode
// does not honor the decoder's KnownFields setting, so the node is re-encoded.
func decodeStrict(node *yaml.Node, out interface{}) error {
	data, err := yaml.Marshal(node)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(out)
}

func isEmpty(node *yaml.Node) bool {
	if node.Kind == yaml.DocumentNode {
		return len(node.Content) == 0 || (node.Content[0].Kind == yaml.ScalarNode && node.Content[0].Tag == "!!null")
	}
	return node.Kind == 0
}

// checkTypeMeta validates apiVersion and kind.
func checkTypeMeta(vm *v1alpha1.VirtualMachine) error {
	if vm.APIVersion == "" {
		return fmt.Errorf("missing required field: apiVersion")
	}
	if vm.Kind == "" {
		return fmt.Errorf("missing required field: kind")
	}

	expectedAPIVersion := v1alpha1.GroupName + "/" + v1alpha1.Version
	if vm.APIVersion != expectedAPIVersion {
		return fmt.Errorf("unsupported apiVersion: %s (expected: %s)", vm.APIVersion, expectedAPIVersion)
	}
	if vm.Kind != v1alpha1.VirtualMachineKind {
		return fmt.Errorf("unsupported kind: %s (expected: %s)", vm.Kind, v1alpha1.VirtualMachineKind)
	}
	return nil
}

func invalid(format string, args ...interface{}) error {
	return &plan.InvalidSpecError{Problems: []string{fmt.Sprintf(format, args...)}}
}

// SaveToFile writes VirtualMachine documents to a YAML file, separated by
// "---".
func SaveToFile(vms []*v1alpha1.VirtualMachine, path string) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)

	for _, vm := range vms {
		v1alpha1.SetDefaultAPIVersion(vm)
		if err := enc.Encode(vm); err != nil {
			return fmt.Errorf("failed to marshal VM %s to YAML: %w", vm.Name, err)
		}
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to marshal VMs to YAML: %w", err)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write file %s: %w", path, err)
	}

	return nil
}
