// Package config loads the provision tool settings: defaults, then an
// optional YAML file, then PROVISION_* environment variables, then flags.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/jbweber/provision/internal/orchestrator"
)

// Config holds the tool settings. VM documents are not part of it; they are
// read by the loader package.
type Config struct {
	// Provider is used for VM documents that do not name one.
	Provider string `koanf:"provider" validate:"omitempty,oneof=hyperv virtualbox libvirt"`

	// StepTimeout bounds each adapter call.
	StepTimeout time.Duration `koanf:"step_timeout" validate:"gt=0"`

	// Parallel is the number of VMs provisioned at the same time.
	Parallel int `koanf:"parallel" validate:"min=1,max=64"`

	// Output is the result format: table, yaml or json.
	Output string `koanf:"output" validate:"oneof=table yaml json"`

	// MetricsFile receives run metrics in the Prometheus text format.
	MetricsFile string `koanf:"metrics_file"`

	// BestEffortFirmware lets a failed set-firmware step be skipped.
	BestEffortFirmware bool `koanf:"best_effort_firmware"`

	// InspectMedia reads ISO images while planning.
	InspectMedia bool `koanf:"inspect_media"`

	LogLevel string `koanf:"log_level" validate:"omitempty,oneof=trace debug info warn error"`
	LogJSON  bool   `koanf:"log_json"`

	HyperV     HyperVConfig     `koanf:"hyperv"`
	VirtualBox VirtualBoxConfig `koanf:"virtualbox"`
	Libvirt    LibvirtConfig    `koanf:"libvirt"`
}

// HyperVConfig holds Hyper-V adapter settings.
type HyperVConfig struct {
	PowerShell         string `koanf:"powershell" validate:"required"`
	SwitchName         string `koanf:"switch_name"`
	SecureBootTemplate string `koanf:"secure_boot_template"`
}

// VirtualBoxConfig holds VirtualBox adapter settings.
type VirtualBoxConfig struct {
	VBoxManage string `koanf:"vboxmanage" validate:"required"`
	OSType     string `koanf:"os_type" validate:"required"`
	Controller string `koanf:"controller" validate:"required"`
}

// LibvirtConfig holds libvirt adapter settings.
type LibvirtConfig struct {
	Socket         string        `koanf:"socket" validate:"required"`
	Pool           string        `koanf:"pool" validate:"required"`
	Network        string        `koanf:"network"`
	ConnectTimeout time.Duration `koanf:"connect_timeout" validate:"gt=0"`
}

// Defaults returns the built-in settings as a flat koanf map.
func Defaults() map[string]interface{} {
	return map[string]interface{}{
		"step_timeout":            orchestrator.DefaultStepTimeout.String(),
		"parallel":                1,
		"output":                  "table",
		"best_effort_firmware":    false,
		"inspect_media":           false,
		"log_json":                false,
		"hyperv.powershell":       "powershell.exe",
		"virtualbox.vboxmanage":   "VBoxManage",
		"virtualbox.os_type":      "Other_64",
		"virtualbox.controller":   "SATA",
		"libvirt.socket":          "/var/run/libvirt/libvirt-sock",
		"libvirt.pool":            "default",
		"libvirt.connect_timeout": "5s",
	}
}

// Validate checks the settings and reports every invalid field.
func (c *Config) Validate() error {
	v := validator.New()
	err := v.Struct(c)
	if err == nil {
		return nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return fmt.Errorf("failed to validate configuration: %w", err)
	}

	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		problems = append(problems, describe(fe))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
}

// describe renders a validation failure using the config key names.
func describe(fe validator.FieldError) string {
	key := keyFor(fe.StructNamespace())
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", key)
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %v", key, fe.Param(), fe.Value())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s, got %v", key, fe.Param(), fe.Value())
	case "min", "max":
		return fmt.Sprintf("%s must be %s %s, got %v", key, fe.Tag(), fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("%s failed %s validation", key, fe.Tag())
	}
}

// keyNames maps struct field names to config keys.
var keyNames = map[string]string{
	"Provider":       "provider",
	"StepTimeout":    "step_timeout",
	"Parallel":       "parallel",
	"Output":         "output",
	"LogLevel":       "log_level",
	"HyperV":         "hyperv",
	"PowerShell":     "powershell",
	"VirtualBox":     "virtualbox",
	"VBoxManage":     "vboxmanage",
	"OSType":         "os_type",
	"Controller":     "controller",
	"Libvirt":        "libvirt",
	"Socket":         "socket",
	"Pool":           "pool",
	"ConnectTimeout": "connect_timeout",
}

// keyFor converts "Config.Libvirt.Pool" to "libvirt.pool".
func keyFor(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		if k, ok := keyNames[p]; ok {
			parts[i] = k
		}
	}
	return strings.Join(parts, ".")
}
