package main

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/jbweber/provision/api/v1alpha1"
	"github.com/jbweber/provision/internal/config"
	"github.com/jbweber/provision/internal/loader"
	"github.com/jbweber/provision/internal/media"
	"github.com/jbweber/provision/internal/output"
	"github.com/jbweber/provision/internal/plan"
)

// flagKeys maps flags to the config keys they override.
var flagKeys = map[string]string{
	"provider":             "provider",
	"step-timeout":         "step_timeout",
	"parallel":             "parallel",
	"output":               "output",
	"metrics-file":         "metrics_file",
	"best-effort-firmware": "best_effort_firmware",
	"inspect-media":        "inspect_media",
}

// loadConfig reads the config file and applies the flags set on cmd.
func loadConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	overrides := make(map[string]interface{})
	for flag, key := range flagKeys {
		f := cmd.Flags().Lookup(flag)
		if f == nil || !f.Changed {
			continue
		}
		switch flag {
		case "provider":
			overrides[key] = opts.provider
		case "step-timeout":
			overrides[key] = opts.stepTimeout
		case "parallel":
			overrides[key] = opts.parallel
		case "output":
			if err := output.ValidateFormat(opts.output); err != nil {
				return nil, &usageError{err: err}
			}
			overrides[key] = opts.output
		case "metrics-file":
			overrides[key] = opts.metricsFile
		case "best-effort-firmware":
			overrides[key] = opts.bestEffortFirmware
		case "inspect-media":
			overrides[key] = opts.inspectMedia
		}
	}

	path, required := opts.configPath, true
	if path == "" {
		path, required = config.DefaultPath(), false
	}

	cfg, err := config.Load(path, required, overrides)
	if err != nil {
		return nil, &usageError{err: err}
	}
	return cfg, nil
}

// parseSecureBoot accepts on/off and the usual boolean spellings.
func parseSecureBoot(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "on", "true", "yes", "1":
		return true, nil
	case "off", "false", "no", "0", "":
		return false, nil
	default:
		return false, fmt.Errorf("--secure-boot must be on or off, got %q", v)
	}
}

// specFromFlags builds the VirtualMachine described by the flags.
func specFromFlags(opts *options) (*v1alpha1.VirtualMachine, error) {
	secureBoot, err := parseSecureBoot(opts.secureBoot)
	if err != nil {
		return nil, &plan.InvalidSpecError{Name: opts.name, Problems: []string{err.Error()}}
	}

	vm := v1alpha1.NewVirtualMachine(opts.name)
	vm.Spec.Generation = opts.generation
	vm.Spec.MemoryMiB = opts.memoryMB
	vm.Spec.CPUs = opts.cpus
	vm.Spec.Disk = v1alpha1.DiskSpec{Path: opts.diskPath, SizeMiB: opts.diskSizeMB}
	vm.Spec.SecureBoot = secureBoot

	if opts.iso != "" {
		vm.Spec.Media = append(vm.Spec.Media, v1alpha1.MediaSpec{Path: opts.iso, Kind: v1alpha1.MediaInstaller})
	}
	if opts.answerISO != "" {
		vm.Spec.Media = append(vm.Spec.Media, v1alpha1.MediaSpec{Path: opts.answerISO, Kind: v1alpha1.MediaAnswer})
	}

	return vm, nil
}

// loadVMs returns the VMs described by --spec or by the flags. An explicit
// --provider replaces the provider named in the documents.
func loadVMs(cmd *cobra.Command, opts *options) ([]*v1alpha1.VirtualMachine, error) {
	if opts.specPath != "" && opts.name != "" {
		return nil, &usageError{err: fmt.Errorf("--spec and --name cannot be used together")}
	}

	var vms []*v1alpha1.VirtualMachine
	if opts.specPath != "" {
		loaded, err := loader.LoadFromFile(opts.specPath)
		if err != nil {
			return nil, err
		}
		vms = loaded
	} else {
		vm, err := specFromFlags(opts)
		if err != nil {
			return nil, err
		}
		vms = []*v1alpha1.VirtualMachine{vm}
	}

	if cmd.Flags().Changed("provider") {
		for _, vm := range vms {
			vm.Spec.Provider = opts.provider
		}
	}
	return vms, nil
}

// buildPlans builds one plan per VM and reports the problems of every
// invalid VM together.
func buildPlans(cfg *config.Config, vms []*v1alpha1.VirtualMachine) ([]*plan.Plan, error) {
	builderOpts := []plan.Option{
		plan.WithProvider(cfg.Provider),
		plan.WithBestEffortFirmware(cfg.BestEffortFirmware),
	}
	if cfg.InspectMedia {
		builderOpts = append(builderOpts, plan.WithMediaInspector(media.ISOInspector{}))
	}
	builder := plan.NewBuilder(builderOpts...)

	var merr *multierror.Error
	plans := make([]*plan.Plan, 0, len(vms))
	for _, vm := range vms {
		p, err := builder.Build(vm)
		if err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		plans = append(plans, p)
	}
	if merr != nil {
		merr.ErrorFormat = func(es []error) string {
			msgs := make([]string, len(es))
			for i, e := range es {
				msgs[i] = e.Error()
			}
			return strings.Join(msgs, "\n  ")
		}
		return nil, merr
	}
	return plans, nil
}
