// Package plan validates VirtualMachine specs and turns them into an
// ordered list of provisioning steps.
package plan

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/jbweber/provision/api/v1alpha1"
	"github.com/jbweber/provision/internal/logging"
	"github.com/jbweber/provision/internal/media"
	"github.com/jbweber/provision/internal/naming"
	"github.com/jbweber/provision/internal/provider"
)

// Plan is the ordered step list for one VM.
type Plan struct {
	// VM is a private copy of the spec the plan was built from.
	VM       *v1alpha1.VirtualMachine `json:"vm" yaml:"vm"`
	Provider string                   `json:"provider" yaml:"provider"`
	Steps    []Step                   `json:"steps" yaml:"steps"`

	// Warnings are non-fatal findings from media inspection.
	Warnings []string `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// StepNames returns the step names in execution order.
func (p *Plan) StepNames() []StepName {
	names := make([]StepName, len(p.Steps))
	for i, s := range p.Steps {
		names[i] = s.Name
	}
	return names
}

// Builder validates specs and builds plans.
type Builder struct {
	provider           string
	bestEffortFirmware bool
	inspector          media.Inspector
	logger             zerolog.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithProvider sets the target provider when the spec does not name one.
func WithProvider(name string) Option {
	return func(b *Builder) { b.provider = name }
}

// WithBestEffortFirmware marks set-firmware optional: a failure is recorded
// and the run continues.
func WithBestEffortFirmware(enabled bool) Option {
	return func(b *Builder) { b.bestEffortFirmware = enabled }
}

// WithMediaInspector enables inspection of media images during Build.
func WithMediaInspector(i media.Inspector) Option {
	return func(b *Builder) { b.inspector = i }
}

// NewBuilder creates a Builder.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{logger: logging.Component("plan")}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build validates vm and returns its plan. vm is not modified; the plan
// holds a normalized deep copy.
//
// Step order is fixed: create-disk, create-vm, set-firmware (generation 2
// only), one attach-media per medium in spec order, start-vm.
func (b *Builder) Build(vm *v1alpha1.VirtualMachine) (*Plan, error) {
	if vm == nil {
		return nil, &InvalidSpecError{Problems: []string{"spec is empty"}}
	}

	spec := vm.DeepCopy()
	spec.Normalize()
	v1alpha1.SetDefaultAPIVersion(spec)

	providerName := spec.Spec.Provider
	if providerName == "" {
		providerName = b.provider
	}
	if providerName == "" {
		return nil, &InvalidSpecError{Name: spec.Name, Problems: []string{"provider: is required"}}
	}
	spec.Spec.Provider = providerName

	if err := Validate(spec, providerName); err != nil {
		return nil, err
	}

	p := &Plan{VM: spec, Provider: providerName}
	if b.inspector != nil {
		if err := b.inspect(p); err != nil {
			return nil, err
		}
	}

	s := spec.Spec
	vmParams := provider.VMParams{
		Name:       spec.Name,
		Generation: s.Generation,
		MemoryMiB:  s.MemoryMiB,
		CPUs:       s.CPUs,
		DiskPath:   s.Disk.Path,
	}

	p.add(Step{
		Name:        StepCreateDisk,
		Description: fmt.Sprintf("Create %d MiB disk %s", s.Disk.SizeMiB, s.Disk.Path),
		Params:      provider.DiskParams{Path: s.Disk.Path, SizeMiB: s.Disk.SizeMiB},
	})
	p.add(Step{
		Name: StepCreateVM,
		Description: fmt.Sprintf("Create generation %d VM %s (%d MiB, %d CPUs)",
			s.Generation, spec.Name, s.MemoryMiB, s.CPUs),
		Params: vmParams,
	})

	if s.Generation == 2 {
		state := "off"
		if s.SecureBoot {
			state = "on"
		}
		p.add(Step{
			Name:        StepSetFirmware,
			Description: fmt.Sprintf("Set Secure Boot %s", state),
			Optional:    b.bestEffortFirmware,
			Params:      provider.FirmwareParams{VMName: spec.Name, SecureBoot: s.SecureBoot},
		})
	}

	bootSet := false
	for i, m := range s.Media {
		boot := !bootSet && m.GetKind() == v1alpha1.MediaInstaller
		if boot {
			bootSet = true
		}
		desc := fmt.Sprintf("Attach %s media %s", m.GetKind(), naming.BaseName(m.Path))
		if boot {
			desc += " (boot)"
		}
		p.add(Step{
			Name:        StepAttachMedia,
			Description: desc,
			Params:      provider.MediaParams{VMName: spec.Name, Path: m.Path, Index: i, Boot: boot},
		})
	}

	p.add(Step{
		Name:        StepStartVM,
		Description: fmt.Sprintf("Start VM %s", spec.Name),
		Params:      vmParams,
	})

	b.logger.Debug().
		Str("vm", spec.Name).
		Str("provider", providerName).
		Int("steps", len(p.Steps)).
		Msg("Built plan")

	return p, nil
}

func (p *Plan) add(s Step) {
	s.Index = len(p.Steps)
	p.Steps = append(p.Steps, s)
}

// inspect reads every medium and fails the build for unreadable images.
func (b *Builder) inspect(p *Plan) error {
	var problems []string
	for i, m := range p.VM.Spec.Media {
		info, err := b.inspector.Inspect(m.Path)
		if err != nil {
			problems = append(problems, fmt.Sprintf("spec.media[%d].path: %v", i, err))
			continue
		}
		b.logger.Debug().Str("path", m.Path).Str("label", info.Label).Bool("efi", info.HasEFI).Msg("Inspected media")

		if m.GetKind() == v1alpha1.MediaInstaller && p.VM.IsUEFI() && !info.HasEFI {
			w := fmt.Sprintf("installer %s has no EFI boot files; a generation 2 VM may not boot it", naming.BaseName(m.Path))
			p.Warnings = append(p.Warnings, w)
			b.logger.Warn().Str("path", m.Path).Msg("Installer media has no EFI boot files")
		}
	}

	if len(problems) > 0 {
		return &InvalidSpecError{Name: p.VM.Name, Problems: problems}
	}
	return nil
}
