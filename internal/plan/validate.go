package plan

import (
	"fmt"
	"slices"
	"strings"

	"github.com/jbweber/provision/api/v1alpha1"
	"github.com/jbweber/provision/internal/naming"
)

// diskFormats lists the disk image formats each provider can create.
var diskFormats = map[string][]string{
	"hyperv":     {"vhdx", "vhd"},
	"virtualbox": {"vdi", "vmdk", "vhd"},
	"libvirt":    {"qcow2", "raw"},
}

// KnownProvider reports whether name is a supported provider.
func KnownProvider(name string) bool {
	_, ok := diskFormats[name]
	return ok
}

// Validate checks a normalized VirtualMachine and returns an
// *InvalidSpecError listing every problem, or nil.
//
// When provider is non-empty the disk format is also checked against what
// that provider can create.
func Validate(vm *v1alpha1.VirtualMachine, provider string) error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if err := naming.ValidateVMName(vm.Name); err != nil {
		add("metadata.name: %v", err)
	}

	if provider != "" && !KnownProvider(provider) {
		add("provider: unknown provider %q (want hyperv, virtualbox or libvirt)", provider)
	}

	s := vm.Spec
	if s.Generation != 1 && s.Generation != 2 {
		add("spec.generation: must be 1 or 2, got %d", s.Generation)
	}
	if s.MemoryMiB <= 0 {
		add("spec.memoryMiB: must be > 0, got %d", s.MemoryMiB)
	}
	if s.CPUs <= 0 {
		add("spec.cpus: must be > 0, got %d", s.CPUs)
	}

	if s.Disk.Path == "" {
		add("spec.disk.path: is required")
	} else if err := naming.ValidatePath(s.Disk.Path); err != nil {
		add("spec.disk.path: %v", err)
	} else if format := naming.DiskFormat(s.Disk.Path); format == "" {
		add("spec.disk.path: unknown disk image extension %q", naming.Ext(s.Disk.Path))
	} else if formats, ok := diskFormats[provider]; ok && !slices.Contains(formats, format) {
		add("spec.disk.path: %s cannot create %s disks (supported: %s)", provider, format, strings.Join(formats, ", "))
	}
	if s.Disk.SizeMiB <= 0 {
		add("spec.disk.sizeMiB: must be > 0, got %d", s.Disk.SizeMiB)
	}

	var seen []string
	for i, m := range s.Media {
		field := fmt.Sprintf("spec.media[%d]", i)
		switch m.GetKind() {
		case v1alpha1.MediaInstaller, v1alpha1.MediaAnswer:
		default:
			add("%s.kind: must be installer or answer, got %q", field, m.Kind)
		}

		if m.Path == "" {
			add("%s.path: is required", field)
			continue
		}
		if err := naming.ValidatePath(m.Path); err != nil {
			add("%s.path: %v", field, err)
			continue
		}
		if s.Disk.Path != "" && naming.SamePath(m.Path, s.Disk.Path) {
			add("%s.path: must differ from spec.disk.path", field)
		}
		if slices.ContainsFunc(seen, func(p string) bool { return naming.SamePath(p, m.Path) }) {
			add("%s.path: duplicate media %s", field, m.Path)
		}
		seen = append(seen, m.Path)
	}

	if s.SecureBoot && s.Generation == 1 {
		add("spec.secureBoot: requires generation 2 (UEFI) firmware")
	}
	if vm.IsInstall() && len(vm.MediaOfKind(v1alpha1.MediaInstaller)) == 0 {
		add("spec.media: installation requires at least one installer medium")
	}

	if len(problems) > 0 {
		return &InvalidSpecError{Name: vm.Name, Problems: problems}
	}
	return nil
}
