package v1alpha1

import (
	"strings"
	"time"
)

const (
	// GroupName is the API group for provision resources.
	GroupName = "provision.jbweber.dev"

	// Version is the API version.
	Version = "v1alpha1"

	// VirtualMachineKind is the kind string for VirtualMachine resources.
	VirtualMachineKind = "VirtualMachine"

	// DefaultGeneration is used when spec.generation is omitted.
	DefaultGeneration = 2
)

// NewVirtualMachine creates a new VirtualMachine with TypeMeta and defaults set.
func NewVirtualMachine(name string) *VirtualMachine {
	install := true

	return &VirtualMachine{
		TypeMeta: TypeMeta{
			APIVersion: GroupName + "/" + Version,
			Kind:       VirtualMachineKind,
		},
		ObjectMeta: ObjectMeta{
			Name:              name,
			CreationTimestamp: Time{Time: time.Now()},
		},
		Spec: VirtualMachineSpec{
			Generation: DefaultGeneration,
			Install:    &install,
		},
	}
}

// SetDefaultAPIVersion ensures the VM has the correct apiVersion and kind.
func SetDefaultAPIVersion(vm *VirtualMachine) {
	if vm.APIVersion == "" {
		vm.APIVersion = GroupName + "/" + Version
	}
	if vm.Kind == "" {
		vm.Kind = VirtualMachineKind
	}
}

// GetGeneration returns the firmware generation with default fallback.
func (vm *VirtualMachine) GetGeneration() int {
	if vm.Spec.Generation == 0 {
		return DefaultGeneration
	}
	return vm.Spec.Generation
}

// IsUEFI reports whether the VM boots with UEFI firmware.
func (vm *VirtualMachine) IsUEFI() bool {
	return vm.GetGeneration() == 2
}

// IsInstall returns true if an OS installation is implied.
// Handles nil pointer by returning the default (true).
func (vm *VirtualMachine) IsInstall() bool {
	if vm.Spec.Install == nil {
		return true
	}
	return *vm.Spec.Install
}

// MediaOfKind returns the media entries of the given kind, in spec order.
func (vm *VirtualMachine) MediaOfKind(kind MediaKind) []MediaSpec {
	var out []MediaSpec
	for _, m := range vm.Spec.Media {
		if m.GetKind() == kind {
			out = append(out, m)
		}
	}
	return out
}

// GetKind returns the media kind with default fallback.
func (m MediaSpec) GetKind() MediaKind {
	if m.Kind == "" {
		return MediaInstaller
	}
	return m.Kind
}

// Normalize trims user input and fills defaults. Called before validation.
// The VM name keeps its case: Hyper-V and VirtualBox names are case-preserving.
func (vm *VirtualMachine) Normalize() {
	vm.Name = strings.TrimSpace(vm.Name)
	vm.Spec.Provider = strings.ToLower(strings.TrimSpace(vm.Spec.Provider))
	vm.Spec.Disk.Path = strings.TrimSpace(vm.Spec.Disk.Path)

	if vm.Spec.Generation == 0 {
		vm.Spec.Generation = DefaultGeneration
	}
	if vm.Spec.Install == nil {
		install := true
		vm.Spec.Install = &install
	}

	for i := range vm.Spec.Media {
		vm.Spec.Media[i].Path = strings.TrimSpace(vm.Spec.Media[i].Path)
		vm.Spec.Media[i].Kind = MediaKind(strings.ToLower(string(vm.Spec.Media[i].GetKind())))
	}
}
