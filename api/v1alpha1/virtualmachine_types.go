package v1alpha1

// VirtualMachine is the provider-agnostic description of a VM to provision.
//
// A document is built from a YAML file or from CLI flags, consumed once by the
// plan builder and never mutated afterwards: the builder works on a DeepCopy.
type VirtualMachine struct {
	// TypeMeta contains the API version and kind.
	TypeMeta `json:",inline" yaml:",inline"`

	// ObjectMeta contains the VM name, labels and annotations.
	ObjectMeta `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	// Spec defines the VM to provision.
	Spec VirtualMachineSpec `json:"spec" yaml:"spec"`
}

// VirtualMachineSpec defines the desired VM.
type VirtualMachineSpec struct {
	// Provider optionally pins the document to a backend
	// ("hyperv", "virtualbox", "libvirt"). The --provider flag wins when set.
	// +optional
	Provider string `json:"provider,omitempty" yaml:"provider,omitempty"`

	// Generation selects the firmware mode: 1 for BIOS, 2 for UEFI.
	// Defaults to 2.
	// +optional
	Generation int `json:"generation,omitempty" yaml:"generation,omitempty"`

	// MemoryMiB is the startup memory in mebibytes.
	MemoryMiB int `json:"memoryMiB" yaml:"memoryMiB"`

	// CPUs is the number of virtual processors.
	CPUs int `json:"cpus" yaml:"cpus"`

	// Disk is the primary virtual disk. It is created before the VM.
	Disk DiskSpec `json:"disk" yaml:"disk"`

	// Media is the ordered list of images attached as optical drives.
	// The first installer medium is the boot device.
	// +optional
	Media []MediaSpec `json:"media,omitempty" yaml:"media,omitempty"`

	// SecureBoot enables UEFI Secure Boot. Requires generation 2.
	// +optional
	SecureBoot bool `json:"secureBoot,omitempty" yaml:"secureBoot,omitempty"`

	// Install states whether an OS installation is implied, in which case at
	// least one installer medium is required. Defaults to true.
	// +optional
	Install *bool `json:"install,omitempty" yaml:"install,omitempty"`
}

// DiskSpec defines the primary virtual disk.
type DiskSpec struct {
	// Path is the absolute path of the disk image on the hypervisor host.
	Path string `json:"path" yaml:"path"`

	// SizeMiB is the virtual size of the disk in mebibytes.
	SizeMiB int `json:"sizeMiB" yaml:"sizeMiB"`
}

// MediaKind is the role of an attached image.
type MediaKind string

const (
	// MediaInstaller is bootable installation media.
	MediaInstaller MediaKind = "installer"

	// MediaAnswer carries unattended-installation answers.
	MediaAnswer MediaKind = "answer"
)

// MediaSpec is one optical image to attach.
type MediaSpec struct {
	// Path is the absolute path of the ISO image on the hypervisor host.
	Path string `json:"path" yaml:"path"`

	// Kind is "installer" (default) or "answer".
	// +optional
	Kind MediaKind `json:"kind,omitempty" yaml:"kind,omitempty"`
}

// DeepCopy creates a deep copy of VirtualMachine.
func (in *VirtualMachine) DeepCopy() *VirtualMachine {
	if in == nil {
		return nil
	}
	out := new(VirtualMachine)
	out.TypeMeta = in.TypeMeta
	out.ObjectMeta = *in.ObjectMeta.DeepCopy()
	out.Spec = *in.Spec.DeepCopy()
	return out
}

// DeepCopy creates a deep copy of VirtualMachineSpec.
func (in *VirtualMachineSpec) DeepCopy() *VirtualMachineSpec {
	if in == nil {
		return nil
	}
	out := new(VirtualMachineSpec)
	*out = *in

	if in.Media != nil {
		out.Media = make([]MediaSpec, len(in.Media))
		copy(out.Media, in.Media)
	}
	if in.Install != nil {
		install := *in.Install
		out.Install = &install
	}

	return out
}
