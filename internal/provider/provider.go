// Package provider defines the contract every hypervisor backend implements
// and the parameter and error types shared between backends, the plan
// builder and the orchestrator.
//
// Adapters translate provider-agnostic parameters into backend calls. Every
// create-style operation queries existing state first so that re-running a
// plan is safe: an existing object that matches the request reports
// Outcome{Changed: false}, an existing object that differs fails with
// KindConflict.
package provider

import (
	"context"
)

// Adapter is implemented by each hypervisor backend.
//
// In production, this is satisfied by hyperv.Adapter, virtualbox.Adapter
// and libvirt.Adapter. In tests, by hand-written mocks.
type Adapter interface {
	// Name returns the provider identifier ("hyperv", "virtualbox", "libvirt").
	Name() string

	// Ping checks that the backend management interface is reachable.
	Ping(ctx context.Context) error

	// CreateDisk creates a dynamically sized disk image.
	CreateDisk(ctx context.Context, p DiskParams) (Outcome, error)

	// DeleteDisk removes a disk image. Deleting a missing disk is not an error.
	DeleteDisk(ctx context.Context, p DiskParams) (Outcome, error)

	// CreateVM registers a VM with the given resources and primary disk.
	CreateVM(ctx context.Context, p VMParams) (Outcome, error)

	// DeleteVM powers off and removes a VM, leaving its disk in place.
	DeleteVM(ctx context.Context, p VMParams) (Outcome, error)

	// SetFirmware configures UEFI settings. The VM must be powered off.
	SetFirmware(ctx context.Context, p FirmwareParams) (Outcome, error)

	// AttachMedia inserts an ISO image into a new optical drive.
	AttachMedia(ctx context.Context, p MediaParams) (Outcome, error)

	// DetachMedia removes the optical drive holding the image.
	DetachMedia(ctx context.Context, p MediaParams) (Outcome, error)

	// StartVM boots the VM. Starting a running VM is a no-op.
	StartVM(ctx context.Context, p VMParams) (Outcome, error)

	// StopVM powers the VM off without a guest shutdown.
	StopVM(ctx context.Context, p VMParams) (Outcome, error)
}

// Outcome is what a successful adapter call reports.
type Outcome struct {
	// Changed is false when the backend already was in the requested state.
	Changed bool `json:"changed" yaml:"changed"`

	// Output is the captured output of the backend call, if any.
	Output string `json:"output,omitempty" yaml:"output,omitempty"`
}

// Unchanged returns an Outcome for a call that found nothing to do.
func Unchanged(output string) Outcome {
	return Outcome{Changed: false, Output: output}
}

// Changed returns an Outcome for a call that mutated backend state.
func Changed(output string) Outcome {
	return Outcome{Changed: true, Output: output}
}

// DiskParams describes the primary disk.
type DiskParams struct {
	// Path is the absolute host path of the disk image.
	Path string `json:"path" yaml:"path"`

	// SizeMiB is the virtual size in mebibytes.
	SizeMiB int `json:"sizeMiB" yaml:"sizeMiB"`
}

// SizeBytes returns the disk size in bytes.
func (p DiskParams) SizeBytes() uint64 {
	return uint64(p.SizeMiB) * 1024 * 1024
}

// VMParams describes the VM object itself.
type VMParams struct {
	// Name is the VM name, unique per provider target.
	Name string `json:"name" yaml:"name"`

	// Generation is 1 (BIOS) or 2 (UEFI).
	Generation int `json:"generation" yaml:"generation"`

	// MemoryMiB is the startup memory.
	MemoryMiB int `json:"memoryMiB" yaml:"memoryMiB"`

	// CPUs is the number of virtual processors.
	CPUs int `json:"cpus" yaml:"cpus"`

	// DiskPath is the primary disk referenced at creation.
	DiskPath string `json:"diskPath" yaml:"diskPath"`
}

// MemoryBytes returns the memory size in bytes.
func (p VMParams) MemoryBytes() uint64 {
	return uint64(p.MemoryMiB) * 1024 * 1024
}

// FirmwareParams describes UEFI settings for a generation 2 VM.
type FirmwareParams struct {
	// VMName is the VM to configure.
	VMName string `json:"vmName" yaml:"vmName"`

	// SecureBoot enables or disables Secure Boot.
	SecureBoot bool `json:"secureBoot" yaml:"secureBoot"`
}

// MediaParams describes one optical image.
type MediaParams struct {
	// VMName is the VM the drive belongs to.
	VMName string `json:"vmName" yaml:"vmName"`

	// Path is the absolute host path of the ISO image.
	Path string `json:"path" yaml:"path"`

	// Index is the position of the image in the spec media list.
	// Adapters derive controller ports and device targets from it.
	Index int `json:"index" yaml:"index"`

	// Boot marks the image the VM should boot from first.
	Boot bool `json:"boot,omitempty" yaml:"boot,omitempty"`
}
