// Package naming provides naming conventions shared by the provider
// adapters: VM name rules, host path handling for both POSIX and Windows
// hypervisor hosts, and derived backend object names.
package naming

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxVMNameLength is the longest VM name accepted by every backend.
// Hyper-V allows 100 characters, VirtualBox and libvirt more; 63 keeps
// names usable as hostnames.
const MaxVMNameLength = 63

var (
	vmNamePattern      = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9_.-]*[A-Za-z0-9])?$`)
	windowsDrivePrefix = regexp.MustCompile(`^[A-Za-z]:[\\/]`)
)

// ValidateVMName checks that name is usable on every supported backend.
// Names must start and end with an alphanumeric character and may contain
// alphanumerics, hyphens, underscores and dots.
func ValidateVMName(name string) error {
	if name == "" {
		return fmt.Errorf("name is required")
	}
	if len(name) > MaxVMNameLength {
		return fmt.Errorf("name must be at most %d characters, got %d", MaxVMNameLength, len(name))
	}
	if !vmNamePattern.MatchString(name) {
		return fmt.Errorf("name must start and end with alphanumeric characters and contain only alphanumerics, hyphens, underscores or dots, got %q", name)
	}
	return nil
}

// IsAbsPath reports whether p is an absolute path on a POSIX host
// ("/var/lib/...") or a Windows host ("C:\VMs\..." or "\\server\share\...").
// The check is syntactic so that plans can be validated on a different
// machine than the hypervisor host.
func IsAbsPath(p string) bool {
	switch {
	case strings.HasPrefix(p, "/"):
		return true
	case windowsDrivePrefix.MatchString(p):
		return true
	case strings.HasPrefix(p, `\\`):
		return true
	default:
		return false
	}
}

// ValidatePath checks that p is a well-formed absolute host path.
func ValidatePath(p string) error {
	if p == "" {
		return fmt.Errorf("path is required")
	}
	if strings.ContainsAny(p, "\x00\n\r\"") {
		return fmt.Errorf("path %q contains invalid characters", p)
	}
	if !IsAbsPath(p) {
		return fmt.Errorf("path %q must be absolute", p)
	}
	if strings.HasSuffix(p, "/") || strings.HasSuffix(p, `\`) {
		return fmt.Errorf("path %q must name a file, not a directory", p)
	}
	return nil
}

// BaseName returns the last element of a POSIX or Windows path.
//
// Example: C:\VMs\win10.vhdx → win10.vhdx
func BaseName(p string) string {
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		return p[i+1:]
	}
	return p
}

// DirName returns everything before the last path separator.
//
// Example: /var/lib/libvirt/images/a.qcow2 → /var/lib/libvirt/images
func DirName(p string) string {
	if i := strings.LastIndexAny(p, `/\`); i > 0 {
		return p[:i]
	}
	return ""
}

// Ext returns the lowercased file extension of p including the dot.
func Ext(p string) string {
	base := BaseName(p)
	if i := strings.LastIndex(base, "."); i > 0 {
		return strings.ToLower(base[i:])
	}
	return ""
}

// SamePath compares host paths. Windows paths compare case-insensitively
// and treat both separators as equal.
func SamePath(a, b string) bool {
	if windowsDrivePrefix.MatchString(a) || strings.HasPrefix(a, `\\`) {
		norm := func(s string) string { return strings.ToLower(strings.ReplaceAll(s, "/", `\`)) }
		return norm(a) == norm(b)
	}
	return a == b
}

// DiskFormat maps a disk path to the image format its extension implies.
//
// Example: /vms/a.vdi → vdi, C:\VMs\a.vhdx → vhdx
func DiskFormat(p string) string {
	switch Ext(p) {
	case ".vhdx":
		return "vhdx"
	case ".vhd":
		return "vhd"
	case ".vdi":
		return "vdi"
	case ".vmdk":
		return "vmdk"
	case ".qcow2":
		return "qcow2"
	case ".img", ".raw":
		return "raw"
	default:
		return ""
	}
}

// StorageControllerName is the controller VirtualBox VMs get for disks and media.
func StorageControllerName() string {
	return "SATA"
}

// MediaPort returns the controller port for the media entry at index i.
// Port 0 is reserved for the primary disk.
func MediaPort(i int) int {
	return i + 1
}

// CDROMTarget returns the libvirt target device for the media entry at index i.
// Names follow the kernel scheme: sda..sdz, then sdaa, sdab and so on.
// The primary disk uses vda.
func CDROMTarget(i int) string {
	var suffix []byte
	for n := i + 1; n > 0; n = (n - 1) / 26 {
		suffix = append([]byte{byte('a' + (n-1)%26)}, suffix...)
	}
	return "sd" + string(suffix)
}
