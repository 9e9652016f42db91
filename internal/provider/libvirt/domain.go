package libvirt

import (
	"fmt"
	"strings"

	"libvirt.org/go/libvirtxml"

	"github.com/jbweber/provision/internal/naming"
	"github.com/jbweber/provision/internal/provider"
)

// driverType maps a disk path to the qemu driver type. The second result
// reports whether a storage pool can create images of that type.
func driverType(path string) (string, bool) {
	switch f := naming.DiskFormat(path); f {
	case "qcow2", "raw":
		return f, true
	case "vmdk", "vdi", "vhdx":
		return f, false
	case "vhd":
		return "vpc", false
	default:
		return "", false
	}
}

func uintPtr(v uint) *uint { return &v }

// GenerateDomainXML builds the domain definition for a new VM.
//
// Generation 2 domains use q35 with EFI firmware autoselection and SMM so
// Secure Boot can be toggled later by SetFirmware. Generation 1 domains use
// SeaBIOS on the i440fx machine type.
func GenerateDomainXML(p provider.VMParams, network string) (string, error) {
	dt, _ := driverType(p.DiskPath)
	if dt == "" {
		return "", fmt.Errorf("unsupported disk format for %s", p.DiskPath)
	}

	domain := &libvirtxml.Domain{
		Type: "kvm",
		Name: p.Name,
		Memory: &libvirtxml.DomainMemory{
			Value: uint(p.MemoryMiB),
			Unit:  "MiB",
		},
		VCPU: &libvirtxml.DomainVCPU{
			Placement: "static",
			Value:     uint(p.CPUs),
		},
		OS: &libvirtxml.DomainOS{
			Type: &libvirtxml.DomainOSType{
				Arch:    "x86_64",
				Machine: "pc",
				Type:    "hvm",
			},
		},
		Features: &libvirtxml.DomainFeatureList{
			ACPI: &libvirtxml.DomainFeature{},
			APIC: &libvirtxml.DomainFeatureAPIC{},
		},
		CPU: &libvirtxml.DomainCPU{
			Mode: "host-model",
		},
		Clock: &libvirtxml.DomainClock{
			Offset: "utc",
			Timer: []libvirtxml.DomainTimer{
				{Name: "rtc", TickPolicy: "catchup"},
				{Name: "pit", TickPolicy: "delay"},
				{Name: "hpet", Present: "no"},
			},
		},
		OnPoweroff: "destroy",
		OnReboot:   "restart",
		OnCrash:    "restart",
		Devices: &libvirtxml.DomainDeviceList{
			Disks: []libvirtxml.DomainDisk{
				{
					Device: "disk",
					Driver: &libvirtxml.DomainDiskDriver{
						Name:  "qemu",
						Type:  dt,
						Cache: "none",
					},
					Source: &libvirtxml.DomainDiskSource{
						File: &libvirtxml.DomainDiskSourceFile{File: p.DiskPath},
					},
					Target: &libvirtxml.DomainDiskTarget{
						Dev: "vda",
						Bus: "virtio",
					},
					Boot: &libvirtxml.DomainDeviceBoot{Order: 2},
				},
			},
			Graphics: []libvirtxml.DomainGraphic{
				{VNC: &libvirtxml.DomainGraphicVNC{AutoPort: "yes", Listen: "127.0.0.1"}},
			},
			MemBalloon: &libvirtxml.DomainMemBalloon{
				Model: "virtio",
			},
		},
	}

	if p.Generation == 2 {
		domain.OS.Firmware = "efi"
		domain.OS.Type.Machine = "q35"
		domain.Features.SMM = &libvirtxml.DomainFeatureSMM{State: "on"}
		setSecureBoot(domain, false)
	}

	if network != "" {
		domain.Devices.Interfaces = append(domain.Devices.Interfaces, libvirtxml.DomainInterface{
			Source: &libvirtxml.DomainInterfaceSource{
				Network: &libvirtxml.DomainInterfaceSourceNetwork{Network: network},
			},
			Model: &libvirtxml.DomainInterfaceModel{Type: "e1000e"},
		})
	}

	domain.Devices.Serials = []libvirtxml.DomainSerial{
		{
			Source: &libvirtxml.DomainChardevSource{
				Pty: &libvirtxml.DomainChardevSourcePty{},
			},
			Target: &libvirtxml.DomainSerialTarget{
				Port: uintPtr(0),
			},
		},
	}

	xml, err := domain.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal domain XML: %w", err)
	}

	return xml, nil
}

// secureBootEnabled reports whether the domain's loader is marked secure.
func secureBootEnabled(d *libvirtxml.Domain) bool {
	return d.OS != nil && d.OS.Loader != nil && d.OS.Loader.Secure == "yes"
}

// setSecureBoot sets the firmware features the EFI autoselection uses to pick
// a Secure Boot capable image with enrolled keys.
func setSecureBoot(d *libvirtxml.Domain, enabled bool) {
	v := "no"
	if enabled {
		v = "yes"
	}
	if d.OS.Loader == nil {
		d.OS.Loader = &libvirtxml.DomainLoader{}
	}
	d.OS.Loader.Secure = v
	d.OS.FirmwareInfo = &libvirtxml.DomainOSFirmwareInfo{
		Features: []libvirtxml.DomainOSFirmwareFeature{
			{Name: "secure-boot", Enabled: v},
			{Name: "enrolled-keys", Enabled: v},
		},
	}
	// The autoselected loader and nvram paths are resolved again on define.
	d.OS.Loader.Path = ""
	d.OS.NVRam = nil
}

// cdromXML builds the device XML for a read-only SATA CD-ROM.
func cdromXML(path, target string, boot bool) (string, error) {
	disk := libvirtxml.DomainDisk{
		Device: "cdrom",
		Driver: &libvirtxml.DomainDiskDriver{
			Name: "qemu",
			Type: "raw",
		},
		Source: &libvirtxml.DomainDiskSource{
			File: &libvirtxml.DomainDiskSourceFile{File: path},
		},
		Target: &libvirtxml.DomainDiskTarget{
			Dev: target,
			Bus: "sata",
		},
		ReadOnly: &libvirtxml.DomainDiskReadOnly{},
	}
	if boot {
		disk.Boot = &libvirtxml.DomainDeviceBoot{Order: 1}
	}
	return disk.Marshal()
}

// findCDROM returns the CD-ROM holding path, if any.
func findCDROM(d *libvirtxml.Domain, path string) *libvirtxml.DomainDisk {
	if d.Devices == nil {
		return nil
	}
	for i := range d.Devices.Disks {
		disk := &d.Devices.Disks[i]
		if disk.Device != "cdrom" || disk.Source == nil || disk.Source.File == nil {
			continue
		}
		if naming.SamePath(disk.Source.File.File, path) {
			return disk
		}
	}
	return nil
}

// targetInUse reports whether a disk device already uses the target name.
func targetInUse(d *libvirtxml.Domain, target string) bool {
	if d.Devices == nil {
		return false
	}
	for _, disk := range d.Devices.Disks {
		if disk.Target != nil && strings.EqualFold(disk.Target.Dev, target) {
			return true
		}
	}
	return false
}
