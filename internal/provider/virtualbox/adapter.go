// Package virtualbox implements a provider adapter for Oracle VirtualBox
// driven through the VBoxManage command-line tool.
package virtualbox

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/jbweber/provision/internal/logging"
	"github.com/jbweber/provision/internal/naming"
	"github.com/jbweber/provision/internal/provider"
	"github.com/jbweber/provision/internal/runner"
)

// ProviderName is the identifier used on the command line.
const ProviderName = "virtualbox"

// Config holds VirtualBox specific settings.
type Config struct {
	// VBoxManage is the VBoxManage executable. Defaults to VBoxManage.
	VBoxManage string

	// OSType is passed to createvm --ostype. Defaults to Other_64.
	OSType string

	// Controller is the storage controller name. Defaults to SATA.
	Controller string
}

// Adapter provisions VMs with VBoxManage.
type Adapter struct {
	cfg    Config
	run    runner.Runner
	claims provider.NameClaims
	logger zerolog.Logger
}

var _ provider.Adapter = (*Adapter)(nil)

// New creates a VirtualBox adapter.
func New(cfg Config, r runner.Runner) *Adapter {
	if cfg.VBoxManage == "" {
		cfg.VBoxManage = "VBoxManage"
	}
	if cfg.OSType == "" {
		cfg.OSType = "Other_64"
	}
	if cfg.Controller == "" {
		cfg.Controller = naming.StorageControllerName()
	}
	return &Adapter{
		cfg:    cfg,
		run:    r,
		logger: logging.Component("virtualbox"),
	}
}

// Name returns the provider identifier.
func (a *Adapter) Name() string {
	return ProviderName
}

// Ping checks that VBoxManage runs.
func (a *Adapter) Ping(ctx context.Context) error {
	out, err := a.vbox(ctx, "ping", "", "--version")
	if err != nil {
		return err
	}
	a.logger.Debug().Str("version", out).Msg("VBoxManage reachable")
	return nil
}

// diskFormat maps the disk extension to a createmedium --format value.
func diskFormat(path string) (string, bool) {
	switch naming.DiskFormat(path) {
	case "vdi":
		return "VDI", true
	case "vmdk":
		return "VMDK", true
	case "vhd":
		return "VHD", true
	default:
		return "", false
	}
}

// CreateDisk creates a dynamically allocated disk image.
func (a *Adapter) CreateDisk(ctx context.Context, p provider.DiskParams) (provider.Outcome, error) {
	const op = "create-disk"

	format, ok := diskFormat(p.Path)
	if !ok {
		return provider.Outcome{}, provider.Errorf(provider.KindInvalidParameter, op, p.Path,
			"VirtualBox disks must be .vdi, .vmdk or .vhd")
	}

	out, err := a.vbox(ctx, op, p.Path, "showmediuminfo", "disk", p.Path)
	switch {
	case err == nil:
		size, perr := parseCapacityMiB(out)
		if perr != nil {
			return provider.Outcome{}, provider.NewError(provider.KindBackendUnavailable, op, p.Path, perr)
		}
		if size != p.SizeMiB {
			return provider.Outcome{}, provider.Errorf(provider.KindConflict, op, p.Path,
				"disk exists with size %d MiB, want %d", size, p.SizeMiB)
		}
		a.logger.Info().Str("path", p.Path).Msg("Disk already exists, skipping")
		return provider.Unchanged(out), nil
	case !provider.IsKind(err, provider.KindNotFound):
		return provider.Outcome{}, err
	}

	out, err = a.vbox(ctx, op, p.Path,
		"createmedium", "disk",
		"--filename", p.Path,
		"--size", strconv.Itoa(p.SizeMiB),
		"--format", format,
		"--variant", "Standard",
	)
	if err != nil {
		return provider.Outcome{}, err
	}
	return provider.Changed(out), nil
}

// DeleteDisk closes and deletes the disk image if it is registered.
func (a *Adapter) DeleteDisk(ctx context.Context, p provider.DiskParams) (provider.Outcome, error) {
	out, err := a.vbox(ctx, "delete-disk", p.Path, "closemedium", "disk", p.Path, "--delete")
	if provider.IsKind(err, provider.KindNotFound) {
		return provider.Unchanged(out), nil
	}
	if err != nil {
		return provider.Outcome{}, err
	}
	return provider.Changed(out), nil
}

// vmInfo returns the machine-readable VM info, or nil when the VM is not registered.
func (a *Adapter) vmInfo(ctx context.Context, op, name string) (map[string]string, error) {
	out, err := a.vbox(ctx, op, name, "showvminfo", name, "--machinereadable")
	if provider.IsKind(err, provider.KindNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return parseMachineReadable(out), nil
}

func firmwareFor(generation int) string {
	if generation == 2 {
		return "efi"
	}
	return "bios"
}

// CreateVM registers the VM, sets resources and firmware and attaches the
// disk on port 0 of the storage controller.
func (a *Adapter) CreateVM(ctx context.Context, p provider.VMParams) (provider.Outcome, error) {
	const op = "create-vm"

	release, err := a.claims.Claim(op, p.Name)
	if err != nil {
		return provider.Outcome{}, err
	}
	defer release()

	info, err := a.vmInfo(ctx, op, p.Name)
	if err != nil {
		return provider.Outcome{}, err
	}
	if info != nil {
		if diff := a.vmDiff(info, p); diff != "" {
			return provider.Outcome{}, provider.Errorf(provider.KindConflict, op, p.Name,
				"VM exists with different configuration: %s", diff)
		}
		a.logger.Info().Str("vm", p.Name).Msg("VM already exists with matching configuration, skipping")
		return provider.Unchanged(""), nil
	}

	out, err := a.vbox(ctx, op, p.Name, "createvm", "--name", p.Name, "--ostype", a.cfg.OSType, "--register")
	if err != nil {
		return provider.Outcome{}, err
	}
	outputs := []string{out}

	// The disk is attached by the last command, so unregistering with
	// --delete on a partial failure never removes the caller's disk.
	steps := [][]string{
		{"modifyvm", p.Name,
			"--memory", strconv.Itoa(p.MemoryMiB),
			"--cpus", strconv.Itoa(p.CPUs),
			"--firmware", firmwareFor(p.Generation),
		},
		{"storagectl", p.Name, "--name", a.cfg.Controller, "--add", "sata", "--controller", "IntelAhci"},
		{"storageattach", p.Name,
			"--storagectl", a.cfg.Controller,
			"--port", "0", "--device", "0",
			"--type", "hdd",
			"--medium", p.DiskPath,
		},
	}
	for _, args := range steps {
		out, err := a.vbox(ctx, op, p.Name, args...)
		if err != nil {
			if _, uerr := a.vbox(context.WithoutCancel(ctx), op, p.Name, "unregistervm", p.Name, "--delete"); uerr != nil {
				a.logger.Warn().Err(uerr).Str("vm", p.Name).Msg("Failed to unregister partially created VM")
			}
			return provider.Outcome{}, err
		}
		outputs = append(outputs, out)
	}

	return provider.Changed(strings.TrimSpace(strings.Join(outputs, "\n"))), nil
}

// vmDiff describes how an existing VM differs from the request.
func (a *Adapter) vmDiff(info map[string]string, p provider.VMParams) string {
	var diffs []string
	if info["memory"] != strconv.Itoa(p.MemoryMiB) {
		diffs = append(diffs, fmt.Sprintf("memory %s != %d MiB", info["memory"], p.MemoryMiB))
	}
	if info["cpus"] != strconv.Itoa(p.CPUs) {
		diffs = append(diffs, fmt.Sprintf("cpus %s != %d", info["cpus"], p.CPUs))
	}
	if !strings.EqualFold(info["firmware"], firmwareFor(p.Generation)) {
		diffs = append(diffs, fmt.Sprintf("firmware %s != %s", info["firmware"], firmwareFor(p.Generation)))
	}
	if disk := info[a.slotKey(0)]; !naming.SamePath(disk, p.DiskPath) {
		diffs = append(diffs, fmt.Sprintf("disk %q != %q", disk, p.DiskPath))
	}
	return strings.Join(diffs, ", ")
}

// slotKey is the showvminfo key for a controller port, e.g. "SATA-1-0".
func (a *Adapter) slotKey(port int) string {
	return fmt.Sprintf("%s-%d-0", a.cfg.Controller, port)
}

// DeleteVM powers off and unregisters the VM. The primary disk is detached
// first so --delete only removes the machine files.
func (a *Adapter) DeleteVM(ctx context.Context, p provider.VMParams) (provider.Outcome, error) {
	const op = "delete-vm"

	info, err := a.vmInfo(ctx, op, p.Name)
	if err != nil {
		return provider.Outcome{}, err
	}
	if info == nil {
		return provider.Unchanged(""), nil
	}

	if isRunning(info) {
		if _, err := a.vbox(ctx, op, p.Name, "controlvm", p.Name, "poweroff"); err != nil {
			return provider.Outcome{}, err
		}
	}
	if disk := info[a.slotKey(0)]; disk != "" && disk != "none" {
		if _, err := a.vbox(ctx, op, p.Name,
			"storageattach", p.Name, "--storagectl", a.cfg.Controller,
			"--port", "0", "--device", "0", "--medium", "none"); err != nil {
			return provider.Outcome{}, err
		}
	}
	out, err := a.vbox(ctx, op, p.Name, "unregistervm", p.Name, "--delete")
	if err != nil {
		return provider.Outcome{}, err
	}
	return provider.Changed(out), nil
}

// SetFirmware enables or disables UEFI Secure Boot (VirtualBox 7+).
// Enabling initialises the UEFI variable store and enrolls the default
// Microsoft and Oracle keys when no store exists yet.
func (a *Adapter) SetFirmware(ctx context.Context, p provider.FirmwareParams) (provider.Outcome, error) {
	const op = "set-firmware"

	info, err := a.vmInfo(ctx, op, p.VMName)
	if err != nil {
		return provider.Outcome{}, err
	}
	if info == nil {
		return provider.Outcome{}, provider.Errorf(provider.KindNotFound, op, p.VMName, "VM is not registered")
	}
	if !strings.EqualFold(info["firmware"], "efi") {
		return provider.Outcome{}, provider.Errorf(provider.KindInvalidParameter, op, p.VMName,
			"Secure Boot settings require EFI firmware, VM uses %s", info["firmware"])
	}

	enabled, err := a.secureBootEnabled(ctx, op, p.VMName)
	if err != nil {
		return provider.Outcome{}, err
	}
	if enabled == p.SecureBoot {
		a.logger.Info().Str("vm", p.VMName).Bool("secure_boot", enabled).Msg("Secure Boot already set, skipping")
		return provider.Unchanged(""), nil
	}
	if isRunning(info) {
		return provider.Outcome{}, provider.Errorf(provider.KindConflict, op, p.VMName,
			"firmware can only be changed while the VM is powered off")
	}

	if !p.SecureBoot {
		out, err := a.vbox(ctx, op, p.VMName, "modifynvram", p.VMName, "secureboot", "--disable")
		if err != nil {
			return provider.Outcome{}, err
		}
		return provider.Changed(out), nil
	}

	out, err := a.vbox(ctx, op, p.VMName, "modifynvram", p.VMName, "secureboot", "--enable")
	if err == nil {
		return provider.Changed(out), nil
	}
	if !strings.Contains(strings.ToLower(out), "variable store") {
		return provider.Outcome{}, err
	}

	outputs := []string{}
	for _, args := range [][]string{
		{"modifynvram", p.VMName, "inituefivarstore"},
		{"modifynvram", p.VMName, "enrollmssignatures"},
		{"modifynvram", p.VMName, "enrollorclpk"},
		{"modifynvram", p.VMName, "secureboot", "--enable"},
	} {
		out, err := a.vbox(ctx, op, p.VMName, args...)
		if err != nil {
			return provider.Outcome{}, err
		}
		outputs = append(outputs, out)
	}
	return provider.Changed(strings.TrimSpace(strings.Join(outputs, "\n"))), nil
}

// secureBootEnabled reads the SecureBoot UEFI variable. A VM without a
// variable store, or a store without the variable, has Secure Boot off.
func (a *Adapter) secureBootEnabled(ctx context.Context, op, name string) (bool, error) {
	out, err := a.vbox(ctx, op, name, "modifynvram", name, "queryvar", "--name", "SecureBoot")
	if err != nil {
		if strings.Contains(strings.ToLower(out), "variable store") || provider.IsKind(err, provider.KindNotFound) {
			return false, nil
		}
		return false, err
	}
	enabled, perr := parseSecureBootVar(out)
	if perr != nil {
		return false, provider.NewError(provider.KindBackendUnavailable, op, name, perr)
	}
	return enabled, nil
}

func isRunning(info map[string]string) bool {
	return info["VMState"] == "running" || info["VMState"] == "paused"
}

// bootOrderKey is the extradata key holding the boot order that was in
// place before a boot medium was attached.
const bootOrderKey = "provision/BootOrder"

func bootOrder(info map[string]string) []string {
	order := make([]string, 4)
	for i := range order {
		order[i] = info[fmt.Sprintf("boot%d", i+1)]
		if order[i] == "" {
			order[i] = "none"
		}
	}
	return order
}

func bootOrderArgs(name string, order []string) []string {
	args := []string{"modifyvm", name}
	for i, dev := range order {
		args = append(args, fmt.Sprintf("--boot%d", i+1), dev)
	}
	return args
}

// AttachMedia attaches the image as a DVD drive on port Index+1. A boot
// image becomes the first boot device; the previous order is kept in the
// VM's extradata so DetachMedia can restore it.
func (a *Adapter) AttachMedia(ctx context.Context, p provider.MediaParams) (provider.Outcome, error) {
	const op = "attach-media"

	info, err := a.vmInfo(ctx, op, p.VMName)
	if err != nil {
		return provider.Outcome{}, err
	}
	if info == nil {
		return provider.Outcome{}, provider.Errorf(provider.KindNotFound, op, p.VMName, "VM is not registered")
	}

	port := naming.MediaPort(p.Index)
	current := info[a.slotKey(port)]
	attached := naming.SamePath(current, p.Path)
	if !attached && current != "" && current != "none" && current != "emptydrive" {
		return provider.Outcome{}, provider.Errorf(provider.KindConflict, op, p.VMName,
			"port %d already holds %q", port, current)
	}

	var outputs []string
	if !attached {
		out, err := a.vbox(ctx, op, p.Path,
			"storageattach", p.VMName,
			"--storagectl", a.cfg.Controller,
			"--port", strconv.Itoa(port), "--device", "0",
			"--type", "dvddrive",
			"--medium", p.Path,
		)
		if err != nil {
			return provider.Outcome{}, err
		}
		outputs = append(outputs, out)
	}

	// A running VM has already booted, and modifyvm would be refused.
	switch {
	case !p.Boot || info["boot1"] == "dvd":
	case isRunning(info):
		a.logger.Warn().Str("vm", p.VMName).Msg("VM is running, leaving boot order unchanged")
	default:
		saved, err := a.savedBootOrder(ctx, op, p.VMName)
		if err != nil {
			return provider.Outcome{}, err
		}
		if saved == nil {
			prev := strings.Join(bootOrder(info), ",")
			if _, err := a.vbox(ctx, op, p.VMName, "setextradata", p.VMName, bootOrderKey, prev); err != nil {
				return provider.Outcome{}, err
			}
		}
		out, err := a.vbox(ctx, op, p.VMName, bootOrderArgs(p.VMName, []string{"dvd", "disk", "none", "none"})...)
		if err != nil {
			return provider.Outcome{}, err
		}
		outputs = append(outputs, out)
	}

	return provider.Outcome{Changed: !attached, Output: strings.TrimSpace(strings.Join(outputs, "\n"))}, nil
}

// savedBootOrder returns the boot order stored by AttachMedia, or nil.
func (a *Adapter) savedBootOrder(ctx context.Context, op, name string) ([]string, error) {
	out, err := a.vbox(ctx, op, name, "getextradata", name, bootOrderKey)
	if err != nil {
		return nil, err
	}
	value, ok := parseExtraData(out)
	if !ok {
		return nil, nil
	}
	order := strings.Split(value, ",")
	if len(order) != 4 {
		return nil, provider.Errorf(provider.KindBackendUnavailable, op, name,
			"unexpected saved boot order %q", value)
	}
	return order, nil
}

// DetachMedia removes the DVD drive holding the image. Detaching the boot
// image restores the boot order saved by AttachMedia.
func (a *Adapter) DetachMedia(ctx context.Context, p provider.MediaParams) (provider.Outcome, error) {
	const op = "detach-media"

	info, err := a.vmInfo(ctx, op, p.VMName)
	if err != nil {
		return provider.Outcome{}, err
	}
	if info == nil {
		return provider.Unchanged(""), nil
	}

	var outputs []string
	port := naming.MediaPort(p.Index)
	detached := false
	if naming.SamePath(info[a.slotKey(port)], p.Path) {
		out, err := a.vbox(ctx, op, p.Path,
			"storageattach", p.VMName,
			"--storagectl", a.cfg.Controller,
			"--port", strconv.Itoa(port), "--device", "0",
			"--medium", "none",
		)
		if err != nil {
			return provider.Outcome{}, err
		}
		outputs = append(outputs, out)
		detached = true
	}

	if p.Boot {
		saved, err := a.savedBootOrder(ctx, op, p.VMName)
		if err != nil {
			return provider.Outcome{}, err
		}
		if saved != nil {
			out, err := a.vbox(ctx, op, p.VMName, bootOrderArgs(p.VMName, saved)...)
			if err != nil {
				return provider.Outcome{}, err
			}
			outputs = append(outputs, out)
			// setextradata without a value deletes the key.
			if _, err := a.vbox(ctx, op, p.VMName, "setextradata", p.VMName, bootOrderKey); err != nil {
				return provider.Outcome{}, err
			}
			detached = true
		}
	}

	return provider.Outcome{Changed: detached, Output: strings.TrimSpace(strings.Join(outputs, "\n"))}, nil
}

// StartVM starts the VM headless unless it is already running.
func (a *Adapter) StartVM(ctx context.Context, p provider.VMParams) (provider.Outcome, error) {
	const op = "start-vm"

	info, err := a.vmInfo(ctx, op, p.Name)
	if err != nil {
		return provider.Outcome{}, err
	}
	if info == nil {
		return provider.Outcome{}, provider.Errorf(provider.KindNotFound, op, p.Name, "VM is not registered")
	}
	if info["VMState"] == "running" {
		return provider.Unchanged(""), nil
	}

	out, err := a.vbox(ctx, op, p.Name, "startvm", p.Name, "--type", "headless")
	if err != nil {
		return provider.Outcome{}, err
	}
	return provider.Changed(out), nil
}

// StopVM powers the VM off unless it is already off.
func (a *Adapter) StopVM(ctx context.Context, p provider.VMParams) (provider.Outcome, error) {
	const op = "stop-vm"

	info, err := a.vmInfo(ctx, op, p.Name)
	if err != nil {
		return provider.Outcome{}, err
	}
	if info == nil || !isRunning(info) {
		return provider.Unchanged(""), nil
	}

	out, err := a.vbox(ctx, op, p.Name, "controlvm", p.Name, "poweroff")
	if err != nil {
		return provider.Outcome{}, err
	}
	return provider.Changed(out), nil
}
