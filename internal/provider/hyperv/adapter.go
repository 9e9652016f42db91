// Package hyperv implements a provider adapter for Microsoft Hyper-V.
//
// It drives the Hyper-V PowerShell module (New-VHD, New-VM, Set-VMFirmware,
// Add-VMDvdDrive, Start-VM, ...) through powershell.exe. Every mutating call
// is preceded by a query so operations are idempotent: a VM, disk or drive
// that already matches the request is left alone.
package hyperv

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/jbweber/provision/internal/logging"
	"github.com/jbweber/provision/internal/naming"
	"github.com/jbweber/provision/internal/provider"
	"github.com/jbweber/provision/internal/runner"
)

// ProviderName is the identifier used on the command line.
const ProviderName = "hyperv"

// Config holds Hyper-V specific settings.
type Config struct {
	// PowerShell is the PowerShell executable. Defaults to powershell.exe.
	PowerShell string

	// SwitchName is the virtual switch connected at VM creation. Optional.
	SwitchName string

	// SecureBootTemplate is passed to Set-VMFirmware when Secure Boot is
	// enabled, e.g. "MicrosoftWindows" or "MicrosoftUEFICertificateAuthority".
	// Empty keeps the Hyper-V default.
	SecureBootTemplate string
}

// Adapter provisions VMs on the local Hyper-V host.
type Adapter struct {
	cfg    Config
	run    runner.Runner
	claims provider.NameClaims
	logger zerolog.Logger
}

var _ provider.Adapter = (*Adapter)(nil)

// New creates a Hyper-V adapter.
func New(cfg Config, r runner.Runner) *Adapter {
	if cfg.PowerShell == "" {
		cfg.PowerShell = "powershell.exe"
	}
	return &Adapter{
		cfg:    cfg,
		run:    r,
		logger: logging.Component("hyperv"),
	}
}

// Name returns the provider identifier.
func (a *Adapter) Name() string {
	return ProviderName
}

// Ping checks that the Hyper-V management service answers.
func (a *Adapter) Ping(ctx context.Context) error {
	out, err := a.ps(ctx, "ping", "", "Get-VMHost | Select-Object -ExpandProperty Name")
	if err != nil {
		return err
	}
	a.logger.Debug().Str("host", out).Msg("Hyper-V host reachable")
	return nil
}

type vhdInfo struct {
	Path string `json:"Path"`
	Size uint64 `json:"Size"`
}

// CreateDisk creates a dynamically expanding VHD/VHDX.
func (a *Adapter) CreateDisk(ctx context.Context, p provider.DiskParams) (provider.Outcome, error) {
	const op = "create-disk"

	switch naming.DiskFormat(p.Path) {
	case "vhd", "vhdx":
	default:
		return provider.Outcome{}, provider.Errorf(provider.KindInvalidParameter, op, p.Path,
			"Hyper-V disks must be .vhd or .vhdx")
	}

	out, err := a.ps(ctx, op, p.Path, fmt.Sprintf(
		"if (Test-Path -LiteralPath %s) { Get-VHD -Path %s | Select-Object Path,Size | ConvertTo-Json -Compress }",
		quote(p.Path), quote(p.Path)))
	if err != nil {
		return provider.Outcome{}, err
	}

	existing, err := decodeList[vhdInfo](out)
	if err != nil {
		return provider.Outcome{}, provider.NewError(provider.KindBackendUnavailable, op, p.Path, err)
	}
	if len(existing) > 0 {
		if existing[0].Size != p.SizeBytes() {
			return provider.Outcome{}, provider.Errorf(provider.KindConflict, op, p.Path,
				"disk exists with size %d bytes, want %d", existing[0].Size, p.SizeBytes())
		}
		a.logger.Info().Str("path", p.Path).Msg("Disk already exists, skipping")
		return provider.Unchanged(out), nil
	}

	out, err = a.ps(ctx, op, p.Path, fmt.Sprintf(
		"New-VHD -Path %s -SizeBytes %d -Dynamic | Select-Object -ExpandProperty Path",
		quote(p.Path), p.SizeBytes()))
	if err != nil {
		return provider.Outcome{}, err
	}
	return provider.Changed(out), nil
}

// DeleteDisk removes the disk file if present.
func (a *Adapter) DeleteDisk(ctx context.Context, p provider.DiskParams) (provider.Outcome, error) {
	out, err := a.ps(ctx, "delete-disk", p.Path, fmt.Sprintf(
		"if (Test-Path -LiteralPath %s) { Remove-Item -LiteralPath %s -Force; 'removed' }",
		quote(p.Path), quote(p.Path)))
	if err != nil {
		return provider.Outcome{}, err
	}
	return provider.Outcome{Changed: strings.Contains(out, "removed"), Output: out}, nil
}

type vmInfo struct {
	Name           string   `json:"Name"`
	State          string   `json:"State"`
	Generation     int      `json:"Generation"`
	MemoryStartup  uint64   `json:"MemoryStartup"`
	ProcessorCount int      `json:"ProcessorCount"`
	Disks          []string `json:"Disks"`
}

// getVMs returns every VM with the given name. Hyper-V allows duplicates.
func (a *Adapter) getVMs(ctx context.Context, op, name string) ([]vmInfo, string, error) {
	out, err := a.ps(ctx, op, name, fmt.Sprintf(
		"Get-VM -Name %s -ErrorAction SilentlyContinue | Select-Object Name,"+
			"@{n='State';e={$_.State.ToString()}},Generation,MemoryStartup,ProcessorCount,"+
			"@{n='Disks';e={@($_.HardDrives | ForEach-Object { $_.Path })}} | ConvertTo-Json -Compress -Depth 3",
		quote(name)))
	if err != nil {
		return nil, out, err
	}
	vms, err := decodeList[vmInfo](out)
	if err != nil {
		return nil, out, provider.NewError(provider.KindBackendUnavailable, op, name, err)
	}
	return vms, out, nil
}

// CreateVM creates the VM with the disk attached at creation.
func (a *Adapter) CreateVM(ctx context.Context, p provider.VMParams) (provider.Outcome, error) {
	const op = "create-vm"

	release, err := a.claims.Claim(op, p.Name)
	if err != nil {
		return provider.Outcome{}, err
	}
	defer release()

	vms, out, err := a.getVMs(ctx, op, p.Name)
	if err != nil {
		return provider.Outcome{}, err
	}
	switch len(vms) {
	case 0:
	case 1:
		if diff := vmDiff(vms[0], p); diff != "" {
			return provider.Outcome{}, provider.Errorf(provider.KindConflict, op, p.Name,
				"VM exists with different configuration: %s", diff)
		}
		a.logger.Info().Str("vm", p.Name).Msg("VM already exists with matching configuration, skipping")
		return provider.Unchanged(out), nil
	default:
		return provider.Outcome{}, provider.Errorf(provider.KindConflict, op, p.Name,
			"%d VMs share this name", len(vms))
	}

	script := fmt.Sprintf("New-VM -Name %s -Generation %d -MemoryStartupBytes %d -VHDPath %s",
		quote(p.Name), p.Generation, p.MemoryBytes(), quote(p.DiskPath))
	if a.cfg.SwitchName != "" {
		script += " -SwitchName " + quote(a.cfg.SwitchName)
	}
	script += fmt.Sprintf(" | Out-Null; Set-VMProcessor -VMName %s -Count %d; 'created'", quote(p.Name), p.CPUs)

	out, err = a.ps(ctx, op, p.Name, script)
	if err != nil {
		return provider.Outcome{}, err
	}
	return provider.Changed(out), nil
}

// vmDiff describes how an existing VM differs from the request.
func vmDiff(vm vmInfo, p provider.VMParams) string {
	var diffs []string
	if vm.Generation != p.Generation {
		diffs = append(diffs, fmt.Sprintf("generation %d != %d", vm.Generation, p.Generation))
	}
	if vm.MemoryStartup != p.MemoryBytes() {
		diffs = append(diffs, fmt.Sprintf("memory %d != %d bytes", vm.MemoryStartup, p.MemoryBytes()))
	}
	if vm.ProcessorCount != p.CPUs {
		diffs = append(diffs, fmt.Sprintf("cpus %d != %d", vm.ProcessorCount, p.CPUs))
	}
	found := false
	for _, d := range vm.Disks {
		if naming.SamePath(d, p.DiskPath) {
			found = true
			break
		}
	}
	if !found {
		diffs = append(diffs, fmt.Sprintf("disk %s not attached", p.DiskPath))
	}
	return strings.Join(diffs, ", ")
}

// DeleteVM turns the VM off and removes it. The disk file is kept.
func (a *Adapter) DeleteVM(ctx context.Context, p provider.VMParams) (provider.Outcome, error) {
	out, err := a.ps(ctx, "delete-vm", p.Name, fmt.Sprintf(
		"$vm = Get-VM -Name %s -ErrorAction SilentlyContinue; "+
			"if ($vm) { if ($vm.State -ne 'Off') { Stop-VM -VM $vm -TurnOff -Force }; Remove-VM -VM $vm -Force; 'removed' }",
		quote(p.Name)))
	if err != nil {
		return provider.Outcome{}, err
	}
	return provider.Outcome{Changed: strings.Contains(out, "removed"), Output: out}, nil
}

type firmwareInfo struct {
	SecureBoot string `json:"SecureBoot"`
	State      string `json:"State"`
}

// SetFirmware enables or disables Secure Boot on a generation 2 VM.
func (a *Adapter) SetFirmware(ctx context.Context, p provider.FirmwareParams) (provider.Outcome, error) {
	const op = "set-firmware"

	out, err := a.ps(ctx, op, p.VMName, fmt.Sprintf(
		"Get-VMFirmware -VMName %s | Select-Object @{n='SecureBoot';e={$_.SecureBoot.ToString()}},"+
			"@{n='State';e={(Get-VM -Name %s).State.ToString()}} | ConvertTo-Json -Compress",
		quote(p.VMName), quote(p.VMName)))
	if err != nil {
		return provider.Outcome{}, err
	}
	fw, err := decodeList[firmwareInfo](out)
	if err != nil {
		return provider.Outcome{}, provider.NewError(provider.KindBackendUnavailable, op, p.VMName, err)
	}
	if len(fw) == 0 {
		return provider.Outcome{}, provider.Errorf(provider.KindNotFound, op, p.VMName, "no firmware settings returned")
	}

	want := onOff(p.SecureBoot)
	if strings.EqualFold(fw[0].SecureBoot, want) {
		return provider.Unchanged(out), nil
	}
	if !strings.EqualFold(fw[0].State, "Off") {
		return provider.Outcome{}, provider.Errorf(provider.KindConflict, op, p.VMName,
			"firmware can only be changed while the VM is off (state %s)", fw[0].State)
	}

	script := fmt.Sprintf("Set-VMFirmware -VMName %s -EnableSecureBoot %s", quote(p.VMName), want)
	if p.SecureBoot && a.cfg.SecureBootTemplate != "" {
		script += " -SecureBootTemplate " + quote(a.cfg.SecureBootTemplate)
	}
	out, err = a.ps(ctx, op, p.VMName, script+"; 'configured'")
	if err != nil {
		return provider.Outcome{}, err
	}
	return provider.Changed(out), nil
}

func onOff(b bool) string {
	if b {
		return "On"
	}
	return "Off"
}

type mediaState struct {
	State      string   `json:"State"`
	Generation int      `json:"Generation"`
	FirstBoot  string   `json:"FirstBoot"`
	Drives     []string `json:"Drives"`
}

// bootsFrom reports whether the first boot device is the image at path.
// Generation 1 VMs can only boot the first CD drive, so "CD" first counts.
func (s mediaState) bootsFrom(path string) bool {
	if s.Generation == 2 {
		return naming.SamePath(s.FirstBoot, path)
	}
	return strings.EqualFold(s.FirstBoot, "CD")
}

// AttachMedia adds a DVD drive holding the image. A boot image becomes the
// first boot device while the VM is off; a running VM has already booted and
// Hyper-V refuses boot order changes then.
func (a *Adapter) AttachMedia(ctx context.Context, p provider.MediaParams) (provider.Outcome, error) {
	const op = "attach-media"

	out, err := a.ps(ctx, op, p.VMName, fmt.Sprintf(
		"$vm = Get-VM -Name %s; "+
			"$first = if ($vm.Generation -eq 2) { "+
			"$b = (Get-VMFirmware -VM $vm).BootOrder | Select-Object -First 1; "+
			"if ($b.Device.Path) { $b.Device.Path } else { [string]$b.BootType } "+
			"} else { [string]((Get-VMBios -VM $vm).StartupOrder | Select-Object -First 1) }; "+
			"[pscustomobject]@{State=$vm.State.ToString(); Generation=$vm.Generation; FirstBoot=$first; "+
			"Drives=@(Get-VMDvdDrive -VM $vm | ForEach-Object { $_.Path })} | ConvertTo-Json -Compress -Depth 3",
		quote(p.VMName)))
	if err != nil {
		return provider.Outcome{}, err
	}
	states, err := decodeList[mediaState](out)
	if err != nil {
		return provider.Outcome{}, provider.NewError(provider.KindBackendUnavailable, op, p.VMName, err)
	}
	if len(states) == 0 {
		return provider.Outcome{}, provider.Errorf(provider.KindNotFound, op, p.VMName, "no VM state returned")
	}
	st := states[0]

	attached := false
	for _, d := range st.Drives {
		if naming.SamePath(d, p.Path) {
			attached = true
			break
		}
	}

	var script []string
	if !attached {
		script = append(script, fmt.Sprintf("Add-VMDvdDrive -VMName %s -Path %s", quote(p.VMName), quote(p.Path)))
	}
	if p.Boot && !st.bootsFrom(p.Path) {
		if strings.EqualFold(st.State, "Off") {
			if st.Generation == 2 {
				script = append(script, fmt.Sprintf(
					"Set-VMFirmware -VMName %[1]s -FirstBootDevice (Get-VMDvdDrive -VMName %[1]s | Where-Object { $_.Path -eq %[2]s } | Select-Object -First 1)",
					quote(p.VMName), quote(p.Path)))
			} else {
				script = append(script, fmt.Sprintf(
					"Set-VMBios -VMName %s -StartupOrder @('CD','IDE','LegacyNetworkAdapter','Floppy')", quote(p.VMName)))
			}
		} else {
			a.logger.Warn().Str("vm", p.VMName).Str("state", st.State).Msg("VM is not off, leaving boot order unchanged")
		}
	}
	if len(script) == 0 {
		return provider.Unchanged(out), nil
	}

	out, err = a.ps(ctx, op, p.Path, strings.Join(script, "; ")+"; 'attached'")
	if err != nil {
		return provider.Outcome{}, err
	}
	// Re-pointing the boot device on an already attached image does not
	// create anything rollback would have to remove.
	return provider.Outcome{Changed: !attached, Output: out}, nil
}

// DetachMedia removes the DVD drive holding the image.
func (a *Adapter) DetachMedia(ctx context.Context, p provider.MediaParams) (provider.Outcome, error) {
	out, err := a.ps(ctx, "detach-media", p.Path, fmt.Sprintf(
		"Get-VMDvdDrive -VMName %s -ErrorAction SilentlyContinue | Where-Object { $_.Path -eq %s } | "+
			"ForEach-Object { Remove-VMDvdDrive -VMDvdDrive $_; 'removed' }",
		quote(p.VMName), quote(p.Path)))
	if err != nil {
		return provider.Outcome{}, err
	}
	return provider.Outcome{Changed: strings.Contains(out, "removed"), Output: out}, nil
}

// StartVM starts the VM unless it is already running.
func (a *Adapter) StartVM(ctx context.Context, p provider.VMParams) (provider.Outcome, error) {
	out, err := a.ps(ctx, "start-vm", p.Name, fmt.Sprintf(
		"$vm = Get-VM -Name %s; if ($vm.State -eq 'Running') { 'running' } else { Start-VM -VM $vm; 'started' }",
		quote(p.Name)))
	if err != nil {
		return provider.Outcome{}, err
	}
	return provider.Outcome{Changed: strings.Contains(out, "started"), Output: out}, nil
}

// StopVM turns the VM off unless it is already off.
func (a *Adapter) StopVM(ctx context.Context, p provider.VMParams) (provider.Outcome, error) {
	out, err := a.ps(ctx, "stop-vm", p.Name, fmt.Sprintf(
		"$vm = Get-VM -Name %s -ErrorAction SilentlyContinue; "+
			"if ($vm -and $vm.State -ne 'Off') { Stop-VM -VM $vm -TurnOff -Force; 'stopped' }",
		quote(p.Name)))
	if err != nil {
		return provider.Outcome{}, err
	}
	return provider.Outcome{Changed: strings.Contains(out, "stopped"), Output: out}, nil
}
