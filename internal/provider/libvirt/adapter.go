// Package libvirt implements a provider adapter for libvirt/QEMU over the
// local libvirtd RPC socket.
package libvirt

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/digitalocean/go-libvirt"
	"github.com/rs/zerolog"
	"libvirt.org/go/libvirtxml"

	"github.com/jbweber/provision/internal/logging"
	"github.com/jbweber/provision/internal/naming"
	"github.com/jbweber/provision/internal/provider"
)

// ProviderName is the identifier used on the command line.
const ProviderName = "libvirt"

const (
	// Domain states (from libvirt VIR_DOMAIN_* constants)
	domainStateRunning = 1
	domainStatePaused  = 3

	// Error codes (from libvirt VIR_ERR_* constants)
	errInvalidArg       = 8
	errDomExist         = 28
	errNoDomain         = 42
	errNoStoragePool    = 49
	errNoStorageVol     = 50
	errOperationInvalid = 55
)

// Config holds libvirt specific settings.
type Config struct {
	// Pool is the storage pool disks are created in. Defaults to "default".
	Pool string

	// Network is the libvirt network the VM's NIC joins. Empty means no NIC.
	Network string
}

// Adapter provisions VMs through libvirt. go-libvirt calls do not take a
// context, so ctx is only checked before mutating calls.
type Adapter struct {
	cfg    Config
	client libvirtClient
	claims provider.NameClaims
	logger zerolog.Logger
}

var _ provider.Adapter = (*Adapter)(nil)

// New creates a libvirt adapter on an established connection.
func New(cfg Config, client libvirtClient) *Adapter {
	if cfg.Pool == "" {
		cfg.Pool = "default"
	}
	return &Adapter{
		cfg:    cfg,
		client: client,
		logger: logging.Component("libvirt"),
	}
}

// NewFromClient creates an adapter on a Client returned by Connect.
func NewFromClient(cfg Config, c *Client) *Adapter {
	return New(cfg, c.Libvirt())
}

// Name returns the provider identifier.
func (a *Adapter) Name() string {
	return ProviderName
}

// classify maps libvirt RPC errors to provider error kinds.
func classify(op, resource string, err error) error {
	var lerr libvirt.Error
	if !errors.As(err, &lerr) {
		return provider.NewError(provider.KindBackendUnavailable, op, resource, err)
	}

	switch lerr.Code {
	case errNoDomain, errNoStoragePool, errNoStorageVol:
		return provider.NewError(provider.KindNotFound, op, resource, err)
	case errDomExist:
		return provider.NewError(provider.KindAlreadyExists, op, resource, err)
	case errInvalidArg:
		return provider.NewError(provider.KindInvalidParameter, op, resource, err)
	case errOperationInvalid:
		return provider.NewError(provider.KindConflict, op, resource, err)
	default:
		return provider.NewError(provider.KindBackendUnavailable, op, resource, err)
	}
}

// Ping checks the connection by reading the library version.
func (a *Adapter) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return provider.NewError(provider.KindBackendUnavailable, "ping", "", err)
	}
	v, err := a.client.ConnectGetLibVersion()
	if err != nil {
		return classify("ping", "", err)
	}
	a.logger.Debug().Uint64("version", v).Msg("libvirt reachable")
	return nil
}

// CreateDisk creates a volume in the configured pool. The disk path must
// lie in the pool's target directory.
func (a *Adapter) CreateDisk(ctx context.Context, p provider.DiskParams) (provider.Outcome, error) {
	const op = "create-disk"

	format, ok := driverType(p.Path)
	if !ok {
		return provider.Outcome{}, provider.Errorf(provider.KindInvalidParameter, op, p.Path,
			"libvirt disks must be .qcow2, .img or .raw")
	}

	vol, err := a.client.StorageVolLookupByPath(p.Path)
	if err == nil {
		_, capacity, _, err := a.client.StorageVolGetInfo(vol)
		if err != nil {
			return provider.Outcome{}, classify(op, p.Path, err)
		}
		if capacity != p.SizeBytes() {
			return provider.Outcome{}, provider.Errorf(provider.KindConflict, op, p.Path,
				"volume exists with capacity %d bytes, want %d", capacity, p.SizeBytes())
		}
		a.logger.Info().Str("path", p.Path).Msg("Volume already exists, skipping")
		return provider.Unchanged(""), nil
	}
	if err := classify(op, p.Path, err); !provider.IsKind(err, provider.KindNotFound) {
		return provider.Outcome{}, err
	}

	if err := ctx.Err(); err != nil {
		return provider.Outcome{}, provider.NewError(provider.KindBackendUnavailable, op, p.Path, err)
	}

	pool, err := a.client.StoragePoolLookupByName(a.cfg.Pool)
	if err != nil {
		return provider.Outcome{}, classify(op, a.cfg.Pool, err)
	}
	poolXML, err := a.client.StoragePoolGetXMLDesc(pool, 0)
	if err != nil {
		return provider.Outcome{}, classify(op, a.cfg.Pool, err)
	}
	var poolDef libvirtxml.StoragePool
	if err := poolDef.Unmarshal(poolXML); err != nil {
		return provider.Outcome{}, provider.NewError(provider.KindBackendUnavailable, op, a.cfg.Pool,
			fmt.Errorf("failed to parse pool XML: %w", err))
	}
	if poolDef.Target == nil || strings.TrimRight(poolDef.Target.Path, "/") != naming.DirName(p.Path) {
		target := ""
		if poolDef.Target != nil {
			target = poolDef.Target.Path
		}
		return provider.Outcome{}, provider.Errorf(provider.KindInvalidParameter, op, p.Path,
			"disk must be in pool %s directory %s", a.cfg.Pool, target)
	}

	volXML, err := volumeXML(naming.BaseName(p.Path), format, p.SizeBytes())
	if err != nil {
		return provider.Outcome{}, provider.NewError(provider.KindInvalidParameter, op, p.Path, err)
	}
	if _, err := a.client.StorageVolCreateXML(pool, volXML, 0); err != nil {
		return provider.Outcome{}, classify(op, p.Path, err)
	}

	return provider.Changed(fmt.Sprintf("created volume %s in pool %s", naming.BaseName(p.Path), a.cfg.Pool)), nil
}

// volumeXML generates XML for a storage volume.
func volumeXML(name, format string, capacityBytes uint64) (string, error) {
	vol := &libvirtxml.StorageVolume{
		Type: "file",
		Name: name,
		Capacity: &libvirtxml.StorageVolumeSize{
			Value: capacityBytes,
			Unit:  "B",
		},
		Target: &libvirtxml.StorageVolumeTarget{
			Format: &libvirtxml.StorageVolumeTargetFormat{
				Type: format,
			},
		},
	}

	xml, err := vol.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal volume XML: %w", err)
	}
	return xml, nil
}

// DeleteDisk deletes the volume at the disk path.
func (a *Adapter) DeleteDisk(ctx context.Context, p provider.DiskParams) (provider.Outcome, error) {
	const op = "delete-disk"

	vol, err := a.client.StorageVolLookupByPath(p.Path)
	if err != nil {
		err = classify(op, p.Path, err)
		if provider.IsKind(err, provider.KindNotFound) {
			return provider.Unchanged(""), nil
		}
		return provider.Outcome{}, err
	}
	if err := a.client.StorageVolDelete(vol, 0); err != nil {
		return provider.Outcome{}, classify(op, p.Path, err)
	}
	return provider.Changed(""), nil
}

// lookup returns the domain, or found=false when it does not exist.
func (a *Adapter) lookup(op, name string) (libvirt.Domain, bool, error) {
	dom, err := a.client.DomainLookupByName(name)
	if err != nil {
		err = classify(op, name, err)
		if provider.IsKind(err, provider.KindNotFound) {
			return libvirt.Domain{}, false, nil
		}
		return libvirt.Domain{}, false, err
	}
	return dom, true, nil
}

func (a *Adapter) state(op string, dom libvirt.Domain) (int32, error) {
	state, _, err := a.client.DomainGetState(dom, 0)
	if err != nil {
		return 0, classify(op, dom.Name, err)
	}
	return state, nil
}

// inactiveXML returns the persistent definition of the domain.
func (a *Adapter) inactiveXML(op string, dom libvirt.Domain) (*libvirtxml.Domain, error) {
	xmlStr, err := a.client.DomainGetXMLDesc(dom, libvirt.DomainXMLInactive)
	if err != nil {
		return nil, classify(op, dom.Name, err)
	}
	var d libvirtxml.Domain
	if err := d.Unmarshal(xmlStr); err != nil {
		return nil, provider.NewError(provider.KindBackendUnavailable, op, dom.Name,
			fmt.Errorf("failed to parse domain XML: %w", err))
	}
	return &d, nil
}

// CreateVM defines the domain and stores the requested parameters in its
// metadata. An existing domain is compared against that metadata.
func (a *Adapter) CreateVM(ctx context.Context, p provider.VMParams) (provider.Outcome, error) {
	const op = "create-vm"

	release, err := a.claims.Claim(op, p.Name)
	if err != nil {
		return provider.Outcome{}, err
	}
	defer release()

	dom, found, err := a.lookup(op, p.Name)
	if err != nil {
		return provider.Outcome{}, err
	}
	if found {
		existing, err := loadParams(a.client, dom)
		if err != nil {
			return provider.Outcome{}, provider.Errorf(provider.KindConflict, op, p.Name,
				"domain exists and was not created by provision: %v", err)
		}
		if diff := paramsDiff(existing, p); diff != "" {
			return provider.Outcome{}, provider.Errorf(provider.KindConflict, op, p.Name,
				"domain exists with different configuration: %s", diff)
		}
		a.logger.Info().Str("vm", p.Name).Msg("Domain already exists with matching configuration, skipping")
		return provider.Unchanged(""), nil
	}

	domainXML, err := GenerateDomainXML(p, a.cfg.Network)
	if err != nil {
		return provider.Outcome{}, provider.NewError(provider.KindInvalidParameter, op, p.Name, err)
	}
	if err := ctx.Err(); err != nil {
		return provider.Outcome{}, provider.NewError(provider.KindBackendUnavailable, op, p.Name, err)
	}

	dom, err = a.client.DomainDefineXML(domainXML)
	if err != nil {
		return provider.Outcome{}, classify(op, p.Name, err)
	}
	if err := storeParams(a.client, dom, p); err != nil {
		if uerr := a.client.DomainUndefineFlags(dom, libvirt.DomainUndefineNvram); uerr != nil {
			a.logger.Warn().Err(uerr).Str("vm", p.Name).Msg("Failed to undefine partially created domain")
		}
		return provider.Outcome{}, classify(op, p.Name, err)
	}

	return provider.Changed(fmt.Sprintf("defined domain %s", p.Name)), nil
}

func paramsDiff(have, want provider.VMParams) string {
	var diffs []string
	if have.Generation != want.Generation {
		diffs = append(diffs, fmt.Sprintf("generation %d != %d", have.Generation, want.Generation))
	}
	if have.MemoryMiB != want.MemoryMiB {
		diffs = append(diffs, fmt.Sprintf("memory %d != %d MiB", have.MemoryMiB, want.MemoryMiB))
	}
	if have.CPUs != want.CPUs {
		diffs = append(diffs, fmt.Sprintf("cpus %d != %d", have.CPUs, want.CPUs))
	}
	if have.DiskPath != want.DiskPath {
		diffs = append(diffs, fmt.Sprintf("disk %q != %q", have.DiskPath, want.DiskPath))
	}
	return strings.Join(diffs, ", ")
}

// DeleteVM destroys and undefines the domain, including its NVRAM.
// The disk volume is left in place.
func (a *Adapter) DeleteVM(ctx context.Context, p provider.VMParams) (provider.Outcome, error) {
	const op = "delete-vm"

	dom, found, err := a.lookup(op, p.Name)
	if err != nil {
		return provider.Outcome{}, err
	}
	if !found {
		return provider.Unchanged(""), nil
	}

	state, err := a.state(op, dom)
	if err != nil {
		return provider.Outcome{}, err
	}
	if state == domainStateRunning || state == domainStatePaused {
		if err := a.client.DomainDestroy(dom); err != nil {
			return provider.Outcome{}, classify(op, p.Name, err)
		}
	}
	if err := a.client.DomainUndefineFlags(dom, libvirt.DomainUndefineNvram); err != nil {
		return provider.Outcome{}, classify(op, p.Name, err)
	}
	return provider.Changed(fmt.Sprintf("undefined domain %s", p.Name)), nil
}

// SetFirmware toggles Secure Boot by redefining the domain with the
// secure-boot and enrolled-keys firmware features.
func (a *Adapter) SetFirmware(ctx context.Context, p provider.FirmwareParams) (provider.Outcome, error) {
	const op = "set-firmware"

	dom, found, err := a.lookup(op, p.VMName)
	if err != nil {
		return provider.Outcome{}, err
	}
	if !found {
		return provider.Outcome{}, provider.Errorf(provider.KindNotFound, op, p.VMName, "domain is not defined")
	}

	d, err := a.inactiveXML(op, dom)
	if err != nil {
		return provider.Outcome{}, err
	}
	if d.OS == nil || d.OS.Firmware != "efi" {
		return provider.Outcome{}, provider.Errorf(provider.KindInvalidParameter, op, p.VMName,
			"Secure Boot settings require EFI firmware")
	}
	if secureBootEnabled(d) == p.SecureBoot {
		return provider.Unchanged(""), nil
	}

	state, err := a.state(op, dom)
	if err != nil {
		return provider.Outcome{}, err
	}
	if state == domainStateRunning || state == domainStatePaused {
		return provider.Outcome{}, provider.Errorf(provider.KindConflict, op, p.VMName,
			"firmware can only be changed while the domain is shut off")
	}

	setSecureBoot(d, p.SecureBoot)
	domainXML, err := d.Marshal()
	if err != nil {
		return provider.Outcome{}, provider.NewError(provider.KindInvalidParameter, op, p.VMName,
			fmt.Errorf("failed to marshal domain XML: %w", err))
	}
	if _, err := a.client.DomainDefineXML(domainXML); err != nil {
		return provider.Outcome{}, classify(op, p.VMName, err)
	}

	return provider.Changed(fmt.Sprintf("secure boot %t", p.SecureBoot)), nil
}

// AttachMedia adds a CD-ROM to the persistent definition.
func (a *Adapter) AttachMedia(ctx context.Context, p provider.MediaParams) (provider.Outcome, error) {
	const op = "attach-media"

	dom, found, err := a.lookup(op, p.VMName)
	if err != nil {
		return provider.Outcome{}, err
	}
	if !found {
		return provider.Outcome{}, provider.Errorf(provider.KindNotFound, op, p.VMName, "domain is not defined")
	}

	d, err := a.inactiveXML(op, dom)
	if err != nil {
		return provider.Outcome{}, err
	}
	if findCDROM(d, p.Path) != nil {
		return provider.Unchanged(""), nil
	}

	target := naming.CDROMTarget(p.Index)
	if targetInUse(d, target) {
		return provider.Outcome{}, provider.Errorf(provider.KindConflict, op, p.VMName,
			"target %s already in use", target)
	}

	devXML, err := cdromXML(p.Path, target, p.Boot)
	if err != nil {
		return provider.Outcome{}, provider.NewError(provider.KindInvalidParameter, op, p.Path, err)
	}
	if err := a.client.DomainAttachDeviceFlags(dom, devXML, uint32(libvirt.DomainDeviceModifyConfig)); err != nil {
		return provider.Outcome{}, classify(op, p.Path, err)
	}

	return provider.Changed(fmt.Sprintf("attached %s as %s", p.Path, target)), nil
}

// DetachMedia removes the CD-ROM holding the image from the persistent definition.
func (a *Adapter) DetachMedia(ctx context.Context, p provider.MediaParams) (provider.Outcome, error) {
	const op = "detach-media"

	dom, found, err := a.lookup(op, p.VMName)
	if err != nil {
		return provider.Outcome{}, err
	}
	if !found {
		return provider.Unchanged(""), nil
	}

	d, err := a.inactiveXML(op, dom)
	if err != nil {
		return provider.Outcome{}, err
	}
	disk := findCDROM(d, p.Path)
	if disk == nil {
		return provider.Unchanged(""), nil
	}

	devXML, err := disk.Marshal()
	if err != nil {
		return provider.Outcome{}, provider.NewError(provider.KindInvalidParameter, op, p.Path, err)
	}
	if err := a.client.DomainDetachDeviceFlags(dom, devXML, uint32(libvirt.DomainDeviceModifyConfig)); err != nil {
		return provider.Outcome{}, classify(op, p.Path, err)
	}

	return provider.Changed(fmt.Sprintf("detached %s", p.Path)), nil
}

// StartVM starts the domain unless it is running.
func (a *Adapter) StartVM(ctx context.Context, p provider.VMParams) (provider.Outcome, error) {
	const op = "start-vm"

	dom, found, err := a.lookup(op, p.Name)
	if err != nil {
		return provider.Outcome{}, err
	}
	if !found {
		return provider.Outcome{}, provider.Errorf(provider.KindNotFound, op, p.Name, "domain is not defined")
	}

	state, err := a.state(op, dom)
	if err != nil {
		return provider.Outcome{}, err
	}
	if state == domainStateRunning {
		return provider.Unchanged(""), nil
	}

	if err := a.client.DomainCreate(dom); err != nil {
		return provider.Outcome{}, classify(op, p.Name, err)
	}
	return provider.Changed(fmt.Sprintf("started domain %s", p.Name)), nil
}

// StopVM forces the domain off.
func (a *Adapter) StopVM(ctx context.Context, p provider.VMParams) (provider.Outcome, error) {
	const op = "stop-vm"

	dom, found, err := a.lookup(op, p.Name)
	if err != nil {
		return provider.Outcome{}, err
	}
	if !found {
		return provider.Unchanged(""), nil
	}

	state, err := a.state(op, dom)
	if err != nil {
		return provider.Outcome{}, err
	}
	if state != domainStateRunning && state != domainStatePaused {
		return provider.Unchanged(""), nil
	}

	if err := a.client.DomainDestroy(dom); err != nil {
		return provider.Outcome{}, classify(op, p.Name, err)
	}
	return provider.Changed(fmt.Sprintf("destroyed domain %s", p.Name)), nil
}
