package libvirt

import (
	"fmt"

	"github.com/digitalocean/go-libvirt"
	"libvirt.org/go/libvirtxml"
)

// mockLibvirtClient is an in-memory libvirtClient.
type mockLibvirtClient struct {
	domains  map[string]*mockDomain
	volumes  map[string]uint64 // path -> capacity bytes
	poolName string
	poolPath string

	// failOn makes the named method return a libvirt error with this code.
	failOn map[string]uint32

	calls []string
}

type mockDomain struct {
	xml      string
	state    int32
	metadata string
}

func newMockLibvirtClient() *mockLibvirtClient {
	return &mockLibvirtClient{
		domains:  make(map[string]*mockDomain),
		volumes:  make(map[string]uint64),
		poolName: "default",
		poolPath: "/var/lib/libvirt/images",
		failOn:   make(map[string]uint32),
	}
}

func (m *mockLibvirtClient) record(method string) error {
	m.calls = append(m.calls, method)
	if code, ok := m.failOn[method]; ok {
		return libvirt.Error{Code: code, Message: fmt.Sprintf("mock %s failure", method)}
	}
	return nil
}

func (m *mockLibvirtClient) called(method string) bool {
	for _, c := range m.calls {
		if c == method {
			return true
		}
	}
	return false
}

func noDomain(name string) error {
	return libvirt.Error{Code: errNoDomain, Message: fmt.Sprintf("Domain not found: no domain with matching name '%s'", name)}
}

func (m *mockLibvirtClient) ConnectGetLibVersion() (uint64, error) {
	if err := m.record("ConnectGetLibVersion"); err != nil {
		return 0, err
	}
	return 10000000, nil
}

func (m *mockLibvirtClient) DomainLookupByName(name string) (libvirt.Domain, error) {
	if err := m.record("DomainLookupByName"); err != nil {
		return libvirt.Domain{}, err
	}
	if _, ok := m.domains[name]; !ok {
		return libvirt.Domain{}, noDomain(name)
	}
	return libvirt.Domain{Name: name}, nil
}

func (m *mockLibvirtClient) DomainDefineXML(xml string) (libvirt.Domain, error) {
	if err := m.record("DomainDefineXML"); err != nil {
		return libvirt.Domain{}, err
	}
	var d libvirtxml.Domain
	if err := d.Unmarshal(xml); err != nil {
		return libvirt.Domain{}, libvirt.Error{Code: errInvalidArg, Message: err.Error()}
	}
	if existing, ok := m.domains[d.Name]; ok {
		existing.xml = xml
	} else {
		m.domains[d.Name] = &mockDomain{xml: xml, state: 5}
	}
	return libvirt.Domain{Name: d.Name}, nil
}

func (m *mockLibvirtClient) DomainGetXMLDesc(dom libvirt.Domain, flags libvirt.DomainXMLFlags) (string, error) {
	if err := m.record("DomainGetXMLDesc"); err != nil {
		return "", err
	}
	d, ok := m.domains[dom.Name]
	if !ok {
		return "", noDomain(dom.Name)
	}
	return d.xml, nil
}

func (m *mockLibvirtClient) DomainGetState(dom libvirt.Domain, flags uint32) (int32, int32, error) {
	if err := m.record("DomainGetState"); err != nil {
		return 0, 0, err
	}
	d, ok := m.domains[dom.Name]
	if !ok {
		return 0, 0, noDomain(dom.Name)
	}
	return d.state, 0, nil
}

func (m *mockLibvirtClient) DomainCreate(dom libvirt.Domain) error {
	if err := m.record("DomainCreate"); err != nil {
		return err
	}
	m.domains[dom.Name].state = domainStateRunning
	return nil
}

func (m *mockLibvirtClient) DomainDestroy(dom libvirt.Domain) error {
	if err := m.record("DomainDestroy"); err != nil {
		return err
	}
	m.domains[dom.Name].state = 5
	return nil
}

func (m *mockLibvirtClient) DomainUndefineFlags(dom libvirt.Domain, flags libvirt.DomainUndefineFlagsValues) error {
	if err := m.record("DomainUndefineFlags"); err != nil {
		return err
	}
	delete(m.domains, dom.Name)
	return nil
}

func (m *mockLibvirtClient) updateDisks(name string, fn func(d *libvirtxml.Domain, disk libvirtxml.DomainDisk), devXML string) error {
	dom, ok := m.domains[name]
	if !ok {
		return noDomain(name)
	}
	var d libvirtxml.Domain
	if err := d.Unmarshal(dom.xml); err != nil {
		return err
	}
	var disk libvirtxml.DomainDisk
	if err := disk.Unmarshal(devXML); err != nil {
		return err
	}
	fn(&d, disk)
	out, err := d.Marshal()
	if err != nil {
		return err
	}
	dom.xml = out
	return nil
}

func (m *mockLibvirtClient) DomainAttachDeviceFlags(dom libvirt.Domain, xml string, flags uint32) error {
	if err := m.record("DomainAttachDeviceFlags"); err != nil {
		return err
	}
	return m.updateDisks(dom.Name, func(d *libvirtxml.Domain, disk libvirtxml.DomainDisk) {
		d.Devices.Disks = append(d.Devices.Disks, disk)
	}, xml)
}

func (m *mockLibvirtClient) DomainDetachDeviceFlags(dom libvirt.Domain, xml string, flags uint32) error {
	if err := m.record("DomainDetachDeviceFlags"); err != nil {
		return err
	}
	return m.updateDisks(dom.Name, func(d *libvirtxml.Domain, disk libvirtxml.DomainDisk) {
		kept := d.Devices.Disks[:0]
		for _, existing := range d.Devices.Disks {
			if existing.Target != nil && disk.Target != nil && existing.Target.Dev == disk.Target.Dev {
				continue
			}
			kept = append(kept, existing)
		}
		d.Devices.Disks = kept
	}, xml)
}

func (m *mockLibvirtClient) DomainSetMetadata(dom libvirt.Domain, typ int32, metadata libvirt.OptString, key libvirt.OptString, uri libvirt.OptString, flags libvirt.DomainModificationImpact) error {
	if err := m.record("DomainSetMetadata"); err != nil {
		return err
	}
	d, ok := m.domains[dom.Name]
	if !ok {
		return noDomain(dom.Name)
	}
	if len(metadata) > 0 {
		d.metadata = metadata[0]
	}
	return nil
}

func (m *mockLibvirtClient) DomainGetMetadata(dom libvirt.Domain, typ int32, uri libvirt.OptString, flags libvirt.DomainModificationImpact) (string, error) {
	if err := m.record("DomainGetMetadata"); err != nil {
		return "", err
	}
	d, ok := m.domains[dom.Name]
	if !ok {
		return "", noDomain(dom.Name)
	}
	if d.metadata == "" {
		// VIR_ERR_NO_DOMAIN_METADATA
		return "", libvirt.Error{Code: 80, Message: "metadata not found: Requested metadata element is not present"}
	}
	return d.metadata, nil
}

func (m *mockLibvirtClient) StoragePoolLookupByName(name string) (libvirt.StoragePool, error) {
	if err := m.record("StoragePoolLookupByName"); err != nil {
		return libvirt.StoragePool{}, err
	}
	if name != m.poolName {
		return libvirt.StoragePool{}, libvirt.Error{Code: errNoStoragePool, Message: "Storage pool not found"}
	}
	return libvirt.StoragePool{Name: name}, nil
}

func (m *mockLibvirtClient) StoragePoolGetXMLDesc(pool libvirt.StoragePool, flags libvirt.StorageXMLFlags) (string, error) {
	if err := m.record("StoragePoolGetXMLDesc"); err != nil {
		return "", err
	}
	return fmt.Sprintf("<pool type='dir'><name>%s</name><target><path>%s</path></target></pool>", m.poolName, m.poolPath), nil
}

func (m *mockLibvirtClient) StorageVolLookupByPath(path string) (libvirt.StorageVol, error) {
	if err := m.record("StorageVolLookupByPath"); err != nil {
		return libvirt.StorageVol{}, err
	}
	if _, ok := m.volumes[path]; !ok {
		return libvirt.StorageVol{}, libvirt.Error{Code: errNoStorageVol, Message: "Storage volume not found"}
	}
	return libvirt.StorageVol{Pool: m.poolName, Name: path, Key: path}, nil
}

func (m *mockLibvirtClient) StorageVolCreateXML(pool libvirt.StoragePool, xml string, flags libvirt.StorageVolCreateFlags) (libvirt.StorageVol, error) {
	if err := m.record("StorageVolCreateXML"); err != nil {
		return libvirt.StorageVol{}, err
	}
	var vol libvirtxml.StorageVolume
	if err := vol.Unmarshal(xml); err != nil {
		return libvirt.StorageVol{}, libvirt.Error{Code: errInvalidArg, Message: err.Error()}
	}
	path := m.poolPath + "/" + vol.Name
	m.volumes[path] = vol.Capacity.Value
	return libvirt.StorageVol{Pool: pool.Name, Name: vol.Name, Key: path}, nil
}

func (m *mockLibvirtClient) StorageVolGetInfo(vol libvirt.StorageVol) (int8, uint64, uint64, error) {
	if err := m.record("StorageVolGetInfo"); err != nil {
		return 0, 0, 0, err
	}
	return 0, m.volumes[vol.Key], 0, nil
}

func (m *mockLibvirtClient) StorageVolDelete(vol libvirt.StorageVol, flags libvirt.StorageVolDeleteFlags) error {
	if err := m.record("StorageVolDelete"); err != nil {
		return err
	}
	delete(m.volumes, vol.Key)
	return nil
}
