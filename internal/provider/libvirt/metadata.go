package libvirt

import (
	"encoding/xml"
	"fmt"

	"github.com/digitalocean/go-libvirt"
	"gopkg.in/yaml.v3"

	"github.com/jbweber/provision/internal/provider"
)

const (
	// MetadataNamespace is the XML namespace for provision metadata.
	MetadataNamespace = "http://provision.jbweber.dev/v1alpha1"

	// MetadataKey is the element prefix used inside the domain metadata.
	MetadataKey = "provision"
)

// vmMetadata is the XML element holding the requested VM parameters.
// The parameters are stored as YAML text so they stay readable in
// `virsh dumpxml`.
type vmMetadata struct {
	XMLName  xml.Name `xml:"vm"`
	Xmlns    string   `xml:"xmlns,attr"`
	SpecYAML string   `xml:",chardata"`
}

// storedParams is the YAML document kept in the domain metadata.
type storedParams struct {
	Generation int    `yaml:"generation"`
	MemoryMiB  int    `yaml:"memoryMiB"`
	CPUs       int    `yaml:"cpus"`
	DiskPath   string `yaml:"diskPath"`
}

// storeParams saves the VM parameters in the domain's persistent metadata.
func storeParams(l libvirtClient, dom libvirt.Domain, p provider.VMParams) error {
	data, err := yaml.Marshal(storedParams{
		Generation: p.Generation,
		MemoryMiB:  p.MemoryMiB,
		CPUs:       p.CPUs,
		DiskPath:   p.DiskPath,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal VM parameters to YAML: %w", err)
	}

	xmlData, err := xml.Marshal(vmMetadata{Xmlns: MetadataNamespace, SpecYAML: string(data)})
	if err != nil {
		return fmt.Errorf("failed to marshal metadata to XML: %w", err)
	}

	err = l.DomainSetMetadata(
		dom,
		int32(libvirt.DomainMetadataElement),
		libvirt.OptString{string(xmlData)},
		libvirt.OptString{MetadataKey},
		libvirt.OptString{MetadataNamespace},
		libvirt.DomainAffectConfig,
	)
	if err != nil {
		return fmt.Errorf("failed to set libvirt domain metadata: %w", err)
	}

	return nil
}

// loadParams reads the VM parameters stored by storeParams.
func loadParams(l libvirtClient, dom libvirt.Domain) (provider.VMParams, error) {
	xmlStr, err := l.DomainGetMetadata(
		dom,
		int32(libvirt.DomainMetadataElement),
		libvirt.OptString{MetadataNamespace},
		libvirt.DomainAffectConfig,
	)
	if err != nil {
		return provider.VMParams{}, fmt.Errorf("failed to get libvirt domain metadata: %w", err)
	}

	var md vmMetadata
	if err := xml.Unmarshal([]byte(xmlStr), &md); err != nil {
		return provider.VMParams{}, fmt.Errorf("failed to unmarshal metadata XML: %w", err)
	}

	var sp storedParams
	if err := yaml.Unmarshal([]byte(md.SpecYAML), &sp); err != nil {
		return provider.VMParams{}, fmt.Errorf("failed to unmarshal VM parameters from YAML: %w", err)
	}

	return provider.VMParams{
		Name:       dom.Name,
		Generation: sp.Generation,
		MemoryMiB:  sp.MemoryMiB,
		CPUs:       sp.CPUs,
		DiskPath:   sp.DiskPath,
	}, nil
}
