// Package media inspects installer and answer ISO images before a plan is
// executed so unreadable media fail validation instead of a backend call.
package media

import (
	"fmt"
	"os"
	"strings"

	"github.com/kdomanski/iso9660"
)

// Info describes an ISO9660 image.
type Info struct {
	// Path is the inspected file.
	Path string `json:"path" yaml:"path"`

	// Label is the volume identifier, e.g. CCCOMA_X64FRE_EN-US_DV9.
	Label string `json:"label" yaml:"label"`

	// SizeBytes is the image file size.
	SizeBytes int64 `json:"sizeBytes" yaml:"sizeBytes"`

	// HasEFI reports whether the root directory contains an EFI tree,
	// which UEFI (generation 2) VMs need to boot the image.
	HasEFI bool `json:"hasEFI" yaml:"hasEFI"`
}

// Inspector reads image metadata.
//
// In production, this is satisfied by ISOInspector.
// In tests, by stubs returning canned Info.
type Inspector interface {
	Inspect(path string) (Info, error)
}

// ISOInspector reads local ISO9660 images.
type ISOInspector struct{}

var _ Inspector = ISOInspector{}

// Inspect opens the image and reads its label and root directory.
func (ISOInspector) Inspect(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, fmt.Errorf("failed to open media %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return Info{}, fmt.Errorf("failed to stat media %s: %w", path, err)
	}
	if st.IsDir() {
		return Info{}, fmt.Errorf("media %s is a directory", path)
	}

	img, err := iso9660.OpenImage(f)
	if err != nil {
		return Info{}, fmt.Errorf("media %s is not an ISO9660 image: %w", path, err)
	}

	label, err := img.Label()
	if err != nil {
		return Info{}, fmt.Errorf("failed to read volume label of %s: %w", path, err)
	}

	root, err := img.RootDir()
	if err != nil {
		return Info{}, fmt.Errorf("failed to read root directory of %s: %w", path, err)
	}
	children, err := root.GetChildren()
	if err != nil {
		return Info{}, fmt.Errorf("failed to list root directory of %s: %w", path, err)
	}

	info := Info{Path: path, Label: strings.TrimSpace(label), SizeBytes: st.Size()}
	for _, child := range children {
		if child.IsDir() && strings.EqualFold(child.Name(), "efi") {
			info.HasEFI = true
			break
		}
	}

	return info, nil
}
