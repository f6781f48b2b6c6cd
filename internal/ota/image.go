// Package ota drives over-the-air update transfers to the watch: firmware
// images and resource archives, pushed in acknowledged chunks with resume
// and abort semantics.
package ota

import (
	"fmt"
	"hash/crc32"

	"github.com/azymohliad/watchmate/internal/ble/protocol"
)

// Image is one update payload with its declared metadata. It is consumed
// once per transfer.
type Image struct {
	Kind     protocol.UpdateKind
	Data     []byte
	Size     uint32 // declared size, must match len(Data)
	Checksum uint32 // declared CRC-32 over Data
	Version  string // target version, semver
}

// Checksum computes the CRC-32 (IEEE) used throughout the update protocol.
func Checksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// NewFirmwareImage wraps a firmware blob, deriving its declared metadata.
func NewFirmwareImage(data []byte, version string) Image {
	return Image{
		Kind:     protocol.KindFirmware,
		Data:     data,
		Size:     uint32(len(data)),
		Checksum: Checksum(data),
		Version:  version,
	}
}

// NewResourceImage wraps a resource archive. The archive must contain a
// manifest; its declared version is carried over to the image.
func NewResourceImage(data []byte) (Image, *Manifest, error) {
	manifest, err := ParseManifest(data)
	if err != nil {
		return Image{}, nil, err
	}
	img := Image{
		Kind:     protocol.KindResourceArchive,
		Data:     data,
		Size:     uint32(len(data)),
		Checksum: Checksum(data),
		Version:  manifest.Version,
	}
	return img, manifest, nil
}

// Validate checks the declared metadata against the actual bytes. An image
// whose declaration disagrees with its content must never reach the wire.
func (img Image) Validate() error {
	if len(img.Data) == 0 {
		return fmt.Errorf("ota: empty image")
	}
	if uint32(len(img.Data)) != img.Size {
		return fmt.Errorf("ota: declared size %d does not match content size %d", img.Size, len(img.Data))
	}
	if got := Checksum(img.Data); got != img.Checksum {
		return fmt.Errorf("ota: declared checksum %08x does not match content checksum %08x", img.Checksum, got)
	}
	return nil
}
