package ota

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"golang.org/x/mod/semver"
)

// ManifestName is the manifest filename inside a resource archive.
const ManifestName = "resources.json"

// ManifestEntry describes one resource file in the archive.
type ManifestEntry struct {
	Filename string `json:"filename"` // name inside the archive
	Path     string `json:"path"`     // destination path on the watch
	Size     uint32 `json:"size"`
	Checksum uint32 `json:"crc32"`
}

// Manifest is the parsed resource-archive manifest: the entry list plus the
// firmware versions the resources are built for.
type Manifest struct {
	Resources     []ManifestEntry `json:"resources"`
	ObsoleteFiles []string        `json:"obsolete_files,omitempty"`
	Version       string          `json:"version"`
	MinFirmware   string          `json:"min_firmware"`
	MaxFirmware   string          `json:"max_firmware,omitempty"`
}

// ParseManifest extracts and parses the manifest from a resource archive.
func ParseManifest(archive []byte) (*Manifest, error) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, fmt.Errorf("ota: opening resource archive: %w", err)
	}
	f, err := zr.Open(ManifestName)
	if err != nil {
		return nil, fmt.Errorf("ota: archive has no %s: %w", ManifestName, err)
	}
	defer f.Close()

	var m Manifest
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return nil, fmt.Errorf("ota: parsing %s: %w", ManifestName, err)
	}
	if len(m.Resources) == 0 {
		return nil, fmt.Errorf("ota: manifest lists no resources")
	}
	return &m, nil
}

// Validate checks every manifest entry against the archive content:
// the file must exist and match its declared size and checksum.
func (m *Manifest) Validate(archive []byte) error {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return fmt.Errorf("ota: opening resource archive: %w", err)
	}
	for _, entry := range m.Resources {
		f, err := zr.Open(entry.Filename)
		if err != nil {
			return fmt.Errorf("ota: manifest entry %q missing from archive", entry.Filename)
		}
		content, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("ota: reading %q: %w", entry.Filename, err)
		}
		if uint32(len(content)) != entry.Size {
			return fmt.Errorf("ota: %q is %d bytes, manifest declares %d", entry.Filename, len(content), entry.Size)
		}
		if got := Checksum(content); got != entry.Checksum {
			return fmt.Errorf("ota: %q checksum %08x, manifest declares %08x", entry.Filename, got, entry.Checksum)
		}
	}
	return nil
}

// CompatibleWith checks the installed firmware version against the
// manifest's declared range. Versions that are not valid semver (such as
// development builds) cannot be compared and pass the check.
func (m *Manifest) CompatibleWith(installed string) error {
	v := canonicalVersion(installed)
	if !semver.IsValid(v) {
		return nil
	}
	if min := canonicalVersion(m.MinFirmware); m.MinFirmware != "" && semver.IsValid(min) && semver.Compare(v, min) < 0 {
		return fmt.Errorf("%w: firmware %s older than required %s", ErrIncompatibleVersion, installed, m.MinFirmware)
	}
	if max := canonicalVersion(m.MaxFirmware); m.MaxFirmware != "" && semver.IsValid(max) && semver.Compare(v, max) > 0 {
		return fmt.Errorf("%w: firmware %s newer than supported %s", ErrIncompatibleVersion, installed, m.MaxFirmware)
	}
	return nil
}

// Outdated returns the entries whose installed checksum differs from the
// manifest, supporting partial resource sync. installed maps watch paths to
// the checksum of the currently stored file; paths absent from the map
// count as outdated.
func (m *Manifest) Outdated(installed map[string]uint32) []ManifestEntry {
	var out []ManifestEntry
	for _, entry := range m.Resources {
		if crc, ok := installed[entry.Path]; !ok || crc != entry.Checksum {
			out = append(out, entry)
		}
	}
	return out
}

// canonicalVersion normalizes a watch-reported version for x/mod/semver,
// which requires the leading "v".
func canonicalVersion(v string) string {
	v = strings.TrimSpace(v)
	if v == "" || strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

// compareVersions orders two versions. The second result is false when
// either side is not valid semver.
func compareVersions(a, b string) (int, bool) {
	ca, cb := canonicalVersion(a), canonicalVersion(b)
	if !semver.IsValid(ca) || !semver.IsValid(cb) {
		return 0, false
	}
	return semver.Compare(ca, cb), true
}
