package build

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Family is the top-level artifact category.
type Family string

const (
	FamilyLinux   Family = "linux"
	FamilyLineage Family = "lineageos"
	FamilyGapps   Family = "gapps"
)

// ErrUnknownFamily is returned by ParseFamily for unrecognised names.
var ErrUnknownFamily = errors.New("build: unknown family")

// ParseFamily accepts the canonical names plus the display names used in
// component files ("LinuxDistro", "LineageOS", "Gapps").
func ParseFamily(s string) (Family, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "linux", "linuxdistro", "linux-distro":
		return FamilyLinux, nil
	case "lineageos", "lineage", "android":
		return FamilyLineage, nil
	case "gapps", "mindthegapps":
		return FamilyGapps, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFamily, s)
}

func (f Family) String() string {
	return string(f)
}

// UnmarshalText lets component files and cached catalogs use any name
// ParseFamily accepts.
func (f *Family) UnmarshalText(b []byte) error {
	v, err := ParseFamily(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// Asset is an auxiliary file published alongside a build (boot.img,
// recovery.img, ...).
type Asset struct {
	Name      string `json:"name"`
	URL       string `json:"url"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum,omitempty"`
}

// BuildEntry is one discoverable artifact candidate.
type BuildEntry struct {
	ID          string    `json:"id"`
	SourceID    string    `json:"source_id"`
	Family      Family    `json:"family"`
	Variant     string    `json:"variant"`
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	DownloadURL string    `json:"download_url"`
	SizeBytes   int64     `json:"size_bytes"`
	Checksum    string    `json:"checksum,omitempty"`
	PublishedAt time.Time `json:"published_at"`
	Assets      []Asset   `json:"assets,omitempty"`
}

// Asset returns the named asset of the entry.
func (e BuildEntry) Asset(name string) (Asset, bool) {
	for _, a := range e.Assets {
		if a.Name == name {
			return a, true
		}
	}
	return Asset{}, false
}

// EntryID builds the stable identifier used for catalog entries.
func EntryID(family Family, variant, name string) string {
	parts := []string{string(family), slug(variant), name}
	return strings.Join(parts, "/")
}

func slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		}
		return '-'
	}, s)
}
