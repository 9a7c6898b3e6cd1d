package resolver

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sthetix/SwitchrootDepot/internal/build"
)

// Policy selects a companion build for a selection.
type Policy string

const (
	// PolicyExact accepts only a companion whose version equals the target.
	PolicyExact Policy = "exact-version"
	// PolicyNearestLower accepts an exact match, else the highest version
	// below the target.
	PolicyNearestLower Policy = "nearest-lower-version"
	// PolicyLatest takes the newest companion available for the variant.
	PolicyLatest Policy = "latest"
)

// UnmarshalText validates policies read from component files.
func (p *Policy) UnmarshalText(b []byte) error {
	switch v := Policy(strings.TrimSpace(string(b))); v {
	case PolicyExact, PolicyNearestLower, PolicyLatest:
		*p = v
		return nil
	}
	return fmt.Errorf("resolver: unknown companion policy %q", string(b))
}

// Match is a rule's applicability predicate.
type Match struct {
	Family build.Family `yaml:"family" json:"family"`

	// Variants restricts the rule to these variants (case-insensitive).
	// Empty matches every variant.
	Variants []string `yaml:"variants,omitempty" json:"variants,omitempty"`
}

// Applies reports whether the rule covers entry.
func (m Match) Applies(entry build.BuildEntry) bool {
	if m.Family != entry.Family {
		return false
	}
	if len(m.Variants) == 0 {
		return true
	}
	for _, v := range m.Variants {
		if strings.EqualFold(v, entry.Variant) {
			return true
		}
	}
	return false
}

// Companion requests a version-matched package from another family.
type Companion struct {
	Family build.Family `yaml:"family" json:"family"`
	Policy Policy       `yaml:"policy" json:"policy"`
}

// FileDescriptor is one required file. Exactly one of URL, Asset or Content
// must be set.
type FileDescriptor struct {
	// Name is the destination file name. It defaults to the asset name or
	// the last URL path element.
	Name string     `yaml:"name,omitempty" json:"name,omitempty"`
	Role build.Role `yaml:"role" json:"role"`

	// URL is fixed, or a text/template over Version, Variant, Family, Name
	// and CompanionVersion when it contains "{{".
	URL string `yaml:"url,omitempty" json:"url,omitempty"`

	// Asset names a file published with the selected build. Glob patterns
	// select every matching asset not already part of the set.
	Asset   string   `yaml:"asset,omitempty" json:"asset,omitempty"`
	Exclude []string `yaml:"exclude,omitempty" json:"exclude,omitempty"`

	// Content is a template rendered into a generated file.
	Content string `yaml:"content,omitempty" json:"content,omitempty"`

	// Path is the destination relative to the bundle root (bundle-file).
	Path string `yaml:"path,omitempty" json:"path,omitempty"`

	// Size and Checksum describe fixed URLs when known.
	Size     int64  `yaml:"size,omitempty" json:"size,omitempty"`
	Checksum string `yaml:"checksum,omitempty" json:"checksum,omitempty"`

	// Optional descriptors are skipped when their asset is absent.
	Optional bool `yaml:"optional,omitempty" json:"optional,omitempty"`
}

// String names the descriptor in errors.
func (d FileDescriptor) String() string {
	switch {
	case d.Name != "":
		return d.Name
	case d.Asset != "":
		return "asset " + d.Asset
	case d.URL != "":
		return d.URL
	}
	return string(d.Role)
}

// Validate checks the descriptor shape.
func (d FileDescriptor) Validate() error {
	set := 0
	for _, s := range []string{d.URL, d.Asset, d.Content} {
		if s != "" {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("file %s: exactly one of url, asset or content is required", d)
	}
	if d.Role == "" {
		return fmt.Errorf("file %s: role is required", d)
	}
	if d.Content != "" && d.Name == "" {
		return fmt.Errorf("file %s: generated files need a name", d)
	}
	if d.Role == build.RoleBundleFile && d.Path == "" {
		return fmt.Errorf("file %s: bundle files need a path", d)
	}
	return nil
}

// ComponentRule declares what a matching selection needs besides itself.
type ComponentRule struct {
	Name      string           `yaml:"name" json:"name"`
	Match     Match            `yaml:"match" json:"match"`
	Companion *Companion       `yaml:"companion,omitempty" json:"companion,omitempty"`
	Files     []FileDescriptor `yaml:"files,omitempty" json:"files,omitempty"`
}

// Validate checks the rule and its descriptors.
func (r ComponentRule) Validate() error {
	if r.Match.Family == "" {
		return fmt.Errorf("rule %q: match.family is required", r.Name)
	}
	if r.Companion != nil && r.Companion.Policy == "" {
		return fmt.Errorf("rule %q: companion policy is required", r.Name)
	}
	var errs []error
	for _, f := range r.Files {
		if err := f.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", r.Name, err))
		}
	}
	return errors.Join(errs...)
}
