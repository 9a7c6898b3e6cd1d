package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/sthetix/SwitchrootDepot/internal/resolver"
	"github.com/sthetix/SwitchrootDepot/internal/scanner"
)

//go:embed components.yaml
var defaultComponents []byte

// Components is the static definition of catalog sources and dependency
// rules.
type Components struct {
	Sources    []scanner.SourceConfig   `yaml:"sources" json:"sources"`
	Rules      []resolver.ComponentRule `yaml:"rules" json:"rules"`
	VersionMap map[string]string        `yaml:"version_map" json:"version_map"`
}

// DefaultComponents returns the built-in Switchroot definitions.
func DefaultComponents() (Components, error) {
	return ParseComponents(defaultComponents)
}

// LoadComponents reads a components file. JSON is accepted since it is a
// subset of YAML. An empty path loads the built-in definitions.
func LoadComponents(path string) (Components, error) {
	if path == "" {
		return DefaultComponents()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Components{}, fmt.Errorf("read components file: %w", err)
	}
	c, err := ParseComponents(data)
	if err != nil {
		return Components{}, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// ParseComponents decodes and validates a components document.
func ParseComponents(data []byte) (Components, error) {
	var c Components
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Components{}, fmt.Errorf("parse components: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Components{}, err
	}
	return c, nil
}

// Validate checks sources and rules.
func (c *Components) Validate() error {
	var errs []error
	kinds := scanner.Kinds()
	ids := make(map[string]bool, len(c.Sources))

	for _, s := range c.Sources {
		if s.ID == "" {
			errs = append(errs, errors.New("config: source without id"))
			continue
		}
		if ids[s.ID] {
			errs = append(errs, fmt.Errorf("config: duplicate source id %q", s.ID))
		}
		ids[s.ID] = true
		if _, ok := kinds[s.Kind]; !ok {
			errs = append(errs, fmt.Errorf("config: source %q: unknown kind %q", s.ID, s.Kind))
		}
		if s.Family == "" {
			errs = append(errs, fmt.Errorf("config: source %q: family is required", s.ID))
		}
		if s.URL == "" {
			errs = append(errs, fmt.Errorf("config: source %q: url is required", s.ID))
		}
		if s.Kind == scanner.KindGitHubReleases && s.Suffix == "" {
			errs = append(errs, fmt.Errorf("config: source %q: suffix is required", s.ID))
		}
		for _, p := range []string{s.Pattern, s.VersionPattern} {
			if p == "" {
				continue
			}
			if _, err := regexp.Compile(p); err != nil {
				errs = append(errs, fmt.Errorf("config: source %q: %w", s.ID, err))
			}
		}
	}

	for _, r := range c.Rules {
		if err := r.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("config: %w", err))
		}
	}

	return errors.Join(errs...)
}

// SourceIDs returns the configured source IDs in declaration order.
func (c *Components) SourceIDs() []string {
	ids := make([]string, len(c.Sources))
	for i, s := range c.Sources {
		ids[i] = s.ID
	}
	return ids
}
