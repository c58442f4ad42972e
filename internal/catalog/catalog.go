// Package catalog loads the static site catalog from YAML.
package catalog

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/couchcryptid/atm-occupancy/internal/domain"
)

// DefaultThresholds applies to sites and files that do not set their own.
var DefaultThresholds = domain.Thresholds{5, 10}

// Catalog is the parsed site catalog file.
type Catalog struct {
	DefaultThresholds domain.Thresholds `yaml:"default_thresholds"`
	Entries           []SiteEntry       `yaml:"sites"`
}

// SiteEntry is one site as written in the file.
type SiteEntry struct {
	ID         string            `yaml:"id"`
	Name       string            `yaml:"name"`
	Latitude   float64           `yaml:"latitude"`
	Longitude  float64           `yaml:"longitude"`
	Address    string            `yaml:"address"`
	Thresholds domain.Thresholds `yaml:"thresholds"`
}

// Load reads, parses and validates the catalog at path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates catalog YAML.
func Parse(data []byte) (*Catalog, error) {
	c := &Catalog{}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("catalog: parse yaml: %w", err)
	}
	if c.DefaultThresholds == nil {
		c.DefaultThresholds = append(domain.Thresholds(nil), DefaultThresholds...)
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	return c, nil
}

// Sites converts the entries to domain sites in file order, applying the
// default thresholds where a site has none.
func (c *Catalog) Sites() []domain.Site {
	out := make([]domain.Site, 0, len(c.Entries))
	for _, e := range c.Entries {
		th := e.Thresholds
		if len(th) == 0 {
			th = c.DefaultThresholds
		}
		name := e.Name
		if name == "" {
			name = e.ID
		}
		out = append(out, domain.Site{
			ID:         e.ID,
			Name:       name,
			Latitude:   e.Latitude,
			Longitude:  e.Longitude,
			Thresholds: append(domain.Thresholds(nil), th...),
			Address:    e.Address,
		})
	}
	return out
}

func (c *Catalog) validate() error {
	if err := c.DefaultThresholds.Validate(); err != nil {
		return fmt.Errorf("default_thresholds: %w", err)
	}
	if len(c.Entries) == 0 {
		return errors.New("at least one site is required")
	}

	seen := make(map[string]struct{}, len(c.Entries))
	for i, s := range c.Entries {
		if s.ID == "" {
			return fmt.Errorf("sites[%d]: id is required", i)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("sites[%d]: duplicate id %q", i, s.ID)
		}
		seen[s.ID] = struct{}{}

		if s.Latitude < -90 || s.Latitude > 90 {
			return fmt.Errorf("sites[%d] %q: latitude %v out of range", i, s.ID, s.Latitude)
		}
		if s.Longitude < -180 || s.Longitude > 180 {
			return fmt.Errorf("sites[%d] %q: longitude %v out of range", i, s.ID, s.Longitude)
		}
		if s.Thresholds != nil {
			if err := s.Thresholds.Validate(); err != nil {
				return fmt.Errorf("sites[%d] %q: thresholds: %w", i, s.ID, err)
			}
		}
	}
	return nil
}
