package domain

import (
	"fmt"
	"time"
)

// Thresholds are ascending tier boundaries. A count equal to a boundary
// belongs to the upper tier.
type Thresholds []int

// Validate reports whether the boundaries are non-negative and strictly ascending.
func (t Thresholds) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("thresholds: at least one boundary is required")
	}
	for i, b := range t {
		if b < 0 {
			return fmt.Errorf("thresholds[%d]: negative boundary %d", i, b)
		}
		if i > 0 && b <= t[i-1] {
			return fmt.Errorf("thresholds[%d]: %d is not greater than %d", i, b, t[i-1])
		}
	}
	return nil
}

// Site is one monitored ATM. Sites are built from the catalog at startup and
// never change afterwards.
type Site struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Latitude   float64    `json:"latitude"`
	Longitude  float64    `json:"longitude"`
	Thresholds Thresholds `json:"thresholds"`

	// Address is filled by reverse geocoding when enrichment is enabled.
	Address string `json:"address,omitempty"`
}

// OccupancyReading is one decoded count for one site.
type OccupancyReading struct {
	SiteID   string `json:"site_id"`
	Count    int    `json:"count"`
	Sequence uint64 `json:"sequence"`
}

// SiteState is the current classified state of a site.
type SiteState struct {
	SiteID    string    `json:"site_id"`
	Tier      Tier      `json:"tier"`
	Count     int       `json:"count"`
	Sequence  uint64    `json:"sequence"`
	UpdatedAt time.Time `json:"updated_at"`
}
