package domain

import "fmt"

// Tier is a congestion level, ordered by severity.
type Tier int

const (
	TierLow Tier = iota
	TierMedium
	TierHigh
)

// Classify maps a count to its tier: the number of boundaries that are less
// than or equal to count.
func Classify(count int, thresholds Thresholds) Tier {
	tier := TierLow
	for _, b := range thresholds {
		if count < b {
			break
		}
		tier++
	}
	return tier
}

func (t Tier) String() string {
	switch t {
	case TierLow:
		return "low"
	case TierMedium:
		return "medium"
	case TierHigh:
		return "high"
	default:
		return fmt.Sprintf("level-%d", int(t))
	}
}

// Color is the marker colour the map and list views use for the tier.
func (t Tier) Color() string {
	switch t {
	case TierLow:
		return "green"
	case TierMedium:
		return "orange"
	default:
		return "red"
	}
}

// MarshalText encodes the tier by name.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText parses a tier name as produced by String.
func (t *Tier) UnmarshalText(text []byte) error {
	switch s := string(text); s {
	case "low":
		*t = TierLow
	case "medium":
		*t = TierMedium
	case "high":
		*t = TierHigh
	default:
		var n int
		if _, err := fmt.Sscanf(s, "level-%d", &n); err != nil || n < 0 {
			return fmt.Errorf("unknown tier %q", s)
		}
		*t = Tier(n)
	}
	return nil
}
