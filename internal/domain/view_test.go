package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSiteView(t *testing.T) {
	site := Site{ID: "ATM1", Name: "ATM 1", Latitude: 36.75, Longitude: 3.04, Thresholds: Thresholds{5, 10}}

	pending := NewSiteView(site, SiteState{}, false)
	assert.Nil(t, pending.Status)

	updated := time.Date(2026, time.October, 15, 10, 0, 0, 0, time.UTC)
	live := NewSiteView(site, SiteState{SiteID: "ATM1", Tier: TierHigh, Count: 14, Sequence: 9, UpdatedAt: updated}, true)
	require.NotNil(t, live.Status)
	assert.Equal(t, "red", live.Status.Color)

	data, err := json.Marshal(live)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"id": "ATM1",
		"name": "ATM 1",
		"latitude": 36.75,
		"longitude": 3.04,
		"thresholds": [5, 10],
		"status": {
			"tier": "high",
			"color": "red",
			"count": 14,
			"sequence": 9,
			"updated_at": "2026-10-15T10:00:00Z"
		}
	}`, string(data))
}
