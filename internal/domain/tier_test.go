package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	thresholds := Thresholds{5, 10}

	cases := []struct {
		count int
		want  Tier
	}{
		{0, TierLow},
		{4, TierLow},
		{5, TierMedium},
		{9, TierMedium},
		{10, TierHigh},
		{1000, TierHigh},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.count, thresholds), "count=%d", tc.count)
	}
}

func TestClassify_NTiers(t *testing.T) {
	thresholds := Thresholds{2, 4, 8, 16}

	assert.Equal(t, TierLow, Classify(1, thresholds))
	assert.Equal(t, TierMedium, Classify(2, thresholds))
	assert.Equal(t, TierHigh, Classify(7, thresholds))
	assert.Equal(t, Tier(3), Classify(8, thresholds))
	assert.Equal(t, Tier(4), Classify(16, thresholds))
	assert.Equal(t, "level-4", Classify(99, thresholds).String())
}

func TestClassify_NoThresholds(t *testing.T) {
	assert.Equal(t, TierLow, Classify(0, nil))
	assert.Equal(t, TierLow, Classify(1_000_000, nil))
}

func TestClassify_MonotonicAndDeterministic(t *testing.T) {
	sets := []Thresholds{
		{1},
		{5, 10},
		{0, 3, 7},
		{2, 4, 8, 16, 32},
	}

	for _, th := range sets {
		prev := Classify(0, th)
		for c := 0; c <= 64; c++ {
			got := Classify(c, th)
			assert.GreaterOrEqual(t, int(got), int(prev), "thresholds=%v count=%d", th, c)
			assert.Equal(t, got, Classify(c, th), "repeated call differs")
			assert.LessOrEqual(t, int(got), len(th))
			prev = got
		}
	}
}

func TestTier_StringAndColor(t *testing.T) {
	assert.Equal(t, "low", TierLow.String())
	assert.Equal(t, "medium", TierMedium.String())
	assert.Equal(t, "high", TierHigh.String())

	assert.Equal(t, "green", TierLow.Color())
	assert.Equal(t, "orange", TierMedium.Color())
	assert.Equal(t, "red", TierHigh.Color())
	assert.Equal(t, "red", Tier(5).Color())
}

func TestTier_MarshalJSON(t *testing.T) {
	data, err := json.Marshal(SiteState{SiteID: "ATM1", Tier: TierMedium, Count: 6, Sequence: 2})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"tier":"medium"`)
}

func TestTier_UnmarshalText(t *testing.T) {
	for _, want := range []Tier{TierLow, TierMedium, TierHigh, Tier(5)} {
		var got Tier
		require.NoError(t, got.UnmarshalText([]byte(want.String())))
		assert.Equal(t, want, got)
	}

	var got Tier
	assert.Error(t, got.UnmarshalText([]byte("critical")))
	assert.Error(t, got.UnmarshalText([]byte("level-x")))
}

func TestThresholds_Validate(t *testing.T) {
	require.NoError(t, Thresholds{5, 10}.Validate())
	require.NoError(t, Thresholds{0}.Validate())

	cases := map[string]Thresholds{
		"empty":      {},
		"negative":   {-1, 5},
		"descending": {10, 5},
		"duplicate":  {5, 5},
	}
	for name, th := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, th.Validate())
		})
	}
}
