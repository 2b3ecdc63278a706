package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "caretrack/pkg/domain-errors"
)

func TestDefault_EveryJurisdictionResolves(t *testing.T) {
	reg, err := Default()
	require.NoError(t, err)

	for _, j := range reg.Jurisdictions() {
		rs, err := reg.Get(j)
		require.NoError(t, err, "jurisdiction %s", j)
		assert.Positive(t, rs.ToleranceMeters, "jurisdiction %s", j)
		assert.NotEmpty(t, rs.RequiredFields, "jurisdiction %s", j)
		assert.Positive(t, rs.Retention, "jurisdiction %s", j)

		agg, err := reg.AggregatorFor(j)
		require.NoError(t, err)
		assert.True(t, agg.IsValid(), "jurisdiction %s maps to unknown aggregator", j)
	}
}

func TestDefault_SharedAggregatorMapping(t *testing.T) {
	reg, err := Default()
	require.NoError(t, err)

	// The many-to-one mapping is explicit: several jurisdictions share one
	// vendor identity, so one adapter instance serves all of them.
	byAggregator := make(map[AggregatorID][]Jurisdiction)
	for _, j := range reg.Jurisdictions() {
		agg, err := reg.AggregatorFor(j)
		require.NoError(t, err)
		byAggregator[agg] = append(byAggregator[agg], j)
	}

	assert.Len(t, byAggregator[AggregatorSandata], 2)
	assert.Len(t, byAggregator[AggregatorTellus], 2)
	assert.Len(t, byAggregator[AggregatorHHAeXchange], 3)
	assert.Len(t, reg.Aggregators(), 3)
}

func TestDefault_RuleChangeDoesNotLeakAcrossSharedVendor(t *testing.T) {
	reg, err := Default()
	require.NoError(t, err)

	oh, err := reg.Get("OH")
	require.NoError(t, err)
	ct, err := reg.Get("CT")
	require.NoError(t, err)

	// OH and CT share Sandata but keep independent rule values.
	require.Equal(t, oh.Aggregator, ct.Aggregator)
	assert.NotEqual(t, oh.ToleranceMeters, ct.ToleranceMeters)

	// A returned rule set is a copy; mutating it cannot touch the registry.
	oh.ToleranceMeters = 1
	again, err := reg.Get("OH")
	require.NoError(t, err)
	assert.Equal(t, 75.0, again.ToleranceMeters)
}

func TestGet_UnknownJurisdiction(t *testing.T) {
	reg, err := Default()
	require.NoError(t, err)

	_, err = reg.Get("ZZ")
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeConfiguration))

	_, err = reg.AggregatorFor("ZZ")
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeConfiguration))
}

func TestNewRegistry_FailFast(t *testing.T) {
	valid := RuleSet{
		Jurisdiction: "OH", ToleranceMeters: 75,
		GracePeriod: time.Minute, Aggregator: AggregatorSandata,
	}

	cases := []struct {
		name string
		sets []RuleSet
	}{
		{"empty registry", nil},
		{"duplicate jurisdiction", []RuleSet{valid, valid}},
		{"zero tolerance", []RuleSet{{Jurisdiction: "OH", Aggregator: AggregatorSandata}}},
		{"negative grace period", []RuleSet{{Jurisdiction: "OH", ToleranceMeters: 75, GracePeriod: -time.Minute, Aggregator: AggregatorSandata}}},
		{"unknown aggregator", []RuleSet{{Jurisdiction: "OH", ToleranceMeters: 75, Aggregator: "CAREBRIDGE"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewRegistry(tc.sets)
			require.Error(t, err)
			assert.True(t, dErrors.HasCode(err, dErrors.CodeConfiguration))
		})
	}
}
