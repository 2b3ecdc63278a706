package rules

import "time"

// Required-field identifiers used in rule sets and router validation.
const (
	FieldServiceCode  = "serviceTypeCode"
	FieldClockIn      = "clockInAt"
	FieldClockOut     = "clockOutAt"
	FieldClockInLoc   = "clockInVerification"
	FieldClockOutLoc  = "clockOutVerification"
	FieldClientID     = "clientId"
	FieldCaregiverID  = "caregiverId"
	FieldJurisdiction = "jurisdiction"
)

const sevenYears = 7 * 365 * 24 * time.Hour

var baseRequired = []string{
	FieldClientID, FieldCaregiverID, FieldJurisdiction,
	FieldServiceCode, FieldClockIn, FieldClockOut,
	FieldClockInLoc, FieldClockOutLoc,
}

// Default returns the production jurisdiction table.
//
// The many-to-one jurisdiction -> aggregator mapping is deliberate and
// load-bearing: OH and CT share the Sandata adapter instance, FL and GA
// share Tellus, PA/TX/NJ share HHAeXchange. A rule change for one
// jurisdiction must never leak into another that shares the vendor.
func Default() (*Registry, error) {
	return NewRegistry([]RuleSet{
		{
			Jurisdiction:    "OH",
			ToleranceMeters: 75,
			GracePeriod:     7 * time.Minute,
			RequiredFields:  baseRequired,
			Aggregator:      AggregatorSandata,
			Retention:       sevenYears,
		},
		{
			Jurisdiction:    "CT",
			ToleranceMeters: 50,
			GracePeriod:     5 * time.Minute,
			RequiredFields:  baseRequired,
			Aggregator:      AggregatorSandata,
			Retention:       sevenYears,
		},
		{
			Jurisdiction:    "FL",
			ToleranceMeters: 100,
			GracePeriod:     10 * time.Minute,
			RequiredFields:  baseRequired,
			Aggregator:      AggregatorTellus,
			Retention:       sevenYears,
		},
		{
			Jurisdiction:    "GA",
			ToleranceMeters: 100,
			GracePeriod:     10 * time.Minute,
			RequiredFields:  baseRequired,
			Aggregator:      AggregatorTellus,
			Retention:       sevenYears,
		},
		{
			Jurisdiction:    "PA",
			ToleranceMeters: 90,
			GracePeriod:     10 * time.Minute,
			RequiredFields:  baseRequired,
			Aggregator:      AggregatorHHAeXchange,
			Retention:       sevenYears,
		},
		{
			Jurisdiction:    "TX",
			ToleranceMeters: 80,
			GracePeriod:     7 * time.Minute,
			RequiredFields:  baseRequired,
			Aggregator:      AggregatorHHAeXchange,
			Retention:       sevenYears,
		},
		{
			Jurisdiction:    "NJ",
			ToleranceMeters: 60,
			GracePeriod:     5 * time.Minute,
			RequiredFields:  baseRequired,
			Aggregator:      AggregatorHHAeXchange,
			Retention:       sevenYears,
		},
	})
}
