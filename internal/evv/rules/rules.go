// Package rules holds the static per-jurisdiction compliance configuration:
// geofence tolerance, grace period, required fields, aggregator identity,
// and retention. The registry is read-only after load.
package rules

import (
	"time"

	dErrors "caretrack/pkg/domain-errors"
)

// AggregatorID is the closed set of vendor identities a jurisdiction can
// route to. One identity may serve many jurisdictions; the mapping lives
// here, never inside adapter internals.
type AggregatorID string

const (
	AggregatorSandata     AggregatorID = "SANDATA"
	AggregatorTellus      AggregatorID = "TELLUS"
	AggregatorHHAeXchange AggregatorID = "HHAEXCHANGE"
)

// IsValid checks the identity is one of the supported vendors.
func (a AggregatorID) IsValid() bool {
	switch a {
	case AggregatorSandata, AggregatorTellus, AggregatorHHAeXchange:
		return true
	}
	return false
}

func (a AggregatorID) String() string { return string(a) }

// Jurisdiction is a regulatory region code (US state).
type Jurisdiction string

func (j Jurisdiction) String() string { return string(j) }

// RuleSet is one jurisdiction's compliance configuration. Immutable at
// runtime; loaded once.
type RuleSet struct {
	Jurisdiction    Jurisdiction
	ToleranceMeters float64
	// GracePeriod is the allowed clock skew / early-start tolerance.
	GracePeriod    time.Duration
	RequiredFields []string
	Aggregator     AggregatorID
	Retention      time.Duration
}

// Registry resolves jurisdictions to rule sets and aggregator identities.
// Safe for unlimited concurrent readers.
type Registry struct {
	rules map[Jurisdiction]RuleSet
}

// NewRegistry validates and indexes the given rule sets. Inconsistent
// configuration is fatal here, at startup, not per request.
func NewRegistry(sets []RuleSet) (*Registry, error) {
	if len(sets) == 0 {
		return nil, dErrors.New(dErrors.CodeConfiguration, "no compliance rule sets configured")
	}
	rules := make(map[Jurisdiction]RuleSet, len(sets))
	for _, rs := range sets {
		if rs.Jurisdiction == "" {
			return nil, dErrors.New(dErrors.CodeConfiguration, "rule set with empty jurisdiction")
		}
		if _, dup := rules[rs.Jurisdiction]; dup {
			return nil, dErrors.Newf(dErrors.CodeConfiguration, "duplicate rule set for jurisdiction %s", rs.Jurisdiction)
		}
		if rs.ToleranceMeters <= 0 {
			return nil, dErrors.Newf(dErrors.CodeConfiguration, "jurisdiction %s: tolerance must be positive", rs.Jurisdiction)
		}
		if rs.GracePeriod < 0 {
			return nil, dErrors.Newf(dErrors.CodeConfiguration, "jurisdiction %s: negative grace period", rs.Jurisdiction)
		}
		if !rs.Aggregator.IsValid() {
			return nil, dErrors.Newf(dErrors.CodeConfiguration, "jurisdiction %s: unknown aggregator %q", rs.Jurisdiction, rs.Aggregator)
		}
		rules[rs.Jurisdiction] = rs
	}
	return &Registry{rules: rules}, nil
}

// Get returns the rule set for a jurisdiction. Unknown jurisdictions are a
// configuration error: the system must never operate in a region it has no
// rules for.
func (r *Registry) Get(j Jurisdiction) (RuleSet, error) {
	rs, ok := r.rules[j]
	if !ok {
		return RuleSet{}, dErrors.Newf(dErrors.CodeConfiguration, "no compliance rules for jurisdiction %q", j)
	}
	return rs, nil
}

// AggregatorFor returns the vendor identity serving a jurisdiction.
func (r *Registry) AggregatorFor(j Jurisdiction) (AggregatorID, error) {
	rs, err := r.Get(j)
	if err != nil {
		return "", err
	}
	return rs.Aggregator, nil
}

// Jurisdictions lists every configured jurisdiction (unordered).
func (r *Registry) Jurisdictions() []Jurisdiction {
	out := make([]Jurisdiction, 0, len(r.rules))
	for j := range r.rules {
		out = append(out, j)
	}
	return out
}

// Aggregators lists the distinct aggregator identities in use, for wiring
// one adapter instance per identity at startup.
func (r *Registry) Aggregators() []AggregatorID {
	seen := make(map[AggregatorID]struct{})
	var out []AggregatorID
	for _, rs := range r.rules {
		if _, ok := seen[rs.Aggregator]; ok {
			continue
		}
		seen[rs.Aggregator] = struct{}{}
		out = append(out, rs.Aggregator)
	}
	return out
}
