package eligibility

import (
	"time"

	"github.com/example/walk-buddy/internal/geo"
	"github.com/example/walk-buddy/internal/models"
)

const (
	MaxStartMiles = 0.3
	MaxDestMiles  = 0.2
	// MinTrustScore is exclusive: a score must be strictly greater.
	MinTrustScore = 50
)

// Candidate is an eligible request together with its start-point distance
// from the requester.
type Candidate struct {
	Request    models.WalkRequest
	StartMiles float64
	DestMiles  float64
}

// Trusted reports whether a profile may be offered as a match candidate.
func Trusted(p models.Profile) bool {
	return !p.IsBanned && p.TrustScore > MinTrustScore
}

// WithinThresholds applies the inclusive proximity limits.
func WithinThresholds(startMiles, destMiles float64) bool {
	return startMiles <= MaxStartMiles && destMiles <= MaxDestMiles
}

// Check evaluates candidate c against requester r. ok is false when c is not
// a legal candidate; profiles missing from the map are treated as untrusted.
func Check(r, c models.WalkRequest, profiles map[string]models.Profile, now time.Time) (Candidate, bool) {
	if c.ID == r.ID || c.UserID == r.UserID {
		return Candidate{}, false
	}
	if c.Status != models.RequestWaiting || !now.Before(c.ExpiresAt) {
		return Candidate{}, false
	}
	p, ok := profiles[c.UserID]
	if !ok || !Trusted(p) {
		return Candidate{}, false
	}
	start := geo.Distance(r.Start, c.Start)
	dest := geo.Distance(r.Dest, c.Dest)
	if !WithinThresholds(start, dest) {
		return Candidate{}, false
	}
	return Candidate{Request: c, StartMiles: start, DestMiles: dest}, true
}

// Filter returns the eligible subset of pool, preserving pool order.
func Filter(r models.WalkRequest, pool []models.WalkRequest, profiles map[string]models.Profile, now time.Time) []Candidate {
	out := make([]Candidate, 0, len(pool))
	for _, c := range pool {
		if cand, ok := Check(r, c, profiles, now); ok {
			out = append(out, cand)
		}
	}
	return out
}
