// Package lifecycle defines the legal state transitions of walk requests and
// matches. Stores consult it before applying a conditional update; services
// use it to reject illegal operations before touching storage.
package lifecycle

import (
	"github.com/example/walk-buddy/internal/apperr"
	"github.com/example/walk-buddy/internal/models"
)

var requestTransitions = map[models.RequestStatus][]models.RequestStatus{
	models.RequestWaiting: {models.RequestMatched, models.RequestExpired, models.RequestCancelled},
	models.RequestMatched: {models.RequestCompleted, models.RequestCancelled},
}

var matchTransitions = map[models.MatchStatus][]models.MatchStatus{
	models.MatchPending: {models.MatchActive, models.MatchCompleted, models.MatchCancelled},
	models.MatchActive:  {models.MatchCompleted, models.MatchCancelled},
}

// CanTransitionRequest reports whether a request may move from -> to.
func CanTransitionRequest(from, to models.RequestStatus) bool {
	for _, s := range requestTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func CanTransitionMatch(from, to models.MatchStatus) bool {
	for _, s := range matchTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// MatchTerminal reports whether no transition leaves s.
func MatchTerminal(s models.MatchStatus) bool {
	return len(matchTransitions[s]) == 0
}

// MatchSourcesFor lists every status that may transition into to.
func MatchSourcesFor(to models.MatchStatus) []models.MatchStatus {
	var out []models.MatchStatus
	for _, from := range []models.MatchStatus{models.MatchPending, models.MatchActive} {
		if CanTransitionMatch(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// CheckRequest returns an InvalidState error when from -> to is illegal.
func CheckRequest(op, id string, from, to models.RequestStatus) error {
	if CanTransitionRequest(from, to) {
		return nil
	}
	return apperr.InvalidState(op, id, string(from), string(to))
}

func CheckMatch(op, id string, from, to models.MatchStatus) error {
	if CanTransitionMatch(from, to) {
		return nil
	}
	return apperr.InvalidState(op, id, string(from), string(to))
}
