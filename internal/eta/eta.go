package eta

import (
	"math"
	"time"

	"github.com/example/walk-buddy/internal/geo"
	"github.com/example/walk-buddy/internal/models"
)

// DefaultWalkingMph is an average adult walking pace.
const DefaultWalkingMph = 3.0

// Walk estimates a straight-line walking time between two points.
func Walk(from, to models.Coord, mph float64) time.Duration {
	if mph <= 0 {
		mph = DefaultWalkingMph
	}
	hours := geo.Distance(from, to) / mph
	return time.Duration(math.Round(hours * float64(time.Hour)))
}

// ToMeetup estimates how long the party whose walk starts at from needs to
// reach m's meetup point.
func ToMeetup(m *models.Match, from models.Coord) time.Duration {
	return Walk(from, m.Meetup, DefaultWalkingMph)
}
