package storage

import (
	"context"
	"time"

	"github.com/example/walk-buddy/internal/models"
)

// RequestStore persists walk requests. Every status change is a conditional
// update keyed on the expected prior status; a mismatch yields
// apperr.ErrConflict.
type RequestStore interface {
	CreateRequest(ctx context.Context, r *models.WalkRequest) error
	GetRequest(ctx context.Context, id string) (*models.WalkRequest, error)
	// GetRequests returns the requests that exist among ids, oldest first.
	GetRequests(ctx context.Context, ids []string) ([]models.WalkRequest, error)
	// ListWaiting returns waiting requests with expires_at > now, oldest first.
	ListWaiting(ctx context.Context, now time.Time) ([]models.WalkRequest, error)
	TransitionRequest(ctx context.Context, id string, from, to models.RequestStatus) (*models.WalkRequest, error)
	// ExpireWaiting moves every waiting request with expires_at <= now to
	// expired and returns their ids.
	ExpireWaiting(ctx context.Context, now time.Time) ([]string, error)
}

type MatchStore interface {
	// CommitMatch atomically moves both referenced requests from waiting to
	// matched (both must still be waiting and unexpired at now) and inserts
	// m. User ids on m are filled from the stored requests.
	CommitMatch(ctx context.Context, m *models.Match, now time.Time) error
	GetMatch(ctx context.Context, id string) (*models.Match, error)
	MatchForRequest(ctx context.Context, requestID string) (*models.Match, error)
	UpdateMatchStatus(ctx context.Context, id string, from, to models.MatchStatus, now time.Time) (*models.Match, error)
	// ConfirmMatch records userID's completion confirmation on an open match.
	ConfirmMatch(ctx context.Context, id, userID string, now time.Time) (*models.Match, error)
	// CloseMatch moves an open match to a terminal status and both of its
	// matched requests to requestTo, atomically.
	CloseMatch(ctx context.Context, id string, to models.MatchStatus, requestTo models.RequestStatus, now time.Time) (*models.Match, error)
}

type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (*models.Profile, error)
	GetProfiles(ctx context.Context, userIDs []string) (map[string]models.Profile, error)
	UpsertProfile(ctx context.Context, p models.Profile) error
	// UpdateProfile applies fn under the profile's row lock. The trust score
	// is clamped to [0,100] after fn returns.
	UpdateProfile(ctx context.Context, userID string, fn func(*models.Profile) error) (*models.Profile, error)
}

type Store interface {
	RequestStore
	MatchStore
	ProfileStore
}

// ClampTrust bounds a trust score to [0,100].
func ClampTrust(score int) int {
	switch {
	case score < 0:
		return 0
	case score > 100:
		return 100
	}
	return score
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
