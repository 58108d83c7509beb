package matcher

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/example/walk-buddy/internal/apperr"
	"github.com/example/walk-buddy/internal/clock"
	"github.com/example/walk-buddy/internal/eligibility"
	"github.com/example/walk-buddy/internal/geo"
	"github.com/example/walk-buddy/internal/models"
	"github.com/example/walk-buddy/internal/notify"
	"github.com/example/walk-buddy/internal/observability"
	"github.com/example/walk-buddy/internal/storage"
)

const DefaultMaxAttempts = 3

type Service struct {
	Store       storage.Store
	Index       geo.Index       // optional prefilter
	Notifier    notify.Notifier // optional
	Clock       clock.Clock
	Logger      *slog.Logger
	MaxAttempts int
	NewID       func() string
}

// Match tries to pair the waiting request requestID with its nearest eligible
// candidate. A result with Matched=false and a nil error means no candidate
// could be claimed in this invocation; the request stays waiting.
func (s *Service) Match(ctx context.Context, requestID string) (models.MatchResult, error) {
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	attempts := s.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := s.attempt(ctx, requestID)
		if errors.Is(err, apperr.ErrConflict) {
			observability.MatchConflicts.Inc()
			s.logger().Debug("match commit lost race", "request_id", requestID, "attempt", attempt, "error", err)
			continue
		}
		if err != nil {
			return models.MatchResult{}, err
		}
		if !res.Matched {
			observability.MatchNoCandidate.Inc()
		}
		return res, nil
	}
	// the last conflict may have been a concurrent arrival claiming us
	if cur, err := s.Store.GetRequest(ctx, requestID); err == nil && cur.Status == models.RequestMatched {
		return s.existing(ctx, cur)
	}
	observability.MatchNoCandidate.Inc()
	s.logger().Info("match attempts exhausted", "request_id", requestID, "attempts", attempts)
	return models.MatchResult{}, nil
}

func (s *Service) attempt(ctx context.Context, requestID string) (models.MatchResult, error) {
	now := s.Clock.Now()
	req, err := s.Store.GetRequest(ctx, requestID)
	if err != nil {
		return models.MatchResult{}, err
	}
	switch req.Status {
	case models.RequestWaiting:
	case models.RequestMatched:
		// paired by a concurrent arrival; report the existing match
		return s.existing(ctx, req)
	default:
		return models.MatchResult{}, apperr.InvalidState("match", req.ID, string(req.Status), string(models.RequestMatched))
	}
	if req.Lapsed(now) {
		return models.MatchResult{}, apperr.InvalidState("match", req.ID, "lapsed", string(models.RequestMatched))
	}

	cands, err := s.candidates(ctx, req, now)
	if err != nil {
		return models.MatchResult{}, err
	}
	if len(cands) == 0 {
		// a concurrent arrival may have claimed us after the first read
		if cur, err := s.Store.GetRequest(ctx, req.ID); err == nil && cur.Status == models.RequestMatched {
			return s.existing(ctx, cur)
		}
		return models.MatchResult{}, nil
	}
	// pool is oldest first, so equal distances keep arrival order
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].StartMiles < cands[j].StartMiles })
	best := cands[0].Request

	m := &models.Match{
		ID:         s.newID(),
		Request1ID: req.ID,
		Request2ID: best.ID,
		User1ID:    req.UserID,
		User2ID:    best.UserID,
		Meetup:     geo.Midpoint(req.Start, best.Start),
		Status:     models.MatchPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.Store.CommitMatch(ctx, m, now); err != nil {
		return models.MatchResult{}, err
	}

	observability.MatchesTotal.Inc()
	s.logger().Info("walk match committed",
		"match_id", m.ID,
		"request_id", req.ID,
		"partner_request_id", best.ID,
		"start_miles", cands[0].StartMiles,
		"dest_miles", cands[0].DestMiles,
	)
	s.afterCommit(ctx, m)

	best.Status = models.RequestMatched
	best.MatchedWith = req.UserID
	return models.MatchResult{Matched: true, Match: m, Partner: &best}, nil
}

// candidates returns the eligible partners for req. The index only narrows
// the search: when it yields nobody the full store scan decides, since the
// index can lag the store after a restart or when another replica took the
// request.
func (s *Service) candidates(ctx context.Context, req *models.WalkRequest, now time.Time) ([]eligibility.Candidate, error) {
	if s.Index != nil {
		ids, err := s.Index.Within(ctx, req.Start, eligibility.MaxStartMiles)
		if err == nil {
			pool, err := s.Store.GetRequests(ctx, ids)
			if err != nil {
				return nil, err
			}
			cands, err := s.eligible(ctx, req, pool, now)
			if err != nil || len(cands) > 0 {
				return cands, err
			}
			observability.IndexFallbacks.Inc()
		} else {
			s.logger().Warn("geo index unavailable, scanning store", "request_id", req.ID, "error", err)
		}
	}
	pool, err := s.Store.ListWaiting(ctx, now)
	if err != nil {
		return nil, err
	}
	return s.eligible(ctx, req, pool, now)
}

func (s *Service) eligible(ctx context.Context, req *models.WalkRequest, pool []models.WalkRequest, now time.Time) ([]eligibility.Candidate, error) {
	owners := make([]string, 0, len(pool))
	for _, c := range pool {
		if c.UserID != req.UserID {
			owners = append(owners, c.UserID)
		}
	}
	profiles, err := s.Store.GetProfiles(ctx, owners)
	if err != nil {
		return nil, err
	}
	return eligibility.Filter(*req, pool, profiles, now), nil
}

// Reindex adds every live waiting request to the index. Run it at startup so
// requests created before a restart are found by the prefilter again.
func (s *Service) Reindex(ctx context.Context) (int, error) {
	if s.Index == nil {
		return 0, nil
	}
	pool, err := s.Store.ListWaiting(ctx, s.Clock.Now())
	if err != nil {
		return 0, err
	}
	for _, r := range pool {
		if err := s.Index.Add(ctx, r.ID, r.Start); err != nil {
			return 0, err
		}
	}
	return len(pool), nil
}

func (s *Service) existing(ctx context.Context, req *models.WalkRequest) (models.MatchResult, error) {
	m, err := s.Store.MatchForRequest(ctx, req.ID)
	if err != nil {
		return models.MatchResult{}, err
	}
	partnerID := m.Request2ID
	if partnerID == req.ID {
		partnerID = m.Request1ID
	}
	partner, err := s.Store.GetRequest(ctx, partnerID)
	if err != nil {
		return models.MatchResult{}, err
	}
	return models.MatchResult{Matched: true, Match: m, Partner: partner}, nil
}

// afterCommit runs the post-match side effects. None of them can undo or
// fail the match.
func (s *Service) afterCommit(ctx context.Context, m *models.Match) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	if s.Index != nil {
		if err := s.Index.Remove(ctx, m.Request1ID, m.Request2ID); err != nil {
			s.logger().Warn("geo index remove failed", "match_id", m.ID, "error", err)
		}
	}
	if s.Notifier != nil {
		if err := s.Notifier.NotifyMatched(ctx, notify.EventFromMatch(m)); err != nil {
			observability.NotifyErrors.Inc()
			s.logger().Warn("match notification failed", "match_id", m.ID, "error", err)
		}
	}
}

func (s *Service) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
