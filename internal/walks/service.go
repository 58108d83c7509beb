package walks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
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

type Matcher interface {
	Match(ctx context.Context, requestID string) (models.MatchResult, error)
}

type Expirer interface {
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}

// Service is the operation surface for walk requests and their matches.
type Service struct {
	Store    storage.Store
	Matcher  Matcher
	Sweeper  Expirer
	Index    geo.Index       // optional
	Notifier notify.Notifier // optional; told about cancellations and completions
	Clock    clock.Clock
	Logger   *slog.Logger
	TTL      time.Duration
	NewID    func() string
}

// SubmitRequest admits a new waiting request for userID and immediately tries
// to match it. The returned request reflects the state after matching.
func (s *Service) SubmitRequest(ctx context.Context, userID string, start, dest models.Coord) (*models.WalkRequest, models.MatchResult, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, models.MatchResult{}, apperr.InvalidInput("submit_request", "user id is required")
	}
	if !geo.Valid(start) || !geo.Valid(dest) {
		return nil, models.MatchResult{}, apperr.InvalidInput("submit_request", "coordinates out of range")
	}
	p, err := s.Store.GetProfile(ctx, userID)
	if err != nil {
		return nil, models.MatchResult{}, err
	}
	if !eligibility.Trusted(*p) {
		return nil, models.MatchResult{}, apperr.Unauthorized("submit_request", userID)
	}

	now := s.Clock.Now()
	ttl := s.TTL
	if ttl <= 0 {
		ttl = models.DefaultRequestTTL
	}
	req := &models.WalkRequest{
		ID:        s.newID(),
		UserID:    userID,
		Start:     start,
		Dest:      dest,
		Status:    models.RequestWaiting,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := s.Store.CreateRequest(ctx, req); err != nil {
		return nil, models.MatchResult{}, fmt.Errorf("create walk request: %w", err)
	}
	observability.RequestsSubmitted.Inc()
	if s.Index != nil {
		if err := s.Index.Add(ctx, req.ID, req.Start); err != nil {
			s.logger().Warn("geo index add failed", "request_id", req.ID, "error", err)
		}
	}
	s.logger().Info("walk request submitted", "request_id", req.ID, "user_id", userID, "expires_at", req.ExpiresAt)

	res, err := s.Matcher.Match(ctx, req.ID)
	if err != nil {
		return req, models.MatchResult{}, err
	}
	if res.Matched {
		req.Status = models.RequestMatched
		req.MatchedWith = res.Partner.UserID
	}
	return req, res, nil
}

// RetryMatch runs the matcher again for a waiting request. A request that
// was already matched reports its existing match.
func (s *Service) RetryMatch(ctx context.Context, requestID string) (models.MatchResult, error) {
	return s.Matcher.Match(ctx, requestID)
}

// CancelRequest withdraws userID's request. Cancelling a matched request
// cancels its match and the partner's request with it.
func (s *Service) CancelRequest(ctx context.Context, requestID, userID string) (*models.WalkRequest, error) {
	// a waiting request can be claimed between our read and our write
	for attempt := 0; attempt < 2; attempt++ {
		req, err := s.GetRequest(ctx, requestID, userID)
		if err != nil {
			return nil, err
		}
		switch req.Status {
		case models.RequestWaiting:
			out, err := s.Store.TransitionRequest(ctx, req.ID, models.RequestWaiting, models.RequestCancelled)
			if errors.Is(err, apperr.ErrConflict) {
				continue
			}
			if err != nil {
				return nil, err
			}
			s.removeFromIndex(ctx, req.ID)
			observability.RequestsCancelled.Inc()
			s.logger().Info("walk request cancelled", "request_id", req.ID, "user_id", userID)
			return out, nil
		case models.RequestMatched:
			m, err := s.Store.MatchForRequest(ctx, req.ID)
			if err != nil {
				return nil, err
			}
			closed, err := s.Store.CloseMatch(ctx, m.ID, models.MatchCancelled, models.RequestCancelled, s.Clock.Now())
			if errors.Is(err, apperr.ErrConflict) {
				continue
			}
			if err != nil {
				return nil, err
			}
			observability.RequestsCancelled.Inc()
			s.logger().Info("matched walk cancelled",
				"request_id", req.ID,
				"match_id", m.ID,
				"user_id", userID,
				"partner_user_id", m.Partner(userID),
			)
			s.notify(ctx, closed)
			req.Status = models.RequestCancelled
			return req, nil
		default:
			return nil, apperr.InvalidState("cancel_request", req.ID, string(req.Status), string(models.RequestCancelled))
		}
	}
	return nil, apperr.Conflict("cancel_request", requestID)
}

// SweepExpired expires lapsed waiting requests as of now.
func (s *Service) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	return s.Sweeper.SweepExpired(ctx, now)
}

// StartWalk marks a pending match active once the pair has met.
func (s *Service) StartWalk(ctx context.Context, matchID, userID string) (*models.Match, error) {
	m, err := s.GetMatch(ctx, matchID, userID)
	if err != nil {
		return nil, err
	}
	if m.Status != models.MatchPending {
		return nil, apperr.InvalidState("start_walk", m.ID, string(m.Status), string(models.MatchActive))
	}
	out, err := s.Store.UpdateMatchStatus(ctx, m.ID, models.MatchPending, models.MatchActive, s.Clock.Now())
	if err != nil {
		return nil, err
	}
	s.logger().Info("walk started", "match_id", m.ID, "user_id", userID)
	return out, nil
}

// ConfirmCompletion records userID's confirmation. When both parties have
// confirmed the match and both requests complete together.
func (s *Service) ConfirmCompletion(ctx context.Context, matchID, userID string) (*models.Match, error) {
	m, err := s.GetMatch(ctx, matchID, userID)
	if err != nil {
		return nil, err
	}
	if m.Status == models.MatchCompleted {
		return m, nil
	}
	if m.Status == models.MatchCancelled {
		return nil, apperr.InvalidState("confirm_completion", m.ID, string(m.Status), string(models.MatchCompleted))
	}

	now := s.Clock.Now()
	m, err = s.Store.ConfirmMatch(ctx, m.ID, userID, now)
	if err != nil {
		return nil, err
	}
	if !m.Confirmed1 || !m.Confirmed2 {
		s.logger().Info("completion confirmed by one party", "match_id", m.ID, "user_id", userID)
		return m, nil
	}

	closed, err := s.Store.CloseMatch(ctx, m.ID, models.MatchCompleted, models.RequestCompleted, now)
	if errors.Is(err, apperr.ErrConflict) {
		// the partner's confirmation may have closed it first
		cur, gerr := s.Store.GetMatch(ctx, m.ID)
		if gerr == nil && cur.Status == models.MatchCompleted {
			return cur, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	s.logger().Info("walk completed", "match_id", closed.ID)
	s.notify(ctx, closed)
	return closed, nil
}

// GetRequest returns a request to its owner.
func (s *Service) GetRequest(ctx context.Context, requestID, userID string) (*models.WalkRequest, error) {
	req, err := s.Store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.UserID != userID {
		return nil, apperr.Unauthorized("get_request", requestID)
	}
	return req, nil
}

// GetMatch returns a match to either of its parties.
func (s *Service) GetMatch(ctx context.Context, matchID, userID string) (*models.Match, error) {
	m, err := s.Store.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if !m.HasUser(userID) {
		return nil, apperr.Unauthorized("get_match", matchID)
	}
	return m, nil
}

func (s *Service) removeFromIndex(ctx context.Context, ids ...string) {
	if s.Index == nil {
		return
	}
	if err := s.Index.Remove(ctx, ids...); err != nil {
		s.logger().Warn("geo index remove failed", "request_ids", ids, "error", err)
	}
}

func (s *Service) notify(ctx context.Context, m *models.Match) {
	if s.Notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	if err := s.Notifier.NotifyMatched(ctx, notify.EventFromMatch(m)); err != nil {
		observability.NotifyErrors.Inc()
		s.logger().Warn("match notification failed", "match_id", m.ID, "status", m.Status, "error", err)
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
