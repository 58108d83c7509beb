package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/walk-buddy/internal/apperr"
	"github.com/example/walk-buddy/internal/lifecycle"
	"github.com/example/walk-buddy/internal/models"
)

type requestSlot struct {
	mu sync.Mutex
	r  models.WalkRequest
}

type matchSlot struct {
	mu sync.Mutex
	m  models.Match
}

// MemoryStore keeps records in process memory. Each record has its own lock
// so unrelated transitions never serialize on each other.
//
// Lock order: match slot, then request slots in ascending id order, then mu.
// mu is never held while a slot lock is being acquired.
type MemoryStore struct {
	mu        sync.RWMutex
	requests  map[string]*requestSlot
	order     []*requestSlot
	matches   map[string]*matchSlot
	byRequest map[string]string

	pmu      sync.Mutex
	profiles map[string]models.Profile
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:  make(map[string]*requestSlot),
		matches:   make(map[string]*matchSlot),
		byRequest: make(map[string]string),
		profiles:  make(map[string]models.Profile),
	}
}

func (m *MemoryStore) CreateRequest(_ context.Context, r *models.WalkRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; ok {
		return apperr.Conflict("create_request", r.ID)
	}
	s := &requestSlot{r: *r}
	m.requests[r.ID] = s
	m.order = append(m.order, s)
	return nil
}

func (m *MemoryStore) requestSlot(id string) (*requestSlot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.requests[id]
	return s, ok
}

func (m *MemoryStore) matchSlot(id string) (*matchSlot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.matches[id]
	return s, ok
}

func (m *MemoryStore) snapshotSlots() []*requestSlot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*requestSlot, len(m.order))
	copy(out, m.order)
	return out
}

func (s *requestSlot) get() models.WalkRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (*models.WalkRequest, error) {
	s, ok := m.requestSlot(id)
	if !ok {
		return nil, apperr.NotFound("get_request", id)
	}
	r := s.get()
	return &r, nil
}

func (m *MemoryStore) GetRequests(_ context.Context, ids []string) ([]models.WalkRequest, error) {
	out := make([]models.WalkRequest, 0, len(ids))
	for _, id := range ids {
		if s, ok := m.requestSlot(id); ok {
			out = append(out, s.get())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListWaiting(_ context.Context, now time.Time) ([]models.WalkRequest, error) {
	var out []models.WalkRequest
	for _, s := range m.snapshotSlots() {
		r := s.get()
		if r.Status == models.RequestWaiting && !r.Lapsed(now) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemoryStore) TransitionRequest(_ context.Context, id string, from, to models.RequestStatus) (*models.WalkRequest, error) {
	if err := lifecycle.CheckRequest("transition_request", id, from, to); err != nil {
		return nil, err
	}
	s, ok := m.requestSlot(id)
	if !ok {
		return nil, apperr.NotFound("transition_request", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.r.Status != from {
		return nil, apperr.Conflict("transition_request", id)
	}
	s.r.Status = to
	r := s.r
	return &r, nil
}

func (m *MemoryStore) ExpireWaiting(_ context.Context, now time.Time) ([]string, error) {
	var expired []string
	for _, s := range m.snapshotSlots() {
		s.mu.Lock()
		if s.r.Status == models.RequestWaiting && s.r.Lapsed(now) {
			s.r.Status = models.RequestExpired
			expired = append(expired, s.r.ID)
		}
		s.mu.Unlock()
	}
	return expired, nil
}

func (m *MemoryStore) CommitMatch(_ context.Context, match *models.Match, now time.Time) error {
	if match.Request1ID == match.Request2ID {
		return apperr.InvalidInput("commit_match", "a match needs two distinct requests")
	}
	a, ok := m.requestSlot(match.Request1ID)
	if !ok {
		return apperr.NotFound("commit_match", match.Request1ID)
	}
	b, ok := m.requestSlot(match.Request2ID)
	if !ok {
		return apperr.NotFound("commit_match", match.Request2ID)
	}

	first, second := a, b
	if match.Request2ID < match.Request1ID {
		first, second = b, a
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	for _, s := range []*requestSlot{a, b} {
		if s.r.Status != models.RequestWaiting || s.r.Lapsed(now) {
			return apperr.Conflict("commit_match", s.r.ID)
		}
	}

	a.r.Status, a.r.MatchedWith = models.RequestMatched, b.r.UserID
	b.r.Status, b.r.MatchedWith = models.RequestMatched, a.r.UserID
	match.User1ID, match.User2ID = a.r.UserID, b.r.UserID

	m.mu.Lock()
	m.matches[match.ID] = &matchSlot{m: *match}
	m.byRequest[match.Request1ID] = match.ID
	m.byRequest[match.Request2ID] = match.ID
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) GetMatch(_ context.Context, id string) (*models.Match, error) {
	s, ok := m.matchSlot(id)
	if !ok {
		return nil, apperr.NotFound("get_match", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.m
	return &out, nil
}

func (m *MemoryStore) MatchForRequest(ctx context.Context, requestID string) (*models.Match, error) {
	m.mu.RLock()
	id, ok := m.byRequest[requestID]
	m.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("match_for_request", requestID)
	}
	return m.GetMatch(ctx, id)
}

func (m *MemoryStore) UpdateMatchStatus(_ context.Context, id string, from, to models.MatchStatus, now time.Time) (*models.Match, error) {
	if err := lifecycle.CheckMatch("update_match_status", id, from, to); err != nil {
		return nil, err
	}
	s, ok := m.matchSlot(id)
	if !ok {
		return nil, apperr.NotFound("update_match_status", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m.Status != from {
		return nil, apperr.Conflict("update_match_status", id)
	}
	s.m.Status = to
	s.m.UpdatedAt = now
	out := s.m
	return &out, nil
}

func (m *MemoryStore) ConfirmMatch(_ context.Context, id, userID string, now time.Time) (*models.Match, error) {
	s, ok := m.matchSlot(id)
	if !ok {
		return nil, apperr.NotFound("confirm_match", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if lifecycle.MatchTerminal(s.m.Status) {
		return nil, apperr.Conflict("confirm_match", id)
	}
	switch userID {
	case s.m.User1ID:
		s.m.Confirmed1 = true
	case s.m.User2ID:
		s.m.Confirmed2 = true
	default:
		return nil, apperr.Unauthorized("confirm_match", id)
	}
	s.m.UpdatedAt = now
	out := s.m
	return &out, nil
}

func (m *MemoryStore) CloseMatch(_ context.Context, id string, to models.MatchStatus, requestTo models.RequestStatus, now time.Time) (*models.Match, error) {
	if !lifecycle.MatchTerminal(to) || !lifecycle.CanTransitionRequest(models.RequestMatched, requestTo) {
		return nil, apperr.InvalidState("close_match", id, "", string(to))
	}
	ms, ok := m.matchSlot(id)
	if !ok {
		return nil, apperr.NotFound("close_match", id)
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if !lifecycle.CanTransitionMatch(ms.m.Status, to) {
		return nil, apperr.Conflict("close_match", id)
	}

	a, okA := m.requestSlot(ms.m.Request1ID)
	b, okB := m.requestSlot(ms.m.Request2ID)
	if !okA || !okB {
		return nil, apperr.NotFound("close_match", id)
	}
	first, second := a, b
	if ms.m.Request2ID < ms.m.Request1ID {
		first, second = b, a
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	if a.r.Status != models.RequestMatched || b.r.Status != models.RequestMatched {
		return nil, apperr.Conflict("close_match", id)
	}
	a.r.Status, b.r.Status = requestTo, requestTo
	ms.m.Status = to
	ms.m.UpdatedAt = now
	out := ms.m
	return &out, nil
}

func (m *MemoryStore) GetProfile(_ context.Context, userID string) (*models.Profile, error) {
	m.pmu.Lock()
	defer m.pmu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return nil, apperr.NotFound("get_profile", userID)
	}
	return &p, nil
}

func (m *MemoryStore) GetProfiles(_ context.Context, userIDs []string) (map[string]models.Profile, error) {
	m.pmu.Lock()
	defer m.pmu.Unlock()
	out := make(map[string]models.Profile, len(userIDs))
	for _, id := range userIDs {
		if p, ok := m.profiles[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (m *MemoryStore) UpsertProfile(_ context.Context, p models.Profile) error {
	p.TrustScore = ClampTrust(p.TrustScore)
	m.pmu.Lock()
	m.profiles[p.UserID] = p
	m.pmu.Unlock()
	return nil
}

func (m *MemoryStore) UpdateProfile(_ context.Context, userID string, fn func(*models.Profile) error) (*models.Profile, error) {
	m.pmu.Lock()
	defer m.pmu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return nil, apperr.NotFound("update_profile", userID)
	}
	if err := fn(&p); err != nil {
		return nil, err
	}
	p.TrustScore = ClampTrust(p.TrustScore)
	m.profiles[userID] = p
	return &p, nil
}
