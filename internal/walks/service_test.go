package walks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/walk-buddy/internal/apperr"
	"github.com/example/walk-buddy/internal/clock"
	"github.com/example/walk-buddy/internal/geo"
	"github.com/example/walk-buddy/internal/matcher"
	"github.com/example/walk-buddy/internal/models"
	"github.com/example/walk-buddy/internal/storage"
	"github.com/example/walk-buddy/internal/sweeper"
)

var (
	t0 = time.Date(2026, 3, 1, 21, 0, 0, 0, time.UTC)

	sfStart     = models.Coord{Lat: 37.7749, Lng: -122.4194}
	sfDest      = models.Coord{Lat: 37.7849, Lng: -122.4294}
	sfNearStart = models.Coord{Lat: 37.7750, Lng: -122.4195}
	sfNearDest  = models.Coord{Lat: 37.7850, Lng: -122.4295}
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []models.MatchEvent
}

func (r *recordingNotifier) NotifyMatched(_ context.Context, ev models.MatchEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingNotifier) statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		out = append(out, ev.Status)
	}
	return out
}

type fixture struct {
	store *storage.MemoryStore
	clock *clock.FakeClock
	notes *recordingNotifier
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	c := clock.Fake(t0)
	notes := &recordingNotifier{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	idx := geo.NewMemoryIndex()
	n := 0
	newID := func() string { n++; return fmt.Sprintf("id-%d", n) }
	m := &matcher.Service{Store: store, Index: idx, Notifier: notes, Clock: c, Logger: logger, NewID: newID}
	sw := &sweeper.Sweeper{Store: store, Index: idx, Clock: c, Logger: logger}
	return &fixture{
		store: store,
		clock: c,
		notes: notes,
		svc: &Service{
			Store: store, Matcher: m, Sweeper: sw, Index: idx, Notifier: notes,
			Clock: c, Logger: logger, NewID: newID,
		},
	}
}

func (f *fixture) profile(t *testing.T, user string, score int, banned bool) {
	t.Helper()
	if err := f.store.UpsertProfile(context.Background(), models.Profile{UserID: user, TrustScore: score, IsBanned: banned}); err != nil {
		t.Fatal(err)
	}
}

// pair submits two compatible requests and returns them with their match.
func (f *fixture) pair(t *testing.T) (*models.WalkRequest, *models.WalkRequest, *models.Match) {
	t.Helper()
	ctx := context.Background()
	f.profile(t, "alice", 80, false)
	f.profile(t, "bob", 80, false)
	a, res, err := f.svc.SubmitRequest(ctx, "alice", sfNearStart, sfNearDest)
	if err != nil || res.Matched {
		t.Fatalf("first request should wait, got %+v %v", res, err)
	}
	f.clock.Advance(time.Minute)
	b, res, err := f.svc.SubmitRequest(ctx, "bob", sfStart, sfDest)
	if err != nil || !res.Matched {
		t.Fatalf("second request should match, got %+v %v", res, err)
	}
	return a, b, res.Match
}

func TestSubmitMatchesTrustedPartner(t *testing.T) {
	f := newFixture(t)
	a, b, m := f.pair(t)
	if b.Status != models.RequestMatched || b.MatchedWith != "alice" {
		t.Fatalf("unexpected request %+v", b)
	}
	if m.Request1ID != b.ID || m.Request2ID != a.ID || m.Status != models.MatchPending {
		t.Fatalf("unexpected match %+v", m)
	}
	stored, _ := f.store.GetRequest(context.Background(), a.ID)
	if stored.Status != models.RequestMatched || stored.MatchedWith != "bob" {
		t.Fatalf("partner not matched: %+v", stored)
	}
}

func TestSubmitSkipsUntrustedCandidate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.profile(t, "low", 40, false)
	f.profile(t, "bob", 80, false)
	err := f.store.CreateRequest(ctx, &models.WalkRequest{
		ID: "low-req", UserID: "low", Start: sfNearStart, Dest: sfNearDest,
		Status: models.RequestWaiting, CreatedAt: t0, ExpiresAt: t0.Add(models.DefaultRequestTTL),
	})
	if err != nil {
		t.Fatal(err)
	}
	_ = f.svc.Index.Add(ctx, "low-req", sfNearStart)
	_, res, err := f.svc.SubmitRequest(ctx, "bob", sfStart, sfDest)
	if err != nil {
		t.Fatal(err)
	}
	if res.Matched {
		t.Fatalf("trust 40 candidate must not match, got %+v", res)
	}
}

func TestSubmitIntakeChecks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.profile(t, "edge", 50, false)
	f.profile(t, "banned", 90, true)
	f.profile(t, "ok", 51, false)

	cases := []struct {
		user  string
		start models.Coord
		want  error
	}{
		{"ghost", sfStart, apperr.ErrNotFound},
		{"edge", sfStart, apperr.ErrUnauthorized},
		{"banned", sfStart, apperr.ErrUnauthorized},
		{"ok", models.Coord{Lat: 91, Lng: 0}, apperr.ErrInvalidInput},
		{"", sfStart, apperr.ErrInvalidInput},
	}
	for _, tc := range cases {
		if _, _, err := f.svc.SubmitRequest(ctx, tc.user, tc.start, sfDest); !errors.Is(err, tc.want) {
			t.Fatalf("%q: expected %v, got %v", tc.user, tc.want, err)
		}
	}
	req, _, err := f.svc.SubmitRequest(ctx, "ok", sfStart, sfDest)
	if err != nil {
		t.Fatalf("trust 51 should be admitted: %v", err)
	}
	if !req.ExpiresAt.Equal(t0.Add(models.DefaultRequestTTL)) {
		t.Fatalf("unexpected expiry %v", req.ExpiresAt)
	}
}

func TestRetryMatchFindsLaterArrival(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.profile(t, "alice", 80, false)
	f.profile(t, "bob", 80, false)
	a, _, err := f.svc.SubmitRequest(ctx, "alice", sfStart, sfDest)
	if err != nil {
		t.Fatal(err)
	}
	// bob arrives without running the matcher
	err = f.store.CreateRequest(ctx, &models.WalkRequest{
		ID: "bob-req", UserID: "bob", Start: sfNearStart, Dest: sfNearDest,
		Status: models.RequestWaiting, CreatedAt: t0, ExpiresAt: t0.Add(models.DefaultRequestTTL),
	})
	if err != nil {
		t.Fatal(err)
	}
	_ = f.svc.Index.Add(ctx, "bob-req", sfNearStart)
	res, err := f.svc.RetryMatch(ctx, a.ID)
	if err != nil || !res.Matched || res.Partner.ID != "bob-req" {
		t.Fatalf("expected retry to match bob, got %+v %v", res, err)
	}
	again, err := f.svc.RetryMatch(ctx, a.ID)
	if err != nil || !again.Matched || again.Match.ID != res.Match.ID {
		t.Fatalf("retry on matched request should report the existing match, got %+v %v", again, err)
	}
}

func TestCancelWaiting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.profile(t, "alice", 80, false)
	req, _, err := f.svc.SubmitRequest(ctx, "alice", sfStart, sfDest)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.CancelRequest(ctx, req.ID, "mallory"); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("non-owner cancel: expected unauthorized, got %v", err)
	}
	out, err := f.svc.CancelRequest(ctx, req.ID, "alice")
	if err != nil || out.Status != models.RequestCancelled {
		t.Fatalf("owner cancel: got %+v %v", out, err)
	}
	if _, err := f.svc.CancelRequest(ctx, req.ID, "alice"); !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("second cancel: expected invalid state, got %v", err)
	}
	if n, _ := f.svc.SweepExpired(ctx, t0.Add(time.Hour)); n != 0 {
		t.Fatalf("cancelled request must not expire, got %d", n)
	}
}

func TestCancelMatchedCancelsPair(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a, b, m := f.pair(t)

	if _, err := f.svc.CancelRequest(ctx, a.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{a.ID, b.ID} {
		r, _ := f.store.GetRequest(ctx, id)
		if r.Status != models.RequestCancelled {
			t.Fatalf("%s: expected cancelled, got %s", id, r.Status)
		}
	}
	got, _ := f.store.GetMatch(ctx, m.ID)
	if got.Status != models.MatchCancelled {
		t.Fatalf("expected match cancelled, got %s", got.Status)
	}
	st := f.notes.statuses()
	if len(st) != 2 || st[1] != string(models.MatchCancelled) {
		t.Fatalf("expected pending then cancelled notices, got %v", st)
	}
}

func TestStartWalkPartiesOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, _, m := f.pair(t)

	if _, err := f.svc.StartWalk(ctx, m.ID, "mallory"); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	out, err := f.svc.StartWalk(ctx, m.ID, "bob")
	if err != nil || out.Status != models.MatchActive {
		t.Fatalf("expected active, got %+v %v", out, err)
	}
	if _, err := f.svc.StartWalk(ctx, m.ID, "alice"); !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("expected invalid state on second start, got %v", err)
	}
}

func TestConfirmCompletionNeedsBoth(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a, b, m := f.pair(t)
	if _, err := f.svc.StartWalk(ctx, m.ID, "alice"); err != nil {
		t.Fatal(err)
	}

	if _, err := f.svc.ConfirmCompletion(ctx, m.ID, "mallory"); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	one, err := f.svc.ConfirmCompletion(ctx, m.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if one.Status != models.MatchActive {
		t.Fatalf("one confirmation must not complete, got %s", one.Status)
	}
	if r, _ := f.store.GetRequest(ctx, a.ID); r.Status != models.RequestMatched {
		t.Fatalf("request should still be matched, got %s", r.Status)
	}

	done, err := f.svc.ConfirmCompletion(ctx, m.ID, "bob")
	if err != nil || done.Status != models.MatchCompleted {
		t.Fatalf("expected completed, got %+v %v", done, err)
	}
	for _, id := range []string{a.ID, b.ID} {
		if r, _ := f.store.GetRequest(ctx, id); r.Status != models.RequestCompleted {
			t.Fatalf("%s: expected completed, got %s", id, r.Status)
		}
	}
	again, err := f.svc.ConfirmCompletion(ctx, m.ID, "alice")
	if err != nil || again.Status != models.MatchCompleted {
		t.Fatalf("confirming a completed match should be a no-op, got %+v %v", again, err)
	}
	if _, err := f.svc.CancelRequest(ctx, a.ID, "alice"); !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("completed request cannot be cancelled, got %v", err)
	}
}

func TestGetAccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a, _, m := f.pair(t)
	if _, err := f.svc.GetRequest(ctx, a.ID, "bob"); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, err := f.svc.GetRequest(ctx, a.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.GetMatch(ctx, m.ID, "bob"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.GetMatch(ctx, "missing", "bob"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSweepThroughService(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.profile(t, "alice", 80, false)
	req, _, err := f.svc.SubmitRequest(ctx, "alice", sfStart, sfDest)
	if err != nil {
		t.Fatal(err)
	}
	if n, _ := f.svc.SweepExpired(ctx, t0.Add(11*time.Minute)); n != 1 {
		t.Fatalf("expected 1 expired, got %d", n)
	}
	if n, _ := f.svc.SweepExpired(ctx, t0.Add(20*time.Minute)); n != 0 {
		t.Fatalf("expected no change, got %d", n)
	}
	if _, err := f.svc.RetryMatch(ctx, req.ID); !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("retry on expired request: expected invalid state, got %v", err)
	}
}
