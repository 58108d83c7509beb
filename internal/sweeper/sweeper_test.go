package sweeper

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/example/walk-buddy/internal/clock"
	"github.com/example/walk-buddy/internal/geo"
	"github.com/example/walk-buddy/internal/models"
	"github.com/example/walk-buddy/internal/storage"
)

var t0 = time.Date(2026, 3, 1, 21, 0, 0, 0, time.UTC)

func newSweeper(store storage.RequestStore, idx geo.Index) *Sweeper {
	return &Sweeper{
		Store:  store,
		Index:  idx,
		Clock:  clock.Fake(t0),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func create(t *testing.T, s *storage.MemoryStore, id string) {
	t.Helper()
	err := s.CreateRequest(context.Background(), &models.WalkRequest{
		ID: id, UserID: "u-" + id, Status: models.RequestWaiting,
		CreatedAt: t0, ExpiresAt: t0.Add(models.DefaultRequestTTL),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestSweepExpiresAfterTTLAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	create(t, store, "r1")
	sw := newSweeper(store, nil)

	n, err := sw.SweepExpired(ctx, t0.Add(11*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("expected 1 expired, got %d %v", n, err)
	}
	r, _ := store.GetRequest(ctx, "r1")
	if r.Status != models.RequestExpired {
		t.Fatalf("expected expired, got %s", r.Status)
	}

	n, err = sw.SweepExpired(ctx, t0.Add(20*time.Minute))
	if err != nil || n != 0 {
		t.Fatalf("second sweep should change nothing, got %d %v", n, err)
	}
	r, _ = store.GetRequest(ctx, "r1")
	if r.Status != models.RequestExpired {
		t.Fatalf("expected still expired, got %s", r.Status)
	}
}

func TestSweepBeforeDeadlineLeavesWaiting(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	create(t, store, "r1")
	sw := newSweeper(store, nil)
	if n, _ := sw.SweepExpired(ctx, t0.Add(9*time.Minute)); n != 0 {
		t.Fatalf("nothing should expire yet, got %d", n)
	}
}

func TestSweepSkipsNonWaiting(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	create(t, store, "cancelled")
	create(t, store, "a")
	create(t, store, "b")
	_, _ = store.TransitionRequest(ctx, "cancelled", models.RequestWaiting, models.RequestCancelled)
	if err := store.CommitMatch(ctx, &models.Match{ID: "m", Request1ID: "a", Request2ID: "b", Status: models.MatchPending}, t0); err != nil {
		t.Fatal(err)
	}
	sw := newSweeper(store, nil)
	if n, _ := sw.SweepExpired(ctx, t0.Add(time.Hour)); n != 0 {
		t.Fatalf("non-waiting requests must not expire, got %d", n)
	}
	for id, want := range map[string]models.RequestStatus{"cancelled": models.RequestCancelled, "a": models.RequestMatched, "b": models.RequestMatched} {
		if r, _ := store.GetRequest(ctx, id); r.Status != want {
			t.Fatalf("%s: expected %s, got %s", id, want, r.Status)
		}
	}
}

func TestSweepRemovesFromIndex(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	create(t, store, "r1")
	idx := geo.NewMemoryIndex()
	_ = idx.Add(ctx, "r1", models.Coord{})
	sw := newSweeper(store, idx)

	if _, err := sw.SweepExpired(ctx, t0.Add(11*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if ids, _ := idx.Within(ctx, models.Coord{}, 1); len(ids) != 0 {
		t.Fatalf("expired request should leave the index, got %v", ids)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	store := storage.NewMemoryStore()
	sw := newSweeper(store, nil)
	sw.Interval = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { sw.Run(ctx); close(done) }()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSweepWithoutLogger(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	create(t, store, "a")
	s := &Sweeper{Store: store}
	n, err := s.SweepExpired(ctx, t0.Add(time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("expected one expiry without a logger, got %d %v", n, err)
	}
}
