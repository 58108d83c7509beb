package trust

import (
	"context"
	"errors"
	"testing"

	"github.com/example/walk-buddy/internal/apperr"
	"github.com/example/walk-buddy/internal/models"
	"github.com/example/walk-buddy/internal/storage"
)

type fakeSubmitter struct {
	calls []string
}

func (f *fakeSubmitter) Submit(kind, subjectID string, _ map[string]any) models.AnalysisTask {
	f.calls = append(f.calls, kind+":"+subjectID)
	return models.AnalysisTask{ID: "t1", Kind: kind, SubjectID: subjectID, Status: models.TaskQueued}
}

func setup(t *testing.T, score int) (*storage.MemoryStore, *fakeSubmitter, *Service) {
	t.Helper()
	store := storage.NewMemoryStore()
	if err := store.UpsertProfile(context.Background(), models.Profile{UserID: "bob", TrustScore: score}); err != nil {
		t.Fatal(err)
	}
	sub := &fakeSubmitter{}
	return store, sub, &Service{Store: store, Analysis: sub}
}

func TestReportAppliesPenaltyAndSubmits(t *testing.T) {
	_, sub, svc := setup(t, 80)
	res, err := svc.Report(context.Background(), "alice", "bob", "left me mid-walk")
	if err != nil {
		t.Fatal(err)
	}
	if res.Profile.TrustScore != 70 {
		t.Fatalf("expected 70, got %d", res.Profile.TrustScore)
	}
	if res.Task == nil || res.Task.SubjectID != "bob" {
		t.Fatalf("expected analysis task for bob, got %+v", res.Task)
	}
	if len(sub.calls) != 1 || sub.calls[0] != "report:bob" {
		t.Fatalf("unexpected submissions %v", sub.calls)
	}
}

func TestReportFloorsAtZero(t *testing.T) {
	store, _, svc := setup(t, 5)
	res, err := svc.Report(context.Background(), "alice", "bob", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Profile.TrustScore != 0 {
		t.Fatalf("expected floor at 0, got %d", res.Profile.TrustScore)
	}
	if res.Profile.IsBanned {
		t.Fatal("no auto ban unless enabled")
	}
	if _, err := svc.Report(context.Background(), "carol", "bob", ""); err != nil {
		t.Fatal(err)
	}
	p, _ := store.GetProfile(context.Background(), "bob")
	if p.TrustScore != 0 {
		t.Fatalf("expected to stay at 0, got %d", p.TrustScore)
	}
}

func TestReportAutoBan(t *testing.T) {
	_, _, svc := setup(t, 10)
	svc.AutoBanAtZero = true
	res, err := svc.Report(context.Background(), "alice", "bob", "")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Profile.IsBanned {
		t.Fatal("expected ban at zero")
	}
}

func TestReportRejectsSelfAndUnknown(t *testing.T) {
	_, sub, svc := setup(t, 80)
	if _, err := svc.Report(context.Background(), "bob", "bob", ""); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := svc.Report(context.Background(), "alice", "ghost", ""); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if len(sub.calls) != 0 {
		t.Fatalf("rejected reports must not be submitted, got %v", sub.calls)
	}
}

func TestBan(t *testing.T) {
	store, _, svc := setup(t, 90)
	if _, err := svc.Ban(context.Background(), "bob"); err != nil {
		t.Fatal(err)
	}
	p, _ := store.GetProfile(context.Background(), "bob")
	if !p.IsBanned || p.TrustScore != 90 {
		t.Fatalf("unexpected profile %+v", p)
	}
}
