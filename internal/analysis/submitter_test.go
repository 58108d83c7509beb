package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/walk-buddy/internal/apperr"
	"github.com/example/walk-buddy/internal/models"
)

type recordingPublisher struct {
	mu   sync.Mutex
	keys []string
	body [][]byte
	err  error
}

func (r *recordingPublisher) Publish(_ context.Context, key string, body []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.keys = append(r.keys, key)
	r.body = append(r.body, body)
	return nil
}

type blockingPublisher struct {
	release chan struct{}
}

func (b *blockingPublisher) Publish(ctx context.Context, _ string, _ []byte) error {
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func seqIDs() func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("task-%d", n.Add(1)) }
}

func waitStatus(t *testing.T, s *Submitter, id string, want models.TaskStatus) models.AnalysisTask {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := s.Status(id)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status == want {
			return got
		}
		time.Sleep(2 * time.Millisecond)
	}
	got, _ := s.Status(id)
	t.Fatalf("task %s: expected %s, got %s", id, want, got.Status)
	return got
}

func TestSubmitPublishes(t *testing.T) {
	pub := &recordingPublisher{}
	s := NewSubmitter(pub, Options{Logger: quiet(), NewID: seqIDs()})
	s.Start(context.Background())
	defer s.Close()

	task := s.Submit("report", "u-2", map[string]any{"reason": "rude"})
	if task.Status != models.TaskQueued {
		t.Fatalf("expected queued on submit, got %s", task.Status)
	}
	waitStatus(t, s, task.ID, models.TaskPublished)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.keys) != 1 || pub.keys[0] != task.ID {
		t.Fatalf("unexpected keys %v", pub.keys)
	}
	var sent models.AnalysisTask
	if err := json.Unmarshal(pub.body[0], &sent); err != nil {
		t.Fatal(err)
	}
	if sent.SubjectID != "u-2" || sent.Kind != "report" {
		t.Fatalf("unexpected body %+v", sent)
	}
}

func TestPublishFailureIsRecordedNotReturned(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	s := NewSubmitter(pub, Options{Logger: quiet(), NewID: seqIDs()})
	s.Start(context.Background())
	defer s.Close()

	task := s.Submit("report", "u-2", nil)
	got := waitStatus(t, s, task.ID, models.TaskFailed)
	if got.Error != "broker down" {
		t.Fatalf("expected error text, got %q", got.Error)
	}
}

func TestSubmitNeverBlocksWhenQueueFull(t *testing.T) {
	pub := &blockingPublisher{release: make(chan struct{})}
	s := NewSubmitter(pub, Options{Workers: 1, QueueSize: 1, Logger: quiet(), NewID: seqIDs()})
	// workers not started: the queue fills after one task

	done := make(chan []models.AnalysisTask)
	go func() {
		var out []models.AnalysisTask
		for i := 0; i < 5; i++ {
			out = append(out, s.Submit("report", "u", nil))
		}
		done <- out
	}()

	var tasks []models.AnalysisTask
	select {
	case tasks = <-done:
	case <-time.After(time.Second):
		t.Fatal("Submit blocked on a full queue")
	}
	if tasks[0].Status != models.TaskQueued {
		t.Fatalf("first task should be queued, got %s", tasks[0].Status)
	}
	for _, task := range tasks[1:] {
		if task.Status != models.TaskFailed || task.Error == "" {
			t.Fatalf("overflow task should fail immediately, got %+v", task)
		}
	}

	s.Start(context.Background())
	close(pub.release)
	waitStatus(t, s, tasks[0].ID, models.TaskPublished)
	s.Close()
}

func TestStatusUnknownTask(t *testing.T) {
	s := NewSubmitter(&recordingPublisher{}, Options{Logger: quiet()})
	if _, err := s.Status("nope"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCloseDrainsAndRejectsLaterSubmits(t *testing.T) {
	pub := &recordingPublisher{}
	s := NewSubmitter(pub, Options{Workers: 1, QueueSize: 8, Logger: quiet(), NewID: seqIDs()})
	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, s.Submit("report", "u", nil).ID)
	}
	s.Start(context.Background())
	s.Close()

	for _, id := range ids {
		if got, _ := s.Status(id); got.Status != models.TaskPublished {
			t.Fatalf("%s: expected published after drain, got %s", id, got.Status)
		}
	}
	late := s.Submit("report", "u", nil)
	if late.Status != models.TaskFailed {
		t.Fatalf("submit after close should fail, got %s", late.Status)
	}
}

func TestRetainEvictsOldest(t *testing.T) {
	s := NewSubmitter(&recordingPublisher{}, Options{QueueSize: 8, Retain: 2, Logger: quiet(), NewID: seqIDs()})
	first := s.Submit("report", "u", nil)
	s.Submit("report", "u", nil)
	s.Submit("report", "u", nil)
	if _, err := s.Status(first.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("oldest task should be forgotten, got %v", err)
	}
	s.Close()
}
