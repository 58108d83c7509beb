package analysis

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/walk-buddy/internal/apperr"
	"github.com/example/walk-buddy/internal/clock"
	"github.com/example/walk-buddy/internal/events"
	"github.com/example/walk-buddy/internal/models"
	"github.com/example/walk-buddy/internal/observability"
)

const (
	DefaultWorkers   = 2
	DefaultQueueSize = 256
	// tasks kept for status polling; the oldest are forgotten first
	DefaultRetain = 10000

	publishTimeout = 5 * time.Second
)

type Options struct {
	Workers   int
	QueueSize int
	Retain    int
	Clock     clock.Clock
	Logger    *slog.Logger
	NewID     func() string
}

// Submitter hands analysis tasks to a pool of workers that publish them
// downstream. Submit never blocks and never reports the downstream outcome;
// callers poll Status instead.
type Submitter struct {
	pub     events.Publisher
	workers int
	retain  int
	clock   clock.Clock
	logger  *slog.Logger
	newID   func() string

	queue chan string
	wg    sync.WaitGroup

	mu      sync.RWMutex
	closed  bool
	started bool
	tasks   map[string]*models.AnalysisTask
	order   []string
}

func NewSubmitter(pub events.Publisher, opts Options) *Submitter {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Retain <= 0 {
		opts.Retain = DefaultRetain
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Submitter{
		pub:     pub,
		workers: opts.Workers,
		retain:  opts.Retain,
		clock:   opts.Clock,
		logger:  opts.Logger,
		newID:   opts.NewID,
		queue:   make(chan string, opts.QueueSize),
		tasks:   make(map[string]*models.AnalysisTask),
	}
}

// Start launches the workers. Publishing contexts derive from ctx.
func (s *Submitter) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}
}

// Submit records a queued task and enqueues it. When the queue is full or
// the submitter is closed the task is recorded as failed straight away.
func (s *Submitter) Submit(kind, subjectID string, payload map[string]any) models.AnalysisTask {
	t := &models.AnalysisTask{
		ID:          s.newID(),
		Kind:        kind,
		SubjectID:   subjectID,
		Payload:     payload,
		Status:      models.TaskQueued,
		SubmittedAt: s.clock.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.remember(t)
	if s.closed {
		s.failLocked(t, "submitter closed")
		return *t
	}
	select {
	case s.queue <- t.ID:
	default:
		s.failLocked(t, "analysis queue full")
	}
	return *t
}

// Status returns a snapshot of the task.
func (s *Submitter) Status(id string) (models.AnalysisTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return models.AnalysisTask{}, apperr.NotFound("analysis_status", id)
	}
	return *t, nil
}

// Close stops intake and waits for queued tasks to drain.
func (s *Submitter) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Submitter) worker(ctx context.Context, n int) {
	defer s.wg.Done()
	for id := range s.queue {
		s.mu.RLock()
		t, ok := s.tasks[id]
		var snap models.AnalysisTask
		if ok {
			snap = *t
		}
		s.mu.RUnlock()
		if !ok {
			continue
		}

		pctx, cancel := context.WithTimeout(ctx, publishTimeout)
		err := events.PublishJSON(pctx, s.pub, snap.ID, snap)
		cancel()

		s.mu.Lock()
		if err != nil {
			s.failLocked(t, err.Error())
			s.logger.Warn("analysis publish failed", "task_id", id, "worker", n, "error", err)
		} else {
			t.Status = models.TaskPublished
			observability.AnalysisTasks.WithLabelValues(string(models.TaskPublished)).Inc()
		}
		s.mu.Unlock()
	}
}

func (s *Submitter) failLocked(t *models.AnalysisTask, reason string) {
	t.Status = models.TaskFailed
	t.Error = reason
	observability.AnalysisTasks.WithLabelValues(string(models.TaskFailed)).Inc()
}

func (s *Submitter) remember(t *models.AnalysisTask) {
	s.tasks[t.ID] = t
	s.order = append(s.order, t.ID)
	for len(s.order) > s.retain {
		delete(s.tasks, s.order[0])
		s.order = s.order[1:]
	}
}
