package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/walk-buddy/internal/clock"
	"github.com/example/walk-buddy/internal/geo"
	"github.com/example/walk-buddy/internal/observability"
	"github.com/example/walk-buddy/internal/storage"
)

const DefaultInterval = 30 * time.Second

// Sweeper demotes waiting requests whose deadline has passed.
type Sweeper struct {
	Store    storage.RequestStore
	Index    geo.Index // optional
	Clock    clock.Clock
	Interval time.Duration
	Logger   *slog.Logger
}

// SweepExpired expires every waiting request with expires_at <= now and
// returns how many changed. Requests in any other status are left alone, so
// running it twice is the same as running it once.
func (s *Sweeper) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.Store.ExpireWaiting(ctx, now)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	observability.RequestsExpired.Add(float64(len(ids)))
	if s.Index != nil {
		if err := s.Index.Remove(ctx, ids...); err != nil {
			s.logger().Warn("geo index remove failed", "count", len(ids), "error", err)
		}
	}
	s.logger().Info("expired waiting requests", "count", len(ids))
	return len(ids), nil
}

// Run sweeps on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.SweepExpired(ctx, s.Clock.Now()); err != nil {
				s.logger().Error("sweep failed", "error", err)
			}
		}
	}
}

func (s *Sweeper) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
