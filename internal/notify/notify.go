package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/walk-buddy/internal/events"
	"github.com/example/walk-buddy/internal/models"
)

// Notifier is told about a match after it has been committed. Errors are for
// logging only; the match stands regardless.
type Notifier interface {
	NotifyMatched(ctx context.Context, ev models.MatchEvent) error
}

// Fanout delivers to every notifier and joins their errors.
type Fanout []Notifier

func (f Fanout) NotifyMatched(ctx context.Context, ev models.MatchEvent) error {
	var errs []error
	for _, n := range f {
		if n == nil {
			continue
		}
		if err := n.NotifyMatched(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EventNotifier publishes match events keyed by match id.
type EventNotifier struct {
	Publisher events.Publisher
}

func (e *EventNotifier) NotifyMatched(ctx context.Context, ev models.MatchEvent) error {
	return events.PublishJSON(ctx, e.Publisher, ev.MatchID, ev)
}

// LogNotifier records the event; useful when no transport is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l *LogNotifier) NotifyMatched(_ context.Context, ev models.MatchEvent) error {
	l.Logger.Info("match notification", "match_id", ev.MatchID, "user_1_id", ev.User1ID, "user_2_id", ev.User2ID, "status", ev.Status)
	return nil
}

// EventFromMatch builds the wire event for m.
func EventFromMatch(m *models.Match) models.MatchEvent {
	return models.MatchEvent{
		MatchID:    m.ID,
		Request1ID: m.Request1ID,
		Request2ID: m.Request2ID,
		User1ID:    m.User1ID,
		User2ID:    m.User2ID,
		Meetup:     m.Meetup,
		Status:     string(m.Status),
		OccurredAt: m.UpdatedAt,
	}
}
