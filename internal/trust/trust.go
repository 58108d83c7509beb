package trust

import (
	"context"
	"log/slog"
	"strings"

	"github.com/example/walk-buddy/internal/apperr"
	"github.com/example/walk-buddy/internal/models"
	"github.com/example/walk-buddy/internal/observability"
	"github.com/example/walk-buddy/internal/storage"
)

const (
	ReportPenalty = 10
	TaskKind      = "report"
)

// TaskSubmitter queues a task for asynchronous analysis without blocking.
type TaskSubmitter interface {
	Submit(kind, subjectID string, payload map[string]any) models.AnalysisTask
}

type Service struct {
	Store         storage.ProfileStore
	Analysis      TaskSubmitter // optional
	AutoBanAtZero bool          // ban when a report takes the score to 0
	Logger        *slog.Logger
}

type ReportResult struct {
	Profile models.Profile       `json:"profile"`
	Task    *models.AnalysisTask `json:"task,omitempty"`
}

// Report lowers reportedID's trust score by ReportPenalty, floored at 0, and
// queues the report for analysis. The analysis outcome never affects the
// result.
func (s *Service) Report(ctx context.Context, reporterID, reportedID, reason string) (ReportResult, error) {
	reporterID = strings.TrimSpace(reporterID)
	reportedID = strings.TrimSpace(reportedID)
	if reporterID == "" || reportedID == "" {
		return ReportResult{}, apperr.InvalidInput("report", "reporter and reported user are required")
	}
	if reporterID == reportedID {
		return ReportResult{}, apperr.InvalidInput("report", "users cannot report themselves")
	}

	p, err := s.Store.UpdateProfile(ctx, reportedID, func(p *models.Profile) error {
		p.TrustScore -= ReportPenalty
		if p.TrustScore < 0 {
			p.TrustScore = 0
		}
		if s.AutoBanAtZero && p.TrustScore == 0 {
			p.IsBanned = true
		}
		return nil
	})
	if err != nil {
		return ReportResult{}, err
	}
	observability.ReportsFiled.Inc()
	s.logger().Info("report applied",
		"reporter_id", reporterID,
		"user_id", reportedID,
		"trust_score", p.TrustScore,
		"is_banned", p.IsBanned,
	)

	res := ReportResult{Profile: *p}
	if s.Analysis != nil {
		task := s.Analysis.Submit(TaskKind, reportedID, map[string]any{
			"reporter_id": reporterID,
			"reason":      reason,
			"trust_score": p.TrustScore,
		})
		res.Task = &task
	}
	return res, nil
}

// Ban marks userID as banned. There is no unban path.
func (s *Service) Ban(ctx context.Context, userID string) (*models.Profile, error) {
	p, err := s.Store.UpdateProfile(ctx, userID, func(p *models.Profile) error {
		p.IsBanned = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger().Info("user banned", "user_id", userID)
	return p, nil
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
