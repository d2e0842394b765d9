package reporting

import (
	"context"
	"math"
	"time"

	"restosync/internal/changelog"
	"restosync/internal/config"
	"restosync/internal/constants"
	"restosync/internal/logger"
	"restosync/internal/orchestrator"
	"restosync/internal/webhook"
)

type RunStatser interface {
	Stats(ctx context.Context, since time.Time) (*orchestrator.RunStats, error)
}

type WebhookStatser interface {
	Stats(ctx context.Context, since time.Time) (*webhook.Stats, error)
}

// Changes is the activity report for a trailing window.
type Changes struct {
	Since    time.Time              `json:"since"`
	Changes  *changelog.Summary     `json:"changes"`
	SyncRuns *orchestrator.RunStats `json:"sync_runs"`
	Webhooks *webhook.Stats         `json:"webhooks"`
	// ProviderCalls is one lookup per entity a sync run processed.
	ProviderCalls int     `json:"provider_calls"`
	AutoApplyRate float64 `json:"auto_apply_rate"`
}

type Service struct {
	freshness  FreshnessStore
	ledger     changelog.Reader
	runs       RunStatser
	webhooks   WebhookStatser
	staleAfter time.Duration
	logger     logger.Logger
	now        func() time.Time
}

func NewService(freshness FreshnessStore, ledger changelog.Reader, runs RunStatser, webhooks WebhookStatser, cfg config.SyncConfig, log logger.Logger) *Service {
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = constants.DefaultStaleAfter
	}
	return &Service{
		freshness:  freshness,
		ledger:     ledger,
		runs:       runs,
		webhooks:   webhooks,
		staleAfter: staleAfter,
		logger:     log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Freshness(ctx context.Context) (*Freshness, error) {
	return s.freshness.Freshness(ctx, s.now(), s.staleAfter)
}

func (s *Service) Changes(ctx context.Context, window time.Duration) (*Changes, error) {
	since := s.now().Add(-window)

	summary, err := s.ledger.Summarize(ctx, since)
	if err != nil {
		return nil, err
	}
	runs, err := s.runs.Stats(ctx, since)
	if err != nil {
		return nil, err
	}
	hooks, err := s.webhooks.Stats(ctx, since)
	if err != nil {
		return nil, err
	}

	out := &Changes{
		Since:         since,
		Changes:       summary,
		SyncRuns:      runs,
		Webhooks:      hooks,
		ProviderCalls: runs.Processed,
	}
	if summary.Total > 0 {
		rate := float64(summary.ByDisposition[changelog.DispositionAutoApplied]) / float64(summary.Total)
		out.AutoApplyRate = math.Round(rate*1000) / 1000
	}
	return out, nil
}

func (s *Service) ReviewQueue(ctx context.Context, limit int) ([]changelog.ReviewItem, error) {
	return s.ledger.ListPending(ctx, limit)
}

func (s *Service) EntityChanges(ctx context.Context, entityID string, limit int) ([]changelog.Entry, error) {
	return s.ledger.ListByEntity(ctx, entityID, limit)
}
