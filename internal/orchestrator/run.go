package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"restosync/internal/constants"
)

type ScopeType string

const (
	ScopeSingle ScopeType = "single"
	ScopeMall   ScopeType = "mall"
	ScopeStale  ScopeType = "stale"
	ScopeFull   ScopeType = "full"
	ScopeList   ScopeType = "list"
)

type Scope struct {
	Type      ScopeType `json:"type"`
	EntityID  string    `json:"entity_id,omitempty"`
	MallSlug  string    `json:"mall_slug,omitempty"`
	EntityIDs []string  `json:"entity_ids,omitempty"`
}

// Describe renders the scope for the run row.
func (s Scope) Describe() string {
	switch s.Type {
	case ScopeSingle:
		return "single:" + s.EntityID
	case ScopeMall:
		return "mall:" + s.MallSlug
	case ScopeList:
		return fmt.Sprintf("list:%d", len(s.EntityIDs))
	}
	return string(s.Type)
}

type Trigger string

const (
	TriggerManual      Trigger = "manual"
	TriggerStaleSweep  Trigger = "stale_sweep"
	TriggerFullRefresh Trigger = "full_refresh"
	TriggerWebhookBulk Trigger = "webhook_bulk"
)

// DefaultTrigger maps a scope to the trigger recorded when the caller
// does not name one.
func DefaultTrigger(t ScopeType) Trigger {
	switch t {
	case ScopeStale:
		return TriggerStaleSweep
	case ScopeFull:
		return TriggerFullRefresh
	}
	return TriggerManual
}

type Options struct {
	BatchSize    int
	BatchDelay   time.Duration
	ForceRefresh bool
	// MaxItems caps how many entities one run may touch.
	MaxItems int
	DryRun   bool
	Trigger  Trigger
}

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusPartial || s == StatusFailed
}

// Run is owned and mutated by exactly one RunSync call and finalized once.
type Run struct {
	ID          string     `json:"id"`
	TriggerType Trigger    `json:"trigger_type"`
	Scope       string     `json:"scope"`
	Requested   int        `json:"requested"`
	Processed   int        `json:"processed"`
	Updated     int        `json:"updated"`
	Created     int        `json:"created"`
	Unchanged   int        `json:"unchanged"`
	Failed      int        `json:"failed"`
	Closures    int        `json:"closures"`
	Status      Status     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Errors      []string   `json:"errors"`
}

// AddError keeps the first MaxRunErrors messages.
func (r *Run) AddError(msg string) {
	if len(r.Errors) < constants.MaxRunErrors {
		r.Errors = append(r.Errors, msg)
	}
}

// finish classifies the run. Zero failures is completed, all failed is
// failed, anything in between is partial. A cancelled run that processed
// nothing is failed.
func (r *Run) finish(at time.Time, cancelled bool) {
	switch {
	case r.Processed == 0 && cancelled:
		r.Status = StatusFailed
	case r.Failed == 0 && !cancelled:
		r.Status = StatusCompleted
	case r.Processed > 0 && r.Failed == r.Processed:
		r.Status = StatusFailed
	default:
		r.Status = StatusPartial
	}
	r.CompletedAt = &at
}

type RunStats struct {
	Since     time.Time      `json:"since"`
	Runs      int            `json:"runs"`
	ByStatus  map[Status]int `json:"by_status"`
	Processed int            `json:"processed"`
	Updated   int            `json:"updated"`
	Failed    int            `json:"failed"`
	Closures  int            `json:"closures"`
}

type RunStore interface {
	Create(ctx context.Context, r *Run) error
	Update(ctx context.Context, r *Run) error
	Get(ctx context.Context, id string) (*Run, error)
	Recent(ctx context.Context, limit int) ([]Run, error)
	Stats(ctx context.Context, since time.Time) (*RunStats, error)
}

func errorLine(ref string, err error) string {
	return strings.TrimSpace(ref + ": " + err.Error())
}
