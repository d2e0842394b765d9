package changelog

import (
	"context"
	"time"
)

type Source string

const (
	SourceScheduledRefresh  Source = "scheduled_refresh"
	SourceWebhookAutomation Source = "webhook_automation"
	SourceScrapedSignal     Source = "scraped_signal"
	SourceOwnerPortal       Source = "owner_portal"
	SourceSystemInternal    Source = "system_internal"
	SourceAPIManual         Source = "api_manual"
)

func (s Source) Valid() bool {
	switch s {
	case SourceScheduledRefresh, SourceWebhookAutomation, SourceScrapedSignal,
		SourceOwnerPortal, SourceSystemInternal, SourceAPIManual:
		return true
	}
	return false
}

type ChangeType string

const (
	ChangeTypeClosure      ChangeType = "closure"
	ChangeTypeHoursChange  ChangeType = "hours_change"
	ChangeTypeNewPromotion ChangeType = "new_promotion"
	ChangeTypeOther        ChangeType = "other"
)

type Disposition string

const (
	DispositionAutoApplied      Disposition = "auto_applied"
	DispositionQueuedForReview  Disposition = "queued_for_review"
	DispositionIgnoredDuplicate Disposition = "ignored_duplicate"
)

const ReviewStatusPending = "pending"

// Entry is one immutable audit record. Exactly one is written per candidate
// change that reaches the detector with a resolvable entity.
type Entry struct {
	ID          string                 `json:"id"`
	EntityID    string                 `json:"entity_id"`
	Field       string                 `json:"field"`
	OldValue    *string                `json:"old_value"`
	NewValue    string                 `json:"new_value"`
	ChangeType  ChangeType             `json:"change_type"`
	Source      Source                 `json:"source"`
	Confidence  float64                `json:"confidence"`
	Disposition Disposition            `json:"disposition"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// ReviewItem is the pending-review row written alongside a queued entry.
type ReviewItem struct {
	ID            string     `json:"id"`
	ChangeLogID   string     `json:"change_log_id"`
	EntityID      string     `json:"entity_id"`
	Field         string     `json:"field"`
	CurrentValue  *string    `json:"current_value"`
	ProposedValue string     `json:"proposed_value"`
	ChangeType    ChangeType `json:"change_type"`
	Source        Source     `json:"source"`
	Confidence    float64    `json:"confidence"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
}

// NewReviewItem derives the review row for a queued entry.
func NewReviewItem(e *Entry) *ReviewItem {
	return &ReviewItem{
		ChangeLogID:   e.ID,
		EntityID:      e.EntityID,
		Field:         e.Field,
		CurrentValue:  e.OldValue,
		ProposedValue: e.NewValue,
		ChangeType:    e.ChangeType,
		Source:        e.Source,
		Confidence:    e.Confidence,
		Status:        ReviewStatusPending,
		CreatedAt:     e.CreatedAt,
	}
}

type Summary struct {
	Since         time.Time           `json:"since"`
	Total         int                 `json:"total"`
	ByDisposition map[Disposition]int `json:"by_disposition"`
	ByChangeType  map[ChangeType]int  `json:"by_change_type"`
	BySource      map[Source]int      `json:"by_source"`
}

// Writer appends entries. Implementations must write the review row for a
// queued entry in the same unit of work as the entry itself.
type Writer interface {
	Append(ctx context.Context, e *Entry) error
}

type Reader interface {
	ListByEntity(ctx context.Context, entityID string, limit int) ([]Entry, error)
	ListPending(ctx context.Context, limit int) ([]ReviewItem, error)
	Summarize(ctx context.Context, since time.Time) (*Summary, error)
}
