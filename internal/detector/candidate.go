package detector

import (
	"fmt"

	"restosync/internal/changelog"
	"restosync/internal/directory"
	pkgerrors "restosync/pkg/errors"
)

// AutoApplyThreshold is the lowest confidence at which a non-closure change
// is written without human review.
const AutoApplyThreshold = 0.85

// CandidateChange is an in-flight proposal for one field of one entity. It
// is evaluated once and never persisted itself.
type CandidateChange struct {
	EntityID   string                 `json:"entity_id,omitempty"`
	EntitySlug string                 `json:"entity_slug,omitempty"`
	Field      string                 `json:"field"`
	NewValue   string                 `json:"new_value"`
	Source     changelog.Source       `json:"source"`
	Confidence float64                `json:"confidence"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// EntityRef is the id when set, otherwise the slug.
func (c CandidateChange) EntityRef() string {
	if c.EntityID != "" {
		return c.EntityID
	}
	return c.EntitySlug
}

func (c CandidateChange) Validate() error {
	invalid := func(msg string) error {
		return pkgerrors.ErrInvalidCandidate.WithDetail("message", msg).WithDetail("field", c.Field)
	}
	switch {
	case c.EntityID == "" && c.EntitySlug == "":
		return invalid("candidate has no entity reference")
	case c.Field == "":
		return invalid("candidate has no field")
	case !c.Source.Valid():
		return invalid(fmt.Sprintf("unknown source %q", c.Source))
	case c.Confidence < 0 || c.Confidence > 1 || c.Confidence != c.Confidence:
		return invalid(fmt.Sprintf("confidence %v outside [0,1]", c.Confidence))
	}
	if _, ok := directory.FieldKind(c.Field); !ok {
		return invalid(fmt.Sprintf("unknown field %q", c.Field))
	}
	return nil
}

type ItemError struct {
	EntityRef string `json:"entity_ref"`
	Field     string `json:"field"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// Summary aggregates EvaluateAll. Each candidate lands in exactly one list.
type Summary struct {
	AutoApplied     []string    `json:"auto_applied"`
	QueuedForReview []string    `json:"queued_for_review"`
	Ignored         []string    `json:"ignored"`
	Errors          []ItemError `json:"errors,omitempty"`
	// Closures counts queued closure candidates.
	Closures int `json:"closures"`
}

func (s *Summary) Evaluated() int {
	return len(s.AutoApplied) + len(s.QueuedForReview) + len(s.Ignored)
}

func (s *Summary) Merge(o Summary) {
	s.AutoApplied = append(s.AutoApplied, o.AutoApplied...)
	s.QueuedForReview = append(s.QueuedForReview, o.QueuedForReview...)
	s.Ignored = append(s.Ignored, o.Ignored...)
	s.Errors = append(s.Errors, o.Errors...)
	s.Closures += o.Closures
}
