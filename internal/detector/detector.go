package detector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"restosync/internal/changelog"
	"restosync/internal/directory"
	"restosync/internal/logger"
	pkgerrors "restosync/pkg/errors"
	"restosync/pkg/logging"
	"restosync/pkg/metrics"
)

// EntryPublisher announces recorded entries after they are committed.
type EntryPublisher interface {
	Publish(ctx context.Context, e changelog.Entry) error
}

// AppliedFunc is called after a commit that changed entity data.
type AppliedFunc func(ctx context.Context, entityID string)

type Detector struct {
	entities directory.Reader
	uow      UnitOfWork
	logger   logger.Logger

	local     *keyedMutex
	locker    Locker
	publisher EntryPublisher
	onApplied AppliedFunc
	now       func() time.Time
}

type Option func(*Detector)

// WithLocker adds cross-process serialization on top of the in-process lock.
func WithLocker(l Locker) Option {
	return func(d *Detector) { d.locker = l }
}

func WithPublisher(p EntryPublisher) Option {
	return func(d *Detector) { d.publisher = p }
}

func WithOnApplied(fn AppliedFunc) Option {
	return func(d *Detector) { d.onApplied = fn }
}

func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

func New(entities directory.Reader, uow UnitOfWork, log logger.Logger, opts ...Option) *Detector {
	d := &Detector{
		entities: entities,
		uow:      uow,
		logger:   log,
		local:    newKeyedMutex(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Detector) resolve(ctx context.Context, c CandidateChange) (string, error) {
	if c.EntityID != "" {
		return c.EntityID, nil
	}
	e, err := d.entities.GetBySlug(ctx, c.EntitySlug)
	if err != nil {
		return "", err
	}
	return e.ID, nil
}

func (d *Detector) lock(ctx context.Context, entityID string) (func(), error) {
	unlock := d.local.Lock(entityID)
	if d.locker == nil {
		return unlock, nil
	}
	release, err := d.locker.Lock(ctx, entityID)
	if err != nil {
		unlock()
		return nil, err
	}
	return func() {
		release()
		unlock()
	}, nil
}

// Evaluate decides one candidate and records exactly one change log entry
// for it. Unknown entities and invalid candidates return an error and write
// nothing.
func (d *Detector) Evaluate(ctx context.Context, c CandidateChange) (changelog.Disposition, error) {
	entry, err := d.evaluate(ctx, c)
	if err != nil {
		return "", err
	}
	return entry.Disposition, nil
}

func (d *Detector) evaluate(ctx context.Context, c CandidateChange) (entry *changelog.Entry, err error) {
	start := time.Now()
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		metrics.ObserveEvaluateDuration(status, time.Since(start))
	}()

	if err := c.Validate(); err != nil {
		return nil, err
	}
	entityID, err := d.resolve(ctx, c)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithEntityID(ctx, entityID)

	unlock, err := d.lock(ctx, entityID)
	if err != nil {
		return nil, err
	}
	entry, err = d.evaluateLocked(ctx, entityID, c)
	unlock()
	if err != nil {
		return nil, err
	}

	metrics.IncDisposition(string(entry.Disposition), string(entry.ChangeType), string(entry.Source))
	d.logger.DebugwCtx(ctx, "Candidate evaluated",
		"field", entry.Field,
		"change_type", entry.ChangeType,
		"disposition", entry.Disposition,
		"source", entry.Source,
		"confidence", entry.Confidence,
	)

	if d.publisher != nil {
		if perr := d.publisher.Publish(ctx, *entry); perr != nil {
			d.logger.WarnwCtx(ctx, "Failed to publish change event", "change_id", entry.ID, "error", perr)
		}
	}
	if entry.Disposition == changelog.DispositionAutoApplied && d.onApplied != nil {
		d.onApplied(ctx, entityID)
	}
	return entry, nil
}

func (d *Detector) evaluateLocked(ctx context.Context, entityID string, c CandidateChange) (*changelog.Entry, error) {
	current, err := d.entities.Get(ctx, entityID)
	if err != nil {
		return nil, err
	}

	kind, _ := directory.FieldKind(c.Field)
	newValue, err := normalize(kind, c.NewValue)
	if err != nil {
		return nil, pkgerrors.ErrInvalidCandidate.WithCause(err).WithDetail("field", c.Field)
	}

	now := d.now()
	entry := &changelog.Entry{
		EntityID:   entityID,
		Field:      c.Field,
		NewValue:   newValue,
		Source:     c.Source,
		Confidence: c.Confidence,
		Metadata:   c.Metadata,
		CreatedAt:  now,
	}

	var duplicate bool
	if kind == directory.KindInsertion {
		if newValue == "" {
			return nil, pkgerrors.ErrInvalidCandidate.WithDetail("message", "empty insertion value").WithDetail("field", c.Field)
		}
		duplicate, err = d.hasInsertion(ctx, entityID, c.Field, newValue)
		if err != nil {
			return nil, err
		}
	} else {
		stored, _ := current.FieldValue(c.Field)
		entry.OldValue = &stored
		oldNorm, err := normalize(kind, stored)
		if err != nil {
			return nil, pkgerrors.ErrPersistenceFailure.WithCause(err).WithDetail("message", "stored value is not normalizable")
		}
		duplicate = oldNorm == newValue
		entry.ChangeType = classify(c.Field, oldNorm, newValue)
	}
	if entry.ChangeType == "" {
		entry.ChangeType = classify(c.Field, "", newValue)
	}

	var menuItem *directory.MenuItem
	switch {
	case duplicate:
		entry.Disposition = changelog.DispositionIgnoredDuplicate
	default:
		entry.Disposition = decide(entry.ChangeType, c.Confidence)
		if c.Field == directory.FieldMenuItems {
			if menuItem, err = menuItemFrom(entityID, newValue, c.Metadata); err != nil {
				return nil, err
			}
		}
	}

	err = d.uow.Do(ctx, func(entities directory.Writer, ledger changelog.Writer) error {
		switch entry.Disposition {
		case changelog.DispositionAutoApplied:
			if err := apply(ctx, entities, entry, menuItem, now); err != nil {
				return err
			}
		case changelog.DispositionIgnoredDuplicate:
			// The source confirmed what is stored.
			if err := entities.MarkVerified(ctx, entityID, string(c.Source), now); err != nil {
				return err
			}
		}
		return ledger.Append(ctx, entry)
	})
	if err != nil {
		var appErr *pkgerrors.Error
		if errors.As(err, &appErr) {
			return nil, err
		}
		return nil, pkgerrors.ErrPersistenceFailure.WithCause(err)
	}
	return entry, nil
}

func apply(ctx context.Context, w directory.Writer, e *changelog.Entry, item *directory.MenuItem, at time.Time) error {
	source := string(e.Source)
	switch e.Field {
	case directory.FieldPromotions:
		return w.AddPromotion(ctx, e.EntityID, e.NewValue, source, at)
	case directory.FieldMenuItems:
		return w.AddMenuItem(ctx, *item, source, at)
	}
	return w.ApplyField(ctx, e.EntityID, e.Field, e.NewValue, source, at)
}

func (d *Detector) hasInsertion(ctx context.Context, entityID, field, value string) (bool, error) {
	if field == directory.FieldPromotions {
		return d.entities.HasPromotion(ctx, entityID, value)
	}
	return d.entities.HasMenuItem(ctx, entityID, value)
}

// menuItemFrom reads the optional price and image_ref out of candidate metadata.
func menuItemFrom(entityID, name string, meta map[string]interface{}) (*directory.MenuItem, error) {
	item := &directory.MenuItem{EntityID: entityID, Name: name}
	if raw, ok := meta["price"]; ok && raw != nil {
		price, err := decimal.NewFromString(fmt.Sprint(raw))
		if err != nil {
			return nil, pkgerrors.ErrInvalidCandidate.WithCause(err).WithDetail("field", directory.FieldMenuItems)
		}
		item.Price = decimal.NewNullDecimal(price.Round(2))
	}
	if ref, ok := meta["image_ref"].(string); ok {
		item.ImageRef = collapse(ref)
	}
	return item, nil
}

// EvaluateAll evaluates each candidate on its own; one failure never stops
// the rest. The error is non-nil only when ctx ends before every candidate
// was evaluated.
func (d *Detector) EvaluateAll(ctx context.Context, candidates []CandidateChange) (Summary, error) {
	var s Summary
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return s, err
		}
		entry, err := d.evaluate(ctx, c)
		if err != nil {
			s.Errors = append(s.Errors, ItemError{
				EntityRef: c.EntityRef(),
				Field:     c.Field,
				Code:      pkgerrors.Code(err),
				Message:   err.Error(),
			})
			continue
		}
		switch entry.Disposition {
		case changelog.DispositionAutoApplied:
			s.AutoApplied = append(s.AutoApplied, c.Field)
		case changelog.DispositionQueuedForReview:
			s.QueuedForReview = append(s.QueuedForReview, c.Field)
			if entry.ChangeType == changelog.ChangeTypeClosure {
				s.Closures++
			}
		default:
			s.Ignored = append(s.Ignored, c.Field)
		}
	}
	return s, nil
}

// Confirm advances last_verified_at after an authoritative lookup without
// changing any data.
func (d *Detector) Confirm(ctx context.Context, entityID string, source changelog.Source) error {
	unlock, err := d.lock(ctx, entityID)
	if err != nil {
		return err
	}
	defer unlock()
	return d.uow.Do(ctx, func(entities directory.Writer, _ changelog.Writer) error {
		return entities.MarkVerified(ctx, entityID, string(source), d.now())
	})
}
