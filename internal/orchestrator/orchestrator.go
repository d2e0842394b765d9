package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"restosync/internal/changelog"
	"restosync/internal/config"
	"restosync/internal/constants"
	"restosync/internal/detector"
	"restosync/internal/directory"
	"restosync/internal/enrichment"
	"restosync/internal/logger"
	"restosync/internal/lookup"
	pkgerrors "restosync/pkg/errors"
	"restosync/pkg/logging"
	"restosync/pkg/metrics"
	"restosync/pkg/tracing"
)

// LookupConfidence is the confidence attached to values read from the
// lookup provider.
const LookupConfidence = 0.9

type Entities interface {
	directory.Lister
	Get(ctx context.Context, id string) (*directory.Entity, error)
}

type Evaluator interface {
	EvaluateAll(ctx context.Context, candidates []detector.CandidateChange) (detector.Summary, error)
	Confirm(ctx context.Context, entityID string, source changelog.Source) error
}

type Recomputer interface {
	RecomputeMany(ctx context.Context, ids []string) *enrichment.RecomputeStats
}

type Orchestrator struct {
	entities Entities
	provider lookup.Provider
	detector Evaluator
	runs     RunStore
	scorer   Recomputer
	cfg      config.SyncConfig
	logger   logger.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(entities Entities, provider lookup.Provider, det Evaluator, runs RunStore, scorer Recomputer, cfg config.SyncConfig, log logger.Logger) *Orchestrator {
	return &Orchestrator{
		entities: entities,
		provider: provider,
		detector: det,
		runs:     runs,
		scorer:   scorer,
		cfg:      cfg,
		logger:   log,
		now:      func() time.Time { return time.Now().UTC() },
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// withDefaults fills zero options from configuration. MaxItems may only
// lower the configured cap.
func (o *Orchestrator) withDefaults(opts Options, scope Scope) Options {
	if opts.BatchSize <= 0 {
		opts.BatchSize = o.cfg.BatchSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = constants.DefaultBatchSize
	}
	if opts.BatchDelay <= 0 {
		opts.BatchDelay = o.cfg.BatchDelay
	}
	if o.cfg.MaxItems > 0 && (opts.MaxItems <= 0 || opts.MaxItems > o.cfg.MaxItems) {
		opts.MaxItems = o.cfg.MaxItems
	}
	if opts.Trigger == "" {
		opts.Trigger = DefaultTrigger(scope.Type)
	}
	return opts
}

func (o *Orchestrator) staleCutoff() time.Time {
	after := o.cfg.StaleAfter
	if after <= 0 {
		after = constants.DefaultStaleAfter
	}
	return o.now().Add(-after)
}

// resolve turns a scope into a concrete, capped entity list.
func (o *Orchestrator) resolve(ctx context.Context, scope Scope, max int) ([]directory.Entity, error) {
	limit := max
	if limit <= 0 {
		limit = constants.MaxLimit
	}
	switch scope.Type {
	case ScopeSingle:
		if scope.EntityID == "" {
			return nil, pkgerrors.ErrInvalidRequest.WithDetail("message", "restaurantId is required for single sync")
		}
		e, err := o.entities.Get(ctx, scope.EntityID)
		if err != nil {
			return nil, err
		}
		return []directory.Entity{*e}, nil
	case ScopeMall:
		if scope.MallSlug == "" {
			return nil, pkgerrors.ErrInvalidRequest.WithDetail("message", "mallSlug is required for mall sync")
		}
		return o.entities.ListByMall(ctx, scope.MallSlug, limit)
	case ScopeStale:
		return o.entities.ListStale(ctx, o.staleCutoff(), limit)
	case ScopeList:
		ids := scope.EntityIDs
		if len(ids) > limit {
			ids = ids[:limit]
		}
		return o.entities.ListByIDs(ctx, ids)
	case ScopeFull:
		var out []directory.Entity
		after := ""
		for len(out) < limit {
			page, err := o.entities.ListPage(ctx, after, constants.MaxLimit)
			if err != nil {
				return nil, err
			}
			for _, e := range page {
				if !e.IsPermanentlyClosed && len(out) < limit {
					out = append(out, e)
				}
			}
			if len(page) < constants.MaxLimit {
				break
			}
			after = page[len(page)-1].ID
		}
		return out, nil
	}
	return nil, pkgerrors.ErrInvalidRequest.WithDetail("message", fmt.Sprintf("unknown sync type %q", scope.Type))
}

type PreviewItem struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Slug           string     `json:"slug"`
	LastVerifiedAt *time.Time `json:"lastVerifiedAt"`
}

type Preview struct {
	DryRun bool          `json:"dryRun"`
	Count  int           `json:"count"`
	Sample []PreviewItem `json:"sample"`
}

// Preview reports what RunSync would touch without mutating anything.
func (o *Orchestrator) Preview(ctx context.Context, scope Scope, opts Options) (*Preview, error) {
	opts = o.withDefaults(opts, scope)
	list, err := o.resolve(ctx, scope, opts.MaxItems)
	if err != nil {
		return nil, err
	}
	p := &Preview{DryRun: true, Count: len(list), Sample: []PreviewItem{}}
	for i := 0; i < len(list) && i < constants.PreviewSampleSize; i++ {
		e := list[i]
		p.Sample = append(p.Sample, PreviewItem{ID: e.ID, Name: e.Name, Slug: e.Slug, LastVerifiedAt: e.LastVerifiedAt})
	}
	return p, nil
}

type outcome int

const (
	outcomeUnchanged outcome = iota
	outcomeUpdated
	outcomeFailed
)

type entityResult struct {
	entityID string
	outcome  outcome
	closures int
	err      string
}

// RunSync refreshes the entities in scope. Structural problems (bad scope,
// unknown single entity, run row not writable) return an error before any
// entity is touched; per-entity failures are recorded on the returned Run.
func (o *Orchestrator) RunSync(ctx context.Context, scope Scope, opts Options) (*Run, error) {
	ctx, span := tracing.StartSpan(ctx, "restosync-orchestrator", "sync.run")
	defer span.End()

	opts = o.withDefaults(opts, scope)
	list, err := o.resolve(ctx, scope, opts.MaxItems)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	run := &Run{
		TriggerType: opts.Trigger,
		Scope:       scope.Describe(),
		Requested:   len(list),
		Status:      StatusRunning,
		StartedAt:   o.now(),
		Errors:      []string{},
	}
	if err := o.runs.Create(ctx, run); err != nil {
		return nil, err
	}
	ctx = logging.WithRunID(ctx, run.ID)
	o.logger.InfowCtx(ctx, "Sync run started",
		"trigger", run.TriggerType,
		"scope", run.Scope,
		"entities", len(list),
		"batch_size", opts.BatchSize,
	)

	source := sourceFor(opts.Trigger)
	var updatedIDs []string
	cancelled := false

	for offset := 0; offset < len(list); offset += opts.BatchSize {
		if offset > 0 {
			if err := o.sleep(ctx, opts.BatchDelay); err != nil {
				cancelled = true
				break
			}
		}
		if ctx.Err() != nil {
			cancelled = true
			break
		}

		end := offset + opts.BatchSize
		if end > len(list) {
			end = len(list)
		}
		for _, res := range o.processBatch(ctx, list[offset:end], source, opts) {
			run.Processed++
			run.Closures += res.closures
			switch res.outcome {
			case outcomeUpdated:
				run.Updated++
				updatedIDs = append(updatedIDs, res.entityID)
			case outcomeUnchanged:
				run.Unchanged++
			case outcomeFailed:
				run.Failed++
				run.AddError(res.err)
			}
		}

		if err := o.runs.Update(ctx, run); err != nil {
			o.logger.WarnwCtx(ctx, "Failed to checkpoint sync run", "error", err)
		}
	}

	if cancelled {
		run.AddError(fmt.Sprintf("run cancelled after %d of %d entities", run.Processed, len(list)))
	}
	run.finish(o.now(), cancelled)

	// The run must reach its terminal state even when the caller went away.
	final := context.WithoutCancel(ctx)
	if err := o.runs.Update(final, run); err != nil {
		o.logger.ErrorwCtx(final, "Failed to finalize sync run", "error", err)
	}

	metrics.ObserveSyncRun(string(run.TriggerType), string(run.Status), time.Since(start))
	metrics.AddSyncEntities("updated", run.Updated)
	metrics.AddSyncEntities("unchanged", run.Unchanged)
	metrics.AddSyncEntities("failed", run.Failed)

	if o.scorer != nil && len(updatedIDs) > 0 {
		o.scorer.RecomputeMany(final, updatedIDs)
	}

	o.logger.InfowCtx(final, "Sync run finished",
		"status", run.Status,
		"processed", run.Processed,
		"updated", run.Updated,
		"unchanged", run.Unchanged,
		"failed", run.Failed,
		"closures", run.Closures,
		"duration", time.Since(start).String(),
	)
	return run, nil
}

func sourceFor(t Trigger) changelog.Source {
	if t == TriggerWebhookBulk {
		return changelog.SourceWebhookAutomation
	}
	return changelog.SourceScheduledRefresh
}

// processBatch looks up every entity of the batch concurrently and waits
// for all of them. Results keep the batch order.
func (o *Orchestrator) processBatch(ctx context.Context, batch []directory.Entity, source changelog.Source, opts Options) []entityResult {
	results := make([]entityResult, len(batch))

	var g errgroup.Group
	for i := range batch {
		g.Go(func() error {
			results[i] = o.processEntity(ctx, &batch[i], source, opts)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (o *Orchestrator) processEntity(ctx context.Context, e *directory.Entity, source changelog.Source, opts Options) (res entityResult) {
	res.entityID = e.ID
	ctx = logging.WithEntityID(ctx, e.ID)
	defer func() {
		if r := recover(); r != nil {
			err := pkgerrors.RecoverPanic(r)
			o.logger.ErrorwCtx(ctx, "Panic while syncing entity", "error", err)
			res = entityResult{entityID: e.ID, outcome: outcomeFailed, err: errorLine(e.ID, err)}
		}
	}()

	fail := func(err error) entityResult {
		o.logger.WarnwCtx(ctx, "Entity sync failed", "slug", e.Slug, "error", err)
		return entityResult{entityID: e.ID, outcome: outcomeFailed, err: errorLine(e.ID, err)}
	}

	result, err := o.provider.Search(ctx, e.Name, lookup.Context{
		EntityID:     e.ID,
		Slug:         e.Slug,
		MallSlug:     e.MallSlug,
		ForceRefresh: opts.ForceRefresh,
	})
	if errors.Is(err, lookup.ErrNotFound) {
		return fail(fmt.Errorf("no lookup match for %q", e.Name))
	}
	if err != nil {
		return fail(err)
	}

	summary, err := o.detector.EvaluateAll(ctx, candidatesFrom(e.ID, result, source))
	if err != nil {
		return fail(err)
	}
	res.closures = summary.Closures
	if len(summary.Errors) > 0 {
		first := summary.Errors[0]
		return entityResult{
			entityID: e.ID,
			outcome:  outcomeFailed,
			closures: summary.Closures,
			err:      fmt.Sprintf("%s: %s %s", e.ID, first.Field, first.Message),
		}
	}

	if len(summary.AutoApplied) > 0 {
		res.outcome = outcomeUpdated
		return res
	}
	if err := o.detector.Confirm(ctx, e.ID, source); err != nil {
		return fail(err)
	}
	res.outcome = outcomeUnchanged
	return res
}

// candidatesFrom maps a lookup result to one candidate per field the
// provider actually returned.
func candidatesFrom(entityID string, r *lookup.Result, source changelog.Source) []detector.CandidateChange {
	var out []detector.CandidateChange
	add := func(field, value string) {
		out = append(out, detector.CandidateChange{
			EntityID:   entityID,
			Field:      field,
			NewValue:   value,
			Source:     source,
			Confidence: LookupConfidence,
			Metadata:   map[string]interface{}{"external_id": r.ExternalID},
		})
	}
	if r.Name != "" {
		add(directory.FieldName, r.Name)
	}
	if r.Hours != "" {
		add(directory.FieldOpeningHours, r.Hours)
	}
	if r.Closed != nil {
		add(directory.FieldClosed, strconv.FormatBool(*r.Closed))
	}
	if r.PhotoRef != "" {
		add(directory.FieldHeroImage, r.PhotoRef)
	}
	if r.Rating != nil {
		add(directory.FieldRating, strconv.FormatFloat(*r.Rating, 'f', -1, 64))
	}
	return out
}
