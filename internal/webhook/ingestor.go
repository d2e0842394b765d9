package webhook

import (
	"context"
	"fmt"
	"time"

	"restosync/internal/broker"
	"restosync/internal/detector"
	"restosync/internal/directory"
	"restosync/internal/logger"
	"restosync/internal/orchestrator"
	pkgerrors "restosync/pkg/errors"
	"restosync/pkg/logging"
	"restosync/pkg/metrics"
	"restosync/pkg/tracing"
)

type Resolver interface {
	Get(ctx context.Context, id string) (*directory.Entity, error)
	GetBySlug(ctx context.Context, slug string) (*directory.Entity, error)
}

type Evaluator interface {
	EvaluateAll(ctx context.Context, candidates []detector.CandidateChange) (detector.Summary, error)
}

// Refresher runs a provider refresh for bulk items sent without changes.
type Refresher interface {
	RunSync(ctx context.Context, scope orchestrator.Scope, opts orchestrator.Options) (*orchestrator.Run, error)
}

type Result struct {
	IngestionID string               `json:"ingestionId"`
	Event       EventType            `json:"event"`
	Status      Status               `json:"status"`
	Success     bool                 `json:"success"`
	Changes     *detector.Summary    `json:"changes,omitempty"`
	Processed   int                  `json:"processed"`
	Updated     int                  `json:"updated"`
	Errors      []detector.ItemError `json:"errors,omitempty"`
}

type Option func(*Ingestor)

func WithArchive(a Archive) Option {
	return func(i *Ingestor) { i.archive = a }
}

func WithRefresher(r Refresher) Option {
	return func(i *Ingestor) { i.refresher = r }
}

// WithQueue enables Enqueue, which publishes accepted requests to topic
// for the automation consumer.
func WithQueue(p broker.Producer, topic string) Option {
	return func(i *Ingestor) {
		i.queue = p
		i.queueTopic = topic
	}
}

type Ingestor struct {
	entities   Resolver
	detector   Evaluator
	store      IngestionStore
	verifier   *Verifier
	archive    Archive
	refresher  Refresher
	queue      broker.Producer
	queueTopic string
	logger     logger.Logger
	now        func() time.Time
}

func NewIngestor(entities Resolver, det Evaluator, store IngestionStore, verifier *Verifier, log logger.Logger, opts ...Option) *Ingestor {
	i := &Ingestor{
		entities: entities,
		detector: det,
		store:    store,
		verifier: verifier,
		logger:   log,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Ingest validates, authenticates and applies one webhook request. Shape
// and signature failures return before anything is recorded. Once the
// ingestion row exists every outcome, including per-item failures, is
// written back to it.
func (i *Ingestor) Ingest(ctx context.Context, body []byte, h AuthHeaders) (*Result, error) {
	p, err := ParsePayload(body)
	if err != nil {
		metrics.IncWebhookRequest("unknown", "invalid")
		return nil, err
	}
	if err := i.verifier.Verify(ctx, p, body, h); err != nil {
		metrics.IncWebhookRequest(string(p.Event), "unauthenticated")
		return nil, err
	}
	return i.process(ctx, p, body, h.Signature != "" || p.Signature != "")
}

// IngestTrusted handles payloads that arrived over an authenticated
// transport, so only the shape is checked.
func (i *Ingestor) IngestTrusted(ctx context.Context, body []byte) (*Result, error) {
	p, err := ParsePayload(body)
	if err != nil {
		metrics.IncWebhookRequest("unknown", "invalid")
		return nil, err
	}
	return i.process(ctx, p, body, false)
}

func (i *Ingestor) process(ctx context.Context, p *Payload, body []byte, signed bool) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "restosync-webhook", "webhook.ingest")
	defer span.End()

	ev, err := Normalize(p)
	if err != nil {
		metrics.IncWebhookRequest(string(p.Event), "invalid")
		return nil, err
	}

	in := &Ingestion{
		Source:    string(p.Source),
		Event:     p.Event,
		EntityRef: p.Data.EntityRef(),
		Status:    StatusRunning,
		StartedAt: i.now(),
		Errors:    []string{},
	}
	if p.Event == EventBulkSync {
		in.EntityRef = fmt.Sprintf("bulk:%d", len(p.Data.Items))
	}
	if err := i.store.Create(ctx, in); err != nil {
		return nil, err
	}
	ctx = logging.WithRunID(ctx, in.ID)
	i.archivePayload(ctx, in, p, body, signed)

	res := &Result{IngestionID: in.ID, Event: p.Event}
	failed := 0

	switch e := ev.(type) {
	case BulkSyncEvent:
		failed, err = i.bulk(ctx, e, p, res)
	default:
		failed, err = i.single(ctx, ev, p, res)
	}

	in.Processed, in.Updated = res.Processed, res.Updated
	for _, ie := range res.Errors {
		in.Errors = append(in.Errors, fmt.Sprintf("%s: %s", ie.EntityRef, ie.Message))
	}
	in.Status = statusFor(res.Processed, failed, len(res.Errors) > 0, err)
	if err != nil {
		in.Errors = append(in.Errors, err.Error())
	}
	done := i.now()
	in.CompletedAt = &done
	if uerr := i.store.Update(context.WithoutCancel(ctx), in); uerr != nil {
		i.logger.ErrorwCtx(ctx, "Failed to finalize webhook ingestion", "error", uerr)
	}
	metrics.IncWebhookRequest(string(p.Event), string(in.Status))

	i.logger.InfowCtx(ctx, "Webhook processed",
		"source", p.Source,
		"event", p.Event,
		"status", in.Status,
		"processed", res.Processed,
		"updated", res.Updated,
		"errors", len(res.Errors),
	)
	if err != nil {
		return nil, err
	}
	res.Status = in.Status
	res.Success = len(res.Errors) == 0
	return res, nil
}

func statusFor(processed, failed int, hasErrors bool, err error) Status {
	switch {
	case err != nil:
		return StatusFailed
	case !hasErrors:
		return StatusCompleted
	case failed > 0 && failed >= processed:
		return StatusFailed
	}
	return StatusPartial
}

func (i *Ingestor) archivePayload(ctx context.Context, in *Ingestion, p *Payload, body []byte, signed bool) {
	if i.archive == nil {
		return
	}
	if err := i.archive.Save(ctx, newArchivedPayload(in.ID, p, body, signed, in.StartedAt)); err != nil {
		i.logger.WarnwCtx(ctx, "Failed to archive webhook payload", "error", err)
	}
}

func (i *Ingestor) resolve(ctx context.Context, t Target) (*directory.Entity, error) {
	if t.EntityID != "" {
		return i.entities.Get(ctx, t.EntityID)
	}
	return i.entities.GetBySlug(ctx, t.EntitySlug)
}

func metadataFor(p *Payload) map[string]interface{} {
	meta := map[string]interface{}{"event": string(p.Event)}
	for k, v := range p.Data.Metadata {
		meta[k] = v
	}
	return meta
}

// single handles every event about one entity. An unknown entity is the
// caller's error, not a per-item one.
func (i *Ingestor) single(ctx context.Context, ev Event, p *Payload, res *Result) (int, error) {
	target := Target{EntityID: p.Data.EntityID, EntitySlug: p.Data.EntitySlug}
	e, err := i.resolve(ctx, target)
	if err != nil {
		return 0, err
	}

	candidates := Candidates(ev, e.ID, p.Source, metadataFor(p))
	summary, err := i.detector.EvaluateAll(logging.WithEntityID(ctx, e.ID), candidates)
	if err != nil {
		return 0, err
	}

	res.Changes = &summary
	res.Processed = 1
	res.Errors = summary.Errors
	if len(summary.AutoApplied) > 0 {
		res.Updated = 1
	}
	// Some fields landing makes the request partial rather than failed.
	if len(summary.Errors) > 0 && len(summary.Errors) == len(candidates) {
		return 1, nil
	}
	return 0, nil
}

// bulk evaluates every item independently and reports per-item failures.
func (i *Ingestor) bulk(ctx context.Context, ev BulkSyncEvent, p *Payload, res *Result) (int, error) {
	failed := 0
	meta := metadataFor(p)
	var total detector.Summary

	for _, u := range ev.Updates {
		if err := ctx.Err(); err != nil {
			return failed, err
		}
		res.Processed++

		e, err := i.resolve(ctx, u.Target)
		if err != nil {
			failed++
			res.Errors = append(res.Errors, detector.ItemError{
				EntityRef: u.Ref(),
				Code:      pkgerrors.Code(err),
				Message:   err.Error(),
			})
			continue
		}

		summary, err := i.detector.EvaluateAll(logging.WithEntityID(ctx, e.ID), Candidates(u, e.ID, p.Source, meta))
		if err != nil {
			return failed, err
		}
		total.Merge(summary)
		if len(summary.Errors) > 0 {
			failed++
			res.Errors = append(res.Errors, summary.Errors...)
			continue
		}
		if len(summary.AutoApplied) > 0 {
			res.Updated++
		}
	}

	if len(ev.Refresh) > 0 {
		failed += i.refresh(ctx, ev.Refresh, res)
	}
	res.Changes = &total
	return failed, nil
}

// refresh hands change-less bulk items to the sync orchestrator as one
// webhook-triggered run.
func (i *Ingestor) refresh(ctx context.Context, targets []Target, res *Result) int {
	failed := 0
	var ids []string
	for _, t := range targets {
		e, err := i.resolve(ctx, t)
		if err == nil && i.refresher == nil {
			err = pkgerrors.ErrServiceUnavailable.WithDetail("message", "provider refresh is not configured")
		}
		if err != nil {
			res.Processed++
			failed++
			res.Errors = append(res.Errors, detector.ItemError{EntityRef: t.Ref(), Code: pkgerrors.Code(err), Message: err.Error()})
			continue
		}
		ids = append(ids, e.ID)
	}
	if len(ids) == 0 {
		return failed
	}

	run, err := i.refresher.RunSync(ctx,
		orchestrator.Scope{Type: orchestrator.ScopeList, EntityIDs: ids},
		orchestrator.Options{Trigger: orchestrator.TriggerWebhookBulk},
	)
	if err != nil {
		res.Processed += len(ids)
		res.Errors = append(res.Errors, detector.ItemError{EntityRef: "refresh", Code: pkgerrors.Code(err), Message: err.Error()})
		return failed + len(ids)
	}
	res.Processed += run.Processed
	res.Updated += run.Updated
	for _, msg := range run.Errors {
		res.Errors = append(res.Errors, detector.ItemError{EntityRef: run.ID, Code: "SYNC_FAILED", Message: msg})
	}
	return failed + run.Failed
}
