package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"restosync/internal/changelog"
	"restosync/internal/config"
	"restosync/internal/detector"
	"restosync/internal/directory"
	"restosync/internal/logger"
	"restosync/internal/orchestrator"
	"restosync/internal/storetest"
	pkgerrors "restosync/pkg/errors"
	"restosync/pkg/models"
)

type memIngestionStore struct {
	mu   sync.Mutex
	rows map[string]Ingestion
	// statuses records every status a row was written with, in order.
	statuses map[string][]Status
}

func newMemIngestionStore() *memIngestionStore {
	return &memIngestionStore{rows: map[string]Ingestion{}, statuses: map[string][]Status{}}
}

func (s *memIngestionStore) Create(_ context.Context, in *Ingestion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	in.ID = fmt.Sprintf("ing-%d", len(s.rows)+1)
	s.rows[in.ID] = *in
	s.statuses[in.ID] = append(s.statuses[in.ID], in.Status)
	return nil
}

func (s *memIngestionStore) Update(_ context.Context, in *Ingestion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[in.ID] = *in
	s.statuses[in.ID] = append(s.statuses[in.ID], in.Status)
	return nil
}

func (s *memIngestionStore) Stats(_ context.Context, since time.Time) (*Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &Stats{Since: since, ByStatus: map[Status]int{}}
	for _, r := range s.rows {
		if r.Status == StatusRunning {
			continue
		}
		st.Total++
		st.ByStatus[r.Status]++
		st.Processed += r.Processed
		st.Updated += r.Updated
	}
	return st, nil
}

func (s *memIngestionStore) only(t *testing.T) Ingestion {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.rows, 1)
	for _, r := range s.rows {
		return r
	}
	return Ingestion{}
}

type memArchive struct {
	mu    sync.Mutex
	saved map[string]*ArchivedPayload
}

func (a *memArchive) Save(_ context.Context, p *ArchivedPayload) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.saved == nil {
		a.saved = map[string]*ArchivedPayload{}
	}
	a.saved[p.IngestionID] = p
	return nil
}

func (a *memArchive) Get(_ context.Context, id string) (*ArchivedPayload, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.saved[id]; ok {
		return p, nil
	}
	return nil, pkgerrors.ErrNotFound.WithDetail("ingestion", id)
}

type fakeRefresher struct {
	scope orchestrator.Scope
	opts  orchestrator.Options
	run   *orchestrator.Run
}

func (r *fakeRefresher) RunSync(_ context.Context, scope orchestrator.Scope, opts orchestrator.Options) (*orchestrator.Run, error) {
	r.scope, r.opts = scope, opts
	return r.run, nil
}

type recordingProducer struct {
	topic string
	msgs  []models.MessageEnvelope
}

func (p *recordingProducer) Publish(_ context.Context, topic string, msg models.MessageEnvelope) error {
	p.topic = topic
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *recordingProducer) Close() error { return nil }

type ingestFixture struct {
	mem     *storetest.Memory
	store   *memIngestionStore
	archive *memArchive
	ing     *Ingestor
}

func newIngestFixture(t *testing.T, opts ...Option) *ingestFixture {
	t.Helper()
	f := &ingestFixture{mem: storetest.NewMemory(), store: newMemIngestionStore(), archive: &memArchive{}}
	det := detector.New(f.mem, f.mem, logger.NopLogger())
	verifier := NewVerifier(config.WebhookConfig{Secret: testSecret, TrustInternalSource: true}, logger.NopLogger())
	opts = append([]Option{WithArchive(f.archive)}, opts...)
	f.ing = NewIngestor(f.mem, det, f.store, verifier, logger.NopLogger(), opts...)
	return f
}

func signed(body string) AuthHeaders {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	return AuthHeaders{Signature: Sign(testSecret, ts, []byte(body)), Timestamp: ts}
}

func TestIngest_CafeAClosureIsQueued(t *testing.T) {
	f := newIngestFixture(t)
	f.mem.Put(directory.Entity{ID: "cafe-a", Slug: "cafe-a", Name: "Cafe A"})

	body := `{"source":"scraped_signal","event":"closure","data":{"entityType":"restaurant","entitySlug":"cafe-a","confidence":0.95}}`
	res, err := f.ing.Ingest(context.Background(), []byte(body), signed(body))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, StatusCompleted, res.Status)
	require.NotNil(t, res.Changes)
	assert.Equal(t, []string{directory.FieldClosed}, res.Changes.QueuedForReview)
	assert.Empty(t, res.Changes.AutoApplied)
	assert.Equal(t, 0, res.Updated)

	e, _ := f.mem.Get(context.Background(), "cafe-a")
	assert.False(t, e.IsPermanentlyClosed)

	entries := f.mem.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, changelog.ChangeTypeClosure, entries[0].ChangeType)
	assert.Equal(t, changelog.DispositionQueuedForReview, entries[0].Disposition)
	assert.Equal(t, "closure", entries[0].Metadata["event"])

	row := f.store.only(t)
	assert.Equal(t, []Status{StatusRunning, StatusCompleted}, f.store.statuses[row.ID])
	assert.Equal(t, "cafe-a", row.EntityRef)
	assert.Contains(t, f.archive.saved, row.ID)
	assert.True(t, f.archive.saved[row.ID].Signed)
}

func TestIngest_BulkWithMissingEntity(t *testing.T) {
	f := newIngestFixture(t)
	items := make([]string, 0, 5)
	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("e%d", i)
		if i != 3 {
			f.mem.Put(directory.Entity{ID: id, Name: "R" + id, OpeningHours: "9-5"})
		}
		items = append(items, fmt.Sprintf(`{"entityId":%q,"changes":{"opening_hours":"10-6"}}`, id))
	}
	body := `{"source":"webhook_automation","event":"bulk_sync","data":{"entityType":"restaurant","confidence":0.9,"items":[` +
		items[0] + "," + items[1] + "," + items[2] + "," + items[3] + "," + items[4] + `]}}`

	res, err := f.ing.Ingest(context.Background(), []byte(body), signed(body))
	require.NoError(t, err)

	assert.Equal(t, 5, res.Processed)
	assert.Equal(t, 4, res.Updated)
	assert.False(t, res.Success)
	assert.Equal(t, StatusPartial, res.Status)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "e3", res.Errors[0].EntityRef)
	assert.Equal(t, pkgerrors.ErrEntityNotFound.Code, res.Errors[0].Code)

	assert.Len(t, f.mem.Entries(), 4, "no entry for the missing entity")
	row := f.store.only(t)
	assert.Equal(t, StatusPartial, row.Status)
	assert.Len(t, row.Errors, 1)
	assert.Equal(t, "bulk:5", row.EntityRef)
}

func TestIngest_BulkRefreshGoesThroughOrchestrator(t *testing.T) {
	refresher := &fakeRefresher{run: &orchestrator.Run{ID: "run-1", Processed: 2, Updated: 1, Failed: 1, Errors: []string{"e2: no lookup match"}}}
	f := newIngestFixture(t, WithRefresher(refresher))
	f.mem.Put(directory.Entity{ID: "e1", Name: "One"})
	f.mem.Put(directory.Entity{ID: "e2", Slug: "two", Name: "Two"})

	body := `{"source":"webhook_automation","event":"bulk_sync","data":{"entityType":"restaurant","items":[{"entityId":"e1"},{"entitySlug":"two"}]}}`
	res, err := f.ing.Ingest(context.Background(), []byte(body), signed(body))
	require.NoError(t, err)

	assert.Equal(t, orchestrator.ScopeList, refresher.scope.Type)
	assert.Equal(t, []string{"e1", "e2"}, refresher.scope.EntityIDs)
	assert.Equal(t, orchestrator.TriggerWebhookBulk, refresher.opts.Trigger)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, StatusPartial, res.Status)
}

func TestIngest_BulkRefreshWithoutRefresher(t *testing.T) {
	f := newIngestFixture(t)
	f.mem.Put(directory.Entity{ID: "e1", Name: "One"})

	body := `{"source":"webhook_automation","event":"bulk_sync","data":{"entityType":"restaurant","items":[{"entityId":"e1"}]}}`
	res, err := f.ing.Ingest(context.Background(), []byte(body), signed(body))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 1, res.Processed)
	require.Len(t, res.Errors, 1)
}

func TestIngest_RejectionsRecordNothing(t *testing.T) {
	f := newIngestFixture(t)
	f.mem.Put(directory.Entity{ID: "e1", Name: "One"})

	valid := `{"source":"owner_portal","event":"closure","data":{"entityType":"restaurant","entityId":"e1"}}`
	tests := []struct {
		name    string
		body    string
		headers AuthHeaders
		check   func(error) bool
	}{
		{"unknown event", `{"source":"owner_portal","event":"teleport","data":{"entityType":"restaurant","entityId":"e1"}}`, AuthHeaders{}, pkgerrors.IsInvalidRequest},
		{"unsigned", valid, AuthHeaders{}, pkgerrors.IsAuthenticationFailed},
		{"bad signature", valid, AuthHeaders{Signature: "00", Timestamp: strconv.FormatInt(time.Now().Unix(), 10)}, pkgerrors.IsAuthenticationFailed},
		{"update without changes", `{"source":"system_internal","event":"update","data":{"entityType":"restaurant","entityId":"e1"}}`, AuthHeaders{}, pkgerrors.IsInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ing.Ingest(context.Background(), []byte(tt.body), tt.headers)
			require.Error(t, err)
			assert.True(t, tt.check(err), "got %v", err)
		})
	}
	assert.Empty(t, f.store.rows)
	assert.Empty(t, f.mem.Entries())
}

func TestIngest_ReplayedEnvelopeWithNewSourceIsRejected(t *testing.T) {
	f := newIngestFixture(t)
	f.mem.Put(directory.Entity{ID: "e1", Name: "One", OpeningHours: "9-5"})

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	data := `{"entityType":"restaurant","entityId":"e1","changes":{"opening_hours":"closed forever"}}`
	sig := SignEnvelope(testSecret, ts, changelog.SourceScrapedSignal, EventHoursUpdate, []byte(data))
	envelope := func(source string) []byte {
		return []byte(`{"source":"` + source + `","event":"hours_update","signature":"` + sig + `","timestamp":"` + ts + `","data":` + data + `}`)
	}

	res, err := f.ing.Ingest(context.Background(), envelope("scraped_signal"), AuthHeaders{})
	require.NoError(t, err)
	assert.Equal(t, []string{directory.FieldOpeningHours}, res.Changes.QueuedForReview)
	assert.Empty(t, res.Changes.AutoApplied)

	_, err = f.ing.Ingest(context.Background(), envelope("api_manual"), AuthHeaders{})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsAuthenticationFailed(err))

	e, _ := f.mem.Get(context.Background(), "e1")
	assert.Equal(t, "9-5", e.OpeningHours)
	assert.Len(t, f.mem.Entries(), 1)
}

func TestIngest_DuplicateAdvancesVerification(t *testing.T) {
	f := newIngestFixture(t)
	f.mem.Put(directory.Entity{ID: "e1", Name: "One", OpeningHours: "9-5"})

	body := `{"source":"owner_portal","event":"hours_update","data":{"entityType":"restaurant","entityId":"e1","changes":{"opening_hours":" 9-5 "}}}`
	res, err := f.ing.Ingest(context.Background(), []byte(body), signed(body))
	require.NoError(t, err)
	assert.Equal(t, []string{directory.FieldOpeningHours}, res.Changes.Ignored)

	e, _ := f.mem.Get(context.Background(), "e1")
	require.NotNil(t, e.LastVerifiedAt)
	assert.Equal(t, string(changelog.SourceOwnerPortal), e.LastSyncSource)
	require.Len(t, f.mem.Entries(), 1)
	assert.Equal(t, changelog.DispositionIgnoredDuplicate, f.mem.Entries()[0].Disposition)
}

func TestIngest_PermissiveModeProceeds(t *testing.T) {
	f := newIngestFixture(t)
	f.ing.verifier = NewVerifier(config.WebhookConfig{Secret: testSecret, PermissiveSignatures: true}, logger.NopLogger())
	f.mem.Put(directory.Entity{ID: "e1", Name: "One", OpeningHours: "9-5"})

	body := `{"source":"owner_portal","event":"hours_update","data":{"entityType":"restaurant","entityId":"e1","changes":{"opening_hours":"10-6"}}}`
	res, err := f.ing.Ingest(context.Background(), []byte(body), AuthHeaders{Signature: "bogus", Timestamp: "1"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	e, _ := f.mem.Get(context.Background(), "e1")
	assert.Equal(t, "10-6", e.OpeningHours)
}

func TestIngest_UnknownSingleEntity(t *testing.T) {
	f := newIngestFixture(t)

	body := `{"source":"system_internal","event":"closure","data":{"entityType":"restaurant","entityId":"ghost"}}`
	_, err := f.ing.Ingest(context.Background(), []byte(body), AuthHeaders{})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsEntityNotFound(err))

	row := f.store.only(t)
	assert.Equal(t, StatusFailed, row.Status)
	assert.Empty(t, f.mem.Entries())
}

func TestIngest_PartialSingleEvent(t *testing.T) {
	f := newIngestFixture(t)
	f.mem.Put(directory.Entity{ID: "e1", Name: "One"})

	body := `{"source":"system_internal","event":"update","data":{"entityType":"restaurant","entityId":"e1","changes":{"name":"Uno","colour":"red"}}}`
	res, err := f.ing.Ingest(context.Background(), []byte(body), AuthHeaders{})
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, StatusPartial, res.Status)
	assert.Equal(t, 1, res.Updated)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "colour", res.Errors[0].Field)
}

func TestIngest_MenuAndPromotion(t *testing.T) {
	f := newIngestFixture(t)
	f.mem.Put(directory.Entity{ID: "e1", Name: "One"})

	menu := `{"source":"system_internal","event":"menu_update","data":{"entityType":"restaurant","entityId":"e1","changes":{"menu_items":[{"name":"Pad Thai","price":12.5,"imageRef":"img/1"}]}}}`
	_, err := f.ing.Ingest(context.Background(), []byte(menu), AuthHeaders{})
	require.NoError(t, err)
	items := f.mem.MenuItems("e1")
	require.Len(t, items, 1)
	assert.Equal(t, "12.5", items[0].Price.Decimal.String())
	assert.Equal(t, "img/1", items[0].ImageRef)

	promo := `{"source":"system_internal","event":"new_promotion","data":{"entityType":"restaurant","entityId":"e1","changes":{"title":"2 for 1"}}}`
	res, err := f.ing.Ingest(context.Background(), []byte(promo), AuthHeaders{})
	require.NoError(t, err)
	assert.Equal(t, []string{directory.FieldPromotions}, res.Changes.AutoApplied)
	assert.Equal(t, []string{"2 for 1"}, f.mem.Promotions("e1"))
}

func TestAutomationHandler(t *testing.T) {
	f := newIngestFixture(t)
	f.mem.Put(directory.Entity{ID: "e1", Name: "One", OpeningHours: "9-5"})
	handle := f.ing.AutomationHandler()

	payload := json.RawMessage(`{"source":"webhook_automation","event":"hours_update","data":{"entityType":"restaurant","entityId":"e1","confidence":0.9,"changes":{"opening_hours":"8-4"}}}`)
	env, err := models.NewEnvelope(models.EventTypeAutomationEvent, "automation", payload)
	require.NoError(t, err)
	require.NoError(t, handle(context.Background(), *env))

	e, _ := f.mem.Get(context.Background(), "e1")
	assert.Equal(t, "8-4", e.OpeningHours)

	other, err := models.NewEnvelope(models.EventTypeChangeRecorded, "x", map[string]string{})
	require.NoError(t, err)
	assert.NoError(t, handle(context.Background(), *other))

	bad, err := models.NewEnvelope(models.EventTypeAutomationEvent, "automation", json.RawMessage(`{"event":"nope"}`))
	require.NoError(t, err)
	err = handle(context.Background(), *bad)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsInvalidRequest(err))
}

func TestEnqueue(t *testing.T) {
	prod := &recordingProducer{}
	f := newIngestFixture(t, WithQueue(prod, "automation_events"))

	body := `{"source":"owner_portal","event":"closure","data":{"entityType":"restaurant","entityId":"e1"}}`
	require.NoError(t, f.ing.Enqueue(context.Background(), []byte(body), signed(body)))

	require.Len(t, prod.msgs, 1)
	assert.Equal(t, "automation_events", prod.topic)
	assert.Equal(t, models.EventTypeAutomationEvent, prod.msgs[0].Type)
	assert.JSONEq(t, body, string(prod.msgs[0].Payload))
	assert.Empty(t, f.store.rows, "queued requests are recorded when consumed")

	assert.Error(t, f.ing.Enqueue(context.Background(), []byte(body), AuthHeaders{}))
	assert.Len(t, prod.msgs, 1)

	g := newIngestFixture(t)
	assert.Error(t, g.ing.Enqueue(context.Background(), []byte(body), signed(body)))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, StatusCompleted, statusFor(3, 0, false, nil))
	assert.Equal(t, StatusPartial, statusFor(3, 1, true, nil))
	assert.Equal(t, StatusPartial, statusFor(1, 0, true, nil))
	assert.Equal(t, StatusFailed, statusFor(3, 3, true, nil))
	assert.Equal(t, StatusFailed, statusFor(0, 0, false, context.Canceled))
}
