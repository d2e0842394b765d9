package orchestrator

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"restosync/internal/changelog"
	"restosync/internal/config"
	"restosync/internal/detector"
	"restosync/internal/directory"
	"restosync/internal/enrichment"
	"restosync/internal/logger"
	"restosync/internal/lookup"
	"restosync/internal/storetest"
	pkgerrors "restosync/pkg/errors"
)

// Leak checks run in short mode only; container clients keep background
// goroutines alive for the life of the binary.
func TestMain(m *testing.M) {
	flag.Parse()
	if !testing.Short() {
		os.Exit(m.Run())
	}
	goleak.VerifyTestMain(m)
}

type memRunStore struct {
	mu      sync.Mutex
	runs    map[string]Run
	order   []string
	updates []Run
}

func newMemRunStore() *memRunStore {
	return &memRunStore{runs: map[string]Run{}}
}

func (s *memRunStore) Create(_ context.Context, r *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = fmt.Sprintf("run-%d", len(s.order)+1)
	}
	s.runs[r.ID] = *r
	s.order = append(s.order, r.ID)
	return nil
}

func (s *memRunStore) Update(_ context.Context, r *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; !ok {
		return pkgerrors.ErrNotFound
	}
	cp := *r
	cp.Errors = append([]string(nil), r.Errors...)
	s.runs[r.ID] = cp
	s.updates = append(s.updates, cp)
	return nil
}

func (s *memRunStore) Get(_ context.Context, id string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, pkgerrors.ErrNotFound.WithDetail("run", id)
	}
	return &r, nil
}

func (s *memRunStore) Recent(_ context.Context, limit int) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Run
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.runs[s.order[i]])
	}
	return out, nil
}

func (s *memRunStore) Stats(_ context.Context, since time.Time) (*RunStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &RunStats{Since: since, ByStatus: map[Status]int{}}
	for _, r := range s.runs {
		st.Runs++
		st.ByStatus[r.Status]++
		st.Processed += r.Processed
		st.Updated += r.Updated
		st.Failed += r.Failed
		st.Closures += r.Closures
	}
	return st, nil
}

type fakeProvider struct {
	mu          sync.Mutex
	results     map[string]*lookup.Result
	errs        map[string]error
	delay       time.Duration
	inFlight    int
	maxInFlight int
	forced      int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{results: map[string]*lookup.Result{}, errs: map[string]error{}}
}

func (p *fakeProvider) Search(ctx context.Context, name string, qc lookup.Context) (*lookup.Result, error) {
	p.mu.Lock()
	p.inFlight++
	if p.inFlight > p.maxInFlight {
		p.maxInFlight = p.inFlight
	}
	if qc.ForceRefresh {
		p.forced++
	}
	p.mu.Unlock()

	if p.delay > 0 {
		time.Sleep(p.delay)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.inFlight--
	if err, ok := p.errs[name]; ok {
		return nil, err
	}
	if r, ok := p.results[name]; ok {
		return r, nil
	}
	return nil, lookup.ErrNotFound
}

type fixture struct {
	mem      *storetest.Memory
	provider *fakeProvider
	runs     *memRunStore
	orch     *Orchestrator
	sleeps   []time.Duration
}

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func newFixture(t *testing.T, cfg config.SyncConfig) *fixture {
	t.Helper()
	f := &fixture{
		mem:      storetest.NewMemory(),
		provider: newFakeProvider(),
		runs:     newMemRunStore(),
	}
	clock := func() time.Time { return testNow }
	det := detector.New(f.mem, f.mem, logger.NopLogger(), detector.WithClock(clock))
	scorer := enrichment.NewScorer(f.mem, logger.NopLogger())
	f.orch = New(f.mem, f.provider, det, f.runs, scorer, cfg, logger.NopLogger())
	f.orch.now = clock
	f.orch.sleep = func(ctx context.Context, d time.Duration) error {
		f.sleeps = append(f.sleeps, d)
		return ctx.Err()
	}
	return f
}

func (f *fixture) seed(n int, hours string) []string {
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("e%02d", i)
		name := fmt.Sprintf("Cafe %02d", i)
		f.mem.Put(directory.Entity{ID: id, Slug: id, Name: name, OpeningHours: "9am-9pm", MallSlug: "central"})
		f.provider.results[name] = &lookup.Result{Name: name, Hours: hours}
		ids[i] = id
	}
	return ids
}

func TestRunSync_ThreeOfTenFailuresIsPartial(t *testing.T) {
	f := newFixture(t, config.SyncConfig{BatchSize: 10})
	f.seed(10, "9am-10pm")
	for _, i := range []int{1, 4, 7} {
		f.provider.errs[fmt.Sprintf("Cafe %02d", i)] = pkgerrors.ErrProviderUnavailable
	}

	run, err := f.orch.RunSync(context.Background(), Scope{Type: ScopeFull}, Options{})
	require.NoError(t, err)

	assert.Equal(t, StatusPartial, run.Status)
	assert.Equal(t, 10, run.Processed)
	assert.Equal(t, 3, run.Failed)
	assert.Equal(t, 7, run.Updated)
	assert.Len(t, run.Errors, 3)
	assert.Contains(t, run.Errors[0], "e01")
	require.NotNil(t, run.CompletedAt)

	// Each of the seven was evaluated: one hours change auto-applied, one duplicate name.
	entries := f.mem.Entries()
	assert.Len(t, entries, 14)
	for i := 0; i < 10; i++ {
		e, _ := f.mem.Get(context.Background(), fmt.Sprintf("e%02d", i))
		if i == 1 || i == 4 || i == 7 {
			assert.Equal(t, "9am-9pm", e.OpeningHours)
			assert.Nil(t, e.LastVerifiedAt)
			continue
		}
		assert.Equal(t, "9am-10pm", e.OpeningHours)
		assert.Equal(t, enrichment.StatusMinimal, e.EnrichmentStatus)
	}

	stored, err := f.runs.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, stored.Status)
}

func TestRunSync_AllFailed(t *testing.T) {
	f := newFixture(t, config.SyncConfig{BatchSize: 5})
	f.seed(3, "x")
	f.provider.results = map[string]*lookup.Result{}

	run, err := f.orch.RunSync(context.Background(), Scope{Type: ScopeMall, MallSlug: "central"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, 3, run.Failed)
	assert.Empty(t, f.mem.Entries())
}

func TestRunSync_UnchangedEntitiesAreConfirmed(t *testing.T) {
	f := newFixture(t, config.SyncConfig{BatchSize: 10})
	f.seed(2, "9am-9pm")

	run, err := f.orch.RunSync(context.Background(), Scope{Type: ScopeStale}, Options{})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, run.Status)
	assert.Equal(t, TriggerStaleSweep, run.TriggerType)
	assert.Equal(t, 2, run.Unchanged)
	assert.Equal(t, 0, run.Updated)

	e, _ := f.mem.Get(context.Background(), "e00")
	require.NotNil(t, e.LastVerifiedAt)
	assert.Equal(t, testNow, *e.LastVerifiedAt)
	assert.Equal(t, string(changelog.SourceScheduledRefresh), e.LastSyncSource)

	for _, entry := range f.mem.Entries() {
		assert.Equal(t, changelog.DispositionIgnoredDuplicate, entry.Disposition)
	}
}

func TestRunSync_ClosureIsQueued(t *testing.T) {
	f := newFixture(t, config.SyncConfig{BatchSize: 10})
	f.seed(1, "9am-9pm")
	closed := true
	f.provider.results["Cafe 00"].Closed = &closed

	run, err := f.orch.RunSync(context.Background(), Scope{Type: ScopeSingle, EntityID: "e00"}, Options{})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, run.Status)
	assert.Equal(t, 1, run.Closures)
	e, _ := f.mem.Get(context.Background(), "e00")
	assert.False(t, e.IsPermanentlyClosed)
	require.Len(t, f.mem.ReviewQueue(), 1)
	assert.Equal(t, changelog.ChangeTypeClosure, f.mem.ReviewQueue()[0].ChangeType)
}

func TestRunSync_BatchesWithDelayAndCheckpoints(t *testing.T) {
	f := newFixture(t, config.SyncConfig{BatchSize: 3, BatchDelay: 2 * time.Second})
	f.seed(7, "9am-10pm")
	f.provider.delay = 2 * time.Millisecond

	run, err := f.orch.RunSync(context.Background(), Scope{Type: ScopeFull}, Options{ForceRefresh: true})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, run.Status)
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, f.sleeps)
	assert.LessOrEqual(t, f.provider.maxInFlight, 3)
	assert.Equal(t, 7, f.provider.forced)

	// One checkpoint per batch and one final update.
	require.Len(t, f.runs.updates, 4)
	assert.Equal(t, StatusRunning, f.runs.updates[0].Status)
	assert.Equal(t, 3, f.runs.updates[0].Processed)
	assert.Equal(t, 6, f.runs.updates[1].Processed)
	assert.Equal(t, StatusCompleted, f.runs.updates[3].Status)
}

func TestRunSync_CancelledBetweenBatches(t *testing.T) {
	f := newFixture(t, config.SyncConfig{BatchSize: 2, BatchDelay: time.Second})
	f.seed(5, "9am-10pm")

	ctx, cancel := context.WithCancel(context.Background())
	f.orch.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	run, err := f.orch.RunSync(ctx, Scope{Type: ScopeFull}, Options{})
	require.NoError(t, err)

	assert.Equal(t, StatusPartial, run.Status)
	assert.Equal(t, 2, run.Processed)
	assert.Contains(t, run.Errors[len(run.Errors)-1], "cancelled after 2 of 5")

	stored, _ := f.runs.Get(context.Background(), run.ID)
	assert.True(t, stored.Status.Terminal())
}

func TestRunSync_StructuralErrorsCreateNoRun(t *testing.T) {
	f := newFixture(t, config.SyncConfig{})

	tests := []struct {
		name  string
		scope Scope
		check func(error) bool
	}{
		{"unknown entity", Scope{Type: ScopeSingle, EntityID: "missing"}, pkgerrors.IsEntityNotFound},
		{"single without id", Scope{Type: ScopeSingle}, pkgerrors.IsInvalidRequest},
		{"mall without slug", Scope{Type: ScopeMall}, pkgerrors.IsInvalidRequest},
		{"unknown type", Scope{Type: "galaxy"}, pkgerrors.IsInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.orch.RunSync(context.Background(), tt.scope, Options{})
			require.Error(t, err)
			assert.True(t, tt.check(err), "got %v", err)
		})
	}
	assert.Empty(t, f.runs.order)
}

func TestRunSync_EmptyScopeCompletes(t *testing.T) {
	f := newFixture(t, config.SyncConfig{})
	run, err := f.orch.RunSync(context.Background(), Scope{Type: ScopeStale}, Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, run.Status)
	assert.Equal(t, 0, run.Processed)
}

func TestRunSync_MaxItemsCapsScope(t *testing.T) {
	f := newFixture(t, config.SyncConfig{MaxItems: 4})
	f.seed(6, "9am-9pm")

	run, err := f.orch.RunSync(context.Background(), Scope{Type: ScopeFull}, Options{MaxItems: 100})
	require.NoError(t, err)
	assert.Equal(t, 4, run.Requested)

	run, err = f.orch.RunSync(context.Background(), Scope{Type: ScopeFull}, Options{MaxItems: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, run.Requested)
}

func TestResolve_StaleOrdersNeverVerifiedFirst(t *testing.T) {
	f := newFixture(t, config.SyncConfig{StaleAfter: 7 * 24 * time.Hour})
	old := testNow.Add(-30 * 24 * time.Hour)
	recent := testNow.Add(-time.Hour)
	f.mem.Put(directory.Entity{ID: "a", Name: "A", LastVerifiedAt: &old})
	f.mem.Put(directory.Entity{ID: "b", Name: "B"})
	f.mem.Put(directory.Entity{ID: "c", Name: "C", LastVerifiedAt: &recent})
	f.mem.Put(directory.Entity{ID: "d", Name: "D", IsPermanentlyClosed: true})

	list, err := f.orch.resolve(context.Background(), Scope{Type: ScopeStale}, 10)
	require.NoError(t, err)
	var ids []string
	for _, e := range list {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"b", "a"}, ids)
}

func TestPreview_DoesNotMutate(t *testing.T) {
	f := newFixture(t, config.SyncConfig{})
	f.seed(8, "9am-10pm")

	p, err := f.orch.Preview(context.Background(), Scope{Type: ScopeMall, MallSlug: "central"}, Options{DryRun: true})
	require.NoError(t, err)

	assert.True(t, p.DryRun)
	assert.Equal(t, 8, p.Count)
	assert.Len(t, p.Sample, 5)
	assert.Empty(t, f.mem.Entries())
	assert.Empty(t, f.runs.order)
}

func TestCandidatesFrom(t *testing.T) {
	rating := 4.25
	closed := false
	got := candidatesFrom("e1", &lookup.Result{Name: "Cafe", Hours: "9-5", Closed: &closed, PhotoRef: "p", Rating: &rating}, changelog.SourceScheduledRefresh)

	var fields []string
	for _, c := range got {
		fields = append(fields, c.Field+"="+c.NewValue)
		assert.Equal(t, LookupConfidence, c.Confidence)
		assert.Equal(t, "e1", c.EntityID)
	}
	sort.Strings(fields)
	assert.Equal(t, []string{"hero_image_ref=p", "is_permanently_closed=false", "name=Cafe", "opening_hours=9-5", "rating=4.25"}, fields)

	assert.Len(t, candidatesFrom("e1", &lookup.Result{Name: "Only"}, changelog.SourceScheduledRefresh), 1)
}

func TestRun_AddErrorIsBounded(t *testing.T) {
	var r Run
	for i := 0; i < 60; i++ {
		r.AddError(fmt.Sprint(i))
	}
	assert.Len(t, r.Errors, 50)
	assert.Equal(t, "49", r.Errors[49])
}

func TestRun_Finish(t *testing.T) {
	tests := []struct {
		name      string
		processed int
		failed    int
		cancelled bool
		want      Status
	}{
		{"clean", 10, 0, false, StatusCompleted},
		{"empty", 0, 0, false, StatusCompleted},
		{"some failed", 10, 3, false, StatusPartial},
		{"all failed", 10, 10, false, StatusFailed},
		{"cancelled midway", 4, 0, true, StatusPartial},
		{"cancelled before start", 0, 0, true, StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Run{Processed: tt.processed, Failed: tt.failed, Status: StatusRunning}
			r.finish(testNow, tt.cancelled)
			assert.Equal(t, tt.want, r.Status)
			require.NotNil(t, r.CompletedAt)
		})
	}
}
