package reporting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"restosync/internal/changelog"
	"restosync/internal/config"
	"restosync/internal/directory"
	"restosync/internal/logger"
	"restosync/internal/orchestrator"
	"restosync/internal/storetest"
	"restosync/internal/webhook"
)

var reportNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeFreshness struct {
	now        time.Time
	staleAfter time.Duration
	err        error
}

func (f *fakeFreshness) Freshness(_ context.Context, now time.Time, staleAfter time.Duration) (*Freshness, error) {
	f.now, f.staleAfter = now, staleAfter
	if f.err != nil {
		return nil, f.err
	}
	return &Freshness{GeneratedAt: now, StaleAfter: staleAfter.String(), Open: 10, Stale: 3, StalePercent: stalePercent(3, 10)}, nil
}

type fakeRuns struct{ since time.Time }

func (f *fakeRuns) Stats(_ context.Context, since time.Time) (*orchestrator.RunStats, error) {
	f.since = since
	return &orchestrator.RunStats{Since: since, Runs: 2, Processed: 40, Updated: 12}, nil
}

type fakeHooks struct{}

func (fakeHooks) Stats(_ context.Context, since time.Time) (*webhook.Stats, error) {
	return &webhook.Stats{Since: since, Total: 5, ByStatus: map[webhook.Status]int{webhook.StatusCompleted: 5}}, nil
}

func seedLedger(t *testing.T, mem *storetest.Memory) {
	t.Helper()
	mem.Put(directory.Entity{ID: "e1", Name: "One"})
	add := func(d changelog.Disposition, ct changelog.ChangeType, at time.Time) {
		require.NoError(t, mem.Append(context.Background(), &changelog.Entry{
			EntityID: "e1", Field: "name", NewValue: "x",
			ChangeType: ct, Source: changelog.SourceScheduledRefresh,
			Confidence: 0.9, Disposition: d, CreatedAt: at,
		}))
	}
	add(changelog.DispositionAutoApplied, changelog.ChangeTypeOther, reportNow.Add(-time.Hour))
	add(changelog.DispositionAutoApplied, changelog.ChangeTypeHoursChange, reportNow.Add(-2*time.Hour))
	add(changelog.DispositionQueuedForReview, changelog.ChangeTypeClosure, reportNow.Add(-3*time.Hour))
	// Outside the default window.
	add(changelog.DispositionIgnoredDuplicate, changelog.ChangeTypeOther, reportNow.Add(-48*time.Hour))
}

func newTestService(mem *storetest.Memory, fresh *fakeFreshness, runs *fakeRuns) *Service {
	s := NewService(fresh, mem, runs, fakeHooks{}, config.SyncConfig{}, logger.NopLogger())
	s.now = func() time.Time { return reportNow }
	return s
}

func TestStalePercent(t *testing.T) {
	assert.Equal(t, 0.0, stalePercent(0, 0))
	assert.Equal(t, 30.0, stalePercent(3, 10))
	assert.Equal(t, 33.3, stalePercent(1, 3))
	assert.Equal(t, 100.0, stalePercent(7, 7))
}

func TestService_Changes(t *testing.T) {
	mem := storetest.NewMemory()
	seedLedger(t, mem)
	runs := &fakeRuns{}
	svc := newTestService(mem, &fakeFreshness{}, runs)

	out, err := svc.Changes(context.Background(), 24*time.Hour)
	require.NoError(t, err)

	assert.Equal(t, reportNow.Add(-24*time.Hour), out.Since)
	assert.Equal(t, out.Since, runs.since)
	assert.Equal(t, 3, out.Changes.Total)
	assert.Equal(t, 1, out.Changes.ByChangeType[changelog.ChangeTypeClosure])
	assert.Equal(t, 0.667, out.AutoApplyRate)
	assert.Equal(t, 40, out.ProviderCalls)
	assert.Equal(t, 5, out.Webhooks.Total)
}

func TestService_FreshnessUsesDefaultStaleAfter(t *testing.T) {
	fresh := &fakeFreshness{}
	svc := newTestService(storetest.NewMemory(), fresh, &fakeRuns{})

	f, err := svc.Freshness(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7*24*time.Hour, fresh.staleAfter)
	assert.Equal(t, reportNow, fresh.now)
	assert.Equal(t, 30.0, f.StalePercent)
}

func setupRouter(svc *Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(svc, logger.NopLogger()).RegisterRoutes(r)
	return r
}

func get(r *gin.Engine, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w
}

func TestHandler_Reports(t *testing.T) {
	mem := storetest.NewMemory()
	seedLedger(t, mem)
	fresh := &fakeFreshness{}
	r := setupRouter(newTestService(mem, fresh, &fakeRuns{}))

	tests := []struct {
		name   string
		target string
		code   int
	}{
		{"freshness", "/api/v1/reports/freshness", http.StatusOK},
		{"changes default window", "/api/v1/reports/changes", http.StatusOK},
		{"changes week", "/api/v1/reports/changes?window=168h", http.StatusOK},
		{"changes bad window", "/api/v1/reports/changes?window=soon", http.StatusBadRequest},
		{"changes window too long", "/api/v1/reports/changes?window=10000h", http.StatusBadRequest},
		{"review queue", "/api/v1/review-queue", http.StatusOK},
		{"entity changes", "/api/v1/entities/e1/changes?limit=2", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, get(r, tt.target).Code)
		})
	}

	var week Changes
	require.NoError(t, json.Unmarshal(get(r, "/api/v1/reports/changes?window=168h").Body.Bytes(), &week))
	assert.Equal(t, 4, week.Changes.Total)

	var queue []changelog.ReviewItem
	require.NoError(t, json.Unmarshal(get(r, "/api/v1/review-queue").Body.Bytes(), &queue))
	require.Len(t, queue, 1)
	assert.Equal(t, changelog.ChangeTypeClosure, queue[0].ChangeType)

	var entries []changelog.Entry
	require.NoError(t, json.Unmarshal(get(r, "/api/v1/entities/e1/changes?limit=2").Body.Bytes(), &entries))
	assert.Len(t, entries, 2)

	var empty []changelog.Entry
	w := get(r, "/api/v1/entities/none/changes")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &empty))
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	fresh.err = errors.New("db down")
	assert.Equal(t, http.StatusInternalServerError, get(r, "/api/v1/reports/freshness").Code)
}
