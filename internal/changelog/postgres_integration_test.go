package changelog_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"restosync/internal/changelog"
	"restosync/internal/directory"
	"restosync/internal/testinfra"
)

func TestPostgresLedger(t *testing.T) {
	db := testinfra.Postgres(t)
	ctx := context.Background()

	require.NoError(t, directory.NewPostgresStore(db).Create(ctx, &directory.Entity{ID: "e1", Name: "Cafe", Slug: "cafe"}))
	ledger := changelog.NewPostgresLedger(db)

	old := "Cafe"
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)
	entries := []*changelog.Entry{
		{EntityID: "e1", Field: "name", OldValue: &old, NewValue: "Cafe Nova", ChangeType: changelog.ChangeTypeOther,
			Source: changelog.SourceOwnerPortal, Confidence: 0.9, Disposition: changelog.DispositionAutoApplied,
			Metadata: map[string]interface{}{"ingestion": "i1"}, CreatedAt: base},
		{EntityID: "e1", Field: "is_permanently_closed", NewValue: "true", ChangeType: changelog.ChangeTypeClosure,
			Source: changelog.SourceScrapedSignal, Confidence: 0.5, Disposition: changelog.DispositionQueuedForReview,
			CreatedAt: base.Add(time.Minute)},
		{EntityID: "e1", Field: "name", NewValue: "Cafe Nova", ChangeType: changelog.ChangeTypeOther,
			Source: changelog.SourceOwnerPortal, Confidence: 0.9, Disposition: changelog.DispositionIgnoredDuplicate,
			CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, e := range entries {
		require.NoError(t, ledger.Append(ctx, e))
		assert.NotEmpty(t, e.ID)
	}

	list, err := ledger.ListByEntity(ctx, "e1", 10)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, changelog.DispositionIgnoredDuplicate, list[0].Disposition, "newest first")
	assert.Equal(t, "i1", list[2].Metadata["ingestion"])
	require.NotNil(t, list[2].OldValue)
	assert.Equal(t, "Cafe", *list[2].OldValue)

	pending, err := ledger.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, entries[1].ID, pending[0].ChangeLogID)
	assert.Nil(t, pending[0].CurrentValue)

	sum, err := ledger.Summarize(ctx, base.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, 1, sum.ByDisposition[changelog.DispositionQueuedForReview])
	assert.Equal(t, 1, sum.ByChangeType[changelog.ChangeTypeClosure])
	assert.Equal(t, 1, sum.BySource[changelog.SourceOwnerPortal])

	_, err = db.ExecContext(ctx, `DELETE FROM change_log WHERE id = $1`, entries[0].ID)
	assert.Error(t, err, "change_log is append-only")
}
