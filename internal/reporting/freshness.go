package reporting

import (
	"context"
	"fmt"
	"math"
	"time"

	"restosync/internal/directory"
	"restosync/pkg/metrics"
)

const (
	BucketDay   = "verified_1d"
	BucketWeek  = "verified_7d"
	BucketMonth = "verified_30d"
	BucketOlder = "older_than_30d"
	BucketNever = "never_verified"
)

const (
	day   = 24 * time.Hour
	week  = 7 * day
	month = 30 * day
)

// Bucket counts open entities by age of their last verification.
type Bucket struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

type Freshness struct {
	GeneratedAt        time.Time      `json:"generated_at"`
	StaleAfter         string         `json:"stale_after"`
	Open               int            `json:"open"`
	Closed             int            `json:"closed"`
	Stale              int            `json:"stale"`
	NeverVerified      int            `json:"never_verified"`
	StalePercent       float64        `json:"stale_percent"`
	Buckets            []Bucket       `json:"buckets"`
	ByEnrichmentStatus map[string]int `json:"by_enrichment_status"`
}

// FreshnessStore aggregates verification age over the entity table.
type FreshnessStore interface {
	Freshness(ctx context.Context, now time.Time, staleAfter time.Duration) (*Freshness, error)
}

// stalePercent is rounded to one decimal place.
func stalePercent(stale, open int) float64 {
	if open == 0 {
		return 0
	}
	return math.Round(float64(stale)*1000/float64(open)) / 10
}

type PostgresFreshnessStore struct {
	db directory.DBTX
}

func NewPostgresFreshnessStore(db directory.DBTX) *PostgresFreshnessStore {
	return &PostgresFreshnessStore{db: db}
}

func (s *PostgresFreshnessStore) Freshness(ctx context.Context, now time.Time, staleAfter time.Duration) (f *Freshness, err error) {
	defer func(start time.Time) { metrics.ObserveQuery("reports", "freshness", start, err) }(time.Now())

	f = &Freshness{
		GeneratedAt:        now,
		StaleAfter:         staleAfter.String(),
		ByEnrichmentStatus: map[string]int{},
	}
	var dayN, weekN, monthN, olderN int
	err = s.db.QueryRowContext(ctx, `SELECT
			COUNT(*) FILTER (WHERE NOT is_permanently_closed),
			COUNT(*) FILTER (WHERE is_permanently_closed),
			COUNT(*) FILTER (WHERE NOT is_permanently_closed AND (last_verified_at IS NULL OR last_verified_at < $1)),
			COUNT(*) FILTER (WHERE NOT is_permanently_closed AND last_verified_at IS NULL),
			COUNT(*) FILTER (WHERE NOT is_permanently_closed AND last_verified_at >= $2),
			COUNT(*) FILTER (WHERE NOT is_permanently_closed AND last_verified_at < $2 AND last_verified_at >= $3),
			COUNT(*) FILTER (WHERE NOT is_permanently_closed AND last_verified_at < $3 AND last_verified_at >= $4),
			COUNT(*) FILTER (WHERE NOT is_permanently_closed AND last_verified_at < $4)
		FROM entities`,
		now.Add(-staleAfter), now.Add(-day), now.Add(-week), now.Add(-month),
	).Scan(&f.Open, &f.Closed, &f.Stale, &f.NeverVerified, &dayN, &weekN, &monthN, &olderN)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate freshness: %w", err)
	}
	f.Buckets = []Bucket{
		{BucketDay, dayN},
		{BucketWeek, weekN},
		{BucketMonth, monthN},
		{BucketOlder, olderN},
		{BucketNever, f.NeverVerified},
	}
	f.StalePercent = stalePercent(f.Stale, f.Open)

	rows, err := s.db.QueryContext(ctx, `SELECT enrichment_status, COUNT(*) FROM entities
		WHERE NOT is_permanently_closed
		GROUP BY enrichment_status`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate enrichment status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err = rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan enrichment status: %w", err)
		}
		f.ByEnrichmentStatus[status] = n
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return f, nil
}
