package changelog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"restosync/internal/directory"
	pkgerrors "restosync/pkg/errors"
	"restosync/pkg/metrics"
)

// PostgresLedger writes to change_log and review_queue. Constructed over a
// *sql.Tx it shares the caller's transaction with the entity update.
type PostgresLedger struct {
	db directory.DBTX
}

func NewPostgresLedger(db directory.DBTX) *PostgresLedger {
	return &PostgresLedger{db: db}
}

func (l *PostgresLedger) Append(ctx context.Context, e *Entry) (err error) {
	defer func(start time.Time) { metrics.ObserveQuery("changelog", "append", start, err) }(time.Now())

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	meta := e.Metadata
	if meta == nil {
		meta = map[string]interface{}{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return pkgerrors.ErrPersistenceFailure.WithCause(err).WithDetail("operation", "marshal_metadata")
	}

	if _, err = l.db.ExecContext(ctx, `INSERT INTO change_log (
			id, entity_id, field, old_value, new_value, change_type, source, confidence, disposition, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.EntityID, e.Field, e.OldValue, e.NewValue, string(e.ChangeType), string(e.Source),
		e.Confidence, string(e.Disposition), metaJSON, e.CreatedAt,
	); err != nil {
		return pkgerrors.ErrPersistenceFailure.WithCause(err).WithDetail("operation", "append_change_log")
	}

	if e.Disposition != DispositionQueuedForReview {
		return nil
	}
	r := NewReviewItem(e)
	r.ID = uuid.New().String()
	if _, err = l.db.ExecContext(ctx, `INSERT INTO review_queue (
			id, change_log_id, entity_id, field, current_value, proposed_value, change_type, source, confidence, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID, r.ChangeLogID, r.EntityID, r.Field, r.CurrentValue, r.ProposedValue, string(r.ChangeType),
		string(r.Source), r.Confidence, r.Status, r.CreatedAt,
	); err != nil {
		return pkgerrors.ErrPersistenceFailure.WithCause(err).WithDetail("operation", "enqueue_review")
	}
	return nil
}

func (l *PostgresLedger) ListByEntity(ctx context.Context, entityID string, limit int) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT id, entity_id, field, old_value, new_value, change_type,
			source, confidence, disposition, metadata, created_at
		FROM change_log
		WHERE entity_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2`, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list change log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e        Entry
			oldValue sql.NullString
			metaJSON []byte
		)
		if err := rows.Scan(&e.ID, &e.EntityID, &e.Field, &oldValue, &e.NewValue, &e.ChangeType,
			&e.Source, &e.Confidence, &e.Disposition, &metaJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan change log entry: %w", err)
		}
		if oldValue.Valid {
			v := oldValue.String
			e.OldValue = &v
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata for %s: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (l *PostgresLedger) ListPending(ctx context.Context, limit int) ([]ReviewItem, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT id, change_log_id, entity_id, field, current_value,
			proposed_value, change_type, source, confidence, status, created_at
		FROM review_queue
		WHERE status = $1
		ORDER BY created_at ASC, id
		LIMIT $2`, ReviewStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list review queue: %w", err)
	}
	defer rows.Close()

	var out []ReviewItem
	for rows.Next() {
		var (
			r       ReviewItem
			current sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.ChangeLogID, &r.EntityID, &r.Field, &current, &r.ProposedValue,
			&r.ChangeType, &r.Source, &r.Confidence, &r.Status, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan review item: %w", err)
		}
		if current.Valid {
			v := current.String
			r.CurrentValue = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (l *PostgresLedger) Summarize(ctx context.Context, since time.Time) (*Summary, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT disposition, change_type, source, COUNT(*)
		FROM change_log
		WHERE created_at >= $1
		GROUP BY disposition, change_type, source`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize change log: %w", err)
	}
	defer rows.Close()

	s := NewSummary(since)
	for rows.Next() {
		var (
			d   Disposition
			ct  ChangeType
			src Source
			n   int
		)
		if err := rows.Scan(&d, &ct, &src, &n); err != nil {
			return nil, fmt.Errorf("failed to scan summary row: %w", err)
		}
		s.add(d, ct, src, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate summary rows: %w", err)
	}
	return s, nil
}

func NewSummary(since time.Time) *Summary {
	return &Summary{
		Since:         since,
		ByDisposition: map[Disposition]int{},
		ByChangeType:  map[ChangeType]int{},
		BySource:      map[Source]int{},
	}
}

func (s *Summary) add(d Disposition, ct ChangeType, src Source, n int) {
	s.Total += n
	s.ByDisposition[d] += n
	s.ByChangeType[ct] += n
	s.BySource[src] += n
}

// Add counts one entry.
func (s *Summary) Add(e Entry) {
	s.add(e.Disposition, e.ChangeType, e.Source, 1)
}
