package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"restosync/internal/directory"
	pkgerrors "restosync/pkg/errors"
	"restosync/pkg/metrics"
)

type PostgresRunStore struct {
	db directory.DBTX
}

func NewPostgresRunStore(db directory.DBTX) *PostgresRunStore {
	return &PostgresRunStore{db: db}
}

const runColumns = `id, trigger_type, scope, requested, processed, updated, created, unchanged,
	failed, closures, status, errors, started_at, completed_at`

func (s *PostgresRunStore) Create(ctx context.Context, r *Run) (err error) {
	defer func(start time.Time) { metrics.ObserveQuery("sync_runs", "create", start, err) }(time.Now())

	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	errs, err := json.Marshal(nonNilErrors(r.Errors))
	if err != nil {
		return fmt.Errorf("failed to marshal run errors: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO sync_runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		r.ID, string(r.TriggerType), r.Scope, r.Requested, r.Processed, r.Updated, r.Created, r.Unchanged,
		r.Failed, r.Closures, string(r.Status), errs, r.StartedAt, r.CompletedAt,
	)
	if err != nil {
		return pkgerrors.ErrPersistenceFailure.WithCause(err).WithDetail("operation", "create_run")
	}
	return nil
}

func (s *PostgresRunStore) Update(ctx context.Context, r *Run) (err error) {
	defer func(start time.Time) { metrics.ObserveQuery("sync_runs", "update", start, err) }(time.Now())

	errs, err := json.Marshal(nonNilErrors(r.Errors))
	if err != nil {
		return fmt.Errorf("failed to marshal run errors: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE sync_runs SET
			requested = $1, processed = $2, updated = $3, created = $4, unchanged = $5,
			failed = $6, closures = $7, status = $8, errors = $9, completed_at = $10
		WHERE id = $11`,
		r.Requested, r.Processed, r.Updated, r.Created, r.Unchanged,
		r.Failed, r.Closures, string(r.Status), errs, r.CompletedAt, r.ID,
	)
	if err != nil {
		return pkgerrors.ErrPersistenceFailure.WithCause(err).WithDetail("operation", "update_run")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return pkgerrors.ErrNotFound.WithDetail("run", r.ID)
	}
	return nil
}

func nonNilErrors(errs []string) []string {
	if errs == nil {
		return []string{}
	}
	return errs
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		r         Run
		errs      []byte
		completed sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.TriggerType, &r.Scope, &r.Requested, &r.Processed, &r.Updated, &r.Created,
		&r.Unchanged, &r.Failed, &r.Closures, &r.Status, &errs, &r.StartedAt, &completed); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(errs, &r.Errors); err != nil {
		return nil, fmt.Errorf("failed to decode run errors: %w", err)
	}
	if completed.Valid {
		t := completed.Time
		r.CompletedAt = &t
	}
	return &r, nil
}

func (s *PostgresRunStore) Get(ctx context.Context, id string) (*Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM sync_runs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrNotFound.WithDetail("run", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return r, nil
}

func (s *PostgresRunStore) Recent(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM sync_runs
		ORDER BY started_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *PostgresRunStore) Stats(ctx context.Context, since time.Time) (*RunStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*),
			COALESCE(SUM(processed), 0), COALESCE(SUM(updated), 0),
			COALESCE(SUM(failed), 0), COALESCE(SUM(closures), 0)
		FROM sync_runs
		WHERE started_at >= $1
		GROUP BY status`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate runs: %w", err)
	}
	defer rows.Close()

	st := &RunStats{Since: since, ByStatus: map[Status]int{}}
	for rows.Next() {
		var (
			status                                  Status
			n, processed, updated, failed, closures int
		)
		if err := rows.Scan(&status, &n, &processed, &updated, &failed, &closures); err != nil {
			return nil, fmt.Errorf("failed to scan run stats: %w", err)
		}
		st.ByStatus[status] = n
		st.Runs += n
		st.Processed += processed
		st.Updated += updated
		st.Failed += failed
		st.Closures += closures
	}
	return st, rows.Err()
}
