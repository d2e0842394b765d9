package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"restosync/internal/directory"
	pkgerrors "restosync/pkg/errors"
	"restosync/pkg/metrics"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
)

// Ingestion is the audit row kept for every authenticated webhook request.
type Ingestion struct {
	ID          string     `json:"id"`
	Source      string     `json:"source"`
	Event       EventType  `json:"event"`
	EntityRef   string     `json:"entity_ref"`
	Status      Status     `json:"status"`
	Processed   int        `json:"processed"`
	Updated     int        `json:"updated"`
	Errors      []string   `json:"errors"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Stats counts ingestions started since Since by terminal status.
type Stats struct {
	Since     time.Time      `json:"since"`
	Total     int            `json:"total"`
	ByStatus  map[Status]int `json:"by_status"`
	Processed int            `json:"processed"`
	Updated   int            `json:"updated"`
}

type IngestionStore interface {
	Create(ctx context.Context, in *Ingestion) error
	Update(ctx context.Context, in *Ingestion) error
	Stats(ctx context.Context, since time.Time) (*Stats, error)
}

type PostgresIngestionStore struct {
	db directory.DBTX
}

func NewPostgresIngestionStore(db directory.DBTX) *PostgresIngestionStore {
	return &PostgresIngestionStore{db: db}
}

func marshalErrors(errs []string) ([]byte, error) {
	if errs == nil {
		errs = []string{}
	}
	b, err := json.Marshal(errs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ingestion errors: %w", err)
	}
	return b, nil
}

func (s *PostgresIngestionStore) Create(ctx context.Context, in *Ingestion) (err error) {
	defer func(start time.Time) { metrics.ObserveQuery("webhook_ingestions", "create", start, err) }(time.Now())

	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	errs, err := marshalErrors(in.Errors)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO webhook_ingestions
			(id, source, event, entity_ref, status, processed, updated, errors, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		in.ID, in.Source, string(in.Event), in.EntityRef, string(in.Status),
		in.Processed, in.Updated, errs, in.StartedAt, in.CompletedAt,
	)
	if err != nil {
		return pkgerrors.ErrPersistenceFailure.WithCause(err).WithDetail("operation", "create_ingestion")
	}
	return nil
}

func (s *PostgresIngestionStore) Update(ctx context.Context, in *Ingestion) (err error) {
	defer func(start time.Time) { metrics.ObserveQuery("webhook_ingestions", "update", start, err) }(time.Now())

	errs, err := marshalErrors(in.Errors)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE webhook_ingestions SET
			entity_ref = $1, status = $2, processed = $3, updated = $4, errors = $5, completed_at = $6
		WHERE id = $7`,
		in.EntityRef, string(in.Status), in.Processed, in.Updated, errs, in.CompletedAt, in.ID,
	)
	if err != nil {
		return pkgerrors.ErrPersistenceFailure.WithCause(err).WithDetail("operation", "update_ingestion")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return pkgerrors.ErrNotFound.WithDetail("ingestion", in.ID)
	}
	return nil
}

func (s *PostgresIngestionStore) Stats(ctx context.Context, since time.Time) (*Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*),
			COALESCE(SUM(processed), 0), COALESCE(SUM(updated), 0)
		FROM webhook_ingestions
		WHERE started_at >= $1 AND status <> 'running'
		GROUP BY status`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate ingestions: %w", err)
	}
	defer rows.Close()

	st := &Stats{Since: since, ByStatus: map[Status]int{}}
	for rows.Next() {
		var (
			status                Status
			n, processed, updated int
		)
		if err := rows.Scan(&status, &n, &processed, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan ingestion stats: %w", err)
		}
		st.ByStatus[status] = n
		st.Total += n
		st.Processed += processed
		st.Updated += updated
	}
	return st, rows.Err()
}
