package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	pkgerrors "restosync/pkg/errors"
	"restosync/pkg/metrics"
)

const entityColumns = `
	id, name, slug, COALESCE(mall_slug, ''), description, opening_hours, cuisines, price_range,
	is_permanently_closed, hero_image_ref, website, amenities, recommendations, rating,
	last_verified_at, last_sync_source, enrichment_score, enrichment_status, created_at, updated_at`

var fieldColumns = map[string]string{
	FieldName:            "name",
	FieldDescription:     "description",
	FieldOpeningHours:    "opening_hours",
	FieldCuisines:        "cuisines",
	FieldPriceRange:      "price_range",
	FieldClosed:          "is_permanently_closed",
	FieldHeroImage:       "hero_image_ref",
	FieldWebsite:         "website",
	FieldAmenities:       "amenities",
	FieldRecommendations: "recommendations",
	FieldRating:          "rating",
}

type PostgresStore struct {
	db DBTX
}

func NewPostgresStore(db DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntity(row rowScanner) (*Entity, error) {
	var (
		e        Entity
		rating   sql.NullFloat64
		verified sql.NullTime
	)
	err := row.Scan(
		&e.ID, &e.Name, &e.Slug, &e.MallSlug, &e.Description, &e.OpeningHours,
		pq.Array(&e.Cuisines), &e.PriceRange, &e.IsPermanentlyClosed, &e.HeroImageRef,
		&e.Website, pq.Array(&e.Amenities), pq.Array(&e.Recommendations), &rating,
		&verified, &e.LastSyncSource, &e.EnrichmentScore, &e.EnrichmentStatus,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if rating.Valid {
		e.Rating = &rating.Float64
	}
	if verified.Valid {
		t := verified.Time
		e.LastVerifiedAt = &t
	}
	return &e, nil
}

func (s *PostgresStore) getOne(ctx context.Context, op, where, arg string) (e *Entity, err error) {
	defer func(start time.Time) { metrics.ObserveQuery("directory", op, start, err) }(time.Now())

	e, err = scanEntity(s.db.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrEntityNotFound.WithDetail("entity", arg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Entity, error) {
	return s.getOne(ctx, "get", "id = $1", id)
}

func (s *PostgresStore) GetBySlug(ctx context.Context, slug string) (*Entity, error) {
	return s.getOne(ctx, "get_by_slug", "slug = $1", slug)
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...interface{}) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("context cancelled: %w", err)
		}
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entities: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ListByMall(ctx context.Context, mallSlug string, limit int) ([]Entity, error) {
	return s.list(ctx, `SELECT `+entityColumns+` FROM entities
		WHERE mall_slug = $1 AND NOT is_permanently_closed
		ORDER BY last_verified_at ASC NULLS FIRST, id
		LIMIT $2`, mallSlug, limit)
}

// ListStale returns open entities never verified or verified before the cutoff, oldest first.
func (s *PostgresStore) ListStale(ctx context.Context, before time.Time, limit int) ([]Entity, error) {
	return s.list(ctx, `SELECT `+entityColumns+` FROM entities
		WHERE NOT is_permanently_closed AND (last_verified_at IS NULL OR last_verified_at < $1)
		ORDER BY last_verified_at ASC NULLS FIRST, id
		LIMIT $2`, before, limit)
}

func (s *PostgresStore) ListPage(ctx context.Context, afterID string, limit int) ([]Entity, error) {
	return s.list(ctx, `SELECT `+entityColumns+` FROM entities
		WHERE id > $1
		ORDER BY id
		LIMIT $2`, afterID, limit)
}

func (s *PostgresStore) ListByIDs(ctx context.Context, ids []string) ([]Entity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.list(ctx, `SELECT `+entityColumns+` FROM entities
		WHERE id = ANY($1)
		ORDER BY id`, pq.Array(ids))
}

func (s *PostgresStore) CountStale(ctx context.Context, before time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities
		WHERE NOT is_permanently_closed AND (last_verified_at IS NULL OR last_verified_at < $1)`, before).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count stale entities: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) exists(ctx context.Context, query string, args ...interface{}) (bool, error) {
	var ok bool
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&ok); err != nil {
		return false, fmt.Errorf("failed to check existence: %w", err)
	}
	return ok, nil
}

func (s *PostgresStore) HasPromotion(ctx context.Context, entityID, title string) (bool, error) {
	return s.exists(ctx, `SELECT EXISTS (
		SELECT 1 FROM promotions WHERE entity_id = $1 AND LOWER(title) = LOWER($2))`, entityID, title)
}

func (s *PostgresStore) HasMenuItem(ctx context.Context, entityID, name string) (bool, error) {
	return s.exists(ctx, `SELECT EXISTS (
		SELECT 1 FROM menu_items WHERE entity_id = $1 AND LOWER(name) = LOWER($2))`, entityID, name)
}

func (s *PostgresStore) Related(ctx context.Context, entityID string) (Related, error) {
	var r Related
	err := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM menu_items WHERE entity_id = $1),
		(SELECT COUNT(*) FROM menu_items WHERE entity_id = $1 AND price IS NOT NULL),
		(SELECT COUNT(*) FROM menu_items WHERE entity_id = $1 AND image_ref <> ''),
		(SELECT COUNT(*) FROM reviews WHERE entity_id = $1),
		(SELECT COUNT(*) FROM location_mappings WHERE entity_id = $1),
		(SELECT COUNT(*) FROM promotions WHERE entity_id = $1)`, entityID,
	).Scan(&r.MenuItems, &r.PricedMenuItems, &r.MenuItemsWithImage, &r.Reviews, &r.LocationMappings, &r.Promotions)
	if err != nil {
		return Related{}, fmt.Errorf("failed to load related counts: %w", err)
	}
	return r, nil
}

func columnArg(field, value string) (string, interface{}, error) {
	column, ok := fieldColumns[field]
	if !ok {
		return "", nil, fmt.Errorf("field %s is not column-backed", field)
	}
	switch fieldKinds[field] {
	case KindList:
		return column, pq.Array(SplitList(value)), nil
	case KindBool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return "", nil, err
		}
		return column, b, nil
	case KindNumber:
		if value == "" {
			return column, nil, nil
		}
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return "", nil, err
		}
		return column, f, nil
	}
	return column, value, nil
}

func (s *PostgresStore) execOne(ctx context.Context, op, id, query string, args ...interface{}) (err error) {
	defer func(start time.Time) { metrics.ObserveQuery("directory", op, start, err) }(time.Now())

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return pkgerrors.ErrPersistenceFailure.WithCause(err).WithDetail("operation", op)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return pkgerrors.ErrPersistenceFailure.WithCause(err).WithDetail("operation", op)
	}
	if n == 0 {
		return pkgerrors.ErrEntityNotFound.WithDetail("entity", id)
	}
	return nil
}

// ApplyField overwrites one column and advances last_verified_at. GREATEST
// ignores NULL so a first verification simply takes verifiedAt.
func (s *PostgresStore) ApplyField(ctx context.Context, id, field, value, source string, verifiedAt time.Time) error {
	column, arg, err := columnArg(field, value)
	if err != nil {
		return pkgerrors.ErrInvalidCandidate.WithCause(err).WithDetail("field", field)
	}
	return s.execOne(ctx, "apply_field", id, `UPDATE entities SET `+column+` = $1,
		last_sync_source = $2,
		last_verified_at = GREATEST(last_verified_at, $3),
		updated_at = NOW()
		WHERE id = $4`, arg, source, verifiedAt, id)
}

func (s *PostgresStore) MarkVerified(ctx context.Context, id, source string, verifiedAt time.Time) error {
	return s.execOne(ctx, "mark_verified", id, `UPDATE entities SET
		last_sync_source = $1,
		last_verified_at = GREATEST(last_verified_at, $2),
		updated_at = NOW()
		WHERE id = $3`, source, verifiedAt, id)
}

func (s *PostgresStore) AddPromotion(ctx context.Context, entityID, title, source string, verifiedAt time.Time) error {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO promotions (id, entity_id, title, created_at)
		VALUES ($1, $2, $3, $4)`, uuid.New().String(), entityID, title, verifiedAt); err != nil {
		return pkgerrors.ErrPersistenceFailure.WithCause(err).WithDetail("operation", "add_promotion")
	}
	return s.MarkVerified(ctx, entityID, source, verifiedAt)
}

func (s *PostgresStore) AddMenuItem(ctx context.Context, item MenuItem, source string, verifiedAt time.Time) error {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO menu_items (id, entity_id, name, price, image_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		item.ID, item.EntityID, item.Name, item.Price, item.ImageRef, verifiedAt); err != nil {
		return pkgerrors.ErrPersistenceFailure.WithCause(err).WithDetail("operation", "add_menu_item")
	}
	return s.MarkVerified(ctx, item.EntityID, source, verifiedAt)
}

// SetEnrichment caches a derived profile on the row. It does not touch
// updated_at since the profile is not entity data.
func (s *PostgresStore) SetEnrichment(ctx context.Context, id string, score float64, status string) error {
	return s.execOne(ctx, "set_enrichment", id,
		`UPDATE entities SET enrichment_score = $1, enrichment_status = $2 WHERE id = $3`, score, status, id)
}

// Create inserts a new entity. Used by imports and tests; entity rows are
// never deleted.
func (s *PostgresStore) Create(ctx context.Context, e *Entity) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now
	if e.EnrichmentStatus == "" {
		e.EnrichmentStatus = "minimal"
	}

	var mall interface{}
	if e.MallSlug != "" {
		mall = e.MallSlug
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO entities (
			id, name, slug, mall_slug, description, opening_hours, cuisines, price_range,
			is_permanently_closed, hero_image_ref, website, amenities, recommendations, rating,
			last_verified_at, last_sync_source, enrichment_score, enrichment_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		e.ID, e.Name, e.Slug, mall, e.Description, e.OpeningHours, pq.Array(nonNil(e.Cuisines)), e.PriceRange,
		e.IsPermanentlyClosed, e.HeroImageRef, e.Website, pq.Array(nonNil(e.Amenities)),
		pq.Array(nonNil(e.Recommendations)), e.Rating, e.LastVerifiedAt, e.LastSyncSource,
		e.EnrichmentScore, e.EnrichmentStatus, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return pkgerrors.ErrConflict.WithCause(err).WithDetail("message", fmt.Sprintf("entity with slug '%s' already exists", e.Slug))
		}
		return pkgerrors.ErrPersistenceFailure.WithCause(err).WithDetail("operation", "create")
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
