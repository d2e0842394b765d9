package directory

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Entity is one synchronized restaurant location. ID never changes and
// LastVerifiedAt never moves backwards.
type Entity struct {
	ID                  string     `json:"id"`
	Name                string     `json:"name"`
	Slug                string     `json:"slug"`
	MallSlug            string     `json:"mall_slug,omitempty"`
	Description         string     `json:"description"`
	OpeningHours        string     `json:"opening_hours"`
	Cuisines            []string   `json:"cuisines"`
	PriceRange          string     `json:"price_range"`
	IsPermanentlyClosed bool       `json:"is_permanently_closed"`
	HeroImageRef        string     `json:"hero_image_ref"`
	Website             string     `json:"website"`
	Amenities           []string   `json:"amenities"`
	Recommendations     []string   `json:"recommendations"`
	Rating              *float64   `json:"rating,omitempty"`
	LastVerifiedAt      *time.Time `json:"last_verified_at,omitempty"`
	LastSyncSource      string     `json:"last_sync_source"`
	EnrichmentScore     float64    `json:"enrichment_score"`
	EnrichmentStatus    string     `json:"enrichment_status"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

type MenuItem struct {
	ID        string              `json:"id"`
	EntityID  string              `json:"entity_id"`
	Name      string              `json:"name"`
	Price     decimal.NullDecimal `json:"price"`
	ImageRef  string              `json:"image_ref"`
	CreatedAt time.Time           `json:"created_at"`
}

// Related summarizes the collections hanging off an entity.
type Related struct {
	MenuItems          int `json:"menu_items"`
	PricedMenuItems    int `json:"priced_menu_items"`
	MenuItemsWithImage int `json:"menu_items_with_image"`
	Reviews            int `json:"reviews"`
	LocationMappings   int `json:"location_mappings"`
	Promotions         int `json:"promotions"`
}

// Kind tells the change detector how to normalize and compare a field.
type Kind int

const (
	KindText Kind = iota
	KindList
	KindBool
	KindNumber
	// KindInsertion fields add a row to a child collection instead of
	// overwriting a column.
	KindInsertion
)

const (
	FieldName            = "name"
	FieldDescription     = "description"
	FieldOpeningHours    = "opening_hours"
	FieldCuisines        = "cuisines"
	FieldPriceRange      = "price_range"
	FieldClosed          = "is_permanently_closed"
	FieldHeroImage       = "hero_image_ref"
	FieldWebsite         = "website"
	FieldAmenities       = "amenities"
	FieldRecommendations = "recommendations"
	FieldRating          = "rating"
	FieldPromotions      = "promotions"
	FieldMenuItems       = "menu_items"
)

var fieldKinds = map[string]Kind{
	FieldName:            KindText,
	FieldDescription:     KindText,
	FieldOpeningHours:    KindText,
	FieldCuisines:        KindList,
	FieldPriceRange:      KindText,
	FieldClosed:          KindBool,
	FieldHeroImage:       KindText,
	FieldWebsite:         KindText,
	FieldAmenities:       KindList,
	FieldRecommendations: KindList,
	FieldRating:          KindNumber,
	FieldPromotions:      KindInsertion,
	FieldMenuItems:       KindInsertion,
}

func FieldKind(field string) (Kind, bool) {
	k, ok := fieldKinds[field]
	return k, ok
}

// FieldValue returns the stored value of a column-backed field in string
// form. Insertion fields have no single stored value and return false.
func (e *Entity) FieldValue(field string) (string, bool) {
	switch field {
	case FieldName:
		return e.Name, true
	case FieldDescription:
		return e.Description, true
	case FieldOpeningHours:
		return e.OpeningHours, true
	case FieldCuisines:
		return strings.Join(e.Cuisines, ","), true
	case FieldPriceRange:
		return e.PriceRange, true
	case FieldClosed:
		return strconv.FormatBool(e.IsPermanentlyClosed), true
	case FieldHeroImage:
		return e.HeroImageRef, true
	case FieldWebsite:
		return e.Website, true
	case FieldAmenities:
		return strings.Join(e.Amenities, ","), true
	case FieldRecommendations:
		return strings.Join(e.Recommendations, ","), true
	case FieldRating:
		if e.Rating == nil {
			return "", true
		}
		return strconv.FormatFloat(*e.Rating, 'f', -1, 64), true
	}
	return "", false
}

// SetField writes a normalized value onto the in-memory entity.
func (e *Entity) SetField(field, value string) error {
	switch field {
	case FieldName:
		e.Name = value
	case FieldDescription:
		e.Description = value
	case FieldOpeningHours:
		e.OpeningHours = value
	case FieldCuisines:
		e.Cuisines = SplitList(value)
	case FieldPriceRange:
		e.PriceRange = value
	case FieldClosed:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("field %s: %w", field, err)
		}
		e.IsPermanentlyClosed = b
	case FieldHeroImage:
		e.HeroImageRef = value
	case FieldWebsite:
		e.Website = value
	case FieldAmenities:
		e.Amenities = SplitList(value)
	case FieldRecommendations:
		e.Recommendations = SplitList(value)
	case FieldRating:
		if value == "" {
			e.Rating = nil
			return nil
		}
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("field %s: %w", field, err)
		}
		e.Rating = &f
	default:
		return fmt.Errorf("field %s is not column-backed", field)
	}
	return nil
}

// Verify advances LastVerifiedAt to at unless it already is later.
func (e *Entity) Verify(source string, at time.Time) {
	e.LastSyncSource = source
	if e.LastVerifiedAt == nil || at.After(*e.LastVerifiedAt) {
		t := at
		e.LastVerifiedAt = &t
	}
}

func SplitList(value string) []string {
	if strings.TrimSpace(value) == "" {
		return []string{}
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type Reader interface {
	Get(ctx context.Context, id string) (*Entity, error)
	GetBySlug(ctx context.Context, slug string) (*Entity, error)
	HasPromotion(ctx context.Context, entityID, title string) (bool, error)
	HasMenuItem(ctx context.Context, entityID, name string) (bool, error)
	Related(ctx context.Context, entityID string) (Related, error)
}

// Writer is the mutation surface used only by the change detector's apply path.
type Writer interface {
	ApplyField(ctx context.Context, id, field, value, source string, verifiedAt time.Time) error
	AddPromotion(ctx context.Context, entityID, title, source string, verifiedAt time.Time) error
	AddMenuItem(ctx context.Context, item MenuItem, source string, verifiedAt time.Time) error
	MarkVerified(ctx context.Context, id, source string, verifiedAt time.Time) error
}

type Lister interface {
	ListByMall(ctx context.Context, mallSlug string, limit int) ([]Entity, error)
	ListStale(ctx context.Context, before time.Time, limit int) ([]Entity, error)
	ListPage(ctx context.Context, afterID string, limit int) ([]Entity, error)
	ListByIDs(ctx context.Context, ids []string) ([]Entity, error)
	CountStale(ctx context.Context, before time.Time) (int, error)
}

type EnrichmentWriter interface {
	SetEnrichment(ctx context.Context, id string, score float64, status string) error
}

type Store interface {
	Reader
	Writer
	Lister
	EnrichmentWriter
}
