package enrichment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"restosync/internal/directory"
	"restosync/internal/logger"
	"restosync/pkg/metrics"
)

const (
	StatusMinimal  = "minimal"
	StatusPartial  = "partial"
	StatusComplete = "complete"
)

// Thresholds in hundredths.
const (
	completeAt = 75
	partialAt  = 40
)

// Checklist records which weighted items an entity satisfies.
type Checklist struct {
	Name            bool `json:"name"`
	Description     bool `json:"description"`
	Cuisines        bool `json:"cuisines"`
	Website         bool `json:"website"`
	HeroImage       bool `json:"hero_image"`
	Amenities       bool `json:"amenities"`
	Recommendations bool `json:"recommendations"`
	MenuItem        bool `json:"menu_item"`
	PricedMenuItem  bool `json:"priced_menu_item"`
	MenuItemImage   bool `json:"menu_item_image"`
	LocationMapping bool `json:"location_mapping"`
	Review          bool `json:"review"`
}

type item struct {
	name   string
	weight int
	met    func(c Checklist) bool
}

// checklistWeights sum to 100.
var checklistWeights = []item{
	{"name", 5, func(c Checklist) bool { return c.Name }},
	{"description", 10, func(c Checklist) bool { return c.Description }},
	{"cuisines", 5, func(c Checklist) bool { return c.Cuisines }},
	{"website", 5, func(c Checklist) bool { return c.Website }},
	{"hero_image", 5, func(c Checklist) bool { return c.HeroImage }},
	{"amenities", 10, func(c Checklist) bool { return c.Amenities }},
	{"recommendations", 10, func(c Checklist) bool { return c.Recommendations }},
	{"menu_item", 20, func(c Checklist) bool { return c.MenuItem }},
	{"priced_menu_item", 10, func(c Checklist) bool { return c.PricedMenuItem }},
	{"menu_item_image", 10, func(c Checklist) bool { return c.MenuItemImage }},
	{"location_mapping", 5, func(c Checklist) bool { return c.LocationMapping }},
	{"review", 5, func(c Checklist) bool { return c.Review }},
}

type Profile struct {
	EntityID  string    `json:"entity_id"`
	Score     float64   `json:"score"`
	Status    string    `json:"status"`
	Checklist Checklist `json:"checklist"`
	Missing   []string  `json:"missing"`
}

func present(s string) bool {
	return strings.TrimSpace(s) != ""
}

func nonEmpty(list []string) bool {
	for _, s := range list {
		if present(s) {
			return true
		}
	}
	return false
}

// Compute derives a profile from stored state alone. It is deterministic:
// the score is summed in integer hundredths.
func Compute(e *directory.Entity, r directory.Related) Profile {
	c := Checklist{
		Name:            present(e.Name),
		Description:     present(e.Description),
		Cuisines:        nonEmpty(e.Cuisines),
		Website:         present(e.Website),
		HeroImage:       present(e.HeroImageRef),
		Amenities:       nonEmpty(e.Amenities),
		Recommendations: nonEmpty(e.Recommendations),
		MenuItem:        r.MenuItems > 0,
		PricedMenuItem:  r.PricedMenuItems > 0,
		MenuItemImage:   r.MenuItemsWithImage > 0,
		LocationMapping: r.LocationMappings > 0,
		Review:          r.Reviews > 0,
	}

	hundredths := 0
	missing := []string{}
	for _, it := range checklistWeights {
		if it.met(c) {
			hundredths += it.weight
		} else {
			missing = append(missing, it.name)
		}
	}

	return Profile{
		EntityID:  e.ID,
		Score:     float64(hundredths) / 100,
		Status:    statusFor(hundredths),
		Checklist: c,
		Missing:   missing,
	}
}

func statusFor(hundredths int) string {
	switch {
	case hundredths >= completeAt:
		return StatusComplete
	case hundredths >= partialAt:
		return StatusPartial
	}
	return StatusMinimal
}

type Store interface {
	directory.Reader
	directory.EnrichmentWriter
	ListPage(ctx context.Context, afterID string, limit int) ([]directory.Entity, error)
}

type Scorer struct {
	store  Store
	logger logger.Logger
}

func NewScorer(store Store, log logger.Logger) *Scorer {
	return &Scorer{store: store, logger: log}
}

// Profile computes the current profile without caching it.
func (s *Scorer) Profile(ctx context.Context, entityID string) (*Profile, error) {
	e, err := s.store.Get(ctx, entityID)
	if err != nil {
		return nil, err
	}
	return s.profileOf(ctx, e)
}

func (s *Scorer) profileOf(ctx context.Context, e *directory.Entity) (*Profile, error) {
	r, err := s.store.Related(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	p := Compute(e, r)
	return &p, nil
}

// Recompute derives the profile and caches score and status on the entity row.
func (s *Scorer) Recompute(ctx context.Context, entityID string) (*Profile, error) {
	e, err := s.store.Get(ctx, entityID)
	if err != nil {
		metrics.EnrichmentRecomputesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	return s.recompute(ctx, e)
}

func (s *Scorer) recompute(ctx context.Context, e *directory.Entity) (*Profile, error) {
	p, err := s.profileOf(ctx, e)
	if err == nil && (p.Score != e.EnrichmentScore || p.Status != e.EnrichmentStatus) {
		err = s.store.SetEnrichment(ctx, e.ID, p.Score, p.Status)
	}
	if err != nil {
		metrics.EnrichmentRecomputesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to recompute enrichment for %s: %w", e.ID, err)
	}
	metrics.ObserveEnrichment(p.Status, p.Score)
	return p, nil
}

type RecomputeStats struct {
	Processed int            `json:"processed"`
	Failed    int            `json:"failed"`
	ByStatus  map[string]int `json:"by_status"`
	Duration  string         `json:"duration"`
}

func newStats() *RecomputeStats {
	return &RecomputeStats{ByStatus: map[string]int{}}
}

func (st *RecomputeStats) record(p *Profile, err error) {
	st.Processed++
	if err != nil {
		st.Failed++
		return
	}
	st.ByStatus[p.Status]++
}

// RecomputeMany recomputes the given entities, logging and counting
// individual failures.
func (s *Scorer) RecomputeMany(ctx context.Context, ids []string) *RecomputeStats {
	start := time.Now()
	st := newStats()
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		p, err := s.Recompute(ctx, id)
		if err != nil {
			s.logger.WarnwCtx(ctx, "Enrichment recompute failed", "entity_id", id, "error", err)
		}
		st.record(p, err)
	}
	st.Duration = time.Since(start).String()
	return st
}

// RecomputeAll pages through every entity in id order.
func (s *Scorer) RecomputeAll(ctx context.Context, batchSize int) (*RecomputeStats, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	start := time.Now()
	st := newStats()

	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		page, err := s.store.ListPage(ctx, after, batchSize)
		if err != nil {
			return st, fmt.Errorf("failed to list entities after %q: %w", after, err)
		}
		for i := range page {
			p, err := s.recompute(ctx, &page[i])
			if err != nil {
				s.logger.WarnwCtx(ctx, "Enrichment recompute failed", "entity_id", page[i].ID, "error", err)
			}
			st.record(p, err)
		}
		if len(page) < batchSize {
			break
		}
		after = page[len(page)-1].ID
	}

	st.Duration = time.Since(start).String()
	s.logger.Infow("Enrichment recompute finished",
		"processed", st.Processed,
		"failed", st.Failed,
		"duration", st.Duration,
	)
	return st, nil
}
