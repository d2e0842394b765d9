// Package storetest provides an in-memory entity store and change ledger for
// unit tests of the packages built on top of them.
package storetest

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"restosync/internal/changelog"
	"restosync/internal/directory"
	pkgerrors "restosync/pkg/errors"
)

// Memory implements directory.Store, changelog.Writer and changelog.Reader,
// and offers Do with the same all-or-nothing semantics as the SQL unit of work.
type Memory struct {
	mu        sync.Mutex
	txMu      sync.Mutex
	entities  map[string]*directory.Entity
	menu      map[string][]directory.MenuItem
	promos    map[string][]string
	reviews   map[string]int
	locations map[string]int
	entries   []changelog.Entry
	queue     []changelog.ReviewItem

	// failures maps an operation name to the error it returns next.
	failures map[string]error
}

func NewMemory() *Memory {
	return &Memory{
		entities:  map[string]*directory.Entity{},
		menu:      map[string][]directory.MenuItem{},
		promos:    map[string][]string{},
		reviews:   map[string]int{},
		locations: map[string]int{},
		failures:  map[string]error{},
	}
}

// Put inserts or replaces an entity. A missing ID gets a fresh uuid.
func (m *Memory) Put(e directory.Entity) *directory.Entity {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Slug == "" {
		e.Slug = e.ID
	}
	cp := cloneEntity(&e)
	m.entities[e.ID] = cp
	return cloneEntity(cp)
}

func (m *Memory) AddReview(entityID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reviews[entityID]++
}

func (m *Memory) AddLocationMapping(entityID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locations[entityID]++
}

// FailNext makes the next call of op return err. Ops are named after the
// Postgres store operations: apply_field, mark_verified, add_promotion,
// add_menu_item, set_enrichment, append, get.
func (m *Memory) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = err
}

func (m *Memory) takeFailure(op string) error {
	if err, ok := m.failures[op]; ok {
		delete(m.failures, op)
		return err
	}
	return nil
}

// Entries returns a copy of every recorded change log entry in append order.
func (m *Memory) Entries() []changelog.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]changelog.Entry(nil), m.entries...)
}

func (m *Memory) ReviewQueue() []changelog.ReviewItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]changelog.ReviewItem(nil), m.queue...)
}

func (m *Memory) MenuItems(entityID string) []directory.MenuItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]directory.MenuItem(nil), m.menu[entityID]...)
}

func (m *Memory) Promotions(entityID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.promos[entityID]...)
}

// Do runs fn and rolls every mutation back if it returns an error.
func (m *Memory) Do(ctx context.Context, fn func(entities directory.Writer, ledger changelog.Writer) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	snap := m.snapshot()
	if err := fn(m, m); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type snapshot struct {
	entities map[string]*directory.Entity
	menu     map[string][]directory.MenuItem
	promos   map[string][]string
	entries  int
	queue    int
}

func (m *Memory) snapshot() snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := snapshot{
		entities: make(map[string]*directory.Entity, len(m.entities)),
		menu:     make(map[string][]directory.MenuItem, len(m.menu)),
		promos:   make(map[string][]string, len(m.promos)),
		entries:  len(m.entries),
		queue:    len(m.queue),
	}
	for id, e := range m.entities {
		s.entities[id] = cloneEntity(e)
	}
	for id, items := range m.menu {
		s.menu[id] = append([]directory.MenuItem(nil), items...)
	}
	for id, p := range m.promos {
		s.promos[id] = append([]string(nil), p...)
	}
	return s
}

func (m *Memory) restore(s snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities, m.menu, m.promos = s.entities, s.menu, s.promos
	m.entries = m.entries[:s.entries]
	m.queue = m.queue[:s.queue]
}

func cloneEntity(e *directory.Entity) *directory.Entity {
	cp := *e
	cp.Cuisines = append([]string(nil), e.Cuisines...)
	cp.Amenities = append([]string(nil), e.Amenities...)
	cp.Recommendations = append([]string(nil), e.Recommendations...)
	if e.Rating != nil {
		r := *e.Rating
		cp.Rating = &r
	}
	if e.LastVerifiedAt != nil {
		t := *e.LastVerifiedAt
		cp.LastVerifiedAt = &t
	}
	return &cp
}

func notFound(ref string) error {
	return pkgerrors.ErrEntityNotFound.WithDetail("entity", ref)
}

func (m *Memory) Get(_ context.Context, id string) (*directory.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("get"); err != nil {
		return nil, err
	}
	e, ok := m.entities[id]
	if !ok {
		return nil, notFound(id)
	}
	return cloneEntity(e), nil
}

func (m *Memory) GetBySlug(_ context.Context, slug string) (*directory.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entities {
		if e.Slug == slug {
			return cloneEntity(e), nil
		}
	}
	return nil, notFound(slug)
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

func (m *Memory) HasPromotion(_ context.Context, entityID, title string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return containsFold(m.promos[entityID], title), nil
}

func (m *Memory) HasMenuItem(_ context.Context, entityID, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range m.menu[entityID] {
		if strings.EqualFold(item.Name, name) {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) Related(_ context.Context, entityID string) (directory.Related, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := directory.Related{
		MenuItems:        len(m.menu[entityID]),
		Reviews:          m.reviews[entityID],
		LocationMappings: m.locations[entityID],
		Promotions:       len(m.promos[entityID]),
	}
	for _, item := range m.menu[entityID] {
		if item.Price.Valid {
			r.PricedMenuItems++
		}
		if item.ImageRef != "" {
			r.MenuItemsWithImage++
		}
	}
	return r, nil
}

func (m *Memory) ApplyField(_ context.Context, id, field, value, source string, verifiedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("apply_field"); err != nil {
		return err
	}
	e, ok := m.entities[id]
	if !ok {
		return notFound(id)
	}
	if err := e.SetField(field, value); err != nil {
		return pkgerrors.ErrInvalidCandidate.WithCause(err).WithDetail("field", field)
	}
	e.Verify(source, verifiedAt)
	e.UpdatedAt = verifiedAt
	return nil
}

func (m *Memory) MarkVerified(_ context.Context, id, source string, verifiedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("mark_verified"); err != nil {
		return err
	}
	return m.markVerifiedLocked(id, source, verifiedAt)
}

func (m *Memory) markVerifiedLocked(id, source string, verifiedAt time.Time) error {
	e, ok := m.entities[id]
	if !ok {
		return notFound(id)
	}
	e.Verify(source, verifiedAt)
	return nil
}

func (m *Memory) AddPromotion(_ context.Context, entityID, title, source string, verifiedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("add_promotion"); err != nil {
		return err
	}
	if _, ok := m.entities[entityID]; !ok {
		return notFound(entityID)
	}
	m.promos[entityID] = append(m.promos[entityID], title)
	return m.markVerifiedLocked(entityID, source, verifiedAt)
}

func (m *Memory) AddMenuItem(_ context.Context, item directory.MenuItem, source string, verifiedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("add_menu_item"); err != nil {
		return err
	}
	if _, ok := m.entities[item.EntityID]; !ok {
		return notFound(item.EntityID)
	}
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	item.CreatedAt = verifiedAt
	m.menu[item.EntityID] = append(m.menu[item.EntityID], item)
	return m.markVerifiedLocked(item.EntityID, source, verifiedAt)
}

func (m *Memory) SetEnrichment(_ context.Context, id string, score float64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("set_enrichment"); err != nil {
		return err
	}
	e, ok := m.entities[id]
	if !ok {
		return notFound(id)
	}
	e.EnrichmentScore, e.EnrichmentStatus = score, status
	return nil
}

func (m *Memory) sorted(keep func(*directory.Entity) bool) []directory.Entity {
	var out []directory.Entity
	for _, e := range m.entities {
		if keep(e) {
			out = append(out, *cloneEntity(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func limitTo(list []directory.Entity, limit int) []directory.Entity {
	if limit > 0 && len(list) > limit {
		return list[:limit]
	}
	return list
}

func isStale(e *directory.Entity, before time.Time) bool {
	return !e.IsPermanentlyClosed && (e.LastVerifiedAt == nil || e.LastVerifiedAt.Before(before))
}

// oldestFirst orders never-verified entities before verified ones.
func oldestFirst(list []directory.Entity) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i].LastVerifiedAt, list[j].LastVerifiedAt
		switch {
		case a == nil:
			return b != nil
		case b == nil:
			return false
		}
		return a.Before(*b)
	})
}

func (m *Memory) ListByMall(_ context.Context, mallSlug string, limit int) ([]directory.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sorted(func(e *directory.Entity) bool { return e.MallSlug == mallSlug && !e.IsPermanentlyClosed })
	oldestFirst(out)
	return limitTo(out, limit), nil
}

func (m *Memory) ListStale(_ context.Context, before time.Time, limit int) ([]directory.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sorted(func(e *directory.Entity) bool { return isStale(e, before) })
	oldestFirst(out)
	return limitTo(out, limit), nil
}

func (m *Memory) ListPage(_ context.Context, afterID string, limit int) ([]directory.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sorted(func(e *directory.Entity) bool { return e.ID > afterID })
	return limitTo(out, limit), nil
}

func (m *Memory) ListByIDs(_ context.Context, ids []string) ([]directory.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	return m.sorted(func(e *directory.Entity) bool { return want[e.ID] }), nil
}

func (m *Memory) CountStale(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entities {
		if isStale(e, before) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Append(_ context.Context, e *changelog.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("append"); err != nil {
		return err
	}
	if _, ok := m.entities[e.EntityID]; !ok {
		return pkgerrors.ErrPersistenceFailure.WithCause(errors.New("change_log entity_id foreign key violation"))
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	m.entries = append(m.entries, *e)
	if e.Disposition == changelog.DispositionQueuedForReview {
		r := changelog.NewReviewItem(e)
		r.ID = uuid.New().String()
		m.queue = append(m.queue, *r)
	}
	return nil
}

func (m *Memory) ListByEntity(_ context.Context, entityID string, limit int) ([]changelog.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []changelog.Entry
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].EntityID == entityID {
			out = append(out, m.entries[i])
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) ListPending(_ context.Context, limit int) ([]changelog.ReviewItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]changelog.ReviewItem(nil), m.queue...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Summarize(_ context.Context, since time.Time) (*changelog.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := changelog.NewSummary(since)
	for _, e := range m.entries {
		if !e.CreatedAt.Before(since) {
			s.Add(e)
		}
	}
	return s, nil
}
