package webhook

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"restosync/internal/changelog"
	"restosync/internal/detector"
	"restosync/internal/directory"
	pkgerrors "restosync/pkg/errors"
)

// Event is the normalized form of a payload. Each variant carries only what
// its event type needs.
type Event interface {
	Type() EventType
}

// Target names the entity an event is about.
type Target struct {
	EntityID   string
	EntitySlug string
}

func (t Target) Ref() string {
	if t.EntityID != "" {
		return t.EntityID
	}
	return t.EntitySlug
}

type UpdateEvent struct {
	Target
	Fields     map[string]string
	Confidence float64
}

type ClosureEvent struct {
	Target
	Confidence float64
}

type MenuItemChange struct {
	Name     string
	Price    interface{}
	ImageRef string
}

type MenuUpdateEvent struct {
	Target
	Items      []MenuItemChange
	Confidence float64
}

type HoursUpdateEvent struct {
	Target
	Hours      string
	Confidence float64
}

type PromotionEvent struct {
	Target
	Titles     []string
	Confidence float64
}

type BulkSyncEvent struct {
	Updates []UpdateEvent
	// Refresh lists entities sent without changes.
	Refresh []Target
}

func (UpdateEvent) Type() EventType      { return EventUpdate }
func (ClosureEvent) Type() EventType     { return EventClosure }
func (MenuUpdateEvent) Type() EventType  { return EventMenuUpdate }
func (HoursUpdateEvent) Type() EventType { return EventHoursUpdate }
func (PromotionEvent) Type() EventType   { return EventNewPromotion }
func (BulkSyncEvent) Type() EventType    { return EventBulkSync }

// Default confidence when the sender does not state one. Unattended and
// scraped sources stay below the auto-apply threshold.
var defaultConfidence = map[changelog.Source]float64{
	changelog.SourceSystemInternal:    1.0,
	changelog.SourceAPIManual:         0.95,
	changelog.SourceOwnerPortal:       0.9,
	changelog.SourceScheduledRefresh:  0.9,
	changelog.SourceWebhookAutomation: 0.8,
	changelog.SourceScrapedSignal:     0.5,
}

// camelCase keys senders use for column-backed fields.
var fieldAliases = map[string]string{
	"openingHours":        directory.FieldOpeningHours,
	"hours":               directory.FieldOpeningHours,
	"isPermanentlyClosed": directory.FieldClosed,
	"heroImageRef":        directory.FieldHeroImage,
	"heroImage":           directory.FieldHeroImage,
	"priceRange":          directory.FieldPriceRange,
	"menuItems":           directory.FieldMenuItems,
}

func canonicalField(key string) string {
	if f, ok := fieldAliases[key]; ok {
		return f
	}
	return key
}

func confidenceOf(explicit *float64, source changelog.Source) float64 {
	if explicit != nil {
		return *explicit
	}
	return defaultConfidence[source]
}

// Normalize maps a validated payload to its event variant.
func Normalize(p *Payload) (Event, error) {
	d := p.Data
	target := Target{EntityID: d.EntityID, EntitySlug: d.EntitySlug}
	conf := confidenceOf(d.Confidence, p.Source)

	switch p.Event {
	case EventUpdate:
		fields, err := stringFields(d.Changes)
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			return nil, pkgerrors.ErrInvalidRequest.WithDetail("message", "update requires data.changes")
		}
		return UpdateEvent{Target: target, Fields: fields, Confidence: conf}, nil

	case EventClosure:
		// Whatever the caller put in changes, a closure is exactly one flag.
		return ClosureEvent{Target: target, Confidence: conf}, nil

	case EventMenuUpdate:
		items, err := menuItems(d.Changes)
		if err != nil {
			return nil, err
		}
		return MenuUpdateEvent{Target: target, Items: items, Confidence: conf}, nil

	case EventHoursUpdate:
		fields, err := stringFields(d.Changes)
		if err != nil {
			return nil, err
		}
		hours, ok := fields[directory.FieldOpeningHours]
		if !ok {
			return nil, pkgerrors.ErrInvalidRequest.WithDetail("message", "hours_update requires changes.opening_hours")
		}
		return HoursUpdateEvent{Target: target, Hours: hours, Confidence: conf}, nil

	case EventNewPromotion:
		titles := promotionTitles(d.Changes)
		if len(titles) == 0 {
			return nil, pkgerrors.ErrInvalidRequest.WithDetail("message", "new_promotion requires changes.title or changes.promotions")
		}
		return PromotionEvent{Target: target, Titles: titles, Confidence: conf}, nil

	case EventBulkSync:
		var bulk BulkSyncEvent
		for i, item := range d.Items {
			t := Target{EntityID: item.EntityID, EntitySlug: item.EntitySlug}
			if len(item.Changes) == 0 {
				bulk.Refresh = append(bulk.Refresh, t)
				continue
			}
			fields, err := stringFields(item.Changes)
			if err != nil {
				return nil, pkgerrors.ErrInvalidRequest.WithCause(err).WithDetail("item", i)
			}
			c := d.Confidence
			if item.Confidence != nil {
				c = item.Confidence
			}
			bulk.Updates = append(bulk.Updates, UpdateEvent{Target: t, Fields: fields, Confidence: confidenceOf(c, p.Source)})
		}
		return bulk, nil
	}
	return nil, pkgerrors.ErrInvalidRequest.WithDetail("message", fmt.Sprintf("unknown event %q", p.Event))
}

// Candidates expands a single-entity event into candidate changes against
// the resolved entity id. BulkSyncEvent is expanded per update by the caller.
func Candidates(ev Event, entityID string, source changelog.Source, meta map[string]interface{}) []detector.CandidateChange {
	newCandidate := func(field, value string, conf float64, extra map[string]interface{}) detector.CandidateChange {
		m := make(map[string]interface{}, len(meta)+len(extra))
		for k, v := range meta {
			m[k] = v
		}
		for k, v := range extra {
			m[k] = v
		}
		return detector.CandidateChange{
			EntityID:   entityID,
			Field:      field,
			NewValue:   value,
			Source:     source,
			Confidence: conf,
			Metadata:   m,
		}
	}

	var out []detector.CandidateChange
	switch e := ev.(type) {
	case UpdateEvent:
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out = append(out, newCandidate(k, e.Fields[k], e.Confidence, nil))
		}
	case ClosureEvent:
		out = append(out, newCandidate(directory.FieldClosed, "true", e.Confidence, nil))
	case MenuUpdateEvent:
		for _, it := range e.Items {
			extra := map[string]interface{}{}
			if it.Price != nil {
				extra["price"] = it.Price
			}
			if it.ImageRef != "" {
				extra["image_ref"] = it.ImageRef
			}
			out = append(out, newCandidate(directory.FieldMenuItems, it.Name, e.Confidence, extra))
		}
	case HoursUpdateEvent:
		out = append(out, newCandidate(directory.FieldOpeningHours, e.Hours, e.Confidence, nil))
	case PromotionEvent:
		for _, title := range e.Titles {
			out = append(out, newCandidate(directory.FieldPromotions, title, e.Confidence, nil))
		}
	}
	return out
}

// stringFields renders change values in the string form the detector
// compares on. Two keys naming the same field make the request ambiguous.
func stringFields(changes map[string]interface{}) (map[string]string, error) {
	keys := make([]string, 0, len(changes))
	for k := range changes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]string, len(changes))
	seen := make(map[string]string, len(changes))
	for _, k := range keys {
		field := canonicalField(k)
		if prev, dup := seen[field]; dup {
			return nil, pkgerrors.ErrInvalidRequest.
				WithDetail("message", fmt.Sprintf("changes.%s and changes.%s both set %s", prev, k, field)).
				WithDetail("field", field)
		}
		seen[field] = k
		s, err := stringify(changes[k])
		if err != nil {
			return nil, pkgerrors.ErrInvalidRequest.WithCause(err).WithDetail("field", k)
		}
		out[field] = s
	}
	return out, nil
}

func stringify(v interface{}) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case []interface{}:
		parts := make([]string, 0, len(t))
		for _, el := range t {
			s, err := stringify(el)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ","), nil
	case map[string]interface{}:
		b, err := json.Marshal(t)
		return string(b), err
	}
	return "", fmt.Errorf("unsupported value type %T", v)
}

func menuItems(changes map[string]interface{}) ([]MenuItemChange, error) {
	raw, ok := changes["menu_items"]
	if alias, both := changes["menuItems"]; !ok {
		raw = alias
	} else if both {
		return nil, pkgerrors.ErrInvalidRequest.WithDetail("message", "changes.menu_items and changes.menuItems are both set")
	}
	list, ok := raw.([]interface{})
	if !ok || len(list) == 0 {
		return nil, pkgerrors.ErrInvalidRequest.WithDetail("message", "menu_update requires changes.menu_items")
	}
	items := make([]MenuItemChange, 0, len(list))
	for i, el := range list {
		switch t := el.(type) {
		case string:
			items = append(items, MenuItemChange{Name: t})
		case map[string]interface{}:
			name, _ := t["name"].(string)
			if strings.TrimSpace(name) == "" {
				return nil, pkgerrors.ErrInvalidRequest.WithDetail("message", fmt.Sprintf("menu item %d has no name", i))
			}
			it := MenuItemChange{Name: name, Price: t["price"]}
			if ref, ok := t["imageRef"].(string); ok {
				it.ImageRef = ref
			} else if ref, ok := t["image_ref"].(string); ok {
				it.ImageRef = ref
			}
			items = append(items, it)
		default:
			return nil, pkgerrors.ErrInvalidRequest.WithDetail("message", fmt.Sprintf("menu item %d is malformed", i))
		}
	}
	return items, nil
}

func promotionTitles(changes map[string]interface{}) []string {
	var titles []string
	if t, ok := changes["title"].(string); ok && strings.TrimSpace(t) != "" {
		titles = append(titles, t)
	}
	if list, ok := changes["promotions"].([]interface{}); ok {
		for _, el := range list {
			switch t := el.(type) {
			case string:
				titles = append(titles, t)
			case map[string]interface{}:
				if s, ok := t["title"].(string); ok {
					titles = append(titles, s)
				}
			}
		}
	}
	return titles
}
