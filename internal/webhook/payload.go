package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"restosync/internal/changelog"
	pkgerrors "restosync/pkg/errors"
)

type EventType string

const (
	EventUpdate       EventType = "update"
	EventClosure      EventType = "closure"
	EventMenuUpdate   EventType = "menu_update"
	EventHoursUpdate  EventType = "hours_update"
	EventNewPromotion EventType = "new_promotion"
	EventBulkSync     EventType = "bulk_sync"
)

// Payload is the inbound webhook body.
type Payload struct {
	Source    changelog.Source `json:"source" validate:"required,oneof=scheduled_refresh webhook_automation scraped_signal owner_portal system_internal api_manual"`
	Event     EventType        `json:"event" validate:"required,oneof=update closure menu_update hours_update new_promotion bulk_sync"`
	Signature string           `json:"signature,omitempty"`
	Timestamp string           `json:"timestamp,omitempty"`
	Data      Data             `json:"data" validate:"required"`

	// rawData is the exact bytes of the data member. Body signatures
	// cover it together with source and event.
	rawData []byte
}

type Data struct {
	EntityType string                 `json:"entityType" validate:"required,eq=restaurant"`
	EntityID   string                 `json:"entityId,omitempty"`
	EntitySlug string                 `json:"entitySlug,omitempty"`
	Changes    map[string]interface{} `json:"changes,omitempty"`
	Confidence *float64               `json:"confidence,omitempty" validate:"omitempty,gte=0,lte=1"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Items      []Item                 `json:"items,omitempty" validate:"omitempty,max=500,dive"`
}

// Item is one entry of a bulk_sync batch. An item without changes asks for
// a provider refresh of that entity.
type Item struct {
	EntityID   string                 `json:"entityId,omitempty" validate:"required_without=EntitySlug"`
	EntitySlug string                 `json:"entitySlug,omitempty"`
	Changes    map[string]interface{} `json:"changes,omitempty"`
	Confidence *float64               `json:"confidence,omitempty" validate:"omitempty,gte=0,lte=1"`
}

func (d Data) EntityRef() string {
	if d.EntityID != "" {
		return d.EntityID
	}
	return d.EntitySlug
}

func (i Item) EntityRef() string {
	if i.EntityID != "" {
		return i.EntityID
	}
	return i.EntitySlug
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ParsePayload decodes and shape-checks a webhook body. Every failure is an
// InvalidRequest; nothing has been recorded yet when it returns.
func ParsePayload(raw []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, pkgerrors.ErrInvalidRequest.WithCause(err).WithDetail("message", "payload is not valid JSON")
	}
	if err := validate.Struct(&p); err != nil {
		return nil, invalid(err)
	}
	if p.Event == EventBulkSync {
		if len(p.Data.Items) == 0 {
			return nil, pkgerrors.ErrInvalidRequest.WithDetail("message", "bulk_sync requires data.items")
		}
	} else if p.Data.EntityRef() == "" {
		return nil, pkgerrors.ErrInvalidRequest.WithDetail("message", "data.entityId or data.entitySlug is required")
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil {
		p.rawData = envelope.Data
	}
	return &p, nil
}

func invalid(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return pkgerrors.ErrInvalidRequest.WithCause(err)
	}
	fields := make(map[string]string, len(verrs))
	var parts []string
	for _, fe := range verrs {
		fields[fe.Namespace()] = fe.Tag()
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return pkgerrors.ErrInvalidRequest.WithCause(err).
		WithDetail("message", strings.Join(parts, "; ")).
		WithDetail("fields", fields)
}
