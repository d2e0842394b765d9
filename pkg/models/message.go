package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	EventTypeChangeRecorded  = "change.recorded"
	EventTypeAutomationEvent = "automation.event"
)

// MessageEnvelope is the wire format on every Kafka topic the service touches.
type MessageEnvelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	Metadata  Metadata        `json:"metadata"`
}

type Metadata struct {
	TraceID   string `json:"trace_id,omitempty"`
	RunID     string `json:"run_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func NewEnvelope(eventType, source string, payload interface{}) (*MessageEnvelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	return &MessageEnvelope{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func (m *MessageEnvelope) Validate() error {
	switch {
	case m == nil:
		return &ValidationError{Field: "envelope", Message: "message envelope cannot be nil"}
	case m.ID == "":
		return &ValidationError{Field: "id", Message: "message ID is required"}
	case m.Type == "":
		return &ValidationError{Field: "type", Message: "message type is required"}
	case len(m.Payload) == 0:
		return &ValidationError{Field: "payload", Message: "payload is required"}
	}
	return nil
}
