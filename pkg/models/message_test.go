package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope(EventTypeChangeRecorded, "detector", map[string]string{"field": "opening_hours"})
	require.NoError(t, err)

	assert.NotEmpty(t, env.ID)
	assert.False(t, env.Timestamp.IsZero())
	assert.JSONEq(t, `{"field":"opening_hours"}`, string(env.Payload))
	assert.NoError(t, env.Validate())
}

func TestNewEnvelope_UnmarshalablePayload(t *testing.T) {
	_, err := NewEnvelope(EventTypeChangeRecorded, "detector", make(chan int))
	assert.Error(t, err)
}

func TestMessageEnvelope_Validate(t *testing.T) {
	tests := []struct {
		name  string
		env   *MessageEnvelope
		field string
	}{
		{name: "nil", env: nil, field: "envelope"},
		{name: "no id", env: &MessageEnvelope{Type: "x", Payload: []byte("{}")}, field: "id"},
		{name: "no type", env: &MessageEnvelope{ID: "1", Payload: []byte("{}")}, field: "type"},
		{name: "no payload", env: &MessageEnvelope{ID: "1", Type: "x"}, field: "payload"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.Validate()
			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.field, vErr.Field)
		})
	}
}
