package store

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInboundEventText(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{name: "text field", payload: `{"text": "hi there"}`, want: "hi there"},
		{name: "message string", payload: `{"message": "hello"}`, want: "hello"},
		{name: "body field", payload: `{"body": "yo"}`, want: "yo"},
		{name: "nested message text", payload: `{"message": {"text": "nested"}}`, want: "nested"},
		{name: "text wins over body", payload: `{"text": "a", "body": "b"}`, want: "a"},
		{name: "nothing usable", payload: `{"foo": 1}`, want: ""},
		{name: "malformed payload", payload: `{`, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := InboundEvent{Payload: json.RawMessage(tt.payload)}
			assert.Equal(t, tt.want, ev.Text())
		})
	}
}

func TestInboundEventDisplayName(t *testing.T) {
	assert.Equal(t, "Ann", (&InboundEvent{Payload: json.RawMessage(`{"display_name": "Ann"}`)}).DisplayName())
	assert.Equal(t, "Bob", (&InboundEvent{Payload: json.RawMessage(`{"name": "Bob"}`)}).DisplayName())
	assert.Equal(t, "Cy D", (&InboundEvent{Payload: json.RawMessage(`{"full_name": "Cy D"}`)}).DisplayName())
	assert.Equal(t, "", (&InboundEvent{Payload: json.RawMessage(`{}`)}).DisplayName())
}

func TestInboundEventProviderContactID(t *testing.T) {
	assert.Equal(t, "c-1", (&InboundEvent{Payload: json.RawMessage(`{"contactId": "c-1"}`)}).ProviderContactID())
	assert.Equal(t, "c-2", (&InboundEvent{Payload: json.RawMessage(`{"contact_id": "c-2"}`)}).ProviderContactID())
	assert.Equal(t, "", (&InboundEvent{Payload: json.RawMessage(`{}`)}).ProviderContactID())
}

func TestReverseMessages(t *testing.T) {
	// Rows come back newest-first; callers get them oldest-first.
	msgs := []Message{
		{MessageID: "m3"},
		{MessageID: "m2"},
		{MessageID: "m1"},
	}
	reverseMessages(msgs)
	assert.Equal(t, "m1", msgs[0].MessageID)
	assert.Equal(t, "m2", msgs[1].MessageID)
	assert.Equal(t, "m3", msgs[2].MessageID)

	var empty []Message
	reverseMessages(empty)
	assert.Empty(t, empty)

	one := []Message{{MessageID: "m1"}}
	reverseMessages(one)
	assert.Equal(t, "m1", one[0].MessageID)
}

func TestOutboundPayloadRoundTrip(t *testing.T) {
	payload := OutboundPayload{
		Route:     "offer_slots",
		TextFinal: "I've got Monday 10:00 free",
	}

	raw, err := json.Marshal(payload)
	assert.NoError(t, err)

	var decoded OutboundPayload
	assert.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, payload.Route, decoded.Route)
	assert.Empty(t, decoded.OfferedSlots)
}
