// Package adapters defines the provider contracts the pipeline calls and
// their concrete implementations: an HTTP CRM calendar/messaging client,
// an AMQP-backed messenger, and deterministic stubs for dry-run and tests.
package adapters

import (
	"context"
	"errors"
	"time"

	"github.com/humtech/bookingbot/internal/tenant"
)

// ErrBookingRejected marks a provider-side booking refusal (slot taken,
// invalid slot). The action is not retried; the state machine turns it
// into a clarification reply.
var ErrBookingRejected = errors.New("booking rejected by provider")

// SlotsResult is the raw availability lookup outcome. ProviderTraceID is
// the provider's own correlation id, recorded into calendar_check.
type SlotsResult struct {
	Slots           []time.Time
	ProviderTraceID string
}

// BookingRequest books one slot for a contact.
type BookingRequest struct {
	TenantID          string
	CalendarID        string
	ProviderContactID string
	Slot              time.Time
	DurationMinutes   int
	Timezone          string
	LocationID        string
}

// BookingResult reports a confirmed booking.
type BookingResult struct {
	BookingID string
	Raw       map[string]any
}

// Calendar is the booking provider contract.
type Calendar interface {
	FreeSlots(ctx context.Context, creds tenant.Credentials, calendarID string, start, end time.Time, timezone string) (SlotsResult, error)
	Book(ctx context.Context, creds tenant.Credentials, req BookingRequest) (BookingResult, error)
}

// SendRequest delivers one outbound message. JSON tags match the broker
// payload consumed by the delivery gateway.
type SendRequest struct {
	TenantID          string `json:"tenant_id"`
	MessageID         string `json:"message_id"`
	Provider          string `json:"provider"`
	Channel           string `json:"channel"`
	ToAddress         string `json:"to_address"`
	ProviderContactID string `json:"provider_contact_id"`
	Text              string `json:"text"`
}

// SendResult reports a delivered message.
type SendResult struct {
	ProviderMsgID string
	DryRun        bool
	Raw           map[string]any
}

// Messenger is the outbound delivery contract.
type Messenger interface {
	Send(ctx context.Context, creds tenant.Credentials, req SendRequest) (SendResult, error)
}
