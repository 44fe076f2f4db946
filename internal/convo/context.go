// Package convo holds the typed conversation state: the closed set of
// context slots persisted per conversation, the rules for mutating them,
// and the store that reads/writes them inside the processing transaction.
//
// The context is the state machine's only memory. Its key set is fixed;
// anything else in the persisted blob is a data-model violation and is
// rejected at decode time rather than silently carried along.
package convo

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// OfferExpiry is how long a presented offer stays actionable. After this
// the decision logic treats the offer as absent.
const OfferExpiry = 2 * time.Hour

// InvariantError marks a context mutation or decode that violates the
// data model. Jobs hitting one fail terminally rather than retry.
type InvariantError struct {
	Field  string
	Reason string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("conversation context invariant violated: %s: %s", e.Field, e.Reason)
}

// LeadTouchpoint records the first contact with a lead. Written once;
// later writes are idempotent no-ops.
type LeadTouchpoint struct {
	FirstTouchAt time.Time `json:"first_touch_at"`
	Channel      string    `json:"channel"`
	MessageID    string    `json:"message_id"`
}

// Range is a checked calendar time range.
type Range struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// CalendarCheck is the diagnostic outcome of an availability lookup. It is
// recorded on every offer, including failure and no-slot paths.
type CalendarCheck struct {
	OK                bool      `json:"ok"`
	ProviderTraceID   string    `json:"provider_trace_id,omitempty"`
	CalendarID        string    `json:"calendar_id,omitempty"`
	CheckedRange      *Range    `json:"checked_range,omitempty"`
	ReturnedSlotCount int       `json:"returned_slots_count"`
	FilteredSlotCount int       `json:"filtered_slots_count"`
	Reason            string    `json:"reason,omitempty"`
	CheckedAt         time.Time `json:"checked_at"`
}

// Offer is the most recently presented set of calendar slots.
type Offer struct {
	Slots         []time.Time    `json:"offered_slots"`
	Day           string         `json:"constraint_day,omitempty"`
	TimeWindow    string         `json:"constraint_time_window,omitempty"`
	ExplicitTime  string         `json:"constraint_explicit_time,omitempty"`
	OfferedAt     time.Time      `json:"offered_at"`
	Timezone      string         `json:"timezone"`
	CalendarCheck *CalendarCheck `json:"calendar_check,omitempty"`
}

// Expired reports whether the offer is older than OfferExpiry.
func (o *Offer) Expired(now time.Time) bool {
	if o == nil || o.OfferedAt.IsZero() {
		return true
	}
	return now.Sub(o.OfferedAt) > OfferExpiry
}

// Booking is a calendar slot that has been confirmed with the provider.
type Booking struct {
	Slot      time.Time `json:"slot"`
	BookingID string    `json:"booking_id"`
	BookedAt  time.Time `json:"booked_at"`
}

// Marker is a timestamped flag for terminal non-booking intents.
type Marker struct {
	At time.Time `json:"at"`
}

// Transition records a state-machine step for the debug snapshot.
type Transition struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// ChosenSlot pairs a slot with its human-readable rendering.
type ChosenSlot struct {
	ISO   string `json:"iso"`
	Human string `json:"human"`
}

// DebugRun is the overwrite-only snapshot of the latest processing run.
// Observability only; decision logic never reads it.
type DebugRun struct {
	At           time.Time    `json:"at"`
	Route        string       `json:"route"`
	Day          string       `json:"signal_day,omitempty"`
	TimeWindow   string       `json:"signal_time_window,omitempty"`
	ExplicitTime string       `json:"signal_explicit_time,omitempty"`
	SlotCount    int          `json:"slot_count"`
	ChosenSlots  []ChosenSlot `json:"chosen_slots,omitempty"`
	Transition   *Transition  `json:"transition,omitempty"`
}

// Debug nests the snapshot under its own key to keep the top level clean.
type Debug struct {
	LastRun *DebugRun `json:"last_run,omitempty"`
}

// Context is the complete persisted conversation state. The JSON shape is
// the stored contract; readers elsewhere (operator tooling) must treat any
// other key as a protocol violation.
type Context struct {
	LeadTouchpoint   *LeadTouchpoint `json:"lead_touchpoint,omitempty"`
	LastOffer        *Offer          `json:"last_offer,omitempty"`
	PendingBooking   *Booking        `json:"pending_booking,omitempty"` // legacy, superseded by immediate booking
	BookedBooking    *Booking        `json:"booked_booking,omitempty"`
	HandoffRequested *Marker         `json:"handoff_requested,omitempty"`
	Declined         *Marker         `json:"declined,omitempty"`
	Debug            *Debug          `json:"debug,omitempty"`
	LastStep         string          `json:"_last_step,omitempty"`
}

// Decode parses a persisted context blob, rejecting unknown keys. An empty
// or "null" blob decodes to the zero Context.
func Decode(raw []byte) (Context, error) {
	var ctx Context
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return ctx, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ctx); err != nil {
		return Context{}, &InvariantError{Field: "context", Reason: err.Error()}
	}
	return ctx, nil
}

// Encode serializes the context for persistence.
func (c Context) Encode() ([]byte, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode conversation context: %w", err)
	}
	return raw, nil
}

// ActiveOffer returns the current offer only while it is unexpired.
func (c Context) ActiveOffer(now time.Time) *Offer {
	if c.LastOffer == nil || c.LastOffer.Expired(now) {
		return nil
	}
	return c.LastOffer
}

// ActivePendingBooking is the expiry-aware read of the legacy slot. Nothing
// writes it anymore, but old conversations may still carry one.
func (c Context) ActivePendingBooking(now time.Time) *Booking {
	if c.PendingBooking == nil {
		return nil
	}
	if now.Sub(c.PendingBooking.BookedAt) > OfferExpiry {
		return nil
	}
	return c.PendingBooking
}

// Patch is a partial context update produced by the intent router and
// applied by the pipeline. Nil fields are untouched; Clear flags remove.
type Patch struct {
	LeadTouchpoint   *LeadTouchpoint
	LastOffer        *Offer
	ClearLastOffer   bool
	BookedBooking    *Booking
	HandoffRequested *Marker
	Declined         *Marker
	DebugRun         *DebugRun
	LastStep         string
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.LeadTouchpoint == nil && p.LastOffer == nil && !p.ClearLastOffer &&
		p.BookedBooking == nil && p.HandoffRequested == nil && p.Declined == nil &&
		p.DebugRun == nil && p.LastStep == ""
}

// Apply merges the patch into the context, enforcing the write rules:
// booked_booking is immutable once set, and lead_touchpoint writes after
// the first are dropped rather than overwriting.
func (c *Context) Apply(p Patch) error {
	if p.BookedBooking != nil {
		if c.BookedBooking != nil {
			return &InvariantError{Field: "booked_booking", Reason: "already set and immutable"}
		}
		c.BookedBooking = p.BookedBooking
	}

	if p.LeadTouchpoint != nil && c.LeadTouchpoint == nil {
		c.LeadTouchpoint = p.LeadTouchpoint
	}

	if p.LastOffer != nil {
		c.LastOffer = p.LastOffer
	} else if p.ClearLastOffer {
		c.LastOffer = nil
	}

	if p.HandoffRequested != nil {
		c.HandoffRequested = p.HandoffRequested
	}
	if p.Declined != nil {
		c.Declined = p.Declined
	}
	if p.DebugRun != nil {
		c.Debug = &Debug{LastRun: p.DebugRun}
	}
	if p.LastStep != "" {
		c.LastStep = p.LastStep
	}

	return nil
}
