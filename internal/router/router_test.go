package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/humtech/bookingbot/internal/adapters"
	"github.com/humtech/bookingbot/internal/classify"
	"github.com/humtech/bookingbot/internal/convo"
)

var london = mustLoadLocation("Europe/London")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

type fakeSource struct {
	avail Availability
	calls int
}

func (f *fakeSource) FreeSlots(context.Context) Availability {
	f.calls++
	return f.avail
}

type fakeBooker struct {
	bookingID string
	err       error
	booked    []time.Time
}

func (f *fakeBooker) Book(_ context.Context, slot time.Time) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.booked = append(f.booked, slot)
	return f.bookingID, nil
}

func testRouter() *Router {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// now is a Monday morning; the fixture slots span the following week.
var testNow = time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)

func fixtureSlots() []time.Time {
	return []time.Time{
		time.Date(2026, 9, 1, 10, 0, 0, 0, london),  // Tue morning
		time.Date(2026, 9, 1, 15, 0, 0, 0, london),  // Tue afternoon
		time.Date(2026, 9, 3, 10, 0, 0, 0, london),  // Thu morning
		time.Date(2026, 9, 4, 16, 0, 0, 0, london),  // Fri afternoon
	}
}

func okAvailability(all []time.Time) Availability {
	return Availability{
		All:      all,
		Filtered: all,
		Check:    convo.CalendarCheck{OK: true, CalendarID: "cal-1", CheckedAt: testNow},
	}
}

func baseInput(ctxState convo.Context, verdict classify.Result) Input {
	return Input{
		Now:      testNow,
		Loc:      london,
		Timezone: "Europe/London",
		Context:  ctxState,
		Verdict:  verdict,
	}
}

func TestDecideAlreadyBookedWins(t *testing.T) {
	slot := time.Date(2026, 9, 1, 10, 0, 0, 0, london)
	state := convo.Context{
		BookedBooking: &convo.Booking{Slot: slot, BookingID: "b-1", BookedAt: testNow},
	}

	source := &fakeSource{avail: okAvailability(fixtureSlots())}
	d, err := testRouter().Decide(context.Background(), source, &fakeBooker{},
		baseInput(state, classify.Result{Intent: classify.IntentRequestSlots}))
	require.NoError(t, err)

	assert.Equal(t, RouteAlreadyBooked, d.Route)
	assert.Equal(t, "You're already booked in for Tuesday 10:00. See you then!", d.Reply)
	assert.Zero(t, source.calls)
	assert.False(t, d.Close)
}

func TestDecideRescheduleOfConfirmedBookingHandsOff(t *testing.T) {
	slot := time.Date(2026, 9, 1, 10, 0, 0, 0, london)
	state := convo.Context{
		BookedBooking: &convo.Booking{Slot: slot, BookingID: "b-1", BookedAt: testNow},
	}

	d, err := testRouter().Decide(context.Background(), &fakeSource{}, &fakeBooker{},
		baseInput(state, classify.Result{Intent: classify.IntentReschedule}))
	require.NoError(t, err)

	assert.Equal(t, RouteWantsHuman, d.Route)
	assert.Contains(t, d.Reply, "help you change it")
	require.NotNil(t, d.Patch.HandoffRequested)
	assert.Nil(t, d.Patch.BookedBooking)
	assert.True(t, d.Close)
}

func TestDecideHandoffPending(t *testing.T) {
	state := convo.Context{HandoffRequested: &convo.Marker{At: testNow.Add(-time.Hour)}}

	d, err := testRouter().Decide(context.Background(), &fakeSource{}, &fakeBooker{},
		baseInput(state, classify.Result{Intent: classify.IntentRequestSlots}))
	require.NoError(t, err)

	assert.Equal(t, RouteHandoffPending, d.Route)
	assert.Equal(t, "Someone from the team will be in touch with you shortly.", d.Reply)
}

func TestDecideSelectSlotBooks(t *testing.T) {
	offered := fixtureSlots()[:2]
	state := convo.Context{
		LastOffer: &convo.Offer{Slots: offered, OfferedAt: testNow.Add(-10 * time.Minute), Timezone: "Europe/London"},
	}
	idx := 1
	booker := &fakeBooker{bookingID: "appt-7"}

	d, err := testRouter().Decide(context.Background(), &fakeSource{}, booker,
		baseInput(state, classify.Result{Intent: classify.IntentSelectSlot, SlotIndex: &idx, ShouldBook: true}))
	require.NoError(t, err)

	assert.Equal(t, RouteBooked, d.Route)
	assert.Equal(t, "Booked ✅ You're confirmed for Tuesday 15:00. See you then!", d.Reply)
	assert.True(t, d.Close)
	require.NotNil(t, d.Patch.BookedBooking)
	assert.Equal(t, "appt-7", d.Patch.BookedBooking.BookingID)
	assert.True(t, d.Patch.ClearLastOffer)
	require.Len(t, booker.booked, 1)
	assert.True(t, booker.booked[0].Equal(offered[1]))
}

func TestDecideSelectSlotRejectedBooking(t *testing.T) {
	offered := fixtureSlots()[:2]
	state := convo.Context{
		LastOffer: &convo.Offer{Slots: offered, OfferedAt: testNow.Add(-10 * time.Minute)},
	}
	idx := 0
	booker := &fakeBooker{err: fmt.Errorf("%w: slot taken", adapters.ErrBookingRejected)}

	d, err := testRouter().Decide(context.Background(), &fakeSource{}, booker,
		baseInput(state, classify.Result{Intent: classify.IntentSelectSlot, SlotIndex: &idx}))
	require.NoError(t, err)

	assert.Equal(t, RouteBookingFailed, d.Route)
	assert.Contains(t, d.Reply, "may have just been taken")
	// The standing offer survives so the lead can still take the other slot.
	assert.False(t, d.Patch.ClearLastOffer)
	assert.Nil(t, d.Patch.LastOffer)
	assert.Nil(t, d.Patch.BookedBooking)
	assert.False(t, d.Close)
}

func TestDecideRejectedBookingKeepsOfferSelectable(t *testing.T) {
	offered := fixtureSlots()[:2]
	state := convo.Context{
		LastOffer: &convo.Offer{Slots: offered, OfferedAt: testNow.Add(-10 * time.Minute)},
	}
	idx := 0
	booker := &fakeBooker{err: fmt.Errorf("%w: slot taken", adapters.ErrBookingRejected)}
	r := testRouter()

	d, err := r.Decide(context.Background(), &fakeSource{}, booker,
		baseInput(state, classify.Result{Intent: classify.IntentSelectSlot, SlotIndex: &idx}))
	require.NoError(t, err)
	require.NoError(t, state.Apply(d.Patch))

	// The other slot is still selectable on the next message.
	booker = &fakeBooker{bookingID: "appt-2"}
	idx = 1
	d, err = r.Decide(context.Background(), &fakeSource{}, booker,
		baseInput(state, classify.Result{Intent: classify.IntentSelectSlot, SlotIndex: &idx}))
	require.NoError(t, err)

	assert.Equal(t, RouteBooked, d.Route)
	require.Len(t, booker.booked, 1)
	assert.True(t, booker.booked[0].Equal(offered[1]))
}

func TestDecideSelectSlotTransientBookingError(t *testing.T) {
	offered := fixtureSlots()[:2]
	state := convo.Context{
		LastOffer: &convo.Offer{Slots: offered, OfferedAt: testNow.Add(-10 * time.Minute)},
	}
	idx := 0
	booker := &fakeBooker{err: errors.New("dial tcp: connection refused")}

	_, err := testRouter().Decide(context.Background(), &fakeSource{}, booker,
		baseInput(state, classify.Result{Intent: classify.IntentSelectSlot, SlotIndex: &idx}))
	require.Error(t, err)
}

func TestDecideSelectSlotExpiredOfferReoffers(t *testing.T) {
	state := convo.Context{
		LastOffer: &convo.Offer{Slots: fixtureSlots()[:2], OfferedAt: testNow.Add(-3 * time.Hour)},
	}
	idx := 0
	source := &fakeSource{avail: okAvailability(fixtureSlots())}

	d, err := testRouter().Decide(context.Background(), source, &fakeBooker{},
		baseInput(state, classify.Result{Intent: classify.IntentSelectSlot, SlotIndex: &idx}))
	require.NoError(t, err)

	assert.Equal(t, RouteOfferSlots, d.Route)
	assert.Equal(t, 1, source.calls)
	assert.NotEmpty(t, d.OfferedSlots)
}

func TestDecideRequestSlotsOffersTwoContrasting(t *testing.T) {
	source := &fakeSource{avail: okAvailability(fixtureSlots())}

	d, err := testRouter().Decide(context.Background(), source, &fakeBooker{},
		baseInput(convo.Context{}, classify.Result{Intent: classify.IntentRequestSlots}))
	require.NoError(t, err)

	assert.Equal(t, RouteOfferSlots, d.Route)
	assert.Equal(t, "I've got Tuesday 10:00 or Tuesday 15:00 free — which works best for you?", d.Reply)
	require.NotNil(t, d.Patch.LastOffer)
	assert.Len(t, d.Patch.LastOffer.Slots, 2)
	require.NotNil(t, d.Patch.LastOffer.CalendarCheck)
	assert.True(t, d.Patch.LastOffer.CalendarCheck.OK)
	assert.Equal(t, 4, d.Patch.LastOffer.CalendarCheck.ReturnedSlotCount)
}

func TestDecideRequestSlotsDayPreference(t *testing.T) {
	source := &fakeSource{avail: okAvailability(fixtureSlots())}

	d, err := testRouter().Decide(context.Background(), source, &fakeBooker{},
		baseInput(convo.Context{}, classify.Result{Intent: classify.IntentRequestSlots, PreferredDay: "thursday"}))
	require.NoError(t, err)

	assert.Equal(t, "I've got Thursday 10:00 free — does that work for you?", d.Reply)
	assert.Equal(t, "thursday", d.Patch.LastOffer.Day)
}

func TestDecideRequestSlotsUnavailableDayPreamble(t *testing.T) {
	source := &fakeSource{avail: okAvailability(fixtureSlots())}

	d, err := testRouter().Decide(context.Background(), source, &fakeBooker{},
		baseInput(convo.Context{}, classify.Result{Intent: classify.IntentRequestSlots, PreferredDay: "sunday"}))
	require.NoError(t, err)

	assert.Contains(t, d.Reply, "I don't have anything on Sunday I'm afraid —")
	assert.Contains(t, d.Reply, "I've got Tuesday 10:00 or Tuesday 15:00 free")
}

func TestDecideRequestSlotsNoAvailability(t *testing.T) {
	source := &fakeSource{avail: Availability{
		Check: convo.CalendarCheck{OK: true, CalendarID: "cal-1", CheckedAt: testNow},
	}}

	d, err := testRouter().Decide(context.Background(), source, &fakeBooker{},
		baseInput(convo.Context{}, classify.Result{Intent: classify.IntentRequestSlots}))
	require.NoError(t, err)

	assert.Equal(t, "I'm not seeing availability for that window right now. Would a different day or time work better?", d.Reply)
	require.NotNil(t, d.Patch.LastOffer)
	require.NotNil(t, d.Patch.LastOffer.CalendarCheck)
	assert.False(t, d.Patch.LastOffer.CalendarCheck.OK)
	assert.Equal(t, "no_slots_returned", d.Patch.LastOffer.CalendarCheck.Reason)
}

func TestDecideRequestSlotsCalendarFailure(t *testing.T) {
	tests := []struct {
		name   string
		reason string
		want   string
	}{
		{"missing calendar id", "missing_calendar_id", "I'm missing calendar setup on our side"},
		{"auth error", "auth_error", "trouble reaching the calendar"},
		{"http error", "http_error", "trouble reaching the calendar"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := &fakeSource{avail: Availability{
				Check: convo.CalendarCheck{OK: false, Reason: tt.reason, CheckedAt: testNow},
			}}

			d, err := testRouter().Decide(context.Background(), source, &fakeBooker{},
				baseInput(convo.Context{}, classify.Result{Intent: classify.IntentRequestSlots}))
			require.NoError(t, err)

			assert.Equal(t, RouteOfferSlots, d.Route)
			assert.Contains(t, d.Reply, tt.want)
			require.NotNil(t, d.Patch.LastOffer)
			assert.Empty(t, d.Patch.LastOffer.Slots)
			assert.Equal(t, tt.reason, d.Patch.LastOffer.CalendarCheck.Reason)
		})
	}
}

func TestDecideSpecificTimeBooksWithinTolerance(t *testing.T) {
	source := &fakeSource{avail: okAvailability(fixtureSlots())}
	booker := &fakeBooker{bookingID: "appt-9"}

	d, err := testRouter().Decide(context.Background(), source, booker,
		baseInput(convo.Context{}, classify.Result{
			Intent:       classify.IntentRequestSpecificTime,
			PreferredDay: "friday",
			ExplicitTime: "4:30pm",
		}))
	require.NoError(t, err)

	assert.Equal(t, RouteBooked, d.Route)
	assert.Equal(t, "Booked ✅ You're confirmed for Friday 16:00. See you then!", d.Reply)
	require.Len(t, booker.booked, 1)
	assert.Equal(t, 16, booker.booked[0].In(london).Hour())
}

func TestDecideSpecificTimeNoMatchOffersNearest(t *testing.T) {
	source := &fakeSource{avail: okAvailability(fixtureSlots())}

	d, err := testRouter().Decide(context.Background(), source, &fakeBooker{},
		baseInput(convo.Context{}, classify.Result{
			Intent:       classify.IntentRequestSpecificTime,
			ExplicitTime: "7pm",
		}))
	require.NoError(t, err)

	assert.Equal(t, RouteOfferSlots, d.Route)
	assert.Contains(t, d.Reply, "I don't have 7pm I'm afraid. Nearest I've got is")
	assert.Contains(t, d.Reply, "would either of those work?")
	require.NotNil(t, d.Patch.LastOffer)
	assert.Len(t, d.Patch.LastOffer.Slots, 2)
	assert.Equal(t, "7pm", d.Patch.LastOffer.ExplicitTime)
}

func TestDecideSpecificTimeNoAlternativesStillRecordsCheck(t *testing.T) {
	// Tuesday-only availability, friday ask: the day filter eliminates every
	// alternative, but the check still lands on the context.
	source := &fakeSource{avail: okAvailability(fixtureSlots()[:2])}

	d, err := testRouter().Decide(context.Background(), source, &fakeBooker{},
		baseInput(convo.Context{}, classify.Result{
			Intent:       classify.IntentRequestSpecificTime,
			PreferredDay: "friday",
			ExplicitTime: "4pm",
		}))
	require.NoError(t, err)

	assert.Equal(t, RouteOfferSlots, d.Route)
	require.NotNil(t, d.Patch.LastOffer)
	assert.Empty(t, d.Patch.LastOffer.Slots)
	require.NotNil(t, d.Patch.LastOffer.CalendarCheck)
	assert.False(t, d.Patch.LastOffer.CalendarCheck.OK)
	assert.Equal(t, "filtered_out_all", d.Patch.LastOffer.CalendarCheck.Reason)
	assert.Equal(t, 2, d.Patch.LastOffer.CalendarCheck.ReturnedSlotCount)
}

func TestDecideSpecificTimeBareHourReadsPM(t *testing.T) {
	// "4" with no am/pm marker means 16:00, inside the 45 minute tolerance
	// of the Friday 16:00 slot.
	source := &fakeSource{avail: okAvailability(fixtureSlots())}
	booker := &fakeBooker{bookingID: "appt-4"}

	d, err := testRouter().Decide(context.Background(), source, booker,
		baseInput(convo.Context{}, classify.Result{
			Intent:       classify.IntentRequestSpecificTime,
			ExplicitTime: "4:00",
		}))
	require.NoError(t, err)

	assert.Equal(t, RouteBooked, d.Route)
	require.Len(t, booker.booked, 1)
	assert.Equal(t, 16, booker.booked[0].In(london).Hour())
}

func TestDecideSpecificTimeUnparseableFallsBackToOffer(t *testing.T) {
	source := &fakeSource{avail: okAvailability(fixtureSlots())}

	d, err := testRouter().Decide(context.Background(), source, &fakeBooker{},
		baseInput(convo.Context{}, classify.Result{
			Intent:       classify.IntentRequestSpecificTime,
			PreferredDay: "tuesday",
		}))
	require.NoError(t, err)

	assert.Equal(t, RouteOfferSlots, d.Route)
	assert.Contains(t, d.Reply, "Tuesday")
}

func TestDecideWantsHuman(t *testing.T) {
	d, err := testRouter().Decide(context.Background(), &fakeSource{}, &fakeBooker{},
		baseInput(convo.Context{}, classify.Result{
			Intent:        classify.IntentWantsHuman,
			ShouldHandoff: true,
			ReplyText:     "No problem — I'll get someone from the team to give you a call.",
		}))
	require.NoError(t, err)

	assert.Equal(t, RouteWantsHuman, d.Route)
	assert.Equal(t, "No problem — I'll get someone from the team to give you a call.", d.Reply)
	require.NotNil(t, d.Patch.HandoffRequested)
	assert.True(t, d.Close)
}

func TestDecideDecline(t *testing.T) {
	d, err := testRouter().Decide(context.Background(), &fakeSource{}, &fakeBooker{},
		baseInput(convo.Context{}, classify.Result{Intent: classify.IntentDecline, ReplyText: "No worries!"}))
	require.NoError(t, err)

	assert.Equal(t, RouteDecline, d.Route)
	require.NotNil(t, d.Patch.Declined)
	assert.True(t, d.Close)
}

func TestDecideUnclear(t *testing.T) {
	d, err := testRouter().Decide(context.Background(), &fakeSource{}, &fakeBooker{},
		baseInput(convo.Context{}, classify.Result{Intent: classify.IntentUnclear}))
	require.NoError(t, err)

	assert.Equal(t, RouteUnclear, d.Route)
	assert.Equal(t, "Got it — what day and time works best for you?", d.Reply)
	assert.Nil(t, d.Patch.LastOffer)
	assert.False(t, d.Close)
}

func TestDecideChangeOfMindReplacesOffer(t *testing.T) {
	state := convo.Context{
		LastOffer: &convo.Offer{Slots: fixtureSlots()[:2], OfferedAt: testNow.Add(-5 * time.Minute)},
	}
	source := &fakeSource{avail: okAvailability(fixtureSlots())}

	d, err := testRouter().Decide(context.Background(), source, &fakeBooker{},
		baseInput(state, classify.Result{Intent: classify.IntentRequestSlots, PreferredDay: "thursday"}))
	require.NoError(t, err)

	require.NotNil(t, d.Patch.LastOffer)
	assert.Equal(t, "thursday", d.Patch.LastOffer.Day)
}

func TestFirstTouch(t *testing.T) {
	tests := []struct {
		name     string
		display  string
		template string
		avail    Availability
		want     string
	}{
		{
			name:    "default greeting with two slots",
			display: "Sam Carter",
			avail:   okAvailability(fixtureSlots()),
			want:    "Hey Sam — thanks for reaching out. Want to get you booked in quickly. I've got Tuesday 10:00 or Tuesday 15:00 free — which works best for you?",
		},
		{
			name:    "no name",
			display: "",
			avail:   okAvailability(fixtureSlots()),
			want:    "Hey — thanks for reaching out. Want to get you booked in quickly. I've got Tuesday 10:00 or Tuesday 15:00 free — which works best for you?",
		},
		{
			name:    "no availability",
			display: "Sam",
			avail:   Availability{Check: convo.CalendarCheck{OK: true, CheckedAt: testNow}},
			want:    "Hey Sam — thanks for reaching out. Want to get you booked in quickly. What day and time works best for you?",
		},
		{
			name:     "tenant template",
			display:  "Sam Carter",
			template: "Hi{name_part}! Fancy {slot_1} or {slot_2}?",
			avail:    okAvailability(fixtureSlots()),
			want:     "Hi Sam! Fancy Tuesday 10:00 or Tuesday 15:00?",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := &fakeSource{avail: tt.avail}
			d := testRouter().FirstTouch(context.Background(), source,
				baseInput(convo.Context{}, classify.Result{}), tt.display, tt.template)

			assert.Equal(t, RouteNewLead, d.Route)
			assert.Equal(t, tt.want, d.Reply)
			require.NotNil(t, d.Patch.LeadTouchpoint)
			require.NotNil(t, d.Patch.LastOffer)
			assert.Len(t, d.Patch.LastOffer.Slots, len(d.OfferedSlots))
			require.NotNil(t, d.Patch.LastOffer.CalendarCheck)
		})
	}
}

func TestFirstTouchNoSlotsRecordsCheck(t *testing.T) {
	source := &fakeSource{avail: Availability{
		Check: convo.CalendarCheck{OK: true, CalendarID: "cal-1", CheckedAt: testNow},
	}}

	d := testRouter().FirstTouch(context.Background(), source,
		baseInput(convo.Context{}, classify.Result{}), "Sam", "")

	require.NotNil(t, d.Patch.LastOffer)
	assert.Empty(t, d.Patch.LastOffer.Slots)
	require.NotNil(t, d.Patch.LastOffer.CalendarCheck)
	assert.False(t, d.Patch.LastOffer.CalendarCheck.OK)
	assert.Equal(t, "no_slots_returned", d.Patch.LastOffer.CalendarCheck.Reason)
}
