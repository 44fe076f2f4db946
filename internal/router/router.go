// Package router turns a classified inbound message into the bot's reply,
// context patch, and side effects. It owns the intent priority order and
// every outbound message text.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/humtech/bookingbot/internal/adapters"
	"github.com/humtech/bookingbot/internal/classify"
	"github.com/humtech/bookingbot/internal/convo"
	"github.com/humtech/bookingbot/internal/slots"
)

// Route labels the decision taken for a message. Stored in the outbound
// payload and the debug snapshot.
const (
	RouteAlreadyBooked  = "already_booked"
	RouteHandoffPending = "handoff_pending"
	RouteBooked         = "booked"
	RouteBookingFailed  = "booking_failed"
	RouteOfferSlots     = "offer_slots"
	RouteWantsHuman     = "wants_human"
	RouteDecline        = "decline"
	RouteUnclear        = "unclear"
	RouteNewLead        = "new_lead"
)

const (
	replyAlreadyBooked   = "You're already booked in for %s. See you then!"
	replyHandoffPending  = "Someone from the team will be in touch with you shortly."
	replyBooked          = "Booked ✅ You're confirmed for %s. See you then!"
	replyBookingFailed   = "Sorry, I couldn't book that slot — it may have just been taken. Want me to find another time?"
	replyBookingSlipped  = "Sorry, I couldn't lock that slot in — it may have just gone. Want me to find another time?"
	replyDefaultUnclear  = "Got it — what day and time works best for you?"
	replyMissingCalendar = "Quick one — I'm missing calendar setup on our side. What day works best for you, and would morning, afternoon, or evening be ideal?"
	replyCalendarTrouble = "Quick one — I'm having trouble reaching the calendar right now. What day works best for you, and would morning, afternoon, or evening be ideal?"
	replyNoAvailability  = "I'm not seeing availability for that window right now. Would a different day or time work better?"
)

// Availability is a completed calendar lookup. All holds the provider's raw
// slots, Filtered the slots left after the tenant's weekly windows. Check is
// always populated: a failed lookup arrives as OK=false with a reason and
// empty slot lists.
type Availability struct {
	All      []time.Time
	Filtered []time.Time
	Check    convo.CalendarCheck
}

// SlotSource performs the availability lookup for the tenant's booking
// window. Infrastructure failures are reported through Check, never as an
// error, so the bot can degrade to a graceful reply.
type SlotSource interface {
	FreeSlots(ctx context.Context) Availability
}

// Booker books one slot with the provider and returns the booking id. A
// rejection (slot taken) must wrap adapters.ErrBookingRejected; any other
// error is treated as transient and retried at the job level.
type Booker interface {
	Book(ctx context.Context, slot time.Time) (string, error)
}

// Input is everything a routing decision reads.
type Input struct {
	Now      time.Time
	Loc      *time.Location
	Timezone string
	Context  convo.Context
	Verdict  classify.Result
	Signals  classify.Signals
}

// Decision is the routing outcome the pipeline persists and sends.
type Decision struct {
	Route        string
	Reply        string
	Patch        convo.Patch
	Close        bool
	BookedSlot   *time.Time
	BookingID    string
	OfferedSlots []time.Time
}

// Router decides replies. Stateless apart from its logger.
type Router struct {
	logger    *slog.Logger
	tolerance int
}

func New(logger *slog.Logger) *Router {
	return &Router{logger: logger, tolerance: slots.DefaultToleranceMinutes}
}

// Decide applies the intent priority order: confirmed booking wins, then a
// pending handoff, then the classified intent.
func (r *Router) Decide(ctx context.Context, source SlotSource, booker Booker, in Input) (Decision, error) {
	if b := in.Context.BookedBooking; b != nil && !b.Slot.IsZero() {
		slotDisplay := slots.FormatForConfirmation(b.Slot, in.Loc)
		if in.Verdict.Intent == classify.IntentReschedule || in.Verdict.Intent == classify.IntentWantsHuman {
			// A confirmed booking never changes here. Changing it is a human's
			// call, so hand the conversation off.
			return Decision{
				Route: RouteWantsHuman,
				Reply: fmt.Sprintf("You're booked in for %s. I'll get someone from the team to help you change it.", slotDisplay),
				Patch: convo.Patch{
					HandoffRequested: &convo.Marker{At: in.Now},
					LastStep:         RouteWantsHuman,
				},
				Close: true,
			}, nil
		}
		return Decision{
			Route: RouteAlreadyBooked,
			Reply: fmt.Sprintf(replyAlreadyBooked, slotDisplay),
			Patch: convo.Patch{LastStep: RouteAlreadyBooked},
		}, nil
	}
	if in.Context.HandoffRequested != nil {
		return Decision{
			Route: RouteHandoffPending,
			Reply: replyHandoffPending,
			Patch: convo.Patch{LastStep: RouteHandoffPending},
		}, nil
	}

	switch in.Verdict.Intent {
	case classify.IntentSelectSlot:
		offer := in.Context.ActiveOffer(in.Now)
		if offer != nil && in.Verdict.SlotIndex != nil {
			idx := *in.Verdict.SlotIndex
			if idx >= 0 && idx < len(offer.Slots) {
				return r.book(ctx, booker, in, offer.Slots[idx], replyBookingFailed)
			}
		}
		// Selection without a live offer (expired, or index drift). Start over
		// with a fresh search so the lead is never left hanging.
		return r.offer(ctx, source, in, mergeConstraints(in.Verdict, in.Signals)), nil

	case classify.IntentRequestSpecificTime:
		return r.specificTime(ctx, source, booker, in)

	case classify.IntentRequestSlots, classify.IntentReschedule:
		// A new search always supersedes a standing offer (change of mind).
		return r.offer(ctx, source, in, mergeConstraints(in.Verdict, in.Signals)), nil

	case classify.IntentWantsHuman:
		return Decision{
			Route: RouteWantsHuman,
			Reply: replyOr(in.Verdict.ReplyText, replyHandoffPending),
			Patch: convo.Patch{
				HandoffRequested: &convo.Marker{At: in.Now},
				LastStep:         RouteWantsHuman,
			},
			Close: true,
		}, nil

	case classify.IntentDecline:
		return Decision{
			Route: RouteDecline,
			Reply: replyOr(in.Verdict.ReplyText, "No problem at all — if you change your mind, just reply here. All the best!"),
			Patch: convo.Patch{
				Declined: &convo.Marker{At: in.Now},
				LastStep: RouteDecline,
			},
			Close: true,
		}, nil

	default:
		return Decision{
			Route: RouteUnclear,
			Reply: replyOr(in.Verdict.ReplyText, replyDefaultUnclear),
			Patch: convo.Patch{LastStep: RouteUnclear},
		}, nil
	}
}

// specificTime handles an explicit time ask: book the nearest slot within
// tolerance, otherwise offer the two nearest alternatives.
func (r *Router) specificTime(ctx context.Context, source SlotSource, booker Booker, in Input) (Decision, error) {
	c := mergeConstraints(in.Verdict, in.Signals)

	target, ok := slots.ParseHour(c.ExplicitTime)
	if !ok {
		// Unparseable time. Degrade to a broad offer, keeping the day
		// preference so "sometime Friday-ish" still narrows the search.
		return r.offer(ctx, source, in, c), nil
	}

	avail := source.FreeSlots(ctx)
	if !avail.Check.OK && len(avail.Filtered) == 0 && avail.Check.Reason != "" {
		return r.degradedOffer(in, c, avail.Check), nil
	}
	if len(avail.Filtered) == 0 {
		return r.offer(ctx, source, in, c), nil
	}

	if nearest, found := slots.Nearest(avail.Filtered, c.Day, target, r.tolerance, in.Loc); found {
		return r.book(ctx, booker, in, nearest, replyBookingSlipped)
	}

	alts := slots.TwoNearest(avail.Filtered, c.Day, target, in.Loc)
	display := slots.FormatForDisplay(alts, in.Loc)

	var reply string
	switch len(display) {
	case 0:
		reply = fmt.Sprintf("I'm afraid I don't have %s available. What other times work for you?", c.ExplicitTime)
	case 1:
		reply = fmt.Sprintf("I don't have %s I'm afraid. Nearest I've got is %s — does that work?", c.ExplicitTime, display[0])
	default:
		reply = fmt.Sprintf("I don't have %s I'm afraid. Nearest I've got is %s or %s — would either of those work?", c.ExplicitTime, display[0], display[1])
	}

	// The offer is recorded even with no alternatives, so the failed
	// check is still on the context.
	check := finalizeCheck(avail, alts, in.Now)
	return Decision{
		Route:        RouteOfferSlots,
		Reply:        reply,
		OfferedSlots: alts,
		Patch: convo.Patch{
			LastOffer: r.newOffer(in, c, alts, &check),
			LastStep:  RouteOfferSlots,
		},
	}, nil
}

// offer runs the broad availability flow: filter by signals, pick two
// contrasting slots, and note when a requested day could not be honored.
func (r *Router) offer(ctx context.Context, source SlotSource, in Input, c slots.Constraints) Decision {
	avail := source.FreeSlots(ctx)
	if !avail.Check.OK && len(avail.Filtered) == 0 && avail.Check.Reason != "" {
		return r.degradedOffer(in, c, avail.Check)
	}

	filtered := slots.FilterBySignals(avail.Filtered, c, in.Loc, in.Now)
	filtered = applyTimeFloor(filtered, c.ExplicitTime, in.Loc)

	base := filtered
	if len(base) == 0 {
		base = avail.Filtered
	}
	contrastPool := avail.Filtered
	if c.Day != "" || c.TimeWindow != "" {
		// With a stated preference, contrast inside it rather than bouncing
		// the lead back to the opposite half of the day.
		contrastPool = base
	}

	offered := slots.Offer(base, contrastPool, in.Loc)
	display := slots.FormatForDisplay(offered, in.Loc)

	var reply string
	switch len(display) {
	case 0:
		reply = replyNoAvailability
	case 1:
		reply = fmt.Sprintf("I've got %s free — does that work for you?", display[0])
	default:
		reply = fmt.Sprintf("I've got %s or %s free — which works best for you?", display[0], display[1])
	}

	if c.Day != "" && len(offered) > 0 && !slots.MatchesDay(offered, c.Day, in.Loc) {
		reply = fmt.Sprintf("I don't have anything on %s I'm afraid — %s", titleDay(c.Day), reply)
	}

	check := finalizeCheck(avail, offered, in.Now)
	d := Decision{
		Route:        RouteOfferSlots,
		Reply:        reply,
		OfferedSlots: offered,
		Patch: convo.Patch{
			LastOffer: r.newOffer(in, c, offered, &check),
			LastStep:  RouteOfferSlots,
		},
	}
	return d
}

// degradedOffer replies gracefully when the calendar could not be reached,
// still recording the failed check on the context.
func (r *Router) degradedOffer(in Input, c slots.Constraints, check convo.CalendarCheck) Decision {
	reply := replyCalendarTrouble
	if check.Reason == "missing_calendar_id" {
		reply = replyMissingCalendar
	}

	r.logger.Warn("calendar lookup failed, degrading to manual scheduling reply",
		slog.String("reason", check.Reason),
		slog.String("calendar_id", check.CalendarID),
	)

	return Decision{
		Route: RouteOfferSlots,
		Reply: reply,
		Patch: convo.Patch{
			LastOffer: r.newOffer(in, c, nil, &check),
			LastStep:  RouteOfferSlots,
		},
	}
}

func (r *Router) book(ctx context.Context, booker Booker, in Input, slot time.Time, failReply string) (Decision, error) {
	bookingID, err := booker.Book(ctx, slot)
	if err != nil {
		if errors.Is(err, adapters.ErrBookingRejected) {
			r.logger.Warn("booking rejected by provider",
				slog.Time("slot", slot),
				slog.Any("error", err),
			)
			// The standing offer survives a rejection: the lead can still pick
			// the other slot.
			return Decision{
				Route: RouteBookingFailed,
				Reply: failReply,
				Patch: convo.Patch{LastStep: RouteBookingFailed},
			}, nil
		}
		return Decision{}, fmt.Errorf("booking failed: %w", err)
	}

	return Decision{
		Route:      RouteBooked,
		Reply:      fmt.Sprintf(replyBooked, slots.FormatForConfirmation(slot, in.Loc)),
		BookedSlot: &slot,
		BookingID:  bookingID,
		Patch: convo.Patch{
			BookedBooking:  &convo.Booking{Slot: slot, BookingID: bookingID, BookedAt: in.Now},
			ClearLastOffer: true,
			LastStep:       RouteBooked,
		},
		Close: true,
	}, nil
}

func (r *Router) newOffer(in Input, c slots.Constraints, offered []time.Time, check *convo.CalendarCheck) *convo.Offer {
	return &convo.Offer{
		Slots:         offered,
		Day:           c.Day,
		TimeWindow:    c.TimeWindow,
		ExplicitTime:  c.ExplicitTime,
		OfferedAt:     in.Now,
		Timezone:      in.Timezone,
		CalendarCheck: check,
	}
}

// finalizeCheck fills the outcome fields the source cannot know: whether
// anything survived filtering and ended up offered.
func finalizeCheck(avail Availability, offered []time.Time, now time.Time) convo.CalendarCheck {
	check := avail.Check
	check.ReturnedSlotCount = len(avail.All)
	check.FilteredSlotCount = len(avail.Filtered)
	if check.CheckedAt.IsZero() {
		check.CheckedAt = now
	}
	check.OK = len(offered) > 0
	if len(avail.All) == 0 {
		check.Reason = "no_slots_returned"
	} else if len(offered) == 0 {
		check.Reason = "filtered_out_all"
	}
	return check
}

// applyTimeFloor drops slots before the stated time of day, so "between 2
// and 5" offers nothing earlier than 2. A floor that empties the pool is
// ignored rather than forcing a no-availability reply.
func applyTimeFloor(candidates []time.Time, explicitTime string, loc *time.Location) []time.Time {
	floor, ok := slots.ParseHour(explicitTime)
	if !ok || len(candidates) == 0 {
		return candidates
	}
	var out []time.Time
	for _, slot := range candidates {
		local := slot.In(loc)
		if float64(local.Hour())+float64(local.Minute())/60 >= floor {
			out = append(out, slot)
		}
	}
	if len(out) == 0 {
		return candidates
	}
	return out
}

// mergeConstraints lets the model's extraction win, with the regex signals
// filling any gaps.
func mergeConstraints(v classify.Result, s classify.Signals) slots.Constraints {
	c := slots.Constraints{
		Day:          v.PreferredDay,
		TimeWindow:   v.PreferredWindow,
		ExplicitTime: v.ExplicitTime,
		DayOfMonth:   s.DayOfMonth,
	}
	if c.Day == "" {
		c.Day = s.Day
	}
	if c.TimeWindow == "" {
		c.TimeWindow = s.TimeWindow
	}
	if c.ExplicitTime == "" {
		c.ExplicitTime = s.ExplicitTime
	}
	return c
}

func replyOr(reply, fallback string) string {
	if strings.TrimSpace(reply) == "" {
		return fallback
	}
	return reply
}

func titleDay(day string) string {
	if day == "" {
		return day
	}
	return strings.ToUpper(day[:1]) + strings.ToLower(day[1:])
}
