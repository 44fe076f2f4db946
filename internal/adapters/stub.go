package adapters

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/humtech/bookingbot/internal/tenant"
)

// StubCalendar serves a fixed slot set. Used for local development and for
// tenants without a live calendar integration.
type StubCalendar struct {
	Slots []time.Time
}

// NewStubCalendar generates weekday slots at 10:00 and 15:00 for the next
// seven days, anchored to now.
func NewStubCalendar(now time.Time, loc *time.Location) *StubCalendar {
	var slots []time.Time
	day := now.In(loc)
	for i := 1; i <= 7; i++ {
		d := day.AddDate(0, 0, i)
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		slots = append(slots,
			time.Date(d.Year(), d.Month(), d.Day(), 10, 0, 0, 0, loc),
			time.Date(d.Year(), d.Month(), d.Day(), 15, 0, 0, 0, loc),
		)
	}
	return &StubCalendar{Slots: slots}
}

func (s *StubCalendar) FreeSlots(_ context.Context, _ tenant.Credentials, _ string, start, end time.Time, _ string) (SlotsResult, error) {
	var out []time.Time
	for _, slot := range s.Slots {
		if !slot.Before(start) && slot.Before(end) {
			out = append(out, slot)
		}
	}
	return SlotsResult{Slots: out, ProviderTraceID: "stub-calendar"}, nil
}

func (s *StubCalendar) Book(_ context.Context, _ tenant.Credentials, req BookingRequest) (BookingResult, error) {
	for _, slot := range s.Slots {
		if slot.Equal(req.Slot) {
			return BookingResult{BookingID: fmt.Sprintf("stub-%d", req.Slot.Unix())}, nil
		}
	}
	return BookingResult{}, fmt.Errorf("%w: slot not offered by stub calendar", ErrBookingRejected)
}

// StubMessenger records sends in memory instead of delivering them.
type StubMessenger struct {
	mu   sync.Mutex
	sent []SendRequest
}

func NewStubMessenger() *StubMessenger {
	return &StubMessenger{}
}

func (s *StubMessenger) Send(_ context.Context, _ tenant.Credentials, req SendRequest) (SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, req)
	return SendResult{
		ProviderMsgID: fmt.Sprintf("dryrun-%s", req.MessageID),
		DryRun:        true,
	}, nil
}

// Sent returns a copy of every request delivered so far.
func (s *StubMessenger) Sent() []SendRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SendRequest, len(s.sent))
	copy(out, s.sent)
	return out
}
