package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/humtech/bookingbot/internal/adapters"
	"github.com/humtech/bookingbot/internal/convo"
	"github.com/humtech/bookingbot/internal/router"
	"github.com/humtech/bookingbot/internal/slots"
	"github.com/humtech/bookingbot/internal/tenant"
)

// calendarSource adapts the provider calendar into the router's lookup
// contract. Failures become calendar_check reasons, never errors, so the
// bot can still answer when the calendar is down.
type calendarSource struct {
	calendar   adapters.Calendar
	creds      tenant.Credentials
	credsErr   error
	calendarID string
	timezone   string
	loc        *time.Location
	windows    slots.Availability
	lookahead  int
	needsAuth  bool
	now        time.Time
	logger     *slog.Logger
}

func (s *calendarSource) FreeSlots(ctx context.Context) router.Availability {
	start := s.now
	end := start.AddDate(0, 0, s.lookahead)
	check := convo.CalendarCheck{
		CalendarID:   s.calendarID,
		CheckedRange: &convo.Range{Start: start, End: end},
		CheckedAt:    s.now,
	}

	if s.calendarID == "" {
		check.Reason = "missing_calendar_id"
		check.CheckedRange = nil
		return router.Availability{Check: check}
	}
	if s.calendar == nil {
		check.Reason = "adapter_not_configured"
		return router.Availability{Check: check}
	}
	if s.needsAuth && (s.credsErr != nil || s.creds.Token("access_token") == "") {
		check.Reason = "auth_error"
		return router.Availability{Check: check}
	}

	result, err := s.calendar.FreeSlots(ctx, s.creds, s.calendarID, start, end, s.timezone)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unauthorized") {
			check.Reason = "auth_error"
		} else {
			check.Reason = "http_error"
		}
		s.logger.Warn("free-slots lookup failed",
			slog.String("calendar_id", s.calendarID),
			slog.String("reason", check.Reason),
			slog.Any("error", err),
		)
		return router.Availability{Check: check}
	}

	check.OK = true
	check.ProviderTraceID = result.ProviderTraceID
	return router.Availability{
		All:      result.Slots,
		Filtered: slots.FilterByAvailabilityWindows(result.Slots, s.windows, s.loc),
		Check:    check,
	}
}

// calendarBooker books through the provider calendar. Missing credentials
// surface as a rejection so the lead gets a graceful reply instead of the
// job retrying forever.
type calendarBooker struct {
	calendar          adapters.Calendar
	creds             tenant.Credentials
	credsErr          error
	tenantID          string
	calendarID        string
	timezone          string
	providerContactID string
	needsAuth         bool
}

func (b *calendarBooker) Book(ctx context.Context, slot time.Time) (string, error) {
	if b.calendar == nil || b.calendarID == "" {
		return "", fmt.Errorf("%w: calendar not configured", adapters.ErrBookingRejected)
	}
	if b.needsAuth && (b.credsErr != nil || b.creds.Token("access_token") == "") {
		return "", fmt.Errorf("%w: credentials unavailable", adapters.ErrBookingRejected)
	}

	result, err := b.calendar.Book(ctx, b.creds, adapters.BookingRequest{
		TenantID:          b.tenantID,
		CalendarID:        b.calendarID,
		ProviderContactID: b.providerContactID,
		Slot:              slot,
		Timezone:          b.timezone,
	})
	if err != nil {
		return "", err
	}
	return result.BookingID, nil
}
