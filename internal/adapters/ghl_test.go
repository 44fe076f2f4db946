package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/humtech/bookingbot/internal/tenant"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGHLClientFreeSlots(t *testing.T) {
	var gotPath string
	var gotQuery map[string]string
	var gotVersion, gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = map[string]string{
			"startDate": r.URL.Query().Get("startDate"),
			"endDate":   r.URL.Query().Get("endDate"),
			"timezone":  r.URL.Query().Get("timezone"),
		}
		gotVersion = r.Header.Get("Version")
		gotAuth = r.Header.Get("Authorization")

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"traceId": "trace-abc",
			"2026-09-01": map[string]any{
				"slots": []string{
					"2026-09-01T10:00:00+01:00",
					"2026-09-01T15:00:00+01:00",
					"2026-09-01T10:00:00+01:00",
				},
			},
			"2026-09-02": map[string]any{
				"slots": []string{"2026-09-02T11:00:00+01:00"},
			},
		})
	}))
	defer srv.Close()

	client := NewGHLClient(srv.URL, 5*time.Second, testLogger())
	creds := tenant.Credentials{"access_token": "tok-123"}

	start := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 14)
	result, err := client.FreeSlots(context.Background(), creds, "cal-1", start, end, "Europe/London")
	require.NoError(t, err)

	assert.Equal(t, "/calendars/cal-1/free-slots", gotPath)
	assert.Equal(t, "1788220800000", gotQuery["startDate"])
	assert.Equal(t, "Europe/London", gotQuery["timezone"])
	assert.NotEmpty(t, gotQuery["endDate"])
	assert.Equal(t, "2021-07-28", gotVersion)
	assert.Equal(t, "Bearer tok-123", gotAuth)

	assert.Equal(t, "trace-abc", result.ProviderTraceID)
	assert.Len(t, result.Slots, 3) // duplicate dropped
}

func TestGHLClientFreeSlotsUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewGHLClient(srv.URL, 5*time.Second, testLogger())
	_, err := client.FreeSlots(context.Background(), tenant.Credentials{}, "cal-1", time.Now(), time.Now().Add(time.Hour), "UTC")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unauthorized")
}

func TestGHLClientBook(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		responseBody map[string]any
		wantID       string
		wantRejected bool
		wantErr      bool
	}{
		{
			name:         "booked with id",
			status:       http.StatusCreated,
			responseBody: map[string]any{"id": "appt-1"},
			wantID:       "appt-1",
		},
		{
			name:         "booked with eventId",
			status:       http.StatusOK,
			responseBody: map[string]any{"eventId": "evt-2"},
			wantID:       "evt-2",
		},
		{
			name:         "conflict is a rejection",
			status:       http.StatusUnprocessableEntity,
			responseBody: map[string]any{"message": "slot no longer available"},
			wantRejected: true,
			wantErr:      true,
		},
		{
			name:         "server error is not a rejection",
			status:       http.StatusBadGateway,
			responseBody: map[string]any{},
			wantErr:      true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotBody map[string]any
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, http.MethodPost, r.Method)
				require.Equal(t, "/calendars/events/appointments", r.URL.Path)
				_ = json.NewDecoder(r.Body).Decode(&gotBody)
				w.WriteHeader(tt.status)
				_ = json.NewEncoder(w).Encode(tt.responseBody)
			}))
			defer srv.Close()

			client := NewGHLClient(srv.URL, 5*time.Second, testLogger())
			slot := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
			result, err := client.Book(context.Background(), tenant.Credentials{"access_token": "tok"}, BookingRequest{
				TenantID:          "t1",
				CalendarID:        "cal-1",
				ProviderContactID: "contact-9",
				Slot:              slot,
				DurationMinutes:   30,
				Timezone:          "UTC",
			})

			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.wantRejected, errors.Is(err, ErrBookingRejected))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, result.BookingID)
			assert.Equal(t, "cal-1", gotBody["calendarId"])
			assert.Equal(t, "contact-9", gotBody["contactId"])
			assert.Equal(t, "2026-09-01T10:00:00Z", gotBody["startTime"])
			assert.Equal(t, "2026-09-01T10:30:00Z", gotBody["endTime"])
		})
	}
}

func TestGHLClientSend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/conversations/messages", r.URL.Path)
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, "SMS", body["type"])
		assert.Equal(t, "contact-9", body["contactId"])
		assert.Equal(t, "See you Tuesday!", body["message"])
		_ = json.NewEncoder(w).Encode(map[string]any{"messageId": "msg-7"})
	}))
	defer srv.Close()

	client := NewGHLClient(srv.URL, 5*time.Second, testLogger())
	result, err := client.Send(context.Background(), tenant.Credentials{"access_token": "tok"}, SendRequest{
		ProviderContactID: "contact-9",
		Text:              "See you Tuesday!",
	})
	require.NoError(t, err)
	assert.Equal(t, "msg-7", result.ProviderMsgID)
	assert.False(t, result.DryRun)
}

func TestStubCalendar(t *testing.T) {
	loc := time.UTC
	// Monday anchor so the next 7 days include weekend gaps.
	now := time.Date(2026, 8, 31, 9, 0, 0, 0, loc)
	cal := NewStubCalendar(now, loc)

	result, err := cal.FreeSlots(context.Background(), nil, "cal-1", now, now.AddDate(0, 0, 7), "UTC")
	require.NoError(t, err)
	require.NotEmpty(t, result.Slots)
	for _, slot := range result.Slots {
		assert.NotEqual(t, time.Saturday, slot.Weekday())
		assert.NotEqual(t, time.Sunday, slot.Weekday())
	}

	booked, err := cal.Book(context.Background(), nil, BookingRequest{Slot: result.Slots[0]})
	require.NoError(t, err)
	assert.NotEmpty(t, booked.BookingID)

	_, err = cal.Book(context.Background(), nil, BookingRequest{Slot: now.Add(30 * time.Minute)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBookingRejected))
}

func TestStubMessenger(t *testing.T) {
	m := NewStubMessenger()
	result, err := m.Send(context.Background(), nil, SendRequest{MessageID: "m-1", Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "dryrun-m-1", result.ProviderMsgID)
	assert.True(t, result.DryRun)
	require.Len(t, m.Sent(), 1)
	assert.Equal(t, "hi", m.Sent()[0].Text)
}
