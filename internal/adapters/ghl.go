package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/humtech/bookingbot/internal/tenant"
)

// DefaultGHLBaseURL is the production CRM endpoint.
const DefaultGHLBaseURL = "https://services.leadconnectorhq.com"

const ghlAPIVersion = "2021-07-28"

// GHLClient talks to a GoHighLevel-style CRM: calendar free slots,
// appointment booking, and conversation messages.
type GHLClient struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func NewGHLClient(baseURL string, timeout time.Duration, logger *slog.Logger) *GHLClient {
	if baseURL == "" {
		baseURL = DefaultGHLBaseURL
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &GHLClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// FreeSlots fetches availability. The API keys the response by date with a
// top-level traceId mixed in, so decoding is shape-driven.
func (g *GHLClient) FreeSlots(ctx context.Context, creds tenant.Credentials, calendarID string, start, end time.Time, timezone string) (SlotsResult, error) {
	q := url.Values{}
	q.Set("startDate", strconv.FormatInt(start.UnixMilli(), 10))
	q.Set("endDate", strconv.FormatInt(end.UnixMilli(), 10))
	q.Set("timezone", timezone)

	endpoint := fmt.Sprintf("%s/calendars/%s/free-slots?%s", g.baseURL, calendarID, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return SlotsResult{}, fmt.Errorf("failed to build free-slots request: %w", err)
	}
	g.setHeaders(req, creds)

	resp, err := g.client.Do(req)
	if err != nil {
		return SlotsResult{}, fmt.Errorf("free-slots call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return SlotsResult{}, fmt.Errorf("free-slots unauthorized: check token scope")
	}
	if resp.StatusCode != http.StatusOK {
		return SlotsResult{}, fmt.Errorf("free-slots returned status %d", resp.StatusCode)
	}

	var body map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return SlotsResult{}, fmt.Errorf("failed to decode free-slots response: %w", err)
	}

	var result SlotsResult
	if raw, ok := body["traceId"]; ok {
		_ = json.Unmarshal(raw, &result.ProviderTraceID)
	}

	seen := make(map[string]bool)
	for key, raw := range body {
		if key == "traceId" {
			continue
		}
		var day struct {
			Slots []string `json:"slots"`
		}
		if err := json.Unmarshal(raw, &day); err != nil {
			continue
		}
		for _, s := range day.Slots {
			if seen[s] {
				continue
			}
			seen[s] = true
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				continue
			}
			result.Slots = append(result.Slots, t)
		}
	}

	return result, nil
}

// Book creates an appointment. A 4xx is a rejection routed back into the
// state machine, not a retryable failure.
func (g *GHLClient) Book(ctx context.Context, creds tenant.Credentials, req BookingRequest) (BookingResult, error) {
	duration := req.DurationMinutes
	if duration <= 0 {
		duration = 60
	}

	body := map[string]any{
		"calendarId": req.CalendarID,
		"contactId":  req.ProviderContactID,
		"startTime":  req.Slot.Format(time.RFC3339),
		"endTime":    req.Slot.Add(time.Duration(duration) * time.Minute).Format(time.RFC3339),
		"timezone":   req.Timezone,
		"title":      "Appointment (bot-booked)",
	}
	if req.LocationID != "" {
		body["locationId"] = req.LocationID
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return BookingResult{}, fmt.Errorf("failed to encode booking request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.baseURL+"/calendars/events/appointments", bytes.NewReader(raw))
	if err != nil {
		return BookingResult{}, fmt.Errorf("failed to build booking request: %w", err)
	}
	g.setHeaders(httpReq, creds)
	httpReq.Header.Set("Content-Type", "application/json")

	g.logger.Info("booking slot",
		slog.String("tenant_id", req.TenantID),
		slog.String("calendar_id", req.CalendarID),
		slog.Time("slot", req.Slot),
	)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return BookingResult{}, fmt.Errorf("booking call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 300))
		return BookingResult{}, fmt.Errorf("%w: status %d: %s", ErrBookingRejected, resp.StatusCode, detail)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return BookingResult{}, fmt.Errorf("booking returned status %d", resp.StatusCode)
	}

	var data map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return BookingResult{}, fmt.Errorf("failed to decode booking response: %w", err)
	}

	bookingID := stringField(data, "id")
	if bookingID == "" {
		bookingID = stringField(data, "eventId")
	}
	if bookingID == "" {
		bookingID = "ghl-" + uuid.NewString()
	}

	return BookingResult{BookingID: bookingID, Raw: data}, nil
}

// Send delivers an outbound message through the CRM conversations API.
func (g *GHLClient) Send(ctx context.Context, creds tenant.Credentials, req SendRequest) (SendResult, error) {
	body := map[string]any{
		"type":      "SMS",
		"contactId": req.ProviderContactID,
		"message":   req.Text,
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return SendResult{}, fmt.Errorf("failed to encode send request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.baseURL+"/conversations/messages", bytes.NewReader(raw))
	if err != nil {
		return SendResult{}, fmt.Errorf("failed to build send request: %w", err)
	}
	g.setHeaders(httpReq, creds)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return SendResult{}, fmt.Errorf("send call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 300))
		return SendResult{}, fmt.Errorf("send returned status %d: %s", resp.StatusCode, detail)
	}

	var data map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return SendResult{}, fmt.Errorf("failed to decode send response: %w", err)
	}

	providerMsgID := stringField(data, "messageId")
	if providerMsgID == "" {
		providerMsgID = stringField(data, "id")
	}

	return SendResult{ProviderMsgID: providerMsgID, Raw: data}, nil
}

func (g *GHLClient) setHeaders(req *http.Request, creds tenant.Credentials) {
	req.Header.Set("Authorization", "Bearer "+creds.Token("access_token"))
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Version", ghlAPIVersion)
}

func stringField(data map[string]any, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
