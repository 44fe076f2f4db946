// Package tenant loads per-tenant configuration and credentials. Every
// entity in the system is tenant-scoped; the settings blob on the tenant
// row decides timezones, availability windows, bot behaviour, and which
// calendar/messaging providers serve the tenant.
package tenant

import (
	"encoding/json"
	"time"

	"github.com/humtech/bookingbot/internal/classify"
	"github.com/humtech/bookingbot/internal/slots"
)

// DefaultTimezone applies when neither the tenant nor its calendar
// settings name one.
const DefaultTimezone = "Europe/London"

// Tenant is one customer account.
type Tenant struct {
	TenantID         string          `db:"tenant_id"`
	TenantSlug       string          `db:"tenant_slug"`
	IsEnabled        bool            `db:"is_enabled"`
	CalendarAdapter  string          `db:"calendar_adapter"`
	MessagingAdapter string          `db:"messaging_adapter"`
	RawSettings      json.RawMessage `db:"settings"`

	Settings Settings `db:"-"`
}

// Settings is the tenant settings blob. Unknown keys are tolerated here,
// unlike the conversation context: tenants are configured by operators and
// the blob doubles as a place for provider-specific extras.
type Settings struct {
	Timezone  string            `json:"timezone,omitempty"`
	Calendar  CalendarSettings  `json:"calendar,omitempty"`
	Booking   BookingSettings   `json:"booking,omitempty"`
	Messaging MessagingSettings `json:"messaging,omitempty"`
	Bot       BotSettings       `json:"bot,omitempty"`
	LLM       classify.LLMSettings `json:"llm,omitempty"`
}

type CalendarSettings struct {
	CalendarID string `json:"calendar_id,omitempty"`
	Timezone   string `json:"timezone,omitempty"`
}

type BookingSettings struct {
	Availability slots.Availability `json:"availability,omitempty"`
	LookaheadDays int               `json:"lookahead_days,omitempty"`
}

type MessagingSettings struct {
	DryRun bool `json:"dry_run,omitempty"`
}

type BotSettings struct {
	FirstTouchTemplate string `json:"first_touch_template,omitempty"`
	Context            string `json:"context,omitempty"`
	Persona            string `json:"persona,omitempty"`
}

// DefaultLookaheadDays is how far ahead availability is searched when the
// tenant does not override it.
const DefaultLookaheadDays = 14

// Timezone resolves the tenant timezone with the fallback chain
// settings.timezone -> settings.calendar.timezone -> default.
func (t *Tenant) Timezone() string {
	if t.Settings.Timezone != "" {
		return t.Settings.Timezone
	}
	if t.Settings.Calendar.Timezone != "" {
		return t.Settings.Calendar.Timezone
	}
	return DefaultTimezone
}

// Location loads the tenant timezone, falling back to UTC only if the
// configured zone name is invalid.
func (t *Tenant) Location() *time.Location {
	loc, err := time.LoadLocation(t.Timezone())
	if err != nil {
		return time.UTC
	}
	return loc
}

// Lookahead is the availability search horizon.
func (t *Tenant) Lookahead() time.Duration {
	days := t.Settings.Booking.LookaheadDays
	if days <= 0 {
		days = DefaultLookaheadDays
	}
	return time.Duration(days) * 24 * time.Hour
}

func (t *Tenant) decodeSettings() error {
	if len(t.RawSettings) == 0 {
		t.Settings = Settings{}
		return nil
	}
	// Malformed settings degrade to defaults rather than blocking every
	// job for the tenant.
	if err := json.Unmarshal(t.RawSettings, &t.Settings); err != nil {
		t.Settings = Settings{}
	}
	return nil
}

// Credentials is a decrypted provider credential set, keyed by field name
// (access_token, location_id, api_key, ...).
type Credentials map[string]string

// Token returns the named field or empty.
func (c Credentials) Token(field string) string {
	if c == nil {
		return ""
	}
	return c[field]
}
