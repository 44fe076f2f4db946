// Package store persists contacts, inbound events, and the message
// transcript. All methods run on whatever executor they are handed, so the
// pipeline can keep every write of a job inside one transaction.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

var (
	// ErrEventNotFound is returned when a job references a missing inbound event
	ErrEventNotFound = errors.New("inbound event not found")

	// ErrMessageNotFound is returned when a message id does not exist
	ErrMessageNotFound = errors.New("message not found")
)

// Message directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Outbound send states, progressed by the sender loop.
const (
	SendStatusPending = "pending"
	SendStatusSending = "sending"
	SendStatusSent    = "sent"
	SendStatusFailed  = "failed"
)

// Inbound event types.
const (
	EventNewLead        = "new_lead"
	EventInboundMessage = "inbound_message"
)

// InboundEvent is the append-only record of a raw external message. Owned
// by the ingestion layer; read-only here.
type InboundEvent struct {
	InboundEventID string          `db:"inbound_event_id"`
	TenantID       string          `db:"tenant_id"`
	Provider       string          `db:"provider"`
	ProviderMsgID  sql.NullString  `db:"provider_msg_id"`
	Channel        string          `db:"channel"`
	ChannelAddress string          `db:"channel_address"`
	DedupeKey      string          `db:"dedupe_key"`
	EventType      string          `db:"event_type"`
	Payload        json.RawMessage `db:"payload"`
	TraceID        string          `db:"trace_id"`
	CreatedAt      time.Time       `db:"created_at"`
}

// Text extracts the message body from the provider payload, trying the
// shapes webhooks actually use.
func (e *InboundEvent) Text() string {
	var payload struct {
		Text    string          `json:"text"`
		Body    string          `json:"body"`
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return ""
	}
	if payload.Text != "" {
		return payload.Text
	}
	if payload.Body != "" {
		return payload.Body
	}
	if len(payload.Message) > 0 {
		var asString string
		if err := json.Unmarshal(payload.Message, &asString); err == nil {
			return asString
		}
		var nested struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(payload.Message, &nested); err == nil {
			return nested.Text
		}
	}
	return ""
}

// DisplayName extracts the sender's name from the payload if present.
func (e *InboundEvent) DisplayName() string {
	var payload struct {
		DisplayName string `json:"display_name"`
		Name        string `json:"name"`
		FullName    string `json:"full_name"`
	}
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return ""
	}
	for _, v := range []string{payload.DisplayName, payload.Name, payload.FullName} {
		if v != "" {
			return v
		}
	}
	return ""
}

// ProviderContactID extracts the provider-side contact reference, which
// the messaging adapter needs to route outbound sends.
func (e *InboundEvent) ProviderContactID() string {
	var payload struct {
		ContactID      string `json:"contactId"`
		ContactIDSnake string `json:"contact_id"`
	}
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return ""
	}
	if payload.ContactID != "" {
		return payload.ContactID
	}
	return payload.ContactIDSnake
}

// Message is one transcript row.
type Message struct {
	MessageID      string          `db:"message_id"`
	TenantID       string          `db:"tenant_id"`
	ConversationID string          `db:"conversation_id"`
	ContactID      string          `db:"contact_id"`
	Direction      string          `db:"direction"`
	Provider       string          `db:"provider"`
	ProviderMsgID  sql.NullString  `db:"provider_msg_id"`
	Channel        string          `db:"channel"`
	Text           string          `db:"text"`
	Payload        json.RawMessage `db:"payload"`
	SendStatus     sql.NullString  `db:"send_status"`
	SendAttempts   int             `db:"send_attempts"`
	SendNextAt     sql.NullTime    `db:"send_next_at"`
	SendLastError  sql.NullString  `db:"send_last_error"`
	TraceID        string          `db:"trace_id"`
	CreatedAt      time.Time       `db:"created_at"`
}

// Store wraps an executor for contact/event/message persistence.
type Store struct {
	db sqlx.ExtContext
}

func New(db sqlx.ExtContext) *Store {
	return &Store{db: db}
}

// GetInboundEvent loads the event a job references.
func (s *Store) GetInboundEvent(ctx context.Context, inboundEventID string) (*InboundEvent, error) {
	query := `
		SELECT inbound_event_id, tenant_id, provider, provider_msg_id,
		       channel, channel_address, dedupe_key, event_type, payload,
		       trace_id, created_at
		FROM inbound_events
		WHERE inbound_event_id = $1
	`

	var ev InboundEvent
	err := sqlx.GetContext(ctx, s.db, &ev, query, inboundEventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get inbound event: %w", err)
	}

	return &ev, nil
}

// UpsertContact creates or refreshes a contact keyed by (tenant, channel,
// address). Identity fields never change on conflict; the display name
// fills in when newly learned and metadata merges.
func (s *Store) UpsertContact(ctx context.Context, tenantID, channel, address, displayName string, metadata json.RawMessage) (string, error) {
	if len(metadata) == 0 {
		metadata = json.RawMessage("{}")
	}

	query := `
		INSERT INTO contacts (
			contact_id, tenant_id, channel, channel_address, display_name,
			metadata, created_at, updated_at
		) VALUES (
			gen_random_uuid(), $1, $2, $3, NULLIF($4, ''), $5, now(), now()
		)
		ON CONFLICT (tenant_id, channel, channel_address)
		DO UPDATE SET
			display_name = COALESCE(EXCLUDED.display_name, contacts.display_name),
			metadata = contacts.metadata || EXCLUDED.metadata,
			updated_at = now()
		RETURNING contact_id
	`

	var contactID string
	err := sqlx.GetContext(ctx, s.db, &contactID, query, tenantID, channel, address, displayName, metadata)
	if err != nil {
		return "", fmt.Errorf("failed to upsert contact: %w", err)
	}

	return contactID, nil
}

// ContactAddress returns the channel address for a contact.
func (s *Store) ContactAddress(ctx context.Context, contactID string) (string, error) {
	var address string
	err := sqlx.GetContext(ctx, s.db, &address,
		`SELECT channel_address FROM contacts WHERE contact_id = $1`, contactID)
	if err != nil {
		return "", fmt.Errorf("failed to get contact address: %w", err)
	}
	return address, nil
}

// InsertInboundMessage records the inbound message idempotently: keyed by
// (tenant, provider, provider_msg_id) when the provider supplied an id,
// else by the dedupe key. Returns the existing row's id on a duplicate, so
// job retries never double-insert.
func (s *Store) InsertInboundMessage(ctx context.Context, ev *InboundEvent, conversationID, contactID, text string) (string, error) {
	query := `
		WITH existing AS (
			SELECT m.message_id
			FROM messages m
			WHERE m.tenant_id = $1
			  AND m.direction = 'inbound'
			  AND (
			    ($4::text IS NOT NULL AND m.provider = $3 AND m.provider_msg_id = $4)
			    OR
			    ($4::text IS NULL AND m.payload->>'dedupe_key' = $5)
			  )
			LIMIT 1
		),
		ins AS (
			INSERT INTO messages (
				message_id, tenant_id, conversation_id, contact_id,
				direction, provider, provider_msg_id, channel, text, payload,
				trace_id, created_at
			)
			SELECT
				gen_random_uuid(), $1, $6, $7,
				'inbound', $3, $4, $8, $9,
				COALESCE($10::jsonb, '{}'::jsonb) || jsonb_build_object(
					'inbound_event_id', $2::text,
					'dedupe_key', $5::text,
					'event_type', $11::text
				),
				$12, now()
			WHERE NOT EXISTS (SELECT 1 FROM existing)
			RETURNING message_id
		)
		SELECT COALESCE(
			(SELECT message_id FROM ins),
			(SELECT message_id FROM existing)
		) AS message_id
	`

	var providerMsgID sql.NullString
	if ev.ProviderMsgID.Valid && ev.ProviderMsgID.String != "" {
		providerMsgID = ev.ProviderMsgID
	}

	var messageID string
	err := sqlx.GetContext(ctx, s.db, &messageID, query,
		ev.TenantID, ev.InboundEventID, ev.Provider, providerMsgID, ev.DedupeKey,
		conversationID, contactID, ev.Channel, text, ev.Payload, ev.EventType, ev.TraceID)
	if err != nil {
		return "", fmt.Errorf("failed to insert inbound message: %w", err)
	}

	return messageID, nil
}

// OutboundPayload is the diagnostic payload stored on outbound rows.
type OutboundPayload struct {
	Route         string          `json:"route"`
	TextFinal     string          `json:"text_final"`
	EventType     string          `json:"event_type,omitempty"`
	OfferedSlots  []time.Time     `json:"offered_slots,omitempty"`
	CalendarCheck json.RawMessage `json:"calendar_check,omitempty"`
	BookingID     string          `json:"booking_id,omitempty"`
	ClassifierErr string          `json:"classifier_error,omitempty"`
}

// InsertOutboundMessage creates a pending outbound row for the sender loop.
// Idempotent per (conversation, inbound trace): a retried job that already
// produced a reply for this trace reuses it instead of inserting another.
func (s *Store) InsertOutboundMessage(ctx context.Context, ev *InboundEvent, conversationID, contactID, text string, payload OutboundPayload) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode outbound payload: %w", err)
	}

	query := `
		WITH existing AS (
			SELECT message_id
			FROM messages
			WHERE conversation_id = $2
			  AND direction = 'outbound'
			  AND trace_id = $8
			LIMIT 1
		),
		ins AS (
			INSERT INTO messages (
				message_id, tenant_id, conversation_id, contact_id,
				direction, provider, channel, text, payload,
				send_status, send_attempts, trace_id, created_at
			)
			SELECT
				gen_random_uuid(), $1, $2, $3,
				'outbound', $4, $5, $6, $7,
				'pending', 0, $8, now()
			WHERE NOT EXISTS (SELECT 1 FROM existing)
			RETURNING message_id
		)
		SELECT COALESCE(
			(SELECT message_id FROM ins),
			(SELECT message_id FROM existing)
		) AS message_id
	`

	var messageID string
	err = sqlx.GetContext(ctx, s.db, &messageID, query,
		ev.TenantID, conversationID, contactID, ev.Provider, ev.Channel, text, raw, ev.TraceID)
	if err != nil {
		return "", fmt.Errorf("failed to insert outbound message: %w", err)
	}

	return messageID, nil
}

// RecentMessages returns the newest limit messages of the conversation in
// chronological order, so the classifier's history window follows the
// conversation instead of freezing on its first turns.
func (s *Store) RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	query := `
		SELECT message_id, tenant_id, conversation_id, contact_id,
		       direction, provider, provider_msg_id, channel, text, payload,
		       send_status, send_attempts, send_next_at, send_last_error,
		       trace_id, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC, message_id DESC
		LIMIT $2
	`

	var messages []Message
	if err := sqlx.SelectContext(ctx, s.db, &messages, query, conversationID, limit); err != nil {
		return nil, fmt.Errorf("failed to load recent messages: %w", err)
	}

	reverseMessages(messages)
	return messages, nil
}

func reverseMessages(messages []Message) {
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
}
