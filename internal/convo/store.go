package convo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("conversation not found")

// Conversation is the persisted row plus its decoded context.
type Conversation struct {
	ConversationID string          `db:"conversation_id"`
	TenantID       string          `db:"tenant_id"`
	ContactID      string          `db:"contact_id"`
	Status         string          `db:"status"`
	LastIntent     sql.NullString  `db:"last_intent"`
	RawContext     json.RawMessage `db:"context"`
	CreatedAt      time.Time       `db:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"`

	Context Context `db:"-"`
}

const (
	StatusOpen   = "open"
	StatusClosed = "closed"
)

// Store reads and writes conversation state. It is scoped to whatever
// executor it is given, so the pipeline can hand it the job transaction.
type Store struct {
	db sqlx.ExtContext
}

func NewStore(db sqlx.ExtContext) *Store {
	return &Store{db: db}
}

// FindOpen loads the open conversation for a contact, decoding its context.
// Returns ErrNotFound when the contact has no open conversation.
func (s *Store) FindOpen(ctx context.Context, tenantID, contactID string) (*Conversation, error) {
	query := `
		SELECT
			conversation_id, tenant_id, contact_id, status,
			last_intent, context, created_at, updated_at
		FROM conversations
		WHERE tenant_id = $1 AND contact_id = $2 AND status = $3
	`

	var conv Conversation
	err := sqlx.GetContext(ctx, s.db, &conv, query, tenantID, contactID, StatusOpen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find open conversation: %w", err)
	}

	conv.Context, err = Decode(conv.RawContext)
	if err != nil {
		return nil, err
	}

	return &conv, nil
}

// Get loads a conversation by id regardless of status.
func (s *Store) Get(ctx context.Context, conversationID string) (*Conversation, error) {
	query := `
		SELECT
			conversation_id, tenant_id, contact_id, status,
			last_intent, context, created_at, updated_at
		FROM conversations
		WHERE conversation_id = $1
	`

	var conv Conversation
	err := sqlx.GetContext(ctx, s.db, &conv, query, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	conv.Context, err = Decode(conv.RawContext)
	if err != nil {
		return nil, err
	}

	return &conv, nil
}

// Open creates an open conversation for a contact. The partial unique
// index on (tenant_id, contact_id) WHERE status = 'open' makes a second
// concurrent open a constraint error rather than a duplicate.
func (s *Store) Open(ctx context.Context, conversationID, tenantID, contactID string, now time.Time) (*Conversation, error) {
	query := `
		INSERT INTO conversations (
			conversation_id, tenant_id, contact_id, status,
			context, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $6)
	`

	_, err := s.db.ExecContext(ctx, query, conversationID, tenantID, contactID, StatusOpen, []byte("{}"), now)
	if err != nil {
		return nil, fmt.Errorf("failed to open conversation: %w", err)
	}

	return &Conversation{
		ConversationID: conversationID,
		TenantID:       tenantID,
		ContactID:      contactID,
		Status:         StatusOpen,
		RawContext:     json.RawMessage("{}"),
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Save persists the conversation's context, last intent, and status.
// Closing is one-way: a closed conversation is never reopened here.
func (s *Store) Save(ctx context.Context, conv *Conversation, now time.Time) error {
	raw, err := conv.Context.Encode()
	if err != nil {
		return err
	}
	conv.RawContext = raw

	query := `
		UPDATE conversations
		SET context = $2, last_intent = $3, status = $4, updated_at = $5
		WHERE conversation_id = $1
	`

	res, err := s.db.ExecContext(ctx, query, conv.ConversationID, raw, conv.LastIntent, conv.Status, now)
	if err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}

	conv.UpdatedAt = now
	return nil
}
