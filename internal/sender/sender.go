// Package sender delivers pending outbound messages through the messaging
// adapter. Delivery is deliberately outside the job transaction: the
// pipeline only ever enqueues rows, and this loop owns the pending ->
// sending -> sent/failed progression with its own retry schedule.
package sender

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/humtech/bookingbot/internal/adapters"
	"github.com/humtech/bookingbot/internal/store"
	"github.com/humtech/bookingbot/internal/tenant"
)

// MaxAttempts is how many delivery attempts a message gets before it is
// parked as failed.
const MaxAttempts = 3

// backoffSchedule is indexed by attempt number (1-based); later attempts
// reuse the last entry.
var backoffSchedule = []time.Duration{30 * time.Second, 2 * time.Minute, 10 * time.Minute}

// Backoff returns the delay before the next attempt after `attempt`
// failures.
func Backoff(attempt int) time.Duration {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(backoffSchedule) {
		idx = len(backoffSchedule) - 1
	}
	return backoffSchedule[idx]
}

// Stats summarizes one delivery pass.
type Stats struct {
	Selected int
	Sent     int
	Failed   int
	Skipped  int
	DryRun   int
}

// outboundRow is a claimed message joined with its contact address.
type outboundRow struct {
	MessageID      string `db:"message_id"`
	TenantID       string `db:"tenant_id"`
	ConversationID string `db:"conversation_id"`
	ContactID      string `db:"contact_id"`
	Provider       string `db:"provider"`
	Channel        string `db:"channel"`
	Text              string `db:"text"`
	SendAttempts      int    `db:"send_attempts"`
	ChannelAddress    string `db:"channel_address"`
	ProviderContactID string `db:"provider_contact_id"`
}

// TenantLoader loads tenant configuration for delivery settings.
type TenantLoader interface {
	Load(ctx context.Context, tenantID string) (*tenant.Tenant, error)
}

// Sender is the outbound delivery loop. Safe for a single goroutine; run
// one per process.
type Sender struct {
	db         *sqlx.DB
	messengers map[string]adapters.Messenger
	resolver   tenant.Resolver
	tenants    TenantLoader
	logger     *slog.Logger
	now        func() time.Time
}

func New(db *sqlx.DB, messengers map[string]adapters.Messenger, resolver tenant.Resolver, logger *slog.Logger) *Sender {
	return &Sender{
		db:         db,
		messengers: messengers,
		resolver:   resolver,
		tenants:    tenant.NewStore(db, logger),
		logger:     logger,
		now:        time.Now,
	}
}

// WithTenantLoader overrides tenant loading. Used by tests.
func (s *Sender) WithTenantLoader(l TenantLoader) *Sender {
	s.tenants = l
	return s
}

// WithClock overrides the time source. Used by tests.
func (s *Sender) WithClock(now func() time.Time) *Sender {
	s.now = now
	return s
}

// SendPending claims up to limit due messages and attempts delivery.
// Claiming flips pending -> sending atomically, so concurrent passes never
// double-send; every later update is guarded on the sending state.
func (s *Sender) SendPending(ctx context.Context, limit int) (Stats, error) {
	claimQuery := `
		WITH candidates AS (
			SELECT message_id
			FROM messages
			WHERE direction = 'outbound'
			  AND send_status = $1
			  AND (send_next_at IS NULL OR send_next_at <= now())
			ORDER BY created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE messages m
		SET send_status = $3,
		    send_claimed_at = now()
		FROM candidates c
		WHERE m.message_id = c.message_id
		  AND m.send_status = $1
		RETURNING m.message_id
	`

	var claimed []string
	if err := sqlx.SelectContext(ctx, s.db, &claimed, claimQuery,
		store.SendStatusPending, limit, store.SendStatusSending); err != nil {
		return Stats{}, fmt.Errorf("failed to claim outbound messages: %w", err)
	}

	stats := Stats{Selected: len(claimed)}
	if len(claimed) == 0 {
		return stats, nil
	}

	fetchQuery := `
		SELECT m.message_id, m.tenant_id, m.conversation_id, m.contact_id,
		       m.provider, m.channel, m.text, m.send_attempts,
		       c.channel_address,
		       COALESCE(c.metadata->>'provider_contact_id', '') AS provider_contact_id
		FROM messages m
		JOIN contacts c ON c.contact_id = m.contact_id
		WHERE m.message_id = ANY($1)
		  AND m.direction = 'outbound'
		  AND m.send_status = $2
	`

	var rows []outboundRow
	if err := sqlx.SelectContext(ctx, s.db, &rows, fetchQuery,
		pq.Array(claimed), store.SendStatusSending); err != nil {
		return stats, fmt.Errorf("failed to fetch claimed messages: %w", err)
	}
	stats.Skipped = len(claimed) - len(rows)

	tenantCache := make(map[string]*tenant.Tenant)

	for i := range rows {
		row := &rows[i]

		tn, ok := tenantCache[row.TenantID]
		if !ok {
			loaded, err := s.tenants.Load(ctx, row.TenantID)
			if err != nil {
				s.markFailed(ctx, row, fmt.Sprintf("tenant unavailable: %s", err), &stats)
				continue
			}
			tn = loaded
			tenantCache[row.TenantID] = tn
		}

		result, err := s.deliver(ctx, tn, row)
		if err != nil {
			s.markFailed(ctx, row, err.Error(), &stats)
			continue
		}

		if err := s.markSent(ctx, row, result); err != nil {
			// The provider accepted the message but the bookkeeping write
			// failed; the sending-state guard stops a duplicate next pass.
			s.logger.Error("failed to mark message sent",
				slog.String("message_id", row.MessageID),
				slog.Any("error", err),
			)
			continue
		}

		stats.Sent++
		if result.DryRun {
			stats.DryRun++
		}
	}

	return stats, nil
}

// ReclaimStuck returns sending rows whose claim is older than the
// threshold to pending. These are messages whose pass died between the
// claim and the sent/failed bookkeeping; without this they would sit in
// sending forever and the reply would never go out. A row at the attempt
// cap goes to failed instead.
func (s *Sender) ReclaimStuck(ctx context.Context, threshold time.Duration) (int64, error) {
	query := `
		UPDATE messages
		SET send_attempts = send_attempts + 1,
		    send_status = CASE WHEN send_attempts + 1 >= $4 THEN $5 ELSE $1 END,
		    send_last_error = 'send attempt abandoned mid-flight',
		    send_next_at = NULL,
		    send_claimed_at = NULL
		WHERE direction = 'outbound'
		  AND send_status = $2
		  AND send_claimed_at < now() - $3 * interval '1 second'
	`

	res, err := s.db.ExecContext(ctx, query, store.SendStatusPending, store.SendStatusSending,
		threshold.Seconds(), MaxAttempts, store.SendStatusFailed)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stuck messages: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count reclaimed messages: %w", err)
	}
	return n, nil
}

// deliver performs one send attempt, honoring tenant dry-run mode.
func (s *Sender) deliver(ctx context.Context, tn *tenant.Tenant, row *outboundRow) (adapters.SendResult, error) {
	if tn.Settings.Messaging.DryRun {
		return adapters.SendResult{
			ProviderMsgID: "dryrun-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16],
			DryRun:        true,
		}, nil
	}

	messenger, ok := s.messengers[tn.MessagingAdapter]
	if !ok {
		return adapters.SendResult{}, fmt.Errorf("no messaging adapter registered for %q", tn.MessagingAdapter)
	}

	creds, err := s.resolver.Resolve(ctx, tn.TenantID, tn.MessagingAdapter)
	if err != nil && tn.MessagingAdapter != "stub" {
		return adapters.SendResult{}, fmt.Errorf("credentials unavailable: %w", err)
	}

	return messenger.Send(ctx, creds, adapters.SendRequest{
		TenantID:          row.TenantID,
		MessageID:         row.MessageID,
		Provider:          row.Provider,
		Channel:           row.Channel,
		ToAddress:         row.ChannelAddress,
		ProviderContactID: row.ProviderContactID,
		Text:              row.Text,
	})
}

func (s *Sender) markSent(ctx context.Context, row *outboundRow, result adapters.SendResult) error {
	response, _ := json.Marshal(map[string]any{
		"dry_run":    result.DryRun,
		"status":     "sent",
		"message_id": result.ProviderMsgID,
		"raw":        result.Raw,
	})

	query := `
		UPDATE messages
		SET provider_msg_id = $2,
		    send_status = $3,
		    send_next_at = NULL,
		    send_last_error = NULL,
		    payload = payload || jsonb_build_object('provider_response', $4::jsonb, 'sent_at', $5::text)
		WHERE message_id = $1
		  AND direction = 'outbound'
		  AND send_status = $6
	`
	if _, err := s.db.ExecContext(ctx, query, row.MessageID, result.ProviderMsgID,
		store.SendStatusSent, response, s.now().UTC().Format(time.RFC3339), store.SendStatusSending); err != nil {
		return fmt.Errorf("failed to mark sent: %w", err)
	}

	touch := `
		UPDATE conversations
		SET last_outbound_at = now(), updated_at = now()
		WHERE conversation_id = $1
	`
	if _, err := s.db.ExecContext(ctx, touch, row.ConversationID); err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	return nil
}

// markFailed schedules a retry, or parks the message as failed once the
// attempt budget is spent.
func (s *Sender) markFailed(ctx context.Context, row *outboundRow, errMsg string, stats *Stats) {
	attempts := row.SendAttempts + 1
	status := store.SendStatusPending
	var nextAt any
	if attempts >= MaxAttempts {
		status = store.SendStatusFailed
		nextAt = nil
	} else {
		nextAt = s.now().Add(Backoff(attempts))
	}

	s.logger.Warn("outbound send failed",
		slog.String("message_id", row.MessageID),
		slog.Int("attempts", attempts),
		slog.String("status", status),
		slog.String("error", errMsg),
	)

	query := `
		UPDATE messages
		SET send_status = $2,
		    send_attempts = $3,
		    send_next_at = $4,
		    send_last_error = $5
		WHERE message_id = $1
		  AND direction = 'outbound'
		  AND send_status = $6
	`
	if _, err := s.db.ExecContext(ctx, query, row.MessageID, status, attempts,
		nextAt, errMsg, store.SendStatusSending); err != nil {
		s.logger.Error("failed to record send failure",
			slog.String("message_id", row.MessageID),
			slog.Any("error", err),
		)
	}
	stats.Failed++
}
