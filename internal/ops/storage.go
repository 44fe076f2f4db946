// Package ops is the operator API: job inspection and intervention
// (force-fail, requeue, reclaim), plus a conversation context view for
// debugging routing decisions. It is read-mostly; every mutation goes
// through the queue manager's guarded transitions.
package ops

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/humtech/bookingbot/internal/convo"
	"github.com/humtech/bookingbot/internal/queue"
	"github.com/humtech/bookingbot/internal/store"
)

// JobCursor marks a position in the jobs listing, keyed on
// (created_at, job_id) to keep pagination stable under inserts.
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// JobFilter narrows the jobs listing.
type JobFilter struct {
	TenantID string
	Status   string
	JobType  string
	PageSize int
	Cursor   *JobCursor
}

// Storage is the read model over the worker's tables.
type Storage struct {
	db *sqlx.DB
}

func NewStorage(db *sqlx.DB) *Storage {
	return &Storage{db: db}
}

// ListJobs returns up to PageSize+1 jobs matching the filter, newest
// first. The extra row tells the handler whether a next page exists.
func (s *Storage) ListJobs(ctx context.Context, filter JobFilter) ([]queue.Job, error) {
	query := `
		SELECT
			job_id, tenant_id, job_type, inbound_event_id,
			status, attempts, run_after, locked_by, locked_at,
			last_error, trace_id, created_at, updated_at
		FROM jobs
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if filter.TenantID != "" {
		query += fmt.Sprintf(" AND tenant_id = $%d", argIdx)
		args = append(args, filter.TenantID)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.JobType != "" {
		query += fmt.Sprintf(" AND job_type = $%d", argIdx)
		args = append(args, filter.JobType)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, job_id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var jobs []queue.Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// GetJob loads one job by id.
func (s *Storage) GetJob(ctx context.Context, jobID string) (*queue.Job, error) {
	query := `
		SELECT
			job_id, tenant_id, job_type, inbound_event_id,
			status, attempts, run_after, locked_by, locked_at,
			last_error, trace_id, created_at, updated_at
		FROM jobs
		WHERE job_id = $1
	`

	var job queue.Job
	err := s.db.GetContext(ctx, &job, query, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, queue.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// Conversation loads a conversation with its decoded context and the
// most recent messages, oldest first.
func (s *Storage) Conversation(ctx context.Context, conversationID string, messageLimit int) (*convo.Conversation, []store.Message, error) {
	conv, err := convo.NewStore(s.db).Get(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}

	msgs, err := store.New(s.db).RecentMessages(ctx, conversationID, messageLimit)
	if err != nil {
		return nil, nil, err
	}
	return conv, msgs, nil
}
