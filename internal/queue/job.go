// Package queue is the job queue manager. Jobs live in Postgres; claiming
// uses row locks with a skip discipline so concurrent workers never
// contend on the same row, and every state transition is an explicit
// conditional update. Job rows are never deleted.
package queue

import (
	"database/sql"
	"time"
)

// Job status values. queued and processing are non-terminal; done and
// failed are terminal and never left automatically.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// Job types handled by the worker.
const (
	TypeProcessInbound = "process_inbound"
)

// Job is one unit of queued work, created by the ingestion layer and
// mutated only here. A partial unique index on (job_type, inbound_event_id)
// over non-terminal statuses guarantees retried ingestion never creates a
// duplicate.
type Job struct {
	JobID          string         `db:"job_id"`
	TenantID       string         `db:"tenant_id"`
	JobType        string         `db:"job_type"`
	InboundEventID string         `db:"inbound_event_id"`
	Status         string         `db:"status"`
	Attempts       int            `db:"attempts"`
	RunAfter       time.Time      `db:"run_after"`
	LockedBy       sql.NullString `db:"locked_by"`
	LockedAt       sql.NullTime   `db:"locked_at"`
	LastError      sql.NullString `db:"last_error"`
	TraceID        string         `db:"trace_id"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

// Terminal reports whether the job is in a final state.
func (j *Job) Terminal() bool {
	return j.Status == StatusDone || j.Status == StatusFailed
}
