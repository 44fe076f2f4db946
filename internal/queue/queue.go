package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Manager owns every job state transition. Claim and the failure paths run
// on the shared pool; completion runs inside the job's own transaction via
// CompleteTx so the terminal transition commits atomically with the job's
// side effects.
type Manager struct {
	db          *sqlx.DB
	backoff     Backoff
	maxAttempts int
}

func NewManager(db *sqlx.DB) *Manager {
	return &Manager{
		db:          db,
		backoff:     DefaultBackoff(),
		maxAttempts: DefaultMaxAttempts,
	}
}

// WithRetryPolicy overrides the default backoff and attempt cap.
func (m *Manager) WithRetryPolicy(backoff Backoff, maxAttempts int) *Manager {
	m.backoff = backoff
	if maxAttempts > 0 {
		m.maxAttempts = maxAttempts
	}
	return m
}

// MaxAttempts returns the attempt cap after which failures are terminal.
func (m *Manager) MaxAttempts() int { return m.maxAttempts }

// Claim atomically locks up to batchSize eligible jobs for workerID. The
// locked CTE select skips rows held by concurrent claimers, so two workers
// can never both claim the same job. An empty result is not an error.
func (m *Manager) Claim(ctx context.Context, workerID string, batchSize int) ([]Job, error) {
	query := `
		WITH eligible AS (
			SELECT job_id
			FROM jobs
			WHERE status = $1
			  AND run_after <= now()
			ORDER BY status, run_after, created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs j
		SET status = $3,
		    locked_by = $4,
		    locked_at = now(),
		    updated_at = now()
		FROM eligible
		WHERE j.job_id = eligible.job_id
		RETURNING j.job_id, j.tenant_id, j.job_type, j.inbound_event_id,
		          j.status, j.attempts, j.run_after, j.locked_by, j.locked_at,
		          j.last_error, j.trace_id, j.created_at, j.updated_at
	`

	var jobs []Job
	err := m.db.SelectContext(ctx, &jobs, query, StatusQueued, batchSize, StatusProcessing, workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}

	return jobs, nil
}

// CompleteTx marks a claimed job done inside the caller's transaction.
func (m *Manager) CompleteTx(ctx context.Context, tx sqlx.ExtContext, jobID string) error {
	query := `
		UPDATE jobs
		SET status = $2,
		    locked_by = NULL,
		    locked_at = NULL,
		    last_error = NULL,
		    updated_at = now()
		WHERE job_id = $1 AND status = $3
	`

	res, err := tx.ExecContext(ctx, query, jobID, StatusDone, StatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotProcessing
	}

	return nil
}

// Fail records a processing failure. Below the attempt cap the job goes
// back to queued with a backoff delay; at the cap it turns failed and
// stays there until an operator intervenes.
func (m *Manager) Fail(ctx context.Context, job *Job, cause error) error {
	code, retryable := ClassifyError(cause)
	jobErr := JobError{Code: code, Message: cause.Error()}
	attempts := job.Attempts + 1

	if !retryable || attempts >= m.maxAttempts {
		return m.failTerminal(ctx, job.JobID, jobErr)
	}

	delay := m.backoff.Delay(attempts)
	query := `
		UPDATE jobs
		SET status = $2,
		    attempts = attempts + 1,
		    run_after = now() + $3 * interval '1 second',
		    locked_by = NULL,
		    locked_at = NULL,
		    last_error = $4,
		    updated_at = now()
		WHERE job_id = $1 AND status = $5
	`

	res, err := m.db.ExecContext(ctx, query, job.JobID, StatusQueued, delay.Seconds(), jobErr.encode(), StatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotProcessing
	}

	return nil
}

func (m *Manager) failTerminal(ctx context.Context, jobID string, jobErr JobError) error {
	query := `
		UPDATE jobs
		SET status = $2,
		    attempts = attempts + 1,
		    locked_by = NULL,
		    locked_at = NULL,
		    last_error = $3,
		    updated_at = now()
		WHERE job_id = $1 AND status = $4
	`

	res, err := m.db.ExecContext(ctx, query, jobID, StatusFailed, jobErr.encode(), StatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotProcessing
	}

	return nil
}

// ReclaimStale requeues processing jobs whose lock is older than the
// threshold. These are jobs whose worker died mid-flight. The reclaim
// counts as an attempt, and a row at the cap goes to failed instead of
// queued so a job that keeps killing its worker cannot loop forever.
func (m *Manager) ReclaimStale(ctx context.Context, threshold time.Duration) (int64, error) {
	jobErr := JobError{Code: CodeStaleLock, Message: "worker lock expired at attempt cap"}
	query := `
		UPDATE jobs
		SET attempts = attempts + 1,
		    status = CASE WHEN attempts + 1 >= $4 THEN $5 ELSE $1 END,
		    last_error = CASE WHEN attempts + 1 >= $4 THEN $6 ELSE last_error END,
		    locked_by = NULL,
		    locked_at = NULL,
		    updated_at = now()
		WHERE status = $2
		  AND locked_at < now() - $3 * interval '1 second'
	`

	res, err := m.db.ExecContext(ctx, query, StatusQueued, StatusProcessing, threshold.Seconds(),
		m.maxAttempts, StatusFailed, jobErr.encode())
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale jobs: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count reclaimed jobs: %w", err)
	}
	return n, nil
}

// ForceFail terminally fails a stuck job on operator request, regardless
// of its attempt count.
func (m *Manager) ForceFail(ctx context.Context, jobID, reason string) error {
	jobErr := JobError{Code: CodeForceFailed, Message: reason}
	query := `
		UPDATE jobs
		SET status = $2,
		    locked_by = NULL,
		    locked_at = NULL,
		    last_error = $3,
		    updated_at = now()
		WHERE job_id = $1 AND status IN ($4, $5)
	`

	res, err := m.db.ExecContext(ctx, query, jobID, StatusFailed, jobErr.encode(), StatusQueued, StatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to force-fail job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrJobNotFound
	}

	return nil
}

// Requeue puts a terminally failed job back in the queue with a reset
// attempt count. Operator path only.
func (m *Manager) Requeue(ctx context.Context, jobID string) error {
	query := `
		UPDATE jobs
		SET status = $2,
		    attempts = 0,
		    run_after = now(),
		    last_error = NULL,
		    updated_at = now()
		WHERE job_id = $1 AND status = $3
	`

	res, err := m.db.ExecContext(ctx, query, jobID, StatusQueued, StatusFailed)
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrJobNotFound
	}

	return nil
}

// Enqueue inserts a job for an inbound event. The partial unique index on
// (job_type, inbound_event_id) over non-terminal statuses makes repeated
// ingestion of the same event a no-op; ok reports whether a row was
// actually inserted.
func (m *Manager) Enqueue(ctx context.Context, tx sqlx.ExtContext, job *Job) (bool, error) {
	query := `
		INSERT INTO jobs (
			job_id, tenant_id, job_type, inbound_event_id,
			status, attempts, run_after, trace_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, 0, now(), $6, now(), now())
		ON CONFLICT (job_type, inbound_event_id) WHERE status IN ('queued', 'processing')
		DO NOTHING
	`

	res, err := tx.ExecContext(ctx, query, job.JobID, job.TenantID, job.JobType, job.InboundEventID, StatusQueued, job.TraceID)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue job: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check enqueue result: %w", err)
	}
	return n > 0, nil
}
