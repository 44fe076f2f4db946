package ops

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/humtech/bookingbot/internal/convo"
	"github.com/humtech/bookingbot/internal/queue"
	"github.com/humtech/bookingbot/internal/store"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100

	defaultMessageLimit = 20
	defaultStaleAfter   = 5 * time.Minute
)

// jobControl is the slice of queue.Manager the handlers mutate through.
type jobControl interface {
	ForceFail(ctx context.Context, jobID, reason string) error
	Requeue(ctx context.Context, jobID string) error
	ReclaimStale(ctx context.Context, threshold time.Duration) (int64, error)
}

// readModel abstracts Storage for the handlers.
type readModel interface {
	ListJobs(ctx context.Context, filter JobFilter) ([]queue.Job, error)
	GetJob(ctx context.Context, jobID string) (*queue.Job, error)
	Conversation(ctx context.Context, conversationID string, messageLimit int) (*convo.Conversation, []store.Message, error)
}

// Dependencies holds everything the operator API needs.
type Dependencies struct {
	Logger     *slog.Logger
	DB         *sqlx.DB
	Queue      *queue.Manager
	StaleAfter time.Duration
}

// Handler serves the operator endpoints.
type Handler struct {
	logger     *slog.Logger
	storage    readModel
	queue      jobControl
	staleAfter time.Duration
}

// NewHandler creates a Handler from deps.
func NewHandler(deps *Dependencies) *Handler {
	staleAfter := deps.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	return &Handler{
		logger:     deps.Logger,
		storage:    NewStorage(deps.DB),
		queue:      deps.Queue,
		staleAfter: staleAfter,
	}
}

type jobDTO struct {
	JobID          string          `json:"job_id"`
	TenantID       string          `json:"tenant_id"`
	JobType        string          `json:"job_type"`
	InboundEventID string          `json:"inbound_event_id"`
	Status         string          `json:"status"`
	Attempts       int             `json:"attempts"`
	RunAfter       string          `json:"run_after"`
	LockedBy       *string         `json:"locked_by,omitempty"`
	LockedAt       *string         `json:"locked_at,omitempty"`
	LastError      json.RawMessage `json:"last_error,omitempty"`
	TraceID        string          `json:"trace_id"`
	CreatedAt      string          `json:"created_at"`
	UpdatedAt      string          `json:"updated_at"`
}

func toJobDTO(job *queue.Job) jobDTO {
	dto := jobDTO{
		JobID:          job.JobID,
		TenantID:       job.TenantID,
		JobType:        job.JobType,
		InboundEventID: job.InboundEventID,
		Status:         job.Status,
		Attempts:       job.Attempts,
		RunAfter:       job.RunAfter.Format(time.RFC3339),
		TraceID:        job.TraceID,
		CreatedAt:      job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      job.UpdatedAt.Format(time.RFC3339),
	}
	if job.LockedBy.Valid {
		dto.LockedBy = &job.LockedBy.String
	}
	if job.LockedAt.Valid {
		at := job.LockedAt.Time.Format(time.RFC3339)
		dto.LockedAt = &at
	}
	if job.LastError.Valid {
		raw := job.LastError.String
		if json.Valid([]byte(raw)) {
			dto.LastError = json.RawMessage(raw)
		} else {
			encoded, _ := json.Marshal(raw)
			dto.LastError = encoded
		}
	}
	return dto
}

type listJobsRequest struct {
	TenantID string `form:"tenant_id"`
	Status   string `form:"status"`
	JobType  string `form:"job_type"`
	Cursor   string `form:"cursor"`
	PageSize int    `form:"page_size"`
}

type listJobsResponse struct {
	Jobs       []jobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

// ListJobs handles GET /api/v1/jobs.
func (h *Handler) ListJobs(c *gin.Context) {
	var req listJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query parameters"})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cursor"})
		return
	}

	jobs, err := h.storage.ListJobs(c.Request.Context(), JobFilter{
		TenantID: req.TenantID,
		Status:   req.Status,
		JobType:  req.JobType,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list jobs"})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	resp := listJobsResponse{Jobs: make([]jobDTO, len(jobs))}
	for i := range jobs {
		resp.Jobs[i] = toJobDTO(&jobs[i])
	}
	if hasMore {
		last := jobs[len(jobs)-1]
		resp.NextCursor = EncodeJobCursor(&JobCursor{CreatedAt: last.CreatedAt, JobID: last.JobID})
	}

	c.JSON(http.StatusOK, resp)
}

// GetJob handles GET /api/v1/jobs/:job_id.
func (h *Handler) GetJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	job, err := h.storage.GetJob(c.Request.Context(), jobID)
	if errors.Is(err, queue.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to get job", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get job"})
		return
	}

	c.JSON(http.StatusOK, toJobDTO(job))
}

type forceFailRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// ForceFail handles POST /api/v1/jobs/:job_id/force-fail. It fails a
// queued or processing job terminally; the reason lands in last_error.
func (h *Handler) ForceFail(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	var req forceFailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reason is required"})
		return
	}

	err := h.queue.ForceFail(c.Request.Context(), jobID, req.Reason)
	if errors.Is(err, queue.ErrJobNotFound) {
		c.JSON(http.StatusConflict, gin.H{"error": "job not found or not active"})
		return
	}
	if err != nil {
		h.logger.Error("failed to force-fail job", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to force-fail job"})
		return
	}

	h.logger.Info("job force-failed",
		slog.String("job_id", jobID),
		slog.String("reason", req.Reason),
	)
	c.JSON(http.StatusOK, gin.H{"job_id": jobID, "status": queue.StatusFailed})
}

// RequeueJob handles POST /api/v1/jobs/:job_id/requeue. Only terminally
// failed jobs can go back in the queue.
func (h *Handler) RequeueJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	err := h.queue.Requeue(c.Request.Context(), jobID)
	if errors.Is(err, queue.ErrJobNotFound) {
		c.JSON(http.StatusConflict, gin.H{"error": "job not found or not failed"})
		return
	}
	if err != nil {
		h.logger.Error("failed to requeue job", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to requeue job"})
		return
	}

	h.logger.Info("job requeued", slog.String("job_id", jobID))
	c.JSON(http.StatusOK, gin.H{"job_id": jobID, "status": queue.StatusQueued})
}

type reclaimStaleRequest struct {
	ThresholdSeconds int `json:"threshold_seconds"`
}

// ReclaimStale handles POST /api/v1/jobs/reclaim-stale. It returns
// processing jobs with stale locks to the queue, same as the worker's
// reaper, but on demand.
func (h *Handler) ReclaimStale(c *gin.Context) {
	threshold := h.staleAfter

	var req reclaimStaleRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if req.ThresholdSeconds > 0 {
			threshold = time.Duration(req.ThresholdSeconds) * time.Second
		}
	}

	n, err := h.queue.ReclaimStale(c.Request.Context(), threshold)
	if err != nil {
		h.logger.Error("failed to reclaim stale jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to reclaim stale jobs"})
		return
	}

	h.logger.Info("stale jobs reclaimed",
		slog.Int64("count", n),
		slog.Duration("threshold", threshold),
	)
	c.JSON(http.StatusOK, gin.H{"reclaimed": n, "threshold_seconds": int(threshold.Seconds())})
}

type messageDTO struct {
	MessageID     string `json:"message_id"`
	Direction     string `json:"direction"`
	Channel       string `json:"channel"`
	Text          string `json:"text"`
	SendStatus    string `json:"send_status,omitempty"`
	SendAttempts  int    `json:"send_attempts,omitempty"`
	SendLastError string `json:"send_last_error,omitempty"`
	TraceID       string `json:"trace_id"`
	CreatedAt     string `json:"created_at"`
}

type conversationResponse struct {
	ConversationID string        `json:"conversation_id"`
	TenantID       string        `json:"tenant_id"`
	ContactID      string        `json:"contact_id"`
	Status         string        `json:"status"`
	LastIntent     string        `json:"last_intent,omitempty"`
	Context        convo.Context `json:"context"`
	Messages       []messageDTO  `json:"messages"`
	CreatedAt      string        `json:"created_at"`
	UpdatedAt      string        `json:"updated_at"`
}

// GetConversation handles GET /api/v1/conversations/:conversation_id.
// It returns the decoded context alongside recent messages so an
// operator can see exactly what the router saw.
func (h *Handler) GetConversation(c *gin.Context) {
	conversationID := c.Param("conversation_id")
	if _, err := uuid.Parse(conversationID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversation_id must be a valid UUID"})
		return
	}

	conv, msgs, err := h.storage.Conversation(c.Request.Context(), conversationID, defaultMessageLimit)
	if errors.Is(err, convo.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to get conversation",
			slog.String("conversation_id", conversationID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get conversation"})
		return
	}

	resp := conversationResponse{
		ConversationID: conv.ConversationID,
		TenantID:       conv.TenantID,
		ContactID:      conv.ContactID,
		Status:         conv.Status,
		LastIntent:     conv.LastIntent.String,
		Context:        conv.Context,
		Messages:       make([]messageDTO, len(msgs)),
		CreatedAt:      conv.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      conv.UpdatedAt.Format(time.RFC3339),
	}
	for i, m := range msgs {
		resp.Messages[i] = messageDTO{
			MessageID:     m.MessageID,
			Direction:     m.Direction,
			Channel:       m.Channel,
			Text:          m.Text,
			SendStatus:    m.SendStatus.String,
			SendAttempts:  m.SendAttempts,
			SendLastError: m.SendLastError.String,
			TraceID:       m.TraceID,
			CreatedAt:     m.CreatedAt.Format(time.RFC3339),
		}
	}

	c.JSON(http.StatusOK, resp)
}

func (h *Handler) jobID(c *gin.Context) (string, bool) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "job_id must be a valid UUID"})
		return "", false
	}
	return jobID, true
}
