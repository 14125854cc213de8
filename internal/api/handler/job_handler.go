package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/wa-dispatcher/internal/api/dto"
	"github.com/cuongbtq/wa-dispatcher/internal/dispatcher"
	"github.com/cuongbtq/wa-dispatcher/internal/dispatcher/domain"
)

// CreateJob handles POST /api/v1/jobs
// Validates and enqueues a bulk send job. Processing starts in the background
func (h *JobHandler) CreateJob(c *gin.Context) {
	// 1. Validate request body
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	// 2. Enqueue job
	job, err := h.queue.Enqueue(req.ToInput())
	if err != nil {
		switch {
		case domain.IsValidationError(err):
			h.logger.Warn("Job rejected",
				slog.String("tenant_id", req.TenantID),
				slog.String("error", err.Error()),
			)
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
			})
		case errors.Is(err, domain.ErrQueueClosed):
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error": err.Error(),
			})
		default:
			h.logger.Error("Failed to enqueue job", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to enqueue job",
			})
		}
		return
	}

	// 3. Return the queued snapshot
	c.JSON(http.StatusAccepted, dto.NewJobDTO(job, false))
}

// GetJob handles GET /api/v1/jobs/:job_id
// Returns the job snapshot including per-recipient results
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")

	job, err := h.queue.GetJob(jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}
		h.logger.Error("Failed to get job", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(job, true))
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs newest first with optional filtering and cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	// 1. Parse query parameters
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	// 2. Validate parameters
	if req.PageSize <= 0 {
		req.PageSize = 20
	}

	if req.PageSize > 100 {
		req.PageSize = 100
	}

	state := domain.JobState(req.State)
	if state != "" && !state.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid state",
		})
		return
	}

	// 3. Decode cursor for pagination
	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	// 4. Query the registry
	jobs := h.queue.ListJobs(dispatcher.ListFilter{
		TenantID: req.TenantID,
		State:    state,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})

	// 5. Prepare response with next cursor if more results exist
	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	jobResponse := make([]dto.JobDTO, len(jobs))
	for i, job := range jobs {
		jobResponse[i] = dto.NewJobDTO(job, false)
	}

	var nextCursor string
	if hasMore {
		lastJob := jobs[len(jobs)-1]
		nextCursor = EncodeJobCursor(&dispatcher.Cursor{
			CreatedAt: lastJob.CreatedAt,
			JobID:     lastJob.ID,
		})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

// Health handles GET /health
func (h *JobHandler) Health(c *gin.Context) {
	status := "healthy"
	code := http.StatusOK

	checks := make(map[string]string, len(h.checks))
	for name, checker := range h.checks {
		if err := checker.HealthCheck(c.Request.Context()); err != nil {
			h.logger.Warn("Health check failed",
				slog.String("service", name),
				slog.String("error", err.Error()),
			)
			checks[name] = err.Error()
			status = "unhealthy"
			code = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	c.JSON(code, gin.H{
		"status":    status,
		"service":   "wa-dispatcher",
		"checks":    checks,
		"jobs":      h.queue.Stats(),
		"streaming": h.broadcaster.Stats(),
	})
}
