package dto

import (
	"time"

	"github.com/cuongbtq/wa-dispatcher/internal/dispatcher/domain"
)

// CreateJobRequest is the body of POST /api/v1/jobs and of intake queue messages
type CreateJobRequest struct {
	RequestID          string                       `json:"request_id,omitempty"`
	TenantID           string                       `json:"tenant_id" binding:"required"`
	CampaignID         string                       `json:"campaign_id,omitempty"`
	Recipients         []string                     `json:"recipients"`
	Message            domain.MessageSpec           `json:"message"`
	Variables          map[string]string            `json:"variables,omitempty"`
	RecipientVariables map[string]map[string]string `json:"recipient_variables,omitempty"`
}

// ToInput converts the request into a dispatcher job input
func (r *CreateJobRequest) ToInput() domain.JobInput {
	return domain.JobInput{
		TenantID:           r.TenantID,
		CampaignID:         r.CampaignID,
		Recipients:         r.Recipients,
		Message:            r.Message,
		Variables:          r.Variables,
		RecipientVariables: r.RecipientVariables,
	}
}

type ListJobsRequest struct {
	TenantID string `form:"tenant_id"`
	State    string `form:"state"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID           string              `json:"job_id"`
	TenantID        string              `json:"tenant_id"`
	CampaignID      string              `json:"campaign_id,omitempty"`
	State           string              `json:"state"`
	TotalRecipients int                 `json:"total_recipients"`
	BatchSize       int                 `json:"batch_size"`
	TotalBatches    int                 `json:"total_batches"`
	Sent            int                 `json:"sent"`
	Failed          int                 `json:"failed"`
	Error           string              `json:"error,omitempty"`
	Results         []domain.SendResult `json:"results,omitempty"`
	CreatedAt       string              `json:"created_at"`
	StartedAt       string              `json:"started_at,omitempty"`
	FinishedAt      string              `json:"finished_at,omitempty"`
}

// NewJobDTO maps a job snapshot. Per-recipient results are included only when withResults is set
func NewJobDTO(job domain.Job, withResults bool) JobDTO {
	out := JobDTO{
		JobID:           job.ID,
		TenantID:        job.TenantID,
		CampaignID:      job.CampaignID,
		State:           string(job.State),
		TotalRecipients: job.TotalRecipients,
		BatchSize:       job.BatchSize,
		TotalBatches:    job.TotalBatches,
		Sent:            job.Sent,
		Failed:          job.Failed,
		Error:           job.Error,
		CreatedAt:       job.CreatedAt.Format(time.RFC3339Nano),
	}
	if job.StartedAt != nil {
		out.StartedAt = job.StartedAt.Format(time.RFC3339Nano)
	}
	if job.FinishedAt != nil {
		out.FinishedAt = job.FinishedAt.Format(time.RFC3339Nano)
	}
	if withResults {
		out.Results = job.Results
		if out.Results == nil {
			out.Results = []domain.SendResult{}
		}
	}
	return out
}

type RecentSendsRequest struct {
	TenantID string `form:"tenant_id" binding:"required"`
	Page     int    `form:"page"`
	PageSize int    `form:"page_size"`
}

type SentMessageDTO struct {
	MessageID string `json:"message_id"`
	To        string `json:"to"`
	JobID     string `json:"job_id"`
	SentAt    string `json:"sent_at"`
}

type RecentSendsResponse struct {
	TenantID string           `json:"tenant_id"`
	Total    int64            `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
	Messages []SentMessageDTO `json:"messages"`
}
