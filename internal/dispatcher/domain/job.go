package domain

import (
	"strings"
	"time"
)

// Job is a snapshot of one bulk send request and its progress
type Job struct {
	ID              string       `json:"id"`
	TenantID        string       `json:"tenant_id"`
	CampaignID      string       `json:"campaign_id,omitempty"`
	TotalRecipients int          `json:"total_recipients"`
	BatchSize       int          `json:"batch_size"`
	TotalBatches    int          `json:"total_batches"`
	State           JobState     `json:"state"`
	Sent            int          `json:"sent"`
	Failed          int          `json:"failed"`
	Results         []SendResult `json:"results"`
	Error           string       `json:"error,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	StartedAt       *time.Time   `json:"started_at,omitempty"`
	FinishedAt      *time.Time   `json:"finished_at,omitempty"`
}

// Clone returns a deep copy safe to hand to readers
func (j *Job) Clone() Job {
	cp := *j
	cp.Results = append([]SendResult(nil), j.Results...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		cp.FinishedAt = &t
	}
	return cp
}

// JobInput is a caller-supplied bulk send request
type JobInput struct {
	TenantID           string                       `json:"tenant_id"`
	CampaignID         string                       `json:"campaign_id,omitempty"`
	Recipients         []string                     `json:"recipients"`
	Message            MessageSpec                  `json:"message"`
	Variables          map[string]string            `json:"variables,omitempty"`
	RecipientVariables map[string]map[string]string `json:"recipient_variables,omitempty"`
}

// NormalizedRecipients trims recipients and drops blank entries
func (in JobInput) NormalizedRecipients() []string {
	out := make([]string, 0, len(in.Recipients))
	for _, r := range in.Recipients {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

// VariablesFor merges shared variables with the recipient's own map; recipient keys win
func (in JobInput) VariablesFor(to string) map[string]string {
	own := in.RecipientVariables[to]
	if len(own) == 0 {
		return in.Variables
	}
	if len(in.Variables) == 0 {
		return own
	}
	merged := make(map[string]string, len(in.Variables)+len(own))
	for k, v := range in.Variables {
		merged[k] = v
	}
	for k, v := range own {
		merged[k] = v
	}
	return merged
}

// BatchCount returns ceil(total / size)
func BatchCount(total, size int) int {
	if total <= 0 || size <= 0 {
		return 0
	}
	return (total + size - 1) / size
}

// SendRecord is what the send log port persists for each delivered message
type SendRecord struct {
	TenantID   string
	MessageID  string
	To         string
	JobID      string
	CampaignID string
	BatchIndex int
	SentAt     time.Time
}
