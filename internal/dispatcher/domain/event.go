package domain

import (
	"encoding/json"
	"time"
)

// Event is one progress notification for a job
type Event struct {
	Type         EventType
	JobID        string
	Timestamp    time.Time
	BatchIndex   int
	TotalBatches int
	Size         int
	To           string
	MessageID    string
	Error        any
	Sent         int
	Failed       int
	Total        int
	State        JobState
}

// MarshalJSON emits only the fields that belong to the event type
func (e Event) MarshalJSON() ([]byte, error) {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	m := map[string]any{
		"type":      e.Type,
		"jobId":     e.JobID,
		"timestamp": ts.UTC().Format(time.RFC3339Nano),
	}

	switch e.Type {
	case EventBatchStarted, EventBatchCompleted:
		m["batchIndex"] = e.BatchIndex
		m["totalBatches"] = e.TotalBatches
		m["size"] = e.Size
		m["sent"] = e.Sent
		m["failed"] = e.Failed
	case EventMessageSent:
		m["batchIndex"] = e.BatchIndex
		m["to"] = e.To
		m["messageId"] = e.MessageID
		m["sent"] = e.Sent
		m["failed"] = e.Failed
	case EventMessageFailed:
		m["batchIndex"] = e.BatchIndex
		m["to"] = e.To
		m["error"] = e.Error
		m["sent"] = e.Sent
		m["failed"] = e.Failed
	case EventJobCompleted:
		m["state"] = e.State
		m["sent"] = e.Sent
		m["failed"] = e.Failed
		m["total"] = e.Total
		if e.Error != nil {
			m["error"] = e.Error
		}
	}

	return json.Marshal(m)
}

// IsTerminal reports whether no more events follow for the job
func (e Event) IsTerminal() bool {
	return e.Type == EventJobCompleted
}

// ConnectionEvent acknowledges a new subscriber
func ConnectionEvent(jobID string) Event {
	return Event{Type: EventConnection, JobID: jobID, Timestamp: time.Now()}
}

// CompletionEvent builds the terminal event from a job snapshot
func CompletionEvent(job Job) Event {
	ev := Event{
		Type:      EventJobCompleted,
		JobID:     job.ID,
		Timestamp: time.Now(),
		State:     job.State,
		Sent:      job.Sent,
		Failed:    job.Failed,
		Total:     job.TotalRecipients,
	}
	if job.Error != "" {
		ev.Error = job.Error
	}
	return ev
}
