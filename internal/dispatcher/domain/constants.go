package domain

// JobState is the lifecycle state of a bulk send job
type JobState string

// Job state constants
const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateCanceled  JobState = "canceled"
)

// IsTerminal reports whether no further transitions are possible
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateCanceled:
		return true
	}
	return false
}

// IsValid reports whether s is a known state
func (s JobState) IsValid() bool {
	switch s {
	case JobStateQueued, JobStateRunning, JobStateCompleted, JobStateFailed, JobStateCanceled:
		return true
	}
	return false
}

// MessageType selects the message specification variant
type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeTemplate MessageType = "template"
)

// Template component types
const (
	ComponentHeader = "header"
	ComponentBody   = "body"
	ComponentButton = "button"
)

// Template parameter types
const (
	ParameterText     = "text"
	ParameterCurrency = "currency"
	ParameterDateTime = "date_time"
	ParameterImage    = "image"
)

// EventType identifies a progress event
type EventType string

const (
	EventConnection     EventType = "connection"
	EventBatchStarted   EventType = "batch_started"
	EventBatchCompleted EventType = "batch_completed"
	EventMessageSent    EventType = "message_sent"
	EventMessageFailed  EventType = "message_failed"
	EventJobCompleted   EventType = "job_completed"
)
