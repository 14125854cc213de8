package dispatcher

import (
	"context"
	"errors"

	"github.com/cuongbtq/wa-dispatcher/internal/dispatcher/domain"
)

// CredentialsProvider resolves the sending account of a tenant
type CredentialsProvider interface {
	GetCredentials(ctx context.Context, tenantID string) (domain.Credentials, error)
}

// SendRecorder persists an acknowledgment for each delivered message
type SendRecorder interface {
	RecordSend(ctx context.Context, rec domain.SendRecord) error
}

// Sender delivers one message to one recipient
type Sender interface {
	Send(ctx context.Context, creds domain.Credentials, to string, msg domain.MessageSpec, vars map[string]string) domain.SendResult
}

// Emitter receives progress events for a job
type Emitter interface {
	Emit(jobID string, ev domain.Event)
}

type multiRecorder []SendRecorder

// Recorders fans a send record out to every non-nil recorder
func Recorders(recorders ...SendRecorder) SendRecorder {
	out := make(multiRecorder, 0, len(recorders))
	for _, r := range recorders {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

func (m multiRecorder) RecordSend(ctx context.Context, rec domain.SendRecord) error {
	var errs []error
	for _, r := range m {
		if err := r.RecordSend(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type noopEmitter struct{}

func (noopEmitter) Emit(string, domain.Event) {}
