package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchCount(t *testing.T) {
	tests := []struct {
		name  string
		total int
		size  int
		want  int
	}{
		{name: "exact multiple", total: 100, size: 50, want: 2},
		{name: "remainder", total: 120, size: 50, want: 3},
		{name: "single recipient", total: 1, size: 50, want: 1},
		{name: "batch of one", total: 7, size: 1, want: 7},
		{name: "no recipients", total: 0, size: 50, want: 0},
		{name: "invalid size", total: 10, size: 0, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BatchCount(tt.total, tt.size))
		})
	}
}

func TestMessageSpec_Validate(t *testing.T) {
	idx := 0
	tests := []struct {
		name    string
		msg     MessageSpec
		wantErr bool
	}{
		{
			name: "valid text",
			msg:  MessageSpec{Type: MessageTypeText, Text: &TextMessage{Body: "hello"}},
		},
		{
			name:    "text without body",
			msg:     MessageSpec{Type: MessageTypeText, Text: &TextMessage{}},
			wantErr: true,
		},
		{
			name: "valid template",
			msg:  MessageSpec{Type: MessageTypeTemplate, Template: &TemplateSpec{
				Name:     "order_update",
				Language: "en_US",
				Components: []TemplateComponent{
					{Type: ComponentBody, Parameters: []TemplateParameter{{Type: ParameterText, Text: "name"}}},
					{Type: ComponentButton, SubType: "url", Index: &idx, Parameters: []TemplateParameter{{Type: ParameterText, Text: "abc"}}},
				},
			}},
		},
		{
			name:    "template without language",
			msg:     MessageSpec{Type: MessageTypeTemplate, Template: &TemplateSpec{Name: "order_update"}},
			wantErr: true,
		},
		{
			name: "button without index",
			msg:  MessageSpec{Type: MessageTypeTemplate, Template: &TemplateSpec{
				Name: "t", Language: "en", Components: []TemplateComponent{{Type: ComponentButton, SubType: "url"}},
			}},
			wantErr: true,
		},
		{
			name: "image parameter without reference",
			msg:  MessageSpec{Type: MessageTypeTemplate, Template: &TemplateSpec{
				Name: "t", Language: "en", Components: []TemplateComponent{
					{Type: ComponentHeader, Parameters: []TemplateParameter{{Type: ParameterImage, Image: &MediaReference{}}}},
				},
			}},
			wantErr: true,
		},
		{
			name:    "unknown type",
			msg:     MessageSpec{Type: "audio"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidInput))
				assert.True(t, IsValidationError(err))
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestJobInput_VariablesFor(t *testing.T) {
	in := JobInput{
		Variables: map[string]string{"name": "Customer", "shop": "Acme"},
		RecipientVariables: map[string]map[string]string{
			"628111": {"name": "Budi"},
		},
	}

	own := in.VariablesFor("628111")
	assert.Equal(t, "Budi", own["name"])
	assert.Equal(t, "Acme", own["shop"])

	shared := in.VariablesFor("628222")
	assert.Equal(t, "Customer", shared["name"])

	// the shared map is not mutated by merging
	assert.Equal(t, "Customer", in.Variables["name"])
}

func TestJobInput_NormalizedRecipients(t *testing.T) {
	in := JobInput{Recipients: []string{" 628111 ", "", "   ", "628222"}}
	assert.Equal(t, []string{"628111", "628222"}, in.NormalizedRecipients())
}

func TestJob_CloneIsDeep(t *testing.T) {
	now := time.Now()
	job := &Job{ID: "j1", Results: []SendResult{{To: "a", Success: true}}, StartedAt: &now}

	cp := job.Clone()
	cp.Results[0].To = "changed"
	*cp.StartedAt = now.Add(time.Hour)

	assert.Equal(t, "a", job.Results[0].To)
	assert.Equal(t, now, *job.StartedAt)
}

func TestEvent_MarshalJSON(t *testing.T) {
	t.Run("batch started carries index and totals", func(t *testing.T) {
		data, err := json.Marshal(Event{Type: EventBatchStarted, JobID: "j1", BatchIndex: 0, TotalBatches: 3, Size: 50})
		require.NoError(t, err)

		var m map[string]any
		require.NoError(t, json.Unmarshal(data, &m))
		assert.Equal(t, "batch_started", m["type"])
		assert.Equal(t, "j1", m["jobId"])
		assert.Equal(t, float64(0), m["batchIndex"])
		assert.Equal(t, float64(0), m["sent"])
		assert.NotContains(t, m, "to")
	})

	t.Run("message failed carries error payload", func(t *testing.T) {
		data, err := json.Marshal(Event{Type: EventMessageFailed, JobID: "j1", To: "628111", Error: &SendError{Status: 400, Message: "bad"}, Failed: 1})
		require.NoError(t, err)

		var m map[string]any
		require.NoError(t, json.Unmarshal(data, &m))
		assert.Equal(t, "628111", m["to"])
		assert.Equal(t, float64(1), m["failed"])
		errPayload := m["error"].(map[string]any)
		assert.Equal(t, "bad", errPayload["message"])
	})

	t.Run("job completed omits empty error", func(t *testing.T) {
		data, err := json.Marshal(CompletionEvent(Job{ID: "j1", State: JobStateCompleted, Sent: 2, TotalRecipients: 2}))
		require.NoError(t, err)

		var m map[string]any
		require.NoError(t, json.Unmarshal(data, &m))
		assert.Equal(t, "completed", m["state"])
		assert.Equal(t, float64(2), m["total"])
		assert.NotContains(t, m, "error")
	})
}

func TestJobState(t *testing.T) {
	assert.False(t, JobStateQueued.IsTerminal())
	assert.False(t, JobStateRunning.IsTerminal())
	assert.True(t, JobStateCompleted.IsTerminal())
	assert.True(t, JobStateFailed.IsTerminal())
	assert.True(t, JobStateCanceled.IsTerminal())
	assert.False(t, JobState("paused").IsValid())
}
