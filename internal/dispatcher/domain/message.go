package domain

import (
	"encoding/json"
	"fmt"
)

// MessageSpec describes what is sent to every recipient of a job
type MessageSpec struct {
	Type     MessageType   `json:"type"`
	Text     *TextMessage  `json:"text,omitempty"`
	Template *TemplateSpec `json:"template,omitempty"`
}

// TextMessage is a free-text message body
type TextMessage struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"preview_url"`
}

// TemplateSpec references an approved message template
type TemplateSpec struct {
	Name       string              `json:"name"`
	Language   string              `json:"language"`
	Components []TemplateComponent `json:"components,omitempty"`
}

// TemplateComponent is a header, body or button block of a template
type TemplateComponent struct {
	Type       string              `json:"type"`
	SubType    string              `json:"sub_type,omitempty"`
	Index      *int                `json:"index,omitempty"`
	Parameters []TemplateParameter `json:"parameters,omitempty"`
}

// TemplateParameter is one typed value substituted into a template
type TemplateParameter struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Currency *CurrencyValue  `json:"currency,omitempty"`
	DateTime *DateTimeValue  `json:"date_time,omitempty"`
	Image    *MediaReference `json:"image,omitempty"`
}

// CurrencyValue is a localized currency amount
type CurrencyValue struct {
	FallbackValue string `json:"fallback_value"`
	Code          string `json:"code"`
	Amount1000    int64  `json:"amount_1000"`
}

// DateTimeValue is a localized date-time
type DateTimeValue struct {
	FallbackValue string `json:"fallback_value"`
}

// MediaReference points to uploaded media by id or to a public link
type MediaReference struct {
	ID   string `json:"id,omitempty"`
	Link string `json:"link,omitempty"`
}

// Validate checks the variant-specific required fields
func (m MessageSpec) Validate() error {
	switch m.Type {
	case MessageTypeText:
		if m.Text == nil || m.Text.Body == "" {
			return NewValidationError(ErrInvalidInput, "text message requires a body")
		}
	case MessageTypeTemplate:
		if m.Template == nil || m.Template.Name == "" {
			return NewValidationError(ErrInvalidInput, "template message requires a name")
		}
		if m.Template.Language == "" {
			return NewValidationError(ErrInvalidInput, "template %q requires a language code", m.Template.Name)
		}
		for i, c := range m.Template.Components {
			if err := c.validate(); err != nil {
				return NewValidationError(ErrInvalidInput, "component %d: %v", i, err)
			}
		}
	default:
		return NewValidationError(ErrInvalidInput, "unsupported message type %q", m.Type)
	}
	return nil
}

func (c TemplateComponent) validate() error {
	switch c.Type {
	case ComponentHeader, ComponentBody:
	case ComponentButton:
		if c.SubType == "" || c.Index == nil {
			return fmt.Errorf("button component requires sub_type and index")
		}
	default:
		return fmt.Errorf("unsupported component type %q", c.Type)
	}

	for j, p := range c.Parameters {
		switch p.Type {
		case ParameterText:
		case ParameterCurrency:
			if p.Currency == nil {
				return fmt.Errorf("parameter %d: currency value missing", j)
			}
		case ParameterDateTime:
			if p.DateTime == nil {
				return fmt.Errorf("parameter %d: date_time value missing", j)
			}
		case ParameterImage:
			if p.Image == nil || (p.Image.ID == "" && p.Image.Link == "") {
				return fmt.Errorf("parameter %d: image requires id or link", j)
			}
		default:
			return fmt.Errorf("parameter %d: unsupported type %q", j, p.Type)
		}
	}
	return nil
}

// SendError is the opaque failure payload of one send
type SendError struct {
	Status  int             `json:"status,omitempty"`
	Code    int             `json:"code,omitempty"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

func (e *SendError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("provider status %d: %s", e.Status, e.Message)
	}
	return e.Message
}

// SendResult is the outcome of one outbound message
type SendResult struct {
	To        string     `json:"to"`
	Success   bool       `json:"success"`
	MessageID string     `json:"message_id,omitempty"`
	Error     *SendError `json:"error,omitempty"`
	Attempts  int        `json:"attempts"`
}

// Credentials are the sending account of a tenant
type Credentials struct {
	PhoneNumberID string
	AccessToken   string
}
