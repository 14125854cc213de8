package whatsapp

import (
	"strconv"
	"strings"

	"github.com/cuongbtq/wa-dispatcher/internal/dispatcher/domain"
)

type messagePayload struct {
	MessagingProduct string           `json:"messaging_product"`
	RecipientType    string           `json:"recipient_type"`
	To               string           `json:"to"`
	Type             string           `json:"type"`
	Text             *textPayload     `json:"text,omitempty"`
	Template         *templatePayload `json:"template,omitempty"`
}

type textPayload struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"preview_url"`
}

type templatePayload struct {
	Name       string             `json:"name"`
	Language   languagePayload    `json:"language"`
	Components []componentPayload `json:"components,omitempty"`
}

type languagePayload struct {
	Code string `json:"code"`
}

type componentPayload struct {
	Type       string             `json:"type"`
	SubType    string             `json:"sub_type,omitempty"`
	Index      string             `json:"index,omitempty"`
	Parameters []parameterPayload `json:"parameters,omitempty"`
}

type parameterPayload struct {
	Type     string                 `json:"type"`
	Text     string                 `json:"text,omitempty"`
	Currency *domain.CurrencyValue  `json:"currency,omitempty"`
	DateTime *domain.DateTimeValue  `json:"date_time,omitempty"`
	Image    *domain.MediaReference `json:"image,omitempty"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type errorResponse struct {
	Error struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
		FBTraceID    string `json:"fbtrace_id"`
	} `json:"error"`
}

// buildPayload renders the Cloud API request body for one recipient
func buildPayload(to string, msg domain.MessageSpec, vars map[string]string) messagePayload {
	p := messagePayload{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             string(msg.Type),
	}

	switch msg.Type {
	case domain.MessageTypeText:
		p.Text = &textPayload{
			Body:       substitutePlaceholders(msg.Text.Body, vars),
			PreviewURL: msg.Text.PreviewURL,
		}
	case domain.MessageTypeTemplate:
		t := &templatePayload{
			Name:     msg.Template.Name,
			Language: languagePayload{Code: msg.Template.Language},
		}
		for _, c := range msg.Template.Components {
			cp := componentPayload{Type: c.Type, SubType: c.SubType}
			if c.Index != nil {
				cp.Index = strconv.Itoa(*c.Index)
			}
			for _, param := range c.Parameters {
				pp := parameterPayload{
					Type:     param.Type,
					Currency: param.Currency,
					DateTime: param.DateTime,
					Image:    param.Image,
				}
				if param.Type == domain.ParameterText {
					pp.Text = resolveParameter(param.Text, vars)
				}
				cp.Parameters = append(cp.Parameters, pp)
			}
			t.Components = append(t.Components, cp)
		}
		p.Template = t
	}

	return p
}

// resolveParameter replaces a text parameter naming a variable, as "key" or "{{key}}", with its value
func resolveParameter(value string, vars map[string]string) string {
	if len(vars) == 0 {
		return value
	}
	key := strings.TrimSpace(value)
	if strings.HasPrefix(key, "{{") && strings.HasSuffix(key, "}}") {
		key = strings.TrimSpace(key[2 : len(key)-2])
	}
	if v, ok := vars[key]; ok {
		return v
	}
	return value
}

// substitutePlaceholders replaces every {{key}} in s that has a variable
func substitutePlaceholders(s string, vars map[string]string) string {
	if len(vars) == 0 || !strings.Contains(s, "{{") {
		return s
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(s)
}
