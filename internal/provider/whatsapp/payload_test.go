package whatsapp

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/wa-dispatcher/internal/dispatcher/domain"
)

func TestBuildPayload_Template(t *testing.T) {
	idx := 0
	msg := domain.MessageSpec{
		Type: domain.MessageTypeTemplate,
		Template: &domain.TemplateSpec{
			Name:     "order_shipped",
			Language: "id",
			Components: []domain.TemplateComponent{
				{
					Type: domain.ComponentHeader,
					Parameters: []domain.TemplateParameter{
						{Type: domain.ParameterImage, Image: &domain.MediaReference{Link: "https://cdn.example.com/box.png"}},
					},
				},
				{
					Type: domain.ComponentBody,
					Parameters: []domain.TemplateParameter{
						{Type: domain.ParameterText, Text: "name"},
						{Type: domain.ParameterText, Text: "{{ order_id }}"},
						{Type: domain.ParameterText, Text: "literal"},
						{Type: domain.ParameterCurrency, Currency: &domain.CurrencyValue{FallbackValue: "Rp10.000", Code: "IDR", Amount1000: 10000000}},
					},
				},
				{
					Type:       domain.ComponentButton,
					SubType:    "url",
					Index:      &idx,
					Parameters: []domain.TemplateParameter{{Type: domain.ParameterText, Text: "order_id"}},
				},
			},
		},
	}

	p := buildPayload("628111", msg, map[string]string{"name": "Sari", "order_id": "INV-42"})

	data, err := json.Marshal(p)
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"messaging_product": "whatsapp",
		"recipient_type": "individual",
		"to": "628111",
		"type": "template",
		"template": {
			"name": "order_shipped",
			"language": {"code": "id"},
			"components": [
				{"type": "header", "parameters": [{"type": "image", "image": {"link": "https://cdn.example.com/box.png"}}]},
				{"type": "body", "parameters": [
					{"type": "text", "text": "Sari"},
					{"type": "text", "text": "INV-42"},
					{"type": "text", "text": "literal"},
					{"type": "currency", "currency": {"fallback_value": "Rp10.000", "code": "IDR", "amount_1000": 10000000}}
				]},
				{"type": "button", "sub_type": "url", "index": "0", "parameters": [{"type": "text", "text": "INV-42"}]}
			]
		}
	}`, string(data))
}

func TestSubstitutePlaceholders(t *testing.T) {
	tests := []struct {
		name string
		in   string
		vars map[string]string
		want string
	}{
		{name: "no vars", in: "Hello {{name}}", want: "Hello {{name}}"},
		{name: "single", in: "Hello {{name}}", vars: map[string]string{"name": "Ana"}, want: "Hello Ana"},
		{name: "repeated", in: "{{a}}-{{a}}", vars: map[string]string{"a": "x"}, want: "x-x"},
		{name: "unknown left alone", in: "Hi {{who}}", vars: map[string]string{"name": "Ana"}, want: "Hi {{who}}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, substitutePlaceholders(tt.in, tt.vars))
		})
	}
}
