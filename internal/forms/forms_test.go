package forms

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	apperrors "github.com/pesio-ai/be-escalation-approvals/internal/errors"
)

func ptr(f float64) *float64 { return &f }

func refundForm() []Field {
	return []Field{
		{Name: "amount", Label: "Refund amount", Type: FieldNumber, Required: true, Validation: &Validation{Min: ptr(0), Max: ptr(500)}},
		{Name: "reason", Label: "Reason", Type: FieldTextarea, Validation: &Validation{Max: ptr(20)}},
		{Name: "ticket", Label: "Ticket", Type: FieldText, Validation: &Validation{Pattern: `^TCK-\d+$`}},
		{Name: "contact", Label: "Contact", Type: FieldEmail},
		{Name: "channel", Label: "Channel", Type: FieldSelect, Options: []string{"email", "chat"}},
		{Name: "tags", Label: "Tags", Type: FieldMultiselect, Options: []string{"vip", "fraud", "repeat"}, Validation: &Validation{Max: ptr(2)}},
		{Name: "confirmed", Label: "Confirmed", Type: FieldCheckbox},
		{Name: "priority", Label: "Priority", Type: FieldRadio, Options: []string{"low", "high"}},
		{Name: "follow_up", Label: "Follow up", Type: FieldDate},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		resp    Response
		wantErr string
	}{
		{"minimal valid", Response{"amount": 120.0}, ""},
		{"full valid", Response{
			"amount":    float64(10),
			"reason":    "duplicate charge",
			"ticket":    "TCK-42",
			"contact":   "ops@example.com",
			"channel":   "chat",
			"tags":      []any{"vip", "repeat"},
			"confirmed": true,
			"priority":  "high",
			"follow_up": "2026-11-01",
		}, ""},
		{"missing required", Response{"reason": "x"}, "formResponse.amount"},
		{"empty string counts as missing", Response{"amount": ""}, "formResponse.amount"},
		{"number below min", Response{"amount": -1.0}, "at least"},
		{"number above max", Response{"amount": 501}, "at most"},
		{"numeric string accepted", Response{"amount": "42.5"}, ""},
		{"non numeric", Response{"amount": "lots"}, "expected number"},
		{"nan string", Response{"amount": "NaN"}, "finite"},
		{"inf string", Response{"amount": "Inf"}, "finite"},
		{"nan float", Response{"amount": math.NaN()}, "finite"},
		{"negative inf float", Response{"amount": math.Inf(-1)}, "finite"},
		{"text too long", Response{"amount": 1.0, "reason": "this reason is far too long"}, "length"},
		{"pattern mismatch", Response{"amount": 1.0, "ticket": "42"}, "pattern"},
		{"bad email", Response{"amount": 1.0, "contact": "not-an-email"}, "invalid email"},
		{"select unknown option", Response{"amount": 1.0, "channel": "sms"}, "not an allowed option"},
		{"multiselect too many", Response{"amount": 1.0, "tags": []string{"vip", "fraud", "repeat"}}, "selection count"},
		{"multiselect wrong element type", Response{"amount": 1.0, "tags": []any{"vip", 3}}, "list of strings"},
		{"checkbox not bool", Response{"amount": 1.0, "confirmed": "yes"}, "boolean"},
		{"bad date", Response{"amount": 1.0, "follow_up": "11/01/2026"}, "date"},
		{"unknown key", Response{"amount": 1.0, "extra": "x"}, "unknown form field"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(refundForm(), tt.resp)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
			assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidation))
		})
	}
}

func TestValidate_EmptySchemaAcceptsEmptyResponse(t *testing.T) {
	assert.NoError(t, Validate(nil, nil))
	assert.Error(t, Validate(nil, Response{"note": "x"}))
}

func TestValidateSchema(t *testing.T) {
	tests := []struct {
		name    string
		fields  []Field
		wantErr bool
	}{
		{"valid", refundForm(), false},
		{"missing name", []Field{{Type: FieldText}}, true},
		{"duplicate name", []Field{{Name: "a", Type: FieldText}, {Name: "a", Type: FieldNumber}}, true},
		{"unknown type", []Field{{Name: "a", Type: "slider"}}, true},
		{"select without options", []Field{{Name: "a", Type: FieldSelect}}, true},
		{"bad pattern", []Field{{Name: "a", Type: FieldText, Validation: &Validation{Pattern: "("}}}, true},
		{"min above max", []Field{{Name: "a", Type: FieldNumber, Validation: &Validation{Min: ptr(5), Max: ptr(1)}}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSchema(tt.fields)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
