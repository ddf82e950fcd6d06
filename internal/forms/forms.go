// Package forms models the dynamic form schema attached to an approval step
// and validates approver responses against it.
package forms

import (
	"fmt"
	"math"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/pesio-ai/be-escalation-approvals/internal/errors"
)

// FieldType is the closed set of supported form field variants.
type FieldType string

const (
	FieldText        FieldType = "text"
	FieldTextarea    FieldType = "textarea"
	FieldNumber      FieldType = "number"
	FieldEmail       FieldType = "email"
	FieldSelect      FieldType = "select"
	FieldMultiselect FieldType = "multiselect"
	FieldCheckbox    FieldType = "checkbox"
	FieldRadio       FieldType = "radio"
	FieldDate        FieldType = "date"
)

// DateLayout is the accepted format for date fields.
const DateLayout = "2006-01-02"

var knownTypes = map[FieldType]bool{
	FieldText:        true,
	FieldTextarea:    true,
	FieldNumber:      true,
	FieldEmail:       true,
	FieldSelect:      true,
	FieldMultiselect: true,
	FieldCheckbox:    true,
	FieldRadio:       true,
	FieldDate:        true,
}

// Valid reports whether t is one of the supported variants.
func (t FieldType) Valid() bool { return knownTypes[t] }

// Validation holds the optional per-field rules. Min/Max bound numeric values
// for number fields and lengths for text-like fields.
type Validation struct {
	Min     *float64 `json:"min,omitempty"`
	Max     *float64 `json:"max,omitempty"`
	Pattern string   `json:"pattern,omitempty"`
}

// Field is one entry in a step's form schema.
type Field struct {
	Name        string      `json:"name"`
	Label       string      `json:"label"`
	Type        FieldType   `json:"type"`
	Required    bool        `json:"required"`
	Options     []string    `json:"options,omitempty"`
	Placeholder string      `json:"placeholder,omitempty"`
	Validation  *Validation `json:"validation,omitempty"`
}

// Response is the raw form submission keyed by field name.
type Response map[string]any

// ValidateSchema checks that a field list is well formed: unique names, known
// types, options present for choice fields and compilable patterns.
func ValidateSchema(fields []Field) error {
	seen := make(map[string]struct{}, len(fields))
	for i, f := range fields {
		path := fmt.Sprintf("formFields[%d]", i)
		if strings.TrimSpace(f.Name) == "" {
			return apperrors.InvalidInput(path+".name", "field name is required")
		}
		if _, dup := seen[f.Name]; dup {
			return apperrors.InvalidInput(path+".name", fmt.Sprintf("duplicate field name %q", f.Name))
		}
		seen[f.Name] = struct{}{}

		if !f.Type.Valid() {
			return apperrors.InvalidInput(path+".type", fmt.Sprintf("unsupported field type %q", f.Type))
		}
		if f.isChoice() && len(f.Options) == 0 {
			return apperrors.InvalidInput(path+".options", fmt.Sprintf("%s field requires options", f.Type))
		}
		if f.Validation != nil {
			if f.Validation.Pattern != "" {
				if _, err := regexp.Compile(f.Validation.Pattern); err != nil {
					return apperrors.InvalidInput(path+".validation.pattern", err.Error())
				}
			}
			if f.Validation.Min != nil && f.Validation.Max != nil && *f.Validation.Min > *f.Validation.Max {
				return apperrors.InvalidInput(path+".validation", "min is greater than max")
			}
		}
	}
	return nil
}

// Validate checks a response against the schema. Keys not present in the
// schema are rejected.
func Validate(fields []Field, resp Response) error {
	byName := make(map[string]Field, len(fields))
	for _, f := range fields {
		byName[f.Name] = f
	}
	for key := range resp {
		if _, ok := byName[key]; !ok {
			return apperrors.InvalidInput("formResponse."+key, "unknown form field")
		}
	}

	for _, f := range fields {
		v, present := resp[f.Name]
		if !present || isEmpty(v) {
			if f.Required {
				return apperrors.InvalidInput("formResponse."+f.Name, "field is required")
			}
			continue
		}
		if err := f.check(v); err != nil {
			return apperrors.InvalidInput("formResponse."+f.Name, err.Error())
		}
	}
	return nil
}

func (f Field) isChoice() bool {
	return f.Type == FieldSelect || f.Type == FieldMultiselect || f.Type == FieldRadio
}

func (f Field) check(v any) error {
	switch f.Type {
	case FieldText, FieldTextarea:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
		return f.checkText(s)

	case FieldEmail:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
		if _, err := mail.ParseAddress(s); err != nil {
			return fmt.Errorf("invalid email address")
		}
		return f.checkText(s)

	case FieldNumber:
		n, err := toFloat(v)
		if err != nil {
			return err
		}
		return f.checkRange(n, "value")

	case FieldCheckbox:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", v)
		}
		return nil

	case FieldSelect, FieldRadio:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
		if !f.hasOption(s) {
			return fmt.Errorf("%q is not an allowed option", s)
		}
		return nil

	case FieldMultiselect:
		values, err := toStrings(v)
		if err != nil {
			return err
		}
		for _, s := range values {
			if !f.hasOption(s) {
				return fmt.Errorf("%q is not an allowed option", s)
			}
		}
		return f.checkRange(float64(len(values)), "selection count")

	case FieldDate:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected date string, got %T", v)
		}
		if _, err := time.Parse(DateLayout, s); err != nil {
			return fmt.Errorf("expected date in %s format", DateLayout)
		}
		return nil
	}
	return fmt.Errorf("unsupported field type %q", f.Type)
}

func (f Field) checkText(s string) error {
	if err := f.checkRange(float64(len([]rune(s))), "length"); err != nil {
		return err
	}
	if f.Validation != nil && f.Validation.Pattern != "" {
		re, err := regexp.Compile(f.Validation.Pattern)
		if err != nil {
			return fmt.Errorf("invalid pattern: %w", err)
		}
		if !re.MatchString(s) {
			return fmt.Errorf("does not match pattern %s", f.Validation.Pattern)
		}
	}
	return nil
}

func (f Field) checkRange(n float64, what string) error {
	if f.Validation == nil {
		return nil
	}
	if f.Validation.Min != nil && n < *f.Validation.Min {
		return fmt.Errorf("%s must be at least %v", what, *f.Validation.Min)
	}
	if f.Validation.Max != nil && n > *f.Validation.Max {
		return fmt.Errorf("%s must be at most %v", what, *f.Validation.Max)
	}
	return nil
}

func (f Field) hasOption(s string) bool {
	for _, o := range f.Options {
		if o == s {
			return true
		}
	}
	return false
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	}
	return false
}

func toFloat(v any) (float64, error) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case string:
		parsed, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("expected number, got %q", n)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("expected a finite number")
	}
	return f, nil
}

func toStrings(v any) ([]string, error) {
	switch t := v.(type) {
	case []string:
		return t, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected list of strings, found %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected list of strings, got %T", v)
}
