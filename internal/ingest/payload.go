package ingest

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Confidence is a detection score. It decodes from a JSON number or a numeric string.
type Confidence float64

// UnmarshalJSON implements json.Unmarshaler
func (c *Confidence) UnmarshalJSON(data []byte) error {
	var number float64
	if err := json.Unmarshal(data, &number); err == nil {
		*c = Confidence(number)
		return nil
	}

	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return fmt.Errorf("confidence must be a number")
	}
	number, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil {
		return fmt.Errorf("confidence %q is not a number", text)
	}
	*c = Confidence(number)
	return nil
}

// Payload is an alert report as submitted by a client
type Payload struct {
	Message    string            `json:"message" validate:"required,max=4096"`
	Confidence *Confidence       `json:"confidence" validate:"required,gte=0,lte=1"`
	Evidence   []json.RawMessage `json:"evidence" validate:"max=100"`
	Type       string            `json:"type" validate:"max=256"`
}

// AlertType returns the explicit type, or the message when none was given
func (p *Payload) AlertType() string {
	if p.Type != "" {
		return p.Type
	}
	return p.Message
}

// DecodePayload parses a JSON payload. It does not validate it.
func DecodePayload(data []byte) (*Payload, error) {
	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return &payload, nil
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validatePayload(v *validator.Validate, p *Payload) error {
	p.Message = strings.TrimSpace(p.Message)
	p.Type = strings.TrimSpace(p.Type)

	if err := v.Struct(p); err != nil {
		var fieldErrs validator.ValidationErrors
		if !asValidationErrors(err, &fieldErrs) {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		problems := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			problems = append(problems, describe(fe))
		}
		return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(problems, "; "))
	}
	return nil
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	fieldErrs, ok := err.(validator.ValidationErrors)
	if ok {
		*target = fieldErrs
	}
	return ok
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "gte", "lte":
		return fmt.Sprintf("%s must be between 0 and 1", fe.Field())
	case "max":
		return fmt.Sprintf("%s exceeds the maximum of %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}
