// Package validate holds the shared request validator.
package validate

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	internalerrors "github.com/fitjourney/subscriptions/internal/errors"
)

var v = newValidator()

func newValidator() *validator.Validate {
	val := validator.New(validator.WithRequiredStructEnabled())
	// Report JSON field names instead of Go field names.
	val.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return val
}

// FieldError describes one failed constraint.
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

// Error is a validation failure listing every offending field.
type Error struct {
	Fields []FieldError
}

func (e *Error) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s failed %s", f.Field, f.Rule))
	}
	return "invalid request: " + strings.Join(parts, "; ")
}

// Is makes validation failures match errors.ErrInvalidInput.
func (e *Error) Is(target error) bool {
	return target == internalerrors.ErrInvalidInput
}

// Struct validates s against its `validate` tags.
func Struct(s any) error {
	err := v.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate request: %w", err)
	}
	out := &Error{Fields: make([]FieldError, 0, len(verrs))}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, FieldError{Field: fe.Field(), Rule: fe.Tag()})
	}
	sort.Slice(out.Fields, func(i, j int) bool { return out.Fields[i].Field < out.Fields[j].Field })
	return out
}

// Var validates a single value against tag.
func Var(value any, tag string) error {
	return v.Var(value, tag)
}
