package chat

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrForbidden is returned when a non-privileged identity asks for an operator view.
var ErrForbidden = errors.New("privileged role required")

// ValidationError rejects a request before anything is persisted.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// PersistenceError means the store could not complete the operation. No fan-out
// happens after one.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// validationError turns the first validator failure into a ValidationError.
func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &ValidationError{Field: "request", Reason: err.Error(), Err: err}
	}
	fe := fieldErrs[0]
	reason := fe.Tag()
	switch fe.Tag() {
	case "required":
		reason = "required"
	case "gt", "min":
		reason = "must be greater than " + fe.Param()
	case "max":
		reason = "must be at most " + fe.Param() + " characters"
	}
	return &ValidationError{Field: fe.Field(), Reason: reason, Err: err}
}
