package attendance

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	// ErrNotFound is returned when an edit or delete names an id that no
	// longer exists. Callers surface it as a warning.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidPeriod is returned when a range ends before it starts.
	ErrInvalidPeriod = errors.New("invalid period: end before start")

	// ErrUnsupportedFormat is returned for an import file that is neither
	// CSV nor XLSX.
	ErrUnsupportedFormat = errors.New("unsupported import format")
)

// =============================================================================
// VALIDATION ERROR
// =============================================================================

// FieldError is one rejected input field.
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

// ValidationError lists every field that failed validation. Nothing is
// written when one is returned.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = fmt.Sprintf("%s (%s)", f.Field, f.Rule)
	}
	return "invalid input: " + strings.Join(parts, ", ")
}

func invalid(field, rule string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Rule: rule}}}
}

// IsValidation reports whether err was caused by bad input rather than by
// the store.
func IsValidation(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr) || errors.Is(err, ErrInvalidPeriod) || errors.Is(err, ErrUnsupportedFormat)
}
