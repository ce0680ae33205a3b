/*
Package sheet provides the record store adapter over a tabular backend.

PURPOSE:
  The attendance data lives in a spreadsheet: four named tables, each a
  header row followed by data rows of plain strings. This package hides the
  backend behind a small interface and layers on top of it:
  - typed-by-column CRUD (append, update-by-id, delete-by-id, delete-where)
  - bounded retry with exponential backoff on transient failures
  - time-bounded caches for table locations and table contents

KEY CONCEPTS IN THIS FILE (backend.go):
  - Backend: the raw tabular operations a spreadsheet service offers
  - APIError: a backend failure carrying an HTTP-class status code
  - IsTransient: the one predicate deciding what gets retried

ROW ADDRESSING:
  Rows are 1-based and row 1 is the header, exactly like a spreadsheet.
  DeleteRow shifts every following row up by one, so multi-row deletes must
  run bottom-up.

IMPLEMENTATIONS:
  - memory.go:      in-process backend (tests, demo)
  - sqlite/:        local SQLite file
  - gsheets/:       Google Sheets API v4

SEE ALSO:
  - store.go: Store, the adapter callers use
  - retry.go: Retry wrapper
*/
package sheet

import (
	"context"
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// =============================================================================
// BACKEND - Raw tabular operations
// =============================================================================

// Backend is a remote (or local) tabular store. Implementations report
// failures as *APIError whenever the failure has a meaningful status.
type Backend interface {
	// Tables returns the titles of all tables.
	Tables(ctx context.Context) ([]string, error)

	// CreateTable adds a table and writes its header row.
	CreateTable(ctx context.Context, title string, header []string) error

	// ReadAll returns every row of a table, header first.
	ReadAll(ctx context.Context, title string) ([][]string, error)

	// WriteHeader overwrites row 1.
	WriteHeader(ctx context.Context, title string, header []string) error

	// AppendRow adds a row after the last non-empty row.
	AppendRow(ctx context.Context, title string, row []string) error

	// UpdateCell sets one cell. row and col are 1-based.
	UpdateCell(ctx context.Context, title string, row, col int, value string) error

	// DeleteRow removes one row and shifts the following rows up.
	DeleteRow(ctx context.Context, title string, row int) error
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrTableNotFound is returned when a table title does not exist.
	ErrTableNotFound = errors.New("table not found")

	// ErrRowOutOfRange is returned when a row address is past the end of a table.
	ErrRowOutOfRange = errors.New("row out of range")
)

// APIError is a backend failure with an HTTP-class status code. Backends
// that are not HTTP services map their native failures onto these classes
// (busy/locked -> 503, bad address -> 400, missing table -> 404).
type APIError struct {
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// transientStatuses are the rate-limit and server-unavailable classes.
var transientStatuses = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// IsTransient reports whether err is worth retrying.
// API errors are transient only for rate-limit and server-error statuses.
// Errors without a status (network failures) are transient; context
// cancellation never is.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return transientStatuses[apiErr.Status]
	}
	return true
}

// StatusOf returns the status code carried by err, or 0.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}
