/*
Package sqlite provides a SQLite-backed implementation of sheet.Backend.

PURPOSE:
  Keeps the spreadsheet layout (named tables, header row + string rows)
  in a local SQLite file, for offline branches and for development without
  Google credentials. Callers cannot tell it apart from a spreadsheet.

KEY TABLES:
  sheets:      one row per table title
  sheet_rows:  (title, position, cells_json). position is the 1-based sheet
               row; position 1 is the header.

ROW DELETION:
  DeleteRow removes one position and renumbers every following row inside a
  single SQL transaction, matching spreadsheet semantics.

ERROR MAPPING:
  SQLITE_BUSY / SQLITE_LOCKED -> status 503 (transient, retried)
  missing table              -> status 404
  row address out of range   -> status 400

WAL MODE:
  Opened with WAL so readers don't block the single writer.

USAGE:
  backend, err := sqlite.New("./data/attendance.db")
  if err != nil {
      log.Fatal(err)
  }
  defer backend.Close()
  store := sheet.NewStore(backend, sheet.Options{})

SEE ALSO:
  - sheet/backend.go: Backend interface
  - sheet/memory.go: in-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/megaformation/attendance-hub/sheet"
)

// Backend implements sheet.Backend using SQLite.
type Backend struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ sheet.Backend = (*Backend)(nil)

// New opens (and migrates) the database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Backend, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=2000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A second connection to ":memory:" would see an empty database.
	db.SetMaxOpenConns(1)

	b := &Backend{db: db}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return b, nil
}

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

func (b *Backend) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sheets (
		title TEXT PRIMARY KEY,
		created_at TEXT NOT NULL
	);

	-- No uniqueness on (title, position): renumbering after a delete
	-- temporarily produces duplicates inside the UPDATE.
	CREATE TABLE IF NOT EXISTS sheet_rows (
		title TEXT NOT NULL,
		position INTEGER NOT NULL,
		cells_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sheet_rows_title_position
		ON sheet_rows(title, position);
	`
	_, err := b.db.Exec(schema)
	return err
}

// =============================================================================
// sheet.Backend
// =============================================================================

func (b *Backend) Tables(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	rows, err := b.db.QueryContext(ctx, `SELECT title FROM sheets ORDER BY created_at, title`)
	if err != nil {
		return nil, mapError(sheet.OpTables, err)
	}
	defer rows.Close()

	var titles []string
	for rows.Next() {
		var title string
		if err := rows.Scan(&title); err != nil {
			return nil, mapError(sheet.OpTables, err)
		}
		titles = append(titles, title)
	}
	return titles, mapError(sheet.OpTables, rows.Err())
}

func (b *Backend) CreateTable(ctx context.Context, title string, header []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.withTx(ctx, sheet.OpCreateTable, func(tx *sql.Tx) error {
		exists, err := tableExists(ctx, tx, title)
		if err != nil {
			return err
		}
		if exists {
			return &sheet.APIError{Op: sheet.OpCreateTable, Status: http.StatusBadRequest, Message: "table already exists: " + title}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sheets (title, created_at) VALUES (?, ?)`,
			title, time.Now().UTC().Format(time.RFC3339Nano),
		); err != nil {
			return err
		}
		return insertRow(ctx, tx, title, 1, header)
	})
}

func (b *Backend) ReadAll(ctx context.Context, title string) ([][]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	exists, err := tableExists(ctx, b.db, title)
	if err != nil {
		return nil, mapError(sheet.OpReadAll, err)
	}
	if !exists {
		return nil, notFound(sheet.OpReadAll, title)
	}

	rows, err := b.db.QueryContext(ctx,
		`SELECT cells_json FROM sheet_rows WHERE title = ? ORDER BY position ASC`, title)
	if err != nil {
		return nil, mapError(sheet.OpReadAll, err)
	}
	defer rows.Close()

	var out [][]string
	for rows.Next() {
		var cellsJSON string
		if err := rows.Scan(&cellsJSON); err != nil {
			return nil, mapError(sheet.OpReadAll, err)
		}
		var cells []string
		if err := json.Unmarshal([]byte(cellsJSON), &cells); err != nil {
			return nil, errors.Wrapf(err, "decode row of %q", title)
		}
		out = append(out, cells)
	}
	return out, mapError(sheet.OpReadAll, rows.Err())
}

func (b *Backend) WriteHeader(ctx context.Context, title string, header []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.withTx(ctx, sheet.OpWriteHeader, func(tx *sql.Tx) error {
		exists, err := tableExists(ctx, tx, title)
		if err != nil {
			return err
		}
		if !exists {
			return notFound(sheet.OpWriteHeader, title)
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE sheet_rows SET cells_json = ? WHERE title = ? AND position = 1`,
			encodeCells(header), title)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return insertRow(ctx, tx, title, 1, header)
		}
		return nil
	})
}

func (b *Backend) AppendRow(ctx context.Context, title string, row []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.withTx(ctx, sheet.OpAppendRow, func(tx *sql.Tx) error {
		exists, err := tableExists(ctx, tx, title)
		if err != nil {
			return err
		}
		if !exists {
			return notFound(sheet.OpAppendRow, title)
		}
		last, err := lastPosition(ctx, tx, title)
		if err != nil {
			return err
		}
		return insertRow(ctx, tx, title, last+1, row)
	})
}

func (b *Backend) UpdateCell(ctx context.Context, title string, row, col int, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.withTx(ctx, sheet.OpUpdateCell, func(tx *sql.Tx) error {
		if col < 1 {
			return outOfRange(sheet.OpUpdateCell)
		}
		var cellsJSON string
		err := tx.QueryRowContext(ctx,
			`SELECT cells_json FROM sheet_rows WHERE title = ? AND position = ?`,
			title, row,
		).Scan(&cellsJSON)
		if err == sql.ErrNoRows {
			return outOfRange(sheet.OpUpdateCell)
		}
		if err != nil {
			return err
		}

		var cells []string
		if err := json.Unmarshal([]byte(cellsJSON), &cells); err != nil {
			return errors.Wrapf(err, "decode row %d of %q", row, title)
		}
		for len(cells) < col {
			cells = append(cells, "")
		}
		cells[col-1] = value

		_, err = tx.ExecContext(ctx,
			`UPDATE sheet_rows SET cells_json = ? WHERE title = ? AND position = ?`,
			encodeCells(cells), title, row)
		return err
	})
}

func (b *Backend) DeleteRow(ctx context.Context, title string, row int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.withTx(ctx, sheet.OpDeleteRow, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM sheet_rows WHERE title = ? AND position = ?`, title, row)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return outOfRange(sheet.OpDeleteRow)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE sheet_rows SET position = position - 1 WHERE title = ? AND position > ?`,
			title, row)
		return err
	})
}

// =============================================================================
// HELPERS
// =============================================================================

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (b *Backend) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(op, err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return mapError(op, err)
	}
	return mapError(op, tx.Commit())
}

func tableExists(ctx context.Context, q queryer, title string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM sheets WHERE title = ?`, title).Scan(&n)
	return n > 0, err
}

func lastPosition(ctx context.Context, tx *sql.Tx, title string) (int, error) {
	var last sql.NullInt64
	err := tx.QueryRowContext(ctx,
		`SELECT MAX(position) FROM sheet_rows WHERE title = ?`, title,
	).Scan(&last)
	return int(last.Int64), err
}

func insertRow(ctx context.Context, tx *sql.Tx, title string, position int, cells []string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO sheet_rows (title, position, cells_json) VALUES (?, ?, ?)`,
		title, position, encodeCells(cells))
	return err
}

func encodeCells(cells []string) string {
	if cells == nil {
		cells = []string{}
	}
	data, _ := json.Marshal(cells)
	return string(data)
}

func notFound(op, title string) error {
	return &sheet.APIError{Op: op, Status: http.StatusNotFound, Message: title, Err: sheet.ErrTableNotFound}
}

func outOfRange(op string) error {
	return &sheet.APIError{Op: op, Status: http.StatusBadRequest, Err: sheet.ErrRowOutOfRange}
}

// mapError turns SQLite failures into sheet.APIError classes. Errors that
// already carry a status pass through.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *sheet.APIError
	if errors.As(err, &apiErr) {
		return err
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return &sheet.APIError{Op: op, Status: http.StatusServiceUnavailable, Message: sqliteErr.Error(), Err: err}
		}
	}
	// Anything else will fail the same way on a second try.
	return &sheet.APIError{Op: op, Status: http.StatusBadRequest, Message: err.Error(), Err: err}
}
