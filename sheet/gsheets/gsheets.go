/*
Package gsheets implements sheet.Backend over the Google Sheets API v4.

PURPOSE:
  Production storage: one spreadsheet, one worksheet per table. Cells are
  written RAW so phone numbers and ids keep their leading zeros.

AUTH:
  A service-account JSON key file. The spreadsheet must be shared with the
  service account's e-mail.

ADDRESSING:
  Worksheets are addressed by quoted title in A1 ranges ('My Sheet'!A1) and
  by numeric sheet id for structural edits (add sheet, delete row). Sheet ids
  are looked up once per title and remembered.

ERRORS:
  *googleapi.Error becomes *sheet.APIError with the same HTTP status, so the
  store's retry predicate sees 429 and 5xx as transient.
*/
package gsheets

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/megaformation/attendance-hub/sheet"
)

const minColumns = 8

// Backend talks to one spreadsheet.
type Backend struct {
	svc           *sheets.Service
	spreadsheetID string

	mu       sync.Mutex
	sheetIDs map[string]int64
}

var _ sheet.Backend = (*Backend)(nil)

// New opens the spreadsheet with a service-account credentials file.
func New(ctx context.Context, spreadsheetID, credentialsFile string) (*Backend, error) {
	if spreadsheetID == "" {
		return nil, errors.New("gsheets: spreadsheet id is required")
	}
	svc, err := sheets.NewService(ctx,
		option.WithCredentialsFile(credentialsFile),
		option.WithScopes(sheets.SpreadsheetsScope),
	)
	if err != nil {
		return nil, errors.Wrap(err, "gsheets: create service")
	}
	return NewWithService(svc, spreadsheetID), nil
}

// NewWithService wraps an already configured service.
func NewWithService(svc *sheets.Service, spreadsheetID string) *Backend {
	return &Backend{
		svc:           svc,
		spreadsheetID: spreadsheetID,
		sheetIDs:      make(map[string]int64),
	}
}

func (b *Backend) Tables(ctx context.Context) ([]string, error) {
	ss, err := b.svc.Spreadsheets.Get(b.spreadsheetID).
		Fields("sheets.properties").
		Context(ctx).Do()
	if err != nil {
		return nil, mapError(sheet.OpTables, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	titles := make([]string, 0, len(ss.Sheets))
	for _, s := range ss.Sheets {
		if s.Properties == nil {
			continue
		}
		titles = append(titles, s.Properties.Title)
		b.sheetIDs[s.Properties.Title] = s.Properties.SheetId
	}
	return titles, nil
}

func (b *Backend) CreateTable(ctx context.Context, title string, header []string) error {
	cols := int64(len(header))
	if cols < minColumns {
		cols = minColumns
	}
	resp, err := b.svc.Spreadsheets.BatchUpdate(b.spreadsheetID, &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{{
			AddSheet: &sheets.AddSheetRequest{
				Properties: &sheets.SheetProperties{
					Title: title,
					GridProperties: &sheets.GridProperties{
						RowCount:    2000,
						ColumnCount: cols,
					},
				},
			},
		}},
	}).Context(ctx).Do()
	if err != nil {
		return mapError(sheet.OpCreateTable, err)
	}
	if len(resp.Replies) > 0 && resp.Replies[0].AddSheet != nil && resp.Replies[0].AddSheet.Properties != nil {
		b.mu.Lock()
		b.sheetIDs[title] = resp.Replies[0].AddSheet.Properties.SheetId
		b.mu.Unlock()
	}
	return b.WriteHeader(ctx, title, header)
}

func (b *Backend) ReadAll(ctx context.Context, title string) ([][]string, error) {
	resp, err := b.svc.Spreadsheets.Values.Get(b.spreadsheetID, quoteTitle(title)).
		Context(ctx).Do()
	if err != nil {
		return nil, mapError(sheet.OpReadAll, err)
	}
	out := make([][]string, len(resp.Values))
	for i, row := range resp.Values {
		cells := make([]string, len(row))
		for j, v := range row {
			cells[j] = fmt.Sprint(v)
		}
		out[i] = cells
	}
	return out, nil
}

func (b *Backend) WriteHeader(ctx context.Context, title string, header []string) error {
	_, err := b.svc.Spreadsheets.Values.Update(b.spreadsheetID, quoteTitle(title)+"!A1", valueRange(header)).
		ValueInputOption("RAW").
		Context(ctx).Do()
	return mapError(sheet.OpWriteHeader, err)
}

func (b *Backend) AppendRow(ctx context.Context, title string, row []string) error {
	_, err := b.svc.Spreadsheets.Values.Append(b.spreadsheetID, quoteTitle(title), valueRange(row)).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).Do()
	return mapError(sheet.OpAppendRow, err)
}

func (b *Backend) UpdateCell(ctx context.Context, title string, row, col int, value string) error {
	if row < 1 || col < 1 {
		return &sheet.APIError{Op: sheet.OpUpdateCell, Status: http.StatusBadRequest, Err: sheet.ErrRowOutOfRange}
	}
	rng := fmt.Sprintf("%s!%s%d", quoteTitle(title), ColumnLetter(col), row)
	_, err := b.svc.Spreadsheets.Values.Update(b.spreadsheetID, rng, valueRange([]string{value})).
		ValueInputOption("RAW").
		Context(ctx).Do()
	return mapError(sheet.OpUpdateCell, err)
}

func (b *Backend) DeleteRow(ctx context.Context, title string, row int) error {
	if row < 1 {
		return &sheet.APIError{Op: sheet.OpDeleteRow, Status: http.StatusBadRequest, Err: sheet.ErrRowOutOfRange}
	}
	sheetID, err := b.sheetID(ctx, title)
	if err != nil {
		return err
	}
	_, err = b.svc.Spreadsheets.BatchUpdate(b.spreadsheetID, &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{{
			DeleteDimension: &sheets.DeleteDimensionRequest{
				Range: &sheets.DimensionRange{
					SheetId:         sheetID,
					Dimension:       "ROWS",
					StartIndex:      int64(row - 1),
					EndIndex:        int64(row),
					ForceSendFields: []string{"SheetId", "StartIndex"},
				},
			},
		}},
	}).Context(ctx).Do()
	return mapError(sheet.OpDeleteRow, err)
}

func (b *Backend) sheetID(ctx context.Context, title string) (int64, error) {
	b.mu.Lock()
	id, ok := b.sheetIDs[title]
	b.mu.Unlock()
	if ok {
		return id, nil
	}
	if _, err := b.Tables(ctx); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok = b.sheetIDs[title]
	if !ok {
		return 0, &sheet.APIError{Op: "sheet_id", Status: http.StatusNotFound, Message: title, Err: sheet.ErrTableNotFound}
	}
	return id, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// ColumnLetter converts a 1-based column index to A1 letters (1 -> A, 27 -> AA).
func ColumnLetter(col int) string {
	var out []byte
	for col > 0 {
		col--
		out = append([]byte{byte('A' + col%26)}, out...)
		col /= 26
	}
	return string(out)
}

// quoteTitle quotes a worksheet title for use in an A1 range.
func quoteTitle(title string) string {
	return "'" + strings.ReplaceAll(title, "'", "''") + "'"
}

func valueRange(cells []string) *sheets.ValueRange {
	row := make([]interface{}, len(cells))
	for i, c := range cells {
		row[i] = c
	}
	return &sheets.ValueRange{Values: [][]interface{}{row}}
}

func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		apiErr := &sheet.APIError{Op: op, Status: gErr.Code, Message: gErr.Message, Err: err}
		if gErr.Code == http.StatusNotFound {
			apiErr.Err = sheet.ErrTableNotFound
		}
		return apiErr
	}
	return errors.Wrap(err, op)
}
