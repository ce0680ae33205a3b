package attendance

import (
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

// =============================================================================
// BULK IMPORT - One absence per uploaded row
// =============================================================================

// ImportFormat is the uploaded file type.
type ImportFormat string

const (
	FormatCSV  ImportFormat = "csv"
	FormatXLSX ImportFormat = "xlsx"
)

// FormatFromFilename picks the format from a file extension.
func FormatFromFilename(name string) (ImportFormat, error) {
	lower := strings.ToLower(strings.TrimSpace(name))
	switch {
	case strings.HasSuffix(lower, ".xlsx"):
		return FormatXLSX, nil
	case strings.HasSuffix(lower, ".csv"):
		return FormatCSV, nil
	default:
		return "", errors.Wrap(ErrUnsupportedFormat, name)
	}
}

// Import columns. The first four are required.
var (
	importRequired = []string{"trainee_id", "subject_id", "date", "heures_absence"}
	importColumns  = append(append([]string{}, importRequired...), "justifie", "commentaire")
)

const utf8BOM = "\ufeff"

// ImportResult counts what happened to the uploaded rows.
type ImportResult struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
}

// ImportTemplate returns the CSV header users fill in, with a UTF-8 BOM so
// spreadsheet programs open it as UTF-8.
func ImportTemplate() []byte {
	var buf bytes.Buffer
	buf.WriteString(utf8BOM)
	w := csv.NewWriter(&buf)
	_ = w.Write(importColumns)
	w.Flush()
	return buf.Bytes()
}

// ImportAbsences appends one absence per data row of src. Rows with a blank
// id, an invalid date or non-positive hours, and rows whose write fails,
// are skipped. A file missing a required column writes nothing.
// References are not checked.
func (r *Repository) ImportAbsences(ctx context.Context, src io.Reader, format ImportFormat) (ImportResult, error) {
	table, err := readTable(src, format)
	if err != nil {
		return ImportResult{}, err
	}
	if len(table) == 0 {
		return ImportResult{}, invalid("file", "required_columns")
	}

	cols := map[string]int{}
	for i, name := range table[0] {
		cols[strings.TrimSpace(strings.TrimPrefix(name, utf8BOM))] = i
	}
	missing := &ValidationError{}
	for _, name := range importRequired {
		if _, ok := cols[name]; !ok {
			missing.Fields = append(missing.Fields, FieldError{Field: name, Rule: "required_column"})
		}
	}
	if len(missing.Fields) > 0 {
		return ImportResult{}, missing
	}

	cell := func(row []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var res ImportResult
	for n, row := range table[1:] {
		if isBlank(row) {
			continue
		}
		in, ok := importRow(
			cell(row, "trainee_id"),
			cell(row, "subject_id"),
			cell(row, "date"),
			cell(row, "heures_absence"),
			cell(row, "justifie"),
			cell(row, "commentaire"),
		)
		if !ok {
			res.Skipped++
			continue
		}
		if err := r.appendAbsence(ctx, in); err != nil {
			r.log.Warn("import row failed", zap.Int("row", n+2), zap.Error(err))
			res.Skipped++
			continue
		}
		res.Imported++
	}
	return res, nil
}

// importRow coerces one uploaded row. The date keeps the text before the
// first space so spreadsheet datetimes ("2024-01-05 00:00:00") are accepted.
func importRow(traineeID, subjectID, date, hours, justified, comment string) (AbsenceInput, bool) {
	if f := strings.Fields(date); len(f) > 0 {
		date = f[0]
	}
	h := strings.TrimSpace(strings.ReplaceAll(hours, ",", "."))
	in := AbsenceInput{
		TraineeID: traineeID,
		SubjectID: subjectID,
		Date:      date,
		Hours:     ParseHours(h),
		Justified: justified == JustifiedYes,
		Comment:   comment,
	}
	if h == "" || !ParseHours(h).IsPositive() {
		return in, false
	}
	in.normalize()
	if Validate(in) != nil {
		return in, false
	}
	return in, true
}

func readTable(src io.Reader, format ImportFormat) ([][]string, error) {
	switch format {
	case FormatCSV:
		cr := csv.NewReader(src)
		cr.FieldsPerRecord = -1
		cr.TrimLeadingSpace = true
		rows, err := cr.ReadAll()
		if err != nil {
			return nil, errors.Wrap(invalid("file", "csv"), err.Error())
		}
		return rows, nil

	case FormatXLSX:
		f, err := excelize.OpenReader(src)
		if err != nil {
			return nil, errors.Wrap(invalid("file", "xlsx"), err.Error())
		}
		defer f.Close()
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, nil
		}
		// Raw values keep date cells as serial numbers instead of the
		// locale-formatted text Excel displays.
		rows, err := f.GetRows(sheets[0], excelize.Options{RawCellValue: true})
		if err != nil {
			return nil, errors.Wrap(invalid("file", "xlsx"), err.Error())
		}
		var date1904 bool
		if props, err := f.GetWorkbookProps(); err == nil && props.Date1904 != nil {
			date1904 = *props.Date1904
		}
		serialDates(rows, date1904)
		return rows, nil

	default:
		return nil, errors.Wrap(ErrUnsupportedFormat, string(format))
	}
}

// serialDates rewrites numeric cells of the date column as YYYY-MM-DD.
// Text cells are left for importRow to parse.
func serialDates(rows [][]string, date1904 bool) {
	if len(rows) == 0 {
		return
	}
	col := -1
	for i, name := range rows[0] {
		if strings.TrimSpace(strings.TrimPrefix(name, utf8BOM)) == "date" {
			col = i
			break
		}
	}
	if col < 0 {
		return
	}
	for _, row := range rows[1:] {
		if col >= len(row) {
			continue
		}
		serial, err := strconv.ParseFloat(strings.TrimSpace(row[col]), 64)
		if err != nil || serial <= 0 {
			continue
		}
		t, err := excelize.ExcelDateToTime(serial, date1904)
		if err != nil {
			continue
		}
		row[col] = t.Format(DateLayout)
	}
}

func isBlank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
