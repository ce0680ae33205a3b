package sheet

import (
	"context"
	"net/http"
	"sort"
	"sync"
)

// =============================================================================
// MEMORY BACKEND - In-memory implementation (for testing/dev)
// =============================================================================

// Backend operation names, used for call counting and failure injection.
const (
	OpTables      = "tables"
	OpCreateTable = "create_table"
	OpReadAll     = "read_all"
	OpWriteHeader = "write_header"
	OpAppendRow   = "append_row"
	OpUpdateCell  = "update_cell"
	OpDeleteRow   = "delete_row"
)

// Memory is a Backend held in process memory.
type Memory struct {
	mu     sync.Mutex
	tables map[string][][]string
	calls  map[string]int
	faults map[string][]int
}

var _ Backend = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		tables: make(map[string][][]string),
		calls:  make(map[string]int),
		faults: make(map[string][]int),
	}
}

// FailNext makes the next n calls of op fail with an APIError of status.
func (m *Memory) FailNext(op string, n int, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.faults[op] = append(m.faults[op], status)
	}
}

// Calls returns how many times op was invoked, failed calls included.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// ResetCalls zeroes the call counters.
func (m *Memory) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = make(map[string]int)
}

// begin counts the call and pops an injected fault. Caller holds mu.
func (m *Memory) begin(op string) error {
	m.calls[op]++
	queue := m.faults[op]
	if len(queue) == 0 {
		return nil
	}
	status := queue[0]
	m.faults[op] = queue[1:]
	return &APIError{Op: op, Status: status, Message: http.StatusText(status)}
}

func (m *Memory) table(op, title string) ([][]string, error) {
	rows, ok := m.tables[title]
	if !ok {
		return nil, &APIError{Op: op, Status: http.StatusNotFound, Message: title, Err: ErrTableNotFound}
	}
	return rows, nil
}

func (m *Memory) Tables(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpTables); err != nil {
		return nil, err
	}
	titles := make([]string, 0, len(m.tables))
	for title := range m.tables {
		titles = append(titles, title)
	}
	sort.Strings(titles)
	return titles, nil
}

func (m *Memory) CreateTable(_ context.Context, title string, header []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpCreateTable); err != nil {
		return err
	}
	if _, ok := m.tables[title]; ok {
		return &APIError{Op: OpCreateTable, Status: http.StatusBadRequest, Message: "table already exists: " + title}
	}
	m.tables[title] = [][]string{copyRow(header)}
	return nil
}

func (m *Memory) ReadAll(_ context.Context, title string) ([][]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpReadAll); err != nil {
		return nil, err
	}
	rows, err := m.table(OpReadAll, title)
	if err != nil {
		return nil, err
	}
	out := make([][]string, len(rows))
	for i, r := range rows {
		out[i] = copyRow(r)
	}
	return out, nil
}

func (m *Memory) WriteHeader(_ context.Context, title string, header []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpWriteHeader); err != nil {
		return err
	}
	rows, err := m.table(OpWriteHeader, title)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		m.tables[title] = [][]string{copyRow(header)}
		return nil
	}
	rows[0] = copyRow(header)
	return nil
}

func (m *Memory) AppendRow(_ context.Context, title string, row []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpAppendRow); err != nil {
		return err
	}
	rows, err := m.table(OpAppendRow, title)
	if err != nil {
		return err
	}
	m.tables[title] = append(rows, copyRow(row))
	return nil
}

func (m *Memory) UpdateCell(_ context.Context, title string, row, col int, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpUpdateCell); err != nil {
		return err
	}
	rows, err := m.table(OpUpdateCell, title)
	if err != nil {
		return err
	}
	if row < 1 || row > len(rows) || col < 1 {
		return &APIError{Op: OpUpdateCell, Status: http.StatusBadRequest, Err: ErrRowOutOfRange}
	}
	cells := rows[row-1]
	for len(cells) < col {
		cells = append(cells, "")
	}
	cells[col-1] = value
	rows[row-1] = cells
	return nil
}

func (m *Memory) DeleteRow(_ context.Context, title string, row int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpDeleteRow); err != nil {
		return err
	}
	rows, err := m.table(OpDeleteRow, title)
	if err != nil {
		return err
	}
	if row < 1 || row > len(rows) {
		return &APIError{Op: OpDeleteRow, Status: http.StatusBadRequest, Err: ErrRowOutOfRange}
	}
	m.tables[title] = append(rows[:row-1], rows[row:]...)
	return nil
}

func copyRow(r []string) []string {
	out := make([]string, len(r))
	copy(out, r)
	return out
}
