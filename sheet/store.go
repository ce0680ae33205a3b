/*
store.go - Record store adapter: CRUD + retry + caches

PURPOSE:
  Store is the single object the domain layer talks to. It is constructed
  once at process start and holds everything that used to be ambient
  session state: the backend handle, the table-location cache, and the
  table-content cache.

CACHES:
  structure (default TTL 2 min): which tables exist and whose header was
    verified. Dropped on any transient failure while resolving a table.
  data (default TTL 5 min): full table contents for Load. Dropped for a
    table immediately after any mutation of that table.
  A cold Store has empty caches, so the first read goes to the backend.

RETRY:
  Every backend call runs through Retry with the Store's policy and
  IsTransient. Non-transient failures surface immediately.

NOT-FOUND:
  UpdateFields and Delete on an unknown id are no-ops that report
  found=false. They never fail for that reason.

CONCURRENCY:
  Safe for concurrent use, but two writers touching the same table can
  race (row positions are read, then written). Accepted limitation.

SEE ALSO:
  - backend.go: Backend interface
  - retry.go: Retry
*/
package sheet

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// =============================================================================
// TABLE + ROW
// =============================================================================

// Table names a table and its expected header.
type Table struct {
	Name    string
	Columns []string
}

// Row is one data row keyed by header name. Cells missing from a short row
// read as "".
type Row map[string]string

// Get returns the value of a column, "" when absent.
func (r Row) Get(col string) string { return r[col] }

// Options configures a Store. Zero values take the defaults.
type Options struct {
	Retry        RetryPolicy
	StructureTTL time.Duration
	DataTTL      time.Duration
	Logger       *zap.Logger
}

const (
	DefaultStructureTTL = 2 * time.Minute
	DefaultDataTTL      = 5 * time.Minute

	tablesKey = "\x00tables"
)

// =============================================================================
// STORE
// =============================================================================

// Store adapts a Backend into record operations.
type Store struct {
	backend   Backend
	policy    RetryPolicy
	log       *zap.Logger
	structure *cache.Cache
	data      *cache.Cache
}

// NewStore creates a Store over backend.
func NewStore(backend Backend, opts Options) *Store {
	if opts.Retry.Attempts == 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.StructureTTL <= 0 {
		opts.StructureTTL = DefaultStructureTTL
	}
	if opts.DataTTL <= 0 {
		opts.DataTTL = DefaultDataTTL
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Store{
		backend:   backend,
		policy:    opts.Retry,
		log:       opts.Logger,
		structure: cache.New(opts.StructureTTL, 2*opts.StructureTTL),
		data:      cache.New(opts.DataTTL, 2*opts.DataTTL),
	}
}

// Backend returns the underlying backend.
func (s *Store) Backend() Backend { return s.backend }

func (s *Store) notifier(op, table string) RetryNotifier {
	return func(err error, wait time.Duration) {
		s.log.Warn("store call failed, retrying",
			zap.String("op", op),
			zap.String("table", table),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
}

func (s *Store) retry(ctx context.Context, op, table string, fn func(context.Context) error) error {
	return wrapOp(Retry(ctx, s.policy, IsTransient, s.notifier(op, table), fn), op, table)
}

// =============================================================================
// CACHE CONTROL
// =============================================================================

// InvalidateStructure drops the cached table list and header checks.
func (s *Store) InvalidateStructure() {
	s.structure.Flush()
}

// Invalidate drops the cached contents of one table.
func (s *Store) Invalidate(table string) {
	s.data.Delete(table)
}

// InvalidateAll drops every cache.
func (s *Store) InvalidateAll() {
	s.structure.Flush()
	s.data.Flush()
}

// =============================================================================
// TABLE RESOLUTION
// =============================================================================

// EnsureTable creates the table if it is missing and rewrites its header if
// the header does not start with the expected columns.
func (s *Store) EnsureTable(ctx context.Context, t Table) error {
	if _, ok := s.structure.Get(headerKey(t.Name)); ok {
		return nil
	}

	notify := s.notifier("ensure", t.Name)
	err := Retry(ctx, s.policy, IsTransient, func(err error, wait time.Duration) {
		s.InvalidateStructure()
		notify(err, wait)
	}, func(ctx context.Context) error {
		return s.ensureOnce(ctx, t)
	})
	if err != nil {
		return wrapOp(err, "ensure", t.Name)
	}
	s.structure.SetDefault(headerKey(t.Name), true)
	return nil
}

func (s *Store) ensureOnce(ctx context.Context, t Table) error {
	tables, err := s.tables(ctx)
	if err != nil {
		return err
	}

	if !tables[t.Name] {
		if err := s.backend.CreateTable(ctx, t.Name, t.Columns); err != nil {
			return err
		}
		s.structure.Delete(tablesKey)
		s.data.Delete(t.Name)
		return nil
	}

	rows, err := s.backend.ReadAll(ctx, t.Name)
	if err != nil {
		return err
	}
	if len(rows) == 0 || !hasPrefix(rows[0], t.Columns) {
		if err := s.backend.WriteHeader(ctx, t.Name, t.Columns); err != nil {
			return err
		}
		s.data.Delete(t.Name)
		return nil
	}
	s.data.SetDefault(t.Name, rows)
	return nil
}

func (s *Store) tables(ctx context.Context) (map[string]bool, error) {
	if v, ok := s.structure.Get(tablesKey); ok {
		return v.(map[string]bool), nil
	}
	titles, err := s.backend.Tables(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(titles))
	for _, title := range titles {
		set[title] = true
	}
	s.structure.SetDefault(tablesKey, set)
	return set, nil
}

func headerKey(table string) string { return "header:" + table }

func hasPrefix(header, columns []string) bool {
	if len(header) < len(columns) {
		return false
	}
	for i, c := range columns {
		if header[i] != c {
			return false
		}
	}
	return true
}

// =============================================================================
// READS
// =============================================================================

// Load returns all data rows of a table, served from cache when fresh.
func (s *Store) Load(ctx context.Context, t Table) ([]Row, error) {
	if err := s.EnsureTable(ctx, t); err != nil {
		return nil, err
	}
	if v, ok := s.data.Get(t.Name); ok {
		return toRows(v.([][]string), t.Columns), nil
	}
	return s.LoadFresh(ctx, t)
}

// LoadFresh reads a table from the backend and refreshes its cache entry.
func (s *Store) LoadFresh(ctx context.Context, t Table) ([]Row, error) {
	if err := s.EnsureTable(ctx, t); err != nil {
		return nil, err
	}
	raw, err := s.readAll(ctx, t.Name)
	if err != nil {
		return nil, err
	}
	s.data.SetDefault(t.Name, raw)
	return toRows(raw, t.Columns), nil
}

func (s *Store) readAll(ctx context.Context, table string) ([][]string, error) {
	raw, err := RetryValue(ctx, s.policy, IsTransient, s.notifier("read", table), func(ctx context.Context) ([][]string, error) {
		return s.backend.ReadAll(ctx, table)
	})
	return raw, wrapOp(err, "read", table)
}

// toRows keys data rows by the stored header, falling back to the expected
// columns when the table is empty.
func toRows(raw [][]string, columns []string) []Row {
	if len(raw) < 2 {
		return []Row{}
	}
	header := raw[0]
	if len(header) == 0 {
		header = columns
	}
	rows := make([]Row, 0, len(raw)-1)
	for _, cells := range raw[1:] {
		row := make(Row, len(header))
		for i, col := range header {
			if i < len(cells) {
				row[col] = cells[i]
			} else {
				row[col] = ""
			}
		}
		rows = append(rows, row)
	}
	return rows
}

// =============================================================================
// WRITES
// =============================================================================

// Append writes record as a new row in column order. Missing keys are "".
func (s *Store) Append(ctx context.Context, t Table, record map[string]string) error {
	if err := s.EnsureTable(ctx, t); err != nil {
		return err
	}
	row := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		row[i] = record[c]
	}
	defer s.Invalidate(t.Name)
	return s.retry(ctx, "append", t.Name, func(ctx context.Context) error {
		return s.backend.AppendRow(ctx, t.Name, row)
	})
}

// UpdateFields sets the given fields on the row whose id matches.
// Fields absent from the header are ignored. found is false when no row
// has that id.
func (s *Store) UpdateFields(ctx context.Context, t Table, id string, updates map[string]string) (found bool, err error) {
	if err := s.EnsureTable(ctx, t); err != nil {
		return false, err
	}
	raw, err := s.readAll(ctx, t.Name)
	if err != nil {
		return false, err
	}
	if len(raw) < 2 {
		return false, nil
	}
	header := raw[0]
	idCol := indexOf(header, "id")
	if idCol < 0 {
		return false, nil
	}
	rowNum := findRow(raw, idCol, id)
	if rowNum < 0 {
		return false, nil
	}

	defer s.Invalidate(t.Name)
	for col, name := range header {
		value, ok := updates[name]
		if !ok {
			continue
		}
		err := s.retry(ctx, "update", t.Name, func(ctx context.Context) error {
			return s.backend.UpdateCell(ctx, t.Name, rowNum, col+1, value)
		})
		if err != nil {
			return true, err
		}
	}
	return true, nil
}

// Delete removes the first row whose id matches, and no other.
func (s *Store) Delete(ctx context.Context, t Table, id string) (found bool, err error) {
	if err := s.EnsureTable(ctx, t); err != nil {
		return false, err
	}
	raw, err := s.readAll(ctx, t.Name)
	if err != nil {
		return false, err
	}
	if len(raw) < 2 {
		return false, nil
	}
	idCol := indexOf(raw[0], "id")
	if idCol < 0 {
		idCol = 0
	}
	rowNum := findRow(raw, idCol, id)
	if rowNum < 0 {
		return false, nil
	}

	defer s.Invalidate(t.Name)
	err = s.retry(ctx, "delete", t.Name, func(ctx context.Context) error {
		return s.backend.DeleteRow(ctx, t.Name, rowNum)
	})
	return err == nil, err
}

// DeleteWhere removes every row whose field equals value and returns how
// many rows were removed.
func (s *Store) DeleteWhere(ctx context.Context, t Table, field, value string) (int, error) {
	if !contains(t.Columns, field) {
		return 0, errors.Errorf("delete where: unknown field %q on %q", field, t.Name)
	}
	return s.DeleteMatching(ctx, t, func(r Row) bool { return r.Get(field) == value })
}

// DeleteMatching removes every row match accepts, bottom-up, from a single
// fresh read of the table.
func (s *Store) DeleteMatching(ctx context.Context, t Table, match func(Row) bool) (int, error) {
	if err := s.EnsureTable(ctx, t); err != nil {
		return 0, err
	}
	raw, err := s.readAll(ctx, t.Name)
	if err != nil {
		return 0, err
	}
	rows := toRows(raw, t.Columns)

	var targets []int
	for i, r := range rows {
		if match(r) {
			targets = append(targets, i+2)
		}
	}
	if len(targets) == 0 {
		return 0, nil
	}

	defer s.Invalidate(t.Name)
	deleted := 0
	for i := len(targets) - 1; i >= 0; i-- {
		rowNum := targets[i]
		err := s.retry(ctx, "delete", t.Name, func(ctx context.Context) error {
			return s.backend.DeleteRow(ctx, t.Name, rowNum)
		})
		if err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// findRow returns the 1-based sheet row of the first data row whose idCol
// equals id, or -1.
func findRow(raw [][]string, idCol int, id string) int {
	for i, cells := range raw[1:] {
		if idCol < len(cells) && cells[idCol] == id {
			return i + 2
		}
	}
	return -1
}

func indexOf(xs []string, x string) int {
	for i, v := range xs {
		if v == x {
			return i
		}
	}
	return -1
}

func contains(xs []string, x string) bool { return indexOf(xs, x) >= 0 }
