package sheet_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/megaformation/attendance-hub/sheet"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var people = sheet.Table{Name: "People", Columns: []string{"id", "name", "city"}}

func fastPolicy() sheet.RetryPolicy {
	return sheet.RetryPolicy{Attempts: 4, InitialBackoff: time.Millisecond, Multiplier: 2}
}

func newTestStore(t *testing.T) (*sheet.Store, *sheet.Memory) {
	backend := sheet.NewMemory()
	store := sheet.NewStore(backend, sheet.Options{Retry: fastPolicy()})
	return store, backend
}

func seedPeople(t *testing.T, store *sheet.Store, records ...map[string]string) {
	ctx := context.Background()
	for _, r := range records {
		require.NoError(t, store.Append(ctx, people, r))
	}
}

// =============================================================================
// RETRY TESTS
// =============================================================================

func TestRetry_TransientThenSuccess(t *testing.T) {
	// GIVEN: An operation that fails twice with 503 then succeeds
	// WHEN: Retried with 4 attempts
	// THEN: It succeeds after exactly 3 calls

	calls := 0
	err := sheet.Retry(context.Background(), fastPolicy(), sheet.IsTransient, nil, func(context.Context) error {
		calls++
		if calls < 3 {
			return &sheet.APIError{Op: "x", Status: http.StatusServiceUnavailable}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_PermanentFailsImmediately(t *testing.T) {
	// GIVEN: An operation failing with a 403
	// WHEN: Retried
	// THEN: It is called once and the 403 surfaces

	calls := 0
	err := sheet.Retry(context.Background(), fastPolicy(), sheet.IsTransient, nil, func(context.Context) error {
		calls++
		return &sheet.APIError{Op: "x", Status: http.StatusForbidden}
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, http.StatusForbidden, sheet.StatusOf(err))
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	// GIVEN: An operation that always returns 429
	// WHEN: Retried with 4 attempts
	// THEN: It is called 4 times and the last 429 surfaces

	calls := 0
	var waits []time.Duration
	err := sheet.Retry(context.Background(), fastPolicy(), sheet.IsTransient,
		func(_ error, wait time.Duration) { waits = append(waits, wait) },
		func(context.Context) error {
			calls++
			return &sheet.APIError{Op: "x", Status: http.StatusTooManyRequests}
		})

	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.Equal(t, http.StatusTooManyRequests, sheet.StatusOf(err))
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond}, waits)
}

func TestRetryValue_ReturnsValue(t *testing.T) {
	calls := 0
	v, err := sheet.RetryValue(context.Background(), fastPolicy(), sheet.IsTransient, nil, func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, &sheet.APIError{Op: "x", Status: http.StatusBadGateway}
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestIsTransient(t *testing.T) {
	for _, status := range []int{429, 500, 502, 503, 504} {
		assert.True(t, sheet.IsTransient(&sheet.APIError{Status: status}), "status %d", status)
	}
	for _, status := range []int{400, 401, 403, 404} {
		assert.False(t, sheet.IsTransient(&sheet.APIError{Status: status}), "status %d", status)
	}
	assert.False(t, sheet.IsTransient(nil))
	assert.False(t, sheet.IsTransient(context.Canceled))
	assert.True(t, sheet.IsTransient(assert.AnError), "errors without status are network-class")
}

// =============================================================================
// TABLE RESOLUTION TESTS
// =============================================================================

func TestEnsureTable_CreatesMissingTable(t *testing.T) {
	store, backend := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.EnsureTable(ctx, people))

	raw, err := backend.ReadAll(ctx, "People")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"id", "name", "city"}}, raw)
}

func TestEnsureTable_RewritesWrongHeader(t *testing.T) {
	// GIVEN: A table whose header is out of date
	// WHEN: Ensured
	// THEN: The header row is rewritten and data rows are kept

	backend := sheet.NewMemory()
	ctx := context.Background()
	require.NoError(t, backend.CreateTable(ctx, "People", []string{"id", "nom"}))
	require.NoError(t, backend.AppendRow(ctx, "People", []string{"p1", "Amine"}))

	store := sheet.NewStore(backend, sheet.Options{Retry: fastPolicy()})
	require.NoError(t, store.EnsureTable(ctx, people))

	raw, err := backend.ReadAll(ctx, "People")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name", "city"}, raw[0])
	assert.Equal(t, []string{"p1", "Amine"}, raw[1])
}

func TestEnsureTable_KeepsExtendedHeader(t *testing.T) {
	// GIVEN: A header with an extra trailing column
	// THEN: It is accepted as-is

	backend := sheet.NewMemory()
	ctx := context.Background()
	require.NoError(t, backend.CreateTable(ctx, "People", []string{"id", "name", "city", "notes"}))

	store := sheet.NewStore(backend, sheet.Options{Retry: fastPolicy()})
	require.NoError(t, store.EnsureTable(ctx, people))
	assert.Equal(t, 0, backend.Calls(sheet.OpWriteHeader))
}

func TestEnsureTable_TransientFailureIsRetried(t *testing.T) {
	store, backend := newTestStore(t)
	backend.FailNext(sheet.OpTables, 2, http.StatusServiceUnavailable)

	require.NoError(t, store.EnsureTable(context.Background(), people))
	assert.Equal(t, 3, backend.Calls(sheet.OpTables))
}

// =============================================================================
// CACHE TESTS
// =============================================================================

func TestLoad_ColdStoreReachesBackend(t *testing.T) {
	// GIVEN: Rows written directly to the backend
	// WHEN: A fresh store loads the table
	// THEN: The rows are visible

	backend := sheet.NewMemory()
	ctx := context.Background()
	require.NoError(t, backend.CreateTable(ctx, "People", people.Columns))
	require.NoError(t, backend.AppendRow(ctx, "People", []string{"p1", "Amine", "Bizerte"}))

	store := sheet.NewStore(backend, sheet.Options{Retry: fastPolicy()})
	rows, err := store.Load(ctx, people)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Amine", rows[0].Get("name"))
}

func TestLoad_ServedFromCache(t *testing.T) {
	store, backend := newTestStore(t)
	ctx := context.Background()
	seedPeople(t, store, map[string]string{"id": "p1", "name": "Amine"})

	_, err := store.Load(ctx, people)
	require.NoError(t, err)
	reads := backend.Calls(sheet.OpReadAll)

	_, err = store.Load(ctx, people)
	require.NoError(t, err)
	assert.Equal(t, reads, backend.Calls(sheet.OpReadAll), "second load should hit the cache")
}

func TestLoad_WriteInvalidatesCache(t *testing.T) {
	// GIVEN: A cached table
	// WHEN: A row is appended through the store
	// THEN: The next load sees it

	store, _ := newTestStore(t)
	ctx := context.Background()
	seedPeople(t, store, map[string]string{"id": "p1", "name": "Amine"})

	rows, err := store.Load(ctx, people)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	seedPeople(t, store, map[string]string{"id": "p2", "name": "Sarra"})

	rows, err = store.Load(ctx, people)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestLoad_ShortRowsPadded(t *testing.T) {
	backend := sheet.NewMemory()
	ctx := context.Background()
	require.NoError(t, backend.CreateTable(ctx, "People", people.Columns))
	require.NoError(t, backend.AppendRow(ctx, "People", []string{"p1"}))

	store := sheet.NewStore(backend, sheet.Options{Retry: fastPolicy()})
	rows, err := store.Load(ctx, people)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "", rows[0].Get("city"))
	_, present := rows[0]["city"]
	assert.True(t, present)
}

// =============================================================================
// MUTATION TESTS
// =============================================================================

func TestAppend_RoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	seedPeople(t, store, map[string]string{"id": "p1", "name": "Amine", "city": "Bizerte", "ignored": "x"})

	rows, err := store.Load(ctx, people)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, sheet.Row{"id": "p1", "name": "Amine", "city": "Bizerte"}, rows[0])
}

func TestUpdateFields_SetsOnlyKnownFields(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	seedPeople(t, store,
		map[string]string{"id": "p1", "name": "Amine", "city": "Bizerte"},
		map[string]string{"id": "p2", "name": "Sarra", "city": "Tunis"},
	)

	found, err := store.UpdateFields(ctx, people, "p2", map[string]string{"city": "Sousse", "unknown": "x"})
	require.NoError(t, err)
	assert.True(t, found)

	rows, err := store.Load(ctx, people)
	require.NoError(t, err)
	assert.Equal(t, "Bizerte", rows[0].Get("city"))
	assert.Equal(t, "Sousse", rows[1].Get("city"))
	assert.Equal(t, "Sarra", rows[1].Get("name"))
}

func TestUpdateFields_UnknownIDIsNoOp(t *testing.T) {
	store, backend := newTestStore(t)
	ctx := context.Background()
	seedPeople(t, store, map[string]string{"id": "p1", "name": "Amine"})

	found, err := store.UpdateFields(ctx, people, "nope", map[string]string{"name": "x"})
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 0, backend.Calls(sheet.OpUpdateCell))
}

func TestDelete_OnlyTheMatchingID(t *testing.T) {
	// GIVEN: Two rows sharing a name but with distinct ids
	// WHEN: Deleting one id
	// THEN: Only that row is removed

	store, _ := newTestStore(t)
	ctx := context.Background()
	seedPeople(t, store,
		map[string]string{"id": "p1", "name": "Amine"},
		map[string]string{"id": "p2", "name": "Amine"},
	)

	found, err := store.Delete(ctx, people, "p2")
	require.NoError(t, err)
	assert.True(t, found)

	rows, err := store.Load(ctx, people)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "p1", rows[0].Get("id"))
}

func TestDelete_UnknownIDIsNoOp(t *testing.T) {
	store, _ := newTestStore(t)
	seedPeople(t, store, map[string]string{"id": "p1"})

	found, err := store.Delete(context.Background(), people, "zzz")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDeleteWhere_RemovesExactlyMatches(t *testing.T) {
	// GIVEN: Alternating cities
	// WHEN: Deleting city == "Tunis"
	// THEN: Exactly the Tunis rows go, order of the rest is kept

	store, _ := newTestStore(t)
	ctx := context.Background()
	seedPeople(t, store,
		map[string]string{"id": "1", "city": "Tunis"},
		map[string]string{"id": "2", "city": "Bizerte"},
		map[string]string{"id": "3", "city": "Tunis"},
		map[string]string{"id": "4", "city": "Bizerte"},
		map[string]string{"id": "5", "city": "Tunis"},
	)

	n, err := store.DeleteWhere(ctx, people, "city", "Tunis")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	rows, err := store.Load(ctx, people)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "2", rows[0].Get("id"))
	assert.Equal(t, "4", rows[1].Get("id"))
}

func TestDeleteWhere_UnknownField(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.DeleteWhere(context.Background(), people, "age", "3")
	assert.Error(t, err)
}

func TestDeleteMatching_RetriesTransientDelete(t *testing.T) {
	store, backend := newTestStore(t)
	ctx := context.Background()
	seedPeople(t, store,
		map[string]string{"id": "1", "city": "Tunis"},
		map[string]string{"id": "2", "city": "Tunis"},
	)
	backend.FailNext(sheet.OpDeleteRow, 1, http.StatusTooManyRequests)

	n, err := store.DeleteMatching(ctx, people, func(r sheet.Row) bool { return r.Get("city") == "Tunis" })
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rows, err := store.Load(ctx, people)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestAppend_PermanentFailureSurfaces(t *testing.T) {
	store, backend := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.EnsureTable(ctx, people))
	backend.FailNext(sheet.OpAppendRow, 1, http.StatusForbidden)

	err := store.Append(ctx, people, map[string]string{"id": "p1"})
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, sheet.StatusOf(err))
	assert.Equal(t, 1, backend.Calls(sheet.OpAppendRow))
}
