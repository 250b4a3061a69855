package thingstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-cloudbridge/internal/bridge"
	"github.com/nerrad567/gray-logic-cloudbridge/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-cloudbridge/migrations"
)

// testStore opens a migrated database in a temp dir.
func testStore(t *testing.T, opts Options) *Store {
	t.Helper()

	db, err := database.Open(context.Background(), database.Config{
		Path:        filepath.Join(t.TempDir(), "state.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	require.NoError(t, db.Migrate(context.Background(), migrations.FS))

	opts.DB = db
	if opts.Owner == "" {
		opts.Owner = "owner-1"
	}
	store, err := New(opts)
	require.NoError(t, err)
	return store
}

func record(id, band, value string) bridge.StateRecord {
	return bridge.StateRecord{ThingID: id, Band: band, Value: json.RawMessage(value)}
}

// recvRecord waits for one record on ch.
func recvRecord(t *testing.T, ch <-chan bridge.StateRecord) bridge.StateRecord {
	t.Helper()
	select {
	case rec := <-ch:
		return rec
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change")
		return bridge.StateRecord{}
	}
}

func assertNoRecord(t *testing.T, ch <-chan bridge.StateRecord) {
	t.Helper()
	select {
	case rec := <-ch:
		t.Fatalf("unexpected change %+v", rec)
	case <-time.After(20 * time.Millisecond):
	}
}

// drain reads ch until it stays quiet.
func drain(t *testing.T, ch <-chan bridge.StateRecord) []bridge.StateRecord {
	t.Helper()
	var got []bridge.StateRecord
	for {
		select {
		case rec := <-ch:
			got = append(got, rec)
		case <-time.After(50 * time.Millisecond):
			return got
		}
	}
}

type debugLogger struct {
	mu       sync.Mutex
	messages []string
}

func (l *debugLogger) Debug(msg string, _ ...any) {
	l.mu.Lock()
	l.messages = append(l.messages, msg)
	l.mu.Unlock()
}

func TestNew_RequiresDB(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestPut_StoresCanonicalValue(t *testing.T) {
	store := testStore(t, Options{})
	ctx := context.Background()

	changed, err := store.Put(ctx, record("lamp1", "ostate", `{ "on": true, "brightness": 40 }`))
	require.NoError(t, err)
	assert.True(t, changed)

	entry, err := store.Get(ctx, "lamp1", "ostate")
	require.NoError(t, err)
	assert.Equal(t, `{"brightness":40,"on":true}`, string(entry.Value))
	assert.Equal(t, OriginLocal, entry.Origin)
	assert.False(t, entry.UpdatedAt.IsZero())
}

func TestPut_UnchangedValueIsSilent(t *testing.T) {
	store := testStore(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := store.Subscribe(ctx, []string{"ostate"}, "owner-1")
	require.NoError(t, err)

	changed, err := store.Put(ctx, record("lamp1", "ostate", `{"on":true,"level":1.50}`))
	require.NoError(t, err)
	assert.True(t, changed)
	recvRecord(t, ch)

	// Same value, different key order and whitespace.
	changed, err = store.Put(ctx, record("lamp1", "ostate", `{"level":1.50, "on":true}`))
	require.NoError(t, err)
	assert.False(t, changed)
	assertNoRecord(t, ch)
}

func TestPut_InvalidRecord(t *testing.T) {
	store := testStore(t, Options{})
	ctx := context.Background()

	tests := []bridge.StateRecord{
		record("", "ostate", `{}`),
		record("lamp1", "", `{}`),
		record("lamp1", "ostate", `{"on":`),
		record("lamp1", "ostate", `{} {}`),
	}
	for _, rec := range tests {
		_, err := store.Put(ctx, rec)
		assert.ErrorIs(t, err, ErrInvalidRecord, "%+v", rec)
	}
}

func TestPut_EmptyValueIsNull(t *testing.T) {
	store := testStore(t, Options{})
	ctx := context.Background()

	_, err := store.Put(ctx, record("lamp1", "meta", ``))
	require.NoError(t, err)

	entry, err := store.Get(ctx, "lamp1", "meta")
	require.NoError(t, err)
	assert.Equal(t, `null`, string(entry.Value))
}

func TestApply_MarksCloudAndRunsHook(t *testing.T) {
	store := testStore(t, Options{})
	ctx := context.Background()

	var hooked []bridge.StateRecord
	store.SetOnApply(func(_ context.Context, rec bridge.StateRecord) {
		hooked = append(hooked, rec)
	})

	require.NoError(t, store.Apply(ctx, record("lamp1", "ostate", `{"on":false}`)))
	require.NoError(t, store.Apply(ctx, record("lamp1", "ostate", `{"on":false}`)))

	entry, err := store.Get(ctx, "lamp1", "ostate")
	require.NoError(t, err)
	assert.Equal(t, OriginCloud, entry.Origin)

	require.Len(t, hooked, 1, "unchanged apply must not run the hook")
	assert.Equal(t, `{"on":false}`, string(hooked[0].Value))

	// A later local report of the same value does not flip the origin.
	changed, err := store.Put(ctx, record("lamp1", "ostate", `{"on":false}`))
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestGet_NotFound(t *testing.T) {
	store := testStore(t, Options{})
	_, err := store.Get(context.Background(), "missing", "ostate")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestList(t *testing.T) {
	store := testStore(t, Options{})
	ctx := context.Background()

	_, err := store.Put(ctx, record("lamp2", "ostate", `{"on":true}`))
	require.NoError(t, err)
	_, err = store.Put(ctx, record("lamp1", "ostate", `{"on":false}`))
	require.NoError(t, err)
	require.NoError(t, store.Apply(ctx, record("lamp1", "meta", `{"schema:name":"Lamp"}`)))

	entries, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	var keys []string
	for _, e := range entries {
		keys = append(keys, e.Key())
	}
	assert.Equal(t, []string{"lamp1/meta", "lamp1/ostate", "lamp2/ostate"}, keys)
	assert.Equal(t, OriginCloud, entries[0].Origin)
}

func TestSubscribe_FiltersBands(t *testing.T) {
	store := testStore(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := store.Subscribe(ctx, []string{"ostate", "meta"}, "")
	require.NoError(t, err)

	_, err = store.Put(ctx, record("lamp1", "istate", `{"on":true}`))
	require.NoError(t, err)
	_, err = store.Put(ctx, record("lamp1", "ostate", `{"on":true}`))
	require.NoError(t, err)

	rec := recvRecord(t, ch)
	assert.Equal(t, "ostate", rec.Band)
	assertNoRecord(t, ch)
}

func TestSubscribe_PermissionDenied(t *testing.T) {
	store := testStore(t, Options{Owner: "owner-1"})
	assert.Equal(t, "owner-1", store.Owner())

	_, err := store.Subscribe(context.Background(), []string{"ostate"}, "someone-else")
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestSubscribe_ClosedOnCancel(t *testing.T) {
	store := testStore(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := store.Subscribe(ctx, []string{"ostate"}, "owner-1")
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}

	// Writes after the subscriber left must not panic or block.
	_, err = store.Put(context.Background(), record("lamp1", "ostate", `{"on":true}`))
	assert.NoError(t, err)
}

func TestSubscribe_FullBufferKeepsEveryKey(t *testing.T) {
	store := testStore(t, Options{BufferSize: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := store.Subscribe(ctx, []string{"ostate"}, "owner-1")
	require.NoError(t, err)

	for _, id := range []string{"lamp1", "lamp2", "lamp3", "lamp4"} {
		_, err := store.Put(ctx, record(id, "ostate", `{"on":true}`))
		require.NoError(t, err)
	}

	var ids []string
	for _, rec := range drain(t, ch) {
		ids = append(ids, rec.ThingID)
	}
	assert.Equal(t, []string{"lamp1", "lamp2", "lamp3", "lamp4"}, ids)
}

func TestSubscribe_FullBufferCoalescesSameKey(t *testing.T) {
	logger := &debugLogger{}
	store := testStore(t, Options{BufferSize: 1, Logger: logger})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := store.Subscribe(ctx, []string{"ostate"}, "owner-1")
	require.NoError(t, err)

	_, err = store.Put(ctx, record("lamp2", "ostate", `{"on":true}`))
	require.NoError(t, err)
	for level := 1; level <= 20; level++ {
		_, err := store.Put(ctx, record("lamp1", "ostate", fmt.Sprintf(`{"level":%d}`, level)))
		require.NoError(t, err)
	}

	got := drain(t, ch)
	require.NotEmpty(t, got)

	var lamp1, lamp2 []bridge.StateRecord
	for _, rec := range got {
		switch rec.ThingID {
		case "lamp1":
			lamp1 = append(lamp1, rec)
		case "lamp2":
			lamp2 = append(lamp2, rec)
		}
	}
	assert.Len(t, lamp2, 1)
	require.NotEmpty(t, lamp1)
	assert.LessOrEqual(t, len(lamp1), 20)
	assert.JSONEq(t, `{"level":20}`, string(lamp1[len(lamp1)-1].Value), "newest value is always delivered")

	logger.mu.Lock()
	coalesced := len(logger.messages)
	logger.mu.Unlock()
	assert.Equal(t, 20-len(lamp1), coalesced, "every missing lamp1 value was replaced by a newer one")
}

func TestSnapshot(t *testing.T) {
	store := testStore(t, Options{})
	ctx := context.Background()

	_, err := store.Put(ctx, record("lamp2", "ostate", `{"on":false}`))
	require.NoError(t, err)
	_, err = store.Put(ctx, record("lamp1", "istate", `{"on":true}`))
	require.NoError(t, err)
	require.NoError(t, store.Apply(ctx, record("lamp1", "ostate", `{"on":true}`)))

	records, err := store.Snapshot(ctx, []string{"ostate"}, "owner-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "lamp1/ostate", records[0].Key())
	assert.Equal(t, "lamp2/ostate", records[1].Key())
	assert.JSONEq(t, `{"on":false}`, string(records[1].Value))

	_, err = store.Snapshot(ctx, []string{"ostate"}, "someone-else")
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestStore_CancelledContext(t *testing.T) {
	store := testStore(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.Apply(ctx, record("lamp1", "ostate", `{}`))
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrInvalidRecord))
}
