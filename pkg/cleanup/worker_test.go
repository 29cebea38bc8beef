package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/goleak"

	"github.com/metagoto/shardkit/pkg/shardkey"
	"github.com/metagoto/shardkit/pkg/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func pattern() shardkey.Pattern { return shardkey.Pattern{{Path: "x"}} }

func job(ns string, cursors ...storage.CursorID) Job {
	return Job{NS: ns, Min: shardkey.Key{0}, Max: shardkey.Key{100}, Pattern: pattern(), InitialCursors: cursors}
}

// TestRunWaitsForCursorQuiescenceThenDeletes is scenario S6 of spec.md §8,
// compressed to millisecond scale: two cursors close quickly, one stays open
// longer; the ranged delete must not happen before the last one closes.
func TestRunWaitsForCursorQuiescenceThenDeletes(t *testing.T) {
	eng := storage.NewMemory(nil)
	ctx := context.Background()
	require.NoError(t, eng.Upsert(ctx, "db.coll", bson.M{"_id": 1, "x": 50}))

	eng.OpenCursor("db.coll", "c1")
	eng.OpenCursor("db.coll", "c2")
	eng.OpenCursor("db.coll", "c3")

	go func() {
		time.Sleep(5 * time.Millisecond)
		eng.CloseCursor("db.coll", "c1")
		eng.CloseCursor("db.coll", "c2")
	}()
	go func() {
		time.Sleep(30 * time.Millisecond)
		eng.CloseCursor("db.coll", "c3")
	}()

	w := New(eng, nil, Tunables{PollInterval: 2 * time.Millisecond, WaitCeiling: time.Second}, nil, nil)

	start := time.Now()
	err := w.Run(ctx, job("db.coll", "c1", "c2", "c3"))
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.GreaterOrEqual(t, elapsed, 28*time.Millisecond, "delete must not fire before the last cursor closes")
	assert.Less(t, elapsed, 900*time.Millisecond, "delete must not wait for the full ceiling when cursors do close")
	assert.Equal(t, 0, eng.Count("db.coll"))
}

// TestRunProceedsAfterCeilingEvenIfCursorsRemainOpen verifies the 900s
// ceiling (spec.md §4.6): a cursor that never closes must not block cleanup
// forever.
func TestRunProceedsAfterCeilingEvenIfCursorsRemainOpen(t *testing.T) {
	eng := storage.NewMemory(nil)
	ctx := context.Background()
	require.NoError(t, eng.Upsert(ctx, "db.coll", bson.M{"_id": 1, "x": 50}))
	eng.OpenCursor("db.coll", "stuck")

	w := New(eng, nil, Tunables{PollInterval: time.Millisecond, WaitCeiling: 10 * time.Millisecond}, nil, nil)

	err := w.Run(ctx, job("db.coll", "stuck"))
	require.NoError(t, err)
	assert.Equal(t, 0, eng.Count("db.coll"))
}

// TestRunIsIdempotentOnEmptyRange: running cleanup twice on an already-empty
// range produces identical on-disk state (spec.md §8 round-trip law).
func TestRunIsIdempotentOnEmptyRange(t *testing.T) {
	eng := storage.NewMemory(nil)
	w := New(eng, nil, Tunables{PollInterval: time.Millisecond, WaitCeiling: 10 * time.Millisecond}, nil, nil)
	ctx := context.Background()

	require.NoError(t, w.Run(ctx, job("db.coll")))
	require.NoError(t, w.Run(ctx, job("db.coll")))
	assert.Equal(t, 0, eng.Count("db.coll"))
}
