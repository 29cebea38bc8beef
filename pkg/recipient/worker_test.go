package recipient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/metagoto/shardkit/pkg/rpc"
	"github.com/metagoto/shardkit/pkg/shardkey"
	"github.com/metagoto/shardkit/pkg/storage"
)

func pattern() shardkey.Pattern { return shardkey.Pattern{{Path: "x"}} }

// fakeDonor hands out a fixed clone batch once, then empty batches, and
// serves its scripted mods batches in order before returning empty ones, so
// a worker driven against it should sail straight through to Steady.
type fakeDonor struct {
	objects []bson.M
	served  bool

	mods       []rpc.TransferModsResponse
	modsServed int
}

func (d *fakeDonor) MigrateClone(ctx context.Context, req rpc.MigrateCloneRequest) (rpc.MigrateCloneResponse, error) {
	if d.served {
		return rpc.MigrateCloneResponse{}, nil
	}
	d.served = true
	return rpc.MigrateCloneResponse{Objects: d.objects, Size: int64(len(d.objects)) * 64}, nil
}

func (d *fakeDonor) TransferMods(ctx context.Context, req rpc.TransferModsRequest) (rpc.TransferModsResponse, error) {
	if d.modsServed < len(d.mods) {
		resp := d.mods[d.modsServed]
		d.modsServed++
		return resp, nil
	}
	return rpc.TransferModsResponse{}, nil
}

func fastTunables() Tunables {
	return Tunables{SteadyPollInterval: time.Millisecond, CommitCeiling: 5 * time.Second}
}

func TestStartReceiveRejectsSecondConcurrentMigration(t *testing.T) {
	w := New(storage.NewMemory(nil), fastTunables(), nil, nil, nil)
	donor := &fakeDonor{}
	ctx := context.Background()

	require.NoError(t, w.StartReceive(ctx, StartReceiveRequest{NS: "db.coll", Min: shardkey.Key{0}, Max: shardkey.Key{100}, Pattern: pattern()}, donor))
	t.Cleanup(func() { _, _ = w.RecvChunkAbort(ctx, rpc.RecvChunkAbortRequest{}) })

	err := w.StartReceive(ctx, StartReceiveRequest{NS: "db.coll2", Min: shardkey.Key{0}, Max: shardkey.Key{100}, Pattern: pattern()}, donor)
	assert.Error(t, err)
}

func TestWorkerClonesThenReachesSteady(t *testing.T) {
	engine := storage.NewMemory(nil)
	w := New(engine, fastTunables(), nil, nil, nil)
	donor := &fakeDonor{objects: []bson.M{{"_id": 1, "x": 10}, {"_id": 2, "x": 20}}}
	ctx := context.Background()

	require.NoError(t, w.StartReceive(ctx, StartReceiveRequest{NS: "db.coll", Min: shardkey.Key{0}, Max: shardkey.Key{100}, Pattern: pattern()}, donor))
	t.Cleanup(func() { _, _ = w.RecvChunkAbort(ctx, rpc.RecvChunkAbortRequest{}) })

	require.Eventually(t, func() bool { return w.State() == StateSteady }, time.Second, time.Millisecond)
	assert.Equal(t, 2, engine.Count("db.coll"))

	status, err := w.Status(ctx, rpc.RecvChunkStatusRequest{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, status.NumCloned)
}

func TestCommitDrivesWorkerToDone(t *testing.T) {
	engine := storage.NewMemory(nil)
	w := New(engine, fastTunables(), nil, nil, nil)
	donor := &fakeDonor{objects: []bson.M{{"_id": 1, "x": 10}}}
	ctx := context.Background()

	require.NoError(t, w.StartReceive(ctx, StartReceiveRequest{NS: "db.coll", Min: shardkey.Key{0}, Max: shardkey.Key{100}, Pattern: pattern()}, donor))
	require.Eventually(t, func() bool { return w.State() == StateSteady }, time.Second, time.Millisecond)

	resp, err := w.RecvChunkCommit(ctx, rpc.RecvChunkCommitRequest{})
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, "Done", resp.State)
}

// TestDrainOnceAppliesConcurrentWriteCapturedDuringMigration is scenario S2
// of spec.md §8: a write landing on the donor mid-migration arrives here as
// a non-empty TransferMods batch, exercising drainOnce's real delete-then-
// upsert apply path instead of an always-empty fake response.
func TestDrainOnceAppliesConcurrentWriteCapturedDuringMigration(t *testing.T) {
	engine := storage.NewMemory(nil)
	ctx := context.Background()
	require.NoError(t, engine.Upsert(ctx, "db.coll", bson.M{"_id": 2, "x": 20}))
	w := New(engine, fastTunables(), nil, nil, nil)
	donor := &fakeDonor{
		objects: []bson.M{{"_id": 1, "x": 10}},
		mods: []rpc.TransferModsResponse{
			{Deleted: []any{2}, Reload: []bson.M{{"_id": 3, "x": 30}}, Size: 64},
		},
	}

	require.NoError(t, w.StartReceive(ctx, StartReceiveRequest{NS: "db.coll", Min: shardkey.Key{0}, Max: shardkey.Key{100}, Pattern: pattern()}, donor))
	t.Cleanup(func() { _, _ = w.RecvChunkAbort(ctx, rpc.RecvChunkAbortRequest{}) })

	require.Eventually(t, func() bool { return w.State() == StateSteady }, time.Second, time.Millisecond)

	_, ok, err := engine.Get(ctx, "db.coll", 2)
	require.NoError(t, err)
	assert.False(t, ok, "id deleted on the donor must be deleted here too")
	_, ok, err = engine.Get(ctx, "db.coll", 3)
	require.NoError(t, err)
	assert.True(t, ok, "id reloaded from the donor must be upserted")

	status, err := w.Status(ctx, rpc.RecvChunkStatusRequest{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, status.NumCatchup)
}

func TestAbortCancelsWorker(t *testing.T) {
	engine := storage.NewMemory(nil)
	w := New(engine, fastTunables(), nil, nil, nil)
	donor := &fakeDonor{}
	ctx := context.Background()

	require.NoError(t, w.StartReceive(ctx, StartReceiveRequest{NS: "db.coll", Min: shardkey.Key{0}, Max: shardkey.Key{100}, Pattern: pattern()}, donor))
	resp, err := w.RecvChunkAbort(ctx, rpc.RecvChunkAbortRequest{})
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, StateAbort, w.State())
}
