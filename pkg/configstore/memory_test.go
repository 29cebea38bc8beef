package configstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateChunkConditionalSucceeds(t *testing.T) {
	m := NewMemory()
	m.Put(ChunkRecord{ID: "c1", NS: "db.coll", LastMod: Version{Major: 1}})

	err := m.UpdateChunk(context.Background(), ChunkRecord{ID: "c1", NS: "db.coll", Owner: "B", LastMod: Version{Major: 2}}, Version{Major: 1})
	require.NoError(t, err)

	rec, err := m.FetchChunk(context.Background(), "db.coll", "c1")
	require.NoError(t, err)
	assert.Equal(t, "B", rec.Owner)
}

func TestUpdateChunkConditionalFailsOnMismatch(t *testing.T) {
	m := NewMemory()
	m.Put(ChunkRecord{ID: "c1", NS: "db.coll", LastMod: Version{Major: 1}})

	err := m.UpdateChunk(context.Background(), ChunkRecord{ID: "c1", NS: "db.coll", Owner: "B"}, Version{Major: 99})
	assert.ErrorIs(t, err, ErrConditionFailed)
}

func TestFetchChunkNotFound(t *testing.T) {
	m := NewMemory()
	_, err := m.FetchChunk(context.Background(), "db.coll", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLockMutualExclusion(t *testing.T) {
	m := NewMemory()
	lease, err := m.Lock(context.Background(), "db.coll", "nodeA", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "nodeA", lease.Holder())

	_, err = m.Lock(context.Background(), "db.coll", "nodeB", time.Minute)
	assert.Error(t, err, "lock must be held exclusively per namespace")

	require.NoError(t, lease.Release(context.Background()))

	lease2, err := m.Lock(context.Background(), "db.coll", "nodeB", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "nodeB", lease2.Holder())
}

func TestLeaseStillHeldAfterExpiry(t *testing.T) {
	m := NewMemory()
	lease, err := m.Lock(context.Background(), "db.coll", "nodeA", time.Minute)
	require.NoError(t, err)

	m.Expire("db.coll")
	held, err := lease.StillHeld(context.Background())
	require.NoError(t, err)
	assert.False(t, held)
}

func TestFetchMaxVersion(t *testing.T) {
	m := NewMemory()
	m.Put(ChunkRecord{ID: "c1", NS: "db.coll", LastMod: Version{Major: 1}})
	m.Put(ChunkRecord{ID: "c2", NS: "db.coll", LastMod: Version{Major: 3, Minor: 2}})

	v, err := m.FetchMaxVersion(context.Background(), "db.coll")
	require.NoError(t, err)
	assert.Equal(t, Version{Major: 3, Minor: 2}, v)
}

func TestNowIsMonotonicNonDecreasing(t *testing.T) {
	m := NewMemory()
	t1, err := m.Now(context.Background())
	require.NoError(t, err)
	t2, err := m.Now(context.Background())
	require.NoError(t, err)
	assert.True(t, !t2.Before(t1))
}
