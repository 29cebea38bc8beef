package version

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/metagoto/shardkit/pkg/configstore"
	"github.com/metagoto/shardkit/pkg/shardkey"
)

func pattern() shardkey.Pattern { return shardkey.Pattern{{Path: "x"}} }

func TestDonateThenUndoRestoresStateExactly(t *testing.T) {
	store := configstore.NewMemory()
	m := NewManager(store)
	m.Register("db.coll", pattern())
	m.Seed("db.coll", shardkey.Key{0}, shardkey.Key{100}, configstore.Version{Major: 1})

	before := m.Owns("db.coll", shardkey.Key{50})
	assert.True(t, before)

	oldVersion := m.GetVersion("db.coll")
	m.DonateChunk("db.coll", shardkey.Key{0}, shardkey.Key{100}, configstore.Version{Major: 2})
	assert.False(t, m.Owns("db.coll", shardkey.Key{50}))

	m.UndoDonate("db.coll", shardkey.Key{0}, shardkey.Key{100}, oldVersion)
	assert.True(t, m.Owns("db.coll", shardkey.Key{50}))
	assert.Equal(t, oldVersion, m.GetVersion("db.coll"))
}

func TestCheckWriteStaleConfigForDonatedChunk(t *testing.T) {
	store := configstore.NewMemory()
	m := NewManager(store)
	m.Register("db.coll", pattern())
	m.Seed("db.coll", shardkey.Key{0}, shardkey.Key{100}, configstore.Version{Major: 1})
	m.DonateChunk("db.coll", shardkey.Key{0}, shardkey.Key{100}, configstore.Version{Major: 2})

	verdict, err := m.CheckWrite("db.coll", shardkey.Key{50})
	assert.Equal(t, VerdictStaleConfig, verdict)
	assert.Error(t, err)
}

func TestCheckWriteOkForOwnedChunk(t *testing.T) {
	store := configstore.NewMemory()
	m := NewManager(store)
	m.Register("db.coll", pattern())
	m.Seed("db.coll", shardkey.Key{0}, shardkey.Key{100}, configstore.Version{Major: 1})

	verdict, err := m.CheckWrite("db.coll", shardkey.Key{50})
	assert.Equal(t, Ok, verdict)
	assert.NoError(t, err)
}

func TestTrySetVersionRefreshesFromStore(t *testing.T) {
	store := configstore.NewMemory()
	store.Put(configstore.ChunkRecord{ID: "c1", NS: "db.coll", LastMod: configstore.Version{Major: 5, Minor: 1}})
	m := NewManager(store)
	m.Register("db.coll", pattern())

	v, err := m.TrySetVersion(context.Background(), "db.coll")
	assert.NoError(t, err)
	assert.Equal(t, configstore.Version{Major: 5, Minor: 1}, v)
	assert.Equal(t, v, m.GetVersion("db.coll"))
}

func TestVersionOrdering(t *testing.T) {
	assert.True(t, configstore.Version{Major: 1, Minor: 0}.Less(configstore.Version{Major: 2, Minor: 0}))
	assert.True(t, configstore.Version{Major: 1, Minor: 0}.Less(configstore.Version{Major: 1, Minor: 1}))
	assert.False(t, configstore.Version{Major: 2, Minor: 0}.Less(configstore.Version{Major: 1, Minor: 9}))
}
