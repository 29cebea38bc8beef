package tap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/metagoto/shardkit/pkg/shardkey"
)

func pattern() shardkey.Pattern { return shardkey.Pattern{{Path: "x"}} }

func TestRecordIgnoredWhenNoMigrationActive(t *testing.T) {
	tp := New()
	tp.Record(OriginUser, OpInsert, "db.coll", 1, bson.M{"x": 1})
	assert.Nil(t, tp.BufferFor("db.coll"))
}

func TestRecordInsertInRange(t *testing.T) {
	tp := New()
	buf := tp.Activate("db.coll", shardkey.Key{0}, shardkey.Key{100}, pattern())
	tp.Record(OriginUser, OpInsert, "db.coll", 1, bson.M{"x": 50})
	tp.Record(OriginUser, OpInsert, "db.coll", 2, bson.M{"x": 500})
	deleted, reload, bytes := buf.Drain(1 << 20)
	assert.Empty(t, deleted)
	assert.Equal(t, []any{1}, reload)
	assert.Greater(t, bytes, int64(0))
}

func TestRecordDeleteUnconditional(t *testing.T) {
	tp := New()
	buf := tp.Activate("db.coll", shardkey.Key{0}, shardkey.Key{100}, pattern())
	tp.Record(OriginUser, OpDelete, "db.coll", 1, nil)
	deleted, _, _ := buf.Drain(1 << 20)
	assert.Equal(t, []any{1}, deleted)
}

func TestRecordDeleteSuppressedForCleanupOrigin(t *testing.T) {
	tp := New()
	buf := tp.Activate("db.coll", shardkey.Key{0}, shardkey.Key{100}, pattern())
	tp.Record(OriginCleanup, OpDelete, "db.coll", 1, nil)
	assert.True(t, buf.Empty())
}

func TestRecordUpdateRereadPostImage(t *testing.T) {
	tp := New()
	buf := tp.Activate("db.coll", shardkey.Key{0}, shardkey.Key{100}, pattern())
	// post-update doc now in range
	tp.Record(OriginUser, OpUpdate, "db.coll", 1, bson.M{"x": 10})
	// post-update doc now out of range -> dropped
	tp.Record(OriginUser, OpUpdate, "db.coll", 2, bson.M{"x": 999})
	// post-update doc no longer exists -> dropped
	tp.Record(OriginUser, OpUpdate, "db.coll", 3, nil)
	_, reload, _ := buf.Drain(1 << 20)
	assert.Equal(t, []any{1}, reload)
}

func TestRecordDedupesThrashingRewrites(t *testing.T) {
	tp := New()
	buf := tp.Activate("db.coll", shardkey.Key{0}, shardkey.Key{100}, pattern())
	for i := 0; i < 5; i++ {
		tp.Record(OriginUser, OpUpdate, "db.coll", 1, bson.M{"x": 10})
	}
	_, reload, _ := buf.Drain(1 << 20)
	assert.Equal(t, []any{1}, reload, "repeated rewrites of the same id collapse to one entry")
}

func TestBytesBufferedMonotonicBetweenTapEvents(t *testing.T) {
	tp := New()
	buf := tp.Activate("db.coll", shardkey.Key{0}, shardkey.Key{100}, pattern())
	var last int64
	for i := 0; i < 10; i++ {
		tp.Record(OriginUser, OpInsert, "db.coll", i, bson.M{"x": i})
		cur := buf.BytesBuffered()
		assert.GreaterOrEqual(t, cur, last)
		last = cur
	}
}

func TestDrainCapsBatchAndIsMonotonicRemoval(t *testing.T) {
	tp := New()
	buf := tp.Activate("db.coll", shardkey.Key{0}, shardkey.Key{100}, pattern())
	for i := 0; i < 100; i++ {
		tp.Record(OriginUser, OpInsert, "db.coll", i, bson.M{"x": i})
	}
	before := buf.BytesBuffered()
	_, reload, bytes := buf.Drain(200) // small cap forces a partial drain
	assert.Less(t, len(reload), 100)
	assert.Greater(t, bytes, int64(0))
	after := buf.BytesBuffered()
	assert.Less(t, after, before, "bytes_buffered must shrink on drain")
	assert.False(t, buf.Empty())
}

func TestDrainUntilEmpty(t *testing.T) {
	tp := New()
	buf := tp.Activate("db.coll", shardkey.Key{0}, shardkey.Key{100}, pattern())
	for i := 0; i < 10; i++ {
		tp.Record(OriginUser, OpDelete, "db.coll", i, nil)
	}
	for !buf.Empty() {
		_, _, bytes := buf.Drain(100)
		assert.Greater(t, bytes, int64(0))
	}
	assert.Equal(t, int64(0), buf.BytesBuffered())
}
