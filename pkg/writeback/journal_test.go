package writeback

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestCaptureThenPendingReturnsEntry(t *testing.T) {
	j := New(nil)
	id := j.Capture("db.coll", bson.M{"_id": 1, "x": 5})

	pending := j.Pending("db.coll")
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].CorrelationID)
	assert.Equal(t, "db.coll", pending[0].NS)

	assert.Empty(t, j.Pending("db.other"))
}

func TestAckRemovesEntryFromPending(t *testing.T) {
	j := New(nil)
	id1 := j.Capture("db.coll", bson.M{"_id": 1})
	id2 := j.Capture("db.coll", bson.M{"_id": 2})

	j.Ack(id1)

	pending := j.Pending("db.coll")
	require.Len(t, pending, 1)
	assert.Equal(t, id2, pending[0].CorrelationID)
}

func TestAckOfUnknownIDIsNoop(t *testing.T) {
	j := New(nil)
	j.Capture("db.coll", bson.M{"_id": 1})
	j.Ack([16]byte{}) // zero uuid, never issued
	assert.Len(t, j.Pending("db.coll"), 1)
}

func TestWaitForReturnsTrueOnceAcked(t *testing.T) {
	j := New(nil)
	id := j.Capture("db.coll", bson.M{"_id": 1})

	go func() {
		time.Sleep(5 * time.Millisecond)
		j.Ack(id)
	}()

	ok := j.WaitFor(id, time.Now().Add(time.Second), time.Millisecond)
	assert.True(t, ok)
}

func TestWaitForReturnsFalseOnDeadline(t *testing.T) {
	j := New(nil)
	id := j.Capture("db.coll", bson.M{"_id": 1})

	ok := j.WaitFor(id, time.Now().Add(5*time.Millisecond), time.Millisecond)
	assert.False(t, ok)
}
