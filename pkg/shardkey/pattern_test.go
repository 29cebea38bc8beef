package shardkey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"
)

func xPattern() Pattern {
	return Pattern{{Path: "x"}}
}

func TestInRangeBoundaries(t *testing.T) {
	pattern := xPattern()
	min := Key{0}
	max := Key{100}

	assert.True(t, InRange(bson.M{"x": 0}, min, max, pattern), "min is inclusive")
	assert.False(t, InRange(bson.M{"x": 100}, min, max, pattern), "max is exclusive")
	assert.True(t, InRange(bson.M{"x": 50}, min, max, pattern))
	assert.False(t, InRange(bson.M{"x": -1}, min, max, pattern))
}

func TestInRangeEmptyIntervalNeverMatches(t *testing.T) {
	pattern := xPattern()
	for _, doc := range []bson.M{
		{"x": 0}, {"x": 50}, {"x": -50}, {},
	} {
		assert.False(t, InRange(doc, Key{50}, Key{50}, pattern), "empty interval must never match %v", doc)
	}
}

func TestInRangeWholeCollection(t *testing.T) {
	pattern := xPattern()
	min := Key{MinKey}
	max := Key{MaxKey}
	assert.True(t, InRange(bson.M{"x": -1000000}, min, max, pattern))
	assert.True(t, InRange(bson.M{"x": 1000000}, min, max, pattern))
	assert.True(t, InRange(bson.M{}, min, max, pattern), "missing field projects to Null, which is within [MinKey, MaxKey)")
}

func TestProjectMissingFieldIsNull(t *testing.T) {
	pattern := xPattern()
	k := Project(bson.M{"y": 1}, pattern)
	assert.Equal(t, Key{Null}, k)
}

func TestCompareDescendingDirection(t *testing.T) {
	pattern := Pattern{{Path: "x", Descending: true}}
	low := Project(bson.M{"x": 1}, pattern)
	high := Project(bson.M{"x": 2}, pattern)
	assert.Equal(t, 1, low.Compare(high, pattern), "descending field: smaller value sorts after larger")
	assert.Equal(t, -1, high.Compare(low, pattern))
}

func TestCompareMultiFieldPattern(t *testing.T) {
	pattern := Pattern{{Path: "a"}, {Path: "b"}}
	k1 := Project(bson.M{"a": 1, "b": 2}, pattern)
	k2 := Project(bson.M{"a": 1, "b": 3}, pattern)
	assert.Equal(t, -1, k1.Compare(k2, pattern))
	assert.Equal(t, 1, k2.Compare(k1, pattern))
	assert.Equal(t, 0, k1.Compare(k1, pattern))
}

func TestCompareTypeOrdering(t *testing.T) {
	// MinKey < Null < number < string < bool < MaxKey
	pattern := xPattern()
	nullKey := Key{Null}
	numKey := Key{5}
	strKey := Key{"a"}
	boolKey := Key{true}
	minKey := Key{MinKey}
	maxKey := Key{MaxKey}

	assert.Equal(t, -1, minKey.Compare(nullKey, pattern))
	assert.Equal(t, -1, nullKey.Compare(numKey, pattern))
	assert.Equal(t, -1, numKey.Compare(strKey, pattern))
	assert.Equal(t, -1, strKey.Compare(boolKey, pattern))
	assert.Equal(t, -1, boolKey.Compare(maxKey, pattern))
}

func TestKeyInRangeUsesProjectedKey(t *testing.T) {
	pattern := xPattern()
	k := Project(bson.M{"x": 42}, pattern)
	assert.True(t, KeyInRange(k, Key{0}, Key{100}, pattern))
	assert.False(t, KeyInRange(k, Key{100}, Key{200}, pattern))
}
