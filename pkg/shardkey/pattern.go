// Package shardkey implements the range predicate: projecting a document to
// its shard-key tuple under a pattern and testing half-open [min,max) range
// membership with a total order.
package shardkey

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Field is one component of a shard-key pattern: a dotted field path and its
// sort direction.
type Field struct {
	Path       string
	Descending bool
}

// Pattern is the ordered list of fields that define both the sort order used
// for range membership and the index required on the collection.
type Pattern []Field

// Key is a document's projected shard-key tuple, one value per pattern field
// in pattern order. A missing field projects to Null.
type Key []any

// Null is the sentinel projected for a document field that is absent. It
// compares equal to itself, greater than MinKey, and less than any concrete
// value and MaxKey, mirroring BSON's null-sorts-low convention.
var Null = primitive.Null{}

// MinKey and MaxKey bracket the entire shard-key space; a chunk [MinKey,
// MaxKey) spans the whole collection.
var (
	MinKey = primitive.MinKey{}
	MaxKey = primitive.MaxKey{}
)

// Project extracts doc's shard key under pattern, null-filling any field
// path that is absent from doc.
func Project(doc bson.M, pattern Pattern) Key {
	key := make(Key, len(pattern))
	for i, f := range pattern {
		v, ok := lookup(doc, f.Path)
		if !ok {
			v = Null
		}
		key[i] = v
	}
	return key
}

func lookup(doc bson.M, path string) (any, bool) {
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		var m map[string]any
		switch sub := cur.(type) {
		case bson.M:
			m = sub
		case map[string]any:
			m = sub
		default:
			return nil, false
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// Compare returns -1, 0, or 1 as k is less than, equal to, or greater than
// other under pattern's per-field directions. Compare panics if k and other
// are not the same length as pattern; this is a programmer error, not a
// runtime condition callers are expected to recover from.
func (k Key) Compare(other Key, pattern Pattern) int {
	if len(k) != len(pattern) || len(other) != len(pattern) {
		panic(fmt.Sprintf("shardkey: key length %d/%d does not match pattern length %d", len(k), len(other), len(pattern)))
	}
	for i, f := range pattern {
		c := compareValue(k[i], other[i])
		if f.Descending {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return 0
}

// rank orders BSON type classes the way MongoDB's canonical BSON comparison
// order does: MinKey < Null < numbers < string < objectID < bool < date < MaxKey.
func rank(v any) int {
	switch v.(type) {
	case primitive.MinKey:
		return 0
	case primitive.Null, nil:
		return 1
	case int, int32, int64, float64, float32:
		return 2
	case string:
		return 3
	case primitive.ObjectID:
		return 4
	case bool:
		return 5
	case primitive.DateTime, time.Time:
		return 6
	case primitive.MaxKey:
		return 7
	default:
		return 8
	}
}

func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case primitive.DateTime:
		return t.Time(), true
	}
	return time.Time{}, false
}

func compareValue(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch ra {
	case 0, 1, 7: // MinKey, Null, MaxKey all compare equal within their class
		return 0
	case 2:
		fa, _ := asFloat64(a)
		fb, _ := asFloat64(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	case 3:
		sa, sb := a.(string), b.(string)
		switch {
		case sa < sb:
			return -1
		case sa > sb:
			return 1
		default:
			return 0
		}
	case 4:
		oa, ob := a.(primitive.ObjectID), b.(primitive.ObjectID)
		return bytes.Compare(oa[:], ob[:])
	case 5:
		ba, bb := a.(bool), b.(bool)
		switch {
		case ba == bb:
			return 0
		case !ba:
			return -1
		default:
			return 1
		}
	case 6:
		ta, _ := asTime(a)
		tb, _ := asTime(b)
		switch {
		case ta.Before(tb):
			return -1
		case ta.After(tb):
			return 1
		default:
			return 0
		}
	default:
		return 0
	}
}

// Equal reports whether k and other carry the same values component-wise,
// independent of pattern direction (direction only flips ordering, not
// equality). Used by the donor driver to compare a requested chunk's bounds
// against the config store's recorded bounds (spec.md §4.3 Phase 2).
func (k Key) Equal(other Key) bool {
	if len(k) != len(other) {
		return false
	}
	for i := range k {
		if compareValue(k[i], other[i]) != 0 {
			return false
		}
	}
	return true
}

// InRange reports whether doc's projected shard key k satisfies min <= k <
// max under pattern. The interval is always half-open; InRange(doc, x, x,
// pattern) is false for every doc, since no key is both >= x and < x.
func InRange(doc bson.M, min, max Key, pattern Pattern) bool {
	k := Project(doc, pattern)
	return k.Compare(min, pattern) >= 0 && k.Compare(max, pattern) < 0
}

// KeyInRange is InRange's variant for callers that already hold a projected
// key, e.g. the mutation tap re-testing a post-update document it has
// already projected once.
func KeyInRange(k Key, min, max Key, pattern Pattern) bool {
	return k.Compare(min, pattern) >= 0 && k.Compare(max, pattern) < 0
}

// wireValue is Key's tagged-union wire encoding. A Key crosses the rpc
// package's JSON envelope (see pkg/rpc/grpc.go), and a plain
// json.Marshal/Unmarshal round trip through `any` would collapse MinKey,
// MaxKey, and Null to indistinguishable empty objects and lose ObjectID's
// and DateTime's concrete Go types entirely — so Key carries its own codec
// instead of relying on encoding/json's default interface handling.
type wireValue struct {
	Kind string `json:"k"`
	Val  any    `json:"v,omitempty"`
}

func encodeValue(v any) wireValue {
	switch t := v.(type) {
	case primitive.MinKey:
		return wireValue{Kind: "min"}
	case primitive.MaxKey:
		return wireValue{Kind: "max"}
	case primitive.Null, nil:
		return wireValue{Kind: "null"}
	case primitive.ObjectID:
		return wireValue{Kind: "oid", Val: t.Hex()}
	case time.Time:
		return wireValue{Kind: "time", Val: t.Format(time.RFC3339Nano)}
	case primitive.DateTime:
		return wireValue{Kind: "time", Val: t.Time().Format(time.RFC3339Nano)}
	default:
		return wireValue{Kind: "raw", Val: v}
	}
}

func decodeValue(w wireValue) (any, error) {
	switch w.Kind {
	case "min":
		return primitive.MinKey{}, nil
	case "max":
		return primitive.MaxKey{}, nil
	case "null":
		return Null, nil
	case "oid":
		s, _ := w.Val.(string)
		return primitive.ObjectIDFromHex(s)
	case "time":
		s, _ := w.Val.(string)
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, err
		}
		return t, nil
	case "raw", "":
		return w.Val, nil
	default:
		return nil, fmt.Errorf("shardkey: unknown wire kind %q", w.Kind)
	}
}

// MarshalJSON implements json.Marshaler, preserving MinKey/MaxKey/Null/
// ObjectID/DateTime identity across the rpc transport's JSON envelope.
func (k Key) MarshalJSON() ([]byte, error) {
	wire := make([]wireValue, len(k))
	for i, v := range k {
		wire[i] = encodeValue(v)
	}
	return json.Marshal(wire)
}

// UnmarshalJSON implements json.Unmarshaler, the inverse of MarshalJSON.
func (k *Key) UnmarshalJSON(data []byte) error {
	var wire []wireValue
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	out := make(Key, len(wire))
	for i, w := range wire {
		v, err := decodeValue(w)
		if err != nil {
			return err
		}
		out[i] = v
	}
	*k = out
	return nil
}
