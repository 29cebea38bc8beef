// Package migerr defines the structured error taxonomy of the migration
// protocol (spec.md §7). Each type implements error and carries the fields
// the RPC error-payload convention (spec.md §6) requires in a response:
// errmsg, an optional cause sub-document, and (for ResourceExhausted) the
// split:true advice.
package migerr

import "fmt"

// InvalidArgument reports a missing or malformed field in a command.
type InvalidArgument struct {
	Field string
	Msg   string
}

func (e *InvalidArgument) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Field, e.Msg)
}

// StaleConfig reports that the caller's chunk bounds or owner disagree with
// the config store. Recoverable by the caller refreshing and retrying.
type StaleConfig struct {
	NS               string
	CurrMin, CurrMax any
	ReqMin, ReqMax   any
	Msg              string
}

func (e *StaleConfig) Error() string {
	return fmt.Sprintf("stale config for %s: requested [%v,%v) but config store has [%v,%v): %s",
		e.NS, e.ReqMin, e.ReqMax, e.CurrMin, e.CurrMax, e.Msg)
}

// LockBusy reports that the namespace's distributed lock is held elsewhere.
type LockBusy struct {
	NS     string
	Holder string
}

func (e *LockBusy) Error() string {
	return fmt.Sprintf("lock busy for %s: held by %s", e.NS, e.Holder)
}

// PeerFailed reports that an RPC to the peer node returned ok:false. Cause
// is the peer's own error, embedded verbatim.
type PeerFailed struct {
	RPC   string
	Cause error
}

func (e *PeerFailed) Error() string {
	return fmt.Sprintf("peer RPC %s failed: %v", e.RPC, e.Cause)
}

func (e *PeerFailed) Unwrap() error { return e.Cause }

// ResourceExhausted reports that the donor's delta buffer exceeded its
// ceiling. Split is always true: the caller should split the chunk before
// retrying.
type ResourceExhausted struct {
	NS    string
	Bytes int64
	Limit int64
}

func (e *ResourceExhausted) Error() string {
	return fmt.Sprintf("too much memory: buffered %d bytes exceeds ceiling %d for %s", e.Bytes, e.Limit, e.NS)
}

func (e *ResourceExhausted) Split() bool { return true }

// Timeout reports that a polling loop exhausted its ceiling.
type Timeout struct {
	Op      string
	Waited  string
	Ceiling string
}

func (e *Timeout) Error() string {
	return fmt.Sprintf("timeout waiting for %s: waited %s, ceiling %s", e.Op, e.Waited, e.Ceiling)
}

// Interrupted reports cooperative cancellation.
type Interrupted struct {
	Op string
}

func (e *Interrupted) Error() string {
	return fmt.Sprintf("interrupted during %s", e.Op)
}

// OwnershipInconsistency reports that the donor's local ownership map
// disagreed with the config store at Phase 2. The donor resyncs and aborts
// this migration.
type OwnershipInconsistency struct {
	NS          string
	LocalOwner  string
	ConfigOwner string
}

func (e *OwnershipInconsistency) Error() string {
	return fmt.Sprintf("ownership inconsistency for %s: local believes %s, config store says %s",
		e.NS, e.LocalOwner, e.ConfigOwner)
}

// Cause, when non-empty, is embedded verbatim in a peer's error response so
// the caller can inspect it without string-matching errmsg.
type Cause struct {
	Errmsg string `bson:"errmsg"`
	Code   string `bson:"code"`
}

// Response is the wire shape of the "on failure" convention of spec.md §6:
// ok:false, a human-readable errmsg, a machine-readable cause, and an
// optional split:true advice.
type Response struct {
	OK     bool   `bson:"ok"`
	Errmsg string `bson:"errmsg,omitempty"`
	Cause  *Cause `bson:"cause,omitempty"`
	Split  bool   `bson:"split,omitempty"`
}

// ToResponse converts any error in the taxonomy (or a plain error) into the
// wire Response shape.
func ToResponse(err error) Response {
	if err == nil {
		return Response{OK: true}
	}
	resp := Response{OK: false, Errmsg: err.Error()}
	switch e := err.(type) {
	case *ResourceExhausted:
		resp.Split = true
	case *PeerFailed:
		resp.Cause = &Cause{Errmsg: e.Cause.Error()}
	}
	return resp
}
