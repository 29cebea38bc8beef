// Package recipient implements the destination-side migration state machine
// (spec.md §4.4): Ready -> Clone -> Catchup -> Steady -> CommitStart -> Done,
// with terminal Fail/Abort, driven by the StartReceive/Status/Commit/Abort
// RPCs and an internal worker goroutine that pulls chunk contents and deltas
// from the donor.
package recipient

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/metagoto/shardkit/pkg/migerr"
	"github.com/metagoto/shardkit/pkg/rpc"
	"github.com/metagoto/shardkit/pkg/shardkey"
	"github.com/metagoto/shardkit/pkg/storage"
)

// State is one step of the recipient's pending-migration state machine
// (spec.md §3 "Pending migration state (recipient)").
type State int

const (
	StateIdle State = iota
	StateReady
	StateClone
	StateCatchup
	StateSteady
	StateCommitStart
	StateDone
	StateFail
	StateAbort
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "Ready"
	case StateClone:
		return "Clone"
	case StateCatchup:
		return "Catchup"
	case StateSteady:
		return "Steady"
	case StateCommitStart:
		return "CommitStart"
	case StateDone:
		return "Done"
	case StateFail:
		return "Fail"
	case StateAbort:
		return "Abort"
	default:
		return "Idle"
	}
}

// Tunables are the recipient-side configurable ceilings and poll cadences
// (spec.md §9 Open Questions: the source's ceilings are defensive defaults,
// not protocol requirements).
type Tunables struct {
	SteadyPollInterval time.Duration // default 10ms (100Hz, spec.md §4.4 Steady)
	CommitCeiling      time.Duration // default 24h, spec.md §4.4 CommitStart
	MoveParanoia       bool          // spec.md §6 tunables
}

func defaultTunables() Tunables {
	return Tunables{
		SteadyPollInterval: 10 * time.Millisecond,
		CommitCeiling:      24 * time.Hour,
	}
}

// StartReceiveRequest is the worker's view of _recvChunkStart's payload
// (rpc.RecvChunkStartRequest plus the shard-key pattern, which travels out
// of band in this implementation since the wire struct doesn't carry it;
// RecvChunkStart fills it in from the Worker's resolvePattern).
type StartReceiveRequest struct {
	NS             string
	From           string
	Min            shardkey.Key
	Max            shardkey.Key
	Pattern        shardkey.Pattern
	ConfigEndpoint string
}

// Worker is the single-slot recipient-side migration state holder for one
// node (spec.md §5: "at most one recipient per node at a time").
type Worker struct {
	active atomic.Bool

	mu          sync.Mutex
	state       State
	ns          string
	from        string
	min, max    shardkey.Key
	pattern     shardkey.Pattern
	numCloned   int64
	bytesCloned int64
	numCatchup  int64
	numSteady   int64
	cause       error

	engine   storage.Engine
	donor    rpc.DonorTransport
	tunables Tunables
	logger   *logrus.Logger

	// dialDonor and resolvePattern let the wire-facing RecvChunkStart
	// handler turn a bare "from" address and namespace into a live donor
	// stub and a shard-key pattern; tests that drive StartReceive directly
	// don't need either and may leave them nil.
	dialDonor      func(from string) rpc.DonorTransport
	resolvePattern func(ns string) shardkey.Pattern

	cancel context.CancelFunc
}

// New constructs a Worker bound to a local storage engine. dialDonor and
// resolvePattern back the wire RecvChunkStart handler (production use via
// cmd/shardkit); tests exercising the worker directly via StartReceive may
// pass nil for either.
func New(engine storage.Engine, tunables Tunables, logger *logrus.Logger, dialDonor func(string) rpc.DonorTransport, resolvePattern func(string) shardkey.Pattern) *Worker {
	if tunables.SteadyPollInterval == 0 {
		tunables = defaultTunables()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Worker{engine: engine, tunables: tunables, logger: logger, state: StateIdle, dialDonor: dialDonor, resolvePattern: resolvePattern}
}

// StartReceive implements _recvChunkStart (spec.md §4.4 "Ready"). It rejects
// a second concurrent migration on this node and dispatches the worker
// goroutine.
func (w *Worker) StartReceive(ctx context.Context, req StartReceiveRequest, donor rpc.DonorTransport) error {
	if !w.active.CompareAndSwap(false, true) {
		return &migerr.InvalidArgument{Field: "ns", Msg: "a migration is already active on this node"}
	}

	w.mu.Lock()
	w.state = StateReady
	w.ns, w.from, w.min, w.max, w.pattern = req.NS, req.From, req.Min, req.Max, req.Pattern
	w.numCloned, w.bytesCloned, w.numCatchup, w.numSteady = 0, 0, 0, 0
	w.cause = nil
	w.donor = donor
	runCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.mu.Unlock()

	go w.run(runCtx)
	return nil
}

// run drives Clone -> Catchup -> Steady -> CommitStart -> Done.
func (w *Worker) run(ctx context.Context) {
	defer w.active.Store(false)

	if err := w.runPhases(ctx); err != nil {
		w.fail(err)
	}
}

func (w *Worker) runPhases(ctx context.Context) error {
	if err := w.phaseClone(ctx); err != nil {
		return err
	}
	if err := w.phaseCatchup(ctx); err != nil {
		return err
	}
	if err := w.phaseSteadyUntilCommit(ctx); err != nil {
		return err
	}
	return w.phaseCommitStart(ctx)
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	if w.state != StateAbort {
		w.state = s
	}
	w.mu.Unlock()
}

func (w *Worker) getState() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) fail(err error) {
	w.mu.Lock()
	if w.state != StateAbort {
		w.state = StateFail
	}
	w.cause = err
	w.mu.Unlock()
	w.logger.WithError(err).WithField("ns", w.ns).Warn("recipient migration failed")
}

// phaseClone re-creates the indexes the local engine lists for ns (the
// donor transport has no index RPC, so no index definition is fetched from
// the donor), pre-cleans any stale partial data left from a prior aborted
// migration, then loops MigrateClone until the donor returns an empty batch
// (spec.md §4.4 Clone).
func (w *Worker) phaseClone(ctx context.Context) error {
	w.setState(StateClone)

	indexes, err := w.engine.ListIndexes(ctx, w.ns)
	if err != nil {
		return err
	}
	for _, idx := range indexes {
		if err := w.engine.CreateIndex(ctx, w.ns, idx); err != nil {
			return err
		}
	}

	if _, err := w.engine.RangedDelete(ctx, w.ns, w.min, w.max, w.pattern, storage.DeleteOriginCleanup); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return &migerr.Interrupted{Op: "recipient.Clone"}
		}
		resp, err := w.donor.MigrateClone(ctx, rpc.MigrateCloneRequest{})
		if err != nil {
			return err
		}
		if len(resp.Objects) == 0 {
			return nil
		}
		for _, doc := range resp.Objects {
			if err := w.engine.Upsert(ctx, w.ns, doc); err != nil {
				return err
			}
		}
		w.mu.Lock()
		w.numCloned += int64(len(resp.Objects))
		w.bytesCloned += resp.Size
		w.mu.Unlock()
	}
}

// phaseCatchup repeatedly drains deltas until a drain returns no bytes
// (spec.md §4.4 Catchup).
func (w *Worker) phaseCatchup(ctx context.Context) error {
	w.setState(StateCatchup)
	for {
		if err := ctx.Err(); err != nil {
			return &migerr.Interrupted{Op: "recipient.Catchup"}
		}
		n, size, err := w.drainOnce(ctx)
		if err != nil {
			return err
		}
		w.mu.Lock()
		w.numCatchup += int64(n)
		w.mu.Unlock()
		if size == 0 {
			return nil
		}
	}
}

// phaseSteadyUntilCommit keeps draining at the configured cadence; it exits
// only when the donor flips this worker to CommitStart via Commit (spec.md
// §4.4 Steady: "keep calling DrainDeltas... exit when the donor's Commit RPC
// flips state").
func (w *Worker) phaseSteadyUntilCommit(ctx context.Context) error {
	w.setState(StateSteady)
	ticker := time.NewTicker(w.tunables.SteadyPollInterval)
	defer ticker.Stop()

	for {
		if w.getState() == StateCommitStart {
			return nil
		}
		select {
		case <-ctx.Done():
			return &migerr.Interrupted{Op: "recipient.Steady"}
		case <-ticker.C:
			n, _, err := w.drainOnce(ctx)
			if err != nil {
				return err
			}
			w.mu.Lock()
			w.numSteady += int64(n)
			w.mu.Unlock()
		}
	}
}

// phaseCommitStart does a final drain; if empty, the migration is Done. If
// non-empty, it keeps draining and re-checking (spec.md §4.4 CommitStart),
// bounded by CommitCeiling.
func (w *Worker) phaseCommitStart(ctx context.Context) error {
	deadline := time.Now().Add(w.tunables.CommitCeiling)
	for {
		if time.Now().After(deadline) {
			return &migerr.Timeout{Op: "recipient.CommitStart", Waited: w.tunables.CommitCeiling.String(), Ceiling: w.tunables.CommitCeiling.String()}
		}
		if err := ctx.Err(); err != nil {
			return &migerr.Interrupted{Op: "recipient.CommitStart"}
		}
		n, size, err := w.drainOnce(ctx)
		if err != nil {
			return err
		}
		w.mu.Lock()
		w.numCatchup += int64(n)
		w.mu.Unlock()
		if size == 0 {
			w.setState(StateDone)
			return nil
		}
	}
}

// drainOnce pulls one TransferMods batch and applies it: deletes first
// (skipping any id whose current body tests outside range, "defensive" per
// spec.md §4.4 Catchup), then upserts.
func (w *Worker) drainOnce(ctx context.Context) (applied int, size int64, err error) {
	resp, err := w.donor.TransferMods(ctx, rpc.TransferModsRequest{})
	if err != nil {
		return 0, 0, err
	}
	for _, id := range resp.Deleted {
		doc, ok, gerr := w.engine.Get(ctx, w.ns, id)
		if gerr != nil {
			return applied, resp.Size, gerr
		}
		if ok && !shardkey.InRange(doc, w.min, w.max, w.pattern) {
			continue
		}
		if err := w.engine.Delete(ctx, w.ns, id, storage.DeleteOriginReplication); err != nil {
			return applied, resp.Size, err
		}
		applied++
	}
	for _, doc := range resp.Reload {
		if err := w.engine.Upsert(ctx, w.ns, doc); err != nil {
			return applied, resp.Size, err
		}
		applied++
	}
	return applied, resp.Size, nil
}

// Status implements _recvChunkStatus (spec.md §4.4; §5 "readers (status
// RPCs) acquire the per-migration mutex").
func (w *Worker) Status(ctx context.Context, req rpc.RecvChunkStatusRequest) (rpc.RecvChunkStatusResponse, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	resp := rpc.RecvChunkStatusResponse{
		State:       w.state.String(),
		NumCloned:   w.numCloned,
		BytesCloned: w.bytesCloned,
		NumCatchup:  w.numCatchup,
		NumSteady:   w.numSteady,
	}
	if w.cause != nil {
		resp.Errmsg = w.cause.Error()
	}
	return resp, nil
}

// RecvChunkStatus is Status under its rpc.RecipientTransport name.
func (w *Worker) RecvChunkStatus(ctx context.Context, req rpc.RecvChunkStatusRequest) (rpc.RecvChunkStatusResponse, error) {
	return w.Status(ctx, req)
}

// RecvChunkStart adapts the wire _recvChunkStart request to StartReceive: it
// resolves a donor stub for req.From and the namespace's shard-key pattern
// via the Worker's configured resolvers, then dispatches StartReceive.
func (w *Worker) RecvChunkStart(ctx context.Context, req rpc.RecvChunkStartRequest) (rpc.RecvChunkStartResponse, error) {
	if w.dialDonor == nil || w.resolvePattern == nil {
		return rpc.RecvChunkStartResponse{OK: false, Errmsg: "recipient worker has no donor dialer/pattern resolver configured"}, nil
	}
	donor := w.dialDonor(req.From)
	pattern := w.resolvePattern(req.NS)
	err := w.StartReceive(ctx, StartReceiveRequest{
		NS: req.NS, From: req.From, Min: req.Min, Max: req.Max, ConfigEndpoint: req.ConfigEndpoint,
		Pattern: pattern,
	}, donor)
	if err != nil {
		return rpc.RecvChunkStartResponse{OK: false, Errmsg: err.Error()}, nil
	}
	return rpc.RecvChunkStartResponse{Started: true, OK: true}, nil
}

// RecvChunkCommit implements _recvChunkCommit: flips CommitStart so the
// Steady loop exits and a final drain begins (spec.md §4.4).
func (w *Worker) RecvChunkCommit(ctx context.Context, req rpc.RecvChunkCommitRequest) (rpc.RecvChunkCommitResponse, error) {
	w.mu.Lock()
	if w.state != StateSteady && w.state != StateCommitStart {
		s := w.state
		w.mu.Unlock()
		return rpc.RecvChunkCommitResponse{State: s.String(), OK: false}, nil
	}
	w.state = StateCommitStart
	w.mu.Unlock()

	// Poll briefly for Done; the real transition happens asynchronously in
	// the worker goroutine once it observes CommitStart.
	deadline := time.Now().Add(w.tunables.CommitCeiling)
	for time.Now().Before(deadline) {
		s := w.getState()
		if s == StateDone {
			return rpc.RecvChunkCommitResponse{State: s.String(), OK: true}, nil
		}
		if s == StateFail || s == StateAbort {
			return rpc.RecvChunkCommitResponse{State: s.String(), OK: false}, nil
		}
		time.Sleep(time.Millisecond)
	}
	return rpc.RecvChunkCommitResponse{State: "CommitStart", OK: false}, &migerr.Timeout{Op: "recvChunkCommit", Ceiling: w.tunables.CommitCeiling.String()}
}

// RecvChunkAbort implements _recvChunkAbort: cancels the worker goroutine
// and marks the terminal Abort state.
func (w *Worker) RecvChunkAbort(ctx context.Context, req rpc.RecvChunkAbortRequest) (rpc.RecvChunkAbortResponse, error) {
	w.mu.Lock()
	w.state = StateAbort
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return rpc.RecvChunkAbortResponse{OK: true}, nil
}

// State reports the worker's current state, for tests.
func (w *Worker) State() State {
	return w.getState()
}
