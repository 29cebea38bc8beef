// Package donor implements the source-side migration driver (spec.md §4.3):
// the seven-phase moveChunk protocol, the donor-side pending migration
// state, and the _migrateClone/_transferMods RPC handlers a recipient pulls
// from.
package donor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/sync/errgroup"

	"github.com/metagoto/shardkit/pkg/configstore"
	"github.com/metagoto/shardkit/pkg/migerr"
	"github.com/metagoto/shardkit/pkg/rpc"
	"github.com/metagoto/shardkit/pkg/shardkey"
	"github.com/metagoto/shardkit/pkg/storage"
	"github.com/metagoto/shardkit/pkg/tap"
	"github.com/metagoto/shardkit/pkg/version"
)

// Request is move_chunk's argument tuple (spec.md §4.3).
type Request struct {
	NS      string
	Min     shardkey.Key
	Max     shardkey.Key
	From    string
	To      string
	ChunkID string
}

// Result is move_chunk's reply (spec.md §6 moveChunk response shape).
type Result struct {
	OK    bool
	Split bool
}

// CleanupScheduler is the narrow contract phase 6 hands a non-empty cursor
// snapshot to (spec.md §4.3 Phase 6, §4.6). pkg/cleanup's Worker implements
// this; donor depends on the interface, not the package, so the dependency
// runs one way only.
type CleanupScheduler interface {
	Schedule(ns string, min, max shardkey.Key, pattern shardkey.Pattern, initialCursors []storage.CursorID)
}

// Tunables are the donor-side configurable ceilings (spec.md §9 Open
// Questions: defensive defaults, not protocol requirements).
type Tunables struct {
	LockTTL              time.Duration // config-store lease TTL held across Phase 2-5
	BytesBufferedCeiling int64         // default 500MiB, spec.md §4.2
	SteadyPollInterval   time.Duration // default 1s, spec.md §4.3 Phase 4
	SteadyPollCeiling    int           // default 86400 polls (24h)
	CloneBatchCap        int64         // default 16MiB, spec.md §4.4
	CloneItemOverhead    int64         // per-document overhead estimate, spec.md §9 Open Questions
	DeltaBatchCap        int64         // default 1MiB, spec.md §4.4
}

func defaultTunables() Tunables {
	return Tunables{
		LockTTL:              30 * time.Second,
		BytesBufferedCeiling: 500 << 20,
		SteadyPollInterval:   time.Second,
		SteadyPollCeiling:    86400,
		CloneBatchCap:        16 << 20,
		CloneItemOverhead:    1024,
		DeltaBatchCap:        1 << 20,
	}
}

// pendingState is the donor's single-slot migration record (spec.md §3
// "Pending migration state (donor)"). Created at Phase 3, cleared when
// MoveChunk returns, on success (after Phase 6) or on failure at any phase.
type pendingState struct {
	ns        string
	min, max  shardkey.Key
	pattern   shardkey.Pattern
	cloneLocs []any
	buf       *tap.Buffer
}

// Driver is the donor-side migration orchestrator for one node.
type Driver struct {
	active atomic.Bool

	migMu sync.Mutex
	mig   *pendingState

	criticalMu        sync.Mutex
	inCriticalSection bool

	nodeID        string
	engine        storage.Engine
	store         configstore.Store
	versions      *version.Manager
	tapInstance   *tap.Tap
	dialRecipient func(addr string) rpc.RecipientTransport
	patternFor    func(ns string) shardkey.Pattern
	cleanup       CleanupScheduler
	tunables      Tunables
	logger        *logrus.Logger
}

// Options configures a new Driver.
type Options struct {
	NodeID        string
	Engine        storage.Engine
	Store         configstore.Store
	Versions      *version.Manager
	Tap           *tap.Tap
	DialRecipient func(addr string) rpc.RecipientTransport
	PatternFor    func(ns string) shardkey.Pattern
	Cleanup       CleanupScheduler
	Tunables      Tunables
	Logger        *logrus.Logger
}

// New constructs a Driver.
func New(opts Options) *Driver {
	tunables := opts.Tunables
	if tunables.SteadyPollInterval == 0 {
		tunables = defaultTunables()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	return &Driver{
		nodeID:        opts.NodeID,
		engine:        opts.Engine,
		store:         opts.Store,
		versions:      opts.Versions,
		tapInstance:   opts.Tap,
		dialRecipient: opts.DialRecipient,
		patternFor:    opts.PatternFor,
		cleanup:       opts.Cleanup,
		tunables:      tunables,
		logger:        logger,
	}
}

// undoStack runs its registered actions in reverse order unless disarmed;
// the "scoped acquisition pattern" of spec.md §9 replacing the source's
// exception-driven unwind.
type undoStack struct {
	actions []func()
	armed   bool
}

func newUndoStack() *undoStack { return &undoStack{armed: true} }

func (s *undoStack) push(f func()) { s.actions = append(s.actions, f) }

func (s *undoStack) disarm() { s.armed = false }

func (s *undoStack) unwind() {
	if !s.armed {
		return
	}
	for i := len(s.actions) - 1; i >= 0; i-- {
		s.actions[i]()
	}
}

// MoveChunk executes the seven phases of spec.md §4.3 in order; any failure
// short-circuits with cleanup via the registered undo actions.
func (d *Driver) MoveChunk(ctx context.Context, req Request) (Result, error) {
	if !d.active.CompareAndSwap(false, true) {
		return Result{}, &migerr.InvalidArgument{Field: "ns", Msg: "a migration is already active on this donor"}
	}
	cleanup := newUndoStack()
	rollback := newUndoStack()
	defer cleanup.unwind()
	defer func() {
		rollback.unwind()
		d.active.Store(false)
	}()

	if err := d.phase1Validate(req); err != nil {
		return Result{}, err
	}
	if ctx.Err() != nil {
		return Result{}, &migerr.Interrupted{Op: "donor.phase2Lock"}
	}

	lease, chunkRec, vMax, err := d.phase2Lock(ctx, req)
	if err != nil {
		return Result{}, err
	}
	cleanup.push(func() { lease.Release(context.Background()) })
	if ctx.Err() != nil {
		return Result{}, &migerr.Interrupted{Op: "donor.phase3Snapshot"}
	}

	if err := d.phase3Snapshot(ctx, req); err != nil {
		return Result{}, err
	}
	cleanup.push(func() {
		d.tapInstance.Deactivate(req.NS)
		d.migMu.Lock()
		d.mig = nil
		d.migMu.Unlock()
	})
	if ctx.Err() != nil {
		return Result{}, &migerr.Interrupted{Op: "donor._recvChunkStart"}
	}

	recipientClient := d.dialRecipient(req.To)
	startResp, err := recipientClient.RecvChunkStart(ctx, rpc.RecvChunkStartRequest{
		NS: req.NS, From: req.From, Min: req.Min, Max: req.Max,
	})
	if err != nil {
		return Result{}, &migerr.PeerFailed{RPC: "_recvChunkStart", Cause: err}
	}
	if !startResp.OK {
		return Result{}, &migerr.PeerFailed{RPC: "_recvChunkStart", Cause: fmt.Errorf("%s", startResp.Errmsg)}
	}

	if err := d.phase4WaitSteady(ctx, req, recipientClient); err != nil {
		if re, ok := err.(*migerr.ResourceExhausted); ok {
			return Result{Split: re.Split()}, err
		}
		return Result{}, err
	}
	if ctx.Err() != nil {
		recipientClient.RecvChunkAbort(context.Background(), rpc.RecvChunkAbortRequest{})
		return Result{}, &migerr.Interrupted{Op: "donor.phase5Handoff"}
	}

	vNew, err := d.phase5Handoff(ctx, req, lease, chunkRec, vMax, recipientClient, rollback)
	if err != nil {
		if re, ok := err.(*migerr.ResourceExhausted); ok {
			return Result{Split: re.Split()}, err
		}
		return Result{}, err
	}
	rollback.disarm()
	d.logger.WithFields(logrus.Fields{
		"ns": req.NS, "min": fmt.Sprint(req.Min), "max": fmt.Sprint(req.Max),
		"from": req.From, "to": req.To, "version": vNew.String(),
	}).Info("moveChunk committed")

	if err := d.phase6Cursors(ctx, req); err != nil {
		d.logger.WithError(err).Warn("moveChunk phase6 cursor handling failed; ownership has already moved")
	}

	return Result{OK: true}, nil
}

// phase1Validate rejects missing required fields (spec.md §4.3 Phase 1).
func (d *Driver) phase1Validate(req Request) error {
	switch {
	case req.NS == "":
		return &migerr.InvalidArgument{Field: "ns", Msg: "namespace is required"}
	case len(req.Min) == 0:
		return &migerr.InvalidArgument{Field: "min", Msg: "min bound is required"}
	case len(req.Max) == 0:
		return &migerr.InvalidArgument{Field: "max", Msg: "max bound is required"}
	case req.From == "":
		return &migerr.InvalidArgument{Field: "from", Msg: "from node is required"}
	case req.To == "":
		return &migerr.InvalidArgument{Field: "to", Msg: "to node is required"}
	case req.ChunkID == "":
		return &migerr.InvalidArgument{Field: "chunkId", Msg: "chunk id is required"}
	}
	return nil
}

// phase2Lock takes the namespace's distributed lock and verifies the
// caller's view of the chunk against the config store (spec.md §4.3 Phase 2).
func (d *Driver) phase2Lock(ctx context.Context, req Request) (configstore.Lease, configstore.ChunkRecord, configstore.Version, error) {
	lease, err := d.store.Lock(ctx, req.NS, req.From, d.tunables.LockTTL)
	if err != nil {
		return nil, configstore.ChunkRecord{}, configstore.Version{}, err
	}

	chunkRec, err := d.store.FetchChunk(ctx, req.NS, req.ChunkID)
	if err != nil {
		lease.Release(ctx)
		return nil, configstore.ChunkRecord{}, configstore.Version{}, err
	}

	if !req.Min.Equal(chunkRec.Min) || !req.Max.Equal(chunkRec.Max) {
		lease.Release(ctx)
		return nil, configstore.ChunkRecord{}, configstore.Version{}, &migerr.StaleConfig{
			NS: req.NS, CurrMin: chunkRec.Min, CurrMax: chunkRec.Max, ReqMin: req.Min, ReqMax: req.Max,
			Msg: "chunk bounds disagree with config store",
		}
	}

	if chunkRec.Owner != req.From {
		lease.Release(ctx)
		return nil, configstore.ChunkRecord{}, configstore.Version{}, &migerr.OwnershipInconsistency{
			NS: req.NS, LocalOwner: req.From, ConfigOwner: chunkRec.Owner,
		}
	}

	vMax, err := d.store.FetchMaxVersion(ctx, req.NS)
	if err != nil {
		lease.Release(ctx)
		return nil, configstore.ChunkRecord{}, configstore.Version{}, err
	}
	if d.versions.GetVersion(req.NS).Less(vMax) {
		if _, err := d.versions.TrySetVersion(ctx, req.NS); err != nil {
			lease.Release(ctx)
			return nil, configstore.ChunkRecord{}, configstore.Version{}, err
		}
	}

	return lease, chunkRec, vMax, nil
}

// phase3Snapshot activates the mutation tap, then walks the shard-key index
// for [min,max) recording each document's id into clone_locs, so a write
// that lands during the walk is captured by the tap (spec.md §4.3 Phase 3).
// MoveChunk opens the recipient once this returns.
func (d *Driver) phase3Snapshot(ctx context.Context, req Request) error {
	pattern := d.patternFor(req.NS)
	buf := d.tapInstance.Activate(req.NS, req.Min, req.Max, pattern)
	cur, err := d.engine.RangeScan(ctx, req.NS, req.Min, req.Max, pattern)
	if err != nil {
		d.tapInstance.Deactivate(req.NS)
		return err
	}
	defer cur.Close()

	var locs []any
	for {
		doc, ok, err := cur.Next(ctx)
		if err != nil {
			d.tapInstance.Deactivate(req.NS)
			return err
		}
		if !ok {
			break
		}
		locs = append(locs, doc["_id"])
	}

	d.migMu.Lock()
	d.mig = &pendingState{ns: req.NS, min: req.Min, max: req.Max, pattern: pattern, cloneLocs: locs, buf: buf}
	d.migMu.Unlock()
	return nil
}

// phase4WaitSteady polls the recipient's status at ~1Hz until it reports
// Steady, aborting if the tap buffer grows past the ceiling (spec.md §4.3
// Phase 4).
func (d *Driver) phase4WaitSteady(ctx context.Context, req Request, recipientClient rpc.RecipientTransport) error {
	ticker := time.NewTicker(d.tunables.SteadyPollInterval)
	defer ticker.Stop()

	for poll := 0; poll < d.tunables.SteadyPollCeiling; poll++ {
		if err := ctx.Err(); err != nil {
			recipientClient.RecvChunkAbort(context.Background(), rpc.RecvChunkAbortRequest{})
			return &migerr.Interrupted{Op: "donor.phase4WaitSteady"}
		}

		if buf := d.bufferedBytes(); buf > d.tunables.BytesBufferedCeiling {
			recipientClient.RecvChunkAbort(context.Background(), rpc.RecvChunkAbortRequest{})
			return &migerr.ResourceExhausted{NS: req.NS, Bytes: buf, Limit: d.tunables.BytesBufferedCeiling}
		}

		status, err := recipientClient.RecvChunkStatus(ctx, rpc.RecvChunkStatusRequest{})
		if err != nil {
			return &migerr.PeerFailed{RPC: "_recvChunkStatus", Cause: err}
		}
		switch status.State {
		case "Fail":
			return &migerr.PeerFailed{RPC: "_recvChunkStatus", Cause: fmt.Errorf("%s", status.Errmsg)}
		case "Steady", "CommitStart", "Done":
			return nil
		}

		select {
		case <-ctx.Done():
			recipientClient.RecvChunkAbort(context.Background(), rpc.RecvChunkAbortRequest{})
			return &migerr.Interrupted{Op: "donor.phase4WaitSteady"}
		case <-ticker.C:
		}
	}
	return &migerr.Timeout{Op: "donor.phase4WaitSteady", Ceiling: fmt.Sprintf("%d polls", d.tunables.SteadyPollCeiling)}
}

func (d *Driver) bufferedBytes() int64 {
	d.migMu.Lock()
	buf := d.mig.buf
	d.migMu.Unlock()
	if buf == nil {
		return 0
	}
	return buf.BytesBuffered()
}

// phase5Handoff is the linearization point: critical section, commit RPC,
// config-store write, and the donor's own version bump if it retains other
// chunks (spec.md §4.3 Phase 5).
func (d *Driver) phase5Handoff(ctx context.Context, req Request, lease configstore.Lease, chunkRec configstore.ChunkRecord, vMax configstore.Version, recipientClient rpc.RecipientTransport, rollback *undoStack) (configstore.Version, error) {
	d.criticalMu.Lock()
	d.inCriticalSection = true
	d.criticalMu.Unlock()
	rollback.push(func() {
		d.criticalMu.Lock()
		d.inCriticalSection = false
		d.criticalMu.Unlock()
	})

	vNew := configstore.Version{Major: vMax.Major + 1, Minor: 0}
	d.versions.DonateChunk(req.NS, req.Min, req.Max, vNew)
	rollback.push(func() { d.versions.UndoDonate(req.NS, req.Min, req.Max, vMax) })

	commitResp, err := recipientClient.RecvChunkCommit(ctx, rpc.RecvChunkCommitRequest{})
	if err != nil {
		return vMax, &migerr.PeerFailed{RPC: "_recvChunkCommit", Cause: err}
	}
	if !commitResp.OK {
		return vMax, &migerr.PeerFailed{RPC: "_recvChunkCommit", Cause: fmt.Errorf("recipient state %s", commitResp.State)}
	}

	held, err := lease.StillHeld(ctx)
	if err != nil {
		return vMax, err
	}
	if !held {
		return vMax, &migerr.LockBusy{NS: req.NS, Holder: "lease expired mid-migration"}
	}

	if err := d.store.UpdateChunk(ctx, configstore.ChunkRecord{
		ID: req.ChunkID, NS: req.NS, Min: req.Min, Max: req.Max, Owner: req.To, LastMod: vNew,
	}, chunkRec.LastMod); err != nil {
		return vMax, err
	}

	// Past this point ownership has moved in the config store; any further
	// failure is fatal-but-correct (spec.md §4.3 Failure handling). The
	// donor's own version bump and the changelog append touch independent
	// config-store keys, so they run concurrently via errgroup; either one
	// failing is logged, not fatal, since ownership has already committed.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		others, err := d.store.ListChunks(gctx, req.NS)
		if err != nil {
			return err
		}
		for _, rec := range others {
			if rec.ID == req.ChunkID || rec.Owner != req.From {
				continue
			}
			bump := configstore.Version{Major: vNew.Major, Minor: 1}
			return d.store.UpdateChunk(gctx, configstore.ChunkRecord{
				ID: rec.ID, NS: rec.NS, Min: rec.Min, Max: rec.Max, Owner: rec.Owner, LastMod: bump,
			}, rec.LastMod)
		}
		return nil
	})
	g.Go(func() error {
		return d.store.AppendChangelog(gctx, configstore.ChangelogEntry{
			NS: req.NS, Min: req.Min, Max: req.Max, From: req.From, To: req.To, Event: "moveChunk.commit",
		})
	})
	if err := g.Wait(); err != nil {
		d.logger.WithError(err).WithField("ns", req.NS).Warn("moveChunk post-commit bookkeeping failed")
	}

	d.criticalMu.Lock()
	d.inCriticalSection = false
	d.criticalMu.Unlock()

	return vNew, nil
}

// phase6Cursors snapshots open cursors on ns; a non-empty snapshot is
// handed to Deferred Cleanup, otherwise the range delete runs inline
// (spec.md §4.3 Phase 6).
func (d *Driver) phase6Cursors(ctx context.Context, req Request) error {
	cursors := d.engine.OpenCursors(req.NS)
	d.migMu.Lock()
	pattern := d.mig.pattern
	d.migMu.Unlock()

	if len(cursors) > 0 {
		d.cleanup.Schedule(req.NS, req.Min, req.Max, pattern, cursors)
		return nil
	}
	_, err := d.engine.RangedDelete(ctx, req.NS, req.Min, req.Max, pattern, storage.DeleteOriginUser)
	return err
}

// MigrateClone implements _migrateClone (spec.md §4.4 "Bulk clone payload
// size cap"): walks clone_locs, appending documents until the next would
// exceed CloneBatchCap, removing served ids from the set.
func (d *Driver) MigrateClone(ctx context.Context, req rpc.MigrateCloneRequest) (rpc.MigrateCloneResponse, error) {
	d.migMu.Lock()
	mig := d.mig
	d.migMu.Unlock()
	if mig == nil {
		return rpc.MigrateCloneResponse{}, nil
	}

	d.migMu.Lock()
	defer d.migMu.Unlock()

	var objects []bson.M
	var size int64
	served := 0
	for _, id := range mig.cloneLocs {
		doc, ok, err := d.engine.Get(ctx, mig.ns, id)
		if err != nil {
			return rpc.MigrateCloneResponse{}, err
		}
		if !ok {
			served++
			continue
		}
		itemSize := int64(len(fmt.Sprint(doc))) + d.tunables.CloneItemOverhead
		if size+itemSize > d.tunables.CloneBatchCap && len(objects) > 0 {
			break
		}
		objects = append(objects, doc)
		size += itemSize
		served++
	}
	mig.cloneLocs = mig.cloneLocs[served:]
	return rpc.MigrateCloneResponse{Objects: objects, Size: size}, nil
}

// TransferMods implements _transferMods (spec.md §4.4 "Delta payload size
// cap"): drains the tap buffer, expanding reload ids to whole documents,
// skipping any that no longer exist or no longer fall in range.
func (d *Driver) TransferMods(ctx context.Context, req rpc.TransferModsRequest) (rpc.TransferModsResponse, error) {
	d.migMu.Lock()
	mig := d.mig
	d.migMu.Unlock()
	if mig == nil {
		return rpc.TransferModsResponse{}, nil
	}

	deleted, reloadIDs, bytes := mig.buf.Drain(d.tunables.DeltaBatchCap)
	var reload []bson.M
	for _, id := range reloadIDs {
		doc, ok, err := d.engine.Get(ctx, mig.ns, id)
		if err != nil {
			return rpc.TransferModsResponse{}, err
		}
		if !ok || !shardkey.InRange(doc, mig.min, mig.max, mig.pattern) {
			continue
		}
		reload = append(reload, doc)
	}
	return rpc.TransferModsResponse{Deleted: deleted, Reload: reload, Size: bytes}, nil
}
