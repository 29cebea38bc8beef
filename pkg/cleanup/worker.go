// Package cleanup implements deferred cleanup (spec.md §4.6): after a
// migration hands off ownership, wait out the cursors that were open at
// cutover, then range-delete the donated data on the donor.
package cleanup

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/metagoto/shardkit/pkg/shardkey"
	"github.com/metagoto/shardkit/pkg/storage"
)

// Job is one deferred-cleanup unit of work (spec.md §4.6 input).
type Job struct {
	NS             string
	Min, Max       shardkey.Key
	Pattern        shardkey.Pattern
	InitialCursors []storage.CursorID
}

// Tunables are cleanup's configurable sleep cadence and wait ceiling
// (spec.md §9 Open Questions: the 15-minute cursor-wait ceiling is a
// defensive default, not a protocol requirement).
type Tunables struct {
	PollInterval time.Duration // default 20ms, spec.md §4.6
	WaitCeiling  time.Duration // default 900s, spec.md §4.6/§9
	MoveParanoia bool          // spec.md §6 tunables
}

func defaultTunables() Tunables {
	return Tunables{PollInterval: 20 * time.Millisecond, WaitCeiling: 900 * time.Second}
}

// Paranoia is the side collection a "paranoia" copy of deleted documents is
// written to when Tunables.MoveParanoia is set (spec.md §6).
type Paranoia interface {
	Save(ctx context.Context, ns string, docs []any) error
}

// Worker runs deferred cleanup jobs off the moveChunk critical path.
type Worker struct {
	engine   storage.Engine
	paranoia Paranoia
	tunables Tunables
	logger   *logrus.Logger
	now      func() time.Time
}

// New constructs a Worker. now defaults to time.Now and is used to compute
// the cursor-quiescence wait's ceiling deadline.
func New(engine storage.Engine, paranoia Paranoia, tunables Tunables, logger *logrus.Logger, now func() time.Time) *Worker {
	if tunables.PollInterval == 0 {
		tunables = defaultTunables()
	}
	if logger == nil {
		logger = logrus.New()
	}
	if now == nil {
		now = time.Now
	}
	return &Worker{engine: engine, paranoia: paranoia, tunables: tunables, logger: logger, now: now}
}

// Schedule satisfies donor.CleanupScheduler: it runs job asynchronously so
// phase 6 of moveChunk can return to its caller immediately (spec.md §4.3
// Phase 6).
func (w *Worker) Schedule(ns string, min, max shardkey.Key, pattern shardkey.Pattern, initialCursors []storage.CursorID) {
	go w.Run(context.Background(), Job{NS: ns, Min: min, Max: max, Pattern: pattern, InitialCursors: initialCursors})
}

// Run waits for every cursor in job.InitialCursors to close (intersected
// against the currently-open set on each poll), then range-deletes
// [Min,Max) through the mutation tap with tap.OriginCleanup so the delete
// doesn't pollute a future migration's buffer (spec.md §4.6). Idempotent: a
// repeated run over an already-empty range is a no-op delete.
func (w *Worker) Run(ctx context.Context, job Job) error {
	deadline := w.now().Add(w.tunables.WaitCeiling)
	pending := make(map[storage.CursorID]struct{}, len(job.InitialCursors))
	for _, c := range job.InitialCursors {
		pending[c] = struct{}{}
	}

	for len(pending) > 0 && w.now().Before(deadline) {
		select {
		case <-ctx.Done():
			w.logger.WithField("ns", job.NS).Warn("deferred cleanup interrupted before cursor quiescence")
			return ctx.Err()
		case <-time.After(w.tunables.PollInterval):
		}
		open := make(map[storage.CursorID]struct{}, len(w.engine.OpenCursors(job.NS)))
		for _, c := range w.engine.OpenCursors(job.NS) {
			open[c] = struct{}{}
		}
		for c := range pending {
			if _, stillOpen := open[c]; !stillOpen {
				delete(pending, c)
			}
		}
	}

	if len(pending) > 0 {
		w.logger.WithField("ns", job.NS).Warn("deferred cleanup proceeding after cursor-wait ceiling elapsed")
	}

	if w.tunables.MoveParanoia && w.paranoia != nil {
		cur, err := w.engine.RangeScan(ctx, job.NS, job.Min, job.Max, job.Pattern)
		if err == nil {
			var docs []any
			for {
				doc, ok, err := cur.Next(ctx)
				if err != nil || !ok {
					break
				}
				docs = append(docs, doc)
			}
			cur.Close()
			if len(docs) > 0 {
				if err := w.paranoia.Save(ctx, job.NS, docs); err != nil {
					w.logger.WithError(err).Warn("deferred cleanup paranoia save failed; proceeding with delete")
				}
			}
		}
	}

	n, err := w.engine.RangedDelete(ctx, job.NS, job.Min, job.Max, job.Pattern, storage.DeleteOriginCleanup)
	if err != nil {
		w.logger.WithError(err).WithField("ns", job.NS).Warn("deferred cleanup ranged delete failed")
		return err
	}
	w.logger.WithFields(logrus.Fields{"ns": job.NS, "deleted": n}).Info("deferred cleanup complete")
	return nil
}
