// Package reconcile replays the outbox against the remote store and folds
// the results back into the local cache.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyperengineering/todosync/internal/outbox"
	"github.com/hyperengineering/todosync/internal/remote"
	"github.com/hyperengineering/todosync/internal/store"
	"github.com/hyperengineering/todosync/internal/types"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/singleflight"
)

// Store is the subset of the local store a pass touches.
// Implemented by store.SQLiteStore.
type Store interface {
	GetRecord(ctx context.Context, id string) (*types.Task, error)
	DeleteRecord(ctx context.Context, id string) error
	SetMapping(ctx context.Context, localID, serverID string) error
	GetMapping(ctx context.Context, localID string) (string, error)
	Mappings(ctx context.Context) (map[string]string, error)
	Promote(ctx context.Context, localID, serverID string) (bool, error)
}

// Outbox drains and acknowledges pending operations.
// Implemented by outbox.Manager.
type Outbox interface {
	DrainOrdered(ctx context.Context) ([]outbox.Pending, error)
	MarkAttempted(ctx context.Context, drained []outbox.Pending) error
	Ack(ctx context.Context, drained []outbox.Pending) (int64, error)
}

// Remote is the remote store API used by a pass.
// Implemented by remote.Client.
type Remote interface {
	Update(ctx context.Context, serverID string, ch types.Changes) (*types.Task, error)
	Delete(ctx context.Context, serverID string) (bool, error)
	BulkSync(ctx context.Context, entries []types.BulkSyncEntry) ([]types.IDMapping, error)
}

// Reconciler runs reconciliation passes. Passes never overlap.
type Reconciler struct {
	store  Store
	outbox Outbox
	remote Remote
	online func() bool

	passMu sync.Mutex
	group  singleflight.Group
	dirty  atomic.Bool
}

// New creates a Reconciler. online reports current connectivity; nil means
// always online.
func New(s Store, ob Outbox, r Remote, online func() bool) *Reconciler {
	if online == nil {
		online = func() bool { return true }
	}
	return &Reconciler{store: s, outbox: ob, remote: r, online: online}
}

// Synchronize runs one reconciliation pass. A call arriving while a pass is
// in flight joins it and causes it to run once more after finishing, so
// operations queued mid-pass are picked up. Remote failures are reported in
// the result; only local store failures are returned as errors.
func (r *Reconciler) Synchronize(ctx context.Context) (*PassResult, error) {
	r.dirty.Store(true)
	v, err, _ := r.group.Do("sync", func() (any, error) {
		return r.run(ctx)
	})
	if err != nil {
		return nil, err
	}
	res := *v.(*PassResult)
	res.Errors = append([]OpError(nil), res.Errors...)
	return &res, nil
}

// Exclusive runs fn only if no pass is in flight, holding passes off until
// fn returns. ran is false when a pass was in flight and fn was not called.
func (r *Reconciler) Exclusive(ctx context.Context, fn func(ctx context.Context) error) (ran bool, err error) {
	if !r.passMu.TryLock() {
		return false, nil
	}
	defer r.passMu.Unlock()
	return true, fn(ctx)
}

func (r *Reconciler) run(ctx context.Context) (*PassResult, error) {
	r.dirty.Store(false)
	res, err := r.pass(ctx)
	if err != nil {
		return nil, err
	}
	if r.dirty.Swap(false) && res.Outcome != NoOp && !res.Failed() {
		next, err := r.pass(ctx)
		if err != nil {
			return nil, err
		}
		res.absorb(next)
	}
	return res, nil
}

func (r *Reconciler) pass(ctx context.Context) (*PassResult, error) {
	start := time.Now()
	res := &PassResult{PassID: ulid.Make().String(), Outcome: NoOp}
	log := slog.With("component", "reconciler", "pass_id", res.PassID)

	if !r.online() {
		res.Offline = true
		log.Debug("pass skipped", "reason", "offline")
		return res, nil
	}

	r.passMu.Lock()
	defer r.passMu.Unlock()

	drained, err := r.outbox.DrainOrdered(ctx)
	if err != nil {
		return nil, fmt.Errorf("drain outbox: %w", err)
	}
	if len(drained) == 0 {
		res.Duration = time.Since(start)
		return res, nil
	}
	res.Drained = len(drained)
	res.Outcome = Succeeded

	mappings, err := r.store.Mappings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load mappings: %w", err)
	}
	p := partition(drained, mappings)

	settled := make([]outbox.Pending, 0, len(drained))
	retainAll := false

	for _, pend := range p.collapsed {
		if err := r.removeLocal(ctx, pend.Op.Target()); err != nil {
			return nil, err
		}
		settled = append(settled, pend)
		res.Collapsed++
	}
	for _, pend := range p.confirmed {
		log.Debug("create already mapped", "op_id", pend.Op.ID(), "record_id", pend.Op.Target().LocalID)
		settled = append(settled, pend)
		res.Collapsed++
	}

	// direct updates
	for _, u := range p.direct {
		if u.skip {
			settled = append(settled, u.op)
			res.Collapsed++
			continue
		}
		if _, err := r.remote.Update(ctx, u.serverID, u.changes); err != nil {
			if remote.IsTransient(err) {
				retainAll = true
			} else {
				settled = append(settled, u.op)
				res.Dropped++
			}
			res.fail(OpError{OpID: u.op.Op.ID(), RecordID: u.serverID, Transient: remote.IsTransient(err), Err: err})
			log.Warn("direct update failed", "op_id", u.op.Op.ID(), "record_id", u.serverID, "error", err)
			continue
		}
		settled = append(settled, u.op)
		res.Updated++
	}

	// bulk batch
	batchFailed := false
	if len(p.batch) > 0 {
		entries, batched, unresolved, err := r.buildBatch(ctx, p.batch)
		if err != nil {
			return nil, err
		}
		for _, e := range unresolved {
			log.Warn("dropping operations for unknown record", "record_id", e.localID, "count", len(e.ops))
			settled = append(settled, e.ops...)
			res.Dropped += len(e.ops)
		}

		if len(entries) > 0 {
			res.Batched = len(entries)
			var sending []outbox.Pending
			for _, e := range batched {
				sending = append(sending, e.ops...)
			}
			// a lost response can still leave the records on the server
			if err := r.outbox.MarkAttempted(ctx, sending); err != nil {
				return nil, err
			}
			mapped, err := r.remote.BulkSync(ctx, entries)
			if err != nil {
				batchFailed = true
				retainAll = true
				res.fail(OpError{OpID: "bulksync", Transient: true, Err: err})
				log.Warn("bulk sync failed", "entries", len(entries), "error", err)
			} else {
				n, missing, err := r.applyMappings(ctx, mapped, batched)
				if err != nil {
					return nil, err
				}
				res.Promoted += n
				for _, e := range batched {
					if missing[e.localID] {
						retainAll = true
						res.fail(OpError{OpID: outbox.CreateID(e.localID), RecordID: e.localID, Transient: true, Err: errors.New("no mapping returned")})
						continue
					}
					settled = append(settled, e.ops...)
				}
			}
		}
	}

	// deletions depend on mappings established above
	if batchFailed {
		res.Retained = len(drained)
		log.Info("deletions deferred", "count", len(p.deletes))
	} else {
		for _, d := range p.deletes {
			done, err := r.applyDelete(ctx, d, res, log)
			if err != nil {
				return nil, err
			}
			if done {
				settled = append(settled, d.op)
			} else {
				retainAll = true
			}
		}
	}

	if retainAll {
		res.Retained = len(drained)
	} else {
		n, err := r.outbox.Ack(ctx, settled)
		if err != nil {
			return nil, fmt.Errorf("ack pass: %w", err)
		}
		res.Acked = n
	}

	res.Duration = time.Since(start)
	log.Info("pass complete",
		"outcome", string(res.Outcome),
		"drained", res.Drained,
		"promoted", res.Promoted,
		"updated", res.Updated,
		"deleted", res.Deleted,
		"collapsed", res.Collapsed,
		"dropped", res.Dropped,
		"retained", res.Retained,
		"duration_ms", res.Duration.Milliseconds(),
	)
	return res, nil
}

// buildBatch resolves the latest field values for every batch entry.
// Entries with no Create and no cached record cannot be sent and are
// returned as unresolved.
func (r *Reconciler) buildBatch(ctx context.Context, batch []*batchEntry) (entries []types.BulkSyncEntry, sent, unresolved []*batchEntry, err error) {
	for _, e := range batch {
		var base *types.Fields
		if e.create == nil {
			rec, err := r.store.GetRecord(ctx, e.localID)
			switch {
			case errors.Is(err, store.ErrNotFound):
			case err != nil:
				return nil, nil, nil, fmt.Errorf("load record %s: %w", e.localID, err)
			default:
				f := types.FieldsOf(*rec)
				base = &f
			}
		}
		f, ok := e.fields(base)
		if !ok {
			unresolved = append(unresolved, e)
			continue
		}
		entries = append(entries, types.BulkSyncEntry{
			ClientID:    e.localID,
			Title:       f.Title,
			Description: f.Description,
			Status:      f.Status,
		})
		sent = append(sent, e)
	}
	return entries, sent, unresolved, nil
}

// applyMappings persists each returned mapping and promotes the cached
// record. missing lists batch entries the server returned no mapping for.
func (r *Reconciler) applyMappings(ctx context.Context, mapped []types.IDMapping, sent []*batchEntry) (promoted int, missing map[string]bool, err error) {
	missing = make(map[string]bool, len(sent))
	for _, e := range sent {
		missing[e.localID] = true
	}

	for _, m := range mapped {
		if m.ClientID == "" || m.ServerID == "" {
			continue
		}
		if err := r.store.SetMapping(ctx, m.ClientID, m.ServerID); err != nil {
			return promoted, nil, err
		}
		ok, err := r.store.Promote(ctx, m.ClientID, m.ServerID)
		if err != nil {
			return promoted, nil, err
		}
		if ok {
			promoted++
		}
		delete(missing, m.ClientID)
	}
	return promoted, missing, nil
}

// applyDelete resolves and executes one deletion. done is false when the
// operation must stay queued.
func (r *Reconciler) applyDelete(ctx context.Context, d deletion, res *PassResult, log *slog.Logger) (done bool, err error) {
	ref := d.ref
	if ref.ServerID == "" {
		sid, err := r.store.GetMapping(ctx, ref.LocalID)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return false, fmt.Errorf("resolve %s: %w", ref.LocalID, err)
		default:
			ref.ServerID = sid
		}
	}

	if ref.ServerID == "" {
		// never synchronized: local removal is all there is to do
		if err := r.removeLocal(ctx, ref); err != nil {
			return false, err
		}
		res.Collapsed++
		return true, nil
	}

	if _, err := r.remote.Delete(ctx, ref.ServerID); err != nil {
		transient := remote.IsTransient(err)
		res.fail(OpError{OpID: d.op.Op.ID(), RecordID: ref.ServerID, Transient: transient, Err: err})
		log.Warn("delete failed", "op_id", d.op.Op.ID(), "record_id", ref.ServerID, "error", err)
		if transient {
			return false, nil
		}
		res.Dropped++
		return true, nil
	}

	if err := r.removeLocal(ctx, ref); err != nil {
		return false, err
	}
	res.Deleted++
	return true, nil
}

func (r *Reconciler) removeLocal(ctx context.Context, ref outbox.Ref) error {
	for _, id := range []string{ref.LocalID, ref.ServerID} {
		if id == "" {
			continue
		}
		if err := r.store.DeleteRecord(ctx, id); err != nil {
			return fmt.Errorf("remove local copy %s: %w", id, err)
		}
	}
	return nil
}
