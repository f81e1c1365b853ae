package reconcile

import (
	"github.com/hyperengineering/todosync/internal/outbox"
	"github.com/hyperengineering/todosync/internal/types"
)

// batchEntry accumulates everything known about one local identifier.
type batchEntry struct {
	localID   string
	create    *types.Fields // nil when the Create was confirmed in an earlier pass
	attempted bool          // the Create was sent before, maybe without a reply
	changes   types.Changes
	ops       []outbox.Pending
}

// fields returns the latest known values, falling back to base for
// fields no drained operation set.
func (e *batchEntry) fields(base *types.Fields) (types.Fields, bool) {
	var f types.Fields
	switch {
	case e.create != nil:
		f = *e.create
	case base != nil:
		f = *base
	default:
		if e.changes.Title == nil {
			return types.Fields{}, false
		}
	}
	f = e.changes.Apply(f)
	f.Status = f.Status.Normalize()
	return f, true
}

type directUpdate struct {
	serverID string
	op       outbox.Pending
	changes  types.Changes
	skip     bool
}

type deletion struct {
	op  outbox.Pending
	ref outbox.Ref
}

// plan is the partition of one drained outbox.
type plan struct {
	batch     []*batchEntry
	byLocal   map[string]*batchEntry
	direct    []*directUpdate
	deletes   []deletion
	collapsed []outbox.Pending
	confirmed []outbox.Pending // Creates the server already mapped
}

// partition splits drained operations (oldest first) into the bulk batch,
// direct updates and deletions. mappings holds every known local→server
// identifier association. A Delete whose Create may already have reached
// the server stays a deletion and is resolved after the batch.
func partition(drained []outbox.Pending, mappings map[string]string) *plan {
	p := &plan{byLocal: make(map[string]*batchEntry)}

	entry := func(localID string) *batchEntry {
		e, ok := p.byLocal[localID]
		if !ok {
			e = &batchEntry{localID: localID}
			p.byLocal[localID] = e
			p.batch = append(p.batch, e)
		}
		return e
	}

	for _, pend := range drained {
		switch op := pend.Op.(type) {
		case outbox.Create:
			if _, ok := mappings[op.LocalID]; ok {
				// already applied; replaying the upsert would overwrite later updates
				p.confirmed = append(p.confirmed, pend)
				continue
			}
			e := entry(op.LocalID)
			f := op.Fields
			e.create = &f
			e.attempted = e.attempted || op.Attempted
			e.changes = types.Changes{}
			e.ops = append(e.ops, pend)

		case outbox.Update:
			if !op.Ref.IsLocal() {
				p.direct = append(p.direct, &directUpdate{serverID: op.Ref.ServerID, op: pend, changes: op.Changes})
				continue
			}
			if sid, ok := mappings[op.Ref.LocalID]; ok {
				p.direct = append(p.direct, &directUpdate{serverID: sid, op: pend, changes: op.Changes})
				continue
			}
			e := entry(op.Ref.LocalID)
			e.changes = e.changes.Merge(op.Changes)
			e.ops = append(e.ops, pend)

		case outbox.Delete:
			ref := op.Ref
			if ref.IsLocal() {
				if sid, ok := mappings[ref.LocalID]; ok {
					ref.ServerID = sid
				} else if e, batched := p.byLocal[ref.LocalID]; batched && !e.attempted {
					// created and deleted without ever reaching the server
					p.collapsed = append(p.collapsed, e.ops...)
					p.collapsed = append(p.collapsed, pend)
					p.removeBatch(ref.LocalID)
					continue
				}
			}
			p.deletes = append(p.deletes, deletion{op: pend, ref: ref})
		}
	}

	deleted := make(map[string]bool)
	for _, d := range p.deletes {
		if d.ref.ServerID != "" {
			deleted[d.ref.ServerID] = true
		}
	}
	for _, u := range p.direct {
		if deleted[u.serverID] {
			u.skip = true
		}
	}
	return p
}

func (p *plan) removeBatch(localID string) {
	delete(p.byLocal, localID)
	for i, e := range p.batch {
		if e.localID == localID {
			p.batch = append(p.batch[:i], p.batch[i+1:]...)
			return
		}
	}
}
