package todo

import (
	"context"
	"fmt"

	"github.com/hyperengineering/todosync/internal/outbox"
	"github.com/hyperengineering/todosync/internal/types"
)

// Refresh replaces the cache with the remote store's task list, keeping
// local edits that have not been confirmed yet. It is skipped while a
// reconciliation pass is running.
func (c *Client) Refresh(ctx context.Context) error {
	release, err := c.enter()
	if err != nil {
		return err
	}
	defer release()
	return c.refresh(ctx)
}

func (c *Client) refresh(ctx context.Context) error {
	if !c.net.Online() {
		return ErrOffline
	}

	// listed under the pass lock so no promotion lands between list and merge
	var remoteCount int
	ran, err := c.recon.Exclusive(ctx, func(ctx context.Context) error {
		remoteTasks, err := c.remote.List(ctx)
		if err != nil {
			return fmt.Errorf("list remote tasks: %w", err)
		}
		remoteCount = len(remoteTasks)

		c.cacheMu.Lock()
		defer c.cacheMu.Unlock()

		merged, err := c.merge(ctx, remoteTasks)
		if err != nil {
			return err
		}
		if err := c.store.ReplaceAllRecords(ctx, merged); err != nil {
			return fmt.Errorf("replace cache: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !ran {
		c.log.Debug("refresh skipped", "action", "refresh", "reason", "pass_in_flight")
		return nil
	}

	c.log.Debug("cache refreshed", "action", "refresh", "remote_count", remoteCount)
	return nil
}

// queuedRecords returns every identifier a queued operation refers to,
// including mapped server identifiers, and the subset targeted by a Delete.
func (c *Client) queuedRecords(ctx context.Context) (queued, deleted map[string]bool, err error) {
	drained, err := c.outbox.DrainOrdered(ctx)
	if err != nil {
		return nil, nil, err
	}
	mappings, err := c.store.Mappings(ctx)
	if err != nil {
		return nil, nil, err
	}

	queued = make(map[string]bool)
	deleted = make(map[string]bool)
	for _, p := range drained {
		ref := p.Op.Target()
		ids := []string{ref.LocalID, ref.ServerID}
		if sid, ok := mappings[ref.LocalID]; ok {
			ids = append(ids, sid)
		}
		_, isDelete := p.Op.(outbox.Delete)
		for _, id := range ids {
			if id == "" {
				continue
			}
			queued[id] = true
			if isDelete {
				deleted[id] = true
			}
		}
	}
	return queued, deleted, nil
}

// merge combines the remote list with the cache. Remote records win unless
// an operation for them is still queued, in which case the cached version
// is kept. Records awaiting deletion are left out. Cached records the
// remote store does not know survive only while unconfirmed.
func (c *Client) merge(ctx context.Context, remoteTasks []types.Task) ([]types.Task, error) {
	local, err := c.store.GetAllRecords(ctx)
	if err != nil {
		return nil, err
	}
	mappings, err := c.store.Mappings(ctx)
	if err != nil {
		return nil, err
	}
	queued, deleted, err := c.queuedRecords(ctx)
	if err != nil {
		return nil, err
	}

	cached := make(map[string]types.Task, len(local))
	for _, t := range local {
		cached[t.ID] = t
	}
	serverToLocal := make(map[string]string, len(mappings))
	for lid, sid := range mappings {
		serverToLocal[sid] = lid
	}

	out := make([]types.Task, 0, len(remoteTasks)+len(local))
	seen := make(map[string]bool, len(remoteTasks))
	for _, t := range remoteTasks {
		seen[t.ID] = true
		if deleted[t.ID] || (t.ClientID != "" && deleted[t.ClientID]) {
			continue
		}
		if queued[t.ID] {
			if mine, ok := c.cachedCopy(cached, serverToLocal, t.ID); ok {
				mine.ID = t.ID
				if mine.CreatedAt == nil {
					mine.CreatedAt = t.CreatedAt
				}
				mine.Pending = true
				out = append(out, mine)
				continue
			}
		}
		t.Pending = queued[t.ID]
		out = append(out, t)
	}

	for _, t := range local {
		if seen[t.ID] || deleted[t.ID] {
			continue
		}
		if sid, ok := mappings[t.ID]; ok && (seen[sid] || !queued[t.ID]) {
			continue
		}
		keep := queued[t.ID] || (t.Pending && !c.isServer(t.ID))
		if !keep {
			continue
		}
		t.Pending = true
		out = append(out, t)
	}
	return out, nil
}

// cachedCopy finds the cached version of a server record, which may still
// sit under its local identifier.
func (c *Client) cachedCopy(cached map[string]types.Task, serverToLocal map[string]string, serverID string) (types.Task, bool) {
	if t, ok := cached[serverID]; ok && t.Pending {
		return t, true
	}
	if lid, ok := serverToLocal[serverID]; ok {
		if t, ok := cached[lid]; ok && t.Pending {
			t.ClientID = lid
			return t, true
		}
	}
	return types.Task{}, false
}
