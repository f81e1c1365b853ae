// Package todo is the offline-first to-do client. Mutations apply to the
// local cache immediately; when the remote store is reachable they are sent
// directly, otherwise they wait in the outbox until the next reconciliation.
package todo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hyperengineering/todosync/internal/connectivity"
	"github.com/hyperengineering/todosync/internal/outbox"
	"github.com/hyperengineering/todosync/internal/reconcile"
	"github.com/hyperengineering/todosync/internal/remote"
	"github.com/hyperengineering/todosync/internal/store"
	"github.com/hyperengineering/todosync/internal/types"
	"github.com/hyperengineering/todosync/internal/validation"
	"github.com/oklog/ulid/v2"
)

var (
	// ErrClosed is returned by every method after Close.
	ErrClosed = errors.New("client is closed")

	// ErrNotFound is returned when no cached task has the given identifier.
	ErrNotFound = errors.New("task not found")

	// ErrOffline is returned by Refresh while the remote store is unreachable.
	ErrOffline = errors.New("remote store unreachable")
)

// Client is the todo client for one local cache.
type Client struct {
	config   Config
	isServer types.IDClassifier
	log      *slog.Logger

	store  *store.SQLiteStore
	outbox *outbox.Manager
	remote *remote.Client
	recon  *reconcile.Reconciler
	net    *connectivity.Broadcaster
	prober *connectivity.Prober

	// serializes local writes against Refresh's read-merge-replace
	cacheMu sync.Mutex

	mu       sync.RWMutex
	closed   bool
	done     chan struct{}
	watchers sync.WaitGroup
}

// Open opens the local cache at cfg.LocalPath and wires the engine.
func Open(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.LocalPath == "" {
		return nil, errors.New("LocalPath is required")
	}

	// Set defaults
	if cfg.IsServerID == nil {
		cfg.IsServerID = types.IsServerID
	}
	if cfg.ProbeInterval == 0 {
		cfg.ProbeInterval = 15 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 3 * time.Second
	}

	s, err := store.NewSQLiteStore(cfg.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	ob, err := outbox.NewManager(ctx, s)
	if err != nil {
		s.Close()
		return nil, err
	}

	rc := remote.New(remote.Config{
		BaseURL:    cfg.RemoteURL,
		Token:      cfg.Token,
		Timeout:    cfg.Timeout,
		MaxRetries: cfg.MaxRetries,
		HTTPClient: cfg.HTTPClient,
	})
	net := connectivity.NewBroadcaster(cfg.Online)

	c := &Client{
		config:   cfg,
		isServer: cfg.IsServerID,
		log:      slog.With("component", "todo", "instance", ulid.Make().String()),
		store:    s,
		outbox:   ob,
		remote:   rc,
		recon:    reconcile.New(s, ob, rc, net.Online),
		net:      net,
		prober:   connectivity.NewProber(rc, net, cfg.ProbeInterval, cfg.ProbeTimeout),
		done:     make(chan struct{}),
	}
	return c, nil
}

// Close stops any Watch loop and releases the local store. It is safe to
// call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	c.watchers.Wait()

	// wait for in-flight calls
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Close()
}

func (c *Client) enter() (release func(), err error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, ErrClosed
	}
	return c.mu.RUnlock, nil
}

// Online reports the last known connectivity.
func (c *Client) Online() bool {
	return c.net.Online()
}

// SetOnline publishes a connectivity change. Going online wakes a running
// Watch loop.
func (c *Client) SetOnline(online bool) {
	c.net.Set(online)
}

// Probe checks the remote store once and publishes the result.
func (c *Client) Probe(ctx context.Context) (bool, error) {
	release, err := c.enter()
	if err != nil {
		return false, err
	}
	defer release()
	return c.prober.Probe(ctx), nil
}

// Create adds a task. The returned task carries a server identifier when
// the remote store accepted it directly, otherwise a local identifier and
// Pending set.
func (c *Client) Create(ctx context.Context, title, description string) (*types.Task, error) {
	release, err := c.enter()
	if err != nil {
		return nil, err
	}
	defer release()

	f := types.Fields{
		Title:       strings.TrimSpace(title),
		Description: strings.TrimSpace(description),
		Status:      types.StatusPending,
	}
	if errs := validation.ValidateFields("", f); len(errs) > 0 {
		return nil, validation.Errors(errs)
	}

	now := time.Now().UTC()
	task := types.Task{
		ID:          uuid.NewString(),
		Title:       f.Title,
		Description: f.Description,
		Status:      f.Status,
		CreatedAt:   &now,
		Pending:     true,
	}

	c.cacheMu.Lock()
	err = c.store.PutRecord(ctx, task)
	c.cacheMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("cache task: %w", err)
	}

	if c.net.Online() {
		created, err := c.remote.Create(ctx, types.CreateRequest{
			Title:       f.Title,
			Description: f.Description,
			Status:      f.Status,
			ClientID:    task.ID,
		})
		if err == nil {
			return c.confirmCreate(ctx, task.ID, *created)
		}
		c.log.Warn("direct create failed, queued",
			"action", "create",
			"record_id", task.ID,
			"error", err,
		)
	}

	if err := c.outbox.Queue(context.WithoutCancel(ctx), c.outbox.NewCreate(task.ID, f)); err != nil {
		return nil, err
	}
	return &task, nil
}

func (c *Client) confirmCreate(ctx context.Context, localID string, created types.Task) (*types.Task, error) {
	ctx = context.WithoutCancel(ctx)
	created.Pending = false
	if created.ClientID == "" {
		created.ClientID = localID
	}

	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()

	if err := c.store.SetMapping(ctx, localID, created.ID); err != nil {
		return nil, err
	}
	if err := c.store.SwapRecord(ctx, localID, created); err != nil {
		return nil, fmt.Errorf("promote task: %w", err)
	}
	return &created, nil
}

// Edit replaces the title and description of a task.
func (c *Client) Edit(ctx context.Context, id, title, description string) (*types.Task, error) {
	title = strings.TrimSpace(title)
	description = strings.TrimSpace(description)
	return c.update(ctx, id, types.Changes{Title: &title, Description: &description})
}

// SetStatus changes the status of a task.
func (c *Client) SetStatus(ctx context.Context, id string, status types.Status) (*types.Task, error) {
	return c.update(ctx, id, types.Changes{Status: &status})
}

func (c *Client) update(ctx context.Context, id string, ch types.Changes) (*types.Task, error) {
	release, err := c.enter()
	if err != nil {
		return nil, err
	}
	defer release()

	if errs := validation.ValidateChanges(ch); len(errs) > 0 {
		return nil, validation.Errors(errs)
	}

	c.cacheMu.Lock()
	rec, err := c.store.UpdateRecord(ctx, id, func(t *types.Task) error {
		*t = ch.ApplyTask(*t)
		t.Pending = true
		return nil
	})
	c.cacheMu.Unlock()
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update cached task: %w", err)
	}

	ref := outbox.RefFor(rec.ID, c.isServer)
	direct, err := c.canSendDirect(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !direct {
		return rec, c.queueUpdate(ctx, ref, ch)
	}

	if _, err := c.remote.Update(ctx, ref.ServerID, ch); err != nil {
		c.log.Warn("direct update failed, queued",
			"action", "update",
			"record_id", ref.ServerID,
			"error", err,
		)
		return rec, c.queueUpdate(ctx, ref, ch)
	}

	if err := c.settle(context.WithoutCancel(ctx), rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// canSendDirect reports whether an update for ref may go straight to the
// remote store. A queued update for the same record must not be overtaken.
func (c *Client) canSendDirect(ctx context.Context, ref outbox.Ref) (bool, error) {
	if ref.IsLocal() || !c.net.Online() {
		return false, nil
	}
	_, err := c.outbox.Get(ctx, outbox.UpdateID(ref.ID()))
	switch {
	case errors.Is(err, outbox.ErrNotQueued):
		return true, nil
	case err != nil:
		return false, err
	default:
		return false, nil
	}
}

func (c *Client) queueUpdate(ctx context.Context, ref outbox.Ref, ch types.Changes) error {
	_, err := c.outbox.MergeUpdate(context.WithoutCancel(ctx), c.outbox.NewUpdate(ref, ch))
	return err
}

// settle clears the pending flag of a record the remote store confirmed,
// unless another operation for it is still queued.
func (c *Client) settle(ctx context.Context, rec *types.Task) error {
	queued, _, err := c.queuedRecords(ctx)
	if err != nil {
		return err
	}
	if queued[rec.ID] {
		return nil
	}

	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	updated, err := c.store.UpdateRecord(ctx, rec.ID, func(t *types.Task) error {
		t.Pending = false
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	*rec = *updated
	return nil
}

// Remove deletes a task. A task whose Create was never sent is removed
// together with its queued operations and causes no remote call.
func (c *Client) Remove(ctx context.Context, id string) error {
	release, err := c.enter()
	if err != nil {
		return err
	}
	defer release()

	ref, err := c.resolve(ctx, id)
	if err != nil {
		return err
	}

	if ref.IsLocal() {
		collapsed := false
		_, err := c.recon.Exclusive(ctx, func(ctx context.Context) error {
			// a pass may have synchronized it just before
			latest, err := c.resolve(ctx, id)
			if err != nil {
				return err
			}
			if !latest.IsLocal() {
				ref = latest
				return nil
			}
			sent, err := c.createAttempted(ctx, id)
			if err != nil || sent {
				// the server may hold it already; the next pass learns the mapping
				return err
			}
			collapsed = true
			return c.collapse(ctx, id)
		})
		if err != nil {
			return err
		}
		if collapsed {
			return nil
		}
		// a pass is in flight or the Create went out: queue the delete and let
		// the pass resolve the mapping
	}

	c.cacheMu.Lock()
	err = c.removeCached(ctx, ref)
	c.cacheMu.Unlock()
	if err != nil {
		return err
	}

	if c.net.Online() && !ref.IsLocal() {
		_, err := c.remote.Delete(ctx, ref.ServerID)
		if err == nil {
			// anything still queued for the record can only fail now
			return c.discard(context.WithoutCancel(ctx), ref)
		}
		c.log.Warn("direct delete failed, queued",
			"action", "delete",
			"record_id", ref.ServerID,
			"error", err,
		)
	}

	return c.outbox.Queue(context.WithoutCancel(ctx), c.outbox.NewDelete(ref))
}

// resolve builds a Ref for id, attaching the mapped identifier on the
// other side.
func (c *Client) resolve(ctx context.Context, id string) (outbox.Ref, error) {
	ref := outbox.RefFor(id, c.isServer)
	if !ref.IsLocal() {
		mappings, err := c.store.Mappings(ctx)
		if err != nil {
			return ref, fmt.Errorf("resolve %s: %w", id, err)
		}
		for lid, sid := range mappings {
			if sid == id {
				ref.LocalID = lid
				break
			}
		}
		return ref, nil
	}
	sid, err := c.store.GetMapping(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return ref, fmt.Errorf("resolve %s: %w", id, err)
	default:
		ref.ServerID = sid
	}
	return ref, nil
}

// createAttempted reports whether the queued Create for localID has been
// sent at least once.
func (c *Client) createAttempted(ctx context.Context, localID string) (bool, error) {
	op, err := c.outbox.Get(ctx, outbox.CreateID(localID))
	if errors.Is(err, outbox.ErrNotQueued) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	create, ok := op.(outbox.Create)
	return ok && create.Attempted, nil
}

func (c *Client) collapse(ctx context.Context, localID string) error {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()

	_, err := c.store.GetRecord(ctx, localID)
	cached := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	n, err := c.outbox.Discard(ctx, localID)
	if err != nil {
		return err
	}
	if !cached && n == 0 {
		return ErrNotFound
	}
	if err := c.store.DeleteRecord(ctx, localID); err != nil {
		return err
	}
	c.log.Info("unsynchronized task removed",
		"action", "delete",
		"record_id", localID,
		"discarded_ops", n,
	)
	return nil
}

func (c *Client) removeCached(ctx context.Context, ref outbox.Ref) error {
	for _, id := range []string{ref.LocalID, ref.ServerID} {
		if id == "" {
			continue
		}
		if err := c.store.DeleteRecord(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) discard(ctx context.Context, ref outbox.Ref) error {
	for _, id := range []string{ref.ServerID, ref.LocalID} {
		if id == "" {
			continue
		}
		if _, err := c.outbox.Discard(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the cached task with the given identifier. A local
// identifier that has since been synchronized resolves to the promoted task.
func (c *Client) Get(ctx context.Context, id string) (*types.Task, error) {
	release, err := c.enter()
	if err != nil {
		return nil, err
	}
	defer release()

	t, err := c.store.GetRecord(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		ref, rerr := c.resolve(ctx, id)
		if rerr != nil {
			return nil, rerr
		}
		if ref.ServerID == "" || ref.ServerID == id {
			return nil, ErrNotFound
		}
		t, err = c.store.GetRecord(ctx, ref.ServerID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// List returns cached tasks matching opts. It never waits for the network.
func (c *Client) List(ctx context.Context, opts ListOptions) ([]types.Task, error) {
	release, err := c.enter()
	if err != nil {
		return nil, err
	}
	defer release()

	all, err := c.store.GetAllRecords(ctx)
	if err != nil {
		return nil, err
	}

	search := strings.ToLower(strings.TrimSpace(opts.Search))
	out := make([]types.Task, 0, len(all))
	for _, t := range all {
		switch opts.Filter {
		case FilterActive:
			if t.Status == types.StatusCompleted {
				continue
			}
		case FilterCompleted:
			if t.Status != types.StatusCompleted {
				continue
			}
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(t.Title), search) &&
			!strings.Contains(strings.ToLower(t.Description), search) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// Stats summarizes the cache and the outbox.
func (c *Client) Stats(ctx context.Context) (*types.Stats, error) {
	release, err := c.enter()
	if err != nil {
		return nil, err
	}
	defer release()
	return c.store.Stats(ctx)
}

// Sync runs a reconciliation pass and, when it completed cleanly, reloads
// the cache from the remote store.
func (c *Client) Sync(ctx context.Context) (*reconcile.PassResult, error) {
	release, err := c.enter()
	if err != nil {
		return nil, err
	}
	defer release()

	res, err := c.recon.Synchronize(ctx)
	if err != nil {
		return nil, err
	}
	if res.Offline || res.Failed() {
		return res, nil
	}
	if err := c.refresh(ctx); err != nil {
		c.log.Warn("refresh after sync failed", "action", "refresh", "error", err)
	}
	return res, nil
}

// Queued lists the pending outbox operations, oldest first.
func (c *Client) Queued(ctx context.Context) ([]QueuedOp, error) {
	release, err := c.enter()
	if err != nil {
		return nil, err
	}
	defer release()

	drained, err := c.outbox.DrainOrdered(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]QueuedOp, 0, len(drained))
	for _, p := range drained {
		q := QueuedOp{
			ID:        p.Op.ID(),
			RecordID:  p.Op.Target().ID(),
			ServerID:  p.Op.Target().ServerID,
			Timestamp: p.Op.Timestamp(),
			Queued:    time.UnixMilli(p.Op.Timestamp()).UTC(),
		}
		switch p.Op.(type) {
		case outbox.Create:
			q.Kind = "create"
		case outbox.Update:
			q.Kind = "update"
		case outbox.Delete:
			q.Kind = "delete"
		}
		out = append(out, q)
	}
	return out, nil
}

// ClearQueue drops every pending operation without sending it.
func (c *Client) ClearQueue(ctx context.Context) error {
	release, err := c.enter()
	if err != nil {
		return err
	}
	defer release()
	return c.outbox.Clear(ctx)
}

// Watch probes connectivity until ctx is cancelled or the client is
// closed, reconciling and refreshing every time the remote store becomes
// reachable.
func (c *Client) Watch(ctx context.Context) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return ErrClosed
	}
	c.watchers.Add(1)
	c.mu.RUnlock()
	defer c.watchers.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	mon := connectivity.NewMonitor(c.net, c.recon, c)
	stop := mon.Start(ctx)
	defer stop()

	if c.net.Online() {
		// work queued before watching started
		mon.Trigger()
	}
	c.prober.Run(ctx)
	return nil
}
