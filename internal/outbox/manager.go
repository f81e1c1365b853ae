package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/todosync/internal/store"
	"github.com/hyperengineering/todosync/internal/types"
)

// ErrNotQueued is returned by Get when no operation has the given ID.
var ErrNotQueued = errors.New("operation not queued")

// Store is the subset of the local store the outbox needs.
// Implemented by store.SQLiteStore.
type Store interface {
	EnqueueOperation(ctx context.Context, row store.OperationRow) (int64, error)
	ListOperations(ctx context.Context) ([]store.OperationRow, error)
	GetOperation(ctx context.Context, id string) (*store.OperationRow, error)
	ClearOperations(ctx context.Context) error
	DeleteOperations(ctx context.Context, keys []store.OperationKey) (int64, error)
	DiscardOperations(ctx context.Context, recordID string) (int64, error)
	MarkAttempted(ctx context.Context, ids []string) error
	MaxOperationTimestamp(ctx context.Context) (int64, error)
}

// Pending is a drained operation together with the key that acknowledges it.
type Pending struct {
	Op  Operation
	Key store.OperationKey
}

// Clock issues strictly increasing millisecond timestamps.
type Clock struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewClock returns a clock that never issues a value at or below floor.
func NewClock(floor int64) *Clock {
	return &Clock{last: floor, now: time.Now}
}

// Next returns the current wall time in milliseconds, bumped past the
// previously issued value when the wall clock stalls or steps back.
func (c *Clock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := c.now().UnixMilli()
	if ts <= c.last {
		ts = c.last + 1
	}
	c.last = ts
	return ts
}

// Manager builds, queues and drains outbox operations.
type Manager struct {
	store Store
	clock *Clock

	// serializes read-merge-write of update operations
	mu sync.Mutex
}

// NewManager creates a Manager whose clock is seeded past every
// timestamp already persisted, so ordering holds across restarts.
func NewManager(ctx context.Context, s Store) (*Manager, error) {
	floor, err := s.MaxOperationTimestamp(ctx)
	if err != nil {
		return nil, fmt.Errorf("seed outbox clock: %w", err)
	}
	return &Manager{store: s, clock: NewClock(floor)}, nil
}

// NewCreate builds a Create for a record known only by localID.
func (m *Manager) NewCreate(localID string, f types.Fields) Create {
	f.Status = f.Status.Normalize()
	return Create{OpID: CreateID(localID), LocalID: localID, Fields: f, TS: m.clock.Next()}
}

// NewUpdate builds an Update for ref.
func (m *Manager) NewUpdate(ref Ref, ch types.Changes) Update {
	return Update{OpID: UpdateID(ref.ID()), Ref: ref, Changes: ch, TS: m.clock.Next()}
}

// NewDelete builds a Delete for ref.
func (m *Manager) NewDelete(ref Ref) Delete {
	return Delete{OpID: DeleteID(ref.ID()), Ref: ref, TS: m.clock.Next()}
}

// Queue appends op, overwriting any queued operation with the same ID.
func (m *Manager) Queue(ctx context.Context, op Operation) error {
	row, err := encode(op)
	if err != nil {
		return err
	}
	if _, err := m.store.EnqueueOperation(ctx, row); err != nil {
		return fmt.Errorf("queue %s: %w", op.ID(), err)
	}
	slog.Debug("operation queued",
		"component", "outbox",
		"op_id", op.ID(),
		"kind", string(row.Kind),
		"record_id", op.Target().ID(),
	)
	return nil
}

// MergeUpdate queues u after folding in the changes of any update already
// queued for the same record, so an overwrite never loses fields.
// It returns the operation actually queued.
func (m *Manager) MergeUpdate(ctx context.Context, u Update) (Update, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.Get(ctx, u.OpID)
	switch {
	case errors.Is(err, ErrNotQueued):
	case err != nil:
		return Update{}, err
	default:
		if prev, ok := existing.(Update); ok {
			u.Changes = prev.Changes.Merge(u.Changes)
		}
	}

	if err := m.Queue(ctx, u); err != nil {
		return Update{}, err
	}
	return u, nil
}

// DrainOrdered returns every queued operation, oldest first. Operations stay
// queued until acknowledged.
func (m *Manager) DrainOrdered(ctx context.Context) ([]Pending, error) {
	rows, err := m.store.ListOperations(ctx)
	if err != nil {
		return nil, fmt.Errorf("drain outbox: %w", err)
	}

	pending := make([]Pending, 0, len(rows))
	for _, row := range rows {
		op, err := decode(row)
		if err != nil {
			return nil, err
		}
		pending = append(pending, Pending{Op: op, Key: row.Key()})
	}
	return pending, nil
}

// Ack removes exactly the drained entries. Entries overwritten after they
// were drained are kept. It returns the number removed.
func (m *Manager) Ack(ctx context.Context, drained []Pending) (int64, error) {
	keys := make([]store.OperationKey, len(drained))
	for i, p := range drained {
		keys[i] = p.Key
	}
	n, err := m.store.DeleteOperations(ctx, keys)
	if err != nil {
		return 0, fmt.Errorf("ack outbox: %w", err)
	}
	return n, nil
}

// MarkAttempted records that the Create operations among drained are
// about to be sent. Other operation kinds are ignored.
func (m *Manager) MarkAttempted(ctx context.Context, drained []Pending) error {
	var ids []string
	for _, p := range drained {
		if c, ok := p.Op.(Create); ok && !c.Attempted {
			ids = append(ids, c.OpID)
		}
	}
	if err := m.store.MarkAttempted(ctx, ids); err != nil {
		return fmt.Errorf("mark attempted: %w", err)
	}
	return nil
}

// Clear removes every queued operation.
func (m *Manager) Clear(ctx context.Context) error {
	if err := m.store.ClearOperations(ctx); err != nil {
		return fmt.Errorf("clear outbox: %w", err)
	}
	return nil
}

// Get returns the queued operation with the given ID, or ErrNotQueued.
func (m *Manager) Get(ctx context.Context, opID string) (Operation, error) {
	row, err := m.store.GetOperation(ctx, opID)
	if errors.Is(err, store.ErrNoOperation) {
		return nil, ErrNotQueued
	}
	if err != nil {
		return nil, fmt.Errorf("get operation %s: %w", opID, err)
	}
	return decode(*row)
}

// Discard drops every queued operation referencing recordID. Used when a
// record that never reached the remote store is deleted locally.
func (m *Manager) Discard(ctx context.Context, recordID string) (int64, error) {
	n, err := m.store.DiscardOperations(ctx, recordID)
	if err != nil {
		return 0, fmt.Errorf("discard operations: %w", err)
	}
	if n > 0 {
		slog.Debug("operations discarded",
			"component", "outbox",
			"record_id", recordID,
			"count", n,
		)
	}
	return n, nil
}

// Len returns the number of queued operations.
func (m *Manager) Len(ctx context.Context) (int, error) {
	rows, err := m.store.ListOperations(ctx)
	if err != nil {
		return 0, fmt.Errorf("count outbox: %w", err)
	}
	return len(rows), nil
}
