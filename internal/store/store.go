package store

import (
	"context"
	"encoding/json"

	"github.com/hyperengineering/todosync/internal/types"
)

// OperationKind identifies the variant of a persisted outbox row.
type OperationKind string

const (
	KindCreate OperationKind = "create"
	KindUpdate OperationKind = "update"
	KindDelete OperationKind = "delete"
)

// OperationRow is the persisted form of an outbox operation.
// Payload is opaque to the store.
type OperationRow struct {
	ID        string
	Kind      OperationKind
	LocalID   string
	ServerID  string
	Payload   json.RawMessage
	Timestamp int64
	Seq       int64
	// Attempted is set once the operation has been sent to the remote store.
	Attempted bool
}

// Key returns the acknowledgement key of the row.
func (r OperationRow) Key() OperationKey {
	return OperationKey{ID: r.ID, Seq: r.Seq}
}

// OperationKey identifies one specific write of an operation.
// An overwrite of the same ID gets a new Seq, so a stale key no longer matches.
type OperationKey struct {
	ID  string
	Seq int64
}

// Store defines the local persistence contract: cached records,
// the pending-operation queue and local→server identifier mappings.
type Store interface {
	PutRecord(ctx context.Context, task types.Task) error
	GetRecord(ctx context.Context, id string) (*types.Task, error)
	GetAllRecords(ctx context.Context) ([]types.Task, error)
	DeleteRecord(ctx context.Context, id string) error
	ReplaceAllRecords(ctx context.Context, tasks []types.Task) error
	SwapRecord(ctx context.Context, oldID string, task types.Task) error
	UpdateRecord(ctx context.Context, id string, fn func(*types.Task) error) (*types.Task, error)

	EnqueueOperation(ctx context.Context, row OperationRow) (int64, error)
	ListOperations(ctx context.Context) ([]OperationRow, error)
	GetOperation(ctx context.Context, id string) (*OperationRow, error)
	ClearOperations(ctx context.Context) error
	DeleteOperations(ctx context.Context, keys []OperationKey) (int64, error)
	DiscardOperations(ctx context.Context, recordID string) (int64, error)
	MarkAttempted(ctx context.Context, ids []string) error
	MaxOperationTimestamp(ctx context.Context) (int64, error)

	SetMapping(ctx context.Context, localID, serverID string) error
	GetMapping(ctx context.Context, localID string) (string, error)
	Mappings(ctx context.Context) (map[string]string, error)
	Promote(ctx context.Context, localID, serverID string) (bool, error)

	Stats(ctx context.Context) (*types.Stats, error)
	Close() error
}
