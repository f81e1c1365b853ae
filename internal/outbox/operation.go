// Package outbox manages the durable queue of mutations made while the
// remote store was unreachable or the direct call failed.
package outbox

import (
	"encoding/json"
	"fmt"

	"github.com/hyperengineering/todosync/internal/store"
	"github.com/hyperengineering/todosync/internal/types"
)

// Operation ID prefixes. A later operation of the same kind on the same
// record reuses the ID and overwrites the earlier one.
const (
	createPrefix = "op-"
	updatePrefix = "upd-"
	deletePrefix = "del-"
)

// Ref identifies the record an operation targets. ServerID is empty while
// the record is only known by its local identifier.
type Ref struct {
	LocalID  string
	ServerID string
}

// ID returns the server identifier if known, else the local one.
func (r Ref) ID() string {
	if r.ServerID != "" {
		return r.ServerID
	}
	return r.LocalID
}

// IsLocal reports whether the reference carries no server identifier.
func (r Ref) IsLocal() bool {
	return r.ServerID == ""
}

// RefFor builds a Ref from a record identifier using the classifier.
func RefFor(id string, isServer types.IDClassifier) Ref {
	if isServer(id) {
		return Ref{ServerID: id}
	}
	return Ref{LocalID: id}
}

// Operation is a pending mutation: one of Create, Update or Delete.
type Operation interface {
	ID() string
	Target() Ref
	Timestamp() int64
	kind() store.OperationKind
	payload() (json.RawMessage, error)
}

// Create adds a record that exists only locally. Attempted is set once
// the Create has been handed to the remote store, whether or not a
// response came back.
type Create struct {
	OpID      string
	LocalID   string
	Fields    types.Fields
	TS        int64
	Attempted bool
}

// Update carries only the changed fields of a record.
type Update struct {
	OpID    string
	Ref     Ref
	Changes types.Changes
	TS      int64
}

// Delete removes a record.
type Delete struct {
	OpID string
	Ref  Ref
	TS   int64
}

func (c Create) ID() string                        { return c.OpID }
func (c Create) Target() Ref                       { return Ref{LocalID: c.LocalID} }
func (c Create) Timestamp() int64                  { return c.TS }
func (Create) kind() store.OperationKind           { return store.KindCreate }
func (c Create) payload() (json.RawMessage, error) { return json.Marshal(c.Fields) }

func (u Update) ID() string                        { return u.OpID }
func (u Update) Target() Ref                       { return u.Ref }
func (u Update) Timestamp() int64                  { return u.TS }
func (Update) kind() store.OperationKind           { return store.KindUpdate }
func (u Update) payload() (json.RawMessage, error) { return json.Marshal(u.Changes) }

func (d Delete) ID() string                      { return d.OpID }
func (d Delete) Target() Ref                     { return d.Ref }
func (d Delete) Timestamp() int64                { return d.TS }
func (Delete) kind() store.OperationKind         { return store.KindDelete }
func (Delete) payload() (json.RawMessage, error) { return json.RawMessage(`{}`), nil }

// CreateID returns the operation ID used for creating localID.
func CreateID(localID string) string { return createPrefix + localID }

// UpdateID returns the operation ID used for updating recordID.
func UpdateID(recordID string) string { return updatePrefix + recordID }

// DeleteID returns the operation ID used for deleting recordID.
func DeleteID(recordID string) string { return deletePrefix + recordID }

func encode(op Operation) (store.OperationRow, error) {
	if op.ID() == "" {
		return store.OperationRow{}, fmt.Errorf("encode operation: empty id")
	}
	payload, err := op.payload()
	if err != nil {
		return store.OperationRow{}, fmt.Errorf("encode %s payload: %w", op.ID(), err)
	}
	ref := op.Target()
	row := store.OperationRow{
		ID:        op.ID(),
		Kind:      op.kind(),
		LocalID:   ref.LocalID,
		ServerID:  ref.ServerID,
		Payload:   payload,
		Timestamp: op.Timestamp(),
	}
	if c, ok := op.(Create); ok {
		row.Attempted = c.Attempted
	}
	return row, nil
}

func decode(row store.OperationRow) (Operation, error) {
	ref := Ref{LocalID: row.LocalID, ServerID: row.ServerID}
	switch row.Kind {
	case store.KindCreate:
		var f types.Fields
		if err := json.Unmarshal(row.Payload, &f); err != nil {
			return nil, fmt.Errorf("decode create %s: %w", row.ID, err)
		}
		f.Status = f.Status.Normalize()
		return Create{OpID: row.ID, LocalID: row.LocalID, Fields: f, TS: row.Timestamp, Attempted: row.Attempted}, nil
	case store.KindUpdate:
		var ch types.Changes
		if err := json.Unmarshal(row.Payload, &ch); err != nil {
			return nil, fmt.Errorf("decode update %s: %w", row.ID, err)
		}
		return Update{OpID: row.ID, Ref: ref, Changes: ch, TS: row.Timestamp}, nil
	case store.KindDelete:
		return Delete{OpID: row.ID, Ref: ref, TS: row.Timestamp}, nil
	}
	return nil, fmt.Errorf("decode %s: unknown kind %q", row.ID, row.Kind)
}
