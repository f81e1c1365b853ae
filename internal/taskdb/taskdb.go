// Package taskdb is the SQLite store behind the reference remote server.
// Records are keyed by server-issued 24-hex identifiers and may carry a
// client key that makes creation idempotent.
package taskdb

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hyperengineering/todosync/internal/store"
	"github.com/hyperengineering/todosync/internal/types"
	"github.com/hyperengineering/todosync/migrations"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no task has the requested identifier.
var ErrNotFound = errors.New("task not found")

// DB is the server-side task store.
type DB struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path and applies the
// server migrations.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", store.DSN(path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := migrations.Apply(db, migrations.ServerDir); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &DB{db: db, now: time.Now}, nil
}

// Close releases the database handle.
func (d *DB) Close() error {
	return d.db.Close()
}

// NewID returns a 24-hex identifier: a 4-byte big-endian Unix timestamp
// followed by 8 random bytes.
func NewID(now time.Time) string {
	var b [12]byte
	binary.BigEndian.PutUint32(b[:4], uint32(now.Unix()))
	if _, err := rand.Read(b[4:]); err != nil {
		panic(fmt.Sprintf("read random bytes: %v", err))
	}
	return hex.EncodeToString(b[:])
}

const columns = `id, client_id, title, description, status, created_at`

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func scan(row interface{ Scan(...any) error }) (*types.Task, error) {
	var t types.Task
	var clientID sql.NullString
	var status, createdAt string
	if err := row.Scan(&t.ID, &clientID, &t.Title, &t.Description, &status, &createdAt); err != nil {
		return nil, err
	}
	t.ClientID = clientID.String
	t.Status = types.Status(status).Normalize()
	if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		t.CreatedAt = &ts
	}
	return &t, nil
}

func get(ctx context.Context, q queryer, id string) (*types.Task, error) {
	t, err := scan(q.QueryRowContext(ctx, `SELECT `+columns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

func (d *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// List returns every task, oldest first.
func (d *DB) List(ctx context.Context) ([]types.Task, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+columns+` FROM tasks ORDER BY created_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []types.Task{}
	for rows.Next() {
		t, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// Get returns the task with the given identifier.
func (d *DB) Get(ctx context.Context, id string) (*types.Task, error) {
	return get(ctx, d.db, id)
}

// Count returns the number of stored tasks.
func (d *DB) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}

// Create stores a new task. When req.ClientID is set and already known the
// existing task is overwritten with the request's values and returned, so
// retried creations never duplicate. created is false in that case.
func (d *DB) Create(ctx context.Context, req types.CreateRequest) (t *types.Task, created bool, err error) {
	err = d.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		t, created, err = d.upsert(ctx, tx, types.BulkSyncEntry{
			ClientID:    req.ClientID,
			Title:       req.Title,
			Description: req.Description,
			Status:      req.Status,
		})
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return t, created, nil
}

// Update applies the set fields of ch to the task with the given identifier.
func (d *DB) Update(ctx context.Context, id string, ch types.Changes) (*types.Task, error) {
	var out *types.Task
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		t, err := get(ctx, tx, id)
		if err != nil {
			return err
		}
		updated := ch.ApplyTask(*t)
		updated.Status = updated.Status.Normalize()
		_, err = tx.ExecContext(ctx,
			`UPDATE tasks SET title = ?, description = ?, status = ?, updated_at = ? WHERE id = ?`,
			updated.Title, updated.Description, string(updated.Status), d.stamp(), id)
		if err != nil {
			return fmt.Errorf("update task %s: %w", id, err)
		}
		out = &updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes the task with the given identifier. Deleting a missing
// task is not an error; deleted reports whether a row was removed.
func (d *DB) Delete(ctx context.Context, id string) (deleted bool, err error) {
	res, err := d.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete task %s: %w", id, err)
	}
	return n > 0, nil
}

// BulkSync upserts every entry by client key in one transaction and
// returns the identifier assigned to each, in request order.
func (d *DB) BulkSync(ctx context.Context, entries []types.BulkSyncEntry) ([]types.IDMapping, error) {
	mapping := make([]types.IDMapping, 0, len(entries))
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		for _, e := range entries {
			t, _, err := d.upsert(ctx, tx, e)
			if err != nil {
				return err
			}
			mapping = append(mapping, types.IDMapping{ClientID: e.ClientID, ServerID: t.ID})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return mapping, nil
}

// upsert writes e, matching an existing row by client key when one is set.
func (d *DB) upsert(ctx context.Context, tx *sql.Tx, e types.BulkSyncEntry) (t *types.Task, created bool, err error) {
	status := e.Status.Normalize()
	stamp := d.stamp()

	if e.ClientID != "" {
		var id string
		err := tx.QueryRowContext(ctx, `SELECT id FROM tasks WHERE client_id = ?`, e.ClientID).Scan(&id)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return nil, false, fmt.Errorf("lookup client key %s: %w", e.ClientID, err)
		default:
			_, err := tx.ExecContext(ctx,
				`UPDATE tasks SET title = ?, description = ?, status = ?, updated_at = ? WHERE id = ?`,
				e.Title, e.Description, string(status), stamp, id)
			if err != nil {
				return nil, false, fmt.Errorf("update task %s: %w", id, err)
			}
			t, err := get(ctx, tx, id)
			return t, false, err
		}
	}

	id := NewID(d.now())
	var clientID sql.NullString
	if e.ClientID != "" {
		clientID = sql.NullString{String: e.ClientID, Valid: true}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO tasks (id, client_id, title, description, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, clientID, e.Title, e.Description, string(status), stamp, stamp)
	if err != nil {
		return nil, false, fmt.Errorf("insert task: %w", err)
	}
	t, err = get(ctx, tx, id)
	return t, true, err
}

func (d *DB) stamp() string {
	return d.now().UTC().Format(time.RFC3339Nano)
}
