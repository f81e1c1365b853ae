package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hyperengineering/todosync/internal/types"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the SQLite-backed client cache.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at dbPath and
// applies migrations. Write transactions take the lock immediately so
// concurrent writers wait on busy_timeout instead of failing mid-transaction.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", DSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// DSN builds a modernc.org/sqlite connection string that applies the
// pragmas on every pooled connection.
func DSN(path string) string {
	params := []string{
		"_pragma=busy_timeout(5000)",
		"_pragma=journal_mode(WAL)",
		"_pragma=foreign_keys(1)",
		"_pragma=synchronous(NORMAL)",
		"_txlock=immediate",
	}
	return path + "?" + strings.Join(params, "&")
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
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

// --- records ---

const taskColumns = `id, title, description, status, client_id, created_at, pending`

func scanTask(scanner interface{ Scan(...any) error }) (*types.Task, error) {
	var t types.Task
	var status string
	var createdAt sql.NullString
	var pending int

	if err := scanner.Scan(&t.ID, &t.Title, &t.Description, &status, &t.ClientID, &createdAt, &pending); err != nil {
		return nil, err
	}

	t.Status = types.Status(status).Normalize()
	t.Pending = pending != 0
	if createdAt.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, createdAt.String); err == nil {
			t.CreatedAt = &ts
		}
	}
	return &t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func putTask(ctx context.Context, q queryer, t types.Task) error {
	if t.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidRecord)
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			status = excluded.status,
			client_id = excluded.client_id,
			created_at = excluded.created_at,
			pending = excluded.pending
	`, t.ID, t.Title, t.Description, string(t.Status.Normalize()), t.ClientID, nullTime(t.CreatedAt), boolInt(t.Pending))
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", t.ID, err)
	}
	return nil
}

func getTask(ctx context.Context, q queryer, id string) (*types.Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	return t, nil
}

// PutRecord inserts or replaces a record, keyed by its ID.
func (s *SQLiteStore) PutRecord(ctx context.Context, task types.Task) error {
	return putTask(ctx, s.db, task)
}

// GetRecord returns the record keyed by id, or ErrNotFound.
func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*types.Task, error) {
	return getTask(ctx, s.db, id)
}

// GetAllRecords returns every cached record in insertion order.
func (s *SQLiteStore) GetAllRecords(ctx context.Context) ([]types.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	tasks := []types.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

// DeleteRecord removes the record keyed by id. Deleting an absent record is not an error.
func (s *SQLiteStore) DeleteRecord(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

// ReplaceAllRecords atomically clears the cache and inserts tasks.
func (s *SQLiteStore) ReplaceAllRecords(ctx context.Context, tasks []types.Task) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks`); err != nil {
			return fmt.Errorf("clear tasks: %w", err)
		}
		for _, t := range tasks {
			if err := putTask(ctx, tx, t); err != nil {
				return err
			}
		}
		return nil
	})
}

// SwapRecord atomically removes oldID and stores task under its own ID.
func (s *SQLiteStore) SwapRecord(ctx context.Context, oldID string, task types.Task) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, oldID); err != nil {
			return fmt.Errorf("delete task %s: %w", oldID, err)
		}
		return putTask(ctx, tx, task)
	})
}

// UpdateRecord runs fn against the record keyed by id inside one transaction
// and persists the result. If id is a local identifier whose record has
// already been promoted, the promoted record is updated instead.
func (s *SQLiteStore) UpdateRecord(ctx context.Context, id string, fn func(*types.Task) error) (*types.Task, error) {
	var updated *types.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		t, err := getTask(ctx, tx, id)
		if errors.Is(err, ErrNotFound) {
			serverID, merr := getMapping(ctx, tx, id)
			if merr != nil {
				if errors.Is(merr, ErrNotFound) {
					return ErrNotFound
				}
				return merr
			}
			t, err = getTask(ctx, tx, serverID)
		}
		if err != nil {
			return err
		}

		originalID := t.ID
		if err := fn(t); err != nil {
			return err
		}
		t.ID = originalID

		if err := putTask(ctx, tx, *t); err != nil {
			return err
		}
		updated = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// --- outbox ---

const operationColumns = `id, kind, local_id, server_id, payload, ts, seq, attempted`

func scanOperation(scanner interface{ Scan(...any) error }) (*OperationRow, error) {
	var r OperationRow
	var kind, payload string
	var attempted int
	if err := scanner.Scan(&r.ID, &kind, &r.LocalID, &r.ServerID, &payload, &r.Timestamp, &r.Seq, &attempted); err != nil {
		return nil, err
	}
	r.Kind = OperationKind(kind)
	r.Attempted = attempted != 0
	r.Payload = []byte(payload)
	return &r, nil
}

// EnqueueOperation inserts row, or overwrites the queued row with the same
// ID. Either way the row receives a fresh insertion sequence, which is returned.
// An overwrite never clears the attempted flag.
func (s *SQLiteStore) EnqueueOperation(ctx context.Context, row OperationRow) (int64, error) {
	if row.ID == "" {
		return 0, fmt.Errorf("%w: empty operation id", ErrInvalidRecord)
	}
	payload := string(row.Payload)
	if payload == "" {
		payload = "{}"
	}

	var seq int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM outbox`).Scan(&seq); err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO outbox (`+operationColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				kind = excluded.kind,
				local_id = excluded.local_id,
				server_id = excluded.server_id,
				payload = excluded.payload,
				ts = excluded.ts,
				seq = excluded.seq,
				attempted = MAX(outbox.attempted, excluded.attempted)
		`, row.ID, string(row.Kind), row.LocalID, row.ServerID, payload, row.Timestamp, seq, boolInt(row.Attempted))
		if err != nil {
			return fmt.Errorf("enqueue operation %s: %w", row.ID, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// ListOperations returns all queued operations ordered by timestamp,
// ties broken by insertion sequence.
func (s *SQLiteStore) ListOperations(ctx context.Context) ([]OperationRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+operationColumns+` FROM outbox ORDER BY ts ASC, seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var ops []OperationRow
	for rows.Next() {
		r, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		ops = append(ops, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return ops, nil
}

// GetOperation returns the queued operation with the given ID, or ErrNoOperation.
func (s *SQLiteStore) GetOperation(ctx context.Context, id string) (*OperationRow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM outbox WHERE id = ?`, id)
	r, err := scanOperation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoOperation
		}
		return nil, fmt.Errorf("scan operation: %w", err)
	}
	return r, nil
}

// ClearOperations removes every queued operation.
func (s *SQLiteStore) ClearOperations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM outbox`); err != nil {
		return fmt.Errorf("clear outbox: %w", err)
	}
	return nil
}

// DeleteOperations removes the rows matching both ID and sequence.
// Rows overwritten since they were read are left in place.
func (s *SQLiteStore) DeleteOperations(ctx context.Context, keys []OperationKey) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	var removed int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, k := range keys {
			res, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE id = ? AND seq = ?`, k.ID, k.Seq)
			if err != nil {
				return fmt.Errorf("delete operation %s: %w", k.ID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("get rows affected: %w", err)
			}
			removed += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// DiscardOperations removes every queued operation that references recordID.
func (s *SQLiteStore) DiscardOperations(ctx context.Context, recordID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE local_id = ? OR server_id = ?`, recordID, recordID)
	if err != nil {
		return 0, fmt.Errorf("discard operations for %s: %w", recordID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return n, nil
}

// MarkAttempted flags the given operations as sent at least once. The
// insertion sequence is left alone so drained keys still acknowledge them.
func (s *SQLiteStore) MarkAttempted(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `UPDATE outbox SET attempted = 1 WHERE id = ?`, id); err != nil {
				return fmt.Errorf("mark %s attempted: %w", id, err)
			}
		}
		return nil
	})
}

// MaxOperationTimestamp returns the highest queued timestamp, or 0.
func (s *SQLiteStore) MaxOperationTimestamp(ctx context.Context) (int64, error) {
	var ts int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(ts), 0) FROM outbox`).Scan(&ts); err != nil {
		return 0, fmt.Errorf("max operation timestamp: %w", err)
	}
	return ts, nil
}

// --- identifier mappings ---

func getMapping(ctx context.Context, q queryer, localID string) (string, error) {
	var serverID string
	err := q.QueryRowContext(ctx, `SELECT server_id FROM meta WHERE local_id = ?`, localID).Scan(&serverID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get mapping: %w", err)
	}
	return serverID, nil
}

// SetMapping records that localID was assigned serverID by the remote store.
func (s *SQLiteStore) SetMapping(ctx context.Context, localID, serverID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (local_id, server_id) VALUES (?, ?)
		ON CONFLICT(local_id) DO UPDATE SET server_id = excluded.server_id
	`, localID, serverID)
	if err != nil {
		return fmt.Errorf("set mapping %s: %w", localID, err)
	}
	return nil
}

// GetMapping returns the server identifier for localID, or ErrNotFound.
func (s *SQLiteStore) GetMapping(ctx context.Context, localID string) (string, error) {
	return getMapping(ctx, s.db, localID)
}

// Mappings returns every local→server identifier mapping.
func (s *SQLiteStore) Mappings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT local_id, server_id FROM meta`)
	if err != nil {
		return nil, fmt.Errorf("query mappings: %w", err)
	}
	defer rows.Close()

	m := make(map[string]string)
	for rows.Next() {
		var local, server string
		if err := rows.Scan(&local, &server); err != nil {
			return nil, fmt.Errorf("scan mapping: %w", err)
		}
		m[local] = server
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mappings: %w", err)
	}
	return m, nil
}

// Promote re-keys the record stored under localID to serverID and clears
// its pending flag, atomically. It reports false when no record is keyed
// by localID.
func (s *SQLiteStore) Promote(ctx context.Context, localID, serverID string) (bool, error) {
	var promoted bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		t, err := getTask(ctx, tx, localID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, localID); err != nil {
			return fmt.Errorf("delete task %s: %w", localID, err)
		}
		t.ID = serverID
		t.ClientID = localID
		t.Pending = false
		if err := putTask(ctx, tx, *t); err != nil {
			return err
		}
		promoted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return promoted, nil
}

// Stats summarizes the cache, the outbox and the mapping table.
func (s *SQLiteStore) Stats(ctx context.Context) (*types.Stats, error) {
	var st types.Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(pending), 0)
		FROM tasks
	`, string(types.StatusCompleted)).Scan(&st.Total, &st.Done, &st.Unsynced)
	if err != nil {
		return nil, fmt.Errorf("task stats: %w", err)
	}
	st.Open = st.Total - st.Done

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&st.PendingOps); err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM meta`).Scan(&st.MappedLocal); err != nil {
		return nil, fmt.Errorf("mapping stats: %w", err)
	}
	return &st, nil
}
