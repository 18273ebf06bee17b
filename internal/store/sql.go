package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/ShayCichocki/hive/pkg/models"
)

// SQL driver names accepted by OpenSQL.
const (
	DriverSQLite   = "sqlite"
	DriverSQLite3  = "sqlite3"
	DriverPostgres = "postgres"
)

// SQLStore keeps task records in a single table of a SQL database. The
// full record is stored as its canonical JSON next to the indexed columns
// used for filtering and ordering.
type SQLStore struct {
	conn   *sql.DB
	driver string
	dsn    string
	mu     sync.RWMutex
}

// OpenSQL opens a SQL-backed store. For the SQLite drivers dsn is a file
// path and parent directories are created.
func OpenSQL(driver, dsn string) (*SQLStore, error) {
	switch driver {
	case DriverSQLite, DriverSQLite3:
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		if driver == DriverSQLite3 {
			return nil, fmt.Errorf("open database (sqlite3 needs a cgo build): %w", err)
		}
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &SQLStore{conn: conn, driver: driver, dsn: dsn}
	if s.isSQLite() {
		conn.SetMaxOpenConns(1)
		if err := s.applyPragmas(); err != nil {
			conn.Close()
			return nil, err
		}
	}

	if err := s.Migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) isSQLite() bool {
	return s.driver == DriverSQLite || s.driver == DriverSQLite3
}

func (s *SQLStore) applyPragmas() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := s.conn.Exec(p); err != nil {
			return fmt.Errorf("apply %q: %w", p, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Create inserts a new record; the primary key enforces uniqueness across
// both namespaces.
func (s *SQLStore) Create(ctx context.Context, t *models.Task) error {
	if err := ValidateID(t.ID); err != nil {
		return fmt.Errorf("create task %q: %w", t.ID, err)
	}

	t.Revision = 1
	data, err := models.Encode(t)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.conn.ExecContext(ctx, s.rebind(`
		INSERT INTO tasks (id, namespace, status, capability_tag, priority, parent_id, created_ns, revision, record)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID, string(NamespaceCurrent), string(t.Status), t.CapabilityTag, t.Priority,
		t.ParentID, t.CreatedAt.UnixNano(), t.Revision, string(data))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create task %s: %w", t.ID, ErrDuplicateID)
		}
		return fmt.Errorf("create task %s: %w", t.ID, err)
	}
	return nil
}

// Read returns a record from either namespace.
func (s *SQLStore) Read(ctx context.Context, id string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var record string
	err := s.conn.QueryRowContext(ctx, s.rebind(`SELECT record FROM tasks WHERE id = ?`), id).Scan(&record)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("read task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read task %s: %w", id, err)
	}
	return models.Decode([]byte(record))
}

// Update applies fn and writes the result with a revision-guarded UPDATE.
func (s *SQLStore) Update(ctx context.Context, id string, fn Mutator) (*models.Task, error) {
	s.mu.RLock()
	var (
		record    string
		namespace string
	)
	err := s.conn.QueryRowContext(ctx, s.rebind(`SELECT record, namespace FROM tasks WHERE id = ?`), id).
		Scan(&record, &namespace)
	s.mu.RUnlock()
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("update task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("update task %s: %w", id, err)
	}
	if namespace != string(NamespaceCurrent) {
		return nil, fmt.Errorf("update task %s: %w", id, ErrArchived)
	}

	cur, err := models.Decode([]byte(record))
	if err != nil {
		return nil, err
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = cur.ID
	next.Revision = cur.Revision + 1

	data, err := models.Encode(next)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.conn.ExecContext(ctx, s.rebind(`
		UPDATE tasks
		SET status = ?, capability_tag = ?, priority = ?, parent_id = ?, revision = ?, record = ?
		WHERE id = ? AND revision = ? AND namespace = ?`),
		string(next.Status), next.CapabilityTag, next.Priority, next.ParentID, next.Revision, string(data),
		id, cur.Revision, string(NamespaceCurrent))
	if err != nil {
		if isBusy(err) {
			return nil, fmt.Errorf("update task %s: %w", id, ErrConflict)
		}
		return nil, fmt.Errorf("update task %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update task %s: %w", id, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("update task %s: revision %d changed: %w", id, cur.Revision, ErrConflict)
	}
	return next, nil
}

// Scan runs the query when iteration starts. Rows are drained before the
// first yield so callers may write to the store from inside the loop
// without waiting on the single SQLite connection.
func (s *SQLStore) Scan(ctx context.Context, f Filter) iter.Seq2[*models.Task, error] {
	return func(yield func(*models.Task, error) bool) {
		records, err := s.queryRecords(ctx, f)
		if err != nil {
			yield(nil, err)
			return
		}

		for _, record := range records {
			t, err := models.Decode([]byte(record))
			if err != nil {
				yield(nil, err)
				return
			}
			if !f.Matches(t) {
				continue
			}
			if !yield(t, nil) {
				return
			}
		}
	}
}

func (s *SQLStore) queryRecords(ctx context.Context, f Filter) ([]string, error) {
	query, args := s.buildListQuery(f)

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var records []string
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return records, nil
}

func (s *SQLStore) buildListQuery(f Filter) (string, []any) {
	var (
		where []string
		args  []any
	)

	if ns := f.namespace(); ns != NamespaceAll {
		where = append(where, "namespace = ?")
		args = append(args, string(ns))
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if f.CapabilityTag != "" {
		where = append(where, "capability_tag = ?")
		args = append(args, f.CapabilityTag)
	}
	if f.ParentID != "" {
		where = append(where, "parent_id = ?")
		args = append(args, f.ParentID)
	}
	if f.MinPriority != nil {
		where = append(where, "priority >= ?")
		args = append(args, *f.MinPriority)
	}

	query := "SELECT record FROM tasks"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY priority DESC, created_ns ASC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(f.Limit)
	}
	return s.rebind(query), args
}

// Archive flips a terminal record's namespace column.
func (s *SQLStore) Archive(ctx context.Context, id string) error {
	t, err := s.Read(ctx, id)
	if err != nil {
		return fmt.Errorf("archive task %s: %w", id, err)
	}

	live, err := List(ctx, s, Filter{})
	if err != nil {
		return fmt.Errorf("archive task %s: %w", id, err)
	}
	if err := checkArchivable(t, live); err != nil {
		return fmt.Errorf("archive task %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.conn.ExecContext(ctx, s.rebind(`
		UPDATE tasks SET namespace = ? WHERE id = ? AND revision = ? AND namespace = ?`),
		string(NamespaceArchived), id, t.Revision, string(NamespaceCurrent))
	if err != nil {
		return fmt.Errorf("archive task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("archive task %s: %w", id, ErrConflict)
	}
	return nil
}

// isUniqueViolation recognises primary key collisions from every driver.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}

// isBusy reports SQLite lock contention that outlived busy_timeout.
func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

var _ Store = (*SQLStore)(nil)
