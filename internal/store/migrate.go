package store

import "fmt"

// Migrate applies all pending schema migrations.
func (s *SQLStore) Migrate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := s.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     []string
	}{
		{1, migrationV1Tasks},
		{2, migrationV2Indexes},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := s.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		for _, stmt := range m.sql {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("apply migration v%d: %w", m.version, err)
			}
		}

		if _, err := tx.Exec(s.rebind("INSERT INTO schema_version (version) VALUES (?)"), m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// SchemaVersion returns the highest applied migration.
func (s *SQLStore) SchemaVersion() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var v int
	if err := s.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("get schema version: %w", err)
	}
	return v, nil
}

// Statements are kept to the dialect shared by SQLite and PostgreSQL and
// split one per entry because lib/pq rejects multi-statement Exec with args.
var migrationV1Tasks = []string{`
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	namespace TEXT NOT NULL DEFAULT 'current',
	status TEXT NOT NULL,
	capability_tag TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	parent_id TEXT NOT NULL DEFAULT '',
	created_ns BIGINT NOT NULL,
	revision BIGINT NOT NULL,
	record TEXT NOT NULL
)`,
}

var migrationV2Indexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_tasks_pick ON tasks(namespace, status, priority DESC, created_ns)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_parent_id ON tasks(parent_id)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_capability ON tasks(capability_tag)`,
}
