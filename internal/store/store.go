// Package store implements the daemon's persistent state on a single-file
// SQLite database. Writes are applied synchronously to the connection; the
// WAL is persisted to the main database file by a trailing debounced
// checkpoint and synchronously on Close.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/common/sqlite"
)

// flushDebounce is the trailing delay between the last write and the WAL
// checkpoint that persists it to the main database file.
const flushDebounce = 500 * time.Millisecond

// Store provides synchronous, fully-populated entity access backed by SQLite.
// A single Store owns the database file for the lifetime of the daemon.
type Store struct {
	db     *sqlx.DB
	logger *logger.Logger

	flushMu    sync.Mutex
	flushTimer *time.Timer
	closed     bool
}

// Open opens (or creates) the database at dbPath and runs migrations.
func Open(dbPath string, log *logger.Logger) (*Store, error) {
	normalized := normalizePath(dbPath)
	if err := ensureDir(normalized); err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_mode=rwc", normalized)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, logger: log.WithFields(zap.String("component", "store"))}

	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

func normalizePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}

func ensureDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// Close flushes outstanding WAL contents synchronously and closes the
// database.
func (s *Store) Close() error {
	s.flushMu.Lock()
	s.closed = true
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	s.flushMu.Unlock()

	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Warn("final checkpoint failed", zap.Error(err))
	}
	return s.db.Close()
}

// Ping runs a trivial query; used by the health checker to measure store
// latency.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	return s.db.GetContext(ctx, &one, "SELECT 1")
}

// DB exposes the raw handle for tests.
func (s *Store) DB() *sql.DB {
	return s.db.DB
}

// markDirty schedules the trailing debounced checkpoint after a write.
func (s *Store) markDirty() {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	if s.closed {
		return
	}
	if s.flushTimer != nil {
		s.flushTimer.Reset(flushDebounce)
		return
	}
	s.flushTimer = time.AfterFunc(flushDebounce, s.flush)
}

func (s *Store) flush() {
	s.flushMu.Lock()
	if s.closed {
		s.flushMu.Unlock()
		return
	}
	s.flushTimer = nil
	s.flushMu.Unlock()

	if _, err := s.db.Exec("PRAGMA wal_checkpoint(PASSIVE)"); err != nil {
		s.logger.Warn("checkpoint failed", zap.Error(err))
	}
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS lanes (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		server_id TEXT NOT NULL DEFAULT 'local',
		working_directory TEXT DEFAULT '',
		session_name TEXT NOT NULL,
		session_active INTEGER NOT NULL DEFAULT 0,
		ai_provider TEXT DEFAULT '',
		ai_model TEXT DEFAULT '',
		context_instructions TEXT DEFAULT '',
		default_toggles TEXT DEFAULT '{}',
		memory_file_id TEXT DEFAULT '',
		memory_path TEXT DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		description TEXT NOT NULL,
		input TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'PENDING',
		kanban_column TEXT NOT NULL DEFAULT 'backlog',
		priority INTEGER NOT NULL DEFAULT 5,
		swim_lane_id TEXT DEFAULT '',
		parent_task_id TEXT DEFAULT '',
		target_role TEXT DEFAULT '',
		assigned_agent_id TEXT DEFAULT '',
		auto_start INTEGER,
		auto_pilot INTEGER,
		auto_close INTEGER,
		use_worktree INTEGER,
		use_memory INTEGER,
		ai_provider TEXT DEFAULT '',
		ai_model TEXT DEFAULT '',
		server_override TEXT DEFAULT '',
		working_directory_override TEXT DEFAULT '',
		tmux_server_id TEXT DEFAULT '',
		tmux_session_name TEXT DEFAULT '',
		tmux_window_index INTEGER,
		tmux_pane_index INTEGER,
		worktree_path TEXT DEFAULT '',
		error_message TEXT DEFAULT '',
		output TEXT DEFAULT '',
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER,
		done_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS subtask_relations (
		parent_id TEXT NOT NULL,
		child_id TEXT NOT NULL,
		position INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (parent_id, child_id)
	);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		task_id TEXT NOT NULL,
		depends_on_id TEXT NOT NULL,
		PRIMARY KEY (task_id, depends_on_id)
	);

	CREATE TABLE IF NOT EXISTS task_tags (
		task_id TEXT NOT NULL,
		tag TEXT NOT NULL,
		PRIMARY KEY (task_id, tag)
	);

	CREATE TABLE IF NOT EXISTS task_comments (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		author_type TEXT NOT NULL DEFAULT 'user',
		author_id TEXT DEFAULT '',
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_status_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		from_column TEXT NOT NULL,
		to_column TEXT NOT NULL,
		changed_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		template_id TEXT DEFAULT '',
		name TEXT NOT NULL,
		role TEXT DEFAULT '',
		ai_provider TEXT DEFAULT '',
		state TEXT NOT NULL DEFAULT 'SPAWNING',
		server_id TEXT DEFAULT 'local',
		session_name TEXT DEFAULT '',
		window_index INTEGER NOT NULL DEFAULT 0,
		pane_index INTEGER NOT NULL DEFAULT 0,
		team_id TEXT DEFAULT '',
		current_task_id TEXT DEFAULT '',
		error_message TEXT DEFAULT '',
		persona TEXT DEFAULT '',
		created_at INTEGER NOT NULL,
		last_activity_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS teams (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		purpose TEXT DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS team_members (
		team_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		PRIMARY KEY (team_id, agent_id)
	);

	CREATE TABLE IF NOT EXISTS pipelines (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		lane_id TEXT DEFAULT '',
		stages TEXT DEFAULT '[]',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pipeline_runs (
		id TEXT PRIMARY KEY,
		pipeline_id TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'RUNNING',
		task_ids TEXT DEFAULT '[]',
		current_wave INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER NOT NULL,
		completed_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS roles (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS backends (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		settings TEXT DEFAULT '{}',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		backend_id TEXT NOT NULL,
		task_id TEXT DEFAULT '',
		operation TEXT NOT NULL,
		message TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_lane ON tasks(swim_lane_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_column ON tasks(kanban_column);
	CREATE INDEX IF NOT EXISTS idx_deps_on ON task_dependencies(depends_on_id);
	CREATE INDEX IF NOT EXISTS idx_history_task ON task_status_history(task_id);
	CREATE INDEX IF NOT EXISTS idx_comments_task ON task_comments(task_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// migrate applies tolerant additive migrations plus the one-shot data
// migration relocating legacy auto-close summaries. Safe to run repeatedly
// and tolerant of partial prior runs.
func (s *Store) migrate() error {
	additive := []struct {
		table, column, definition string
	}{
		{"tasks", "done_at", "INTEGER"},
		{"tasks", "worktree_path", "TEXT DEFAULT ''"},
		{"tasks", "use_memory", "INTEGER"},
		{"tasks", "working_directory_override", "TEXT DEFAULT ''"},
		{"lanes", "memory_file_id", "TEXT DEFAULT ''"},
		{"lanes", "memory_path", "TEXT DEFAULT ''"},
		{"agents", "template_id", "TEXT DEFAULT ''"},
		{"agents", "persona", "TEXT DEFAULT ''"},
	}
	for _, m := range additive {
		if err := sqlite.EnsureColumn(s.db.DB, m.table, m.column, m.definition); err != nil {
			return fmt.Errorf("ensure %s.%s: %w", m.table, m.column, err)
		}
	}
	return s.migrateLegacySummaries()
}

// legacySummaryHeader is the block header older daemons appended to the task
// description after auto-close captured a session.
const legacySummaryHeader = "**Auto-Close Summary:**"

// migrateLegacySummaries moves auto-close summary blocks out of description
// and into input, relabeling the header.
func (s *Store) migrateLegacySummaries() error {
	rows, err := s.db.Query(
		"SELECT id, description, input FROM tasks WHERE description LIKE ?",
		"%"+legacySummaryHeader+"%")
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	type fix struct{ id, description, input string }
	var fixes []fix
	for rows.Next() {
		var f fix
		if err := rows.Scan(&f.id, &f.description, &f.input); err != nil {
			return err
		}
		idx := strings.Index(f.description, legacySummaryHeader)
		block := f.description[idx:]
		f.description = strings.TrimRight(f.description[:idx], "\n ")
		block = strings.Replace(block, legacySummaryHeader, "**Session Summary**", 1)
		if f.input != "" {
			f.input += "\n\n"
		}
		f.input += block
		fixes = append(fixes, f)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, f := range fixes {
		if _, err := s.db.Exec(
			"UPDATE tasks SET description = ?, input = ? WHERE id = ?",
			f.description, f.input, f.id); err != nil {
			return err
		}
	}
	if len(fixes) > 0 {
		s.logger.Info("relocated legacy auto-close summaries", zap.Int("tasks", len(fixes)))
		s.markDirty()
	}
	return nil
}
