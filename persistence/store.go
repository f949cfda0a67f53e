// Package persistence implements the sqlite-backed stores for Tasks,
// Thoughts, Correlations, graph memory, and ScheduledTasks. Every store
// shares one *sql.DB opened in WAL mode; writes against a given entity
// kind serialize through that kind's own mutex so concurrent processor
// rounds don't interleave writes to the same table, while reads and
// writes to different tables proceed independently.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ciris-ai/ciris-core"
	"github.com/ciris-ai/ciris-core/clock"
)

// Store bundles every typed store over one database connection.
type Store struct {
	db     *sql.DB
	clock  clock.Clock
	logger ciris.Logger
	cfg    ciris.PersistenceConfig

	taskMu       sync.Mutex
	thoughtMu    sync.Mutex
	correlationMu sync.Mutex
	graphMu      sync.Mutex
	scheduledMu  sync.Mutex
}

// Open creates or opens the sqlite database at cfg.DBPath and runs
// pending migrations.
func Open(cl clock.Clock, logger ciris.Logger, cfg ciris.PersistenceConfig) (*Store, error) {
	if logger == nil {
		logger = ciris.NoOpLogger{}
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("persistence: create data directory: %w", err)
	}
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("persistence: open database: %w", err)
	}

	s := &Store{db: db, clock: cl, logger: logger, cfg: cfg}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

type migration struct {
	version int
	stmt    string
}

var migrations = []migration{
	{1, `CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, applied_at DATETIME NOT NULL)`},
	{2, `CREATE TABLE IF NOT EXISTS tasks (
		task_id TEXT PRIMARY KEY,
		description TEXT NOT NULL,
		status TEXT NOT NULL,
		priority INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		parent_task_id TEXT,
		context_json TEXT NOT NULL,
		outcome_json TEXT,
		signed_by TEXT,
		signature BLOB,
		signed_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task_id);`},
	{3, `CREATE TABLE IF NOT EXISTS thoughts (
		thought_id TEXT PRIMARY KEY,
		source_task_id TEXT NOT NULL,
		thought_type TEXT NOT NULL,
		status TEXT NOT NULL,
		round_number INTEGER NOT NULL,
		content TEXT NOT NULL,
		context_json TEXT NOT NULL,
		ponder_count INTEGER NOT NULL DEFAULT 0,
		parent_thought_id TEXT,
		final_action TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (source_task_id) REFERENCES tasks(task_id)
	);
	CREATE INDEX IF NOT EXISTS idx_thoughts_task ON thoughts(source_task_id);
	CREATE INDEX IF NOT EXISTS idx_thoughts_status ON thoughts(status);`},
	{4, `CREATE TABLE IF NOT EXISTS correlations (
		correlation_id TEXT PRIMARY KEY,
		service_type TEXT NOT NULL,
		correlation_type TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		metric_name TEXT,
		metric_value REAL,
		log_level TEXT,
		log_message TEXT,
		tags_json TEXT,
		retention_policy TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_correlations_type ON correlations(correlation_type);
	CREATE INDEX IF NOT EXISTS idx_correlations_timestamp ON correlations(timestamp);`},
	{5, `CREATE TABLE IF NOT EXISTS graph_nodes (
		id TEXT NOT NULL,
		scope TEXT NOT NULL,
		type TEXT NOT NULL,
		attributes_json TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (id, scope)
	);
	CREATE TABLE IF NOT EXISTS graph_edges (
		from_id TEXT NOT NULL,
		to_id TEXT NOT NULL,
		scope TEXT NOT NULL,
		relation TEXT NOT NULL,
		attributes_json TEXT,
		PRIMARY KEY (from_id, to_id, scope, relation)
	);
	CREATE INDEX IF NOT EXISTS idx_graph_nodes_type ON graph_nodes(type);
	CREATE INDEX IF NOT EXISTS idx_graph_edges_from ON graph_edges(from_id);`},
	{6, `CREATE TABLE IF NOT EXISTS scheduled_tasks (
		id TEXT PRIMARY KEY,
		goal_description TEXT NOT NULL,
		status TEXT NOT NULL,
		defer_until DATETIME,
		schedule_cron TEXT,
		trigger_prompt TEXT NOT NULL,
		origin_thought_id TEXT,
		next_trigger_at DATETIME NOT NULL,
		deferral_count INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_scheduled_next_trigger ON scheduled_tasks(next_trigger_at);
	CREATE INDEX IF NOT EXISTS idx_scheduled_status ON scheduled_tasks(status);`},
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, migrations[0].stmt); err != nil {
		return fmt.Errorf("persistence: bootstrap migrations table: %w", err)
	}

	var applied int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = 1`).Scan(&applied); err != nil {
		return fmt.Errorf("persistence: check bootstrap: %w", err)
	}
	if applied == 0 {
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (1, ?)`, s.clock.Now()); err != nil {
			return err
		}
	}

	for _, m := range migrations[1:] {
		var count int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, m.version).Scan(&count); err != nil {
			return fmt.Errorf("persistence: check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue
		}
		if _, err := s.db.ExecContext(ctx, m.stmt); err != nil {
			return fmt.Errorf("persistence: apply migration %d: %w", m.version, err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, m.version, s.clock.Now()); err != nil {
			return fmt.Errorf("persistence: record migration %d: %w", m.version, err)
		}
		s.logger.Info("applied migration", map[string]interface{}{"version": m.version})
	}
	return nil
}
