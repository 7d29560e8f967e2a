package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/kdlbs/taskbroker/internal/db/dialect"
)

// idColumn returns the dialect-appropriate auto-incrementing primary key
// column definition, following internal/workflow/repository/sqlite.go's
// driver-name-switch idiom for schema portability.
func idColumn(driver string) string {
	if dialect.IsPostgres(driver) {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

func boolColumn(driver string) string {
	if dialect.IsPostgres(driver) {
		return "BOOLEAN"
	}
	return "INTEGER"
}

// initSchema creates every table the broker needs if it does not already
// exist. It is safe to call on every startup.
func initSchema(ctx context.Context, db *sqlx.DB) error {
	driver := db.DriverName()
	bc := boolColumn(driver)

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			role TEXT,
			capabilities TEXT NOT NULL,
			workspace_kind TEXT,
			workspace_repo_id TEXT,
			workspace_branch TEXT,
			workspace_path TEXT,
			source TEXT,
			color TEXT,
			created_at BIGINT NOT NULL,
			last_seen BIGINT NOT NULL,
			eviction_requested %s NOT NULL DEFAULT 0,
			eviction_reason TEXT,
			eviction_action TEXT
		)`, bc),

		`CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_display_name_ci ON agents (LOWER(display_name))`,

		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			prompt TEXT NOT NULL,
			title TEXT,
			priority TEXT NOT NULL,
			from_kind TEXT,
			from_id TEXT,
			from_name TEXT,
			to_agent_id TEXT,
			to_required_capabilities TEXT,
			to_workspace_id TEXT,
			assigned_to TEXT,
			context TEXT,
			response TEXT,
			dependencies TEXT,
			status TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			completed_at BIGINT,
			last_progress_at BIGINT
		)`,

		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_assigned_to ON tasks (assigned_to)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS task_messages (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp BIGINT NOT NULL,
			is_read %s NOT NULL DEFAULT 0,
			message_type TEXT,
			reply_to TEXT
		)`, bc),

		`CREATE INDEX IF NOT EXISTS idx_task_messages_task_id ON task_messages (task_id)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS task_history (
			id %s,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			status TEXT NOT NULL,
			timestamp BIGINT NOT NULL,
			detail TEXT
		)`, idColumn(driver)),

		`CREATE INDEX IF NOT EXISTS idx_task_history_task_id ON task_history (task_id)`,

		`CREATE TABLE IF NOT EXISTS progress (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			agent_id TEXT,
			phase TEXT,
			message TEXT NOT NULL,
			percentage INTEGER,
			timestamp BIGINT NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_progress_task_id ON progress (task_id)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS review_comments (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			author TEXT,
			body TEXT NOT NULL,
			resolved %s NOT NULL DEFAULT 0,
			response TEXT,
			created_at BIGINT NOT NULL,
			resolved_at BIGINT
		)`, bc),

		`CREATE INDEX IF NOT EXISTS idx_review_comments_task_id ON review_comments (task_id)`,

		`CREATE TABLE IF NOT EXISTS reservations (
			task_id TEXT PRIMARY KEY REFERENCES tasks(id) ON DELETE CASCADE,
			agent_id TEXT NOT NULL UNIQUE,
			reserved_at BIGINT NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema (%q): %w", stmt, err)
		}
	}

	return nil
}
