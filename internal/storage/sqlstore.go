package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/kdlbs/taskbroker/internal/apperrors"
	"github.com/kdlbs/taskbroker/internal/db/dialect"
	"github.com/kdlbs/taskbroker/internal/domain"
)

// sqlStore implements Store over a single sqlx.DB connection, following
// internal/workflow/repository/sqlite.go's one-query-string-plus-dialect-switch
// idiom rather than maintaining parallel SQLite/Postgres implementations.
// Writer/reader split (WAL-mode SQLite, pooled Postgres) is handled one
// layer up by db.Pool; Store only ever sees the *sqlx.DB it should use for
// a given call.
type sqlStore struct {
	writer *sqlx.DB
	reader *sqlx.DB
	driver string
}

// New wraps an already-open writer/reader pair (see internal/db.Pool) in a
// Store, creating the schema if it does not yet exist.
func New(ctx context.Context, writer, reader *sqlx.DB) (Store, error) {
	if reader == nil {
		reader = writer
	}
	if err := initSchema(ctx, writer); err != nil {
		return nil, err
	}
	return &sqlStore{writer: writer, reader: reader, driver: writer.DriverName()}, nil
}

func (s *sqlStore) Close() error {
	if s.reader != s.writer {
		if err := s.reader.Close(); err != nil {
			return err
		}
	}
	return s.writer.Close()
}

func (s *sqlStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := s.writer.BeginTxx(ctx, nil)
	if err != nil {
		return apperrors.Internal("begin transaction", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return apperrors.Internal(fmt.Sprintf("tx failed: %v, rollback failed", err), rbErr)
		}
		return err
	}
	if err = tx.Commit(); err != nil {
		return apperrors.Internal("commit transaction", err)
	}
	return nil
}

func unixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nullableUnixMs(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullableUnixMs(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromUnixMs(n.Int64)
	return &t
}

func (s *sqlStore) boolVal(b bool) any {
	if dialect.IsPostgres(s.driver) {
		return b
	}
	return dialect.BoolToInt(b)
}

// ---- agents ----

type agentRow struct {
	ID               string         `db:"id"`
	DisplayName      string         `db:"display_name"`
	Role             string         `db:"role"`
	Capabilities     string         `db:"capabilities"`
	WorkspaceKind    sql.NullString `db:"workspace_kind"`
	WorkspaceRepoID  sql.NullString `db:"workspace_repo_id"`
	WorkspaceBranch  sql.NullString `db:"workspace_branch"`
	WorkspacePath    sql.NullString `db:"workspace_path"`
	Source           string         `db:"source"`
	Color            string         `db:"color"`
	CreatedAt        int64          `db:"created_at"`
	LastSeen         int64          `db:"last_seen"`
	EvictionReq      bool           `db:"eviction_requested"`
	EvictionReason   sql.NullString `db:"eviction_reason"`
	EvictionAction   sql.NullString `db:"eviction_action"`
}

func (r *agentRow) toDomain() (*domain.Agent, error) {
	var caps []domain.Capability
	if r.Capabilities != "" {
		if err := json.Unmarshal([]byte(r.Capabilities), &caps); err != nil {
			return nil, fmt.Errorf("decode capabilities: %w", err)
		}
	}
	a := &domain.Agent{
		ID:           r.ID,
		DisplayName:  r.DisplayName,
		Role:         r.Role,
		Capabilities: domain.CapabilitySet(caps),
		Source:       domain.AgentSource(r.Source),
		Color:        r.Color,
		CreatedAt:    fromUnixMs(r.CreatedAt),
		LastSeen:     fromUnixMs(r.LastSeen),
	}
	if r.WorkspaceKind.Valid && r.WorkspaceKind.String != "" {
		a.WorkspaceContext = &domain.WorkspaceContext{
			Kind:   domain.WorkspaceKind(r.WorkspaceKind.String),
			RepoID: r.WorkspaceRepoID.String,
			Branch: r.WorkspaceBranch.String,
			Path:   r.WorkspacePath.String,
		}
	}
	if r.EvictionReq {
		a.Eviction = domain.Eviction{
			Requested: true,
			Reason:    r.EvictionReason.String,
			Action:    domain.EvictionAction(r.EvictionAction.String),
		}
	}
	return a, nil
}

func capabilitiesJSON(caps map[domain.Capability]struct{}) (string, error) {
	list := make([]domain.Capability, 0, len(caps))
	for c := range caps {
		list = append(list, c)
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *sqlStore) InsertAgent(ctx context.Context, a *domain.Agent) error {
	capsJSON, err := capabilitiesJSON(a.Capabilities)
	if err != nil {
		return apperrors.Internal("encode capabilities", err)
	}
	var wsKind, wsRepo, wsBranch, wsPath any
	if a.WorkspaceContext != nil {
		wsKind, wsRepo, wsBranch, wsPath = a.WorkspaceContext.Kind, a.WorkspaceContext.RepoID, a.WorkspaceContext.Branch, a.WorkspaceContext.Path
	}
	_, err = s.writer.ExecContext(ctx, s.writer.Rebind(`
		INSERT INTO agents (id, display_name, role, capabilities, workspace_kind, workspace_repo_id,
			workspace_branch, workspace_path, source, color, created_at, last_seen, eviction_requested)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.DisplayName, a.Role, capsJSON, wsKind, wsRepo, wsBranch, wsPath,
		string(a.Source), a.Color, unixMs(a.CreatedAt), unixMs(a.LastSeen), s.boolVal(false))
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.Conflict("agent display name already taken")
		}
		return apperrors.Internal("insert agent", err)
	}
	return nil
}

func (s *sqlStore) UpdateAgent(ctx context.Context, a *domain.Agent) error {
	capsJSON, err := capabilitiesJSON(a.Capabilities)
	if err != nil {
		return apperrors.Internal("encode capabilities", err)
	}
	var wsKind, wsRepo, wsBranch, wsPath any
	if a.WorkspaceContext != nil {
		wsKind, wsRepo, wsBranch, wsPath = a.WorkspaceContext.Kind, a.WorkspaceContext.RepoID, a.WorkspaceContext.Branch, a.WorkspaceContext.Path
	}
	res, err := s.writer.ExecContext(ctx, s.writer.Rebind(`
		UPDATE agents SET display_name = ?, role = ?, capabilities = ?, workspace_kind = ?,
			workspace_repo_id = ?, workspace_branch = ?, workspace_path = ?, source = ?, color = ?,
			last_seen = ?, eviction_requested = ?, eviction_reason = ?, eviction_action = ?
		WHERE id = ?`),
		a.DisplayName, a.Role, capsJSON, wsKind, wsRepo, wsBranch, wsPath, string(a.Source), a.Color,
		unixMs(a.LastSeen), s.boolVal(a.Eviction.Requested), nullString(a.Eviction.Reason), nullString(string(a.Eviction.Action)),
		a.ID)
	if err != nil {
		return apperrors.Internal("update agent", err)
	}
	return checkRowsAffected(res, "agent", a.ID)
}

func (s *sqlStore) HeartbeatAgent(ctx context.Context, id string, ts time.Time) error {
	res, err := s.writer.ExecContext(ctx, s.writer.Rebind(`UPDATE agents SET last_seen = ? WHERE id = ?`), unixMs(ts), id)
	if err != nil {
		return apperrors.Internal("heartbeat agent", err)
	}
	return checkRowsAffected(res, "agent", id)
}

func (s *sqlStore) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	var row agentRow
	err := s.reader.GetContext(ctx, &row, s.reader.Rebind(`SELECT * FROM agents WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("agent", id)
	}
	if err != nil {
		return nil, apperrors.Internal("get agent", err)
	}
	return row.toDomain()
}

func (s *sqlStore) GetAgentByDisplayNameCI(ctx context.Context, displayName string) (*domain.Agent, error) {
	var row agentRow
	err := s.reader.GetContext(ctx, &row, s.reader.Rebind(`SELECT * FROM agents WHERE LOWER(display_name) = LOWER(?)`), displayName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("agent", displayName)
	}
	if err != nil {
		return nil, apperrors.Internal("get agent by display name", err)
	}
	return row.toDomain()
}

func (s *sqlStore) GetAllAgents(ctx context.Context) ([]*domain.Agent, error) {
	var rows []agentRow
	if err := s.reader.SelectContext(ctx, &rows, `SELECT * FROM agents ORDER BY created_at ASC`); err != nil {
		return nil, apperrors.Internal("list agents", err)
	}
	return mapRows(rows, (*agentRow).toDomain)
}

func (s *sqlStore) GetAgentsByCapability(ctx context.Context, cap domain.Capability) ([]*domain.Agent, error) {
	all, err := s.GetAllAgents(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Agent, 0, len(all))
	for _, a := range all {
		if _, ok := a.Capabilities[cap]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *sqlStore) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.writer.ExecContext(ctx, s.writer.Rebind(`DELETE FROM agents WHERE id = ?`), id)
	if err != nil {
		return apperrors.Internal("delete agent", err)
	}
	return checkRowsAffected(res, "agent", id)
}

func (s *sqlStore) SetAgentEviction(ctx context.Context, id string, e domain.Eviction) error {
	res, err := s.writer.ExecContext(ctx, s.writer.Rebind(`
		UPDATE agents SET eviction_requested = ?, eviction_reason = ?, eviction_action = ? WHERE id = ?`),
		s.boolVal(true), e.Reason, string(e.Action), id)
	if err != nil {
		return apperrors.Internal("set agent eviction", err)
	}
	return checkRowsAffected(res, "agent", id)
}

func (s *sqlStore) ClearAgentEviction(ctx context.Context, id string) error {
	res, err := s.writer.ExecContext(ctx, s.writer.Rebind(`
		UPDATE agents SET eviction_requested = ?, eviction_reason = NULL, eviction_action = NULL WHERE id = ?`),
		s.boolVal(false), id)
	if err != nil {
		return apperrors.Internal("clear agent eviction", err)
	}
	return checkRowsAffected(res, "agent", id)
}

// ---- tasks ----

type taskRow struct {
	ID             string         `db:"id"`
	Prompt         string         `db:"prompt"`
	Title          sql.NullString `db:"title"`
	Priority       string         `db:"priority"`
	FromKind       sql.NullString `db:"from_kind"`
	FromID         sql.NullString `db:"from_id"`
	FromName       sql.NullString `db:"from_name"`
	ToAgentID      sql.NullString `db:"to_agent_id"`
	ToCapabilities sql.NullString `db:"to_required_capabilities"`
	ToWorkspaceID  sql.NullString `db:"to_workspace_id"`
	AssignedTo     sql.NullString `db:"assigned_to"`
	Context        sql.NullString `db:"context"`
	Response       sql.NullString `db:"response"`
	Dependencies   sql.NullString `db:"dependencies"`
	Status         string         `db:"status"`
	CreatedAt      int64          `db:"created_at"`
	CompletedAt    sql.NullInt64  `db:"completed_at"`
	LastProgressAt sql.NullInt64  `db:"last_progress_at"`
}

func (r *taskRow) toDomain() (*domain.Task, error) {
	t := &domain.Task{
		ID:       r.ID,
		Prompt:   r.Prompt,
		Title:    r.Title.String,
		Priority: domain.Priority(r.Priority),
		From: domain.Actor{
			Kind: domain.ActorKind(r.FromKind.String),
			ID:   r.FromID.String,
			Name: r.FromName.String,
		},
		To: domain.TaskTarget{
			AgentID:     r.ToAgentID.String,
			WorkspaceID: r.ToWorkspaceID.String,
		},
		AssignedTo:     r.AssignedTo.String,
		Response:       r.Response.String,
		Status:         domain.TaskStatus(r.Status),
		CreatedAt:      fromUnixMs(r.CreatedAt),
		CompletedAt:    fromNullableUnixMs(r.CompletedAt),
		LastProgressAt: fromNullableUnixMs(r.LastProgressAt),
	}
	if r.ToCapabilities.Valid && r.ToCapabilities.String != "" {
		var caps []domain.Capability
		if err := json.Unmarshal([]byte(r.ToCapabilities.String), &caps); err != nil {
			return nil, fmt.Errorf("decode required capabilities: %w", err)
		}
		t.To.RequiredCapabilities = domain.CapabilitySet(caps)
	}
	if r.Context.Valid && r.Context.String != "" {
		if err := json.Unmarshal([]byte(r.Context.String), &t.Context); err != nil {
			return nil, fmt.Errorf("decode context: %w", err)
		}
	}
	if r.Dependencies.Valid && r.Dependencies.String != "" {
		if err := json.Unmarshal([]byte(r.Dependencies.String), &t.Dependencies); err != nil {
			return nil, fmt.Errorf("decode dependencies: %w", err)
		}
	}
	return t, nil
}

func (s *sqlStore) InsertTask(ctx context.Context, t *domain.Task) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		capsJSON, ctxJSON, depsJSON, err := s.marshalTaskJSON(t)
		if err != nil {
			return apperrors.Internal("encode task", err)
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO tasks (id, prompt, title, priority, from_kind, from_id, from_name, to_agent_id,
				to_required_capabilities, to_workspace_id, assigned_to, context, response, dependencies,
				status, created_at, completed_at, last_progress_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			t.ID, t.Prompt, t.Title, string(t.Priority), string(t.From.Kind), t.From.ID, t.From.Name,
			t.To.AgentID, capsJSON, t.To.WorkspaceID, t.AssignedTo, ctxJSON, t.Response, depsJSON,
			string(t.Status), unixMs(t.CreatedAt), nullableUnixMs(t.CompletedAt), nullableUnixMs(t.LastProgressAt))
		if err != nil {
			return apperrors.Internal("insert task", err)
		}
		return s.insertHistoryTx(ctx, tx, t.ID, t.Status, t.CreatedAt, "created")
	})
}

func (s *sqlStore) marshalTaskJSON(t *domain.Task) (caps, context, deps string, err error) {
	caps, err = capabilitiesJSON(t.To.RequiredCapabilities)
	if err != nil {
		return
	}
	if t.Context != nil {
		b, e := json.Marshal(t.Context)
		if e != nil {
			err = e
			return
		}
		context = string(b)
	}
	if t.Dependencies != nil {
		b, e := json.Marshal(t.Dependencies)
		if e != nil {
			err = e
			return
		}
		deps = string(b)
	}
	return
}

func (s *sqlStore) insertHistoryTx(ctx context.Context, tx *sqlx.Tx, taskID string, status domain.TaskStatus, ts time.Time, detail string) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(
		`INSERT INTO task_history (task_id, status, timestamp, detail) VALUES (?, ?, ?, ?)`),
		taskID, string(status), unixMs(ts), detail)
	return err
}

func (s *sqlStore) UpdateTask(ctx context.Context, t *domain.Task) error {
	capsJSON, ctxJSON, depsJSON, err := s.marshalTaskJSON(t)
	if err != nil {
		return apperrors.Internal("encode task", err)
	}
	res, err := s.writer.ExecContext(ctx, s.writer.Rebind(`
		UPDATE tasks SET prompt = ?, title = ?, priority = ?, to_agent_id = ?, to_required_capabilities = ?,
			to_workspace_id = ?, assigned_to = ?, context = ?, response = ?, dependencies = ?, status = ?,
			completed_at = ?, last_progress_at = ?
		WHERE id = ?`),
		t.Prompt, t.Title, string(t.Priority), t.To.AgentID, capsJSON, t.To.WorkspaceID, t.AssignedTo,
		ctxJSON, t.Response, depsJSON, string(t.Status), nullableUnixMs(t.CompletedAt), nullableUnixMs(t.LastProgressAt),
		t.ID)
	if err != nil {
		return apperrors.Internal("update task", err)
	}
	return checkRowsAffected(res, "task", t.ID)
}

func (s *sqlStore) UpdateTaskStatus(ctx context.Context, id string, status domain.TaskStatus, completedAt *time.Time) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE tasks SET status = ?, completed_at = ? WHERE id = ?`),
			string(status), nullableUnixMs(completedAt), id)
		if err != nil {
			return apperrors.Internal("update task status", err)
		}
		if err := checkRowsAffected(res, "task", id); err != nil {
			return err
		}
		return s.insertHistoryTx(ctx, tx, id, status, time.Now(), "")
	})
}

func (s *sqlStore) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	var row taskRow
	err := s.reader.GetContext(ctx, &row, s.reader.Rebind(`SELECT * FROM tasks WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("task", id)
	}
	if err != nil {
		return nil, apperrors.Internal("get task", err)
	}
	t, err := row.toDomain()
	if err != nil {
		return nil, apperrors.Internal("decode task", err)
	}
	if t.Messages, err = s.GetMessages(ctx, id); err != nil {
		return nil, err
	}
	if t.History, err = s.getHistoryEntries(ctx, id); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *sqlStore) getHistoryEntries(ctx context.Context, taskID string) ([]domain.HistoryEntry, error) {
	type historyRow struct {
		Status    string `db:"status"`
		Timestamp int64  `db:"timestamp"`
		Detail    sql.NullString `db:"detail"`
	}
	var rows []historyRow
	if err := s.reader.SelectContext(ctx, &rows, s.reader.Rebind(
		`SELECT status, timestamp, detail FROM task_history WHERE task_id = ? ORDER BY id ASC`), taskID); err != nil {
		return nil, apperrors.Internal("get task history", err)
	}
	out := make([]domain.HistoryEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.HistoryEntry{
			Status:    domain.TaskStatus(r.Status),
			Timestamp: fromUnixMs(r.Timestamp),
			Detail:    r.Detail.String,
		})
	}
	return out, nil
}

func (s *sqlStore) queryTasks(ctx context.Context, where string, args ...any) ([]*domain.Task, error) {
	var rows []taskRow
	query := `SELECT * FROM tasks` + where
	if err := s.reader.SelectContext(ctx, &rows, s.reader.Rebind(query), args...); err != nil {
		return nil, apperrors.Internal("query tasks", err)
	}
	tasks, err := mapRows(rows, (*taskRow).toDomain)
	if err != nil {
		return nil, apperrors.Internal("decode tasks", err)
	}
	for _, t := range tasks {
		if t.Messages, err = s.GetMessages(ctx, t.ID); err != nil {
			return nil, err
		}
		if t.History, err = s.getHistoryEntries(ctx, t.ID); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

func (s *sqlStore) GetTasksByStatus(ctx context.Context, status domain.TaskStatus) ([]*domain.Task, error) {
	return s.queryTasks(ctx, ` WHERE status = ? ORDER BY created_at ASC`, string(status))
}

func (s *sqlStore) GetTasksByStatuses(ctx context.Context, statuses []domain.TaskStatus) ([]*domain.Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = string(st)
	}
	where := fmt.Sprintf(" WHERE status IN (%s) ORDER BY created_at ASC", strings.Join(placeholders, ", "))
	return s.queryTasks(ctx, where, args...)
}

func (s *sqlStore) GetTasksByAssignedTo(ctx context.Context, agentID string) ([]*domain.Task, error) {
	return s.queryTasks(ctx, ` WHERE assigned_to = ? ORDER BY created_at ASC`, agentID)
}

func (s *sqlStore) GetActiveTasks(ctx context.Context) ([]*domain.Task, error) {
	return s.GetTasksByStatuses(ctx, []domain.TaskStatus{
		domain.TaskQueued, domain.TaskPendingAck, domain.TaskAssigned, domain.TaskInProgress,
		domain.TaskBlocked, domain.TaskInReview, domain.TaskRejected,
		domain.TaskApprovedQueued, domain.TaskApprovedPendingAck,
	})
}

func (s *sqlStore) GetTaskHistory(ctx context.Context, filter TaskFilter) ([]*domain.Task, error) {
	where := ""
	var args []any
	if filter.Status != nil {
		where += " WHERE status = ?"
		args = append(args, string(*filter.Status))
	}
	if filter.AgentID != "" {
		if where == "" {
			where += " WHERE"
		} else {
			where += " AND"
		}
		where += " assigned_to = ?"
		args = append(args, filter.AgentID)
	}
	where += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		where += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			where += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}
	return s.queryTasks(ctx, where, args...)
}

// ---- messages ----

func (s *sqlStore) AppendMessage(ctx context.Context, taskID string, msg domain.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	_, err := s.writer.ExecContext(ctx, s.writer.Rebind(`
		INSERT INTO task_messages (id, task_id, role, content, timestamp, is_read, message_type, reply_to)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		msg.ID, taskID, string(msg.Role), msg.Content, unixMs(msg.Timestamp), s.boolVal(msg.IsRead),
		msg.MessageType, msg.ReplyTo)
	if err != nil {
		return apperrors.Internal("append message", err)
	}
	return nil
}

func (s *sqlStore) GetMessages(ctx context.Context, taskID string) ([]domain.Message, error) {
	type messageRow struct {
		ID          string `db:"id"`
		Role        string `db:"role"`
		Content     string `db:"content"`
		Timestamp   int64  `db:"timestamp"`
		IsRead      bool   `db:"is_read"`
		MessageType sql.NullString `db:"message_type"`
		ReplyTo     sql.NullString `db:"reply_to"`
	}
	var rows []messageRow
	if err := s.reader.SelectContext(ctx, &rows, s.reader.Rebind(
		`SELECT id, role, content, timestamp, is_read, message_type, reply_to FROM task_messages WHERE task_id = ? ORDER BY timestamp ASC`), taskID); err != nil {
		return nil, apperrors.Internal("get messages", err)
	}
	out := make([]domain.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.Message{
			ID:          r.ID,
			Role:        domain.MessageRole(r.Role),
			Content:     r.Content,
			Timestamp:   fromUnixMs(r.Timestamp),
			IsRead:      r.IsRead,
			MessageType: r.MessageType.String,
			ReplyTo:     r.ReplyTo.String,
		})
	}
	return out, nil
}

func (s *sqlStore) MarkUserCommentsRead(ctx context.Context, taskID string) (int, error) {
	res, err := s.writer.ExecContext(ctx, s.writer.Rebind(`
		UPDATE task_messages SET is_read = ? WHERE task_id = ? AND role = ? AND is_read = ?`),
		s.boolVal(true), taskID, string(domain.MessageRoleUser), s.boolVal(false))
	if err != nil {
		return 0, apperrors.Internal("mark comments read", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.Internal("rows affected", err)
	}
	return int(n), nil
}

// ---- progress ----

func (s *sqlStore) AppendProgress(ctx context.Context, entry domain.ProgressEntry) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if entry.ID == "" {
			entry.ID = uuid.New().String()
		}
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO progress (id, task_id, agent_id, phase, message, percentage, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?)`),
			entry.ID, entry.TaskID, entry.AgentID, entry.Phase, entry.Message, entry.Percentage, unixMs(entry.Timestamp))
		if err != nil {
			return apperrors.Internal("append progress", err)
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`UPDATE tasks SET last_progress_at = ? WHERE id = ?`),
			unixMs(entry.Timestamp), entry.TaskID)
		if err != nil {
			return apperrors.Internal("bump last progress", err)
		}
		return nil
	})
}

func (s *sqlStore) GetLastProgressAt(ctx context.Context, taskID string) (*time.Time, error) {
	var ms sql.NullInt64
	err := s.reader.GetContext(ctx, &ms, s.reader.Rebind(`SELECT last_progress_at FROM tasks WHERE id = ?`), taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("task", taskID)
	}
	if err != nil {
		return nil, apperrors.Internal("get last progress", err)
	}
	return fromNullableUnixMs(ms), nil
}

// ---- review comments ----

func (s *sqlStore) InsertReviewComment(ctx context.Context, c *domain.ReviewComment) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	_, err := s.writer.ExecContext(ctx, s.writer.Rebind(`
		INSERT INTO review_comments (id, task_id, author, body, resolved, response, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.TaskID, c.Author, c.Body, s.boolVal(c.Resolved), c.Response, unixMs(c.CreatedAt), nullableUnixMs(c.ResolvedAt))
	if err != nil {
		return apperrors.Internal("insert review comment", err)
	}
	return nil
}

func (s *sqlStore) ListReviewComments(ctx context.Context, taskID string, unresolvedOnly bool) ([]*domain.ReviewComment, error) {
	type reviewRow struct {
		ID         string         `db:"id"`
		TaskID     string         `db:"task_id"`
		Author     sql.NullString `db:"author"`
		Body       string         `db:"body"`
		Resolved   bool           `db:"resolved"`
		Response   sql.NullString `db:"response"`
		CreatedAt  int64          `db:"created_at"`
		ResolvedAt sql.NullInt64  `db:"resolved_at"`
	}
	query := `SELECT * FROM review_comments WHERE task_id = ?`
	args := []any{taskID}
	if unresolvedOnly {
		query += ` AND resolved = ?`
		args = append(args, s.boolVal(false))
	}
	query += ` ORDER BY created_at ASC`
	var rows []reviewRow
	if err := s.reader.SelectContext(ctx, &rows, s.reader.Rebind(query), args...); err != nil {
		return nil, apperrors.Internal("list review comments", err)
	}
	out := make([]*domain.ReviewComment, 0, len(rows))
	for _, r := range rows {
		out = append(out, &domain.ReviewComment{
			ID: r.ID, TaskID: r.TaskID, Author: r.Author.String, Body: r.Body, Resolved: r.Resolved,
			Response: r.Response.String, CreatedAt: fromUnixMs(r.CreatedAt), ResolvedAt: fromNullableUnixMs(r.ResolvedAt),
		})
	}
	return out, nil
}

func (s *sqlStore) ResolveReviewComment(ctx context.Context, commentID, response string) error {
	res, err := s.writer.ExecContext(ctx, s.writer.Rebind(`
		UPDATE review_comments SET resolved = ?, response = ?, resolved_at = ? WHERE id = ?`),
		s.boolVal(true), response, unixMs(time.Now()), commentID)
	if err != nil {
		return apperrors.Internal("resolve review comment", err)
	}
	return checkRowsAffected(res, "review comment", commentID)
}

// ---- reservations ----

func (s *sqlStore) PutReservation(ctx context.Context, r domain.Reservation) error {
	if dialect.IsPostgres(s.driver) {
		_, err := s.writer.ExecContext(ctx, s.writer.Rebind(`
			INSERT INTO reservations (task_id, agent_id, reserved_at) VALUES (?, ?, ?)
			ON CONFLICT (task_id) DO UPDATE SET agent_id = EXCLUDED.agent_id, reserved_at = EXCLUDED.reserved_at`),
			r.TaskID, r.AgentID, unixMs(r.ReservedAt))
		if err != nil {
			return apperrors.Internal("put reservation", err)
		}
		return nil
	}
	_, err := s.writer.ExecContext(ctx, s.writer.Rebind(`
		INSERT INTO reservations (task_id, agent_id, reserved_at) VALUES (?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET agent_id = excluded.agent_id, reserved_at = excluded.reserved_at`),
		r.TaskID, r.AgentID, unixMs(r.ReservedAt))
	if err != nil {
		return apperrors.Internal("put reservation", err)
	}
	return nil
}

func (s *sqlStore) GetReservationByTask(ctx context.Context, taskID string) (*domain.Reservation, error) {
	type reservationRow struct {
		TaskID     string `db:"task_id"`
		AgentID    string `db:"agent_id"`
		ReservedAt int64  `db:"reserved_at"`
	}
	var row reservationRow
	err := s.reader.GetContext(ctx, &row, s.reader.Rebind(`SELECT * FROM reservations WHERE task_id = ?`), taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("reservation", taskID)
	}
	if err != nil {
		return nil, apperrors.Internal("get reservation", err)
	}
	return &domain.Reservation{TaskID: row.TaskID, AgentID: row.AgentID, ReservedAt: fromUnixMs(row.ReservedAt)}, nil
}

func (s *sqlStore) GetAllReservations(ctx context.Context) ([]domain.Reservation, error) {
	type reservationRow struct {
		TaskID     string `db:"task_id"`
		AgentID    string `db:"agent_id"`
		ReservedAt int64  `db:"reserved_at"`
	}
	var rows []reservationRow
	if err := s.reader.SelectContext(ctx, &rows, `SELECT * FROM reservations`); err != nil {
		return nil, apperrors.Internal("list reservations", err)
	}
	out := make([]domain.Reservation, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.Reservation{TaskID: r.TaskID, AgentID: r.AgentID, ReservedAt: fromUnixMs(r.ReservedAt)})
	}
	return out, nil
}

func (s *sqlStore) DeleteReservation(ctx context.Context, taskID string) error {
	_, err := s.writer.ExecContext(ctx, s.writer.Rebind(`DELETE FROM reservations WHERE task_id = ?`), taskID)
	if err != nil {
		return apperrors.Internal("delete reservation", err)
	}
	return nil
}

// ---- shared helpers ----

func mapRows[R any, T any](rows []R, convert func(*R) (T, error)) ([]T, error) {
	out := make([]T, 0, len(rows))
	for i := range rows {
		v, err := convert(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.Internal("rows affected", err)
	}
	if n == 0 {
		return apperrors.NotFound(resource, id)
	}
	return nil
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key value")
}
