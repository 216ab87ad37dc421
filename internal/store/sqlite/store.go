// Package sqlite persists chatrooms, tasks, messages, and participants.
// Every mutating orchestration operation runs inside a single transaction
// via WithTx; readers use the same entity API through Read.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"crewroom/internal/domain"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS chatrooms (
	id TEXT PRIMARY KEY,
	roles TEXT NOT NULL,
	entry_role TEXT NOT NULL DEFAULT '',
	queue_seq INTEGER NOT NULL DEFAULT 0,
	last_activity_at INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	chatroom_id TEXT NOT NULL,
	status TEXT NOT NULL,
	origin TEXT NOT NULL,
	content TEXT NOT NULL,
	created_by TEXT NOT NULL,
	assigned_to TEXT NOT NULL DEFAULT '',
	queue_position INTEGER NOT NULL,
	source_message_id TEXT NOT NULL DEFAULT '',
	parent_task_ids TEXT NOT NULL DEFAULT '[]',
	backlog_state TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	acknowledged_at INTEGER NULL,
	started_at INTEGER NULL,
	completed_at INTEGER NULL,
	UNIQUE(chatroom_id, queue_position),
	FOREIGN KEY(chatroom_id) REFERENCES chatrooms(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_tasks_room_status ON tasks(chatroom_id, status);
CREATE INDEX IF NOT EXISTS idx_tasks_room ON tasks(chatroom_id);

CREATE TABLE IF NOT EXISTS messages (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	chatroom_id TEXT NOT NULL,
	sender_role TEXT NOT NULL,
	content TEXT NOT NULL,
	type TEXT NOT NULL,
	target_role TEXT NOT NULL DEFAULT '',
	classification TEXT NOT NULL DEFAULT 'none',
	task_id TEXT NOT NULL DEFAULT '',
	attached_task_ids TEXT NOT NULL DEFAULT '[]',
	claimed_by_role TEXT NOT NULL DEFAULT '',
	task_origin_message_id TEXT NOT NULL DEFAULT '',
	acknowledged_at INTEGER NULL,
	completed_at INTEGER NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY(chatroom_id) REFERENCES chatrooms(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(chatroom_id, seq);
CREATE INDEX IF NOT EXISTS idx_messages_task ON messages(task_id);

CREATE TABLE IF NOT EXISTS participants (
	chatroom_id TEXT NOT NULL,
	role TEXT NOT NULL,
	status TEXT NOT NULL,
	ready_until INTEGER NOT NULL,
	joined_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY(chatroom_id, role),
	FOREIGN KEY(chatroom_id) REFERENCES chatrooms(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_participants_room ON participants(chatroom_id);

CREATE TABLE IF NOT EXISTS task_audit (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	from_status TEXT NOT NULL,
	to_status TEXT NOT NULL,
	trigger_name TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY(task_id) REFERENCES tasks(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_task_audit_task ON task_audit(task_id, id);
`

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx so the entity methods on
// Tx serve transactional writes and plain reads alike.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Tx struct {
	q querier
}

// Read returns a non-transactional view for routing decisions and listings.
// Anything acting on what it reads must re-validate inside WithTx.
func (s *Store) Read() *Tx {
	return &Tx{q: s.db}
}

// WithTx runs fn inside one transaction; any error rolls back every write.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = sqlTx.Rollback()
	}()

	if err := fn(&Tx{q: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (t *Tx) CreateChatroom(ctx context.Context, room domain.Chatroom) error {
	roles, err := json.Marshal(room.Roles)
	if err != nil {
		return fmt.Errorf("marshal chatroom roles: %w", err)
	}
	_, err = t.q.ExecContext(
		ctx,
		`INSERT INTO chatrooms(id, roles, entry_role, queue_seq, last_activity_at, created_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		room.ID, string(roles), room.EntryRole, room.QueueSeq,
		room.LastActivityAt.Unix(), room.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create chatroom: %w", err)
	}
	return nil
}

func (t *Tx) GetChatroom(ctx context.Context, roomID string) (domain.Chatroom, error) {
	row := t.q.QueryRowContext(
		ctx,
		`SELECT id, roles, entry_role, queue_seq, last_activity_at, created_at
		FROM chatrooms WHERE id = ?`,
		roomID,
	)
	var c domain.Chatroom
	var rolesRaw string
	var lastActivity, created int64
	if err := row.Scan(&c.ID, &rolesRaw, &c.EntryRole, &c.QueueSeq, &lastActivity, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Chatroom{}, fmt.Errorf("chatroom %s: %w", roomID, ErrNotFound)
		}
		return domain.Chatroom{}, fmt.Errorf("get chatroom: %w", err)
	}
	if err := json.Unmarshal([]byte(rolesRaw), &c.Roles); err != nil {
		return domain.Chatroom{}, fmt.Errorf("unmarshal chatroom roles: %w", err)
	}
	c.LastActivityAt = unixToTime(lastActivity)
	c.CreatedAt = unixToTime(created)
	return c, nil
}

func (t *Tx) ListChatrooms(ctx context.Context) ([]domain.Chatroom, error) {
	rows, err := t.q.QueryContext(
		ctx,
		`SELECT id, roles, entry_role, queue_seq, last_activity_at, created_at
		FROM chatrooms ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list chatrooms: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Chatroom, 0)
	for rows.Next() {
		var c domain.Chatroom
		var rolesRaw string
		var lastActivity, created int64
		if err := rows.Scan(&c.ID, &rolesRaw, &c.EntryRole, &c.QueueSeq, &lastActivity, &created); err != nil {
			return nil, fmt.Errorf("scan chatroom: %w", err)
		}
		if err := json.Unmarshal([]byte(rolesRaw), &c.Roles); err != nil {
			return nil, fmt.Errorf("unmarshal chatroom roles: %w", err)
		}
		c.LastActivityAt = unixToTime(lastActivity)
		c.CreatedAt = unixToTime(created)
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chatrooms: %w", err)
	}
	return result, nil
}

func (t *Tx) TouchChatroom(ctx context.Context, roomID string, now time.Time) error {
	_, err := t.q.ExecContext(
		ctx,
		`UPDATE chatrooms SET last_activity_at = ? WHERE id = ?`,
		now.Unix(), roomID,
	)
	if err != nil {
		return fmt.Errorf("touch chatroom: %w", err)
	}
	return nil
}

// NextQueuePosition increments the chatroom's queue counter and returns the
// new value. The counter lives on the chatroom row and is only mutated here,
// inside the same transaction as the task write consuming it.
func (t *Tx) NextQueuePosition(ctx context.Context, roomID string, now time.Time) (int64, error) {
	res, err := t.q.ExecContext(
		ctx,
		`UPDATE chatrooms SET queue_seq = queue_seq + 1, last_activity_at = ? WHERE id = ?`,
		now.Unix(), roomID,
	)
	if err != nil {
		return 0, fmt.Errorf("increment queue seq: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("queue seq affected rows: %w", err)
	}
	if affected == 0 {
		return 0, fmt.Errorf("chatroom %s: %w", roomID, ErrNotFound)
	}

	var pos int64
	if err := t.q.QueryRowContext(ctx, `SELECT queue_seq FROM chatrooms WHERE id = ?`, roomID).Scan(&pos); err != nil {
		return 0, fmt.Errorf("read queue seq: %w", err)
	}
	return pos, nil
}

const taskColumns = `id, chatroom_id, status, origin, content, created_by, assigned_to,
	queue_position, source_message_id, parent_task_ids, backlog_state,
	created_at, updated_at, acknowledged_at, started_at, completed_at`

func (t *Tx) InsertTask(ctx context.Context, task domain.Task) error {
	parents, err := json.Marshal(emptyIfNil(task.ParentTaskIDs))
	if err != nil {
		return fmt.Errorf("marshal parent task ids: %w", err)
	}
	_, err = t.q.ExecContext(
		ctx,
		`INSERT INTO tasks(`+taskColumns+`)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.ChatroomID, string(task.Status), string(task.Origin), task.Content,
		task.CreatedBy, task.AssignedTo, task.QueuePosition, task.SourceMessageID,
		string(parents), string(task.BacklogState),
		task.CreatedAt.Unix(), task.UpdatedAt.Unix(),
		nullableUnix(task.AcknowledgedAt), nullableUnix(task.StartedAt), nullableUnix(task.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// SaveTask writes back every FSM-managed field of an existing task.
func (t *Tx) SaveTask(ctx context.Context, task domain.Task) error {
	parents, err := json.Marshal(emptyIfNil(task.ParentTaskIDs))
	if err != nil {
		return fmt.Errorf("marshal parent task ids: %w", err)
	}
	res, err := t.q.ExecContext(
		ctx,
		`UPDATE tasks SET
			status = ?, assigned_to = ?, parent_task_ids = ?, backlog_state = ?,
			updated_at = ?, acknowledged_at = ?, started_at = ?, completed_at = ?
		WHERE id = ?`,
		string(task.Status), task.AssignedTo, string(parents), string(task.BacklogState),
		task.UpdatedAt.Unix(),
		nullableUnix(task.AcknowledgedAt), nullableUnix(task.StartedAt), nullableUnix(task.CompletedAt),
		task.ID,
	)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save task affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("task %s: %w", task.ID, ErrNotFound)
	}
	return nil
}

func (t *Tx) GetTask(ctx context.Context, taskID string) (domain.Task, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Task{}, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		return domain.Task{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

func (t *Tx) ListRoomTasks(ctx context.Context, roomID string) ([]domain.Task, error) {
	rows, err := t.q.QueryContext(
		ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE chatroom_id = ? ORDER BY queue_position ASC`,
		roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("list room tasks: %w", err)
	}
	return collectTasks(rows)
}

func (t *Tx) ListTasksByStatus(ctx context.Context, roomID string, statuses ...domain.TaskStatus) ([]domain.Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE chatroom_id = ? AND status IN (?` +
		repeatPlaceholder(len(statuses)-1) + `) ORDER BY queue_position ASC`
	args := make([]any, 0, len(statuses)+1)
	args = append(args, roomID)
	for _, s := range statuses {
		args = append(args, string(s))
	}
	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks by status: %w", err)
	}
	return collectTasks(rows)
}

// ActiveTask returns the task occupying the chatroom's active slot, if any.
func (t *Tx) ActiveTask(ctx context.Context, roomID string) (domain.Task, bool, error) {
	tasks, err := t.ListTasksByStatus(ctx, roomID, domain.TaskStatusPending, domain.TaskStatusInProgress)
	if err != nil {
		return domain.Task{}, false, err
	}
	if len(tasks) == 0 {
		return domain.Task{}, false, nil
	}
	return tasks[0], true, nil
}

// MinQueuedTask returns the queued task with the smallest queue position.
func (t *Tx) MinQueuedTask(ctx context.Context, roomID string) (domain.Task, bool, error) {
	row := t.q.QueryRowContext(
		ctx,
		`SELECT `+taskColumns+` FROM tasks
		WHERE chatroom_id = ? AND status = ?
		ORDER BY queue_position ASC LIMIT 1`,
		roomID, string(domain.TaskStatusQueued),
	)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Task{}, false, nil
		}
		return domain.Task{}, false, fmt.Errorf("min queued task: %w", err)
	}
	return task, true, nil
}

func (t *Tx) ListInProgressAssignedTo(ctx context.Context, roomID string, role string) ([]domain.Task, error) {
	rows, err := t.q.QueryContext(
		ctx,
		`SELECT `+taskColumns+` FROM tasks
		WHERE chatroom_id = ? AND status = ? AND assigned_to = ?
		ORDER BY queue_position ASC`,
		roomID, string(domain.TaskStatusInProgress), role,
	)
	if err != nil {
		return nil, fmt.Errorf("list in-progress tasks for role: %w", err)
	}
	return collectTasks(rows)
}

const messageColumns = `seq, id, chatroom_id, sender_role, content, type, target_role,
	classification, task_id, attached_task_ids, claimed_by_role,
	task_origin_message_id, acknowledged_at, completed_at, created_at`

// InsertMessage stores the message and returns its room-ordered sequence
// number, which routing cursors are measured against.
func (t *Tx) InsertMessage(ctx context.Context, msg domain.Message) (int64, error) {
	attached, err := json.Marshal(emptyIfNil(msg.AttachedTaskIDs))
	if err != nil {
		return 0, fmt.Errorf("marshal attached task ids: %w", err)
	}
	res, err := t.q.ExecContext(
		ctx,
		`INSERT INTO messages(
			id, chatroom_id, sender_role, content, type, target_role, classification,
			task_id, attached_task_ids, claimed_by_role, task_origin_message_id,
			acknowledged_at, completed_at, created_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ChatroomID, msg.SenderRole, msg.Content, string(msg.Type),
		msg.TargetRole, string(msg.Classification), msg.TaskID, string(attached),
		msg.ClaimedByRole, msg.TaskOriginMessageID,
		nullableUnix(msg.AcknowledgedAt), nullableUnix(msg.CompletedAt), msg.CreatedAt.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("message seq: %w", err)
	}
	return seq, nil
}

func (t *Tx) GetMessage(ctx context.Context, messageID string) (domain.Message, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, messageID)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Message{}, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
		}
		return domain.Message{}, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

func (t *Tx) ListMessagesAfter(ctx context.Context, roomID string, cursor int64, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := t.q.QueryContext(
		ctx,
		`SELECT `+messageColumns+` FROM messages
		WHERE chatroom_id = ? AND seq > ?
		ORDER BY seq ASC LIMIT ?`,
		roomID, cursor, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages after cursor: %w", err)
	}
	return collectMessages(rows)
}

func (t *Tx) ListRoomMessages(ctx context.Context, roomID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := t.q.QueryContext(
		ctx,
		`SELECT `+messageColumns+` FROM messages
		WHERE chatroom_id = ?
		ORDER BY seq DESC LIMIT ?`,
		roomID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list room messages: %w", err)
	}
	return collectMessages(rows)
}

// LatestClassifiedUserMessage returns the most recent non-follow_up user
// message carrying a classification, scanning at or before the given seq.
// Follow-up back-references resolve through this.
func (t *Tx) LatestClassifiedUserMessage(ctx context.Context, roomID string, beforeSeq int64) (domain.Message, bool, error) {
	row := t.q.QueryRowContext(
		ctx,
		`SELECT `+messageColumns+` FROM messages
		WHERE chatroom_id = ? AND seq <= ? AND sender_role = ?
			AND classification NOT IN (?, ?)
		ORDER BY seq DESC LIMIT 1`,
		roomID, beforeSeq, domain.RoleUser,
		string(domain.ClassificationFollowUp), string(domain.ClassificationNone),
	)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Message{}, false, nil
		}
		return domain.Message{}, false, fmt.Errorf("latest classified user message: %w", err)
	}
	return msg, true, nil
}

// ClaimMessage sets claimed_by_role and stamps acknowledged_at if unset.
// Claiming is idempotent for the same role; a message already claimed by a
// different role is left untouched and reported as not claimed.
func (t *Tx) ClaimMessage(ctx context.Context, messageID string, role string, now time.Time) (bool, error) {
	res, err := t.q.ExecContext(
		ctx,
		`UPDATE messages
		SET claimed_by_role = ?,
			acknowledged_at = COALESCE(acknowledged_at, ?)
		WHERE id = ? AND (claimed_by_role = '' OR claimed_by_role = ?)`,
		role, now.Unix(), messageID, role,
	)
	if err != nil {
		return false, fmt.Errorf("claim message: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim message affected rows: %w", err)
	}
	return affected > 0, nil
}

func (t *Tx) MarkMessageCompleted(ctx context.Context, messageID string, now time.Time) error {
	_, err := t.q.ExecContext(
		ctx,
		`UPDATE messages SET completed_at = COALESCE(completed_at, ?) WHERE id = ?`,
		now.Unix(), messageID,
	)
	if err != nil {
		return fmt.Errorf("mark message completed: %w", err)
	}
	return nil
}

// UpsertParticipant creates the participant on first join and refreshes
// status and readiness on every later call. Rows are never deleted.
func (t *Tx) UpsertParticipant(ctx context.Context, p domain.Participant) error {
	_, err := t.q.ExecContext(
		ctx,
		`INSERT INTO participants(chatroom_id, role, status, ready_until, joined_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?)
		ON CONFLICT(chatroom_id, role) DO UPDATE SET
			status = excluded.status,
			ready_until = excluded.ready_until,
			updated_at = excluded.updated_at`,
		p.ChatroomID, p.Role, string(p.Status),
		p.ReadyUntil.Unix(), p.JoinedAt.Unix(), p.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert participant: %w", err)
	}
	return nil
}

func (t *Tx) GetParticipant(ctx context.Context, roomID string, role string) (domain.Participant, error) {
	row := t.q.QueryRowContext(
		ctx,
		`SELECT chatroom_id, role, status, ready_until, joined_at, updated_at
		FROM participants WHERE chatroom_id = ? AND role = ?`,
		roomID, role,
	)
	p, err := scanParticipant(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Participant{}, fmt.Errorf("participant %s/%s: %w", roomID, role, ErrNotFound)
		}
		return domain.Participant{}, fmt.Errorf("get participant: %w", err)
	}
	return p, nil
}

func (t *Tx) ListParticipants(ctx context.Context, roomID string) ([]domain.Participant, error) {
	rows, err := t.q.QueryContext(
		ctx,
		`SELECT chatroom_id, role, status, ready_until, joined_at, updated_at
		FROM participants WHERE chatroom_id = ? ORDER BY role ASC`,
		roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Participant, 0)
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}
	return result, nil
}

func (t *Tx) SetParticipantStatus(ctx context.Context, roomID string, role string, status domain.ParticipantStatus, now time.Time) error {
	res, err := t.q.ExecContext(
		ctx,
		`UPDATE participants SET status = ?, updated_at = ? WHERE chatroom_id = ? AND role = ?`,
		string(status), now.Unix(), roomID, role,
	)
	if err != nil {
		return fmt.Errorf("set participant status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("participant status affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("participant %s/%s: %w", roomID, role, ErrNotFound)
	}
	return nil
}

// ListStaleParticipants returns every participant across all chatrooms whose
// readiness expired and who has not already been marked gone.
func (t *Tx) ListStaleParticipants(ctx context.Context, now time.Time, limit int) ([]domain.Participant, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := t.q.QueryContext(
		ctx,
		`SELECT chatroom_id, role, status, ready_until, joined_at, updated_at
		FROM participants
		WHERE ready_until < ? AND status != ?
		ORDER BY ready_until ASC LIMIT ?`,
		now.Unix(), string(domain.ParticipantStatusGone), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list stale participants: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Participant, 0)
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale participant: %w", err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale participants: %w", err)
	}
	return result, nil
}

func (t *Tx) InsertAudit(ctx context.Context, rec domain.AuditRecord) error {
	_, err := t.q.ExecContext(
		ctx,
		`INSERT INTO task_audit(task_id, from_status, to_status, trigger_name, created_at)
		VALUES(?, ?, ?, ?, ?)`,
		rec.TaskID, string(rec.FromStatus), string(rec.ToStatus), rec.Trigger, rec.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

func (t *Tx) ListTaskAudit(ctx context.Context, taskID string, limit int) ([]domain.AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := t.q.QueryContext(
		ctx,
		`SELECT id, task_id, from_status, to_status, trigger_name, created_at
		FROM task_audit WHERE task_id = ?
		ORDER BY id ASC LIMIT ?`,
		taskID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list task audit: %w", err)
	}
	defer rows.Close()

	result := make([]domain.AuditRecord, 0, limit)
	for rows.Next() {
		var rec domain.AuditRecord
		var from, to string
		var created int64
		if err := rows.Scan(&rec.ID, &rec.TaskID, &from, &to, &rec.Trigger, &created); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		rec.FromStatus = domain.TaskStatus(from)
		rec.ToStatus = domain.TaskStatus(to)
		rec.CreatedAt = unixToTime(created)
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit records: %w", err)
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var task domain.Task
	var status, origin, backlogState, parentsRaw string
	var created, updated int64
	var acked, started, completed sql.NullInt64
	if err := row.Scan(
		&task.ID, &task.ChatroomID, &status, &origin, &task.Content, &task.CreatedBy,
		&task.AssignedTo, &task.QueuePosition, &task.SourceMessageID, &parentsRaw,
		&backlogState, &created, &updated, &acked, &started, &completed,
	); err != nil {
		return domain.Task{}, err
	}
	task.Status = domain.TaskStatus(status)
	task.Origin = domain.TaskOrigin(origin)
	task.BacklogState = domain.BacklogState(backlogState)
	if err := json.Unmarshal([]byte(parentsRaw), &task.ParentTaskIDs); err != nil {
		return domain.Task{}, fmt.Errorf("unmarshal parent task ids: %w", err)
	}
	if len(task.ParentTaskIDs) == 0 {
		task.ParentTaskIDs = nil
	}
	task.CreatedAt = unixToTime(created)
	task.UpdatedAt = unixToTime(updated)
	task.AcknowledgedAt = int64ToTimePtr(acked)
	task.StartedAt = int64ToTimePtr(started)
	task.CompletedAt = int64ToTimePtr(completed)
	return task, nil
}

func collectTasks(rows *sql.Rows) ([]domain.Task, error) {
	defer rows.Close()
	result := make([]domain.Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		result = append(result, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return result, nil
}

func scanMessage(row rowScanner) (domain.Message, error) {
	var msg domain.Message
	var typ, classification, attachedRaw string
	var acked, completed sql.NullInt64
	var created int64
	if err := row.Scan(
		&msg.Seq, &msg.ID, &msg.ChatroomID, &msg.SenderRole, &msg.Content, &typ,
		&msg.TargetRole, &classification, &msg.TaskID, &attachedRaw, &msg.ClaimedByRole,
		&msg.TaskOriginMessageID, &acked, &completed, &created,
	); err != nil {
		return domain.Message{}, err
	}
	msg.Type = domain.MessageType(typ)
	msg.Classification = domain.Classification(classification)
	if err := json.Unmarshal([]byte(attachedRaw), &msg.AttachedTaskIDs); err != nil {
		return domain.Message{}, fmt.Errorf("unmarshal attached task ids: %w", err)
	}
	if len(msg.AttachedTaskIDs) == 0 {
		msg.AttachedTaskIDs = nil
	}
	msg.AcknowledgedAt = int64ToTimePtr(acked)
	msg.CompletedAt = int64ToTimePtr(completed)
	msg.CreatedAt = unixToTime(created)
	return msg, nil
}

func collectMessages(rows *sql.Rows) ([]domain.Message, error) {
	defer rows.Close()
	result := make([]domain.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		result = append(result, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return result, nil
}

func scanParticipant(row rowScanner) (domain.Participant, error) {
	var p domain.Participant
	var status string
	var readyUntil, joined, updated int64
	if err := row.Scan(&p.ChatroomID, &p.Role, &status, &readyUntil, &joined, &updated); err != nil {
		return domain.Participant{}, err
	}
	p.Status = domain.ParticipantStatus(status)
	p.ReadyUntil = unixToTime(readyUntil)
	p.JoinedAt = unixToTime(joined)
	p.UpdatedAt = unixToTime(updated)
	return p, nil
}

func int64ToTimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid || v.Int64 <= 0 {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func unixToTime(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}

func nullableUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Unix()
}

func emptyIfNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}
