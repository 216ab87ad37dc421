package domain

import (
	"time"
)

type TaskStatus string

const (
	TaskStatusPending           TaskStatus = "pending"
	TaskStatusAcknowledged      TaskStatus = "acknowledged"
	TaskStatusInProgress        TaskStatus = "in_progress"
	TaskStatusCompleted         TaskStatus = "completed"
	TaskStatusBacklog           TaskStatus = "backlog"
	TaskStatusBacklogAck        TaskStatus = "backlog_acknowledged"
	TaskStatusPendingUserReview TaskStatus = "pending_user_review"
	TaskStatusQueued            TaskStatus = "queued"
	TaskStatusClosed            TaskStatus = "closed"
)

type TaskOrigin string

const (
	TaskOriginBacklog TaskOrigin = "backlog"
	TaskOriginChat    TaskOrigin = "chat"
	TaskOriginNone    TaskOrigin = "none"
)

// BacklogState is the backlog sub-lifecycle, tracked only for tasks with
// origin=backlog.
type BacklogState string

const (
	BacklogStateNotStarted BacklogState = "not_started"
	BacklogStateStarted    BacklogState = "started"
	BacklogStateComplete   BacklogState = "complete"
	BacklogStateClosed     BacklogState = "closed"
)

type MessageType string

const (
	MessageTypeMessage   MessageType = "message"
	MessageTypeHandoff   MessageType = "handoff"
	MessageTypeInterrupt MessageType = "interrupt"
	MessageTypeJoin      MessageType = "join"
	MessageTypeProgress  MessageType = "progress"
)

type Classification string

const (
	ClassificationQuestion   Classification = "question"
	ClassificationNewFeature Classification = "new_feature"
	ClassificationFollowUp   Classification = "follow_up"
	ClassificationNone       Classification = "none"
)

type ParticipantStatus string

const (
	ParticipantStatusIdle    ParticipantStatus = "idle"
	ParticipantStatusActive  ParticipantStatus = "active"
	ParticipantStatusWaiting ParticipantStatus = "waiting"
	// ParticipantStatusGone marks a participant whose readiness window
	// elapsed. Rows are never deleted; rejoin flips it back to waiting.
	ParticipantStatusGone ParticipantStatus = "gone"
)

// RoleUser is the pseudo-role for the human side of a chatroom. It never has
// a participant row and never appears in a chatroom's team role list.
const RoleUser = "user"

type Chatroom struct {
	ID             string    `json:"id"`
	Roles          []string  `json:"roles"`
	EntryRole      string    `json:"entry_role"`
	QueueSeq       int64     `json:"queue_seq"`
	LastActivityAt time.Time `json:"last_activity_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// EntryPoint returns the role that receives unsolicited user messages.
func (c Chatroom) EntryPoint() string {
	if c.EntryRole != "" {
		return c.EntryRole
	}
	if len(c.Roles) > 0 {
		return c.Roles[0]
	}
	return ""
}

func (c Chatroom) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type Task struct {
	ID              string       `json:"id"`
	ChatroomID      string       `json:"chatroom_id"`
	Status          TaskStatus   `json:"status"`
	Origin          TaskOrigin   `json:"origin"`
	Content         string       `json:"content"`
	CreatedBy       string       `json:"created_by"`
	AssignedTo      string       `json:"assigned_to,omitempty"`
	QueuePosition   int64        `json:"queue_position"`
	SourceMessageID string       `json:"source_message_id,omitempty"`
	ParentTaskIDs   []string     `json:"parent_task_ids,omitempty"`
	BacklogState    BacklogState `json:"backlog_state,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
	AcknowledgedAt  *time.Time   `json:"acknowledged_at,omitempty"`
	StartedAt       *time.Time   `json:"started_at,omitempty"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`
}

// ActiveSlot reports whether the task occupies the chatroom's single active
// slot (at most one pending or in_progress task per room).
func (t Task) ActiveSlot() bool {
	return t.Status == TaskStatusPending || t.Status == TaskStatusInProgress
}

type Message struct {
	ID                  string         `json:"id"`
	ChatroomID          string         `json:"chatroom_id"`
	Seq                 int64          `json:"seq"`
	SenderRole          string         `json:"sender_role"`
	Content             string         `json:"content"`
	Type                MessageType    `json:"type"`
	TargetRole          string         `json:"target_role,omitempty"`
	Classification      Classification `json:"classification"`
	TaskID              string         `json:"task_id,omitempty"`
	AttachedTaskIDs     []string       `json:"attached_task_ids,omitempty"`
	ClaimedByRole       string         `json:"claimed_by_role,omitempty"`
	TaskOriginMessageID string         `json:"task_origin_message_id,omitempty"`
	AcknowledgedAt      *time.Time     `json:"acknowledged_at,omitempty"`
	CompletedAt         *time.Time     `json:"completed_at,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
}

type Participant struct {
	ChatroomID string            `json:"chatroom_id"`
	Role       string            `json:"role"`
	Status     ParticipantStatus `json:"status"`
	ReadyUntil time.Time         `json:"ready_until"`
	JoinedAt   time.Time         `json:"joined_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Stale reports whether the participant's readiness window has elapsed.
func (p Participant) Stale(now time.Time) bool {
	return now.After(p.ReadyUntil)
}

// AuditRecord is one FSM transition observed on a task.
type AuditRecord struct {
	ID         int64      `json:"id"`
	TaskID     string     `json:"task_id"`
	FromStatus TaskStatus `json:"from_status"`
	ToStatus   TaskStatus `json:"to_status"`
	Trigger    string     `json:"trigger"`
	CreatedAt  time.Time  `json:"created_at"`
}
