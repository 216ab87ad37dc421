// Package orchestrator composes the FSM, queue, router, and policy into the
// chatroom operations agents call. Every mutating operation runs as a single
// store transaction; routing reads run outside and are re-validated before
// any write that depends on them.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"crewroom/internal/domain"
	"crewroom/internal/fsm"
	"crewroom/internal/guidance"
	"crewroom/internal/roles"
	"crewroom/internal/router"
	"crewroom/internal/store/sqlite"
)

// ErrClaimConflict is returned when a message is already claimed by another
// role.
var ErrClaimConflict = errors.New("message already claimed by another role")

// Notifier wakes long-polling agents after a write that may have produced
// deliverable messages. Losing a signal is harmless.
type Notifier interface {
	Notify(roomID string, roleNames ...string)
}

type Config struct {
	SweepInterval time.Duration
	ReadyTTL      time.Duration
	PollWindow    int
}

func (c Config) withDefaults() Config {
	if c.SweepInterval <= 0 {
		c.SweepInterval = 2 * time.Minute
	}
	if c.ReadyTTL <= 0 {
		c.ReadyTTL = 5 * time.Minute
	}
	if c.PollWindow <= 0 {
		c.PollWindow = 200
	}
	return c
}

type Service struct {
	store  *sqlite.Store
	bus    Notifier
	cfg    Config
	logger *log.Logger

	wg sync.WaitGroup
}

func New(store *sqlite.Store, bus Notifier, cfg Config, logger *log.Logger) *Service {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		store:  store,
		bus:    bus,
		cfg:    cfg,
		logger: logger,
	}
}

// Start launches the recovery sweep loop. It stops when ctx is canceled.
func (s *Service) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sweepLoop(ctx)
	}()
}

func (s *Service) Wait() {
	s.wg.Wait()
}

type CreateChatroomInput struct {
	ID        string
	Roles     []string
	EntryRole string
}

func (s *Service) CreateChatroom(ctx context.Context, in CreateChatroomInput) (domain.Chatroom, error) {
	if len(in.Roles) == 0 {
		return domain.Chatroom{}, fmt.Errorf("chatroom needs at least one role")
	}
	for _, r := range in.Roles {
		if r == domain.RoleUser {
			return domain.Chatroom{}, fmt.Errorf("role %q is reserved", domain.RoleUser)
		}
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	room := domain.Chatroom{
		ID:             in.ID,
		Roles:          in.Roles,
		EntryRole:      in.EntryRole,
		LastActivityAt: now,
		CreatedAt:      now,
	}
	if room.EntryRole != "" && !room.HasRole(room.EntryRole) {
		return domain.Chatroom{}, fmt.Errorf("entry role %s is not on the team", room.EntryRole)
	}

	err := s.store.WithTx(ctx, func(tx *sqlite.Tx) error {
		return tx.CreateChatroom(ctx, room)
	})
	if err != nil {
		return domain.Chatroom{}, err
	}
	return room, nil
}

// Join upserts the role's participant as waiting and refreshes its readiness
// window. Rejoining is idempotent. When the entry-point role joins, a
// promotion attempt runs in the same transaction.
func (s *Service) Join(ctx context.Context, roomID string, role string) (domain.Participant, error) {
	now := time.Now().UTC()
	var participant domain.Participant

	err := s.store.WithTx(ctx, func(tx *sqlite.Tx) error {
		room, err := tx.GetChatroom(ctx, roomID)
		if err != nil {
			return err
		}
		if !room.HasRole(role) {
			return fmt.Errorf("role %s is not on the team of chatroom %s", role, roomID)
		}

		participant = domain.Participant{
			ChatroomID: roomID,
			Role:       role,
			Status:     domain.ParticipantStatusWaiting,
			ReadyUntil: now.Add(s.cfg.ReadyTTL),
			JoinedAt:   now,
			UpdatedAt:  now,
		}
		if err := tx.UpsertParticipant(ctx, participant); err != nil {
			return err
		}

		if _, err := tx.InsertMessage(ctx, domain.Message{
			ID:             uuid.NewString(),
			ChatroomID:     roomID,
			SenderRole:     role,
			Content:        fmt.Sprintf("%s joined", role),
			Type:           domain.MessageTypeJoin,
			Classification: domain.ClassificationNone,
			CreatedAt:      now,
		}); err != nil {
			return err
		}

		if role == room.EntryPoint() {
			if _, _, err := s.promoteNext(ctx, tx, room, now); err != nil {
				return err
			}
		}
		return tx.TouchChatroom(ctx, roomID, now)
	})
	if err != nil {
		return domain.Participant{}, err
	}
	return participant, nil
}

// Heartbeat extends the readiness window of an existing participant.
func (s *Service) Heartbeat(ctx context.Context, roomID string, role string) error {
	now := time.Now().UTC()
	return s.store.WithTx(ctx, func(tx *sqlite.Tx) error {
		p, err := tx.GetParticipant(ctx, roomID, role)
		if err != nil {
			return err
		}
		p.ReadyUntil = now.Add(s.cfg.ReadyTTL)
		p.UpdatedAt = now
		return tx.UpsertParticipant(ctx, p)
	})
}

type PostUserMessageInput struct {
	ChatroomID     string
	Content        string
	Classification domain.Classification
	Interrupt      bool
}

// PostUserMessage records a user message and, when it is classified, creates
// its chat-origin task: pending when the active slot is free, queued
// otherwise. Follow-ups are linked back to the nearest preceding classified
// user message.
func (s *Service) PostUserMessage(ctx context.Context, in PostUserMessageInput) (domain.Message, *domain.Task, error) {
	now := time.Now().UTC()
	if in.Classification == "" {
		in.Classification = domain.ClassificationNone
	}

	msg := domain.Message{
		ID:             uuid.NewString(),
		ChatroomID:     in.ChatroomID,
		SenderRole:     domain.RoleUser,
		Content:        in.Content,
		Type:           domain.MessageTypeMessage,
		Classification: in.Classification,
		CreatedAt:      now,
	}
	if in.Interrupt {
		msg.Type = domain.MessageTypeInterrupt
	}

	var task *domain.Task
	var entryRole string
	err := s.store.WithTx(ctx, func(tx *sqlite.Tx) error {
		room, err := tx.GetChatroom(ctx, in.ChatroomID)
		if err != nil {
			return err
		}
		entryRole = room.EntryPoint()

		if in.Classification == domain.ClassificationFollowUp {
			origin, ok, err := tx.LatestClassifiedUserMessage(ctx, in.ChatroomID, math.MaxInt64)
			if err != nil {
				return err
			}
			if ok {
				msg.TaskOriginMessageID = origin.ID
			}
		}

		seq, err := tx.InsertMessage(ctx, msg)
		if err != nil {
			return err
		}
		msg.Seq = seq

		if in.Classification != domain.ClassificationNone {
			created, err := s.createTaskFromMessage(ctx, tx, room, msg, now)
			if err != nil {
				return err
			}
			task = &created
		}
		return tx.TouchChatroom(ctx, in.ChatroomID, now)
	})
	if err != nil {
		return domain.Message{}, nil, err
	}

	s.bus.Notify(in.ChatroomID, entryRole)
	return msg, task, nil
}

// createTaskFromMessage allocates a queue position and inserts the task
// behind a user message. The active-slot invariant decides pending vs queued.
func (s *Service) createTaskFromMessage(ctx context.Context, tx *sqlite.Tx, room domain.Chatroom, msg domain.Message, now time.Time) (domain.Task, error) {
	pos, err := tx.NextQueuePosition(ctx, room.ID, now)
	if err != nil {
		return domain.Task{}, err
	}
	status := domain.TaskStatusPending
	if _, occupied, err := tx.ActiveTask(ctx, room.ID); err != nil {
		return domain.Task{}, err
	} else if occupied {
		status = domain.TaskStatusQueued
	}

	task := domain.Task{
		ID:              uuid.NewString(),
		ChatroomID:      room.ID,
		Status:          status,
		Origin:          domain.TaskOriginChat,
		Content:         msg.Content,
		CreatedBy:       domain.RoleUser,
		QueuePosition:   pos,
		SourceMessageID: msg.ID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := tx.InsertTask(ctx, task); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

type PostAgentMessageInput struct {
	ChatroomID      string
	Role            string
	Content         string
	Type            domain.MessageType
	TargetRole      string
	TaskID          string
	AttachedTaskIDs []string
}

// PostAgentMessage records a message sent by a team role. Attached backlog
// task ids are acknowledged via the FSM in the same transaction.
func (s *Service) PostAgentMessage(ctx context.Context, in PostAgentMessageInput) (domain.Message, error) {
	now := time.Now().UTC()
	if in.Type == "" {
		in.Type = domain.MessageTypeMessage
	}
	if in.Type == domain.MessageTypeJoin || in.Type == domain.MessageTypeHandoff {
		return domain.Message{}, fmt.Errorf("message type %s is reserved for orchestration", in.Type)
	}

	msg := domain.Message{
		ID:              uuid.NewString(),
		ChatroomID:      in.ChatroomID,
		SenderRole:      in.Role,
		Content:         in.Content,
		Type:            in.Type,
		TargetRole:      in.TargetRole,
		Classification:  domain.ClassificationNone,
		TaskID:          in.TaskID,
		AttachedTaskIDs: in.AttachedTaskIDs,
		CreatedAt:       now,
	}

	var wake []string
	err := s.store.WithTx(ctx, func(tx *sqlite.Tx) error {
		room, err := tx.GetChatroom(ctx, in.ChatroomID)
		if err != nil {
			return err
		}
		if !room.HasRole(in.Role) {
			return fmt.Errorf("role %s is not on the team of chatroom %s", in.Role, in.ChatroomID)
		}

		seq, err := tx.InsertMessage(ctx, msg)
		if err != nil {
			return err
		}
		msg.Seq = seq

		for _, attachedID := range in.AttachedTaskIDs {
			attached, err := tx.GetTask(ctx, attachedID)
			if err != nil {
				return err
			}
			parents := attached.ParentTaskIDs
			if in.TaskID != "" {
				parents = append(parents, in.TaskID)
			}
			if err := s.transitionAndSave(ctx, tx, &attached, domain.TaskStatusBacklogAck, fsm.TriggerAttach, now, fsm.Fields{ParentTaskIDs: parents}); err != nil {
				return err
			}
		}

		if in.TargetRole != "" {
			wake = []string{in.TargetRole}
		} else {
			wake = room.Roles
		}
		return tx.TouchChatroom(ctx, in.ChatroomID, now)
	})
	if err != nil {
		return domain.Message{}, err
	}

	s.bus.Notify(in.ChatroomID, wake...)
	return msg, nil
}

// Delivery is a routed message plus its guidance text.
type Delivery struct {
	Message  domain.Message `json:"message"`
	Guidance string         `json:"guidance"`
}

// Poll returns the next message the role should receive, scanning strictly
// after the cursor. It reads without blocking writers; Claim re-validates
// the decision transactionally.
func (s *Service) Poll(ctx context.Context, roomID string, role string, cursor int64) (Delivery, bool, error) {
	read := s.store.Read()
	room, err := read.GetChatroom(ctx, roomID)
	if err != nil {
		return Delivery{}, false, err
	}
	participants, err := read.ListParticipants(ctx, roomID)
	if err != nil {
		return Delivery{}, false, err
	}
	msgs, err := read.ListMessagesAfter(ctx, roomID, cursor, s.cfg.PollWindow)
	if err != nil {
		return Delivery{}, false, err
	}

	msg, ok := router.Next(role, room.EntryPoint(), waitingRoles(participants), msgs)
	if !ok {
		return Delivery{}, false, nil
	}
	return Delivery{
		Message:  msg,
		Guidance: guidance.For(role, msg.Classification),
	}, true, nil
}

// Claim marks the message as taken by the role and flips the participant to
// active. The routing decision is re-checked inside the transaction; losing
// the race to another role yields ErrClaimConflict.
func (s *Service) Claim(ctx context.Context, roomID string, role string, messageID string) (domain.Message, error) {
	now := time.Now().UTC()
	var claimed domain.Message

	err := s.store.WithTx(ctx, func(tx *sqlite.Tx) error {
		room, err := tx.GetChatroom(ctx, roomID)
		if err != nil {
			return err
		}
		msg, err := tx.GetMessage(ctx, messageID)
		if err != nil {
			return err
		}
		participants, err := tx.ListParticipants(ctx, roomID)
		if err != nil {
			return err
		}
		winner := bestWaitingRole(participants)
		if !router.Matches(msg, role, room.EntryPoint(), winner) {
			return ErrClaimConflict
		}

		ok, err := tx.ClaimMessage(ctx, messageID, role, now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrClaimConflict
		}
		if err := tx.SetParticipantStatus(ctx, roomID, role, domain.ParticipantStatusActive, now); err != nil && !errors.Is(err, sqlite.ErrNotFound) {
			return err
		}

		claimed, err = tx.GetMessage(ctx, messageID)
		return err
	})
	if err != nil {
		return domain.Message{}, err
	}
	return claimed, nil
}

// PromoteReason reports the outcome of a promotion attempt.
type PromoteReason string

const (
	PromoteReasonPromoted          PromoteReason = "promoted"
	PromoteReasonActiveTaskExists  PromoteReason = "active_task_exists"
	PromoteReasonAgentsStillActive PromoteReason = "agents_still_active"
	PromoteReasonNoQueuedTasks     PromoteReason = "no_queued_tasks"
)

// PromoteNext attempts one queued->pending promotion in its own transaction.
func (s *Service) PromoteNext(ctx context.Context, roomID string) (string, PromoteReason, error) {
	now := time.Now().UTC()
	var promotedID string
	var reason PromoteReason

	err := s.store.WithTx(ctx, func(tx *sqlite.Tx) error {
		room, err := tx.GetChatroom(ctx, roomID)
		if err != nil {
			return err
		}
		promotedID, reason, err = s.promoteNext(ctx, tx, room, now)
		return err
	})
	if err != nil {
		return "", "", err
	}
	return promotedID, reason, nil
}

// promoteNext runs inside the caller's transaction. Promotion is legal only
// when the active slot is empty and no participant is working.
func (s *Service) promoteNext(ctx context.Context, tx *sqlite.Tx, room domain.Chatroom, now time.Time) (string, PromoteReason, error) {
	if _, occupied, err := tx.ActiveTask(ctx, room.ID); err != nil {
		return "", "", err
	} else if occupied {
		return "", PromoteReasonActiveTaskExists, nil
	}

	participants, err := tx.ListParticipants(ctx, room.ID)
	if err != nil {
		return "", "", err
	}
	for _, p := range participants {
		if p.Status == domain.ParticipantStatusActive {
			return "", PromoteReasonAgentsStillActive, nil
		}
	}

	next, ok, err := tx.MinQueuedTask(ctx, room.ID)
	if err != nil {
		return "", "", err
	}
	if !ok {
		return "", PromoteReasonNoQueuedTasks, nil
	}

	if err := s.transitionAndSave(ctx, tx, &next, domain.TaskStatusPending, fsm.TriggerPromote, now, fsm.Fields{}); err != nil {
		return "", "", err
	}
	return next.ID, PromoteReasonPromoted, nil
}

// transitionAndSave pushes a task through the FSM and persists the task and
// its audit record in the caller's transaction. The no-op case writes
// nothing.
func (s *Service) transitionAndSave(ctx context.Context, tx *sqlite.Tx, task *domain.Task, to domain.TaskStatus, trigger fsm.Trigger, now time.Time, fields fsm.Fields) error {
	res, err := fsm.Transition(task, to, trigger, now, fields)
	if err != nil {
		return err
	}
	if !res.Changed {
		return nil
	}
	if err := tx.SaveTask(ctx, *task); err != nil {
		return err
	}
	return tx.InsertAudit(ctx, res.Audit)
}

func waitingRoles(participants []domain.Participant) []string {
	out := make([]string, 0, len(participants))
	for _, p := range participants {
		if p.Status == domain.ParticipantStatusWaiting {
			out = append(out, p.Role)
		}
	}
	return out
}

func bestWaitingRole(participants []domain.Participant) string {
	return roles.HighestPriority(waitingRoles(participants))
}
