package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"crewroom/internal/domain"
	"crewroom/internal/fsm"
	"crewroom/internal/policy"
	"crewroom/internal/store/sqlite"
)

type HandoffInput struct {
	ChatroomID string
	FromRole   string
	ToRole     string
	Content    string
}

// HandoffResult reports what a handoff did. Restricted means the policy
// refused the target and nothing was written; the sender should re-route.
type HandoffResult struct {
	Restricted       bool              `json:"restricted"`
	Reason           string            `json:"reason,omitempty"`
	MessageID        string            `json:"message_id,omitempty"`
	CreatedTaskID    string            `json:"created_task_id,omitempty"`
	CompletedTaskIDs []string          `json:"completed_task_ids,omitempty"`
	PromotedTaskID   string            `json:"promoted_task_id,omitempty"`
	PromoteReason    PromoteReason     `json:"promote_reason,omitempty"`
	Message          domain.Message    `json:"message"`
}

// Handoff transfers control from one role to another (or back to the user)
// in a single transaction: policy check, completion of the sender's
// in-progress work, the handoff message, the successor task (agent targets
// only), readiness bookkeeping, promotion (user targets only), and
// acknowledgment of backlog tasks attached to the completed work.
func (s *Service) Handoff(ctx context.Context, in HandoffInput) (HandoffResult, error) {
	now := time.Now().UTC()
	var result HandoffResult
	var wake []string

	err := s.store.WithTx(ctx, func(tx *sqlite.Tx) error {
		room, err := tx.GetChatroom(ctx, in.ChatroomID)
		if err != nil {
			return err
		}
		if !room.HasRole(in.FromRole) {
			return fmt.Errorf("role %s is not on the team of chatroom %s", in.FromRole, in.ChatroomID)
		}
		if in.ToRole != domain.RoleUser && !room.HasRole(in.ToRole) {
			return fmt.Errorf("handoff target %s is not on the team of chatroom %s", in.ToRole, in.ChatroomID)
		}

		active, err := tx.ListInProgressAssignedTo(ctx, in.ChatroomID, in.FromRole)
		if err != nil {
			return err
		}

		checker := policy.New(tx)
		for _, task := range active {
			allowed, reason, err := checker.CanHandoff(ctx, task, in.FromRole, in.ToRole)
			if err != nil {
				return err
			}
			if !allowed {
				result = HandoffResult{Restricted: true, Reason: reason}
				return nil
			}
		}

		var completed []domain.Task
		for i := range active {
			task := active[i]
			if err := s.transitionAndSave(ctx, tx, &task, completionTarget(task), fsm.TriggerComplete, now, fsm.Fields{}); err != nil {
				return err
			}
			if task.SourceMessageID != "" {
				if err := tx.MarkMessageCompleted(ctx, task.SourceMessageID, now); err != nil && !errors.Is(err, sqlite.ErrNotFound) {
					return err
				}
			}
			completed = append(completed, task)
			result.CompletedTaskIDs = append(result.CompletedTaskIDs, task.ID)
		}

		originID, err := s.governingOriginID(ctx, tx, active)
		if err != nil {
			return err
		}

		msg := domain.Message{
			ID:                  uuid.NewString(),
			ChatroomID:          in.ChatroomID,
			SenderRole:          in.FromRole,
			Content:             in.Content,
			Type:                domain.MessageTypeHandoff,
			TargetRole:          in.ToRole,
			Classification:      domain.ClassificationNone,
			TaskOriginMessageID: originID,
			CreatedAt:           now,
		}
		seq, err := tx.InsertMessage(ctx, msg)
		if err != nil {
			return err
		}
		msg.Seq = seq
		result.MessageID = msg.ID
		result.Message = msg

		if in.ToRole != domain.RoleUser {
			pos, err := tx.NextQueuePosition(ctx, in.ChatroomID, now)
			if err != nil {
				return err
			}
			// The sender's completions ran above, so the slot check sees
			// them. An unrelated slot holder pushes the successor into the
			// queue instead of doubling the active slot.
			status, err := s.enqueueTarget(ctx, tx, in.ChatroomID)
			if err != nil {
				return err
			}
			successor := domain.Task{
				ID:              uuid.NewString(),
				ChatroomID:      in.ChatroomID,
				Status:          status,
				Origin:          domain.TaskOriginNone,
				Content:         in.Content,
				CreatedBy:       in.FromRole,
				AssignedTo:      in.ToRole,
				QueuePosition:   pos,
				SourceMessageID: msg.ID,
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			if err := tx.InsertTask(ctx, successor); err != nil {
				return err
			}
			result.CreatedTaskID = successor.ID
		}

		if err := tx.SetParticipantStatus(ctx, in.ChatroomID, in.FromRole, domain.ParticipantStatusWaiting, now); err != nil && !errors.Is(err, sqlite.ErrNotFound) {
			return err
		}

		if in.ToRole == domain.RoleUser {
			promotedID, reason, err := s.promoteNext(ctx, tx, room, now)
			if err != nil {
				return err
			}
			result.PromotedTaskID = promotedID
			result.PromoteReason = reason
		}

		if err := s.acknowledgeAttachedBacklog(ctx, tx, in.ChatroomID, completed, now); err != nil {
			return err
		}

		if in.ToRole != domain.RoleUser {
			wake = []string{in.ToRole}
		} else {
			wake = room.Roles
		}
		return tx.TouchChatroom(ctx, in.ChatroomID, now)
	})
	if err != nil {
		return HandoffResult{}, err
	}

	if !result.Restricted {
		s.bus.Notify(in.ChatroomID, wake...)
	}
	return result, nil
}

// completionTarget is where a finished task lands: backlog-origin work waits
// for the user, everything else completes outright.
func completionTarget(task domain.Task) domain.TaskStatus {
	if task.Origin == domain.TaskOriginBacklog {
		return domain.TaskStatusPendingUserReview
	}
	return domain.TaskStatusCompleted
}

// acknowledgeAttachedBacklog moves tasks attached under the completed work
// into user review. Attachment is recorded as a parent reference on the
// attached task; tasks in a state the parent-acknowledged trigger does not
// cover are left alone.
func (s *Service) acknowledgeAttachedBacklog(ctx context.Context, tx *sqlite.Tx, roomID string, completed []domain.Task, now time.Time) error {
	if len(completed) == 0 {
		return nil
	}
	parents := make(map[string]bool, len(completed))
	for _, parent := range completed {
		parents[parent.ID] = true
	}

	all, err := tx.ListRoomTasks(ctx, roomID)
	if err != nil {
		return err
	}
	for i := range all {
		attached := all[i]
		if !referencesAny(attached.ParentTaskIDs, parents) {
			continue
		}
		err := s.transitionAndSave(ctx, tx, &attached, domain.TaskStatusPendingUserReview, fsm.TriggerParentAck, now, fsm.Fields{})
		if err != nil {
			var invalid *fsm.InvalidTransitionError
			if errors.As(err, &invalid) {
				continue
			}
			return err
		}
	}
	return nil
}

// governingOriginID finds the classified user message behind the work being
// handed over, so the classification survives agent-to-agent relays. Source
// messages that already carry a back-reference (earlier handoffs, follow_ups)
// pass it through unchanged, keeping the chain one hop deep.
func (s *Service) governingOriginID(ctx context.Context, tx *sqlite.Tx, tasks []domain.Task) (string, error) {
	for _, task := range tasks {
		if task.SourceMessageID == "" {
			continue
		}
		src, err := tx.GetMessage(ctx, task.SourceMessageID)
		if err != nil {
			if errors.Is(err, sqlite.ErrNotFound) {
				continue
			}
			return "", err
		}
		if src.TaskOriginMessageID != "" {
			return src.TaskOriginMessageID, nil
		}
		if src.Classification != domain.ClassificationNone {
			return src.ID, nil
		}
	}
	return "", nil
}

func referencesAny(ids []string, set map[string]bool) bool {
	for _, id := range ids {
		if set[id] {
			return true
		}
	}
	return false
}
