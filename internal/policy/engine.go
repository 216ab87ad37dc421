// Package policy decides whether a handoff target is legal for the work
// being handed over. Restrictions are recoverable routing hints, not errors.
package policy

import (
	"context"

	"crewroom/internal/domain"
)

type Store interface {
	GetMessage(ctx context.Context, messageID string) (domain.Message, error)
	LatestClassifiedUserMessage(ctx context.Context, roomID string, beforeSeq int64) (domain.Message, bool, error)
}

type Engine struct {
	store Store
}

func New(store Store) *Engine {
	return &Engine{store: store}
}

// CanHandoff checks the classification restriction for a handoff from
// fromRole to toRole covering the given active task. A task most recently
// classified new_feature must pass review before the builder may hand it to
// the user. Returns (allowed, reason).
func (e *Engine) CanHandoff(
	ctx context.Context,
	task domain.Task,
	fromRole string,
	toRole string,
) (bool, string, error) {
	if toRole != domain.RoleUser {
		return true, "agent-to-agent handoff", nil
	}
	if fromRole != "builder" {
		return true, "role is not restricted", nil
	}

	classification, err := e.taskClassification(ctx, task)
	if err != nil {
		return false, "", err
	}
	if classification == domain.ClassificationNewFeature {
		return false, "new_feature work must be reviewed before handing off to user", nil
	}
	return true, "classification permits handoff", nil
}

// taskClassification resolves the classification governing a task. Source
// messages carrying a back-reference (follow_ups and handoff messages) defer
// to the classified user message they point at; a follow_up without one falls
// back to the nearest preceding classified user message.
func (e *Engine) taskClassification(ctx context.Context, task domain.Task) (domain.Classification, error) {
	if task.SourceMessageID == "" {
		return domain.ClassificationNone, nil
	}
	msg, err := e.store.GetMessage(ctx, task.SourceMessageID)
	if err != nil {
		return domain.ClassificationNone, err
	}
	if msg.TaskOriginMessageID != "" {
		origin, err := e.store.GetMessage(ctx, msg.TaskOriginMessageID)
		if err != nil {
			return domain.ClassificationNone, err
		}
		return origin.Classification, nil
	}
	if msg.Classification != domain.ClassificationFollowUp {
		return msg.Classification, nil
	}

	origin, ok, err := e.store.LatestClassifiedUserMessage(ctx, msg.ChatroomID, msg.Seq)
	if err != nil {
		return domain.ClassificationNone, err
	}
	if !ok {
		return domain.ClassificationNone, nil
	}
	return origin.Classification, nil
}
