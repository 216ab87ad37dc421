// Package fsm is the sole write path for task status. Transition validates a
// requested status change against the rule table, applies field effects
// atomically on the in-memory task, and hands back an audit record for the
// caller to persist in the same storage transaction.
package fsm

import (
	"time"

	"crewroom/internal/domain"
)

// Fields carries caller-supplied values consumed by rules that set value
// fields (claim needs AssignedTo, attach needs ParentTaskIDs).
type Fields struct {
	AssignedTo    string
	ParentTaskIDs []string
}

// Result reports what a transition did. Changed is false for the no-op case
// (task already at the target status); no audit record is produced then.
type Result struct {
	Changed bool
	Audit   domain.AuditRecord
}

// Transition mutates task according to the rule matching (task.Status, to,
// trigger). On success the task carries the new status, field effects, a
// refreshed UpdatedAt, and a recomputed backlog sub-state; the returned
// audit record must be written together with the task.
func Transition(task *domain.Task, to domain.TaskStatus, trigger Trigger, now time.Time, fields Fields) (Result, error) {
	if task.Status == to {
		return Result{}, nil
	}

	var matched []rule
	for _, r := range rules {
		if r.from == task.Status && r.to == to && r.trigger == trigger {
			matched = append(matched, r)
		}
	}
	if len(matched) == 0 {
		return Result{}, &InvalidTransitionError{
			TaskID:  task.ID,
			From:    task.Status,
			To:      to,
			Trigger: trigger,
			Legal:   Legal(task.Status),
		}
	}

	var selected *rule
	var firstReason string
	for i := range matched {
		if matched[i].validate == nil {
			selected = &matched[i]
			break
		}
		ok, reason := matched[i].validate(*task)
		if ok {
			selected = &matched[i]
			break
		}
		if firstReason == "" {
			firstReason = reason
		}
	}
	if selected == nil {
		return Result{}, &ValidationError{
			TaskID:  task.ID,
			From:    task.Status,
			To:      to,
			Trigger: trigger,
			Reason:  firstReason,
		}
	}

	for _, f := range selected.requires {
		if !fieldPresent(*task, fields, f) {
			return Result{}, &MissingFieldError{TaskID: task.ID, Trigger: trigger, Field: f}
		}
	}

	from := task.Status
	for _, f := range selected.sets {
		setField(task, fields, f, now)
	}
	for _, f := range selected.clears {
		clearField(task, f)
	}
	task.Status = to
	task.UpdatedAt = now
	if task.Origin == domain.TaskOriginBacklog {
		task.BacklogState = backlogStateFor(to)
	}

	return Result{
		Changed: true,
		Audit: domain.AuditRecord{
			TaskID:     task.ID,
			FromStatus: from,
			ToStatus:   to,
			Trigger:    string(trigger),
			CreatedAt:  now,
		},
	}, nil
}

func fieldPresent(task domain.Task, fields Fields, f Field) bool {
	switch f {
	case FieldAssignedTo:
		return fields.AssignedTo != "" || task.AssignedTo != ""
	case FieldParentTaskIDs:
		return len(fields.ParentTaskIDs) > 0 || len(task.ParentTaskIDs) > 0
	case FieldAcknowledgedAt:
		return task.AcknowledgedAt != nil
	case FieldStartedAt:
		return task.StartedAt != nil
	case FieldCompletedAt:
		return task.CompletedAt != nil
	}
	return false
}

func setField(task *domain.Task, fields Fields, f Field, now time.Time) {
	switch f {
	case FieldAssignedTo:
		if fields.AssignedTo != "" {
			task.AssignedTo = fields.AssignedTo
		}
	case FieldParentTaskIDs:
		if len(fields.ParentTaskIDs) > 0 {
			task.ParentTaskIDs = fields.ParentTaskIDs
		}
	case FieldAcknowledgedAt:
		t := now
		task.AcknowledgedAt = &t
	case FieldStartedAt:
		t := now
		task.StartedAt = &t
	case FieldCompletedAt:
		t := now
		task.CompletedAt = &t
	}
}

func clearField(task *domain.Task, f Field) {
	switch f {
	case FieldAssignedTo:
		task.AssignedTo = ""
	case FieldParentTaskIDs:
		task.ParentTaskIDs = nil
	case FieldAcknowledgedAt:
		task.AcknowledgedAt = nil
	case FieldStartedAt:
		task.StartedAt = nil
	case FieldCompletedAt:
		task.CompletedAt = nil
	}
}

func backlogStateFor(status domain.TaskStatus) domain.BacklogState {
	switch status {
	case domain.TaskStatusBacklog:
		return domain.BacklogStateNotStarted
	case domain.TaskStatusCompleted:
		return domain.BacklogStateComplete
	case domain.TaskStatusClosed:
		return domain.BacklogStateClosed
	default:
		return domain.BacklogStateStarted
	}
}
