package fsm

import "crewroom/internal/domain"

type Trigger string

const (
	TriggerClaim         Trigger = "claim"
	TriggerStart         Trigger = "start"
	TriggerComplete      Trigger = "complete"
	TriggerAttach        Trigger = "attach"
	TriggerParentAck     Trigger = "parent-acknowledged"
	TriggerMarkComplete  Trigger = "mark-complete"
	TriggerSendBack      Trigger = "send-back-for-rework"
	TriggerPromote       Trigger = "promote"
	TriggerMoveToQueue   Trigger = "move-to-queue"
	TriggerCancel        Trigger = "cancel"
	TriggerResetStuck    Trigger = "reset-stuck"
	TriggerReopen        Trigger = "reopen"
	TriggerForceComplete Trigger = "force-complete"
)

// Field names a task field a rule requires, sets, or clears. Timestamp
// fields are set to the transition instant; value fields come from the
// caller-supplied Fields.
type Field string

const (
	FieldAssignedTo     Field = "assignedTo"
	FieldAcknowledgedAt Field = "acknowledgedAt"
	FieldStartedAt      Field = "startedAt"
	FieldCompletedAt    Field = "completedAt"
	FieldParentTaskIDs  Field = "parentTaskIds"
)

type rule struct {
	from     domain.TaskStatus
	to       domain.TaskStatus
	trigger  Trigger
	validate func(domain.Task) (bool, string)
	requires []Field
	sets     []Field
	clears   []Field
}

func originIsBacklog(t domain.Task) (bool, string) {
	if t.Origin != domain.TaskOriginBacklog {
		return false, "task origin is not backlog"
	}
	return true, ""
}

func originIsNotBacklog(t domain.Task) (bool, string) {
	if t.Origin == domain.TaskOriginBacklog {
		return false, "backlog-origin task must go to user review"
	}
	return true, ""
}

var reworkClears = []Field{FieldAcknowledgedAt, FieldStartedAt, FieldAssignedTo, FieldCompletedAt, FieldParentTaskIDs}

// rules is the complete transition table, keyed by (from, to, trigger).
// Every task status write flows through this table and nothing else.
var rules = []rule{
	{
		from:     domain.TaskStatusPending,
		to:       domain.TaskStatusAcknowledged,
		trigger:  TriggerClaim,
		requires: []Field{FieldAssignedTo},
		sets:     []Field{FieldAssignedTo, FieldAcknowledgedAt},
	},
	{
		from:    domain.TaskStatusAcknowledged,
		to:      domain.TaskStatusInProgress,
		trigger: TriggerStart,
		sets:    []Field{FieldStartedAt},
	},
	{
		from:     domain.TaskStatusInProgress,
		to:       domain.TaskStatusCompleted,
		trigger:  TriggerComplete,
		validate: originIsNotBacklog,
		sets:     []Field{FieldCompletedAt},
	},
	{
		from:     domain.TaskStatusInProgress,
		to:       domain.TaskStatusPendingUserReview,
		trigger:  TriggerComplete,
		validate: originIsBacklog,
		sets:     []Field{FieldCompletedAt},
	},
	{
		from:     domain.TaskStatusBacklog,
		to:       domain.TaskStatusBacklogAck,
		trigger:  TriggerAttach,
		requires: []Field{FieldParentTaskIDs},
		sets:     []Field{FieldParentTaskIDs, FieldAcknowledgedAt},
	},
	{from: domain.TaskStatusBacklog, to: domain.TaskStatusPendingUserReview, trigger: TriggerParentAck},
	{from: domain.TaskStatusBacklogAck, to: domain.TaskStatusPendingUserReview, trigger: TriggerParentAck},
	{from: domain.TaskStatusQueued, to: domain.TaskStatusPendingUserReview, trigger: TriggerParentAck},
	{from: domain.TaskStatusPending, to: domain.TaskStatusPendingUserReview, trigger: TriggerParentAck},
	{from: domain.TaskStatusInProgress, to: domain.TaskStatusPendingUserReview, trigger: TriggerParentAck},
	{
		from:    domain.TaskStatusPendingUserReview,
		to:      domain.TaskStatusCompleted,
		trigger: TriggerMarkComplete,
		sets:    []Field{FieldCompletedAt},
	},
	{
		from:    domain.TaskStatusPendingUserReview,
		to:      domain.TaskStatusPending,
		trigger: TriggerSendBack,
		clears:  reworkClears,
	},
	{
		from:    domain.TaskStatusPendingUserReview,
		to:      domain.TaskStatusQueued,
		trigger: TriggerSendBack,
		clears:  reworkClears,
	},
	{from: domain.TaskStatusQueued, to: domain.TaskStatusPending, trigger: TriggerPromote},
	{from: domain.TaskStatusBacklog, to: domain.TaskStatusPending, trigger: TriggerMoveToQueue},
	{from: domain.TaskStatusBacklog, to: domain.TaskStatusQueued, trigger: TriggerMoveToQueue},
	{from: domain.TaskStatusPending, to: domain.TaskStatusClosed, trigger: TriggerCancel},
	{from: domain.TaskStatusAcknowledged, to: domain.TaskStatusClosed, trigger: TriggerCancel},
	{from: domain.TaskStatusInProgress, to: domain.TaskStatusClosed, trigger: TriggerCancel},
	{from: domain.TaskStatusQueued, to: domain.TaskStatusClosed, trigger: TriggerCancel},
	{from: domain.TaskStatusBacklog, to: domain.TaskStatusClosed, trigger: TriggerCancel},
	{from: domain.TaskStatusBacklogAck, to: domain.TaskStatusClosed, trigger: TriggerCancel},
	{from: domain.TaskStatusPendingUserReview, to: domain.TaskStatusClosed, trigger: TriggerCancel},
	{
		from:    domain.TaskStatusInProgress,
		to:      domain.TaskStatusPending,
		trigger: TriggerResetStuck,
		clears:  []Field{FieldStartedAt, FieldAssignedTo, FieldAcknowledgedAt},
	},
	{
		from:     domain.TaskStatusCompleted,
		to:       domain.TaskStatusPendingUserReview,
		trigger:  TriggerReopen,
		validate: originIsBacklog,
	},
	{
		from:     domain.TaskStatusClosed,
		to:       domain.TaskStatusPendingUserReview,
		trigger:  TriggerReopen,
		validate: originIsBacklog,
	},
	{from: domain.TaskStatusPending, to: domain.TaskStatusCompleted, trigger: TriggerForceComplete, sets: []Field{FieldCompletedAt}},
	{from: domain.TaskStatusAcknowledged, to: domain.TaskStatusCompleted, trigger: TriggerForceComplete, sets: []Field{FieldCompletedAt}},
	{from: domain.TaskStatusInProgress, to: domain.TaskStatusCompleted, trigger: TriggerForceComplete, sets: []Field{FieldCompletedAt}},
	{from: domain.TaskStatusQueued, to: domain.TaskStatusCompleted, trigger: TriggerForceComplete, sets: []Field{FieldCompletedAt}},
	{from: domain.TaskStatusBacklog, to: domain.TaskStatusCompleted, trigger: TriggerForceComplete, sets: []Field{FieldCompletedAt}},
}

// Legal returns every (to, trigger) pair reachable from the given status,
// in table order with duplicates collapsed.
func Legal(from domain.TaskStatus) []Alternative {
	seen := make(map[Alternative]bool)
	var out []Alternative
	for _, r := range rules {
		if r.from != from {
			continue
		}
		alt := Alternative{To: r.to, Trigger: r.trigger}
		if seen[alt] {
			continue
		}
		seen[alt] = true
		out = append(out, alt)
	}
	return out
}
