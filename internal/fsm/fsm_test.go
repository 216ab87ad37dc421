package fsm

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"crewroom/internal/domain"
)

func TestClaimSetsAssignmentAndTimestamp(t *testing.T) {
	now := time.Now().UTC()
	task := domain.Task{ID: "t1", Status: domain.TaskStatusPending, Origin: domain.TaskOriginChat}

	res, err := Transition(&task, domain.TaskStatusAcknowledged, TriggerClaim, now, Fields{AssignedTo: "planner"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !res.Changed {
		t.Fatalf("expected a change")
	}
	if task.AssignedTo != "planner" {
		t.Fatalf("assignedTo = %q, want planner", task.AssignedTo)
	}
	if task.AcknowledgedAt == nil || !task.AcknowledgedAt.Equal(now) {
		t.Fatalf("acknowledgedAt = %v, want %v", task.AcknowledgedAt, now)
	}
	if res.Audit.FromStatus != domain.TaskStatusPending || res.Audit.ToStatus != domain.TaskStatusAcknowledged {
		t.Fatalf("audit = %+v", res.Audit)
	}
}

func TestClaimWithoutAssigneeFails(t *testing.T) {
	task := domain.Task{ID: "t1", Status: domain.TaskStatusPending, Origin: domain.TaskOriginChat}

	_, err := Transition(&task, domain.TaskStatusAcknowledged, TriggerClaim, time.Now().UTC(), Fields{})
	var missing *MissingFieldError
	if !errors.As(err, &missing) {
		t.Fatalf("err = %v, want MissingFieldError", err)
	}
	if missing.Field != FieldAssignedTo {
		t.Fatalf("field = %s, want %s", missing.Field, FieldAssignedTo)
	}
	if task.Status != domain.TaskStatusPending {
		t.Fatalf("task mutated on failed transition: %s", task.Status)
	}
}

func TestSameStatusIsNoOp(t *testing.T) {
	task := domain.Task{ID: "t1", Status: domain.TaskStatusPending}
	before := task

	res, err := Transition(&task, domain.TaskStatusPending, TriggerPromote, time.Now().UTC(), Fields{})
	if err != nil {
		t.Fatalf("no-op: %v", err)
	}
	if res.Changed {
		t.Fatalf("no-op reported a change")
	}
	if !reflect.DeepEqual(task, before) {
		t.Fatalf("no-op mutated the task")
	}
}

func TestInvalidTransitionListsAlternatives(t *testing.T) {
	task := domain.Task{ID: "t1", Status: domain.TaskStatusCompleted, Origin: domain.TaskOriginChat}

	_, err := Transition(&task, domain.TaskStatusInProgress, TriggerStart, time.Now().UTC(), Fields{})
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("err = %v, want InvalidTransitionError", err)
	}
	if len(invalid.Legal) == 0 {
		t.Fatalf("expected legal alternatives from completed")
	}
	found := false
	for _, alt := range invalid.Legal {
		if alt.To == domain.TaskStatusPendingUserReview && alt.Trigger == TriggerReopen {
			found = true
		}
	}
	if !found {
		t.Fatalf("reopen alternative missing from %v", invalid.Legal)
	}
}

func TestCompleteTargetDependsOnOrigin(t *testing.T) {
	now := time.Now().UTC()

	chat := domain.Task{ID: "c", Status: domain.TaskStatusInProgress, Origin: domain.TaskOriginChat}
	if _, err := Transition(&chat, domain.TaskStatusCompleted, TriggerComplete, now, Fields{}); err != nil {
		t.Fatalf("chat complete: %v", err)
	}
	if chat.CompletedAt == nil {
		t.Fatalf("completedAt not set")
	}

	backlog := domain.Task{ID: "b", Status: domain.TaskStatusInProgress, Origin: domain.TaskOriginBacklog}
	if _, err := Transition(&backlog, domain.TaskStatusCompleted, TriggerComplete, now, Fields{}); err == nil {
		t.Fatalf("backlog task completed directly, want validation failure")
	} else {
		var validation *ValidationError
		if !errors.As(err, &validation) {
			t.Fatalf("err = %v, want ValidationError", err)
		}
	}
	if _, err := Transition(&backlog, domain.TaskStatusPendingUserReview, TriggerComplete, now, Fields{}); err != nil {
		t.Fatalf("backlog complete to review: %v", err)
	}
	if backlog.BacklogState != domain.BacklogStateStarted {
		t.Fatalf("backlogState = %s, want started", backlog.BacklogState)
	}
}

func TestSendBackClearsProgressFields(t *testing.T) {
	now := time.Now().UTC()
	ack := now.Add(-time.Hour)
	task := domain.Task{
		ID:             "t1",
		Status:         domain.TaskStatusPendingUserReview,
		Origin:         domain.TaskOriginBacklog,
		AssignedTo:     "builder",
		ParentTaskIDs:  []string{"parent"},
		AcknowledgedAt: &ack,
		StartedAt:      &ack,
		CompletedAt:    &ack,
	}

	if _, err := Transition(&task, domain.TaskStatusQueued, TriggerSendBack, now, Fields{}); err != nil {
		t.Fatalf("send back: %v", err)
	}
	if task.AssignedTo != "" || task.AcknowledgedAt != nil || task.StartedAt != nil || task.CompletedAt != nil || task.ParentTaskIDs != nil {
		t.Fatalf("rework did not clear progress fields: %+v", task)
	}
	if task.BacklogState != domain.BacklogStateStarted {
		t.Fatalf("backlogState = %s, want started", task.BacklogState)
	}
}

func TestBacklogLifecycle(t *testing.T) {
	now := time.Now().UTC()
	task := domain.Task{ID: "b1", Status: domain.TaskStatusBacklog, Origin: domain.TaskOriginBacklog, BacklogState: domain.BacklogStateNotStarted}

	if _, err := Transition(&task, domain.TaskStatusBacklogAck, TriggerAttach, now, Fields{ParentTaskIDs: []string{"p1"}}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if len(task.ParentTaskIDs) != 1 || task.ParentTaskIDs[0] != "p1" {
		t.Fatalf("parents = %v", task.ParentTaskIDs)
	}
	if _, err := Transition(&task, domain.TaskStatusPendingUserReview, TriggerParentAck, now, Fields{}); err != nil {
		t.Fatalf("parent ack: %v", err)
	}
	if _, err := Transition(&task, domain.TaskStatusCompleted, TriggerMarkComplete, now, Fields{}); err != nil {
		t.Fatalf("mark complete: %v", err)
	}
	if task.BacklogState != domain.BacklogStateComplete {
		t.Fatalf("backlogState = %s, want complete", task.BacklogState)
	}

	// Completed backlog work can be reopened for another review round.
	if _, err := Transition(&task, domain.TaskStatusPendingUserReview, TriggerReopen, now, Fields{}); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if task.BacklogState != domain.BacklogStateStarted {
		t.Fatalf("backlogState after reopen = %s, want started", task.BacklogState)
	}
}

func TestReopenRequiresBacklogOrigin(t *testing.T) {
	task := domain.Task{ID: "t1", Status: domain.TaskStatusClosed, Origin: domain.TaskOriginChat}

	_, err := Transition(&task, domain.TaskStatusPendingUserReview, TriggerReopen, time.Now().UTC(), Fields{})
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestResetStuckClearsAssignment(t *testing.T) {
	now := time.Now().UTC()
	started := now.Add(-time.Hour)
	task := domain.Task{
		ID:             "t1",
		Status:         domain.TaskStatusInProgress,
		Origin:         domain.TaskOriginChat,
		AssignedTo:     "builder",
		AcknowledgedAt: &started,
		StartedAt:      &started,
	}

	if _, err := Transition(&task, domain.TaskStatusPending, TriggerResetStuck, now, Fields{}); err != nil {
		t.Fatalf("reset stuck: %v", err)
	}
	if task.AssignedTo != "" || task.StartedAt != nil || task.AcknowledgedAt != nil {
		t.Fatalf("reset left progress fields: %+v", task)
	}
}

func TestLegalDeduplicates(t *testing.T) {
	alts := Legal(domain.TaskStatusPendingUserReview)
	seen := make(map[Alternative]int)
	for _, alt := range alts {
		seen[alt]++
		if seen[alt] > 1 {
			t.Fatalf("duplicate alternative %+v", alt)
		}
	}
	if len(alts) == 0 {
		t.Fatalf("no alternatives for pending_user_review")
	}
}
