package policy

import (
	"context"
	"fmt"
	"testing"

	"crewroom/internal/domain"
)

type fakeStore struct {
	messages map[string]domain.Message
	latest   *domain.Message
}

func (f *fakeStore) GetMessage(_ context.Context, messageID string) (domain.Message, error) {
	msg, ok := f.messages[messageID]
	if !ok {
		return domain.Message{}, fmt.Errorf("message %s not found", messageID)
	}
	return msg, nil
}

func (f *fakeStore) LatestClassifiedUserMessage(_ context.Context, _ string, _ int64) (domain.Message, bool, error) {
	if f.latest == nil {
		return domain.Message{}, false, nil
	}
	return *f.latest, true, nil
}

func TestAgentToAgentHandoffAlwaysAllowed(t *testing.T) {
	eng := New(&fakeStore{})
	task := domain.Task{ID: "t1", SourceMessageID: "m1"}

	allowed, _, err := eng.CanHandoff(context.Background(), task, "builder", "reviewer")
	if err != nil || !allowed {
		t.Fatalf("allowed=%t err=%v, want allowed", allowed, err)
	}
}

func TestNonBuilderMayHandToUser(t *testing.T) {
	eng := New(&fakeStore{})
	task := domain.Task{ID: "t1", SourceMessageID: "m1"}

	allowed, _, err := eng.CanHandoff(context.Background(), task, "reviewer", domain.RoleUser)
	if err != nil || !allowed {
		t.Fatalf("allowed=%t err=%v, want allowed", allowed, err)
	}
}

func TestBuilderBlockedOnNewFeature(t *testing.T) {
	store := &fakeStore{messages: map[string]domain.Message{
		"m1": {ID: "m1", Classification: domain.ClassificationNewFeature},
	}}
	eng := New(store)
	task := domain.Task{ID: "t1", SourceMessageID: "m1"}

	allowed, reason, err := eng.CanHandoff(context.Background(), task, "builder", domain.RoleUser)
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if allowed {
		t.Fatalf("builder handed new_feature work to user")
	}
	if reason == "" {
		t.Fatalf("restriction carries no reason")
	}
}

func TestBuilderAllowedOnQuestion(t *testing.T) {
	store := &fakeStore{messages: map[string]domain.Message{
		"m1": {ID: "m1", Classification: domain.ClassificationQuestion},
	}}
	eng := New(store)
	task := domain.Task{ID: "t1", SourceMessageID: "m1"}

	allowed, _, err := eng.CanHandoff(context.Background(), task, "builder", domain.RoleUser)
	if err != nil || !allowed {
		t.Fatalf("allowed=%t err=%v, want allowed", allowed, err)
	}
}

func TestFollowUpResolvesThroughBackReference(t *testing.T) {
	store := &fakeStore{messages: map[string]domain.Message{
		"origin": {ID: "origin", Classification: domain.ClassificationNewFeature},
		"follow": {ID: "follow", Classification: domain.ClassificationFollowUp, TaskOriginMessageID: "origin"},
	}}
	eng := New(store)
	task := domain.Task{ID: "t1", SourceMessageID: "follow"}

	allowed, _, err := eng.CanHandoff(context.Background(), task, "builder", domain.RoleUser)
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if allowed {
		t.Fatalf("follow-up of new_feature work escaped the restriction")
	}
}

func TestFollowUpWithoutBackReferenceUsesLatestClassified(t *testing.T) {
	latest := domain.Message{ID: "older", Classification: domain.ClassificationQuestion}
	store := &fakeStore{
		messages: map[string]domain.Message{
			"follow": {ID: "follow", ChatroomID: "room", Seq: 9, Classification: domain.ClassificationFollowUp},
		},
		latest: &latest,
	}
	eng := New(store)
	task := domain.Task{ID: "t1", SourceMessageID: "follow"}

	allowed, _, err := eng.CanHandoff(context.Background(), task, "builder", domain.RoleUser)
	if err != nil || !allowed {
		t.Fatalf("allowed=%t err=%v, want allowed via question origin", allowed, err)
	}
}

func TestHandoffChainResolvesThroughBackReference(t *testing.T) {
	store := &fakeStore{messages: map[string]domain.Message{
		"origin": {ID: "origin", Classification: domain.ClassificationNewFeature},
		"relay":  {ID: "relay", Type: domain.MessageTypeHandoff, Classification: domain.ClassificationNone, TaskOriginMessageID: "origin"},
	}}
	eng := New(store)
	task := domain.Task{ID: "t1", Origin: domain.TaskOriginNone, SourceMessageID: "relay"}

	allowed, _, err := eng.CanHandoff(context.Background(), task, "builder", domain.RoleUser)
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if allowed {
		t.Fatalf("new_feature work escaped the restriction after a relay")
	}
}

func TestTaskWithoutSourceMessageIsUnrestricted(t *testing.T) {
	eng := New(&fakeStore{})
	task := domain.Task{ID: "t1"}

	allowed, _, err := eng.CanHandoff(context.Background(), task, "builder", domain.RoleUser)
	if err != nil || !allowed {
		t.Fatalf("allowed=%t err=%v, want allowed", allowed, err)
	}
}
