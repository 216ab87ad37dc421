package router

import (
	"testing"

	"crewroom/internal/domain"
)

func msg(id int64, sender string, opts ...func(*domain.Message)) domain.Message {
	m := domain.Message{
		ID:         "m",
		Seq:        id,
		SenderRole: sender,
		Type:       domain.MessageTypeMessage,
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

func target(role string) func(*domain.Message)     { return func(m *domain.Message) { m.TargetRole = role } }
func claimed(role string) func(*domain.Message)    { return func(m *domain.Message) { m.ClaimedByRole = role } }
func typed(t domain.MessageType) func(*domain.Message) {
	return func(m *domain.Message) { m.Type = t }
}

func TestUserMessageGoesToEntryRole(t *testing.T) {
	msgs := []domain.Message{msg(1, domain.RoleUser)}
	waiting := []string{"planner", "builder"}

	if _, ok := Next("builder", "planner", waiting, msgs); ok {
		t.Fatalf("builder received a user message meant for the entry role")
	}
	got, ok := Next("planner", "planner", waiting, msgs)
	if !ok || got.Seq != 1 {
		t.Fatalf("planner missed the user message: ok=%t", ok)
	}
}

func TestTargetRolePins(t *testing.T) {
	msgs := []domain.Message{msg(1, "planner", target("tester"))}

	if _, ok := Next("builder", "planner", []string{"builder", "tester"}, msgs); ok {
		t.Fatalf("builder received a message targeted at tester")
	}
	if _, ok := Next("tester", "planner", []string{"builder", "tester"}, msgs); !ok {
		t.Fatalf("tester missed its targeted message")
	}
}

func TestBroadcastGoesToHighestPriorityWaitingRole(t *testing.T) {
	msgs := []domain.Message{msg(1, "tester")}
	waiting := []string{"reviewer", "builder"}

	if _, ok := Next("reviewer", "planner", waiting, msgs); ok {
		t.Fatalf("reviewer received broadcast despite builder waiting")
	}
	if _, ok := Next("builder", "planner", waiting, msgs); !ok {
		t.Fatalf("builder missed the broadcast")
	}
}

func TestSenderNeverReceivesOwnMessage(t *testing.T) {
	msgs := []domain.Message{msg(1, "builder")}
	if _, ok := Next("builder", "planner", []string{"builder"}, msgs); ok {
		t.Fatalf("sender received its own message")
	}
}

func TestClaimedMessageOnlyReachesClaimant(t *testing.T) {
	msgs := []domain.Message{msg(1, domain.RoleUser, claimed("planner"))}

	if _, ok := Next("builder", "builder", []string{"builder", "planner"}, msgs); ok {
		t.Fatalf("claimed message leaked to another role")
	}
	if _, ok := Next("planner", "builder", []string{"builder", "planner"}, msgs); !ok {
		t.Fatalf("claimant stopped receiving its claimed message")
	}
}

func TestJoinMessagesAreNeverDelivered(t *testing.T) {
	msgs := []domain.Message{msg(1, "builder", typed(domain.MessageTypeJoin))}
	if _, ok := Next("planner", "planner", []string{"planner"}, msgs); ok {
		t.Fatalf("join notice was delivered")
	}
}

func TestInterruptReachesEveryRole(t *testing.T) {
	msgs := []domain.Message{msg(1, domain.RoleUser, typed(domain.MessageTypeInterrupt))}
	for _, role := range []string{"planner", "builder", "tester"} {
		if _, ok := Next(role, "planner", []string{"planner"}, msgs); !ok {
			t.Fatalf("%s missed the interrupt", role)
		}
	}
}

func TestFirstMatchWins(t *testing.T) {
	msgs := []domain.Message{
		msg(1, "tester"),
		msg(2, domain.RoleUser),
	}
	got, ok := Next("planner", "planner", []string{"planner"}, msgs)
	if !ok || got.Seq != 1 {
		t.Fatalf("got seq %d ok=%t, want the earliest matching message", got.Seq, ok)
	}
}

// A room with two waiting roles and a mixed backlog: each message lands on
// exactly one role.
func TestEachMessageHasOneRecipient(t *testing.T) {
	msgs := []domain.Message{
		msg(1, domain.RoleUser),
		msg(2, "planner", target("builder")),
		msg(3, "builder"),
	}
	allRoles := []string{"planner", "builder", "tester"}
	winner := "planner" // highest-priority waiting role

	for _, m := range msgs {
		recipients := 0
		for _, role := range allRoles {
			if Matches(m, role, "planner", winner) {
				recipients++
			}
		}
		if recipients != 1 {
			t.Fatalf("message seq=%d has %d recipients, want 1", m.Seq, recipients)
		}
	}
}
