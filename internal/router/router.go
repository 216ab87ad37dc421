// Package router decides which waiting role receives the next unclaimed
// message. Selection is pure; the caller re-validates and claims inside a
// storage transaction before acting on the result.
package router

import (
	"crewroom/internal/domain"
	"crewroom/internal/roles"
)

// Next scans messages (ordered by seq, all strictly after the poller's
// cursor) and returns the first one the role should receive. The waiting
// slice holds the roles currently in waiting status; entryRole receives
// messages sent by the user. First match wins; ok=false means no message.
func Next(role string, entryRole string, waiting []string, msgs []domain.Message) (domain.Message, bool) {
	broadcastWinner := roles.HighestPriority(waiting)
	for _, msg := range msgs {
		if Matches(msg, role, entryRole, broadcastWinner) {
			return msg, true
		}
	}
	return domain.Message{}, false
}

// Matches applies the per-message delivery rules for one candidate role.
// broadcastWinner is the highest-priority waiting role, which is the only
// role untargeted non-user messages are delivered to.
func Matches(msg domain.Message, role string, entryRole string, broadcastWinner string) bool {
	if msg.SenderRole == role {
		return false
	}
	if msg.Type == domain.MessageTypeJoin {
		return false
	}
	// A claimed message belongs to its claimant outright, so re-polling
	// after a claim redelivers it instead of re-running the broadcast rules.
	if msg.ClaimedByRole != "" {
		return msg.ClaimedByRole == role
	}
	if msg.Type == domain.MessageTypeInterrupt {
		return true
	}
	if msg.TargetRole != "" {
		return msg.TargetRole == role
	}
	if msg.SenderRole == domain.RoleUser {
		return role == entryRole
	}
	return role == broadcastWinner
}
