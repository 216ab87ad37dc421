// Package guidance renders the short instruction text attached to inbox
// deliveries. It is deterministic templating; the orchestration core only
// supplies the role and the message classification.
package guidance

import (
	"fmt"

	"crewroom/internal/domain"
)

var byClassification = map[domain.Classification]string{
	domain.ClassificationQuestion:   "Answer the question directly. Hand off to user when done.",
	domain.ClassificationNewFeature: "Implement the requested feature. Route the result through review before it reaches the user.",
	domain.ClassificationFollowUp:   "This continues earlier work. Check the referenced conversation before acting.",
	domain.ClassificationNone:       "Act on the message content and hand off when your part is done.",
}

// For returns the guidance line for a role receiving a message with the
// given classification.
func For(role string, classification domain.Classification) string {
	text, ok := byClassification[classification]
	if !ok {
		text = byClassification[domain.ClassificationNone]
	}
	return fmt.Sprintf("[%s] %s", role, text)
}
