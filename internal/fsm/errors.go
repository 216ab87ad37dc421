package fsm

import (
	"fmt"
	"strings"

	"crewroom/internal/domain"
)

// Alternative is one legal (target status, trigger) pair from a given status.
type Alternative struct {
	To      domain.TaskStatus `json:"to"`
	Trigger Trigger           `json:"trigger"`
}

// InvalidTransitionError is returned when no rule matches the requested
// (from, to, trigger) triple. Legal always carries every alternative
// reachable from the task's current status.
type InvalidTransitionError struct {
	TaskID  string
	From    domain.TaskStatus
	To      domain.TaskStatus
	Trigger Trigger
	Legal   []Alternative
}

func (e *InvalidTransitionError) Error() string {
	alts := make([]string, 0, len(e.Legal))
	for _, a := range e.Legal {
		alts = append(alts, fmt.Sprintf("%s via %s", a.To, a.Trigger))
	}
	legal := "none"
	if len(alts) > 0 {
		legal = strings.Join(alts, ", ")
	}
	return fmt.Sprintf(
		"invalid transition %s -> %s via %s for task %s; legal from %s: %s",
		e.From, e.To, e.Trigger, e.TaskID, e.From, legal,
	)
}

// ValidationError is returned when matching rules exist but every validate
// predicate rejected the task.
type ValidationError struct {
	TaskID  string
	From    domain.TaskStatus
	To      domain.TaskStatus
	Trigger Trigger
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf(
		"transition %s -> %s via %s rejected for task %s: %s",
		e.From, e.To, e.Trigger, e.TaskID, e.Reason,
	)
}

// MissingFieldError names the required field a transition cannot proceed
// without.
type MissingFieldError struct {
	TaskID  string
	Trigger Trigger
	Field   Field
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("transition via %s for task %s requires field %s", e.Trigger, e.TaskID, e.Field)
}
