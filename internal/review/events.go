package review

import "github.com/joescharf/pitchdesk/internal/models"

// CaseEvent is the sealed interface for events that drive a review case.
type CaseEvent interface {
	// isCaseEvent seals the interface to prevent external implementations.
	isCaseEvent()
}

func (JudgedEvent) isCaseEvent()             {}
func (RegeneratedEvent) isCaseEvent()        {}
func (RegenerationFailedEvent) isCaseEvent() {}
func (BudgetExhaustedEvent) isCaseEvent()    {}

// JudgedEvent carries the verdict on the current draft. A judgment that
// could not be produced arrives as models.SystemErrorJudgment.
type JudgedEvent struct {
	Judgment models.Judgment
}

// RegeneratedEvent carries a fresh draft produced after a revision request.
type RegeneratedEvent struct {
	Article string
}

// RegenerationFailedEvent is sent when the generator could not produce a
// revised draft.
type RegenerationFailedEvent struct {
	Err error
}

// BudgetExhaustedEvent is sent instead of regenerating when another
// revision would exceed the attempt budget, for example after the budget
// was lowered while the case waited.
type BudgetExhaustedEvent struct{}
