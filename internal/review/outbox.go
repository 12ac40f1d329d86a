package review

// OutboxEvent is the sealed interface for side effects requested by a
// transition. The engine dispatches them in order.
type OutboxEvent interface {
	// isOutboxEvent seals the interface to prevent external implementations.
	isOutboxEvent()
}

func (PersistCase) isOutboxEvent()         {}
func (StoreArticle) isOutboxEvent()        {}
func (RequestRegeneration) isOutboxEvent() {}
func (FinalizeApproved) isOutboxEvent()    {}
func (FinalizeEscalated) isOutboxEvent()   {}

// PersistCase writes the case snapshot back to its card.
type PersistCase struct {
	CaseID string
	Status string
}

// StoreArticle saves the current draft in the keyed article store.
type StoreArticle struct {
	CaseID   string
	Revision int
}

// RequestRegeneration asks the generator for a revised draft.
type RequestRegeneration struct {
	CaseID string
	Prompt string
}

// FinalizeApproved writes the approved article to the board.
type FinalizeApproved struct {
	CaseID string
}

// FinalizeEscalated writes the escalation record to the board.
type FinalizeEscalated struct {
	CaseID string
	Reason string
}
