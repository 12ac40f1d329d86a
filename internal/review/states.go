package review

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joescharf/pitchdesk/internal/models"
)

// ErrTerminal is returned when an event reaches a case that is already
// approved or escalated.
var ErrTerminal = errors.New("case is in a terminal state")

// CaseState is the sealed interface for review case states. Each state
// handles incoming events, mutates the case it is given and returns the next
// state with the side effects to perform.
type CaseState interface {
	// ProcessEvent handles an incoming event and returns the next state
	// along with any outbox events to emit.
	ProcessEvent(ctx context.Context, event CaseEvent, env *Environment) (*Transition, error)

	// IsTerminal returns true if this is a terminal state.
	IsTerminal() bool

	// Status is the persisted status value for the state.
	Status() models.CaseStatus

	String() string

	// isCaseState seals the interface.
	isCaseState()
}

// Transition is the result of processing an event.
type Transition struct {
	NextState    CaseState
	OutboxEvents []OutboxEvent
}

// Environment carries the case being driven and the policy for it.
type Environment struct {
	Case        *models.ReviewCase
	MaxAttempts int
	Now         func() time.Time
}

func (env *Environment) touch(status models.CaseStatus) {
	now := time.Now
	if env.Now != nil {
		now = env.Now
	}
	env.Case.Status = status
	env.Case.UpdatedAt = now().UTC()
}

var (
	_ CaseState = (*StatePending)(nil)
	_ CaseState = (*StateNeedsRevision)(nil)
	_ CaseState = (*StateApproved)(nil)
	_ CaseState = (*StateEscalated)(nil)
)

// StateFor returns the state for a persisted status.
func StateFor(status models.CaseStatus) (CaseState, error) {
	switch status {
	case models.CaseStatusPending, "":
		return &StatePending{}, nil
	case models.CaseStatusNeedsRevision:
		return &StateNeedsRevision{}, nil
	case models.CaseStatusApproved:
		return &StateApproved{}, nil
	case models.CaseStatusEscalated:
		return &StateEscalated{}, nil
	default:
		return nil, fmt.Errorf("unknown case status %q", status)
	}
}

// =============================================================================
// StatePending: the current draft is awaiting judgment.
// =============================================================================

// StatePending is the entry state and the state after every regeneration.
type StatePending struct{}

func (s *StatePending) ProcessEvent(_ context.Context, event CaseEvent, env *Environment) (*Transition, error) {
	e, ok := event.(JudgedEvent)
	if !ok {
		return nil, fmt.Errorf("unexpected event %T in state pending", event)
	}

	c := env.Case
	j := e.Judgment
	c.ReviewNotes = j.Notes
	c.ReviewIssues = j.Issues
	c.RevisionFeedback = j.Feedback

	switch Decide(j, c.RevisionCount, env.MaxAttempts) {
	case models.CaseStatusApproved:
		env.touch(models.CaseStatusApproved)
		return &Transition{
			NextState: &StateApproved{},
			OutboxEvents: []OutboxEvent{
				PersistCase{CaseID: c.CaseID, Status: string(models.CaseStatusApproved)},
				FinalizeApproved{CaseID: c.CaseID},
			},
		}, nil

	case models.CaseStatusEscalated:
		c.EscalationReason = exhaustedReason(c.RevisionCount+1, isSystemError(j))
		env.touch(models.CaseStatusEscalated)
		return &Transition{
			NextState: &StateEscalated{},
			OutboxEvents: []OutboxEvent{
				PersistCase{CaseID: c.CaseID, Status: string(models.CaseStatusEscalated)},
				FinalizeEscalated{CaseID: c.CaseID, Reason: c.EscalationReason},
			},
		}, nil

	default:
		// One log entry per revision cycle, empty when the reviewer gave none.
		c.AllRevisionFeedback = append(c.AllRevisionFeedback, j.Feedback)
		env.touch(models.CaseStatusNeedsRevision)
		return &Transition{
			NextState: &StateNeedsRevision{},
			OutboxEvents: []OutboxEvent{
				PersistCase{CaseID: c.CaseID, Status: string(models.CaseStatusNeedsRevision)},
				RequestRegeneration{
					CaseID: c.CaseID,
					Prompt: RevisionPrompt(c.OriginalPrompt, j.Feedback, j.Issues),
				},
			},
		}, nil
	}
}

func (s *StatePending) IsTerminal() bool          { return false }
func (s *StatePending) Status() models.CaseStatus { return models.CaseStatusPending }
func (s *StatePending) String() string            { return "pending" }
func (s *StatePending) isCaseState()              {}

// =============================================================================
// StateNeedsRevision: waiting for a revised draft.
// =============================================================================

// StateNeedsRevision follows a non-approval with attempts remaining.
type StateNeedsRevision struct{}

func (s *StateNeedsRevision) ProcessEvent(_ context.Context, event CaseEvent, env *Environment) (*Transition, error) {
	c := env.Case

	switch e := event.(type) {
	case RegeneratedEvent:
		if revisionOverBudget(c, env.MaxAttempts) {
			return nil, fmt.Errorf("case %s: revision %d exceeds budget of %d attempts",
				c.CaseID, c.RevisionCount+1, effectiveMaxAttempts(env.MaxAttempts))
		}
		c.ArticleContent = e.Article
		c.RevisionCount++
		env.touch(models.CaseStatusPending)
		return &Transition{
			NextState: &StatePending{},
			OutboxEvents: []OutboxEvent{
				StoreArticle{CaseID: c.CaseID, Revision: c.RevisionCount},
				PersistCase{CaseID: c.CaseID, Status: string(models.CaseStatusPending)},
			},
		}, nil

	case RegenerationFailedEvent:
		// No new draft exists, so the revision count stays put.
		c.EscalationReason = regenerationReason(e.Err)
		env.touch(models.CaseStatusEscalated)
		return &Transition{
			NextState: &StateEscalated{},
			OutboxEvents: []OutboxEvent{
				PersistCase{CaseID: c.CaseID, Status: string(models.CaseStatusEscalated)},
				FinalizeEscalated{CaseID: c.CaseID, Reason: c.EscalationReason},
			},
		}, nil

	case BudgetExhaustedEvent:
		c.EscalationReason = budgetReason(c.RevisionCount, effectiveMaxAttempts(env.MaxAttempts))
		env.touch(models.CaseStatusEscalated)
		return &Transition{
			NextState: &StateEscalated{},
			OutboxEvents: []OutboxEvent{
				PersistCase{CaseID: c.CaseID, Status: string(models.CaseStatusEscalated)},
				FinalizeEscalated{CaseID: c.CaseID, Reason: c.EscalationReason},
			},
		}, nil

	default:
		return nil, fmt.Errorf("unexpected event %T in state needs_revision", event)
	}
}

func (s *StateNeedsRevision) IsTerminal() bool          { return false }
func (s *StateNeedsRevision) Status() models.CaseStatus { return models.CaseStatusNeedsRevision }
func (s *StateNeedsRevision) String() string            { return "needs_revision" }
func (s *StateNeedsRevision) isCaseState()              {}

// =============================================================================
// Terminal states.
// =============================================================================

// StateApproved is terminal.
type StateApproved struct{}

func (s *StateApproved) ProcessEvent(_ context.Context, event CaseEvent, _ *Environment) (*Transition, error) {
	return nil, fmt.Errorf("%w: approved (got %T)", ErrTerminal, event)
}

func (s *StateApproved) IsTerminal() bool          { return true }
func (s *StateApproved) Status() models.CaseStatus { return models.CaseStatusApproved }
func (s *StateApproved) String() string            { return "approved" }
func (s *StateApproved) isCaseState()              {}

// StateEscalated is terminal.
type StateEscalated struct{}

func (s *StateEscalated) ProcessEvent(_ context.Context, event CaseEvent, _ *Environment) (*Transition, error) {
	return nil, fmt.Errorf("%w: escalated (got %T)", ErrTerminal, event)
}

func (s *StateEscalated) IsTerminal() bool          { return true }
func (s *StateEscalated) Status() models.CaseStatus { return models.CaseStatusEscalated }
func (s *StateEscalated) String() string            { return "escalated" }
func (s *StateEscalated) isCaseState()              {}

func exhaustedReason(attempts int, systemError bool) string {
	reason := fmt.Sprintf("Not approved after %d review attempts.", attempts)
	if systemError {
		reason += " The final review could not be completed (" + models.SystemErrorIssue + ")."
	}
	return reason
}

func effectiveMaxAttempts(n int) int {
	if n <= 0 {
		return DefaultMaxAttempts
	}
	return n
}

// revisionOverBudget reports whether producing another revision would take
// the case past its attempt budget.
func revisionOverBudget(c *models.ReviewCase, maxAttempts int) bool {
	return c.RevisionCount+1 > effectiveMaxAttempts(maxAttempts)-1
}

func budgetReason(revisions, maxAttempts int) string {
	return fmt.Sprintf("Attempt budget exhausted: %d revision(s) made, budget is %d review attempts.", revisions, maxAttempts)
}

func regenerationReason(err error) string {
	if err == nil {
		return "Regeneration failed."
	}
	return "Regeneration failed: " + err.Error()
}
