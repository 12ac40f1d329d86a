package review

import "github.com/joescharf/pitchdesk/internal/models"

// DefaultMaxAttempts is the total number of judgments a case gets before it
// is escalated.
const DefaultMaxAttempts = 3

// Decide applies the review policy to a judgment. Only an explicit approval
// approves; anything else escalates once the attempt budget is spent.
func Decide(j models.Judgment, revisionCount, maxAttempts int) models.CaseStatus {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	switch {
	case j.Approved && !isSystemError(j):
		return models.CaseStatusApproved
	case revisionCount >= maxAttempts-1:
		return models.CaseStatusEscalated
	default:
		return models.CaseStatusNeedsRevision
	}
}

func isSystemError(j models.Judgment) bool {
	for _, issue := range j.Issues {
		if issue == models.SystemErrorIssue {
			return true
		}
	}
	return false
}
