package models

import "time"

// CaseStatus is the review status of a generated article.
type CaseStatus string

const (
	// CaseStatusPending covers a case awaiting or undergoing judgment.
	CaseStatusPending       CaseStatus = "pending"
	CaseStatusApproved      CaseStatus = "approved"
	CaseStatusNeedsRevision CaseStatus = "needs_revision"
	CaseStatusEscalated     CaseStatus = "escalated"
)

// IsTerminal reports whether no further transitions are allowed.
func (s CaseStatus) IsTerminal() bool {
	return s == CaseStatusApproved || s == CaseStatusEscalated
}

// SystemErrorIssue is the synthetic issue raised when judgment fails.
const SystemErrorIssue = "review system error"

// ReviewCase is a generated article moving through editorial review. It maps
// 1:1 to a board card; CaseID is the card ID.
type ReviewCase struct {
	CaseID              string            `json:"case_id"`
	Title               string            `json:"title"`
	ArticleContent      string            `json:"article_content"`
	SourceMaterial      string            `json:"source_material"`
	OriginalPrompt      string            `json:"original_prompt"`
	Profile             string            `json:"profile"`
	GenerationContext   map[string]string `json:"generation_context,omitempty"`
	ArticleID           string            `json:"article_id,omitempty"`
	AttachedArticleID   string            `json:"attached_article_id,omitempty"`
	RevisionCount       int               `json:"revision_count"`
	RevisionFeedback    string            `json:"revision_feedback,omitempty"`
	AllRevisionFeedback []string          `json:"all_revision_feedback"`
	ReviewIssues        []string          `json:"review_issues,omitempty"`
	ReviewNotes         string            `json:"review_notes,omitempty"`
	Status              CaseStatus        `json:"status"`
	EscalationReason    string            `json:"escalation_reason,omitempty"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// NewReviewCase creates a pending case for a freshly generated article.
func NewReviewCase(caseID, title, article, source, prompt, profile string, genCtx map[string]string) *ReviewCase {
	return &ReviewCase{
		CaseID:              caseID,
		Title:               title,
		ArticleContent:      article,
		SourceMaterial:      source,
		OriginalPrompt:      prompt,
		Profile:             profile,
		GenerationContext:   genCtx,
		AllRevisionFeedback: []string{},
		Status:              CaseStatusPending,
		UpdatedAt:           time.Now().UTC(),
	}
}

// Judgment is the structured verdict returned by the judgment collaborator.
type Judgment struct {
	Approved bool     `json:"approved"`
	Notes    string   `json:"notes"`
	Feedback string   `json:"feedback"`
	Issues   []string `json:"issues"`
}

// SystemErrorJudgment is the fail-closed verdict used whenever a judgment
// could not be produced. It is never an approval.
func SystemErrorJudgment(reason string) Judgment {
	notes := "Automated review could not be completed."
	if reason != "" {
		notes += " " + reason
	}
	return Judgment{
		Approved: false,
		Notes:    notes,
		Feedback: "",
		Issues:   []string{SystemErrorIssue},
	}
}
