package board

import (
	"net/url"
	"strings"
)

// Links builds the action URLs written into card bodies. BaseURL is the
// externally reachable address of the pitchdesk API.
type Links struct {
	BaseURL string
}

func (l Links) base() string {
	return strings.TrimRight(l.BaseURL, "/")
}

func (l Links) card(cardID, action string) string {
	return l.base() + "/api/v1/cards/" + url.PathEscape(cardID) + "/" + action
}

// GenerateURL triggers article generation for a staged pitch.
func (l Links) GenerateURL(cardID string) string { return l.card(cardID, "generate") }

// ReviewURL re-runs the review loop for a case.
func (l Links) ReviewURL(cardID string) string { return l.card(cardID, "review") }

// CaseURL shows the decoded case snapshot.
func (l Links) CaseURL(cardID string) string { return l.card(cardID, "case") }

// ArticleURL serves a stored article.
func (l Links) ArticleURL(articleID string) string {
	return l.base() + "/api/v1/articles/" + url.PathEscape(articleID)
}
