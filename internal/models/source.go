package models

import "time"

// SourceKind identifies where a piece of raw content came from.
type SourceKind string

const (
	SourceKindNews         SourceKind = "news"
	SourceKindPressRelease SourceKind = "press_release"
	SourceKindEmail        SourceKind = "email"
	SourceKindAnalystNote  SourceKind = "analyst_note"
	SourceKindRSS          SourceKind = "rss"
)

// SourceItem is a raw item returned by a source collaborator.
type SourceItem struct {
	Kind        SourceKind `json:"kind"`
	ExternalID  string     `json:"external_id,omitempty"`
	Title       string     `json:"title"`
	URL         string     `json:"url,omitempty"`
	Body        string     `json:"body"`
	ContentType string     `json:"content_type,omitempty"` // text/plain, text/html, application/pdf
	Raw         []byte     `json:"-"`
	Author      string     `json:"author,omitempty"`
	Source      string     `json:"source,omitempty"`
	Tickers     []string   `json:"tickers,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// Extracted is normalized text plus metadata pulled out of a SourceItem.
type Extracted struct {
	Kind      SourceKind `json:"kind"`
	Title     string     `json:"title"`
	URL       string     `json:"url,omitempty"`
	Text      string     `json:"text"`
	Ticker    string     `json:"ticker,omitempty"`
	Firm      string     `json:"firm,omitempty"`
	Date      *time.Time `json:"date,omitempty"`
	SourceRef string     `json:"source_ref,omitempty"`
}

// Pitch is a short proposal staged on the board for human approval.
type Pitch struct {
	Title    string            `json:"title"`
	Summary  string            `json:"summary"`
	Angle    string            `json:"angle"`
	Prompt   string            `json:"prompt"`
	Profile  string            `json:"profile"`
	Context  map[string]string `json:"context,omitempty"`
	Source   Extracted         `json:"source"`
	Drafted  string            `json:"drafted_by"` // "llm" or "template"
	StagedAt time.Time         `json:"staged_at"`
}

// Article is a generated article kept in the keyed article store.
type Article struct {
	ID        string    `json:"id"`
	CaseID    string    `json:"case_id"`
	Profile   string    `json:"profile"`
	Revision  int       `json:"revision"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// StagedItem records the at-most-once staging of a source item as a card.
type StagedItem struct {
	Key       string
	CardID    string
	Title     string
	URL       string
	CreatedAt time.Time
}
