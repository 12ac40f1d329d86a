// Package board talks to the kanban board that is the durable store of record
// for every pitch and review case.
package board

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultMaxBody is the default card body ceiling in characters.
const DefaultMaxBody = 16000

var (
	// ErrNotFound is returned when a card ID is unknown to the board.
	ErrNotFound = errors.New("card not found")

	// ErrInvalidLane is returned when a lane ID is unknown to the board.
	ErrInvalidLane = errors.New("invalid lane")
)

// CardRef identifies a created card.
type CardRef struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Card is the readable state of a card.
type Card struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	LaneID string `json:"lane_id"`
	URL    string `json:"url"`
}

// Comment is a single card comment.
type Comment struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Board is the card CRUD contract consumed by the pipelines and the review
// engine. Implementations must be safe for concurrent use.
type Board interface {
	CreateCard(ctx context.Context, laneID, title, body string) (CardRef, error)
	MoveCard(ctx context.Context, cardID, laneID string) error
	GetCard(ctx context.Context, cardID string) (Card, error)
	UpdateCardBody(ctx context.Context, cardID, body string) error
	AddComment(ctx context.Context, cardID, text string) error
	ListComments(ctx context.Context, cardID string) ([]Comment, error)
	AttachFile(ctx context.Context, cardID string, data []byte, filename, mimeType string) error
}

// Lanes names the board lanes the pipelines move cards between.
type Lanes struct {
	ToGenerate     string `yaml:"to_generate" json:"to_generate"`
	InProgress     string `yaml:"in_progress" json:"in_progress"`
	Approved       string `yaml:"approved" json:"approved"`
	NeedsAttention string `yaml:"needs_attention" json:"needs_attention"`
}

// DefaultLanes returns the lane IDs used when none are configured.
func DefaultLanes() Lanes {
	return Lanes{
		ToGenerate:     "to-generate",
		InProgress:     "in-progress",
		Approved:       "approved",
		NeedsAttention: "needs-attention",
	}
}

// All returns every configured lane ID.
func (l Lanes) All() []string {
	return []string{l.ToGenerate, l.InProgress, l.Approved, l.NeedsAttention}
}

// WriteError reports a failed board write. Callers that already decided a
// terminal transition log it instead of aborting.
type WriteError struct {
	Op     string
	CardID string
	Err    error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("board %s %s: %v", e.Op, e.CardID, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// StatusError is a non-2xx response from the board API that does not map to
// a sentinel error.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("board: unexpected status %d", e.Code)
	}
	return fmt.Sprintf("board: unexpected status %d: %s", e.Code, e.Body)
}
