package board

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Attachment is a file attached to a card on the memory board.
type Attachment struct {
	Filename string
	MimeType string
	Data     []byte
}

// MemoryBoard is an in-process Board used in dev mode and tests.
type MemoryBoard struct {
	mu          sync.Mutex
	lanes       map[string]bool
	cards       map[string]*Card
	comments    map[string][]Comment
	attachments map[string][]Attachment
	moves       map[string][]string
	nextID      int

	// Fail, when set, is consulted before every operation. A non-nil return
	// fails the operation with that error.
	Fail func(op, cardID string) error
}

// NewMemoryBoard creates a memory board that accepts the given lanes.
func NewMemoryBoard(lanes ...string) *MemoryBoard {
	b := &MemoryBoard{
		lanes:       make(map[string]bool),
		cards:       make(map[string]*Card),
		comments:    make(map[string][]Comment),
		attachments: make(map[string][]Attachment),
		moves:       make(map[string][]string),
	}
	for _, l := range lanes {
		b.lanes[l] = true
	}
	return b
}

func (b *MemoryBoard) fail(op, cardID string) error {
	if b.Fail == nil {
		return nil
	}
	return b.Fail(op, cardID)
}

func (b *MemoryBoard) CreateCard(_ context.Context, laneID, title, body string) (CardRef, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fail("create", ""); err != nil {
		return CardRef{}, err
	}
	if !b.lanes[laneID] {
		return CardRef{}, fmt.Errorf("create card in %q: %w", laneID, ErrInvalidLane)
	}
	b.nextID++
	id := "card-" + strconv.Itoa(b.nextID)
	url := "memory://cards/" + id
	b.cards[id] = &Card{ID: id, Title: title, Body: body, LaneID: laneID, URL: url}
	return CardRef{ID: id, URL: url}, nil
}

func (b *MemoryBoard) MoveCard(_ context.Context, cardID, laneID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fail("move", cardID); err != nil {
		return err
	}
	c, ok := b.cards[cardID]
	if !ok {
		return fmt.Errorf("move card %s: %w", cardID, ErrNotFound)
	}
	if !b.lanes[laneID] {
		return fmt.Errorf("move card %s to %q: %w", cardID, laneID, ErrInvalidLane)
	}
	c.LaneID = laneID
	b.moves[cardID] = append(b.moves[cardID], laneID)
	return nil
}

func (b *MemoryBoard) GetCard(_ context.Context, cardID string) (Card, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fail("get", cardID); err != nil {
		return Card{}, err
	}
	c, ok := b.cards[cardID]
	if !ok {
		return Card{}, fmt.Errorf("get card %s: %w", cardID, ErrNotFound)
	}
	return *c, nil
}

func (b *MemoryBoard) UpdateCardBody(_ context.Context, cardID, body string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fail("update", cardID); err != nil {
		return err
	}
	c, ok := b.cards[cardID]
	if !ok {
		return fmt.Errorf("update card %s: %w", cardID, ErrNotFound)
	}
	c.Body = body
	return nil
}

func (b *MemoryBoard) AddComment(_ context.Context, cardID, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fail("comment", cardID); err != nil {
		return err
	}
	if _, ok := b.cards[cardID]; !ok {
		return fmt.Errorf("comment on card %s: %w", cardID, ErrNotFound)
	}
	list := b.comments[cardID]
	b.comments[cardID] = append(list, Comment{
		ID:        strconv.Itoa(len(list) + 1),
		Text:      text,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (b *MemoryBoard) ListComments(_ context.Context, cardID string) ([]Comment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fail("comments", cardID); err != nil {
		return nil, err
	}
	if _, ok := b.cards[cardID]; !ok {
		return nil, fmt.Errorf("list comments for card %s: %w", cardID, ErrNotFound)
	}
	out := make([]Comment, len(b.comments[cardID]))
	copy(out, b.comments[cardID])
	return out, nil
}

func (b *MemoryBoard) AttachFile(_ context.Context, cardID string, data []byte, filename, mimeType string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fail("attach", cardID); err != nil {
		return err
	}
	if _, ok := b.cards[cardID]; !ok {
		return fmt.Errorf("attach to card %s: %w", cardID, ErrNotFound)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	b.attachments[cardID] = append(b.attachments[cardID], Attachment{
		Filename: filename,
		MimeType: mimeType,
		Data:     cp,
	})
	return nil
}

// Attachments returns the files attached to a card.
func (b *MemoryBoard) Attachments(cardID string) []Attachment {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Attachment, len(b.attachments[cardID]))
	copy(out, b.attachments[cardID])
	return out
}

// Moves returns the lanes a card was moved to, in order.
func (b *MemoryBoard) Moves(cardID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.moves[cardID]))
	copy(out, b.moves[cardID])
	return out
}

// CardIDs returns all card IDs sorted.
func (b *MemoryBoard) CardIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.cards))
	for id := range b.cards {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

var _ Board = (*MemoryBoard)(nil)
