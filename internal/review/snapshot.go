package review

import (
	"github.com/joescharf/pitchdesk/internal/board"
	"github.com/joescharf/pitchdesk/internal/models"
)

// snapshotLimits are the successive per-field caps tried when a case
// envelope does not fit its budget.
var snapshotLimits = []int{8000, 2000, 500, 200}

const maxSnapshotIssues = 20

// EncodeCase renders the case envelope line.
func EncodeCase(c *models.ReviewCase) (string, error) {
	env, err := board.NewEnvelope(board.KindCase, c)
	if err != nil {
		return "", err
	}
	return board.Encode(env)
}

// encodeCaseWithin renders the envelope in at most budget characters where
// possible. Large text fields are shortened step by step; the draft is
// dropped first when the keyed article store already holds it.
func encodeCaseWithin(c *models.ReviewCase, budget int) (string, error) {
	line, err := EncodeCase(c)
	if err != nil || budget <= 0 || board.Len(line) <= budget {
		return line, err
	}

	slim := *c
	if slim.ArticleID != "" {
		slim.ArticleContent = ""
		if line, err = EncodeCase(&slim); err != nil || board.Len(line) <= budget {
			return line, err
		}
	}

	for _, limit := range snapshotLimits {
		slim.SourceMaterial = board.TruncateRunes(c.SourceMaterial, limit)
		if slim.ArticleID == "" {
			slim.ArticleContent = board.TruncateRunes(c.ArticleContent, limit)
		}
		slim.OriginalPrompt = board.TruncateRunes(c.OriginalPrompt, limit*2)
		slim.ReviewNotes = board.TruncateRunes(c.ReviewNotes, limit)
		slim.RevisionFeedback = board.TruncateRunes(c.RevisionFeedback, limit)
		slim.AllRevisionFeedback = capEach(c.AllRevisionFeedback, limit, -1)
		slim.ReviewIssues = capEach(c.ReviewIssues, limit, maxSnapshotIssues)
		if line, err = EncodeCase(&slim); err != nil || board.Len(line) <= budget {
			return line, err
		}
	}
	return line, nil
}

// capEach shortens every entry to limit characters and keeps at most keep
// entries (all when keep < 0). A nil input stays nil.
func capEach(in []string, limit, keep int) []string {
	if in == nil {
		return nil
	}
	n := len(in)
	if keep >= 0 && n > keep {
		n = keep
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = board.TruncateRunes(in[i], limit)
	}
	return out
}
