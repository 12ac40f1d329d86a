package review

import (
	"context"
	"errors"
	"strings"
	"testing"

	"pgregory.net/rapid"

	"github.com/joescharf/pitchdesk/internal/board"
	"github.com/joescharf/pitchdesk/internal/models"
)

type verdictKind int

const (
	kindApprove verdictKind = iota
	kindReject
	kindMalformed
	kindSystemErrorApproved
)

func drawVerdict(t *rapid.T, label string) (verdict, verdictKind) {
	kind := verdictKind(rapid.IntRange(0, 3).Draw(t, label+"_kind"))
	feedback := rapid.StringMatching(`[a-z ]{0,20}`).Draw(t, label+"_feedback")
	switch kind {
	case kindApprove:
		return approve("ok"), kind
	case kindReject:
		return reject(feedback, "issue"), kind
	case kindMalformed:
		return malformed(), kind
	default:
		j := models.SystemErrorJudgment("")
		j.Approved = true
		return verdict{j: j}, kind
	}
}

// TestReviewLoopProperties drives random judgment and generator outcomes
// through a full run and checks the loop's guarantees.
func TestReviewLoopProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		maxAttempts := rapid.IntRange(1, 5).Draw(t, "max_attempts")

		verdicts := make([]verdict, maxAttempts)
		kinds := make([]verdictKind, maxAttempts)
		for i := range verdicts {
			verdicts[i], kinds[i] = drawVerdict(t, "verdict")
		}
		genErrs := make([]error, maxAttempts)
		for i := range genErrs {
			if rapid.IntRange(0, 4).Draw(t, "gen_fails") == 0 {
				genErrs[i] = errors.New("generator down")
			}
		}

		cfg := testConfig()
		cfg.MaxAttempts = maxAttempts
		judge := &scriptedJudge{verdicts: verdicts}
		gen := &scriptedGenerator{errs: genErrs}
		e, b, _ := newTestEngine(judge, gen, cfg)

		ctx := context.Background()
		ref, err := b.CreateCard(ctx, cfg.Lanes.InProgress, "T", "pitch")
		if err != nil {
			t.Fatal(err)
		}
		c := models.NewReviewCase(ref.ID, "T", "draft A", "source", "prompt", "news", nil)
		if err := e.Persist(ctx, c); err != nil {
			t.Fatal(err)
		}

		res, err := e.Run(ctx, ref.ID)
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		got := res.Case

		if !got.Status.IsTerminal() {
			t.Fatalf("run ended in non-terminal status %s", got.Status)
		}

		// PROPERTY: bounded revision.
		if got.RevisionCount > maxAttempts-1 {
			t.Fatalf("revision count %d exceeds %d", got.RevisionCount, maxAttempts-1)
		}
		if judge.calls() > maxAttempts {
			t.Fatalf("%d judgments for a budget of %d", judge.calls(), maxAttempts)
		}

		// PROPERTY: fail closed. Approval requires the last judgment to be a
		// clean approval.
		last := kinds[judge.calls()-1]
		if got.Status == models.CaseStatusApproved && last != kindApprove {
			t.Fatalf("approved on verdict kind %d", last)
		}
		if last == kindApprove && got.Status != models.CaseStatusApproved {
			t.Fatalf("clean approval ended as %s", got.Status)
		}

		// PROPERTY: one feedback entry per needs_revision transition, and
		// each of those requested exactly one regeneration.
		if len(got.AllRevisionFeedback) != gen.calls() {
			t.Fatalf("feedback log has %d entries for %d revision cycles",
				len(got.AllRevisionFeedback), gen.calls())
		}
		failedRegen := strings.HasPrefix(got.EscalationReason, "Regeneration failed")
		if !failedRegen && len(got.AllRevisionFeedback) != got.RevisionCount {
			t.Fatalf("feedback log has %d entries at revision %d",
				len(got.AllRevisionFeedback), got.RevisionCount)
		}
		if failedRegen && len(got.AllRevisionFeedback) != got.RevisionCount+1 {
			t.Fatalf("regeneration failure at revision %d with %d feedback entries",
				got.RevisionCount, len(got.AllRevisionFeedback))
		}

		// PROPERTY: exactly one terminal section on the card.
		body := rapidCardBody(t, b, ref.ID)
		want := board.SectionEscalated
		if got.Status == models.CaseStatusApproved {
			want = board.SectionApproved
		}
		if n := board.CountSections(body, want); n != 1 {
			t.Fatalf("%d %s sections on card", n, want)
		}
		if board.Len(body) > cfg.MaxBody {
			t.Fatalf("body length %d exceeds ceiling", board.Len(body))
		}
	})
}

// TestFeedbackLogAppendOnly checks that every snapshot written during a run
// extends the previous feedback log without rewriting it.
func TestFeedbackLogAppendOnly(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 3).Draw(t, "rejections")
		verdicts := make([]verdict, 0, 3)
		for i := 0; i < n; i++ {
			verdicts = append(verdicts, reject(rapid.StringMatching(`[a-z]{0,8}`).Draw(t, "fb")))
		}
		verdicts = append(verdicts, approve("ok"))

		cfg := testConfig()
		var snapshots [][]string
		var caseID string
		e, b, _ := newTestEngine(nil, &scriptedGenerator{}, cfg)
		e.judge = &scriptedJudge{verdicts: verdicts, onJudge: func(int) {
			card, err := b.GetCard(context.Background(), caseID)
			if err != nil {
				return
			}
			env, err := board.ExtractEnvelope(card.Body)
			if err != nil {
				return
			}
			var c models.ReviewCase
			if env.Unmarshal(board.KindCase, &c) == nil {
				snapshots = append(snapshots, append([]string(nil), c.AllRevisionFeedback...))
			}
		}}

		ctx := context.Background()
		ref, _ := b.CreateCard(ctx, cfg.Lanes.InProgress, "T", "")
		caseID = ref.ID
		c := models.NewReviewCase(ref.ID, "T", "draft A", "s", "p", "news", nil)
		if err := e.Persist(ctx, c); err != nil {
			t.Fatal(err)
		}
		if _, err := e.Run(ctx, ref.ID); err != nil {
			t.Fatal(err)
		}

		for i := 1; i < len(snapshots); i++ {
			prev, cur := snapshots[i-1], snapshots[i]
			if len(cur) < len(prev) {
				t.Fatalf("feedback log shrank from %d to %d", len(prev), len(cur))
			}
			for j := range prev {
				if prev[j] != cur[j] {
					t.Fatalf("feedback entry %d rewritten", j)
				}
			}
		}
	})
}

func rapidCardBody(t *rapid.T, b *board.MemoryBoard, id string) string {
	card, err := b.GetCard(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return card.Body
}
