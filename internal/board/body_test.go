package board

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestSection_RoundTrip(t *testing.T) {
	body := "intro\n\n" + Section(SectionApproved, "  looks good  ")

	content, ok := SectionContent(body, SectionApproved)
	assert.True(t, ok)
	assert.Equal(t, "looks good", content)
	assert.Equal(t, 1, CountSections(body, SectionApproved))

	_, ok = SectionContent(body, SectionEscalated)
	assert.False(t, ok)
}

func TestStripSections(t *testing.T) {
	t.Run("removes all occurrences", func(t *testing.T) {
		body := "keep me\n\n" + Section(SectionApproved, "a") + "\n\n" + Section(SectionApproved, "b") +
			"\n\n" + Section(SectionEscalated, "c") + "\n\ntail"

		got := StripSections(body, SectionApproved, SectionEscalated)
		assert.Equal(t, "keep me\n\ntail", got)
	})

	t.Run("dangling begin marker only drops the marker", func(t *testing.T) {
		body := "x\n" + beginMarker(SectionApproved) + "\nhuman edit"

		got := StripSections(body, SectionApproved)
		assert.NotContains(t, got, "pitchdesk:begin")
		assert.Contains(t, got, "human edit")
	})

	t.Run("no sections is a no-op apart from trimming", func(t *testing.T) {
		assert.Equal(t, "plain", StripSections("  plain \n", SectionApproved))
	})
}

func TestUpsertSection_Idempotent(t *testing.T) {
	body := "pitch text"
	body = UpsertSection(body, SectionApproved, "first")
	body = UpsertSection(body, SectionApproved, "second")

	assert.Equal(t, 1, CountSections(body, SectionApproved))
	content, _ := SectionContent(body, SectionApproved)
	assert.Equal(t, "second", content)
	assert.True(t, strings.HasPrefix(body, "pitch text"))
}

func TestFit_UnderCeilingUnchanged(t *testing.T) {
	got := Fit(1000,
		Part{Text: "narrative"},
		Part{Section: SectionActions, Text: "[Generate](http://x)", Rank: RankFixed},
	)
	assert.Equal(t, "narrative\n\n"+Section(SectionActions, "[Generate](http://x)"), got)
}

func TestFit_TruncatesNarrativeBeforeActions(t *testing.T) {
	actions := "- [Open article](http://example.com/a)\n- [Retry](http://example.com/r)"
	got := Fit(400,
		Part{Text: strings.Repeat("narrative ", 200), Rank: RankNarrative},
		Part{Section: SectionEscalated, Text: strings.Repeat("issue ", 20), Rank: RankDetail},
		Part{Section: SectionActions, Text: actions, Rank: RankFixed},
	)

	assert.LessOrEqual(t, Len(got), 400)
	content, ok := SectionContent(got, SectionActions)
	assert.True(t, ok)
	assert.Equal(t, actions, content)
	assert.Contains(t, got, "[truncated]")
	// Detail survived untouched because narrative absorbed the cut.
	detail, _ := SectionContent(got, SectionEscalated)
	assert.Equal(t, strings.TrimSpace(strings.Repeat("issue ", 20)), detail)
}

func TestFit_MultibyteSafe(t *testing.T) {
	got := Fit(50, Part{Text: strings.Repeat("é", 200)})
	assert.LessOrEqual(t, Len(got), 50)
	assert.True(t, strings.HasSuffix(got, "[truncated]") || Len(got) == 50)
}

func TestFit_CeilingProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ceiling := rapid.IntRange(200, 2000).Draw(t, "ceiling")
		actions := rapid.StringMatching(`[a-z\[\]\(\):/. ]{1,80}`).Draw(t, "actions")
		narrative := rapid.StringMatching(`[a-zA-Z0-9 .,\n]{0,4000}`).Draw(t, "narrative")
		detail := rapid.StringMatching(`[a-zA-Z0-9 .,\n-]{0,4000}`).Draw(t, "detail")

		got := Fit(ceiling,
			Part{Text: narrative, Rank: RankNarrative},
			Part{Section: SectionEscalated, Text: detail, Rank: RankDetail},
			Part{Section: SectionActions, Text: actions, Rank: RankFixed},
		)

		// PROPERTY: the body never exceeds the ceiling.
		if Len(got) > ceiling {
			t.Fatalf("body length %d exceeds ceiling %d", Len(got), ceiling)
		}

		// PROPERTY: the actions section is intact.
		content, ok := SectionContent(got, SectionActions)
		if !ok || content != strings.TrimSpace(actions) {
			t.Fatalf("actions section modified: %q", content)
		}
	})
}
