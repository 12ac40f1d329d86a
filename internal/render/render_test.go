package render

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkdown(t *testing.T) {
	out, err := Markdown("## Results\n\nACME **beat** estimates.\n\n| Q | EPS |\n|---|---|\n| 3 | 1.2 |")
	require.NoError(t, err)
	assert.Contains(t, out, "<h2>Results</h2>")
	assert.Contains(t, out, "<strong>beat</strong>")
	assert.Contains(t, out, "<table>")
}

func TestMarkdown_EscapesRawHTML(t *testing.T) {
	out, err := Markdown("hello <script>alert(1)</script>")
	require.NoError(t, err)
	assert.NotContains(t, out, "<script>")
}

func TestArticleHTML(t *testing.T) {
	out, err := ArticleHTML("ACME <Q3>", "Body text")
	require.NoError(t, err)
	s := string(out)
	assert.Contains(t, s, "<!DOCTYPE html>")
	assert.Contains(t, s, "<h1>ACME &lt;Q3&gt;</h1>")
	assert.Contains(t, s, "<p>Body text</p>")
}
