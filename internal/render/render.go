// Package render turns article Markdown into a standalone HTML document for
// attaching to board cards.
package render

import (
	"bytes"
	"fmt"
	"html/template"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

var md = goldmark.New(
	goldmark.WithExtensions(extension.GFM, extension.Typographer),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

var page = template.Must(template.New("article").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
</head>
<body>
<article>
{{if .Title}}<h1>{{.Title}}</h1>
{{end}}{{.Body}}</article>
</body>
</html>
`))

// Markdown converts Markdown to an HTML fragment. Raw HTML in the input is
// escaped.
func Markdown(src string) (string, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(src), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return buf.String(), nil
}

// ArticleHTML renders a titled article as a complete HTML document.
func ArticleHTML(title, markdown string) ([]byte, error) {
	body, err := Markdown(markdown)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	err = page.Execute(&buf, struct {
		Title string
		Body  template.HTML
	}{title, template.HTML(body)})
	if err != nil {
		return nil, fmt.Errorf("render article: %w", err)
	}
	return buf.Bytes(), nil
}
