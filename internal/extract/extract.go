// Package extract turns raw source items (HTML pages, emails, PDF analyst
// notes) into normalized text plus ticker, firm and date metadata.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/joescharf/pitchdesk/internal/models"
)

const (
	mimePDF   = "application/pdf"
	mimeHTML  = "text/html"
	mimePlain = "text/plain"
)

// ErrEmpty is returned when no usable text could be extracted.
var ErrEmpty = errors.New("no text extracted")

// FromItem normalizes a source item according to its content type.
func FromItem(ctx context.Context, item models.SourceItem) (models.Extracted, error) {
	if err := ctx.Err(); err != nil {
		return models.Extracted{}, err
	}

	var text string
	var err error
	switch normalizeMime(item.ContentType) {
	case mimePDF:
		text, err = FromPDF(item.Raw)
	case mimeHTML:
		src := item.Body
		if src == "" {
			src = string(item.Raw)
		}
		text, err = FromHTML(strings.NewReader(src))
	case "message/rfc822":
		return FromEmail(item.Raw)
	default:
		text = item.Body
		if text == "" {
			text = string(item.Raw)
		}
	}
	if err != nil {
		return models.Extracted{}, fmt.Errorf("extract %s item %q: %w", item.Kind, item.Title, err)
	}

	text = cleanText(text)
	if text == "" {
		return models.Extracted{}, fmt.Errorf("extract %s item %q: %w", item.Kind, item.Title, ErrEmpty)
	}

	out := models.Extracted{
		Kind:      item.Kind,
		Title:     strings.TrimSpace(item.Title),
		URL:       item.URL,
		Text:      text,
		SourceRef: sourceRef(item),
		Date:      item.PublishedAt,
	}
	if len(item.Tickers) > 0 {
		out.Ticker = strings.ToUpper(item.Tickers[0])
	}
	applyMetadata(&out, item.Source)
	if out.Title == "" {
		out.Title = firstLine(text)
	}
	return out, nil
}

// FromPDF extracts the plain text of a PDF document.
func FromPDF(data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrEmpty
	}
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	return buf.String(), nil
}

func applyMetadata(out *models.Extracted, sourceHint string) {
	if out.Ticker == "" {
		out.Ticker = Ticker(out.Title + "\n" + out.Text)
	}
	if out.Firm == "" {
		out.Firm = Firm(out.Text, sourceHint)
	}
	if out.Date == nil {
		out.Date = Date(out.Text)
	}
}

func sourceRef(item models.SourceItem) string {
	switch {
	case item.URL != "":
		return item.URL
	case item.ExternalID != "":
		return string(item.Kind) + ":" + item.ExternalID
	default:
		return ""
	}
}

func normalizeMime(contentType string) string {
	return strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
}

// cleanText trims every line and collapses runs of blank lines.
func cleanText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	var out []string
	blank := false
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	line = strings.TrimSpace(line)
	if r := []rune(line); len(r) > 120 {
		line = string(r[:120])
	}
	return line
}
