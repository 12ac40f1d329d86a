package extract

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"

	"github.com/joescharf/pitchdesk/internal/models"
)

// FromEmail parses an RFC 5322 message. The plain text part is preferred;
// an HTML-only message is converted to text.
func FromEmail(raw []byte) (models.Extracted, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return models.Extracted{}, fmt.Errorf("parse email: %w", err)
	}

	dec := new(mime.WordDecoder)
	subject, err := dec.DecodeHeader(msg.Header.Get("Subject"))
	if err != nil {
		subject = msg.Header.Get("Subject")
	}

	plain, htmlBody, err := emailBodies(msg.Header.Get("Content-Type"), msg.Header.Get("Content-Transfer-Encoding"), msg.Body)
	if err != nil {
		return models.Extracted{}, fmt.Errorf("read email body: %w", err)
	}
	text := plain
	if strings.TrimSpace(text) == "" && htmlBody != "" {
		if text, err = FromHTML(strings.NewReader(htmlBody)); err != nil {
			return models.Extracted{}, err
		}
	}
	text = cleanText(text)
	if text == "" {
		return models.Extracted{}, fmt.Errorf("email %q: %w", subject, ErrEmpty)
	}

	out := models.Extracted{
		Kind:      models.SourceKindEmail,
		Title:     strings.TrimSpace(subject),
		Text:      text,
		SourceRef: strings.Trim(msg.Header.Get("Message-Id"), "<>"),
	}
	if t, err := msg.Header.Date(); err == nil {
		t = t.UTC()
		out.Date = &t
	}
	sender := ""
	if from, err := mail.ParseAddress(msg.Header.Get("From")); err == nil {
		sender = from.Address
	}
	applyMetadata(&out, sender)
	if out.Title == "" {
		out.Title = firstLine(text)
	}
	return out, nil
}

// emailBodies walks a (possibly multipart) body and returns its text/plain
// and text/html content.
func emailBodies(contentType, encoding string, body io.Reader) (plain, htmlBody string, err error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		// No or broken Content-Type: treat as plain text.
		data, rerr := io.ReadAll(decodeTransfer(encoding, body))
		return string(data), "", rerr
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		mr := multipart.NewReader(body, params["boundary"])
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return plain, htmlBody, err
			}
			p, h, err := emailBodies(part.Header.Get("Content-Type"), part.Header.Get("Content-Transfer-Encoding"), part)
			if err != nil {
				return plain, htmlBody, err
			}
			if plain == "" {
				plain = p
			}
			if htmlBody == "" {
				htmlBody = h
			}
		}
		return plain, htmlBody, nil
	}

	data, err := io.ReadAll(decodeTransfer(encoding, body))
	if err != nil {
		return "", "", err
	}
	switch mediaType {
	case mimePlain:
		return string(data), "", nil
	case mimeHTML:
		return "", string(data), nil
	default:
		return "", "", nil
	}
}

func decodeTransfer(encoding string, r io.Reader) io.Reader {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, r)
	case "quoted-printable":
		return quotedprintable.NewReader(r)
	default:
		return r
	}
}
