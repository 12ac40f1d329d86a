package board

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// EnvelopeVersion is the current state envelope format version.
const EnvelopeVersion = 1

// Envelope kinds.
const (
	KindPitch = "pitch"
	KindCase  = "case"
)

const (
	envelopePrefix = "<!-- pitchdesk:state:"
	envelopeSuffix = " -->"
)

// ErrNoEnvelope is returned when a card body carries no state envelope.
var ErrNoEnvelope = errors.New("no state envelope in card body")

// Envelope is the versioned, tagged state record stored inside a card body.
// The board is the database: everything needed to resume a pipeline for a
// card is recoverable from its envelope.
type Envelope struct {
	Version int             `json:"v"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// NewEnvelope wraps payload under the given kind.
func NewEnvelope(kind string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return Envelope{Version: EnvelopeVersion, Kind: kind, Payload: data}, nil
}

// Unmarshal decodes the payload into v after checking the kind.
func (e Envelope) Unmarshal(kind string, v any) error {
	if e.Kind != kind {
		return fmt.Errorf("state envelope holds %q, want %q", e.Kind, kind)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return nil
}

// Encode renders the envelope as a single HTML comment line:
// <!-- pitchdesk:state:v1:BASE64URL(GZIP(JSON)) -->
func Encode(e Envelope) (string, error) {
	if e.Version == 0 {
		e.Version = EnvelopeVersion
	}
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode envelope: %w", err)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return "", fmt.Errorf("compress envelope: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("compress envelope: %w", err)
	}

	return fmt.Sprintf("%sv%d:%s%s", envelopePrefix, e.Version,
		base64.RawURLEncoding.EncodeToString(buf.Bytes()), envelopeSuffix), nil
}

// Decode parses an encoded envelope line produced by Encode.
func Decode(line string) (Envelope, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, envelopePrefix) || !strings.HasSuffix(line, envelopeSuffix) {
		return Envelope{}, ErrNoEnvelope
	}
	inner := strings.TrimSuffix(strings.TrimPrefix(line, envelopePrefix), envelopeSuffix)

	tag, encoded, ok := strings.Cut(inner, ":")
	if !ok {
		return Envelope{}, fmt.Errorf("malformed state envelope")
	}
	if tag != fmt.Sprintf("v%d", EnvelopeVersion) {
		return Envelope{}, fmt.Errorf("unsupported state envelope version %q", tag)
	}

	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Envelope{}, fmt.Errorf("decode state envelope: %w", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return Envelope{}, fmt.Errorf("decompress state envelope: %w", err)
	}
	defer zr.Close()
	data, err := io.ReadAll(zr)
	if err != nil {
		return Envelope{}, fmt.Errorf("decompress state envelope: %w", err)
	}

	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("parse state envelope: %w", err)
	}
	if e.Version != EnvelopeVersion {
		return Envelope{}, fmt.Errorf("unsupported state envelope version %d", e.Version)
	}
	return e, nil
}

// findEnvelope returns the byte range of the envelope line in body.
func findEnvelope(body string) (start, end int, ok bool) {
	start = strings.LastIndex(body, envelopePrefix)
	if start < 0 {
		return 0, 0, false
	}
	rel := strings.Index(body[start:], envelopeSuffix)
	if rel < 0 {
		return 0, 0, false
	}
	return start, start + rel + len(envelopeSuffix), true
}

// ExtractEnvelope finds and decodes the state envelope in a card body.
func ExtractEnvelope(body string) (Envelope, error) {
	start, end, ok := findEnvelope(body)
	if !ok {
		return Envelope{}, ErrNoEnvelope
	}
	return Decode(body[start:end])
}

// StripEnvelope removes every state envelope from body.
func StripEnvelope(body string) string {
	for {
		start, end, ok := findEnvelope(body)
		if !ok {
			return strings.TrimSpace(body)
		}
		body = body[:start] + body[end:]
	}
}

// ReplaceEnvelope removes any existing envelope and appends encoded.
func ReplaceEnvelope(body, encoded string) string {
	return joinNonEmpty(StripEnvelope(body), encoded)
}

// EnvelopeLine returns the encoded envelope line in body as is.
func EnvelopeLine(body string) (string, bool) {
	start, end, ok := findEnvelope(body)
	if !ok {
		return "", false
	}
	return body[start:end], true
}
