package board

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"
)

const defaultTimeout = 30 * time.Second

// AuthConfig selects how the HTTP client authenticates against the board.
// OAuth2 client credentials win over a static token when both are set.
type AuthConfig struct {
	Token        string
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

// AuthHTTPClient returns an http.Client that authenticates board requests.
func AuthHTTPClient(ctx context.Context, auth AuthConfig) *http.Client {
	if auth.ClientID != "" && auth.TokenURL != "" {
		cc := clientcredentials.Config{
			ClientID:     auth.ClientID,
			ClientSecret: auth.ClientSecret,
			TokenURL:     auth.TokenURL,
			Scopes:       auth.Scopes,
		}
		c := cc.Client(ctx)
		c.Timeout = defaultTimeout
		return c
	}
	return &http.Client{
		Timeout:   defaultTimeout,
		Transport: &bearerTransport{token: auth.Token, base: http.DefaultTransport},
	}
}

type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.token == "" {
		return t.base.RoundTrip(req)
	}
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(r)
}

// HTTPClient implements Board against a kanban REST API.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
}

// NewHTTPClient creates a board client rooted at baseURL.
func NewHTTPClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		log:        logger.With("adapter", "board"),
	}
}

func (c *HTTPClient) cardURL(cardID string, parts ...string) string {
	u := c.baseURL + "/cards/" + url.PathEscape(cardID)
	for _, p := range parts {
		u += "/" + p
	}
	return u
}

// do sends a JSON request and decodes a JSON response into out (if non-nil).
func (c *HTTPClient) do(ctx context.Context, method, reqURL string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("board: encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return fmt.Errorf("board: create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return c.send(ctx, req, out)
}

func (c *HTTPClient) send(ctx context.Context, req *http.Request, out any) error {
	c.log.DebugContext(ctx, "board request", slog.String("method", req.Method), slog.String("url", req.URL.String()))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("board: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("board: read body: %w", err)
	}

	if err := statusErr(resp.StatusCode, data); err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("board: decode response: %w", err)
	}
	return nil
}

// statusErr maps board API status codes to errors.
func statusErr(code int, body []byte) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(string(body)), "lane"):
		return ErrInvalidLane
	default:
		msg := strings.TrimSpace(string(body))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return &StatusError{Code: code, Body: msg}
	}
}

func (c *HTTPClient) CreateCard(ctx context.Context, laneID, title, body string) (CardRef, error) {
	var ref CardRef
	err := c.do(ctx, http.MethodPost, c.baseURL+"/cards", map[string]string{
		"lane_id": laneID,
		"title":   title,
		"body":    body,
	}, &ref)
	if err != nil {
		return CardRef{}, fmt.Errorf("create card: %w", err)
	}
	return ref, nil
}

func (c *HTTPClient) MoveCard(ctx context.Context, cardID, laneID string) error {
	err := c.do(ctx, http.MethodPut, c.cardURL(cardID, "lane"), map[string]string{"lane_id": laneID}, nil)
	if err != nil {
		return fmt.Errorf("move card %s: %w", cardID, err)
	}
	return nil
}

func (c *HTTPClient) GetCard(ctx context.Context, cardID string) (Card, error) {
	var card Card
	if err := c.do(ctx, http.MethodGet, c.cardURL(cardID), nil, &card); err != nil {
		return Card{}, fmt.Errorf("get card %s: %w", cardID, err)
	}
	if card.ID == "" {
		card.ID = cardID
	}
	return card, nil
}

func (c *HTTPClient) UpdateCardBody(ctx context.Context, cardID, body string) error {
	err := c.do(ctx, http.MethodPatch, c.cardURL(cardID), map[string]string{"body": body}, nil)
	if err != nil {
		return fmt.Errorf("update card %s: %w", cardID, err)
	}
	return nil
}

func (c *HTTPClient) AddComment(ctx context.Context, cardID, text string) error {
	err := c.do(ctx, http.MethodPost, c.cardURL(cardID, "comments"), map[string]string{"text": text}, nil)
	if err != nil {
		return fmt.Errorf("comment on card %s: %w", cardID, err)
	}
	return nil
}

func (c *HTTPClient) ListComments(ctx context.Context, cardID string) ([]Comment, error) {
	var comments []Comment
	if err := c.do(ctx, http.MethodGet, c.cardURL(cardID, "comments"), nil, &comments); err != nil {
		return nil, fmt.Errorf("list comments for card %s: %w", cardID, err)
	}
	return comments, nil
}

func (c *HTTPClient) AttachFile(ctx context.Context, cardID string, data []byte, filename, mimeType string) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	h.Set("Content-Type", mimeType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("attach to card %s: %w", cardID, err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("attach to card %s: %w", cardID, err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("attach to card %s: %w", cardID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cardURL(cardID, "attachments"), &buf)
	if err != nil {
		return fmt.Errorf("attach to card %s: %w", cardID, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if err := c.send(ctx, req, nil); err != nil {
		return fmt.Errorf("attach to card %s: %w", cardID, err)
	}
	return nil
}

var _ Board = (*HTTPClient)(nil)
