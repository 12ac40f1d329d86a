package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/joescharf/pitchdesk/internal/models"
)

// DefaultTimeout bounds a generation call when neither the profile nor the
// client sets one.
const DefaultTimeout = 5 * time.Minute

// Generator turns a prompt into an article using a named endpoint profile.
type Generator interface {
	Generate(ctx context.Context, prompt, profile string, genCtx map[string]string) (string, error)
}

// TimeoutError is returned when a generation service does not answer in time.
type TimeoutError struct {
	Profile string
	After   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("generation via %s timed out after %s", e.Profile, e.After)
}

// HTTPError is a non-2xx reply from a generation service.
type HTTPError struct {
	Profile string
	Status  int
	Body    string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("generation via %s: status %d", e.Profile, e.Status)
	}
	return fmt.Sprintf("generation via %s: status %d: %s", e.Profile, e.Status, e.Body)
}

// Client calls generation services over HTTP.
type Client struct {
	profiles   Profiles
	httpClient *http.Client
	timeout    time.Duration
	log        *slog.Logger
}

// NewClient creates a generation client. The http.Client should carry no
// timeout of its own; each call is bounded by the profile or client timeout.
func NewClient(profiles Profiles, httpClient *http.Client, timeout time.Duration, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		profiles:   profiles,
		httpClient: httpClient,
		timeout:    timeout,
		log:        logger.With("adapter", "generate"),
	}
}

// Profiles returns the client's endpoint profiles.
func (c *Client) Profiles() Profiles { return c.profiles }

// Generate calls the service described by the named profile.
func (c *Client) Generate(ctx context.Context, prompt, profileName string, genCtx map[string]string) (string, error) {
	profile, err := c.profiles.Get(profileName)
	if err != nil {
		return "", &models.ConfigError{Key: "generation.profiles", Reason: err.Error()}
	}
	if profile.URL == "" {
		return "", &models.ConfigError{Key: "generation.profiles." + profile.Name + ".url"}
	}

	payload, err := BuildRequest(profile, prompt, genCtx)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("generate: encode request: %w", err)
	}

	timeout := profile.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, profile.URL, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("generate: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range profile.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	c.log.InfoContext(ctx, "generation request", slog.String("profile", profile.Name))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", &TimeoutError{Profile: profile.Name, After: timeout}
		}
		return "", fmt.Errorf("generate via %s: %w", profile.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", &TimeoutError{Profile: profile.Name, After: timeout}
		}
		return "", fmt.Errorf("generate: read body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(body))
		if len(msg) > 300 {
			msg = msg[:300]
		}
		return "", &HTTPError{Profile: profile.Name, Status: resp.StatusCode, Body: msg}
	}

	article, err := parseArticle(profile, body)
	if err != nil {
		return "", err
	}

	c.log.InfoContext(ctx, "generation complete",
		slog.String("profile", profile.Name),
		slog.Int("chars", len(article)),
		slog.Duration("elapsed", time.Since(start)),
	)
	return article, nil
}

// parseArticle pulls the article text out of a response body. Without a
// ResponseField the whole body is the article.
func parseArticle(profile EndpointProfile, body []byte) (string, error) {
	if profile.ResponseField == "" {
		article := strings.TrimSpace(string(body))
		if article == "" {
			return "", fmt.Errorf("generate via %s: empty response", profile.Name)
		}
		return article, nil
	}

	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return "", fmt.Errorf("generate via %s: decode response: %w", profile.Name, err)
	}
	article, _ := obj[profile.ResponseField].(string)
	if strings.TrimSpace(article) == "" {
		return "", fmt.Errorf("generate via %s: response has no %q text", profile.Name, profile.ResponseField)
	}
	return article, nil
}

var _ Generator = (*Client)(nil)
