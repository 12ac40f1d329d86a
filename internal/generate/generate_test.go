package generate

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/pitchdesk/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildRequest(t *testing.T) {
	profiles := DefaultProfiles()

	tests := []struct {
		name    string
		profile string
		genCtx  map[string]string
		want    map[string]any
		missing string
	}{
		{
			name:    "news maps ticker and url",
			profile: "news",
			genCtx:  map[string]string{CtxTicker: "ACME", CtxSourceURL: "https://x/1", CtxSourceText: "ignored"},
			want:    map[string]any{"prompt": "P", "ticker": "ACME", "source_url": "https://x/1"},
		},
		{
			name:    "press release requires source text",
			profile: "press_release",
			genCtx:  map[string]string{CtxTicker: "ACME"},
			missing: "sourceText",
		},
		{
			name:    "press release full",
			profile: "press_release",
			genCtx:  map[string]string{CtxTicker: "ACME", CtxSourceText: "body", CtxTitle: "H"},
			want:    map[string]any{"instructions": "P", "symbol": "ACME", "sourceText": "body", "headline": "H"},
		},
		{
			name:    "analyst note requires ticker",
			profile: "analyst_note",
			genCtx:  map[string]string{CtxSourceText: "note"},
			missing: "ticker",
		},
		{
			name:    "analyst note static fields",
			profile: "analyst_note",
			genCtx:  map[string]string{CtxSourceText: "note", CtxTicker: "ACME"},
			want:    map[string]any{"prompt": "P", "ticker": "ACME", "note_text": "note", "format": "analyst_note"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prof, err := profiles.Get(tt.profile)
			require.NoError(t, err)

			got, err := BuildRequest(prof, "P", tt.genCtx)
			if tt.missing != "" {
				var mf *MissingFieldError
				require.ErrorAs(t, err, &mf)
				assert.Equal(t, tt.missing, mf.Field)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestProfiles_Merge(t *testing.T) {
	merged := DefaultProfiles().Merge(
		EndpointProfile{Name: "news", URL: "https://gen/news", Timeout: time.Minute},
		EndpointProfile{Name: "earnings", URL: "https://gen/earnings", PromptField: "q"},
	)

	news, err := merged.Get("news")
	require.NoError(t, err)
	assert.Equal(t, "https://gen/news", news.URL)
	assert.Equal(t, "ticker", news.TickerField)
	assert.Equal(t, time.Minute, news.Timeout)

	assert.Equal(t, []string{"analyst_note", "earnings", "news", "press_release"}, merged.Names())

	// The built-ins are not mutated.
	assert.Empty(t, DefaultProfiles()["news"].URL)
}

func TestLoadProfiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
- name: press_release
  url: https://gen/pr
  timeout: 90s
  headers:
    X-Api-Key: k
`), 0o644))

	profiles, err := LoadProfiles(path)
	require.NoError(t, err)
	pr := profiles["press_release"]
	assert.Equal(t, "https://gen/pr", pr.URL)
	assert.Equal(t, 90*time.Second, pr.Timeout)
	assert.Equal(t, "k", pr.Headers["X-Api-Key"])
	assert.Equal(t, "sourceText", pr.SourceTextField)
}

func TestClient_Generate(t *testing.T) {
	var got map[string]any
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Api-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"article":"ACME rose 5%."}`))
	}))
	defer srv.Close()

	profiles := DefaultProfiles().Merge(EndpointProfile{
		Name: "news", URL: srv.URL, Headers: map[string]string{"X-Api-Key": "secret"},
	})
	c := NewClient(profiles, nil, time.Second, testLogger())

	article, err := c.Generate(context.Background(), "write it", "news", map[string]string{CtxTicker: "ACME"})
	require.NoError(t, err)
	assert.Equal(t, "ACME rose 5%.", article)
	assert.Equal(t, "write it", got["prompt"])
	assert.Equal(t, "ACME", got["ticker"])
	assert.Equal(t, "secret", gotKey)
}

func TestClient_Generate_Errors(t *testing.T) {
	t.Run("timeout", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer srv.Close()
		defer close(release)

		profiles := DefaultProfiles().Merge(EndpointProfile{Name: "news", URL: srv.URL, Timeout: 50 * time.Millisecond})
		c := NewClient(profiles, nil, 0, testLogger())

		_, err := c.Generate(context.Background(), "p", "news", nil)
		var te *TimeoutError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, "news", te.Profile)
	})

	t.Run("http status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		profiles := DefaultProfiles().Merge(EndpointProfile{Name: "news", URL: srv.URL})
		c := NewClient(profiles, nil, time.Second, testLogger())

		_, err := c.Generate(context.Background(), "p", "news", nil)
		var he *HTTPError
		require.ErrorAs(t, err, &he)
		assert.Equal(t, http.StatusServiceUnavailable, he.Status)
	})

	t.Run("missing url is a config error", func(t *testing.T) {
		c := NewClient(DefaultProfiles(), nil, time.Second, testLogger())
		_, err := c.Generate(context.Background(), "p", "news", nil)
		var ce *models.ConfigError
		require.ErrorAs(t, err, &ce)
	})

	t.Run("unknown profile", func(t *testing.T) {
		c := NewClient(DefaultProfiles(), nil, time.Second, testLogger())
		_, err := c.Generate(context.Background(), "p", "sports", nil)
		assert.ErrorContains(t, err, "unknown endpoint profile")
	})

	t.Run("response missing field", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"text":"wrong key"}`))
		}))
		defer srv.Close()

		profiles := DefaultProfiles().Merge(EndpointProfile{Name: "news", URL: srv.URL})
		c := NewClient(profiles, nil, time.Second, testLogger())
		_, err := c.Generate(context.Background(), "p", "news", nil)
		assert.ErrorContains(t, err, `no "article" text`)
	})
}
