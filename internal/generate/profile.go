// Package generate calls the external article-generation services. Each
// service is described by an EndpointProfile; a single request builder
// shapes the request for any of them.
package generate

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Context keys understood by BuildRequest.
const (
	CtxTicker     = "ticker"
	CtxSourceText = "source_text"
	CtxSourceURL  = "source_url"
	CtxTitle      = "title"
)

// EndpointProfile describes how to shape a request for one generation
// service. It is configuration data: adding a service means adding a profile.
type EndpointProfile struct {
	Name            string            `yaml:"name" mapstructure:"name" json:"name"`
	URL             string            `yaml:"url" mapstructure:"url" json:"url"`
	PromptField     string            `yaml:"prompt_field" mapstructure:"prompt_field" json:"prompt_field"`
	TickerField     string            `yaml:"ticker_field" mapstructure:"ticker_field" json:"ticker_field,omitempty"`
	SourceTextField string            `yaml:"source_text_field" mapstructure:"source_text_field" json:"source_text_field,omitempty"`
	URLField        string            `yaml:"url_field" mapstructure:"url_field" json:"url_field,omitempty"`
	TitleField      string            `yaml:"title_field" mapstructure:"title_field" json:"title_field,omitempty"`
	RequiredFields  []string          `yaml:"required_fields" mapstructure:"required_fields" json:"required_fields,omitempty"`
	ResponseField   string            `yaml:"response_field" mapstructure:"response_field" json:"response_field,omitempty"`
	StaticFields    map[string]string `yaml:"static_fields" mapstructure:"static_fields" json:"static_fields,omitempty"`
	Headers         map[string]string `yaml:"headers" mapstructure:"headers" json:"-"`
	Timeout         time.Duration     `yaml:"timeout" mapstructure:"timeout" json:"timeout,omitempty"`
}

// Profiles maps profile names to their definitions.
type Profiles map[string]EndpointProfile

// DefaultProfiles returns the built-in profiles. Their URLs are empty and
// must be configured before use.
func DefaultProfiles() Profiles {
	return Profiles{
		"news": {
			Name:           "news",
			PromptField:    "prompt",
			TickerField:    "ticker",
			URLField:       "source_url",
			RequiredFields: []string{"prompt"},
			ResponseField:  "article",
		},
		"press_release": {
			Name:            "press_release",
			PromptField:     "instructions",
			TickerField:     "symbol",
			SourceTextField: "sourceText",
			TitleField:      "headline",
			RequiredFields:  []string{"instructions", "sourceText"},
			ResponseField:   "content",
		},
		"analyst_note": {
			Name:            "analyst_note",
			PromptField:     "prompt",
			TickerField:     "ticker",
			SourceTextField: "note_text",
			RequiredFields:  []string{"prompt", "note_text", "ticker"},
			ResponseField:   "article",
			StaticFields:    map[string]string{"format": "analyst_note"},
		},
	}
}

// Get returns the named profile.
func (p Profiles) Get(name string) (EndpointProfile, error) {
	prof, ok := p[name]
	if !ok {
		return EndpointProfile{}, fmt.Errorf("unknown endpoint profile %q", name)
	}
	return prof, nil
}

// Names returns the profile names in sorted order.
func (p Profiles) Names() []string {
	names := make([]string, 0, len(p))
	for n := range p {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Merge overlays profiles onto p. Non-empty fields of an override replace the
// built-in values; unknown names are added as new profiles.
func (p Profiles) Merge(overrides ...EndpointProfile) Profiles {
	out := make(Profiles, len(p)+len(overrides))
	for k, v := range p {
		out[k] = v
	}
	for _, o := range overrides {
		if o.Name == "" {
			continue
		}
		base := out[o.Name]
		base.Name = o.Name
		if o.URL != "" {
			base.URL = o.URL
		}
		if o.PromptField != "" {
			base.PromptField = o.PromptField
		}
		if o.TickerField != "" {
			base.TickerField = o.TickerField
		}
		if o.SourceTextField != "" {
			base.SourceTextField = o.SourceTextField
		}
		if o.URLField != "" {
			base.URLField = o.URLField
		}
		if o.TitleField != "" {
			base.TitleField = o.TitleField
		}
		if len(o.RequiredFields) > 0 {
			base.RequiredFields = o.RequiredFields
		}
		if o.ResponseField != "" {
			base.ResponseField = o.ResponseField
		}
		if len(o.StaticFields) > 0 {
			base.StaticFields = o.StaticFields
		}
		if len(o.Headers) > 0 {
			base.Headers = o.Headers
		}
		if o.Timeout > 0 {
			base.Timeout = o.Timeout
		}
		out[o.Name] = base
	}
	return out
}

// LoadProfiles reads a YAML file containing a list of profiles and merges it
// over the built-ins.
func LoadProfiles(path string) (Profiles, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	var list []EndpointProfile
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse profiles %s: %w", path, err)
	}
	return DefaultProfiles().Merge(list...), nil
}

// MissingFieldError reports a required request field that would be sent
// empty.
type MissingFieldError struct {
	Profile string
	Field   string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("profile %s: required field %q is empty", e.Profile, e.Field)
}

// BuildRequest shapes the JSON request body for a profile. It fails before
// any I/O if a required field would be empty.
func BuildRequest(profile EndpointProfile, prompt string, genCtx map[string]string) (map[string]any, error) {
	body := make(map[string]any)
	for k, v := range profile.StaticFields {
		body[k] = v
	}

	promptField := profile.PromptField
	if promptField == "" {
		promptField = "prompt"
	}
	body[promptField] = prompt

	set := func(field, key string) {
		if field == "" {
			return
		}
		if v := strings.TrimSpace(genCtx[key]); v != "" {
			body[field] = v
		}
	}
	set(profile.TickerField, CtxTicker)
	set(profile.SourceTextField, CtxSourceText)
	set(profile.URLField, CtxSourceURL)
	set(profile.TitleField, CtxTitle)

	for _, f := range profile.RequiredFields {
		v, ok := body[f]
		if !ok {
			return nil, &MissingFieldError{Profile: profile.Name, Field: f}
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			return nil, &MissingFieldError{Profile: profile.Name, Field: f}
		}
	}
	return body, nil
}
