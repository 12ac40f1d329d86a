package review

import (
	"github.com/spf13/viper"

	"github.com/joescharf/pitchdesk/internal/board"
)

// Config holds review engine configuration.
type Config struct {
	MaxAttempts int
	MaxBody     int
	Lanes       board.Lanes
	Links       board.Links
}

// DefaultConfig returns the default review config, reading from viper when available.
func DefaultConfig() Config {
	maxAttempts := viper.GetInt("review.max_attempts")
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	maxBody := viper.GetInt("board.max_body")
	if maxBody <= 0 {
		maxBody = board.DefaultMaxBody
	}

	lanes := board.DefaultLanes()
	if v := viper.GetString("board.lanes.to_generate"); v != "" {
		lanes.ToGenerate = v
	}
	if v := viper.GetString("board.lanes.in_progress"); v != "" {
		lanes.InProgress = v
	}
	if v := viper.GetString("board.lanes.approved"); v != "" {
		lanes.Approved = v
	}
	if v := viper.GetString("board.lanes.needs_attention"); v != "" {
		lanes.NeedsAttention = v
	}

	return Config{
		MaxAttempts: maxAttempts,
		MaxBody:     maxBody,
		Lanes:       lanes,
		Links:       board.Links{BaseURL: viper.GetString("public_url")},
	}
}

// envelopeBudget is the share of the body ceiling the state envelope may use.
func (c Config) envelopeBudget() int {
	return c.MaxBody / 2
}
