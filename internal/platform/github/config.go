package github

import (
	"encoding/json"
	"fmt"
)

const (
	defaultBaseURL = "https://api.github.com"
	defaultPerPage = 100
	// Concurrent upstream calls across the whole worker fleet.
	defaultMaxConcurrentCalls = 10
)

// Settings is the per-integration configuration blob.
type Settings struct {
	Token   string   `json:"token"`
	BaseURL string   `json:"base_url"`
	Repos   []string `json:"repos"`
	PerPage int      `json:"per_page"`
}

func parseSettings(raw json.RawMessage) (Settings, error) {
	var s Settings
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &s); err != nil {
			return s, fmt.Errorf("github settings: %w", err)
		}
	}
	if s.BaseURL == "" {
		s.BaseURL = defaultBaseURL
	}
	if s.PerPage <= 0 || s.PerPage > 100 {
		s.PerPage = defaultPerPage
	}
	if len(s.Repos) == 0 {
		return s, fmt.Errorf("github settings: repos is required")
	}
	return s, nil
}
