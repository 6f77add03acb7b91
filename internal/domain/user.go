// Package domain contains core domain types for the conversation agent service.
package domain

import (
	"time"
)

// User is a registered account allowed to start agent sessions.
type User struct {
	UID                  int64     `json:"uid"`
	PasswordHash         string    `json:"-"`
	AgentName            string    `json:"agent_name"`
	PlatformUsageSeconds float64   `json:"platform_usage_time"`
	CreatedAt            time.Time `json:"created_at"`
	LastLoginAt          time.Time `json:"last_login_at"`
}

// UserMetadata configures the agent provisioned for a user and carries the
// user's remaining usage-time budget.
type UserMetadata struct {
	UID              int64   `json:"uid"`
	LanguageCode     string  `json:"language_code"`
	VoiceID          string  `json:"voice_id"`
	Prompt           string  `json:"prompt"`
	Intro            string  `json:"intro"`
	AgentName        string  `json:"agent_name"`
	TTSAPIKey        string  `json:"-"`
	TTSStability     float64 `json:"tts_stability,omitempty"`
	TTSSimilarity    float64 `json:"tts_similarity_boost,omitempty"`
	TTSSpeed         float64 `json:"tts_speed,omitempty"`
	RemainingSeconds float64 `json:"remaining_seconds"`
	BrandName        string  `json:"brand_name,omitempty"`
	BrandLogo        string  `json:"brand_logo,omitempty"`
}

// HasBudget reports whether the user has any usage time left.
func (m *UserMetadata) HasBudget() bool {
	return m.RemainingSeconds > 0
}

// Language returns the configured language code, defaulting to en-US.
func (m *UserMetadata) Language() string {
	if m.LanguageCode == "" {
		return "en-US"
	}
	return m.LanguageCode
}

// BrandDetails is the public branding shown to a logged-in user.
type BrandDetails struct {
	BrandName string `json:"brandName,omitempty"`
	BrandLogo string `json:"brandLogo,omitempty"`
}

// Brand returns the user's branding.
func (m *UserMetadata) Brand() BrandDetails {
	return BrandDetails{BrandName: m.BrandName, BrandLogo: m.BrandLogo}
}
