package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// App is a tenant application that owns widget sessions
type App struct {
	ID        uuid.UUID `json:"id"`
	ProjectID string    `json:"project_id"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// PromptProfile is a stored system/assistant prompt attached to an app config
type PromptProfile struct {
	Name      string `json:"name"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	IsDefault bool   `json:"is_default"`
}

// LLMSettings selects the provider and model used for a session's completions
type LLMSettings struct {
	Provider    string  `json:"provider"`
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// VoiceSettings holds the voice/WebRTC configuration for an app. The TURN
// credential is stored encrypted and decrypted at the store boundary.
type VoiceSettings struct {
	Enabled                 bool     `json:"enabled"`
	StunServers             []string `json:"stun_servers,omitempty"`
	TurnURL                 string   `json:"turn_url,omitempty"`
	TurnUsername            string   `json:"turn_username,omitempty"`
	TurnCredentialEncrypted string   `json:"turn_credential_encrypted,omitempty"`
}

// AppConfig is one immutable, versioned configuration snapshot for an app.
// Sessions pin the version that was active when they were created.
type AppConfig struct {
	ID             uuid.UUID       `json:"id"`
	AppID          uuid.UUID       `json:"app_id"`
	Version        int             `json:"version"`
	Active         bool            `json:"active"`
	Features       map[string]bool `json:"features,omitempty"`
	Theme          map[string]any  `json:"theme,omitempty"`
	UIHints        map[string]any  `json:"ui_hints,omitempty"`
	LLM            LLMSettings     `json:"llm"`
	Voice          VoiceSettings   `json:"voice"`
	PromptProfiles []PromptProfile `json:"prompt_profiles,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Validate checks the dynamic parts of a config at the store boundary so
// downstream consumers never re-validate them.
func (c *AppConfig) Validate() error {
	if c.LLM.Provider == "" {
		return fmt.Errorf("config %d for app %s: llm provider is required", c.Version, c.AppID)
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("config %d for app %s: temperature out of range", c.Version, c.AppID)
	}
	if c.Voice.Enabled && len(c.Voice.StunServers) == 0 && c.Voice.TurnURL == "" {
		return fmt.Errorf("config %d for app %s: voice enabled without ICE servers", c.Version, c.AppID)
	}
	return nil
}

// DefaultSystemPrompt returns the app's default SYSTEM prompt profile, or
// empty string when none is configured.
func (c *AppConfig) DefaultSystemPrompt() string {
	for _, p := range c.PromptProfiles {
		if p.Role == "SYSTEM" && p.IsDefault {
			return p.Content
		}
	}
	return ""
}

// AppRepository is the read-only view of the external app/config store
type AppRepository interface {
	GetByProjectID(ctx context.Context, projectID string) (*App, error)
	GetActiveConfig(ctx context.Context, appID uuid.UUID) (*AppConfig, error)
	GetConfigVersion(ctx context.Context, appID uuid.UUID, version int) (*AppConfig, error)
}
