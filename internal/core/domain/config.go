package domain

// ProviderConfig holds configuration for all AI providers
type ProviderConfig struct {
	LLM   LLMProviderConfig   `json:"llm" toml:"llm"`
	Image ImageProviderConfig `json:"image" toml:"image"`
}

// LLMProviderConfig configures the description (text) provider
type LLMProviderConfig struct {
	Mode         string `json:"mode" toml:"mode"`                   // "local" or "remote"
	LocalURL     string `json:"local_url" toml:"local_url"`         // "http://localhost:11434"
	RemoteURL    string `json:"remote_url" toml:"remote_url"`       // "https://api.openai.com/v1"
	APIKey       string `json:"api_key" toml:"api_key"`             // Encrypted in storage
	DefaultModel string `json:"default_model" toml:"default_model"` // "gemma3:12b" or "gpt-4o-mini"
}

// ImageProviderConfig configures the image generation provider
type ImageProviderConfig struct {
	Mode         string `json:"mode" toml:"mode"`                   // "local" or "remote"
	LocalURL     string `json:"local_url" toml:"local_url"`         // "http://localhost:8188"
	RemoteURL    string `json:"remote_url" toml:"remote_url"`       // "https://api.openai.com/v1"
	APIKey       string `json:"api_key" toml:"api_key"`             // Encrypted in storage
	DefaultModel string `json:"default_model" toml:"default_model"` // "sd-1.5" or "gpt-image-1"
}

// AppConfig is the runtime-editable part of the configuration.
type AppConfig struct {
	Providers ProviderConfig `json:"providers" toml:"providers"`
}

// DefaultConfig returns safe defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Providers: ProviderConfig{
			LLM: LLMProviderConfig{
				Mode:         "local",
				LocalURL:     "http://localhost:11434",
				DefaultModel: "gemma3:12b",
			},
			Image: ImageProviderConfig{
				Mode:         "local",
				LocalURL:     "http://localhost:8188",
				DefaultModel: "sd-1.5",
			},
		},
	}
}
