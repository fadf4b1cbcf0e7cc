package types

// Config represents the sessioncore configuration. Files may be JSON, JSONC
// or YAML; all share these keys.
type Config struct {
	// Schema reference (for editor support)
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Model selection, "provider/model"
	Model      string `json:"model,omitempty" yaml:"model,omitempty"`
	SmallModel string `json:"small_model,omitempty" yaml:"small_model,omitempty"` // titles, followups, classification

	Provider map[string]ProviderConfig `json:"provider,omitempty" yaml:"provider,omitempty"`

	Storage *StorageConfig `json:"storage,omitempty" yaml:"storage,omitempty"`
	Monitor *MonitorConfig `json:"monitor,omitempty" yaml:"monitor,omitempty"`
	Server  *ServerConfig  `json:"server,omitempty" yaml:"server,omitempty"`
	Log     *LogConfig     `json:"log,omitempty" yaml:"log,omitempty"`
}

// ProviderConfig holds configuration for a specific provider.
type ProviderConfig struct {
	APIKey    string `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	BaseURL   string `json:"baseURL,omitempty" yaml:"baseURL,omitempty"`
	Model     string `json:"model,omitempty" yaml:"model,omitempty"`
	MaxTokens int    `json:"maxTokens,omitempty" yaml:"maxTokens,omitempty"`
	Disable   bool   `json:"disable,omitempty" yaml:"disable,omitempty"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Backend   string `json:"backend,omitempty" yaml:"backend,omitempty"` // "file" | "sqlite"
	Path      string `json:"path,omitempty" yaml:"path,omitempty"`
	Retention int    `json:"retention,omitempty" yaml:"retention,omitempty"`
}

// MonitorConfig tunes the output monitor. Durations are milliseconds.
type MonitorConfig struct {
	MinPollIntervalMs int  `json:"minPollIntervalMs,omitempty" yaml:"minPollIntervalMs,omitempty"`
	MaxPollIntervalMs int  `json:"maxPollIntervalMs,omitempty" yaml:"maxPollIntervalMs,omitempty"`
	FirstPassMaxMs    int  `json:"firstPassMaxMs,omitempty" yaml:"firstPassMaxMs,omitempty"`
	ExtendedPassMaxMs int  `json:"extendedPassMaxMs,omitempty" yaml:"extendedPassMaxMs,omitempty"`
	MinIdleEvents     int  `json:"minIdleEvents,omitempty" yaml:"minIdleEvents,omitempty"`
	TailLines         int  `json:"tailLines,omitempty" yaml:"tailLines,omitempty"`
	AutoReply         bool `json:"autoReply,omitempty" yaml:"autoReply,omitempty"`
	// PromptPatterns replace the built-in prompt regexes.
	PromptPatterns []string `json:"promptPatterns,omitempty" yaml:"promptPatterns,omitempty"`
}

type ServerConfig struct {
	Port     int    `json:"port,omitempty" yaml:"port,omitempty"`
	Hostname string `json:"hostname,omitempty" yaml:"hostname,omitempty"`
	CORS     *bool  `json:"cors,omitempty" yaml:"cors,omitempty"`
}

type LogConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Pretty bool   `json:"pretty,omitempty" yaml:"pretty,omitempty"`
}
