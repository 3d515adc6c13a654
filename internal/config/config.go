// Package config provides the configuration schema and loader for the
// Stagehand worker.
//
// Configuration is read from a YAML file and then overridden by environment
// variables, so deployments can ship a base file and inject secrets at
// runtime. [Validate] returns a joined error listing every problem at once.
package config

import "time"

// LogLevel controls log verbosity for the worker.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration for the worker.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Supabase SupabaseConfig `yaml:"supabase"`
	OpenAI   OpenAIConfig   `yaml:"openai"`
	Models   ModelsConfig   `yaml:"models"`
	Exa      ExaConfig      `yaml:"exa"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Status   StatusConfig   `yaml:"status"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
	Session  SessionConfig  `yaml:"session"`
}

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	// WorkerPort is the port for /healthz, /metrics, /audio/stream, and the
	// events API. Default 3001.
	WorkerPort int `yaml:"worker_port"`

	// LogLevel controls verbosity. Default info.
	LogLevel LogLevel `yaml:"log_level"`
}

// SupabaseConfig holds the persistence backend credentials. The URL doubles
// as the Postgres connection target.
type SupabaseConfig struct {
	URL            string `yaml:"url"`
	ServiceRoleKey string `yaml:"service_role_key"`
}

// OpenAIConfig holds the provider credentials.
type OpenAIConfig struct {
	APIKey string `yaml:"api_key"`
}

// ModelsConfig selects the model per pipeline stage.
type ModelsConfig struct {
	// Embed is the embedding model for glossary similarity.
	Embed string `yaml:"embed"`

	// ChunksPolish cleans raw transcript chunks upstream.
	ChunksPolish string `yaml:"chunks_polish"`

	// ContextGen drives the Facts agent session.
	ContextGen string `yaml:"context_gen"`

	// Glossary generates the glossary corpus.
	Glossary string `yaml:"glossary"`

	// Cards drives the Cards agent session.
	Cards string `yaml:"cards"`

	// CardsFallback lists chat-completions models for the fallback path,
	// tried in order. Empty disables the fallback.
	CardsFallback []string `yaml:"cards_fallback"`
}

// ExaConfig holds the optional search-provider credentials.
type ExaConfig struct {
	APIKey string `yaml:"api_key"`
}

// IngestConfig configures the audio ingest endpoint.
type IngestConfig struct {
	// ForwardEndpoint receives audio chunks for transcription. Empty
	// disables the /audio/stream route.
	ForwardEndpoint string `yaml:"forward_endpoint"`
}

// StatusConfig configures the status emitter.
type StatusConfig struct {
	// SSEEndpoint receives snapshot POSTs. Must be a valid http(s) URL.
	SSEEndpoint string `yaml:"sse_endpoint"`

	// Interval overrides the emit cadence. Default 5s.
	Interval time.Duration `yaml:"interval"`
}

// RuntimeConfig exposes the per-event runtime tunables. Zero values select
// the built-in defaults.
type RuntimeConfig struct {
	TokenBudget     int           `yaml:"token_budget"`
	FactsDebounce   time.Duration `yaml:"facts_debounce"`
	RingCapacity    int           `yaml:"ring_capacity"`
	RingWindow      time.Duration `yaml:"ring_window"`
	MaxFacts        int           `yaml:"max_facts"`
	QueueCapacity   int           `yaml:"queue_capacity"`
	RecentTextChars int           `yaml:"recent_text_chars"`
}

// SessionConfig exposes the provider-session tunables. Zero values select
// the built-in defaults.
type SessionConfig struct {
	PingInterval           time.Duration `yaml:"ping_interval"`
	MaxMissedPongs         int           `yaml:"max_missed_pongs"`
	Backoff                time.Duration `yaml:"backoff"`
	MaxBackoff             time.Duration `yaml:"max_backoff"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	ConnectTimeout         time.Duration `yaml:"connect_timeout"`
	SendTimeout            time.Duration `yaml:"send_timeout"`
}
