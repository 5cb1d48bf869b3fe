// Package config provides the configuration schema, loader, and provider registry
// for the lessonvoice tutoring client.
package config

import "time"

// LogLevel controls log verbosity.
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

// Default values filled in by [ApplyDefaults].
const (
	DefaultListenAddr       = ":9090"
	DefaultProvider         = "gemini-live"
	DefaultVoice            = "Puck"
	DefaultInputSampleRate  = 16000
	DefaultBlockSize        = 4096
	DefaultOutputSampleRate = 24000
	DefaultMaxRetries       = 3
	DefaultInitialBackoff   = time.Second
	DefaultActivityDecay    = 500 * time.Millisecond
)

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig  `yaml:"server"`
	Provider ProviderEntry `yaml:"provider"`
	Audio    AudioConfig   `yaml:"audio"`
	Session  SessionConfig `yaml:"session"`
}

// ServerConfig holds the diagnostics HTTP server settings.
type ServerConfig struct {
	// ListenAddr is the address serving /metrics, /healthz and /readyz.
	// "-" disables the server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls the minimum log level. Defaults to info.
	LogLevel LogLevel `yaml:"log_level"`
}

// ProviderEntry selects and configures the realtime speech model endpoint.
type ProviderEntry struct {
	// Name is the registry key, e.g. "gemini-live" or "openai-realtime".
	Name string `yaml:"name"`

	// APIKey authenticates against the endpoint. Supports ${ENV} expansion.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the endpoint URL. Empty means the provider default.
	BaseURL string `yaml:"base_url"`

	// Model overrides the provider's default model.
	Model string `yaml:"model"`

	// Voice is the prebuilt voice the model speaks with.
	Voice string `yaml:"voice"`

	// Options carries provider-specific settings.
	Options map[string]any `yaml:"options"`

	// Fallbacks are dialled in order when this endpoint fails or its circuit
	// breaker is open. Only honoured on the top-level provider entry.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`

	// Failover tunes the per-endpoint circuit breakers.
	Failover FailoverConfig `yaml:"failover"`
}

// FailoverConfig tunes the circuit breakers guarding each endpoint.
// Zero values keep the breaker defaults.
type FailoverConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// AudioConfig groups the local device settings.
type AudioConfig struct {
	Input  InputConfig  `yaml:"input"`
	Output OutputConfig `yaml:"output"`
}

// InputConfig configures the microphone capture pipeline.
type InputConfig struct {
	// Device is the PortAudio device name. Empty selects the system default.
	Device string `yaml:"device"`

	SampleRate int `yaml:"sample_rate"`
	BlockSize  int `yaml:"block_size"`

	// Processing hints. Pointers so an omitted key keeps the default (true).
	EchoCancellation *bool `yaml:"echo_cancellation"`
	NoiseSuppression *bool `yaml:"noise_suppression"`
	AutoGainControl  *bool `yaml:"auto_gain_control"`
}

// OutputConfig configures the speaker playback scheduler.
type OutputConfig struct {
	Device     string `yaml:"device"`
	SampleRate int    `yaml:"sample_rate"`
}

// SessionConfig holds per-session transport and orchestration settings.
type SessionConfig struct {
	MaxRetries     *int          `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	ActivityDecay  time.Duration `yaml:"activity_decay"`

	// InstructionTemplate is the system instruction; every %s receives the topic.
	// Empty keeps the built-in tutor prompt.
	InstructionTemplate string `yaml:"instruction_template"`

	// Greeting is sent as a user turn once the session opens. Empty sends nothing.
	Greeting string `yaml:"greeting"`
}

// Retries returns the configured retry count, or the default when unset.
func (s SessionConfig) Retries() int {
	if s.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *s.MaxRetries
}

// Enabled dereferences a processing flag, treating nil as true.
func Enabled(b *bool) bool {
	return b == nil || *b
}
