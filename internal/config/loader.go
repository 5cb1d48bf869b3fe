package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the realtime endpoints with a built-in factory.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"gemini-live", "openai-realtime"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader expands ${ENV} references, decodes a YAML config from r,
// applies defaults and validates the result. An empty document yields the
// default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	cfg := &Config{}
	expanded := os.ExpandEnv(string(raw))
	if strings.TrimSpace(expanded) != "" {
		dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("config: decode yaml: %w", err)
		}
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field of cfg with its default value.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Provider.Name == "" {
		cfg.Provider.Name = DefaultProvider
	}
	if cfg.Provider.Voice == "" {
		cfg.Provider.Voice = DefaultVoice
	}
	if cfg.Audio.Input.SampleRate == 0 {
		cfg.Audio.Input.SampleRate = DefaultInputSampleRate
	}
	if cfg.Audio.Input.BlockSize == 0 {
		cfg.Audio.Input.BlockSize = DefaultBlockSize
	}
	if cfg.Audio.Output.SampleRate == 0 {
		cfg.Audio.Output.SampleRate = DefaultOutputSampleRate
	}
	if cfg.Session.MaxRetries == nil {
		n := DefaultMaxRetries
		cfg.Session.MaxRetries = &n
	}
	if cfg.Session.InitialBackoff == 0 {
		cfg.Session.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.Session.ActivityDecay == 0 {
		cfg.Session.ActivityDecay = DefaultActivityDecay
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider
	validateProviderName(cfg.Provider.Name)
	if cfg.Provider.APIKey == "" {
		slog.Warn("provider.api_key is empty; the endpoint will most likely reject the session", "provider", cfg.Provider.Name)
	}
	for i, fb := range cfg.Provider.Fallbacks {
		prefix := fmt.Sprintf("provider.fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		validateProviderName(fb.Name)
		if len(fb.Fallbacks) > 0 {
			errs = append(errs, fmt.Errorf("%s.fallbacks must be empty; fallbacks do not nest", prefix))
		}
	}
	if cfg.Provider.Failover.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("provider.failover.max_failures %d must not be negative", cfg.Provider.Failover.MaxFailures))
	}
	if cfg.Provider.Failover.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("provider.failover.reset_timeout %s must not be negative", cfg.Provider.Failover.ResetTimeout))
	}

	// Audio
	if cfg.Audio.Input.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.input.sample_rate %d must be positive", cfg.Audio.Input.SampleRate))
	}
	if cfg.Audio.Input.BlockSize < 0 {
		errs = append(errs, fmt.Errorf("audio.input.block_size %d must be positive", cfg.Audio.Input.BlockSize))
	}
	if cfg.Audio.Output.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.output.sample_rate %d must be positive", cfg.Audio.Output.SampleRate))
	}

	// Session
	if n := cfg.Session.Retries(); n < 0 {
		errs = append(errs, fmt.Errorf("session.max_retries %d must not be negative", n))
	}
	if cfg.Session.InitialBackoff < 0 {
		errs = append(errs, fmt.Errorf("session.initial_backoff %s must not be negative", cfg.Session.InitialBackoff))
	}
	if cfg.Session.MaxBackoff < 0 {
		errs = append(errs, fmt.Errorf("session.max_backoff %s must not be negative", cfg.Session.MaxBackoff))
	}
	if cfg.Session.MaxBackoff > 0 && cfg.Session.MaxBackoff < cfg.Session.InitialBackoff {
		errs = append(errs, fmt.Errorf("session.max_backoff %s is below session.initial_backoff %s", cfg.Session.MaxBackoff, cfg.Session.InitialBackoff))
	}
	if cfg.Session.ActivityDecay < 0 {
		errs = append(errs, fmt.Errorf("session.activity_decay %s must not be negative", cfg.Session.ActivityDecay))
	}
	if t := cfg.Session.InstructionTemplate; t != "" && !strings.Contains(t, "%s") {
		slog.Warn("session.instruction_template has no %s placeholder; the topic will not reach the model")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// [ValidProviderNames].
func validateProviderName(name string) {
	if name == "" || slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or a third-party registration",
		"name", name,
		"known", ValidProviderNames,
	)
}
