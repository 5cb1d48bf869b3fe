package main

import (
	"log/slog"

	"github.com/MrWong99/lessonvoice/internal/config"
	"github.com/MrWong99/lessonvoice/internal/transport"
	"github.com/MrWong99/lessonvoice/pkg/audio/capture"
	"github.com/MrWong99/lessonvoice/pkg/audio/playback"
)

func captureOptions(in config.InputConfig) []capture.Option {
	return []capture.Option{
		capture.WithDeviceName(in.Device),
		capture.WithSampleRate(in.SampleRate),
		capture.WithBlockSize(in.BlockSize),
		capture.WithProcessing(
			config.Enabled(in.EchoCancellation),
			config.Enabled(in.NoiseSuppression),
			config.Enabled(in.AutoGainControl),
		),
	}
}

func playbackOptions(out config.OutputConfig) []playback.Option {
	return []playback.Option{
		playback.WithDeviceName(out.Device),
		playback.WithSampleRate(out.SampleRate),
	}
}

// transportOptions maps the provider and session sections onto transport
// options. Unset values keep the transport defaults.
func transportOptions(cfg *config.Config) []transport.Option {
	opts := []transport.Option{
		transport.WithMaxRetries(cfg.Session.Retries()),
		transport.WithVoice(cfg.Provider.Voice),
		transport.WithGreeting(cfg.Session.Greeting),
	}
	if cfg.Session.InitialBackoff > 0 {
		opts = append(opts, transport.WithInitialBackoff(cfg.Session.InitialBackoff))
	}
	if cfg.Session.MaxBackoff > 0 {
		opts = append(opts, transport.WithMaxBackoff(cfg.Session.MaxBackoff))
	}
	if cfg.Session.InstructionTemplate != "" {
		opts = append(opts, transport.WithInstructionTemplate(cfg.Session.InstructionTemplate))
	}
	return opts
}

func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
