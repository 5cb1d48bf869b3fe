package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only fields that can be applied without restarting the process are tracked;
// session fields take effect when the next session starts.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true if the instruction template, greeting, voice
	// or retry policy changed.
	SessionChanged bool
	Fields         []string

	// RestartRequired lists changed fields that only apply after a restart.
	RestartRequired []string
}

// Changed reports whether d carries any change at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.SessionChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	session := func(field string, changed bool) {
		if changed {
			d.SessionChanged = true
			d.Fields = append(d.Fields, field)
		}
	}
	session("provider.voice", old.Provider.Voice != new.Provider.Voice)
	session("session.instruction_template", old.Session.InstructionTemplate != new.Session.InstructionTemplate)
	session("session.greeting", old.Session.Greeting != new.Session.Greeting)
	session("session.max_retries", old.Session.Retries() != new.Session.Retries())
	session("session.initial_backoff", old.Session.InitialBackoff != new.Session.InitialBackoff)
	session("session.max_backoff", old.Session.MaxBackoff != new.Session.MaxBackoff)
	session("session.activity_decay", old.Session.ActivityDecay != new.Session.ActivityDecay)

	restart := func(field string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, field)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("provider.name", old.Provider.Name != new.Provider.Name)
	restart("provider.api_key", old.Provider.APIKey != new.Provider.APIKey)
	restart("provider.base_url", old.Provider.BaseURL != new.Provider.BaseURL)
	restart("provider.model", old.Provider.Model != new.Provider.Model)
	restart("provider.fallbacks", !reflect.DeepEqual(old.Provider.Fallbacks, new.Provider.Fallbacks))
	restart("provider.failover", old.Provider.Failover != new.Provider.Failover)
	restart("audio.input", !sameInput(old.Audio.Input, new.Audio.Input))
	restart("audio.output", old.Audio.Output != new.Audio.Output)

	return d
}

func sameInput(a, b InputConfig) bool {
	return a.Device == b.Device &&
		a.SampleRate == b.SampleRate &&
		a.BlockSize == b.BlockSize &&
		Enabled(a.EchoCancellation) == Enabled(b.EchoCancellation) &&
		Enabled(a.NoiseSuppression) == Enabled(b.NoiseSuppression) &&
		Enabled(a.AutoGainControl) == Enabled(b.AutoGainControl)
}
