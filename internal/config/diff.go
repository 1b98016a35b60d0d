package config

import "slices"

// Diff describes what changed between two configs. Only settings that can
// be applied without a restart are tracked; sessions already running keep
// the settings they started with.
type Diff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged reports a change to voice, inference, prompt or audio
	// pacing settings, which apply to sessions started afterwards.
	SessionChanged bool

	// OriginsChanged reports a change to server.allowed_origins.
	OriginsChanged bool

	// RestartRequired lists sections whose changes need a restart.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d Diff) Changed() bool {
	return d.LogLevelChanged || d.SessionChanged || d.OriginsChanged || len(d.RestartRequired) > 0
}

// Compare returns what changed from old to new.
func Compare(old, new *Config) Diff {
	var d Diff

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if !slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins) {
		d.OriginsChanged = true
	}

	om, nm := old.Model, new.Model
	if om.VoiceID != nm.VoiceID || om.MaxTokens != nm.MaxTokens || om.TopP != nm.TopP ||
		om.Temperature != nm.Temperature || om.SystemPrompt != nm.SystemPrompt ||
		old.Audio.KeepaliveInterval != new.Audio.KeepaliveInterval ||
		old.Audio.TeardownPause != new.Audio.TeardownPause {
		d.SessionChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if om.Provider != nm.Provider || om.ModelID != nm.ModelID || om.Region != nm.Region ||
		!slices.Equal(om.FallbackRegions, nm.FallbackRegions) {
		d.RestartRequired = append(d.RestartRequired, "model")
	}
	if old.AWS != new.AWS {
		d.RestartRequired = append(d.RestartRequired, "aws")
	}
	if old.Records != new.Records {
		d.RestartRequired = append(d.RestartRequired, "records")
	}
	if old.Resilience != new.Resilience {
		d.RestartRequired = append(d.RestartRequired, "resilience")
	}
	return d
}
