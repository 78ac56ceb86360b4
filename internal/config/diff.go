package config

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	// Hot-reloadable fields.
	SpeedChanged    bool
	NewSpeed        float64
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists the sections that changed but only take effect
	// after a restart.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.SpeedChanged || d.LogLevelChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Playback.Speed != new.Playback.Speed {
		d.SpeedChanged = true
		d.NewSpeed = new.Playback.Speed
	}

	if old.Server.AdminAddr != new.Server.AdminAddr {
		d.RestartRequired = append(d.RestartRequired, "server.admin_addr")
	}
	if !old.Cache.equal(new.Cache) {
		d.RestartRequired = append(d.RestartRequired, "cache")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	oldPlay, newPlay := old.Playback, new.Playback
	oldPlay.Speed, newPlay.Speed = 0, 0
	if oldPlay != newPlay {
		d.RestartRequired = append(d.RestartRequired, "playback")
	}
	if old.Source != new.Source {
		d.RestartRequired = append(d.RestartRequired, "source")
	}
	if old.Output != new.Output {
		d.RestartRequired = append(d.RestartRequired, "output")
	}

	return d
}
