// Package config provides the configuration schema, loader and file watcher
// for the seekplay engine.
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

// SourceKind selects the decoder feeding the engine.
type SourceKind string

const (
	// SourceSynth generates a deterministic test stream.
	SourceSynth SourceKind = "synth"

	// SourceOpus reads a length-prefixed Opus packet file.
	SourceOpus SourceKind = "opus"
)

// IsValid reports whether k is a recognised source kind.
func (k SourceKind) IsValid() bool {
	return k == SourceSynth || k == SourceOpus
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultAdminAddr       = ":9090"
	DefaultMaxBytes        = 250 << 20
	DefaultBlocks          = 12
	DefaultMinBlocks       = 3
	DefaultMinFree         = 2
	DefaultMaxFree         = 2
	DefaultAudioIdle       = 50 * time.Millisecond
	DefaultSinkBuffer      = 200 * time.Millisecond
	DefaultPlaybackIdle    = 10 * time.Millisecond
	DefaultLookaheadBlocks = 1
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Cache    CacheConfig    `yaml:"cache"`
	Audio    AudioConfig    `yaml:"audio"`
	Playback PlaybackConfig `yaml:"playback"`
	Source   SourceConfig   `yaml:"source"`
	Output   OutputConfig   `yaml:"output"`
}

// ServerConfig holds logging and admin endpoint settings.
type ServerConfig struct {
	// AdminAddr is the TCP address of the health and metrics endpoint
	// (e.g., ":9090"). "off" disables it.
	AdminAddr string `yaml:"admin_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`
}

// CacheConfig sizes the frame cache.
type CacheConfig struct {
	// MaxBytes is the memory budget for decoded frames.
	MaxBytes int64 `yaml:"max_bytes"`

	// Blocks is the initial number of cache blocks.
	Blocks int `yaml:"blocks"`

	// MinBlocks is the lower bound when the pool is shrunk to fit MaxBytes.
	MinBlocks int `yaml:"min_blocks"`

	// MinFree and MaxFree are the admission thresholds for idle-only
	// requests. Zero is a valid setting, so nil marks an absent key.
	MinFree *int `yaml:"min_free"`
	MaxFree *int `yaml:"max_free"`
}

// MinFreeBlocks returns MinFree, or [DefaultMinFree] when it is unset.
func (c CacheConfig) MinFreeBlocks() int { return intOr(c.MinFree, DefaultMinFree) }

// MaxFreeBlocks returns MaxFree, or [DefaultMaxFree] when it is unset.
func (c CacheConfig) MaxFreeBlocks() int { return intOr(c.MaxFree, DefaultMaxFree) }

func (c CacheConfig) equal(o CacheConfig) bool {
	return c.MaxBytes == o.MaxBytes &&
		c.Blocks == o.Blocks &&
		c.MinBlocks == o.MinBlocks &&
		c.MinFreeBlocks() == o.MinFreeBlocks() &&
		c.MaxFreeBlocks() == o.MaxFreeBlocks()
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

// AudioConfig configures the audio renderer and the output device.
type AudioConfig struct {
	// IdleInterval bounds how long the renderer waits for a message before
	// topping up the sink.
	IdleInterval time.Duration `yaml:"idle_interval"`

	// SinkBuffer is the device buffer length of the paced output.
	SinkBuffer time.Duration `yaml:"sink_buffer"`
}

// PlaybackConfig controls the playhead.
type PlaybackConfig struct {
	// Speed is the initial playback speed; negative plays backwards.
	// Hot-reloadable.
	Speed float64 `yaml:"speed"`

	// StartFrame is the first frame played.
	StartFrame int64 `yaml:"start_frame"`

	// LookaheadBlocks is how many blocks the playhead requests ahead of the
	// frame due now.
	LookaheadBlocks int `yaml:"lookahead_blocks"`

	// IdleInterval is the playhead's polling period.
	IdleInterval time.Duration `yaml:"idle_interval"`

	// Autoplay starts playback as soon as the engine is up.
	Autoplay bool `yaml:"autoplay"`
}

// SourceConfig selects and configures the decoder.
type SourceConfig struct {
	Kind SourceKind `yaml:"kind"`

	// Path is the input file for file-based sources.
	Path string `yaml:"path"`

	Synth SynthConfig `yaml:"synth"`
}

// SynthConfig parameterises the synthetic source. Zero values take the
// synth package defaults.
type SynthConfig struct {
	SampleRate int     `yaml:"sample_rate"`
	Channels   int     `yaml:"channels"`
	FrameRate  float64 `yaml:"frame_rate"`
	Frames     int64   `yaml:"frames"`
	Width      int     `yaml:"width"`
	Height     int     `yaml:"height"`
	ToneHz     float64 `yaml:"tone_hz"`
}

// OutputConfig selects where rendered PCM goes.
type OutputConfig struct {
	// Path is the file receiving raw PCM. "-" writes to stdout; empty
	// discards the audio while still pacing it in real time.
	Path string `yaml:"path"`
}

// ApplyDefaults fills unset fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.AdminAddr == "" {
		cfg.Server.AdminAddr = DefaultAdminAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	if cfg.Cache.MaxBytes == 0 {
		cfg.Cache.MaxBytes = DefaultMaxBytes
	}
	if cfg.Cache.Blocks == 0 {
		cfg.Cache.Blocks = DefaultBlocks
	}
	if cfg.Cache.MinBlocks == 0 {
		cfg.Cache.MinBlocks = DefaultMinBlocks
	}
	if cfg.Cache.MinFree == nil {
		v := DefaultMinFree
		cfg.Cache.MinFree = &v
	}
	if cfg.Cache.MaxFree == nil {
		v := DefaultMaxFree
		cfg.Cache.MaxFree = &v
	}

	if cfg.Audio.IdleInterval == 0 {
		cfg.Audio.IdleInterval = DefaultAudioIdle
	}
	if cfg.Audio.SinkBuffer == 0 {
		cfg.Audio.SinkBuffer = DefaultSinkBuffer
	}

	if cfg.Playback.Speed == 0 {
		cfg.Playback.Speed = 1
	}
	if cfg.Playback.LookaheadBlocks == 0 {
		cfg.Playback.LookaheadBlocks = DefaultLookaheadBlocks
	}
	if cfg.Playback.IdleInterval == 0 {
		cfg.Playback.IdleInterval = DefaultPlaybackIdle
	}

	if cfg.Source.Kind == "" {
		cfg.Source.Kind = SourceSynth
	}
}
