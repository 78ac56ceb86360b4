package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Cache
	c := cfg.Cache
	if c.MaxBytes <= 0 {
		errs = append(errs, fmt.Errorf("cache.max_bytes must be positive, got %d", c.MaxBytes))
	}
	if c.MinBlocks < 1 {
		errs = append(errs, fmt.Errorf("cache.min_blocks must be at least 1, got %d", c.MinBlocks))
	}
	if c.Blocks < c.MinBlocks {
		errs = append(errs, fmt.Errorf("cache.blocks (%d) must not be below cache.min_blocks (%d)", c.Blocks, c.MinBlocks))
	}
	if n := c.MinFreeBlocks(); n < 0 || n >= c.Blocks {
		errs = append(errs, fmt.Errorf("cache.min_free %d is out of range [0, %d)", n, c.Blocks))
	}
	if n := c.MaxFreeBlocks(); n < 0 || n >= c.Blocks {
		errs = append(errs, fmt.Errorf("cache.max_free %d is out of range [0, %d)", n, c.Blocks))
	}

	// Audio
	if cfg.Audio.IdleInterval < 0 {
		errs = append(errs, fmt.Errorf("audio.idle_interval must not be negative, got %v", cfg.Audio.IdleInterval))
	}
	if cfg.Audio.SinkBuffer < 0 {
		errs = append(errs, fmt.Errorf("audio.sink_buffer must not be negative, got %v", cfg.Audio.SinkBuffer))
	}

	// Playback
	if err := ValidateSpeed(cfg.Playback.Speed); err != nil {
		errs = append(errs, err)
	}
	if cfg.Playback.StartFrame < 0 {
		errs = append(errs, fmt.Errorf("playback.start_frame must not be negative, got %d", cfg.Playback.StartFrame))
	}
	if cfg.Playback.LookaheadBlocks < 0 {
		errs = append(errs, fmt.Errorf("playback.lookahead_blocks must not be negative, got %d", cfg.Playback.LookaheadBlocks))
	}
	if cfg.Playback.LookaheadBlocks >= c.Blocks && c.Blocks > 0 {
		slog.Warn("playback.lookahead_blocks is not below cache.blocks; requests will be dropped while the cache is full",
			"lookahead_blocks", cfg.Playback.LookaheadBlocks,
			"blocks", c.Blocks,
		)
	}

	// Source
	switch {
	case cfg.Source.Kind != "" && !cfg.Source.Kind.IsValid():
		errs = append(errs, fmt.Errorf("source.kind %q is invalid; valid values: synth, opus", cfg.Source.Kind))
	case cfg.Source.Kind == SourceOpus && cfg.Source.Path == "":
		errs = append(errs, errors.New("source.path is required when source.kind is opus"))
	case cfg.Source.Kind == SourceSynth && cfg.Source.Path != "":
		slog.Warn("source.path is ignored for the synth source", "path", cfg.Source.Path)
	}
	s := cfg.Source.Synth
	if s.SampleRate < 0 || s.Channels < 0 || s.FrameRate < 0 || s.Frames < 0 || s.Width < 0 || s.Height < 0 || s.ToneHz < 0 {
		errs = append(errs, errors.New("source.synth values must not be negative"))
	}

	return errors.Join(errs...)
}

// ValidateSpeed reports whether s is a usable playback speed. Magnitudes
// below the renderer minimum are clamped later, not rejected.
func ValidateSpeed(s float64) error {
	if s == 0 || math.IsNaN(s) || math.IsInf(s, 0) {
		return fmt.Errorf("playback.speed %v is invalid; must be finite and non-zero", s)
	}
	return nil
}
