// Command seekplay plays a media stream through the frame cache engine and
// exposes health and metrics endpoints while it runs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/seekplay/internal/app"
	"github.com/MrWong99/seekplay/internal/config"
	"github.com/MrWong99/seekplay/internal/health"
	"github.com/MrWong99/seekplay/internal/observe"
	"github.com/MrWong99/seekplay/pkg/media"
	"github.com/MrWong99/seekplay/pkg/media/opusfile"
	"github.com/MrWong99/seekplay/pkg/media/sink"
	"github.com/MrWong99/seekplay/pkg/media/synth"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "seekplay.yaml", "path to the YAML configuration file")
	exitOnEnd := flag.Bool("exit-on-end", false, "shut down once playback reaches the end of the stream")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "seekplay: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "seekplay: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("seekplay starting",
		"version", version,
		"config", *configPath,
		"source", cfg.Source.Kind,
		"admin_addr", cfg.Server.AdminAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		Registerer:     reg,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Media ─────────────────────────────────────────────────────────────────
	dec, err := openSource(cfg.Source)
	if err != nil {
		slog.Error("failed to open source", "kind", cfg.Source.Kind, "err", err)
		return 1
	}
	out, closeOut, err := openOutput(cfg.Output.Path)
	if err != nil {
		_ = dec.Close()
		slog.Error("failed to open output", "path", cfg.Output.Path, "err", err)
		return 1
	}
	defer closeOut()
	paced := sink.NewPaced(out, sink.WithBuffer(cfg.Audio.SinkBuffer))

	player, err := app.New(ctx, cfg, dec, paced, app.WithMetrics(metrics))
	if err != nil {
		_ = dec.Close()
		_ = paced.Close()
		slog.Error("failed to initialise player", "err", err)
		return 1
	}
	info := player.Info()
	slog.Info("media opened",
		"session", player.ID(),
		"frames", info.Frames,
		"frame_rate", info.Video.FrameRate,
		"sample_rate", info.Audio.SampleRate,
		"channels", info.Audio.Channels,
		"duration", info.Duration,
	)

	// ── Hot reload ────────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(r config.Reload) {
		d := r.Diff
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.SpeedChanged {
			if err := player.SetSpeed(d.NewSpeed); err != nil {
				slog.Warn("config reload: speed rejected", "speed", d.NewSpeed, "err", err)
			} else {
				slog.Info("playback speed changed", "speed", d.NewSpeed)
			}
		}
		if len(d.RestartRequired) > 0 {
			slog.Warn("config changes need a restart", "sections", d.RestartRequired)
		}
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Admin server ──────────────────────────────────────────────────────────
	var admin *http.Server
	if cfg.Server.AdminAddr != "off" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		health.New(
			health.WithLiveness(health.Checker{Name: "engine", Check: player.Live}),
			health.WithReadiness(health.Checker{Name: "player", Check: player.Ready}),
			health.WithStatus(player.Status),
		).Register(mux)

		admin = &http.Server{
			Addr:              cfg.Server.AdminAddr,
			Handler:           observe.Middleware(metrics)(mux),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			slog.Info("admin server listening", "addr", admin.Addr)
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("admin server error", "err", err)
			}
		}()
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	if *exitOnEnd {
		go func() {
			select {
			case <-player.Done():
				slog.Info("end of stream reached, exiting")
				cancelRun()
			case <-runCtx.Done():
			}
		}()
	}

	code := 0
	if err := player.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if admin != nil {
		if err := admin.Shutdown(shutdownCtx); err != nil {
			slog.Warn("admin server shutdown error", "err", err)
		}
	}
	if err := player.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

func openSource(cfg config.SourceConfig) (media.Decoder, error) {
	switch cfg.Kind {
	case config.SourceOpus:
		return opusfile.Open(cfg.Path)
	default:
		s := cfg.Synth
		return synth.New(synth.Config{
			SampleRate: s.SampleRate,
			Channels:   s.Channels,
			FrameRate:  s.FrameRate,
			Frames:     s.Frames,
			Width:      s.Width,
			Height:     s.Height,
			ToneHz:     s.ToneHz,
		})
	}
}

// openOutput returns the PCM destination for path and a function closing it.
func openOutput(path string) (io.Writer, func(), error) {
	switch path {
	case "":
		return io.Discard, func() {}, nil
	case "-":
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() {
		if err := f.Close(); err != nil {
			slog.Warn("close output", "path", path, "err", err)
		}
	}, nil
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
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
