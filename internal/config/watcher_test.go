package config_test

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/seekplay/internal/config"
)

const baseYAML = `
server:
  log_level: info
playback:
  speed: 1
source:
  kind: synth
`

// watch writes content to a fresh file and starts a watcher on it whose
// poller never fires during the test, so reloads happen only via Check.
func watch(t *testing.T, content string, onReload func(config.Reload), opts ...config.WatcherOption) (*config.Watcher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seekplay.yaml")
	writeFile(t, path, content)
	opts = append([]config.WatcherOption{config.WithInterval(time.Hour)}, opts...)
	w, err := config.NewWatcher(path, onReload, opts...)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, path
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
}

func TestWatcher_SpeedReload(t *testing.T) {
	t.Parallel()
	var got []config.Reload
	w, path := watch(t, baseYAML, func(r config.Reload) { got = append(got, r) })

	writeFile(t, path, strings.Replace(baseYAML, "speed: 1", "speed: -2", 1))
	r, ok := w.Check()
	if !ok {
		t.Fatal("speed edit not picked up")
	}
	if !r.Diff.SpeedChanged || r.Diff.NewSpeed != -2 {
		t.Errorf("diff = %+v, want speed -2", r.Diff)
	}
	if r.Diff.LogLevelChanged || len(r.Diff.RestartRequired) != 0 {
		t.Errorf("speed edit reported more changes: %+v", r.Diff)
	}
	if r.Old.Playback.Speed != 1 || r.New.Playback.Speed != -2 {
		t.Errorf("old/new speed = %v/%v", r.Old.Playback.Speed, r.New.Playback.Speed)
	}
	if len(got) != 1 || got[0].New != r.New {
		t.Fatalf("callback got %d reloads, want the one Check returned", len(got))
	}
	if w.Current() != r.New {
		t.Error("Current() is not the reloaded config")
	}
}

func TestWatcher_LogLevelReload(t *testing.T) {
	t.Parallel()
	w, path := watch(t, baseYAML, nil)

	writeFile(t, path, strings.Replace(baseYAML, "log_level: info", "log_level: debug", 1))
	r, ok := w.Check()
	if !ok {
		t.Fatal("log level edit not picked up")
	}
	if !r.Diff.LogLevelChanged || r.Diff.NewLogLevel != config.LogDebug {
		t.Errorf("diff = %+v, want log level debug", r.Diff)
	}
	if r.Diff.SpeedChanged {
		t.Error("speed reported as changed")
	}
}

func TestWatcher_RestartRequiredSections(t *testing.T) {
	t.Parallel()
	w, path := watch(t, baseYAML, nil)

	writeFile(t, path, baseYAML+"cache:\n  blocks: 20\n  min_free: 0\noutput:\n  path: out.pcm\n")
	r, ok := w.Check()
	if !ok {
		t.Fatal("cache edit not picked up")
	}
	for _, want := range []string{"cache", "output"} {
		if !slices.Contains(r.Diff.RestartRequired, want) {
			t.Errorf("RestartRequired = %v, missing %q", r.Diff.RestartRequired, want)
		}
	}
	if slices.Contains(r.Diff.RestartRequired, "source") || r.Diff.SpeedChanged || r.Diff.LogLevelChanged {
		t.Errorf("unexpected changes: %+v", r.Diff)
	}
	if w.Current().Cache.MinFreeBlocks() != 0 {
		t.Errorf("current min_free = %d, want 0", w.Current().Cache.MinFreeBlocks())
	}
}

func TestWatcher_InvalidEditKeepsRunningConfig(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	calls := 0
	w, path := watch(t, baseYAML, func(config.Reload) { calls++ }, config.WithWatcherLogger(log))
	before := w.Current()

	writeFile(t, path, "server:\n  log_level: bananas\n")
	for range 3 {
		if _, ok := w.Check(); ok {
			t.Fatal("invalid edit accepted")
		}
	}
	if calls != 0 || w.Current() != before {
		t.Fatalf("invalid edit changed state: calls=%d", calls)
	}
	if n := strings.Count(buf.String(), "edit rejected"); n != 1 {
		t.Errorf("rejection logged %d times, want once:\n%s", n, buf.String())
	}

	writeFile(t, path, strings.Replace(baseYAML, "speed: 1", "speed: 2", 1))
	if r, ok := w.Check(); !ok || r.Old != before {
		t.Fatalf("valid edit after rejection: ok=%v", ok)
	}
	if calls != 1 {
		t.Errorf("callback calls = %d, want 1", calls)
	}
}

func TestWatcher_EquivalentEditIgnored(t *testing.T) {
	t.Parallel()
	calls := 0
	w, path := watch(t, baseYAML, func(config.Reload) { calls++ })

	writeFile(t, path, "# tuned for the demo box\nsource:\n  kind: synth\nplayback:\n  speed: 1.0\n")
	if _, ok := w.Check(); ok {
		t.Error("edit without effect reported as reload")
	}
	if calls != 0 {
		t.Errorf("callback calls = %d, want 0", calls)
	}
}

func TestWatcher_PollsInBackground(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "seekplay.yaml")
	writeFile(t, path, baseYAML)
	reloaded := make(chan config.Reload, 1)
	w, err := config.NewWatcher(path, func(r config.Reload) {
		select {
		case reloaded <- r:
		default:
		}
	}, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	writeFile(t, path, strings.Replace(baseYAML, "speed: 1", "speed: 0.5", 1))
	select {
	case r := <-reloaded:
		if r.Diff.NewSpeed != 0.5 {
			t.Errorf("speed = %v, want 0.5", r.Diff.NewSpeed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reload within 2s")
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Fatal("expected error for a missing file")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	w, _ := watch(t, baseYAML, nil)
	w.Stop()
	w.Stop()
}
