package app

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/seekplay/internal/engine"
	"github.com/MrWong99/seekplay/internal/observe"
	"github.com/MrWong99/seekplay/pkg/actor"
	"github.com/MrWong99/seekplay/pkg/media"
)

// recorder is a Receiver that keeps everything it is sent.
type recorder struct {
	mu   sync.Mutex
	msgs []actor.Message
}

func (r *recorder) Send(msg actor.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) take() []actor.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.msgs
	r.msgs = nil
	return out
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type playheadHarness struct {
	p       *playhead
	clk     *fakeClock
	cache   *recorder // requests and recycles
	audio   *recorder
	video   *recorder
	reader  *sdkmetric.ManualReader
	recycle map[int64]int
}

func newPlayheadHarness(t *testing.T, frames int64) *playheadHarness {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}

	h := &playheadHarness{
		clk:     &fakeClock{t: time.Unix(1_000, 0)},
		cache:   &recorder{},
		audio:   &recorder{},
		video:   &recorder{},
		reader:  reader,
		recycle: map[int64]int{},
	}
	info := media.Info{Video: media.VideoFormat{FrameRate: 10}, Frames: frames}
	h.p = newPlayhead(info, 0, 1, m, h.clk.Now)
	h.p.cache = h.cache
	h.p.audio = h.audio
	h.p.video = h.video
	return h
}

// frame returns a lent frame whose recycles are counted in h.recycle.
func (h *playheadHarness) frame(seq int64, eos bool) *engine.CachedFrame {
	owner := actor.ReceiverFunc(func(msg actor.Message) {
		h.recycle[msg.(*engine.Recycle).Frame.Seq]++
	})
	b := engine.NewBlock(0, owner)
	f := b.Frames[media.BlockOffset(seq)]
	f.Seq = seq
	f.Frame = &media.Frame{EndOfMedia: eos}
	return f
}

func (h *playheadHarness) deliver(seq int64, eos bool) {
	h.p.receive(&epochFrame{epoch: h.p.epoch, frame: h.frame(seq, eos)})
}

func requested(msgs []actor.Message) (frames []int64, prefetch []int64) {
	for _, m := range msgs {
		switch r := m.(type) {
		case *engine.FrameRequest:
			frames = append(frames, r.Seq)
		case *engine.PrefetchRequest:
			prefetch = append(prefetch, r.BaseSeq)
		}
	}
	return frames, prefetch
}

func presented(msgs []actor.Message) []int64 {
	var out []int64
	for _, m := range msgs {
		if f, ok := m.(*engine.CachedFrame); ok {
			out = append(out, f.Seq)
		}
	}
	return out
}

func equalSeqs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestPlayClock(t *testing.T) {
	t0 := time.Unix(0, 0)
	var c playClock

	if got := c.elapsed(t0.Add(time.Second)); got != 0 {
		t.Fatalf("stopped clock elapsed = %v, want 0", got)
	}
	c.start(t0)
	c.start(t0.Add(time.Second)) // ignored while running
	if got := c.elapsed(t0.Add(2 * time.Second)); got != 2*time.Second {
		t.Fatalf("elapsed = %v, want 2s", got)
	}
	c.stop(t0.Add(3 * time.Second))
	if got := c.elapsed(t0.Add(10 * time.Second)); got != 3*time.Second {
		t.Fatalf("elapsed after stop = %v, want 3s", got)
	}
	c.start(t0.Add(10 * time.Second))
	if got := c.elapsed(t0.Add(11 * time.Second)); got != 4*time.Second {
		t.Fatalf("elapsed after restart = %v, want 4s", got)
	}
	c.rebase(t0.Add(11 * time.Second))
	if got := c.elapsed(t0.Add(12 * time.Second)); got != time.Second {
		t.Fatalf("elapsed after rebase = %v, want 1s", got)
	}
}

func TestPlayhead_RequestsLookaheadAndPrefetches(t *testing.T) {
	h := newPlayheadHarness(t, 0)
	ctx := context.Background()

	if err := h.p.Idle(ctx); err != nil {
		t.Fatal(err)
	}
	frames, prefetch := requested(h.cache.take())
	want := []int64{0, 1, 2, 3, 4, 5, 6, 7, 8}
	if !equalSeqs(frames, want) {
		t.Fatalf("requested %v, want %v", frames, want)
	}
	if !equalSeqs(prefetch, []int64{8, 16}) {
		t.Fatalf("prefetched %v, want [8 16]", prefetch)
	}

	// Paused: nothing more until the clock moves.
	_ = h.p.Idle(ctx)
	if msgs := h.cache.take(); len(msgs) != 0 {
		t.Fatalf("unexpected requests while paused: %d", len(msgs))
	}
}

func TestPlayhead_PresentsDueFrameAndDropsLate(t *testing.T) {
	h := newPlayheadHarness(t, 0)
	ctx := context.Background()

	for seq := int64(0); seq < 4; seq++ {
		h.deliver(seq, false)
	}
	if got := len(h.audio.take()); got != 4 {
		t.Fatalf("audio received %d frames, want 4", got)
	}

	_ = h.p.Idle(ctx)
	if got := presented(h.video.take()); !equalSeqs(got, []int64{0}) {
		t.Fatalf("presented %v, want [0]", got)
	}

	// No audio renderer here, so the clock follows play.
	h.p.audio = nil
	h.p.play()
	h.clk.Advance(350 * time.Millisecond) // 10 fps: frame 3 is due
	_ = h.p.Idle(ctx)
	if got := presented(h.video.take()); !equalSeqs(got, []int64{3}) {
		t.Fatalf("presented %v, want [3]", got)
	}
	if h.recycle[1] != 1 || h.recycle[2] != 1 {
		t.Fatalf("late frames not recycled: %v", h.recycle)
	}

	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(ctx, &rm); err != nil {
		t.Fatal(err)
	}
	var dropped int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == "seekplay.video.frames_dropped" {
				for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
					dropped += dp.Value
				}
			}
		}
	}
	if dropped != 2 {
		t.Errorf("frames dropped = %d, want 2", dropped)
	}
}

func TestPlayhead_StaleRepliesAreReturned(t *testing.T) {
	h := newPlayheadHarness(t, 0)
	old := h.p.epoch
	if err := h.p.seek(40); err != nil {
		t.Fatal(err)
	}
	if h.p.epoch == old {
		t.Fatal("seek did not start a new epoch")
	}

	h.p.receive(&epochFrame{epoch: old, frame: h.frame(5, false)})
	if h.recycle[5] != 2 {
		t.Fatalf("stale frame recycled %d times, want 2", h.recycle[5])
	}
	if len(h.p.held) != 0 {
		t.Fatal("stale frame held")
	}

	var flushed bool
	for _, m := range h.audio.take() {
		if c, ok := m.(*engine.ControlCommand); ok && c.Command == engine.CommandFlush {
			flushed = true
		}
	}
	if !flushed {
		t.Error("seek did not flush audio")
	}
}

func TestPlayhead_EndOfMedia(t *testing.T) {
	h := newPlayheadHarness(t, 2)
	ctx := context.Background()

	_ = h.p.Idle(ctx)
	frames, _ := requested(h.cache.take())
	if !equalSeqs(frames, []int64{0, 1, 2}) {
		t.Fatalf("requested %v, want [0 1 2]", frames)
	}

	h.deliver(0, false)
	h.deliver(1, false)
	h.deliver(2, true)
	h.p.audio = nil
	h.p.play()
	h.clk.Advance(time.Second)
	_ = h.p.Idle(ctx)

	select {
	case <-h.p.done:
	default:
		t.Fatal("done not closed at end of media")
	}
	if !h.p.ended {
		t.Fatal("not ended")
	}
	if h.recycle[2] != 1 {
		t.Errorf("end marker recycled %d times, want 1", h.recycle[2])
	}
}

func TestPlayhead_SetSpeed(t *testing.T) {
	h := newPlayheadHarness(t, 0)
	ctx := context.Background()
	h.p.audio = nil
	h.p.play()
	h.clk.Advance(time.Second) // frame 10

	if err := h.p.setSpeed(ctx, 2); err != nil {
		t.Fatal(err)
	}
	if h.p.origin != 10 {
		t.Fatalf("origin = %d, want 10", h.p.origin)
	}
	h.clk.Advance(time.Second)
	if got := h.p.due(h.clk.Now()); got != 30 {
		t.Fatalf("due at 2x = %d, want 30", got)
	}

	epoch := h.p.epoch
	if err := h.p.setSpeed(ctx, -0.1); err != nil {
		t.Fatal(err)
	}
	if h.p.speed != -0.25 {
		t.Errorf("speed = %v, want clamped -0.25", h.p.speed)
	}
	if h.p.epoch == epoch || h.p.next != 30 {
		t.Errorf("reverse did not restart at 30: epoch %d→%d next %d", epoch, h.p.epoch, h.p.next)
	}
	if err := h.p.setSpeed(ctx, 0); err == nil {
		t.Error("zero speed accepted")
	}
}

func TestPlayhead_AudioDrivesClock(t *testing.T) {
	h := newPlayheadHarness(t, 0)
	ctx := context.Background()

	h.p.play()
	var started bool
	for _, m := range h.audio.take() {
		if c, ok := m.(*engine.ControlCommand); ok && c.Command == engine.CommandStart {
			started = true
		}
	}
	if !started {
		t.Fatal("play did not start audio")
	}

	h.clk.Advance(time.Second)
	if got := h.p.due(h.clk.Now()); got != 0 {
		t.Fatalf("clock ran before the sink started: due %d", got)
	}

	_ = h.p.Act(ctx, &engine.AudioSyncEvent{Event: engine.SyncStart, Time: h.clk.Now()})
	h.clk.Advance(500 * time.Millisecond)
	_ = h.p.Act(ctx, &engine.AudioSyncEvent{Event: engine.SyncStop, Time: h.clk.Now()})
	h.clk.Advance(time.Second)
	if got := h.p.due(h.clk.Now()); got != 5 {
		t.Fatalf("due = %d, want 5", got)
	}
}

func TestPlayhead_SkipsLateFramesWhenBehind(t *testing.T) {
	h := newPlayheadHarness(t, 0)
	ctx := context.Background()

	_ = h.p.Idle(ctx)
	h.cache.take()

	// A stalled decoder let the clock run ten seconds ahead.
	h.p.audio = nil
	h.p.play()
	h.clk.Advance(10 * time.Second) // frame 100
	_ = h.p.Idle(ctx)

	frames, _ := requested(h.cache.take())
	want := []int64{100, 101, 102, 103, 104, 105, 106, 107, 108}
	if !equalSeqs(frames, want) {
		t.Fatalf("requested %v, want %v", frames, want)
	}
}

func TestPlayhead_LateSkipKeepsEndMarker(t *testing.T) {
	h := newPlayheadHarness(t, 20)
	ctx := context.Background()

	_ = h.p.Idle(ctx)
	h.cache.take()

	h.p.audio = nil
	h.p.play()
	h.clk.Advance(10 * time.Second) // far past the last frame
	_ = h.p.Idle(ctx)

	frames, _ := requested(h.cache.take())
	if !equalSeqs(frames, []int64{20}) {
		t.Fatalf("requested %v, want only the end marker [20]", frames)
	}

	h.deliver(20, true)
	_ = h.p.Idle(ctx)
	select {
	case <-h.p.done:
	default:
		t.Fatal("done not closed after the end marker arrived")
	}
}

func TestPlayhead_LogsThroughComponentLogger(t *testing.T) {
	h := newPlayheadHarness(t, 0)

	var buf bytes.Buffer
	h.p.log = slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})).
		With("session", "s-1")
	if err := h.p.seek(16); err != nil {
		t.Fatal(err)
	}

	out := buf.String()
	if !strings.Contains(out, "playhead: seek") || !strings.Contains(out, "session=s-1") {
		t.Fatalf("log output = %q, want the seek with session=s-1", out)
	}
}
