// Package audio implements the audio renderer actor.
//
// The renderer queues lent frames and, whenever its mailbox is empty, writes
// as much queued audio as the [media.Sink] accepts. A frame is recycled once
// all of its (possibly speed-corrected) audio has been written. At speeds
// other than 1 the audio of each frame is time-scaled by nearest-neighbour
// resampling; negative speeds also reverse the frame order of the samples.
//
// Sink state changes are forwarded to a sync target as
// [engine.AudioSyncEvent]s so video timing can follow the audio clock.
package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/MrWong99/seekplay/internal/engine"
	"github.com/MrWong99/seekplay/internal/observe"
	"github.com/MrWong99/seekplay/pkg/actor"
	"github.com/MrWong99/seekplay/pkg/media"
)

// MinSpeed is the smallest playback speed magnitude. Slower requests are
// clamped to it.
const MinSpeed = 0.25

var (
	// ErrSinkClosed is returned when audio is queued but the sink is not
	// open. It is fatal for the renderer.
	ErrSinkClosed = errors.New("audio: sink is not open")

	// ErrInvalidSpeed is returned for a zero or non-finite speed.
	ErrInvalidSpeed = errors.New("audio: invalid playback speed")
)

// Option configures a [Renderer].
type Option func(*Renderer)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Renderer) {
		r.metrics = m
	}
}

// WithClock replaces the time source used to stamp sync events.
func WithClock(now func() time.Time) Option {
	return func(r *Renderer) {
		r.now = now
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Renderer) {
		r.log = l
	}
}

// Renderer is the audio [actor.Handler].
type Renderer struct {
	sink    media.Sink
	format  media.AudioFormat
	sync    actor.Receiver
	metrics *observe.Metrics
	now     func() time.Time
	log     *slog.Logger
	self    *actor.Actor

	queue  []*engine.CachedFrame
	speed  float64 // requested
	offset int     // bytes of out already written

	// State of the head frame, latched when its first byte is written.
	active   *engine.CachedFrame
	curSpeed float64
	out      []byte
	scratch  []byte
}

// New returns a renderer writing format audio into sink. Sync events go to
// sync, which may be nil.
func New(sink media.Sink, format media.AudioFormat, sync actor.Receiver, opts ...Option) *Renderer {
	r := &Renderer{
		sink:   sink,
		format: format,
		sync:   sync,
		now:    time.Now,
		log:    slog.Default(),
		speed:  1,
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Init implements [actor.Initializer]: it opens the sink and registers the
// sync listener.
func (r *Renderer) Init(ctx context.Context) error {
	r.self = actor.FromContext(ctx)
	if r.format.IsZero() {
		return fmt.Errorf("audio: unusable format %+v", r.format)
	}
	if err := r.sink.Open(r.format); err != nil {
		return fmt.Errorf("audio: open sink: %w", err)
	}
	if r.sync != nil {
		r.sink.OnStateChange(r.stateChanged)
	}
	r.metrics.PlaybackSpeed.Record(ctx, r.speed)
	return nil
}

// stateChanged runs on whatever goroutine the sink reports from.
func (r *Renderer) stateChanged(state media.SinkState) {
	var ev engine.SyncEvent
	switch state {
	case media.SinkPlaying:
		ev = engine.SyncStart
	case media.SinkStopped:
		ev = engine.SyncStop
	default:
		return
	}
	r.metrics.RecordSyncEvent(context.Background(), ev.String())
	r.sync.Send(&engine.AudioSyncEvent{Event: ev, Time: r.now()})
}

// Act implements [actor.Handler].
func (r *Renderer) Act(ctx context.Context, msg actor.Message) error {
	switch m := msg.(type) {
	case *engine.CachedFrame:
		if m.EndOfMedia() {
			m.Recycle()
			return nil
		}
		r.queue = append(r.queue, m)
		return nil
	case *engine.ControlCommand:
		return r.control(m.Command)
	case *engine.SetSpeed:
		return r.setSpeed(ctx, m.Speed)
	default:
		return actor.Unhandled(msg)
	}
}

func (r *Renderer) control(cmd engine.Command) error {
	switch cmd {
	case engine.CommandStart:
		if err := r.sink.Start(); err != nil {
			return fmt.Errorf("audio: start sink: %w", err)
		}
	case engine.CommandStop:
		if err := r.sink.Stop(); err != nil {
			return fmt.Errorf("audio: stop sink: %w", err)
		}
	case engine.CommandFlush:
		r.recycleQueued()
		if err := r.sink.Flush(); err != nil {
			return fmt.Errorf("audio: flush sink: %w", err)
		}
	case engine.CommandClose:
		if r.self != nil {
			r.self.Stop()
		}
	default:
		return fmt.Errorf("audio: unknown command %v", cmd)
	}
	return nil
}

func (r *Renderer) setSpeed(ctx context.Context, s float64) error {
	if s == 0 || math.IsNaN(s) || math.IsInf(s, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidSpeed, s)
	}
	if math.Abs(s) < MinSpeed {
		s = math.Copysign(MinSpeed, s)
	}
	r.speed = s
	r.metrics.PlaybackSpeed.Record(ctx, s)
	return nil
}

// Speed returns the requested playback speed after clamping.
func (r *Renderer) Speed() float64 { return r.speed }

// Queued returns the number of frames waiting to be written.
func (r *Renderer) Queued() int { return len(r.queue) }

// Idle implements [actor.Idler]: it drains queued audio into the sink.
func (r *Renderer) Idle(ctx context.Context) error {
	if len(r.queue) == 0 {
		return nil
	}
	if !r.sink.IsOpen() {
		return actor.Fatal(ErrSinkClosed)
	}

	var written int64
	defer func() {
		if written > 0 {
			r.metrics.AudioBytesWritten.Add(ctx, written)
		}
	}()

	for len(r.queue) > 0 {
		avail := r.sink.Writable()
		if avail <= 0 {
			return nil
		}
		head := r.queue[0]
		if r.active != head {
			r.begin(head)
		}

		end := min(len(r.out), r.offset+avail)
		n, err := r.sink.Write(r.out[r.offset:end])
		r.offset += n
		written += int64(n)
		if err != nil {
			return fmt.Errorf("audio: write frame %d: %w", head.Seq, err)
		}

		if r.offset >= len(r.out) {
			r.queue[0] = nil
			r.queue = r.queue[1:]
			r.reset()
			head.Recycle()
		} else if n == 0 {
			return nil
		}
	}
	return nil
}

// begin makes f the frame being written, latching the current speed and
// building its corrected buffer once.
func (r *Renderer) begin(f *engine.CachedFrame) {
	r.active = f
	r.offset = 0
	r.curSpeed = r.speed
	if r.curSpeed == 1 {
		r.out = f.Frame.Audio
		return
	}

	fs := r.format.FrameSize()
	inFrames := len(f.Frame.Audio) / fs
	outFrames := CorrectedFrames(int64(media.BlockOffset(f.Seq)), inFrames, r.curSpeed)
	need := outFrames * fs
	if cap(r.scratch) < need {
		minSpeed := math.Min(math.Abs(r.curSpeed), MinSpeed)
		worst := int(math.Ceil(float64(inFrames)/minSpeed)) + 1
		r.scratch = make([]byte, max(worst*fs, need))
		r.log.Debug("audio: resized speed buffer", "bytes", len(r.scratch), "speed", r.curSpeed)
	}
	r.out = r.scratch[:need]
	Resample(r.out, f.Frame.Audio[:inFrames*fs], fs, r.curSpeed > 0)
}

func (r *Renderer) reset() {
	r.active = nil
	r.out = nil
	r.offset = 0
}

func (r *Renderer) recycleQueued() {
	for i, f := range r.queue {
		f.Recycle()
		r.queue[i] = nil
	}
	r.queue = r.queue[:0]
	r.reset()
}

// Destruct implements [actor.Destructor]. Queued frames are returned and the
// sink is closed.
func (r *Renderer) Destruct() {
	r.recycleQueued()
	if r.sink.IsOpen() {
		if err := r.sink.Close(); err != nil {
			r.log.Warn("audio: close sink", "err", err)
		}
	}
}

// CorrectedFrames returns the number of output audio frames for the frame at
// block position n holding inFrames input frames at speed:
// floor((n+1)·in/|speed|) − floor(n·in/|speed|). Summed over a block the
// result is exact, so no drift accumulates from rounding.
func CorrectedFrames(n int64, inFrames int, speed float64) int {
	abs := math.Abs(speed)
	in := float64(inFrames)
	start := math.Floor(float64(n) * in / abs)
	end := math.Floor(float64(n+1) * in / abs)
	return int(end - start)
}

// Resample fills dst with the audio frames of src time-scaled to len(dst)
// by nearest-neighbour selection. frameSize is the byte size of one audio
// frame. When forward is false the output frames are written in reverse
// order.
func Resample(dst, src []byte, frameSize int, forward bool) {
	outFrames := len(dst) / frameSize
	inFrames := len(src) / frameSize
	if outFrames == 0 || inFrames == 0 {
		return
	}
	for i := range outFrames {
		in := i * inFrames / outFrames
		o := i
		if !forward {
			o = outFrames - 1 - i
		}
		copy(dst[o*frameSize:(o+1)*frameSize], src[in*frameSize:(in+1)*frameSize])
	}
}
