// Package fetcher implements the frame fetcher actor, the only component that
// talks to the [media.Decoder].
//
// Each [engine.FetchFrames] request seeks the decoder to the block's base
// position and reads exactly [media.BlockLength] frames into the block's
// slots. The fetcher runs on its own goroutine so slow decoding never stalls
// the cache.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/seekplay/internal/engine"
	"github.com/MrWong99/seekplay/internal/observe"
	"github.com/MrWong99/seekplay/internal/resilience"
	"github.com/MrWong99/seekplay/pkg/actor"
	"github.com/MrWong99/seekplay/pkg/media"
)

// ErrNoFrameRate is returned by Init when the decoder reports no usable
// video frame rate.
var ErrNoFrameRate = errors.New("fetcher: decoder reports no frame rate")

// Option configures a [Fetcher].
type Option func(*Fetcher)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(f *Fetcher) {
		f.metrics = m
	}
}

// WithBreaker guards every block fill with b. While b is open, fetches fail
// with [resilience.ErrCircuitOpen] without touching the decoder.
func WithBreaker(b *resilience.CircuitBreaker) Option {
	return func(f *Fetcher) {
		f.breaker = b
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) {
		f.log = l
	}
}

// Fetcher is the [actor.Handler] filling cache blocks from a decoder.
type Fetcher struct {
	dec     media.Decoder
	info    media.Info
	fps     float64
	metrics *observe.Metrics
	breaker *resilience.CircuitBreaker
	log     *slog.Logger
}

// New returns a fetcher reading from dec. The fetcher owns dec and closes it
// when the actor stops.
func New(dec media.Decoder, opts ...Option) *Fetcher {
	f := &Fetcher{dec: dec, log: slog.Default()}
	for _, o := range opts {
		o(f)
	}
	if f.metrics == nil {
		f.metrics = observe.DefaultMetrics()
	}
	return f
}

// Init implements [actor.Initializer].
func (f *Fetcher) Init(context.Context) error {
	f.info = f.dec.Info()
	f.fps = f.info.Video.FrameRate
	if f.fps <= 0 {
		return fmt.Errorf("%w: %v", ErrNoFrameRate, f.fps)
	}
	return nil
}

// Act implements [actor.Handler].
func (f *Fetcher) Act(ctx context.Context, msg actor.Message) error {
	switch m := msg.(type) {
	case *engine.FetchFrames:
		return f.fetch(ctx, m)
	case *engine.MediaInfoRequest:
		if m.ReplyTo != nil {
			m.ReplyTo.Send(&engine.MediaInfoResponse{Info: f.info})
		}
		return nil
	default:
		return actor.Unhandled(msg)
	}
}

// fetch fills m.Block. On failure nothing is sent back and the block stays
// FETCHING.
func (f *Fetcher) fetch(ctx context.Context, m *engine.FetchFrames) error {
	b := m.Block
	start := time.Now()
	ctx, span := observe.StartBlockSpan(ctx, "fetcher.fetch", b.BaseSeq, b.Index)

	fill := func() error { return f.fill(ctx, b) }
	var err error
	if f.breaker != nil {
		err = f.breaker.Execute(fill)
	} else {
		err = fill()
	}
	observe.EndSpan(span, err, "fetch failed")
	if err != nil {
		return fmt.Errorf("fetcher: block %d: %w", b.BaseSeq, err)
	}

	elapsed := time.Since(start)
	f.metrics.RecordFetch(ctx, elapsed)
	m.ReplyTo.Send(&engine.BlockFetched{Block: b, Elapsed: elapsed})
	return nil
}

// fill seeks to the block's base and reads one frame into every slot.
func (f *Fetcher) fill(ctx context.Context, b *engine.Block) error {
	pos := media.SeekPosition(b.BaseSeq, f.fps)
	actual, err := f.dec.Seek(pos)
	if err != nil {
		return fmt.Errorf("seek to %v: %w", pos, err)
	}
	if actual != pos {
		observe.Logger(ctx, f.log).Debug("fetcher: decoder landed off target",
			"base", b.BaseSeq, "want", pos, "got", actual)
	}

	for i, cf := range b.Frames {
		if cf.Frame == nil {
			cf.Frame = f.dec.NewFrame()
		}
		cf.Seq = b.BaseSeq + int64(i)
		if err := f.dec.ReadFrame(cf.Frame); err != nil {
			return fmt.Errorf("read frame %d: %w", cf.Seq, err)
		}
	}
	return nil
}

// Destruct implements [actor.Destructor].
func (f *Fetcher) Destruct() {
	if err := f.dec.Close(); err != nil {
		f.log.Warn("fetcher: close decoder", "err", err)
	}
}
