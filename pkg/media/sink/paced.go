// Package sink provides [media.Sink] adapters.
//
// [Paced] emulates an audio device: it owns a bounded buffer that drains into
// an [io.Writer] at the real-time byte rate of the opened format while the
// sink is playing. Pointing it at a file, a pipe into an external player or
// [io.Discard] gives the engine a clock-accurate output without an audio
// driver.
package sink

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/MrWong99/seekplay/pkg/media"
)

// DefaultBuffer is the device buffer length used when none is configured.
const DefaultBuffer = 200 * time.Millisecond

// ErrNotOpen is returned by operations that need an opened sink.
var ErrNotOpen = errors.New("sink: not open")

// Option configures a [Paced] sink.
type Option func(*Paced)

// WithBuffer sets the device buffer length. Values <= 0 are ignored.
func WithBuffer(d time.Duration) Option {
	return func(p *Paced) {
		if d > 0 {
			p.bufDur = d
		}
	}
}

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Paced) {
		p.now = now
	}
}

// Paced is a [media.Sink] that drains lazily: every call to Writable, Write
// or Stop first moves the bytes that would have been played since the last
// call from the buffer to the writer. No background goroutine is involved.
//
// All methods are safe for concurrent use.
type Paced struct {
	mu     sync.Mutex
	w      io.Writer
	now    func() time.Time
	bufDur time.Duration

	format  media.AudioFormat
	open    bool
	playing bool
	buf     []byte
	cap     int
	last    time.Time
	credit  int64 // bytes owed to the writer, scaled by one second in ns
	written int64
	cb      func(media.SinkState)
}

// Compile-time interface assertion.
var _ media.Sink = (*Paced)(nil)

// NewPaced returns a closed sink writing into w.
func NewPaced(w io.Writer, opts ...Option) *Paced {
	p := &Paced{
		w:      w,
		now:    time.Now,
		bufDur: DefaultBuffer,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Open implements [media.Sink].
func (p *Paced) Open(format media.AudioFormat) error {
	if format.IsZero() {
		return fmt.Errorf("sink: unusable audio format %+v", format)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fs := format.FrameSize()
	size := int(int64(format.ByteRate()) * int64(p.bufDur) / int64(time.Second))
	size -= size % fs
	if size < fs {
		size = fs
	}
	p.format = format
	p.cap = size
	p.buf = make([]byte, 0, size)
	p.open = true
	p.playing = false
	p.credit = 0
	return nil
}

// IsOpen implements [media.Sink].
func (p *Paced) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

// Start implements [media.Sink].
func (p *Paced) Start() error {
	p.mu.Lock()
	if !p.open {
		p.mu.Unlock()
		return ErrNotOpen
	}
	changed := !p.playing
	p.playing = true
	p.last = p.now()
	cb := p.cb
	p.mu.Unlock()

	if changed && cb != nil {
		cb(media.SinkPlaying)
	}
	return nil
}

// Stop implements [media.Sink].
func (p *Paced) Stop() error {
	p.mu.Lock()
	if !p.open {
		p.mu.Unlock()
		return ErrNotOpen
	}
	err := p.drainLocked()
	changed := p.playing
	p.playing = false
	cb := p.cb
	p.mu.Unlock()

	if changed && cb != nil {
		cb(media.SinkStopped)
	}
	return err
}

// Flush implements [media.Sink].
func (p *Paced) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		return ErrNotOpen
	}
	p.buf = p.buf[:0]
	p.credit = 0
	return nil
}

// Writable implements [media.Sink]. Errors from the underlying writer are
// reported by the next Write.
func (p *Paced) Writable() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		return 0
	}
	_ = p.drainLocked()
	return p.cap - len(p.buf)
}

// Write implements [media.Sink].
func (p *Paced) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		return 0, ErrNotOpen
	}
	if err := p.drainLocked(); err != nil {
		return 0, err
	}
	n := min(len(b), p.cap-len(p.buf))
	p.buf = append(p.buf, b[:n]...)
	return n, nil
}

// OnStateChange implements [media.Sink].
func (p *Paced) OnStateChange(cb func(media.SinkState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cb = cb
}

// Close implements [media.Sink]. Buffered data is discarded.
func (p *Paced) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.open = false
	p.playing = false
	p.buf = nil
	return nil
}

// Played returns the number of bytes handed to the writer so far.
func (p *Paced) Played() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written
}

// drainLocked moves the bytes due since the last drain to the writer, in
// whole audio frames.
func (p *Paced) drainLocked() error {
	if !p.playing {
		return nil
	}
	now := p.now()
	elapsed := now.Sub(p.last)
	p.last = now
	if elapsed <= 0 {
		return nil
	}

	p.credit += elapsed.Nanoseconds() * int64(p.format.ByteRate())
	fs := int64(p.format.FrameSize())
	due := p.credit / int64(time.Second)
	due -= due % fs
	p.credit -= due * int64(time.Second)
	if len(p.buf) == 0 {
		// Underrun: time passed with nothing to play.
		p.credit = 0
		return nil
	}
	n := int(min(due, int64(len(p.buf))))
	if n == 0 {
		return nil
	}

	w, err := p.w.Write(p.buf[:n])
	p.written += int64(w)
	rest := copy(p.buf, p.buf[n:])
	p.buf = p.buf[:rest]
	if err != nil {
		return fmt.Errorf("sink: write: %w", err)
	}
	return nil
}
