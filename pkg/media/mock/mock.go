// Package mock provides in-memory implementations of [media.Decoder] and
// [media.Sink] for use in unit tests.
//
// Both mocks are safe for concurrent use. They record calls so tests can
// assert on them, and expose exported fields to control behaviour.
//
// Typical usage:
//
//	dec := mock.NewDecoder(25, 16)
//	release := dec.Hold(8) // fetches of block 8 stall until release()
//	sink := &mock.Sink{}
//	sink.SetWritable(4096)
package mock

import (
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/seekplay/pkg/media"
)

// ─── Decoder ──────────────────────────────────────────────────────────────────

// Decoder is a mock [media.Decoder] producing deterministic frames: every
// byte of the audio payload of frame n is byte(n), and the first eight bytes
// of the video payload hold n big-endian.
type Decoder struct {
	mu sync.Mutex

	// InfoResult is returned by [Decoder.Info].
	InfoResult media.Info

	// AudioBytes and VideoBytes size the payload of every frame.
	AudioBytes int
	VideoBytes int

	// Frames is the stream length; reads past it produce end-of-media
	// frames. Zero means unbounded.
	Frames int64

	// SeekErr and ReadErr are returned by Seek and ReadFrame when non-nil.
	SeekErr error
	ReadErr error

	// CloseErr is returned by Close.
	CloseErr error

	// Seeks records every Seek position in call order.
	Seeks []time.Duration

	// CallCountRead and CallCountNewFrame count calls.
	CallCountRead     int
	CallCountNewFrame int

	// Closed reports whether Close was called.
	Closed bool

	pos   int64
	gates map[int64]chan struct{}
}

// NewDecoder returns a decoder at fps frames per second with 16-bit stereo
// audio at 48 kHz and audioBytes bytes of audio per frame.
func NewDecoder(fps float64, audioBytes int) *Decoder {
	return &Decoder{
		InfoResult: media.Info{
			Audio: media.AudioFormat{SampleRate: 48000, Channels: 2, BytesPerSample: 2},
			Video: media.VideoFormat{Width: 4, Height: 2, FrameRate: fps},
		},
		AudioBytes: audioBytes,
		VideoBytes: 8,
	}
}

// Hold makes Seek calls that land on base block until the returned function
// is called. The returned function is idempotent.
func (d *Decoder) Hold(base int64) (release func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gates == nil {
		d.gates = make(map[int64]chan struct{})
	}
	gate := make(chan struct{})
	d.gates[base] = gate
	var once sync.Once
	return func() {
		once.Do(func() { close(gate) })
	}
}

// SeekCount returns the number of Seek calls.
func (d *Decoder) SeekCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Seeks)
}

// Info implements [media.Decoder].
func (d *Decoder) Info() media.Info {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.InfoResult
}

// Seek implements [media.Decoder]. The position is mapped back to the frame
// it addresses by rounding to the nearest frame.
func (d *Decoder) Seek(pos time.Duration) (time.Duration, error) {
	d.mu.Lock()
	d.Seeks = append(d.Seeks, pos)
	fps := d.InfoResult.Video.FrameRate
	seq := int64(math.Round(pos.Seconds() * fps))
	gate := d.gates[seq]
	err := d.SeekErr
	d.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return 0, err
	}

	d.mu.Lock()
	d.pos = seq
	d.mu.Unlock()
	return pos, nil
}

// NewFrame implements [media.Decoder].
func (d *Decoder) NewFrame() *media.Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountNewFrame++
	return &media.Frame{
		Audio: make([]byte, 0, d.AudioBytes),
		Video: make([]byte, 0, d.VideoBytes),
	}
}

// ReadFrame implements [media.Decoder].
func (d *Decoder) ReadFrame(f *media.Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountRead++
	if d.ReadErr != nil {
		return d.ReadErr
	}

	seq := d.pos
	d.pos++
	f.Reset()
	f.Timestamp = time.Duration(float64(seq) * float64(time.Second) / d.InfoResult.Video.FrameRate)
	if d.Frames > 0 && seq >= d.Frames {
		f.EndOfMedia = true
		return nil
	}
	for range d.AudioBytes {
		f.Audio = append(f.Audio, byte(seq))
	}
	f.Video = binary.BigEndian.AppendUint64(f.Video, uint64(seq))
	for len(f.Video) < d.VideoBytes {
		f.Video = append(f.Video, 0)
	}
	return nil
}

// Close implements [media.Decoder].
func (d *Decoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Closed = true
	return d.CloseErr
}

// FrameSeq extracts the sequence number stamped into f by [Decoder.ReadFrame].
func FrameSeq(f *media.Frame) int64 {
	if f == nil || len(f.Video) < 8 {
		return -1
	}
	return int64(binary.BigEndian.Uint64(f.Video))
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink is a mock [media.Sink]. Writes are accepted up to the budget set with
// [Sink.SetWritable] and captured for inspection.
type Sink struct {
	mu sync.Mutex

	// OpenErr and WriteErr are returned by Open and Write when non-nil.
	OpenErr  error
	WriteErr error

	// Format records the format passed to Open.
	Format media.AudioFormat

	// Call counters.
	CallCountStart int
	CallCountStop  int
	CallCountFlush int
	CallCountClose int

	open     bool
	playing  bool
	writable int
	written  []byte
	cb       func(media.SinkState)
}

// SetWritable sets the number of bytes the next writes may consume.
func (s *Sink) SetWritable(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writable = n
}

// Written returns a copy of every byte written so far.
func (s *Sink) Written() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.written...)
}

// Playing reports whether Start was called more recently than Stop.
func (s *Sink) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// Open implements [media.Sink].
func (s *Sink) Open(format media.AudioFormat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.OpenErr != nil {
		return s.OpenErr
	}
	s.Format = format
	s.open = true
	return nil
}

// IsOpen implements [media.Sink].
func (s *Sink) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Start implements [media.Sink]. The state callback runs synchronously.
func (s *Sink) Start() error {
	s.mu.Lock()
	s.CallCountStart++
	s.playing = true
	cb := s.cb
	s.mu.Unlock()
	if cb != nil {
		cb(media.SinkPlaying)
	}
	return nil
}

// Stop implements [media.Sink]. The state callback runs synchronously.
func (s *Sink) Stop() error {
	s.mu.Lock()
	s.CallCountStop++
	s.playing = false
	cb := s.cb
	s.mu.Unlock()
	if cb != nil {
		cb(media.SinkStopped)
	}
	return nil
}

// Flush implements [media.Sink].
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountFlush++
	return nil
}

// Writable implements [media.Sink].
func (s *Sink) Writable() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writable
}

// Write implements [media.Sink].
func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteErr != nil {
		return 0, s.WriteErr
	}
	n := min(len(p), s.writable)
	s.written = append(s.written, p[:n]...)
	s.writable -= n
	return n, nil
}

// OnStateChange implements [media.Sink].
func (s *Sink) OnStateChange(cb func(media.SinkState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cb = cb
}

// Close implements [media.Sink].
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.open = false
	return nil
}

// Compile-time interface assertions.
var (
	_ media.Decoder = (*Decoder)(nil)
	_ media.Sink    = (*Sink)(nil)
)
