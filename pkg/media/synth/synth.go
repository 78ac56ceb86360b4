// Package synth is a deterministic synthetic [media.Decoder]. It produces a
// continuous sine tone and greyscale pictures whose first eight bytes carry
// the frame number, which makes it useful for demos, soak tests and for
// checking frame accuracy end to end without any media files.
package synth

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/MrWong99/seekplay/pkg/media"
)

// Config describes the generated stream. Zero fields take the defaults
// listed on each field.
type Config struct {
	SampleRate int     // default 48000
	Channels   int     // default 2
	FrameRate  float64 // default 25
	Frames     int64   // stream length, 0 = unbounded
	Width      int     // default 64
	Height     int     // default 36
	ToneHz     float64 // default 440
}

func (c *Config) applyDefaults() {
	if c.SampleRate == 0 {
		c.SampleRate = 48000
	}
	if c.Channels == 0 {
		c.Channels = 2
	}
	if c.FrameRate == 0 {
		c.FrameRate = 25
	}
	if c.Width == 0 {
		c.Width = 64
	}
	if c.Height == 0 {
		c.Height = 36
	}
	if c.ToneHz == 0 {
		c.ToneHz = 440
	}
}

const bytesPerSample = 2 // signed 16-bit little-endian

// Decoder generates frames on demand. It is not safe for concurrent use.
type Decoder struct {
	cfg    Config
	next   int64 // sequence number of the next frame to read
	closed bool
}

// Compile-time interface assertion.
var _ media.Decoder = (*Decoder)(nil)

// New returns a synthetic decoder positioned at frame 0.
func New(cfg Config) (*Decoder, error) {
	cfg.applyDefaults()
	var errs []error
	if cfg.SampleRate < 0 || cfg.Channels < 0 || cfg.Width < 0 || cfg.Height < 0 {
		errs = append(errs, errors.New("synth: dimensions must not be negative"))
	}
	if cfg.FrameRate < 0 {
		errs = append(errs, fmt.Errorf("synth: frame rate %v must be positive", cfg.FrameRate))
	}
	if cfg.Frames < 0 {
		errs = append(errs, fmt.Errorf("synth: frame count %d must not be negative", cfg.Frames))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &Decoder{cfg: cfg}, nil
}

// Info implements [media.Decoder].
func (d *Decoder) Info() media.Info {
	info := media.Info{
		Audio: media.AudioFormat{
			SampleRate:     d.cfg.SampleRate,
			Channels:       d.cfg.Channels,
			BytesPerSample: bytesPerSample,
		},
		Video: media.VideoFormat{
			Width:     d.cfg.Width,
			Height:    d.cfg.Height,
			FrameRate: d.cfg.FrameRate,
		},
		Frames: d.cfg.Frames,
	}
	if d.cfg.Frames > 0 {
		info.Duration = d.timestamp(d.cfg.Frames)
	}
	return info
}

// Seek implements [media.Decoder]. Positions resolve to the nearest frame.
func (d *Decoder) Seek(pos time.Duration) (time.Duration, error) {
	if d.closed {
		return 0, errors.New("synth: seek on closed decoder")
	}
	if pos < 0 {
		return 0, fmt.Errorf("synth: seek to negative position %v", pos)
	}
	d.next = int64(math.Round(pos.Seconds() * d.cfg.FrameRate))
	return d.timestamp(d.next), nil
}

// NewFrame implements [media.Decoder].
func (d *Decoder) NewFrame() *media.Frame {
	samples := int(math.Ceil(float64(d.cfg.SampleRate) / d.cfg.FrameRate))
	return &media.Frame{
		Audio: make([]byte, 0, samples*d.cfg.Channels*bytesPerSample),
		Video: make([]byte, 0, d.cfg.Width*d.cfg.Height),
	}
}

// ReadFrame implements [media.Decoder].
func (d *Decoder) ReadFrame(f *media.Frame) error {
	if d.closed {
		return errors.New("synth: read on closed decoder")
	}
	seq := d.next
	d.next++

	f.Reset()
	f.Timestamp = d.timestamp(seq)
	if d.cfg.Frames > 0 && seq >= d.cfg.Frames {
		f.EndOfMedia = true
		return nil
	}

	// Sample boundaries are derived from the absolute frame number so that
	// consecutive frames tile the timeline without drift.
	rate := float64(d.cfg.SampleRate)
	first := int64(math.Floor(float64(seq) * rate / d.cfg.FrameRate))
	last := int64(math.Floor(float64(seq+1) * rate / d.cfg.FrameRate))
	step := 2 * math.Pi * d.cfg.ToneHz / rate
	for s := first; s < last; s++ {
		v := int16(math.Sin(step*float64(s)) * 0.25 * math.MaxInt16)
		for range d.cfg.Channels {
			f.Audio = binary.LittleEndian.AppendUint16(f.Audio, uint16(v))
		}
	}

	n := d.cfg.Width * d.cfg.Height
	shade := byte(seq)
	for range n {
		f.Video = append(f.Video, shade)
	}
	if n >= 8 {
		binary.BigEndian.PutUint64(f.Video[:8], uint64(seq))
	}
	return nil
}

// Close implements [media.Decoder].
func (d *Decoder) Close() error {
	d.closed = true
	return nil
}

func (d *Decoder) timestamp(seq int64) time.Duration {
	return time.Duration(float64(seq) * float64(time.Second) / d.cfg.FrameRate)
}

// FrameNumber returns the frame number stamped into a synthetic picture, or
// -1 when the picture is too small to carry one.
func FrameNumber(f *media.Frame) int64 {
	if f == nil || len(f.Video) < 8 {
		return -1
	}
	return int64(binary.BigEndian.Uint64(f.Video[:8]))
}
