// Package opusfile reads and writes a minimal Opus packet container: a
// sequence of packets, each prefixed with its length as a big-endian uint16.
// Every packet holds 20 ms of 48 kHz stereo audio, so one packet maps to one
// media frame at 50 frames per second.
//
// [Decoder] implements [media.Decoder] on top of gopus; [Writer] produces
// files it can read.
package opusfile

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"layeh.com/gopus"

	"github.com/MrWong99/seekplay/pkg/media"
)

// Opus at 48 kHz stereo, 20 ms per packet.
const (
	SampleRate  = 48000
	Channels    = 2
	FrameRate   = 50
	frameSizeMs = 20
	// FrameSize is the number of samples per channel in one packet.
	FrameSize = SampleRate * frameSizeMs / 1000 // 960

	maxPacket = math.MaxUint16
)

// ErrCorrupt is returned when the container structure is invalid.
var ErrCorrupt = errors.New("opusfile: corrupt container")

// Decoder is a seekable [media.Decoder] over an Opus packet file. It is not
// safe for concurrent use.
type Decoder struct {
	r       io.ReadSeeker
	closer  io.Closer
	offsets []int64 // byte offset of every packet's length prefix
	next    int64   // index of the next packet to decode
	dec     *gopus.Decoder
	pkt     []byte
}

// Compile-time interface assertion.
var _ media.Decoder = (*Decoder)(nil)

// Open opens the file at path and indexes its packets.
func Open(path string) (*Decoder, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opusfile: open %q: %w", path, err)
	}
	d, err := NewDecoder(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	d.closer = f
	return d, nil
}

// NewDecoder indexes the packets readable from r. If r implements io.Closer
// it is not closed by [Decoder.Close]; use [Open] for that.
func NewDecoder(r io.ReadSeeker) (*Decoder, error) {
	offsets, err := index(r)
	if err != nil {
		return nil, err
	}
	dec, err := gopus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("opusfile: create opus decoder: %w", err)
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("opusfile: rewind: %w", err)
	}
	return &Decoder{
		r:       r,
		offsets: offsets,
		dec:     dec,
		pkt:     make([]byte, 0, 1024),
	}, nil
}

// index walks the length prefixes and records where each packet starts.
func index(r io.ReadSeeker) ([]int64, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("opusfile: rewind: %w", err)
	}
	br := bufio.NewReader(r)
	var (
		offsets []int64
		pos     int64
		hdr     [2]byte
	)
	for {
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return offsets, nil
			}
			return nil, fmt.Errorf("%w: truncated length at offset %d", ErrCorrupt, pos)
		}
		n := int64(binary.BigEndian.Uint16(hdr[:]))
		if n == 0 {
			return nil, fmt.Errorf("%w: empty packet at offset %d", ErrCorrupt, pos)
		}
		if _, err := br.Discard(int(n)); err != nil {
			return nil, fmt.Errorf("%w: truncated packet at offset %d", ErrCorrupt, pos)
		}
		offsets = append(offsets, pos)
		pos += 2 + n
	}
}

// Info implements [media.Decoder].
func (d *Decoder) Info() media.Info {
	frames := int64(len(d.offsets))
	return media.Info{
		Audio:    media.AudioFormat{SampleRate: SampleRate, Channels: Channels, BytesPerSample: 2},
		Video:    media.VideoFormat{FrameRate: FrameRate},
		Duration: time.Duration(frames) * frameSizeMs * time.Millisecond,
		Frames:   frames,
	}
}

// Seek implements [media.Decoder]. The decoder state is rebuilt because Opus
// packets depend on their predecessors.
func (d *Decoder) Seek(pos time.Duration) (time.Duration, error) {
	if pos < 0 {
		return 0, fmt.Errorf("opusfile: seek to negative position %v", pos)
	}
	seq := int64(math.Round(pos.Seconds() * FrameRate))
	if seq < int64(len(d.offsets)) {
		if _, err := d.r.Seek(d.offsets[seq], io.SeekStart); err != nil {
			return 0, fmt.Errorf("opusfile: seek: %w", err)
		}
	}
	dec, err := gopus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return 0, fmt.Errorf("opusfile: reset opus decoder: %w", err)
	}
	d.dec = dec
	d.next = seq
	return time.Duration(seq) * frameSizeMs * time.Millisecond, nil
}

// NewFrame implements [media.Decoder].
func (d *Decoder) NewFrame() *media.Frame {
	return &media.Frame{Audio: make([]byte, 0, FrameSize*Channels*2)}
}

// ReadFrame implements [media.Decoder].
func (d *Decoder) ReadFrame(f *media.Frame) error {
	seq := d.next
	d.next++
	f.Reset()
	f.Timestamp = time.Duration(seq) * frameSizeMs * time.Millisecond
	if seq >= int64(len(d.offsets)) {
		f.EndOfMedia = true
		return nil
	}

	var hdr [2]byte
	if _, err := io.ReadFull(d.r, hdr[:]); err != nil {
		return fmt.Errorf("opusfile: read packet %d: %w", seq, err)
	}
	n := int(binary.BigEndian.Uint16(hdr[:]))
	if cap(d.pkt) < n {
		d.pkt = make([]byte, n)
	}
	d.pkt = d.pkt[:n]
	if _, err := io.ReadFull(d.r, d.pkt); err != nil {
		return fmt.Errorf("opusfile: read packet %d: %w", seq, err)
	}
	pcm, err := d.dec.Decode(d.pkt, FrameSize, false)
	if err != nil {
		return fmt.Errorf("opusfile: decode packet %d: %w", seq, err)
	}
	for _, s := range pcm {
		f.Audio = binary.LittleEndian.AppendUint16(f.Audio, uint16(s))
	}
	return nil
}

// Close implements [media.Decoder].
func (d *Decoder) Close() error {
	if d.closer == nil {
		return nil
	}
	c := d.closer
	d.closer = nil
	return c.Close()
}

// Writer encodes 16-bit stereo PCM into an Opus packet file.
type Writer struct {
	w   io.Writer
	enc *gopus.Encoder
	buf []int16
}

// NewWriter returns a Writer emitting packets to w.
func NewWriter(w io.Writer) (*Writer, error) {
	enc, err := gopus.NewEncoder(SampleRate, Channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("opusfile: create opus encoder: %w", err)
	}
	return &Writer{w: w, enc: enc}, nil
}

// WritePCM buffers interleaved little-endian 16-bit stereo samples and emits
// one packet for every complete 20 ms.
func (w *Writer) WritePCM(pcm []byte) error {
	for i := 0; i+1 < len(pcm); i += 2 {
		w.buf = append(w.buf, int16(binary.LittleEndian.Uint16(pcm[i:])))
	}
	per := FrameSize * Channels
	for len(w.buf) >= per {
		if err := w.emit(w.buf[:per]); err != nil {
			return err
		}
		w.buf = w.buf[per:]
	}
	return nil
}

// Flush pads any buffered remainder with silence and emits it.
func (w *Writer) Flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	frame := make([]int16, FrameSize*Channels)
	copy(frame, w.buf)
	w.buf = w.buf[:0]
	return w.emit(frame)
}

func (w *Writer) emit(frame []int16) error {
	pkt, err := w.enc.Encode(frame, FrameSize, maxPacket)
	if err != nil {
		return fmt.Errorf("opusfile: opus encode: %w", err)
	}
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(pkt)))
	if _, err := w.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("opusfile: write: %w", err)
	}
	if _, err := w.w.Write(pkt); err != nil {
		return fmt.Errorf("opusfile: write: %w", err)
	}
	return nil
}
