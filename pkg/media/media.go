// Package media defines the frame type and the two external collaborators of
// the playback engine:
//
//   - [Decoder]: a seekable source of decoded frames. The engine only ever
//     asks it to seek to a block's start and read the next frame.
//   - [Sink]: a real-time audio output with a bounded device buffer and a
//     playing/stopped state notification.
//
// Concrete adapters live in sub-packages (media/synth, media/opusfile,
// media/sink). This package lives under pkg/ because external code is expected
// to implement [Decoder] and [Sink] for its own demuxers and devices.
package media

import (
	"time"
)

// BlockLength is the number of consecutive frames that are cached and fetched
// together. Every block starts at a multiple of BlockLength.
const BlockLength = 8

// BaseSeq returns the first sequence number of the block containing seq.
func BaseSeq(seq int64) int64 {
	return seq - seq%BlockLength
}

// BlockOffset returns the position of seq within its block.
func BlockOffset(seq int64) int {
	return int(seq % BlockLength)
}

// IsAligned reports whether seq is the first sequence number of a block.
func IsAligned(seq int64) bool {
	return seq >= 0 && seq%BlockLength == 0
}

// SeekPosition maps a base sequence number to the decoder seek position:
// 1000·base/fps milliseconds, truncated to whole milliseconds.
func SeekPosition(base int64, fps float64) time.Duration {
	ms := int64(1000 * float64(base) / fps)
	return time.Duration(ms) * time.Millisecond
}

// Frame is one decoded unit of audio and video. The engine never copies frame
// payloads: a Frame is owned by whichever component currently holds it and is
// reused by the decoder for the next fetch into the same cache slot.
type Frame struct {
	// Audio holds interleaved PCM samples in the stream's [AudioFormat].
	Audio []byte

	// Video holds the raw picture. Its layout is opaque to the engine.
	Video []byte

	// Timestamp is the presentation time of the frame.
	Timestamp time.Duration

	// EndOfMedia marks the frames past the end of the stream. Their payloads
	// are empty.
	EndOfMedia bool
}

// SizeInBytes returns the payload size used for cache budgeting.
func (f *Frame) SizeInBytes() int {
	if f == nil {
		return 0
	}
	return len(f.Audio) + len(f.Video)
}

// Reset clears the payload but keeps the allocated buffers for reuse.
func (f *Frame) Reset() {
	f.Audio = f.Audio[:0]
	f.Video = f.Video[:0]
	f.Timestamp = 0
	f.EndOfMedia = false
}

// AudioFormat describes interleaved linear PCM.
type AudioFormat struct {
	SampleRate     int // samples per second per channel
	Channels       int
	BytesPerSample int
}

// FrameSize returns the number of bytes of one audio frame (one sample for
// every channel).
func (f AudioFormat) FrameSize() int {
	return f.Channels * f.BytesPerSample
}

// ByteRate returns the number of bytes consumed per second of playback.
func (f AudioFormat) ByteRate() int {
	return f.SampleRate * f.FrameSize()
}

// IsZero reports whether the stream carries no audio.
func (f AudioFormat) IsZero() bool {
	return f.SampleRate == 0 || f.FrameSize() == 0
}

// VideoFormat describes the picture stream.
type VideoFormat struct {
	Width     int
	Height    int
	FrameRate float64 // frames per second, must be > 0
}

// Info is the stream description reported by a [Decoder].
type Info struct {
	Audio    AudioFormat
	Video    VideoFormat
	Duration time.Duration // zero when unknown
	Frames   int64         // total frame count, zero when unknown
}
