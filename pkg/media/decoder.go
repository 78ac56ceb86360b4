package media

import (
	"time"
)

// Decoder is a seekable source of decoded frames.
//
// The engine calls a Decoder from a single goroutine only, so implementations
// need not be safe for concurrent use. Calls are strictly sequential: one
// Seek followed by [BlockLength] ReadFrame calls per fetched block.
type Decoder interface {
	// Info describes the stream. It is called once before the first Seek.
	Info() Info

	// Seek positions the decoder at or before pos and reports the position
	// actually reached.
	Seek(pos time.Duration) (time.Duration, error)

	// NewFrame allocates an empty frame sized for this stream. The engine
	// calls it lazily the first time a cache slot is filled and reuses the
	// frame afterwards.
	NewFrame() *Frame

	// ReadFrame decodes the next frame into f, overwriting its payload.
	// Past the end of the stream it succeeds and sets f.EndOfMedia.
	ReadFrame(f *Frame) error

	// Close releases the decoder's resources.
	Close() error
}
