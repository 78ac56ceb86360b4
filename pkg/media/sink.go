package media

// SinkState is the playback state reported by a [Sink].
type SinkState int

const (
	// SinkStopped means the sink does not consume data.
	SinkStopped SinkState = iota

	// SinkPlaying means the sink is consuming data at the audio byte rate.
	SinkPlaying
)

// String returns the human-readable name of the state.
func (s SinkState) String() string {
	switch s {
	case SinkStopped:
		return "STOPPED"
	case SinkPlaying:
		return "PLAYING"
	default:
		return "UNKNOWN"
	}
}

// Sink is a real-time audio output with a bounded device buffer.
//
// Write must never block: the engine asks Writable first and writes at most
// that many bytes. State changes are delivered through the callback
// registered with OnStateChange, which may run on any goroutine and must not
// block.
type Sink interface {
	// Open prepares the device for the given format.
	Open(format AudioFormat) error

	// IsOpen reports whether Open succeeded and Close was not called.
	IsOpen() bool

	// Start begins consuming buffered data.
	Start() error

	// Stop pauses consumption. Buffered data is kept.
	Stop() error

	// Flush discards buffered data.
	Flush() error

	// Writable returns the number of bytes that can be written without
	// blocking.
	Writable() int

	// Write copies up to Writable bytes from p into the device buffer.
	Write(p []byte) (int, error)

	// OnStateChange registers cb as the state listener. Only one listener may
	// be registered at a time; subsequent calls replace it.
	OnStateChange(cb func(SinkState))

	// Close releases the device. It is safe to call Close more than once.
	Close() error
}
