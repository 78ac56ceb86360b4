// Package engine defines the block, frame and message types shared by the
// actors of the playback pipeline:
//
//   - cache: the frame cache that lends frames and owns every block.
//   - fetcher: fills blocks from a [media.Decoder].
//   - audio: drains lent frames into a [media.Sink].
//   - video: holds the frame currently on screen.
//
// Actors never share state; everything in this package crosses actor
// boundaries only inside messages. A [Block] and its frames are mutated
// exclusively by the cache actor, except for the window in which a fetch
// request is outstanding, during which only the fetcher touches them.
//
// This package lives under internal/ because its types describe the private
// protocol between the pipeline actors.
package engine

import (
	"fmt"
	"time"

	"github.com/MrWong99/seekplay/pkg/actor"
	"github.com/MrWong99/seekplay/pkg/media"
)

// BlockState is the lifecycle state of a cache [Block].
type BlockState int

const (
	// BlockEmpty is a block that has never held data.
	BlockEmpty BlockState = iota

	// BlockFetching is a block with an outstanding fetch request.
	BlockFetching

	// BlockInUse is a block with at least one frame lent out.
	BlockInUse

	// BlockCache is a block with valid data and no lent frames. Only blocks in
	// this state (or never-used blocks) are eviction candidates.
	BlockCache
)

// String returns the human-readable name of the state.
func (s BlockState) String() string {
	switch s {
	case BlockEmpty:
		return "EMPTY"
	case BlockFetching:
		return "FETCHING"
	case BlockInUse:
		return "IN_USE"
	case BlockCache:
		return "CACHE"
	default:
		return fmt.Sprintf("BlockState(%d)", int(s))
	}
}

// Block is a run of [media.BlockLength] consecutive frames, the unit of
// caching and fetching.
type Block struct {
	// Index is the slot in the cache pool. It changes only when the pool is
	// resized.
	Index int

	// BaseSeq is the sequence number of Frames[0], or -1 while unused.
	BaseSeq int64

	State BlockState

	// UsageCount is the number of frames lent out and not yet recycled.
	UsageCount int

	// Unused is when the usage count last dropped to zero.
	Unused time.Time

	// Frames holds one slot per frame. Slots are created lazily by the
	// fetcher and reused for later fetches into the same block.
	Frames [media.BlockLength]*CachedFrame
}

// NewBlock returns an empty block for pool slot index whose frames recycle to
// owner.
func NewBlock(index int, owner actor.Receiver) *Block {
	b := &Block{Index: index, BaseSeq: -1}
	for i := range b.Frames {
		b.Frames[i] = &CachedFrame{Seq: -1, block: b, owner: owner}
	}
	return b
}

// String implements fmt.Stringer for log attributes.
func (b *Block) String() string {
	return fmt.Sprintf("block[%d base=%d %s usage=%d]", b.Index, b.BaseSeq, b.State, b.UsageCount)
}

// CachedFrame is a frame slot inside a [Block]. Consumers receive it on loan
// and must call [CachedFrame.Recycle] exactly once per loan.
type CachedFrame struct {
	// Seq is the sequence number of the frame currently held, -1 if none.
	Seq int64

	// Frame is the decoded payload. It is nil until the slot is first filled.
	Frame *media.Frame

	block *Block
	owner actor.Receiver
}

// Block returns the block that owns this frame.
func (f *CachedFrame) Block() *Block { return f.block }

// EndOfMedia reports whether the slot holds a frame past the end of stream.
func (f *CachedFrame) EndOfMedia() bool {
	return f.Frame != nil && f.Frame.EndOfMedia
}

// Recycle returns one loan of this frame to the cache that owns it.
func (f *CachedFrame) Recycle() {
	if f.owner != nil {
		f.owner.Send(&Recycle{Frame: f})
	}
}

// Kind implements [actor.Message]: a lent frame is itself the message that
// delivers it to renderers.
func (f *CachedFrame) Kind() string { return "engine.frame" }

// ─── Cache protocol ───────────────────────────────────────────────────────────

// FrameRequest asks the cache for frame Seq. The reply is the *CachedFrame,
// sent to ReplyTo with Lend loans taken on it.
type FrameRequest struct {
	Seq  int64
	Lend int

	// OnlyIfIdle makes the request yield when the cache has little free
	// capacity: it is parked instead of evicting a block.
	OnlyIfIdle bool

	ReplyTo actor.Receiver
}

func (*FrameRequest) Kind() string { return "cache.frame_request" }

// PrefetchRequest loads the block starting at BaseSeq without lending it.
type PrefetchRequest struct {
	BaseSeq int64
}

func (*PrefetchRequest) Kind() string { return "cache.prefetch" }

// FetchFrames asks the fetcher to fill Block starting at Block.BaseSeq.
type FetchFrames struct {
	Block   *Block
	ReplyTo actor.Receiver
}

func (*FetchFrames) Kind() string { return "fetcher.fetch" }

// BlockFetched is the fetcher's reply to [FetchFrames].
type BlockFetched struct {
	Block   *Block
	Elapsed time.Duration
}

func (*BlockFetched) Kind() string { return "cache.block_fetched" }

// Priority implements [actor.Prioritized]: completions unblock waiting
// requests and go ahead of new ones.
func (*BlockFetched) Priority() actor.Priority { return actor.PriorityHigh }

// Recycle returns one loan of Frame.
type Recycle struct {
	Frame *CachedFrame
}

func (*Recycle) Kind() string { return "cache.recycle" }

// Priority implements [actor.Prioritized]: returned frames free capacity for
// queued requests.
func (*Recycle) Priority() actor.Priority { return actor.PriorityHigh }

// StatsRequest asks the cache for a [CacheStats] snapshot.
type StatsRequest struct {
	ReplyTo actor.Receiver
}

func (*StatsRequest) Kind() string { return "cache.stats_request" }

// CacheStats is a point-in-time view of the cache.
type CacheStats struct {
	Blocks   int // pool size
	Resident int // blocks mapped to a base sequence number
	Unused   int // blocks in the eviction pool
	Fetching int
	InUse    int
	Pending  int // queued frame requests
	Deferred bool
	Resized  bool
}

func (*CacheStats) Kind() string { return "cache.stats" }

// ─── Renderer protocol ────────────────────────────────────────────────────────

// Command is a renderer control verb.
type Command int

const (
	CommandStart Command = iota
	CommandStop
	CommandFlush
	CommandClose
)

// String returns the human-readable name of the command.
func (c Command) String() string {
	switch c {
	case CommandStart:
		return "START"
	case CommandStop:
		return "STOP"
	case CommandFlush:
		return "FLUSH"
	case CommandClose:
		return "CLOSE"
	default:
		return fmt.Sprintf("Command(%d)", int(c))
	}
}

// ControlCommand drives a renderer.
type ControlCommand struct {
	Command Command
}

func (*ControlCommand) Kind() string { return "renderer.control" }

// SetSpeed changes the playback speed. Negative values play backwards.
type SetSpeed struct {
	Speed float64
}

func (*SetSpeed) Kind() string { return "renderer.set_speed" }

// SyncEvent is the kind of [AudioSyncEvent].
type SyncEvent int

const (
	SyncStart SyncEvent = iota
	SyncStop
)

// String returns the human-readable name of the event.
func (e SyncEvent) String() string {
	if e == SyncStart {
		return "START"
	}
	return "STOP"
}

// AudioSyncEvent reports that the audio sink started or stopped consuming
// data, so video timing can follow the audio clock.
type AudioSyncEvent struct {
	Event SyncEvent
	Time  time.Time
}

func (*AudioSyncEvent) Kind() string { return "audio.sync" }

// CurrentFrameRequest asks the video renderer which frame is on screen.
type CurrentFrameRequest struct {
	ReplyTo actor.Receiver
}

func (*CurrentFrameRequest) Kind() string { return "video.current_request" }

// CurrentFrame answers [CurrentFrameRequest]. Seq is -1 before the first
// frame was presented.
type CurrentFrame struct {
	Seq       int64
	Timestamp time.Duration
	Presented int64 // frames presented so far
}

func (*CurrentFrame) Kind() string { return "video.current" }

// ─── Fetcher protocol ─────────────────────────────────────────────────────────

// MediaInfoRequest asks the fetcher for the stream description.
type MediaInfoRequest struct {
	ReplyTo actor.Receiver
}

func (*MediaInfoRequest) Kind() string { return "fetcher.info_request" }

// MediaInfoResponse answers [MediaInfoRequest].
type MediaInfoResponse struct {
	Info media.Info
}

func (*MediaInfoResponse) Kind() string { return "fetcher.info" }
