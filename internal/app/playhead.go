package app

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/seekplay/internal/engine"
	"github.com/MrWong99/seekplay/internal/engine/audio"
	"github.com/MrWong99/seekplay/internal/engine/cache"
	"github.com/MrWong99/seekplay/internal/observe"
	"github.com/MrWong99/seekplay/pkg/actor"
	"github.com/MrWong99/seekplay/pkg/media"
)

// ─── Transport messages ──────────────────────────────────────────────────────

type playCmd struct{}

func (*playCmd) Kind() string { return "playhead.play" }

type pauseCmd struct{}

func (*pauseCmd) Kind() string { return "playhead.pause" }

type seekCmd struct {
	Seq int64
}

func (*seekCmd) Kind() string { return "playhead.seek" }

type playheadStatusRequest struct {
	ReplyTo actor.Receiver
}

func (*playheadStatusRequest) Kind() string { return "playhead.status_request" }

// PlayheadStatus is a snapshot of the transport state.
type PlayheadStatus struct {
	Playing  bool          `json:"playing"`
	Ended    bool          `json:"ended"`
	Speed    float64       `json:"speed"`
	Position int64         `json:"position"` // frame due now
	Next     int64         `json:"next"`     // next frame to request
	Elapsed  time.Duration `json:"elapsed"`  // since the last seek or speed change
	Held     int           `json:"held"`     // frames waiting to be presented
}

func (*PlayheadStatus) Kind() string { return "playhead.status" }

// epochFrame tags a cache reply with the epoch of the request that asked for
// it. Seeks and direction changes start a new epoch; replies from older
// epochs are returned to the cache unused.
type epochFrame struct {
	epoch uint64
	frame *engine.CachedFrame
}

func (*epochFrame) Kind() string { return "playhead.frame" }

// ─── Clock ───────────────────────────────────────────────────────────────────

// playClock measures wall time spent playing since the last rebase.
type playClock struct {
	running bool
	since   time.Time
	acc     time.Duration
}

func (c *playClock) start(t time.Time) {
	if c.running {
		return
	}
	c.running = true
	c.since = t
}

func (c *playClock) stop(t time.Time) {
	if !c.running {
		return
	}
	if t.After(c.since) {
		c.acc += t.Sub(c.since)
	}
	c.running = false
}

func (c *playClock) elapsed(now time.Time) time.Duration {
	if !c.running || !now.After(c.since) {
		return c.acc
	}
	return c.acc + now.Sub(c.since)
}

func (c *playClock) rebase(now time.Time) {
	c.acc = 0
	if c.running {
		c.since = now
	}
}

// ─── Playhead ────────────────────────────────────────────────────────────────

// playhead is the actor that turns the clock into frame requests. It asks the
// cache for every frame up to the lookahead window, hands one loan of each
// frame to the audio renderer as soon as it arrives and keeps the other until
// the frame is due on screen.
//
// With an audio renderer the clock follows the sink: it runs between the
// START and STOP sync events. Without one it follows play and pause.
type playhead struct {
	cache   actor.Receiver
	audio   actor.Receiver // nil when the stream has no audio
	video   actor.Receiver
	metrics *observe.Metrics
	now     func() time.Time
	log     *slog.Logger
	self    *actor.Actor

	fps       float64
	frames    int64 // 0 when unknown
	lookahead int64 // frames

	speed   float64
	origin  int64 // frame due at elapsed 0
	next    int64
	epoch   uint64
	playing bool
	ended   bool
	clock   playClock
	held    []*engine.CachedFrame

	done     chan struct{}
	doneOnce sync.Once
}

func newPlayhead(info media.Info, start int64, lookaheadBlocks int, m *observe.Metrics, now func() time.Time) *playhead {
	return &playhead{
		metrics:   m,
		now:       now,
		log:       slog.Default(),
		fps:       info.Video.FrameRate,
		frames:    info.Frames,
		lookahead: int64(lookaheadBlocks) * media.BlockLength,
		speed:     1,
		origin:    start,
		next:      start,
		done:      make(chan struct{}),
	}
}

// Init implements [actor.Initializer].
func (p *playhead) Init(ctx context.Context) error {
	p.self = actor.FromContext(ctx)
	return nil
}

// Act implements [actor.Handler].
func (p *playhead) Act(ctx context.Context, msg actor.Message) error {
	switch m := msg.(type) {
	case *epochFrame:
		p.receive(m)
	case *playCmd:
		p.play()
	case *pauseCmd:
		p.pause()
	case *seekCmd:
		return p.seek(m.Seq)
	case *engine.SetSpeed:
		return p.setSpeed(ctx, m.Speed)
	case *engine.AudioSyncEvent:
		if m.Event == engine.SyncStart {
			p.clock.start(m.Time)
		} else {
			p.clock.stop(m.Time)
		}
	case *playheadStatusRequest:
		if m.ReplyTo != nil {
			m.ReplyTo.Send(p.status())
		}
	default:
		return actor.Unhandled(msg)
	}
	return nil
}

// Idle implements [actor.Idler]. It presents the frame due now and requests
// frames up to the lookahead window.
func (p *playhead) Idle(ctx context.Context) error {
	due := p.due(p.now())
	p.present(ctx, due)
	if p.ended {
		return nil
	}
	p.skipLate(due)
	target := due + p.dir()*p.lookahead
	for p.notAfter(p.next, target) && p.inRange(p.next) {
		p.request(p.next)
		p.next += p.dir()
	}
	return nil
}

// Destruct implements [actor.Destructor].
func (p *playhead) Destruct() {
	p.releaseHeld()
}

// skipLate moves next up to due when requesting has fallen behind the clock,
// so one pass never asks for more than the lookahead window. The frame that
// ends playback (the end marker forward, frame 0 in reverse) is never
// skipped.
func (p *playhead) skipLate(due int64) {
	if !p.notAfter(p.next, due) || p.next == due {
		return
	}
	next := due
	switch {
	case p.dir() < 0 && next < 0:
		next = 0
	case p.dir() > 0 && p.frames > 0 && next > p.frames:
		next = p.frames
	}
	if next == p.next || !p.notAfter(p.next, next) {
		return
	}
	p.log.Debug("playhead: skipping late frames", "from", p.next, "to", next)
	p.next = next
}

func (p *playhead) play() {
	if p.playing {
		return
	}
	p.playing = true
	if p.audio != nil {
		p.audio.Send(&engine.ControlCommand{Command: engine.CommandStart})
		return
	}
	p.clock.start(p.now())
}

func (p *playhead) pause() {
	if !p.playing {
		return
	}
	p.playing = false
	if p.audio != nil {
		p.audio.Send(&engine.ControlCommand{Command: engine.CommandStop})
		return
	}
	p.clock.stop(p.now())
}

func (p *playhead) seek(seq int64) error {
	if seq < 0 || (p.frames > 0 && seq >= p.frames) {
		return fmt.Errorf("playhead: seek to %d: %w", seq, cache.ErrInvalidSeq)
	}
	p.log.Debug("playhead: seek", "from", p.due(p.now()), "to", seq)
	p.reposition(seq)
	return nil
}

func (p *playhead) setSpeed(ctx context.Context, s float64) error {
	if s == 0 || math.IsNaN(s) || math.IsInf(s, 0) {
		return fmt.Errorf("playhead: %w: %v", audio.ErrInvalidSpeed, s)
	}
	if math.Abs(s) < audio.MinSpeed {
		s = math.Copysign(audio.MinSpeed, s)
	}

	now := p.now()
	cur := p.due(now)
	reversed := (s < 0) != (p.speed < 0)
	p.speed = s
	if reversed {
		p.reposition(max(cur, 0))
	} else {
		p.origin = cur
		p.clock.rebase(now)
	}
	if p.audio != nil {
		p.audio.Send(&engine.SetSpeed{Speed: s})
	}
	p.metrics.PlaybackSpeed.Record(ctx, s)
	return nil
}

// reposition abandons all outstanding requests and restarts at seq.
func (p *playhead) reposition(seq int64) {
	p.epoch++
	p.releaseHeld()
	p.origin = seq
	p.next = seq
	p.ended = false
	p.clock.rebase(p.now())
	if p.audio != nil {
		p.audio.Send(&engine.ControlCommand{Command: engine.CommandFlush})
	}
}

func (p *playhead) request(seq int64) {
	epoch, self := p.epoch, p.self
	reply := actor.ReceiverFunc(func(msg actor.Message) {
		if f, ok := msg.(*engine.CachedFrame); ok && self != nil {
			self.Send(&epochFrame{epoch: epoch, frame: f})
		}
	})
	p.cache.Send(&engine.FrameRequest{Seq: seq, Lend: p.loans(), ReplyTo: reply})

	// Entering a block: warm the one after it.
	first := media.BlockOffset(seq) == 0
	if p.dir() < 0 {
		first = media.BlockOffset(seq) == media.BlockLength-1
	}
	if !first {
		return
	}
	base := media.BaseSeq(seq) + p.dir()*media.BlockLength
	if base >= 0 && (p.frames == 0 || base <= p.frames) {
		p.cache.Send(&engine.PrefetchRequest{BaseSeq: base})
	}
}

func (p *playhead) receive(m *epochFrame) {
	f := m.frame
	if m.epoch != p.epoch {
		for range p.loans() {
			f.Recycle()
		}
		return
	}
	if p.audio != nil {
		p.audio.Send(f)
	}
	p.held = append(p.held, f)
}

// present forwards the latest due frame to the video renderer. Older due
// frames are skipped.
func (p *playhead) present(ctx context.Context, due int64) {
	var show *engine.CachedFrame
	var dropped int64
	for len(p.held) > 0 && p.notAfter(p.held[0].Seq, due) {
		if show != nil {
			show.Recycle()
			dropped++
		}
		show = p.held[0]
		p.held[0] = nil
		p.held = p.held[1:]
	}
	if dropped > 0 {
		p.metrics.FramesDropped.Add(ctx, dropped)
	}
	if show == nil {
		return
	}
	if show.EndOfMedia() {
		show.Recycle()
		p.finish(show.Seq)
		return
	}
	seq := show.Seq
	p.video.Send(show)
	if p.dir() < 0 && seq == 0 {
		p.finish(seq)
	}
}

func (p *playhead) finish(seq int64) {
	if p.ended {
		return
	}
	p.ended = true
	p.log.Info("playhead: end of media", "seq", seq, "speed", p.speed)
	p.doneOnce.Do(func() { close(p.done) })
}

func (p *playhead) releaseHeld() {
	for _, f := range p.held {
		f.Recycle()
	}
	p.held = nil
}

func (p *playhead) status() *PlayheadStatus {
	now := p.now()
	return &PlayheadStatus{
		Playing:  p.playing,
		Ended:    p.ended,
		Speed:    p.speed,
		Position: p.due(now),
		Next:     p.next,
		Elapsed:  p.clock.elapsed(now),
		Held:     len(p.held),
	}
}

// due returns the frame that should be on screen at now.
func (p *playhead) due(now time.Time) int64 {
	n := int64(p.clock.elapsed(now).Seconds() * p.fps * math.Abs(p.speed))
	return p.origin + p.dir()*n
}

func (p *playhead) dir() int64 {
	if p.speed < 0 {
		return -1
	}
	return 1
}

// notAfter reports whether a comes no later than b in playback direction.
func (p *playhead) notAfter(a, b int64) bool {
	if p.dir() < 0 {
		return a >= b
	}
	return a <= b
}

// inRange reports whether seq may be requested. The frame just past the end
// is requested too so the end-of-media marker reaches the playhead.
func (p *playhead) inRange(seq int64) bool {
	return seq >= 0 && (p.frames == 0 || seq <= p.frames)
}

func (p *playhead) loans() int {
	if p.audio == nil {
		return 1
	}
	return 2
}
