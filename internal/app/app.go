// Package app wires the playback engine into a running application.
//
// The App struct owns the full lifecycle: New creates every actor and connects
// their mailboxes, Run executes them until the context ends or one fails
// fatally, and Shutdown stops them one by one in reverse order of
// construction.
//
// The exported methods form a small facade over the actors' messages so that
// callers outside the engine (the admin server, the config watcher, tests)
// never need to speak the engine protocol themselves.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/seekplay/internal/config"
	"github.com/MrWong99/seekplay/internal/engine"
	"github.com/MrWong99/seekplay/internal/engine/audio"
	"github.com/MrWong99/seekplay/internal/engine/cache"
	"github.com/MrWong99/seekplay/internal/engine/fetcher"
	"github.com/MrWong99/seekplay/internal/engine/video"
	"github.com/MrWong99/seekplay/internal/observe"
	"github.com/MrWong99/seekplay/internal/resilience"
	"github.com/MrWong99/seekplay/pkg/actor"
	"github.com/MrWong99/seekplay/pkg/media"
)

// App owns all actor lifetimes of one playback session.
type App struct {
	cfg     *config.Config
	id      uuid.UUID
	info    media.Info
	metrics *observe.Metrics
	now     func() time.Time
	screen  video.Screen
	breaker *resilience.CircuitBreaker

	dec  media.Decoder
	sink media.Sink

	sup *supervisor
	ph  *playhead

	// Actors in start order. audio is nil for streams without sound.
	supervisor *actor.Actor
	fetcher    *actor.Actor
	cache      *actor.Actor
	audio      *actor.Actor
	video      *actor.Actor
	playhead   *actor.Actor
	actors     []*actor.Actor

	mu     sync.Mutex
	cancel context.CancelCauseFunc

	started  atomic.Bool
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics sets the metrics sink of every actor. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithScreen sets the video output. Without one only the current frame is
// tracked.
func WithScreen(s video.Screen) Option {
	return func(a *App) { a.screen = s }
}

// WithClock replaces the time source of the playhead and the audio renderer.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// WithDecoderBreaker guards the decoder with b. Defaults to a breaker named
// "decoder" with the package defaults.
func WithDecoderBreaker(b *resilience.CircuitBreaker) Option {
	return func(a *App) { a.breaker = b }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App reading from dec and playing audio into sink. The App
// owns both and closes them on shutdown.
//
// New performs all construction synchronously but starts nothing; call Run.
func New(ctx context.Context, cfg *config.Config, dec media.Decoder, sink media.Sink, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	if dec == nil || sink == nil {
		return nil, errors.New("app: decoder and sink are required")
	}
	a := &App{
		cfg:  cfg,
		id:   uuid.New(),
		dec:  dec,
		sink: sink,
		now:  time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.breaker == nil {
		a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "decoder"})
	}

	a.info = dec.Info()
	if a.info.Video.FrameRate <= 0 {
		return nil, fmt.Errorf("app: %w: %v", fetcher.ErrNoFrameRate, a.info.Video.FrameRate)
	}
	if err := config.ValidateSpeed(cfg.Playback.Speed); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	start := cfg.Playback.StartFrame
	if start < 0 || (a.info.Frames > 0 && start >= a.info.Frames) {
		return nil, fmt.Errorf("app: start frame %d outside stream of %d frames", start, a.info.Frames)
	}

	log := slog.Default().With("session", a.id.String())

	// ── 1. Supervisor ────────────────────────────────────────────────────
	a.sup = &supervisor{metrics: a.metrics, log: log, onFatal: a.fail}
	a.supervisor = actor.New("supervisor", a.sup, actor.WithLogger(log))

	common := []actor.Option{
		actor.WithErrorHandler(a.supervisor),
		actor.WithLogger(log),
		actor.WithObserver(observe.ActorObserver(a.metrics)),
	}
	with := func(extra ...actor.Option) []actor.Option {
		return append(append([]actor.Option{}, common...), extra...)
	}

	// ── 2. Fetcher ───────────────────────────────────────────────────────
	f := fetcher.New(dec,
		fetcher.WithMetrics(a.metrics),
		fetcher.WithBreaker(a.breaker),
		fetcher.WithLogger(log.With("component", "fetcher")),
	)
	a.fetcher = actor.New("fetcher", f, with()...)

	// ── 3. Cache ─────────────────────────────────────────────────────────
	c, err := cache.New(cache.Config{
		MaxBytes:  cfg.Cache.MaxBytes,
		Blocks:    cfg.Cache.Blocks,
		MinBlocks: cfg.Cache.MinBlocks,
		MinFree:   cfg.Cache.MinFreeBlocks(),
		MaxFree:   cfg.Cache.MaxFreeBlocks(),
	}, a.fetcher, cache.WithMetrics(a.metrics), cache.WithLogger(log.With("component", "cache")))
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.cache = actor.New("cache", c, with()...)

	// ── 4. Playhead ──────────────────────────────────────────────────────
	a.ph = newPlayhead(a.info, start, cfg.Playback.LookaheadBlocks, a.metrics, a.now)
	a.ph.log = log.With("component", "playhead")
	a.ph.cache = a.cache
	a.playhead = actor.New("playhead", a.ph, with(actor.WithMaxWait(cfg.Playback.IdleInterval))...)

	// ── 5. Renderers ─────────────────────────────────────────────────────
	if !a.info.Audio.IsZero() {
		r := audio.New(sink, a.info.Audio, a.playhead,
			audio.WithMetrics(a.metrics), audio.WithClock(a.now),
			audio.WithLogger(log.With("component", "audio")))
		a.audio = actor.New("audio", r, with(actor.WithMaxWait(cfg.Audio.IdleInterval))...)
		a.ph.audio = a.audio
	} else {
		log.Info("app: stream has no audio, playhead runs on the wall clock")
	}
	a.video = actor.New("video", video.New(a.screen,
		video.WithMetrics(a.metrics),
		video.WithLogger(log.With("component", "video")),
	), with()...)
	a.ph.video = a.video

	a.actors = []*actor.Actor{a.supervisor, a.fetcher, a.cache}
	if a.audio != nil {
		a.actors = append(a.actors, a.audio)
	}
	a.actors = append(a.actors, a.video, a.playhead)

	// Queued before start so the renderers begin at the configured speed.
	a.playhead.Send(&engine.SetSpeed{Speed: cfg.Playback.Speed})

	log.InfoContext(ctx, "app: engine assembled",
		"fps", a.info.Video.FrameRate,
		"frames", a.info.Frames,
		"audio", !a.info.Audio.IsZero(),
		"start_frame", start,
		"speed", cfg.Playback.Speed,
	)
	return a, nil
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

// Run starts every actor and blocks until ctx is cancelled, Shutdown
// completes or an actor fails fatally. A fatal failure cancels all other
// actors and is returned.
func (a *App) Run(ctx context.Context) error {
	if !a.started.CompareAndSwap(false, true) {
		return fmt.Errorf("app: %w", actor.ErrAlreadyStarted)
	}
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, act := range a.actors {
		g.Go(func() error {
			if err := act.Run(gctx); err != nil {
				return fmt.Errorf("app: actor %s: %w", act.Name(), err)
			}
			return nil
		})
	}
	if a.cfg.Playback.Autoplay {
		a.Play()
	}

	err := g.Wait()
	if err == nil {
		var e *actor.Error
		if cause := context.Cause(ctx); errors.As(cause, &e) {
			err = fmt.Errorf("app: %w", e)
		}
	}
	return err
}

// fail is called by the supervisor for fatal errors.
func (a *App) fail(e *actor.Error) {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel(e)
	}
}

// Shutdown stops the actors in reverse start order, waiting for each to
// finish its cleanup. It is safe to call more than once; only the first call
// has effect.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		if !a.started.Load() {
			err = a.closeUnstarted()
			return
		}
		for i := len(a.actors) - 1; i >= 0; i-- {
			act := a.actors[i]
			act.Stop()
			select {
			case <-act.Done():
			case <-ctx.Done():
				err = fmt.Errorf("app: stop %s: %w", act.Name(), ctx.Err())
				return
			}
		}
		if a.audio == nil {
			// Never opened, but the App owns it.
			err = a.sink.Close()
		}
		a.sup.log.Info("app: shutdown complete", "errors", a.sup.Errors())
	})
	return err
}

func (a *App) closeUnstarted() error {
	for _, act := range a.actors {
		act.Stop()
	}
	return errors.Join(a.dec.Close(), a.sink.Close())
}

// ─── Facade ──────────────────────────────────────────────────────────────────

// ID returns the session identifier.
func (a *App) ID() string { return a.id.String() }

// Info returns the stream description.
func (a *App) Info() media.Info { return a.info }

// Done is closed when playback reaches the end of the stream.
func (a *App) Done() <-chan struct{} { return a.ph.done }

// Play starts or resumes playback.
func (a *App) Play() { a.playhead.Send(&playCmd{}) }

// Pause halts playback. Frames keep being fetched up to the lookahead window.
func (a *App) Pause() { a.playhead.Send(&pauseCmd{}) }

// Seek moves the playhead to frame seq.
func (a *App) Seek(seq int64) error {
	if seq < 0 || (a.info.Frames > 0 && seq >= a.info.Frames) {
		return fmt.Errorf("app: seek to %d: %w", seq, cache.ErrInvalidSeq)
	}
	a.playhead.Send(&seekCmd{Seq: seq})
	return nil
}

// SetSpeed changes the playback speed. Negative values play backwards;
// magnitudes below [audio.MinSpeed] are clamped.
func (a *App) SetSpeed(s float64) error {
	if s == 0 || math.IsNaN(s) || math.IsInf(s, 0) {
		return fmt.Errorf("app: %w: %v", audio.ErrInvalidSpeed, s)
	}
	a.playhead.Send(&engine.SetSpeed{Speed: s})
	return nil
}

// Prefetch asks the cache to load the block starting at base.
func (a *App) Prefetch(base int64) error {
	if !media.IsAligned(base) {
		return fmt.Errorf("app: prefetch %d: %w", base, cache.ErrMisaligned)
	}
	a.cache.Send(&engine.PrefetchRequest{BaseSeq: base})
	return nil
}

// Frame borrows frame seq from the cache. The caller must call Recycle on the
// result exactly once. If ctx ends first, the frame is returned to the cache
// as soon as it arrives.
func (a *App) Frame(ctx context.Context, seq int64) (*engine.CachedFrame, error) {
	if seq < 0 {
		return nil, fmt.Errorf("app: frame %d: %w", seq, cache.ErrInvalidSeq)
	}
	inbox := actor.NewInbox(1)
	a.cache.Send(&engine.FrameRequest{Seq: seq, Lend: 1, ReplyTo: inbox})

	select {
	case msg := <-inbox.C():
		return msg.(*engine.CachedFrame), nil
	case <-a.cache.Done():
		return nil, fmt.Errorf("app: frame %d: %w", seq, actor.ErrStopped)
	case <-ctx.Done():
		go reclaim(inbox, a.cache.Done())
		return nil, ctx.Err()
	}
}

// reclaim returns a frame that arrived after its requester gave up.
func reclaim(inbox *actor.Inbox, stopped <-chan struct{}) {
	select {
	case msg := <-inbox.C():
		if f, ok := msg.(*engine.CachedFrame); ok {
			f.Recycle()
		}
	case <-stopped:
	}
}

// Stats returns a snapshot of the frame cache.
func (a *App) Stats(ctx context.Context) (*engine.CacheStats, error) {
	msg, err := ask(ctx, a.cache, func(r actor.Receiver) actor.Message {
		return &engine.StatsRequest{ReplyTo: r}
	})
	if err != nil {
		return nil, err
	}
	return msg.(*engine.CacheStats), nil
}

// Position returns the frame currently on screen.
func (a *App) Position(ctx context.Context) (*engine.CurrentFrame, error) {
	msg, err := ask(ctx, a.video, func(r actor.Receiver) actor.Message {
		return &engine.CurrentFrameRequest{ReplyTo: r}
	})
	if err != nil {
		return nil, err
	}
	return msg.(*engine.CurrentFrame), nil
}

// Transport returns the playhead state.
func (a *App) Transport(ctx context.Context) (*PlayheadStatus, error) {
	msg, err := ask(ctx, a.playhead, func(r actor.Receiver) actor.Message {
		return &playheadStatusRequest{ReplyTo: r}
	})
	if err != nil {
		return nil, err
	}
	return msg.(*PlayheadStatus), nil
}

// Live reports an error once any actor has exited.
func (a *App) Live(context.Context) error {
	for _, act := range a.actors {
		select {
		case <-act.Done():
			return fmt.Errorf("app: actor %s: %w", act.Name(), actor.ErrStopped)
		default:
		}
	}
	return nil
}

// Ready reports nil once the engine is running and the decoder answered.
func (a *App) Ready(ctx context.Context) error {
	if !a.started.Load() {
		return errors.New("app: not started")
	}
	if err := a.Live(ctx); err != nil {
		return err
	}
	if st := a.breaker.State(); st != resilience.StateClosed {
		return fmt.Errorf("app: decoder circuit %s", st)
	}
	_, err := ask(ctx, a.fetcher, func(r actor.Receiver) actor.Message {
		return &engine.MediaInfoRequest{ReplyTo: r}
	})
	return err
}

// Status is the /statusz document.
type Status struct {
	Session   string               `json:"session"`
	Media     MediaStatus          `json:"media"`
	Transport *PlayheadStatus      `json:"transport"`
	Screen    *engine.CurrentFrame `json:"screen"`
	Cache     *engine.CacheStats   `json:"cache"`
	Decoder   string               `json:"decoder_circuit"`
	Errors    int64                `json:"errors"`
	LastError string               `json:"last_error,omitempty"`
}

// MediaStatus describes the stream in [Status].
type MediaStatus struct {
	FrameRate  float64 `json:"frame_rate"`
	Frames     int64   `json:"frames"`
	Duration   string  `json:"duration"`
	SampleRate int     `json:"sample_rate"`
	Channels   int     `json:"channels"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
}

// Status collects a snapshot from every actor.
func (a *App) Status(ctx context.Context) (any, error) {
	st := &Status{
		Session: a.ID(),
		Media: MediaStatus{
			FrameRate:  a.info.Video.FrameRate,
			Frames:     a.info.Frames,
			Duration:   a.info.Duration.String(),
			SampleRate: a.info.Audio.SampleRate,
			Channels:   a.info.Audio.Channels,
			Width:      a.info.Video.Width,
			Height:     a.info.Video.Height,
		},
		Decoder: a.breaker.State().String(),
		Errors:  a.sup.Errors(),
	}
	if e := a.sup.Last(); e != nil {
		st.LastError = e.Error()
	}

	var err error
	if st.Transport, err = a.Transport(ctx); err != nil {
		return nil, err
	}
	if st.Screen, err = a.Position(ctx); err != nil {
		return nil, err
	}
	if st.Cache, err = a.Stats(ctx); err != nil {
		return nil, err
	}
	return st, nil
}

// ask sends the message built around a fresh reply inbox to dst and waits
// for one reply.
func ask(ctx context.Context, dst *actor.Actor, build func(reply actor.Receiver) actor.Message) (actor.Message, error) {
	inbox := actor.NewInbox(1)
	dst.Send(build(inbox))
	select {
	case msg := <-inbox.C():
		return msg, nil
	case <-dst.Done():
		return nil, fmt.Errorf("app: %s: %w", dst.Name(), actor.ErrStopped)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
