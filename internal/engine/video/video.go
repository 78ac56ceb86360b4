// Package video implements the video presentation actor. It holds exactly
// one lent frame, the one on screen, and returns the previous frame to the
// cache whenever a new one is presented.
package video

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MrWong99/seekplay/internal/engine"
	"github.com/MrWong99/seekplay/internal/observe"
	"github.com/MrWong99/seekplay/pkg/actor"
	"github.com/MrWong99/seekplay/pkg/media"
)

// Screen displays decoded pictures. Present is called on the renderer's
// goroutine and must not retain f after returning.
type Screen interface {
	Present(seq int64, f *media.Frame) error
}

// ScreenFunc adapts a function to [Screen].
type ScreenFunc func(seq int64, f *media.Frame) error

// Present implements [Screen].
func (fn ScreenFunc) Present(seq int64, f *media.Frame) error { return fn(seq, f) }

// Option configures a [Renderer].
type Option func(*Renderer)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Renderer) {
		r.metrics = m
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Renderer) {
		r.log = l
	}
}

// Renderer is the video [actor.Handler].
type Renderer struct {
	screen    Screen
	metrics   *observe.Metrics
	log       *slog.Logger
	current   *engine.CachedFrame
	presented int64
}

// New returns a renderer drawing on screen. A nil screen only tracks the
// current frame.
func New(screen Screen, opts ...Option) *Renderer {
	r := &Renderer{screen: screen, log: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Act implements [actor.Handler].
func (r *Renderer) Act(ctx context.Context, msg actor.Message) error {
	switch m := msg.(type) {
	case *engine.CachedFrame:
		return r.present(ctx, m)
	case *engine.CurrentFrameRequest:
		if m.ReplyTo != nil {
			m.ReplyTo.Send(r.Current())
		}
		return nil
	default:
		return actor.Unhandled(msg)
	}
}

func (r *Renderer) present(ctx context.Context, f *engine.CachedFrame) error {
	if f.EndOfMedia() {
		f.Recycle()
		return nil
	}
	if r.current != nil {
		r.current.Recycle()
	}
	r.current = f
	r.presented++
	r.metrics.FramesPresented.Add(ctx, 1)

	if r.screen == nil {
		return nil
	}
	if err := r.screen.Present(f.Seq, f.Frame); err != nil {
		return fmt.Errorf("video: present frame %d: %w", f.Seq, err)
	}
	return nil
}

// Current describes the frame on screen.
func (r *Renderer) Current() *engine.CurrentFrame {
	c := &engine.CurrentFrame{Seq: -1, Presented: r.presented}
	if r.current != nil {
		c.Seq = r.current.Seq
		c.Timestamp = r.current.Frame.Timestamp
	}
	return c
}

// Destruct implements [actor.Destructor].
func (r *Renderer) Destruct() {
	if r.current != nil {
		r.log.Debug("video: releasing frame on screen", "seq", r.current.Seq)
		r.current.Recycle()
		r.current = nil
	}
}
