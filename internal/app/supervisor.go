package app

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/MrWong99/seekplay/internal/observe"
	"github.com/MrWong99/seekplay/pkg/actor"
)

// supervisor is the error handler of every engine actor. It logs and counts
// each [actor.Error] and calls onFatal for errors that stopped their origin.
type supervisor struct {
	metrics *observe.Metrics
	log     *slog.Logger // nil means slog.Default()
	onFatal func(*actor.Error)

	count atomic.Int64
	last  atomic.Pointer[actor.Error]
}

// Act implements [actor.Handler].
func (s *supervisor) Act(ctx context.Context, msg actor.Message) error {
	e, ok := msg.(*actor.Error)
	if !ok {
		return actor.Unhandled(msg)
	}

	log := s.log
	if log == nil {
		log = slog.Default()
	}
	log = log.With(
		"error_id", e.ID,
		"origin", e.Origin,
		"hook", e.Hook,
		"kind", e.MessageKind,
	)
	if e.Fatal {
		log.Error("supervisor: actor stopped", "err", e.Cause)
	} else {
		log.Warn("supervisor: actor error", "err", e.Cause)
	}

	s.metrics.RecordActorError(ctx, e.Origin, e.Fatal)
	s.count.Add(1)
	s.last.Store(e)

	if e.Fatal && s.onFatal != nil {
		s.onFatal(e)
	}
	return nil
}

// Errors returns the number of errors seen so far.
func (s *supervisor) Errors() int64 { return s.count.Load() }

// Last returns the most recent error, or nil.
func (s *supervisor) Last() *actor.Error { return s.last.Load() }
