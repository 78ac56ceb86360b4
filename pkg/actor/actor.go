// Package actor is a small message-passing runtime. Each [Actor] owns a
// private, unbounded, priority-ordered mailbox and a single goroutine that
// feeds messages to a [Handler] one at a time.
//
// Handler state is touched only from that goroutine, so components built on
// actors need no locks of their own. All coordination happens through
// [Actor.Send], which never blocks.
//
// Lifecycle hooks are optional and discovered by interface assertion:
//
//   - [Initializer] runs once before anything else.
//   - [Idler] runs whenever the mailbox is empty, at least once per max wait.
//   - [Destructor] runs exactly once when the actor exits, even after a panic.
//
// Errors returned by hooks are wrapped in [*Error] and forwarded to the error
// handler configured with [WithErrorHandler]. Errors marked with [Fatal],
// recovered panics and Init failures stop the actor; all others are reported
// and processing continues. The runtime never retries.
package actor

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Message is the unit of communication between actors. Kind names the
// message type for logs, metrics and error reports.
type Message interface {
	Kind() string
}

// Priority orders pending messages. Higher values are dequeued first.
type Priority int

const (
	PriorityLow  Priority = -1
	PriorityNorm Priority = 0
	PriorityHigh Priority = 1
)

// Prioritized is implemented by messages that always travel at a fixed
// priority. [Actor.Send] honours it.
type Prioritized interface {
	Priority() Priority
}

// Handler processes one message. It is called from the actor's goroutine only.
// Messages the handler does not understand should be answered with
// [Unhandled].
type Handler interface {
	Act(ctx context.Context, msg Message) error
}

// HandlerFunc adapts a function to [Handler].
type HandlerFunc func(ctx context.Context, msg Message) error

// Act implements [Handler].
func (f HandlerFunc) Act(ctx context.Context, msg Message) error { return f(ctx, msg) }

// Initializer is implemented by handlers that need setup on the actor's own
// goroutine before the first message.
type Initializer interface {
	Init(ctx context.Context) error
}

// Idler is implemented by handlers that do periodic work while the mailbox is
// empty.
type Idler interface {
	Idle(ctx context.Context) error
}

// Destructor is implemented by handlers that own resources.
type Destructor interface {
	Destruct()
}

// Observer is called after every processed message with the time spent in
// [Handler.Act].
type Observer func(actor string, msg Message, elapsed time.Duration)

// Option configures an [Actor] during construction.
type Option func(*Actor)

// WithErrorHandler sets the receiver of [*Error] reports. Without one,
// errors are logged at error level.
func WithErrorHandler(r Receiver) Option {
	return func(a *Actor) {
		a.errs = r
	}
}

// WithMaxWait sets the longest time the actor sleeps between idle calls.
// A value <= 0 disables the timeout so Idle only runs after a message was
// processed.
func WithMaxWait(d time.Duration) Option {
	return func(a *Actor) {
		a.maxWait = d
	}
}

// WithLogger overrides the logger. The actor name is added as an attribute.
func WithLogger(l *slog.Logger) Option {
	return func(a *Actor) {
		if l != nil {
			a.log = l.With("actor", a.name)
		}
	}
}

// WithObserver installs a per-message callback, typically used for metrics.
func WithObserver(o Observer) Option {
	return func(a *Actor) {
		a.observe = o
	}
}

// Actor runs a [Handler] on its own goroutine.
//
// All exported methods are safe for concurrent use.
type Actor struct {
	name    string
	handler Handler
	log     *slog.Logger
	errs    Receiver
	maxWait time.Duration
	observe Observer

	mu     sync.Mutex
	box    mailbox
	seq    uint64 // monotonic counter for FIFO ordering
	notify chan struct{}

	started  atomic.Bool
	closed   atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	err      error // valid after done is closed
}

// Compile-time interface assertion.
var _ Receiver = (*Actor)(nil)

// New creates an actor named name. The actor does nothing until [Actor.Run]
// or [Actor.Start] is called.
func New(name string, h Handler, opts ...Option) *Actor {
	a := &Actor{
		name:    name,
		handler: h,
		log:     slog.Default().With("actor", name),
		notify:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Name returns the actor's name.
func (a *Actor) Name() string { return a.name }

// Send enqueues msg at the priority declared by [Prioritized], or
// [PriorityNorm].
func (a *Actor) Send(msg Message) {
	p := PriorityNorm
	if pm, ok := msg.(Prioritized); ok {
		p = pm.Priority()
	}
	a.SendPriority(msg, p)
}

// SendPriority enqueues msg at priority p. Messages sent after the actor
// stopped are dropped.
func (a *Actor) SendPriority(msg Message, p Priority) {
	if msg == nil {
		return
	}
	if a.closed.Load() {
		a.log.Debug("actor: message dropped after stop", "kind", msg.Kind())
		return
	}

	a.mu.Lock()
	a.seq++
	heap.Push(&a.box, envelope{msg: msg, priority: p, seq: a.seq})
	a.mu.Unlock()

	select {
	case a.notify <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued messages.
func (a *Actor) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.box.Len()
}

// Stop requests an orderly shutdown. The message being processed, if any,
// completes; queued messages are discarded. Stop is idempotent and does not
// wait; use [Actor.Wait] for that.
func (a *Actor) Stop() {
	a.stopOnce.Do(func() {
		a.closed.Store(true)
		close(a.stop)
	})
}

// Done returns a channel closed once the actor has exited and Destruct ran.
func (a *Actor) Done() <-chan struct{} { return a.done }

// Wait blocks until the actor exits and returns its terminal error.
func (a *Actor) Wait() error {
	<-a.done
	return a.err
}

// Start runs the actor on a new goroutine.
func (a *Actor) Start(ctx context.Context) {
	go func() {
		_ = a.Run(ctx)
	}()
}

// Run processes messages until [Actor.Stop] is called, ctx is cancelled or a
// hook fails fatally. It returns nil on orderly shutdown and the fatal cause
// otherwise. An actor can run only once.
func (a *Actor) Run(ctx context.Context) (err error) {
	if !a.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer close(a.done)
	defer func() { a.err = err }()
	defer a.closed.Store(true)
	defer a.destruct()

	ctx = context.WithValue(ctx, ctxKey{}, a)

	if in, ok := a.handler.(Initializer); ok {
		if err := a.hook(ctx, "init", nil, in.Init); err != nil {
			return err
		}
	}

	idler, _ := a.handler.(Idler)

	var timer *time.Timer
	if a.maxWait > 0 {
		timer = time.NewTimer(a.maxWait)
		defer timer.Stop()
	}

	for {
		select {
		case <-a.stop:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		if env, ok := a.dequeue(); ok {
			msg := env.msg
			start := time.Now()
			err := a.hook(ctx, "act", msg, func(ctx context.Context) error {
				return a.handler.Act(ctx, msg)
			})
			if a.observe != nil {
				a.observe(a.name, msg, time.Since(start))
			}
			if err != nil {
				return err
			}
			continue
		}

		if idler != nil {
			if err := a.hook(ctx, "idle", nil, idler.Idle); err != nil {
				return err
			}
		}

		var tick <-chan time.Time
		if timer != nil {
			timer.Reset(a.maxWait)
			tick = timer.C
		}
		select {
		case <-a.notify:
		case <-tick:
		case <-a.stop:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func (a *Actor) dequeue() (envelope, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.box.next()
}

// hook invokes fn with panic recovery. A non-nil return means the actor must
// stop with that error; non-fatal failures are reported and swallowed.
func (a *Actor) hook(ctx context.Context, name string, msg Message, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
		if err == nil {
			return
		}
		fatal := name == "init" || IsFatal(err)
		a.report(name, msg, err, fatal)
		if !fatal {
			err = nil
		}
	}()
	return fn(ctx)
}

func (a *Actor) report(hook string, msg Message, cause error, fatal bool) {
	e := &Error{
		ID:      uuid.New(),
		Origin:  a.name,
		Hook:    hook,
		Message: fmt.Sprintf("%s: %v", hook, cause),
		Cause:   cause,
		Fatal:   fatal,
		Time:    time.Now(),
	}
	if msg != nil {
		e.MessageKind = msg.Kind()
	}

	var p *PanicError
	if errors.As(cause, &p) {
		a.log.Error("actor: recovered panic", "hook", hook, "panic", p.Value, "stack", string(p.Stack))
	}

	if a.errs == nil {
		a.log.Error("actor: hook failed",
			"hook", hook, "kind", e.MessageKind, "fatal", fatal, "err", cause)
		return
	}
	a.log.Debug("actor: forwarding error", "id", e.ID, "hook", hook, "fatal", fatal)
	a.errs.Send(e)
}

func (a *Actor) destruct() {
	d, ok := a.handler.(Destructor)
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("actor: destruct panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	d.Destruct()
}

type ctxKey struct{}

// FromContext returns the actor whose hook is running with ctx, or nil. A
// handler uses it to stop itself.
func FromContext(ctx context.Context) *Actor {
	a, _ := ctx.Value(ctxKey{}).(*Actor)
	return a
}
