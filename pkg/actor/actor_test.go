package actor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============== test messages ==============

type textMsg struct{ text string }

func (m *textMsg) Kind() string { return "text" }

type urgentMsg struct{ text string }

func (m *urgentMsg) Kind() string { return "urgent" }
func (m *urgentMsg) Priority() Priority { return PriorityHigh }

type failMsg struct{ err error }

func (m *failMsg) Kind() string { return "fail" }

type panicMsg struct{}

func (m *panicMsg) Kind() string { return "panic" }

type stopMsg struct{}

func (m *stopMsg) Kind() string { return "stop" }

type unknownMsg struct{}

func (m *unknownMsg) Kind() string { return "unknown" }

// ============== test handler ==============

type recorder struct {
	mu       sync.Mutex
	seen     []string
	initErr  error
	inits    atomic.Int32
	idles    atomic.Int32
	destruct atomic.Int32
}

func (r *recorder) Init(context.Context) error {
	r.inits.Add(1)
	return r.initErr
}

func (r *recorder) Idle(context.Context) error {
	r.idles.Add(1)
	return nil
}

func (r *recorder) Destruct() { r.destruct.Add(1) }

func (r *recorder) Act(ctx context.Context, msg Message) error {
	switch m := msg.(type) {
	case *textMsg:
		r.record(m.text)
	case *urgentMsg:
		r.record(m.text)
	case *failMsg:
		return m.err
	case *panicMsg:
		panic("boom")
	case *stopMsg:
		FromContext(ctx).Stop()
	default:
		return Unhandled(msg)
	}
	return nil
}

func (r *recorder) record(s string) {
	r.mu.Lock()
	r.seen = append(r.seen, s)
	r.mu.Unlock()
}

func (r *recorder) Seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func runActor(t *testing.T, a *Actor) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		<-a.Done()
	})
	a.Start(ctx)
}

// ============== tests ==============

func TestActor_PriorityBeforeFIFO(t *testing.T) {
	t.Parallel()

	r := &recorder{}
	a := New("prio", r)

	// Queued before the actor starts so the dequeue order is deterministic.
	a.Send(&textMsg{text: "n1"})
	a.Send(&textMsg{text: "n2"})
	a.SendPriority(&textMsg{text: "low"}, PriorityLow)
	a.Send(&urgentMsg{text: "u1"})
	a.Send(&textMsg{text: "n3"})
	a.Send(&urgentMsg{text: "u2"})
	a.Send(&stopMsg{})
	require.Equal(t, 7, a.Pending())

	require.NoError(t, a.Run(context.Background()))

	assert.Equal(t, []string{"u1", "u2", "n1", "n2", "n3"}, r.Seen())
	assert.Equal(t, int32(1), r.destruct.Load())
}

func TestActor_InitBeforeMessagesDestructOnce(t *testing.T) {
	t.Parallel()

	r := &recorder{}
	a := New("life", r)
	runActor(t, a)

	a.Send(&textMsg{text: "a"})
	require.Eventually(t, func() bool { return len(r.Seen()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), r.inits.Load())

	a.Stop()
	a.Stop()
	require.NoError(t, a.Wait())
	assert.Equal(t, int32(1), r.destruct.Load())
}

func TestActor_IdleFiresWhileEmpty(t *testing.T) {
	t.Parallel()

	r := &recorder{}
	a := New("idle", r, WithMaxWait(5*time.Millisecond))
	runActor(t, a)

	require.Eventually(t, func() bool { return r.idles.Load() >= 3 }, time.Second, time.Millisecond)
}

func TestActor_IdleWithoutTimeoutRunsAfterMessages(t *testing.T) {
	t.Parallel()

	r := &recorder{}
	a := New("idle-nowait", r)
	runActor(t, a)

	require.Eventually(t, func() bool { return r.idles.Load() == 1 }, time.Second, time.Millisecond)
	a.Send(&textMsg{text: "x"})
	require.Eventually(t, func() bool { return r.idles.Load() >= 2 }, time.Second, time.Millisecond)
}

func TestActor_NonFatalErrorIsForwardedAndActorContinues(t *testing.T) {
	t.Parallel()

	errs := NewInbox(4)
	r := &recorder{}
	a := New("soft", r, WithErrorHandler(errs))
	runActor(t, a)

	cause := errors.New("decoder hiccup")
	a.Send(&failMsg{err: cause})
	a.Send(&textMsg{text: "after"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := errs.Receive(ctx)
	require.NoError(t, err)

	var ae *Error
	require.ErrorAs(t, msg.(error), &ae)
	assert.Equal(t, "soft", ae.Origin)
	assert.Equal(t, "act", ae.Hook)
	assert.Equal(t, "fail", ae.MessageKind)
	assert.False(t, ae.Fatal)
	assert.ErrorIs(t, ae, cause)
	assert.NotEqual(t, [16]byte{}, [16]byte(ae.ID))

	require.Eventually(t, func() bool { return len(r.Seen()) == 1 }, time.Second, time.Millisecond)
	select {
	case <-a.Done():
		t.Fatal("actor stopped after a non-fatal error")
	default:
	}
}

func TestActor_FatalErrorStops(t *testing.T) {
	t.Parallel()

	errs := NewInbox(4)
	r := &recorder{}
	a := New("hard", r, WithErrorHandler(errs))

	cause := errors.New("block in impossible state")
	a.Send(&failMsg{err: Fatal(cause)})
	a.Send(&textMsg{text: "never"})

	err := a.Run(context.Background())
	require.ErrorIs(t, err, cause)
	assert.True(t, IsFatal(err))
	assert.Empty(t, r.Seen())
	assert.Equal(t, int32(1), r.destruct.Load())

	msg := <-errs.C()
	ae := msg.(*Error)
	assert.True(t, ae.Fatal)
}

func TestActor_PanicIsFatalAndDestructRuns(t *testing.T) {
	t.Parallel()

	errs := NewInbox(4)
	r := &recorder{}
	a := New("panicky", r, WithErrorHandler(errs))
	a.Send(&panicMsg{})

	err := a.Run(context.Background())
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "boom", pe.Value)
	assert.NotEmpty(t, pe.Stack)
	assert.Equal(t, int32(1), r.destruct.Load())

	ae := (<-errs.C()).(*Error)
	assert.True(t, ae.Fatal)
	assert.Equal(t, "panic", ae.MessageKind)
}

func TestActor_UnknownMessageIsReported(t *testing.T) {
	t.Parallel()

	errs := NewInbox(4)
	a := New("strict", &recorder{}, WithErrorHandler(errs))
	runActor(t, a)

	a.Send(&unknownMsg{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := errs.Receive(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, msg.(*Error), ErrUnknownMessage)
}

func TestActor_InitFailureIsFatal(t *testing.T) {
	t.Parallel()

	errs := NewInbox(4)
	r := &recorder{initErr: errors.New("sink unavailable")}
	a := New("init", r, WithErrorHandler(errs))
	a.Send(&textMsg{text: "x"})

	err := a.Run(context.Background())
	require.Error(t, err)
	assert.Empty(t, r.Seen())
	assert.Equal(t, int32(1), r.destruct.Load())

	ae := (<-errs.C()).(*Error)
	assert.Equal(t, "init", ae.Hook)
	assert.True(t, ae.Fatal)
}

func TestActor_RunOnce(t *testing.T) {
	t.Parallel()

	a := New("once", &recorder{})
	a.Stop()
	require.NoError(t, a.Run(context.Background()))
	assert.ErrorIs(t, a.Run(context.Background()), ErrAlreadyStarted)
}

func TestActor_SendAfterStopIsDropped(t *testing.T) {
	t.Parallel()

	a := New("late", &recorder{})
	a.Stop()
	a.Send(&textMsg{text: "x"})
	assert.Zero(t, a.Pending())
}

func TestActor_ContextCancelStops(t *testing.T) {
	t.Parallel()

	r := &recorder{}
	a := New("ctx", r, WithMaxWait(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	a.Start(ctx)
	cancel()

	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("actor did not stop on context cancellation")
	}
	assert.NoError(t, a.Wait())
	assert.Equal(t, int32(1), r.destruct.Load())
}

func TestActor_ObserverSeesEveryMessage(t *testing.T) {
	t.Parallel()

	var kinds []string
	var mu sync.Mutex
	obs := func(name string, msg Message, _ time.Duration) {
		mu.Lock()
		kinds = append(kinds, name+"/"+msg.Kind())
		mu.Unlock()
	}
	a := New("obs", &recorder{}, WithObserver(obs))
	a.Send(&textMsg{})
	a.Send(&stopMsg{})
	require.NoError(t, a.Run(context.Background()))

	assert.Equal(t, []string{"obs/text", "obs/stop"}, kinds)
}

func TestInbox_DropsWhenFull(t *testing.T) {
	t.Parallel()

	in := NewInbox(1)
	in.Send(&textMsg{text: "a"})
	in.Send(&textMsg{text: "b"})

	msg, err := in.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", msg.(*textMsg).text)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = in.Receive(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFatal(t *testing.T) {
	t.Parallel()

	assert.Nil(t, Fatal(nil))
	base := errors.New("x")
	assert.False(t, IsFatal(base))
	assert.True(t, IsFatal(Fatal(base)))
	assert.ErrorIs(t, Fatal(base), base)
}
