package actor

import (
	"context"
	"log/slog"
)

// Receiver is anything that accepts messages without blocking. [*Actor]
// implements it; so do [Inbox] and [ReceiverFunc]. Reply destinations in
// request messages are plain Receivers.
type Receiver interface {
	Send(msg Message)
}

// ReceiverFunc adapts a function to [Receiver]. The function is invoked on the
// sender's goroutine and must not block.
type ReceiverFunc func(msg Message)

// Send implements [Receiver].
func (f ReceiverFunc) Send(msg Message) { f(msg) }

// Inbox is a channel-backed [Receiver] for code that is not an actor but needs
// to wait for a reply, e.g. a facade method that blocks until the frame cache
// answers.
//
// Send never blocks: when the buffer is full the message is dropped and a
// warning is logged, so size the buffer for the number of replies expected.
type Inbox struct {
	ch chan Message
}

// NewInbox creates an Inbox buffering up to size messages. A size below one
// is raised to one.
func NewInbox(size int) *Inbox {
	if size < 1 {
		size = 1
	}
	return &Inbox{ch: make(chan Message, size)}
}

// Send implements [Receiver].
func (i *Inbox) Send(msg Message) {
	select {
	case i.ch <- msg:
	default:
		slog.Warn("actor: inbox full, message dropped", "kind", msg.Kind())
	}
}

// Receive blocks until a message arrives or ctx is done.
func (i *Inbox) Receive(ctx context.Context) (Message, error) {
	select {
	case msg := <-i.ch:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// C exposes the underlying channel for use in select statements.
func (i *Inbox) C() <-chan Message { return i.ch }
