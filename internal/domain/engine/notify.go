// ABOUTME: Source notification flags and the ordered dispatch queue
// ABOUTME: The tick goroutine posts events; one dispatcher goroutine runs callbacks
package engine

import (
	"context"
	"strings"
	"time"
)

// Flag is a notification bit.
type Flag int

const (
	// ErrorState reports a starved tick: the source was playing but had
	// no queued data.
	ErrorState    Flag = 0x1
	StartOfBuffer Flag = 0x2
	EndOfLoop     Flag = 0x4
	EndOfBuffer   Flag = 0x8
	EndOfStream   Flag = 0x10

	AllNotifications = ErrorState | StartOfBuffer | EndOfLoop | EndOfBuffer | EndOfStream
)

// Loop counts are the number of extra repetitions after the first pass.
const (
	LoopMax      = 254
	LoopInfinite = 255
)

func (f Flag) String() string {
	var parts []string
	for _, x := range []struct {
		f    Flag
		name string
	}{
		{ErrorState, "error"},
		{StartOfBuffer, "start-of-buffer"},
		{EndOfLoop, "end-of-loop"},
		{EndOfBuffer, "end-of-buffer"},
		{EndOfStream, "end-of-stream"},
	} {
		if f&x.f != 0 {
			parts = append(parts, x.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Notification describes one transition of a source.
type Notification struct {
	Flags Flag
	// LoopsRemaining is the loop count left after this transition, or
	// LoopInfinite.
	LoopsRemaining int
	// Position is the play offset inside the current buffer.
	Position time.Duration
	Source   *Source
}

type Callback func(n Notification)

type event struct {
	cb   Callback
	n    Notification
	done chan struct{}
}

const defaultEventQueue = 256

// post queues an event for the dispatcher. It blocks while the queue is
// full and gives up when the context is destroyed.
func (c *Context) post(cb Callback, n Notification) {
	if cb == nil {
		return
	}
	select {
	case c.events <- event{cb: cb, n: n}:
	case <-c.life.Done():
	}
}

// dispatch delivers events in the order they were posted until the
// context is destroyed, then drains what is left.
func (c *Context) dispatch(ctx context.Context) error {
	for {
		select {
		case ev := <-c.events:
			c.deliver(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-c.events:
					c.deliver(ev)
				default:
					return nil
				}
			}
		}
	}
}

func (c *Context) deliver(ev event) {
	if ev.done != nil {
		close(ev.done)
		return
	}
	ev.cb(ev.n)
}

// WaitIdle blocks until every notification posted before the call has
// been delivered. It must not be called from a callback.
func (c *Context) WaitIdle() {
	done := make(chan struct{})
	select {
	case c.events <- event{done: done}:
	case <-c.life.Done():
		return
	}
	select {
	case <-done:
	case <-c.life.Done():
	}
}
