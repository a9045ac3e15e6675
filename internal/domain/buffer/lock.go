// ABOUTME: Lock/unlock access to buffer storage for producers and consumers
// ABOUTME: WAIT write locks take one of a fixed number of chunk slots
package buffer

import (
	"context"

	"github.com/ossrs/go-oryx-lib/errors"

	"github.com/harper/motion-cue-streamer/internal/domain/fault"
)

type LockFlag int

const (
	// LockWrite returns a writable view committed on Unlock. Without it
	// the view holds queued samples consumed on Unlock.
	LockWrite LockFlag = 0x1
	// LockDiscard drops every queued sample before locking.
	LockDiscard LockFlag = 0x2
	// LockWait blocks a write lock until a chunk slot is free. A slot is
	// freed when the chunk it committed has been fully read.
	LockWait LockFlag = 0x4
	// LockPeek keeps a read lock from consuming on Unlock.
	LockPeek LockFlag = 0x8
)

type lockState struct {
	flags LockFlag
	view  []byte
	held  bool
}

func (b *Buffer) Lock(size int, flags LockFlag) ([]byte, error) {
	return b.LockContext(context.Background(), size, flags)
}

// LockContext locks size bytes of whole samples. A size of 0 selects one
// chunk. Only one lock may be outstanding per buffer.
func (b *Buffer) LockContext(ctx context.Context, size int, flags LockFlag) ([]byte, error) {
	st := &lockState{flags: flags}

	b.mu.Lock()
	if b.ring == nil {
		b.mu.Unlock()
		return nil, errors.Wrapf(fault.ConfigurationError, "buffer released")
	}
	if b.lock != nil {
		b.mu.Unlock()
		return nil, errors.Wrapf(fault.Busy, "buffer already locked")
	}
	b.lock = st
	if flags&LockDiscard != 0 {
		b.consume(b.ring.Len())
		b.ring.Reset()
		b.segs = b.segs[:0]
	}
	b.mu.Unlock()

	if flags&LockWrite != 0 && flags&LockWait != 0 {
		select {
		case b.slots <- struct{}{}:
			st.held = true
		case <-ctx.Done():
			b.mu.Lock()
			b.lock = nil
			b.mu.Unlock()
			return nil, errors.Wrapf(fault.Busy, "wait for buffer slot: %v", ctx.Err())
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if size <= 0 {
		size = b.samples * b.format.BlockAlign()
	}
	size = b.format.Align(size)
	if limit := b.ring.Cap(); size > limit {
		size = limit
	}
	st.view = make([]byte, size)
	if flags&LockWrite == 0 {
		st.view = st.view[:b.ring.Peek(st.view, 0)]
	}
	return st.view, nil
}

// Unlock commits a write lock or consumes a read lock. A write that does
// not fit a strict buffer returns Overflow with the tail dropped.
func (b *Buffer) Unlock() error {
	b.mu.Lock()
	st := b.lock
	if st == nil {
		b.mu.Unlock()
		return errors.Wrapf(fault.ConfigurationError, "buffer not locked")
	}
	b.lock = nil
	if b.ring == nil {
		b.mu.Unlock()
		return errors.Wrapf(fault.ConfigurationError, "buffer released")
	}

	var n int
	var err error
	if st.flags&LockWrite != 0 {
		n = b.write(st.view, st.held)
		if n < len(st.view) {
			err = errors.Wrapf(fault.Overflow, "unlock %v of %v bytes", n, len(st.view))
		}
	} else if st.flags&LockPeek == 0 {
		b.consume(b.ring.Discard(len(st.view)))
	}
	b.mu.Unlock()

	if st.flags&LockWrite != 0 && n > 0 {
		b.mirror(st.view[:n])
	}
	return err
}

// Locked reports whether a lock is outstanding.
func (b *Buffer) Locked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lock != nil
}

// InFlight is the number of chunk slots held by WAIT writes.
func (b *Buffer) InFlight() int {
	return len(b.slots)
}
