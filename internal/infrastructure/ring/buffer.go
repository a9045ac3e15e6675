// ABOUTME: Block-aligned circular byte ring backing motion sample buffers
// ABOUTME: Overwriting writes drop the oldest whole samples, strict writes stop when full
package ring

import "sync"

type Buffer struct {
	buf   []byte
	r     int // read position
	n     int // bytes stored
	align int
	mu    sync.Mutex
}

// New creates a ring of size bytes, rounded down to a multiple of align.
func New(size, align int) *Buffer {
	if align <= 0 {
		align = 1
	}
	size -= size % align
	if size < 0 {
		size = 0
	}
	return &Buffer{buf: make([]byte, size), align: align}
}

// Write appends whole blocks of p. With overwrite the oldest blocks are
// dropped to make room, otherwise the write stops at capacity.
func (b *Buffer) Write(p []byte, overwrite bool) (written, dropped int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p = p[:len(p)-len(p)%b.align]
	if len(b.buf) == 0 || len(p) == 0 {
		return 0, 0
	}

	if overwrite {
		if len(p) > len(b.buf) {
			// Only the newest capacity worth can survive
			skip := len(p) - len(b.buf)
			dropped += skip + b.n
			written += skip
			p = p[skip:]
			b.r, b.n = 0, 0
		}
		if over := b.n + len(p) - len(b.buf); over > 0 {
			b.r = (b.r + over) % len(b.buf)
			b.n -= over
			dropped += over
		}
	} else if space := len(b.buf) - b.n; len(p) > space {
		p = p[:space]
	}

	end := (b.r + b.n) % len(b.buf)
	right := len(b.buf) - end
	if right > len(p) {
		right = len(p)
	}
	copy(b.buf[end:end+right], p[:right])
	if right < len(p) {
		copy(b.buf[0:len(p)-right], p[right:])
	}

	b.n += len(p)
	written += len(p)
	return written, dropped
}

// Read consumes up to len(p) bytes in whole blocks.
func (b *Buffer) Read(p []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.copyOut(p, 0)
	b.advance(n)
	return n
}

// Peek copies queued data starting offset bytes past the read position
// without consuming it.
func (b *Buffer) Peek(p []byte, offset int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.copyOut(p, offset)
}

// Discard drops up to n queued bytes in whole blocks.
func (b *Buffer) Discard(n int) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n -= n % b.align
	if n > b.n {
		n = b.n
	}
	b.advance(n)
	return n
}

func (b *Buffer) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]byte, b.n)
	b.copyOut(out, 0)
	return out
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}

func (b *Buffer) Cap() int {
	return len(b.buf)
}

func (b *Buffer) Free() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf) - b.n
}

func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.r, b.n = 0, 0
}

// copyOut must be called with mu held.
func (b *Buffer) copyOut(p []byte, offset int) int {
	if offset < 0 || offset >= b.n {
		return 0
	}
	avail := b.n - offset
	n := len(p)
	if n > avail {
		n = avail
	}
	n -= n % b.align
	if n == 0 {
		return 0
	}

	head := (b.r + offset) % len(b.buf)
	right := len(b.buf) - head
	if right > n {
		right = n
	}
	copy(p[:right], b.buf[head:head+right])
	if right < n {
		copy(p[right:n], b.buf[:n-right])
	}
	return n
}

func (b *Buffer) advance(n int) {
	if n == 0 {
		return
	}
	b.r = (b.r + n) % len(b.buf)
	b.n -= n
	if b.n == 0 {
		b.r = 0
	}
}
