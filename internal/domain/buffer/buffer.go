// ABOUTME: Reference counted fixed-format sample buffer over a block-aligned ring
// ABOUTME: Enqueue never blocks; strict buffers report Overflow, streaming ones overwrite
package buffer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ossrs/go-oryx-lib/errors"

	"github.com/harper/motion-cue-streamer/internal/domain/fault"
	"github.com/harper/motion-cue-streamer/internal/domain/format"
	"github.com/harper/motion-cue-streamer/internal/infrastructure/ring"
)

type Option func(*Buffer)

// Streaming makes enqueue overwrite the oldest unread samples when full.
func Streaming() Option {
	return func(b *Buffer) { b.streaming = true }
}

// segment is a run of queued bytes; held segments own a wait slot.
type segment struct {
	bytes int
	held  bool
}

type Buffer struct {
	format    format.Format
	samples   int // samples per chunk
	buffers   int // chunk count
	streaming bool

	mu    sync.Mutex
	ring  *ring.Buffer
	segs  []segment
	lock  *lockState
	slots chan struct{}

	mirrorsMu sync.Mutex
	mirrors   []*Buffer
	shared    atomic.Pointer[Buffer]

	refs atomic.Int32
}

// New allocates a buffer of samples x buffers samples. The chunk count
// bounds how many WAIT write locks may be outstanding.
func New(f format.Format, samples, buffers int, opts ...Option) (*Buffer, error) {
	if err := f.Validate(); err != nil {
		return nil, errors.Wrapf(err, "buffer format")
	}
	if samples <= 0 {
		return nil, errors.Wrapf(fault.ConfigurationError, "buffer samples %v", samples)
	}
	if buffers <= 0 {
		buffers = 1
	}
	b := &Buffer{
		format:  f,
		samples: samples,
		buffers: buffers,
		ring:    ring.New(samples*buffers*f.BlockAlign(), f.BlockAlign()),
		slots:   make(chan struct{}, buffers),
	}
	for _, o := range opts {
		o(b)
	}
	b.refs.Store(1)
	return b, nil
}

func (b *Buffer) Format() format.Format {
	return b.format
}

func (b *Buffer) Streaming() bool {
	return b.streaming
}

// Size is the capacity in samples.
func (b *Buffer) Size() int {
	return b.samples * b.buffers
}

// ChunkSamples is the sample count of one chunk.
func (b *Buffer) ChunkSamples() int {
	return b.samples
}

func (b *Buffer) Buffers() int {
	return b.buffers
}

// Queued is the number of unread samples.
func (b *Buffer) Queued() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ring == nil {
		return 0
	}
	return b.format.Samples(b.ring.Len())
}

// Free is the number of samples that fit before Overflow.
func (b *Buffer) Free() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ring == nil {
		return 0
	}
	return b.format.Samples(b.ring.Free())
}

// Duration is the play time of the queued samples.
func (b *Buffer) Duration() time.Duration {
	return time.Duration(b.Queued()) * time.Second / time.Duration(b.format.SampleRate)
}

// Enqueue appends whole samples of data. A strict buffer stores what fits
// and returns Overflow with the short count.
func (b *Buffer) Enqueue(data []byte) (int, error) {
	n, err := b.enqueue(data)
	if n > 0 {
		b.mirror(data[:n])
	}
	return n, err
}

func (b *Buffer) enqueue(data []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ring == nil {
		return 0, errors.Wrapf(fault.ConfigurationError, "buffer released")
	}
	data = data[:b.format.Align(len(data))]
	n := b.write(data, false)
	if n < len(data) {
		return n, errors.Wrapf(fault.Overflow, "enqueue %v of %v bytes", n, len(data))
	}
	return n, nil
}

// Dequeue reads up to len(out) bytes of whole samples. Reading fewer than
// requested returns Underflow with the short count.
func (b *Buffer) Dequeue(out []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ring == nil {
		return 0, errors.Wrapf(fault.ConfigurationError, "buffer released")
	}
	want := b.format.Align(len(out))
	n := b.ring.Read(out[:want])
	b.consume(n)
	if n < want {
		return n, errors.Wrapf(fault.Underflow, "dequeue %v of %v bytes", n, want)
	}
	return n, nil
}

// Peek copies queued samples without consuming them.
func (b *Buffer) Peek(out []byte) int {
	return b.PeekAt(out, 0)
}

// PeekAt copies queued samples starting offset bytes past the read
// position. Sources read shared buffers through it without consuming.
func (b *Buffer) PeekAt(out []byte, offset int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ring == nil {
		return 0
	}
	return b.ring.Peek(out, offset)
}

// Snapshot copies every queued sample.
func (b *Buffer) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ring == nil {
		return nil
	}
	return b.ring.Snapshot()
}

// Flush drops queued samples and frees every wait slot.
func (b *Buffer) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ring == nil {
		return
	}
	b.consume(b.ring.Len())
	b.ring.Reset()
	b.segs = b.segs[:0]
}

// write stores aligned data and tracks it as one segment. Must be called
// with mu held.
func (b *Buffer) write(data []byte, held bool) int {
	n, dropped := b.ring.Write(data, b.streaming)
	stored := n
	if skip := n - b.ring.Cap(); skip > 0 {
		// The head of data never reached the ring
		stored = b.ring.Cap()
		dropped -= skip
	}
	b.consume(dropped)
	b.push(segment{bytes: stored, held: held})
	return n
}

// push must be called with mu held.
func (b *Buffer) push(s segment) {
	if s.bytes <= 0 {
		if s.held {
			b.release()
		}
		return
	}
	if last := len(b.segs) - 1; last >= 0 && !s.held && !b.segs[last].held {
		b.segs[last].bytes += s.bytes
		return
	}
	b.segs = append(b.segs, s)
}

// consume retires n bytes from the front of the queue, releasing the wait
// slots of fully consumed segments. Must be called with mu held.
func (b *Buffer) consume(n int) {
	for n > 0 && len(b.segs) > 0 {
		s := &b.segs[0]
		if s.bytes > n {
			s.bytes -= n
			return
		}
		n -= s.bytes
		if s.held {
			b.release()
		}
		b.segs = b.segs[1:]
	}
}

func (b *Buffer) release() {
	select {
	case <-b.slots:
	default:
	}
}

// SetShared declares src as the producer of this buffer: every later
// enqueue into src is mirrored here. Nil detaches.
func (b *Buffer) SetShared(src *Buffer) error {
	if src == b {
		return errors.Wrapf(fault.ConfigurationError, "buffer cannot share itself")
	}
	if src != nil && src.format != b.format {
		return errors.Wrapf(fault.ConfigurationError, "shared format %v does not match %v", src.format, b.format)
	}
	if old := b.shared.Swap(src); old != nil {
		old.removeMirror(b)
	}
	if src != nil {
		src.mirrorsMu.Lock()
		src.mirrors = append(src.mirrors, b)
		src.mirrorsMu.Unlock()
	}
	return nil
}

// Shared returns the producer buffer, if any.
func (b *Buffer) Shared() *Buffer {
	return b.shared.Load()
}

func (b *Buffer) removeMirror(m *Buffer) {
	b.mirrorsMu.Lock()
	defer b.mirrorsMu.Unlock()
	for i, x := range b.mirrors {
		if x == m {
			b.mirrors = append(b.mirrors[:i], b.mirrors[i+1:]...)
			return
		}
	}
}

// mirror fans data out without holding this buffer's lock.
func (b *Buffer) mirror(data []byte) {
	b.mirrorsMu.Lock()
	mirrors := append([]*Buffer(nil), b.mirrors...)
	b.mirrorsMu.Unlock()

	for _, m := range mirrors {
		m.Enqueue(data)
	}
}

// Retain adds an owner.
func (b *Buffer) Retain() *Buffer {
	b.refs.Add(1)
	return b
}

// Release drops an owner and frees the storage when none remain. It
// reports whether this call freed the buffer.
func (b *Buffer) Release() bool {
	if b.refs.Add(-1) != 0 {
		return false
	}
	if src := b.shared.Swap(nil); src != nil {
		src.removeMirror(b)
	}
	b.mu.Lock()
	b.ring = nil
	b.segs = nil
	b.mu.Unlock()
	return true
}

// Refs is the current owner count.
func (b *Buffer) Refs() int {
	return int(b.refs.Load())
}

// Released reports whether the storage was freed.
func (b *Buffer) Released() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ring == nil
}
