// ABOUTME: Recording input that stages externally sampled telemetry in a buffer
// ABOUTME: The tick either drains pushed data or pulls it through a callback
package engine

import (
	"sync"

	"github.com/ossrs/go-oryx-lib/errors"
	"github.com/ossrs/go-oryx-lib/logger"

	"github.com/harper/motion-cue-streamer/internal/domain/buffer"
	"github.com/harper/motion-cue-streamer/internal/domain/fault"
	"github.com/harper/motion-cue-streamer/internal/domain/filter"
	"github.com/harper/motion-cue-streamer/internal/domain/format"
)

// InputFunc fills p with frames in the input's stream format and returns
// the bytes produced. Returning 0 starves the tick.
type InputFunc func(p []byte) int

type Input struct {
	ctx *Context

	mu      sync.Mutex
	format  format.Format
	buf     *buffer.Buffer
	filter  filter.Node
	chain   *filter.Group
	mask    format.Mask
	fn      InputFunc
	running bool
	pull    []byte
	staged  []byte
	vals    []float64
}

// NewInput creates an input producing f. A nil buf allocates a one
// second streaming buffer in f.
func NewInput(c *Context, f format.Format, buf *buffer.Buffer) (*Input, error) {
	if c == nil {
		return nil, errors.Wrapf(fault.ConfigurationError, "input needs a context")
	}
	if err := f.Validate(); err != nil {
		return nil, errors.Wrapf(err, "input format")
	}
	if buf == nil {
		b, err := buffer.New(f, f.SampleRate, 1, buffer.Streaming())
		if err != nil {
			return nil, err
		}
		buf = b
	} else {
		if buf.Format() != f {
			return nil, errors.Wrapf(fault.ConfigurationError, "input %v into buffer %v needs a filter", f, buf.Format())
		}
		buf.Retain()
	}
	return &Input{
		ctx:    c,
		format: f,
		buf:    buf,
		mask:   format.DefaultMask(buf.Format().Channels),
	}, nil
}

// Start joins the context's mix. With fn the tick pulls data through it,
// otherwise it drains what SendStream queued.
func (in *Input) Start(fn InputFunc) error {
	in.mu.Lock()
	if rate := in.buf.Format().SampleRate; rate != in.ctx.master.Format().SampleRate {
		in.mu.Unlock()
		return errors.Wrapf(fault.ConfigurationError, "input rate %v does not match master %v", rate, in.ctx.master.Format().SampleRate)
	}
	in.fn = fn
	in.running = true
	in.mu.Unlock()

	in.ctx.addInput(in)
	logger.Tf(in.ctx.logCtx, "Input started, format=%v, pull=%v", in.format, fn != nil)
	return nil
}

// Stop leaves the mix. Stopping a stopped input does nothing.
func (in *Input) Stop() {
	in.mu.Lock()
	if !in.running {
		in.mu.Unlock()
		return
	}
	in.running = false
	in.fn = nil
	in.mu.Unlock()

	in.ctx.removeInput(in)
}

func (in *Input) Running() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.running
}

// SendStream filters data and enqueues it into the bound buffer. A full
// strict buffer returns Overflow with the tail dropped.
func (in *Input) SendStream(data []byte) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.stage(data)
}

// stage must be called with mu held.
func (in *Input) stage(data []byte) error {
	ba := in.format.BlockAlign()
	if len(data)%ba != 0 {
		return errors.Wrapf(fault.ConfigurationError, "stream of %v bytes is not whole %v samples", len(data), in.format)
	}
	if in.chain != nil {
		out, err := in.chain.Process(data)
		if err != nil {
			return errors.Wrapf(err, "input filter")
		}
		data = out
	}
	if _, err := in.buf.Enqueue(data); err != nil {
		return errors.Wrapf(err, "input enqueue")
	}
	return nil
}

// SetFilter binds a filter from the stream format to the buffer format.
// A failed build keeps the previous filter.
func (in *Input) SetFilter(node filter.Node) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if node == nil {
		if in.format != in.buf.Format() {
			return errors.Wrapf(fault.ConfigurationError, "input %v into buffer %v needs a filter", in.format, in.buf.Format())
		}
		in.filter, in.chain = nil, nil
		return nil
	}
	g, err := in.build(node, in.buf.Format())
	if err != nil {
		return err
	}
	in.filter, in.chain = node, g
	return nil
}

func (in *Input) build(node filter.Node, dst format.Format) (*filter.Group, error) {
	g := filter.NewGroup(node)
	f := in.format
	if _, err := g.Build(&f, dst); err != nil {
		return nil, errors.Wrapf(err, "input filter")
	}
	if f.Channels != dst.Channels || f.Element != dst.Element {
		return nil, errors.Wrapf(fault.ConfigurationError, "input filter yields %v, buffer holds %v", f, dst)
	}
	return g, nil
}

// SetBuffer rebinds the recording target. The filter, if any, is rebuilt
// for the new buffer first.
func (in *Input) SetBuffer(buf *buffer.Buffer) error {
	if buf == nil || buf.Released() {
		return errors.Wrapf(fault.ConfigurationError, "set released buffer")
	}
	in.mu.Lock()
	defer in.mu.Unlock()

	var g *filter.Group
	if in.filter != nil {
		var err error
		if g, err = in.build(in.filter, buf.Format()); err != nil {
			return err
		}
	} else if buf.Format() != in.format {
		return errors.Wrapf(fault.ConfigurationError, "input %v into buffer %v needs a filter", in.format, buf.Format())
	}
	old := in.buf
	in.buf = buf.Retain()
	in.chain = g
	in.mask = format.DefaultMask(buf.Format().Channels)
	old.Release()
	return nil
}

func (in *Input) Buffer() *buffer.Buffer {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.buf
}

// SetMask declares the DOF carried by each buffer channel.
func (in *Input) SetMask(m format.Mask) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	ch := in.buf.Format().Channels
	if m == 0 {
		m = format.DefaultMask(ch)
	}
	if m.Count() != ch {
		return errors.Wrapf(fault.ConfigurationError, "mask %08b does not fit %v channels", m, ch)
	}
	in.mask = m
	return nil
}

// Destroy stops the input and drops its buffer reference.
func (in *Input) Destroy() {
	in.Stop()
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.buf != nil {
		in.buf.Release()
		in.buf = nil
	}
}

// mix adds up to n staged frames into acc. The pull callback runs without
// the input lock held.
func (in *Input) mix(acc []float64, n int, master format.Format, mmask format.Mask) bool {
	in.mu.Lock()
	if !in.running {
		in.mu.Unlock()
		return false
	}
	fn := in.fn
	size := n * in.format.BlockAlign()
	if cap(in.pull) < size {
		in.pull = make([]byte, size)
	}
	pull := in.pull[:size]
	in.mu.Unlock()

	if fn != nil {
		k := fn(pull)
		if k <= 0 {
			return false
		}
		if k > size {
			k = size
		}
		in.mu.Lock()
		err := in.stage(pull[:in.format.Align(k)])
		in.mu.Unlock()
		if err != nil && !fault.Is(err, fault.Overflow) {
			logger.Wf(in.ctx.logCtx, "Input pull: %v", err)
			return false
		}
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	bf := in.buf.Format()
	if cap(in.staged) < n*bf.BlockAlign() {
		in.staged = make([]byte, n*bf.BlockAlign())
	}
	staged := in.staged[:n*bf.BlockAlign()]
	k, _ := in.buf.Dequeue(staged)
	if k == 0 {
		return false
	}
	in.vals = bf.Decode(staged[:k], in.vals)
	gain := master.Element.Max() / bf.Element.Max()
	mixFrames(acc, in.vals, bf.Channels, in.mask, master.Channels, mmask, gain)
	return true
}
