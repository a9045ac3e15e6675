// ABOUTME: User supplied filter stage
// ABOUTME: The processor negotiates on nil data and transforms in place afterwards
package filter

import (
	"github.com/ossrs/go-oryx-lib/errors"

	"github.com/harper/motion-cue-streamer/internal/domain/fault"
	"github.com/harper/motion-cue-streamer/internal/domain/format"
)

// Processor implements both phases of a custom stage. During build data is
// nil; the processor may rewrite src to declare its output format and
// returns the volume ratio, 0 to refuse. During process data holds whole
// input samples with capacity for the output, and the processor transforms
// it in place.
type Processor func(ctx any, data []byte, src *format.Format, dst format.Format) float64

type Custom struct {
	base
	fn    Processor
	ctx   any
	ratio float64
}

func NewCustom(fn Processor, ctx any) *Custom {
	return &Custom{base: base{kind: KindCustom, params: Params{}}, fn: fn, ctx: ctx}
}

func (c *Custom) Build(src *format.Format, dst format.Format) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.built = false
	if c.fn == nil {
		return 0, errors.Wrapf(fault.ConfigurationError, "custom filter has no processor")
	}
	if err := src.Validate(); err != nil {
		return 0, errors.Wrapf(err, "build custom")
	}
	f := *src
	ratio := c.fn(c.ctx, nil, &f, dst)
	if ratio <= 0 {
		return 0, errors.Wrapf(fault.ConfigurationError, "custom filter refused %v", *src)
	}
	if err := f.Validate(); err != nil {
		return 0, errors.Wrapf(err, "custom filter output")
	}
	c.in, c.out, c.ratio, c.built = *src, f, ratio, true
	*src = f
	return ratio, nil
}

func (c *Custom) Process(data []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.built {
		return nil, notBuilt(c.kind)
	}
	data = data[:c.in.Align(len(data))]
	outLen := c.out.Align(int(float64(len(data)) * c.ratio))
	size := len(data)
	if outLen > size {
		size = outLen
	}
	buf := make([]byte, size)
	copy(buf, data)

	in := c.in
	if r := c.fn(c.ctx, buf[:len(data)], &in, c.out); r <= 0 {
		return nil, errors.Wrapf(fault.ConfigurationError, "custom filter failed")
	}
	return buf[:outLen], nil
}

func (c *Custom) Reset() {}

func (c *Custom) SetParams(p Params) error {
	if len(p) > 0 {
		return errors.Wrapf(fault.ConfigurationError, "custom filter takes no params")
	}
	return nil
}
