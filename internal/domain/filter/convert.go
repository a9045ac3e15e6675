// ABOUTME: Format changing stages: element conversion, channel mapping and masking,
// ABOUTME: DOF mask adaptation and sample rate conversion
package filter

import (
	"github.com/ossrs/go-oryx-lib/errors"

	"github.com/harper/motion-cue-streamer/internal/domain/fault"
	"github.com/harper/motion-cue-streamer/internal/domain/format"
)

var (
	formatSpecs      = []paramSpec{{name: "element", def: 0, min: 0, max: 0xffff, scalar: true}}
	channelMapSpecs  = []paramSpec{{name: "axis", def: 0, min: 0, max: format.MaxChannels}}
	channelMaskSpecs = []paramSpec{{name: "mask", def: 0, min: 0, max: 255, scalar: true}}
	resampleSpecs    = []paramSpec{{name: "rate", def: 0, min: 0, max: format.MaxSampleRate, scalar: true}}
	adapterSpecs     = []paramSpec{
		{name: "src", def: 0, min: 0, max: 255, scalar: true},
		{name: "dst", def: 0, min: 0, max: 255, scalar: true},
	}
)

type negotiator interface {
	negotiate(src, dst format.Format, p Params) (format.Format, func(in, out []float64), error)
}

// mapper drives frame-to-frame stages whose output format differs from
// their input. The sample count is preserved.
type mapper struct {
	base
	neg    negotiator
	dst    format.Format
	fn     func(in, out []float64)
	inBuf  []float64
	outBuf []float64
}

func (m *mapper) init(kind Kind, specs []paramSpec, neg negotiator) {
	m.kind, m.specs, m.params, m.neg = kind, specs, Params{}, neg
}

func ratioOf(in, out format.Format) float64 {
	return float64(out.BlockAlign()*out.SampleRate) / float64(in.BlockAlign()*in.SampleRate)
}

func (m *mapper) Build(src *format.Format, dst format.Format) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.built = false
	if err := src.Validate(); err != nil {
		return 0, errors.Wrapf(err, "build %v", m.kind)
	}
	out, fn, err := m.neg.negotiate(*src, dst, m.params)
	if err != nil {
		return 0, errors.Wrapf(err, "build %v for %v", m.kind, *src)
	}
	if err := out.Validate(); err != nil {
		return 0, errors.Wrapf(err, "build %v output", m.kind)
	}
	m.in, m.out, m.dst, m.fn, m.built = *src, out, dst, fn, true
	*src = out
	return ratioOf(m.in, out), nil
}

func (m *mapper) Process(data []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.built {
		return nil, notBuilt(m.kind)
	}
	frames := m.in.Samples(len(data))
	ic, oc := m.in.Channels, m.out.Channels
	m.inBuf = m.in.Decode(data[:frames*m.in.BlockAlign()], m.inBuf)
	if cap(m.outBuf) < frames*oc {
		m.outBuf = make([]float64, frames*oc)
	}
	m.outBuf = m.outBuf[:frames*oc]
	for i := 0; i < frames; i++ {
		m.fn(m.inBuf[i*ic:(i+1)*ic], m.outBuf[i*oc:(i+1)*oc])
	}
	res := make([]byte, frames*m.out.BlockAlign())
	m.out.Encode(m.outBuf, res)
	return res, nil
}

func (m *mapper) Reset() {}

// SetParams re-negotiates a built stage; a change of output format is
// rejected because downstream nodes would need a rebuild.
func (m *mapper) SetParams(p Params) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(p); err != nil {
		return err
	}
	next := m.merge(p)
	if m.built {
		out, fn, err := m.neg.negotiate(m.in, m.dst, next)
		if err != nil {
			return err
		}
		if out != m.out {
			return errors.Wrapf(fault.ConfigurationError, "%v params change output to %v, rebuild required", m.kind, out)
		}
		m.fn = fn
	}
	m.params = next
	return nil
}

// scaleBetween converts full-scale values between element types.
func scaleBetween(from, to format.Element) float64 {
	return to.Max() / from.Max()
}

type formatConvert struct{ mapper }

// NewFormatConvert converts the element type. Zero selects the element of
// the destination hint.
func NewFormatConvert(target format.Element) Node {
	c := &formatConvert{}
	c.init(KindFormatConvert, formatSpecs, c)
	if target != 0 {
		c.params["element"] = []float64{float64(target)}
	}
	return c
}

func (c *formatConvert) negotiate(src, dst format.Format, p Params) (format.Format, func(in, out []float64), error) {
	out := src
	if v := p["element"]; len(v) > 0 && v[0] != 0 {
		out.Element = format.Element(v[0])
	} else if dst.Element.Valid() {
		out.Element = dst.Element
	}
	if !out.Element.Valid() {
		return src, nil, errors.Wrapf(fault.ConfigurationError, "element %v", out.Element)
	}
	k := scaleBetween(src.Element, out.Element)
	if src.Element == out.Element {
		k = 1
	}
	return out, func(in, o []float64) {
		for i, v := range in {
			o[i] = v * k
		}
	}, nil
}

type channelMap struct{ mapper }

// NewChannelMap routes 1-based input channels to each output channel;
// 0 silences an output. Nil axes map channels one to one.
func NewChannelMap(axes []int) Node {
	c := &channelMap{}
	c.init(KindChannelMap, channelMapSpecs, c)
	if len(axes) > 0 {
		v := make([]float64, len(axes))
		for i, a := range axes {
			v[i] = float64(a)
		}
		c.params["axis"] = v
	}
	return c
}

func (c *channelMap) negotiate(src, dst format.Format, p Params) (format.Format, func(in, out []float64), error) {
	axes, set := p["axis"]
	channels := dst.Channels
	if channels == 0 {
		channels = src.Channels
		if set && len(axes) > 1 {
			channels = len(axes)
		}
	}
	out := src
	out.Channels = channels

	route := make([]int, channels)
	if !set {
		for i := range route {
			if i < src.Channels {
				route[i] = i + 1
			}
		}
	} else {
		vals, err := c.resolve(p, channels)
		if err != nil {
			return src, nil, err
		}
		for i, a := range vals["axis"] {
			if int(a) > src.Channels {
				return src, nil, errors.Wrapf(fault.ConfigurationError, "axis %v beyond %v channels", a, src.Channels)
			}
			route[i] = int(a)
		}
	}
	return out, func(in, o []float64) {
		for i, a := range route {
			if a == 0 {
				o[i] = 0
			} else {
				o[i] = in[a-1]
			}
		}
	}, nil
}

type channelMask struct{ mapper }

// NewChannelMask keeps the channels selected by mask. Output channel i is
// the i-th set bit in ascending order. Zero keeps the low channels of the
// destination hint.
func NewChannelMask(mask format.Mask) Node {
	c := &channelMask{}
	c.init(KindChannelMask, channelMaskSpecs, c)
	if mask != 0 {
		c.params["mask"] = []float64{float64(mask)}
	}
	return c
}

func (c *channelMask) negotiate(src, dst format.Format, p Params) (format.Format, func(in, out []float64), error) {
	var mask format.Mask
	if v := p["mask"]; len(v) > 0 {
		mask = format.Mask(v[0])
	}
	if mask == 0 {
		n := dst.Channels
		if n == 0 || n > src.Channels {
			n = src.Channels
		}
		mask = format.Mask(1<<n - 1)
	}
	idx := mask.Bits()
	if idx[len(idx)-1] >= src.Channels {
		return src, nil, errors.Wrapf(fault.ConfigurationError, "mask %#x beyond %v channels", mask, src.Channels)
	}
	out := src
	out.Channels = len(idx)
	return out, func(in, o []float64) {
		for i, b := range idx {
			o[i] = in[b]
		}
	}, nil
}

type adapter struct{ mapper }

// NewAdapter lays channels of the src DOF mask out in the dst DOF mask and
// converts to the destination element. Zero masks are derived from the
// channel counts.
func NewAdapter(src, dst format.Mask) Node {
	a := &adapter{}
	a.init(KindAdapter, adapterSpecs, a)
	if src != 0 {
		a.params["src"] = []float64{float64(src)}
	}
	if dst != 0 {
		a.params["dst"] = []float64{float64(dst)}
	}
	return a
}

func (a *adapter) negotiate(src, dst format.Format, p Params) (format.Format, func(in, out []float64), error) {
	var sm, dm format.Mask
	if v := p["src"]; len(v) > 0 {
		sm = format.Mask(v[0])
	}
	if v := p["dst"]; len(v) > 0 {
		dm = format.Mask(v[0])
	}
	if sm == 0 {
		sm = format.DefaultMask(src.Channels)
	}
	if dm == 0 {
		n := dst.Channels
		if n == 0 {
			n = src.Channels
		}
		dm = format.DefaultMask(n)
	}
	if sm.Count() != src.Channels {
		return src, nil, errors.Wrapf(fault.ConfigurationError, "src mask %#x does not cover %v channels", sm, src.Channels)
	}

	out := src
	out.Channels = dm.Count()
	if dst.Element.Valid() {
		out.Element = dst.Element
	}
	k := 1.0
	if out.Element != src.Element {
		k = scaleBetween(src.Element, out.Element)
	}
	route := make([]int, 0, out.Channels)
	for _, dof := range dm.Bits() {
		route = append(route, sm.Index(dof))
	}
	return out, func(in, o []float64) {
		for i, r := range route {
			if r < 0 {
				o[i] = 0
			} else {
				o[i] = in[r] * k
			}
		}
	}, nil
}

// Resample converts the sample rate by nearest-sample stepping. Output
// counts are tracked cumulatively so a stream split into chunks yields the
// same samples as one large chunk; a chunk of n samples from a fresh state
// yields ceil(n*ratio) samples.
type Resample struct {
	base
	inN, outN int64
}

// NewResample targets rate, or the destination hint when zero.
func NewResample(rate int) *Resample {
	r := &Resample{base: base{kind: KindResample, specs: resampleSpecs, params: Params{}}}
	if rate != 0 {
		r.params["rate"] = []float64{float64(rate)}
	}
	return r
}

func (r *Resample) Build(src *format.Format, dst format.Format) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.built = false
	if err := src.Validate(); err != nil {
		return 0, errors.Wrapf(err, "build %v", r.kind)
	}
	out := *src
	if v := r.params["rate"]; len(v) > 0 && v[0] != 0 {
		out.SampleRate = int(v[0])
	} else if dst.SampleRate != 0 {
		out.SampleRate = dst.SampleRate
	}
	if err := out.Validate(); err != nil {
		return 0, errors.Wrapf(err, "build %v output", r.kind)
	}
	r.in, r.out, r.built = *src, out, true
	r.inN, r.outN = 0, 0
	*src = out
	return ratioOf(r.in, out), nil
}

func (r *Resample) Process(data []byte) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.built {
		return nil, notBuilt(r.kind)
	}
	ba := r.in.BlockAlign()
	n := int64(r.in.Samples(len(data)))
	if r.in.SampleRate == r.out.SampleRate {
		return data[:n*int64(ba)], nil
	}
	sr, dr := int64(r.in.SampleRate), int64(r.out.SampleRate)
	// Emit every output sample whose source index falls inside this chunk
	total := ((r.inN+n)*dr + sr - 1) / sr
	res := make([]byte, 0, (total-r.outN)*int64(ba))
	for k := r.outN; k < total; k++ {
		i := k*sr/dr - r.inN
		if i < 0 {
			i = 0
		} else if i >= n {
			i = n - 1
		}
		res = append(res, data[i*int64(ba):(i+1)*int64(ba)]...)
	}
	r.inN += n
	r.outN = total
	return res, nil
}

func (r *Resample) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inN, r.outN = 0, 0
}

func (r *Resample) SetParams(p Params) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.check(p); err != nil {
		return err
	}
	if r.built {
		if v, ok := p["rate"]; ok && len(v) > 0 && int(v[0]) != r.out.SampleRate {
			return errors.Wrapf(fault.ConfigurationError, "resample rate change requires rebuild")
		}
	}
	r.params = r.merge(p)
	return nil
}
