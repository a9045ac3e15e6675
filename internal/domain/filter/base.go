// ABOUTME: Shared parameter handling and the in-place node driver
// ABOUTME: Strategies transform one decoded frame at a time
package filter

import (
	"sync"

	"github.com/ossrs/go-oryx-lib/errors"

	"github.com/harper/motion-cue-streamer/internal/domain/fault"
	"github.com/harper/motion-cue-streamer/internal/domain/format"
)

type paramSpec struct {
	name     string
	def      float64
	min, max float64
	scalar   bool // one value for the whole node
}

// base carries the parameter store and negotiated formats of a node.
type base struct {
	mu     sync.Mutex
	kind   Kind
	specs  []paramSpec
	params Params
	in     format.Format
	out    format.Format
	vals   Params
	built  bool
}

func (b *base) Kind() Kind {
	return b.kind
}

func (b *base) spec(name string) (paramSpec, bool) {
	for _, s := range b.specs {
		if s.name == name {
			return s, true
		}
	}
	return paramSpec{}, false
}

// check validates names, lengths and ranges without resolving channels.
func (b *base) check(p Params) error {
	for name, v := range p {
		s, ok := b.spec(name)
		if !ok {
			return errors.Wrapf(fault.ConfigurationError, "%v has no param %v", b.kind, name)
		}
		if len(v) > format.MaxChannels || (s.scalar && len(v) > 1) {
			return errors.Wrapf(fault.ConfigurationError, "%v param %v has %v values", b.kind, name, len(v))
		}
		for _, x := range v {
			if x < s.min || x > s.max {
				return errors.Wrapf(fault.ConfigurationError, "%v param %v=%v out of [%v,%v]", b.kind, name, x, s.min, s.max)
			}
		}
	}
	return nil
}

// resolve expands p to per-channel arrays for the given channel count.
func (b *base) resolve(p Params, channels int) (Params, error) {
	out := make(Params, len(b.specs))
	for _, s := range b.specs {
		v := p[s.name]
		switch {
		case len(v) == 0:
			v = []float64{s.def}
		case s.scalar, len(v) == 1, len(v) == channels:
		default:
			return nil, errors.Wrapf(fault.ConfigurationError, "%v param %v has %v values for %v channels",
				b.kind, s.name, len(v), channels)
		}
		if s.scalar {
			out[s.name] = []float64{v[0]}
			continue
		}
		arr := make([]float64, channels)
		for i := range arr {
			if len(v) == 1 {
				arr[i] = v[0]
			} else {
				arr[i] = v[i]
			}
		}
		out[s.name] = arr
	}
	return out, nil
}

func (b *base) Params() Params {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.params.clone()
	for _, s := range b.specs {
		if _, ok := out[s.name]; !ok {
			out[s.name] = []float64{s.def}
		}
	}
	return out
}

// merge overlays p on the stored params.
func (b *base) merge(p Params) Params {
	next := b.params.clone()
	for k, v := range p {
		next[k] = append([]float64(nil), v...)
	}
	return next
}

// Strategy is the per-frame math of an in-place node. Setup receives the
// negotiated format and per-channel params and resets any history.
type Strategy interface {
	Setup(f format.Format, p Params) error
	Apply(frame []float64)
}

// inPlace drives a Strategy over decoded frames without changing format.
type inPlace struct {
	base
	st      Strategy
	scratch []float64
}

func newInPlace(kind Kind, specs []paramSpec, st Strategy) *inPlace {
	return &inPlace{base: base{kind: kind, specs: specs, params: Params{}}, st: st}
}

func (n *inPlace) Build(src *format.Format, dst format.Format) (float64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.built = false
	if err := src.Validate(); err != nil {
		return 0, errors.Wrapf(err, "build %v", n.kind)
	}
	f := *src
	vals, err := n.resolve(n.params, f.Channels)
	if err != nil {
		return 0, err
	}
	if err := n.st.Setup(f, vals); err != nil {
		return 0, errors.Wrapf(err, "build %v for %v", n.kind, f)
	}
	n.in, n.out, n.vals, n.built = f, f, vals, true
	return 1, nil
}

func (n *inPlace) Process(data []byte) ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.built {
		return nil, notBuilt(n.kind)
	}
	data = data[:n.in.Align(len(data))]
	n.scratch = n.in.Decode(data, n.scratch)
	ch := n.in.Channels
	for i := 0; i+ch <= len(n.scratch); i += ch {
		n.st.Apply(n.scratch[i : i+ch])
	}
	n.in.Encode(n.scratch, data)
	return data, nil
}

func (n *inPlace) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.built {
		n.st.Setup(n.in, n.vals)
	}
}

// SetParams updates parameters. A built node re-resolves against its
// format and restarts its history; on error nothing changes.
func (n *inPlace) SetParams(p Params) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.check(p); err != nil {
		return err
	}
	next := n.merge(p)
	if n.built {
		vals, err := n.resolve(next, n.in.Channels)
		if err != nil {
			return err
		}
		if err := n.st.Setup(n.in, vals); err != nil {
			n.st.Setup(n.in, n.vals)
			return errors.Wrapf(err, "params %v", n.kind)
		}
		n.vals = vals
	}
	n.params = next
	return nil
}
