// ABOUTME: Ordered composition of filter nodes
// ABOUTME: Builds children in sequence and fails atomically on the first refusal
package filter

import (
	"sync"

	"github.com/ossrs/go-oryx-lib/errors"

	"github.com/harper/motion-cue-streamer/internal/domain/fault"
	"github.com/harper/motion-cue-streamer/internal/domain/format"
)

type Group struct {
	mu       sync.Mutex
	children []Node
	in, out  format.Format
	ratio    float64
	built    bool
}

func NewGroup(children ...Node) *Group {
	return &Group{children: children}
}

func (g *Group) Kind() Kind {
	return KindGroup
}

// Append adds n at the end. The group must be rebuilt before use.
func (g *Group) Append(n Node) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.children = append(g.children, n)
	g.built = false
}

// Remove drops the first occurrence of n.
func (g *Group) Remove(n Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i, c := range g.children {
		if c == n {
			g.children = append(g.children[:i], g.children[i+1:]...)
			g.built = false
			return nil
		}
	}
	return errors.Wrapf(fault.ConfigurationError, "%v not in group", n.Kind())
}

func (g *Group) Children() []Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Node(nil), g.children...)
}

func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.children)
}

// Built reports whether the group was built and not modified since.
func (g *Group) Built() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.built
}

// Output is the negotiated output format of the last build.
func (g *Group) Output() format.Format {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.out
}

// Build negotiates every child in order. src only changes when all
// children accept, and the resulting rate must match a non-zero dst rate.
func (g *Group) Build(src *format.Format, dst format.Format) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.built = false
	if err := src.Validate(); err != nil {
		return 0, errors.Wrapf(err, "build group")
	}
	f := *src
	ratio := 1.0
	for i, c := range g.children {
		r, err := c.Build(&f, dst)
		if err != nil {
			return 0, errors.Wrapf(err, "build child %v (%v)", i, c.Kind())
		}
		ratio *= r
	}
	if dst.SampleRate != 0 && f.SampleRate != dst.SampleRate {
		return 0, errors.Wrapf(fault.ConfigurationError, "group output rate %v does not match %v", f.SampleRate, dst.SampleRate)
	}
	g.in, g.out, g.ratio, g.built = *src, f, ratio, true
	*src = f
	return ratio, nil
}

func (g *Group) Process(data []byte) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.built {
		return nil, notBuilt(KindGroup)
	}
	var err error
	for i, c := range g.children {
		if data, err = c.Process(data); err != nil {
			return nil, errors.Wrapf(err, "process child %v (%v)", i, c.Kind())
		}
	}
	return data, nil
}

func (g *Group) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.children {
		c.Reset()
	}
}

func (g *Group) SetParams(p Params) error {
	if len(p) > 0 {
		return errors.Wrapf(fault.ConfigurationError, "group takes no params")
	}
	return nil
}

func (g *Group) Params() Params {
	return Params{}
}
