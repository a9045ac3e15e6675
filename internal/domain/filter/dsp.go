// ABOUTME: Built-in per-channel DSP stages
// ABOUTME: Noise, averaging, high/low-pass, integration, scale, offset, combine and limits
package filter

import (
	"math"

	"github.com/ossrs/go-oryx-lib/errors"

	"github.com/harper/motion-cue-streamer/internal/domain/fault"
	"github.com/harper/motion-cue-streamer/internal/domain/format"
)

var (
	noiseSpecs      = []paramSpec{{name: "covariance", def: 5, min: 0, max: 100}}
	averageSpecs    = []paramSpec{{name: "count", def: 4, min: 0, max: 16}}
	highPassSpecs   = []paramSpec{{name: "order", def: 1, min: 1, max: 3}, {name: "cutoff", def: 5, min: 0.001, max: 500}}
	lowPassSpecs    = []paramSpec{{name: "order", def: 1, min: 1, max: 2}, {name: "cutoff", def: 5, min: 0.001, max: 500}}
	integratorSpecs = []paramSpec{{name: "order", def: 1, min: 1, max: 3}}
	scaleSpecs      = []paramSpec{{name: "factor", def: 1, min: -1e9, max: 1e9}}
	offsetSpecs     = []paramSpec{{name: "value", def: 0, min: -1e18, max: 1e18}}
	combineSpecs    = []paramSpec{
		{name: "mode", def: CombineNone, min: CombineNone, max: CombineAverage},
		{name: "axis1", def: 0, min: 0, max: format.MaxChannels},
		{name: "axis2", def: 0, min: 0, max: format.MaxChannels},
	}
	limitSpecs     = []paramSpec{{name: "min", def: -32768, min: -1e18, max: 1e18}, {name: "max", def: 32767, min: -1e18, max: 1e18}}
	rateLimitSpecs = []paramSpec{{name: "rate", def: 256, min: 0, max: 1e12}}
)

// Combine modes. Axes are 1-based channel numbers; 0 leaves the channel alone.
const (
	CombineNone = iota
	CombineAdd
	CombineSubtract
	CombineMultiply
	CombineAverage
)

// noise is a scalar Kalman estimator per channel; covariance is the
// measurement noise, process noise is fixed at 1.
type noise struct {
	r    []float64
	x, p []float64
	init []bool
}

func (s *noise) Setup(f format.Format, p Params) error {
	s.r = p["covariance"]
	s.x = make([]float64, f.Channels)
	s.p = make([]float64, f.Channels)
	s.init = make([]bool, f.Channels)
	return nil
}

func (s *noise) Apply(frame []float64) {
	for i, z := range frame {
		if !s.init[i] {
			s.x[i], s.p[i], s.init[i] = z, 1, true
			continue
		}
		s.p[i]++
		k := s.p[i] / (s.p[i] + s.r[i])
		s.x[i] += k * (z - s.x[i])
		s.p[i] *= 1 - k
		frame[i] = s.x[i]
	}
}

type movingAverage struct {
	count []int
	hist  [][]float64
	pos   []int
	sum   []float64
	n     []int
}

func (s *movingAverage) Setup(f format.Format, p Params) error {
	s.count = make([]int, f.Channels)
	s.hist = make([][]float64, f.Channels)
	s.pos = make([]int, f.Channels)
	s.sum = make([]float64, f.Channels)
	s.n = make([]int, f.Channels)
	for i, c := range p["count"] {
		s.count[i] = int(c)
		if s.count[i] > 1 {
			s.hist[i] = make([]float64, s.count[i])
		}
	}
	return nil
}

func (s *movingAverage) Apply(frame []float64) {
	for i, v := range frame {
		if s.count[i] <= 1 {
			continue
		}
		s.sum[i] += v - s.hist[i][s.pos[i]]
		s.hist[i][s.pos[i]] = v
		s.pos[i] = (s.pos[i] + 1) % s.count[i]
		if s.n[i] < s.count[i] {
			s.n[i]++
		}
		frame[i] = s.sum[i] / float64(s.n[i])
	}
}

// rc returns the time constant and sample period for a cutoff in Hz.
func rc(cutoff float64, rate int) (float64, float64) {
	return 1 / (2 * math.Pi * cutoff), 1 / float64(rate)
}

// highPass cascades first-order RC sections.
type highPass struct {
	order  []int
	alpha  []float64
	px, py [][]float64
}

func (s *highPass) Setup(f format.Format, p Params) error {
	s.order = make([]int, f.Channels)
	s.alpha = make([]float64, f.Channels)
	s.px = make([][]float64, f.Channels)
	s.py = make([][]float64, f.Channels)
	for i := range s.order {
		s.order[i] = int(p["order"][i])
		r, dt := rc(p["cutoff"][i], f.SampleRate)
		s.alpha[i] = r / (r + dt)
		s.px[i] = make([]float64, s.order[i])
		s.py[i] = make([]float64, s.order[i])
	}
	return nil
}

func (s *highPass) Apply(frame []float64) {
	for i, x := range frame {
		for k := 0; k < s.order[i]; k++ {
			y := s.alpha[i] * (s.py[i][k] + x - s.px[i][k])
			s.px[i][k], s.py[i][k] = x, y
			x = y
		}
		frame[i] = x
	}
}

type lowPass struct {
	order []int
	alpha []float64
	y     [][]float64
	init  []bool
}

func (s *lowPass) Setup(f format.Format, p Params) error {
	s.order = make([]int, f.Channels)
	s.alpha = make([]float64, f.Channels)
	s.y = make([][]float64, f.Channels)
	s.init = make([]bool, f.Channels)
	for i := range s.order {
		s.order[i] = int(p["order"][i])
		r, dt := rc(p["cutoff"][i], f.SampleRate)
		s.alpha[i] = dt / (r + dt)
		s.y[i] = make([]float64, s.order[i])
	}
	return nil
}

func (s *lowPass) Apply(frame []float64) {
	for i, x := range frame {
		if !s.init[i] {
			for k := range s.y[i] {
				s.y[i][k] = x
			}
			s.init[i] = true
		}
		for k := 0; k < s.order[i]; k++ {
			s.y[i][k] += s.alpha[i] * (x - s.y[i][k])
			x = s.y[i][k]
		}
		frame[i] = x
	}
}

type integrator struct {
	order []int
	dt    float64
	acc   [][]float64
}

func (s *integrator) Setup(f format.Format, p Params) error {
	s.dt = 1 / float64(f.SampleRate)
	s.order = make([]int, f.Channels)
	s.acc = make([][]float64, f.Channels)
	for i := range s.order {
		s.order[i] = int(p["order"][i])
		s.acc[i] = make([]float64, s.order[i])
	}
	return nil
}

func (s *integrator) Apply(frame []float64) {
	for i, x := range frame {
		for k := 0; k < s.order[i]; k++ {
			s.acc[i][k] += x * s.dt
			x = s.acc[i][k]
		}
		frame[i] = x
	}
}

type scale struct{ factor []float64 }

func (s *scale) Setup(f format.Format, p Params) error {
	s.factor = p["factor"]
	return nil
}

func (s *scale) Apply(frame []float64) {
	for i := range frame {
		frame[i] *= s.factor[i]
	}
}

type offset struct{ value []float64 }

func (s *offset) Setup(f format.Format, p Params) error {
	s.value = p["value"]
	return nil
}

func (s *offset) Apply(frame []float64) {
	for i := range frame {
		frame[i] += s.value[i]
	}
}

type combine struct {
	mode, a1, a2 []int
	prev         []float64
}

func (s *combine) Setup(f format.Format, p Params) error {
	s.mode = make([]int, f.Channels)
	s.a1 = make([]int, f.Channels)
	s.a2 = make([]int, f.Channels)
	s.prev = make([]float64, f.Channels)
	for i := range s.mode {
		s.mode[i] = int(p["mode"][i])
		s.a1[i] = int(p["axis1"][i])
		s.a2[i] = int(p["axis2"][i])
		if s.a1[i] > f.Channels || s.a2[i] > f.Channels {
			return errors.Wrapf(fault.ConfigurationError, "combine axis beyond %v channels", f.Channels)
		}
	}
	return nil
}

func (s *combine) Apply(frame []float64) {
	// Read from a copy so later channels see the unmodified inputs
	copy(s.prev, frame)
	at := func(axis int) float64 {
		if axis == 0 {
			return 0
		}
		return s.prev[axis-1]
	}
	for i := range frame {
		if s.a1[i] == 0 {
			continue
		}
		a, b := at(s.a1[i]), at(s.a2[i])
		switch s.mode[i] {
		case CombineAdd:
			frame[i] = a + b
		case CombineSubtract:
			frame[i] = a - b
		case CombineMultiply:
			if s.a2[i] == 0 {
				b = 1
			}
			frame[i] = a * b
		case CombineAverage:
			frame[i] = (a + b) / 2
		}
	}
}

type limit struct{ lo, hi []float64 }

func (s *limit) Setup(f format.Format, p Params) error {
	s.lo, s.hi = p["min"], p["max"]
	for i := range s.lo {
		if s.lo[i] > s.hi[i] {
			return errors.Wrapf(fault.ConfigurationError, "limit min %v above max %v", s.lo[i], s.hi[i])
		}
	}
	return nil
}

func (s *limit) Apply(frame []float64) {
	for i, v := range frame {
		frame[i] = math.Max(s.lo[i], math.Min(s.hi[i], v))
	}
}

// rateLimit bounds the change per millisecond.
type rateLimit struct {
	step []float64
	last []float64
	init bool
}

func (s *rateLimit) Setup(f format.Format, p Params) error {
	s.step = make([]float64, f.Channels)
	for i, r := range p["rate"] {
		s.step[i] = r * 1000 / float64(f.SampleRate)
	}
	s.last = make([]float64, f.Channels)
	s.init = false
	return nil
}

func (s *rateLimit) Apply(frame []float64) {
	if !s.init {
		copy(s.last, frame)
		s.init = true
		return
	}
	for i, v := range frame {
		d := v - s.last[i]
		if d > s.step[i] {
			d = s.step[i]
		} else if d < -s.step[i] {
			d = -s.step[i]
		}
		s.last[i] += d
		frame[i] = s.last[i]
	}
}
