// ABOUTME: Motion cueing stages with swappable strategies
// ABOUTME: Washout, tilt coordination, and DOF-to-actuator kinematics
package filter

import (
	"math"

	"github.com/ossrs/go-oryx-lib/errors"

	"github.com/harper/motion-cue-streamer/internal/domain/fault"
	"github.com/harper/motion-cue-streamer/internal/domain/format"
)

var (
	washoutSpecs = []paramSpec{{name: "order", def: 2, min: 1, max: 3}, {name: "cutoff", def: 5, min: 0.001, max: 500}}
	tiltSpecs    = []paramSpec{
		{name: "cutoff", def: 1, min: 0.001, max: 50, scalar: true},
		{name: "gain", def: 1, min: -100, max: 100, scalar: true},
	}
	kinematicsSpecs = []paramSpec{
		{name: "version", def: 700, min: 0, max: 10000, scalar: true},
		{name: "mask", def: 0, min: 0, max: 255, scalar: true},
	}
)

// NewWashout returns a washout stage. A nil strategy selects a cascaded
// high-pass that returns sustained input to neutral.
func NewWashout(s Strategy) Node {
	if s == nil {
		s = &highPass{}
	}
	return newInPlace(KindWashout, washoutSpecs, s)
}

// NewTiltCoordinator returns a tilt coordination stage working on full DOF
// frames. A nil strategy selects LowPassTilt.
func NewTiltCoordinator(s Strategy) Node {
	if s == nil {
		s = &LowPassTilt{}
	}
	return newInPlace(KindTiltCoordinator, tiltSpecs, s)
}

// LowPassTilt feeds the low-frequency part of surge and sway into pitch
// and roll so sustained acceleration is rendered as tilt.
type LowPassTilt struct {
	alpha, gain float64
	surge, sway float64
}

func (s *LowPassTilt) Setup(f format.Format, p Params) error {
	if f.Type != format.DOF || f.Channels <= format.Pitch {
		return errors.Wrapf(fault.ConfigurationError, "tilt needs %v DOF channels, got %v", format.Pitch+1, f)
	}
	r, dt := rc(p["cutoff"][0], f.SampleRate)
	s.alpha = dt / (r + dt)
	s.gain = p["gain"][0]
	s.surge, s.sway = 0, 0
	return nil
}

func (s *LowPassTilt) Apply(frame []float64) {
	s.surge += s.alpha * (frame[format.Surge] - s.surge)
	s.sway += s.alpha * (frame[format.Sway] - s.sway)
	frame[format.Pitch] += s.gain * s.surge
	frame[format.Roll] -= s.gain * s.sway
}

// KinematicsModel maps DOF channels to actuator positions. Rows of the
// matrix are actuators, columns follow the set bits of mask.
type KinematicsModel interface {
	Matrix(version int, mask format.Mask) ([][]float64, error)
}

// LinearKinematics is a small-angle mixing model. Versions 700 and 800
// drive three actuators, 1000 drives six.
type LinearKinematics struct{}

func (LinearKinematics) Matrix(version int, mask format.Mask) ([][]float64, error) {
	var rows [][format.Yaw + 1]float64
	switch version {
	case 700, 800:
		rows = [][format.Yaw + 1]float64{
			{format.Heave: 1, format.Pitch: 1},
			{format.Heave: 1, format.Roll: 1, format.Pitch: -0.5},
			{format.Heave: 1, format.Roll: -1, format.Pitch: -0.5},
		}
	case 1000:
		for k := 0; k < 6; k++ {
			th := math.Pi/6 + float64(k)*math.Pi/3
			yaw := 1.0
			if k%2 == 1 {
				yaw = -1
			}
			rows = append(rows, [format.Yaw + 1]float64{
				format.Surge: 0.5 * math.Sin(th),
				format.Sway:  0.5 * math.Cos(th),
				format.Heave: 1,
				format.Roll:  math.Cos(th),
				format.Pitch: math.Sin(th),
				format.Yaw:   yaw,
			})
		}
	default:
		return nil, errors.Wrapf(fault.ConfigurationError, "kinematics version %v", version)
	}

	cols := mask.Bits()
	m := make([][]float64, len(rows))
	for a, row := range rows {
		m[a] = make([]float64, len(cols))
		for j, dof := range cols {
			if dof < len(row) {
				m[a][j] = row[dof]
			}
		}
	}
	return m, nil
}

type kinematics struct {
	mapper
	model KinematicsModel
}

// NewKinematics returns a DOF to actuator stage. A nil model selects
// LinearKinematics.
func NewKinematics(model KinematicsModel) Node {
	if model == nil {
		model = LinearKinematics{}
	}
	k := &kinematics{model: model}
	k.init(KindKinematics, kinematicsSpecs, k)
	return k
}

func (k *kinematics) negotiate(src, dst format.Format, p Params) (format.Format, func(in, out []float64), error) {
	if src.Type != format.DOF {
		return src, nil, errors.Wrapf(fault.ConfigurationError, "kinematics needs DOF input, got %v", src.Type)
	}
	vals, err := k.resolve(p, src.Channels)
	if err != nil {
		return src, nil, err
	}
	mask := format.Mask(vals["mask"][0])
	if mask == 0 {
		mask = format.DefaultMask(src.Channels)
	}
	if mask.Count() != src.Channels {
		return src, nil, errors.Wrapf(fault.ConfigurationError, "mask %#x does not cover %v channels", mask, src.Channels)
	}
	m, err := k.model.Matrix(int(vals["version"][0]), mask)
	if err != nil {
		return src, nil, err
	}

	out := src
	out.Type = format.Axis
	out.Channels = len(m)
	return out, func(in, o []float64) {
		for a, row := range m {
			v := 0.0
			for j, c := range row {
				v += c * in[j]
			}
			o[a] = v
		}
	}, nil
}
