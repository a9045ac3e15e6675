// ABOUTME: Filter node contract with two-phase build and process
// ABOUTME: Kinds, per-channel parameter arrays, and the node factory
package filter

import (
	"fmt"
	"sort"

	"github.com/ossrs/go-oryx-lib/errors"

	"github.com/harper/motion-cue-streamer/internal/domain/fault"
	"github.com/harper/motion-cue-streamer/internal/domain/format"
)

type Kind int

const (
	KindNoise Kind = iota
	KindMovingAverage
	KindHighPass
	KindLowPass
	KindIntegrator
	KindTiltCoordinator
	KindScale
	KindOffset
	KindCombine
	KindLimit
	KindRateLimit
	KindWashout
	KindKinematics
	KindFormatConvert
	KindChannelMap
	KindChannelMask
	KindResample
	KindAdapter
	KindCustom
	KindGroup
)

var kindNames = map[Kind]string{
	KindNoise:           "noise",
	KindMovingAverage:   "average",
	KindHighPass:        "highpass",
	KindLowPass:         "lowpass",
	KindIntegrator:      "integral",
	KindTiltCoordinator: "tilt",
	KindScale:           "scale",
	KindOffset:          "offset",
	KindCombine:         "combine",
	KindLimit:           "limit",
	KindRateLimit:       "ratelimit",
	KindWashout:         "washout",
	KindKinematics:      "kinematics",
	KindFormatConvert:   "format",
	KindChannelMap:      "channelmap",
	KindChannelMask:     "channelmask",
	KindResample:        "resample",
	KindAdapter:         "adapter",
	KindCustom:          "custom",
	KindGroup:           "group",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind maps a configuration name to a Kind.
func ParseKind(s string) (Kind, bool) {
	for k, name := range kindNames {
		if name == s {
			return k, true
		}
	}
	return 0, false
}

// Node is one stage of a filter graph.
//
// Build negotiates formats before any data flows: src is the incoming
// format and is rewritten in place to the format handed downstream, dst is
// the hint for the final format. The returned ratio is output volume over
// input volume; a failed build returns 0 with a ConfigurationError and
// leaves src unchanged.
//
// Process transforms a chunk of whole samples in the negotiated input
// format and returns the output, which may alias data.
type Node interface {
	Kind() Kind
	Build(src *format.Format, dst format.Format) (float64, error)
	Process(data []byte) ([]byte, error)
	Reset()
	SetParams(p Params) error
	Params() Params
}

// Params maps parameter names to per-channel arrays. A single value is
// broadcast to every channel.
type Params map[string][]float64

func (p Params) clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = append([]float64(nil), v...)
	}
	return out
}

// Names lists the parameter names in sorted order.
func (p Params) Names() []string {
	names := make([]string, 0, len(p))
	for k := range p {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// New creates a built-in node with default parameters. Custom nodes use
// NewCustom and groups use NewGroup.
func New(kind Kind) (Node, error) {
	switch kind {
	case KindNoise:
		return newInPlace(kind, noiseSpecs, &noise{}), nil
	case KindMovingAverage:
		return newInPlace(kind, averageSpecs, &movingAverage{}), nil
	case KindHighPass:
		return newInPlace(kind, highPassSpecs, &highPass{}), nil
	case KindLowPass:
		return newInPlace(kind, lowPassSpecs, &lowPass{}), nil
	case KindIntegrator:
		return newInPlace(kind, integratorSpecs, &integrator{}), nil
	case KindTiltCoordinator:
		return NewTiltCoordinator(nil), nil
	case KindScale:
		return newInPlace(kind, scaleSpecs, &scale{}), nil
	case KindOffset:
		return newInPlace(kind, offsetSpecs, &offset{}), nil
	case KindCombine:
		return newInPlace(kind, combineSpecs, &combine{}), nil
	case KindLimit:
		return newInPlace(kind, limitSpecs, &limit{}), nil
	case KindRateLimit:
		return newInPlace(kind, rateLimitSpecs, &rateLimit{}), nil
	case KindWashout:
		return NewWashout(nil), nil
	case KindKinematics:
		return NewKinematics(nil), nil
	case KindFormatConvert:
		return NewFormatConvert(0), nil
	case KindChannelMap:
		return NewChannelMap(nil), nil
	case KindChannelMask:
		return NewChannelMask(0), nil
	case KindResample:
		return NewResample(0), nil
	case KindAdapter:
		return NewAdapter(0, 0), nil
	case KindGroup:
		return NewGroup(), nil
	}
	return nil, errors.Wrapf(fault.ConfigurationError, "no built-in %v", kind)
}

// NewWithParams creates a built-in node and applies p.
func NewWithParams(kind Kind, p Params) (Node, error) {
	n, err := New(kind)
	if err != nil {
		return nil, err
	}
	if len(p) > 0 {
		if err := n.SetParams(p); err != nil {
			return nil, errors.Wrapf(err, "%v params", kind)
		}
	}
	return n, nil
}

func notBuilt(k Kind) error {
	return errors.Wrapf(fault.ConfigurationError, "%v not built", k)
}
