// ABOUTME: Sample format descriptor for motion buffers and filter negotiation
// ABOUTME: Defines sample layout types, element codes, and block alignment
package format

import (
	"fmt"

	"github.com/ossrs/go-oryx-lib/errors"

	"github.com/harper/motion-cue-streamer/internal/domain/fault"
)

// Type describes what the channels of a sample represent.
type Type int

const (
	DOF    Type = 0 // per degree of freedom (surge, sway, heave, roll, pitch, yaw)
	Axis   Type = 1 // per actuator axis
	Matrix Type = 2
)

func (t Type) String() string {
	switch t {
	case DOF:
		return "dof"
	case Axis:
		return "axis"
	case Matrix:
		return "matrix"
	}
	return fmt.Sprintf("type(%d)", int(t))
}

const (
	MinSampleRate = 1
	MaxSampleRate = 1000
	MaxChannels   = 8

	DefaultSampleRate = 50
	DefaultChannels   = 3
)

// Format is the layout of one interleaved sample (all channels of one instant).
type Format struct {
	Type       Type
	SampleRate int
	Channels   int
	Element    Element
}

// Default is DOF, 50 Hz, 3 channels of signed 16-bit.
func Default() Format {
	return Format{Type: DOF, SampleRate: DefaultSampleRate, Channels: DefaultChannels, Element: S16}
}

// BlockAlign is the byte size of one sample across all channels.
func (f Format) BlockAlign() int {
	return f.Channels * f.Element.Size()
}

// BytesPerSecond is the data rate of the format.
func (f Format) BytesPerSecond() int {
	return f.BlockAlign() * f.SampleRate
}

func (f Format) Validate() error {
	if f.Type < DOF || f.Type > Matrix {
		return errors.Wrapf(fault.ConfigurationError, "format type %v", f.Type)
	}
	if f.SampleRate < MinSampleRate || f.SampleRate > MaxSampleRate {
		return errors.Wrapf(fault.ConfigurationError, "sample rate %v", f.SampleRate)
	}
	if f.Channels < 1 || f.Channels > MaxChannels {
		return errors.Wrapf(fault.ConfigurationError, "channels %v", f.Channels)
	}
	if !f.Element.Valid() {
		return errors.Wrapf(fault.ConfigurationError, "element %v", f.Element)
	}
	return nil
}

// Samples converts a byte length to whole samples.
func (f Format) Samples(n int) int {
	if ba := f.BlockAlign(); ba > 0 {
		return n / ba
	}
	return 0
}

// Align rounds n down to a multiple of the block alignment.
func (f Format) Align(n int) int {
	return f.Samples(n) * f.BlockAlign()
}

func (f Format) String() string {
	return fmt.Sprintf("%v/%vHz/%vch/%v", f.Type, f.SampleRate, f.Channels, f.Element)
}
