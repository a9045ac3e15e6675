// ABOUTME: Domain interfaces for dependency inversion
// ABOUTME: Device transport and motion file loading are consumed through these abstractions
package domain

import (
	"context"

	"github.com/harper/motion-cue-streamer/internal/domain/format"
)

// Device option flags.
const (
	OptionDebug = 0x1
	OptionForce = 0x2
	OptionAsync = 0x8
)

// Profile describes how a device is driven.
type Profile struct {
	ID        int
	Name      string
	Detail    string
	Address   string
	Type      int
	Version   int
	Options   int
	RateLimit int
	Mask      format.Mask
	AxisMap   []int
	Amplitude format.Amplitudes
}

// Async reports whether completion may ignore the device busy state.
func (p Profile) Async() bool {
	return p.Options&OptionAsync != 0
}

// AxisInfo is the per-actuator part of a diagnostics poll.
type AxisInfo struct {
	Command    int32
	Encoder    int32
	ServoOn    bool
	Alarm      bool
	InPosition bool
}

type Diagnostics struct {
	Busy       bool
	Home       bool
	Alarm      bool
	InPosition bool
	Emergency  bool
	Axes       []AxisInfo
}

// Handle identifies a connected device.
type Handle int

// Device is the transport to the motion platform. Connect fails with a
// fault.Disconnected when the device is unreachable.
type Device interface {
	Connect(ctx context.Context, id int, profile Profile) (Handle, error)
	Disconnect(h Handle) error
	SendRaw(h Handle, data []byte) error
	PollDiagnostics(h Handle) (Diagnostics, error)
	SetAxisState(h Handle, axis int, servoOn, alarmReset bool) error
}

// MotionData is a decoded motion file.
type MotionData struct {
	Format    format.Format
	Samples   []byte
	LoopCount int
}

// Length is the number of whole samples.
func (m MotionData) Length() int {
	return m.Format.Samples(len(m.Samples))
}

// Loader reads and writes motion files. A non-empty key requests an
// encrypted container.
type Loader interface {
	Load(ctx context.Context, location string, key string) (MotionData, error)
	LoadBytes(data []byte, key string) (MotionData, error)
	Save(location string, data MotionData) error
}
