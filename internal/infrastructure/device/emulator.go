// ABOUTME: In-process motion device that records every frame it is sent
// ABOUTME: Stands in for the platform driver in emulation mode, tools and tests
package device

import (
	"context"
	"sync"

	"github.com/ossrs/go-oryx-lib/errors"
	"github.com/ossrs/go-oryx-lib/logger"
	"github.com/smallnest/ringbuffer"

	"github.com/harper/motion-cue-streamer/internal/domain"
	"github.com/harper/motion-cue-streamer/internal/domain/fault"
)

const (
	DefaultCaptureBytes = 64 * 1024
	DefaultAxes         = 6
)

type Config struct {
	// Offline lists device ids whose Connect reports Disconnected.
	Offline []int
	// CaptureBytes bounds the per-handle record of sent frames. The
	// oldest bytes are dropped when it is full.
	CaptureBytes int
	Axes         int
}

type conn struct {
	id      int
	profile domain.Profile
	capture *ringbuffer.RingBuffer
	frames  int
	last    []byte
	axes    []domain.AxisInfo
}

type Emulator struct {
	mu     sync.Mutex
	cfg    Config
	next   domain.Handle
	conns  map[domain.Handle]*conn
	busy   bool
	estop  bool
	sendFn func(data []byte) error
}

func NewEmulator(cfg Config) *Emulator {
	if cfg.CaptureBytes <= 0 {
		cfg.CaptureBytes = DefaultCaptureBytes
	}
	if cfg.Axes <= 0 {
		cfg.Axes = DefaultAxes
	}
	return &Emulator{
		cfg:   cfg,
		next:  1,
		conns: make(map[domain.Handle]*conn),
	}
}

func (e *Emulator) Connect(ctx context.Context, id int, profile domain.Profile) (domain.Handle, error) {
	for _, off := range e.cfg.Offline {
		if off == id {
			return 0, errors.Wrapf(fault.Disconnected, "device %v", id)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	h := e.next
	e.next++
	axes := make([]domain.AxisInfo, e.cfg.Axes)
	for i := range axes {
		axes[i].ServoOn = true
		axes[i].InPosition = true
	}
	e.conns[h] = &conn{
		id:      id,
		profile: profile,
		capture: ringbuffer.New(e.cfg.CaptureBytes),
		axes:    axes,
	}
	logger.Tf(ctx, "Emulated device %v connected as handle %v, profile=%v", id, h, profile.Name)
	return h, nil
}

func (e *Emulator) Disconnect(h domain.Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.conns[h]; !ok {
		return errors.Wrapf(fault.Disconnected, "handle %v", h)
	}
	delete(e.conns, h)
	return nil
}

func (e *Emulator) SendRaw(h domain.Handle, data []byte) error {
	e.mu.Lock()
	c, ok := e.conns[h]
	fn := e.sendFn
	e.mu.Unlock()

	if !ok {
		return errors.Wrapf(fault.DriverFault, "send to unknown handle %v", h)
	}
	if fn != nil {
		if err := fn(data); err != nil {
			return errors.Wrapf(fault.DriverFault, "send: %v", err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(data) > c.capture.Capacity() {
		data = data[len(data)-c.capture.Capacity():]
	}
	if free := c.capture.Free(); free < len(data) {
		c.capture.Read(make([]byte, len(data)-free))
	}
	c.capture.Write(data)
	c.frames++
	c.last = append(c.last[:0], data...)
	return nil
}

func (e *Emulator) PollDiagnostics(h domain.Handle) (domain.Diagnostics, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.conns[h]
	if !ok {
		return domain.Diagnostics{}, errors.Wrapf(fault.Disconnected, "handle %v", h)
	}
	d := domain.Diagnostics{
		Busy:       e.busy,
		Home:       c.frames == 0,
		InPosition: !e.busy,
		Emergency:  e.estop,
		Axes:       append([]domain.AxisInfo(nil), c.axes...),
	}
	for _, a := range c.axes {
		d.Alarm = d.Alarm || a.Alarm
	}
	return d, nil
}

func (e *Emulator) SetAxisState(h domain.Handle, axis int, servoOn, alarmReset bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.conns[h]
	if !ok {
		return errors.Wrapf(fault.Disconnected, "handle %v", h)
	}
	if axis < 0 || axis >= len(c.axes) {
		return errors.Wrapf(fault.ConfigurationError, "axis %v of %v", axis, len(c.axes))
	}
	c.axes[axis].ServoOn = servoOn
	if alarmReset {
		c.axes[axis].Alarm = false
	}
	return nil
}

// SetBusy makes every poll report the platform as moving.
func (e *Emulator) SetBusy(busy bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.busy = busy
}

func (e *Emulator) SetEmergency(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.estop = on
}

// RaiseAlarm latches an alarm on one axis of every connection until an
// alarm reset clears it.
func (e *Emulator) RaiseAlarm(axis int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.conns {
		if axis >= 0 && axis < len(c.axes) {
			c.axes[axis].Alarm = true
		}
	}
}

// FailSends installs a hook consulted before every send. A non-nil
// return is reported as a DriverFault.
func (e *Emulator) FailSends(fn func(data []byte) error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sendFn = fn
}

// Frames is the number of sends accepted on h.
func (e *Emulator) Frames(h domain.Handle) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.conns[h]; ok {
		return c.frames
	}
	return 0
}

// Last returns a copy of the most recent frame sent on h.
func (e *Emulator) Last(h domain.Handle) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.conns[h]; ok {
		return append([]byte(nil), c.last...)
	}
	return nil
}

// Captured copies the recorded bytes of h without draining them.
func (e *Emulator) Captured(h domain.Handle) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.conns[h]
	if !ok {
		return nil
	}
	out := make([]byte, c.capture.Length())
	n, _ := c.capture.Read(out)
	c.capture.Write(out[:n])
	return out[:n]
}

// Drain reads and removes recorded bytes of h.
func (e *Emulator) Drain(h domain.Handle, p []byte) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.conns[h]
	if !ok {
		return 0
	}
	n, _ := c.capture.Read(p)
	return n
}

// Connected lists the open handles.
func (e *Emulator) Connected() []domain.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.Handle, 0, len(e.conns))
	for h := range e.conns {
		out = append(out, h)
	}
	return out
}
