// ABOUTME: Playback session coordinating a device context, motion data and play modes
// ABOUTME: Owns the connection state machine and the per-tick diagnostics poll
package playback

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ossrs/go-oryx-lib/errors"
	"github.com/ossrs/go-oryx-lib/logger"

	"github.com/harper/motion-cue-streamer/internal/domain"
	"github.com/harper/motion-cue-streamer/internal/domain/engine"
	"github.com/harper/motion-cue-streamer/internal/domain/fault"
	"github.com/harper/motion-cue-streamer/internal/domain/filter"
	"github.com/harper/motion-cue-streamer/internal/domain/format"
)

type State int32

const (
	Closed State = iota
	Open
	Stopped
	Started
	Running
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case Stopped:
		return "stopped"
	case Started:
		return "started"
	case Running:
		return "running"
	}
	return "unknown"
}

type Config struct {
	ID       string
	DeviceID int
	// SlaveID is a second device driven in lockstep. Zero means none.
	SlaveID   int
	Profile   domain.Profile
	Emulation bool
	// SampleRate, Samples and Buffers configure the master mix.
	SampleRate int
	Samples    int
	Buffers    int
	Filter     filter.Node
	// UpdateInterval is the updater period. Zero follows the master chunk.
	UpdateInterval time.Duration
	// ManualClock leaves ticking to Step.
	ManualClock bool
}

type Session struct {
	id     string
	cfg    Config
	device domain.Device
	loader domain.Loader
	logCtx context.Context

	mu        sync.Mutex
	state     State
	mode      Mode
	engine    *engine.Context
	slave     *engine.Context
	data      *domain.MotionData
	dataMask  format.Mask
	position  [format.MaxChannels]float64
	frequency [format.MaxChannels]float64
	amplitude [format.MaxChannels]float64
	play      play
	observer  func(engine.Notification)

	status atomic.Int32
	diag   atomic.Pointer[domain.Diagnostics]

	runCancel context.CancelFunc
	runDone   chan struct{}
}

func New(cfg Config, device domain.Device, loader domain.Loader) *Session {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = format.DefaultSampleRate
	}
	if cfg.Samples == 0 {
		cfg.Samples = engine.DefaultSamples
	}
	s := &Session{
		id:     cfg.ID,
		cfg:    cfg,
		device: device,
		loader: loader,
		logCtx: logger.WithContext(context.Background()),
	}
	s.status.Store(int32(fault.Disconnected))
	return s
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Profile() domain.Profile {
	return s.cfg.Profile
}

// Status is the aggregated device state from the last poll.
func (s *Session) Status() fault.Code {
	return fault.Code(s.status.Load())
}

// Diagnostics is the last polled diagnostics, nil before the first poll.
func (s *Session) Diagnostics() *domain.Diagnostics {
	return s.diag.Load()
}

func (s *Session) Emulated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine != nil && s.engine.Emulated()
}

// Context exposes the device context while open.
func (s *Session) Context() *engine.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine
}

// Open connects the device and zeroes the position. A device that cannot
// be reached fails with Disconnected unless the session allows emulation.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Closed {
		return errors.Wrapf(fault.Busy, "open in state %v", s.state)
	}

	primary, err := s.connect(ctx, s.cfg.DeviceID)
	if err != nil {
		s.status.Store(int32(fault.Of(err)))
		return errors.Wrapf(err, "open session %v", s.id)
	}
	if s.cfg.Filter != nil {
		if err := primary.SetFilter(s.cfg.Filter); err != nil {
			primary.Destroy()
			return errors.Wrapf(err, "output filter")
		}
	}

	var slave *engine.Context
	if s.cfg.SlaveID != 0 {
		if slave, err = s.connect(ctx, s.cfg.SlaveID); err != nil {
			primary.Destroy()
			s.status.Store(int32(fault.Of(err)))
			return errors.Wrapf(err, "open slave device")
		}
	}

	s.engine, s.slave = primary, slave
	s.position = [format.MaxChannels]float64{}
	s.state = Open
	s.status.Store(int32(primary.Status()))
	logger.Tf(s.logCtx, "Session %v open, device=%v, slave=%v, emulated=%v", s.id, s.cfg.DeviceID, s.cfg.SlaveID, primary.Emulated())
	return nil
}

func (s *Session) connect(ctx context.Context, id int) (*engine.Context, error) {
	var opts []engine.Option
	if s.cfg.ManualClock {
		opts = append(opts, engine.WithManualClock())
	}
	if s.cfg.Emulation {
		opts = append(opts, engine.WithEmulation())
	}
	cfg := engine.Config{
		DeviceID:    id,
		Description: s.id,
		Profile:     s.cfg.Profile,
		SampleRate:  s.cfg.SampleRate,
		Samples:     s.cfg.Samples,
		Buffers:     s.cfg.Buffers,
	}
	return engine.New(ctx, s.device, cfg, opts...)
}

// Start moves the platform to neutral and begins ticking.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Started, Running:
		return nil
	case Open, Stopped:
	default:
		return errors.Wrapf(fault.Busy, "start in state %v", s.state)
	}

	if err := s.engine.Start(engine.MoveNeutral, nil); err != nil {
		return errors.Wrapf(err, "start device %v", s.cfg.DeviceID)
	}
	if s.slave != nil {
		if err := s.slave.Start(engine.MoveNeutral, s.engine); err != nil {
			s.engine.Stop(engine.MoveSettle)
			return errors.Wrapf(err, "start slave %v", s.cfg.SlaveID)
		}
	}
	s.state = Started
	if !s.cfg.ManualClock {
		s.startUpdater()
	}
	logger.Tf(s.logCtx, "Session %v started", s.id)
	return nil
}

// Stop halts any motion and settles the platform. Stopping a stopped
// session does nothing.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.state != Started && s.state != Running {
		s.mu.Unlock()
		return nil
	}
	if s.state == Running {
		s.halt("stop")
	}
	s.state = Stopped
	cancel, done := s.runCancel, s.runDone
	s.runCancel, s.runDone = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.slave != nil {
		err = s.slave.Stop(engine.MoveSettle)
	}
	if serr := s.engine.Stop(engine.MoveSettle); serr != nil {
		err = serr
	}
	logger.Tf(s.logCtx, "Session %v stopped", s.id)
	return err
}

// Close stops and disconnects. Closing a closed session does nothing.
func (s *Session) Close() error {
	if err := s.Stop(); err != nil {
		logger.Wf(s.logCtx, "Session %v stop on close: %v", s.id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return nil
	}
	var err error
	if s.slave != nil {
		err = s.slave.Destroy()
		s.slave = nil
	}
	if derr := s.engine.Destroy(); derr != nil {
		err = derr
	}
	s.engine = nil
	s.state = Closed
	s.status.Store(int32(fault.Disconnected))
	logger.Tf(s.logCtx, "Session %v closed", s.id)
	return err
}

func (s *Session) startUpdater() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.runCancel, s.runDone = cancel, done

	period := s.cfg.UpdateInterval
	if period <= 0 {
		period = time.Duration(s.cfg.Samples) * time.Second / time.Duration(s.cfg.SampleRate)
	}
	go func() {
		defer close(done)
		s.runUpdater(ctx, period)
	}()
}

func (s *Session) runUpdater(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Update(period); err != nil {
				logger.Ef(s.logCtx, "Session %v update: %v", s.id, err)
			}
		}
	}
}

// Step ticks the device context once and then updates the session. It is
// how a manual clock session advances.
func (s *Session) Step(dt time.Duration) error {
	s.mu.Lock()
	c := s.engine
	s.mu.Unlock()
	if c == nil {
		return errors.Wrapf(fault.Busy, "step a closed session")
	}
	if err := c.Tick(); err != nil {
		return err
	}
	c.WaitIdle()
	return s.Update(dt)
}

// poll reads diagnostics from every device and aggregates the worst
// state. Must be called without mu held.
func (s *Session) poll(primary, slave *engine.Context) fault.Code {
	code := s.pollOne(primary, true)
	if slave != nil {
		if sc := s.pollOne(slave, false); sc != fault.OK && (code == fault.OK || code == fault.Disconnected) {
			code = sc
		}
	}
	s.status.Store(int32(code))
	return code
}

func (s *Session) pollOne(c *engine.Context, record bool) fault.Code {
	if st := c.Status(); st == fault.DriverFault {
		return st
	}
	d, err := c.Diagnostics()
	if err != nil {
		return fault.Of(err)
	}
	if record {
		s.diag.Store(&d)
	}
	switch {
	case d.Emergency:
		return fault.Emergency
	case d.Alarm:
		return fault.Alarm
	}
	for _, a := range d.Axes {
		if a.Alarm {
			return fault.Alarm
		}
		if !a.ServoOn {
			return fault.ServoOff
		}
	}
	return fault.OK
}

// SetObserver installs a function that sees every notification of the
// running motion after the session has handled it.
func (s *Session) SetObserver(fn func(engine.Notification)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = fn
}

// IsBusy reports whether the platform was moving at the last poll.
func (s *Session) IsBusy() bool {
	d := s.diag.Load()
	if d == nil {
		return false
	}
	if d.Busy {
		return true
	}
	for _, a := range d.Axes {
		if !a.InPosition {
			return true
		}
	}
	return false
}

// SetServo switches one actuator's servo.
func (s *Session) SetServo(axis int, on bool) error {
	c := s.Context()
	if c == nil {
		return errors.Wrapf(fault.Busy, "session closed")
	}
	return c.SetAxisState(axis, on, false)
}

// AlarmReset clears a latched alarm on one actuator.
func (s *Session) AlarmReset(axis int) error {
	c := s.Context()
	if c == nil {
		return errors.Wrapf(fault.Busy, "session closed")
	}
	return c.SetAxisState(axis, true, true)
}
