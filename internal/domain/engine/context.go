// ABOUTME: Device context that mixes sources and inputs into the master buffer
// ABOUTME: A tick goroutine runs the output filter chain and writes frames to the device
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ossrs/go-oryx-lib/errors"
	"github.com/ossrs/go-oryx-lib/logger"
	"golang.org/x/sync/errgroup"

	"github.com/harper/motion-cue-streamer/internal/domain"
	"github.com/harper/motion-cue-streamer/internal/domain/buffer"
	"github.com/harper/motion-cue-streamer/internal/domain/fault"
	"github.com/harper/motion-cue-streamer/internal/domain/filter"
	"github.com/harper/motion-cue-streamer/internal/domain/format"
)

// MoveFlag selects the platform moves made on Start and Stop.
type MoveFlag int

const (
	MoveNone MoveFlag = 0
	// MoveSettle sends the lowest heave frame on Stop.
	MoveSettle MoveFlag = 0x1
	// MoveNeutral sends a zero frame on Start.
	MoveNeutral MoveFlag = 0x2
	MoveDefault          = MoveSettle | MoveNeutral
)

const (
	// MaxDeviceRate is the fastest master rate a device accepts.
	MaxDeviceRate = 200

	DefaultSamples = 2
	DefaultBuffers = 1
)

type Config struct {
	DeviceID    int
	Description string
	Profile     domain.Profile
	// SampleRate is the master rate, 1..MaxDeviceRate.
	SampleRate int
	// Samples is the number of frames mixed per tick.
	Samples int
	Buffers int
}

type Option func(*Context)

// WithManualClock disables the tick goroutine. Callers drive the mix with
// Tick.
func WithManualClock() Option {
	return func(c *Context) { c.manual = true }
}

// WithEmulation keeps the context usable when the device is unreachable.
// Device calls become no-ops and Status reports Disconnected.
func WithEmulation() Option {
	return func(c *Context) { c.allowEmulation = true }
}

// WithMaster supplies the master buffer instead of allocating one. The
// context takes a reference.
func WithMaster(b *buffer.Buffer) Option {
	return func(c *Context) { c.master = b.Retain() }
}

func WithEventQueue(n int) Option {
	return func(c *Context) {
		if n > 0 {
			c.events = make(chan event, n)
		}
	}
}

type Context struct {
	id             string
	cfg            Config
	device         domain.Device
	handle         domain.Handle
	emulated       bool
	allowEmulation bool
	manual         bool
	master         *buffer.Buffer
	native         format.Format
	mask           format.Mask
	logCtx         context.Context

	mu         sync.Mutex
	filter     filter.Node
	out        *filter.Group
	playlist   []*Source
	inputs     []*Input
	dependents []*Context
	primary    *Context
	running    bool
	destroyed  bool
	fatal      error
	volume     int
	stopLoop   context.CancelFunc
	loopDone   chan struct{}
	acc        []float64

	sent atomic.Int64
	last atomic.Pointer[[]byte]

	events chan event
	life   context.Context
	kill   context.CancelFunc
	group  errgroup.Group
}

// New connects to the device and prepares the master buffer. A missing
// device fails with Disconnected unless WithEmulation is given.
func New(ctx context.Context, dev domain.Device, cfg Config, opts ...Option) (*Context, error) {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = format.DefaultSampleRate
	}
	if cfg.SampleRate < format.MinSampleRate || cfg.SampleRate > MaxDeviceRate {
		return nil, errors.Wrapf(fault.ConfigurationError, "master rate %v out of 1..%v", cfg.SampleRate, MaxDeviceRate)
	}
	if cfg.Samples <= 0 {
		cfg.Samples = DefaultSamples
	}
	if cfg.Buffers <= 0 {
		cfg.Buffers = DefaultBuffers
	}

	c := &Context{
		id:     uuid.NewString(),
		cfg:    cfg,
		device: dev,
		volume: 100,
		logCtx: logger.WithContext(ctx),
	}
	for _, o := range opts {
		o(c)
	}
	if c.events == nil {
		c.events = make(chan event, defaultEventQueue)
	}

	c.mask = cfg.Profile.Mask
	if c.mask == 0 {
		c.mask = format.MaskDefault
	}
	if c.master != nil {
		mf := c.master.Format()
		if mf.Channels != c.mask.Count() || mf.SampleRate > MaxDeviceRate {
			c.master.Release()
			return nil, errors.Wrapf(fault.ConfigurationError, "master %v does not fit mask %08b", mf, c.mask)
		}
		c.cfg.SampleRate = mf.SampleRate
	}
	c.native = format.Format{Type: format.DOF, SampleRate: c.cfg.SampleRate, Channels: c.mask.Count(), Element: format.S16}
	if c.master == nil {
		b, err := buffer.New(c.native, cfg.Samples, cfg.Buffers, buffer.Streaming())
		if err != nil {
			return nil, errors.Wrapf(err, "master buffer")
		}
		c.master = b
	}

	if dev == nil {
		c.emulated = true
	} else if h, err := dev.Connect(ctx, cfg.DeviceID, cfg.Profile); err != nil {
		if fault.Of(err) != fault.Disconnected {
			c.master.Release()
			return nil, errors.Wrapf(err, "connect device %v", cfg.DeviceID)
		}
		c.emulated = true
	} else {
		c.handle = h
	}
	if c.emulated {
		if !c.allowEmulation {
			c.master.Release()
			return nil, errors.Wrapf(fault.Disconnected, "device %v unreachable", cfg.DeviceID)
		}
		logger.Wf(c.logCtx, "Context %v device %v unreachable, running in emulation", c.id, cfg.DeviceID)
	}

	c.life, c.kill = context.WithCancel(context.Background())
	c.group.Go(func() error {
		return c.dispatch(c.life)
	})

	logger.Tf(c.logCtx, "Context %v created, device=%v, master=%v, mask=%08b", c.id, cfg.DeviceID, c.master.Format(), c.mask)
	return c, nil
}

func (c *Context) ID() string {
	return c.id
}

func (c *Context) Description() string {
	return c.cfg.Description
}

func (c *Context) Master() *buffer.Buffer {
	return c.master
}

// Native is the frame format the device accepts.
func (c *Context) Native() format.Format {
	return c.native
}

func (c *Context) Mask() format.Mask {
	return c.mask
}

func (c *Context) Profile() domain.Profile {
	return c.cfg.Profile
}

func (c *Context) Emulated() bool {
	return c.emulated
}

// Status summarizes the device binding.
func (c *Context) Status() fault.Code {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fatal != nil {
		return fault.Of(c.fatal)
	}
	if c.emulated {
		return fault.Disconnected
	}
	return fault.OK
}

func (c *Context) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Sent is the number of frames handed to the transport.
func (c *Context) Sent() int {
	return int(c.sent.Load())
}

// LastFrame is a copy of the most recent device frame.
func (c *Context) LastFrame() []byte {
	if p := c.last.Load(); p != nil {
		return append([]byte(nil), (*p)...)
	}
	return nil
}

// SetFilter binds the output chain. While running the chain is rebuilt
// at once and a failed build keeps the previous one.
func (c *Context) SetFilter(node filter.Node) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		g, err := c.buildOutput(node)
		if err != nil {
			return err
		}
		c.out = g
	}
	c.filter = node
	return nil
}

func (c *Context) Filter() filter.Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filter
}

// buildOutput must be called with mu held.
func (c *Context) buildOutput(node filter.Node) (*filter.Group, error) {
	g := filter.NewGroup()
	if node != nil {
		g.Append(node)
	}
	f := c.master.Format()
	if _, err := g.Build(&f, c.native); err != nil {
		return nil, errors.Wrapf(err, "build output %v to %v", c.master.Format(), c.native)
	}
	if f.Channels != c.native.Channels || f.Element != c.native.Element {
		return nil, errors.Wrapf(fault.ConfigurationError, "output chain yields %v, device takes %v", f, c.native)
	}
	return g, nil
}

// Start builds the output chain and begins ticking. With a shared
// context the ticks follow the primary's clock instead.
func (c *Context) Start(flags MoveFlag, shared *Context) error {
	if shared == c {
		return errors.Wrapf(fault.ConfigurationError, "context cannot share itself")
	}

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return errors.Wrapf(fault.ConfigurationError, "context destroyed")
	}
	if c.fatal != nil {
		err := c.fatal
		c.mu.Unlock()
		return errors.Wrapf(err, "context failed")
	}
	if c.running {
		c.mu.Unlock()
		return nil
	}
	g, err := c.buildOutput(c.filter)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.out = g
	c.running = true
	c.primary = shared
	c.mu.Unlock()

	if shared != nil {
		shared.attach(c)
	}

	if flags&MoveNeutral != 0 {
		if err := c.sendValues(make([]float64, c.mask.Count())); err != nil {
			c.fail(err)
			return err
		}
	}

	if shared == nil && !c.manual {
		c.startLoop()
	}
	logger.Tf(c.logCtx, "Context %v started, flags=%v, shared=%v", c.id, flags, shared != nil)
	return nil
}

// Stop ends ticking. Stopping a stopped context does nothing. A dependent
// context leaves its primary running.
func (c *Context) Stop(flags MoveFlag) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	cancel, done := c.stopLoop, c.loopDone
	c.stopLoop, c.loopDone = nil, nil
	primary := c.primary
	c.primary = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if primary != nil {
		primary.detach(c)
	}

	var err error
	if flags&MoveSettle != 0 {
		settle := make([]float64, c.mask.Count())
		if i := c.mask.Index(format.Heave); i >= 0 {
			settle[i] = c.master.Format().Element.Min()
		}
		err = c.transmitDirect(settle)
	}
	logger.Tf(c.logCtx, "Context %v stopped, flags=%v", c.id, flags)
	return err
}

func (c *Context) attach(d *Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dependents = append(c.dependents, d)
}

func (c *Context) detach(d *Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, x := range c.dependents {
		if x == d {
			c.dependents = append(c.dependents[:i], c.dependents[i+1:]...)
			return
		}
	}
}

func (c *Context) startLoop() {
	ctx, cancel := context.WithCancel(c.life)
	done := make(chan struct{})

	c.mu.Lock()
	c.stopLoop, c.loopDone = cancel, done
	c.mu.Unlock()

	period := time.Duration(c.cfg.Samples) * time.Second / time.Duration(c.master.Format().SampleRate)
	c.group.Go(func() error {
		defer close(done)
		return c.run(ctx, period)
	})
}

func (c *Context) run(ctx context.Context, period time.Duration) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.Tick(); err != nil {
				logger.Ef(c.logCtx, "Context %v transport failed: %v", c.id, err)
				c.fail(err)
				return nil
			}
		}
	}
}

// fail records a fatal transport error and halts the context. A dependent
// context leaves its primary.
func (c *Context) fail(err error) {
	c.mu.Lock()
	c.fatal = err
	c.running = false
	if c.stopLoop != nil {
		c.stopLoop()
	}
	c.stopLoop, c.loopDone = nil, nil
	primary := c.primary
	c.primary = nil
	c.mu.Unlock()

	if primary != nil {
		primary.detach(c)
	}
}

// Tick mixes one period of frames from every playing source and running
// input, sends the result and then ticks dependent contexts. It returns
// only transport errors.
func (c *Context) Tick() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	sources := append([]*Source(nil), c.playlist...)
	inputs := append([]*Input(nil), c.inputs...)
	deps := append([]*Context(nil), c.dependents...)
	volume := c.volume
	f := c.master.Format()
	n := c.cfg.Samples
	if cap(c.acc) < n*f.Channels {
		c.acc = make([]float64, n*f.Channels)
	}
	acc := c.acc[:n*f.Channels]
	c.mu.Unlock()

	for i := range acc {
		acc[i] = 0
	}

	mixed := false
	finished := false
	for _, s := range sources {
		contributed, done := s.mix(acc, n, f, c.mask)
		mixed = mixed || contributed
		finished = finished || done
	}
	for _, in := range inputs {
		if in.mix(acc, n, f, c.mask) {
			mixed = true
		}
	}
	if finished {
		c.prune()
	}

	var err error
	if mixed {
		if volume != 100 {
			for i := range acc {
				acc[i] *= float64(volume) / 100
			}
		}
		frame := make([]byte, n*f.BlockAlign())
		f.Encode(acc, frame)
		if _, werr := c.master.Enqueue(frame); werr != nil {
			logger.Wf(c.logCtx, "Context %v master enqueue: %v", c.id, werr)
		}
		out := make([]byte, len(frame))
		k, _ := c.master.Dequeue(out)
		err = c.transmit(out[:k])
	}

	for _, d := range deps {
		if derr := d.Tick(); derr != nil {
			logger.Ef(c.logCtx, "Context %v dependent %v transport failed: %v", c.id, d.id, derr)
			d.fail(derr)
		}
	}
	return err
}

// prune drops sources that finished during a tick.
func (c *Context) prune() {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.playlist[:0]
	for _, s := range c.playlist {
		if s.Playing() {
			kept = append(kept, s)
		}
	}
	for i := len(kept); i < len(c.playlist); i++ {
		c.playlist[i] = nil
	}
	c.playlist = kept
}

// SendStream writes master-format frames straight through the output
// chain, bypassing the mix.
func (c *Context) SendStream(data []byte) error {
	f := c.master.Format()
	if len(data) == 0 || len(data)%f.BlockAlign() != 0 {
		return errors.Wrapf(fault.ConfigurationError, "stream of %v bytes is not whole %v samples", len(data), f)
	}
	if !c.Running() {
		return errors.Wrapf(fault.ConfigurationError, "context %v not started", c.id)
	}
	if err := c.transmit(data); err != nil {
		c.fail(err)
		return err
	}
	return nil
}

// sendValues encodes master-unit values as one frame and transmits it.
func (c *Context) sendValues(values []float64) error {
	f := c.master.Format()
	frame := make([]byte, len(values)/f.Channels*f.BlockAlign())
	f.Encode(values, frame)
	return c.transmit(frame)
}

// transmitDirect resets the output chain state before sending values, so
// a settle frame is not smoothed by stale filter history.
func (c *Context) transmitDirect(values []float64) error {
	c.mu.Lock()
	g := c.out
	c.mu.Unlock()
	if g == nil {
		return nil
	}
	g.Reset()
	return c.sendValues(values)
}

func (c *Context) transmit(frame []byte) error {
	c.mu.Lock()
	g := c.out
	c.mu.Unlock()
	if g == nil {
		return errors.Wrapf(fault.ConfigurationError, "context %v has no output chain", c.id)
	}

	data, err := g.Process(frame)
	if err != nil {
		return errors.Wrapf(err, "output chain")
	}
	c.sent.Add(1)
	cp := append([]byte(nil), data...)
	c.last.Store(&cp)

	if c.emulated {
		return nil
	}
	if err := c.device.SendRaw(c.handle, data); err != nil {
		if fault.Of(err) != fault.DriverFault {
			err = errors.Wrapf(fault.DriverFault, "send: %v", err)
		}
		return errors.Wrapf(err, "device %v", c.cfg.DeviceID)
	}
	return nil
}

func (c *Context) SetMasterVolume(v int) error {
	if v < 0 || v > 100 {
		return errors.Wrapf(fault.ConfigurationError, "master volume %v out of 0..100", v)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.volume = v
	return nil
}

func (c *Context) MasterVolume() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.volume
}

// PlayingCount is the number of sources in the playlist.
func (c *Context) PlayingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.playlist)
}

func (c *Context) Sources() []*Source {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Source(nil), c.playlist...)
}

func (c *Context) StopAllSources() {
	for _, s := range c.Sources() {
		s.Stop()
	}
}

func (c *Context) addSource(s *Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, x := range c.playlist {
		if x == s {
			return
		}
	}
	c.playlist = append(c.playlist, s)
}

func (c *Context) removeSource(s *Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, x := range c.playlist {
		if x == s {
			c.playlist = append(c.playlist[:i], c.playlist[i+1:]...)
			return
		}
	}
}

func (c *Context) addInput(in *Input) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, x := range c.inputs {
		if x == in {
			return
		}
	}
	c.inputs = append(c.inputs, in)
}

func (c *Context) removeInput(in *Input) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, x := range c.inputs {
		if x == in {
			c.inputs = append(c.inputs[:i], c.inputs[i+1:]...)
			return
		}
	}
}

// Diagnostics polls the device. An emulated context reports Disconnected.
func (c *Context) Diagnostics() (domain.Diagnostics, error) {
	if c.emulated {
		return domain.Diagnostics{}, errors.Wrapf(fault.Disconnected, "device %v emulated", c.cfg.DeviceID)
	}
	d, err := c.device.PollDiagnostics(c.handle)
	if err != nil {
		return d, errors.Wrapf(err, "poll device %v", c.cfg.DeviceID)
	}
	return d, nil
}

func (c *Context) SetAxisState(axis int, servoOn, alarmReset bool) error {
	if c.emulated {
		return nil
	}
	if err := c.device.SetAxisState(c.handle, axis, servoOn, alarmReset); err != nil {
		return errors.Wrapf(err, "axis %v state", axis)
	}
	return nil
}

// Destroy stops everything, disconnects the device and releases the
// master buffer. Pending notifications are delivered first.
func (c *Context) Destroy() error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	deps := append([]*Context(nil), c.dependents...)
	inputs := append([]*Input(nil), c.inputs...)
	c.mu.Unlock()

	for _, d := range deps {
		d.Stop(MoveNone)
	}
	c.StopAllSources()
	for _, in := range inputs {
		in.Stop()
	}
	err := c.Stop(MoveNone)

	c.mu.Lock()
	c.destroyed = true
	c.mu.Unlock()

	c.kill()
	c.group.Wait()

	if !c.emulated {
		if derr := c.device.Disconnect(c.handle); derr != nil && err == nil {
			err = errors.Wrapf(derr, "disconnect device %v", c.cfg.DeviceID)
		}
	}
	c.master.Release()
	logger.Tf(c.logCtx, "Context %v destroyed", c.id)
	return err
}
