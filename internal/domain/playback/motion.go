// ABOUTME: Play modes of a session: direct position, sine, file, frame stream, double buffer
// ABOUTME: PlayMotion enters Running; Update advances the active mode once per tick
package playback

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/ossrs/go-oryx-lib/errors"
	"github.com/ossrs/go-oryx-lib/logger"

	"github.com/harper/motion-cue-streamer/internal/domain"
	"github.com/harper/motion-cue-streamer/internal/domain/buffer"
	"github.com/harper/motion-cue-streamer/internal/domain/engine"
	"github.com/harper/motion-cue-streamer/internal/domain/fault"
	"github.com/harper/motion-cue-streamer/internal/domain/format"
)

type Mode int

const (
	DirectPosition Mode = iota
	SineWave
	BufferFile
	FrameStream
	DoubleBufferStream
)

var modeNames = map[Mode]string{
	DirectPosition:     "direct",
	SineWave:           "sine",
	BufferFile:         "file",
	FrameStream:        "frame",
	DoubleBufferStream: "double",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return "unknown"
}

func ParseMode(s string) (Mode, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for m, name := range modeNames {
		if name == s {
			return m, true
		}
	}
	return 0, false
}

// ChunkSamples is the chunk size of double buffer streaming.
const ChunkSamples = 4

type play struct {
	gen      int
	infinite bool
	// count is the remaining passes including the current one.
	count    int
	duration time.Duration
	elapsed  time.Duration
	source   *engine.Source
	mirror   *engine.Source
	finished bool
	starved  bool

	// frame stream cursor and the samples sent so far
	frame int
	sent  int

	// double buffer bookkeeping
	chunks    int
	passes    int
	submitted int
	played    int
}

func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// SetMode selects how PlayMotion plays. It is rejected while running.
func (s *Session) SetMode(m Mode) error {
	if _, ok := modeNames[m]; !ok {
		return errors.Wrapf(fault.ConfigurationError, "mode %v", int(m))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Running {
		return errors.Wrapf(fault.Busy, "mode change while running")
	}
	s.mode = m
	logger.Tf(s.logCtx, "Session %v mode %v", s.id, m)
	return nil
}

// Load reads a motion file through the loader.
func (s *Session) Load(ctx context.Context, location, key string) error {
	if s.loader == nil {
		return errors.Wrapf(fault.ConfigurationError, "session has no loader")
	}
	d, err := s.loader.Load(ctx, location, key)
	if err != nil {
		return errors.Wrapf(err, "load %v", location)
	}
	return s.setData(d)
}

func (s *Session) LoadBytes(data []byte, key string) error {
	if s.loader == nil {
		return errors.Wrapf(fault.ConfigurationError, "session has no loader")
	}
	d, err := s.loader.LoadBytes(data, key)
	if err != nil {
		return errors.Wrapf(err, "load bytes")
	}
	return s.setData(d)
}

// LoadData quantizes per-DOF physical frames at rate into S16 motion data
// laid out by the profile mask.
func (s *Session) LoadData(rate int, frames [][]float64) error {
	mask := s.cfg.Profile.Mask
	if mask == 0 {
		mask = format.MaskDefault
	}
	f := format.Format{Type: format.DOF, SampleRate: rate, Channels: mask.Count(), Element: format.S16}
	if err := f.Validate(); err != nil {
		return errors.Wrapf(err, "load data")
	}
	if len(frames) == 0 {
		return errors.Wrapf(fault.ConfigurationError, "load data without frames")
	}
	ba := f.BlockAlign()
	samples := make([]byte, len(frames)*ba)
	for i, pam := range frames {
		format.PAMToPCM(pam, f.Element, mask, s.cfg.Profile.Amplitude, samples[i*ba:(i+1)*ba])
	}
	if err := s.setData(domain.MotionData{Format: f, Samples: samples}); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dataMask = mask
	return nil
}

func (s *Session) setData(d domain.MotionData) error {
	if err := d.Format.Validate(); err != nil {
		return errors.Wrapf(err, "motion data")
	}
	if d.Length() == 0 {
		return errors.Wrapf(fault.ConfigurationError, "motion data is empty")
	}
	d.Samples = d.Samples[:d.Format.Align(len(d.Samples))]

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Running {
		return errors.Wrapf(fault.Busy, "load while running")
	}
	s.data = &d
	s.dataMask = format.DefaultMask(d.Format.Channels)
	logger.Tf(s.logCtx, "Session %v loaded %v samples of %v, loop=%v", s.id, d.Length(), d.Format, d.LoopCount)
	return nil
}

// Unload drops the motion data.
func (s *Session) Unload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Running {
		return errors.Wrapf(fault.Busy, "unload while running")
	}
	s.data = nil
	return nil
}

// Data returns the loaded motion data, if any.
func (s *Session) Data() (domain.MotionData, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return domain.MotionData{}, false
	}
	return *s.data, true
}

func setVector(dst *[format.MaxChannels]float64, v []float64) error {
	if len(v) > format.MaxChannels {
		return errors.Wrapf(fault.ConfigurationError, "%v values for %v DOF", len(v), format.MaxChannels)
	}
	*dst = [format.MaxChannels]float64{}
	copy(dst[:], v)
	return nil
}

// SetPosition sets the per-DOF position sent by DirectPosition.
func (s *Session) SetPosition(pam []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return setVector(&s.position, pam)
}

// SetFrequency sets per-DOF sine frequencies in Hz.
func (s *Session) SetFrequency(hz []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := setVector(&s.frequency, hz); err != nil {
		return err
	}
	s.clampFrequency()
	return nil
}

// SetAmplitude sets per-DOF sine amplitudes in physical units.
func (s *Session) SetAmplitude(a []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := setVector(&s.amplitude, a); err != nil {
		return err
	}
	s.clampFrequency()
	return nil
}

// clampFrequency limits each DOF to amax/|amplitude| Hz so the peak
// velocity stays inside the platform's range. Must be called with mu held.
func (s *Session) clampFrequency() {
	for dof, a := range s.amplitude {
		if a == 0 {
			continue
		}
		amax := s.cfg.Profile.Amplitude[dof]
		if amax == 0 {
			amax = 1
		}
		if limit := amax / math.Abs(a); s.frequency[dof] > limit {
			s.frequency[dof] = limit
		}
	}
}

func (s *Session) Position() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.position[:]...)
}

func (s *Session) Frequency() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.frequency[:]...)
}

// LoopCount is the number of passes left, including the current one.
func (s *Session) LoopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.play.infinite {
		return engine.LoopInfinite
	}
	if s.mode == SineWave && s.play.duration > 0 {
		left := s.play.duration*time.Duration(s.play.count) - s.play.elapsed
		if left <= 0 {
			return 0
		}
		return int((left + s.play.duration - 1) / s.play.duration)
	}
	return s.play.count
}

// Duration is the length of one pass of the current motion.
func (s *Session) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.play.duration
}

// PlayTime is the time spent running the current motion.
func (s *Session) PlayTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.play.elapsed
}

// sineDuration is one period of the slowest active DOF. Must be called
// with mu held.
func (s *Session) sineDuration() time.Duration {
	low := 0.0
	for dof, f := range s.frequency {
		if f <= 0 || s.amplitude[dof] == 0 {
			continue
		}
		if low == 0 || f < low {
			low = f
		}
	}
	if low == 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / low)
}

// PlayMotion starts the selected mode. loops is the number of extra
// passes, or engine.LoopInfinite. DirectPosition sends one frame and does
// not enter Running. The device is polled first and a safety state
// rejects the motion.
func (s *Session) PlayMotion(loops int) error {
	if (loops < 0 || loops > engine.LoopMax) && loops != engine.LoopInfinite {
		return errors.Wrapf(fault.ConfigurationError, "loop count %v", loops)
	}

	s.mu.Lock()
	primary, slave := s.engine, s.slave
	s.mu.Unlock()
	code := s.Status()
	if primary != nil {
		code = s.poll(primary, slave)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Running {
		return errors.Wrapf(fault.Busy, "already running")
	}
	if s.state != Started {
		return errors.Wrapf(fault.Busy, "play in state %v", s.state)
	}
	if code.Safety() || code == fault.DriverFault {
		return errors.Wrapf(code, "motion gated")
	}

	p := play{
		gen:      s.play.gen + 1,
		infinite: loops == engine.LoopInfinite,
		count:    loops + 1,
	}
	if s.mode != DirectPosition && s.mode != SineWave && s.data == nil {
		return errors.Wrapf(fault.ConfigurationError, "%v mode needs motion data", s.mode)
	}

	switch s.mode {
	case DirectPosition:
		return s.sendPAM(s.position[:])
	case SineWave:
		if p.duration = s.sineDuration(); p.duration == 0 {
			return errors.Wrapf(fault.ConfigurationError, "sine needs a DOF with frequency and amplitude")
		}
	case BufferFile:
		if loops == 0 && s.data.LoopCount != 0 {
			loops = s.data.LoopCount
			p.infinite = loops == engine.LoopInfinite
			p.count = loops + 1
		}
		if err := s.playFile(&p, loops); err != nil {
			return err
		}
	case FrameStream:
		p.duration = s.dataDuration()
	case DoubleBufferStream:
		if err := s.playDouble(&p); err != nil {
			return err
		}
	}

	s.play = p
	s.state = Running
	logger.Tf(s.logCtx, "Session %v playing %v, loops=%v, duration=%v", s.id, s.mode, loops, p.duration)
	return nil
}

// dataDuration must be called with mu held.
func (s *Session) dataDuration() time.Duration {
	return time.Duration(s.data.Length()) * time.Second / time.Duration(s.data.Format.SampleRate)
}

// playFile wraps the motion data in a buffer source. Must be called with
// mu held.
func (s *Session) playFile(p *play, loops int) error {
	d := s.data
	b, err := buffer.New(d.Format, d.Length(), 1)
	if err != nil {
		return errors.Wrapf(err, "file buffer")
	}
	defer b.Release()
	if _, err := b.Enqueue(d.Samples); err != nil {
		return errors.Wrapf(err, "file buffer")
	}

	src, err := engine.NewSource(s.engine, b)
	if err != nil {
		return err
	}
	if err := src.SetMask(s.dataMask); err != nil {
		src.Destroy()
		return err
	}
	gen := p.gen
	if err := src.Play(loops, func(n engine.Notification) { s.onFile(gen, n) }); err != nil {
		src.Destroy()
		return err
	}
	p.source = src

	// The slave plays the same buffer at its own position.
	if s.slave != nil {
		mirror, err := engine.NewSource(s.slave, b)
		if err == nil {
			err = mirror.SetMask(s.dataMask)
		}
		if err == nil {
			err = mirror.Play(loops, nil)
		}
		if err != nil {
			src.Destroy()
			if mirror != nil {
				mirror.Destroy()
			}
			return errors.Wrapf(err, "slave source")
		}
		p.mirror = mirror
	}
	p.duration = s.dataDuration()
	return nil
}

func (s *Session) onFile(gen int, n engine.Notification) {
	s.mu.Lock()
	if s.play.gen != gen {
		s.mu.Unlock()
		return
	}
	switch {
	case n.Flags&engine.EndOfStream != 0:
		s.play.count = 0
		s.play.finished = true
	case n.Flags&engine.EndOfLoop != 0:
		if n.LoopsRemaining != engine.LoopInfinite {
			s.play.count = n.LoopsRemaining + 1
		}
	case n.Flags&engine.ErrorState != 0:
		s.play.starved = true
	}
	obs := s.observer
	s.mu.Unlock()

	if obs != nil {
		obs(n)
	}
}

// playDouble creates a two slot stream source and queues the first two
// chunks. Must be called with mu held.
func (s *Session) playDouble(p *play) error {
	d := s.data
	src, err := engine.NewStreamSource(s.engine, d.Format, 2)
	if err != nil {
		return err
	}
	if err := src.SetMask(s.dataMask); err != nil {
		src.Destroy()
		return err
	}

	p.source = src
	p.duration = s.dataDuration()
	p.chunks = (d.Length() + ChunkSamples - 1) / ChunkSamples
	p.passes = p.count

	for i := 0; i < 2; i++ {
		seg, ok := s.nextChunk(p)
		if !ok {
			break
		}
		if err := src.Submit(context.Background(), seg); err != nil {
			src.Destroy()
			return err
		}
	}
	gen := p.gen
	if err := src.Start(func(n engine.Notification) { s.onChunk(gen, n) }); err != nil {
		src.Destroy()
		return err
	}
	return nil
}

// nextChunk cuts the next chunk of the pass sequence. The last chunk of
// the last pass carries EOS. Must be called with mu held.
func (s *Session) nextChunk(p *play) (engine.Segment, bool) {
	if !p.infinite && p.submitted >= p.chunks*p.passes {
		return engine.Segment{}, false
	}
	ba := s.data.Format.BlockAlign()
	idx := p.submitted % p.chunks
	start := idx * ChunkSamples * ba
	end := min(start+ChunkSamples*ba, len(s.data.Samples))
	seg := engine.Segment{
		Data: s.data.Samples[start:end],
		EOS:  !p.infinite && p.submitted == p.chunks*p.passes-1,
	}
	p.submitted++
	return seg, true
}

// onChunk keeps one chunk in flight and one ready: every played out chunk
// is replaced at once.
func (s *Session) onChunk(gen int, n engine.Notification) {
	s.mu.Lock()
	if s.play.gen != gen {
		s.mu.Unlock()
		return
	}
	var seg engine.Segment
	var ok bool
	switch {
	case n.Flags&engine.EndOfStream != 0:
		s.play.count = 0
		s.play.finished = true
	case n.Flags&engine.EndOfBuffer != 0:
		s.play.played++
		if !s.play.infinite {
			s.play.count = s.play.passes - s.play.played/s.play.chunks
		}
		seg, ok = s.nextChunk(&s.play)
	case n.Flags&engine.ErrorState != 0:
		s.play.starved = true
	}
	src := s.play.source
	obs := s.observer
	s.mu.Unlock()

	if obs != nil {
		obs(n)
	}
	if ok {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := src.Submit(ctx, seg); err != nil {
			logger.Wf(s.logCtx, "Session %v chunk submit: %v", s.id, err)
		}
	}
}

// StopMotion ends the running mode and returns to Started.
func (s *Session) StopMotion() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Running {
		return nil
	}
	s.halt("stopped")
	return nil
}

// halt leaves Running. Late notifications of the halted play are ignored.
// Must be called with mu held.
func (s *Session) halt(reason string) {
	if s.play.source != nil {
		s.play.source.Destroy()
		s.play.source = nil
	}
	if s.play.mirror != nil {
		s.play.mirror.Destroy()
		s.play.mirror = nil
	}
	s.play.gen++
	s.state = Started
	logger.Tf(s.logCtx, "Session %v %v %v, loops left=%v, played=%v", s.id, s.mode, reason, s.play.count, s.play.elapsed)
}

// Update polls diagnostics and advances the running mode by dt. Safety
// states halt motion and are reported through Status; only transport
// failures are returned.
func (s *Session) Update(dt time.Duration) error {
	s.mu.Lock()
	primary, slave := s.engine, s.slave
	s.mu.Unlock()
	if primary == nil {
		return nil
	}
	code := s.poll(primary, slave)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Running {
		return nil
	}
	if code == fault.DriverFault {
		s.halt("driver fault")
		return errors.Wrapf(fault.DriverFault, "session %v transport", s.id)
	}
	if code.Safety() {
		logger.Wf(s.logCtx, "Session %v device reports %v", s.id, code)
		s.halt(code.String())
		return nil
	}

	s.play.elapsed += dt
	switch s.mode {
	case SineWave:
		return s.updateSine()
	case FrameStream:
		return s.updateFrame()
	case BufferFile, DoubleBufferStream:
		s.trackSource()
		if s.play.starved {
			logger.Wf(s.logCtx, "Session %v %v starved", s.id, s.mode)
			s.halt("starved")
		} else if s.play.finished {
			s.halt("complete")
		}
	}
	return nil
}

// trackSource demultiplexes the last sample the playing source mixed into
// the per-DOF position. Must be called with mu held.
func (s *Session) trackSource() {
	if s.play.source == nil {
		return
	}
	vals := s.play.source.Frame()
	f := s.data.Format
	if len(vals) != f.Channels {
		return
	}
	frame := make([]byte, f.BlockAlign())
	f.Encode(vals, frame)
	format.PCMToPAM(frame, f.Element, s.dataMask, s.cfg.Profile.Amplitude, s.position[:])
}

// updateSine must be called with mu held.
func (s *Session) updateSine() error {
	t := s.play.elapsed.Seconds()
	for dof := range s.position {
		f, a := s.frequency[dof], s.amplitude[dof]
		if f == 0 || a == 0 {
			s.position[dof] = 0
			continue
		}
		s.position[dof] = a * math.Sin(2*math.Pi*f*t)
	}
	if err := s.sendPAM(s.position[:]); err != nil {
		s.halt("send failed")
		return err
	}

	total := s.play.duration * time.Duration(s.play.count)
	if !s.play.infinite && s.play.elapsed > total && (s.cfg.Profile.Async() || !s.IsBusy()) {
		s.halt("complete")
	}
	return nil
}

// updateFrame sends every sample due by the elapsed play time at the
// data's own rate and wraps at the end of the data. Must be called with mu
// held.
func (s *Session) updateFrame() error {
	d := s.data
	ba := d.Format.BlockAlign()
	due := int((s.play.elapsed*time.Duration(d.Format.SampleRate) + time.Second - 1) / time.Second)
	for s.play.sent < due {
		frame := d.Samples[s.play.frame*ba : (s.play.frame+1)*ba]
		format.PCMToPAM(frame, d.Format.Element, s.dataMask, s.cfg.Profile.Amplitude, s.position[:])
		if err := s.sendPAM(s.position[:]); err != nil {
			s.halt("send failed")
			return err
		}
		s.play.sent++

		s.play.frame++
		if s.play.frame < d.Length() {
			continue
		}
		s.play.frame = 0
		if s.play.infinite {
			continue
		}
		s.play.count--
		if s.play.count <= 0 {
			s.play.count = 0
			s.halt("complete")
			return nil
		}
	}
	return nil
}

// sendPAM quantizes a per-DOF vector into one device frame. Must be called
// with mu held.
func (s *Session) sendPAM(pam []float64) error {
	c := s.engine
	f := c.Master().Format()
	frame := make([]byte, f.BlockAlign())
	format.PAMToPCM(pam, f.Element, c.Mask(), s.cfg.Profile.Amplitude, frame)
	if err := c.SendStream(frame); err != nil {
		return errors.Wrapf(err, "send position")
	}
	if s.slave != nil {
		if err := s.slave.SendStream(frame); err != nil {
			return errors.Wrapf(err, "send slave position")
		}
	}
	return nil
}
