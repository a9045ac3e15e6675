// ABOUTME: Playable source of motion samples mixed into a context
// ABOUTME: Buffer-bound sources loop over a shared buffer; stream sources queue submitted segments
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/ossrs/go-oryx-lib/errors"
	"github.com/ossrs/go-oryx-lib/logger"

	"github.com/harper/motion-cue-streamer/internal/domain/buffer"
	"github.com/harper/motion-cue-streamer/internal/domain/fault"
	"github.com/harper/motion-cue-streamer/internal/domain/filter"
	"github.com/harper/motion-cue-streamer/internal/domain/format"
)

// Speeds accepted by SetSpeed, in percent.
var Speeds = []int{25, 50, 100, 200, 400}

const DefaultStreamBuffers = 2

// Segment is one submitted chunk of a stream source.
type Segment struct {
	Data []byte
	// Loops is the number of extra passes over Data.
	Loops int
	// EOS marks the last segment of the stream.
	EOS bool
}

type segment struct {
	data    []byte
	buf     *buffer.Buffer
	samples int
	loops   int
	eos     bool
	held    bool
	started bool
}

func (s *segment) frame(idx, ba int, out []byte) {
	if s.buf != nil {
		if n := s.buf.PeekAt(out, idx*ba); n < len(out) {
			clear(out[n:])
		}
		return
	}
	copy(out, s.data[idx*ba:(idx+1)*ba])
}

// SourceInfo is a snapshot of a source's state.
type SourceInfo struct {
	Format   format.Format
	Mask     format.Mask
	Playing  bool
	Paused   bool
	Volume   int
	Speed    int
	Loops    int
	Queued   int
	Position time.Duration
}

type Source struct {
	ctx *Context

	mu        sync.Mutex
	format    format.Format
	mask      format.Mask
	buf       *buffer.Buffer
	filter    filter.Node
	chain     *filter.Group
	effective format.Format
	outMask   format.Mask
	notify    Flag
	cb        Callback
	queue     []*segment
	slots     chan struct{}
	pos       float64
	playing   bool
	paused    bool
	starved   bool
	volume    int
	speed     int
	raw       []byte
	vals      []float64
	frame     []float64
}

func newSource(c *Context, f format.Format) *Source {
	s := &Source{
		ctx:       c,
		format:    f,
		effective: f,
		notify:    AllNotifications,
		volume:    100,
		speed:     100,
	}
	s.mask = format.DefaultMask(f.Channels)
	s.outMask = s.mask
	return s
}

// NewSource binds a source to buf and takes a reference on it. Several
// sources may share one buffer, each with its own position.
func NewSource(c *Context, buf *buffer.Buffer) (*Source, error) {
	if c == nil || buf == nil {
		return nil, errors.Wrapf(fault.ConfigurationError, "source needs a context and a buffer")
	}
	if buf.Released() {
		return nil, errors.Wrapf(fault.ConfigurationError, "source buffer released")
	}
	s := newSource(c, buf.Format())
	s.buf = buf.Retain()
	return s, nil
}

// NewStreamSource creates a source fed by Submit. At most buffers
// segments may be queued; further submits block.
func NewStreamSource(c *Context, f format.Format, buffers int) (*Source, error) {
	if c == nil {
		return nil, errors.Wrapf(fault.ConfigurationError, "source needs a context")
	}
	if err := f.Validate(); err != nil {
		return nil, errors.Wrapf(err, "stream source format")
	}
	if buffers <= 0 {
		buffers = DefaultStreamBuffers
	}
	s := newSource(c, f)
	s.slots = make(chan struct{}, buffers)
	return s, nil
}

func validLoops(loops int) error {
	if (loops < 0 || loops > LoopMax) && loops != LoopInfinite {
		return errors.Wrapf(fault.ConfigurationError, "loop count %v", loops)
	}
	return nil
}

// Play queues the bound buffer and enters the context's playlist. Playing
// a playing source restarts it from the beginning.
func (s *Source) Play(loops int, cb Callback) error {
	if err := validLoops(loops); err != nil {
		return err
	}

	s.mu.Lock()
	if s.buf == nil {
		s.mu.Unlock()
		return errors.Wrapf(fault.ConfigurationError, "stream sources start with Start")
	}
	samples := s.buf.Queued()
	if samples == 0 {
		s.mu.Unlock()
		return errors.Wrapf(fault.ConfigurationError, "play empty buffer")
	}
	s.dropQueue()
	s.queue = []*segment{{buf: s.buf, samples: samples, loops: loops, eos: true}}
	s.rewind()
	s.cb = cb
	s.mu.Unlock()

	s.ctx.addSource(s)
	logger.Tf(s.ctx.logCtx, "Source play %v samples, loops=%v", samples, loops)
	return nil
}

// Start enters the playlist and plays submitted segments as they arrive.
func (s *Source) Start(cb Callback) error {
	s.mu.Lock()
	if s.buf != nil {
		s.mu.Unlock()
		return errors.Wrapf(fault.ConfigurationError, "buffer sources start with Play")
	}
	s.rewind()
	s.cb = cb
	s.mu.Unlock()

	s.ctx.addSource(s)
	return nil
}

// rewind must be called with mu held.
func (s *Source) rewind() {
	s.pos = 0
	s.playing = true
	s.paused = false
	s.starved = false
	if s.chain != nil {
		s.chain.Reset()
	}
}

// Submit queues a segment, blocking while every slot is in flight.
func (s *Source) Submit(ctx context.Context, seg Segment) error {
	if s.slots == nil {
		return errors.Wrapf(fault.ConfigurationError, "submit to a buffer source")
	}
	if err := validLoops(seg.Loops); err != nil {
		return err
	}
	ba := s.format.BlockAlign()
	if len(seg.Data) == 0 || len(seg.Data)%ba != 0 {
		return errors.Wrapf(fault.ConfigurationError, "segment of %v bytes is not whole %v samples", len(seg.Data), s.format)
	}

	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		return errors.Wrapf(fault.Busy, "wait for source slot: %v", ctx.Err())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, &segment{
		data:    append([]byte(nil), seg.Data...),
		samples: len(seg.Data) / ba,
		loops:   seg.Loops,
		eos:     seg.EOS,
		held:    true,
	})
	s.starved = false
	return nil
}

// QueuedCount is the number of segments not yet played out, including
// the current one.
func (s *Source) QueuedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// InFlight is the number of submit slots in use.
func (s *Source) InFlight() int {
	if s.slots == nil {
		return 0
	}
	return len(s.slots)
}

// Flush drops queued segments and rewinds without leaving the playlist.
func (s *Source) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf == nil {
		s.dropQueue()
	}
	s.pos = 0
}

// dropQueue must be called with mu held.
func (s *Source) dropQueue() {
	for _, seg := range s.queue {
		if seg.held {
			s.releaseSlot()
		}
	}
	s.queue = nil
}

func (s *Source) releaseSlot() {
	select {
	case <-s.slots:
	default:
	}
}

// Stop leaves the playlist. Stopping a stopped source does nothing.
func (s *Source) Stop() {
	s.mu.Lock()
	if !s.playing {
		s.mu.Unlock()
		return
	}
	s.playing = false
	s.paused = false
	s.dropQueue()
	s.pos = 0
	s.mu.Unlock()

	s.ctx.removeSource(s)
}

// Pause holds the position. Paused sources emit nothing.
func (s *Source) Pause(paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = paused
}

func (s *Source) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

func (s *Source) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *Source) SetVolume(v int) error {
	if v < 0 || v > 100 {
		return errors.Wrapf(fault.ConfigurationError, "volume %v out of 0..100", v)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volume = v
	return nil
}

func (s *Source) SetSpeed(pct int) error {
	for _, v := range Speeds {
		if v == pct {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.speed = pct
			return nil
		}
	}
	return errors.Wrapf(fault.ConfigurationError, "speed %v%% not in %v", pct, Speeds)
}

// SetNotify selects which flags reach the callback.
func (s *Source) SetNotify(mask Flag) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notify = mask
}

// SetMask declares the DOF carried by each channel. Zero restores the
// default for the channel count.
func (s *Source) SetMask(m format.Mask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m == 0 {
		m = format.DefaultMask(s.format.Channels)
	}
	if m.Count() != s.format.Channels {
		return errors.Wrapf(fault.ConfigurationError, "mask %08b does not fit %v channels", m, s.format.Channels)
	}
	s.mask = m
	s.outMask = s.maskFor(s.effective)
	return nil
}

// maskFor must be called with mu held.
func (s *Source) maskFor(f format.Format) format.Mask {
	if f.Channels == s.mask.Count() {
		return s.mask
	}
	return format.DefaultMask(f.Channels)
}

// SetFilter binds a per-source filter, built at once against the source
// format at its own rate. A failed build keeps the previous filter.
func (s *Source) SetFilter(node filter.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if node == nil {
		s.filter, s.chain, s.effective = nil, nil, s.format
		s.outMask = s.mask
		return nil
	}
	g := filter.NewGroup(node)
	f := s.format
	if _, err := g.Build(&f, format.Format{SampleRate: s.format.SampleRate}); err != nil {
		return errors.Wrapf(err, "source filter")
	}
	s.filter, s.chain, s.effective = node, g, f
	s.outMask = s.maskFor(f)
	return nil
}

func (s *Source) Filter() filter.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter
}

// SetBuffer rebinds a stopped source to another buffer.
func (s *Source) SetBuffer(buf *buffer.Buffer) error {
	if buf == nil || buf.Released() {
		return errors.Wrapf(fault.ConfigurationError, "set released buffer")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf == nil {
		return errors.Wrapf(fault.ConfigurationError, "stream sources have no buffer")
	}
	if s.playing {
		return errors.Wrapf(fault.Busy, "set buffer while playing")
	}
	if buf.Format() != s.format && s.chain != nil {
		return errors.Wrapf(fault.ConfigurationError, "buffer %v does not match filtered format %v", buf.Format(), s.format)
	}
	old := s.buf
	s.buf = buf.Retain()
	s.format = buf.Format()
	s.effective = s.format
	if s.mask.Count() != s.format.Channels {
		s.mask = format.DefaultMask(s.format.Channels)
	}
	s.outMask = s.mask
	old.Release()
	return nil
}

func (s *Source) Buffer() *buffer.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf
}

func (s *Source) Format() format.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

// Position is the play offset inside the current buffer.
func (s *Source) Position() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position()
}

func (s *Source) position() time.Duration {
	return time.Duration(s.pos * float64(time.Second) / float64(s.format.SampleRate))
}

// Frame is the last frame this source contributed, in source units.
func (s *Source) Frame() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.frame...)
}

func (s *Source) Info() SourceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := SourceInfo{
		Format:   s.format,
		Mask:     s.mask,
		Playing:  s.playing,
		Paused:   s.paused,
		Volume:   s.volume,
		Speed:    s.speed,
		Queued:   len(s.queue),
		Position: s.position(),
	}
	if len(s.queue) > 0 {
		info.Loops = s.queue[0].loops
	}
	return info
}

// Destroy stops the source and drops its buffer reference.
func (s *Source) Destroy() {
	s.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf != nil {
		s.buf.Release()
		s.buf = nil
	}
}

// mix adds up to n frames into acc, laid out by master and mmask. It
// reports whether anything was added and whether the source finished.
// Notifications are posted in the order their transitions happened.
func (s *Source) mix(acc []float64, n int, master format.Format, mmask format.Mask) (bool, bool) {
	s.mu.Lock()
	if !s.playing || s.paused {
		s.mu.Unlock()
		return false, false
	}

	ba := s.format.BlockAlign()
	if cap(s.raw) < n*ba {
		s.raw = make([]byte, n*ba)
	}
	raw := s.raw[:n*ba]
	step := float64(s.format.SampleRate) / float64(master.SampleRate) * float64(s.speed) / 100

	var evs []Notification
	emit := func(f Flag, loops int) {
		if s.notify&f != 0 {
			evs = append(evs, Notification{Flags: f, LoopsRemaining: loops, Position: s.position(), Source: s})
		}
	}

	frames := 0
	done := false
	for frames < n && !done {
		if len(s.queue) == 0 {
			if !s.starved {
				s.starved = true
				emit(ErrorState, 0)
			}
			break
		}
		seg := s.queue[0]
		if !seg.started {
			seg.started = true
			emit(StartOfBuffer, seg.loops)
		}
		seg.frame(int(s.pos), ba, raw[frames*ba:(frames+1)*ba])
		frames++
		s.pos += step

		for len(s.queue) > 0 && s.pos >= float64(s.queue[0].samples) {
			seg = s.queue[0]
			s.pos -= float64(seg.samples)
			switch {
			case seg.loops == LoopInfinite:
				emit(EndOfLoop, LoopInfinite)
			case seg.loops > 0:
				seg.loops--
				emit(EndOfLoop, seg.loops)
			default:
				s.queue = s.queue[1:]
				if seg.held {
					s.releaseSlot()
				}
				emit(EndOfBuffer, 0)
				if seg.eos {
					s.pos = 0
					s.playing = false
					s.dropQueue()
					emit(EndOfStream, 0)
					done = true
				} else if len(s.queue) > 0 {
					s.queue[0].started = true
					emit(StartOfBuffer, s.queue[0].loops)
				}
			}
			if done {
				break
			}
		}
	}

	contributed := false
	if frames > 0 {
		contributed = s.accumulate(acc, raw[:frames*ba], master, mmask)
	}
	cb := s.cb
	s.mu.Unlock()

	for _, ev := range evs {
		s.ctx.post(cb, ev)
	}
	return contributed, done
}

// accumulate must be called with mu held.
func (s *Source) accumulate(acc []float64, data []byte, master format.Format, mmask format.Mask) bool {
	ef := s.format
	if s.chain != nil {
		out, err := s.chain.Process(data)
		if err != nil {
			logger.Wf(s.ctx.logCtx, "Source filter failed: %v", err)
			return false
		}
		data, ef = out, s.effective
	}
	s.vals = ef.Decode(data, s.vals)

	gain := master.Element.Max() / ef.Element.Max() * float64(s.volume) / 100
	mixFrames(acc, s.vals, ef.Channels, s.outMask, master.Channels, mmask, gain)

	if k := len(s.vals) / ef.Channels; k > 0 {
		s.frame = append(s.frame[:0], s.vals[(k-1)*ef.Channels:k*ef.Channels]...)
	}
	return true
}

// mixFrames adds frames laid out by smask into acc laid out by mmask,
// matching channels by DOF.
func mixFrames(acc, vals []float64, sch int, smask format.Mask, mch int, mmask format.Mask, gain float64) {
	frames := len(vals) / sch
	if limit := len(acc) / mch; frames > limit {
		frames = limit
	}
	dofs := mmask.Bits()
	for k := 0; k < frames; k++ {
		for j, dof := range dofs {
			if ci := smask.Index(dof); ci >= 0 && ci < sch {
				acc[k*mch+j] += vals[k*sch+ci] * gain
			}
		}
	}
}
