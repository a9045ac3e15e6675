// ABOUTME: Tests for the playback session state machine and its play modes
// ABOUTME: Sessions run on a manual clock against the emulated device
package playback

import (
	"context"
	stderrors "errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/ossrs/go-oryx-lib/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harper/motion-cue-streamer/internal/domain"
	"github.com/harper/motion-cue-streamer/internal/domain/engine"
	"github.com/harper/motion-cue-streamer/internal/domain/fault"
	"github.com/harper/motion-cue-streamer/internal/domain/format"
	"github.com/harper/motion-cue-streamer/internal/infrastructure/device"
)

const (
	primaryHandle domain.Handle = 1
	slaveHandle   domain.Handle = 2
	tick                        = 40 * time.Millisecond
)

func newSession(t *testing.T, dev *device.Emulator, cfg Config) *Session {
	t.Helper()
	logger.Switch(io.Discard)

	if cfg.DeviceID == 0 {
		cfg.DeviceID = 11
	}
	cfg.ManualClock = true
	cfg.SampleRate = 50
	cfg.Samples = 2
	cfg.Profile.Name = "test"
	s := New(cfg, dev, nil)
	t.Cleanup(func() { s.Close() })
	return s
}

func startedSession(t *testing.T, dev *device.Emulator, cfg Config) *Session {
	t.Helper()
	s := newSession(t, dev, cfg)
	require.NoError(t, s.Open(context.Background()))
	require.NoError(t, s.Start())
	return s
}

// heaveFrames builds n per-DOF frames whose heave ramps from 0.1 upwards.
func heaveFrames(n int) [][]float64 {
	out := make([][]float64, n)
	for i := range out {
		pam := make([]float64, format.MaxChannels)
		pam[format.Heave] = 0.1 * float64(i%8+1)
		out[i] = pam
	}
	return out
}

func lastHeave(t *testing.T, dev *device.Emulator, h domain.Handle) float64 {
	t.Helper()
	last := dev.Last(h)
	require.NotEmpty(t, last)
	f := format.Format{Type: format.DOF, SampleRate: 50, Channels: 3, Element: format.S16}
	vals := f.Decode(last[len(last)-f.BlockAlign():], nil)
	return vals[format.MaskDefault.Index(format.Heave)]
}

type observed struct {
	mu    sync.Mutex
	flags []engine.Flag
	loops []int
}

func (o *observed) watch(s *Session) {
	s.SetObserver(func(n engine.Notification) {
		lc := s.LoopCount()
		o.mu.Lock()
		defer o.mu.Unlock()
		o.flags = append(o.flags, n.Flags)
		if n.Flags&engine.EndOfBuffer != 0 {
			o.loops = append(o.loops, lc)
		}
	})
}

func (o *observed) count(f engine.Flag) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, x := range o.flags {
		if x&f != 0 {
			n++
		}
	}
	return n
}

func (o *observed) loopCounts() []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]int(nil), o.loops...)
}

func runUntilStarted(t *testing.T, s *Session, limit int) int {
	t.Helper()
	for i := 1; i <= limit; i++ {
		require.NoError(t, s.Step(tick))
		if s.State() != Running {
			return i
		}
	}
	t.Fatalf("session still running after %v steps", limit)
	return 0
}

func TestSession_StateMachine(t *testing.T) {
	dev := device.NewEmulator(device.Config{})
	s := newSession(t, dev, Config{})

	assert.Equal(t, Closed, s.State())
	assert.True(t, fault.Is(s.Start(), fault.Busy))
	assert.True(t, fault.Is(s.PlayMotion(0), fault.Busy))

	require.NoError(t, s.Open(context.Background()))
	assert.Equal(t, Open, s.State())
	assert.True(t, fault.Is(s.Open(context.Background()), fault.Busy))
	assert.True(t, fault.Is(s.PlayMotion(0), fault.Busy))

	require.NoError(t, s.Start())
	assert.Equal(t, Started, s.State())
	require.NoError(t, s.Start())

	require.NoError(t, s.Stop())
	assert.Equal(t, Stopped, s.State())
	require.NoError(t, s.Stop())
	assert.Equal(t, Stopped, s.State())

	require.NoError(t, s.Start())
	assert.Equal(t, Started, s.State())

	require.NoError(t, s.Close())
	assert.Equal(t, Closed, s.State())
	require.NoError(t, s.Close())
	assert.Empty(t, dev.Connected())
}

func TestSession_StopSettles(t *testing.T) {
	dev := device.NewEmulator(device.Config{})
	s := startedSession(t, dev, Config{})

	require.NoError(t, s.SetMode(SineWave))
	require.NoError(t, s.SetFrequency([]float64{0, 0, 1}))
	require.NoError(t, s.SetAmplitude([]float64{0, 0, 0.5}))
	require.NoError(t, s.PlayMotion(engine.LoopInfinite))
	require.NoError(t, s.Step(tick))

	require.NoError(t, s.Stop())
	assert.Equal(t, Stopped, s.State())
	assert.Equal(t, format.S16.Min(), lastHeave(t, dev, primaryHandle))
}

func TestSession_Disconnected(t *testing.T) {
	dev := device.NewEmulator(device.Config{Offline: []int{11}})

	s := newSession(t, dev, Config{})
	err := s.Open(context.Background())
	assert.True(t, fault.Is(err, fault.Disconnected))
	assert.Equal(t, Closed, s.State())
	assert.Equal(t, fault.Disconnected, s.Status())

	emu := newSession(t, dev, Config{Emulation: true})
	require.NoError(t, emu.Open(context.Background()))
	assert.True(t, emu.Emulated())
	require.NoError(t, emu.Start())
	require.NoError(t, emu.Step(tick))
	assert.Equal(t, fault.Disconnected, emu.Status())

	require.NoError(t, emu.SetPosition([]float64{0, 0, 0.5}))
	require.NoError(t, emu.PlayMotion(0))
	assert.Empty(t, dev.Connected())
}

func TestSession_DirectPosition(t *testing.T) {
	dev := device.NewEmulator(device.Config{})
	s := startedSession(t, dev, Config{})

	require.NoError(t, s.SetPosition([]float64{0, 0, 0.5}))
	require.NoError(t, s.PlayMotion(0))

	assert.Equal(t, Started, s.State())
	assert.Equal(t, 16384.0, lastHeave(t, dev, primaryHandle))
	assert.True(t, fault.Is(s.SetPosition(make([]float64, format.MaxChannels+1)), fault.ConfigurationError))
}

func TestSession_SineCompletes(t *testing.T) {
	dev := device.NewEmulator(device.Config{})
	s := startedSession(t, dev, Config{})

	require.NoError(t, s.SetMode(SineWave))
	assert.True(t, fault.Is(s.PlayMotion(0), fault.ConfigurationError))

	require.NoError(t, s.SetFrequency([]float64{0, 0, 1}))
	require.NoError(t, s.SetAmplitude([]float64{0, 0, 0.5}))
	require.NoError(t, s.PlayMotion(0))

	assert.Equal(t, Running, s.State())
	assert.Equal(t, time.Second, s.Duration())
	assert.Equal(t, 1, s.LoopCount())

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Step(100*time.Millisecond))
		if i == 0 {
			assert.InDelta(t, 0.29389, s.Position()[format.Heave], 1e-4)
			assert.InDelta(t, 0.29389*32767, lastHeave(t, dev, primaryHandle), 1)
		}
	}
	assert.Equal(t, Running, s.State())
	assert.Equal(t, 0, s.LoopCount())

	require.NoError(t, s.Step(100*time.Millisecond))
	assert.Equal(t, Started, s.State())
	assert.Equal(t, 1100*time.Millisecond, s.PlayTime())
}

func TestSession_SineWaitsForBusyPlatform(t *testing.T) {
	dev := device.NewEmulator(device.Config{})
	s := startedSession(t, dev, Config{})

	require.NoError(t, s.SetMode(SineWave))
	require.NoError(t, s.SetFrequency([]float64{0, 0, 5}))
	require.NoError(t, s.SetAmplitude([]float64{0, 0, 0.1}))
	require.NoError(t, s.PlayMotion(1))
	assert.Equal(t, 2, s.LoopCount())

	dev.SetBusy(true)
	for i := 0; i < 6; i++ {
		require.NoError(t, s.Step(100*time.Millisecond))
	}
	assert.True(t, s.IsBusy())
	assert.Equal(t, Running, s.State())

	dev.SetBusy(false)
	require.NoError(t, s.Step(100*time.Millisecond))
	assert.Equal(t, Started, s.State())
}

func TestSession_FrequencyClamp(t *testing.T) {
	dev := device.NewEmulator(device.Config{})
	s := newSession(t, dev, Config{})

	require.NoError(t, s.SetAmplitude([]float64{0, 0, 4}))
	require.NoError(t, s.SetFrequency([]float64{0, 0, 1}))
	assert.Equal(t, 0.25, s.Frequency()[format.Heave])

	require.NoError(t, s.SetFrequency([]float64{0, 0, 0.1, 3}))
	require.NoError(t, s.SetAmplitude([]float64{0, 0, 2}))
	assert.Equal(t, 0.1, s.Frequency()[format.Heave])
	assert.Equal(t, 3.0, s.Frequency()[format.Roll])
}

func TestSession_BufferFileLoops(t *testing.T) {
	dev := device.NewEmulator(device.Config{})
	s := startedSession(t, dev, Config{})
	obs := &observed{}
	obs.watch(s)

	require.NoError(t, s.SetMode(BufferFile))
	assert.True(t, fault.Is(s.PlayMotion(0), fault.ConfigurationError))

	require.NoError(t, s.LoadData(50, heaveFrames(3)))
	require.NoError(t, s.PlayMotion(2))
	assert.Equal(t, 3, s.LoopCount())
	assert.Equal(t, 60*time.Millisecond, s.Duration())

	steps := runUntilStarted(t, s, 10)
	assert.Equal(t, 5, steps)
	assert.Equal(t, 2, obs.count(engine.EndOfLoop))
	assert.Equal(t, 1, obs.count(engine.EndOfStream))
	assert.Equal(t, 0, s.LoopCount())
	assert.Zero(t, s.Context().PlayingCount())
}

func TestSession_BufferFileUsesFileLoopCount(t *testing.T) {
	dev := device.NewEmulator(device.Config{})
	s := startedSession(t, dev, Config{})
	obs := &observed{}
	obs.watch(s)

	f := format.Format{Type: format.DOF, SampleRate: 50, Channels: 1, Element: format.S16}
	samples := make([]byte, 4*f.BlockAlign())
	f.Encode([]float64{100, 200, 300, 400}, samples)
	require.NoError(t, s.setData(domain.MotionData{Format: f, Samples: samples, LoopCount: 1}))

	require.NoError(t, s.SetMode(BufferFile))
	require.NoError(t, s.PlayMotion(0))
	assert.Equal(t, 2, s.LoopCount())

	require.NoError(t, s.Step(tick))
	assert.Equal(t, 200.0, lastHeave(t, dev, primaryHandle))

	runUntilStarted(t, s, 10)
	assert.Equal(t, 1, obs.count(engine.EndOfLoop))
	assert.Equal(t, 1, obs.count(engine.EndOfStream))
}

func TestSession_FrameStreamWraps(t *testing.T) {
	dev := device.NewEmulator(device.Config{})
	s := startedSession(t, dev, Config{})
	period := 20 * time.Millisecond

	require.NoError(t, s.LoadData(50, heaveFrames(4)))
	require.NoError(t, s.SetMode(FrameStream))
	require.NoError(t, s.PlayMotion(1))
	assert.Equal(t, 2, s.LoopCount())

	require.NoError(t, s.Step(period))
	assert.InDelta(t, 0.1, s.Position()[format.Heave], 1e-3)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Step(period))
	}
	assert.InDelta(t, 0.4, s.Position()[format.Heave], 1e-3)
	assert.Equal(t, 1, s.LoopCount())

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Step(period))
	}
	assert.Equal(t, Running, s.State())

	require.NoError(t, s.Step(period))
	assert.Equal(t, Started, s.State())
	assert.Equal(t, 0, s.LoopCount())
}

func TestSession_FrameStreamFollowsDataRate(t *testing.T) {
	dev := device.NewEmulator(device.Config{})
	s := startedSession(t, dev, Config{})

	require.NoError(t, s.LoadData(50, heaveFrames(50)))
	require.NoError(t, s.SetMode(FrameStream))
	before := dev.Frames(primaryHandle)
	require.NoError(t, s.PlayMotion(0))
	assert.Equal(t, time.Second, s.Duration())

	require.NoError(t, s.Step(tick))
	assert.Equal(t, before+2, dev.Frames(primaryHandle), "two samples are due after 40ms at 50Hz")
	assert.InDelta(t, 0.2, s.Position()[format.Heave], 1e-3)

	steps := runUntilStarted(t, s, 50)
	assert.Equal(t, 24, steps)
	assert.Equal(t, s.Duration(), s.PlayTime())
	assert.Equal(t, before+50, dev.Frames(primaryHandle))
}

func TestSession_FilePlaybackTracksPosition(t *testing.T) {
	for _, mode := range []Mode{BufferFile, DoubleBufferStream} {
		t.Run(mode.String(), func(t *testing.T) {
			dev := device.NewEmulator(device.Config{})
			s := startedSession(t, dev, Config{})

			require.NoError(t, s.LoadData(50, heaveFrames(20)))
			require.NoError(t, s.SetMode(mode))
			require.NoError(t, s.PlayMotion(0))

			for i := 0; i < 3; i++ {
				require.NoError(t, s.Step(tick))
			}
			heave := s.Position()[format.Heave]
			assert.InDelta(t, 0.6, heave, 1e-3)
			assert.InDelta(t, lastHeave(t, dev, primaryHandle)/32767, heave, 1e-4)
		})
	}
}

func TestSession_DoubleBufferCompletesAfterFiveChunks(t *testing.T) {
	dev := device.NewEmulator(device.Config{})
	s := startedSession(t, dev, Config{})
	obs := &observed{}
	obs.watch(s)

	require.NoError(t, s.LoadData(50, heaveFrames(20)))
	require.NoError(t, s.SetMode(DoubleBufferStream))
	require.NoError(t, s.PlayMotion(0))
	assert.Equal(t, 1, s.LoopCount())

	steps := runUntilStarted(t, s, 20)
	assert.Equal(t, 10, steps)
	assert.Equal(t, 5, obs.count(engine.EndOfBuffer))
	assert.Equal(t, []int{1, 1, 1, 1, 0}, obs.loopCounts())
	assert.Equal(t, 1, obs.count(engine.EndOfStream))
	assert.Zero(t, obs.count(engine.ErrorState))
	assert.Equal(t, 0, s.LoopCount())
}

func TestSession_DoubleBufferRepeatsPasses(t *testing.T) {
	dev := device.NewEmulator(device.Config{})
	s := startedSession(t, dev, Config{})
	obs := &observed{}
	obs.watch(s)

	require.NoError(t, s.LoadData(50, heaveFrames(20)))
	require.NoError(t, s.SetMode(DoubleBufferStream))
	require.NoError(t, s.PlayMotion(1))
	assert.Equal(t, 2, s.LoopCount())

	runUntilStarted(t, s, 40)
	assert.Equal(t, 10, obs.count(engine.EndOfBuffer))
	assert.Equal(t, []int{2, 2, 2, 2, 1, 1, 1, 1, 1, 0}, obs.loopCounts())
}

func TestSession_RunningRejectsChanges(t *testing.T) {
	dev := device.NewEmulator(device.Config{})
	s := startedSession(t, dev, Config{})

	require.NoError(t, s.SetMode(SineWave))
	require.NoError(t, s.SetFrequency([]float64{0, 0, 1}))
	require.NoError(t, s.SetAmplitude([]float64{0, 0, 0.5}))
	require.NoError(t, s.PlayMotion(engine.LoopInfinite))
	assert.Equal(t, engine.LoopInfinite, s.LoopCount())

	assert.True(t, fault.Is(s.SetMode(FrameStream), fault.Busy))
	assert.True(t, fault.Is(s.LoadData(50, heaveFrames(2)), fault.Busy))
	assert.True(t, fault.Is(s.Unload(), fault.Busy))
	assert.True(t, fault.Is(s.PlayMotion(0), fault.Busy))
	assert.True(t, fault.Is(s.PlayMotion(300), fault.ConfigurationError))

	require.NoError(t, s.StopMotion())
	assert.Equal(t, Started, s.State())
	require.NoError(t, s.SetMode(FrameStream))
	assert.Equal(t, FrameStream, s.Mode())
}

func TestSession_SafetyGatesMotion(t *testing.T) {
	dev := device.NewEmulator(device.Config{})
	s := startedSession(t, dev, Config{})

	require.NoError(t, s.SetMode(SineWave))
	require.NoError(t, s.SetFrequency([]float64{0, 0, 1}))
	require.NoError(t, s.SetAmplitude([]float64{0, 0, 0.5}))
	require.NoError(t, s.PlayMotion(engine.LoopInfinite))
	require.NoError(t, s.Step(tick))
	assert.Equal(t, fault.OK, s.Status())

	dev.SetEmergency(true)
	require.NoError(t, s.Step(tick))
	assert.Equal(t, Started, s.State())
	assert.Equal(t, fault.Emergency, s.Status())
	assert.True(t, fault.Is(s.PlayMotion(0), fault.Emergency))

	dev.SetEmergency(false)
	require.NoError(t, s.Step(tick))
	assert.Equal(t, fault.OK, s.Status())

	dev.RaiseAlarm(1)
	require.NoError(t, s.Step(tick))
	assert.Equal(t, fault.Alarm, s.Status())
	require.NoError(t, s.AlarmReset(1))
	require.NoError(t, s.Step(tick))
	assert.Equal(t, fault.OK, s.Status())

	require.NoError(t, s.SetServo(0, false))
	require.NoError(t, s.Step(tick))
	assert.Equal(t, fault.ServoOff, s.Status())
	require.NoError(t, s.SetServo(0, true))
	require.NoError(t, s.Step(tick))

	require.NoError(t, s.PlayMotion(0))
	assert.Equal(t, Running, s.State())
}

func TestSession_FirstMotionChecksDevice(t *testing.T) {
	dev := device.NewEmulator(device.Config{})
	dev.SetEmergency(true)
	s := startedSession(t, dev, Config{})
	sent := dev.Frames(primaryHandle)

	require.NoError(t, s.SetPosition([]float64{0, 0, 0.5}))
	assert.True(t, fault.Is(s.PlayMotion(0), fault.Emergency))
	assert.Equal(t, sent, dev.Frames(primaryHandle))
	assert.Equal(t, fault.Emergency, s.Status())

	require.NoError(t, s.SetMode(SineWave))
	require.NoError(t, s.SetFrequency([]float64{0, 0, 1}))
	require.NoError(t, s.SetAmplitude([]float64{0, 0, 0.5}))
	assert.True(t, fault.Is(s.PlayMotion(0), fault.Emergency))
	assert.Equal(t, Started, s.State())

	dev.SetEmergency(false)
	require.NoError(t, s.PlayMotion(0))
	assert.Equal(t, Running, s.State())
}

func TestSession_DriverFault(t *testing.T) {
	dev := device.NewEmulator(device.Config{})
	s := startedSession(t, dev, Config{})

	require.NoError(t, s.SetMode(SineWave))
	require.NoError(t, s.SetFrequency([]float64{0, 0, 1}))
	require.NoError(t, s.SetAmplitude([]float64{0, 0, 0.5}))
	require.NoError(t, s.PlayMotion(engine.LoopInfinite))

	dev.FailSends(func([]byte) error { return stderrors.New("cable pulled") })
	err := s.Step(tick)
	assert.True(t, fault.Is(err, fault.DriverFault))
	assert.Equal(t, Started, s.State())

	require.NoError(t, s.Step(tick))
	assert.Equal(t, fault.DriverFault, s.Status())
	assert.True(t, fault.Is(s.PlayMotion(0), fault.DriverFault))
}

func TestSession_SlaveFollowsPrimary(t *testing.T) {
	dev := device.NewEmulator(device.Config{})
	s := startedSession(t, dev, Config{SlaveID: 12})
	assert.Len(t, dev.Connected(), 2)

	require.NoError(t, s.SetPosition([]float64{0, 0, 0.5}))
	require.NoError(t, s.PlayMotion(0))
	assert.Equal(t, dev.Last(primaryHandle), dev.Last(slaveHandle))

	require.NoError(t, s.LoadData(50, heaveFrames(4)))
	require.NoError(t, s.SetMode(BufferFile))
	require.NoError(t, s.PlayMotion(0))
	before := dev.Frames(slaveHandle)
	runUntilStarted(t, s, 10)
	assert.Greater(t, dev.Frames(slaveHandle), before)
	assert.Equal(t, dev.Last(primaryHandle), dev.Last(slaveHandle))
	assert.Zero(t, s.Context().PlayingCount())

	require.NoError(t, s.Close())
	assert.Empty(t, dev.Connected())
}

func TestParseMode(t *testing.T) {
	for _, m := range []Mode{DirectPosition, SineWave, BufferFile, FrameStream, DoubleBufferStream} {
		got, ok := ParseMode(m.String())
		assert.True(t, ok)
		assert.Equal(t, m, got)
	}
	_, ok := ParseMode("warp")
	assert.False(t, ok)
}
