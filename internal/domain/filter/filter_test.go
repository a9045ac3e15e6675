// ABOUTME: Tests for built-in filter stages and parameter handling
// ABOUTME: Verifies negotiation, saturation, masking order, and DSP behavior
package filter

import (
	"math"
	"testing"

	"github.com/harper/motion-cue-streamer/internal/domain/fault"
	"github.com/harper/motion-cue-streamer/internal/domain/format"
)

func s16(channels, rate int) format.Format {
	return format.Format{Type: format.DOF, SampleRate: rate, Channels: channels, Element: format.S16}
}

func encode(f format.Format, values ...float64) []byte {
	out := make([]byte, len(values)*f.Element.Size())
	f.Encode(values, out)
	return out
}

func build(t *testing.T, n Node, f format.Format, dst format.Format) format.Format {
	t.Helper()
	if _, err := n.Build(&f, dst); err != nil {
		t.Fatalf("build %v: %v", n.Kind(), err)
	}
	return f
}

func TestChannelMask_PreservesBitOrder(t *testing.T) {
	f := s16(6, 50)
	n := NewChannelMask(0b000110)
	out := build(t, n, f, format.Format{})
	if out.Channels != 2 {
		t.Fatalf("expected 2 channels, got %d", out.Channels)
	}

	data := encode(f, 10, 11, 12, 13, 14, 15)
	res, err := n.Process(data)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	got := out.Decode(res, nil)
	if len(got) != 2 || got[0] != 11 || got[1] != 12 {
		t.Errorf("expected [11 12], got %v", got)
	}
}

func TestChannelMask_BeyondChannels(t *testing.T) {
	f := s16(3, 50)
	n := NewChannelMask(0b1000)
	before := f
	if r, err := n.Build(&f, format.Format{}); r != 0 || fault.Of(err) != fault.ConfigurationError {
		t.Fatalf("expected configuration error, got %v %v", r, err)
	}
	if f != before {
		t.Errorf("failed build must not touch src, got %v", f)
	}
}

func TestProcess_BeforeBuild(t *testing.T) {
	n, _ := New(KindScale)
	if _, err := n.Process(make([]byte, 6)); fault.Of(err) != fault.ConfigurationError {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestScale_Saturates(t *testing.T) {
	f := s16(2, 50)
	n, err := NewWithParams(KindScale, Params{"factor": {4}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	build(t, n, f, f)

	res, _ := n.Process(encode(f, 10000, -10000))
	got := f.Decode(res, nil)
	if got[0] != 32767 || got[1] != -32768 {
		t.Errorf("expected saturation, got %v", got)
	}
}

func TestParams_Broadcast(t *testing.T) {
	f := s16(3, 50)
	n, _ := NewWithParams(KindOffset, Params{"value": {5}})
	build(t, n, f, f)

	res, _ := n.Process(encode(f, 1, 2, 3))
	got := f.Decode(res, nil)
	if got[0] != 6 || got[1] != 7 || got[2] != 8 {
		t.Errorf("expected broadcast offset, got %v", got)
	}
}

func TestParams_PerChannel(t *testing.T) {
	f := s16(3, 50)
	n, _ := NewWithParams(KindOffset, Params{"value": {1, 2, 3}})
	build(t, n, f, f)

	res, _ := n.Process(encode(f, 0, 0, 0))
	got := f.Decode(res, nil)
	if got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Errorf("expected per-channel offset, got %v", got)
	}
}

func TestParams_LengthMismatch(t *testing.T) {
	f := s16(3, 50)
	n, _ := NewWithParams(KindScale, Params{"factor": {1, 2}})
	if _, err := n.Build(&f, f); fault.Of(err) != fault.ConfigurationError {
		t.Errorf("expected configuration error, got %v", err)
	}

	m, _ := New(KindScale)
	build(t, m, f, f)
	if err := m.SetParams(Params{"factor": {1, 2}}); fault.Of(err) != fault.ConfigurationError {
		t.Errorf("expected configuration error, got %v", err)
	}
	if got := m.Params()["factor"]; len(got) != 1 || got[0] != 1 {
		t.Errorf("failed set must not mutate, got %v", got)
	}
}

func TestParams_Rejected(t *testing.T) {
	n, _ := New(KindMovingAverage)
	cases := []Params{
		{"count": {1, 2, 3, 4, 5, 6, 7, 8, 9}},
		{"count": {17}},
		{"bogus": {1}},
	}
	for _, p := range cases {
		if err := n.SetParams(p); fault.Of(err) != fault.ConfigurationError {
			t.Errorf("%v: expected configuration error, got %v", p, err)
		}
	}
}

func TestParams_Defaults(t *testing.T) {
	n, _ := New(KindRateLimit)
	if got := n.Params()["rate"]; len(got) != 1 || got[0] != 256 {
		t.Errorf("expected default rate 256, got %v", got)
	}
	n, _ = New(KindNoise)
	if got := n.Params()["covariance"]; got[0] != 5 {
		t.Errorf("expected default covariance 5, got %v", got)
	}
}

func TestLowPass_ConvergesToStep(t *testing.T) {
	f := s16(1, 50)
	n, _ := New(KindLowPass)
	build(t, n, f, f)

	n.Process(encode(f, 0))
	var last float64
	for i := 0; i < 200; i++ {
		res, _ := n.Process(encode(f, 1000))
		last = f.Decode(res, nil)[0]
	}
	if math.Abs(last-1000) > 1 {
		t.Errorf("expected convergence to 1000, got %v", last)
	}
}

func TestHighPass_RejectsDC(t *testing.T) {
	f := s16(1, 50)
	n, _ := New(KindHighPass)
	build(t, n, f, f)

	var first, last float64
	for i := 0; i < 200; i++ {
		res, _ := n.Process(encode(f, 1000))
		v := f.Decode(res, nil)[0]
		if i == 0 {
			first = v
		}
		last = v
	}
	if first == 0 {
		t.Error("step should pass initially")
	}
	if math.Abs(last) > 1 {
		t.Errorf("sustained input should wash out, got %v", last)
	}
}

func TestWashout_ReturnsToNeutral(t *testing.T) {
	f := format.Format{Type: format.DOF, SampleRate: 100, Channels: 1, Element: format.F64}
	n, _ := New(KindWashout)
	build(t, n, f, f)

	var last float64
	for i := 0; i < 500; i++ {
		res, _ := n.Process(encode(f, 1))
		last = f.Decode(res, nil)[0]
	}
	if math.Abs(last) > 1e-3 {
		t.Errorf("expected washout to neutral, got %v", last)
	}
}

func TestMovingAverage(t *testing.T) {
	f := s16(1, 50)
	n, _ := NewWithParams(KindMovingAverage, Params{"count": {2}})
	build(t, n, f, f)

	res, _ := n.Process(encode(f, 10, 20, 30))
	got := f.Decode(res, nil)
	if got[0] != 10 || got[1] != 15 || got[2] != 25 {
		t.Errorf("expected [10 15 25], got %v", got)
	}
}

func TestIntegrator(t *testing.T) {
	f := format.Format{Type: format.DOF, SampleRate: 10, Channels: 1, Element: format.F64}
	n, _ := New(KindIntegrator)
	build(t, n, f, f)

	res, _ := n.Process(encode(f, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1))
	got := f.Decode(res, nil)
	if math.Abs(got[9]-1) > 1e-9 {
		t.Errorf("one second of unit input should integrate to 1, got %v", got[9])
	}
}

func TestRateLimit(t *testing.T) {
	f := s16(1, 1000)
	n, _ := NewWithParams(KindRateLimit, Params{"rate": {10}})
	build(t, n, f, f)

	res, _ := n.Process(encode(f, 0, 100, 100))
	got := f.Decode(res, nil)
	if got[1] != 10 || got[2] != 20 {
		t.Errorf("expected 10 per sample steps, got %v", got)
	}
}

func TestLimit(t *testing.T) {
	f := s16(2, 50)
	n, _ := NewWithParams(KindLimit, Params{"min": {-100}, "max": {100}})
	build(t, n, f, f)

	res, _ := n.Process(encode(f, 500, -500))
	got := f.Decode(res, nil)
	if got[0] != 100 || got[1] != -100 {
		t.Errorf("expected clamp to 100, got %v", got)
	}

	bad, _ := NewWithParams(KindLimit, Params{"min": {10}, "max": {0}})
	g := f
	if _, err := bad.Build(&g, f); fault.Of(err) != fault.ConfigurationError {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestCombine(t *testing.T) {
	f := s16(3, 50)
	n, _ := NewWithParams(KindCombine, Params{
		"mode":  {CombineAdd, CombineNone, CombineSubtract},
		"axis1": {1, 0, 1},
		"axis2": {2, 0, 2},
	})
	build(t, n, f, f)

	res, _ := n.Process(encode(f, 30000, 10000, 7))
	got := f.Decode(res, nil)
	if got[0] != 32767 {
		t.Errorf("combined add should saturate, got %v", got[0])
	}
	if got[1] != 10000 {
		t.Errorf("untouched channel changed, got %v", got[1])
	}
	if got[2] != 20000 {
		t.Errorf("expected 20000, got %v", got[2])
	}
}

func TestNoise_Smooths(t *testing.T) {
	f := format.Format{Type: format.DOF, SampleRate: 50, Channels: 1, Element: format.F64}
	n, _ := New(KindNoise)
	build(t, n, f, f)

	in := make([]float64, 100)
	for i := range in {
		in[i] = 10
		if i%2 == 1 {
			in[i] = -10
		}
	}
	res, _ := n.Process(encode(f, in...))
	got := f.Decode(res, nil)
	if math.Abs(got[99]) >= 10 {
		t.Errorf("alternating noise should be attenuated, got %v", got[99])
	}
}

func TestTilt_NeedsDOFFrame(t *testing.T) {
	f := s16(3, 50)
	n, _ := New(KindTiltCoordinator)
	if _, err := n.Build(&f, f); fault.Of(err) != fault.ConfigurationError {
		t.Errorf("expected configuration error, got %v", err)
	}

	full := format.Format{Type: format.DOF, SampleRate: 50, Channels: 6, Element: format.F64}
	build(t, n, full, full)
	var got []float64
	for i := 0; i < 500; i++ {
		res, _ := n.Process(encode(full, 1, 0, 0, 0, 0, 0))
		got = full.Decode(res, nil)
	}
	if math.Abs(got[format.Pitch]-1) > 1e-3 {
		t.Errorf("sustained surge should become pitch, got %v", got[format.Pitch])
	}
}

func TestKinematics(t *testing.T) {
	f := format.Format{Type: format.DOF, SampleRate: 50, Channels: 3, Element: format.F64}
	n, _ := New(KindKinematics)
	out := build(t, n, f, format.Format{})
	if out.Type != format.Axis || out.Channels != 3 {
		t.Fatalf("expected 3 axis channels, got %v", out)
	}

	// heave, roll, pitch
	res, _ := n.Process(encode(f, 1, 0, 0))
	got := out.Decode(res, nil)
	for i, v := range got {
		if v != 1 {
			t.Errorf("pure heave should move actuator %d by 1, got %v", i, v)
		}
	}

	six, _ := NewWithParams(KindKinematics, Params{"version": {1000}})
	full := format.Format{Type: format.DOF, SampleRate: 50, Channels: 6, Element: format.F64}
	if out := build(t, six, full, format.Format{}); out.Channels != 6 {
		t.Errorf("expected 6 actuators, got %d", out.Channels)
	}

	bad, _ := NewWithParams(KindKinematics, Params{"version": {900}})
	g := f
	if _, err := bad.Build(&g, format.Format{}); fault.Of(err) != fault.ConfigurationError {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestChannelMap(t *testing.T) {
	f := s16(3, 50)
	n := NewChannelMap([]int{3, 0, 1, 1})
	out := build(t, n, f, format.Format{})
	if out.Channels != 4 {
		t.Fatalf("expected 4 channels, got %d", out.Channels)
	}
	res, _ := n.Process(encode(f, 1, 2, 3))
	got := out.Decode(res, nil)
	want := []float64{3, 0, 1, 1}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}

	bad := NewChannelMap([]int{4})
	g := f
	if _, err := bad.Build(&g, format.Format{}); fault.Of(err) != fault.ConfigurationError {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestAdapter_MapsByDOF(t *testing.T) {
	src := s16(3, 50) // heave, roll, pitch
	n := NewAdapter(format.MaskDefault, format.MaskRoll|format.MaskYaw)
	out := build(t, n, src, format.Format{Element: format.S16})
	if out.Channels != 2 {
		t.Fatalf("expected 2 channels, got %d", out.Channels)
	}
	res, _ := n.Process(encode(src, 100, 200, 300))
	got := out.Decode(res, nil)
	if got[0] != 200 || got[1] != 0 {
		t.Errorf("expected [200 0], got %v", got)
	}
}

func TestFormatConvert(t *testing.T) {
	src := format.Format{Type: format.DOF, SampleRate: 50, Channels: 1, Element: format.F32}
	n := NewFormatConvert(format.S16)
	out := build(t, n, src, format.Format{})
	if out.Element != format.S16 {
		t.Fatalf("expected S16, got %v", out.Element)
	}
	res, _ := n.Process(encode(src, 0.5))
	if got := out.Decode(res, nil)[0]; got != 16384 {
		t.Errorf("expected 16384, got %v", got)
	}
}

func TestResample_ChunkedMatchesWhole(t *testing.T) {
	src := s16(1, 50)
	whole := NewResample(20)
	build(t, whole, src, format.Format{})
	chunked := NewResample(20)
	build(t, chunked, src, format.Format{})

	values := make([]float64, 50)
	for i := range values {
		values[i] = float64(i)
	}
	data := encode(src, values...)

	a, _ := whole.Process(data)
	var b []byte
	for i := 0; i < len(data); i += 6 {
		end := i + 6
		if end > len(data) {
			end = len(data)
		}
		out, _ := chunked.Process(data[i:end])
		b = append(b, out...)
	}
	if string(a) != string(b) {
		t.Errorf("chunked output differs: %v vs %v", src.Decode(a, nil), src.Decode(b, nil))
	}
	if len(a) != 20*2 {
		t.Errorf("expected 20 samples, got %d bytes", len(a))
	}
}

func TestCustom_TwoPhase(t *testing.T) {
	calls := 0
	fn := func(ctx any, data []byte, src *format.Format, dst format.Format) float64 {
		calls++
		if data == nil {
			src.Element = format.S16
			return 1
		}
		for i := range data {
			data[i] ^= 0xff
		}
		return 1
	}
	n := NewCustom(fn, nil)
	f := s16(1, 50)
	build(t, n, f, f)
	if calls != 1 {
		t.Fatalf("build should call processor once, got %d", calls)
	}
	res, err := n.Process([]byte{0x00, 0x0f})
	if err != nil || res[0] != 0xff || res[1] != 0xf0 {
		t.Errorf("unexpected process result %v %v", res, err)
	}

	refuse := NewCustom(func(any, []byte, *format.Format, format.Format) float64 { return 0 }, nil)
	g := f
	if _, err := refuse.Build(&g, f); fault.Of(err) != fault.ConfigurationError {
		t.Errorf("expected configuration error, got %v", err)
	}
}
