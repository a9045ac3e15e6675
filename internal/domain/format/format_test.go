// ABOUTME: Tests for sample formats, element codec, and DOF masks
// ABOUTME: Covers saturation, mask ordering, and PCM/PAM round trips
package format

import (
	"math"
	"testing"

	"github.com/harper/motion-cue-streamer/internal/domain/fault"
)

func TestBlockAlign(t *testing.T) {
	f := Format{Type: DOF, SampleRate: 50, Channels: 3, Element: S16}
	if f.BlockAlign() != 6 {
		t.Errorf("expected block align 6, got %d", f.BlockAlign())
	}

	f.Element = F64
	f.Channels = 8
	if f.BlockAlign() != 64 {
		t.Errorf("expected block align 64, got %d", f.BlockAlign())
	}
}

func TestValidate(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default format should validate: %v", err)
	}

	bad := []Format{
		{Type: DOF, SampleRate: 0, Channels: 3, Element: S16},
		{Type: DOF, SampleRate: 1001, Channels: 3, Element: S16},
		{Type: DOF, SampleRate: 50, Channels: 9, Element: S16},
		{Type: DOF, SampleRate: 50, Channels: 0, Element: S16},
		{Type: DOF, SampleRate: 50, Channels: 3, Element: 0x1234},
	}
	for _, f := range bad {
		if err := f.Validate(); fault.Of(err) != fault.ConfigurationError {
			t.Errorf("%v: expected configuration error, got %v", f, err)
		}
	}
}

func TestElement_Saturates(t *testing.T) {
	b := make([]byte, 8)

	S16.Put(b, 40000)
	if v := S16.Get(b); v != math.MaxInt16 {
		t.Errorf("expected %d, got %v", math.MaxInt16, v)
	}

	S16.Put(b, -40000)
	if v := S16.Get(b); v != math.MinInt16 {
		t.Errorf("expected %d, got %v", math.MinInt16, v)
	}

	S8.Put(b, 300)
	if v := S8.Get(b); v != 127 {
		t.Errorf("expected 127, got %v", v)
	}

	S64.Put(b, 1e30)
	if v := S64.Get(b); v < 9.2e18 {
		t.Errorf("expected saturated S64, got %v", v)
	}
}

func TestElement_FloatPassThrough(t *testing.T) {
	b := make([]byte, 8)
	F32.Put(b, 1.5)
	if v := F32.Get(b); v != 1.5 {
		t.Errorf("expected 1.5, got %v", v)
	}
	F64.Put(b, -2.25)
	if v := F64.Get(b); v != -2.25 {
		t.Errorf("expected -2.25, got %v", v)
	}
}

func TestParseElement(t *testing.T) {
	e, ok := ParseElement("S32")
	if !ok || e != S32 {
		t.Errorf("expected S32, got %v %v", e, ok)
	}
	if _, ok := ParseElement("U8"); ok {
		t.Error("U8 should not parse")
	}
}

func TestDefaultMask(t *testing.T) {
	cases := map[int]Mask{
		1: MaskHeave,
		2: MaskRoll | MaskPitch,
		3: MaskHeave | MaskRoll | MaskPitch,
		4: MaskHeave | MaskRoll | MaskPitch | MaskYaw,
		5: 0x1f,
		6: 0x3f,
	}
	for n, want := range cases {
		if got := DefaultMask(n); got != want {
			t.Errorf("DefaultMask(%d) = %#x, want %#x", n, got, want)
		}
	}
}

func TestMask_Index(t *testing.T) {
	m := MaskSway | MaskHeave | MaskYaw
	if m.Index(Sway) != 0 || m.Index(Heave) != 1 || m.Index(Yaw) != 2 {
		t.Errorf("unexpected indexes %d %d %d", m.Index(Sway), m.Index(Heave), m.Index(Yaw))
	}
	if m.Index(Roll) != -1 {
		t.Errorf("unset DOF should map to -1")
	}
}

func TestPCMPAM_RoundTrip(t *testing.T) {
	amp := DefaultAmplitudes()
	amp[Heave] = 50
	amp[Pitch] = 7.5

	for _, el := range []Element{S8, S16, S32} {
		for m := Mask(1); m != 0; m++ {
			n := m.Count()
			frame := make([]byte, n*el.Size())
			for i := 0; i < n; i++ {
				el.Put(frame[i*el.Size():], el.Max()/float64(i+2)-float64(i))
			}

			pam := make([]float64, MaxChannels)
			PCMToPAM(frame, el, m, amp, pam)

			out := make([]byte, len(frame))
			PAMToPCM(pam, el, m, amp, out)

			for i := 0; i < n; i++ {
				a := el.Get(frame[i*el.Size():])
				b := el.Get(out[i*el.Size():])
				if math.Abs(a-b) > 1 {
					t.Fatalf("%v mask %#x ch %d: %v != %v", el, m, i, a, b)
				}
			}
			if m == 0xff {
				break
			}
		}
	}
}

func TestPCMToPAM_Scaling(t *testing.T) {
	frame := make([]byte, 6)
	S16.Put(frame[0:], 32767)
	S16.Put(frame[2:], -32767)
	S16.Put(frame[4:], 0)

	amp := DefaultAmplitudes()
	amp[Heave] = 10

	pam := make([]float64, 6)
	PCMToPAM(frame, S16, MaskDefault, amp, pam)

	if pam[Heave] != 10 {
		t.Errorf("expected heave 10, got %v", pam[Heave])
	}
	if pam[Roll] != -1 {
		t.Errorf("expected roll -1, got %v", pam[Roll])
	}
	if pam[Pitch] != 0 {
		t.Errorf("expected pitch 0, got %v", pam[Pitch])
	}
}
