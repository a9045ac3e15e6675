// ABOUTME: Degree-of-freedom channel masks and PCM/PAM conversion
// ABOUTME: Channel i of a masked frame maps to the i-th set bit in ascending order
package format

import "math/bits"

// DOF indexes.
const (
	Surge = iota
	Sway
	Heave
	Roll
	Pitch
	Yaw
)

// Mask selects which DOF channels are present. Bit i is DOF i.
type Mask uint8

const (
	MaskSurge Mask = 1 << Surge
	MaskSway  Mask = 1 << Sway
	MaskHeave Mask = 1 << Heave
	MaskRoll  Mask = 1 << Roll
	MaskPitch Mask = 1 << Pitch
	MaskYaw   Mask = 1 << Yaw

	MaskAll     Mask = 0xff
	MaskDefault      = MaskHeave | MaskRoll | MaskPitch
)

func (m Mask) Count() int {
	return bits.OnesCount8(uint8(m))
}

func (m Mask) Has(dof int) bool {
	return dof >= 0 && dof < MaxChannels && m&(1<<dof) != 0
}

// Bits lists the set bit indexes in ascending order.
func (m Mask) Bits() []int {
	out := make([]int, 0, m.Count())
	for i := 0; i < MaxChannels; i++ {
		if m.Has(i) {
			out = append(out, i)
		}
	}
	return out
}

// Index is the channel position of dof inside a frame laid out by m, or -1.
func (m Mask) Index(dof int) int {
	if !m.Has(dof) {
		return -1
	}
	return bits.OnesCount8(uint8(m) & (1<<dof - 1))
}

// DefaultMask derives the active DOFs for n loaded channels.
func DefaultMask(n int) Mask {
	switch n {
	case 1:
		return MaskHeave
	case 2:
		return MaskRoll | MaskPitch
	case 3:
		return MaskHeave | MaskRoll | MaskPitch
	case 4:
		return MaskHeave | MaskRoll | MaskPitch | MaskYaw
	}
	if n <= 0 {
		return 0
	}
	if n >= MaxChannels {
		return MaskAll
	}
	return Mask(1<<n - 1)
}

// Amplitudes holds the physical full-scale value per DOF.
type Amplitudes [MaxChannels]float64

// DefaultAmplitudes normalizes every DOF to 1.
func DefaultAmplitudes() Amplitudes {
	var a Amplitudes
	for i := range a {
		a[i] = 1
	}
	return a
}

func (a Amplitudes) get(dof int) float64 {
	if a[dof] == 0 {
		return 1
	}
	return a[dof]
}

// PCMToPAM demultiplexes one frame into the per-DOF position vector pam.
// DOFs outside the mask are left untouched.
func PCMToPAM(frame []byte, el Element, m Mask, amp Amplitudes, pam []float64) {
	size := el.Size()
	ch := 0
	for dof := 0; dof < MaxChannels && dof < len(pam); dof++ {
		if !m.Has(dof) {
			continue
		}
		if (ch+1)*size > len(frame) {
			return
		}
		pam[dof] = el.Get(frame[ch*size:]) * amp.get(dof) / el.Max()
		ch++
	}
}

// PAMToPCM multiplexes the masked DOFs of pam into one frame.
func PAMToPCM(pam []float64, el Element, m Mask, amp Amplitudes, frame []byte) {
	size := el.Size()
	ch := 0
	for dof := 0; dof < MaxChannels; dof++ {
		if !m.Has(dof) {
			continue
		}
		if (ch+1)*size > len(frame) {
			return
		}
		v := 0.0
		if dof < len(pam) {
			v = pam[dof] * el.Max() / amp.get(dof)
		}
		el.Put(frame[ch*size:], v)
		ch++
	}
}
