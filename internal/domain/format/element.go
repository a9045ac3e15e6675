// ABOUTME: Element types and the little-endian sample codec
// ABOUTME: Fixed-point writes saturate to the signed range instead of wrapping
package format

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Element identifies the storage type of one channel value.
// The low byte is the bit width; 0x100 marks floating point.
type Element uint16

const (
	S8  Element = 0x8008
	S16 Element = 0x8010
	S32 Element = 0x8020
	S64 Element = 0x8040
	F32 Element = 0x8120
	F64 Element = 0x8140
)

func (e Element) Valid() bool {
	switch e {
	case S8, S16, S32, S64, F32, F64:
		return true
	}
	return false
}

func (e Element) Bits() int {
	return int(e & 0xff)
}

// Size is the byte width, zero for unknown elements.
func (e Element) Size() int {
	if !e.Valid() {
		return 0
	}
	return e.Bits() / 8
}

func (e Element) IsFloat() bool {
	return e&0x100 != 0
}

// Max is the full-scale positive value. Float elements are normalized to 1.
func (e Element) Max() float64 {
	switch e {
	case S8:
		return math.MaxInt8
	case S16:
		return math.MaxInt16
	case S32:
		return math.MaxInt32
	case S64:
		return math.MaxInt64
	}
	return 1
}

func (e Element) Min() float64 {
	switch e {
	case S8:
		return math.MinInt8
	case S16:
		return math.MinInt16
	case S32:
		return math.MinInt32
	case S64:
		return math.MinInt64
	}
	return -1
}

// Clamp saturates v to the element range. Float elements pass through.
func (e Element) Clamp(v float64) float64 {
	if e.IsFloat() {
		return v
	}
	v = math.Round(v)
	if v > e.Max() {
		return e.Max()
	}
	if v < e.Min() {
		return e.Min()
	}
	return v
}

// Get reads one value from the head of b.
func (e Element) Get(b []byte) float64 {
	switch e {
	case S8:
		return float64(int8(b[0]))
	case S16:
		return float64(int16(binary.LittleEndian.Uint16(b)))
	case S32:
		return float64(int32(binary.LittleEndian.Uint32(b)))
	case S64:
		return float64(int64(binary.LittleEndian.Uint64(b)))
	case F32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case F64:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	}
	return 0
}

// Put writes v to the head of b, saturating fixed-point values.
func (e Element) Put(b []byte, v float64) {
	switch e {
	case S8:
		b[0] = byte(int8(e.Clamp(v)))
	case S16:
		binary.LittleEndian.PutUint16(b, uint16(int16(e.Clamp(v))))
	case S32:
		binary.LittleEndian.PutUint32(b, uint32(int32(e.Clamp(v))))
	case S64:
		c := e.Clamp(v)
		// float64(MaxInt64) rounds up past the int64 range
		if c >= math.MaxInt64 {
			binary.LittleEndian.PutUint64(b, uint64(math.MaxInt64))
			return
		}
		binary.LittleEndian.PutUint64(b, uint64(int64(c)))
	case F32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	case F64:
		binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	}
}

func (e Element) String() string {
	switch e {
	case S8:
		return "S8"
	case S16:
		return "S16"
	case S32:
		return "S32"
	case S64:
		return "S64"
	case F32:
		return "F32"
	case F64:
		return "F64"
	}
	return fmt.Sprintf("element(%#x)", uint16(e))
}

// ParseElement accepts the names printed by String.
func ParseElement(s string) (Element, bool) {
	for _, e := range []Element{S8, S16, S32, S64, F32, F64} {
		if e.String() == s {
			return e, true
		}
	}
	return 0, false
}

// Decode unpacks interleaved samples into dst, reusing it when large enough.
func (f Format) Decode(data []byte, dst []float64) []float64 {
	size := f.Element.Size()
	if size == 0 {
		return dst[:0]
	}
	n := len(data) / size
	if cap(dst) < n {
		dst = make([]float64, n)
	}
	dst = dst[:n]
	for i := range dst {
		dst[i] = f.Element.Get(data[i*size:])
	}
	return dst
}

// Encode packs values into out, which must hold len(values) elements.
func (f Format) Encode(values []float64, out []byte) {
	size := f.Element.Size()
	for i, v := range values {
		f.Element.Put(out[i*size:], v)
	}
}
