// ABOUTME: WAV motion file codec on go-audio, one WAV channel per motion channel
// ABOUTME: 8-bit samples are unsigned on disk and signed in memory
package motionfile

import (
	"io"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/ossrs/go-oryx-lib/errors"

	"github.com/harper/motion-cue-streamer/internal/domain"
	"github.com/harper/motion-cue-streamer/internal/domain/fault"
	"github.com/harper/motion-cue-streamer/internal/domain/format"
)

const wavPCM = 1

func elementForDepth(bits int) (format.Element, bool) {
	switch bits {
	case 8:
		return format.S8, true
	case 16:
		return format.S16, true
	case 32:
		return format.S32, true
	}
	return 0, false
}

func decodeWAV(r io.ReadSeeker) (domain.MotionData, error) {
	dec := wav.NewDecoder(r)
	dec.ReadInfo()
	if !dec.IsValidFile() {
		return domain.MotionData{}, errors.Wrapf(fault.ConfigurationError, "not a wav file")
	}
	if dec.WavAudioFormat != wavPCM {
		return domain.MotionData{}, errors.Wrapf(fault.ConfigurationError, "wav audio format %v", dec.WavAudioFormat)
	}
	el, ok := elementForDepth(int(dec.BitDepth))
	if !ok {
		return domain.MotionData{}, errors.Wrapf(fault.ConfigurationError, "wav bit depth %v", dec.BitDepth)
	}
	f := format.Format{Type: format.DOF, SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans), Element: el}
	if err := f.Validate(); err != nil {
		return domain.MotionData{}, errors.Wrapf(err, "wav format")
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return domain.MotionData{}, errors.Wrapf(fault.ConfigurationError, "decode wav: %v", err)
	}
	vals := make([]float64, len(buf.Data))
	for i, v := range buf.Data {
		if el == format.S8 {
			v -= 128
		}
		vals[i] = float64(v)
	}
	vals = vals[:len(vals)/f.Channels*f.Channels]
	samples := make([]byte, len(vals)*el.Size())
	f.Encode(vals, samples)
	return domain.MotionData{Format: f, Samples: samples}, nil
}

func encodeWAV(w io.WriteSeeker, d domain.MotionData) error {
	f := d.Format
	if f.Element != format.S8 && f.Element != format.S16 && f.Element != format.S32 {
		return errors.Wrapf(fault.ConfigurationError, "wav cannot hold %v", f.Element)
	}
	vals := f.Decode(d.Samples[:f.Align(len(d.Samples))], nil)
	data := make([]int, len(vals))
	for i, v := range vals {
		data[i] = int(v)
		if f.Element == format.S8 {
			data[i] += 128
		}
	}

	enc := wav.NewEncoder(w, f.SampleRate, f.Element.Bits(), f.Channels, wavPCM)
	if err := enc.Write(&audio.IntBuffer{
		Data:           data,
		Format:         &audio.Format{SampleRate: f.SampleRate, NumChannels: f.Channels},
		SourceBitDepth: f.Element.Bits(),
	}); err != nil {
		return errors.Wrapf(err, "write wav")
	}
	return enc.Close()
}
