// ABOUTME: Buffer format conversion through a built filter pipeline
// ABOUTME: Copies and transforms the full queued content into a new buffer
package buffer

import (
	"github.com/ossrs/go-oryx-lib/errors"

	"github.com/harper/motion-cue-streamer/internal/domain/fault"
	"github.com/harper/motion-cue-streamer/internal/domain/filter"
	"github.com/harper/motion-cue-streamer/internal/domain/format"
)

// Convert builds fl (optional), a resampler and a DOF adapter against
// (b.Format(), desired), then transforms a copy of the queued samples into
// a new buffer. The ratio is (dst rate x dst channels) / (src rate x src
// channels). On a build failure nothing is allocated.
func (b *Buffer) Convert(desired format.Format, fl filter.Node) (*Buffer, float64, error) {
	if err := desired.Validate(); err != nil {
		return nil, 0, errors.Wrapf(err, "convert target")
	}

	g := filter.NewGroup()
	if fl != nil {
		g.Append(fl)
	}
	g.Append(filter.NewResample(desired.SampleRate))
	g.Append(filter.NewAdapter(0, 0))

	f := b.format
	if _, err := g.Build(&f, desired); err != nil {
		return nil, 0, errors.Wrapf(err, "convert %v to %v", b.format, desired)
	}
	if f.Channels != desired.Channels || f.Element != desired.Element {
		return nil, 0, errors.Wrapf(fault.ConfigurationError, "convert produced %v, want %v", f, desired)
	}

	data := b.Snapshot()
	out, err := g.Process(data)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "convert process")
	}

	samples := desired.Samples(len(out))
	if samples == 0 {
		samples = 1
	}
	var opts []Option
	if b.streaming {
		opts = append(opts, Streaming())
	}
	nb, err := New(desired, samples, 1, opts...)
	if err != nil {
		return nil, 0, err
	}
	if _, err := nb.Enqueue(out); err != nil {
		return nil, 0, errors.Wrapf(err, "convert enqueue")
	}

	ratio := float64(desired.SampleRate*desired.Channels) / float64(b.format.SampleRate*b.format.Channels)
	return nb, ratio, nil
}
