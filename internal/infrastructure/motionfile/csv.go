// ABOUTME: CSV motion file codec: a "# key=value" header line then one row per sample
// ABOUTME: Values are raw element units, one column per channel
package motionfile

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ossrs/go-oryx-lib/errors"

	"github.com/harper/motion-cue-streamer/internal/domain"
	"github.com/harper/motion-cue-streamer/internal/domain/fault"
	"github.com/harper/motion-cue-streamer/internal/domain/format"
)

// parseHeader reads "# rate=50 channels=3 format=S16 loop=0". Missing
// keys keep the defaults of format.Default.
func parseHeader(line string) (format.Format, int, error) {
	f := format.Default()
	loop := 0
	line = strings.TrimSpace(strings.TrimPrefix(line, "#"))
	for _, field := range strings.Fields(line) {
		k, v, ok := strings.Cut(field, "=")
		if !ok {
			return f, 0, errors.Wrapf(fault.ConfigurationError, "header field %q", field)
		}
		var err error
		switch strings.ToLower(k) {
		case "rate":
			f.SampleRate, err = strconv.Atoi(v)
		case "channels":
			f.Channels, err = strconv.Atoi(v)
		case "format":
			el, ok := format.ParseElement(strings.ToUpper(v))
			if !ok {
				return f, 0, errors.Wrapf(fault.ConfigurationError, "header format %q", v)
			}
			f.Element = el
		case "loop":
			loop, err = strconv.Atoi(v)
		}
		if err != nil {
			return f, 0, errors.Wrapf(fault.ConfigurationError, "header %v: %v", k, err)
		}
	}
	return f, loop, nil
}

func decodeCSV(r io.Reader) (domain.MotionData, error) {
	br := bufio.NewReader(r)
	first, err := br.ReadString('\n')
	if err != nil && err != io.EOF {
		return domain.MotionData{}, errors.Wrapf(err, "read csv header")
	}
	if !strings.HasPrefix(strings.TrimSpace(first), "#") {
		return domain.MotionData{}, errors.Wrapf(fault.ConfigurationError, "csv motion file needs a # header")
	}
	f, loop, err := parseHeader(first)
	if err != nil {
		return domain.MotionData{}, err
	}
	if err := f.Validate(); err != nil {
		return domain.MotionData{}, errors.Wrapf(err, "csv format")
	}

	cr := csv.NewReader(br)
	cr.Comment = '#'
	cr.FieldsPerRecord = f.Channels
	cr.TrimLeadingSpace = true
	var vals []float64
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return domain.MotionData{}, errors.Wrapf(fault.ConfigurationError, "csv row: %v", err)
		}
		for _, field := range rec {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return domain.MotionData{}, errors.Wrapf(fault.ConfigurationError, "csv value %q", field)
			}
			vals = append(vals, v)
		}
	}
	samples := make([]byte, len(vals)*f.Element.Size())
	f.Encode(vals, samples)
	return domain.MotionData{Format: f, Samples: samples, LoopCount: loop}, nil
}

func encodeCSV(w io.Writer, d domain.MotionData) error {
	f := d.Format
	if _, err := fmt.Fprintf(w, "# rate=%d channels=%d format=%v loop=%d\n", f.SampleRate, f.Channels, f.Element, d.LoopCount); err != nil {
		return errors.Wrapf(err, "write csv header")
	}
	cw := csv.NewWriter(w)
	vals := f.Decode(d.Samples[:f.Align(len(d.Samples))], nil)
	row := make([]string, f.Channels)
	for i := 0; i+f.Channels <= len(vals); i += f.Channels {
		for c := range row {
			row[c] = strconv.FormatFloat(vals[i+c], 'g', -1, 64)
		}
		if err := cw.Write(row); err != nil {
			return errors.Wrapf(err, "write csv row")
		}
	}
	cw.Flush()
	return cw.Error()
}
