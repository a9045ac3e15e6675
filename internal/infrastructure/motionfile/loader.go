// ABOUTME: Motion file loader reading WAV or CSV from disk, memory or http(s)
// ABOUTME: Implements domain.Loader; encrypted containers are rejected
package motionfile

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/ossrs/go-oryx-lib/errors"
	"github.com/ossrs/go-oryx-lib/logger"

	"github.com/harper/motion-cue-streamer/internal/domain"
	"github.com/harper/motion-cue-streamer/internal/domain/fault"
)

type Loader struct {
	http *httpFetcher
}

func NewLoader(cfg HTTPConfig) *Loader {
	return &Loader{http: newHTTP(cfg)}
}

var _ domain.Loader = (*Loader)(nil)

func isRemote(location string) bool {
	return strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://")
}

// Load reads location, a file path or http(s) URL.
func (l *Loader) Load(ctx context.Context, location, key string) (domain.MotionData, error) {
	if key != "" {
		return domain.MotionData{}, errors.Wrapf(fault.ConfigurationError, "encrypted motion files are not supported")
	}

	var data []byte
	var err error
	if isRemote(location) {
		data, err = l.http.fetch(ctx, location)
	} else {
		data, err = os.ReadFile(location)
		if err != nil {
			err = errors.Wrapf(fault.ConfigurationError, "read %v: %v", location, err)
		}
	}
	if err != nil {
		return domain.MotionData{}, err
	}

	d, err := l.LoadBytes(data, "")
	if err != nil {
		return domain.MotionData{}, errors.Wrapf(err, "decode %v", location)
	}
	logger.Tf(ctx, "Motion file %v loaded, format=%v, samples=%v", location, d.Format, d.Length())
	return d, nil
}

// LoadBytes decodes a WAV (RIFF) or CSV image.
func (l *Loader) LoadBytes(data []byte, key string) (domain.MotionData, error) {
	if key != "" {
		return domain.MotionData{}, errors.Wrapf(fault.ConfigurationError, "encrypted motion files are not supported")
	}
	if len(data) == 0 {
		return domain.MotionData{}, errors.Wrapf(fault.ConfigurationError, "empty motion file")
	}

	var d domain.MotionData
	var err error
	if bytes.HasPrefix(data, []byte("RIFF")) {
		d, err = decodeWAV(bytes.NewReader(data))
	} else {
		d, err = decodeCSV(bytes.NewReader(data))
	}
	if err != nil {
		return domain.MotionData{}, err
	}
	if d.Length() == 0 {
		return domain.MotionData{}, errors.Wrapf(fault.ConfigurationError, "motion file has no samples")
	}
	return d, nil
}

// Save writes d as CSV when location ends in .csv and as WAV otherwise.
func (l *Loader) Save(location string, d domain.MotionData) error {
	if err := d.Format.Validate(); err != nil {
		return errors.Wrapf(err, "save %v", location)
	}
	if isRemote(location) {
		return errors.Wrapf(fault.ConfigurationError, "save to %v", location)
	}

	f, err := os.Create(location)
	if err != nil {
		return errors.Wrapf(fault.ConfigurationError, "create %v: %v", location, err)
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(location), ".csv") {
		err = encodeCSV(f, d)
	} else {
		err = encodeWAV(f, d)
	}
	if err != nil {
		return errors.Wrapf(err, "save %v", location)
	}
	return f.Close()
}
