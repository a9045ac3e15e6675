// ABOUTME: HTTP telemetry poller turning JSON readings into recording input frames
// ABOUTME: Channel values are picked by dotted key paths and scaled to element units
package telemetry

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ossrs/go-oryx-lib/errors"
	"github.com/ossrs/go-oryx-lib/logger"

	"github.com/harper/motion-cue-streamer/internal/domain/fault"
	"github.com/harper/motion-cue-streamer/internal/domain/format"
)

// Sink receives whole frames, usually an engine.Input.
type Sink interface {
	SendStream(data []byte) error
}

type Config struct {
	URL      string
	Timeout  time.Duration
	Interval time.Duration
	// Keys lists one dotted JSON path per channel, e.g. "motion.heave".
	Keys []string
	// Scale multiplies each reading into element units.
	Scale float64
}

type Poller struct {
	cfg    Config
	format format.Format
	sink   Sink
	client *http.Client
	logCtx context.Context

	polls    atomic.Int64
	failures atomic.Int64
}

func NewPoller(cfg Config, f format.Format, sink Sink) (*Poller, error) {
	if cfg.URL == "" {
		return nil, errors.Wrapf(fault.ConfigurationError, "telemetry needs a url")
	}
	if err := f.Validate(); err != nil {
		return nil, errors.Wrapf(err, "telemetry format")
	}
	if len(cfg.Keys) != f.Channels {
		return nil, errors.Wrapf(fault.ConfigurationError, "%v telemetry keys for %v channels", len(cfg.Keys), f.Channels)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second / time.Duration(f.SampleRate)
	}
	if cfg.Scale == 0 {
		cfg.Scale = 1
	}
	return &Poller{
		cfg:    cfg,
		format: f,
		sink:   sink,
		client: &http.Client{Timeout: cfg.Timeout},
		logCtx: logger.WithContext(context.Background()),
	}, nil
}

// Fetch reads one set of channel values in physical units.
func (p *Poller) Fetch(ctx context.Context) ([]float64, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", p.cfg.URL, nil)
	if err != nil {
		return nil, errors.Wrapf(fault.ConfigurationError, "create request: %v", err)
	}
	req.Header.Set("Cache-Control", "no-store")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(fault.Disconnected, "http request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrapf(fault.Disconnected, "unexpected status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, errors.Wrapf(fault.Disconnected, "read body: %v", err)
	}

	var data map[string]interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, errors.Wrapf(fault.ConfigurationError, "parse json: %v", err)
	}

	out := make([]float64, len(p.cfg.Keys))
	for i, key := range p.cfg.Keys {
		v, ok := getNumber(data, key)
		if !ok {
			return nil, errors.Wrapf(fault.ConfigurationError, "telemetry key %q missing", key)
		}
		out[i] = v
	}
	return out, nil
}

// Poll fetches one reading and sends it to the sink as one frame.
func (p *Poller) Poll(ctx context.Context) error {
	p.polls.Add(1)
	vals, err := p.Fetch(ctx)
	if err != nil {
		p.failures.Add(1)
		return err
	}
	for i := range vals {
		vals[i] *= p.cfg.Scale
	}
	frame := make([]byte, p.format.BlockAlign())
	p.format.Encode(vals, frame)
	if err := p.sink.SendStream(frame); err != nil {
		p.failures.Add(1)
		return errors.Wrapf(err, "telemetry send")
	}
	return nil
}

// Run polls every interval until ctx is done. Failed polls are logged and
// the loop carries on.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	logger.Tf(p.logCtx, "Telemetry polling %v every %v", p.cfg.URL, p.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.Poll(ctx); err != nil && ctx.Err() == nil {
				logger.Wf(p.logCtx, "Telemetry poll: %v", err)
			}
		}
	}
}

// Stats reports the polls attempted and the failures among them.
func (p *Poller) Stats() (polls, failures int64) {
	return p.polls.Load(), p.failures.Load()
}

// getNumber walks a dotted path through nested objects. Numeric strings
// are accepted.
func getNumber(data map[string]interface{}, key string) (float64, bool) {
	parts := strings.Split(key, ".")
	var cur interface{} = data
	for _, part := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return 0, false
		}
		if cur, ok = m[part]; !ok {
			return 0, false
		}
	}
	switch v := cur.(type) {
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
