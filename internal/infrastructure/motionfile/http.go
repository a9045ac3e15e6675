// ABOUTME: HTTP fetch of remote motion files with timeouts and custom headers
// ABOUTME: Bodies are size limited and must answer 200
package motionfile

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/ossrs/go-oryx-lib/errors"

	"github.com/harper/motion-cue-streamer/internal/domain/fault"
)

const DefaultMaxBytes = 16 * 1024 * 1024

type HTTPConfig struct {
	Timeout  time.Duration
	MaxBytes int64
	Headers  map[string]string
}

type httpFetcher struct {
	cfg    HTTPConfig
	client *http.Client
}

func newHTTP(cfg HTTPConfig) *httpFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	transport := &http.Transport{
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &httpFetcher{
		cfg: cfg,
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
	}
}

func (h *httpFetcher) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, errors.Wrapf(fault.ConfigurationError, "create request: %v", err)
	}
	req.Header.Set("Cache-Control", "no-store")
	for k, v := range h.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(fault.Disconnected, "http request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrapf(fault.ConfigurationError, "unexpected status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, h.cfg.MaxBytes+1))
	if err != nil {
		return nil, errors.Wrapf(fault.Disconnected, "read body: %v", err)
	}
	if int64(len(body)) > h.cfg.MaxBytes {
		return nil, errors.Wrapf(fault.Overflow, "motion file over %v bytes", h.cfg.MaxBytes)
	}
	return body, nil
}
