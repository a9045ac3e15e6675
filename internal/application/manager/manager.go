// ABOUTME: Session manager for lifecycle and lookup
// ABOUTME: Creates playback sessions from config and runs their telemetry pollers
package manager

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ossrs/go-oryx-lib/errors"
	"github.com/ossrs/go-oryx-lib/logger"

	"github.com/harper/motion-cue-streamer/internal/application/config"
	"github.com/harper/motion-cue-streamer/internal/domain"
	"github.com/harper/motion-cue-streamer/internal/domain/engine"
	"github.com/harper/motion-cue-streamer/internal/domain/fault"
	"github.com/harper/motion-cue-streamer/internal/domain/filter"
	"github.com/harper/motion-cue-streamer/internal/domain/format"
	"github.com/harper/motion-cue-streamer/internal/domain/playback"
	"github.com/harper/motion-cue-streamer/internal/infrastructure/telemetry"
)

type entry struct {
	cfg     config.SessionConfig
	session *playback.Session
	input   *engine.Input
	poller  *telemetry.Poller
}

type Manager struct {
	entries map[string]*entry
	order   []string
	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logCtx  context.Context
}

func NewFromConfig(cfg *config.Config, device domain.Device, loader domain.Loader) (*Manager, error) {
	ctx, cancel := context.WithCancel(context.Background())

	mgr := &Manager{
		entries: make(map[string]*entry),
		ctx:     ctx,
		cancel:  cancel,
		logCtx:  logger.WithContext(ctx),
	}

	for _, sc := range cfg.Sessions {
		out, err := BuildFilters(sc.Filters)
		if err != nil {
			cancel()
			return nil, errors.Wrapf(err, "session %v", sc.ID)
		}

		sessionCfg := playback.Config{
			ID:             sc.ID,
			DeviceID:       sc.DeviceID,
			SlaveID:        sc.SlaveID,
			Profile:        BuildProfile(sc.DeviceID, sc.Profile),
			Emulation:      sc.Emulation,
			SampleRate:     sc.Master.SampleRate,
			Samples:        sc.Master.Samples,
			Buffers:        sc.Master.Buffers,
			Filter:         out,
			UpdateInterval: time.Duration(sc.Playback.UpdateMs) * time.Millisecond,
		}

		mgr.entries[sc.ID] = &entry{
			cfg:     sc,
			session: playback.New(sessionCfg, device, loader),
		}
		mgr.order = append(mgr.order, sc.ID)
	}

	return mgr, nil
}

// BuildProfile converts the profile section into a device profile.
func BuildProfile(id int, pc config.ProfileConfig) domain.Profile {
	p := domain.Profile{
		ID:        id,
		Name:      pc.Name,
		Version:   pc.Version,
		RateLimit: pc.RateLimit,
		Mask:      pc.DOFMask(),
		AxisMap:   append([]int(nil), pc.AxisMap...),
	}
	copy(p.Amplitude[:], pc.AmplitudeMax)
	for _, o := range pc.Options {
		switch strings.ToLower(o) {
		case "debug":
			p.Options |= domain.OptionDebug
		case "force":
			p.Options |= domain.OptionForce
		case "async":
			p.Options |= domain.OptionAsync
		}
	}
	return p
}

// BuildFilters creates the output chain. More than one filter is wrapped
// in a group; none yields nil.
func BuildFilters(fcs []config.FilterConfig) (filter.Node, error) {
	nodes := make([]filter.Node, 0, len(fcs))
	for _, fc := range fcs {
		kind, ok := filter.ParseKind(fc.Type)
		if !ok {
			return nil, errors.Wrapf(fault.ConfigurationError, "filter type %q", fc.Type)
		}
		n, err := filter.NewWithParams(kind, filter.Params(fc.Params))
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	switch len(nodes) {
	case 0:
		return nil, nil
	case 1:
		return nodes[0], nil
	}
	return filter.NewGroup(nodes...), nil
}

func (m *Manager) Get(id string) *playback.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.entries[id]; ok {
		return e.session
	}
	return nil
}

// List returns the sessions in configuration order.
func (m *Manager) List() []*playback.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*playback.Session, 0, len(m.order))
	for _, id := range m.order {
		result = append(result, m.entries[id].session)
	}
	return result
}

// Telemetry returns the poller feeding session id, if one is configured.
func (m *Manager) Telemetry(id string) *telemetry.Poller {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.entries[id]; ok {
		return e.poller
	}
	return nil
}

// Start opens and starts every session, applies its playback section and
// launches its telemetry poller.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.order {
		e := m.entries[id]
		if err := m.startEntry(ctx, e); err != nil {
			return errors.Wrapf(err, "session %v", id)
		}
	}
	return nil
}

func (m *Manager) startEntry(ctx context.Context, e *entry) error {
	s := e.session
	if err := s.Open(ctx); err != nil {
		return err
	}
	if err := s.Start(); err != nil {
		return err
	}
	if err := m.applyPlayback(ctx, s, e.cfg.Playback); err != nil {
		return err
	}
	if e.cfg.Telemetry.URL != "" {
		if err := m.startTelemetry(e); err != nil {
			return err
		}
	}
	logger.Tf(m.logCtx, "Session %v running on device %v, status=%v", s.ID(), e.cfg.DeviceID, s.Status())
	return nil
}

func (m *Manager) applyPlayback(ctx context.Context, s *playback.Session, pc config.PlaybackConfig) error {
	mode, ok := playback.ParseMode(pc.Mode)
	if !ok {
		return errors.Wrapf(fault.ConfigurationError, "playback mode %q", pc.Mode)
	}
	if err := s.SetMode(mode); err != nil {
		return err
	}
	if err := s.SetPosition(pc.Position); err != nil {
		return err
	}
	if err := s.SetAmplitude(pc.Amplitude); err != nil {
		return err
	}
	if err := s.SetFrequency(pc.Frequency); err != nil {
		return err
	}
	if pc.File != "" {
		if err := s.Load(ctx, pc.File, pc.Key); err != nil {
			return err
		}
	}
	if mode == playback.SineWave && len(pc.Frequency) == 0 {
		return nil
	}
	return s.PlayMotion(pc.LoopCount)
}

func (m *Manager) startTelemetry(e *entry) error {
	tc := e.cfg.Telemetry
	c := e.session.Context()
	f := format.Format{
		Type:       format.DOF,
		SampleRate: c.Master().Format().SampleRate,
		Channels:   len(tc.Keys),
		Element:    format.S16,
	}
	in, err := engine.NewInput(c, f, nil)
	if err != nil {
		return err
	}
	if err := in.Start(nil); err != nil {
		in.Destroy()
		return err
	}
	p, err := telemetry.NewPoller(telemetry.Config{
		URL:      tc.URL,
		Timeout:  time.Duration(tc.TimeoutMs) * time.Millisecond,
		Interval: time.Duration(tc.PollMs) * time.Millisecond,
		Keys:     tc.Keys,
		Scale:    tc.Scale,
	}, f, in)
	if err != nil {
		in.Destroy()
		return err
	}
	e.input, e.poller = in, p

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		p.Run(m.ctx)
	}()
	return nil
}

func (m *Manager) Shutdown() error {
	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	for _, id := range m.order {
		e := m.entries[id]
		if e.input != nil {
			e.input.Destroy()
			e.input = nil
		}
		if cerr := e.session.Close(); cerr != nil {
			logger.Wf(m.logCtx, "Session %v close: %v", id, cerr)
			err = cerr
		}
	}
	return err
}
