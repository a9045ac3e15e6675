// ABOUTME: Handle-based facade over contexts, buffers, sources, inputs and filters
// ABOUTME: Callers hold small integer handles and receive fault codes as errors
package api

import (
	"context"
	"sync"
	"time"

	"github.com/ossrs/go-oryx-lib/errors"
	"github.com/ossrs/go-oryx-lib/logger"

	"github.com/harper/motion-cue-streamer/internal/domain"
	"github.com/harper/motion-cue-streamer/internal/domain/buffer"
	"github.com/harper/motion-cue-streamer/internal/domain/engine"
	"github.com/harper/motion-cue-streamer/internal/domain/fault"
	"github.com/harper/motion-cue-streamer/internal/domain/filter"
	"github.com/harper/motion-cue-streamer/internal/domain/format"
)

// Handle names one object in the table. Zero is never issued.
type Handle int32

type Kind int

const (
	ContextKind Kind = iota + 1
	BufferKind
	SourceKind
	InputKind
	FilterKind
)

func (k Kind) String() string {
	switch k {
	case ContextKind:
		return "context"
	case BufferKind:
		return "buffer"
	case SourceKind:
		return "source"
	case InputKind:
		return "input"
	case FilterKind:
		return "filter"
	}
	return "unknown"
}

type object struct {
	kind Kind
	v    interface{}
	// owner is the context handle a source or input was created on.
	owner Handle
}

type API struct {
	device domain.Device
	logCtx context.Context

	mu      sync.Mutex
	next    Handle
	objects map[Handle]object
}

func New(device domain.Device) *API {
	return &API{
		device:  device,
		logCtx:  logger.WithContext(context.Background()),
		next:    1,
		objects: make(map[Handle]object),
	}
}

func (a *API) add(kind Kind, v interface{}, owner Handle) Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	h := a.next
	a.next++
	a.objects[h] = object{kind: kind, v: v, owner: owner}
	return h
}

func (a *API) get(h Handle, kind Kind) (interface{}, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	o, ok := a.objects[h]
	if !ok {
		return nil, errors.Wrapf(fault.ConfigurationError, "unknown handle %v", h)
	}
	if o.kind != kind {
		return nil, errors.Wrapf(fault.ConfigurationError, "handle %v is a %v, not a %v", h, o.kind, kind)
	}
	return o.v, nil
}

// Kind reports what h names, or false for an unknown handle.
func (a *API) Kind(h Handle) (Kind, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	o, ok := a.objects[h]
	return o.kind, ok
}

// Len is the number of live handles.
func (a *API) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.objects)
}

func (a *API) context(h Handle) (*engine.Context, error) {
	v, err := a.get(h, ContextKind)
	if err != nil {
		return nil, err
	}
	return v.(*engine.Context), nil
}

func (a *API) buffer(h Handle) (*buffer.Buffer, error) {
	v, err := a.get(h, BufferKind)
	if err != nil {
		return nil, err
	}
	return v.(*buffer.Buffer), nil
}

func (a *API) source(h Handle) (*engine.Source, error) {
	v, err := a.get(h, SourceKind)
	if err != nil {
		return nil, err
	}
	return v.(*engine.Source), nil
}

func (a *API) input(h Handle) (*engine.Input, error) {
	v, err := a.get(h, InputKind)
	if err != nil {
		return nil, err
	}
	return v.(*engine.Input), nil
}

func (a *API) filter(h Handle) (filter.Node, error) {
	v, err := a.get(h, FilterKind)
	if err != nil {
		return nil, err
	}
	return v.(filter.Node), nil
}

// optionalFilter resolves a filter handle where zero means none.
func (a *API) optionalFilter(h Handle) (filter.Node, error) {
	if h == 0 {
		return nil, nil
	}
	return a.filter(h)
}

// contextHandle finds the handle of the context carried by ctx.
func (a *API) contextHandle(ctx context.Context) (Handle, *engine.Context, error) {
	c, err := engine.RequireCurrent(ctx)
	if err != nil {
		return 0, nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for h, o := range a.objects {
		if o.kind == ContextKind && o.v == c {
			return h, c, nil
		}
	}
	return 0, nil, errors.Wrapf(fault.ConfigurationError, "current context %v is not open here", c.ID())
}

// Destroy releases the object behind h. Destroying a context also
// destroys the sources and inputs created on it.
func (a *API) Destroy(h Handle) error {
	a.mu.Lock()
	o, ok := a.objects[h]
	if !ok {
		a.mu.Unlock()
		return errors.Wrapf(fault.ConfigurationError, "unknown handle %v", h)
	}
	delete(a.objects, h)
	var owned []object
	if o.kind == ContextKind {
		for oh, x := range a.objects {
			if x.owner == h {
				owned = append(owned, x)
				delete(a.objects, oh)
			}
		}
	}
	a.mu.Unlock()

	for _, x := range owned {
		destroy(x)
	}
	return destroy(o)
}

func destroy(o object) error {
	switch v := o.v.(type) {
	case *engine.Context:
		return v.Destroy()
	case *buffer.Buffer:
		v.Release()
	case *engine.Source:
		v.Destroy()
	case *engine.Input:
		v.Destroy()
	}
	return nil
}

// Close destroys every object, contexts last.
func (a *API) Close() error {
	a.mu.Lock()
	var contexts, rest []object
	for _, o := range a.objects {
		if o.kind == ContextKind {
			contexts = append(contexts, o)
		} else {
			rest = append(rest, o)
		}
	}
	a.objects = make(map[Handle]object)
	a.mu.Unlock()

	for _, o := range rest {
		destroy(o)
	}
	var err error
	for _, o := range contexts {
		if derr := destroy(o); derr != nil {
			err = derr
		}
	}
	return err
}

// Contexts

// CreateContext connects a device context. The returned context.Context
// carries it as the current context for CreateSource and CreateInput.
func (a *API) CreateContext(ctx context.Context, cfg engine.Config, opts ...engine.Option) (Handle, context.Context, error) {
	c, err := engine.New(ctx, a.device, cfg, opts...)
	if err != nil {
		return 0, ctx, err
	}
	h := a.add(ContextKind, c, 0)
	logger.Tf(a.logCtx, "API context %v is device %v, emulated=%v", h, cfg.DeviceID, c.Emulated())
	return h, engine.WithCurrent(ctx, c), nil
}

// MakeCurrent returns ctx carrying h as the current context.
func (a *API) MakeCurrent(ctx context.Context, h Handle) (context.Context, error) {
	c, err := a.context(h)
	if err != nil {
		return ctx, err
	}
	return engine.WithCurrent(ctx, c), nil
}

func (a *API) StartContext(h Handle, flags engine.MoveFlag) error {
	c, err := a.context(h)
	if err != nil {
		return err
	}
	return c.Start(flags, nil)
}

func (a *API) StopContext(h Handle, flags engine.MoveFlag) error {
	c, err := a.context(h)
	if err != nil {
		return err
	}
	return c.Stop(flags)
}

// Tick advances a manual clock context by one mix.
func (a *API) Tick(h Handle) error {
	c, err := a.context(h)
	if err != nil {
		return err
	}
	if err := c.Tick(); err != nil {
		return err
	}
	c.WaitIdle()
	return nil
}

func (a *API) SetContextFilter(h, fh Handle) error {
	c, err := a.context(h)
	if err != nil {
		return err
	}
	node, err := a.optionalFilter(fh)
	if err != nil {
		return err
	}
	return c.SetFilter(node)
}

func (a *API) SetMasterVolume(h Handle, v int) error {
	c, err := a.context(h)
	if err != nil {
		return err
	}
	return c.SetMasterVolume(v)
}

func (a *API) PlayingCount(h Handle) (int, error) {
	c, err := a.context(h)
	if err != nil {
		return 0, err
	}
	return c.PlayingCount(), nil
}

func (a *API) StopAllSources(h Handle) error {
	c, err := a.context(h)
	if err != nil {
		return err
	}
	c.StopAllSources()
	return nil
}

func (a *API) Diagnostics(h Handle) (domain.Diagnostics, error) {
	c, err := a.context(h)
	if err != nil {
		return domain.Diagnostics{}, err
	}
	return c.Diagnostics()
}

// Buffers

func (a *API) CreateBuffer(f format.Format, samples, buffers int, streaming bool) (Handle, error) {
	var opts []buffer.Option
	if streaming {
		opts = append(opts, buffer.Streaming())
	}
	b, err := buffer.New(f, samples, buffers, opts...)
	if err != nil {
		return 0, err
	}
	return a.add(BufferKind, b, 0), nil
}

// Enqueue returns the bytes stored, which fall short with Overflow on a
// full strict buffer.
func (a *API) Enqueue(h Handle, data []byte) (int, error) {
	b, err := a.buffer(h)
	if err != nil {
		return 0, err
	}
	return b.Enqueue(data)
}

// Dequeue returns the bytes read, which fall short with Underflow.
func (a *API) Dequeue(h Handle, out []byte) (int, error) {
	b, err := a.buffer(h)
	if err != nil {
		return 0, err
	}
	return b.Dequeue(out)
}

func (a *API) Lock(ctx context.Context, h Handle, size int, flags buffer.LockFlag) ([]byte, error) {
	b, err := a.buffer(h)
	if err != nil {
		return nil, err
	}
	return b.LockContext(ctx, size, flags)
}

func (a *API) Unlock(h Handle) error {
	b, err := a.buffer(h)
	if err != nil {
		return err
	}
	return b.Unlock()
}

// Convert transforms the queued content of h into a new buffer of f,
// optionally through the filter fh, and returns its handle and the size
// ratio.
func (a *API) Convert(h Handle, f format.Format, fh Handle) (Handle, float64, error) {
	b, err := a.buffer(h)
	if err != nil {
		return 0, 0, err
	}
	node, err := a.optionalFilter(fh)
	if err != nil {
		return 0, 0, err
	}
	out, ratio, err := b.Convert(f, node)
	if err != nil {
		return 0, 0, err
	}
	return a.add(BufferKind, out, 0), ratio, nil
}

func (a *API) BufferFormat(h Handle) (format.Format, error) {
	b, err := a.buffer(h)
	if err != nil {
		return format.Format{}, err
	}
	return b.Format(), nil
}

// BufferDuration is the play time of the queued samples.
func (a *API) BufferDuration(h Handle) (time.Duration, error) {
	b, err := a.buffer(h)
	if err != nil {
		return 0, err
	}
	return b.Duration(), nil
}

// Sources

// CreateSource binds a source to the buffer bh on the current context.
func (a *API) CreateSource(ctx context.Context, bh Handle) (Handle, error) {
	owner, c, err := a.contextHandle(ctx)
	if err != nil {
		return 0, err
	}
	b, err := a.buffer(bh)
	if err != nil {
		return 0, err
	}
	s, err := engine.NewSource(c, b)
	if err != nil {
		return 0, err
	}
	return a.add(SourceKind, s, owner), nil
}

// CreateStreamSource creates a Submit-fed source on the current context.
func (a *API) CreateStreamSource(ctx context.Context, f format.Format, buffers int) (Handle, error) {
	owner, c, err := a.contextHandle(ctx)
	if err != nil {
		return 0, err
	}
	s, err := engine.NewStreamSource(c, f, buffers)
	if err != nil {
		return 0, err
	}
	return a.add(SourceKind, s, owner), nil
}

func (a *API) Play(h Handle, loops int, cb engine.Callback) error {
	s, err := a.source(h)
	if err != nil {
		return err
	}
	return s.Play(loops, cb)
}

func (a *API) Submit(ctx context.Context, h Handle, seg engine.Segment) error {
	s, err := a.source(h)
	if err != nil {
		return err
	}
	return s.Submit(ctx, seg)
}

func (a *API) StopSource(h Handle) error {
	s, err := a.source(h)
	if err != nil {
		return err
	}
	s.Stop()
	return nil
}

func (a *API) Pause(h Handle, paused bool) error {
	s, err := a.source(h)
	if err != nil {
		return err
	}
	s.Pause(paused)
	return nil
}

func (a *API) SetVolume(h Handle, v int) error {
	s, err := a.source(h)
	if err != nil {
		return err
	}
	return s.SetVolume(v)
}

func (a *API) SetSpeed(h Handle, pct int) error {
	s, err := a.source(h)
	if err != nil {
		return err
	}
	return s.SetSpeed(pct)
}

func (a *API) SetSourceFilter(h, fh Handle) error {
	s, err := a.source(h)
	if err != nil {
		return err
	}
	node, err := a.optionalFilter(fh)
	if err != nil {
		return err
	}
	return s.SetFilter(node)
}

func (a *API) SourcePosition(h Handle) (time.Duration, error) {
	s, err := a.source(h)
	if err != nil {
		return 0, err
	}
	return s.Position(), nil
}

func (a *API) QueuedCount(h Handle) (int, error) {
	s, err := a.source(h)
	if err != nil {
		return 0, err
	}
	return s.QueuedCount(), nil
}

func (a *API) SourceInfo(h Handle) (engine.SourceInfo, error) {
	s, err := a.source(h)
	if err != nil {
		return engine.SourceInfo{}, err
	}
	return s.Info(), nil
}

// Inputs

// CreateInput creates an input producing f on the current context.
func (a *API) CreateInput(ctx context.Context, f format.Format) (Handle, error) {
	owner, c, err := a.contextHandle(ctx)
	if err != nil {
		return 0, err
	}
	in, err := engine.NewInput(c, f, nil)
	if err != nil {
		return 0, err
	}
	return a.add(InputKind, in, owner), nil
}

func (a *API) StartInput(h Handle, fn engine.InputFunc) error {
	in, err := a.input(h)
	if err != nil {
		return err
	}
	return in.Start(fn)
}

func (a *API) StopInput(h Handle) error {
	in, err := a.input(h)
	if err != nil {
		return err
	}
	in.Stop()
	return nil
}

func (a *API) SendInput(h Handle, data []byte) error {
	in, err := a.input(h)
	if err != nil {
		return err
	}
	return in.SendStream(data)
}

func (a *API) SetInputFilter(h, fh Handle) error {
	in, err := a.input(h)
	if err != nil {
		return err
	}
	node, err := a.optionalFilter(fh)
	if err != nil {
		return err
	}
	return in.SetFilter(node)
}

// Filters

func (a *API) CreateFilter(kind filter.Kind, p filter.Params) (Handle, error) {
	node, err := filter.NewWithParams(kind, p)
	if err != nil {
		return 0, err
	}
	return a.add(FilterKind, node, 0), nil
}

func (a *API) group(h Handle) (*filter.Group, error) {
	node, err := a.filter(h)
	if err != nil {
		return nil, err
	}
	g, ok := node.(*filter.Group)
	if !ok {
		return nil, errors.Wrapf(fault.ConfigurationError, "filter %v is a %v, not a group", h, node.Kind())
	}
	return g, nil
}

func (a *API) FilterAppend(gh, fh Handle) error {
	g, err := a.group(gh)
	if err != nil {
		return err
	}
	node, err := a.filter(fh)
	if err != nil {
		return err
	}
	g.Append(node)
	return nil
}

func (a *API) FilterRemove(gh, fh Handle) error {
	g, err := a.group(gh)
	if err != nil {
		return err
	}
	node, err := a.filter(fh)
	if err != nil {
		return err
	}
	return g.Remove(node)
}

func (a *API) SetParams(h Handle, p filter.Params) error {
	node, err := a.filter(h)
	if err != nil {
		return err
	}
	return node.SetParams(p)
}

func (a *API) Params(h Handle) (filter.Params, error) {
	node, err := a.filter(h)
	if err != nil {
		return nil, err
	}
	return node.Params(), nil
}
