// ABOUTME: Current-context routing carried in a context.Context value
// ABOUTME: Lets convenience callers create objects without naming the device context
package engine

import (
	"context"

	"github.com/ossrs/go-oryx-lib/errors"

	"github.com/harper/motion-cue-streamer/internal/domain/fault"
)

type currentKey struct{}

// WithCurrent returns ctx with c as the current device context.
func WithCurrent(ctx context.Context, c *Context) context.Context {
	return context.WithValue(ctx, currentKey{}, c)
}

// Current returns the device context carried by ctx, if any.
func Current(ctx context.Context) (*Context, bool) {
	c, ok := ctx.Value(currentKey{}).(*Context)
	return c, ok && c != nil
}

// RequireCurrent is Current that reports a missing context as an error.
func RequireCurrent(ctx context.Context) (*Context, error) {
	c, ok := Current(ctx)
	if !ok {
		return nil, errors.Wrapf(fault.ConfigurationError, "no current context")
	}
	return c, nil
}
