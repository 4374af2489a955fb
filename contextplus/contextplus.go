// Package contextplus wraps the standard library’s cancel-with-cause
// functions so that a canceled context’s Err() carries its cause as well
// as context.Canceled or context.DeadlineExceeded. A scan that stops
// because an operator aborted it thus says so in every error it returns.
//
// Callers should compare these errors with errors.Is. Exported functions
// elsewhere should accept a plain context.Context, never a *C.
package contextplus

import (
	"context"
	"time"

	"github.com/mongodb-labs/orphan-auditor/internal/util"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// C is the context type that this package returns. It deliberately does
// not embed its context.Context.
type C struct {
	ctx context.Context
}

var _ context.Context = &C{}

// New wraps ctx so that its Err() includes the cancellation cause.
func New(ctx context.Context) *C {
	return &C{ctx}
}

func (c *C) Deadline() (time.Time, bool) {
	return c.ctx.Deadline()
}

func (c *C) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *C) Value(key any) any {
	return c.ctx.Value(key)
}

// Err returns the wrapped context’s error combined with its cause.
func (c *C) Err() error {
	return util.WrapCtxErrWithCause(c.ctx)
}

// WithCancelCause is context.WithCancelCause, but the returned context’s
// Err() includes the cause.
func WithCancelCause(ctx context.Context) (*C, context.CancelCauseFunc) {
	//nolint:gocritic
	newCtx, cancel := context.WithCancelCause(ctx)
	return New(newCtx), cancel
}

// WithTimeoutCause is context.WithTimeoutCause, but the cause also states
// the timeout, and the returned context’s Err() includes the cause.
func WithTimeoutCause(
	ctx context.Context,
	timeout time.Duration,
	cause error,
) (*C, context.CancelFunc) {
	//nolint:gocritic
	newCtx, cancel := context.WithTimeoutCause(
		ctx,
		timeout,
		errors.Wrapf(cause, "timed out after %s", timeout),
	)
	return New(newCtx), cancel
}

// ErrGroup is errgroup.WithContext, but it returns a *C.
func ErrGroup(ctx context.Context) (*errgroup.Group, *C) {
	//nolint:gocritic
	group, groupCtx := errgroup.WithContext(ctx)
	return group, New(groupCtx)
}
