package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/mo"
)

// RetryCallback is a function the Retryer runs, and reruns on transient
// failure.
type RetryCallback = func(context.Context, *FuncInfo) error

// Retryer handles retrying operations that fail because of network failures.
type Retryer struct {
	retryLimit           time.Duration
	description          mo.Option[string]
	additionalErrorCodes []int
}

// New returns a new retryer with the given duration limit.
func New(limit time.Duration) *Retryer {
	return &Retryer{
		retryLimit: limit,
	}
}

// WithErrorCodes returns a new Retryer that will retry on the codes passed to
// this method. This allows for a single function to customize the codes it
// wants to retry on. Note that if the Retryer already has additional custom
// error codes set, these are _replaced_ when this method is called.
func (r *Retryer) WithErrorCodes(codes ...int) *Retryer {
	r2 := *r
	r2.additionalErrorCodes = codes

	return &r2
}

// WithDescription returns a new Retryer whose log lines carry the given
// description.
func (r *Retryer) WithDescription(msg string, args ...any) *Retryer {
	r2 := *r
	r2.description = mo.Some(fmt.Sprintf(msg, args...))

	return &r2
}
