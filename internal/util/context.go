package util

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// WrapCtxErrWithCause returns ctx’s error combined with its cancellation
// cause, so that both errors.Is(err, context.Canceled) and
// errors.Is(err, cause) hold. It returns nil if ctx is live.
func WrapCtxErrWithCause(ctx context.Context) error {
	err := ctx.Err() //nolint:gocritic
	cause := context.Cause(ctx)

	switch {
	case cause == nil:
		return err
	case errors.Is(cause, err):
		// e.g., cancel(errors.Wrap(context.Canceled, "scan finished"))
		return cause
	case errors.Is(err, cause):
		// ctx is already a cause-wrapping context.
		return err
	}

	return fmt.Errorf("%w: %w", err, cause)
}
