package util

import (
	"context"

	"github.com/pkg/errors"
)

func (suite *UnitTestSuite) TestWrapCtxErrWithCause() {
	suite.Assert().NoError(WrapCtxErrWithCause(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	suite.Assert().Equal(context.Canceled, WrapCtxErrWithCause(ctx), "no cause, no wrapping")

	cause := errors.New("operator aborted scan")
	ctx, cancelCause := context.WithCancelCause(context.Background())
	cancelCause(cause)

	err := WrapCtxErrWithCause(ctx)
	suite.Assert().ErrorIs(err, context.Canceled)
	suite.Assert().ErrorIs(err, cause)

	wrappingCause := errors.Wrap(context.Canceled, "scan finished")
	ctx, cancelCause = context.WithCancelCause(context.Background())
	cancelCause(wrappingCause)

	suite.Assert().Equal(wrappingCause, WrapCtxErrWithCause(ctx), "cause already says canceled")
}
