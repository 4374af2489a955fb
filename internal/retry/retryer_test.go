package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/mongodb-labs/orphan-auditor/internal/util"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo"
)

var someNetworkError = &mongo.CommandError{
	Labels: []string{"NetworkError"},
	Name:   "NetworkError",
}

var primaryStepDown = mongo.CommandError{
	Name: "PrimarySteppedDown",
	Code: 189,
}

var badError = errors.New("config.chunks is corrupt")

// failingFirst returns a callback that fails with the given errors, in
// order, then succeeds. It records each attempt number it sees.
func failingFirst(attempts *[]int, errs ...error) RetryCallback {
	return func(_ context.Context, fi *FuncInfo) error {
		*attempts = append(*attempts, fi.GetAttemptNumber())

		if len(*attempts) <= len(errs) {
			return errs[len(*attempts)-1]
		}

		return nil
	}
}

func (suite *UnitTestSuite) TestTransientFailures() {
	for _, tc := range []struct {
		label    string
		errs     []error
		attempts []int
	}{
		{"immediate success", nil, []int{0}},
		{"network error", []error{someNetworkError}, []int{0, 1}},
		{"step-down then network error", []error{primaryStepDown, someNetworkError}, []int{0, 1, 2}},
		{"wrapped step-down", []error{errors.Wrap(primaryStepDown, "reading balancer settings")}, []int{0, 1}},
	} {
		suite.Run(tc.label, func() {
			var attempts []int

			err := New(DefaultDurationLimit).Run(
				suite.Context(),
				suite.Logger(),
				failingFirst(&attempts, tc.errs...),
			)
			suite.Require().NoError(err)
			suite.Assert().Equal(tc.attempts, attempts)
		})
	}
}

func (suite *UnitTestSuite) TestPermanentFailure() {
	var attempts []int

	err := New(DefaultDurationLimit).Run(
		suite.Context(),
		suite.Logger(),
		failingFirst(&attempts, someNetworkError, badError),
	)
	suite.Assert().ErrorIs(err, badError)
	suite.Assert().Equal([]int{0, 1}, attempts, "no retry after a permanent failure")
}

func (suite *UnitTestSuite) TestZeroDurationLimit() {
	var attempts []int

	err := New(0).Run(
		suite.Context(),
		suite.Logger(),
		failingFirst(&attempts, someNetworkError),
	)
	suite.Assert().ErrorIs(err, someNetworkError)
	suite.Assert().ErrorAs(err, &RetryDurationLimitExceededErr{})
	suite.Assert().Equal([]int{0}, attempts)
}

// A callback that runs past the duration limit is retried only if it
// noted success along the way.
func (suite *UnitTestSuite) TestNoteSuccessResetsDuration() {
	for _, noteSuccess := range []bool{false, true} {
		suite.Run(fmt.Sprintf("noteSuccess=%t", noteSuccess), func() {
			calls := 0

			err := New(DefaultDurationLimit).Run(
				suite.Context(),
				suite.Logger(),
				func(_ context.Context, fi *FuncInfo) error {
					calls++

					// Pretend that this call ran for a long time.
					fi.lastResetTime = fi.lastResetTime.Add(-2 * fi.loopInfo.durationLimit)

					if noteSuccess {
						fi.NoteSuccess()
					}

					if calls == 1 {
						return someNetworkError
					}

					return nil
				},
			)

			if noteSuccess {
				suite.Require().NoError(err)
				suite.Assert().Equal(2, calls)
			} else {
				suite.Assert().ErrorAs(err, &RetryDurationLimitExceededErr{})
				suite.Assert().ErrorIs(err, someNetworkError)
				suite.Assert().Equal(1, calls)
			}
		})
	}
}

func (suite *UnitTestSuite) TestCanceledWhileSleeping() {
	ctx, cancel := context.WithCancelCause(suite.Context())
	cause := errors.New("operator aborted scan")
	cancel(cause)

	var attempts []int

	err := New(DefaultDurationLimit).Run(
		ctx,
		suite.Logger(),
		failingFirst(&attempts, someNetworkError),
	)
	suite.Assert().ErrorIs(err, context.Canceled)
	suite.Assert().ErrorIs(err, cause)
	suite.Assert().Equal([]int{0}, attempts)
}

func (suite *UnitTestSuite) TestAdditionalErrorCodes() {
	lockBusy := mongo.CommandError{Name: "LockBusy", Code: 46}

	for _, tc := range []struct {
		codes    []int
		attempts []int
	}{
		{nil, []int{0}},
		{[]int{46}, []int{0, 1}},
		{[]int{45, 46, 47}, []int{0, 1}},
		{[]int{45, 47}, []int{0}},
	} {
		suite.Run(fmt.Sprintf("codes=%v", tc.codes), func() {
			var attempts []int

			err := New(DefaultDurationLimit).WithErrorCodes(tc.codes...).Run(
				suite.Context(),
				suite.Logger(),
				failingFirst(&attempts, lockBusy),
			)

			if len(tc.attempts) > 1 {
				suite.Require().NoError(err)
			} else {
				suite.Assert().Equal(46, util.GetErrorCode(err))
			}

			suite.Assert().Equal(tc.attempts, attempts)
		})
	}
}

func (suite *UnitTestSuite) TestMultipleCallbacks() {
	suite.Run("permanent failure cancels the others", func() {
		err := New(DefaultDurationLimit).Run(
			suite.Context(),
			suite.Logger(),
			func(ctx context.Context, _ *FuncInfo) error {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(10 * time.Second):
					return nil
				}
			},
			func(context.Context, *FuncInfo) error {
				return badError
			},
		)

		suite.Assert().ErrorIs(err, badError)
	})

	suite.Run("transient failure reruns all of them", func() {
		var readerAttempts, writerAttempts []int

		err := New(DefaultDurationLimit).Run(
			suite.Context(),
			suite.Logger(),
			failingFirst(&readerAttempts),
			failingFirst(&writerAttempts, someNetworkError, someNetworkError),
		)

		suite.Require().NoError(err)
		suite.Assert().Equal([]int{0, 1, 2}, writerAttempts)
		suite.Assert().Equal(writerAttempts, readerAttempts)
	})
}

func (suite *UnitTestSuite) TestWithDescription() {
	var attempts []int

	retryer := New(DefaultDurationLimit).WithDescription("reading %s", "config.chunks")

	err := retryer.Run(
		suite.Context(),
		suite.Logger(),
		func(ctx context.Context, fi *FuncInfo) error {
			fi.Log(suite.Logger().Logger, "find", "reading chunks")
			return failingFirst(&attempts, someNetworkError)(ctx, fi)
		},
	)

	suite.Require().NoError(err)
	suite.Assert().Equal([]int{0, 1}, attempts)
}
