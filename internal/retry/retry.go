package retry

import (
	"context"
	"slices"
	"time"

	"github.com/mongodb-labs/orphan-auditor/internal/logger"
	"github.com/mongodb-labs/orphan-auditor/internal/util"
	"github.com/mongodb-labs/orphan-auditor/mtime"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Run runs all of the given callbacks concurrently. If any of them fails
// with a transient error (or one of the Retryer's additional error codes),
// the others are canceled and the whole set reruns after a backoff.
//
// Run returns nil once every callback succeeds in the same iteration. It
// returns the first non-transient error verbatim, the context error if ctx
// is canceled while sleeping, or a RetryDurationLimitExceededErr once a
// failing callback has gone longer than the duration limit without calling
// NoteSuccess.
func (r *Retryer) Run(
	ctx context.Context,
	logger *logger.Logger,
	funcs ...RetryCallback,
) error {
	li := &LoopInfo{
		durationLimit: r.retryLimit,
	}

	startTime := time.Now()
	funcinfos := make([]*FuncInfo, len(funcs))
	for i := range funcs {
		funcinfos[i] = &FuncInfo{
			loopInfo:      li,
			lastResetTime: startTime,
		}
	}

	sleepTime := minSleepTime

	for {
		eg, egCtx := errgroup.WithContext(ctx)
		for i, curFunc := range funcs {
			eg.Go(func() error {
				err := curFunc(egCtx, funcinfos[i])
				if err != nil {
					return errgroupErr{funcNum: i, errFromCallback: err}
				}

				return nil
			})
		}

		err := eg.Wait()
		if err == nil {
			return nil
		}

		var groupErr errgroupErr
		if !errors.As(err, &groupErr) {
			panic("unexpected non-errgroupErr from retry callback: " + err.Error())
		}

		cbErr := groupErr.errFromCallback
		failedFuncInfo := funcinfos[groupErr.funcNum]

		if !r.shouldRetryWithSleep(logger, sleepTime, cbErr) {
			return cbErr
		}

		if failedFuncInfo.GetDurationSoFar() > li.durationLimit {
			return RetryDurationLimitExceededErr{
				attempts: 1 + li.attemptsSoFar,
				duration: failedFuncInfo.GetDurationSoFar(),
				lastErr:  cbErr,
			}
		}

		if err := mtime.Sleep(ctx, sleepTime); err != nil {
			logger.Warn().Err(err).Msg("Context was canceled. Aborting retry loop.")
			return err
		}

		sleepTime = min(maxSleepTime, sleepTime*sleepTimeMultiplier)

		li.attemptsSoFar++
	}
}

func (r *Retryer) shouldRetryWithSleep(
	logger *logger.Logger,
	sleepTime time.Duration,
	err error,
) bool {
	if err == nil {
		return false
	}

	errCode := util.GetErrorCode(err)

	var reason string
	switch {
	case util.IsTransientError(err):
		reason = "Waiting to retry operation after transient error."
	case slices.Contains(r.additionalErrorCodes, errCode):
		reason = "Waiting to retry operation after an error because it is in our additional codes list."
	default:
		logger.Debug().Err(err).Int("error code", errCode).
			Msg("Not retrying on error because it is not transient nor is it in our additional codes list.")

		return false
	}

	event := logger.Warn().
		Int("error code", errCode).
		Err(err).
		Stringer("sleepTime", sleepTime)

	if desc, has := r.description.Get(); has {
		event = event.Str("description", desc)
	}

	event.Msg(reason)

	return true
}
