package util

import (
	"context"
	"io"
	"net"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/mongodb-labs/orphan-auditor/mmongo"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/x/mongo/driver"
	"go.mongodb.org/mongo-driver/x/mongo/driver/topology"
)

// Server error codes that the auditor checks for by name. See
// https://github.com/mongodb/mongo/blob/master/src/mongo/base/error_codes.yml
const (
	Unauthorized         = 13
	AuthenticationFailed = 18
	CommandNotFound      = 59
)

// IsContextCanceledError returns true if err stems from context
// cancellation, even if a driver flattened it into a message.
func IsContextCanceledError(err error) bool {
	return errors.Is(err, context.Canceled) ||
		strings.Contains(err.Error(), context.Canceled.Error())
}

// IsCommandNotFoundError returns true if the server does not know the
// command, as happens when an older server lacks it.
func IsCommandNotFoundError(err error) bool {
	return GetErrorCode(err) == CommandNotFound || mmongo.ErrorHasCode(err, CommandNotFound)
}

// IsAuthError returns true if the server rejected our credentials or
// our privileges. The driver reports handshake failures as a
// driver.Error wrapped in a connection error, so this unwraps fully.
func IsAuthError(err error) bool {
	authCodes := []int{Unauthorized, AuthenticationFailed}

	var driverErr driver.Error
	if errors.As(err, &driverErr) && lo.Contains(authCodes, int(driverErr.Code)) {
		return true
	}

	return lo.Contains(authCodes, GetErrorCode(err)) || mmongo.ErrorHasCode(err, authCodes...)
}

// IsTransientError returns true if the operation that failed with err may
// succeed if retried: network trouble, elections, and the like.
func IsTransientError(err error) bool {
	err = errors.Cause(err)
	if err == nil || IsContextCanceledError(err) {
		return false
	}

	return lo.ContainsBy(
		transientChecks,
		func(check func(error) bool) bool { return check(err) },
	)
}

var transientChecks = []func(error) bool{
	isWriteConcernError,
	isNetworkError,
	isConnectionError,
	hasTransientErrorCode,
	hasTransientErrorLabel,
	isRetryablePoolError,
	isServerSelectionError,
}

// Majority write concern failures are always worth retrying.
func isWriteConcernError(err error) bool {
	_, ok := err.(*mongo.WriteConcernError)
	return ok
}

func isNetworkError(err error) bool {
	if _, ok := err.(net.Error); ok {
		return true
	}

	if err == io.EOF || err == io.ErrUnexpectedEOF || err.Error() == "connection closed" {
		return true
	}

	return mongo.IsNetworkError(err)
}

// The driver usually wraps network errors in a ConnectionError.
func isConnectionError(err error) bool {
	connErr, ok := err.(topology.ConnectionError)
	return ok && isNetworkError(connErr.Wrapped)
}

func isRetryablePoolError(err error) bool {
	poolErr, ok := err.(driver.RetryablePoolError)
	return ok && poolErr.Retryable()
}

func isServerSelectionError(err error) bool {
	_, ok := err.(topology.ServerSelectionError)
	return ok
}

var transientErrorCodes = mapset.NewSet(
	6,     // HostUnreachable
	7,     // HostNotFound
	43,    // CursorNotFound
	50,    // MaxTimeMSExpired
	64,    // WriteConcernFailed
	70,    // ShardNotFound
	89,    // NetworkTimeout
	91,    // ShutdownInProgress
	112,   // WriteConflict
	117,   // ConflictingOperationInProgress
	133,   // FailedToSatisfyReadPreference
	134,   // ReadConcernMajorityNotAvailableYet
	175,   // QueryPlanKilled
	189,   // PrimarySteppedDown
	202,   // NetworkInterfaceExceededTimeLimit
	262,   // ExceededTimeLimit
	317,   // ConnectionPoolExpired
	365,   // TemporarilyUnavailable
	384,   // ConnectionError
	402,   // ResourceExhausted
	9001,  // SocketException
	10107, // NotWritablePrimary
	11600, // InterruptedAtShutdown
	11602, // InterruptedDueToReplStateChange
	13435, // NotPrimaryNoSecondaryOk
	13436, // NotPrimaryOrSecondary
)

func hasTransientErrorCode(err error) bool {
	code := GetErrorCode(err)

	// Old servers may say "not master" without a code.
	if code == 0 && strings.Contains(err.Error(), "not master") {
		return true
	}

	return transientErrorCodes.Contains(code) ||
		mmongo.ErrorHasCode(err, transientErrorCodes.ToSlice()...)
}

// mongo.IsNetworkError already covers the NetworkError label.
var transientErrorLabels = []string{
	"RetryableWriteError",
	"TransientTransactionError",
}

func hasTransientErrorLabel(err error) bool {
	serverErr, ok := err.(mongo.ServerError)
	if !ok {
		return false
	}

	return lo.ContainsBy(transientErrorLabels, serverErr.HasErrorLabel)
}

// GetErrorCode returns err’s top-level server error code, or 0 if err is
// nil or carries no code. A server error may hold several codes; use
// mmongo.ErrorHasCode to check them all.
func GetErrorCode(err error) int {
	switch e := errors.Cause(err).(type) {
	case mongo.CommandError:
		return int(e.Code)
	case driver.Error:
		return int(e.Code)
	case mongo.WriteError:
		return e.Code
	case mongo.WriteConcernError:
		return e.Code
	case mongo.WriteException:
		if len(e.WriteErrors) > 0 {
			return GetErrorCode(e.WriteErrors[0])
		}

		if e.WriteConcernError != nil {
			return e.WriteConcernError.Code
		}
	}

	return 0
}
