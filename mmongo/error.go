package mmongo

import (
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo"
)

// ErrorHasCode returns true if err is (or wraps) a mongo.ServerError that
// carries any of the given codes, at any depth of the server’s response.
func ErrorHasCode(err error, codes ...int) bool {
	var serverError mongo.ServerError
	if !errors.As(err, &serverError) {
		return false
	}

	for _, code := range codes {
		if serverError.HasErrorCode(code) {
			return true
		}
	}

	return false
}
