package auditor

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrMetadataUnavailable means the control plane could not be reached
	// or returned malformed metadata. It is fatal to the run.
	ErrMetadataUnavailable = errors.New("cluster metadata unavailable")

	// ErrBusyCluster means that migrations were still in flight after the
	// quiescence wait.
	ErrBusyCluster = errors.New("cluster busy")

	// ErrShardUnreachable means that one shard’s primary could not be
	// reached or authenticated against.
	ErrShardUnreachable = errors.New("shard unreachable")

	// ErrRecordWrite means that an audit record could not be persisted.
	ErrRecordWrite = errors.New("audit record write failed")

	// ErrUnsupportedChunk means that a chunk cannot be translated into a
	// query that the target shard can run, e.g., a hashed shard key on a
	// server that lacks $toHashedIndexKey.
	ErrUnsupportedChunk = errors.New("unsupported chunk")
)

// tagError attaches a sentinel to an error, along with some context, such
// that errors.Is() matches both the sentinel and the cause.
func tagError(sentinel, err error, msg string, args ...any) error {
	return fmt.Errorf("%w: %w", sentinel, errors.Wrapf(err, msg, args...))
}
