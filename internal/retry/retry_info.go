package retry

import (
	"time"

	"github.com/mongodb-labs/orphan-auditor/internal/reportutils"
	"github.com/rs/zerolog"
)

// LoopInfo stores state shared by every callback of one retry loop.
//
// The attempt number is 0-indexed (0 means this is the first attempt).
type LoopInfo struct {
	attemptsSoFar int
	durationLimit time.Duration
}

// FuncInfo is what a single callback sees of the retry loop.
type FuncInfo struct {
	loopInfo      *LoopInfo
	lastResetTime time.Time
}

// Log writes a debug-level message that describes the current attempt.
func (fi *FuncInfo) Log(logger *zerolog.Logger, cmdName string, msg string) {
	if logger == nil {
		return
	}

	event := logger.Debug()
	if cmdName != "" {
		event.Str("command", cmdName)
	}
	event.Str("context", msg).
		Int("attemptNumber", fi.GetAttemptNumber()).
		Str("durationSoFar", reportutils.DurationToHMS(fi.GetDurationSoFar())).
		Str("durationLimit", reportutils.DurationToHMS(fi.loopInfo.durationLimit)).
		Msg("Running retryable function")
}

// GetAttemptNumber returns the current attempt number (0-indexed).
func (fi *FuncInfo) GetAttemptNumber() int {
	return fi.loopInfo.attemptsSoFar
}

// GetDurationSoFar returns how long the callback has gone without
// success.
func (fi *FuncInfo) GetDurationSoFar() time.Duration {
	return time.Since(fi.lastResetTime)
}

// NoteSuccess is used to tell the retry util to reset its measurement
// of how long the closure has been running for. This is useful for long
// running operations that might run successfully for a long time and then
// fail.
func (fi *FuncInfo) NoteSuccess() {
	fi.lastResetTime = time.Now()
}
