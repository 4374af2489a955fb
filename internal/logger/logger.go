// Package logger wraps zerolog with the writer setup the auditor uses:
// console-formatted output to a standard stream, or to a rotating file.
package logger

import (
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	DefaultLogLevel = zerolog.InfoLevel

	LogFileName = "orphan-auditor.log"

	// TimeFormat is the timestamp layout of console output.
	TimeFormat = "2006-01-02T15:04:05.000Z07:00"
)

// DefaultLogWriter is stderr because stdout carries the audit report.
var DefaultLogWriter io.Writer = os.Stderr

// Logger is a zerolog.Logger that remembers its writer, so that a log
// file can be rotated at startup.
type Logger struct {
	*zerolog.Logger
	writer io.Writer
}

// NewSubLogger returns a child of parent that tags every line with the
// given key & value.
func NewSubLogger(parent *Logger, key, value string) *Logger {
	sub := parent.With().Str(key, value).Logger()

	return &Logger{
		Logger: &sub,
		writer: parent.writer,
	}
}

func newLevelLogger(level zerolog.Level) *Logger {
	l := zerolog.New(DefaultLogWriter).Level(level).With().Timestamp().Logger()

	return &Logger{
		Logger: &l,
		writer: DefaultLogWriter,
	}
}

// NewDefaultLogger logs JSON lines at DefaultLogLevel to DefaultLogWriter.
func NewDefaultLogger() *Logger {
	return newLevelLogger(DefaultLogLevel)
}

// NewDebugLogger is like NewDefaultLogger but logs at debug level.
func NewDebugLogger() *Logger {
	return newLevelLogger(zerolog.DebugLevel)
}

// NewConsoleLogger returns a human-readable Logger at the given level. If
// writer is a rotating log file, the file is rotated first.
func NewConsoleLogger(writer io.Writer, level zerolog.Level) *Logger {
	consoleWriter := zerolog.ConsoleWriter{
		Out:        writer,
		TimeFormat: TimeFormat,
		NoColor:    isFile(writer),
	}

	l := zerolog.New(consoleWriter).Level(level).With().Timestamp().Logger()

	ret := &Logger{
		Logger: &l,
		writer: writer,
	}
	ret.Rotate()

	return ret
}

// Rotate starts a new log file if the Logger writes to one.
func (l *Logger) Rotate() {
	if w, ok := l.writer.(*lumberjack.Logger); ok {
		_ = w.Rotate()
	}
}

// NewRotatingWriter returns a writer to LogFileName in dirPath, creating
// the directory as needed.
func NewRotatingWriter(dirPath string) (io.Writer, error) {
	if err := os.MkdirAll(dirPath, 0o744); err != nil {
		return nil, err
	}

	return &lumberjack.Logger{
		Filename: filepath.Join(dirPath, LogFileName),
	}, nil
}

// GetLogWriter resolves a log path setting to a writer. "stdout" and
// "stderr" name the standard streams; anything else is a directory that
// receives a rotating log file.
func GetLogWriter(logPath string) (io.Writer, error) {
	switch logPath {
	case "stdout":
		return zerolog.SyncWriter(os.Stdout), nil
	case "stderr", "":
		return zerolog.SyncWriter(os.Stderr), nil
	}

	return NewRotatingWriter(logPath)
}

func isFile(w io.Writer) bool {
	_, ok := w.(*lumberjack.Logger)
	return ok
}
