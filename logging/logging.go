// Package logging constructs the loggers used throughout Strata.
package logging

import (
	"io"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Level names accepted by NewLogger
const (
	// DebugLevel logs everything
	DebugLevel = "debug"
	// InfoLevel logs info and above
	InfoLevel = "info"
	// WarnLevel logs warnings and above
	WarnLevel = "warn"
	// ErrorLevel logs errors only
	ErrorLevel = "error"
)

// NewLogger builds a timestamped logfmt logger writing to w, filtered to
// the named level. Unknown level names fall back to info.
func NewLogger(w io.Writer, lvl string) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(w))
	logger = level.NewFilter(logger, allow(lvl))
	return log.With(logger, "ts", log.DefaultTimestampUTC)
}

// NewNopLogger returns a logger which discards everything
func NewNopLogger() log.Logger {
	return log.NewNopLogger()
}

func allow(lvl string) level.Option {
	switch lvl {
	case DebugLevel:
		return level.AllowDebug()
	case WarnLevel:
		return level.AllowWarn()
	case ErrorLevel:
		return level.AllowError()
	default:
		return level.AllowInfo()
	}
}
