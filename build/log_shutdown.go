package build

import (
	"sync"

	"github.com/btcsuite/btclog"
)

// ShutdownLogger wraps a logger and requests a shutdown of the daemon the
// first time a critical message is logged.
type ShutdownLogger struct {
	btclog.Logger

	once     sync.Once
	shutdown func()
}

// NewShutdownLogger creates a shutdown logger for the log provided which will
// call the passed function on critical errors.
func NewShutdownLogger(logger btclog.Logger, shutdown func()) *ShutdownLogger {
	return &ShutdownLogger{
		Logger:   logger,
		shutdown: shutdown,
	}
}

// Criticalf logs at LevelCritical and then requests a shutdown.
//
// NOTE: This is part of the btclog.Logger interface.
func (s *ShutdownLogger) Criticalf(format string, params ...interface{}) {
	s.Logger.Criticalf(format, params...)
	s.requestShutdown()
}

// Critical logs at LevelCritical and then requests a shutdown.
//
// NOTE: This is part of the btclog.Logger interface.
func (s *ShutdownLogger) Critical(v ...interface{}) {
	s.Logger.Critical(v...)
	s.requestShutdown()
}

// requestShutdown calls the shutdown function once. Later critical messages
// are only logged.
func (s *ShutdownLogger) requestShutdown() {
	s.once.Do(func() {
		if s.shutdown == nil {
			return
		}

		s.Logger.Info("Sending request for shutdown")
		s.shutdown()
	})
}
