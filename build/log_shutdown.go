package build

import (
	"sync"

	"github.com/btcsuite/btclog/v2"
)

// ShutdownLogger is a logger whose critical messages also stop the harness.
// The shutdown function runs at most once, however many critical messages
// follow.
type ShutdownLogger struct {
	btclog.Logger

	shutdown     func()
	shutdownOnce sync.Once
}

// NewShutdownLogger wraps logger so that Critical and Criticalf call
// shutdown after writing the message.
func NewShutdownLogger(logger btclog.Logger, shutdown func()) *ShutdownLogger {
	return &ShutdownLogger{
		Logger:   logger,
		shutdown: shutdown,
	}
}

func (s *ShutdownLogger) requestShutdown() {
	s.shutdownOnce.Do(func() {
		s.Logger.Info("Critical error, shutting down")
		s.shutdown()
	})
}

// Criticalf writes a formatted critical message and requests shutdown.
//
// NOTE: Part of the btclog.Logger interface.
func (s *ShutdownLogger) Criticalf(format string, params ...interface{}) {
	s.Logger.Criticalf(format, params...)
	s.requestShutdown()
}

// Critical writes a critical message and requests shutdown.
//
// NOTE: Part of the btclog.Logger interface.
func (s *ShutdownLogger) Critical(v ...interface{}) {
	s.Logger.Critical(v...)
	s.requestShutdown()
}
