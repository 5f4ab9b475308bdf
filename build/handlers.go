package build

import (
	"io"
	"os"

	"github.com/btcsuite/btclog/v2"
)

// NewDefaultHandler returns the log handler used by the harness. Log lines
// always go to the rotating log file, and additionally to stderr when the
// console logger is enabled. Stdout is never used since it carries the
// interactive prompt.
func NewDefaultHandler(cfg *LogConfig, rotator io.Writer) btclog.Handler {
	var w io.Writer = io.Discard
	opts := cfg.File.HandlerOptions()

	switch {
	case !cfg.File.Disable && !cfg.Console.Disable:
		w = io.MultiWriter(rotator, os.Stderr)

	case !cfg.File.Disable:
		w = rotator

	case !cfg.Console.Disable:
		w = os.Stderr
		opts = cfg.Console.HandlerOptions()
	}

	return btclog.NewDefaultHandler(w, opts...)
}
