package build

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/jrick/logrotate/rotator"
	"github.com/klauspost/compress/zstd"
)

// RotatingLogWriter is an io.Writer that feeds a log file rotator. Rolled
// files are compressed with the configured compressor.
type RotatingLogWriter struct {
	// pipe is the write-end pipe for writing to the log rotator.
	pipe *io.PipeWriter

	rotator *rotator.Rotator

	// done is closed once the rotator goroutine has drained the pipe.
	done chan struct{}

	closeOnce sync.Once
}

// NewRotatingLogWriter creates the log directory if needed and starts a file
// rotator writing to logFile. The writer must be closed on shutdown.
func NewRotatingLogWriter(cfg *FileLoggerConfig,
	logFile string) (*RotatingLogWriter, error) {

	logDir, _ := filepath.Split(logFile)
	if logDir != "" {
		err := os.MkdirAll(logDir, 0700)
		if err != nil {
			return nil, fmt.Errorf("failed to create log "+
				"directory: %w", err)
		}
	}

	r, err := rotator.New(
		logFile, int64(cfg.MaxLogFileSize*1024), false, cfg.MaxLogFiles,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create file rotator: %w", err)
	}

	c, err := newCompressor(cfg.Compressor)
	if err != nil {
		return nil, err
	}
	r.SetCompressor(c, logCompressors[cfg.Compressor])

	pr, pw := io.Pipe()
	w := &RotatingLogWriter{
		pipe:    pw,
		rotator: r,
		done:    make(chan struct{}),
	}

	// Run the rotator in its own goroutine, errors during rotation (disk
	// full, permissions) end up on stderr since there is no log left to
	// write them to.
	go func() {
		defer close(w.done)

		err := r.Run(pr)
		if err != nil && !errors.Is(err, io.EOF) {
			_, _ = fmt.Fprintf(os.Stderr,
				"failed to run file rotator: %v\n", err)
		}
	}()

	return w, nil
}

// newCompressor returns a fresh compressor for the given name.
func newCompressor(name string) (rotator.Compressor, error) {
	switch name {
	case Gzip:
		return gzip.NewWriter(nil), nil

	case Zstd:
		c, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd "+
				"compressor: %w", err)
		}

		return c, nil

	default:
		return nil, fmt.Errorf("unknown log compressor: %v", name)
	}
}

// Write writes the byte slice to the log rotator.
func (r *RotatingLogWriter) Write(b []byte) (int, error) {
	return r.pipe.Write(b)
}

// Close flushes the pipe and closes the underlying log rotator.
func (r *RotatingLogWriter) Close() error {
	var err error
	r.closeOnce.Do(func() {
		_ = r.pipe.Close()
		<-r.done
		err = r.rotator.Close()
	})

	return err
}
