package build

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btclog/v2"
	"github.com/stretchr/testify/require"
)

// mockLeveledLogger records the levels set through the LeveledSubLogger
// interface.
type mockLeveledLogger struct {
	subsystems []string
	levels     map[string]string
	global     string
}

func newMockLeveledLogger(subsystems ...string) *mockLeveledLogger {
	return &mockLeveledLogger{
		subsystems: subsystems,
		levels:     make(map[string]string),
	}
}

func (m *mockLeveledLogger) SubLoggers() SubLoggers {
	loggers := make(SubLoggers)
	for _, s := range m.subsystems {
		loggers[s] = btclog.Disabled
	}

	return loggers
}

func (m *mockLeveledLogger) SupportedSubsystems() []string {
	return m.subsystems
}

func (m *mockLeveledLogger) SetLogLevel(subsystemID string, logLevel string) {
	m.levels[subsystemID] = logLevel
}

func (m *mockLeveledLogger) SetLogLevels(logLevel string) {
	m.global = logLevel
}

// TestParseAndSetDebugLevels checks the accepted debug level formats.
func TestParseAndSetDebugLevels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		level     string
		expGlobal string
		expLevels map[string]string
		expErr    string
	}{
		{
			name:      "global level",
			level:     "debug",
			expGlobal: "debug",
			expLevels: map[string]string{},
		},
		{
			name:      "global and subsystem",
			level:     "info,LNND=trace",
			expGlobal: "info",
			expLevels: map[string]string{"LNND": "trace"},
		},
		{
			name:  "subsystems only",
			level: "SHLL=warn,LSPS=debug",
			expLevels: map[string]string{
				"SHLL": "warn",
				"LSPS": "debug",
			},
		},
		{
			name:   "invalid global level",
			level:  "verbose",
			expErr: "the specified debug level [verbose] is invalid",
		},
		{
			name:   "unknown subsystem",
			level:  "FOO=debug",
			expErr: "the specified subsystem [FOO] is invalid",
		},
		{
			name:   "bad pair",
			level:  "info,LNND=debug=trace",
			expErr: "invalid format",
		},
		{
			name:   "invalid subsystem level",
			level:  "LNND=loud",
			expErr: "the specified debug level [loud] is invalid",
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			logger := newMockLeveledLogger(
				"LNND", "LSPS", "SHLL", "SCHN",
			)
			err := ParseAndSetDebugLevels(test.level, logger)
			if test.expErr != "" {
				require.ErrorContains(t, err, test.expErr)
				return
			}

			require.NoError(t, err)
			require.Equal(t, test.expGlobal, logger.global)
			require.Equal(t, test.expLevels, logger.levels)
		})
	}
}

// TestSubLoggerManager checks that levels set through the manager reach the
// generated sub-loggers.
func TestSubLoggerManager(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	handler := btclog.NewDefaultHandler(&buf, btclog.WithNoTimestamp())
	mgr := NewSubLoggerManager(handler)

	a := mgr.GenSubLogger("AAAA")
	b := mgr.GenSubLogger("BBBB")
	require.Equal(t, []string{"AAAA", "BBBB"}, mgr.SupportedSubsystems())

	mgr.SetLogLevels("error")
	require.Equal(t, btclog.LevelError, a.Level())
	require.Equal(t, btclog.LevelError, b.Level())

	mgr.SetLogLevel("BBBB", "debug")
	require.Equal(t, btclog.LevelError, a.Level())
	require.Equal(t, btclog.LevelDebug, b.Level())

	// Unknown subsystems are ignored.
	mgr.SetLogLevel("CCCC", "trace")
	require.Len(t, mgr.SubLoggers(), 2)

	b.Debugf("hello %d", 1)
	a.Debugf("dropped")
	require.Contains(t, buf.String(), "BBBB")
	require.Contains(t, buf.String(), "hello 1")
	require.NotContains(t, buf.String(), "dropped")
}

// TestRotatingLogWriter checks that log lines written through the rotator end
// up in the log file once the writer is closed.
func TestRotatingLogWriter(t *testing.T) {
	t.Parallel()

	logFile := filepath.Join(t.TempDir(), "logs", DefaultLogFilename)

	cfg := DefaultLogConfig()
	w, err := NewRotatingLogWriter(cfg.File, logFile)
	require.NoError(t, err)

	_, err = w.Write([]byte("first line\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// A second close is a no-op.
	require.NoError(t, w.Close())

	content, err := os.ReadFile(logFile)
	require.NoError(t, err)
	require.Equal(t, "first line\n", string(content))
}

// TestLogConfigValidate checks the log config validation.
func TestLogConfigValidate(t *testing.T) {
	t.Parallel()

	cfg := DefaultLogConfig()
	require.NoError(t, cfg.Validate())

	cfg.File.Compressor = "lz4"
	require.ErrorContains(t, cfg.Validate(), "invalid log compressor")

	cfg = DefaultLogConfig()
	cfg.File.MaxLogFileSize = 0
	require.ErrorContains(t, cfg.Validate(), "max log file size")
}

// TestShutdownLogger checks that critical messages request shutdown once.
func TestShutdownLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	handler := btclog.NewDefaultHandler(&buf, btclog.WithNoTimestamp())

	var shutdowns int
	logger := NewShutdownLogger(
		btclog.NewSLogger(handler.SubSystem("TEST")),
		func() { shutdowns++ },
	)

	logger.Errorf("not critical")
	require.Zero(t, shutdowns)

	logger.Criticalf("disk %s", "full")
	logger.Critical("again")
	require.Equal(t, 1, shutdowns)
	require.Contains(t, buf.String(), "disk full")
	require.Contains(t, buf.String(), "again")
}
