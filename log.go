package stablechan

import (
	"github.com/btcsuite/btclog/v2"
	"github.com/lightningnetwork/lnd/signal"
	"github.com/stablechannels/stablechan/build"
	"github.com/stablechannels/stablechan/esplora"
	"github.com/stablechannels/stablechan/lnnode"
	"github.com/stablechannels/stablechan/lsps"
	"github.com/stablechannels/stablechan/shell"
)

// Subsystem is the logging code of the harness itself.
const Subsystem = "SCHN"

// log is the root logger. It is replaced by SetupLoggers and requests a
// shutdown on critical errors.
var log btclog.Logger = btclog.Disabled

// SetupLoggers creates one sub-logger per subsystem from the given manager
// and hands it to the package that logs under it.
func SetupLoggers(root *build.SubLoggerManager,
	interceptor signal.Interceptor) {

	log = build.NewShutdownLogger(
		root.GenSubLogger(Subsystem), interceptor.RequestShutdown,
	)

	AddSubLogger(root, lnnode.Subsystem, lnnode.UseLogger)
	AddSubLogger(root, lsps.Subsystem, lsps.UseLogger)
	AddSubLogger(root, esplora.Subsystem, esplora.UseLogger)
	AddSubLogger(root, shell.Subsystem, shell.UseLogger)
}

// AddSubLogger is a helper method to conveniently create and register the
// logger of one or more sub systems.
func AddSubLogger(root *build.SubLoggerManager, subsystem string,
	useLoggers ...func(btclog.Logger)) {

	logger := root.GenSubLogger(subsystem)
	for _, useLogger := range useLoggers {
		useLogger(logger)
	}
}
