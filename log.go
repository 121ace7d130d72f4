package relaydir

import (
	"github.com/btcsuite/btclog"
	"github.com/lightningnetwork/relaydir/build"
	"github.com/lightningnetwork/relaydir/consensus"
	"github.com/lightningnetwork/relaydir/directory"
	"github.com/lightningnetwork/relaydir/dirsource"
	"github.com/lightningnetwork/relaydir/monitoring"
	"github.com/lightningnetwork/relaydir/registry"
	"github.com/lightningnetwork/relaydir/signal"
	"github.com/lightningnetwork/relaydir/tor"
)

// Subsystem is the logging code of the daemon's main package.
const Subsystem = "RDIR"

// rdirLog is the logger of the main package. It is replaced once the log
// writer is set up.
var rdirLog = build.NewSubLogger(Subsystem, nil)

// SetupLoggers initializes all package-global logger variables.
func SetupLoggers(root *build.RotatingLogWriter, shutdown func()) {
	genLogger := genSubLogger(root, shutdown)

	// Now that we have the proper root logger, we can replace the
	// placeholder logger with the proper one.
	rdirLog = build.NewSubLogger(Subsystem, genLogger)
	root.RegisterSubLogger(Subsystem, rdirLog)

	AddSubLogger(root, consensus.Subsystem, shutdown, consensus.UseLogger)
	AddSubLogger(root, tor.Subsystem, shutdown, tor.UseLogger)
	AddSubLogger(root, dirsource.Subsystem, shutdown, dirsource.UseLogger)
	AddSubLogger(root, directory.Subsystem, shutdown, directory.UseLogger)
	AddSubLogger(root, registry.Subsystem, shutdown, registry.UseLogger)
	AddSubLogger(root, monitoring.Subsystem, shutdown,
		monitoring.UseLogger)
	AddSubLogger(root, signal.Subsystem, shutdown, signal.UseLogger)
}

// AddSubLogger is a helper method to conveniently create and register the
// logger of one or more sub systems.
func AddSubLogger(root *build.RotatingLogWriter, subsystem string,
	shutdown func(), useLoggers ...func(btclog.Logger)) {

	// genSubLogger will return a callback for creating a logger instance,
	// which we will give to the root logger.
	genLogger := genSubLogger(root, shutdown)

	// Create and register just a single logger to prevent them from
	// overwriting each other internally.
	logger := build.NewSubLogger(subsystem, genLogger)
	SetSubLogger(root, subsystem, logger, useLoggers...)
}

// SetSubLogger is a helper method to conveniently register the logger of a
// sub system.
func SetSubLogger(root *build.RotatingLogWriter, subsystem string,
	logger btclog.Logger, useLoggers ...func(btclog.Logger)) {

	root.RegisterSubLogger(subsystem, logger)
	for _, useLogger := range useLoggers {
		useLogger(logger)
	}
}

// genSubLogger creates a logger for a subsystem. We provide an instance of
// a shutdown function so that critical errors stop the daemon.
func genSubLogger(root *build.RotatingLogWriter,
	shutdown func()) func(string) btclog.Logger {

	// createLogger is a function which returns a logger for a subsystem
	// which will request a shutdown if a critical error is logged.
	createLogger := func(subsystem string) btclog.Logger {
		if shutdown == nil {
			return root.GenSubLogger(subsystem)
		}

		return build.NewShutdownLogger(
			root.GenSubLogger(subsystem), shutdown,
		)
	}

	return createLogger
}
