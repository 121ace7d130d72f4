package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/relaydir"
	"github.com/lightningnetwork/relaydir/signal"
)

func main() {
	// Hook interceptor for os signals.
	shutdownInterceptor, err := signal.Intercept()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Load the configuration, and parse any command line options. This
	// function will also set up logging properly.
	loadedConfig, err := relaydir.LoadConfig(
		shutdownInterceptor.RequestShutdown,
	)
	if err != nil {
		var flagErr *flags.Error
		isFlagErr := errors.As(err, &flagErr)
		if !isFlagErr || flagErr.Type != flags.ErrHelp {
			// Print error if not due to help request.
			_, _ = fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		// Help was requested, exit normally.
		os.Exit(0)
	}
	defer func() {
		_ = loadedConfig.LogWriter.Close()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-shutdownInterceptor.ShutdownChannel()
		cancel()
	}()

	// Call the "real" main in a nested manner so the defers will properly
	// be executed in the case of a graceful shutdown.
	if err := relaydir.Main(ctx, loadedConfig); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		_ = loadedConfig.LogWriter.Close()
		os.Exit(1)
	}
}
