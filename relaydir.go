package relaydir

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/healthcheck"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/lightningnetwork/relaydir/build"
	"github.com/lightningnetwork/relaydir/directory"
	"github.com/lightningnetwork/relaydir/dirsource"
	"github.com/lightningnetwork/relaydir/monitoring"
	"github.com/lightningnetwork/relaydir/registry"
	"github.com/lightningnetwork/relaydir/tor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// shutdownTimeout bounds the graceful shutdown of the API server.
const shutdownTimeout = 10 * time.Second

// Main is the true entry point for relaydir. It serves the directory API
// until ctx is cancelled or a critical error requests a shutdown.
func Main(ctx context.Context, cfg *Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rdirLog.Infof("Version: %s commit=%s, debuglevel=%s", build.Version(),
		build.Commit, cfg.DebugLevel)

	clk := clock.NewDefaultClock()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(
			collectors.ProcessCollectorOpts{},
		),
	)
	metrics, err := monitoring.NewMetrics(promRegistry, clk)
	if err != nil {
		return fmt.Errorf("unable to create metrics: %w", err)
	}

	sources, err := buildSources(cfg, clk, metrics.ObserveParse)
	if err != nil {
		return err
	}

	policy, err := cfg.Filter.Policy()
	if err != nil {
		return err
	}

	dirService, err := directory.New(directory.Config{
		Sources:          sources,
		PerSourceTimeout: cfg.Sources.Timeout,
		Timeouts:         cfg.Sources.Timeouts(),
		Policy:           policy,
		Clock:            clk,
		Observer:         metrics,
	})
	if err != nil {
		return err
	}
	rdirLog.Infof("Directory sources in promotion order: %v",
		dirService.Sources())

	registryCfg := registry.Config{
		Clock:    clk,
		PruneAge: cfg.Registry.PruneAge,
	}
	if cfg.Registry.PruneInterval > 0 {
		registryCfg.PruneTicker = ticker.New(cfg.Registry.PruneInterval)
	}
	nodeRegistry := registry.New(registryCfg)
	if err := nodeRegistry.Start(); err != nil {
		return err
	}
	defer func() {
		_ = nodeRegistry.Stop()
	}()

	err = metrics.TrackGauge(
		"registry_nodes", "Nodes in the registry.", func() float64 {
			return float64(nodeRegistry.Len())
		},
	)
	if err != nil {
		return err
	}

	if cfg.Prometheus.Enabled() {
		exporter, err := monitoring.ExportPrometheusMetrics(
			cfg.Prometheus, promRegistry,
		)
		if err != nil {
			return fmt.Errorf("unable to start prometheus "+
				"exporter: %w", err)
		}
		defer func() {
			_ = exporter.Stop()
		}()
	}

	monitor, err := startHealthMonitor(cfg, cancel)
	if err != nil {
		return err
	}
	if monitor != nil {
		defer func() {
			_ = monitor.Stop()
		}()
	}

	var tlsCfg *tls.Config
	if cfg.HTTP.TLS {
		tlsCfg, err = getTLSConfig(cfg.HTTP)
		if err != nil {
			return fmt.Errorf("unable to load TLS credentials: %w",
				err)
		}
	}

	listener, err := net.Listen("tcp", cfg.HTTP.Listen)
	if err != nil {
		return fmt.Errorf("unable to listen on %v: %w", cfg.HTTP.Listen,
			err)
	}
	if tlsCfg != nil {
		listener = tls.NewListener(listener, tlsCfg)
	}

	srv := newServer(
		dirService, nodeRegistry, cfg.HTTP.CORS,
		cfg.HTTP.RefreshLimiter(),
	)
	httpServer := &http.Server{
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		rdirLog.Infof("Directory API listening on %s", listener.Addr())
		serveErr <- httpServer.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("directory API failed: %w", err)
		}

	case <-ctx.Done():
		rdirLog.Infof("Gracefully shutting down the directory API...")

		shutdownCtx, shutdownCancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			rdirLog.Errorf("Unable to shut down API server: %v",
				err)
		}
	}

	rdirLog.Info("Shutdown complete")

	return nil
}

// buildSources creates the configured directory sources in promotion order.
func buildSources(cfg *Config, clk clock.Clock,
	onParse dirsource.ParseObserver) ([]dirsource.Source, error) {

	sources := make([]dirsource.Source, 0, len(cfg.Sources.Order))
	for _, id := range cfg.Sources.Order {
		switch id {
		case dirsource.SourceControl:
			sources = append(sources, dirsource.NewControlSource(
				dirsource.ControlConfig{
					Dial: dirsource.TorControlDialer(
						tor.Config{
							ControlAddr: cfg.Tor.Control,
						},
					),
					Credential: tor.Credential{
						CookiePath: cfg.Tor.CookiePath,
						Password:   cfg.Tor.Password,
					},
					SummaryTimeout: cfg.Sources.SummaryTimeout,
					DetailTimeout:  cfg.Sources.DetailTimeout,
					DetailWorkers:  cfg.Sources.DetailWorkers,
					OnParse:        onParse,
				},
			))

		case dirsource.SourceRemote:
			client, err := dirsource.NewHTTPDocumentClient(
				dirsource.HTTPConfig{
					URL:       cfg.Sources.RemoteURL,
					Format:    cfg.Sources.RemoteFormat,
					SOCKSAddr: cfg.Tor.SOCKS,
					DNSServer: cfg.Tor.DNS,
				},
			)
			if err != nil {
				return nil, fmt.Errorf("unable to create remote "+
					"source: %w", err)
			}

			sources = append(sources, dirsource.NewRemoteSource(
				dirsource.RemoteConfig{
					Client:  client,
					OnParse: onParse,
				},
			))

		case dirsource.SourceCache:
			sources = append(sources, dirsource.NewCachedFileSource(
				dirsource.CachedFileConfig{
					Paths:   cfg.Sources.CachePaths,
					MaxAge:  cfg.Sources.CacheMaxAge,
					Clock:   clk,
					OnParse: onParse,
				},
			))

		default:
			return nil, fmt.Errorf("unknown source %q", id)
		}
	}

	return sources, nil
}

// startHealthMonitor starts the tor control port health check if it is
// enabled. A failing check requests a shutdown through cancel.
func startHealthMonitor(cfg *Config,
	cancel func()) (*healthcheck.Monitor, error) {

	torCheckCfg := cfg.HealthChecks.TorConnection
	if !torCheckCfg.Enabled() {
		return nil, nil
	}

	shutdownLog := build.NewShutdownLogger(rdirLog, cancel)

	torCheck := healthcheck.NewObservation(
		"tor connection",
		func() error {
			ctx, done := context.WithTimeout(
				context.Background(), torCheckCfg.Timeout,
			)
			defer done()

			version, err := tor.Probe(ctx, tor.Config{
				ControlAddr: cfg.Tor.Control,
			})
			if err != nil {
				return err
			}
			rdirLog.Debugf("Tor %v is reachable on %v", version,
				cfg.Tor.Control)

			return nil
		},
		torCheckCfg.Interval,
		torCheckCfg.Timeout,
		torCheckCfg.Backoff,
		torCheckCfg.Attempts,
	)

	monitor := healthcheck.NewMonitor(&healthcheck.Config{
		Checks: []*healthcheck.Observation{torCheck},
		Shutdown: func(format string, params ...interface{}) {
			shutdownLog.Criticalf("Health check: "+format,
				params...)
		},
	})
	if err := monitor.Start(); err != nil {
		return nil, fmt.Errorf("unable to start health monitor: %w",
			err)
	}

	return monitor, nil
}
