package monitoring

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/lightningnetwork/relaydir/dircfg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler returns the HTTP handler serving the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{
		ErrorLog: promLogger{},
	})
}

// Exporter serves /metrics on its own listener.
type Exporter struct {
	server   *http.Server
	listener net.Listener
}

// ExportPrometheusMetrics launches the Prometheus exporter on the configured
// address. The caller must Stop the returned exporter.
func ExportPrometheusMetrics(cfg dircfg.Prometheus,
	g prometheus.Gatherer) (*Exporter, error) {

	l, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))

	e := &Exporter{
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		listener: l,
	}

	log.Infof("Prometheus exporter started on %v/metrics", l.Addr())

	go func() {
		err := e.server.Serve(l)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Prometheus exporter failed: %v", err)
		}
	}()

	return e, nil
}

// Addr returns the address the exporter listens on.
func (e *Exporter) Addr() net.Addr {
	return e.listener.Addr()
}

// Stop shuts the exporter down.
func (e *Exporter) Stop() error {
	return e.server.Close()
}

// promLogger forwards promhttp errors to the subsystem logger.
type promLogger struct{}

// Println implements promhttp.Logger.
func (promLogger) Println(v ...interface{}) {
	log.Error(v...)
}
