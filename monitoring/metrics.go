package monitoring

import (
	"errors"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/relaydir/build"
	"github.com/lightningnetwork/relaydir/consensus"
	"github.com/lightningnetwork/relaydir/directory"
	"github.com/lightningnetwork/relaydir/dirsource"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "relaydir"

	resultSuccess = "success"
	resultFailure = "failure"

	// noSource labels refreshes that ended without a winning source.
	noSource = "none"
)

// Metrics holds the collectors of the daemon. It implements
// directory.Observer and can be passed to every source as its parse
// observer.
type Metrics struct {
	clock clock.Clock

	refreshes       *prometheus.CounterVec
	refreshDuration prometheus.Histogram
	records         prometheus.Gauge
	lastRefresh     prometheus.Gauge

	attempts       *prometheus.CounterVec
	attemptLatency *prometheus.HistogramVec

	committed  *prometheus.CounterVec
	malformed  *prometheus.CounterVec
	softErrors *prometheus.CounterVec

	reg prometheus.Registerer
}

// A compile-time check to ensure Metrics implements directory.Observer.
var _ directory.Observer = (*Metrics)(nil)

// NewMetrics creates the collectors and registers them, together with the
// version and uptime gauges, with reg.
func NewMetrics(reg prometheus.Registerer, clk clock.Clock) (*Metrics,
	error) {

	if clk == nil {
		clk = clock.NewDefaultClock()
	}

	m := &Metrics{
		clock: clk,
		reg:   reg,
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refreshes_total",
			Help:      "Directory refreshes by winning source.",
		}, []string{"source", "result"}),
		refreshDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "refresh_duration_seconds",
				Help:      "Duration of directory refreshes.",
				Buckets: prometheus.ExponentialBuckets(
					0.01, 2, 14,
				),
			},
		),
		records: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "directory_records",
			Help:      "Records in the last published directory.",
		}),
		lastRefresh: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_refresh_timestamp_seconds",
			Help:      "Unix time of the last successful refresh.",
		}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_attempts_total",
			Help:      "Directory source attempts by result.",
		}, []string{"source", "result"}),
		attemptLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "source_attempt_duration_seconds",
				Help:      "Duration of directory source attempts.",
				Buckets: prometheus.ExponentialBuckets(
					0.01, 2, 14,
				),
			}, []string{"source"},
		),
		committed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parsed_entries_total",
			Help:      "Router entries committed by the parser.",
		}, []string{"source"}),
		malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_entries_total",
			Help:      "Router entries dropped as malformed.",
		}, []string{"source"}),
		softErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "soft_errors_total",
			Help: "Unparsable optional fields replaced by " +
				"their default.",
		}, []string{"source"}),
	}

	version := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "version",
		Help:      "Version of relaydir running.",
	}, []string{"version"})
	version.WithLabelValues(build.Version()).Set(1)

	startTime := clk.Now()
	uptime := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Uptime of relaydir in seconds.",
	}, func() float64 {
		return clk.Now().Sub(startTime).Seconds()
	})

	collectors := []prometheus.Collector{
		m.refreshes, m.refreshDuration, m.records, m.lastRefresh,
		m.attempts, m.attemptLatency, m.committed, m.malformed,
		m.softErrors, version, uptime,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// TrackGauge registers a gauge whose value is read from f on every scrape.
func (m *Metrics) TrackGauge(name, help string, f func() float64) error {
	err := m.reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, f))

	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		log.Warnf("Gauge %v already registered", name)
		return nil
	}

	return err
}

// ObserveSource counts a single source attempt.
func (m *Metrics) ObserveSource(o dirsource.Outcome) {
	result := resultSuccess
	if !o.IsSuccess() {
		result = resultFailure
	}

	m.attempts.WithLabelValues(o.SourceID, result).Inc()
	m.attemptLatency.WithLabelValues(o.SourceID).Observe(
		o.Elapsed.Seconds(),
	)
}

// ObserveRefresh records the result of a directory refresh.
func (m *Metrics) ObserveRefresh(sourceID string, records int,
	elapsed time.Duration, err error) {

	m.refreshDuration.Observe(elapsed.Seconds())

	if err != nil {
		m.refreshes.WithLabelValues(noSource, resultFailure).Inc()
		return
	}

	m.refreshes.WithLabelValues(sourceID, resultSuccess).Inc()
	m.records.Set(float64(records))
	m.lastRefresh.Set(float64(m.clock.Now().Unix()))
}

// ObserveParse records the diagnostics of a parsed document. Its signature
// matches dirsource.ParseObserver.
func (m *Metrics) ObserveParse(sourceID string, diag consensus.Diagnostics) {
	m.committed.WithLabelValues(sourceID).Add(float64(diag.Committed))
	m.malformed.WithLabelValues(sourceID).Add(float64(diag.Skipped))
	m.softErrors.WithLabelValues(sourceID).Add(float64(diag.SoftErrors))

	if diag.Skipped > 0 {
		log.Debugf("Source %v: %d malformed entries dropped", sourceID,
			diag.Skipped)
	}
}
