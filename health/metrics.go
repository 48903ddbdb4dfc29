package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jmcleod/fieldkey/auditlog"
)

const namespace = "fieldkey"

var (
	activeKeysDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "keys", "active"),
		"Number of active key versions.", nil, nil)
	expiringKeysDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "keys", "expiring"),
		"Active key versions expiring within the warning window.", nil, nil)
	noExpiryKeysDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "keys", "without_expiry"),
		"Active key versions with no expiry scheduled.", nil, nil)
	stuckRotationsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "rotations", "open"),
		"Rotations in PENDING or IN_PROGRESS.", nil, nil)
	failedRotationsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "rotations", "recent_failures"),
		"Recent FAILED rotations, capped at five.", nil, nil)
	developmentDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "master_secret", "development"),
		"1 if the master secret is the development fallback.", nil, nil)
	coverageDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "encryption", "coverage_ratio"),
		"Share of rows with the encrypted column set.", []string{"entity"}, nil)
	reportErrorDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "health", "report_error"),
		"1 if the last health report could not be built.", nil, nil)
)

// Collector exposes health reports as Prometheus gauges. A report is built
// on every scrape.
type Collector struct {
	monitor *Monitor
	opts    Options
	timeout time.Duration
	logger  *slog.Logger
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a Collector building reports with opts.
func NewCollector(m *Monitor, opts Options) *Collector {
	return &Collector{monitor: m, opts: Options{WarnWithin: opts.WarnWithin}, timeout: 10 * time.Second, logger: m.logger}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- activeKeysDesc
	ch <- expiringKeysDesc
	ch <- noExpiryKeysDesc
	ch <- stuckRotationsDesc
	ch <- failedRotationsDesc
	ch <- developmentDesc
	ch <- coverageDesc
	ch <- reportErrorDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	rep, err := c.monitor.Report(ctx, c.opts)
	if err != nil {
		c.logger.Warn("building health report for metrics failed", slog.String("error", err.Error()))
		ch <- prometheus.MustNewConstMetric(reportErrorDesc, prometheus.GaugeValue, 1)
		return
	}
	ch <- prometheus.MustNewConstMetric(reportErrorDesc, prometheus.GaugeValue, 0)
	ch <- prometheus.MustNewConstMetric(activeKeysDesc, prometheus.GaugeValue, float64(rep.ActiveKeys))
	ch <- prometheus.MustNewConstMetric(expiringKeysDesc, prometheus.GaugeValue, float64(len(rep.Expiring)))
	ch <- prometheus.MustNewConstMetric(noExpiryKeysDesc, prometheus.GaugeValue, float64(len(rep.NoExpiry)))
	ch <- prometheus.MustNewConstMetric(stuckRotationsDesc, prometheus.GaugeValue, float64(len(rep.Stuck)))
	ch <- prometheus.MustNewConstMetric(failedRotationsDesc, prometheus.GaugeValue, float64(len(rep.RecentFailures)))
	dev := 0.0
	if rep.Development {
		dev = 1
	}
	ch <- prometheus.MustNewConstMetric(developmentDesc, prometheus.GaugeValue, dev)
	for _, cov := range rep.Coverage {
		ratio := 0.0
		if cov.Total > 0 {
			ratio = float64(cov.Encrypted) / float64(cov.Total)
		}
		ch <- prometheus.MustNewConstMetric(coverageDesc, prometheus.GaugeValue, ratio, cov.Entity)
	}
}

// EventCounter counts audit events by action. It is an auditlog.Sink.
type EventCounter struct {
	events *prometheus.CounterVec
}

var _ auditlog.Sink = (*EventCounter)(nil)

// NewEventCounter returns an EventCounter registered with reg.
func NewEventCounter(reg prometheus.Registerer) *EventCounter {
	events := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_events_total",
			Help:      "Key lifecycle events by action and outcome.",
		},
		[]string{"action", "outcome"},
	)
	reg.MustRegister(events)
	return &EventCounter{events: events}
}

func (e *EventCounter) Record(_ context.Context, evt auditlog.Event) error {
	outcome := "ok"
	if evt.Error != "" {
		outcome = "error"
	}
	e.events.WithLabelValues(string(evt.Action), outcome).Inc()
	return nil
}
