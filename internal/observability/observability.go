// Package observability owns the service logger and its Prometheus registry.
package observability

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

type Observability struct {
	log      *logrus.Logger
	metrics  *prometheus.Registry
	mu       sync.Mutex
	counters map[string]*prometheus.CounterVec
	gauges   map[string]prometheus.Gauge
}

// Make builds a logger at level ("debug", "info", ...) in format ("json" or
// "text") writing to stderr.
func Make(level, format string) *Observability {
	return MakeWithOutput(level, format, os.Stderr)
}

func MakeWithOutput(level, format string, out io.Writer) *Observability {
	log := logrus.New()
	log.SetOutput(out)
	if strings.EqualFold(format, "json") {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return &Observability{
		log:      log,
		metrics:  prometheus.NewRegistry(),
		counters: make(map[string]*prometheus.CounterVec),
		gauges:   make(map[string]prometheus.Gauge),
	}
}

func (o *Observability) Log() *logrus.Logger {
	return o.log
}

func (o *Observability) Metrics() *prometheus.Registry {
	return o.metrics
}

// Counter returns the counter vector registered under opts.Name, creating
// it on first use.
func (o *Observability) Counter(opts prometheus.CounterOpts, labels ...string) *prometheus.CounterVec {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.counters[opts.Name]
	if ok {
		return c
	}
	c = prometheus.NewCounterVec(opts, labels)
	if err := o.metrics.Register(c); err != nil {
		o.log.WithField("metric_collector", opts.Name).WithError(err).Error("failed to register metric")
		return c
	}
	o.counters[opts.Name] = c
	return c
}

func (o *Observability) Gauge(opts prometheus.GaugeOpts) prometheus.Gauge {
	o.mu.Lock()
	defer o.mu.Unlock()
	g, ok := o.gauges[opts.Name]
	if ok {
		return g
	}
	g = prometheus.NewGauge(opts)
	if err := o.metrics.Register(g); err != nil {
		o.log.WithField("metric_collector", opts.Name).WithError(err).Error("failed to register metric")
		return g
	}
	o.gauges[opts.Name] = g
	return g
}

// LedgerMetrics are the counters the API updates after successful ledger
// operations.
type LedgerMetrics struct {
	Settlements  prometheus.Counter
	Interactions prometheus.Counter
	Missions     *prometheus.CounterVec
	FundBalance  prometheus.Gauge
	Requests     *prometheus.CounterVec
}

func MakeLedgerMetrics(obs *Observability) *LedgerMetrics {
	return &LedgerMetrics{
		Settlements: obs.Counter(prometheus.CounterOpts{
			Name: "payline_settlements_total",
			Help: "Number of jobs paid out.",
		}).WithLabelValues(),
		Interactions: obs.Counter(prometheus.CounterOpts{
			Name: "payline_interactions_recorded_total",
			Help: "Number of interactions appended to the ledger.",
		}).WithLabelValues(),
		Missions: obs.Counter(prometheus.CounterOpts{
			Name: "payline_missions_total",
			Help: "Mission state transitions by kind.",
		}, "transition"),
		FundBalance: obs.Gauge(prometheus.GaugeOpts{
			Name: "payline_mission_fund_balance",
			Help: "Mission fund balance in dollars as of the last change seen by this process.",
		}),
		Requests: obs.Counter(prometheus.CounterOpts{
			Name: "payline_http_requests_total",
			Help: "HTTP requests by response status.",
		}, "status"),
	}
}
