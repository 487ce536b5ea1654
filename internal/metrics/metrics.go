// Package metrics exports transaction and flush statistics to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/calvinalkan/docvault/pkg/txn"
)

const namespace = "docvault"

// Collector records [txn.Record]s and flush results. A nil *Collector
// records nothing.
type Collector struct {
	txnTotal     *prometheus.CounterVec
	txnPhase     *prometheus.HistogramVec
	flushRuns    *prometheus.CounterVec
	flushSeconds prometheus.Histogram
}

// New registers the collectors on reg. A nil reg uses a private registry so
// the collector still works but is not scraped.
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	factory := promauto.With(reg)

	return &Collector{
		txnTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "txn_total",
				Help:      "Transactions by outcome",
			},
			[]string{"outcome"},
		),
		txnPhase: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "txn_phase_seconds",
				Help:      "Time spent per transaction phase",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
			},
			[]string{"phase"},
		),
		flushRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "flush_runs_total",
				Help:      "Snapshot flush runs by result",
			},
			[]string{"result"},
		),
		flushSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "flush_seconds",
				Help:      "Duration of snapshot flush runs",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
			},
		),
	}
}

// ObserveTxn records one finished transaction attempt. The action and flush
// phases are only observed for attempts that got exclusivity.
func (c *Collector) ObserveTxn(rec txn.Record) {
	if c == nil {
		return
	}

	c.txnTotal.WithLabelValues(string(rec.Outcome)).Inc()
	c.txnPhase.WithLabelValues("wait").Observe(rec.Timing.Wait.Seconds())

	switch rec.Outcome {
	case txn.OutcomeBusy, txn.OutcomeCanceled:
		return
	case txn.OutcomeCommitted, txn.OutcomeRolledBack:
	}

	c.txnPhase.WithLabelValues("action").Observe(rec.Timing.Action.Seconds())

	if rec.Outcome == txn.OutcomeCommitted {
		c.txnPhase.WithLabelValues("flush").Observe(rec.Timing.Flush.Seconds())
	}
}

// ObserveFlush records one flush run.
func (c *Collector) ObserveFlush(elapsed time.Duration, err error) {
	if c == nil {
		return
	}

	result := "ok"
	if err != nil {
		result = "error"
	}

	c.flushRuns.WithLabelValues(result).Inc()
	c.flushSeconds.Observe(elapsed.Seconds())
}
