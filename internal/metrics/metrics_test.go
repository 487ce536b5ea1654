package metrics_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/calvinalkan/docvault/internal/metrics"
	"github.com/calvinalkan/docvault/pkg/txn"
)

func Test_ObserveTxn_Counts_By_Outcome(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.New(reg)

	c.ObserveTxn(txn.Record{Outcome: txn.OutcomeCommitted, Timing: txn.Timing{Wait: time.Millisecond}})
	c.ObserveTxn(txn.Record{Outcome: txn.OutcomeCommitted})
	c.ObserveTxn(txn.Record{Outcome: txn.OutcomeBusy})

	want := `
# HELP docvault_txn_total Transactions by outcome
# TYPE docvault_txn_total counter
docvault_txn_total{outcome="busy"} 1
docvault_txn_total{outcome="commit"} 2
`

	err := testutil.GatherAndCompare(reg, strings.NewReader(want), "docvault_txn_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	// wait for all three, action and flush for the two commits
	n, err := testutil.GatherAndCount(reg, "docvault_txn_phase_seconds")
	if err != nil || n != 3 {
		t.Fatalf("phase series = %d, %v; want 3", n, err)
	}
}

func Test_ObserveFlush_Splits_Results(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.New(reg)

	c.ObserveFlush(10*time.Millisecond, nil)
	c.ObserveFlush(5*time.Millisecond, errors.New("kv down"))
	c.ObserveFlush(time.Millisecond, nil)

	want := `
# HELP docvault_flush_runs_total Snapshot flush runs by result
# TYPE docvault_flush_runs_total counter
docvault_flush_runs_total{result="error"} 1
docvault_flush_runs_total{result="ok"} 2
`

	err := testutil.GatherAndCompare(reg, strings.NewReader(want), "docvault_flush_runs_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
}

func Test_Nil_Collector_Is_Noop(t *testing.T) {
	t.Parallel()

	var c *metrics.Collector

	c.ObserveTxn(txn.Record{Outcome: txn.OutcomeCommitted})
	c.ObserveFlush(time.Second, nil)
}
