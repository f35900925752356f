package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for monitoring
var (
	StepsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_steps_finished_total",
		Help: "Steps that reached a terminal status",
	}, []string{"chain_id", "kind", "status"})

	StepFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_step_failures_total",
		Help: "Step failures by taxonomy type",
	}, []string{"chain_id", "kind", "error_type"})

	StepsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_steps_skipped_total",
		Help: "Deposit steps failed without being attempted because their approval failed",
	}, []string{"chain_id"})

	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vault_step_duration_seconds",
		Help:    "Time from dispatch until a step reaches a terminal status",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10), // Start at 1s with 10 buckets doubling in size
	}, []string{"chain_id", "kind"})

	PlansFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_plans_finalized_total",
		Help: "Plans that reached completed or failed",
	}, []string{"kind", "status"})

	PlansCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vault_plans_cancelled_total",
		Help: "Plans discarded through cancel or reset",
	})

	Retries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_step_retries_total",
		Help: "Failed steps returned to pending by retry",
	}, []string{"chain_id", "kind"})

	RecordsSunk = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_history_records_total",
		Help: "Confirmed operation records handed to the history sink",
	}, []string{"chain_id", "kind"})

	NetworkSwitches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_network_switches_total",
		Help: "Network switch requests by outcome",
	}, []string{"chain_id", "outcome"})
)

// ChainLabel formats a chain id as a metric label.
func ChainLabel(chainID int64) string {
	return strconv.FormatInt(chainID, 10)
}

// WriteTextfile dumps the default registry in the node-exporter textfile format.
func WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
