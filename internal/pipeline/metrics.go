package pipeline

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// runsTotal counts runs.
	// Labels: outcome (ok, source_unavailable, config_error, canceled)
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deadlined",
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Total number of pipeline runs by outcome",
		},
		[]string{"outcome"},
	)

	// messagesTotal counts source messages.
	// Labels: result (processed, skipped)
	messagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deadlined",
			Subsystem: "pipeline",
			Name:      "messages_total",
			Help:      "Total number of messages pulled from the source",
		},
		[]string{"result"},
	)

	// candidatesTotal counts extracted candidates.
	// Labels: method (pattern, model)
	candidatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deadlined",
			Subsystem: "pipeline",
			Name:      "candidates_total",
			Help:      "Total number of deadline candidates by extraction method",
		},
		[]string{"method"},
	)

	deadlinesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "deadlined",
			Subsystem: "pipeline",
			Name:      "deadlines_total",
			Help:      "Total number of deadlines emitted",
		},
	)

	modelCostTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "deadlined",
			Subsystem: "pipeline",
			Name:      "model_cost_usd_total",
			Help:      "Total model spend in USD",
		},
	)

	modelSkippedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "deadlined",
			Subsystem: "pipeline",
			Name:      "model_skipped_total",
			Help:      "Total number of runs that skipped the model stage",
		},
	)

	lastRunDuration = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "deadlined",
			Subsystem: "pipeline",
			Name:      "last_run_duration_seconds",
			Help:      "Duration of the most recent run",
		},
	)
)

func countRun(s *Stats, outcome string) {
	runsTotal.WithLabelValues(outcome).Inc()
	messagesTotal.WithLabelValues("processed").Add(float64(s.MessagesProcessed))
	messagesTotal.WithLabelValues("skipped").Add(float64(s.MessagesSkipped))
	candidatesTotal.WithLabelValues("pattern").Add(float64(s.PatternCandidates))
	candidatesTotal.WithLabelValues("model").Add(float64(s.ModelCandidates))
	deadlinesTotal.Add(float64(s.CandidatesPost))
	modelCostTotal.Add(s.ActualCost)
	if s.ModelSkipped {
		modelSkippedTotal.Inc()
	}
	lastRunDuration.Set(s.Duration.Seconds())
}

// WriteTextfile writes every registered metric to path in the Prometheus
// text format, for node_exporter's textfile collector.
func WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("writing metrics textfile: %w", err)
	}
	return nil
}
