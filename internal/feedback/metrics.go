package feedback

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// recordsAppended counts appended records.
	// Labels: label (accepted, rejected, corrected_date, corrected_category)
	recordsAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deadlined",
			Subsystem: "feedback",
			Name:      "records_appended_total",
			Help:      "Total number of feedback records appended",
		},
		[]string{"label"},
	)

	// corruptLines counts unparseable lines skipped while reading.
	corruptLines = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "deadlined",
			Subsystem: "feedback",
			Name:      "corrupt_lines_skipped_total",
			Help:      "Total number of corrupt feedback lines skipped",
		},
	)

	// lookups counts fingerprint lookups.
	// Labels: result (hit, miss)
	lookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deadlined",
			Subsystem: "feedback",
			Name:      "lookups_total",
			Help:      "Total number of feedback lookups by result",
		},
		[]string{"result"},
	)
)

func countLookup(hit bool) {
	if hit {
		lookups.WithLabelValues("hit").Inc()
		return
	}
	lookups.WithLabelValues("miss").Inc()
}
