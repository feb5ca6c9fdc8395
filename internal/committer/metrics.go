package committer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics reports commit runs. A nil *Metrics records nothing.
type Metrics struct {
	runs          *prometheus.CounterVec
	unitsTotal    *prometheus.CounterVec
	filesMoved    prometheus.Counter
	bytesMoved    prometheus.Counter
	cleanupErrors prometheus.Counter
	duration      prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	return &Metrics{
		runs: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "tablecommit",
			Name:      "runs_total",
			Help:      "Commit runs by outcome",
		}, []string{"outcome"}),
		unitsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "tablecommit",
			Name:      "units_published_total",
			Help:      "Commit units published by kind",
		}, []string{"kind"}),
		filesMoved: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "tablecommit",
			Name:      "files_moved_total",
			Help:      "Staged files moved into their final location",
		}),
		bytesMoved: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "tablecommit",
			Name:      "bytes_moved_total",
			Help:      "Bytes of staged files moved into their final location",
		}),
		cleanupErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "tablecommit",
			Name:      "cleanup_errors_total",
			Help:      "Staging directories that could not be deleted",
		}),
		duration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: "tablecommit",
			Name:      "run_duration_seconds",
			Help:      "Wall time of one commit run including cleanup",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}
}

func (m *Metrics) observeUnit(kind string, files int, bytes int64) {
	if m == nil {
		return
	}
	m.unitsTotal.WithLabelValues(kind).Inc()
	m.filesMoved.Add(float64(files))
	m.bytesMoved.Add(float64(bytes))
}

func (m *Metrics) observeRun(err error, cleanupErrors int, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.runs.WithLabelValues(outcome).Inc()
	m.cleanupErrors.Add(float64(cleanupErrors))
	m.duration.Observe(elapsed.Seconds())
}
