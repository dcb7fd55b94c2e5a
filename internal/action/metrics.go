package action

import (
	"os"
	"path/filepath"
	"time"

	"browserd/internal/logging"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "browserd",
		Subsystem: "action",
		Name:      "executed_total",
		Help:      "Dispatched actions by type and outcome.",
	}, []string{"type", "result"})
	metricActionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "browserd",
		Subsystem: "action",
		Name:      "duration_seconds",
		Help:      "Action execution time.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"type"})
	metricDownloadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "browserd",
		Subsystem: "action",
		Name:      "download_bytes_total",
		Help:      "Bytes saved by download actions.",
	})
)

func observe(t Type, ok bool, d time.Duration) {
	result := "success"
	if !ok {
		result = "failure"
	}
	metricActions.WithLabelValues(string(t), result).Inc()
	metricActionDuration.WithLabelValues(string(t)).Observe(d.Seconds())
}

func (d *Dispatcher) sessionDir(sessionID string) string {
	return filepath.Join(d.cfg.DownloadsDir, filepath.Base(sessionID))
}

// Purge removes a closed session's uploaded files. Downloads are kept.
func (d *Dispatcher) Purge(sessionID string) {
	if sessionID == "" {
		return
	}
	dir := d.sessionDir(sessionID)
	if err := os.RemoveAll(filepath.Join(dir, "uploads")); err != nil {
		logging.Get(logging.CategoryAction).Warn("purge uploads of session %s: %v", sessionID, err)
	}
	_ = os.Remove(dir) // only succeeds when nothing was downloaded
}
