// Package metrics exposes registry and backup events as Prometheus metrics.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/celerix-dev/celerix-naming/internal/backup"
	"github.com/celerix-dev/celerix-naming/internal/engine"
	"github.com/celerix-dev/celerix-naming/pkg/schema"
)

// MaxClassLabels bounds the distinct class label values. Classes seen after
// the limit is reached are counted under OtherLabel.
const MaxClassLabels = 64

// OtherLabel replaces label values outside the known or allowed set.
const OtherLabel = "other"

var deletionReasons = map[string]bool{
	engine.ReasonManualDeletion: true,
	engine.ReasonBulkDeletion:   true,
	engine.ReasonClassDeletion:  true,
	engine.ReasonOfflineCleanup: true,
}

// Collector implements engine.Metrics and backup.Metrics backed by Prometheus.
type Collector struct {
	acquired        *prometheus.CounterVec
	heartbeats      *prometheus.CounterVec
	swept           prometheus.Counter
	deleted         *prometheus.CounterVec
	snapshotLatency prometheus.Histogram
	snapshotErrors  prometheus.Counter
	identities      prometheus.Gauge
	live            prometheus.Gauge
	backups         *prometheus.CounterVec
	backupLatency   prometheus.Histogram

	mu      sync.Mutex
	classes map[string]struct{}
}

var (
	_ engine.Metrics = (*Collector)(nil)
	_ backup.Metrics = (*Collector)(nil)
)

// New creates and registers the collector.
//
// Parameters:
//   - reg: Prometheus registerer (prometheus.DefaultRegisterer if nil)
//   - namespace: metrics namespace (defaults to "celerix_naming" if empty)
func New(reg prometheus.Registerer, namespace string) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "celerix_naming"
	}

	c := &Collector{
		acquired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identities_acquired_total",
			Help:      "Identities handed out by class and mode (new, reconnected, reactivated).",
		}, []string{"class", "mode"}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Accepted heartbeats, split by whether it was the identity's first.",
		}, []string{"first"}),
		swept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_demotions_total",
			Help:      "Identities demoted from live to stale by the sweep.",
		}),
		deleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identities_deleted_total",
			Help:      "Identities permanently deleted by reason.",
		}, []string{"reason"}),
		snapshotLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "write_seconds",
			Help:      "Latency of local snapshot writes.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		snapshotErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "failures_total",
			Help:      "Local snapshot writes that failed.",
		}),
		identities: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "identities",
			Help:      "Identities currently held in the registry.",
		}),
		live: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "identities_live",
			Help:      "Identities currently live.",
		}),
		backups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backup",
			Name:      "runs_total",
			Help:      "Remote backup attempts by result (success, failure).",
		}, []string{"result"}),
		backupLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backup",
			Name:      "duration_seconds",
			Help:      "Duration of remote backup attempts.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 15},
		}),
		classes: make(map[string]struct{}),
	}

	for _, col := range []prometheus.Collector{
		c.acquired, c.heartbeats, c.swept, c.deleted, c.snapshotLatency,
		c.snapshotErrors, c.identities, c.live, c.backups, c.backupLatency,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collector) IdentityAcquired(class string, mode schema.Mode) {
	c.acquired.WithLabelValues(c.classLabel(class), string(mode)).Inc()
}

// classLabel admits the first MaxClassLabels classes as label values.
func (c *Collector) classLabel(class string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.classes[class]; ok {
		return class
	}
	if len(c.classes) >= MaxClassLabels {
		return OtherLabel
	}
	c.classes[class] = struct{}{}
	return class
}

func (c *Collector) HeartbeatReceived(first bool) {
	label := "false"
	if first {
		label = "true"
	}
	c.heartbeats.WithLabelValues(label).Inc()
}

func (c *Collector) IdentitiesSwept(n int) {
	c.swept.Add(float64(n))
}

// IdentityDeleted counts a deletion. Caller-supplied reasons are counted as
// OtherLabel.
func (c *Collector) IdentityDeleted(reason string) {
	if !deletionReasons[reason] {
		reason = OtherLabel
	}
	c.deleted.WithLabelValues(reason).Inc()
}

func (c *Collector) SnapshotWritten(d time.Duration, err error) {
	c.snapshotLatency.Observe(d.Seconds())
	if err != nil {
		c.snapshotErrors.Inc()
	}
}

func (c *Collector) RegistrySize(total, live int) {
	c.identities.Set(float64(total))
	c.live.Set(float64(live))
}

func (c *Collector) BackupCompleted(d time.Duration, err error) {
	c.backupLatency.Observe(d.Seconds())
	result := "success"
	if err != nil {
		result = "failure"
	}
	c.backups.WithLabelValues(result).Inc()
}
