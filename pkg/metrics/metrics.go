package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// VolumeCreations counts completed creation workflows by strategy
	// (raw, snapshot, source_volume, image) and outcome (success, error,
	// rescheduled).
	VolumeCreations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_volume_creations_total",
		Help: "Total number of volume creation workflow runs",
	}, []string{"strategy", "outcome"})

	// VolumeCreationDuration observes wall-clock workflow duration by strategy
	VolumeCreationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quarry_volume_creation_duration_seconds",
		Help:    "Duration of volume creation workflows",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"strategy"})

	// Reschedules counts creation attempts handed back to the scheduler
	Reschedules = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quarry_volume_reschedules_total",
		Help: "Total number of volume creations rescheduled after failure",
	})

	// QuotaRejections counts reservations refused for exceeding limits
	QuotaRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_quota_rejections_total",
		Help: "Total number of quota reservations rejected",
	}, []string{"project_id"})

	// VolumesByStatus tracks the current volume population per status
	VolumesByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "quarry_volumes_by_status",
		Help: "Current number of volumes in each status",
	}, []string{"status"})

	// HostFreeCapacity tracks unallocated gigabytes per storage host
	HostFreeCapacity = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "quarry_host_free_capacity_gb",
		Help: "Unallocated capacity per storage host in GB",
	}, []string{"host"})
)

// Timer measures one workflow run for the duration histogram
type Timer struct {
	start    time.Time
	strategy string
}

// NewTimer starts timing a creation workflow
func NewTimer(strategy string) *Timer {
	return &Timer{start: time.Now(), strategy: strategy}
}

// ObserveDuration records the elapsed time
func (t *Timer) ObserveDuration() {
	VolumeCreationDuration.WithLabelValues(t.strategy).Observe(time.Since(t.start).Seconds())
}
