package daemon

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/groundseg/missiond/internal/buildinfo"
	"github.com/groundseg/missiond/internal/models"
)

// Metrics collects Prometheus counters and histograms for missiond.
type Metrics struct {
	registry               *prometheus.Registry
	missionsSubmittedTotal *prometheus.CounterVec
	missionOutcomesTotal   *prometheus.CounterVec
	missionDurationSeconds *prometheus.HistogramVec
	missionsRunning        prometheus.Gauge
	downlinkRequestsTotal  *prometheus.CounterVec
	allocatedBandwidthMbps prometheus.Histogram
	windowsCleanedTotal    *prometheus.CounterVec
	alarmsTotal            *prometheus.CounterVec
	schedulerPaused        prometheus.Gauge
}

// NewMetrics constructs a metrics registry and registers all collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	missionsSubmittedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "missiond",
			Subsystem: "mission",
			Name:      "submitted_total",
			Help:      "Total missions accepted by the scheduler.",
		},
		[]string{"type"},
	)
	missionOutcomesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "missiond",
			Subsystem: "mission",
			Name:      "outcomes_total",
			Help:      "Total mission attempts by final status.",
		},
		[]string{"type", "status"},
	)
	missionDurationSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "missiond",
			Subsystem: "mission",
			Name:      "duration_seconds",
			Help:      "Mission runtime from dispatch to final status.",
			Buckets:   []float64{0.01, 0.1, 1, 5, 15, 30, 60, 120, 180, 300, 600},
		},
		[]string{"type", "status"},
	)
	missionsRunning := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "missiond",
			Subsystem: "mission",
			Name:      "running",
			Help:      "Missions currently in flight.",
		},
	)
	downlinkRequestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "missiond",
			Subsystem: "downlink",
			Name:      "requests_total",
			Help:      "Total downlink requests by result.",
		},
		[]string{"result"},
	)
	allocatedBandwidthMbps := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "missiond",
			Subsystem: "downlink",
			Name:      "allocated_bandwidth_mbps",
			Help:      "Bandwidth granted per successful downlink request.",
			Buckets:   []float64{1, 5, 10, 20, 40, 60, 80, 100, 200, 500},
		},
	)
	windowsCleanedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "missiond",
			Subsystem: "downlink",
			Name:      "windows_cleaned_total",
			Help:      "Contact windows marked missed or deleted by the cleanup sweep.",
		},
		[]string{"action"},
	)
	alarmsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "missiond",
			Name:      "alarms_total",
			Help:      "Total alarms raised by kind and severity.",
		},
		[]string{"kind", "severity"},
	)
	schedulerPaused := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "missiond",
			Subsystem: "scheduler",
			Name:      "paused",
			Help:      "1 when mission dispatch is paused.",
		},
	)
	buildInfo := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   "missiond",
			Name:        "build_info",
			Help:        "Build metadata of the running daemon.",
			ConstLabels: buildinfo.Labels(),
		},
	)
	buildInfo.Set(1)

	registry.MustRegister(
		missionsSubmittedTotal,
		missionOutcomesTotal,
		missionDurationSeconds,
		missionsRunning,
		downlinkRequestsTotal,
		allocatedBandwidthMbps,
		windowsCleanedTotal,
		alarmsTotal,
		schedulerPaused,
		buildInfo,
	)

	return &Metrics{
		registry:               registry,
		missionsSubmittedTotal: missionsSubmittedTotal,
		missionOutcomesTotal:   missionOutcomesTotal,
		missionDurationSeconds: missionDurationSeconds,
		missionsRunning:        missionsRunning,
		downlinkRequestsTotal:  downlinkRequestsTotal,
		allocatedBandwidthMbps: allocatedBandwidthMbps,
		windowsCleanedTotal:    windowsCleanedTotal,
		alarmsTotal:            alarmsTotal,
		schedulerPaused:        schedulerPaused,
	}
}

// Handler returns an HTTP handler that serves the metrics registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) IncMissionSubmitted(missionType models.MissionType) {
	if m == nil {
		return
	}
	m.missionsSubmittedTotal.WithLabelValues(string(missionType)).Inc()
}

func (m *Metrics) ObserveMissionOutcome(missionType models.MissionType, status models.MissionStatus, duration time.Duration) {
	if m == nil {
		return
	}
	m.missionOutcomesTotal.WithLabelValues(string(missionType), string(status)).Inc()
	seconds := duration.Seconds()
	if seconds < 0 {
		return
	}
	m.missionDurationSeconds.WithLabelValues(string(missionType), string(status)).Observe(seconds)
}

func (m *Metrics) SetMissionsRunning(n int) {
	if m == nil {
		return
	}
	m.missionsRunning.Set(float64(n))
}

func (m *Metrics) IncDownlinkRequest(result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.downlinkRequestsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveAllocatedBandwidth(mbps float64) {
	if m == nil || mbps < 0 {
		return
	}
	m.allocatedBandwidthMbps.Observe(mbps)
}

func (m *Metrics) AddWindowsCleaned(action string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.windowsCleanedTotal.WithLabelValues(action).Add(float64(n))
}

func (m *Metrics) IncAlarm(kind, severity string) {
	if m == nil {
		return
	}
	m.alarmsTotal.WithLabelValues(kind, severity).Inc()
}

func (m *Metrics) SetSchedulerPaused(paused bool) {
	if m == nil {
		return
	}
	if paused {
		m.schedulerPaused.Set(1)
		return
	}
	m.schedulerPaused.Set(0)
}
