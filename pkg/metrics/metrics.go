// Package metrics exposes the agent's Prometheus instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// classPrepareDuration tracks how long indexing a freshly prepared
	// class takes. This sits on the runtime's hot path, hence the
	// microsecond-scale buckets.
	classPrepareDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "snapdbg_class_prepare_duration_seconds",
		Help:    "Time spent handling a class prepare event",
		Buckets: prometheus.ExponentialBuckets(0.000001, 4, 10), // 1us to ~260ms
	})

	// captureDuration tracks snapshot capture latency per breakpoint hit.
	captureDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "snapdbg_capture_duration_seconds",
		Help:    "Time spent capturing a snapshot on a breakpoint hit",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
	})

	// breakpointHits counts breakpoint hits by outcome.
	breakpointHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snapdbg_breakpoint_hits_total",
		Help: "Total breakpoint hits by result",
	}, []string{"result"})

	// breakpointsArmed tracks the current number of armed breakpoints.
	breakpointsArmed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "snapdbg_breakpoints_armed",
		Help: "Number of currently armed breakpoints",
	})

	// safecallQuotaExhausted counts evaluations cut off by a quota.
	safecallQuotaExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snapdbg_safecall_quota_exhausted_total",
		Help: "Sandboxed evaluations aborted by quota, by bucket",
	}, []string{"bucket"})
)

// Hit outcomes reported on snapdbg_breakpoint_hits_total.
const (
	ResultCaptured = "captured"
	ResultExpired  = "expired"
	ResultError    = "error"
	ResultLogged   = "logged"
)

// ObserveClassPrepare records the handling time of one class prepare.
func ObserveClassPrepare(d time.Duration) {
	classPrepareDuration.Observe(d.Seconds())
}

// ObserveCapture records one snapshot capture.
func ObserveCapture(d time.Duration) {
	captureDuration.Observe(d.Seconds())
}

// CountBreakpointHit records a breakpoint hit with its outcome.
func CountBreakpointHit(result string) {
	breakpointHits.WithLabelValues(result).Inc()
}

// BreakpointArmed adjusts the armed-breakpoint gauge.
func BreakpointArmed(delta int) {
	breakpointsArmed.Add(float64(delta))
}

// CountQuotaExhausted records a sandboxed evaluation aborted by quota.
func CountQuotaExhausted(bucket string) {
	safecallQuotaExhausted.WithLabelValues(bucket).Inc()
}
