// Package metrics provides engine-specific Prometheus metrics for the PoET
// engine: wait-certificate lifecycle counters, enclave RPC latency
// histograms, and enrollment submission counters.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector wraps the Prometheus collectors this engine exposes on its
// internal /metrics endpoint.
type Collector struct {
	registry *prometheus.Registry

	waitCertBegun     *prometheus.CounterVec
	waitCertFinalized *prometheus.CounterVec
	waitCertAborted   *prometheus.CounterVec
	waitCertVerified  *prometheus.CounterVec

	enclaveRPCTotal    *prometheus.CounterVec
	enclaveRPCDuration *prometheus.HistogramVec

	enrollmentSubmissions *prometheus.CounterVec
}

// NewCollector creates a new engine metrics collector under the given
// namespace (e.g. "poet").
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "poet"
	}

	c := &Collector{registry: prometheus.NewRegistry()}

	c.waitCertBegun = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "waitcert",
			Name:      "begun_total",
			Help:      "Total number of wait-certificate block attempts begun (Idle -> Waiting).",
		},
		[]string{"validator"},
	)

	c.waitCertFinalized = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "waitcert",
			Name:      "finalized_total",
			Help:      "Total number of wait certificates finalized and published (Ready -> Published).",
		},
		[]string{"validator"},
	)

	c.waitCertAborted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "waitcert",
			Name:      "aborted_total",
			Help:      "Total number of wait-certificate block attempts aborted by a competing peer block or an invalid-block report.",
		},
		[]string{"validator"},
	)

	c.waitCertVerified = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "waitcert",
			Name:      "verified_total",
			Help:      "Total number of peer wait certificates verified, by result.",
		},
		[]string{"result"},
	)

	c.enclaveRPCTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "enclave_rpc",
			Name:      "requests_total",
			Help:      "Total number of enclave RPC calls, by operation and result.",
		},
		[]string{"operation", "result"},
	)

	c.enclaveRPCDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "enclave_rpc",
			Name:      "duration_seconds",
			Help:      "Enclave RPC round-trip latency.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
		[]string{"operation"},
	)

	c.enrollmentSubmissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "enrollment",
			Name:      "submissions_total",
			Help:      "Total number of validator-registry enrollment submissions, by result.",
		},
		[]string{"result"},
	)

	c.registry.MustRegister(
		c.waitCertBegun,
		c.waitCertFinalized,
		c.waitCertAborted,
		c.waitCertVerified,
		c.enclaveRPCTotal,
		c.enclaveRPCDuration,
		c.enrollmentSubmissions,
	)

	return c
}

// Registry returns the Prometheus registry backing this collector, for
// mounting on an HTTP handler via promhttp.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordWaitCertBegun records a BeginBlock transition.
func (c *Collector) RecordWaitCertBegun(validatorID string) {
	c.waitCertBegun.WithLabelValues(validatorID).Inc()
}

// RecordWaitCertFinalized records a Finalize transition.
func (c *Collector) RecordWaitCertFinalized(validatorID string) {
	c.waitCertFinalized.WithLabelValues(validatorID).Inc()
}

// RecordWaitCertAborted records an Abort transition.
func (c *Collector) RecordWaitCertAborted(validatorID string) {
	c.waitCertAborted.WithLabelValues(validatorID).Inc()
}

// RecordWaitCertVerified records a peer verification outcome.
func (c *Collector) RecordWaitCertVerified(ok bool, err error) {
	result := "valid"
	switch {
	case err != nil:
		result = "error"
	case !ok:
		result = "invalid"
	}
	c.waitCertVerified.WithLabelValues(result).Inc()
}

// RecordEnclaveRPC records one enclave RPC call's latency and outcome.
func (c *Collector) RecordEnclaveRPC(operation string, duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.enclaveRPCTotal.WithLabelValues(operation, result).Inc()
	c.enclaveRPCDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordEnrollmentSubmission records one enrollment batch-list submission.
func (c *Collector) RecordEnrollmentSubmission(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.enrollmentSubmissions.WithLabelValues(result).Inc()
}
