// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "gpsgate"
	subsystem = "gateway"
)

// Label names for gateway metrics.
const (
	labelProtocol = "protocol"
	labelType     = "type"
	labelReason   = "reason"
	labelResult   = "result"
)

// -------------------------------------------------------------------------
// Collector — Prometheus gateway metrics
// -------------------------------------------------------------------------

// Collector holds all gateway Prometheus metrics.
//
// Device-caused errors are absorbed on the hot path and surface only here:
// framing violations, checksum mismatches, unauthorised logins and webhook
// failures are all counted rather than propagated.
type Collector struct {
	// Connections tracks currently open sessions per protocol.
	Connections *prometheus.GaugeVec

	// ConnectionsClosed counts closed sessions per protocol and close reason.
	ConnectionsClosed *prometheus.CounterVec

	// PacketsDecoded counts successfully decoded frames per protocol and
	// packet type.
	PacketsDecoded *prometheus.CounterVec

	// DecodeErrors counts codec failures (checksum, truncation) per protocol.
	DecodeErrors *prometheus.CounterVec

	// FramingInvalid counts connections whose byte stream matched no framing.
	FramingInvalid *prometheus.CounterVec

	// ChecksumMismatches counts frames accepted by a lenient-mode codec
	// despite a failed checksum.
	ChecksumMismatches *prometheus.CounterVec

	// UnauthorisedLogins counts LOGIN frames rejected by the allow-list.
	UnauthorisedLogins *prometheus.CounterVec

	// AcksWritten counts acknowledgement writes per protocol.
	AcksWritten *prometheus.CounterVec

	// CommandsDispatched counts downlink command deliveries per protocol
	// and result (sent, requeued).
	CommandsDispatched *prometheus.CounterVec

	// WebhookForwards counts outbound record posts per result (ok, error).
	WebhookForwards *prometheus.CounterVec

	// StatusUpserts counts presence writes per result (ok, error).
	StatusUpserts *prometheus.CounterVec

	// SyncRuns counts background store sync executions per result.
	SyncRuns *prometheus.CounterVec
}

// NewCollector creates a Collector with all gateway metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics carry the "gpsgate_gateway_" prefix (namespace_subsystem).
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Connections,
		c.ConnectionsClosed,
		c.PacketsDecoded,
		c.DecodeErrors,
		c.FramingInvalid,
		c.ChecksumMismatches,
		c.UnauthorisedLogins,
		c.AcksWritten,
		c.CommandsDispatched,
		c.WebhookForwards,
		c.StatusUpserts,
		c.SyncRuns,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	protoLabels := []string{labelProtocol}

	return &Collector{
		Connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections",
			Help:      "Number of currently open tracker sessions.",
		}, protoLabels),

		ConnectionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections_closed_total",
			Help:      "Total closed tracker sessions by close reason.",
		}, []string{labelProtocol, labelReason}),

		PacketsDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_decoded_total",
			Help:      "Total successfully decoded frames.",
		}, []string{labelProtocol, labelType}),

		DecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "decode_errors_total",
			Help:      "Total frames dropped by codec validation.",
		}, protoLabels),

		FramingInvalid: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "framing_invalid_total",
			Help:      "Total connections closed for unrecognized stream framing.",
		}, protoLabels),

		ChecksumMismatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "checksum_mismatches_total",
			Help:      "Total frames accepted in lenient mode despite a failed checksum.",
		}, protoLabels),

		UnauthorisedLogins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "unauthorised_logins_total",
			Help:      "Total LOGIN frames whose IMEI failed the allow-list check.",
		}, protoLabels),

		AcksWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "acks_written_total",
			Help:      "Total acknowledgements written back to devices.",
		}, protoLabels),

		CommandsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "commands_dispatched_total",
			Help:      "Total downlink command dispatch attempts by result.",
		}, []string{labelProtocol, labelResult}),

		WebhookForwards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "webhook_forwards_total",
			Help:      "Total DeviceRecord webhook posts by result.",
		}, []string{labelResult}),

		StatusUpserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "status_upserts_total",
			Help:      "Total device presence writes by result.",
		}, []string{labelResult}),

		SyncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sync_runs_total",
			Help:      "Total background store sync executions by result.",
		}, []string{labelResult}),
	}
}

// Result label values.
const (
	ResultOK       = "ok"
	ResultError    = "error"
	ResultSent     = "sent"
	ResultRequeued = "requeued"
)
