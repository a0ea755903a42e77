// Package metrics exposes Prometheus counters and gauges for every counted
// failure mode and rate in spec.md §7, grounded on
// runZeroInc-sockstats/pkg/exporter's Collector-based registration pattern
// (here using direct CounterVec/GaugeVec registration, the client_golang
// idiom for metrics that aren't sourced from an external struct like
// tcpinfo).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every exported series. Metrics has no methods; callers
// that hold a *Metrics check it for nil before touching a series, so those
// that don't wire a registry (tests, the client binary without a metrics
// endpoint) pass nil instead of a stub.
type Metrics struct {
	MalformedPackets    *prometheus.CounterVec
	IncompleteFrames    *prometheus.CounterVec
	UnrecoveredBlocks   *prometheus.CounterVec
	RecoveredBlocks     *prometheus.CounterVec
	QueueOverflows      *prometheus.CounterVec
	EncoderReconfigFail *prometheus.CounterVec
	PeersEvicted        *prometheus.CounterVec
	FramesDelivered     *prometheus.CounterVec
	FramesDroppedLate   *prometheus.CounterVec

	RTTMs        *prometheus.GaugeVec
	LossRatio    *prometheus.GaugeVec
	BandwidthBps *prometheus.GaugeVec
	Congestion   *prometheus.GaugeVec
	SendQueueDepth *prometheus.GaugeVec
}

// New creates and registers every series against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MalformedPackets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transport_malformed_packets_total",
			Help: "Datagrams dropped for truncation, unknown kind, or bad JSON body.",
		}, []string{"reason"}),
		IncompleteFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transport_incomplete_frames_total",
			Help: "Frames evicted from the reassembler before completing.",
		}, []string{"peer"}),
		UnrecoveredBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transport_fec_unrecovered_blocks_total",
			Help: "FEC blocks with two or more losses, unrecoverable.",
		}, []string{"peer"}),
		RecoveredBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transport_fec_recovered_blocks_total",
			Help: "FEC blocks with exactly one loss, successfully recovered.",
		}, []string{"peer"}),
		QueueOverflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transport_queue_overflows_total",
			Help: "Packets dropped due to a full send/receive/frame queue.",
		}, []string{"queue"}),
		EncoderReconfigFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "encoder_reconfig_failures_total",
			Help: "Codec rejections of a requested reconfigure, falling back to the previous tier.",
		}, []string{}),
		PeersEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transport_peers_evicted_total",
			Help: "Peers removed from the registry, by reason.",
		}, []string{"reason"}),
		FramesDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transport_frames_delivered_total",
			Help: "Frames delivered to the decoder.",
		}, []string{"peer"}),
		FramesDroppedLate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transport_frames_dropped_late_total",
			Help: "Frames dropped for exceeding max_presentation_delay.",
		}, []string{"peer"}),
		RTTMs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "network_rtt_ms",
			Help: "Current smoothed round-trip time.",
		}, []string{"peer"}),
		LossRatio: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "network_loss_ratio",
			Help: "Current smoothed packet loss ratio.",
		}, []string{"peer"}),
		BandwidthBps: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "network_bandwidth_bps",
			Help: "Current smoothed received bandwidth.",
		}, []string{"peer"}),
		Congestion: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "network_congestion",
			Help: "Current congestion score in [0,1].",
		}, []string{"peer"}),
		SendQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "transport_send_queue_depth",
			Help: "Current depth of the outgoing send queue.",
		}, []string{"peer"}),
	}

	reg.MustRegister(
		m.MalformedPackets, m.IncompleteFrames, m.UnrecoveredBlocks, m.RecoveredBlocks,
		m.QueueOverflows, m.EncoderReconfigFail, m.PeersEvicted, m.FramesDelivered,
		m.FramesDroppedLate, m.RTTMs, m.LossRatio, m.BandwidthBps, m.Congestion, m.SendQueueDepth,
	)
	return m
}
