// Package metrics exposes MTFTP daemon counters through
// github.com/prometheus/client_golang: packets by opcode, retransmit
// counts, active transfers, transfer duration, bytes transferred, and
// RecvResult counts by kind.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every series the daemon records.
type Metrics struct {
	PacketsSent     *prometheus.CounterVec
	PacketsReceived *prometheus.CounterVec
	RecvResults     *prometheus.CounterVec

	RetransmitsTotal prometheus.Counter
	ActiveTransfers  prometheus.Gauge
	TransfersTotal   *prometheus.CounterVec

	TransferDuration prometheus.Histogram
	BytesTransferred prometheus.Counter

	RingBufferDrops prometheus.Counter
}

// NewMetrics registers every series under namespace/subsystem and
// returns a Metrics ready to record against.
func NewMetrics(namespace, subsystem string) *Metrics {
	return &Metrics{
		PacketsSent: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "packets_sent_total",
				Help:      "Total MTFTP packets sent, by opcode.",
			},
			[]string{"opcode"},
		),
		PacketsReceived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "packets_received_total",
				Help:      "Total MTFTP packets received, by opcode.",
			},
			[]string{"opcode"},
		),
		RecvResults: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "recv_results_total",
				Help:      "Inbound packet classifications, by RecvResult kind.",
			},
			[]string{"result", "endpoint"},
		),
		RetransmitsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "retransmits_total",
				Help:      "Total number of blocks resent in response to an RTX.",
			},
		),
		ActiveTransfers: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "active_transfers",
				Help:      "Number of transfers currently not IDLE.",
			},
		),
		TransfersTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "transfers_total",
				Help:      "Total transfers that left IDLE, by terminal outcome.",
			},
			[]string{"outcome"}, // completed / timeout / aborted
		),
		TransferDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "transfer_duration_seconds",
				Help:      "Wall-clock duration of transfers, by any terminal outcome.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16), // 10ms..~5m
			},
		),
		BytesTransferred: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "bytes_transferred_total",
				Help:      "Total DATA payload bytes sent to clients, retransmissions included.",
			},
		),
		RingBufferDrops: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "ring_buffer_drops_total",
				Help:      "Inbound datagrams dropped because the SPSC ring buffer was full.",
			},
		),
	}
}

// RecordSent increments the sent counter for opcode.
func (m *Metrics) RecordSent(opcode string) {
	m.PacketsSent.WithLabelValues(opcode).Inc()
}

// RecordReceived increments the received counter for opcode.
func (m *Metrics) RecordReceived(opcode string) {
	m.PacketsReceived.WithLabelValues(opcode).Inc()
}

// RecordRecvResult records one classified inbound packet for a client
// or server endpoint.
func (m *Metrics) RecordRecvResult(endpoint, result string) {
	m.RecvResults.WithLabelValues(result, endpoint).Inc()
}

// RecordTransferStart marks one more transfer as active.
func (m *Metrics) RecordTransferStart() {
	m.ActiveTransfers.Inc()
}

// RecordTransferEnd marks a transfer's terminal outcome and duration.
func (m *Metrics) RecordTransferEnd(outcome string, duration time.Duration, bytes int64) {
	m.ActiveTransfers.Dec()
	m.TransfersTotal.WithLabelValues(outcome).Inc()
	m.TransferDuration.Observe(duration.Seconds())
	m.BytesTransferred.Add(float64(bytes))
}

// RecordRetransmit increments the retransmit counter by n blocks resent.
func (m *Metrics) RecordRetransmit(n int) {
	m.RetransmitsTotal.Add(float64(n))
}

// RecordRingBufferDrop increments the ring-buffer-drop counter.
func (m *Metrics) RecordRingBufferDrop() {
	m.RingBufferDrops.Inc()
}
