package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"peermesh/internal/core/domain"
	"peermesh/internal/core/ports"
)

var _ ports.MetricsRecorder = (*PrometheusCollector)(nil)

// PrometheusCollector records session metrics under the peermesh_ prefix.
type PrometheusCollector struct {
	// Counters
	joinAttempts      *prometheus.CounterVec
	heartbeatTimeouts prometheus.Counter
	messagesSent      *prometheus.CounterVec
	messagesReceived  *prometheus.CounterVec
	bytesSent         prometheus.Counter
	bytesReceived     prometheus.Counter

	// Gauges
	rosterSize *prometheus.GaugeVec
	callLegs   *prometheus.GaugeVec

	// Histograms
	syncDuration *prometheus.HistogramVec
}

// NewPrometheusCollector registers the metrics with reg, or with the default
// registerer when reg is nil.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		joinAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peermesh_join_attempts_total",
			Help: "Identity registration attempts by outcome",
		}, []string{"outcome"}),

		heartbeatTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "peermesh_heartbeat_timeouts_total",
			Help: "Data connections that went silent past the liveness window",
		}),

		messagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peermesh_messages_sent_total",
			Help: "Mesh messages sent by kind",
		}, []string{"kind"}),

		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peermesh_messages_received_total",
			Help: "Mesh messages received by kind",
		}, []string{"kind"}),

		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "peermesh_sent_bytes_total",
			Help: "Encoded bytes sent on data connections",
		}),

		bytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "peermesh_received_bytes_total",
			Help: "Encoded bytes received on data connections",
		}),

		rosterSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peermesh_roster_peers",
			Help: "Peers in the room roster",
		}, []string{"room_id"}),

		callLegs: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peermesh_call_legs",
			Help: "Open call legs",
		}, []string{"room_id"}),

		syncDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "peermesh_topology_sync_duration_seconds",
			Help:    "Time from a peer list to a fully confirmed mesh",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"room_id"}),
	}
}

func (p *PrometheusCollector) RecordJoinAttempt(outcome string) {
	p.joinAttempts.WithLabelValues(outcome).Inc()
}

func (p *PrometheusCollector) RecordRosterSize(room domain.RoomID, peers int) {
	p.rosterSize.WithLabelValues(string(room)).Set(float64(peers))
}

func (p *PrometheusCollector) RecordCallLegs(room domain.RoomID, legs int) {
	p.callLegs.WithLabelValues(string(room)).Set(float64(legs))
}

// RecordHeartbeatTimeout counts a timeout. Peer ids are not used as labels.
func (p *PrometheusCollector) RecordHeartbeatTimeout(domain.PeerID) {
	p.heartbeatTimeouts.Inc()
}

func (p *PrometheusCollector) RecordMessageSent(kind string, bytes int) {
	p.messagesSent.WithLabelValues(kind).Inc()
	p.bytesSent.Add(float64(bytes))
}

func (p *PrometheusCollector) RecordMessageReceived(kind string, bytes int) {
	p.messagesReceived.WithLabelValues(kind).Inc()
	p.bytesReceived.Add(float64(bytes))
}

func (p *PrometheusCollector) RecordSync(room domain.RoomID, took time.Duration) {
	p.syncDuration.WithLabelValues(string(room)).Observe(took.Seconds())
}

// ForgetRoom drops the per-room series after a session ends.
func (p *PrometheusCollector) ForgetRoom(room domain.RoomID) {
	p.rosterSize.DeleteLabelValues(string(room))
	p.callLegs.DeleteLabelValues(string(room))
	p.syncDuration.DeleteLabelValues(string(room))
}
