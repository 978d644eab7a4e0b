// Package metrics exposes the broker's prometheus instrumentation and a
// light system sampler feeding the health endpoints.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatrelay"

// Registry bundles every collector the broker emits. Label "lane" is one of
// "fifo"/"standard"; label "reason" names the drop or rejection cause.
type Registry struct {
	reg *prometheus.Registry

	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter

	MessagesPublished *prometheus.CounterVec
	MessagesProcessed *prometheus.CounterVec
	FramesDelivered   prometheus.Counter
	FanoutDrops       *prometheus.CounterVec
	PublishRejected   *prometheus.CounterVec

	LaneRedeliveries *prometheus.CounterVec
	DeadLetters      *prometheus.CounterVec
	CorruptMessages  *prometheus.CounterVec

	AcksSent    prometheus.Counter
	AcksExpired prometheus.Counter

	HistoryAppends    prometheus.Counter
	HistoryAppendErrs prometheus.Counter
	HistoryReads      prometheus.Counter
	HistoryExpired    prometheus.Counter
}

// NewRegistry builds a private prometheus registry with the standard process
// and Go collectors plus the broker's own.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Registry{
		reg: reg,
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections_active",
			Help: "Currently registered WebSocket connections.",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_total",
			Help: "Connections accepted since start.",
		}),
		MessagesPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_published_total",
			Help: "Messages accepted into a lane.",
		}, []string{"lane"}),
		MessagesProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_processed_total",
			Help: "Envelopes handed to the processor, by outcome.",
		}, []string{"lane", "outcome"}),
		FramesDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_delivered_total",
			Help: "Fan-out frames accepted by recipient writers.",
		}),
		FanoutDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "fanout_drops_total",
			Help: "Recipients dropped during fan-out.",
		}, []string{"reason"}),
		PublishRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "publish_rejected_total",
			Help: "Publish requests rejected before enqueue.",
		}, []string{"reason"}),
		LaneRedeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "lane_redeliveries_total",
			Help: "Items returned to the substrate for redelivery.",
		}, []string{"lane"}),
		DeadLetters: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dead_letters_total",
			Help: "Items moved to the dead-letter stream.",
		}, []string{"lane"}),
		CorruptMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "corrupt_messages_total",
			Help: "Substrate payloads that failed to decode and were terminated.",
		}, []string{"lane"}),
		AcksSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "acks_sent_total",
			Help: "ACK frames delivered to originating connections.",
		}),
		AcksExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "acks_expired_total",
			Help: "Pending ACK entries discarded at their deadline.",
		}),
		HistoryAppends: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "history_appends_total",
			Help: "Envelopes appended to the history store.",
		}),
		HistoryAppendErrs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "history_append_errors_total",
			Help: "Failed history appends.",
		}),
		HistoryReads: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "history_reads_total",
			Help: "History list operations served.",
		}),
		HistoryExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "history_expired_total",
			Help: "Rows removed by the retention sweeper.",
		}),
	}

	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
