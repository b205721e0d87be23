package infra

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ledgerbridge"

type Metrics struct {
	Proposals           *prometheus.CounterVec
	EndorsementFailures *prometheus.CounterVec
	Submissions         *prometheus.CounterVec
	Commits             *prometheus.CounterVec
	Reconnects          prometheus.Counter
	Listeners           prometheus.Gauge
	HubConnections      prometheus.Gauge
	DroppedConnections  prometheus.Counter
}

// NewMetrics registers the collectors with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Proposals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proposals_total",
			Help:      "Proposals built, by kind (invoke, query or chaininfo).",
		}, []string{"kind"}),
		EndorsementFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "endorsement_failures_total",
			Help:      "Rejected endorsement sets, by reason.",
		}, []string{"reason"}),
		Submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orderer_submissions_total",
			Help:      "Envelopes sent to the orderer, by broadcast status.",
		}, []string{"status"}),
		Commits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "committed_transactions_total",
			Help:      "Transactions observed in delivered blocks, by validation code.",
		}, []string{"code"}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_reconnects_total",
			Help:      "Block listener reconnection attempts.",
		}),
		Listeners: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "listeners_active",
			Help:      "Block listeners that are not disconnected.",
		}),
		HubConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hub_connections",
			Help:      "Live connections registered with the notification hub.",
		}),
		DroppedConnections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_dropped_connections_total",
			Help:      "Live connections dropped because they could not keep up.",
		}),
	}
}
