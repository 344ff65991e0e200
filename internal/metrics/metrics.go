// Package metrics exposes Prometheus instruments for the ingestion engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "livecount"

	ResultSuccess = "success"
	ResultFailure = "failure"
)

// ConnectionStates lists every value the connection state gauge can take.
var ConnectionStates = []string{"idle", "connecting", "connected", "errored"}

var (
	connectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "connection_state",
			Help:      "1 for the current stream connection state, 0 otherwise",
		},
		[]string{"state"},
	)

	streamErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "errors_total",
			Help:      "Stream transport failures that ended a connection",
		},
	)

	eventsMerged = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "events_merged_total",
			Help:      "Incremental events merged into the aggregate",
		},
	)

	protocolErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "protocol_errors_total",
			Help:      "Stream messages dropped because the payload was malformed",
		},
	)

	snapshotLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "loads_total",
			Help:      "Snapshot fetches by result",
		},
		[]string{"result"},
	)

	notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "alerts_total",
			Help:      "Local alerts requested by result",
		},
		[]string{"result"},
	)

	totalCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "total_count",
			Help:      "Current aggregate total",
		},
	)

	subscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "subscribers",
			Help:      "Current state store subscribers",
		},
	)
)

// SetConnectionState flips the state gauge so exactly one state reads 1.
func SetConnectionState(state string) {
	for _, s := range ConnectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		connectionState.WithLabelValues(s).Set(v)
	}
}

func IncStreamErrors()   { streamErrors.Inc() }
func IncEventsMerged()   { eventsMerged.Inc() }
func IncProtocolErrors() { protocolErrors.Inc() }

func IncSnapshotLoads(result string) { snapshotLoads.WithLabelValues(result).Inc() }
func IncNotifications(result string) { notifications.WithLabelValues(result).Inc() }

func SetTotalCount(n int)  { totalCount.Set(float64(n)) }
func SetSubscribers(n int) { subscribers.Set(float64(n)) }

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
