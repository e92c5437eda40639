package relay

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "relaynode"

// Metrics is the prometheus-backed Stats implementation. The mount-keyed
// series use the mount as a label and are deleted wholesale when a relay
// is removed or disabled, mirroring the "clear the stats row" behaviour.
type Metrics struct {
	relayConnections prometheus.Counter
	listeners        *prometheus.GaugeVec
	sourceInfo       *prometheus.GaugeVec
	slaveHosts       prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		relayConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "source_relay_connections_total",
			Help:      "Number of upstream relay connections established.",
		}),
		listeners: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "mount_listeners",
			Help:      "Listeners currently attached to a mount.",
		}, []string{"mount"}),
		sourceInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "mount_source_info",
			Help:      "Upstream host currently feeding a mount (value is always 1).",
		}, []string{"mount", "source_ip"}),
		slaveHosts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "slave_hosts",
			Help:      "Peer servers currently registered as redirect targets.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.relayConnections, m.listeners, m.sourceInfo, m.slaveHosts)
	}
	return m
}

func (m *Metrics) IncRelayConnections() { m.relayConnections.Inc() }

func (m *Metrics) SetSourceIP(mount, host string) {
	m.sourceInfo.DeletePartialMatch(prometheus.Labels{"mount": mount})
	m.sourceInfo.WithLabelValues(mount, host).Set(1)
}

func (m *Metrics) SetListeners(mount string, n int) {
	m.listeners.WithLabelValues(mount).Set(float64(n))
}

func (m *Metrics) SetSlaveCount(n int) { m.slaveHosts.Set(float64(n)) }

func (m *Metrics) Clear(mount string) {
	m.listeners.DeleteLabelValues(mount)
	m.sourceInfo.DeletePartialMatch(prometheus.Labels{"mount": mount})
}

var _ Stats = (*Metrics)(nil)
