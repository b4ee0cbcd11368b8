// Package metrics exposes Prometheus counters for the coordinator. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics of one daemon instance.
type Metrics struct {
	registry *prometheus.Registry

	ProxyStarts      *prometheus.CounterVec
	ServerlistFetch  *prometheus.CounterVec
	InfobarShown     *prometheus.CounterVec
	ServiceState     *prometheus.GaugeVec
	ChannelFilterSet prometheus.Gauge

	mu        sync.Mutex
	lastState string
}

// New creates the metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ProxyStarts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ippd_proxy_starts_total",
				Help: "Successful proxy starts by source",
			},
			[]string{"source"},
		),
		ServerlistFetch: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ippd_serverlist_fetches_total",
				Help: "Server list fetches by result",
			},
			[]string{"result"},
		),
		InfobarShown: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ippd_infobar_shown_total",
				Help: "Bandwidth warnings shown by threshold",
			},
			[]string{"threshold"},
		),
		ServiceState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ippd_service_state",
				Help: "1 for the current service state, 0 otherwise",
			},
			[]string{"state"},
		),
		ChannelFilterSet: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ippd_channel_filter_active",
				Help: "Whether the pre-connection channel filter is installed",
			},
		),
	}
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ProxyStarted counts a successful start. source is "user", "autostart" or "autorestore".
func (m *Metrics) ProxyStarted(source string) {
	if m == nil {
		return
	}
	m.ProxyStarts.WithLabelValues(source).Inc()
}

// ServerlistFetched counts a list fetch. result is "ok" or "error".
func (m *Metrics) ServerlistFetched(result string) {
	if m == nil {
		return
	}
	m.ServerlistFetch.WithLabelValues(result).Inc()
}

// InfobarDisplayed counts a bandwidth warning.
func (m *Metrics) InfobarDisplayed(threshold int) {
	if m == nil {
		return
	}
	m.InfobarShown.WithLabelValues(strconv.Itoa(threshold)).Inc()
}

// SetServiceState moves the state gauge to state.
func (m *Metrics) SetServiceState(state string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastState != "" {
		m.ServiceState.WithLabelValues(m.lastState).Set(0)
	}
	m.ServiceState.WithLabelValues(state).Set(1)
	m.lastState = state
}

// SetChannelFilter records whether the channel filter is installed.
func (m *Metrics) SetChannelFilter(active bool) {
	if m == nil {
		return
	}
	if active {
		m.ChannelFilterSet.Set(1)
	} else {
		m.ChannelFilterSet.Set(0)
	}
}
