// Package metrics exports scanner activity and API traffic as Prometheus
// metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"scantool/internal/device"
	"scantool/internal/events"
	"scantool/internal/firmware"
)

const namespace = "scantool"

// Metrics holds the collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	scans         *prometheus.CounterVec
	plugEvents    *prometheus.CounterVec
	plugged       *prometheus.GaugeVec
	updates       *prometheus.CounterVec
	updatePercent prometheus.Gauge
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

// New creates the collectors, including the Go runtime and process ones.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		scans: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scans_total",
				Help:      "Scans published.",
			},
			[]string{"port"},
		),
		plugEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plug_events_total",
				Help:      "Scanner unplug and replug events.",
			},
			[]string{"port", "plugged"},
		),
		plugged: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "plugged",
				Help:      "1 while the scanner is attached.",
			},
			[]string{"port"},
		),
		updates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "firmware",
				Name:      "updates_total",
				Help:      "Finished firmware updates by outcome.",
			},
			[]string{"status", "code"},
		),
		updatePercent: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "firmware",
				Name:      "update_percent",
				Help:      "Progress of the current firmware update phase.",
			},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP requests.",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.scans, m.plugEvents, m.plugged, m.updates, m.updatePercent,
		m.httpRequests, m.httpDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Subscribe counts bus events. It returns the unsubscribe function.
func (m *Metrics) Subscribe(bus *events.Bus) func() {
	return bus.OnAll(m.observe)
}

func (m *Metrics) observe(e events.Event) {
	switch ev := e.Data.(type) {
	case events.Scan:
		m.scans.WithLabelValues(ev.Port).Inc()
	case device.PlugEvent:
		m.plugEvents.WithLabelValues(ev.Port, strconv.FormatBool(ev.Plugged)).Inc()
		if ev.Plugged {
			m.plugged.WithLabelValues(ev.Port).Set(1)
		} else {
			m.plugged.WithLabelValues(ev.Port).Set(0)
		}
	case firmware.Progress:
		m.updatePercent.Set(float64(ev.Percent))
	case events.UpdateResult:
		m.updates.WithLabelValues(ev.Status, strconv.Itoa(ev.Code)).Inc()
		m.updatePercent.Set(0)
	}
}

// SetPlugged records the attach state of port, e.g. after opening it.
func (m *Metrics) SetPlugged(port string, plugged bool) {
	v := 0.0
	if plugged {
		v = 1
	}
	m.plugged.WithLabelValues(port).Set(v)
}

// ObserveHTTP records one served request. route is the matched mux
// pattern.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	statusLabel := strconv.Itoa(status)
	m.httpRequests.WithLabelValues(method, route, statusLabel).Inc()
	m.httpDuration.WithLabelValues(method, route, statusLabel).Observe(d.Seconds())
}
