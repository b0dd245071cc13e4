package health

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hiqbridge"

// Metrics are the prometheus collectors of the bridge. They are registered
// on a private registry. A nil *Metrics discards everything.
type Metrics struct {
	registry *prometheus.Registry

	Packets       *prometheus.CounterVec
	DecodeSeconds prometheus.Histogram
	QueueDrops    *prometheus.CounterVec
	Up            *prometheus.GaugeVec
	Clients       prometheus.Gauge
	ProbeRTT      prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		Packets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "hiqnet",
				Name:      "packets_total",
				Help:      "HiQnet frames received by source and decode result",
			},
			[]string{"source", "result"},
		),

		DecodeSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "hiqnet",
				Name:      "decode_duration_seconds",
				Help:      "Time to decode and dispatch a UDP datagram",
				Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05},
			},
		),

		QueueDrops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "dropped_total",
				Help:      "Elements discarded because a queue was full",
			},
			[]string{"queue"},
		),

		Up: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "up",
				Help:      "Component health (1 healthy, 0 unhealthy)",
			},
			[]string{"component"},
		),

		Clients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "websocket",
				Name:      "clients",
				Help:      "Authenticated WebSocket clients",
			},
		),

		ProbeRTT: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "udp",
				Name:      "probe_rtt_seconds",
				Help:      "Round trip time of the last UDP self test probe",
			},
		),
	}

	m.registry.MustRegister(
		m.Packets,
		m.DecodeSeconds,
		m.QueueDrops,
		m.Up,
		m.Clients,
		m.ProbeRTT,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler serves the registry in the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) PacketReceived(source, result string) {
	if m == nil {
		return
	}
	m.Packets.WithLabelValues(source, result).Inc()
}

func (m *Metrics) Decoded(d time.Duration) {
	if m == nil {
		return
	}
	m.DecodeSeconds.Observe(d.Seconds())
}

func (m *Metrics) Dropped(queue string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.QueueDrops.WithLabelValues(queue).Add(float64(n))
}

func (m *Metrics) SetUp(component string, ok bool) {
	if m == nil {
		return
	}
	v := 0.0
	if ok {
		v = 1
	}
	m.Up.WithLabelValues(component).Set(v)
}

func (m *Metrics) SetClients(n int) {
	if m == nil {
		return
	}
	m.Clients.Set(float64(n))
}

func (m *Metrics) SetProbeRTT(d time.Duration) {
	if m == nil {
		return
	}
	m.ProbeRTT.Set(d.Seconds())
}
