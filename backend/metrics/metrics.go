package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector is the set of counters the server feeds.
type Collector interface {
	ParticipantJoined()
	ParticipantLeft()

	DatagramReceived(plane string)
	DatagramForwarded(plane string)
	DatagramDropped(plane, reason string)
	SendFailure(plane string)

	ControlLineSent()
	MixEmitted()

	FileStored(sizeBytes int64)
	FileDeleted(sizeBytes int64)
	BytesDownloaded(n int64)

	Handler() http.Handler
}

// PrometheusCollector implements Collector on a private registry so multiple
// instances can coexist in one process.
type PrometheusCollector struct {
	registry *prometheus.Registry

	activeParticipants prometheus.Gauge
	joins              prometheus.Counter

	datagramsReceived  *prometheus.CounterVec
	datagramsForwarded *prometheus.CounterVec
	datagramsDropped   *prometheus.CounterVec
	sendFailures       *prometheus.CounterVec

	controlLines prometheus.Counter
	mixesEmitted prometheus.Counter

	filesStored     prometheus.Gauge
	fileBytesStored prometheus.Gauge
	bytesDownloaded prometheus.Counter
}

func NewPrometheusCollector() *PrometheusCollector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &PrometheusCollector{
		registry: reg,
		activeParticipants: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lanmeet_active_participants",
			Help: "Number of live participants",
		}),
		joins: factory.NewCounter(prometheus.CounterOpts{
			Name: "lanmeet_joins_total",
			Help: "Total number of admitted participants",
		}),
		datagramsReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lanmeet_datagrams_received_total",
				Help: "Total datagrams received per plane",
			},
			[]string{"plane"},
		),
		datagramsForwarded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lanmeet_datagrams_forwarded_total",
				Help: "Total datagrams fanned out per plane",
			},
			[]string{"plane"},
		),
		datagramsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lanmeet_datagrams_dropped_total",
				Help: "Total datagrams dropped per plane and reason",
			},
			[]string{"plane", "reason"},
		),
		sendFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lanmeet_send_failures_total",
				Help: "Total failed datagram sends per plane",
			},
			[]string{"plane"},
		),
		controlLines: factory.NewCounter(prometheus.CounterOpts{
			Name: "lanmeet_control_lines_sent_total",
			Help: "Total control-plane lines delivered",
		}),
		mixesEmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "lanmeet_audio_mixes_emitted_total",
			Help: "Total per-recipient audio mixes sent",
		}),
		filesStored: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lanmeet_files_stored",
			Help: "Number of files currently in the catalog",
		}),
		fileBytesStored: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lanmeet_file_bytes_stored",
			Help: "Total bytes held by the catalog",
		}),
		bytesDownloaded: factory.NewCounter(prometheus.CounterOpts{
			Name: "lanmeet_file_bytes_downloaded_total",
			Help: "Total bytes served by downloads",
		}),
	}
}

func (c *PrometheusCollector) ParticipantJoined() {
	c.activeParticipants.Inc()
	c.joins.Inc()
}

func (c *PrometheusCollector) ParticipantLeft() {
	c.activeParticipants.Dec()
}

func (c *PrometheusCollector) DatagramReceived(plane string) {
	c.datagramsReceived.WithLabelValues(plane).Inc()
}

func (c *PrometheusCollector) DatagramForwarded(plane string) {
	c.datagramsForwarded.WithLabelValues(plane).Inc()
}

func (c *PrometheusCollector) DatagramDropped(plane, reason string) {
	c.datagramsDropped.WithLabelValues(plane, reason).Inc()
}

func (c *PrometheusCollector) SendFailure(plane string) {
	c.sendFailures.WithLabelValues(plane).Inc()
}

func (c *PrometheusCollector) ControlLineSent() {
	c.controlLines.Inc()
}

func (c *PrometheusCollector) MixEmitted() {
	c.mixesEmitted.Inc()
}

func (c *PrometheusCollector) FileStored(sizeBytes int64) {
	c.filesStored.Inc()
	c.fileBytesStored.Add(float64(sizeBytes))
}

func (c *PrometheusCollector) FileDeleted(sizeBytes int64) {
	c.filesStored.Dec()
	c.fileBytesStored.Sub(float64(sizeBytes))
}

func (c *PrometheusCollector) BytesDownloaded(n int64) {
	c.bytesDownloaded.Add(float64(n))
}

// Handler returns the scrape endpoint for this collector's registry.
func (c *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
