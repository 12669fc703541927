package plugins

import (
	"context"
	"net/http"

	"github.com/fzxiao233/Vod_Record/live/interfaces"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics counts capture events and acquisition progress. It is both a
// notification sink and a capture observer.
type Metrics struct {
	registry        *prometheus.Registry
	eventsTotal     *prometheus.CounterVec
	playlistPolls   *prometheus.CounterVec
	segmentsWritten *prometheus.CounterVec
	segmentsSkipped *prometheus.CounterVec
	bytesWritten    *prometheus.CounterVec
	activeCaptures  prometheus.Gauge
	degradedTotal   *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vodrec_events_total",
			Help: "Capture events by kind",
		}, []string{"channel", "kind"}),
		playlistPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vodrec_playlist_polls_total",
			Help: "Successful playlist fetches",
		}, []string{"channel"}),
		segmentsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vodrec_segments_written_total",
			Help: "Segments appended to working files",
		}, []string{"channel"}),
		segmentsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vodrec_segments_skipped_total",
			Help: "Segments given up after retries",
		}, []string{"channel"}),
		bytesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vodrec_bytes_written_total",
			Help: "Segment bytes appended to working files",
		}, []string{"channel"}),
		activeCaptures: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vodrec_active_captures",
			Help: "Captures started and not yet finished or abandoned",
		}),
		degradedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vodrec_monitor_degraded_total",
			Help: "Times status polling of a channel became degraded",
		}, []string{"channel"}),
	}
	registry.MustRegister(
		m.eventsTotal,
		m.playlistPolls,
		m.segmentsWritten,
		m.segmentsSkipped,
		m.bytesWritten,
		m.activeCaptures,
		m.degradedTotal,
	)
	return m
}

func (m *Metrics) Notify(ctx context.Context, ev *interfaces.Event) error {
	m.eventsTotal.WithLabelValues(ev.Channel, string(ev.Kind)).Inc()
	switch ev.Kind {
	case interfaces.CaptureStarted:
		m.activeCaptures.Inc()
	case interfaces.CaptureFinished, interfaces.CaptureAbandoned, interfaces.FatalError:
		// events without a vod never had a started capture
		if ev.VodID != "" {
			m.activeCaptures.Dec()
		}
	}
	return nil
}

func channelOf(vod *interfaces.VodHandle) string {
	if vod.ChannelName != "" {
		return vod.ChannelName
	}
	return vod.ChannelID
}

func (m *Metrics) PlaylistPolled(vod *interfaces.VodHandle, segments int) {
	m.playlistPolls.WithLabelValues(channelOf(vod)).Inc()
}

func (m *Metrics) SegmentWritten(vod *interfaces.VodHandle, bytes int) {
	m.segmentsWritten.WithLabelValues(channelOf(vod)).Inc()
	m.bytesWritten.WithLabelValues(channelOf(vod)).Add(float64(bytes))
}

func (m *Metrics) SegmentSkipped(vod *interfaces.VodHandle, seq int) {
	m.segmentsSkipped.WithLabelValues(channelOf(vod)).Inc()
}

// Degraded matches the monitor's degraded callback.
func (m *Metrics) Degraded(channel string, failures int, err error) {
	m.degradedTotal.WithLabelValues(channel).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
