package udpstream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics счетчики транспорта
type metrics struct {
	streamsActive  prometheus.Gauge
	rtpReceived    prometheus.Counter
	rtpSent        prometheus.Counter
	rtcpPackets    *prometheus.CounterVec
	packetsDropped *prometheus.CounterVec
	tonesSent      prometheus.Counter
}

// newMetrics регистрирует метрики. nil registerer создает незарегистрированные метрики.
func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		streamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "media_engine",
			Subsystem: "udpstream",
			Name:      "streams_active",
			Help:      "Количество открытых потоков",
		}),
		rtpReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "media_engine",
			Subsystem: "udpstream",
			Name:      "rtp_packets_received_total",
			Help:      "Принятые RTP пакеты",
		}),
		rtpSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "media_engine",
			Subsystem: "udpstream",
			Name:      "rtp_packets_sent_total",
			Help:      "Отправленные RTP пакеты",
		}),
		rtcpPackets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "media_engine",
			Subsystem: "udpstream",
			Name:      "rtcp_packets_total",
			Help:      "RTCP пакеты по направлению",
		}, []string{"direction"}),
		packetsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "media_engine",
			Subsystem: "udpstream",
			Name:      "packets_dropped_total",
			Help:      "Отброшенные пакеты по причине",
		}, []string{"reason"}),
		tonesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "media_engine",
			Subsystem: "udpstream",
			Name:      "tones_sent_total",
			Help:      "Отправленные DTMF события",
		}),
	}
}
