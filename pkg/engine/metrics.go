package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics счетчики движка
type Metrics struct {
	sessionsActive     prometheus.Gauge
	sessionsCreated    prometheus.Counter
	capacityRejections prometheus.Counter
	preemptions        prometheus.Counter
	stateTransitions   *prometheus.CounterVec
	eventsDrained      *prometheus.CounterVec
	disconnects        prometheus.Counter
	cryptoFailures     prometheus.Counter
}

// NewMetrics создает метрики движка. nil registerer создает незарегистрированные метрики.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "media_engine",
			Subsystem: "engine",
			Name:      "sessions_active",
			Help:      "Количество сессий в хранилище",
		}),
		sessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "media_engine",
			Subsystem: "engine",
			Name:      "sessions_created_total",
			Help:      "Созданные сессии",
		}),
		capacityRejections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "media_engine",
			Subsystem: "engine",
			Name:      "capacity_rejections_total",
			Help:      "Отказы в создании сессии из-за лимита",
		}),
		preemptions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "media_engine",
			Subsystem: "engine",
			Name:      "preemptions_total",
			Help:      "Передачи звукового устройства с остановкой предыдущего владельца",
		}),
		stateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "media_engine",
			Subsystem: "engine",
			Name:      "state_transitions_total",
			Help:      "Переходы состояний сессий",
		}, []string{"from", "to"}),
		eventsDrained: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "media_engine",
			Subsystem: "engine",
			Name:      "events_drained_total",
			Help:      "Обработанные события RTP стека по типу",
		}, []string{"kind"}),
		disconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "media_engine",
			Subsystem: "engine",
			Name:      "disconnects_total",
			Help:      "Сессии, помеченные как разорванные по таймауту RTP",
		}),
		cryptoFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "media_engine",
			Subsystem: "engine",
			Name:      "crypto_failures_total",
			Help:      "Сбои генерации ключей",
		}),
	}
}
