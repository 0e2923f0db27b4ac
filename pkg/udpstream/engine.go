// Package udpstream - UDP реализация аудио транспорта движка.
//
// Транспорт открывает пару сокетов RTP/RTCP на поток, отправляет и принимает
// RTCP отчеты, DTMF события RFC 4733 и защищает трафик SRTP. Кодирование звука
// транспорт не выполняет.
package udpstream

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/arzzra/media_engine/pkg/transport"
)

// EventSink принимает события и статистику потоков
type EventSink interface {
	Dispatch(streamID string, ev transport.Event) error
	ReportJitter(streamID string, stats transport.JitterStats)
	ReportRoundTrip(streamID string, rtt float64)
}

type pendingEvent struct {
	streamID string
	event    transport.Event
}

// Engine создает UDP потоки и доставляет их события в EventSink
type Engine struct {
	config  Config
	sink    EventSink
	logger  *slog.Logger
	metrics *metrics
	now     func() time.Time

	mu      sync.Mutex
	pending deque.Deque[pendingEvent]
	streams map[string]*Stream
}

var _ transport.AudioEngine = (*Engine)(nil)

// Option настройка Engine
type Option func(*Engine)

// WithLogger задает логгер
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger.With(slog.String("component", "udpstream"))
	}
}

// WithRegisterer регистрирует метрики транспорта
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(e *Engine) {
		e.metrics = newMetrics(reg)
	}
}

// WithClock подменяет источник времени
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New создает транспорт
func New(config Config, sink EventSink, opts ...Option) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("невалидная конфигурация udpstream: %w", err)
	}
	if sink == nil {
		return nil, fmt.Errorf("EventSink не может быть nil")
	}

	e := &Engine{
		config:  config,
		sink:    sink,
		logger:  slog.Default().With(slog.String("component", "udpstream")),
		now:     time.Now,
		streams: make(map[string]*Stream),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = newMetrics(nil)
	}
	return e, nil
}

// CreateStream открывает RTP сокет на localPort и RTCP на localPort+1.
// Порт 0 выбирает оба порта произвольно.
func (e *Engine) CreateStream(localPort int) (transport.Stream, error) {
	return e.createStream(localPort)
}

func (e *Engine) createStream(localPort int) (*Stream, error) {
	if localPort < 0 || localPort > 65534 {
		return nil, fmt.Errorf("некорректный порт %d", localPort)
	}

	rtpConn, err := e.listen(localPort)
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть RTP порт %d: %w", localPort, err)
	}

	rtcpPort := 0
	if localPort != 0 {
		rtcpPort = localPort + 1
	}
	rtcpConn, err := e.listen(rtcpPort)
	if err != nil {
		rtpConn.Close()
		return nil, fmt.Errorf("не удалось открыть RTCP порт %d: %w", rtcpPort, err)
	}

	s := newStream(e, rtpConn, rtcpConn)

	e.mu.Lock()
	e.streams[s.id] = s
	e.mu.Unlock()
	e.metrics.streamsActive.Inc()

	e.logger.Debug("поток создан",
		slog.String("stream", s.id),
		slog.Int("rtp_port", s.LocalPort()),
		slog.Int("rtcp_port", s.RTCPPort()))
	return s, nil
}

func (e *Engine) listen(port int) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(e.config.LocalHost, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	return net.ListenUDP("udp", addr)
}

// SkipEvents удаляет из общей очереди события остановленного потока
func (e *Engine) SkipEvents(st transport.Stream) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := st.ID()
	skipped := 0
	for i := e.pending.Len() - 1; i >= 0; i-- {
		if e.pending.At(i).streamID == id {
			e.pending.Remove(i)
			skipped++
		}
	}
	if skipped > 0 {
		e.logger.Debug("события потока отброшены", slog.String("stream", id), slog.Int("count", skipped))
	}
}

// Pending количество недоставленных событий
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending.Len()
}

func (e *Engine) publish(streamID string, ev transport.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pending.Len() >= e.config.PendingLimit {
		e.pending.PopFront()
		e.metrics.packetsDropped.WithLabelValues("pending_overflow").Inc()
	}
	e.pending.PushBack(pendingEvent{streamID: streamID, event: ev})
}

// flush доставляет накопленные события в EventSink
func (e *Engine) flush() {
	e.mu.Lock()
	batch := make([]pendingEvent, 0, e.pending.Len())
	for e.pending.Len() > 0 {
		batch = append(batch, e.pending.PopFront())
	}
	e.mu.Unlock()

	for _, p := range batch {
		if err := e.sink.Dispatch(p.streamID, p.event); err != nil {
			e.logger.Debug("событие не доставлено",
				slog.String("stream", p.streamID),
				slog.String("event", p.event.Kind.String()),
				slog.String("error", err.Error()))
		}
	}
}

func (e *Engine) forget(s *Stream) {
	e.mu.Lock()
	_, ok := e.streams[s.id]
	delete(e.streams, s.id)
	e.mu.Unlock()

	if ok {
		e.metrics.streamsActive.Dec()
	}
}
