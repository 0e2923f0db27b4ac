// Package rtpstack - встроенный RTP/RTCP стек движка.
//
// Стек ведет профили payload type, очереди событий по потокам и статистику,
// которую сообщает транспорт (джиттер, время кругового обхода).
package rtpstack

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/arzzra/media_engine/pkg/payload"
	"github.com/arzzra/media_engine/pkg/transport"
)

// ErrUnknownStream поток не подписан на события
var ErrUnknownStream = errors.New("rtpstack: поток не подписан")

// ErrAlreadySubscribed поток уже подписан
var ErrAlreadySubscribed = errors.New("rtpstack: поток уже подписан")

// Config конфигурация стека
type Config struct {
	QueueCapacity int // максимальное число событий в очереди потока
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{QueueCapacity: 1024}
}

// Validate проверяет конфигурацию
func (c Config) Validate() error {
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("QueueCapacity должен быть положительным: %d", c.QueueCapacity)
	}
	return nil
}

type streamState struct {
	queue  *Queue
	jitter transport.JitterStats
	rtt    float64
}

// Stack реализует transport.RTPStack и принимает события от транспорта
type Stack struct {
	mu      sync.RWMutex
	config  Config
	streams map[string]*streamState
	logger  *slog.Logger
}

var _ transport.RTPStack = (*Stack)(nil)

// New создает стек
func New(config Config, logger *slog.Logger) (*Stack, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("невалидная конфигурация rtpstack: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Stack{
		config:  config,
		streams: make(map[string]*streamState),
		logger:  logger.With(slog.String("component", "rtpstack")),
	}, nil
}

func (s *Stack) NewProfile(name string) *payload.Profile {
	return payload.NewProfile(name)
}

func (s *Stack) SetPayload(p *payload.Profile, number int, d *payload.Descriptor) {
	if !p.Set(number, d) {
		s.logger.Warn("номер payload type вне диапазона",
			slog.String("profile", p.Name()),
			slog.Int("number", number))
	}
}

func (s *Stack) DestroyProfile(p *payload.Profile) {
	if p != nil {
		p.Clear()
	}
}

func (s *Stack) SubscribeEvents(st transport.Stream) (transport.EventQueue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.streams[st.ID()]; ok {
		return nil, fmt.Errorf("%s: %w", st.ID(), ErrAlreadySubscribed)
	}
	q := newQueue(s.config.QueueCapacity)
	s.streams[st.ID()] = &streamState{queue: q}
	return q, nil
}

func (s *Stack) UnsubscribeEvents(st transport.Stream, q transport.EventQueue) {
	s.mu.Lock()
	state, ok := s.streams[st.ID()]
	ok = ok && state.queue == q
	if ok {
		delete(s.streams, st.ID())
	}
	s.mu.Unlock()

	if ok {
		state.queue.close()
	}
}

func (s *Stack) JitterStats(st transport.Stream) transport.JitterStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if state, ok := s.streams[st.ID()]; ok {
		return state.jitter
	}
	return transport.JitterStats{}
}

func (s *Stack) RoundTripTime(st transport.Stream) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if state, ok := s.streams[st.ID()]; ok {
		return state.rtt
	}
	return 0
}

// Dispatch помещает событие в очередь потока
func (s *Stack) Dispatch(streamID string, ev transport.Event) error {
	s.mu.RLock()
	state, ok := s.streams[streamID]
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%s: %w", streamID, ErrUnknownStream)
	}
	if !state.queue.push(ev) {
		s.logger.Debug("очередь событий переполнена",
			slog.String("stream", streamID),
			slog.String("event", ev.Kind.String()))
	}
	return nil
}

// ReportJitter обновляет статистику джиттер буфера потока
func (s *Stack) ReportJitter(streamID string, stats transport.JitterStats) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state, ok := s.streams[streamID]; ok {
		state.jitter = stats
	}
}

// ReportRoundTrip обновляет время кругового обхода потока в секундах
func (s *Stack) ReportRoundTrip(streamID string, rtt float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state, ok := s.streams[streamID]; ok {
		state.rtt = rtt
	}
}

// Subscribed сообщает, подписан ли поток
func (s *Stack) Subscribed(streamID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.streams[streamID]
	return ok
}
