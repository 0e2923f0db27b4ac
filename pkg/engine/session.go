package engine

import (
	"context"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/arzzra/media_engine/pkg/payload"
	"github.com/arzzra/media_engine/pkg/srtpkey"
	"github.com/arzzra/media_engine/pkg/transport"
)

// SessionState состояние медиа сессии
type SessionState int

const (
	// StateIdle потоки не запущены
	StateIdle SessionState = iota
	// StateStreamStarting потоки запускаются
	StateStreamStarting
	// StateStreaming потоки работают
	StateStreaming
	// StateTerminating потоки останавливаются
	StateTerminating
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreamStarting:
		return "stream_starting"
	case StateStreaming:
		return "streaming"
	case StateTerminating:
		return "terminating"
	default:
		return "unknown"
	}
}

func parseSessionState(state string) SessionState {
	switch state {
	case "stream_starting":
		return StateStreamStarting
	case "streaming":
		return StateStreaming
	case "terminating":
		return StateTerminating
	default:
		return StateIdle
	}
}

// события машины состояний
const (
	eventStart   = "start"
	eventStarted = "started"
	eventStop    = "stop"
	eventStopped = "stopped"
)

// Statistics статистика аудио потока сессии
type Statistics struct {
	Jitter         transport.JitterStats
	LossRate       float64 // процент потерь по индикатору качества
	LateRate       float64
	RoundTripDelay float64 // секунды

	// Последние сырые составные RTCP пакеты
	LastRTCPSent     []byte
	LastRTCPReceived []byte

	UploadBandwidth   float64 // кбит/с по отправленным SR
	DownloadBandwidth float64 // кбит/с по принятым SR
}

// bandwidthMeter считает скорость по счетчику октетов из Sender Report
type bandwidthMeter struct {
	octets uint32
	at     time.Time
	valid  bool
}

func (m *bandwidthMeter) update(octets uint32, at time.Time) (float64, bool) {
	defer func() {
		m.octets, m.at, m.valid = octets, at, true
	}()
	if !m.valid {
		return 0, false
	}
	elapsed := at.Sub(m.at).Seconds()
	if elapsed <= 0 {
		return 0, false
	}
	return float64(octets-m.octets) * 8 / elapsed / 1000, true
}

// Session медиа сессия одного вызова.
//
// Поля изменяются движком под его блокировкой. Геттеры берут блокировку
// сессии и могут вызываться без блокировки движка.
type Session struct {
	id           string
	stateMachine *fsm.FSM

	mu         sync.RWMutex
	sendCodec  *payload.Descriptor
	recvCodecs []*payload.Descriptor
	profile    *payload.Profile
	localPort  int
	crypto     srtpkey.Material
	encrypted  bool
	stats      Statistics
	muted      bool
	authToken  string
	verified   bool

	disconnected bool
	createdAt    time.Time
	startedAt    time.Time
	userData     any

	// принадлежат движку
	stream        transport.Stream
	queue         transport.EventQueue
	allocatedPort int // 0, если порт задан вызывающим
	lastStatsLog  time.Time
	upload        bandwidthMeter
	download      bandwidthMeter
}

func newSession(id string, createdAt time.Time, metrics *Metrics) *Session {
	s := &Session{
		id:        id,
		createdAt: createdAt,
	}
	s.initStateMachine(metrics)
	return s
}

// initStateMachine создает машину состояний idle → stream_starting → streaming → terminating → idle
func (s *Session) initStateMachine(metrics *Metrics) {
	s.stateMachine = fsm.NewFSM(
		StateIdle.String(),
		fsm.Events{
			{Name: eventStart, Src: []string{StateIdle.String()}, Dst: StateStreamStarting.String()},
			{Name: eventStarted, Src: []string{StateStreamStarting.String()}, Dst: StateStreaming.String()},
			{Name: eventStop, Src: []string{StateStreamStarting.String(), StateStreaming.String()}, Dst: StateTerminating.String()},
			{Name: eventStopped, Src: []string{StateTerminating.String()}, Dst: StateIdle.String()},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				if metrics != nil {
					metrics.stateTransitions.WithLabelValues(e.Src, e.Dst).Inc()
				}
			},
		},
	)
}

// transition выполняет переход машины состояний.
// Вызывается только под блокировкой движка.
func (s *Session) transition(event string) error {
	return s.stateMachine.Event(context.Background(), event)
}

// ID возвращает идентификатор сессии
func (s *Session) ID() string {
	return s.id
}

// State возвращает текущее состояние
func (s *Session) State() SessionState {
	return parseSessionState(s.stateMachine.Current())
}

// SendCodec возвращает кодек передачи, nil до StartStreams
func (s *Session) SendCodec() *payload.Descriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sendCodec
}

// RecvCodecs возвращает кандидатов для приема
func (s *Session) RecvCodecs() []*payload.Descriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*payload.Descriptor, len(s.recvCodecs))
	copy(out, s.recvCodecs)
	return out
}

// Profile возвращает согласованный профиль или nil
func (s *Session) Profile() *payload.Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profile
}

// LocalPort возвращает локальный RTP порт
func (s *Session) LocalPort() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.localPort
}

// Crypto возвращает ключевой материал сессии
func (s *Session) Crypto() srtpkey.Material {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.crypto
}

func (s *Session) Encrypted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.encrypted
}

// Statistics возвращает копию статистики
func (s *Session) Statistics() Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

func (s *Session) Muted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.muted
}

// AuthToken возвращает короткую строку аутентификации и признак проверки
func (s *Session) AuthToken() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authToken, s.verified
}

// Disconnected сообщает, помечена ли сессия как разорванная по таймауту RTP
func (s *Session) Disconnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.disconnected
}

func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// StartedAt возвращает время запуска потоков, нулевое если потоки не запускались
func (s *Session) StartedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startedAt
}

// UserData возвращает пользовательские данные
func (s *Session) UserData() any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userData
}

// SetUserData сохраняет пользовательские данные
func (s *Session) SetUserData(v any) {
	s.mu.Lock()
	s.userData = v
	s.mu.Unlock()
}

func (s *Session) String() string {
	return "session(" + s.id + ", " + s.State().String() + ")"
}
