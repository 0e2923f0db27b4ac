// Package transport описывает контракты внешних компонентов, которыми управляет движок:
// аудио транспорт (потоки), RTP/RTCP стек (профили и очереди событий).
//
// Движок не кодирует звук и не формирует RTP пакеты сам. Реализации контрактов
// находятся в пакетах udpstream и rtpstack.
package transport

import (
	"time"

	"github.com/arzzra/media_engine/pkg/payload"
	"github.com/arzzra/media_engine/pkg/sound"
	"github.com/arzzra/media_engine/pkg/srtpkey"
)

// MutedGainDB усиление микрофона при выключенном звуке
const MutedGainDB = -120.0

// DefaultDSCP класс обслуживания для голосового трафика (EF)
const DefaultDSCP = 0x2e

// EchoLimiterMode режим ограничителя эха
type EchoLimiterMode int

const (
	EchoLimiterOff EchoLimiterMode = iota
	EchoLimiterOn
	EchoLimiterFull
)

func (m EchoLimiterMode) String() string {
	switch m {
	case EchoLimiterOff:
		return "off"
	case EchoLimiterOn:
		return "on"
	case EchoLimiterFull:
		return "full"
	default:
		return "unknown"
	}
}

// EchoCanceller параметры эхоподавителя
type EchoCanceller struct {
	Enabled   bool
	TailMs    int
	DelayMs   int
	FrameSize int
	State     string // сохраненное состояние с предыдущего потока
}

// EchoLimiter параметры ограничителя эха
type EchoLimiter struct {
	Mode      EchoLimiterMode
	Speed     float64
	Threshold float64
	Force     float64
	SustainMs int
}

// NoiseGate параметры шумового порога
type NoiseGate struct {
	Enabled   bool
	Threshold float64
	FloorGain float64
}

// DSPConfig параметры обработки сигнала, применяемые к потоку до старта
type DSPConfig struct {
	EchoCanceller EchoCanceller
	EchoLimiter   EchoLimiter
	NoiseGate     NoiseGate
	AGC           bool
	DSCP          int
}

// StartParams параметры запуска потока
type StartParams struct {
	Profile          *payload.Profile
	RemoteAddr       string
	RemoteRTPPort    int
	RemoteRTCPPort   int
	PayloadNumber    int
	JitterMs         int
	Capture          *sound.Device // nil, если сессия не владеет устройством
	Playback         *sound.Device
	EchoCancellation bool
	AdaptiveJitter   bool
	AdaptiveBitrate  bool
	CNAME            string
}

// Quality индикатор качества потока
type Quality struct {
	LossRate float64 // процент потерянных пакетов
	LateRate float64 // процент опоздавших пакетов
}

// JitterStats статистика джиттер буфера
type JitterStats struct {
	Jitter        float64 // оценка межпакетного джиттера, мс
	PacketsLate   uint64
	PacketsLost   uint64
	PacketsRecv   uint64
	CurrentSizeMs int
}

// Stream аудио поток одной сессии.
// Методы вызываются под блокировкой движка.
type Stream interface {
	ID() string
	ApplyDSP(cfg DSPConfig) error
	Start(params StartParams) error
	// Stop начинает остановку и возвращает канал, закрываемый по завершении
	Stop() <-chan struct{}
	SetMuted(muted bool)
	SetMicGain(db float64)
	SetPlaybackGain(db float64)
	// SendTone отправляет DTMF событие (RFC 4733)
	SendTone(digit byte) error
	// IsAlive сообщает, были ли RTP пакеты за последний timeout
	IsAlive(timeout time.Duration) bool
	// Iterate выполняет ограниченный неблокирующий шаг обработки
	Iterate()
	PersistEchoCancellerState() (string, bool)
	EnableEncryption(suite srtpkey.Suite, localKey, remoteKey string) error
	Started() bool
	Quality() Quality
}

// AudioEngine создает потоки
type AudioEngine interface {
	CreateStream(localPort int) (Stream, error)
	// SkipEvents отбрасывает события потока, ожидающие в общей очереди движка
	SkipEvents(s Stream)
}

// RTPStack управляет профилями и подписками на события
type RTPStack interface {
	NewProfile(name string) *payload.Profile
	SetPayload(p *payload.Profile, number int, d *payload.Descriptor)
	DestroyProfile(p *payload.Profile)
	SubscribeEvents(s Stream) (EventQueue, error)
	UnsubscribeEvents(s Stream, q EventQueue)
	JitterStats(s Stream) JitterStats
	RoundTripTime(s Stream) float64
}
