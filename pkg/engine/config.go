package engine

import (
	"fmt"
	"time"

	"github.com/arzzra/media_engine/pkg/payload"
	"github.com/arzzra/media_engine/pkg/srtpkey"
)

// EchoSuppression уровень подавления эха, определяет режим ограничителя эха
type EchoSuppression int

const (
	EchoSuppressionOff EchoSuppression = iota
	EchoSuppressionNormal
	EchoSuppressionHigh
)

func (l EchoSuppression) String() string {
	switch l {
	case EchoSuppressionOff:
		return "off"
	case EchoSuppressionNormal:
		return "normal"
	case EchoSuppressionHigh:
		return "high"
	default:
		return fmt.Sprintf("EchoSuppression(%d)", int(l))
	}
}

// RTPConfig настройки RTP, общие для всех сессий
type RTPConfig struct {
	JitterBufferMs  int           // целевой размер джиттер буфера
	NoRTPTimeout    time.Duration // 0 отключает проверку активности
	AdaptiveJitter  bool
	NoXmitOnMute    bool // выключать передачу RTP при выключенном микрофоне
	AdaptiveBitrate bool
	PortMin         int
	PortMax         int
}

// SoundConfig настройки звука, общие для всех сессий
type SoundConfig struct {
	EchoCancellation bool
	EchoLimiter      bool
	AGC              bool
	NoiseGate        bool
	EchoSuppression  EchoSuppression

	MicGainDB      float64
	PlaybackGainDB float64

	// Идентификаторы устройств, пустые строки означают устройства по умолчанию
	CaptureDevice  string
	PlaybackDevice string
}

// Config конфигурация движка.
// Движок хранит ссылку на конфигурацию и не изменяет ее.
type Config struct {
	Name    string
	Version string

	MaxSessions int
	DynamicMin  int
	DynamicMax  int

	// Codecs начальный каталог кодеков
	Codecs []payload.Registration

	RTP   RTPConfig
	Sound SoundConfig

	// KeyLength длина ключа SRTP в байтах
	KeyLength int

	// Tick период цикла обработки событий
	Tick time.Duration
	// StatsLogInterval период логирования статистики сессий
	StatsLogInterval time.Duration
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() *Config {
	return &Config{
		Name:        "media_engine",
		Version:     "1.0.0",
		MaxSessions: 8,
		DynamicMin:  payload.DynamicMin,
		DynamicMax:  payload.DynamicMax,
		Codecs:      payload.DefaultCatalogue(),
		RTP: RTPConfig{
			JitterBufferMs:  100,
			NoRTPTimeout:    30 * time.Second,
			AdaptiveJitter:  true,
			NoXmitOnMute:    false,
			AdaptiveBitrate: true,
			PortMin:         10000,
			PortMax:         20000,
		},
		Sound: SoundConfig{
			EchoCancellation: true,
			EchoLimiter:      false,
			AGC:              false,
			NoiseGate:        false,
			EchoSuppression:  EchoSuppressionNormal,
			MicGainDB:        1.0,
			PlaybackGainDB:   0,
		},
		KeyLength:        srtpkey.DefaultKeyLength,
		Tick:             20 * time.Millisecond,
		StatsLogInterval: 10 * time.Second,
	}
}

// Validate проверяет конфигурацию
func (c *Config) Validate() error {
	if c.MaxSessions <= 0 {
		return fmt.Errorf("MaxSessions должен быть положительным: %d", c.MaxSessions)
	}
	if c.DynamicMin < 0 || c.DynamicMax >= payload.MaxPayloads || c.DynamicMin > c.DynamicMax {
		return fmt.Errorf("некорректный динамический диапазон %d..%d", c.DynamicMin, c.DynamicMax)
	}
	if c.RTP.JitterBufferMs < 0 {
		return fmt.Errorf("JitterBufferMs не может быть отрицательным")
	}
	if c.RTP.NoRTPTimeout < 0 {
		return fmt.Errorf("NoRTPTimeout не может быть отрицательным")
	}
	if c.RTP.PortMin > 0 || c.RTP.PortMax > 0 {
		if c.RTP.PortMin >= c.RTP.PortMax || c.RTP.PortMax > 65535 {
			return fmt.Errorf("некорректный диапазон портов %d..%d", c.RTP.PortMin, c.RTP.PortMax)
		}
	}
	if c.Sound.EchoSuppression < EchoSuppressionOff || c.Sound.EchoSuppression > EchoSuppressionHigh {
		return fmt.Errorf("некорректный уровень подавления эха: %d", c.Sound.EchoSuppression)
	}
	if c.KeyLength <= 0 {
		return fmt.Errorf("KeyLength должен быть положительным")
	}
	if c.Tick <= 0 {
		return fmt.Errorf("Tick должен быть положительным")
	}
	if c.StatsLogInterval < 0 {
		return fmt.Errorf("StatsLogInterval не может быть отрицательным")
	}
	return nil
}

// Copy создает копию конфигурации
func (c *Config) Copy() *Config {
	cp := *c
	cp.Codecs = make([]payload.Registration, len(c.Codecs))
	copy(cp.Codecs, c.Codecs)
	return &cp
}
