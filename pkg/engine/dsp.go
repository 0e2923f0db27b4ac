package engine

import "github.com/arzzra/media_engine/pkg/transport"

// DSPPolicy формирует параметры обработки сигнала для нового потока.
// Выбирается при создании движка.
type DSPPolicy interface {
	Configure(cfg SoundConfig, ecState string) transport.DSPConfig
}

// Параметры эхоподавителя и ограничителя эха
const (
	ecTailMs    = 60
	ecDelayMs   = 0
	ecFrameSize = 128

	elSpeed     = 0.03
	elThreshold = 0.1
	elForce     = 10
	elSustainMs = 100

	ngThreshold = 0.05
	ngFloorGain = 0.0005
)

// StandardDSP полный набор обработки: эхоподавитель, ограничитель эха,
// шумовой порог и АРУ по флагам конфигурации.
type StandardDSP struct{}

func (StandardDSP) Configure(cfg SoundConfig, ecState string) transport.DSPConfig {
	dsp := transport.DSPConfig{
		EchoCanceller: transport.EchoCanceller{
			Enabled:   cfg.EchoCancellation,
			TailMs:    ecTailMs,
			DelayMs:   ecDelayMs,
			FrameSize: ecFrameSize,
			State:     ecState,
		},
		AGC:  cfg.AGC,
		DSCP: transport.DefaultDSCP,
	}

	if cfg.EchoLimiter {
		dsp.EchoLimiter = transport.EchoLimiter{
			Mode:      echoLimiterMode(cfg.EchoSuppression),
			Speed:     elSpeed,
			Threshold: elThreshold,
			Force:     elForce,
			SustainMs: elSustainMs,
		}
	}

	if cfg.NoiseGate {
		dsp.NoiseGate = transport.NoiseGate{
			Enabled:   true,
			Threshold: ngThreshold,
			FloorGain: ngFloorGain,
		}
	}
	return dsp
}

func echoLimiterMode(level EchoSuppression) transport.EchoLimiterMode {
	switch level {
	case EchoSuppressionHigh:
		return transport.EchoLimiterFull
	case EchoSuppressionNormal:
		return transport.EchoLimiterOn
	default:
		return transport.EchoLimiterOff
	}
}

// PassthroughDSP отключает обработку сигнала, оставляя только маркировку DSCP.
// Для сборок без звуковой подсистемы.
type PassthroughDSP struct{}

func (PassthroughDSP) Configure(SoundConfig, string) transport.DSPConfig {
	return transport.DSPConfig{DSCP: transport.DefaultDSCP}
}
