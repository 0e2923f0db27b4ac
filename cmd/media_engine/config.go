package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/arzzra/media_engine/pkg/engine"
	"github.com/arzzra/media_engine/pkg/udpstream"
)

// daemonConfig параметры запуска демона
type daemonConfig struct {
	LogLevel    string
	LogFormat   string
	MetricsAddr string

	BindAddr      string
	AdvertiseAddr string
	LocalPort     int

	MaxSessions  int
	JitterMs     int
	NoRTPTimeout time.Duration
	Tick         time.Duration
	NoXmitOnMute bool

	CaptureDevice  string
	PlaybackDevice string
	NoSound        bool

	// DumpOffer создать сессию и напечатать ее SDP offer
	DumpOffer bool
	// AnswerFile SDP answer, по которому запускаются потоки сессии из DumpOffer
	AnswerFile string
}

func loadConfig(args []string) (*daemonConfig, error) {
	cfg := &daemonConfig{}
	defaults := engine.DefaultConfig()

	fs := flag.NewFlagSet("media_engine", flag.ContinueOnError)
	fs.StringVar(&cfg.LogLevel, "loglevel", "info", "Log level: debug, info, warn, error")
	fs.StringVar(&cfg.LogFormat, "logformat", "text", "Log format: text, json")
	fs.StringVar(&cfg.MetricsAddr, "metrics", ":9102", "Prometheus metrics listen address, empty to disable")
	fs.StringVar(&cfg.BindAddr, "bind", "0.0.0.0", "RTP bind address")
	fs.StringVar(&cfg.AdvertiseAddr, "advertise", "127.0.0.1", "Address to advertise in SDP")
	fs.IntVar(&cfg.LocalPort, "port", defaults.RTP.PortMin, "Local RTP port of the demo session")
	fs.IntVar(&cfg.MaxSessions, "max-sessions", defaults.MaxSessions, "Maximum number of sessions")
	fs.IntVar(&cfg.JitterMs, "jitter", defaults.RTP.JitterBufferMs, "Jitter buffer target, ms")
	fs.DurationVar(&cfg.NoRTPTimeout, "no-rtp-timeout", defaults.RTP.NoRTPTimeout, "Disconnect after this long without RTP, 0 disables")
	fs.DurationVar(&cfg.Tick, "tick", defaults.Tick, "Event drain period")
	fs.BoolVar(&cfg.NoXmitOnMute, "no-xmit-on-mute", false, "Stop sending RTP while muted")
	fs.StringVar(&cfg.CaptureDevice, "capture", "", "Capture device ID")
	fs.StringVar(&cfg.PlaybackDevice, "playback", "", "Playback device ID")
	fs.BoolVar(&cfg.NoSound, "no-sound", false, "Run without sound devices")
	fs.BoolVar(&cfg.DumpOffer, "dump-offer", false, "Create a session and print its SDP offer")
	fs.StringVar(&cfg.AnswerFile, "answer", "", "SDP answer file for the demo session")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Переменные окружения перекрывают флаги
	envString("MEDIA_ENGINE_LOGLEVEL", &cfg.LogLevel)
	envString("MEDIA_ENGINE_LOGFORMAT", &cfg.LogFormat)
	envString("MEDIA_ENGINE_METRICS", &cfg.MetricsAddr)
	envString("MEDIA_ENGINE_BIND", &cfg.BindAddr)
	envString("MEDIA_ENGINE_ADVERTISE", &cfg.AdvertiseAddr)
	envString("MEDIA_ENGINE_CAPTURE", &cfg.CaptureDevice)
	envString("MEDIA_ENGINE_PLAYBACK", &cfg.PlaybackDevice)
	if err := envInt("MEDIA_ENGINE_PORT", &cfg.LocalPort); err != nil {
		return nil, err
	}
	if err := envInt("MEDIA_ENGINE_MAX_SESSIONS", &cfg.MaxSessions); err != nil {
		return nil, err
	}
	if err := envInt("MEDIA_ENGINE_JITTER", &cfg.JitterMs); err != nil {
		return nil, err
	}
	if v := os.Getenv("MEDIA_ENGINE_NO_RTP_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("MEDIA_ENGINE_NO_RTP_TIMEOUT: %w", err)
		}
		cfg.NoRTPTimeout = d
	}

	return cfg, nil
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = n
	return nil
}

// engineConfig собирает конфигурацию движка
func (c *daemonConfig) engineConfig() *engine.Config {
	cfg := engine.DefaultConfig()
	cfg.MaxSessions = c.MaxSessions
	cfg.RTP.JitterBufferMs = c.JitterMs
	cfg.RTP.NoRTPTimeout = c.NoRTPTimeout
	cfg.RTP.NoXmitOnMute = c.NoXmitOnMute
	cfg.Sound.CaptureDevice = c.CaptureDevice
	cfg.Sound.PlaybackDevice = c.PlaybackDevice
	cfg.Tick = c.Tick
	return cfg
}

func (c *daemonConfig) transportConfig() udpstream.Config {
	cfg := udpstream.DefaultConfig()
	cfg.LocalHost = c.BindAddr
	return cfg
}

func (c *daemonConfig) logger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return nil, fmt.Errorf("некорректный уровень логирования %q: %w", c.LogLevel, err)
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(c.LogFormat) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("неизвестный формат логов %q", c.LogFormat)
	}
}
