// Команда media_engine запускает движок медиа сессий с UDP транспортом,
// публикует метрики Prometheus и обрабатывает события потоков до сигнала остановки.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arzzra/media_engine/pkg/engine"
	"github.com/arzzra/media_engine/pkg/rtpstack"
	"github.com/arzzra/media_engine/pkg/sound"
	"github.com/arzzra/media_engine/pkg/udpstream"
)

const shutdownTimeout = 5 * time.Second

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(2)
	}

	logger, err := cfg.logger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("Движок завершился с ошибкой", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg *daemonConfig, logger *slog.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	stack, err := rtpstack.New(rtpstack.DefaultConfig(), logger)
	if err != nil {
		return err
	}
	audio, err := udpstream.New(cfg.transportConfig(), stack,
		udpstream.WithLogger(logger),
		udpstream.WithRegisterer(registry),
	)
	if err != nil {
		return err
	}

	deps := engine.Dependencies{Audio: audio, RTP: stack}
	if !cfg.NoSound {
		devices, err := sound.NewStaticDeviceManager(sound.Device{
			ID:   "default",
			Name: "Default audio device",
			Caps: sound.CapabilityCapture | sound.CapabilityPlayback,
		})
		if err != nil {
			return err
		}
		deps.Devices = devices
	}

	var eng *engine.Engine
	eng, err = engine.New(cfg.engineConfig(), deps,
		engine.WithLogger(logger),
		engine.WithRegisterer(registry),
		engine.WithDisconnectHandler(func(s *engine.Session) {
			logger.Warn("Нет RTP от удаленной стороны, останавливаем потоки", slog.String("session", s.ID()))
			if err := eng.StopStreams(s); err != nil {
				logger.Error("Не удалось остановить потоки", slog.String("session", s.ID()), slog.String("error", err.Error()))
			}
		}),
	)
	if err != nil {
		return err
	}
	logger.Info("Движок запущен",
		slog.String("name", eng.Name()),
		slog.String("version", eng.Version()),
		slog.Int("codecs", len(eng.Codecs())),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var server *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
		server = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("Метрики доступны", slog.String("addr", cfg.MetricsAddr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Сервер метрик остановлен", slog.String("error", err.Error()))
			}
		}()
	}

	if cfg.DumpOffer {
		if err := demoSession(eng, cfg, logger); err != nil {
			return err
		}
	}

	runErr := eng.Run(ctx, cfg.Tick)
	logger.Info("Остановка движка")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if server != nil {
		_ = server.Shutdown(shutdownCtx)
	}
	if err := eng.Shutdown(shutdownCtx); err != nil {
		return err
	}

	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

// demoSession создает сессию, печатает offer и, если задан answer, запускает потоки
func demoSession(eng *engine.Engine, cfg *daemonConfig, logger *slog.Logger) error {
	s, err := eng.CreateSession()
	if err != nil {
		return err
	}
	if err := eng.InitStreams(s, cfg.LocalPort); err != nil {
		return err
	}

	offer, err := eng.DescribeSession(s, cfg.AdvertiseAddr)
	if err != nil {
		return err
	}
	fmt.Print(string(offer))

	if cfg.AnswerFile == "" {
		return nil
	}
	answer, err := os.ReadFile(cfg.AnswerFile)
	if err != nil {
		return fmt.Errorf("чтение answer: %w", err)
	}
	req, err := eng.NegotiateAnswer(s, answer)
	if err != nil {
		return err
	}
	if err := eng.StartStreams(s, req); err != nil {
		return err
	}

	logger.Info("Потоки запущены",
		slog.String("session", s.ID()),
		slog.String("codec", req.SendCodec.String()),
		slog.String("remote", fmt.Sprintf("%s:%d", req.RemoteAddr, req.RemotePort)),
		slog.Bool("encrypted", s.Encrypted()),
	)
	return nil
}
