package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/pion/rtcp"

	"github.com/arzzra/media_engine/pkg/transport"
)

// maxDrainExtra ограничивает число событий сверх длины очереди на входе в цикл
const maxDrainExtra = 32

// Drain выполняет шаг обработки всех работающих сессий: итерацию потока,
// обновление индикатора качества и разбор очереди событий.
// При oneSecondElapsed дополнительно логирует статистику и проверяет активность RTP.
func (e *Engine) Drain(oneSecondElapsed bool) error {
	e.mu.Lock()
	if err := e.checkInitialized(); err != nil {
		e.mu.Unlock()
		return err
	}
	var lost []*Session
	for _, s := range e.store.list() {
		if s.State() != StateStreaming {
			continue
		}
		if e.drainSession(s, oneSecondElapsed) {
			lost = append(lost, s)
		}
	}
	handler := e.onDisconnect
	e.mu.Unlock()

	if handler != nil {
		for _, s := range lost {
			handler(s)
		}
	}
	return nil
}

// UpdateStatistics выполняет шаг обработки одной работающей сессии
func (e *Engine) UpdateStatistics(s *Session) error {
	e.mu.Lock()
	if err := e.checkInitialized(); err != nil {
		e.mu.Unlock()
		return err
	}
	if s == nil || s.State() != StateStreaming {
		e.mu.Unlock()
		return ErrInvalidState
	}
	lost := e.drainSession(s, true)
	handler := e.onDisconnect
	e.mu.Unlock()

	if lost && handler != nil {
		handler(s)
	}
	return nil
}

// Run периодически вызывает Drain до отмены ctx или остановки движка
func (e *Engine) Run(ctx context.Context, tick time.Duration) error {
	if tick <= 0 {
		tick = e.config.Tick
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	lastSecond := e.now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := e.now()
			oneSecond := now.Sub(lastSecond) >= time.Second
			if oneSecond {
				lastSecond = now
			}
			if err := e.Drain(oneSecond); err != nil {
				return err
			}
		}
	}
}

// drainSession возвращает true, если сессия только что помечена как разорванная
func (e *Engine) drainSession(s *Session, oneSecondElapsed bool) bool {
	stream := s.stream
	stream.Iterate()

	quality := stream.Quality()
	s.mu.Lock()
	s.stats.LossRate = quality.LossRate
	s.stats.LateRate = quality.LateRate
	s.mu.Unlock()

	if s.queue != nil {
		limit := s.queue.Len() + maxDrainExtra
		for i := 0; i < limit; i++ {
			ev, ok := s.queue.Poll()
			if !ok {
				break
			}
			e.handleEvent(s, ev)
		}
	}

	if !oneSecondElapsed {
		return false
	}
	e.logStatistics(s)
	return e.checkAlive(s)
}

func (e *Engine) handleEvent(s *Session, ev transport.Event) {
	e.metrics.eventsDrained.WithLabelValues(ev.Kind.String()).Inc()
	now := e.now()

	switch {
	case ev.Kind == transport.EventRTCPReceived:
		rtt := e.rtp.RoundTripTime(s.stream)
		s.mu.Lock()
		s.stats.RoundTripDelay = rtt
		s.stats.LastRTCPReceived = ev.Packet
		if octets, ok := senderOctets(ev.Packet); ok {
			if kbps, ok := s.download.update(octets, now); ok {
				s.stats.DownloadBandwidth = kbps
			}
		}
		s.mu.Unlock()

	case ev.Kind == transport.EventRTCPEmitted:
		jitter := e.rtp.JitterStats(s.stream)
		s.mu.Lock()
		s.stats.Jitter = jitter
		s.stats.LastRTCPSent = ev.Packet
		if octets, ok := senderOctets(ev.Packet); ok {
			if kbps, ok := s.upload.update(octets, now); ok {
				s.stats.UploadBandwidth = kbps
			}
		}
		s.mu.Unlock()

	case ev.Kind == transport.EventEncryptionChanged:
		s.mu.Lock()
		s.encrypted = ev.Encrypted
		s.mu.Unlock()
		e.logger.Info("изменилось шифрование", slog.String("session", s.id), slog.Bool("encrypted", ev.Encrypted))

	case ev.Kind == transport.EventSASReady:
		s.mu.Lock()
		s.authToken = ev.SAS
		s.verified = ev.Verified
		s.mu.Unlock()

	case ev.Kind.IsICE():
		// обработка ICE на уровне приложения
		e.logger.Debug("событие ICE", slog.String("session", s.id), slog.String("kind", ev.Kind.String()))

	case ev.Kind == transport.EventTelephoneEvent:
		e.logger.Debug("принят DTMF", slog.String("session", s.id), slog.String("digit", string(ev.Tone)))
	}
}

// senderOctets извлекает счетчик октетов из Sender Report составного пакета
func senderOctets(packet []byte) (uint32, bool) {
	if len(packet) == 0 {
		return 0, false
	}
	pkts, err := rtcp.Unmarshal(packet)
	if err != nil {
		return 0, false
	}
	for _, p := range pkts {
		if sr, ok := p.(*rtcp.SenderReport); ok {
			return sr.OctetCount, true
		}
	}
	return 0, false
}

func (e *Engine) logStatistics(s *Session) {
	now := e.now()
	if e.config.StatsLogInterval > 0 && now.Sub(s.lastStatsLog) < e.config.StatsLogInterval {
		return
	}
	s.lastStatsLog = now

	stats := s.Statistics()
	e.logger.Info("статистика сессии",
		slog.String("session", s.id),
		slog.Float64("loss_rate", stats.LossRate),
		slog.Float64("late_rate", stats.LateRate),
		slog.Float64("jitter_ms", stats.Jitter.Jitter),
		slog.Float64("rtt", stats.RoundTripDelay),
		slog.Float64("upload_kbps", stats.UploadBandwidth),
		slog.Float64("download_kbps", stats.DownloadBandwidth))
}

// checkAlive помечает сессию разорванной при отсутствии RTP дольше таймаута
func (e *Engine) checkAlive(s *Session) bool {
	timeout := e.config.RTP.NoRTPTimeout
	if timeout <= 0 {
		return false
	}
	alive := s.stream.IsAlive(timeout)

	s.mu.Lock()
	defer s.mu.Unlock()
	if alive {
		s.disconnected = false
		return false
	}
	if s.disconnected {
		return false
	}
	s.disconnected = true
	e.metrics.disconnects.Inc()
	e.logger.Warn("нет RTP дольше таймаута, сессия разорвана",
		slog.String("session", s.id),
		slog.Duration("timeout", timeout))
	return true
}
