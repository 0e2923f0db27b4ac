package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/arzzra/media_engine/pkg/payload"
	"github.com/arzzra/media_engine/pkg/transport"
)

// StartRequest параметры запуска потоков сессии
type StartRequest struct {
	SendCodec  *payload.Descriptor
	RecvCodecs []*payload.Descriptor

	CNAME          string // локальный идентификатор для RTCP SDES
	RemoteAddr     string
	RemotePort     int
	RemoteRTCPPort int // 0 означает RemotePort+1

	SendAudio bool
	// RemoteKey ключ SRTP удаленной стороны, пустой ключ отключает шифрование
	RemoteKey string
}

// InitStreams выделяет поток сессии на локальном порту (RTCP на порту +1),
// применяет настройки обработки сигнала и подписывается на события RTP стека.
// Нулевой порт выбирается из RTP.PortMin..PortMax, а без диапазона остается
// на усмотрение транспорта. Повторный вызов для сессии с выделенным потоком ничего не делает.
func (e *Engine) InitStreams(s *Session, localPort int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkInitialized(); err != nil {
		return err
	}
	if s == nil {
		return ErrInvalidState
	}
	if !e.store.contains(s) {
		return newError(ErrorCodeNotFound, s.id, "сессия не найдена", nil)
	}
	if s.stream != nil {
		return nil
	}

	allocated := 0
	if localPort == 0 && e.ports != nil {
		port, err := e.ports.allocate()
		if err != nil {
			return newError(ErrorCodeResourceUnavailable, s.id, "выделение RTP порта", err)
		}
		allocated, localPort = port, port
	}
	fail := func(message string, err error) error {
		if allocated != 0 {
			e.ports.release(allocated)
		}
		return newError(ErrorCodeTransport, s.id, message, err)
	}

	stream, err := e.audio.CreateStream(localPort)
	if err != nil {
		return fail(fmt.Sprintf("создание потока на порту %d", localPort), err)
	}

	dsp := e.dsp.Configure(e.config.Sound, e.ecState)
	if err := stream.ApplyDSP(dsp); err != nil {
		e.track(stream.Stop())
		return fail("настройка обработки сигнала", err)
	}

	queue, err := e.rtp.SubscribeEvents(stream)
	if err != nil {
		e.track(stream.Stop())
		return fail("подписка на события RTP", err)
	}

	port := localPort
	if bound, ok := stream.(interface{ LocalPort() int }); ok {
		port = bound.LocalPort()
	}

	s.mu.Lock()
	s.stream = stream
	s.queue = queue
	s.localPort = port
	s.allocatedPort = allocated
	s.mu.Unlock()

	e.logger.Info("поток выделен",
		slog.String("session", s.id),
		slog.String("stream", stream.ID()),
		slog.Int("port", port),
		slog.Bool("echo_canceller", dsp.EchoCanceller.Enabled),
		slog.String("echo_limiter", dsp.EchoLimiter.Mode.String()))
	return nil
}

// StartStreams запускает потоки сессии.
// При невыполненных предусловиях возвращает ErrInvalidState без изменения состояния.
func (e *Engine) StartStreams(s *Session, req StartRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkInitialized(); err != nil {
		return err
	}
	if s == nil {
		return ErrInvalidState
	}
	if s.stream == nil {
		return newError(ErrorCodePrecondition, s.id, "поток не выделен", nil)
	}
	if s.State() != StateIdle {
		return newError(ErrorCodePrecondition, s.id, "потоки уже запущены: "+s.State().String(), nil)
	}
	if req.SendCodec == nil {
		return newError(ErrorCodePrecondition, s.id, "не задан кодек передачи", nil)
	}

	if !e.arbiter.Owns(s) {
		e.arbiter.AcquireFor(s)
	}

	if old := s.Profile(); old != nil {
		e.rtp.DestroyProfile(old)
	}
	profile := e.buildProfile(s, req)

	s.mu.Lock()
	s.profile = profile
	s.sendCodec = req.SendCodec
	s.recvCodecs = append([]*payload.Descriptor(nil), req.RecvCodecs...)
	s.disconnected = false
	s.mu.Unlock()

	if err := s.transition(eventStart); err != nil {
		return newError(ErrorCodePrecondition, s.id, "переход start", err)
	}

	rtcpPort := req.RemoteRTCPPort
	if rtcpPort == 0 {
		rtcpPort = req.RemotePort + 1
	}
	params := transport.StartParams{
		Profile:          profile,
		RemoteAddr:       req.RemoteAddr,
		RemoteRTPPort:    req.RemotePort,
		RemoteRTCPPort:   rtcpPort,
		PayloadNumber:    req.SendCodec.Number(),
		JitterMs:         e.config.RTP.JitterBufferMs,
		EchoCancellation: e.config.Sound.EchoCancellation,
		AdaptiveJitter:   e.config.RTP.AdaptiveJitter,
		AdaptiveBitrate:  e.config.RTP.AdaptiveBitrate,
		CNAME:            req.CNAME,
	}
	if e.arbiter.Owns(s) {
		params.Capture = e.capture
		params.Playback = e.playback
	}

	if err := s.stream.Start(params); err != nil {
		e.rollbackStart(s)
		return newError(ErrorCodeTransport, s.id, "запуск потока", err)
	}

	e.applyGainsLocked(s)
	mutedTx := !req.SendAudio || (s.Muted() && e.config.RTP.NoXmitOnMute)
	s.stream.SetMuted(mutedTx)

	if req.RemoteKey != "" {
		crypto := s.Crypto()
		if err := s.stream.EnableEncryption(crypto.Suite, crypto.Key, req.RemoteKey); err != nil {
			e.metrics.cryptoFailures.Inc()
			e.logger.Error("шифрование не включено, поток идет без SRTP",
				slog.String("session", s.id),
				slog.Any("error", newError(ErrorCodeCryptoFailure, s.id, "включение SRTP", err)))
		} else {
			s.mu.Lock()
			s.encrypted = true
			s.mu.Unlock()
		}
	}

	s.mu.Lock()
	s.startedAt = e.now()
	s.mu.Unlock()

	if err := s.transition(eventStarted); err != nil {
		return newError(ErrorCodePrecondition, s.id, "переход started", err)
	}

	e.logger.Info("потоки запущены",
		slog.String("session", s.id),
		slog.String("codec", req.SendCodec.String()),
		slog.String("remote", fmt.Sprintf("%s:%d", req.RemoteAddr, req.RemotePort)),
		slog.Bool("send_audio", req.SendAudio),
		slog.Bool("encrypted", s.Encrypted()))
	return nil
}

// buildProfile строит профиль сессии из кодека передачи и кандидатов приема.
// При совпадении номеров остается первый кодек.
func (e *Engine) buildProfile(s *Session, req StartRequest) *payload.Profile {
	profile := e.rtp.NewProfile("session " + s.id)
	codecs := append([]*payload.Descriptor{req.SendCodec}, req.RecvCodecs...)
	for _, d := range codecs {
		if d == nil {
			continue
		}
		number := d.Number()
		if existing := profile.Get(number); existing != nil {
			level := slog.LevelWarn
			if existing.SameCodec(d) {
				level = slog.LevelDebug
			}
			e.logger.Log(context.Background(), level, "номер payload type уже занят в профиле, кодек пропущен",
				slog.String("session", s.id),
				slog.Int("number", number),
				slog.String("codec", d.Rtpmap()),
				slog.String("existing", existing.Rtpmap()))
			continue
		}
		e.rtp.SetPayload(profile, number, d)
	}
	return profile
}

// rollbackStart возвращает сессию в Idle после ошибки запуска. Поток остается выделенным.
func (e *Engine) rollbackStart(s *Session) {
	if err := s.transition(eventStop); err != nil {
		e.logger.Error("ошибка перехода stop при откате", slog.String("session", s.id), slog.Any("error", err))
	}
	if profile := s.Profile(); profile != nil {
		e.rtp.DestroyProfile(profile)
	}
	s.mu.Lock()
	s.profile = nil
	s.sendCodec = nil
	s.mu.Unlock()
	if err := s.transition(eventStopped); err != nil {
		e.logger.Error("ошибка перехода stopped при откате", slog.String("session", s.id), slog.Any("error", err))
	}
}

// PauseStreams выключает передачу RTP работающей сессии
func (e *Engine) PauseStreams(s *Session) error {
	return e.setTransmit(s, false)
}

// ResumeStreams включает передачу RTP работающей сессии
func (e *Engine) ResumeStreams(s *Session) error {
	return e.setTransmit(s, true)
}

func (e *Engine) setTransmit(s *Session, on bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkInitialized(); err != nil {
		return err
	}
	if s == nil || s.State() != StateStreaming {
		return ErrInvalidState
	}
	s.stream.SetMuted(!on)
	e.logger.Debug("передача RTP", slog.String("session", s.id), slog.Bool("on", on))
	return nil
}

// StopStreams останавливает потоки сессии и освобождает поток.
// Для сессии в Idle возвращает ErrInvalidState и ничего не делает.
func (e *Engine) StopStreams(s *Session) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkInitialized(); err != nil {
		return err
	}
	if s == nil || !s.stateMachine.Can(eventStop) {
		return ErrInvalidState
	}
	e.stopStreamsLocked(s)
	return nil
}

// stopStreamsLocked останавливает потоки. Сессия должна быть не в Idle.
func (e *Engine) stopStreamsLocked(s *Session) {
	if err := s.transition(eventStop); err != nil {
		e.logger.Error("ошибка перехода stop", slog.String("session", s.id), slog.Any("error", err))
		return
	}

	stream, queue := s.stream, s.queue
	if state, ok := stream.PersistEchoCancellerState(); ok {
		e.ecState = state
	}

	e.rtp.UnsubscribeEvents(stream, queue)
	if queue != nil {
		queue.Flush()
	}
	e.track(stream.Stop())
	e.audio.SkipEvents(stream)
	e.releasePortLocked(s)

	if profile := s.Profile(); profile != nil {
		e.rtp.DestroyProfile(profile)
	}

	s.mu.Lock()
	s.profile = nil
	s.stream = nil
	s.queue = nil
	s.mu.Unlock()

	if err := s.transition(eventStopped); err != nil {
		e.logger.Error("ошибка перехода stopped", slog.String("session", s.id), slog.Any("error", err))
	}

	e.logger.Info("потоки остановлены", slog.String("session", s.id))
}
