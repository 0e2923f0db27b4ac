package udpstream

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/srtp/v2"

	"github.com/arzzra/media_engine/pkg/srtpkey"
	"github.com/arzzra/media_engine/pkg/transport"
)

var (
	ErrNotStarted       = errors.New("udpstream: поток не запущен")
	ErrAlreadyStarted   = errors.New("udpstream: поток уже запущен")
	ErrStopped          = errors.New("udpstream: поток остановлен")
	ErrMuted            = errors.New("udpstream: передача RTP выключена")
	ErrInvalidDigit     = errors.New("udpstream: недопустимый DTMF символ")
	ErrNoTelephoneEvent = errors.New("udpstream: в профиле нет telephone-event")
)

// defaultClockRate частота для payload type вне профиля
const defaultClockRate = 8000

type inbound struct {
	data []byte
	rtcp bool
	at   time.Time
}

// Stream UDP поток одной сессии
type Stream struct {
	id       string
	engine   *Engine
	rtpConn  *net.UDPConn
	rtcpConn *net.UDPConn
	inbox    chan inbound

	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once

	mu           sync.Mutex
	dsp          transport.DSPConfig
	ecFrames     uint64
	params       transport.StartParams
	remoteRTP    *net.UDPAddr
	remoteRTCP   *net.UDPAddr
	started      bool
	stopped      bool
	muted        bool
	micGain      float64
	playbackGain float64
	tonePT       int

	ssrc        uint32
	seq         uint16
	tsBase      uint32
	packetsSent uint32
	octetsSent  uint32

	startedAt    time.Time
	lastActivity time.Time // последний принятый RTP или RTCP
	lastRTCPSent time.Time
	recv         recvState
	rtt          float64
	rttUpdated   bool

	localCtx  *srtp.Context
	remoteCtx *srtp.Context
}

var _ transport.Stream = (*Stream)(nil)

func newStream(e *Engine, rtpConn, rtcpConn *net.UDPConn) *Stream {
	s := &Stream{
		id:       uuid.New().String(),
		engine:   e,
		rtpConn:  rtpConn,
		rtcpConn: rtcpConn,
		inbox:    make(chan inbound, e.config.InboxSize),
		done:     make(chan struct{}),
		tonePT:   -1,
		ssrc:     rand.Uint32(),
		seq:      uint16(rand.UintN(1 << 16)),
		tsBase:   rand.Uint32(),
	}

	s.wg.Add(2)
	go s.readLoop(rtpConn, false)
	go s.readLoop(rtcpConn, true)
	return s
}

func (s *Stream) ID() string {
	return s.id
}

// LocalPort возвращает локальный RTP порт
func (s *Stream) LocalPort() int {
	return s.rtpConn.LocalAddr().(*net.UDPAddr).Port
}

// RTCPPort возвращает локальный RTCP порт
func (s *Stream) RTCPPort() int {
	return s.rtcpConn.LocalAddr().(*net.UDPAddr).Port
}

// SSRC возвращает идентификатор источника потока
func (s *Stream) SSRC() uint32 {
	return s.ssrc
}

func (s *Stream) readLoop(conn *net.UDPConn, isRTCP bool) {
	defer s.wg.Done()

	buf := make([]byte, s.engine.config.ReadBufferSize)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.engine.logger.Debug("ошибка чтения", slog.String("stream", s.id), slog.String("error", err.Error()))
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		select {
		case s.inbox <- inbound{data: data, rtcp: isRTCP, at: s.engine.now()}:
		default:
			s.engine.metrics.packetsDropped.WithLabelValues("inbox_full").Inc()
		}
	}
}

// ApplyDSP сохраняет параметры обработки и выставляет DSCP на сокеты
func (s *Stream) ApplyDSP(cfg transport.DSPConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return ErrAlreadyStarted
	}

	if cfg.DSCP > 0 {
		for _, conn := range []*net.UDPConn{s.rtpConn, s.rtcpConn} {
			if err := applyDSCP(conn, cfg.DSCP); err != nil {
				// Без прав или в контейнере маркировка может быть недоступна
				s.engine.logger.Warn("не удалось установить DSCP",
					slog.String("stream", s.id),
					slog.Int("dscp", cfg.DSCP),
					slog.String("error", err.Error()))
			}
		}
	}

	s.dsp = cfg
	s.ecFrames = parseECFrames(cfg.EchoCanceller.State)
	return nil
}

func applyDSCP(conn *net.UDPConn, dscp int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("не удалось получить системный сокет: %w", err)
	}

	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		sockErr = setSockOptDSCP(int(fd), dscp)
	}); err != nil {
		return fmt.Errorf("ошибка управления сокетом: %w", err)
	}
	return sockErr
}

// Start запускает обмен с удаленной стороной
func (s *Stream) Start(params transport.StartParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return ErrAlreadyStarted
	}
	if params.Profile == nil {
		return fmt.Errorf("профиль не задан")
	}

	remoteRTP, err := net.ResolveUDPAddr("udp", net.JoinHostPort(params.RemoteAddr, strconv.Itoa(params.RemoteRTPPort)))
	if err != nil {
		return fmt.Errorf("ошибка разрешения RTP адреса: %w", err)
	}
	remoteRTCP, err := net.ResolveUDPAddr("udp", net.JoinHostPort(params.RemoteAddr, strconv.Itoa(params.RemoteRTCPPort)))
	if err != nil {
		return fmt.Errorf("ошибка разрешения RTCP адреса: %w", err)
	}

	if params.CNAME == "" {
		params.CNAME = s.id
	}

	s.tonePT = -1
	for _, n := range params.Profile.Numbers() {
		if strings.EqualFold(params.Profile.Get(n).MimeType, "telephone-event") {
			s.tonePT = n
			break
		}
	}

	now := s.engine.now()
	s.params = params
	s.remoteRTP = remoteRTP
	s.remoteRTCP = remoteRTCP
	s.startedAt = now
	s.lastActivity = now
	s.lastRTCPSent = now
	s.recv = recvState{}
	s.started = true

	s.engine.logger.Info("поток запущен",
		slog.String("stream", s.id),
		slog.String("remote", remoteRTP.String()),
		slog.Int("payload", params.PayloadNumber),
		slog.Bool("capture", params.Capture != nil))
	return nil
}

// Stop закрывает сокеты. Канал закрывается после завершения горутин чтения.
func (s *Stream) Stop() <-chan struct{} {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.started = false
		s.mu.Unlock()

		s.rtpConn.Close()
		s.rtcpConn.Close()

		go func() {
			s.wg.Wait()
			s.engine.forget(s)
			close(s.done)
		}()
	})
	return s.done
}

func (s *Stream) SetMuted(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = muted
}

// Muted сообщает, выключена ли передача RTP
func (s *Stream) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func (s *Stream) SetMicGain(db float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.micGain = db
}

func (s *Stream) SetPlaybackGain(db float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playbackGain = db
}

// Gains возвращает текущие усиления микрофона и воспроизведения
func (s *Stream) Gains() (mic, playback float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.micGain, s.playbackGain
}

func (s *Stream) IsAlive(timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return false
	}
	return s.engine.now().Sub(s.lastActivity) < timeout
}

func (s *Stream) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *Stream) Quality() transport.Quality {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recv.quality()
}

// PersistEchoCancellerState возвращает состояние эхоподавителя для следующего потока
func (s *Stream) PersistEchoCancellerState() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ec := s.dsp.EchoCanceller
	if !ec.Enabled {
		return "", false
	}
	return fmt.Sprintf("tail=%d;delay=%d;frame=%d;frames=%d",
		ec.TailMs, ec.DelayMs, ec.FrameSize, s.ecFrames+s.recv.received), true
}

func parseECFrames(state string) uint64 {
	for _, field := range strings.Split(state, ";") {
		if v, ok := strings.CutPrefix(field, "frames="); ok {
			n, err := strconv.ParseUint(v, 10, 64)
			if err == nil {
				return n
			}
		}
	}
	return 0
}

// EnableEncryption создает SRTP контексты: локальный ключ для передачи, удаленный для приема
func (s *Stream) EnableEncryption(suite srtpkey.Suite, localKey, remoteKey string) error {
	profile, err := suite.Profile()
	if err != nil {
		return err
	}

	localCtx, err := newSRTPContext(localKey, srtp.ProtectionProfile(profile))
	if err != nil {
		return fmt.Errorf("локальный ключ: %w", err)
	}
	remoteCtx, err := newSRTPContext(remoteKey, srtp.ProtectionProfile(profile))
	if err != nil {
		return fmt.Errorf("удаленный ключ: %w", err)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.localCtx = localCtx
	s.remoteCtx = remoteCtx
	s.mu.Unlock()

	s.engine.publish(s.id, transport.Event{Kind: transport.EventEncryptionChanged, Encrypted: true})
	return nil
}

func newSRTPContext(key string, profile srtp.ProtectionProfile) (*srtp.Context, error) {
	masterKey, masterSalt, err := srtpkey.SplitKey(key)
	if err != nil {
		return nil, err
	}
	return srtp.CreateContext(masterKey, masterSalt, profile)
}

// Iterate обрабатывает накопленные пакеты и отправляет RTCP отчет по расписанию.
// Не блокируется: число пакетов за вызов ограничено.
func (s *Stream) Iterate() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}

	limit := s.engine.config.MaxPacketsPerIterate
drain:
	for i := 0; i < limit; i++ {
		select {
		case p := <-s.inbox:
			if p.rtcp {
				s.handleRTCP(p)
			} else {
				s.handleRTP(p)
			}
		default:
			break drain
		}
	}

	now := s.engine.now()
	if now.Sub(s.lastRTCPSent) >= s.engine.config.RTCPInterval {
		s.emitReport(now)
	}

	jitter := s.recv.jitterStats(s.params.JitterMs)
	rtt, rttUpdated := s.rtt, s.rttUpdated
	s.rttUpdated = false
	s.mu.Unlock()

	s.engine.sink.ReportJitter(s.id, jitter)
	if rttUpdated {
		s.engine.sink.ReportRoundTrip(s.id, rtt)
	}
	s.engine.flush()
}

func (s *Stream) handleRTP(p inbound) {
	data := p.data
	if s.remoteCtx != nil {
		decrypted, err := s.remoteCtx.DecryptRTP(nil, data, nil)
		if err != nil {
			s.engine.metrics.packetsDropped.WithLabelValues("srtp").Inc()
			return
		}
		data = decrypted
	}

	var pkt rtp.Packet
	if err := pkt.Unmarshal(data); err != nil {
		s.engine.metrics.packetsDropped.WithLabelValues("malformed").Inc()
		return
	}
	s.engine.metrics.rtpReceived.Inc()

	clockRate := s.clockRate(int(pkt.PayloadType))
	s.lastActivity = p.at
	s.recv.update(&pkt, p.at.Sub(s.startedAt), clockRate)

	if int(pkt.PayloadType) == s.tonePT {
		s.handleTone(&pkt)
	}
}

// writeRTP шифрует при необходимости и отправляет пакет
func (s *Stream) writeRTP(pkt *rtp.Packet) error {
	raw, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("ошибка сериализации RTP: %w", err)
	}
	if s.localCtx != nil {
		raw, err = s.localCtx.EncryptRTP(nil, raw, nil)
		if err != nil {
			return fmt.Errorf("ошибка шифрования RTP: %w", err)
		}
	}
	if _, err := s.rtpConn.WriteToUDP(raw, s.remoteRTP); err != nil {
		return fmt.Errorf("ошибка отправки RTP: %w", err)
	}

	s.packetsSent++
	s.octetsSent += uint32(len(pkt.Payload))
	s.engine.metrics.rtpSent.Inc()
	return nil
}

// timestamp возвращает RTP время для момента now
// clockRate частота payload type по профилю потока, 8000 для неизвестного номера
func (s *Stream) clockRate(number int) uint32 {
	if s.params.Profile != nil {
		if d := s.params.Profile.Get(number); d != nil && d.ClockRate > 0 {
			return d.ClockRate
		}
	}
	return defaultClockRate
}

func (s *Stream) timestamp(now time.Time, clockRate uint32) uint32 {
	return s.tsBase + uint32(now.Sub(s.startedAt).Seconds()*float64(clockRate))
}
