// Package engine реализует управляющий уровень голосового движка: хранилище
// сессий, машину состояний потоков, арбитраж звукового устройства, выдачу
// ключей SRTP и цикл обработки событий RTP стека.
//
// Кодирование звука, RTP и работа с устройствами выполняются внешними
// компонентами из пакета transport. Все публичные операции движка выполняются
// под одной блокировкой.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/arzzra/media_engine/pkg/payload"
	"github.com/arzzra/media_engine/pkg/sound"
	"github.com/arzzra/media_engine/pkg/srtpkey"
	"github.com/arzzra/media_engine/pkg/transport"
)

// State состояние жизненного цикла движка
type State int

const (
	StateUninitialized State = iota
	StateInitialized
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// DisconnectHandler вызывается, когда сессия перестала получать RTP.
// Вызывается без блокировки движка.
type DisconnectHandler func(s *Session)

// Dependencies внешние компоненты движка
type Dependencies struct {
	Audio   transport.AudioEngine
	RTP     transport.RTPStack
	Devices sound.DeviceManager // nil означает работу без звукового устройства
	Random  io.Reader           // nil означает crypto/rand
}

// Option настраивает движок
type Option func(*Engine)

// WithLogger задает логгер
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithRegisterer задает реестр метрик
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(e *Engine) {
		e.registerer = reg
	}
}

// WithDisconnectHandler задает обработчик разрыва по таймауту RTP
func WithDisconnectHandler(h DisconnectHandler) Option {
	return func(e *Engine) {
		e.onDisconnect = h
	}
}

// WithDSPPolicy задает политику обработки сигнала, по умолчанию StandardDSP
func WithDSPPolicy(p DSPPolicy) Option {
	return func(e *Engine) {
		e.dsp = p
	}
}

// WithClock подменяет источник времени
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// Engine управляющий уровень голосового движка
type Engine struct {
	mu sync.Mutex

	config  *Config
	audio   transport.AudioEngine
	rtp     transport.RTPStack
	devices sound.DeviceManager

	state       State
	registry    *payload.Registry
	arbiter     *sound.Arbiter[*Session]
	provisioner *srtpkey.Provisioner
	store       *store
	ports       *portAllocator

	capture  *sound.Device
	playback *sound.Device

	ecState      string
	micGain      float64
	playbackGain float64

	// каналы завершения остановленных потоков
	stopping []<-chan struct{}

	dsp          DSPPolicy
	onDisconnect DisconnectHandler
	registerer   prometheus.Registerer
	logger       *slog.Logger
	metrics      *Metrics
	now          func() time.Time
}

// New создает движок. Конфигурация не копируется и не должна изменяться после вызова.
// Исчерпание динамических номеров при регистрации каталога кодеков фатально.
func New(cfg *Config, deps Dependencies, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("некорректная конфигурация: %w", err)
	}
	if deps.Audio == nil || deps.RTP == nil {
		return nil, errors.New("аудио движок и RTP стек обязательны")
	}

	e := &Engine{
		config:       cfg,
		audio:        deps.Audio,
		rtp:          deps.RTP,
		devices:      deps.Devices,
		provisioner:  srtpkey.NewProvisioner(deps.Random),
		store:        newStore(cfg.MaxSessions),
		ports:        newPortAllocator(cfg.RTP.PortMin, cfg.RTP.PortMax),
		micGain:      cfg.Sound.MicGainDB,
		playbackGain: cfg.Sound.PlaybackGainDB,
		dsp:          StandardDSP{},
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With(slog.String("component", "media_engine"))
	e.metrics = NewMetrics(e.registerer)

	registry, err := payload.NewRegistry(cfg.DynamicMin, cfg.DynamicMax, e.logger)
	if err != nil {
		return nil, err
	}
	if err := registry.RegisterAll(cfg.Codecs); err != nil {
		if errors.Is(err, payload.ErrRegistryExhausted) {
			return nil, newError(ErrorCodeRegistryExhaustion, "", "регистрация каталога кодеков", err)
		}
		return nil, fmt.Errorf("регистрация каталога кодеков: %w", err)
	}
	if err := registry.ReconcileStatic(payload.StandardAVP()); err != nil {
		return nil, newError(ErrorCodeRegistryExhaustion, "", "сверка статических номеров", err)
	}
	e.registry = registry

	e.arbiter = sound.NewArbiter(e.preempt)

	if err := e.refreshDevices(); err != nil {
		e.logger.Warn("звуковое устройство недоступно, звук без устройства", slog.Any("error", err))
	}

	e.state = StateInitialized
	e.logger.Info("движок инициализирован",
		slog.String("name", cfg.Name),
		slog.String("version", cfg.Version),
		slog.Int("codecs", len(registry.Descriptors())),
		slog.Int("max_sessions", cfg.MaxSessions))
	return e, nil
}

func (e *Engine) checkInitialized() error {
	if e.state != StateInitialized {
		return ErrNotInitialized
	}
	return nil
}

// preempt останавливает потоки предыдущего владельца перед передачей устройства.
// Вызывается арбитром под блокировкой движка.
func (e *Engine) preempt(owner *Session) {
	e.metrics.preemptions.Inc()
	if owner.State() == StateIdle {
		return
	}
	e.logger.Info("устройство передается другой сессии, потоки владельца остановлены",
		slog.String("session", owner.id))
	e.stopStreamsLocked(owner)
}

// CreateSession создает сессию и делает ее текущей.
// При достижении лимита возвращает ErrCapacity.
func (e *Engine) CreateSession() (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkInitialized(); err != nil {
		return nil, err
	}

	// Хранилище само отказывает при переполнении, до передачи устройства
	s := newSession(uuid.NewString(), e.now(), e.metrics)
	if !e.store.add(s) {
		e.metrics.capacityRejections.Inc()
		return nil, newError(ErrorCodeCapacity, "",
			fmt.Sprintf("достигнут лимит сессий: %d", e.config.MaxSessions), nil)
	}
	e.arbiter.AcquireFor(s)

	material, err := e.provisioner.Provision(e.config.KeyLength)
	if err != nil {
		e.metrics.cryptoFailures.Inc()
		e.logger.Error("не удалось сгенерировать ключ, сессия без аутентификации",
			slog.String("session", s.id),
			slog.Any("error", newError(ErrorCodeCryptoFailure, s.id, "генерация ключа", err)))
	}
	s.crypto = material

	e.metrics.sessionsCreated.Inc()
	e.metrics.sessionsActive.Set(float64(e.store.len()))

	e.logger.Info("сессия создана",
		slog.String("session", s.id),
		slog.String("suite", material.Suite.String()),
		slog.Int("sessions", e.store.len()))
	return s, nil
}

// DeleteSession останавливает потоки сессии, освобождает ресурсы и удаляет ее.
// Если сессии нет в хранилище, ресурсы все равно освобождаются и возвращается ErrNotFound.
func (e *Engine) DeleteSession(s *Session) error {
	if s == nil {
		return ErrInvalidState
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.releaseLocked(s)
	removed := e.store.remove(s)
	e.arbiter.Release(s)
	e.metrics.sessionsActive.Set(float64(e.store.len()))

	if !removed {
		e.logger.Warn("удаление сессии, отсутствующей в хранилище", slog.String("session", s.id))
		return newError(ErrorCodeNotFound, s.id, "сессия не найдена", nil)
	}
	e.logger.Info("сессия удалена", slog.String("session", s.id), slog.Int("sessions", e.store.len()))
	return nil
}

// releaseLocked останавливает запущенные потоки или освобождает выделенный поток
func (e *Engine) releaseLocked(s *Session) {
	if s.State() != StateIdle {
		e.stopStreamsLocked(s)
		return
	}
	if s.stream == nil {
		return
	}
	stream, queue := s.stream, s.queue
	e.rtp.UnsubscribeEvents(stream, queue)
	if queue != nil {
		queue.Flush()
	}
	e.track(stream.Stop())
	e.audio.SkipEvents(stream)
	e.releasePortLocked(s)

	s.mu.Lock()
	s.stream, s.queue = nil, nil
	s.mu.Unlock()
}

// releasePortLocked возвращает в диапазон порт, выделенный движком
func (e *Engine) releasePortLocked(s *Session) {
	if s.allocatedPort == 0 {
		return
	}
	e.ports.release(s.allocatedPort)
	s.allocatedPort = 0
}

// track запоминает канал завершения потока, отбрасывая уже закрытые
func (e *Engine) track(done <-chan struct{}) {
	pending := e.stopping[:0]
	for _, ch := range e.stopping {
		select {
		case <-ch:
		default:
			pending = append(pending, ch)
		}
	}
	e.stopping = append(pending, done)
}

// Shutdown останавливает все сессии и ждет завершения потоков в пределах ctx
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if err := e.checkInitialized(); err != nil {
		e.mu.Unlock()
		return err
	}
	e.state = StateShuttingDown

	for _, s := range e.store.list() {
		e.releaseLocked(s)
		e.store.remove(s)
		e.arbiter.Release(s)
	}
	e.metrics.sessionsActive.Set(0)
	e.registry.ReleaseAll()

	waiting := e.stopping
	e.stopping = nil
	e.mu.Unlock()

	e.logger.Info("остановка движка", slog.Int("streams", len(waiting)))

	var err error
	for _, done := range waiting {
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		if err != nil {
			break
		}
	}

	e.mu.Lock()
	e.state = StateUninitialized
	e.mu.Unlock()

	if err != nil {
		return fmt.Errorf("потоки не остановлены: %w", err)
	}
	e.logger.Info("движок остановлен")
	return nil
}

// MuteMicrophone выключает или включает микрофон текущей сессии
func (e *Engine) MuteMicrophone(mute bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkInitialized(); err != nil {
		return err
	}
	s, ok := e.arbiter.CurrentOwner()
	if !ok {
		return newError(ErrorCodePrecondition, "", "нет текущей сессии", nil)
	}

	s.mu.Lock()
	s.muted = mute
	s.mu.Unlock()

	if s.stream != nil && s.stream.Started() {
		e.applyGainsLocked(s)
		if e.config.RTP.NoXmitOnMute {
			s.stream.SetMuted(mute)
		}
	}
	e.logger.Debug("микрофон", slog.String("session", s.id), slog.Bool("muted", mute))
	return nil
}

// SetMicGain задает усиление микрофона в дБ
func (e *Engine) SetMicGain(db float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkInitialized(); err != nil {
		return err
	}
	e.micGain = db
	if s, ok := e.arbiter.CurrentOwner(); ok && s.stream != nil {
		e.applyGainsLocked(s)
	}
	return nil
}

// SetPlaybackGain задает усиление воспроизведения в дБ
func (e *Engine) SetPlaybackGain(db float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkInitialized(); err != nil {
		return err
	}
	e.playbackGain = db
	if s, ok := e.arbiter.CurrentOwner(); ok && s.stream != nil {
		e.applyGainsLocked(s)
	}
	return nil
}

// Gains возвращает текущие усиления микрофона и воспроизведения
func (e *Engine) Gains() (mic, playback float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.micGain, e.playbackGain
}

func (e *Engine) applyGainsLocked(s *Session) {
	mic := e.micGain
	if s.Muted() {
		mic = transport.MutedGainDB
	}
	s.stream.SetMicGain(mic)
	s.stream.SetPlaybackGain(e.playbackGain)
}

// SendDTMF отправляет DTMF символ в работающий поток сессии
func (e *Engine) SendDTMF(s *Session, digit byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkInitialized(); err != nil {
		return err
	}
	if s == nil || s.State() != StateStreaming {
		return ErrInvalidState
	}
	if err := s.stream.SendTone(digit); err != nil {
		return newError(ErrorCodeTransport, s.id, fmt.Sprintf("отправка DTMF %q", digit), err)
	}
	return nil
}

// IsStreamStarted сообщает, запущен ли поток сессии
func (e *Engine) IsStreamStarted(s *Session) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return s != nil && s.stream != nil && s.stream.Started()
}

// SessionKey возвращает локальный ключ SRTP сессии в base64
func (e *Engine) SessionKey(s *Session) string {
	if s == nil {
		return ""
	}
	return s.Crypto().Key
}

// Codecs возвращает каталог кодеков в порядке регистрации
func (e *Engine) Codecs() []*payload.Descriptor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry.Descriptors()
}

// Codec ищет кодек по номеру. Для динамических номеров требуется совпадение частоты.
func (e *Engine) Codec(number int, clockRate uint32) (*payload.Descriptor, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry.LookupClockRate(number, clockRate)
}

// FindCodec ищет кодек по имени и частоте
func (e *Engine) FindCodec(mime string, clockRate uint32) (*payload.Descriptor, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry.Find(mime, clockRate)
}

// CurrentSession возвращает владельца звукового устройства
func (e *Engine) CurrentSession() *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, _ := e.arbiter.CurrentOwner()
	return s
}

// Session ищет сессию по идентификатору
func (e *Engine) Session(id string) (*Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.get(id)
}

// Sessions возвращает живые сессии в порядке создания
func (e *Engine) Sessions() []*Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.list()
}

func (e *Engine) Name() string {
	return e.config.Name
}

func (e *Engine) Version() string {
	return e.config.Version
}

// State возвращает состояние жизненного цикла движка
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// EchoCancellerState возвращает сохраненное состояние эхоподавителя
func (e *Engine) EchoCancellerState() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ecState
}

// RefreshDevices перечитывает таблицу звуковых устройств.
// Отсутствие устройства не мешает работе, но возвращается как ErrNoDevice.
func (e *Engine) RefreshDevices() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkInitialized(); err != nil {
		return err
	}
	return e.refreshDevices()
}

func (e *Engine) refreshDevices() error {
	e.capture, e.playback = nil, nil
	if e.devices == nil {
		return newError(ErrorCodeResourceUnavailable, "", "менеджер устройств не задан", nil)
	}

	e.capture = e.pickDevice(e.config.Sound.CaptureDevice, sound.Device.CanCapture, e.devices.DefaultCapture)
	e.playback = e.pickDevice(e.config.Sound.PlaybackDevice, sound.Device.CanPlayback, e.devices.DefaultPlayback)

	e.logger.Debug("таблица устройств обновлена",
		slog.Any("capture", e.capture),
		slog.Any("playback", e.playback))

	if e.capture == nil || e.playback == nil {
		return newError(ErrorCodeResourceUnavailable, "", "нет устройства захвата или воспроизведения", nil)
	}
	return nil
}

func (e *Engine) pickDevice(id string, can func(sound.Device) bool, fallback func() (sound.Device, bool)) *sound.Device {
	if id != "" {
		for _, d := range e.devices.Devices() {
			if d.ID == id && can(d) {
				return &d
			}
		}
		e.logger.Warn("устройство из конфигурации не найдено, используется устройство по умолчанию",
			slog.String("device", id))
	}
	if d, ok := fallback(); ok {
		return &d
	}
	return nil
}
