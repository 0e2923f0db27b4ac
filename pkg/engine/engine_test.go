package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/media_engine/pkg/payload"
	"github.com/arzzra/media_engine/pkg/rtpstack"
	"github.com/arzzra/media_engine/pkg/sound"
	"github.com/arzzra/media_engine/pkg/srtpkey"
	"github.com/arzzra/media_engine/pkg/transport"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	engine *Engine
	audio  *mockAudioEngine
	stack  *rtpstack.Stack
	clock  *fakeClock
	config *Config
}

type fixtureOptions struct {
	mutate  func(*Config)
	devices sound.DeviceManager
	noDev   bool
	failRNG bool
	opts    []Option
}

func defaultDevices(t *testing.T) sound.DeviceManager {
	t.Helper()
	devices, err := sound.NewStaticDeviceManager(
		sound.Device{ID: "hw:0", Name: "Встроенный", Caps: sound.CapabilityCapture | sound.CapabilityPlayback},
		sound.Device{ID: "hw:1", Name: "Гарнитура", Caps: sound.CapabilityCapture | sound.CapabilityPlayback},
	)
	require.NoError(t, err)
	return devices
}

func newFixture(t *testing.T, fo fixtureOptions) *fixture {
	t.Helper()

	cfg := DefaultConfig()
	cfg.RTP.NoRTPTimeout = 0
	if fo.mutate != nil {
		fo.mutate(cfg)
	}

	stack, err := rtpstack.New(rtpstack.DefaultConfig(), nil)
	require.NoError(t, err)

	deps := Dependencies{
		Audio: &mockAudioEngine{},
		RTP:   stack,
	}
	if !fo.noDev {
		deps.Devices = fo.devices
		if deps.Devices == nil {
			deps.Devices = defaultDevices(t)
		}
	}
	if fo.failRNG {
		deps.Random = failingReader{}
	}

	clock := newFakeClock()
	opts := append([]Option{
		WithClock(clock.Now),
		WithRegisterer(prometheus.NewRegistry()),
	}, fo.opts...)

	e, err := New(cfg, deps, opts...)
	require.NoError(t, err)

	return &fixture{
		engine: e,
		audio:  deps.Audio.(*mockAudioEngine),
		stack:  stack,
		clock:  clock,
		config: cfg,
	}
}

// streaming создает сессию с запущенными потоками
func (f *fixture) streaming(t *testing.T, port int) (*Session, *mockStream) {
	t.Helper()
	s, err := f.engine.CreateSession()
	require.NoError(t, err)
	require.NoError(t, f.engine.InitStreams(s, port))
	require.NoError(t, f.engine.StartStreams(s, f.request(t)))
	require.Equal(t, StateStreaming, s.State())
	return s, f.audio.last()
}

func (f *fixture) request(t *testing.T) StartRequest {
	t.Helper()
	pcmu, ok := f.engine.Codec(0, 8000)
	require.True(t, ok)
	dtmf, ok := f.engine.Codec(101, 8000)
	require.True(t, ok)
	return StartRequest{
		SendCodec:  pcmu,
		RecvCodecs: []*payload.Descriptor{pcmu, dtmf},
		CNAME:      "alice@example.com",
		RemoteAddr: "192.0.2.10",
		RemotePort: 40000,
		SendAudio:  true,
	}
}

func TestNewEngine(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	e := f.engine

	assert.Equal(t, StateInitialized, e.State())
	assert.Equal(t, "media_engine", e.Name())
	assert.Equal(t, "1.0.0", e.Version())

	codec, ok := e.Codec(96, 8000)
	require.True(t, ok)
	assert.Equal(t, "1015", codec.MimeType)

	codec, ok = e.FindCodec("pcmu", 8000)
	require.True(t, ok)
	assert.Equal(t, 0, codec.Number())

	// Статические номера дополнены эталонным профилем
	codec, ok = e.Codec(4, 8000)
	require.True(t, ok)
	assert.Equal(t, "G723", codec.MimeType)

	assert.Greater(t, len(e.Codecs()), len(payload.DefaultCatalogue()))
	assert.Nil(t, e.CurrentSession())
}

func TestNewEngineErrors(t *testing.T) {
	stack, err := rtpstack.New(rtpstack.DefaultConfig(), nil)
	require.NoError(t, err)

	t.Run("нет зависимостей", func(t *testing.T) {
		_, err := New(DefaultConfig(), Dependencies{RTP: stack})
		assert.Error(t, err)
	})

	t.Run("некорректная конфигурация", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.MaxSessions = 0
		_, err := New(cfg, Dependencies{Audio: &mockAudioEngine{}, RTP: stack})
		assert.Error(t, err)
	})

	t.Run("исчерпание динамических номеров", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.DynamicMin = 120
		cfg.DynamicMax = 121
		_, err := New(cfg, Dependencies{Audio: &mockAudioEngine{}, RTP: stack},
			WithRegisterer(prometheus.NewRegistry()))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrRegistryExhausted)
		assert.ErrorIs(t, err, payload.ErrRegistryExhausted)
	})
}

func TestCreateSessionCapacity(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	for i := 0; i < 8; i++ {
		_, err := f.engine.CreateSession()
		require.NoError(t, err, "сессия %d", i+1)
	}

	owner := f.engine.CurrentSession()
	preemptions := testutil.ToFloat64(f.engine.metrics.preemptions)

	_, err := f.engine.CreateSession()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCapacity)
	assert.Len(t, f.engine.Sessions(), 8)
	assert.Same(t, owner, f.engine.CurrentSession(), "отказ не передает устройство")
	assert.Equal(t, preemptions, testutil.ToFloat64(f.engine.metrics.preemptions))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.engine.metrics.capacityRejections))
	assert.Equal(t, 8.0, testutil.ToFloat64(f.engine.metrics.sessionsActive))

	// После удаления место освобождается
	require.NoError(t, f.engine.DeleteSession(f.engine.Sessions()[0]))
	_, err = f.engine.CreateSession()
	assert.NoError(t, err)
}

func TestCreateSessionProvisionsKey(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	a, err := f.engine.CreateSession()
	require.NoError(t, err)
	b, err := f.engine.CreateSession()
	require.NoError(t, err)

	for _, s := range []*Session{a, b} {
		crypto := s.Crypto()
		assert.Equal(t, srtpkey.DefaultTag, crypto.Tag)
		assert.Equal(t, srtpkey.SuiteAES128SHA1_80, crypto.Suite)
		assert.Len(t, crypto.Key, 40)
		assert.Equal(t, crypto.Key, f.engine.SessionKey(s))
	}
	assert.NotEqual(t, a.Crypto().Key, b.Crypto().Key)
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Same(t, b, f.engine.CurrentSession())
	assert.Equal(t, StateIdle, a.State())
}

func TestCreateSessionCryptoFailure(t *testing.T) {
	f := newFixture(t, fixtureOptions{failRNG: true})

	s, err := f.engine.CreateSession()
	require.NoError(t, err)

	crypto := s.Crypto()
	assert.Equal(t, srtpkey.SuiteAES128NoAuth, crypto.Suite)
	assert.Empty(t, crypto.Key)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.engine.metrics.cryptoFailures))
}

func TestPreemptionOnCreate(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	a, streamA := f.streaming(t, 7000)
	b, err := f.engine.CreateSession()
	require.NoError(t, err)

	assert.Equal(t, StateIdle, a.State())
	assert.True(t, streamA.isStopped())
	assert.Nil(t, a.Profile())
	assert.Same(t, b, f.engine.CurrentSession())
	assert.False(t, f.stack.Subscribed(streamA.ID()))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.engine.metrics.preemptions))
}

func TestPreemptionOnStart(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	a, err := f.engine.CreateSession()
	require.NoError(t, err)
	require.NoError(t, f.engine.InitStreams(a, 7000))

	b, streamB := f.streaming(t, 7002)
	require.Same(t, b, f.engine.CurrentSession())

	// a возвращает себе устройство, b полностью останавливается
	require.NoError(t, f.engine.StartStreams(a, f.request(t)))
	assert.Same(t, a, f.engine.CurrentSession())
	assert.Equal(t, StateIdle, b.State())
	assert.True(t, streamB.isStopped())
	assert.Equal(t, StateStreaming, a.State())
	assert.NotNil(t, f.audio.streams[0].params.Capture)
}

func TestDeleteSession(t *testing.T) {
	t.Run("работающая сессия", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{})
		s, stream := f.streaming(t, 7000)
		profile := s.Profile()
		require.NotZero(t, profile.Len())

		require.NoError(t, f.engine.DeleteSession(s))

		assert.Zero(t, profile.Len())
		assert.Nil(t, s.Profile())
		assert.True(t, stream.isStopped())
		assert.Contains(t, f.audio.skipped, stream.ID())
		assert.False(t, f.stack.Subscribed(stream.ID()))
		assert.Empty(t, f.engine.Sessions())
		assert.Nil(t, f.engine.CurrentSession())
		assert.Equal(t, StateIdle, s.State())
	})

	t.Run("выделенный, но не запущенный поток", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{})
		s, err := f.engine.CreateSession()
		require.NoError(t, err)
		require.NoError(t, f.engine.InitStreams(s, 7000))
		stream := f.audio.last()

		require.NoError(t, f.engine.DeleteSession(s))
		assert.True(t, stream.isStopped())
		assert.False(t, f.stack.Subscribed(stream.ID()))
	})

	t.Run("повторное удаление", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{})
		s, err := f.engine.CreateSession()
		require.NoError(t, err)

		require.NoError(t, f.engine.DeleteSession(s))
		err = f.engine.DeleteSession(s)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, f.engine.DeleteSession(nil), ErrInvalidState)
	})

	t.Run("удаление не владельца не трогает текущую сессию", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{})
		a, err := f.engine.CreateSession()
		require.NoError(t, err)
		b, err := f.engine.CreateSession()
		require.NoError(t, err)

		require.NoError(t, f.engine.DeleteSession(a))
		assert.Same(t, b, f.engine.CurrentSession())
	})
}

func TestShutdown(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	_, streamA := f.streaming(t, 7000)

	b, err := f.engine.CreateSession()
	require.NoError(t, err)
	require.NoError(t, f.engine.InitStreams(b, 7002))
	streamB := f.audio.last()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.engine.Shutdown(ctx))

	assert.True(t, streamA.isStopped())
	assert.True(t, streamB.isStopped())
	assert.Equal(t, StateUninitialized, f.engine.State())
	assert.Empty(t, f.engine.Sessions())
	assert.Empty(t, f.engine.Codecs())

	_, err = f.engine.CreateSession()
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.ErrorIs(t, f.engine.Drain(true), ErrNotInitialized)
	assert.ErrorIs(t, f.engine.Shutdown(ctx), ErrNotInitialized)
}

func TestShutdownDeadline(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.audio.prepare = func(s *mockStream) { s.hangStop = true }
	f.streaming(t, 7000)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := f.engine.Shutdown(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, StateUninitialized, f.engine.State())
}

func TestMuteMicrophone(t *testing.T) {
	tests := []struct {
		name         string
		noXmitOnMute bool
	}{
		{"только усиление", false},
		{"с отключением передачи", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, fixtureOptions{mutate: func(c *Config) { c.RTP.NoXmitOnMute = tt.noXmitOnMute }})
			s, stream := f.streaming(t, 7000)
			assert.Equal(t, 1.0, stream.micGain)

			require.NoError(t, f.engine.MuteMicrophone(true))
			assert.True(t, s.Muted())
			assert.Equal(t, transport.MutedGainDB, stream.micGain)
			assert.Equal(t, tt.noXmitOnMute, stream.muted)

			require.NoError(t, f.engine.MuteMicrophone(false))
			assert.Equal(t, 1.0, stream.micGain)
			assert.False(t, stream.muted)
		})
	}

	t.Run("нет текущей сессии", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{})
		assert.ErrorIs(t, f.engine.MuteMicrophone(true), ErrInvalidState)
	})

	t.Run("до запуска потоков", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{})
		s, err := f.engine.CreateSession()
		require.NoError(t, err)
		require.NoError(t, f.engine.MuteMicrophone(true))
		require.NoError(t, f.engine.InitStreams(s, 7000))
		require.NoError(t, f.engine.StartStreams(s, f.request(t)))
		assert.Equal(t, transport.MutedGainDB, f.audio.last().micGain)
	})
}

func TestGains(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	_, stream := f.streaming(t, 7000)

	require.NoError(t, f.engine.SetMicGain(6))
	require.NoError(t, f.engine.SetPlaybackGain(-3))

	mic, playback := f.engine.Gains()
	assert.Equal(t, 6.0, mic)
	assert.Equal(t, -3.0, playback)
	assert.Equal(t, 6.0, stream.micGain)
	assert.Equal(t, -3.0, stream.playGain)
	assert.Equal(t, 1.0, f.config.Sound.MicGainDB, "конфигурация не изменяется")
}

func TestSendDTMF(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	s, stream := f.streaming(t, 7000)

	require.NoError(t, f.engine.SendDTMF(s, '5'))
	require.NoError(t, f.engine.SendDTMF(s, '#'))
	assert.Equal(t, []byte("5#"), stream.tones)

	stream.shouldFailTone = true
	assert.ErrorIs(t, f.engine.SendDTMF(s, '1'), ErrTransport)

	require.NoError(t, f.engine.StopStreams(s))
	assert.ErrorIs(t, f.engine.SendDTMF(s, '1'), ErrInvalidState)
}

func TestRefreshDevices(t *testing.T) {
	t.Run("без менеджера устройств", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{noDev: true})
		assert.ErrorIs(t, f.engine.RefreshDevices(), ErrNoDevice)

		// Звук идет без устройства
		_, stream := f.streaming(t, 7000)
		assert.Nil(t, stream.params.Capture)
		assert.Nil(t, stream.params.Playback)
	})

	t.Run("устройство из конфигурации", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{mutate: func(c *Config) { c.Sound.CaptureDevice = "hw:1" }})
		_, stream := f.streaming(t, 7000)
		require.NotNil(t, stream.params.Capture)
		assert.Equal(t, "hw:1", stream.params.Capture.ID)
		assert.Equal(t, "hw:0", stream.params.Playback.ID)
	})

	t.Run("появление устройства", func(t *testing.T) {
		devices, err := sound.NewStaticDeviceManager()
		require.NoError(t, err)
		f := newFixture(t, fixtureOptions{devices: devices})
		assert.ErrorIs(t, f.engine.RefreshDevices(), ErrNoDevice)

		require.NoError(t, devices.Add(sound.Device{ID: "usb", Caps: sound.CapabilityCapture | sound.CapabilityPlayback}))
		assert.NoError(t, f.engine.RefreshDevices())
	})
}

func TestSessionUserData(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	s, err := f.engine.CreateSession()
	require.NoError(t, err)

	assert.Nil(t, s.UserData())
	s.SetUserData("call-42")
	assert.Equal(t, "call-42", s.UserData())

	found, ok := f.engine.Session(s.ID())
	require.True(t, ok)
	assert.Same(t, s, found)
	assert.Equal(t, f.clock.Now(), s.CreatedAt())
}
