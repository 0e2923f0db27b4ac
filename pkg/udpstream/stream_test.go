package udpstream

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/media_engine/pkg/payload"
	"github.com/arzzra/media_engine/pkg/rtpstack"
	"github.com/arzzra/media_engine/pkg/srtpkey"
	"github.com/arzzra/media_engine/pkg/transport"
)

type peer struct {
	engine *Engine
	stack  *rtpstack.Stack
	sink   *recordingSink
	stream *Stream
	queue  transport.EventQueue
}

// recordingSink считает обновления RTT поверх стека
type recordingSink struct {
	*rtpstack.Stack
	rttReports atomic.Int64
}

func (r *recordingSink) ReportRoundTrip(streamID string, rtt float64) {
	r.rttReports.Add(1)
	r.Stack.ReportRoundTrip(streamID, rtt)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.LocalHost = "127.0.0.1"
	cfg.RTCPInterval = 20 * time.Millisecond
	cfg.ToneDuration = 60 * time.Millisecond
	return cfg
}

func testProfile() *payload.Profile {
	p := payload.NewProfile("test")
	pcmu := payload.New("PCMU", 8000, 1)
	te := payload.New("telephone-event", 8000, 1)
	p.Set(0, &pcmu)
	p.Set(101, &te)
	return p
}

func newPeer(t *testing.T, opts ...Option) *peer {
	t.Helper()

	stack, err := rtpstack.New(rtpstack.DefaultConfig(), nil)
	require.NoError(t, err)
	sink := &recordingSink{Stack: stack}
	engine, err := New(testConfig(), sink, opts...)
	require.NoError(t, err)

	st, err := engine.createStream(0)
	require.NoError(t, err)
	t.Cleanup(func() {
		select {
		case <-st.Stop():
		case <-time.After(2 * time.Second):
			t.Error("поток не остановился")
		}
	})

	q, err := stack.SubscribeEvents(st)
	require.NoError(t, err)
	return &peer{engine: engine, stack: stack, sink: sink, stream: st, queue: q}
}

func connect(t *testing.T, a, b *peer) {
	t.Helper()
	for _, pair := range [][2]*peer{{a, b}, {b, a}} {
		err := pair[0].stream.Start(transport.StartParams{
			Profile:        testProfile(),
			RemoteAddr:     "127.0.0.1",
			RemoteRTPPort:  pair[1].stream.LocalPort(),
			RemoteRTCPPort: pair[1].stream.RTCPPort(),
			PayloadNumber:  0,
			JitterMs:       60,
			CNAME:          "test@" + pair[0].stream.ID(),
		})
		require.NoError(t, err)
	}
}

// waitEvent крутит Iterate обоих концов до появления события нужного типа у p
func waitEvent(t *testing.T, p, other *peer, kind transport.EventKind) transport.Event {
	t.Helper()
	var found transport.Event
	require.Eventually(t, func() bool {
		other.stream.Iterate()
		p.stream.Iterate()
		for {
			ev, ok := p.queue.Poll()
			if !ok {
				return false
			}
			if ev.Kind == kind {
				found = ev
				return true
			}
		}
	}, 3*time.Second, 5*time.Millisecond)
	return found
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"host", func(c *Config) { c.LocalHost = "localhost" }},
		{"buffer", func(c *Config) { c.ReadBufferSize = 4 }},
		{"inbox", func(c *Config) { c.InboxSize = 0 }},
		{"iterate", func(c *Config) { c.MaxPacketsPerIterate = 0 }},
		{"rtcp", func(c *Config) { c.RTCPInterval = 0 }},
		{"tone", func(c *Config) { c.ToneDuration = time.Millisecond }},
		{"pending", func(c *Config) { c.PendingLimit = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestToneRoundTrip(t *testing.T) {
	a, b := newPeer(t), newPeer(t)
	connect(t, a, b)

	require.NoError(t, a.stream.SendTone('5'))
	ev := waitEvent(t, b, a, transport.EventTelephoneEvent)
	assert.Equal(t, byte('5'), ev.Tone)

	require.NoError(t, a.stream.SendTone('#'))
	ev = waitEvent(t, b, a, transport.EventTelephoneEvent)
	assert.Equal(t, byte('#'), ev.Tone)

	assert.True(t, b.stream.IsAlive(time.Second))
	assert.Zero(t, b.stream.Quality().LossRate)
}

func TestSendToneErrors(t *testing.T) {
	a, b := newPeer(t), newPeer(t)

	assert.ErrorIs(t, a.stream.SendTone('1'), ErrNotStarted)
	connect(t, a, b)

	assert.ErrorIs(t, a.stream.SendTone('x'), ErrInvalidDigit)

	a.stream.SetMuted(true)
	assert.ErrorIs(t, a.stream.SendTone('1'), ErrMuted)
	a.stream.SetMuted(false)
	assert.NoError(t, a.stream.SendTone('1'))
}

func TestRTCPExchangeAndRoundTrip(t *testing.T) {
	a, b := newPeer(t), newPeer(t)
	connect(t, a, b)

	// Отправка тона делает a отправителем: его SR дает b значение LSR
	require.NoError(t, a.stream.SendTone('1'))

	emitted := waitEvent(t, a, b, transport.EventRTCPEmitted)
	packets, err := rtcp.Unmarshal(emitted.Packet)
	require.NoError(t, err)
	require.NotEmpty(t, packets)
	_, isSR := packets[0].(*rtcp.SenderReport)
	assert.True(t, isSR)

	received := waitEvent(t, b, a, transport.EventRTCPReceived)
	cname, err := rtcp.CompoundPacket(mustUnmarshal(t, received.Packet)).CNAME()
	require.NoError(t, err)
	assert.Equal(t, "test@"+a.stream.ID(), cname)

	// RR от b ссылается на SR от a, после чего a вычисляет RTT
	require.Eventually(t, func() bool {
		a.stream.Iterate()
		b.stream.Iterate()
		return a.sink.rttReports.Load() > 0
	}, 3*time.Second, 5*time.Millisecond)
	rtt := a.stack.RoundTripTime(a.stream)
	assert.GreaterOrEqual(t, rtt, 0.0)
	assert.Less(t, rtt, 1.0)
}

func mustUnmarshal(t *testing.T, raw []byte) []rtcp.Packet {
	t.Helper()
	packets, err := rtcp.Unmarshal(raw)
	require.NoError(t, err)
	return packets
}

func TestEncryptedExchange(t *testing.T) {
	a, b := newPeer(t), newPeer(t)
	connect(t, a, b)

	prov := srtpkey.NewProvisioner(nil)
	keyA, err := prov.GenerateKey(srtpkey.DefaultKeyLength)
	require.NoError(t, err)
	keyB, err := prov.GenerateKey(srtpkey.DefaultKeyLength)
	require.NoError(t, err)

	require.NoError(t, a.stream.EnableEncryption(srtpkey.SuiteAES128SHA1_80, keyA, keyB))
	require.NoError(t, b.stream.EnableEncryption(srtpkey.SuiteAES128SHA1_80, keyB, keyA))

	ev := waitEvent(t, a, b, transport.EventEncryptionChanged)
	assert.True(t, ev.Encrypted)

	require.NoError(t, a.stream.SendTone('9'))
	ev = waitEvent(t, b, a, transport.EventTelephoneEvent)
	assert.Equal(t, byte('9'), ev.Tone)
}

func TestEnableEncryptionErrors(t *testing.T) {
	a := newPeer(t)

	err := a.stream.EnableEncryption(srtpkey.SuiteAES128NoAuth, "", "")
	assert.ErrorIs(t, err, srtpkey.ErrUnsupportedSuite)

	err = a.stream.EnableEncryption(srtpkey.SuiteAES128SHA1_80, "AAAA", "AAAA")
	assert.ErrorIs(t, err, srtpkey.ErrKeyLength)
}

func TestSkipEvents(t *testing.T) {
	a := newPeer(t)
	prov := srtpkey.NewProvisioner(nil)
	key, err := prov.GenerateKey(srtpkey.DefaultKeyLength)
	require.NoError(t, err)

	require.NoError(t, a.stream.EnableEncryption(srtpkey.SuiteAES128SHA1_80, key, key))
	assert.Equal(t, 1, a.engine.Pending())

	a.engine.SkipEvents(a.stream)
	assert.Zero(t, a.engine.Pending())
}

func TestStopClosesChannel(t *testing.T) {
	reg := prometheus.NewRegistry()
	stack, err := rtpstack.New(rtpstack.DefaultConfig(), nil)
	require.NoError(t, err)
	engine, err := New(testConfig(), stack, WithRegisterer(reg))
	require.NoError(t, err)

	st, err := engine.CreateStream(0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(engine.metrics.streamsActive))

	done := st.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("канал остановки не закрыт")
	}

	// Повторный Stop возвращает тот же закрытый канал
	<-st.Stop()
	assert.Equal(t, 0.0, testutil.ToFloat64(engine.metrics.streamsActive))
	assert.False(t, st.Started())
	assert.ErrorIs(t, st.Start(transport.StartParams{Profile: testProfile()}), ErrStopped)
}

func TestApplyDSPAndEchoState(t *testing.T) {
	a := newPeer(t)

	err := a.stream.ApplyDSP(transport.DSPConfig{
		EchoCanceller: transport.EchoCanceller{
			Enabled: true, TailMs: 60, FrameSize: 128, State: "tail=60;delay=0;frame=128;frames=42",
		},
		DSCP: transport.DefaultDSCP,
	})
	require.NoError(t, err)

	state, ok := a.stream.PersistEchoCancellerState()
	require.True(t, ok)
	assert.Equal(t, "tail=60;delay=0;frame=128;frames=42", state)

	require.NoError(t, a.stream.ApplyDSP(transport.DSPConfig{}))
	_, ok = a.stream.PersistEchoCancellerState()
	assert.False(t, ok)
}

// manualClock часы, которые двигает тест; читаются из горутин чтения сокетов
type manualClock struct {
	ns atomic.Int64
}

func newManualClock() *manualClock {
	c := &manualClock{}
	c.ns.Store(time.Now().UnixNano())
	return c
}

func (c *manualClock) Now() time.Time {
	return time.Unix(0, c.ns.Load())
}

func (c *manualClock) Advance(d time.Duration) {
	c.ns.Add(int64(d))
}

func TestIsAliveTimeout(t *testing.T) {
	clock := newManualClock()
	a, b := newPeer(t, WithClock(clock.Now)), newPeer(t)
	connect(t, a, b)

	assert.True(t, a.stream.IsAlive(time.Second))
	clock.Advance(2 * time.Second)
	assert.False(t, a.stream.IsAlive(time.Second))
}

func TestIsAliveOnRTCPOnly(t *testing.T) {
	clock := newManualClock()
	a, b := newPeer(t, WithClock(clock.Now)), newPeer(t)
	connect(t, a, b)

	// Аудио RTP нет, поток поддерживают только отчеты b
	clock.Advance(2 * time.Second)
	waitEvent(t, a, b, transport.EventRTCPReceived)
	assert.True(t, a.stream.IsAlive(time.Second), "RTCP считается активностью")

	clock.Advance(2 * time.Second)
	assert.False(t, a.stream.IsAlive(time.Second))
}

func TestSenderReportUsesCodecClockRate(t *testing.T) {
	clock := newManualClock()
	a, b := newPeer(t, WithClock(clock.Now)), newPeer(t)

	profile := payload.NewProfile("wideband")
	speex := payload.New("speex", 16000, 1)
	te := payload.New("telephone-event", 8000, 1)
	profile.Set(96, &speex)
	profile.Set(101, &te)

	require.NoError(t, a.stream.Start(transport.StartParams{
		Profile:        profile,
		RemoteAddr:     "127.0.0.1",
		RemoteRTPPort:  b.stream.LocalPort(),
		RemoteRTCPPort: b.stream.RTCPPort(),
		PayloadNumber:  96,
		JitterMs:       60,
		CNAME:          "wideband@" + a.stream.ID(),
	}))
	require.NoError(t, a.stream.SendTone('5'))

	a.stream.mu.Lock()
	base := a.stream.tsBase
	a.stream.mu.Unlock()

	clock.Advance(time.Second)
	emitted := waitEvent(t, a, b, transport.EventRTCPEmitted)
	packets := mustUnmarshal(t, emitted.Packet)
	require.NotEmpty(t, packets)
	sr, ok := packets[0].(*rtcp.SenderReport)
	require.True(t, ok)
	assert.Equal(t, base+16000, sr.RTPTime, "секунда при 16 кГц")
}

func TestRecvStateLossAndLate(t *testing.T) {
	var r recvState
	for _, seq := range []uint16{100, 101, 103, 104, 102} {
		r.update(&rtp.Packet{Header: rtp.Header{SequenceNumber: seq, SSRC: 1}}, 0, 8000)
	}

	assert.Equal(t, uint64(5), r.expected())
	assert.Zero(t, r.lost())
	assert.Equal(t, uint64(1), r.late)

	r.update(&rtp.Packet{Header: rtp.Header{SequenceNumber: 110, SSRC: 1}}, 0, 8000)
	assert.Equal(t, uint64(5), r.lost())
	q := r.quality()
	assert.InDelta(t, 5.0/11*100, q.LossRate, 1e-9)

	// Переход через 65535
	var w recvState
	for _, seq := range []uint16{65534, 65535, 0, 1} {
		w.update(&rtp.Packet{Header: rtp.Header{SequenceNumber: seq, SSRC: 2}}, 0, 8000)
	}
	assert.Equal(t, uint64(4), w.expected())
	assert.Equal(t, uint32(1<<16|1), w.extendedMax())
}

func TestToneCodes(t *testing.T) {
	for _, digit := range []byte("0123456789*#ABCD") {
		code, ok := toneCode(digit)
		require.True(t, ok)
		assert.Equal(t, digit, toneDigit(code))
	}
	_, ok := toneCode('E')
	assert.False(t, ok)
}
