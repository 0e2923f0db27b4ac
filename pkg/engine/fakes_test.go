package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/arzzra/media_engine/pkg/srtpkey"
	"github.com/arzzra/media_engine/pkg/transport"
)

// mockStream поток транспорта с записью вызовов
type mockStream struct {
	id        string
	localPort int

	mutex sync.Mutex

	dsp      transport.DSPConfig
	params   transport.StartParams
	started  bool
	stopped  bool
	muted    bool
	micGain  float64
	playGain float64
	tones    []byte

	iterations int
	alive      bool
	quality    transport.Quality
	ecState    string

	encSuite  srtpkey.Suite
	encLocal  string
	encRemote string

	// Контроль ошибок
	shouldFailStart   bool
	shouldFailEncrypt bool
	shouldFailTone    bool
	// Stop не завершается
	hangStop bool

	// Вызывается на каждой итерации
	onIterate func()

	done chan struct{}
}

func newMockStream(id string, port int) *mockStream {
	return &mockStream{id: id, localPort: port, alive: true, done: make(chan struct{})}
}

func (m *mockStream) ID() string { return m.id }

func (m *mockStream) LocalPort() int { return m.localPort }

func (m *mockStream) ApplyDSP(cfg transport.DSPConfig) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.dsp = cfg
	return nil
}

func (m *mockStream) Start(params transport.StartParams) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.shouldFailStart {
		return fmt.Errorf("mock: принудительная ошибка запуска")
	}
	m.params = params
	m.started = true
	return nil
}

func (m *mockStream) Stop() <-chan struct{} {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if !m.stopped {
		m.stopped = true
		m.started = false
		if !m.hangStop {
			close(m.done)
		}
	}
	return m.done
}

func (m *mockStream) SetMuted(muted bool) {
	m.mutex.Lock()
	m.muted = muted
	m.mutex.Unlock()
}

func (m *mockStream) SetMicGain(db float64) {
	m.mutex.Lock()
	m.micGain = db
	m.mutex.Unlock()
}

func (m *mockStream) SetPlaybackGain(db float64) {
	m.mutex.Lock()
	m.playGain = db
	m.mutex.Unlock()
}

func (m *mockStream) SendTone(digit byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.shouldFailTone {
		return fmt.Errorf("mock: ошибка отправки тона")
	}
	m.tones = append(m.tones, digit)
	return nil
}

func (m *mockStream) IsAlive(time.Duration) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.alive
}

func (m *mockStream) Iterate() {
	m.mutex.Lock()
	m.iterations++
	hook := m.onIterate
	m.mutex.Unlock()
	if hook != nil {
		hook()
	}
}

func (m *mockStream) PersistEchoCancellerState() (string, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.ecState, m.ecState != ""
}

func (m *mockStream) EnableEncryption(suite srtpkey.Suite, localKey, remoteKey string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.shouldFailEncrypt {
		return fmt.Errorf("mock: ошибка включения шифрования")
	}
	m.encSuite, m.encLocal, m.encRemote = suite, localKey, remoteKey
	return nil
}

func (m *mockStream) Started() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.started
}

func (m *mockStream) Quality() transport.Quality {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.quality
}

func (m *mockStream) setAlive(alive bool) {
	m.mutex.Lock()
	m.alive = alive
	m.mutex.Unlock()
}

func (m *mockStream) isStopped() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.stopped
}

// mockAudioEngine выдает mockStream и запоминает их
type mockAudioEngine struct {
	mutex   sync.Mutex
	streams []*mockStream
	skipped []string

	shouldFailCreate bool
	// Настройка потока перед выдачей
	prepare func(*mockStream)
}

func (a *mockAudioEngine) CreateStream(localPort int) (transport.Stream, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if a.shouldFailCreate {
		return nil, fmt.Errorf("mock: порт %d занят", localPort)
	}
	s := newMockStream(fmt.Sprintf("stream-%d", len(a.streams)+1), localPort)
	if a.prepare != nil {
		a.prepare(s)
	}
	a.streams = append(a.streams, s)
	return s, nil
}

func (a *mockAudioEngine) SkipEvents(s transport.Stream) {
	a.mutex.Lock()
	a.skipped = append(a.skipped, s.ID())
	a.mutex.Unlock()
}

func (a *mockAudioEngine) created() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return len(a.streams)
}

func (a *mockAudioEngine) last() *mockStream {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if len(a.streams) == 0 {
		return nil
	}
	return a.streams[len(a.streams)-1]
}

// failingReader всегда возвращает ошибку
type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, fmt.Errorf("mock: источник случайных чисел недоступен")
}
