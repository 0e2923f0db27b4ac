package payload

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrRegistryExhausted возвращается, когда в динамическом диапазоне не осталось свободных номеров.
// Каталог кодеков фиксируется при старте, поэтому ошибка фатальна для инициализации.
var ErrRegistryExhausted = errors.New("payload: нет свободных динамических номеров")

// ErrInvalidNumber возвращается при запросе номера вне 0..127
var ErrInvalidNumber = errors.New("payload: номер вне диапазона 0..127")

// Registry - каталог кодеков движка.
// Registry не синхронизирован: вызывающая сторона держит глобальную блокировку движка.
type Registry struct {
	catalogue      []*Descriptor
	defaultProfile *Profile
	dynMin         int
	dynMax         int
	cursor         int
	logger         *slog.Logger
}

// NewRegistry создает пустой реестр с динамическим диапазоном [dynMin, dynMax]
func NewRegistry(dynMin, dynMax int, logger *slog.Logger) (*Registry, error) {
	if dynMin < 0 || dynMax >= MaxPayloads || dynMin > dynMax {
		return nil, fmt.Errorf("некорректный динамический диапазон %d..%d", dynMin, dynMax)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		defaultProfile: NewProfile("default profile"),
		dynMin:         dynMin,
		dynMax:         dynMax,
		cursor:         dynMin,
		logger:         logger.With(slog.String("component", "payload_registry")),
	}, nil
}

// Register добавляет копию шаблона в каталог под номером number.
// Auto выбирает первый свободный номер начиная с курсора динамического диапазона.
// Явный номер используется как есть, даже если он совпадает со стандартным.
func (r *Registry) Register(template Descriptor, number int, recvFmtp string) (*Descriptor, error) {
	if number == Auto {
		n, err := r.nextFree()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", template.Rtpmap(), err)
		}
		number = n
	} else if number < 0 || number >= MaxPayloads {
		return nil, fmt.Errorf("%s/%d: %w", template.Rtpmap(), number, ErrInvalidNumber)
	}

	d := template.clone(number)
	if recvFmtp != "" {
		d.RecvFmtp = recvFmtp
	}

	r.logger.Debug("назначен номер payload type",
		slog.String("codec", d.Rtpmap()),
		slog.Int("number", number))

	r.defaultProfile.Set(number, d)
	r.catalogue = append(r.catalogue, d)
	return d, nil
}

// RegisterAll регистрирует набор записей по порядку
func (r *Registry) RegisterAll(entries []Registration) error {
	for _, e := range entries {
		if _, err := r.Register(e.Codec, e.Number, e.RecvFmtp); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) nextFree() (int, error) {
	for i := r.cursor; i <= r.dynMax; i++ {
		if !r.assigned(i) {
			r.cursor = i + 1
			return i, nil
		}
	}
	return Auto, ErrRegistryExhausted
}

func (r *Registry) assigned(number int) bool {
	for _, d := range r.catalogue {
		if d.number == number {
			return true
		}
	}
	return false
}

// Lookup ищет дескриптор по номеру.
// Для динамических номеров возвращается первая запись; используйте LookupClockRate.
func (r *Registry) Lookup(number int) (*Descriptor, bool) {
	for _, d := range r.catalogue {
		if d.number == number {
			return d, true
		}
	}
	return nil, false
}

// LookupClockRate ищет дескриптор по номеру с учетом clock rate.
// Динамические номера неоднозначны между кодеками, поэтому для них clock rate обязателен;
// статические номера сопоставляются только по номеру.
func (r *Registry) LookupClockRate(number int, clockRate uint32) (*Descriptor, bool) {
	if !r.IsDynamic(number) {
		return r.Lookup(number)
	}
	for _, d := range r.catalogue {
		if d.number == number && d.ClockRate == clockRate {
			return d, true
		}
	}
	return nil, false
}

// Find ищет кодек по имени (без учета регистра) и clock rate
func (r *Registry) Find(mime string, clockRate uint32) (*Descriptor, bool) {
	for _, d := range r.catalogue {
		if equalFold(d.MimeType, mime) && d.ClockRate == clockRate {
			return d, true
		}
	}
	return nil, false
}

// ReconcileStatic проходит эталонный профиль и регистрирует каждый стандартный кодек,
// который не занимает в каталоге свой канонический слот.
func (r *Registry) ReconcileStatic(reference *Profile) error {
	for _, number := range reference.Numbers() {
		std := reference.Get(number)
		if r.holds(std, number) {
			continue
		}
		if _, err := r.Register(*std, number, std.RecvFmtp); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) holds(codec *Descriptor, number int) bool {
	for _, d := range r.catalogue {
		if d.number == number && d.SameCodec(codec) {
			return true
		}
	}
	return false
}

// Descriptors возвращает каталог в порядке регистрации
func (r *Registry) Descriptors() []*Descriptor {
	out := make([]*Descriptor, len(r.catalogue))
	copy(out, r.catalogue)
	return out
}

// DefaultProfile возвращает профиль по умолчанию
func (r *Registry) DefaultProfile() *Profile {
	return r.defaultProfile
}

// Cursor возвращает следующий номер, с которого начнется поиск свободного динамического
func (r *Registry) Cursor() int {
	return r.cursor
}

// ReleaseAll очищает каталог и профиль по умолчанию
func (r *Registry) ReleaseAll() {
	r.defaultProfile.Clear()
	r.catalogue = nil
	r.cursor = r.dynMin
}

// IsDynamic сообщает, относится ли номер к динамическому диапазону реестра
func (r *Registry) IsDynamic(number int) bool {
	return number >= r.dynMin && number <= r.dynMax
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
