// Package payload ведет каталог кодеков движка и выдает номера RTP payload type.
//
// Номера 0..95 считаются статическими (RFC 3551) и никогда не переназначаются.
// Номера 96..127 динамические: выдаются при первой регистрации кодека и не
// используются повторно, пока на них ссылается каталог.
package payload

import "fmt"

const (
	// Auto запрашивает автоматический выбор номера из динамического диапазона
	Auto = -1

	// DynamicMin первый номер динамического диапазона
	DynamicMin = 96
	// DynamicMax последний номер динамического диапазона
	DynamicMax = 127

	// MaxPayloads количество номеров в RTP профиле
	MaxPayloads = 128
)

// IsDynamic сообщает, относится ли номер к динамическому диапазону по умолчанию (96..127).
// Реестр с другим диапазоном отвечает через Registry.IsDynamic.
func IsDynamic(number int) bool {
	return number >= DynamicMin && number <= DynamicMax
}

// Descriptor описывает кодек: неизменяемую идентичность (mime, clock rate, каналы)
// и назначенный реестром номер.
type Descriptor struct {
	MimeType  string // Имя кодека как в rtpmap (PCMU, speex, telephone-event)
	ClockRate uint32 // Частота дискретизации RTP
	Channels  uint16 // Количество каналов, 0 означает 1
	RecvFmtp  string // Параметры формата для приема (a=fmtp)
	SendFmtp  string // Параметры формата для передачи

	number int
}

// New создает шаблон дескриптора без назначенного номера
func New(mime string, clockRate uint32, channels uint16) Descriptor {
	return Descriptor{MimeType: mime, ClockRate: clockRate, Channels: channels, number: Auto}
}

// Number возвращает назначенный номер или Auto, если номер не назначен
func (d *Descriptor) Number() int {
	return d.number
}

// SameCodec сравнивает идентичность кодеков без учета номера и fmtp
func (d *Descriptor) SameCodec(other *Descriptor) bool {
	if other == nil {
		return false
	}
	return d.MimeType == other.MimeType && d.ClockRate == other.ClockRate && d.channels() == other.channels()
}

// Rtpmap возвращает значение атрибута rtpmap без номера: "PCMU/8000" или "L16/44100/2"
func (d *Descriptor) Rtpmap() string {
	if d.channels() > 1 {
		return fmt.Sprintf("%s/%d/%d", d.MimeType, d.ClockRate, d.Channels)
	}
	return fmt.Sprintf("%s/%d", d.MimeType, d.ClockRate)
}

func (d *Descriptor) String() string {
	return fmt.Sprintf("%s(%d)", d.Rtpmap(), d.number)
}

func (d *Descriptor) channels() uint16 {
	if d.Channels == 0 {
		return 1
	}
	return d.Channels
}

// Renumber возвращает копию дескриптора под другим номером.
// Используется при согласовании, когда удаленная сторона выбрала свой номер.
func (d *Descriptor) Renumber(number int) *Descriptor {
	return d.clone(number)
}

// clone копирует шаблон и назначает номер
func (d Descriptor) clone(number int) *Descriptor {
	c := d
	c.number = number
	return &c
}
