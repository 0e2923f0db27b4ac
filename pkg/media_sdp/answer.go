package media_sdp

import (
	"strconv"
	"strings"
	"time"

	"github.com/pion/sdp/v3"

	"github.com/arzzra/media_engine/pkg/payload"
)

// CodecResolver ищет кодек в каталоге движка. *payload.Registry реализует интерфейс.
type CodecResolver interface {
	Lookup(number int) (*payload.Descriptor, bool)
	Find(mime string, clockRate uint32) (*payload.Descriptor, bool)
	// IsDynamic сообщает, требует ли номер rtpmap в динамическом диапазоне каталога
	IsDynamic(number int) bool
}

// Answer результат разбора SDP answer
type Answer struct {
	RemoteAddr     string
	RemotePort     int
	RemoteRTCPPort int // из a=rtcp, 0 если атрибута нет

	// Codecs согласованные кодеки в порядке m= строки с номерами удаленной стороны
	Codecs []*payload.Descriptor
	// SendCodec первый кодек, не являющийся telephone-event
	SendCodec *payload.Descriptor

	// Direction направление с нашей стороны
	Direction Direction
	Ptime     time.Duration

	Crypto *CryptoAttribute
}

// ParseAnswer разбирает SDP answer и сопоставляет кодеки с каталогом
func ParseAnswer(raw []byte, resolver CodecResolver) (*Answer, error) {
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(raw); err != nil {
		return nil, WrapSDPError(ErrorCodeSDPParsing, "", err, "не удалось разобрать SDP")
	}

	// Ищем аудио медиа описание
	var audioMedia *sdp.MediaDescription
	for _, media := range desc.MediaDescriptions {
		if media.MediaName.Media == "audio" {
			audioMedia = media
			break
		}
	}
	if audioMedia == nil {
		return nil, NewSDPError(ErrorCodeSDPParsing, "аудио медиа описание не найдено")
	}

	answer := &Answer{
		RemotePort: audioMedia.MediaName.Port.Value,
		Direction:  DirectionSendRecv,
		Ptime:      20 * time.Millisecond,
	}

	// Сначала connection на уровне медиа, затем на уровне сессии
	conn := audioMedia.ConnectionInformation
	if conn == nil {
		conn = desc.ConnectionInformation
	}
	if conn == nil || conn.Address == nil || conn.Address.Address == "" {
		return nil, NewSDPError(ErrorCodeSDPParsing, "информация о соединении не найдена")
	}
	answer.RemoteAddr = conn.Address.Address

	rtpmaps := make(map[int]string)
	fmtps := make(map[int]string)
	for _, attr := range audioMedia.Attributes {
		switch attr.Key {
		case "rtpmap", "fmtp":
			number, value, ok := splitFormatAttribute(attr.Value)
			if !ok {
				continue
			}
			if attr.Key == "rtpmap" {
				rtpmaps[number] = value
			} else {
				fmtps[number] = value
			}
		case "rtcp":
			port, _, _ := strings.Cut(attr.Value, " ")
			if p, err := strconv.Atoi(port); err == nil {
				answer.RemoteRTCPPort = p
			}
		case "ptime":
			if ms, err := strconv.Atoi(attr.Value); err == nil && ms > 0 {
				answer.Ptime = time.Duration(ms) * time.Millisecond
			}
		case "sendrecv":
			answer.Direction = DirectionSendRecv
		case "sendonly":
			answer.Direction = DirectionRecvOnly
		case "recvonly":
			answer.Direction = DirectionSendOnly
		case "inactive":
			answer.Direction = DirectionInactive
		case "crypto":
			if answer.Crypto != nil {
				continue
			}
			c, err := ParseCryptoAttribute(attr.Value)
			if err != nil {
				return nil, err
			}
			answer.Crypto = &c
		}
	}

	for _, format := range audioMedia.MediaName.Formats {
		number, err := strconv.Atoi(format)
		if err != nil {
			continue
		}
		codec, ok := resolveCodec(number, rtpmaps[number], resolver)
		if !ok {
			continue
		}
		if fmtp, ok := fmtps[number]; ok {
			codec = codec.Renumber(number)
			codec.SendFmtp = fmtp
		}
		answer.Codecs = append(answer.Codecs, codec)
		if answer.SendCodec == nil && !strings.EqualFold(codec.MimeType, "telephone-event") {
			answer.SendCodec = codec
		}
	}

	if answer.SendCodec == nil {
		return nil, NewSDPError(ErrorCodeIncompatibleCodec,
			"не найден совместимый кодек среди предложенных: %v", audioMedia.MediaName.Formats)
	}
	return answer, nil
}

// resolveCodec сопоставляет формат m= строки с каталогом.
// Без rtpmap используется статический номер.
func resolveCodec(number int, rtpmap string, resolver CodecResolver) (*payload.Descriptor, bool) {
	if rtpmap == "" {
		if resolver.IsDynamic(number) {
			return nil, false
		}
		return resolver.Lookup(number)
	}

	parts := strings.Split(rtpmap, "/")
	if len(parts) < 2 {
		return nil, false
	}
	clockRate, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return nil, false
	}
	codec, ok := resolver.Find(parts[0], uint32(clockRate))
	if !ok {
		return nil, false
	}
	if codec.Number() != number {
		codec = codec.Renumber(number)
	}
	return codec, true
}

// splitFormatAttribute разделяет "96 speex/16000" на номер и значение
func splitFormatAttribute(value string) (int, string, bool) {
	num, rest, ok := strings.Cut(value, " ")
	if !ok {
		return 0, "", false
	}
	number, err := strconv.Atoi(num)
	if err != nil {
		return 0, "", false
	}
	return number, strings.TrimSpace(rest), true
}
