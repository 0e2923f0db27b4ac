package media_sdp

import (
	"net"
	"strconv"
	"time"

	"github.com/pion/sdp/v3"

	"github.com/arzzra/media_engine/pkg/payload"
	"github.com/arzzra/media_engine/pkg/srtpkey"
)

// OfferConfig параметры SDP offer медиа сессии
type OfferConfig struct {
	SessionID   string
	SessionName string
	Username    string

	// Host адрес для c= и o=, Port локальный RTP порт
	Host string
	Port int

	Codecs    []*payload.Descriptor
	Ptime     time.Duration
	Direction Direction

	// Crypto ключевой материал, nil или набор без аутентификации дает RTP/AVP без crypto
	Crypto *srtpkey.Material

	// Version версия описания для o=, 0 означает текущее время
	Version uint64
}

// DefaultOfferConfig возвращает конфигурацию по умолчанию
func DefaultOfferConfig() OfferConfig {
	return OfferConfig{
		SessionName: "media_engine",
		Username:    "-",
		Ptime:       20 * time.Millisecond,
		Direction:   DirectionSendRecv,
	}
}

// Validate проверяет конфигурацию
func (c *OfferConfig) Validate() error {
	if net.ParseIP(c.Host) == nil {
		return NewSDPErrorWithSession(ErrorCodeInvalidConfig, c.SessionID, "некорректный адрес: %q", c.Host)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return NewSDPErrorWithSession(ErrorCodeInvalidConfig, c.SessionID, "некорректный порт: %d", c.Port)
	}
	if len(c.Codecs) == 0 {
		return NewSDPErrorWithSession(ErrorCodeInvalidConfig, c.SessionID, "список кодеков пуст")
	}
	return nil
}

func (c *OfferConfig) secure() bool {
	return c.Crypto != nil && c.Crypto.Key != "" && c.Crypto.Suite != srtpkey.SuiteAES128NoAuth
}

// BuildOffer формирует SDP offer с одним аудио описанием
func BuildOffer(config OfferConfig) (*sdp.SessionDescription, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	addressType := "IP4"
	if ip := net.ParseIP(config.Host); ip.To4() == nil {
		addressType = "IP6"
	}
	version := config.Version
	if version == 0 {
		version = uint64(time.Now().Unix())
	}
	username := config.Username
	if username == "" {
		username = "-"
	}

	offer := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       username,
			SessionID:      version,
			SessionVersion: version,
			NetworkType:    "IN",
			AddressType:    addressType,
			UnicastAddress: config.Host,
		},
		SessionName: sdp.SessionName(config.SessionName),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addressType,
			Address:     &sdp.Address{Address: config.Host},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}

	protos := []string{"RTP", "AVP"}
	if config.secure() {
		protos = []string{"RTP", "SAVP"}
	}

	mediaDesc := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  "audio",
			Port:   sdp.RangedPort{Value: config.Port},
			Protos: protos,
		},
	}

	seen := make(map[int]bool, len(config.Codecs))
	for _, codec := range config.Codecs {
		number := codec.Number()
		if number < 0 || seen[number] {
			continue
		}
		seen[number] = true
		mediaDesc.MediaName.Formats = append(mediaDesc.MediaName.Formats, strconv.Itoa(number))
		mediaDesc.Attributes = append(mediaDesc.Attributes,
			sdp.NewAttribute("rtpmap", strconv.Itoa(number)+" "+codec.Rtpmap()))
		if codec.RecvFmtp != "" {
			mediaDesc.Attributes = append(mediaDesc.Attributes,
				sdp.NewAttribute("fmtp", strconv.Itoa(number)+" "+codec.RecvFmtp))
		}
	}

	if config.Ptime > 0 {
		mediaDesc.Attributes = append(mediaDesc.Attributes,
			sdp.NewAttribute("ptime", strconv.Itoa(int(config.Ptime/time.Millisecond))))
	}
	mediaDesc.Attributes = append(mediaDesc.Attributes, sdp.NewPropertyAttribute(config.Direction.String()))

	if config.secure() {
		attr := CryptoAttribute{Tag: config.Crypto.Tag, Suite: config.Crypto.Suite, Key: config.Crypto.Key}
		mediaDesc.Attributes = append(mediaDesc.Attributes, sdp.NewAttribute("crypto", attr.String()))
	}

	offer.MediaDescriptions = []*sdp.MediaDescription{mediaDesc}
	return offer, nil
}
