package engine

import (
	"github.com/arzzra/media_engine/pkg/media_sdp"
)

// DescribeSession формирует SDP offer для сессии с выделенным потоком.
// В offer входит весь каталог кодеков и ключ SRTP сессии.
func (e *Engine) DescribeSession(s *Session, localAddr string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkInitialized(); err != nil {
		return nil, err
	}
	if s == nil || s.stream == nil {
		return nil, ErrInvalidState
	}

	crypto := s.Crypto()
	config := media_sdp.DefaultOfferConfig()
	config.SessionID = s.id
	config.SessionName = e.config.Name
	config.Host = localAddr
	config.Port = s.LocalPort()
	config.Codecs = e.registry.Descriptors()
	config.Crypto = &crypto

	offer, err := media_sdp.BuildOffer(config)
	if err != nil {
		return nil, newError(ErrorCodePrecondition, s.id, "формирование SDP offer", err)
	}
	raw, err := offer.Marshal()
	if err != nil {
		return nil, newError(ErrorCodePrecondition, s.id, "сериализация SDP offer", err)
	}
	return raw, nil
}

// NegotiateAnswer разбирает SDP answer удаленной стороны в параметры StartStreams
func (e *Engine) NegotiateAnswer(s *Session, answer []byte) (StartRequest, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkInitialized(); err != nil {
		return StartRequest{}, err
	}
	if s == nil {
		return StartRequest{}, ErrInvalidState
	}

	parsed, err := media_sdp.ParseAnswer(answer, e.registry)
	if err != nil {
		return StartRequest{}, newError(ErrorCodePrecondition, s.id, "разбор SDP answer", err)
	}

	req := StartRequest{
		SendCodec:      parsed.SendCodec,
		RecvCodecs:     parsed.Codecs,
		CNAME:          s.id,
		RemoteAddr:     parsed.RemoteAddr,
		RemotePort:     parsed.RemotePort,
		RemoteRTCPPort: parsed.RemoteRTCPPort,
		SendAudio:      parsed.Direction.Sends(),
	}
	if parsed.Crypto != nil {
		req.RemoteKey = parsed.Crypto.Key
	}
	return req, nil
}
