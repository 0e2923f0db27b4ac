package udpstream

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/pion/rtp"

	"github.com/arzzra/media_engine/pkg/transport"
)

const (
	toneVolume     = 10 // -10 dBm0
	tonePacketTime = 20 * time.Millisecond
	toneEndRepeats = 3 // RFC 4733, 2.5.1.4
)

// toneCode переводит символ DTMF в код события RFC 4733
func toneCode(digit byte) (byte, bool) {
	switch {
	case digit >= '0' && digit <= '9':
		return digit - '0', true
	case digit == '*':
		return 10, true
	case digit == '#':
		return 11, true
	case digit >= 'A' && digit <= 'D':
		return 12 + digit - 'A', true
	case digit >= 'a' && digit <= 'd':
		return 12 + digit - 'a', true
	}
	return 0, false
}

// toneDigit обратное преобразование кода события
func toneDigit(code byte) byte {
	switch {
	case code <= 9:
		return '0' + code
	case code == 10:
		return '*'
	case code == 11:
		return '#'
	case code <= 15:
		return 'A' + code - 12
	}
	return 0
}

// SendTone отправляет DTMF событие пакетами RFC 4733
func (s *Stream) SendTone(digit byte) error {
	code, ok := toneCode(digit)
	if !ok {
		return fmt.Errorf("%q: %w", digit, ErrInvalidDigit)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return ErrNotStarted
	}
	if s.muted {
		return ErrMuted
	}
	if s.tonePT < 0 {
		return ErrNoTelephoneEvent
	}

	clockRate := s.clockRate(s.tonePT)
	step := uint32(tonePacketTime.Seconds() * float64(clockRate))
	total := uint32(s.engine.config.ToneDuration.Seconds() * float64(clockRate))
	ts := s.timestamp(s.engine.now(), clockRate)

	send := func(duration uint32, end, marker bool) error {
		flags := byte(toneVolume)
		if end {
			flags |= 0x80
		}
		s.seq++
		return s.writeRTP(&rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         marker,
				PayloadType:    uint8(s.tonePT),
				SequenceNumber: s.seq,
				Timestamp:      ts,
				SSRC:           s.ssrc,
			},
			Payload: []byte{code, flags, byte(duration >> 8), byte(duration)},
		})
	}

	first := true
	for d := step; d < total; d += step {
		if err := send(d, false, first); err != nil {
			return err
		}
		first = false
	}
	for i := 0; i < toneEndRepeats; i++ {
		if err := send(total, true, first); err != nil {
			return err
		}
		first = false
	}

	s.engine.metrics.tonesSent.Inc()
	return nil
}

// handleTone публикует событие по первому пакету с битом конца
func (s *Stream) handleTone(pkt *rtp.Packet) {
	if len(pkt.Payload) < 4 {
		return
	}
	end := pkt.Payload[1]&0x80 != 0
	if !end {
		return
	}
	if s.recv.toneSeen && s.recv.lastToneTS == pkt.Timestamp {
		return
	}
	s.recv.toneSeen = true
	s.recv.lastToneTS = pkt.Timestamp

	digit := toneDigit(pkt.Payload[0])
	s.engine.logger.Debug("принят DTMF", slog.String("stream", s.id), slog.String("digit", string(digit)))
	s.engine.publish(s.id, transport.Event{Kind: transport.EventTelephoneEvent, Tone: digit})
}
