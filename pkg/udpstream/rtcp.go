package udpstream

import (
	"log/slog"
	"time"

	"github.com/pion/rtcp"

	"github.com/arzzra/media_engine/pkg/transport"
)

// ntpEpochOffset секунды между 1900 и 1970 годом
const ntpEpochOffset = 2208988800

func ntpTime(t time.Time) uint64 {
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := (uint64(t.Nanosecond()) << 32) / 1e9
	return secs<<32 | frac
}

// compactNTP средние 32 бита NTP времени (LSR/DLSR формат)
func compactNTP(t time.Time) uint32 {
	return uint32(ntpTime(t) >> 16)
}

func (s *Stream) handleRTCP(p inbound) {
	data := p.data
	if s.remoteCtx != nil {
		decrypted, err := s.remoteCtx.DecryptRTCP(nil, data, nil)
		if err != nil {
			s.engine.metrics.packetsDropped.WithLabelValues("srtcp").Inc()
			return
		}
		data = decrypted
	}

	packets, err := rtcp.Unmarshal(data)
	if err != nil {
		s.engine.metrics.packetsDropped.WithLabelValues("malformed").Inc()
		return
	}
	s.engine.metrics.rtcpPackets.WithLabelValues("in").Inc()
	s.lastActivity = p.at

	for _, pkt := range packets {
		switch pkt := pkt.(type) {
		case *rtcp.SenderReport:
			s.recv.lastSR = uint32(pkt.NTPTime >> 16)
			s.recv.lastSRAt = p.at
			s.updateRoundTrip(pkt.Reports, p.at)
		case *rtcp.ReceiverReport:
			s.updateRoundTrip(pkt.Reports, p.at)
		case *rtcp.Goodbye:
			s.engine.logger.Debug("получен RTCP BYE", slog.String("stream", s.id))
		}
	}

	s.engine.publish(s.id, transport.Event{Kind: transport.EventRTCPReceived, Packet: data})
}

// updateRoundTrip вычисляет RTT по RFC 3550, 6.4.1: A - LSR - DLSR
func (s *Stream) updateRoundTrip(reports []rtcp.ReceptionReport, at time.Time) {
	for _, r := range reports {
		if r.SSRC != s.ssrc || r.LastSenderReport == 0 {
			continue
		}
		rtt := int32(compactNTP(at) - r.LastSenderReport - r.Delay)
		if rtt < 0 {
			continue
		}
		s.rtt = float64(rtt) / 65536
		s.rttUpdated = true
	}
}

// emitReport отправляет составной RTCP пакет: SR или RR и SDES с CNAME
func (s *Stream) emitReport(now time.Time) {
	var reports []rtcp.ReceptionReport
	if s.recv.initialized {
		report := rtcp.ReceptionReport{
			SSRC:               s.recv.ssrc,
			FractionLost:       s.recv.fractionLost(),
			TotalLost:          uint32(min(s.recv.lost(), 0xFFFFFF)),
			LastSequenceNumber: s.recv.extendedMax(),
			Jitter:             uint32(s.recv.jitter),
			LastSenderReport:   s.recv.lastSR,
		}
		if s.recv.lastSR != 0 {
			report.Delay = uint32(now.Sub(s.recv.lastSRAt).Seconds() * 65536)
		}
		reports = append(reports, report)
	}

	var packets []rtcp.Packet
	if s.packetsSent > 0 {
		packets = append(packets, &rtcp.SenderReport{
			SSRC:        s.ssrc,
			NTPTime:     ntpTime(now),
			RTPTime:     s.timestamp(now, s.clockRate(s.params.PayloadNumber)),
			PacketCount: s.packetsSent,
			OctetCount:  s.octetsSent,
			Reports:     reports,
		})
	} else {
		packets = append(packets, &rtcp.ReceiverReport{SSRC: s.ssrc, Reports: reports})
	}
	packets = append(packets, rtcp.NewCNAMESourceDescription(s.ssrc, s.params.CNAME))

	raw, err := rtcp.Marshal(packets)
	if err != nil {
		s.engine.logger.Warn("ошибка сериализации RTCP", slog.String("stream", s.id), slog.String("error", err.Error()))
		return
	}
	s.lastRTCPSent = now

	out := raw
	if s.localCtx != nil {
		out, err = s.localCtx.EncryptRTCP(nil, raw, nil)
		if err != nil {
			s.engine.logger.Warn("ошибка шифрования RTCP", slog.String("stream", s.id), slog.String("error", err.Error()))
			return
		}
	}

	if _, err := s.rtcpConn.WriteToUDP(out, s.remoteRTCP); err != nil {
		s.engine.logger.Debug("ошибка отправки RTCP", slog.String("stream", s.id), slog.String("error", err.Error()))
		return
	}
	s.engine.metrics.rtcpPackets.WithLabelValues("out").Inc()
	s.engine.publish(s.id, transport.Event{Kind: transport.EventRTCPEmitted, Packet: raw})
}
