package udpstream

import (
	"time"

	"github.com/pion/rtp"

	"github.com/arzzra/media_engine/pkg/transport"
)

// recvState статистика приема по RFC 3550, приложение A.1 и A.8
type recvState struct {
	initialized bool
	ssrc        uint32
	clockRate   uint32

	baseSeq  uint16
	maxSeq   uint16
	cycles   uint32
	received uint64
	late     uint64

	transit int64
	jitter  float64 // в единицах RTP времени

	expectedPrior uint64
	receivedPrior uint64

	lastSR   uint32 // средние 32 бита NTP времени последнего SR
	lastSRAt time.Time

	toneSeen   bool
	lastToneTS uint32
}

func (r *recvState) update(pkt *rtp.Packet, sinceStart time.Duration, clockRate uint32) {
	seq := pkt.SequenceNumber

	if !r.initialized || r.ssrc != pkt.SSRC {
		*r = recvState{
			initialized: true,
			ssrc:        pkt.SSRC,
			baseSeq:     seq,
			maxSeq:      seq,
			lastSR:      r.lastSR,
			lastSRAt:    r.lastSRAt,
		}
	} else {
		delta := seq - r.maxSeq
		switch {
		case delta == 0:
			r.late++
		case delta < 0x8000:
			if seq < r.maxSeq {
				r.cycles += 1 << 16
			}
			r.maxSeq = seq
		default:
			r.late++
		}
	}
	r.received++
	r.clockRate = clockRate

	arrival := int64(sinceStart.Seconds() * float64(clockRate))
	transit := arrival - int64(pkt.Timestamp)
	if r.received > 1 {
		d := transit - r.transit
		if d < 0 {
			d = -d
		}
		r.jitter += (float64(d) - r.jitter) / 16
	}
	r.transit = transit
}

func (r *recvState) extendedMax() uint32 {
	return r.cycles | uint32(r.maxSeq)
}

func (r *recvState) expected() uint64 {
	if !r.initialized {
		return 0
	}
	return uint64(r.extendedMax()) - uint64(r.baseSeq) + 1
}

func (r *recvState) lost() uint64 {
	expected := r.expected()
	if r.received >= expected {
		return 0
	}
	return expected - r.received
}

func (r *recvState) quality() transport.Quality {
	var q transport.Quality
	if expected := r.expected(); expected > 0 {
		q.LossRate = float64(r.lost()) / float64(expected) * 100
	}
	if r.received > 0 {
		q.LateRate = float64(r.late) / float64(r.received) * 100
	}
	return q
}

func (r *recvState) jitterStats(bufferMs int) transport.JitterStats {
	stats := transport.JitterStats{
		PacketsLate:   r.late,
		PacketsLost:   r.lost(),
		PacketsRecv:   r.received,
		CurrentSizeMs: bufferMs,
	}
	if r.clockRate > 0 {
		stats.Jitter = r.jitter / float64(r.clockRate) * 1000
	}
	return stats
}

// fractionLost доля потерь с предыдущего отчета в формате RTCP (x/256)
func (r *recvState) fractionLost() uint8 {
	expected := r.expected()
	expectedInterval := expected - r.expectedPrior
	receivedInterval := r.received - r.receivedPrior
	r.expectedPrior = expected
	r.receivedPrior = r.received

	if expectedInterval == 0 || receivedInterval >= expectedInterval {
		return 0
	}
	fraction := ((expectedInterval - receivedInterval) << 8) / expectedInterval
	if fraction > 255 {
		fraction = 255
	}
	return uint8(fraction)
}
