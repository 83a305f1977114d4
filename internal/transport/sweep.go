package transport

import (
	"log/slog"
	"time"

	"github.com/ShoosGun/SNet/internal/protocol"
	"github.com/ShoosGun/SNet/internal/registry"
)

// sweepReport summarizes one sweep pass
type sweepReport struct {
	Probed            int
	TimedOut          []string // connected clients evicted
	HandshakesExpired []string // pending clients evicted
	Retransmitted     int
}

// sweepLoop runs the timeout and retransmission sweep every SweepInterval
func (l *Listener) sweepLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			l.logger.Debug("Sweep loop stopped")
			return
		case <-ticker.C:
			l.sweep(l.now())
			if !l.listening.Load() {
				return
			}
		}
	}
}

// sweep holds exclusive access to every client and the packet table for one
// pass. In order it probes quiet clients, evicts expired ones and resends
// every unacknowledged reliable packet to each recipient still owing an ack.
func (l *Listener) sweep(now time.Time) sweepReport {
	start := time.Now()

	var report sweepReport
	probe := protocol.ConnectionFrame(uint32(l.config.ConnectionTimeout / time.Millisecond)).Encode()
	goodbye := protocol.DisconnectionFrame().Encode()

	l.registry.WithAll(func(t *registry.Table) {
		var expired []*registry.Client

		for _, c := range t.Clients() {
			if !c.Connected {
				if now.Sub(c.CreatedAt) > l.config.HandshakeTimeout {
					expired = append(expired, c)
				}
				continue
			}

			elapsed := now.Sub(c.LastPacketTime)
			switch {
			case elapsed > l.config.ConnectionTimeout:
				expired = append(expired, c)
			case elapsed > l.config.ConnectionTimeout/2:
				l.writeDatagram(probe, protocol.PacketConnection, c.Addr)
				report.Probed++
			}
		}

		for _, c := range expired {
			t.Remove(registry.ByID(c.ID))
			l.writeDatagram(goodbye, protocol.PacketDisconnection, c.Addr)

			if c.Connected {
				report.TimedOut = append(report.TimedOut, c.ID)
			} else {
				report.HandshakesExpired = append(report.HandshakesExpired, c.ID)
			}
		}

		for _, packet := range t.Packets() {
			if packet.Done() {
				t.DropPacket(packet)
				continue
			}

			data := protocol.ReliableFrame(packet.ID, packet.Payload).Encode()
			for _, id := range packet.Remaining() {
				c := t.Client(registry.ByID(id))
				if c == nil {
					continue
				}
				l.writeDatagram(data, protocol.PacketReliableSend, c.Addr)
				l.metrics.RecordRetransmission()
				report.Retransmitted++
			}
		}
	})

	l.retransmissions.Add(uint64(report.Retransmitted))

	// Events fire only after the registry locks are released
	for _, id := range report.HandshakesExpired {
		l.clientGone(id, false, TimedOut)
	}
	for _, id := range report.TimedOut {
		l.clientGone(id, true, TimedOut)
	}
	l.updateGauges()
	l.metrics.RecordSweep(time.Since(start).Seconds())

	if report.Probed > 0 || report.Retransmitted > 0 || len(report.HandshakesExpired) > 0 {
		l.logger.Debug("Sweep completed",
			slog.Int("probed", report.Probed),
			slog.Int("timed_out", len(report.TimedOut)),
			slog.Int("handshakes_expired", len(report.HandshakesExpired)),
			slog.Int("retransmitted", report.Retransmitted),
		)
	}

	return report
}
