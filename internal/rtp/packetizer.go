package rtp

import (
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
)

// Target is a session registered for delivery. Seq and Timestamp are the
// session's random starting values.
type Target struct {
	ID        string
	Conn      net.PacketConn
	Addr      net.Addr
	SSRC      uint32
	Seq       uint16
	Timestamp uint32
}

type session struct {
	target Target
	seq    uint16
	joined uint32 // picture counter when the session was added
	primed bool   // parameter sets already delivered
}

type datagram struct {
	id   string
	conn net.PacketConn
	addr net.Addr
	data []byte
}

// Packetizer frames H.264 NAL units as RTP packets for every registered
// session. Packets are built under the lock and sent after it is released.
type Packetizer struct {
	logger *slog.Logger
	tick   uint32

	writeMu  sync.Mutex // single producer path: splitter and send order
	splitter Splitter
	prevVCL  bool

	mu       sync.Mutex
	sessions map[string]*session
	sps      []byte
	pps      []byte
	picture  uint32

	packetsSent atomic.Uint64
}

// NewPacketizer creates a packetizer whose timestamps advance 90000/fps per picture
func NewPacketizer(fps int) *Packetizer {
	if fps <= 0 {
		fps = 1
	}
	return &Packetizer{
		logger:   slog.With("component", "RTPPacketizer"),
		tick:     uint32(ClockRate / fps),
		sessions: make(map[string]*session),
	}
}

// AddSession starts delivery to t. Cached parameter sets are sent ahead of its first unit.
func (p *Packetizer) AddSession(t Target) {
	p.mu.Lock()
	p.sessions[t.ID] = &session{target: t, seq: t.Seq, joined: p.picture}
	n := len(p.sessions)
	p.mu.Unlock()

	p.logger.Info("rtp session added", "session", t.ID, "addr", t.Addr, "ssrc", t.SSRC, "sessions", n)
}

// RemoveSession stops delivery to a session; unknown ids are ignored.
// Once it returns no further packet is built for the session.
func (p *Packetizer) RemoveSession(id string) {
	p.mu.Lock()
	_, ok := p.sessions[id]
	delete(p.sessions, id)
	n := len(p.sessions)
	p.mu.Unlock()

	if ok {
		p.logger.Info("rtp session removed", "session", id, "sessions", n)
	}
}

// SessionCount returns the number of registered sessions
func (p *Packetizer) SessionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Position returns the sequence number of the next packet for a session and
// the timestamp of the current picture. ok is false for unknown ids.
func (p *Packetizer) Position(id string) (seq uint16, timestamp uint32, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[id]
	if !ok {
		return 0, 0, false
	}
	return s.seq, s.target.Timestamp + (p.picture-s.joined)*p.tick, true
}

// PacketsSent returns the total number of datagrams sent
func (p *Packetizer) PacketsSent() uint64 {
	return p.packetsSent.Load()
}

// Write consumes an Annex B byte stream, implementing io.Writer for an encoder pipe
func (p *Packetizer) Write(b []byte) (int, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	for _, unit := range p.splitter.Push(b) {
		p.writeUnit(unit)
	}
	return len(b), nil
}

// WriteUnit sends one NAL unit, without start code, to every session
func (p *Packetizer) WriteUnit(unit []byte) {
	if len(unit) == 0 {
		return
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.writeUnit(unit)
}

func (p *Packetizer) writeUnit(unit []byte) {
	nalType := NALType(unit)
	vcl := IsVCL(unit)

	p.mu.Lock()
	if p.prevVCL && (startsPicture(unit) || nalType == NALTypeAUD || nalType == NALTypeSPS ||
		nalType == NALTypePPS || nalType == NALTypeSEI) {
		p.picture++
	}
	p.prevVCL = vcl

	switch nalType {
	case NALTypeSPS:
		p.sps = append(p.sps[:0], unit...)
	case NALTypePPS:
		p.pps = append(p.pps[:0], unit...)
	}

	var out []datagram
	for id, s := range p.sessions {
		if !s.primed {
			if nalType != NALTypeSPS && p.sps != nil && p.pps != nil {
				out = p.appendUnit(out, id, s, p.sps)
				out = p.appendUnit(out, id, s, p.pps)
			}
			s.primed = true
		}
		out = p.appendUnit(out, id, s, unit)
	}
	p.mu.Unlock()

	p.send(out)
}

// appendUnit packs unit for one session, fragmenting it (FU-A) when it does
// not fit a single datagram. The last packet of every unit carries the marker.
func (p *Packetizer) appendUnit(out []datagram, id string, s *session, unit []byte) []datagram {
	ts := s.target.Timestamp + (p.picture-s.joined)*p.tick
	maxPayload := MaxPacketSize - HeaderSize

	if len(unit) <= maxPayload {
		return append(out, p.datagram(id, s, ts, true, unit))
	}

	indicator := unit[0]&0xE0 | NALTypeFUA
	nalType := unit[0] & 0x1F
	rest := unit[1:]
	first := true
	for len(rest) > 0 {
		n := min(len(rest), maxPayload-2)
		fuHeader := nalType
		if first {
			fuHeader |= 0x80
		}
		last := n == len(rest)
		if last {
			fuHeader |= 0x40
		}
		payload := make([]byte, 0, n+2)
		payload = append(payload, indicator, fuHeader)
		payload = append(payload, rest[:n]...)
		out = append(out, p.datagram(id, s, ts, last, payload))
		rest = rest[n:]
		first = false
	}
	return out
}

func (p *Packetizer) datagram(id string, s *session, ts uint32, marker bool, payload []byte) datagram {
	pkt := NewPacket(PayloadTypeH264, s.seq, ts, s.target.SSRC, marker, payload)
	s.seq++
	return datagram{id: id, conn: s.target.Conn, addr: s.target.Addr, data: pkt.Marshal()}
}

// send delivers datagrams in order; a failed session is dropped and its
// remaining datagrams skipped
func (p *Packetizer) send(out []datagram) {
	var failed map[string]bool
	for _, d := range out {
		if failed[d.id] {
			continue
		}
		if _, err := d.conn.WriteTo(d.data, d.addr); err != nil {
			if failed == nil {
				failed = make(map[string]bool)
			}
			failed[d.id] = true
			p.logger.Warn("rtp send failed, dropping session", "session", d.id, "error", err)
			p.RemoveSession(d.id)
			continue
		}
		p.packetsSent.Add(1)
	}
}
