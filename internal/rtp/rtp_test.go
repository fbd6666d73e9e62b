package rtp

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketRoundTrip(t *testing.T) {
	pkt := NewPacket(PayloadTypeH264, 65535, 123456, 0xdeadbeef, true, []byte{0x65, 1, 2, 3})
	data := pkt.Marshal()
	require.Len(t, data, HeaderSize+4)
	assert.Equal(t, byte(0x80), data[0])
	assert.Equal(t, byte(0x80|96), data[1])

	var got Packet
	require.NoError(t, got.Unmarshal(data))
	assert.Equal(t, pkt.Header, got.Header)
	assert.Equal(t, pkt.Payload, got.Payload)
}

func TestPacketUnmarshalRejectsShortAndBadVersion(t *testing.T) {
	var p Packet
	assert.Error(t, p.Unmarshal([]byte{0x80, 96}))

	data := NewPacket(96, 1, 1, 1, false, nil).Marshal()
	data[0] = 0x40
	assert.Error(t, p.Unmarshal(data))
}

func TestSplitterAcrossChunks(t *testing.T) {
	stream := []byte{
		0xff, 0xee, // garbage before the first start code
		0, 0, 0, 1, 0x67, 0x42, 0x00,
		0, 0, 0, 1, 0x68, 0xce,
		0, 0, 1, 0x65, 0x88, 0x84,
		0, 0, 0, 1, 0x41, 0x9a,
	}

	var s Splitter
	var units [][]byte
	// feed one byte at a time so every start code straddles a chunk boundary
	for _, b := range stream {
		units = append(units, s.Push([]byte{b})...)
	}
	require.Len(t, units, 3)
	assert.Equal(t, []byte{0x67, 0x42}, units[0], "trailing zero belongs to the next start code")
	assert.Equal(t, []byte{0x68, 0xce}, units[1])
	assert.Equal(t, []byte{0x65, 0x88, 0x84}, units[2])

	assert.Equal(t, []byte{0x41, 0x9a}, s.Flush())
	assert.Nil(t, s.Flush())
}

func TestSplitterSingleChunk(t *testing.T) {
	var s Splitter
	units := s.Push([]byte{0, 0, 0, 1, 0x09, 0xf0, 0, 0, 0, 1, 0x67, 0x01, 0, 0, 0, 1})
	require.Len(t, units, 2)
	assert.Equal(t, uint8(NALTypeAUD), NALType(units[0]))
	assert.Equal(t, uint8(NALTypeSPS), NALType(units[1]))
	assert.Nil(t, s.Flush(), "empty unit after the final start code")
}

type receiver struct {
	t    *testing.T
	conn net.PacketConn
}

func newReceiver(t *testing.T) *receiver {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &receiver{t: t, conn: conn}
}

func (r *receiver) next(timeout time.Duration) (*Packet, bool) {
	buf := make([]byte, 2048)
	require.NoError(r.t, r.conn.SetReadDeadline(time.Now().Add(timeout)))
	n, _, err := r.conn.ReadFrom(buf)
	if err != nil {
		return nil, false
	}
	var p Packet
	require.NoError(r.t, p.Unmarshal(buf[:n]))
	return &p, true
}

func newSender(t *testing.T) net.PacketConn {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestSequenceWrapsWithoutGap(t *testing.T) {
	p := NewPacketizer(10)
	rx := newReceiver(t)
	p.AddSession(Target{ID: "a", Conn: newSender(t), Addr: rx.conn.LocalAddr(), SSRC: 42, Seq: 65534})

	for i := 0; i < 4; i++ {
		p.WriteUnit([]byte{0x41, 0x80, byte(i)})
	}

	var seqs []uint16
	for i := 0; i < 4; i++ {
		pkt, ok := rx.next(time.Second)
		require.True(t, ok)
		assert.Equal(t, uint32(42), pkt.Header.SSRC)
		assert.True(t, pkt.Header.Marker)
		assert.Equal(t, uint8(PayloadTypeH264), pkt.Header.PayloadType)
		seqs = append(seqs, pkt.Header.SequenceNumber)
	}
	assert.Equal(t, []uint16{65534, 65535, 0, 1}, seqs)
}

func TestTimestampAdvancesPerPicture(t *testing.T) {
	p := NewPacketizer(10)
	rx := newReceiver(t)
	p.AddSession(Target{ID: "a", Conn: newSender(t), Addr: rx.conn.LocalAddr(), Timestamp: 1000})

	p.WriteUnit([]byte{0x65, 0x80, 0x01}) // picture 0
	p.WriteUnit([]byte{0x41, 0x80, 0x02}) // picture 1
	p.WriteUnit([]byte{0x41, 0x40, 0x03}) // second slice of picture 1

	var ts []uint32
	for i := 0; i < 3; i++ {
		pkt, ok := rx.next(time.Second)
		require.True(t, ok)
		ts = append(ts, pkt.Header.Timestamp)
	}
	assert.Equal(t, []uint32{1000, 10000, 10000}, ts)
}

func TestParameterSetsReplayedToNewSession(t *testing.T) {
	p := NewPacketizer(10)
	sps := []byte{0x67, 0x42, 0x00, 0x1f}
	pps := []byte{0x68, 0xce, 0x3c, 0x80}
	p.WriteUnit(sps)
	p.WriteUnit(pps)
	p.WriteUnit([]byte{0x65, 0x80})

	rx := newReceiver(t)
	p.AddSession(Target{ID: "late", Conn: newSender(t), Addr: rx.conn.LocalAddr(), Seq: 7})
	p.WriteUnit([]byte{0x41, 0x80})

	var payloads [][]byte
	for i := 0; i < 3; i++ {
		pkt, ok := rx.next(time.Second)
		require.True(t, ok)
		assert.Equal(t, uint16(7+i), pkt.Header.SequenceNumber)
		payloads = append(payloads, pkt.Payload)
	}
	assert.Equal(t, [][]byte{sps, pps, {0x41, 0x80}}, payloads)
}

func TestLargeUnitIsFragmented(t *testing.T) {
	p := NewPacketizer(10)
	rx := newReceiver(t)
	p.AddSession(Target{ID: "a", Conn: newSender(t), Addr: rx.conn.LocalAddr()})

	unit := make([]byte, 3000)
	unit[0] = 0x65
	for i := 1; i < len(unit); i++ {
		unit[i] = byte(i)
	}
	p.WriteUnit(unit)

	rebuilt := []byte{}
	for {
		pkt, ok := rx.next(time.Second)
		require.True(t, ok)
		require.LessOrEqual(t, len(pkt.Payload)+HeaderSize, MaxPacketSize)
		require.Equal(t, uint8(NALTypeFUA), pkt.Payload[0]&0x1F)
		fu := pkt.Payload[1]
		if fu&0x80 != 0 {
			rebuilt = append(rebuilt, pkt.Payload[0]&0xE0|fu&0x1F)
		}
		rebuilt = append(rebuilt, pkt.Payload[2:]...)
		if fu&0x40 != 0 {
			assert.True(t, pkt.Header.Marker)
			break
		}
		assert.False(t, pkt.Header.Marker)
	}
	assert.Equal(t, unit, rebuilt)
}

func TestRemovedSessionReceivesNothing(t *testing.T) {
	p := NewPacketizer(10)
	rx := newReceiver(t)
	p.AddSession(Target{ID: "a", Conn: newSender(t), Addr: rx.conn.LocalAddr()})

	p.WriteUnit([]byte{0x41, 0x80})
	_, ok := rx.next(time.Second)
	require.True(t, ok)

	p.RemoveSession("a")
	p.RemoveSession("a")
	assert.Zero(t, p.SessionCount())

	p.WriteUnit([]byte{0x41, 0x80})
	_, ok = rx.next(200 * time.Millisecond)
	assert.False(t, ok)
}

func TestSendFailureDropsOnlyThatSession(t *testing.T) {
	p := NewPacketizer(10)
	good := newReceiver(t)
	p.AddSession(Target{ID: "good", Conn: newSender(t), Addr: good.conn.LocalAddr()})

	broken, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, broken.Close())
	p.AddSession(Target{ID: "broken", Conn: broken, Addr: good.conn.LocalAddr()})

	p.WriteUnit([]byte{0x41, 0x80})
	assert.Equal(t, 1, p.SessionCount())

	_, ok := good.next(time.Second)
	assert.True(t, ok)
	p.WriteUnit([]byte{0x41, 0x80})
	_, ok = good.next(time.Second)
	assert.True(t, ok)
}

func TestWriteSplitsAnnexBStream(t *testing.T) {
	p := NewPacketizer(10)
	rx := newReceiver(t)
	p.AddSession(Target{ID: "a", Conn: newSender(t), Addr: rx.conn.LocalAddr()})

	n, err := p.Write([]byte{0, 0, 0, 1, 0x41, 0x80, 0, 0, 0, 1, 0x41, 0x80, 0x05})
	require.NoError(t, err)
	assert.Equal(t, 13, n)

	pkt, ok := rx.next(time.Second)
	require.True(t, ok)
	assert.Equal(t, []byte{0x41, 0x80}, pkt.Payload)
	_, ok = rx.next(100 * time.Millisecond)
	assert.False(t, ok, "last unit waits for the next start code")
}
