package rtp

import (
	"encoding/binary"
	"fmt"
)

// Header is the fixed RTP header (RFC 3550, no CSRC list or extension)
type Header struct {
	Version        uint8
	Padding        bool
	Extension      bool
	CSRCCount      uint8
	Marker         bool
	PayloadType    uint8
	SequenceNumber uint16
	Timestamp      uint32
	SSRC           uint32
}

// Packet is a header plus raw payload
type Packet struct {
	Header  Header
	Payload []byte
}

const (
	HeaderSize = 12
	// MaxPacketSize keeps datagrams under a typical Ethernet MTU
	MaxPacketSize = 1400
	// PayloadTypeH264 is the dynamic payload type advertised in the SDP
	PayloadTypeH264 = 96
	// ClockRate is the RTP video clock in Hz
	ClockRate = 90000
)

// NewPacket creates a version 2 packet
func NewPacket(payloadType uint8, seq uint16, timestamp, ssrc uint32, marker bool, payload []byte) *Packet {
	return &Packet{
		Header: Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    payloadType,
			SequenceNumber: seq,
			Timestamp:      timestamp,
			SSRC:           ssrc,
		},
		Payload: payload,
	}
}

// Marshal serializes the packet
func (p *Packet) Marshal() []byte {
	buf := make([]byte, HeaderSize+len(p.Payload))
	p.Header.put(buf)
	copy(buf[HeaderSize:], p.Payload)
	return buf
}

func (h *Header) put(buf []byte) {
	buf[0] = h.Version<<6 | boolToBit(h.Padding)<<5 | boolToBit(h.Extension)<<4 | h.CSRCCount&0x0F
	buf[1] = boolToBit(h.Marker)<<7 | h.PayloadType&0x7F
	binary.BigEndian.PutUint16(buf[2:4], h.SequenceNumber)
	binary.BigEndian.PutUint32(buf[4:8], h.Timestamp)
	binary.BigEndian.PutUint32(buf[8:12], h.SSRC)
}

// Unmarshal parses data into p. The payload is copied.
func (p *Packet) Unmarshal(data []byte) error {
	if len(data) < HeaderSize {
		return fmt.Errorf("rtp packet too short: %d bytes", len(data))
	}

	p.Header = Header{
		Version:        data[0] >> 6,
		Padding:        data[0]>>5&0x01 == 1,
		Extension:      data[0]>>4&0x01 == 1,
		CSRCCount:      data[0] & 0x0F,
		Marker:         data[1]>>7 == 1,
		PayloadType:    data[1] & 0x7F,
		SequenceNumber: binary.BigEndian.Uint16(data[2:4]),
		Timestamp:      binary.BigEndian.Uint32(data[4:8]),
		SSRC:           binary.BigEndian.Uint32(data[8:12]),
	}
	if p.Header.Version != 2 {
		return fmt.Errorf("unsupported rtp version %d", p.Header.Version)
	}

	p.Payload = append([]byte(nil), data[HeaderSize:]...)
	return nil
}

func (p *Packet) String() string {
	return fmt.Sprintf("RTP{PT:%d Seq:%d TS:%d SSRC:%d M:%t Len:%d}",
		p.Header.PayloadType, p.Header.SequenceNumber, p.Header.Timestamp,
		p.Header.SSRC, p.Header.Marker, len(p.Payload))
}

func boolToBit(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
