// Package wire implements the fixed-size, explicit big-endian packet
// formats used on RAOP's audio, control, and timing UDP sockets, plus the
// standard 12-byte RTP audio header (built with pion/rtp, since that part
// of the wire format is plain RTP).
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pion/rtp"

	"github.com/ethan/raop-client/pkg/ntp"
)

// ErrWireDecode is the sentinel for SPEC_FULL.md's WireDecodeError kind:
// a packet was too short or carried an unexpected flag byte.
var ErrWireDecode = errors.New("wire: malformed packet")

const (
	audioPayloadType = 0x60
	syncPayloadType  = 0x54

	syncPacketSize           = 20
	timingPacketSize         = 32
	lostRequestSize          = 8
	retransmitWrapperSize    = 4
	audioHeaderSize          = 12
)

// AudioPacket is one ALAC-framed audio RTP packet: the standard 12-byte RTP
// header (payload type 0x60) followed by the (optionally encrypted) ALAC
// payload.
type AudioPacket struct {
	Marker  bool
	Seq     uint16
	Ts      uint32
	SSRC    uint32
	Payload []byte
}

// Encode marshals the packet to wire bytes using pion/rtp for the header.
func (p AudioPacket) Encode() ([]byte, error) {
	header := rtp.Header{
		Version:        2,
		Padding:        false,
		Marker:         p.Marker,
		PayloadType:    audioPayloadType,
		SequenceNumber: p.Seq,
		Timestamp:      p.Ts,
		SSRC:           p.SSRC,
	}

	pkt := rtp.Packet{Header: header, Payload: p.Payload}
	return pkt.Marshal()
}

// DecodeAudioPacket parses wire bytes into an AudioPacket.
func DecodeAudioPacket(buf []byte) (AudioPacket, error) {
	if len(buf) < audioHeaderSize {
		return AudioPacket{}, fmt.Errorf("%w: audio packet too short (%d bytes)", ErrWireDecode, len(buf))
	}

	var pkt rtp.Packet
	if err := pkt.Unmarshal(buf); err != nil {
		return AudioPacket{}, fmt.Errorf("%w: %v", ErrWireDecode, err)
	}

	return AudioPacket{
		Marker:  pkt.Marker,
		Seq:     pkt.SequenceNumber,
		Ts:      pkt.Timestamp,
		SSRC:    pkt.SSRC,
		Payload: pkt.Payload,
	}, nil
}

// SyncPacket is the 20-byte control-channel SYNC packet the client sends
// once a second to let the receiver map its RTP timeline to NTP time.
type SyncPacket struct {
	First    bool
	RefTs    uint32 // head_ts - latency
	Now      ntp.Time
	CurrTs   uint32 // head_ts
}

// Encode marshals the SYNC packet to its fixed 20-byte wire form.
func (p SyncPacket) Encode() []byte {
	buf := make([]byte, syncPacketSize)

	flags := byte(0x80)
	if p.First {
		flags |= 0x04
	}
	buf[0] = flags
	buf[1] = syncPayloadType
	// buf[2:4] padding/seq, left zero-filled.
	binary.BigEndian.PutUint32(buf[4:8], p.RefTs)
	p.Now.Encode(buf[8:16])
	binary.BigEndian.PutUint32(buf[16:20], p.CurrTs)

	return buf
}

// DecodeSyncPacket parses a 20-byte SYNC packet. Exposed primarily for
// tests and for receiver-side tooling; the client itself only encodes.
func DecodeSyncPacket(buf []byte) (SyncPacket, error) {
	if len(buf) != syncPacketSize {
		return SyncPacket{}, fmt.Errorf("%w: sync packet wrong size (%d bytes)", ErrWireDecode, len(buf))
	}
	if buf[1] != syncPayloadType {
		return SyncPacket{}, fmt.Errorf("%w: sync packet bad payload type 0x%02x", ErrWireDecode, buf[1])
	}

	return SyncPacket{
		First:  buf[0]&0x04 != 0,
		RefTs:  binary.BigEndian.Uint32(buf[4:8]),
		Now:    ntp.Decode(buf[8:16]),
		CurrTs: binary.BigEndian.Uint32(buf[16:20]),
	}, nil
}

// TimingPacket is the 32-byte NTP-style timing request/response: three
// back-to-back NTP-64 fields (origin, receive, transmit).
type TimingPacket struct {
	Origin    ntp.Time
	Receive   ntp.Time
	Transmit  ntp.Time
}

// Encode marshals the timing packet to its fixed 32-byte wire form.
func (p TimingPacket) Encode() []byte {
	buf := make([]byte, timingPacketSize)
	p.Origin.Encode(buf[0:8])
	p.Receive.Encode(buf[8:16])
	p.Transmit.Encode(buf[16:24])
	// buf[24:32]: a fourth NTP-64 slot is reserved/zero on this protocol
	// revision; kept zero-filled per SPEC_FULL.md's "unknown fields zero".
	return buf
}

// DecodeTimingPacket parses a 32-byte timing packet.
func DecodeTimingPacket(buf []byte) (TimingPacket, error) {
	if len(buf) != timingPacketSize {
		return TimingPacket{}, fmt.Errorf("%w: timing packet wrong size (%d bytes)", ErrWireDecode, len(buf))
	}

	return TimingPacket{
		Origin:   ntp.Decode(buf[0:8]),
		Receive:  ntp.Decode(buf[8:16]),
		Transmit: ntp.Decode(buf[16:24]),
	}, nil
}

// LostRequest is the 8-byte retransmission request the receiver sends on
// the control channel when it notices a sequence gap.
type LostRequest struct {
	FirstSeq uint16
	Count    uint16
}

// Encode marshals the lost-packet request to its fixed 8-byte wire form.
func (p LostRequest) Encode() []byte {
	buf := make([]byte, lostRequestSize)
	buf[0] = 0x80
	buf[1] = 0x55 | 0x80
	binary.BigEndian.PutUint16(buf[2:4], 1) // seq field of the wrapper header, unused by the client
	binary.BigEndian.PutUint16(buf[4:6], p.FirstSeq)
	binary.BigEndian.PutUint16(buf[6:8], p.Count)
	return buf
}

// DecodeLostRequest parses an 8-byte lost-packet request.
func DecodeLostRequest(buf []byte) (LostRequest, error) {
	if len(buf) != lostRequestSize {
		return LostRequest{}, fmt.Errorf("%w: lost-packet request wrong size (%d bytes)", ErrWireDecode, len(buf))
	}

	return LostRequest{
		FirstSeq: binary.BigEndian.Uint16(buf[4:6]),
		Count:    binary.BigEndian.Uint16(buf[6:8]),
	}, nil
}

// WrapRetransmit wraps an already-encoded audio packet in the 4-byte
// retransmission envelope sent back on the control socket.
func WrapRetransmit(audioPacket []byte) []byte {
	buf := make([]byte, retransmitWrapperSize+len(audioPacket))
	buf[0] = 0x80
	buf[1] = 0x56 | 0x80
	binary.BigEndian.PutUint16(buf[2:4], 1)
	copy(buf[retransmitWrapperSize:], audioPacket)
	return buf
}

// UnwrapRetransmit strips the 4-byte envelope, returning the inner audio
// packet bytes.
func UnwrapRetransmit(buf []byte) ([]byte, error) {
	if len(buf) < retransmitWrapperSize {
		return nil, fmt.Errorf("%w: retransmit response too short (%d bytes)", ErrWireDecode, len(buf))
	}
	return buf[retransmitWrapperSize:], nil
}
