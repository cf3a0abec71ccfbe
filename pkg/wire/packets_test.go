package wire

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ethan/raop-client/pkg/ntp"
)

func TestAudioPacketRoundTrip(t *testing.T) {
	p := AudioPacket{
		Marker:  true,
		Seq:     42,
		Ts:      123456,
		SSRC:    0xdeadbeef,
		Payload: []byte{1, 2, 3, 4, 5},
	}

	encoded, err := p.Encode()
	require.NoError(t, err)

	decoded, err := DecodeAudioPacket(encoded)
	require.NoError(t, err)

	require.Equal(t, p.Marker, decoded.Marker)
	require.Equal(t, p.Seq, decoded.Seq)
	require.Equal(t, p.Ts, decoded.Ts)
	require.Equal(t, p.SSRC, decoded.SSRC)
	require.Equal(t, p.Payload, decoded.Payload)
}

func TestDecodeAudioPacketTooShort(t *testing.T) {
	_, err := DecodeAudioPacket(make([]byte, 4))
	require.ErrorIs(t, err, ErrWireDecode)
}

func TestSyncPacketRoundTrip(t *testing.T) {
	now := ntp.Now()
	p := SyncPacket{
		First:  true,
		RefTs:  900,
		Now:    now,
		CurrTs: 1000,
	}

	encoded := p.Encode()
	require.Len(t, encoded, syncPacketSize)

	decoded, err := DecodeSyncPacket(encoded)
	require.NoError(t, err)
	require.Equal(t, p, decoded)
}

func TestSyncPacketMarkerBit(t *testing.T) {
	first := SyncPacket{First: true}.Encode()
	require.Equal(t, byte(0x84), first[0])

	subsequent := SyncPacket{First: false}.Encode()
	require.Equal(t, byte(0x80), subsequent[0])
}

func TestTimingPacketRoundTrip(t *testing.T) {
	p := TimingPacket{
		Origin:   ntp.Time{Seconds: 1, Fraction: 2},
		Receive:  ntp.Time{Seconds: 3, Fraction: 4},
		Transmit: ntp.Time{Seconds: 5, Fraction: 6},
	}

	encoded := p.Encode()
	require.Len(t, encoded, timingPacketSize)

	decoded, err := DecodeTimingPacket(encoded)
	require.NoError(t, err)
	require.Equal(t, p, decoded)
}

func TestLostRequestRoundTrip(t *testing.T) {
	p := LostRequest{FirstSeq: 4, Count: 2}
	encoded := p.Encode()
	require.Len(t, encoded, lostRequestSize)

	decoded, err := DecodeLostRequest(encoded)
	require.NoError(t, err)
	require.Equal(t, p, decoded)
}

func TestWrapUnwrapRetransmit(t *testing.T) {
	audio := []byte{9, 8, 7, 6}
	wrapped := WrapRetransmit(audio)
	require.Len(t, wrapped, retransmitWrapperSize+len(audio))

	unwrapped, err := UnwrapRetransmit(wrapped)
	require.NoError(t, err)
	require.Equal(t, audio, unwrapped)
}
