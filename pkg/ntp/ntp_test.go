package ntp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimestampRoundTrip(t *testing.T) {
	const rate = SampleRate(44100)

	cases := []Frames{0, 1, 44099, 44100, 123456789}
	for _, ts := range cases {
		ntp := FromTimestamp(ts, rate)
		got := ntp.Timestamp(rate)
		assert.InDeltaf(t, float64(ts), float64(got), 1, "round trip for ts=%d", ts)
	}
}

func TestEpochTimestamp(t *testing.T) {
	epoch := Time{Seconds: 0x83AA7E80, Fraction: 0}
	require.Equal(t, Frames(0), epoch.Timestamp(44100))

	plusOneSecond := Time{Seconds: 0x83AA7E80 + 1, Fraction: 0}
	require.Equal(t, Frames(44100), plusOneSecond.Timestamp(44100))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	now := Now()

	buf := make([]byte, 8)
	now.Encode(buf)
	decoded := Decode(buf)

	require.Equal(t, now, decoded)
}

func TestSubRequiresNonNegative(t *testing.T) {
	a := Time{Seconds: 100, Fraction: 0}
	b := Time{Seconds: 99, Fraction: 0}

	require.Equal(t, time.Second, a.Sub(b))

	require.Panics(t, func() {
		b.Sub(a)
	})
}

func TestSubWithFractionBorrow(t *testing.T) {
	a := Time{Seconds: 10, Fraction: 10}
	b := Time{Seconds: 9, Fraction: 20}

	d := a.Sub(b)
	require.Less(t, d, time.Second)
	require.Greater(t, d, time.Duration(0))
}

func TestMillis(t *testing.T) {
	// 1 second after the NTP epoch should read back as ~1000ms.
	ts := Time{Seconds: 1, Fraction: 0}
	assert.InDelta(t, 1000, int(ts.Millis()), 1)
}
