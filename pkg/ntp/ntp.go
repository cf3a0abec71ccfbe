// Package ntp implements the NTP-64 timestamp format used throughout RAOP
// for clock synchronization, and the sample-indexed Frames/SampleRate types
// that timestamps convert to and from.
package ntp

import (
	"fmt"
	"time"
)

// epochOffset is the number of seconds between the NTP epoch (1900-01-01)
// and the Unix epoch (1970-01-01).
const epochOffset = 0x83AA7E80

// Frames counts stereo sample-frames, monotonically.
type Frames uint64

// SampleRate is a positive sample rate in Hz (commonly 44100).
type SampleRate uint32

// Time is a 64-bit NTP timestamp: 32-bit seconds since 1900-01-01 UTC and a
// 32-bit binary fraction of a second.
type Time struct {
	Seconds  uint32
	Fraction uint32
}

// Zero is the NTP epoch itself.
var Zero = Time{}

// Now returns the current wall-clock time as an NTP-64 timestamp.
func Now() Time {
	unix := time.Now()
	secs := unix.Unix()
	micros := unix.Nanosecond() / 1000

	return Time{
		Seconds:  uint32(secs + epochOffset),
		Fraction: uint32((uint64(micros) << 32) / 1000000),
	}
}

// raw returns the timestamp as a single 64-bit NTP value.
func (t Time) raw() uint64 {
	return uint64(t.Seconds)<<32 | uint64(t.Fraction)
}

// Millis projects the timestamp to milliseconds since the NTP epoch. Uses
// the >>10 *1000 >>22 form, which preserves precision; see spec note in
// SPEC_FULL.md §9 on the two competing forms found in the original sources.
func (t Time) Millis() uint32 {
	return uint32(((t.raw() >> 10) * 1000) >> 22)
}

// Timestamp converts the NTP time to a sample-indexed Frames value at the
// given sample rate.
func (t Time) Timestamp(rate SampleRate) Frames {
	return Frames(((t.raw() >> 16) * uint64(rate)) >> 16)
}

// FromTimestamp builds an NTP-64 timestamp from a sample-indexed Frames
// value at the given sample rate. Approximate inverse of Timestamp, exact up
// to 2^-16 second rounding.
func FromTimestamp(ts Frames, rate SampleRate) Time {
	raw := ((uint64(ts) << 16) / uint64(rate)) << 16

	return Time{
		Seconds:  uint32(raw >> 32),
		Fraction: uint32(raw),
	}
}

// Sub returns the duration between two NTP timestamps. Panics (an
// InvariantViolation per SPEC_FULL.md §7) if t is earlier than other;
// subtraction is only defined for t >= other.
func (t Time) Sub(other Time) time.Duration {
	if t.Seconds < other.Seconds || (t.Seconds == other.Seconds && t.Fraction < other.Fraction) {
		panic("ntp: negative duration between timestamps")
	}

	var secs, fraction uint32
	if t.Fraction < other.Fraction {
		secs = t.Seconds - other.Seconds - 1
		fraction = (^uint32(0) - other.Fraction) + t.Fraction
	} else {
		secs = t.Seconds - other.Seconds
		fraction = t.Fraction - other.Fraction
	}

	nanos := (float64(fraction) / float64(^uint32(0))) * 1e9
	return time.Duration(secs)*time.Second + time.Duration(nanos)
}

func (t Time) String() string {
	return fmt.Sprintf("%d.%d", t.Seconds, t.Fraction)
}

// Encode writes the timestamp as 8 bytes, big-endian.
func (t Time) Encode(buf []byte) {
	_ = buf[7]
	buf[0] = byte(t.Seconds >> 24)
	buf[1] = byte(t.Seconds >> 16)
	buf[2] = byte(t.Seconds >> 8)
	buf[3] = byte(t.Seconds)
	buf[4] = byte(t.Fraction >> 24)
	buf[5] = byte(t.Fraction >> 16)
	buf[6] = byte(t.Fraction >> 8)
	buf[7] = byte(t.Fraction)
}

// Decode reads a timestamp from 8 bytes, big-endian.
func Decode(buf []byte) Time {
	_ = buf[7]
	return Time{
		Seconds: uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3]),
		Fraction: uint32(buf[4])<<24 | uint32(buf[5])<<16 | uint32(buf[6])<<8 | uint32(buf[7]),
	}
}
