package core

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	// AttosecondsPerSecond is the resolution of Timestamp.Fraction.
	AttosecondsPerSecond uint64 = 1_000_000_000_000_000_000
	attosecondsPerMicro  uint64 = 1_000_000_000_000
	attosecondsPerNano   uint64 = 1_000_000_000

	// ISO8601Layout is the compact UTC layout used in raw log lines and the content index.
	ISO8601Layout = "20060102T150405.000000Z"
)

// Timestamp is a device timestamp: wall-clock seconds and attosecond fraction,
// plus the pulse-train id used as a secondary ordering key.
type Timestamp struct {
	Seconds  uint64
	Fraction uint64
	TrainID  uint64
}

// NewTimestamp converts a time.Time into a Timestamp.
func NewTimestamp(t time.Time, trainID uint64) Timestamp {
	return Timestamp{
		Seconds:  uint64(t.Unix()),
		Fraction: uint64(t.Nanosecond()) * attosecondsPerNano,
		TrainID:  trainID,
	}
}

// TimestampFromEpoch converts floating point epoch seconds into a Timestamp with
// microsecond precision.
func TimestampFromEpoch(epoch float64) Timestamp {
	if epoch <= 0 {
		return Timestamp{}
	}
	micros := int64(math.Round(epoch * 1e6))
	return TimestampFromMicros(micros)
}

// TimestampFromMicros converts microseconds since the epoch into a Timestamp.
func TimestampFromMicros(micros int64) Timestamp {
	if micros <= 0 {
		return Timestamp{}
	}
	return Timestamp{
		Seconds:  uint64(micros / 1_000_000),
		Fraction: uint64(micros%1_000_000) * attosecondsPerMicro,
	}
}

// Time returns the wall-clock part as a UTC time.Time (nanosecond precision).
func (t Timestamp) Time() time.Time {
	return time.Unix(int64(t.Seconds), int64(t.Fraction/attosecondsPerNano)).UTC()
}

// Epoch returns seconds since the epoch as a float.
func (t Timestamp) Epoch() float64 {
	return float64(t.Seconds) + float64(t.Fraction)/float64(AttosecondsPerSecond)
}

// Micros returns microseconds since the epoch, truncating the fraction.
func (t Timestamp) Micros() int64 {
	return int64(t.Seconds)*1_000_000 + int64(t.Fraction/attosecondsPerMicro)
}

// Millis returns milliseconds since the epoch, rounded to the nearest millisecond.
func (t Timestamp) Millis() int64 {
	return (t.Micros() + 500) / 1000
}

// IsZero reports whether the timestamp has not been set.
func (t Timestamp) IsZero() bool {
	return t.Seconds == 0 && t.Fraction == 0 && t.TrainID == 0
}

// Compare orders by wall-clock time and then by train id.
func (t Timestamp) Compare(o Timestamp) int {
	switch {
	case t.Seconds != o.Seconds:
		return cmpUint(t.Seconds, o.Seconds)
	case t.Fraction != o.Fraction:
		return cmpUint(t.Fraction, o.Fraction)
	default:
		return cmpUint(t.TrainID, o.TrainID)
	}
}

// Before reports whether t is strictly earlier than o in wall-clock time.
func (t Timestamp) Before(o Timestamp) bool {
	return t.Micros() < o.Micros()
}

// After reports whether t is strictly later than o in wall-clock time.
func (t Timestamp) After(o Timestamp) bool {
	return t.Micros() > o.Micros()
}

// ISO8601 formats the timestamp in the compact layout used on disk.
func (t Timestamp) ISO8601() string {
	return t.Time().Format(ISO8601Layout)
}

// EpochString formats the epoch with exactly six decimals without going through float64.
func (t Timestamp) EpochString() string {
	return fmt.Sprintf("%d.%06d", t.Seconds, t.Fraction/attosecondsPerMicro)
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%s (train %d)", t.ISO8601(), t.TrainID)
}

// ParseEpochMicros parses an epoch string such as "1700000000.123456" into microseconds.
func ParseEpochMicros(s string) (int64, error) {
	whole, frac, _ := strings.Cut(s, ".")
	sec, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid epoch seconds %q: %w", s, err)
	}
	var micros int64
	if frac != "" {
		if len(frac) > 6 {
			frac = frac[:6]
		}
		frac += strings.Repeat("0", 6-len(frac))
		micros, err = strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid epoch fraction %q: %w", s, err)
		}
	}
	return sec*1_000_000 + micros, nil
}

func cmpUint(a, b uint64) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}
