package domain

import "time"

// Tick is the 100ns unit used for persisted times and intervals.
const Tick = 100 * time.Nanosecond

const (
	ticksPerSecond = int64(time.Second / Tick)
	// seconds between 0001-01-01T00:00:00Z and the Unix epoch
	epochOffset = int64(62135596800)
)

// TimeToTicks counts 100ns ticks since 0001-01-01T00:00:00Z.
func TimeToTicks(t time.Time) int64 {
	return (t.Unix()+epochOffset)*ticksPerSecond + int64(t.Nanosecond())/int64(Tick)
}

// TicksToTime is the inverse of TimeToTicks. The result is UTC.
func TicksToTime(ticks int64) time.Time {
	sec := ticks / ticksPerSecond
	rem := ticks % ticksPerSecond
	if rem < 0 {
		sec--
		rem += ticksPerSecond
	}
	return time.Unix(sec-epochOffset, rem*int64(Tick)).UTC()
}

func DurationToTicks(d time.Duration) int64 { return int64(d / Tick) }

func TicksToDuration(ticks int64) time.Duration { return time.Duration(ticks) * Tick }

// Normalize truncates t to tick precision in UTC.
func Normalize(t time.Time) time.Time {
	return TicksToTime(TimeToTicks(t))
}
