// Package hourseg provides the pure hour-boundary arithmetic used to keep
// every recorded session inside a single clock hour. Hours are counted
// from the Unix epoch, so boundaries are absolute instants independent of
// the local timezone.
package hourseg

import "time"

// HourMillis is the length of one hour in milliseconds.
const HourMillis int64 = 3_600_000

// Segment is one hour-aligned piece of a decomposed interval.
type Segment struct {
	Start    time.Time
	End      time.Time
	Duration time.Duration
}

// Millis truncates t to millisecond precision and strips the monotonic
// reading, which is the precision sessions are persisted with.
func Millis(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli())
}

// HourNumber returns floor(t / 1h) counted from the Unix epoch.
func HourNumber(t time.Time) int64 {
	return floorDiv(t.UnixMilli(), HourMillis)
}

// HourStart returns the boundary instant that begins hour h.
func HourStart(h int64) time.Time {
	return time.UnixMilli(h * HourMillis)
}

// OnBoundary reports whether t is exactly an hour boundary. A
// zero-length row starting there would belong to no hour.
func OnBoundary(t time.Time) bool {
	return t.UnixMilli()%HourMillis == 0
}

// BoundariesBetween returns, in ascending order, the boundary instant of
// every hour strictly after the hour containing sessionStart up to and
// including targetHour. The result is empty when targetHour is not after
// the start hour.
func BoundariesBetween(sessionStart time.Time, targetHour int64) []time.Time {
	startHour := HourNumber(sessionStart)
	if targetHour <= startHour {
		return nil
	}
	out := make([]time.Time, 0, targetHour-startHour)
	for h := startHour + 1; h <= targetHour; h++ {
		out = append(out, HourStart(h))
	}
	return out
}

// DecomposeInterval splits the known interval [start, end) into
// contiguous hour-aligned segments. It always returns at least one
// segment. When end lands exactly on an hour boundary the result ends
// with a zero-duration segment starting and ending at that boundary;
// callers that persist segments are expected to skip empty ones.
// An end before start is clamped to a single empty segment at start.
func DecomposeInterval(start, end time.Time) []Segment {
	start, end = Millis(start), Millis(end)
	if end.Before(start) {
		end = start
	}

	var segs []Segment
	cur := start
	for _, b := range BoundariesBetween(start, HourNumber(end)) {
		segs = append(segs, Segment{Start: cur, End: b, Duration: b.Sub(cur)})
		cur = b
	}
	segs = append(segs, Segment{Start: cur, End: end, Duration: end.Sub(cur)})
	return segs
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
