// Package segment plans how a decoded audio timeline is divided into
// bounded-duration slices for transcription.
//
// Planning is a pure function over the timeline's total duration: the same
// inputs always yield the same boundaries. The returned segments partition
// [0, totalMS) exactly — ascending, contiguous, non-overlapping — and every
// segment is at most maxSegmentMS long (only the last one may be shorter).
package segment

import "fmt"

// Segment is one contiguous slice of the input audio's timeline, identified
// by a 0-based contiguous index. Boundaries are in milliseconds relative to
// the start of the timeline, with StartMS inclusive and EndMS exclusive.
type Segment struct {
	Index   int
	StartMS int64
	EndMS   int64
}

// DurationMS returns the segment length in milliseconds.
func (s Segment) DurationMS() int64 { return s.EndMS - s.StartMS }

// Plan divides a timeline of totalMS milliseconds into ordered segments of at
// most maxSegmentMS milliseconds each.
//
// A zero-duration timeline yields an empty (nil) plan; callers treat this as
// a successful run with an empty transcript. maxSegmentMS must be positive
// and totalMS must be non-negative; violations are configuration errors.
func Plan(totalMS, maxSegmentMS int64) ([]Segment, error) {
	if maxSegmentMS <= 0 {
		return nil, fmt.Errorf("segment: max segment duration %dms must be positive", maxSegmentMS)
	}
	if totalMS < 0 {
		return nil, fmt.Errorf("segment: total duration %dms must not be negative", totalMS)
	}
	if totalMS == 0 {
		return nil, nil
	}

	count := (totalMS + maxSegmentMS - 1) / maxSegmentMS
	segs := make([]Segment, 0, count)
	for i := int64(0); i < count; i++ {
		end := (i + 1) * maxSegmentMS
		if end > totalMS {
			end = totalMS
		}
		segs = append(segs, Segment{
			Index:   int(i),
			StartMS: i * maxSegmentMS,
			EndMS:   end,
		})
	}
	return segs, nil
}
