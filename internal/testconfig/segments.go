package testconfig

import (
	"sort"

	"github.com/pnats2avhd/processing-chain/pkg/logger"
)

// createRequiredSegments expands every PVS's event list into the timed
// segments the segment stage has to produce. Segments shared between PVSes
// (same SRC slice, quality level and codings) are created once.
func (tc *TestConfig) createRequiredSegments(log logger.Logger) error {
	dedup := make(map[string]*Segment)

	for _, pvsID := range tc.PvsOrder {
		pvs := tc.Pvses[pvsID]
		hrc := pvs.Hrc
		srcLength := pvs.Src.Info.Duration

		if !hrc.Events[0].FromSrc {
			var totalEventDuration float64
			for _, e := range hrc.Events {
				if e.Type == EventQualityLevel {
					totalEventDuration += e.Duration
				}
			}
			if srcLength < totalEventDuration {
				log.Warnf("%s has a length of only %g, but events in %s sum up to %g; last event(s) will be cut",
					pvs.Src, srcLength, pvs, totalEventDuration)
			} else if srcLength > totalEventDuration {
				log.Warnf("%s is longer than the events specified in %s; trimming will occur", pvs.Src, pvs)
			}
		}

		var currentTimestamp float64
		segmentIndex := 0

		for _, event := range hrc.Events {
			if event.Type != EventQualityLevel {
				continue
			}

			var numSegments int
			if event.FromSrc {
				numSegments = 1
			} else {
				if !hrc.SegmentFromSrc && !isDivisible(event.Duration, hrc.SegmentDuration) {
					return configErrorf("event duration %g does not match with segment duration of %g, please fix this event in %s",
						event.Duration, hrc.SegmentDuration, hrc.ID)
				}
				numSegments = int(event.Duration / hrc.SegmentDuration)
			}

			if tc.IsShort() && (numSegments > 1 || segmentIndex+numSegments > 1) {
				return configErrorf("short databases only allow one segment, HRC %s does not comply", hrc.ID)
			}

			for i := 0; i < numSegments; i++ {
				var dur float64
				if hrc.SegmentFromSrc {
					dur = srcLength
				} else {
					dur = hrc.SegmentDuration
					if currentTimestamp+dur > srcLength {
						dur = srcLength - currentTimestamp
					}
				}
				if dur <= 0 {
					log.Warnf("got a segment with duration <= 0 in PVS %s, skipping", pvs.ID)
					continue
				}

				seg := &Segment{
					Index:        segmentIndex,
					Src:          pvs.Src,
					QualityLevel: event.QualityLevel,
					VideoCoding:  hrc.VideoCoding,
					AudioCoding:  hrc.AudioCoding,
					StartTime:    currentTimestamp,
					Duration:     dur,
					OwnerPvs:     pvs.ID,
				}
				currentTimestamp += dur
				segmentIndex++

				if existing, ok := dedup[seg.Key()]; ok {
					seg = existing
				} else {
					dedup[seg.Key()] = seg
					tc.Segments = append(tc.Segments, seg)
				}
				pvs.Segments = append(pvs.Segments, seg)
			}
		}
	}

	sort.Slice(tc.Segments, func(i, j int) bool {
		a, b := tc.Segments[i], tc.Segments[j]
		if a.Src.ID != b.Src.ID {
			return a.Src.ID < b.Src.ID
		}
		if a.StartTime != b.StartTime {
			return a.StartTime < b.StartTime
		}
		if a.QualityLevel.ID != b.QualityLevel.ID {
			return a.QualityLevel.ID < b.QualityLevel.ID
		}
		return a.Duration < b.Duration
	})
	return nil
}

// isDivisible reports whether a is an integer multiple of b, tolerating
// float rounding.
func isDivisible(a, b float64) bool {
	if b == 0 {
		return false
	}
	n := a / b
	diff := n - float64(int64(n+0.5))
	return diff < 1e-9 && diff > -1e-9
}
