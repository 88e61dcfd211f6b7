// Package series prepares stored snapshots for the chart: it extracts one
// numeric series per indicator, normalizes it to a strictly ascending
// timeline, and splits it into gap-free segments the renderer can draw as
// unbroken lines.
package series

import (
	"fmt"
	"math"
	"sort"
	"time"

	"oipulse/internal/formula"
	"oipulse/internal/indicator"
	"oipulse/internal/marketday"
	"oipulse/internal/model"
)

// DefaultGap is the largest spacing two points may have and still be joined
// by a line. One poll per minute plus one missed cycle.
const DefaultGap = 120 * time.Second

// Point is one chart point. Time is epoch seconds shifted into IST so the
// axis renders local wall-clock time.
type Point struct {
	Time  int64   `json:"time"`
	Value float64 `json:"value"`
}

// Segment is a run of points with no oversized gaps, drawn as one line.
type Segment []Point

// Selector extracts one plottable value from a snapshot. ok=false drops the
// point.
type Selector func(p *model.Point) (float64, bool)

// Field returns a Selector reading a fixed indicator column.
func Field(name string) (Selector, error) {
	known := false
	for _, v := range indicator.VarNames {
		if v == name {
			known = true
			break
		}
	}
	if !known {
		return nil, fmt.Errorf("unknown indicator field %q", name)
	}
	return func(p *model.Point) (float64, bool) {
		return indicator.Vars(p)[name], true
	}, nil
}

// Formula returns a Selector evaluating a compiled custom formula.
func Formula(prog *formula.Program) Selector {
	return func(p *model.Point) (float64, bool) {
		return prog.Eval(indicator.Vars(p))
	}
}

// Extract maps snapshots to chart points: parse the timestamp, shift it to
// IST, apply the selector, drop points with bad time or no value, and clamp
// magnitude to the plottable bound.
func Extract(snapshots []model.Point, sel Selector) []Point {
	pts := make([]Point, 0, len(snapshots))
	for i := range snapshots {
		s := &snapshots[i]
		t, err := s.TimeUTC()
		if err != nil {
			continue
		}
		v, ok := sel(s)
		if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		if v > model.MaxSafeValue {
			v = model.MaxSafeValue
		} else if v < -model.MaxSafeValue {
			v = -model.MaxSafeValue
		}
		pts = append(pts, Point{Time: t.Unix() + marketday.OffsetSeconds, Value: v})
	}
	return pts
}

// Normalize sorts points ascending by time and collapses equal timestamps,
// keeping the value that arrived last. Normalize of its own output is the
// identity.
func Normalize(pts []Point) []Point {
	if len(pts) == 0 {
		return nil
	}
	sorted := make([]Point, len(pts))
	copy(sorted, pts)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time < sorted[j].Time })

	out := sorted[:1]
	for _, p := range sorted[1:] {
		if p.Time == out[len(out)-1].Time {
			out[len(out)-1].Value = p.Value
			continue
		}
		out = append(out, p)
	}
	return out
}

// Partition splits a normalized sequence into maximal segments. A new
// segment starts on a backward time jump or a forward gap above threshold.
func Partition(pts []Point, gap time.Duration) []Segment {
	if len(pts) == 0 {
		return nil
	}
	maxGap := int64(gap / time.Second)
	var segs []Segment
	cur := Segment{pts[0]}
	for _, p := range pts[1:] {
		last := cur[len(cur)-1]
		if p.Time < last.Time || p.Time-last.Time > maxGap {
			segs = append(segs, cur)
			cur = Segment{p}
			continue
		}
		cur = append(cur, p)
	}
	return append(segs, cur)
}

// Build runs the full pipeline: extract, normalize, partition.
func Build(snapshots []model.Point, sel Selector, gap time.Duration) []Segment {
	return Partition(Normalize(Extract(snapshots, sel)), gap)
}
