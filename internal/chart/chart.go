// Package chart reconciles computed series against a positional drawing
// surface. Drawables are addressed by (pane, index), so the renderer may
// only append at the end, update in place, or remove from the end; the
// first drawable of a pane is never removed while the pane exists, because
// dropping it renumbers every later pane on the surface.
package chart

import "oipulse/internal/series"

// Surface is the minimal drawing API the renderer needs. The dashboard
// implements it over a websocket; tests implement it in memory.
type Surface interface {
	AddSeries(pane, index int, color string)
	SetData(pane, index int, data []series.Point)
	SetStyle(pane, index int, color string)
	RemoveSeries(pane, index int)
}

// Drawable is one line on the surface: a single gap-free segment with its
// color. A logical indicator contributes one Drawable per segment.
type Drawable struct {
	Color string
	Data  []series.Point
}

// IndicatorSeries is a logical indicator ready for drawing.
type IndicatorSeries struct {
	Color    string
	Segments []series.Segment
}

// Flatten expands logical indicators into drawables in stable order:
// indicators in config order, segments in time order within each.
func Flatten(specs []IndicatorSeries) []Drawable {
	var out []Drawable
	for _, sp := range specs {
		for _, seg := range sp.Segments {
			out = append(out, Drawable{Color: sp.Color, Data: seg})
		}
	}
	return out
}

// Renderer tracks what each pane currently shows and issues the minimal
// surface operations to converge on the next frame.
type Renderer struct {
	surface Surface
	colors  map[int][]string // pane -> color per live drawable index
}

func NewRenderer(s Surface) *Renderer {
	return &Renderer{surface: s, colors: make(map[int][]string)}
}

// Apply reconciles one pane to the given drawables.
//
// Indices that survive are updated in place (data always, style only on
// color change, since a segment-count shift usually re-colors the tail).
// Growth appends, shrinkage removes strictly from the end. When the target
// is empty, index 0 stays alive with empty data.
func (r *Renderer) Apply(pane int, next []Drawable) {
	cur := r.colors[pane]

	if len(next) == 0 {
		if len(cur) == 0 {
			return
		}
		for i := len(cur) - 1; i >= 1; i-- {
			r.surface.RemoveSeries(pane, i)
		}
		r.surface.SetData(pane, 0, nil)
		r.colors[pane] = cur[:1]
		return
	}

	n := len(next)
	if len(cur) < n {
		grown := make([]string, n)
		copy(grown, cur)
		for i := len(cur); i < n; i++ {
			r.surface.AddSeries(pane, i, next[i].Color)
			grown[i] = next[i].Color
		}
		cur = grown
	} else if len(cur) > n {
		for i := len(cur) - 1; i >= n; i-- {
			r.surface.RemoveSeries(pane, i)
		}
		cur = cur[:n]
	}

	for i := 0; i < n; i++ {
		if cur[i] != next[i].Color {
			r.surface.SetStyle(pane, i, next[i].Color)
			cur[i] = next[i].Color
		}
		r.surface.SetData(pane, i, next[i].Data)
	}
	r.colors[pane] = cur
}

// Live returns how many drawables the pane currently holds.
func (r *Renderer) Live(pane int) int { return len(r.colors[pane]) }
