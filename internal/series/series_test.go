package series

import (
	"testing"
	"time"

	"oipulse/internal/indicator"
	"oipulse/internal/model"
)

func makeSnap(ts string, diff float64) model.Point {
	return model.Point{Timestamp: ts, DiffOIValue: diff}
}

func diffSelector(t *testing.T) Selector {
	t.Helper()
	sel, err := Field("diff_oi_value")
	if err != nil {
		t.Fatalf("Field failed: %v", err)
	}
	return sel
}

func TestExtractShiftsToIST(t *testing.T) {
	sel := diffSelector(t)
	pts := Extract([]model.Point{makeSnap("2026-08-21T03:45:00Z", 42)}, sel)
	if len(pts) != 1 {
		t.Fatalf("expected 1 point, got %d", len(pts))
	}
	utc := time.Date(2026, 8, 21, 3, 45, 0, 0, time.UTC).Unix()
	if want := utc + 19800; pts[0].Time != want {
		t.Errorf("time = %d, want %d (+5h30m shift)", pts[0].Time, want)
	}
	if pts[0].Value != 42 {
		t.Errorf("value = %v, want 42", pts[0].Value)
	}
}

func TestExtractDropsBadTimestamps(t *testing.T) {
	sel := diffSelector(t)
	pts := Extract([]model.Point{
		makeSnap("not-a-time", 1),
		makeSnap("2026-08-21T03:45:00Z", 2),
		makeSnap("", 3),
	}, sel)
	if len(pts) != 1 || pts[0].Value != 2 {
		t.Errorf("expected only the valid point, got %v", pts)
	}
}

func TestExtractClampsMagnitude(t *testing.T) {
	sel := diffSelector(t)
	pts := Extract([]model.Point{
		makeSnap("2026-08-21T03:45:00Z", 1e15),
		makeSnap("2026-08-21T03:46:00Z", -1e15),
	}, sel)
	if len(pts) != 2 {
		t.Fatalf("expected 2 points, got %d", len(pts))
	}
	if pts[0].Value != model.MaxSafeValue {
		t.Errorf("clamped high = %v, want %v", pts[0].Value, model.MaxSafeValue)
	}
	if pts[1].Value != -model.MaxSafeValue {
		t.Errorf("clamped low = %v, want %v", pts[1].Value, -model.MaxSafeValue)
	}
}

func TestExtractDropsNoValuePoints(t *testing.T) {
	prog, err := indicator.CompileFormula("diff_oi_value / ce_oi")
	if err != nil {
		t.Fatalf("CompileFormula failed: %v", err)
	}
	sel := Formula(prog)
	pts := Extract([]model.Point{
		{Timestamp: "2026-08-21T03:45:00Z", DiffOIValue: 10, CEOI: 0}, // divide by zero
		{Timestamp: "2026-08-21T03:46:00Z", DiffOIValue: 10, CEOI: 2},
	}, sel)
	if len(pts) != 1 || pts[0].Value != 5 {
		t.Errorf("expected one finite point of 5, got %v", pts)
	}
}

func TestNormalizeSortsAndDedups(t *testing.T) {
	in := []Point{
		{Time: 300, Value: 3},
		{Time: 100, Value: 1},
		{Time: 200, Value: 2},
		{Time: 200, Value: 9}, // later write wins
	}
	out := Normalize(in)
	want := []Point{{100, 1}, {200, 9}, {300, 3}}
	if len(out) != len(want) {
		t.Fatalf("len = %d, want %d", len(out), len(want))
	}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("out[%d] = %v, want %v", i, out[i], want[i])
		}
	}
	for i := 1; i < len(out); i++ {
		if out[i].Time <= out[i-1].Time {
			t.Errorf("output not strictly ascending at %d", i)
		}
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	in := []Point{{Time: 60, Value: 1}, {Time: 60, Value: 2}, {Time: 240, Value: 4}, {Time: 120, Value: 3}}
	once := Normalize(in)
	twice := Normalize(once)
	if len(once) != len(twice) {
		t.Fatalf("lengths differ: %d vs %d", len(once), len(twice))
	}
	for i := range once {
		if once[i] != twice[i] {
			t.Errorf("index %d: %v vs %v", i, once[i], twice[i])
		}
	}
}

func TestNormalizeDoesNotMutateInput(t *testing.T) {
	in := []Point{{Time: 200, Value: 2}, {Time: 100, Value: 1}}
	Normalize(in)
	if in[0].Time != 200 || in[1].Time != 100 {
		t.Errorf("input mutated: %v", in)
	}
}

func TestPartitionGapAndBackwardJump(t *testing.T) {
	gap := 120 * time.Second
	pts := []Point{
		{Time: 0, Value: 1},
		{Time: 60, Value: 2},
		{Time: 180, Value: 3}, // exactly at threshold, stays joined
		{Time: 301, Value: 4}, // 121s, new segment
		{Time: 200, Value: 5}, // backward jump, new segment
	}
	segs := Partition(pts, gap)
	if len(segs) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(segs))
	}
	if len(segs[0]) != 3 || len(segs[1]) != 1 || len(segs[2]) != 1 {
		t.Errorf("segment sizes = (%d, %d, %d), want (3, 1, 1)",
			len(segs[0]), len(segs[1]), len(segs[2]))
	}

	// Every intra-segment gap is within threshold and non-negative.
	for si, seg := range segs {
		for i := 1; i < len(seg); i++ {
			d := seg[i].Time - seg[i-1].Time
			if d < 0 || d > 120 {
				t.Errorf("segment %d has bad gap %d", si, d)
			}
		}
	}
}

func TestPartitionEmpty(t *testing.T) {
	if segs := Partition(nil, DefaultGap); segs != nil {
		t.Errorf("expected nil, got %v", segs)
	}
}

func TestBuildEndToEnd(t *testing.T) {
	sel := diffSelector(t)
	snaps := []model.Point{
		makeSnap("2026-08-21T03:45:00Z", 1),
		makeSnap("2026-08-21T03:46:00Z", 2),
		makeSnap("2026-08-21T03:47:00Z", 3),
		// Two missed polls, then resumption.
		makeSnap("2026-08-21T03:50:00Z", 4),
		makeSnap("2026-08-21T03:51:00Z", 5),
	}
	segs := Build(snaps, sel, DefaultGap)
	if len(segs) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(segs))
	}
	if len(segs[0]) != 3 || len(segs[1]) != 2 {
		t.Errorf("segment sizes = (%d, %d), want (3, 2)", len(segs[0]), len(segs[1]))
	}

	// Rebuilding from the flattened output reproduces the same segments.
	var flat []Point
	for _, s := range segs {
		flat = append(flat, s...)
	}
	again := Partition(Normalize(flat), DefaultGap)
	if len(again) != len(segs) {
		t.Fatalf("rebuild changed segment count: %d vs %d", len(again), len(segs))
	}
	for i := range segs {
		if len(again[i]) != len(segs[i]) {
			t.Errorf("segment %d size changed: %d vs %d", i, len(again[i]), len(segs[i]))
		}
	}
}

func TestFieldUnknownName(t *testing.T) {
	if _, err := Field("no_such_field"); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}
