package formula

import (
	"testing"
)

var testVars = []string{"ce_oi", "pe_oi", "ce_vol", "total_ce_oi_value", "total_pe_oi_value"}

func mustCompile(t *testing.T, src string) *Program {
	t.Helper()
	p, err := Compile(src, testVars)
	if err != nil {
		t.Fatalf("Compile(%q) failed: %v", src, err)
	}
	return p
}

func TestEvalArithmetic(t *testing.T) {
	cases := []struct {
		src  string
		want float64
	}{
		{"1+2*3", 7},
		{"(1+2)*3", 9},
		{"2+3*4", 14},
		{"10-2-3", 5},
		{"12/3/2", 2},
		{"-2*3", -6},
		{"--2", 2},
		{"1.5*2", 3},
		{".5+.5", 1},
		{"-(1+2)", -3},
	}
	for _, c := range cases {
		p := mustCompile(t, c.src)
		got, ok := p.Eval(nil)
		if !ok {
			t.Errorf("%q: expected finite result", c.src)
			continue
		}
		if got != c.want {
			t.Errorf("%q = %v, want %v", c.src, got, c.want)
		}
	}
}

func TestEvalVariables(t *testing.T) {
	p := mustCompile(t, "ce_oi - pe_oi")
	got, ok := p.Eval(map[string]float64{"ce_oi": 10, "pe_oi": 4})
	if !ok || got != 6 {
		t.Errorf("got (%v, %v), want (6, true)", got, ok)
	}

	// Missing values default to zero.
	got, ok = p.Eval(map[string]float64{"ce_oi": 10})
	if !ok || got != 10 {
		t.Errorf("missing var: got (%v, %v), want (10, true)", got, ok)
	}
}

func TestDivisionByZeroYieldsNoValue(t *testing.T) {
	p := mustCompile(t, "ce_oi / pe_oi")
	if _, ok := p.Eval(map[string]float64{"ce_oi": 1, "pe_oi": 0}); ok {
		t.Errorf("expected no value for division by zero")
	}
	// 0/0 is NaN, also no value.
	if _, ok := p.Eval(nil); ok {
		t.Errorf("expected no value for 0/0")
	}
}

func TestCompileErrors(t *testing.T) {
	bad := []string{
		"",
		"   ",
		"1+",
		"(1",
		"1 2",
		"ce_oi @ pe_oi",
		"foo + 1",     // unknown variable
		"ce_oi + bar", // unknown variable
		"*3",
		"()",
		"1..2",
	}
	for _, src := range bad {
		if _, err := Compile(src, testVars); err == nil {
			t.Errorf("Compile(%q): expected error", src)
		}
	}
}

func TestProgramVars(t *testing.T) {
	p := mustCompile(t, "ce_oi + ce_oi * pe_oi")
	vars := p.Vars()
	if len(vars) != 2 {
		t.Fatalf("expected 2 vars, got %d: %v", len(vars), vars)
	}
	seen := map[string]bool{}
	for _, v := range vars {
		seen[v] = true
	}
	if !seen["ce_oi"] || !seen["pe_oi"] {
		t.Errorf("expected ce_oi and pe_oi, got %v", vars)
	}
}

func sample(v float64) map[string]float64 {
	m := make(map[string]float64, len(testVars))
	for _, name := range testVars {
		m[name] = v
	}
	return m
}

func TestValidate(t *testing.T) {
	const maxAbs = 9.007199254740992e13
	small, large := sample(1), sample(1_000_000)

	if err := Validate("ce_oi - pe_oi", testVars, small, large, maxAbs); err != nil {
		t.Errorf("expected valid, got %v", err)
	}

	// Equal variables cancel on every sample.
	p := mustCompile(t, "total_ce_oi_value - total_pe_oi_value")
	if got, ok := p.Eval(large); !ok || got != 0 {
		t.Errorf("uniform sample diff = (%v, %v), want (0, true)", got, ok)
	}

	// Denominator cancels to zero on a uniform sample.
	if err := Validate("ce_oi / (ce_oi - pe_oi)", testVars, small, large, maxAbs); err == nil {
		t.Errorf("expected rejection for division by zero on sample")
	}

	// 1e6 * 1e6 * 1e6 = 1e18, beyond the plottable range.
	if err := Validate("ce_oi * pe_oi * ce_vol", testVars, small, large, maxAbs); err == nil {
		t.Errorf("expected rejection for oversized result")
	}

	// 1e6 * 1e6 = 1e12, inside the range.
	if err := Validate("ce_oi * pe_oi", testVars, small, large, maxAbs); err != nil {
		t.Errorf("expected valid, got %v", err)
	}

	if err := Validate("ce_oi +", testVars, small, large, maxAbs); err == nil {
		t.Errorf("expected syntax error")
	}
}

func TestEvalIsFiniteGuard(t *testing.T) {
	// A huge intermediate stays a value as long as it is finite.
	p := mustCompile(t, "ce_oi * ce_oi")
	got, ok := p.Eval(map[string]float64{"ce_oi": 1e154})
	if !ok {
		t.Fatalf("expected finite value, got none")
	}
	if got != 1e308 {
		t.Errorf("got %v, want 1e308", got)
	}

	// Overflow to +Inf is not a value.
	if _, ok := p.Eval(map[string]float64{"ce_oi": 1e200}); ok {
		t.Errorf("expected no value on overflow")
	}
}
