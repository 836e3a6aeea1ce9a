package expr

import (
	"math"
	"testing"
)

func evalStr(t *testing.T, src string, ctx Context) float64 {
	t.Helper()
	node, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse(%q): %v", src, err)
	}
	v, err := Eval(node, ctx)
	if err != nil {
		t.Fatalf("Eval(%q): %v", src, err)
	}
	return v
}

func TestEvalArithmetic(t *testing.T) {
	t.Parallel()
	ctx := MapContext{Values: map[string]float64{"x": 10, "y": 4}}

	cases := []struct {
		src  string
		want float64
	}{
		{"x + y", 14},
		{"x - y", 6},
		{"x * y", 40},
		{"x / y", 2.5},
		{"x % y", 2},
		{"-x", -10},
		{"x + y * 2", 18},
		{"abs(y - x)", 6},
		{"min(x, y, 7)", 4},
		{"max(x, y)", 10},
		{"round(2.5)", 3},
		{"clamp(x, 0, 5)", 5},
		{"in_range(y, 1, 5)", 1},
		{"in_range(x, 1, 5)", 0},
	}
	for _, c := range cases {
		if got := evalStr(t, c.src, ctx); got != c.want {
			t.Errorf("%q = %v, want %v", c.src, got, c.want)
		}
	}
}

func TestEvalDivideByZeroIsNaN(t *testing.T) {
	t.Parallel()
	ctx := MapContext{Values: map[string]float64{"x": 1}}

	if got := evalStr(t, "x / 0", ctx); !math.IsNaN(got) {
		t.Errorf("x/0 = %v, want NaN", got)
	}
	// NaN propagates through arithmetic
	if got := evalStr(t, "x / 0 + 5", ctx); !math.IsNaN(got) {
		t.Errorf("x/0 + 5 = %v, want NaN", got)
	}
	// Comparison with NaN is false
	if got := evalStr(t, "x / 0 > 0", ctx); got != 0 {
		t.Errorf("NaN > 0 = %v, want 0", got)
	}
	if got := evalStr(t, "x / 0 == x / 0", ctx); got != 0 {
		t.Errorf("NaN == NaN = %v, want 0", got)
	}
}

func TestEvalShortCircuit(t *testing.T) {
	t.Parallel()
	// "missing" is undefined: && must not evaluate it when left is false.
	ctx := MapContext{Values: map[string]float64{"zero": 0, "one": 1}}

	if got := evalStr(t, "zero && missing", ctx); got != 0 {
		t.Errorf("zero && missing = %v, want 0", got)
	}
	if got := evalStr(t, "one || missing", ctx); got != 1 {
		t.Errorf("one || missing = %v, want 1", got)
	}

	// Non-short-circuited path must surface the unknown identifier.
	node, err := Parse("one && missing")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := Eval(node, ctx); err == nil {
		t.Error("expected unknown identifier error")
	}
}

func TestEvalHistoryIndexing(t *testing.T) {
	t.Parallel()
	ctx := MapContext{
		Values:  map[string]float64{"close": 101},
		History: map[string][]float64{"close": {101, 100, 99}},
	}

	if got := evalStr(t, "close[0]", ctx); got != 101 {
		t.Errorf("close[0] = %v, want 101", got)
	}
	if got := evalStr(t, "close[2]", ctx); got != 99 {
		t.Errorf("close[2] = %v, want 99", got)
	}
	// Insufficient history yields NaN, not an error.
	if got := evalStr(t, "close[10]", ctx); !math.IsNaN(got) {
		t.Errorf("close[10] = %v, want NaN", got)
	}
	// And a comparison against it is false.
	if got := evalStr(t, "close[10] < close[0]", ctx); got != 0 {
		t.Errorf("NaN < close = %v, want 0", got)
	}
}

func TestEvalArityMismatch(t *testing.T) {
	t.Parallel()
	ctx := MapContext{Values: map[string]float64{}}

	node, err := Parse("abs(1, 2)")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := Eval(node, ctx); err == nil {
		t.Error("abs(1, 2) should fail with arity error")
	}

	node, err = Parse("min(1)")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := Eval(node, ctx); err == nil {
		t.Error("min(1) should fail with arity error")
	}
}

func TestEvalBooleans(t *testing.T) {
	t.Parallel()
	ctx := MapContext{Values: map[string]float64{"rsi": 28, "ema": 99.5, "close": 101}}

	ok, err := func() (bool, error) {
		node, err := Parse("rsi < 30 && close > ema")
		if err != nil {
			return false, err
		}
		return EvalBool(node, ctx)
	}()
	if err != nil {
		t.Fatalf("EvalBool: %v", err)
	}
	if !ok {
		t.Error("predicate should be true")
	}

	if got := evalStr(t, "!(rsi < 30)", ctx); got != 0 {
		t.Errorf("!(rsi < 30) = %v, want 0", got)
	}
	if got := evalStr(t, "true", ctx); got != 1 {
		t.Errorf("true = %v", got)
	}
	if got := evalStr(t, "false", ctx); got != 0 {
		t.Errorf("false = %v", got)
	}
}
