package expr

import (
	"testing"
)

func TestParsePrecedence(t *testing.T) {
	t.Parallel()
	cases := []struct {
		src  string
		want string
	}{
		{"1 + 2 * 3", "(1 + (2 * 3))"},
		{"(1 + 2) * 3", "((1 + 2) * 3)"},
		{"close > ema20 && rsi < 30", "((close > ema20) && (rsi < 30))"},
		{"a || b && c", "(a || (b && c))"},
		{"-close + 1", "((-close) + 1)"},
		{"!armed", "(!armed)"},
		{"close - 1.2 * atr", "(close - (1.2 * atr))"},
		{"1 + 2 - 3", "((1 + 2) - 3)"},
	}
	for _, c := range cases {
		node, err := Parse(c.src)
		if err != nil {
			t.Fatalf("Parse(%q): %v", c.src, err)
		}
		if got := node.String(); got != c.want {
			t.Errorf("Parse(%q) = %s, want %s", c.src, got, c.want)
		}
	}
}

func TestParseMemberAccessNormalized(t *testing.T) {
	t.Parallel()
	node, err := Parse("macd.histogram > 0")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	ids := Identifiers(node)
	if len(ids) != 1 || ids[0] != "macd_histogram" {
		t.Errorf("Identifiers = %v, want [macd_histogram]", ids)
	}
}

func TestParseIndexing(t *testing.T) {
	t.Parallel()
	node, err := Parse("close[1] < close[0]")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := node.String(); got != "(close[1] < close[0])" {
		t.Errorf("String = %s", got)
	}
}

func TestParseCall(t *testing.T) {
	t.Parallel()
	node, err := Parse("clamp(rsi, 0, 100)")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	call, ok := node.(*Call)
	if !ok {
		t.Fatalf("node type = %T, want *Call", node)
	}
	if call.Func != "clamp" || len(call.Args) != 3 {
		t.Errorf("call = %s", call)
	}
}

func TestParseErrors(t *testing.T) {
	t.Parallel()
	bad := []string{
		"1 +",
		"close >",
		"(1 + 2",
		"a ? b",
		"a & b",
		"foo(1,",
		"= 3",
		"close[1",
	}
	for _, src := range bad {
		if _, err := Parse(src); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", src)
		}
	}
}

func TestIdentifiersOrder(t *testing.T) {
	t.Parallel()
	node, err := Parse("a + b*a + min(c, b)")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	ids := Identifiers(node)
	want := []string{"a", "b", "c"}
	if len(ids) != len(want) {
		t.Fatalf("Identifiers = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("Identifiers[%d] = %s, want %s", i, ids[i], want[i])
		}
	}
}
