package expr

import (
	"fmt"
	"math"
)

// Context supplies identifier values during evaluation. The engine backs it
// with the current feature snapshot, bar builtins, plan-scoped variables,
// and per-feature history rings.
type Context interface {
	// Value resolves an identifier to its current-bar value.
	Value(name string) (float64, bool)
	// ValueAt resolves an identifier to its value barsAgo bars in the past.
	// barsAgo 0 is the current bar. Missing history returns false.
	ValueAt(name string, barsAgo int) (float64, bool)
}

// Functions is the fixed function table. Growth of the expression language
// happens here; grammar changes go through the parser and type checker
// together.
var functions = map[string]struct {
	arity int // -1 means variadic with at least 2 args
	fn    func(args []float64) float64
}{
	"abs":   {1, func(a []float64) float64 { return math.Abs(a[0]) }},
	"round": {1, func(a []float64) float64 { return math.Round(a[0]) }},
	"min": {-1, func(a []float64) float64 {
		m := a[0]
		for _, v := range a[1:] {
			m = math.Min(m, v)
		}
		return m
	}},
	"max": {-1, func(a []float64) float64 {
		m := a[0]
		for _, v := range a[1:] {
			m = math.Max(m, v)
		}
		return m
	}},
	"clamp": {3, func(a []float64) float64 {
		return math.Min(math.Max(a[0], a[1]), a[2])
	}},
	"in_range": {3, func(a []float64) float64 {
		if a[0] >= a[1] && a[0] <= a[2] {
			return 1
		}
		return 0
	}},
}

// IsFunction reports whether name is in the function table. The compiler
// uses this during name resolution.
func IsFunction(name string) bool {
	_, ok := functions[name]
	return ok
}

// Eval evaluates the AST against ctx to an IEEE-754 double. Booleans are
// represented as 1 and 0. Errors are returned for unknown identifiers or
// functions and arity mismatches; the transition layer treats an erroring
// predicate as false.
func Eval(n Node, ctx Context) (float64, error) {
	switch t := n.(type) {
	case *NumberLit:
		return t.Value, nil

	case *BoolLit:
		if t.Value {
			return 1, nil
		}
		return 0, nil

	case *Ident:
		v, ok := ctx.Value(t.Name)
		if !ok {
			return 0, fmt.Errorf("unknown identifier %q", t.Name)
		}
		return v, nil

	case *Index:
		k, err := Eval(t.K, ctx)
		if err != nil {
			return 0, err
		}
		if math.IsNaN(k) || k < 0 {
			return 0, fmt.Errorf("bars-ago index for %q must be >= 0, got %v", t.Name, k)
		}
		v, ok := ctx.ValueAt(t.Name, int(k))
		if !ok {
			// Fewer than k+1 samples recorded: NaN, not an error.
			return math.NaN(), nil
		}
		return v, nil

	case *Unary:
		x, err := Eval(t.X, ctx)
		if err != nil {
			return 0, err
		}
		switch t.Op {
		case "-":
			return -x, nil
		case "!":
			if Truthy(x) {
				return 0, nil
			}
			return 1, nil
		}
		return 0, fmt.Errorf("unknown unary operator %q", t.Op)

	case *Binary:
		// Short-circuit logical operators evaluate left first, always.
		switch t.Op {
		case "&&":
			l, err := Eval(t.L, ctx)
			if err != nil {
				return 0, err
			}
			if !Truthy(l) {
				return 0, nil
			}
			r, err := Eval(t.R, ctx)
			if err != nil {
				return 0, err
			}
			return boolVal(Truthy(r)), nil
		case "||":
			l, err := Eval(t.L, ctx)
			if err != nil {
				return 0, err
			}
			if Truthy(l) {
				return 1, nil
			}
			r, err := Eval(t.R, ctx)
			if err != nil {
				return 0, err
			}
			return boolVal(Truthy(r)), nil
		}

		l, err := Eval(t.L, ctx)
		if err != nil {
			return 0, err
		}
		r, err := Eval(t.R, ctx)
		if err != nil {
			return 0, err
		}
		switch t.Op {
		case "+":
			return l + r, nil
		case "-":
			return l - r, nil
		case "*":
			return l * r, nil
		case "/":
			if r == 0 {
				return math.NaN(), nil
			}
			return l / r, nil
		case "%":
			if r == 0 {
				return math.NaN(), nil
			}
			return math.Mod(l, r), nil
		// Comparisons with NaN on either side are false.
		case "==":
			return boolVal(l == r), nil
		case "!=":
			if math.IsNaN(l) || math.IsNaN(r) {
				return 0, nil
			}
			return boolVal(l != r), nil
		case "<":
			return boolVal(l < r), nil
		case "<=":
			return boolVal(l <= r), nil
		case ">":
			return boolVal(l > r), nil
		case ">=":
			return boolVal(l >= r), nil
		}
		return 0, fmt.Errorf("unknown operator %q", t.Op)

	case *Call:
		spec, ok := functions[t.Func]
		if !ok {
			return 0, fmt.Errorf("unknown function %q", t.Func)
		}
		if spec.arity >= 0 && len(t.Args) != spec.arity {
			return 0, fmt.Errorf("%s expects %d args, got %d", t.Func, spec.arity, len(t.Args))
		}
		if spec.arity < 0 && len(t.Args) < 2 {
			return 0, fmt.Errorf("%s expects at least 2 args, got %d", t.Func, len(t.Args))
		}
		args := make([]float64, len(t.Args))
		for i, a := range t.Args {
			v, err := Eval(a, ctx)
			if err != nil {
				return 0, err
			}
			args[i] = v
		}
		return spec.fn(args), nil
	}

	return 0, fmt.Errorf("unknown node type %T", n)
}

// EvalBool evaluates n and coerces the result to a boolean.
func EvalBool(n Node, ctx Context) (bool, error) {
	v, err := Eval(n, ctx)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// Truthy implements boolean coercion: nonzero is true, NaN is false.
func Truthy(v float64) bool {
	return v != 0 && !math.IsNaN(v)
}

func boolVal(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// MapContext is a Context backed by plain maps, used in tests and by the
// compiler for static invariant checks on order plans.
type MapContext struct {
	Values  map[string]float64
	History map[string][]float64 // index 0 = current bar
}

func (m MapContext) Value(name string) (float64, bool) {
	v, ok := m.Values[name]
	return v, ok
}

func (m MapContext) ValueAt(name string, barsAgo int) (float64, bool) {
	h, ok := m.History[name]
	if !ok || barsAgo >= len(h) {
		// Fall back to the current value for index 0.
		if barsAgo == 0 {
			return m.Value(name)
		}
		return 0, false
	}
	return h[barsAgo], true
}
