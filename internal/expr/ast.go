// Package expr implements the strategy rule expression language: a lexer,
// a Pratt-style parser, and a deterministic evaluator.
//
// The language covers numeric and boolean literals, identifiers that resolve
// against an evaluation context (features, bar builtins, plan variables),
// unary and binary arithmetic, comparisons, short-circuit logical operators,
// a fixed function table (abs, min, max, round, clamp, in_range), member
// access (macd.histogram, sugar for macd_histogram) and bars-ago indexing
// (close[1] is the previous bar's close).
//
// Numbers are IEEE-754 doubles. Division by zero yields a quiet NaN which
// propagates; any comparison involving NaN is false. Evaluation is fixed
// left-to-right depth-first with no side effects and no I/O.
package expr

import (
	"fmt"
	"strconv"
	"strings"
)

// Node is an expression AST node. Nodes are immutable after parsing.
type Node interface {
	String() string
}

// NumberLit is a numeric literal.
type NumberLit struct {
	Value float64
}

func (n *NumberLit) String() string {
	return strconv.FormatFloat(n.Value, 'g', -1, 64)
}

// BoolLit is a boolean literal (true/false).
type BoolLit struct {
	Value bool
}

func (n *BoolLit) String() string {
	return strconv.FormatBool(n.Value)
}

// Ident references a feature, bar builtin, or plan-scoped variable.
// Member access is normalized at parse time, so "macd.histogram" arrives
// here as Name "macd_histogram".
type Ident struct {
	Name string
}

func (n *Ident) String() string { return n.Name }

// Unary is a prefix operator: "-" or "!".
type Unary struct {
	Op string
	X  Node
}

func (n *Unary) String() string {
	return fmt.Sprintf("(%s%s)", n.Op, n.X)
}

// Binary is an infix operator over two operands.
type Binary struct {
	Op   string
	L, R Node
}

func (n *Binary) String() string {
	return fmt.Sprintf("(%s %s %s)", n.L, n.Op, n.R)
}

// Call invokes a function from the fixed function table.
type Call struct {
	Func string
	Args []Node
}

func (n *Call) String() string {
	parts := make([]string, len(n.Args))
	for i, a := range n.Args {
		parts[i] = a.String()
	}
	return fmt.Sprintf("%s(%s)", n.Func, strings.Join(parts, ", "))
}

// Index retrieves the value an identifier had K bars ago. K is itself an
// expression but must evaluate to a non-negative integer at runtime.
type Index struct {
	Name string
	K    Node
}

func (n *Index) String() string {
	return fmt.Sprintf("%s[%s]", n.Name, n.K)
}

// Identifiers walks the tree and returns every identifier name referenced,
// in first-appearance order. The compiler uses this for name resolution.
func Identifiers(n Node) []string {
	seen := make(map[string]bool)
	var out []string
	var walk func(Node)
	walk = func(n Node) {
		switch t := n.(type) {
		case *Ident:
			if !seen[t.Name] {
				seen[t.Name] = true
				out = append(out, t.Name)
			}
		case *Index:
			if !seen[t.Name] {
				seen[t.Name] = true
				out = append(out, t.Name)
			}
			walk(t.K)
		case *Unary:
			walk(t.X)
		case *Binary:
			walk(t.L)
			walk(t.R)
		case *Call:
			for _, a := range t.Args {
				walk(a)
			}
		}
	}
	walk(n)
	return out
}

// FuncNames returns every function name called anywhere in the tree.
func FuncNames(n Node) []string {
	seen := make(map[string]bool)
	var out []string
	var walk func(Node)
	walk = func(n Node) {
		switch t := n.(type) {
		case *Unary:
			walk(t.X)
		case *Binary:
			walk(t.L)
			walk(t.R)
		case *Index:
			walk(t.K)
		case *Call:
			if !seen[t.Func] {
				seen[t.Func] = true
				out = append(out, t.Func)
			}
			for _, a := range t.Args {
				walk(a)
			}
		}
	}
	walk(n)
	return out
}
