package expr

import (
	"fmt"
)

// Parse turns a rule or level expression into an AST. It is the only entry
// point; the compiler calls it once per rule string and caches the result
// in the IR.
func Parse(src string) (Node, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	node, err := p.parseExpr(0)
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		t := p.peek()
		return nil, fmt.Errorf("unexpected token %q at %d", t.text, t.pos)
	}
	return node, nil
}

type parser struct {
	toks []token
	i    int
}

func (p *parser) peek() token { return p.toks[p.i] }

func (p *parser) next() token {
	t := p.toks[p.i]
	if t.kind != tokEOF {
		p.i++
	}
	return t
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	t := p.peek()
	if t.kind != kind {
		return t, fmt.Errorf("expected %s at %d, got %q", what, t.pos, t.text)
	}
	return p.next(), nil
}

// Binding powers. Higher binds tighter. "||" is the loosest, postfix the
// tightest; comparisons are non-associative in practice but parsed
// left-associatively like everything else.
func bindingPower(op string) int {
	switch op {
	case "||":
		return 1
	case "&&":
		return 2
	case "==", "!=", "<", "<=", ">", ">=":
		return 3
	case "+", "-":
		return 4
	case "*", "/", "%":
		return 5
	default:
		return 0
	}
}

// parseExpr is a Pratt loop: parse a prefix operand, then fold in infix
// operators whose binding power exceeds min.
func (p *parser) parseExpr(min int) (Node, error) {
	left, err := p.parsePrefix()
	if err != nil {
		return nil, err
	}

	for {
		t := p.peek()
		if t.kind != tokOp {
			return left, nil
		}
		bp := bindingPower(t.text)
		if bp == 0 || bp <= min {
			return left, nil
		}
		p.next()
		right, err := p.parseExpr(bp)
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: t.text, L: left, R: right}
	}
}

func (p *parser) parsePrefix() (Node, error) {
	t := p.peek()
	switch {
	case t.kind == tokOp && (t.text == "-" || t.text == "!"):
		p.next()
		x, err := p.parsePrefix()
		if err != nil {
			return nil, err
		}
		return &Unary{Op: t.text, X: x}, nil
	case t.kind == tokNumber:
		p.next()
		return &NumberLit{Value: t.num}, nil
	case t.kind == tokLParen:
		p.next()
		inner, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, ")"); err != nil {
			return nil, err
		}
		return inner, nil
	case t.kind == tokIdent:
		return p.parseIdent()
	default:
		return nil, fmt.Errorf("unexpected token %q at %d", t.text, t.pos)
	}
}

// parseIdent handles the identifier-rooted forms: bare names, boolean
// literals, calls, member access, and bars-ago indexing.
//
// Member access is normalized here and nowhere else: "a.b" becomes the
// identifier "a_b" before the compiler ever sees it.
func (p *parser) parseIdent() (Node, error) {
	t := p.next()
	name := t.text

	switch name {
	case "true":
		return &BoolLit{Value: true}, nil
	case "false":
		return &BoolLit{Value: false}, nil
	}

	// Function call
	if p.peek().kind == tokLParen {
		p.next()
		var args []Node
		if p.peek().kind != tokRParen {
			for {
				arg, err := p.parseExpr(0)
				if err != nil {
					return nil, err
				}
				args = append(args, arg)
				if p.peek().kind == tokComma {
					p.next()
					continue
				}
				break
			}
		}
		if _, err := p.expect(tokRParen, ")"); err != nil {
			return nil, err
		}
		return &Call{Func: name, Args: args}, nil
	}

	// Member access chain: a.b.c → a_b_c
	for p.peek().kind == tokDot {
		p.next()
		field, err := p.expect(tokIdent, "field name")
		if err != nil {
			return nil, err
		}
		name = name + "_" + field.text
	}

	// Bars-ago indexing
	if p.peek().kind == tokLBrack {
		p.next()
		k, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRBrack, "]"); err != nil {
			return nil, err
		}
		return &Index{Name: name, K: k}, nil
	}

	return &Ident{Name: name}, nil
}
