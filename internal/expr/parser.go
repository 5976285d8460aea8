package expr

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Node is a parsed expression tree node.
type Node interface{}

type literal struct {
	val any // decimal.Decimal or string
}

type unary struct {
	op string
	x  Node
}

type binary struct {
	op   string
	l, r Node
}

type call struct {
	fn   string
	args []Node
}

var stringFuncs = map[string]bool{
	"concat": true,
	"upper":  true,
	"lower":  true,
	"trim":   true,
}

type parser struct {
	toks []token
	pos  int
}

// parse turns s into an expression tree. The whole input must be consumed;
// trailing tokens are an error, as are mismatched parentheses.
func parse(s string) (Node, error) {
	toks, err := lex(s)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		t := p.peek()
		return nil, fmt.Errorf("unexpected %q at position %d", t.text, t.pos)
	}
	return n, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) acceptOp(ops ...string) (string, bool) {
	t := p.peek()
	if t.kind != tokOp {
		return "", false
	}
	for _, op := range ops {
		if t.text == op {
			p.next()
			return op, true
		}
	}
	return "", false
}

func (p *parser) parseOr() (Node, error) {
	l, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp("||")
		if !ok {
			return l, nil
		}
		r, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		l = binary{op, l, r}
	}
}

func (p *parser) parseAnd() (Node, error) {
	l, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp("&&")
		if !ok {
			return l, nil
		}
		r, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		l = binary{op, l, r}
	}
}

func (p *parser) parseComparison() (Node, error) {
	l, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	op, ok := p.acceptOp("==", "!=", "<=", ">=", "<", ">")
	if !ok {
		return l, nil
	}
	r, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	return binary{op, l, r}, nil
}

func (p *parser) parseAdditive() (Node, error) {
	l, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp("+", "-")
		if !ok {
			return l, nil
		}
		r, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		l = binary{op, l, r}
	}
}

func (p *parser) parseMultiplicative() (Node, error) {
	l, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp("*", "/", "%")
		if !ok {
			return l, nil
		}
		r, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		l = binary{op, l, r}
	}
}

func (p *parser) parseUnary() (Node, error) {
	if op, ok := p.acceptOp("+", "-"); ok {
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return unary{op, x}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		d, err := decimal.NewFromString(t.text)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q at position %d", t.text, t.pos)
		}
		return literal{d}, nil
	case tokString:
		return literal{t.text}, nil
	case tokAtom:
		if p.peek().kind == tokLParen {
			if !stringFuncs[t.text] {
				return nil, fmt.Errorf("unknown function %q", t.text)
			}
			p.next()
			return p.parseCallArgs(t.text)
		}
		return literal{t.text}, nil
	case tokLParen:
		n, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, fmt.Errorf("missing closing parenthesis at position %d", p.peek().pos)
		}
		p.next()
		return n, nil
	case tokEOF:
		return nil, fmt.Errorf("unexpected end of expression")
	default:
		return nil, fmt.Errorf("unexpected %q at position %d", t.text, t.pos)
	}
}

func (p *parser) parseCallArgs(fn string) (Node, error) {
	c := call{fn: fn}
	if p.peek().kind == tokRParen {
		p.next()
		return c, nil
	}
	for {
		arg, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		c.args = append(c.args, arg)
		switch p.peek().kind {
		case tokComma:
			p.next()
		case tokRParen:
			p.next()
			return c, nil
		default:
			return nil, fmt.Errorf("missing closing parenthesis in %s()", fn)
		}
	}
}
