package expr

import (
	"fmt"
	"strconv"
	"strings"
)

// node is an evaluable piece of a parsed expression.
type node interface {
	eval(vars map[string]any) any
}

type literal struct{ v any }

func (l literal) eval(map[string]any) any { return l.v }

type path struct{ segments []string }

func (p path) eval(vars map[string]any) any { return Lookup(vars, p.segments...) }

type list struct{ items []node }

func (l list) eval(vars map[string]any) any {
	out := make([]any, len(l.items))
	for i, item := range l.items {
		out[i] = item.eval(vars)
	}
	return out
}

type not struct{ inner node }

func (n not) eval(vars map[string]any) any { return !IsTruthy(n.inner.eval(vars)) }

type logical struct {
	and         bool
	left, right node
}

func (l logical) eval(vars map[string]any) any {
	left := IsTruthy(l.left.eval(vars))
	if l.and {
		return left && IsTruthy(l.right.eval(vars))
	}
	return left || IsTruthy(l.right.eval(vars))
}

type comparison struct {
	op          string
	left, right node
}

func (c comparison) eval(vars map[string]any) any {
	ok, _ := Compare(c.left.eval(vars), c.right.eval(vars), c.op)
	return ok
}

type parser struct {
	src  string
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) errorf(t token, format string, args ...any) error {
	return &SyntaxError{Expr: p.src, Pos: t.pos, Message: fmt.Sprintf(format, args...)}
}

func (p *parser) isKeyword(words ...string) bool {
	t := p.peek()
	if t.kind != tokIdent {
		return false
	}
	for _, w := range words {
		if strings.EqualFold(t.text, w) {
			return true
		}
	}
	return false
}

func (p *parser) isOp(ops ...string) bool {
	t := p.peek()
	if t.kind != tokOp {
		return false
	}
	for _, op := range ops {
		if t.text == op {
			return true
		}
	}
	return false
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("or") || p.isOp("||") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = logical{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("and") || p.isOp("&&") {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = logical{and: true, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.isKeyword("not") || p.isOp("!") {
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return not{inner: inner}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}

	var op string
	switch {
	case p.isOp("==", "!=", "<", "<=", ">", ">="):
		op = p.next().text
	case p.isKeyword("contains", "in"):
		op = strings.ToLower(p.next().text)
	default:
		return left, nil
	}

	right, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	return comparison{op: op, left: left, right: right}, nil
}

func (p *parser) parseOperand() (node, error) {
	t := p.next()
	switch t.kind {
	case tokString:
		return literal{t.text}, nil
	case tokNumber:
		if i, err := strconv.ParseInt(t.text, 10, 64); err == nil {
			return literal{i}, nil
		}
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, p.errorf(t, "bad number %q", t.text)
		}
		return literal{f}, nil
	case tokIdent:
		switch strings.ToLower(t.text) {
		case "true":
			return literal{true}, nil
		case "false":
			return literal{false}, nil
		case "null", "nil":
			return literal{nil}, nil
		case "and", "or", "not", "contains", "in":
			return nil, p.errorf(t, "unexpected %q", t.text)
		}
		segs := strings.Split(t.text, ".")
		for _, s := range segs {
			if s == "" {
				return nil, p.errorf(t, "bad path %q", t.text)
			}
		}
		return path{segments: segs}, nil
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, p.errorf(p.peek(), "expected )")
		}
		p.next()
		return inner, nil
	case tokLBracket:
		var items []node
		if p.peek().kind == tokRBracket {
			p.next()
			return list{}, nil
		}
		for {
			item, err := p.parseOperand()
			if err != nil {
				return nil, err
			}
			items = append(items, item)
			switch p.next().kind {
			case tokComma:
				continue
			case tokRBracket:
				return list{items: items}, nil
			default:
				return nil, p.errorf(t, "unterminated list")
			}
		}
	case tokEOF:
		return nil, p.errorf(t, "unexpected end of expression")
	default:
		return nil, p.errorf(t, "unexpected %q", t.text)
	}
}
