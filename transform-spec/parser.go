package transformspec

import (
	"fmt"
	"strings"
)

// Binding powers, loosest first.
const (
	precLowest = iota
	precOr
	precAnd
	precNot
	precCompare
	precConcat
	precAdditive
	precMultiplicative
	precUnary
)

type parser struct {
	expr   string
	tokens []token
	pos    int
}

// Parse turns a SQL-like expression into a tree.
func Parse(expr string) (Node, error) {
	tokens, err := lex(expr)
	if err != nil {
		return nil, err
	}
	p := &parser{expr: expr, tokens: tokens}
	n, err := p.parseExpr(precLowest + 1)
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, p.errorf(t, "unexpected %v", t)
	}
	return n, nil
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) peekN(n int) token {
	if p.pos+n < len(p.tokens) {
		return p.tokens[p.pos+n]
	}
	return p.tokens[len(p.tokens)-1]
}

func (p *parser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) isKeyword(t token, kw string) bool {
	return t.kind == tokKeyword && t.text == kw
}

func (p *parser) isOperator(t token, op string) bool {
	return t.kind == tokOperator && t.text == op
}

func (p *parser) errorf(t token, format string, args ...interface{}) error {
	return &ParseError{Expr: p.expr, Pos: t.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) expectKeyword(kw string) error {
	if t := p.next(); !p.isKeyword(t, kw) {
		return p.errorf(t, "expected %v but found %v", kw, t)
	}
	return nil
}

func (p *parser) expectOperator(op string) error {
	if t := p.next(); !p.isOperator(t, op) {
		return p.errorf(t, "expected %q but found %v", op, t)
	}
	return nil
}

// parseExpr parses operators that bind at least as tightly as minPrec.
func (p *parser) parseExpr(minPrec int) (Node, error) {
	left, err := p.parsePrefix()
	if err != nil {
		return nil, err
	}
	for {
		prec := p.infixPrecedence()
		if prec < minPrec || prec == precLowest {
			return left, nil
		}
		left, err = p.parseInfix(left, prec)
		if err != nil {
			return nil, err
		}
	}
}

func (p *parser) infixPrecedence() int {
	t := p.peek()
	switch t.kind {
	case tokOperator:
		switch t.text {
		case "=", "<>", "<", "<=", ">", ">=":
			return precCompare
		case "||":
			return precConcat
		case "+", "-":
			return precAdditive
		case "*", "/", "%":
			return precMultiplicative
		}
	case tokKeyword:
		switch t.text {
		case "OR":
			return precOr
		case "AND":
			return precAnd
		case "IS", "IN", "LIKE", "ILIKE", "BETWEEN":
			return precCompare
		case "NOT":
			// NOT only continues an expression as NOT IN, NOT LIKE or NOT BETWEEN.
			n := p.peekN(1)
			if p.isKeyword(n, "IN") || p.isKeyword(n, "LIKE") || p.isKeyword(n, "ILIKE") || p.isKeyword(n, "BETWEEN") {
				return precCompare
			}
		}
	}
	return precLowest
}

func (p *parser) parseInfix(left Node, prec int) (Node, error) {
	t := p.next()
	not := false
	if p.isKeyword(t, "NOT") {
		not = true
		t = p.next()
	}
	switch {
	case t.kind == tokOperator:
		right, err := p.parseExpr(prec + 1)
		if err != nil {
			return nil, err
		}
		return &Binary{Op: t.text, L: left, R: right}, nil
	case t.text == "AND", t.text == "OR", t.text == "LIKE", t.text == "ILIKE":
		right, err := p.parseExpr(prec + 1)
		if err != nil {
			return nil, err
		}
		return &Binary{Op: t.text, Not: not, L: left, R: right}, nil
	case t.text == "IS":
		if p.isKeyword(p.peek(), "NOT") {
			p.next()
			not = true
		}
		if err := p.expectKeyword("NULL"); err != nil {
			return nil, err
		}
		return &IsNull{X: left, Not: not}, nil
	case t.text == "IN":
		if err := p.expectOperator("("); err != nil {
			return nil, err
		}
		list, err := p.parseList()
		if err != nil {
			return nil, err
		}
		if len(list) == 0 {
			return nil, p.errorf(t, "IN needs at least one value")
		}
		return &In{X: left, List: list, Not: not}, nil
	case t.text == "BETWEEN":
		lo, err := p.parseExpr(precConcat)
		if err != nil {
			return nil, err
		}
		if err = p.expectKeyword("AND"); err != nil {
			return nil, err
		}
		hi, err := p.parseExpr(precConcat)
		if err != nil {
			return nil, err
		}
		return &Between{X: left, Lo: lo, Hi: hi, Not: not}, nil
	}
	return nil, p.errorf(t, "unexpected %v", t)
}

// parseList parses comma separated expressions up to and including the closing parenthesis.
func (p *parser) parseList() ([]Node, error) {
	var list []Node
	if p.isOperator(p.peek(), ")") {
		p.next()
		return list, nil
	}
	for {
		n, err := p.parseExpr(precLowest + 1)
		if err != nil {
			return nil, err
		}
		list = append(list, n)
		t := p.next()
		if p.isOperator(t, ")") {
			return list, nil
		}
		if !p.isOperator(t, ",") {
			return nil, p.errorf(t, "expected \",\" or \")\" but found %v", t)
		}
	}
}

func (p *parser) parsePrefix() (Node, error) {
	t := p.next()
	switch t.kind {
	case tokEOF:
		return nil, p.errorf(t, "unexpected end of expression")
	case tokNumber:
		return &NumberLit{Text: t.text}, nil
	case tokString:
		return &StringLit{Value: t.text}, nil
	case tokQuotedIdent:
		return &Ident{Name: t.text}, nil
	case tokIdent:
		if p.isOperator(p.peek(), "(") {
			p.next()
			return p.parseCall(t)
		}
		return &Ident{Name: t.text}, nil
	case tokOperator:
		switch t.text {
		case "(":
			n, err := p.parseExpr(precLowest + 1)
			if err != nil {
				return nil, err
			}
			if err = p.expectOperator(")"); err != nil {
				return nil, err
			}
			return n, nil
		case "-":
			x, err := p.parseExpr(precUnary)
			if err != nil {
				return nil, err
			}
			return &Unary{Op: "-", X: x}, nil
		case "+":
			return p.parseExpr(precUnary)
		}
	case tokKeyword:
		switch t.text {
		case "NULL":
			return &NullLit{}, nil
		case "TRUE", "FALSE":
			return &BoolLit{Value: t.text == "TRUE"}, nil
		case "NOT":
			x, err := p.parseExpr(precNot)
			if err != nil {
				return nil, err
			}
			return &Unary{Op: "NOT", X: x}, nil
		case "CASE":
			return p.parseCase()
		case "CAST":
			return p.parseCast()
		}
	}
	return nil, p.errorf(t, "unexpected %v", t)
}

func (p *parser) parseCall(name token) (Node, error) {
	c := &Call{Name: strings.ToLower(name.text)}
	if p.isOperator(p.peek(), "*") && p.isOperator(p.peekN(1), ")") {
		p.next()
		p.next()
		c.Star = true
		return c, nil
	}
	args, err := p.parseList()
	if err != nil {
		return nil, err
	}
	c.Args = args
	return c, nil
}

func (p *parser) parseCase() (Node, error) {
	c := &Case{}
	if !p.isKeyword(p.peek(), "WHEN") {
		operand, err := p.parseExpr(precLowest + 1)
		if err != nil {
			return nil, err
		}
		c.Operand = operand
	}
	for p.isKeyword(p.peek(), "WHEN") {
		p.next()
		cond, err := p.parseExpr(precLowest + 1)
		if err != nil {
			return nil, err
		}
		if err = p.expectKeyword("THEN"); err != nil {
			return nil, err
		}
		result, err := p.parseExpr(precLowest + 1)
		if err != nil {
			return nil, err
		}
		c.Whens = append(c.Whens, When{Cond: cond, Result: result})
	}
	if len(c.Whens) == 0 {
		return nil, p.errorf(p.peek(), "CASE needs at least one WHEN")
	}
	if p.isKeyword(p.peek(), "ELSE") {
		p.next()
		e, err := p.parseExpr(precLowest + 1)
		if err != nil {
			return nil, err
		}
		c.Else = e
	}
	if err := p.expectKeyword("END"); err != nil {
		return nil, err
	}
	return c, nil
}

// parseCast reads CAST(x AS type) where type is any text accepted by stream.ParseDataType.
func (p *parser) parseCast() (Node, error) {
	if err := p.expectOperator("("); err != nil {
		return nil, err
	}
	x, err := p.parseExpr(precLowest + 1)
	if err != nil {
		return nil, err
	}
	if err = p.expectKeyword("AS"); err != nil {
		return nil, err
	}
	start := p.peek()
	var sb strings.Builder
	depth := 0
	for {
		t := p.peek()
		if t.kind == tokEOF {
			return nil, p.errorf(t, "unterminated CAST")
		}
		if p.isOperator(t, ")") {
			if depth == 0 {
				break
			}
			depth--
		}
		if p.isOperator(t, "(") {
			depth++
		}
		sb.WriteString(t.text)
		p.next()
	}
	p.next()
	if sb.Len() == 0 {
		return nil, p.errorf(start, "CAST needs a type")
	}
	return &Cast{X: x, Type: sb.String()}, nil
}
