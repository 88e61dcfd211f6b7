// Package formula compiles the small arithmetic expressions users attach to
// custom indicators. The language is deliberately tiny: float literals, a
// fixed set of variable names supplied at compile time, + - * /, unary minus
// and parentheses. Nothing else parses.
package formula

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokIdent
	tokPlus
	tokMinus
	tokStar
	tokSlash
	tokLParen
	tokRParen
	tokEOF
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c >= '0' && c <= '9' || c == '.':
			start := i
			for i < len(src) && (src[i] >= '0' && src[i] <= '9' || src[i] == '.') {
				i++
			}
			toks = append(toks, token{tokNumber, src[start:i], start})
		case c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z':
			start := i
			for i < len(src) && (src[i] == '_' ||
				src[i] >= 'a' && src[i] <= 'z' ||
				src[i] >= 'A' && src[i] <= 'Z' ||
				src[i] >= '0' && src[i] <= '9') {
				i++
			}
			toks = append(toks, token{tokIdent, src[start:i], start})
		case c == '+':
			toks = append(toks, token{tokPlus, "+", i})
			i++
		case c == '-':
			toks = append(toks, token{tokMinus, "-", i})
			i++
		case c == '*':
			toks = append(toks, token{tokStar, "*", i})
			i++
		case c == '/':
			toks = append(toks, token{tokSlash, "/", i})
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		default:
			return nil, fmt.Errorf("unexpected character %q at position %d", string(c), i)
		}
	}
	toks = append(toks, token{tokEOF, "", len(src)})
	return toks, nil
}

// node is one AST vertex. Exactly one of the fields below is meaningful,
// selected by op: 'n' literal, 'v' variable, 'u' unary minus, else binary.
type node struct {
	op    byte
	val   float64
	name  string
	left  *node
	right *node
}

type parser struct {
	toks    []token
	pos     int
	allowed map[string]bool
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	p.pos++
	return t
}

// expr := term (('+'|'-') term)*
func (p *parser) parseExpr() (*node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		switch p.peek().kind {
		case tokPlus:
			p.next()
			right, err := p.parseTerm()
			if err != nil {
				return nil, err
			}
			left = &node{op: '+', left: left, right: right}
		case tokMinus:
			p.next()
			right, err := p.parseTerm()
			if err != nil {
				return nil, err
			}
			left = &node{op: '-', left: left, right: right}
		default:
			return left, nil
		}
	}
}

// term := unary (('*'|'/') unary)*
func (p *parser) parseTerm() (*node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		switch p.peek().kind {
		case tokStar:
			p.next()
			right, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			left = &node{op: '*', left: left, right: right}
		case tokSlash:
			p.next()
			right, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			left = &node{op: '/', left: left, right: right}
		default:
			return left, nil
		}
	}
}

// unary := '-' unary | primary
func (p *parser) parseUnary() (*node, error) {
	if p.peek().kind == tokMinus {
		p.next()
		child, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &node{op: 'u', left: child}, nil
	}
	return p.parsePrimary()
}

// primary := NUMBER | IDENT | '(' expr ')'
func (p *parser) parsePrimary() (*node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		v, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q at position %d", t.text, t.pos)
		}
		return &node{op: 'n', val: v}, nil
	case tokIdent:
		if !p.allowed[t.text] {
			return nil, fmt.Errorf("unknown variable %q", t.text)
		}
		return &node{op: 'v', name: t.text}, nil
	case tokLParen:
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, fmt.Errorf("missing closing parenthesis at position %d", p.peek().pos)
		}
		p.next()
		return inner, nil
	case tokEOF:
		return nil, fmt.Errorf("unexpected end of formula")
	default:
		return nil, fmt.Errorf("unexpected token %q at position %d", t.text, t.pos)
	}
}

// Program is a compiled formula, safe for concurrent Eval calls.
type Program struct {
	src  string
	root *node
	vars []string
}

// Compile parses src against the allowed variable names. Any identifier
// outside vars is a compile error, so typos are caught before a formula is
// ever stored.
func Compile(src string, vars []string) (*Program, error) {
	trimmed := strings.TrimSpace(src)
	if trimmed == "" {
		return nil, fmt.Errorf("empty formula")
	}
	toks, err := lex(trimmed)
	if err != nil {
		return nil, err
	}
	allowed := make(map[string]bool, len(vars))
	for _, v := range vars {
		allowed[v] = true
	}
	p := &parser{toks: toks, allowed: allowed}
	root, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		t := p.peek()
		return nil, fmt.Errorf("unexpected token %q at position %d", t.text, t.pos)
	}
	used := make(map[string]bool)
	collectVars(root, used)
	prog := &Program{src: trimmed, root: root}
	for v := range used {
		prog.vars = append(prog.vars, v)
	}
	return prog, nil
}

func collectVars(n *node, into map[string]bool) {
	if n == nil {
		return
	}
	if n.op == 'v' {
		into[n.name] = true
	}
	collectVars(n.left, into)
	collectVars(n.right, into)
}

// Source returns the trimmed formula text the program was compiled from.
func (p *Program) Source() string { return p.src }

// Vars returns the variable names the formula references.
func (p *Program) Vars() []string { return p.vars }

// Eval computes the formula over vals. Variables missing from vals evaluate
// as 0. The bool result is false when the value is not finite (NaN or ±Inf,
// e.g. after a division by zero); callers treat that as "no point".
func (p *Program) Eval(vals map[string]float64) (float64, bool) {
	v := eval(p.root, vals)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func eval(n *node, vals map[string]float64) float64 {
	switch n.op {
	case 'n':
		return n.val
	case 'v':
		return vals[n.name]
	case 'u':
		return -eval(n.left, vals)
	case '+':
		return eval(n.left, vals) + eval(n.right, vals)
	case '-':
		return eval(n.left, vals) - eval(n.right, vals)
	case '*':
		return eval(n.left, vals) * eval(n.right, vals)
	case '/':
		return eval(n.left, vals) / eval(n.right, vals)
	}
	return math.NaN()
}

// Validate compiles src and dry-runs it over two synthetic samples. The
// small sample catches formulas that never produce a finite value; the large
// sample catches formulas whose magnitude blows past what the chart can
// plot (maxAbs).
func Validate(src string, vars []string, small, large map[string]float64, maxAbs float64) error {
	prog, err := Compile(src, vars)
	if err != nil {
		return err
	}
	if _, ok := prog.Eval(small); !ok {
		return fmt.Errorf("formula does not produce a finite value")
	}
	v, ok := prog.Eval(large)
	if !ok {
		return fmt.Errorf("formula does not produce a finite value")
	}
	if math.Abs(v) > maxAbs {
		return fmt.Errorf("formula result %g exceeds plottable range", v)
	}
	return nil
}
