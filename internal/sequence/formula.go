package sequence

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// EvalFormula evaluates an arithmetic expression over named variable values.
//
// Supported syntax:
//   - numbers, variable names, pi, e
//   - + - * / ^ and parentheses, unary minus
//   - sqrt abs exp log sin cos tan floor ceil round (one argument), min max pow (two)
func EvalFormula(expr string, vars map[string]float64) (float64, error) {
	p := &parser{src: expr, vars: vars}
	p.next()
	v, err := p.expr()
	if err != nil {
		return 0, err
	}
	if p.tok.kind != tokEOF {
		return 0, fmt.Errorf("unexpected %q at offset %d", p.tok.text, p.tok.pos)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("result is not a finite number")
	}
	return v, nil
}

type tokKind int

const (
	tokEOF tokKind = iota
	tokNum
	tokIdent
	tokOp
)

type token struct {
	kind tokKind
	text string
	num  float64
	pos  int
}

type parser struct {
	src  string
	pos  int
	tok  token
	err  error
	vars map[string]float64
}

func (p *parser) next() {
	for p.pos < len(p.src) && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t') {
		p.pos++
	}
	start := p.pos
	if p.pos >= len(p.src) {
		p.tok = token{kind: tokEOF, pos: start}
		return
	}
	c := rune(p.src[p.pos])
	switch {
	case unicode.IsDigit(c) || c == '.':
		for p.pos < len(p.src) && (isDigit(p.src[p.pos]) || p.src[p.pos] == '.') {
			p.pos++
		}
		// exponent
		if p.pos < len(p.src) && (p.src[p.pos] == 'e' || p.src[p.pos] == 'E') {
			save := p.pos
			p.pos++
			if p.pos < len(p.src) && (p.src[p.pos] == '+' || p.src[p.pos] == '-') {
				p.pos++
			}
			if p.pos < len(p.src) && isDigit(p.src[p.pos]) {
				for p.pos < len(p.src) && isDigit(p.src[p.pos]) {
					p.pos++
				}
			} else {
				p.pos = save
			}
		}
		text := p.src[start:p.pos]
		n, err := strconv.ParseFloat(text, 64)
		if err != nil && p.err == nil {
			p.err = fmt.Errorf("bad number %q", text)
		}
		p.tok = token{kind: tokNum, text: text, num: n, pos: start}
	case unicode.IsLetter(c) || c == '_':
		for p.pos < len(p.src) && isIdent(rune(p.src[p.pos])) {
			p.pos++
		}
		p.tok = token{kind: tokIdent, text: p.src[start:p.pos], pos: start}
	default:
		p.pos++
		p.tok = token{kind: tokOp, text: string(c), pos: start}
	}
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func isIdent(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' }

func (p *parser) expect(op string) error {
	if p.tok.kind != tokOp || p.tok.text != op {
		if p.tok.kind == tokEOF {
			return fmt.Errorf("expected %q at end of formula", op)
		}
		return fmt.Errorf("expected %q at offset %d, got %q", op, p.tok.pos, p.tok.text)
	}
	p.next()
	return nil
}

func (p *parser) expr() (float64, error) {
	left, err := p.term()
	if err != nil {
		return 0, err
	}
	for p.tok.kind == tokOp && (p.tok.text == "+" || p.tok.text == "-") {
		op := p.tok.text
		p.next()
		right, err := p.term()
		if err != nil {
			return 0, err
		}
		if op == "+" {
			left += right
		} else {
			left -= right
		}
	}
	return left, nil
}

func (p *parser) term() (float64, error) {
	left, err := p.power()
	if err != nil {
		return 0, err
	}
	for p.tok.kind == tokOp && (p.tok.text == "*" || p.tok.text == "/") {
		op := p.tok.text
		p.next()
		right, err := p.power()
		if err != nil {
			return 0, err
		}
		if op == "*" {
			left *= right
		} else {
			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			left /= right
		}
	}
	return left, nil
}

// power is right associative: 2^3^2 == 2^9.
func (p *parser) power() (float64, error) {
	base, err := p.unary()
	if err != nil {
		return 0, err
	}
	if p.tok.kind == tokOp && p.tok.text == "^" {
		p.next()
		exp, err := p.power()
		if err != nil {
			return 0, err
		}
		return math.Pow(base, exp), nil
	}
	return base, nil
}

func (p *parser) unary() (float64, error) {
	if p.tok.kind == tokOp && (p.tok.text == "-" || p.tok.text == "+") {
		neg := p.tok.text == "-"
		p.next()
		v, err := p.unary()
		if neg {
			v = -v
		}
		return v, err
	}
	return p.primary()
}

func (p *parser) primary() (float64, error) {
	if p.err != nil {
		return 0, p.err
	}
	switch p.tok.kind {
	case tokNum:
		v := p.tok.num
		p.next()
		return v, p.err
	case tokIdent:
		name := p.tok.text
		p.next()
		if p.tok.kind == tokOp && p.tok.text == "(" {
			return p.call(name)
		}
		return p.lookup(name)
	case tokOp:
		if p.tok.text == "(" {
			p.next()
			v, err := p.expr()
			if err != nil {
				return 0, err
			}
			return v, p.expect(")")
		}
		return 0, fmt.Errorf("unexpected %q at offset %d", p.tok.text, p.tok.pos)
	default:
		return 0, fmt.Errorf("unexpected end of formula")
	}
}

func (p *parser) lookup(name string) (float64, error) {
	if v, ok := p.vars[name]; ok {
		return v, nil
	}
	switch strings.ToLower(name) {
	case "pi":
		return math.Pi, nil
	case "e":
		return math.E, nil
	}
	return 0, fmt.Errorf("unknown variable %q", name)
}

var unaryFuncs = map[string]func(float64) float64{
	"sqrt":  math.Sqrt,
	"abs":   math.Abs,
	"exp":   math.Exp,
	"log":   math.Log,
	"sin":   math.Sin,
	"cos":   math.Cos,
	"tan":   math.Tan,
	"floor": math.Floor,
	"ceil":  math.Ceil,
	"round": math.Round,
}

var binaryFuncs = map[string]func(float64, float64) float64{
	"min": math.Min,
	"max": math.Max,
	"pow": math.Pow,
}

func (p *parser) call(name string) (float64, error) {
	if err := p.expect("("); err != nil {
		return 0, err
	}
	var args []float64
	if !(p.tok.kind == tokOp && p.tok.text == ")") {
		for {
			v, err := p.expr()
			if err != nil {
				return 0, err
			}
			args = append(args, v)
			if p.tok.kind == tokOp && p.tok.text == "," {
				p.next()
				continue
			}
			break
		}
	}
	if err := p.expect(")"); err != nil {
		return 0, err
	}

	fn := strings.ToLower(name)
	if f, ok := unaryFuncs[fn]; ok {
		if len(args) != 1 {
			return 0, fmt.Errorf("%s takes 1 argument, got %d", name, len(args))
		}
		return f(args[0]), nil
	}
	if f, ok := binaryFuncs[fn]; ok {
		if len(args) != 2 {
			return 0, fmt.Errorf("%s takes 2 arguments, got %d", name, len(args))
		}
		return f(args[0], args[1]), nil
	}
	return 0, fmt.Errorf("unknown function %q", name)
}
