package calc

import (
	"fmt"
	"strconv"
	"strings"
)

type tokenKind int

const (
	tokOperand tokenKind = iota // integer: a wavelength to look up
	tokScalar                   // decimal literal
	tokOperator
	tokLParen
	tokRParen
)

type token struct {
	kind   tokenKind
	text   string
	op     byte
	ref    int
	scalar float32
}

// Expression is a compiled arithmetic expression in postfix order.
type Expression struct {
	source  string
	postfix []token
}

// Compile tokenizes expr and reorders it with the shunting-yard algorithm.
// Parentheses are matched permissively: a stray ')' empties the operator
// stack and a leftover '(' is dropped. Malformed operand/operator sequences
// are only detected when the expression is evaluated.
func Compile(expr string) (*Expression, error) {
	tokens, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: empty expression", ErrNoResult)
	}
	return &Expression{source: expr, postfix: toPostfix(tokens)}, nil
}

func (x *Expression) Source() string { return x.source }

// Postfix renders the compiled token order, space separated.
func (x *Expression) Postfix() string {
	parts := make([]string, len(x.postfix))
	for i, tok := range x.postfix {
		parts[i] = tok.text
	}
	return strings.Join(parts, " ")
}

// Operands lists the wavelengths referenced by the expression, in order of
// first use.
func (x *Expression) Operands() []int {
	var out []int
	seen := map[int]bool{}
	for _, tok := range x.postfix {
		if tok.kind == tokOperand && !seen[tok.ref] {
			seen[tok.ref] = true
			out = append(out, tok.ref)
		}
	}
	return out
}

func tokenize(expr string) ([]token, error) {
	var tokens []token
	for i := 0; i < len(expr); {
		c := expr[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case isDigit(c):
			start := i
			for i < len(expr) && isDigit(expr[i]) {
				i++
			}
			decimal := false
			if i+1 < len(expr) && expr[i] == '.' && isDigit(expr[i+1]) {
				decimal = true
				i++
				for i < len(expr) && isDigit(expr[i]) {
					i++
				}
			}
			text := expr[start:i]
			if decimal {
				v, err := strconv.ParseFloat(text, 32)
				if err != nil {
					return nil, fmt.Errorf("%w: bad literal %q", ErrNoResult, text)
				}
				tokens = append(tokens, token{kind: tokScalar, text: text, scalar: float32(v)})
				continue
			}
			v, err := strconv.Atoi(text)
			if err != nil {
				return nil, fmt.Errorf("%w: bad operand %q", ErrNoResult, text)
			}
			tokens = append(tokens, token{kind: tokOperand, text: text, ref: v})
		case c == '(':
			tokens = append(tokens, token{kind: tokLParen, text: "("})
			i++
		case c == ')':
			tokens = append(tokens, token{kind: tokRParen, text: ")"})
			i++
		case strings.IndexByte("+-*/|&", c) >= 0:
			tokens = append(tokens, token{kind: tokOperator, text: string(c), op: c})
			i++
		default:
			return nil, fmt.Errorf("%w: unexpected character %q at %d", ErrNoResult, c, i)
		}
	}
	return tokens, nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func precedence(tok token) int {
	switch tok.op {
	case '+', '-', '|':
		return 1
	case '*', '/', '&':
		return 2
	}
	return 0
}

func toPostfix(tokens []token) []token {
	out := make([]token, 0, len(tokens))
	var ops []token
	for _, tok := range tokens {
		switch tok.kind {
		case tokOperand, tokScalar:
			out = append(out, tok)
		case tokLParen:
			ops = append(ops, tok)
		case tokRParen:
			for len(ops) > 0 {
				top := ops[len(ops)-1]
				ops = ops[:len(ops)-1]
				if top.kind == tokLParen {
					break
				}
				out = append(out, top)
			}
		case tokOperator:
			for len(ops) > 0 {
				top := ops[len(ops)-1]
				if top.kind == tokLParen || precedence(top) < precedence(tok) {
					break
				}
				out = append(out, top)
				ops = ops[:len(ops)-1]
			}
			ops = append(ops, tok)
		}
	}
	for i := len(ops) - 1; i >= 0; i-- {
		if ops[i].kind != tokLParen {
			out = append(out, ops[i])
		}
	}
	return out
}
