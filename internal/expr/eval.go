package expr

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the fixed-point precision used for all arithmetic. Working in
// decimal rather than float64 keeps results like 0.1 + 0.2 exact.
const Scale = 6

var callRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*\s*\(`)

// Evaluate interpolates {{...}} placeholders in input against ctx and then
// evaluates the result. Strings that do not look like an expression are
// returned verbatim after interpolation. Expression results are
// decimal.Decimal, string or bool.
func Evaluate(input string, ctx map[string]any) (any, error) {
	interpolated := Interpolate(input, ctx)
	s := strings.TrimSpace(interpolated)
	if !isExpression(s) {
		return interpolated, nil
	}
	node, err := parse(s)
	if err != nil {
		return nil, err
	}
	return eval(node)
}

// EvaluateBool evaluates input and coerces the result to a boolean.
func EvaluateBool(input string, ctx map[string]any) (bool, error) {
	v, err := Evaluate(input, ctx)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

// isExpression decides whether a string should be parsed at all. Plain text
// passes through Evaluate untouched, so only strings shaped like a function
// call, a pure arithmetic expression or an operator expression are parsed.
func isExpression(s string) bool {
	if s == "" {
		return false
	}
	if callRe.MatchString(s) && strings.HasSuffix(s, ")") {
		return true
	}
	if isArithmetic(s) {
		return true
	}
	return hasTopLevelOperator(s)
}

func isArithmetic(s string) bool {
	hasDigit := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case isDigit(c):
			hasDigit = true
		case strings.IndexByte("+-*/%(). \t", c) >= 0:
		default:
			return false
		}
	}
	return hasDigit
}

// hasTopLevelOperator reports whether s contains a comparison or logical
// operator outside of quoted string literals.
func hasTopLevelOperator(s string) bool {
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		if c == '\'' || c == '"' {
			quote = c
			continue
		}
		if i+1 < len(s) {
			switch s[i : i+2] {
			case "==", "!=", "<=", ">=", "&&", "||":
				return true
			}
		}
		if c == '<' || c == '>' {
			return true
		}
	}
	return false
}

func eval(n Node) (any, error) {
	switch t := n.(type) {
	case literal:
		return t.val, nil
	case unary:
		x, err := eval(t.x)
		if err != nil {
			return nil, err
		}
		d, err := toDecimal(x)
		if err != nil {
			return nil, err
		}
		if t.op == "-" {
			return d.Neg(), nil
		}
		return d, nil
	case binary:
		return evalBinary(t)
	case call:
		return evalCall(t)
	default:
		return nil, fmt.Errorf("unsupported expression node %T", n)
	}
}

func evalBinary(b binary) (any, error) {
	l, err := eval(b.l)
	if err != nil {
		return nil, err
	}
	// logical operators short-circuit on the left operand
	switch b.op {
	case "&&":
		if !truthy(l) {
			return false, nil
		}
		r, err := eval(b.r)
		if err != nil {
			return nil, err
		}
		return truthy(r), nil
	case "||":
		if truthy(l) {
			return true, nil
		}
		r, err := eval(b.r)
		if err != nil {
			return nil, err
		}
		return truthy(r), nil
	}
	r, err := eval(b.r)
	if err != nil {
		return nil, err
	}
	switch b.op {
	case "+", "-", "*", "/", "%":
		return evalArithmetic(b.op, l, r)
	case "==", "!=", "<", ">", "<=", ">=":
		return Compare(b.op, l, r)
	}
	return nil, fmt.Errorf("unknown operator %q", b.op)
}

func evalArithmetic(op string, l, r any) (any, error) {
	ld, err := toDecimal(l)
	if err != nil {
		return nil, err
	}
	rd, err := toDecimal(r)
	if err != nil {
		return nil, err
	}
	switch op {
	case "+":
		return ld.Add(rd), nil
	case "-":
		return ld.Sub(rd), nil
	case "*":
		return ld.Mul(rd).Round(Scale), nil
	case "/":
		if rd.IsZero() {
			return nil, fmt.Errorf("division by zero")
		}
		return ld.DivRound(rd, Scale), nil
	case "%":
		if rd.IsZero() {
			return nil, fmt.Errorf("modulo by zero")
		}
		return ld.Mod(rd), nil
	}
	return nil, fmt.Errorf("unknown arithmetic operator %q", op)
}

// Compare applies a comparison operator. When both operands are numeric they
// are compared as decimals, otherwise both are compared as strings.
func Compare(op string, l, r any) (bool, error) {
	ld, lok := tryDecimal(l)
	rd, rok := tryDecimal(r)
	if lok && rok {
		c := ld.Cmp(rd)
		return cmpResult(op, c), nil
	}
	ls, rs := FormatValue(l), FormatValue(r)
	return cmpResult(op, strings.Compare(ls, rs)), nil
}

func cmpResult(op string, c int) bool {
	switch op {
	case "==":
		return c == 0
	case "!=":
		return c != 0
	case "<":
		return c < 0
	case ">":
		return c > 0
	case "<=":
		return c <= 0
	case ">=":
		return c >= 0
	}
	return false
}

func evalCall(c call) (any, error) {
	args := make([]string, len(c.args))
	for i, a := range c.args {
		v, err := eval(a)
		if err != nil {
			return nil, err
		}
		args[i] = valueString(v)
	}
	switch c.fn {
	case "concat":
		return strings.Join(args, ""), nil
	case "upper":
		if len(args) != 1 {
			return nil, fmt.Errorf("upper() takes exactly one argument")
		}
		return strings.ToUpper(args[0]), nil
	case "lower":
		if len(args) != 1 {
			return nil, fmt.Errorf("lower() takes exactly one argument")
		}
		return strings.ToLower(args[0]), nil
	case "trim":
		if len(args) != 1 {
			return nil, fmt.Errorf("trim() takes exactly one argument")
		}
		return strings.TrimSpace(args[0]), nil
	}
	return nil, fmt.Errorf("unknown function %q", c.fn)
}

func toDecimal(v any) (decimal.Decimal, error) {
	d, ok := tryDecimal(v)
	if !ok {
		return decimal.Zero, fmt.Errorf("non-numeric operand %q in arithmetic expression", FormatValue(v))
	}
	return d, nil
}

func tryDecimal(v any) (decimal.Decimal, bool) {
	switch t := v.(type) {
	case decimal.Decimal:
		return t, true
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(t))
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	case bool:
		return decimal.Zero, false
	default:
		d, err := decimal.NewFromString(FormatValue(v))
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case decimal.Decimal:
		return !t.IsZero()
	case string:
		s := strings.TrimSpace(strings.ToLower(t))
		return s != "" && s != "false" && s != "0"
	case nil:
		return false
	default:
		return true
	}
}

func valueString(v any) string {
	if d, ok := v.(decimal.Decimal); ok {
		return d.String()
	}
	return FormatValue(v)
}
