package expr

import (
	"fmt"
	"strings"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString // quoted literal, quotes stripped
	tokAtom   // bare word, compared as a string unless it is a function name
	tokOp
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// opStart holds every rune that can begin an operator. Atoms are terminated
// by any of these so that "a==b" lexes the same as "a == b".
const opStart = "&|=!<>+-*/%"

func isDigit(r byte) bool { return r >= '0' && r <= '9' }

// lex splits s into tokens. Operators inside single or double quotes are part
// of the string literal, never operators.
func lex(s string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case c == ',':
			toks = append(toks, token{tokComma, ",", i})
			i++
		case c == '\'' || c == '"':
			end := strings.IndexByte(s[i+1:], c)
			if end < 0 {
				return nil, fmt.Errorf("unterminated string starting at position %d", i)
			}
			toks = append(toks, token{tokString, s[i+1 : i+1+end], i})
			i += end + 2
		case strings.IndexByte(opStart, c) >= 0:
			if i+1 < len(s) {
				two := s[i : i+2]
				switch two {
				case "&&", "||", "==", "!=", "<=", ">=":
					toks = append(toks, token{tokOp, two, i})
					i += 2
					continue
				}
			}
			switch c {
			case '=', '&', '|', '!':
				return nil, fmt.Errorf("unknown operator %q at position %d", string(c), i)
			}
			toks = append(toks, token{tokOp, string(c), i})
			i++
		case isDigit(c):
			j := i
			for j < len(s) && (isDigit(s[j]) || s[j] == '.') {
				j++
			}
			toks = append(toks, token{tokNumber, s[i:j], i})
			i = j
		default:
			j := i
			for j < len(s) {
				b := s[j]
				if b == ' ' || b == '\t' || b == '(' || b == ')' || b == ',' ||
					b == '\'' || b == '"' || strings.IndexByte(opStart, b) >= 0 {
					break
				}
				j++
			}
			toks = append(toks, token{tokAtom, s[i:j], i})
			i = j
		}
	}
	toks = append(toks, token{tokEOF, "", len(s)})
	return toks, nil
}
