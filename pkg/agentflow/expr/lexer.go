package expr

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokComma
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// SyntaxError reports a malformed expression.
type SyntaxError struct {
	Expr    string
	Pos     int
	Message string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("expr: %s at offset %d in %q", e.Message, e.Pos, e.Expr)
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := rune(src[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case c == '[':
			toks = append(toks, token{tokLBracket, "[", i})
			i++
		case c == ']':
			toks = append(toks, token{tokRBracket, "]", i})
			i++
		case c == ',':
			toks = append(toks, token{tokComma, ",", i})
			i++
		case c == '\'' || c == '"':
			s, n, err := lexString(src, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{tokString, s, i})
			i += n
		case strings.ContainsRune("=!<>&|", c):
			op := src[i : i+1]
			if i+1 < len(src) {
				two := src[i : i+2]
				switch two {
				case "==", "!=", "<=", ">=", "&&", "||":
					op = two
				}
			}
			if op == "=" || op == "&" || op == "|" {
				return nil, &SyntaxError{Expr: src, Pos: i, Message: fmt.Sprintf("unexpected %q", op)}
			}
			toks = append(toks, token{tokOp, op, i})
			i += len(op)
		case c == '-' || c == '.' || unicode.IsDigit(c):
			j := i + 1
			for j < len(src) && (unicode.IsDigit(rune(src[j])) || strings.ContainsRune(".eE+-", rune(src[j]))) {
				if (src[j] == '+' || src[j] == '-') && src[j-1] != 'e' && src[j-1] != 'E' {
					break
				}
				j++
			}
			toks = append(toks, token{tokNumber, src[i:j], i})
			i = j
		case c == '_' || unicode.IsLetter(c):
			j := i + 1
			for j < len(src) && (src[j] == '_' || src[j] == '.' || unicode.IsLetter(rune(src[j])) || unicode.IsDigit(rune(src[j]))) {
				j++
			}
			toks = append(toks, token{tokIdent, src[i:j], i})
			i = j
		default:
			return nil, &SyntaxError{Expr: src, Pos: i, Message: fmt.Sprintf("unexpected %q", c)}
		}
	}
	return append(toks, token{tokEOF, "", len(src)}), nil
}

// lexString reads a quoted string starting at src[start] and returns its
// value and the number of bytes consumed.
func lexString(src string, start int) (string, int, error) {
	quote := src[start]
	var b strings.Builder
	for i := start + 1; i < len(src); i++ {
		switch c := src[i]; {
		case c == '\\' && i+1 < len(src):
			i++
			b.WriteByte(src[i])
		case c == quote:
			return b.String(), i - start + 1, nil
		default:
			b.WriteByte(c)
		}
	}
	return "", 0, &SyntaxError{Expr: src, Pos: start, Message: "unterminated string"}
}
