package transformspec

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokQuotedIdent
	tokNumber
	tokString
	tokOperator
	tokKeyword
)

type token struct {
	kind tokenKind
	text string // keywords are upper cased, quoted identifiers and strings are unescaped.
	pos  int
}

func (t token) String() string {
	switch t.kind {
	case tokEOF:
		return "end of expression"
	case tokString:
		return fmt.Sprintf("'%v'", t.text)
	}
	return fmt.Sprintf("%q", t.text)
}

var keywords = map[string]bool{
	"AND": true, "OR": true, "NOT": true, "IS": true, "NULL": true, "IN": true,
	"LIKE": true, "ILIKE": true, "BETWEEN": true, "CASE": true, "WHEN": true,
	"THEN": true, "ELSE": true, "END": true, "CAST": true, "AS": true,
	"TRUE": true, "FALSE": true,
}

// two character operators are matched before single characters.
var operators = []string{"||", "<>", "!=", "<=", ">=", "=", "<", ">", "+", "-", "*", "/", "%", "(", ")", ","}

// ParseError is a syntax error at a byte offset of an expression.
type ParseError struct {
	Expr string
	Pos  int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%v at position %d in expression %q", e.Msg, e.Pos, e.Expr)
}

func lex(expr string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(expr) {
		c := rune(expr[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '\'':
			start := i
			var sb strings.Builder
			i++
			closed := false
			for i < len(expr) {
				if expr[i] == '\'' {
					if i+1 < len(expr) && expr[i+1] == '\'' {
						sb.WriteByte('\'')
						i += 2
						continue
					}
					i++
					closed = true
					break
				}
				sb.WriteByte(expr[i])
				i++
			}
			if !closed {
				return nil, &ParseError{Expr: expr, Pos: start, Msg: "unterminated string literal"}
			}
			tokens = append(tokens, token{kind: tokString, text: sb.String(), pos: start})
		case c == '"':
			start := i
			end := strings.IndexByte(expr[i+1:], '"')
			if end < 0 {
				return nil, &ParseError{Expr: expr, Pos: start, Msg: "unterminated quoted identifier"}
			}
			name := expr[i+1 : i+1+end]
			if name == "" {
				return nil, &ParseError{Expr: expr, Pos: start, Msg: "empty quoted identifier"}
			}
			tokens = append(tokens, token{kind: tokQuotedIdent, text: name, pos: start})
			i += end + 2
		case c >= '0' && c <= '9' || c == '.' && i+1 < len(expr) && expr[i+1] >= '0' && expr[i+1] <= '9':
			start := i
			i = scanNumber(expr, i)
			tokens = append(tokens, token{kind: tokNumber, text: expr[start:i], pos: start})
		case c == '_' || unicode.IsLetter(c):
			start := i
			for i < len(expr) && (expr[i] == '_' || unicode.IsLetter(rune(expr[i])) || unicode.IsDigit(rune(expr[i]))) {
				i++
			}
			word := expr[start:i]
			if up := strings.ToUpper(word); keywords[up] {
				tokens = append(tokens, token{kind: tokKeyword, text: up, pos: start})
			} else {
				tokens = append(tokens, token{kind: tokIdent, text: word, pos: start})
			}
		default:
			matched := ""
			for _, op := range operators {
				if strings.HasPrefix(expr[i:], op) {
					matched = op
					break
				}
			}
			if matched == "" {
				return nil, &ParseError{Expr: expr, Pos: i, Msg: fmt.Sprintf("unexpected character %q", c)}
			}
			text := matched
			if text == "!=" {
				text = "<>"
			}
			tokens = append(tokens, token{kind: tokOperator, text: text, pos: i})
			i += len(matched)
		}
	}
	tokens = append(tokens, token{kind: tokEOF, pos: len(expr)})
	return tokens, nil
}

// scanNumber returns the offset just past the numeric literal starting at i.
func scanNumber(expr string, i int) int {
	digits := func() {
		for i < len(expr) && expr[i] >= '0' && expr[i] <= '9' {
			i++
		}
	}
	digits()
	if i < len(expr) && expr[i] == '.' {
		i++
		digits()
	}
	if i < len(expr) && (expr[i] == 'e' || expr[i] == 'E') {
		j := i + 1
		if j < len(expr) && (expr[j] == '+' || expr[j] == '-') {
			j++
		}
		if j < len(expr) && expr[j] >= '0' && expr[j] <= '9' {
			i = j
			digits()
		}
	}
	return i
}
