// Package query implements C9: the SELECT grammar's tokenizer, parser, and
// executor (spec.md §4.10).
package query

import (
	"strings"

	"github.com/loradb/loradb/internal/errs"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokInt
	tokStar
	tokComma
	tokDot
)

type token struct {
	kind tokenKind
	text string
}

// lex tokenizes the query source. A tokenizer distinguishes pure-digit
// integer literals from alphanumeric identifiers; durations are carried as
// quoted strings, never as bare integers (spec.md §4.10).
func lex(src string) ([]token, error) {
	var toks []token
	r := []rune(src)
	i := 0
	n := len(r)

	for i < n {
		c := r[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '*':
			toks = append(toks, token{tokStar, "*"})
			i++
		case c == ',':
			toks = append(toks, token{tokComma, ","})
			i++
		case c == '.':
			toks = append(toks, token{tokDot, "."})
			i++
		case c == '\'' || c == '"':
			quote := c
			j := i + 1
			for j < n && r[j] != quote {
				j++
			}
			if j >= n {
				return nil, errs.New(errs.InvalidInput, "query: unterminated string literal")
			}
			toks = append(toks, token{tokString, string(r[i+1 : j])})
			i = j + 1
		case c >= '0' && c <= '9':
			j := i
			for j < n && r[j] >= '0' && r[j] <= '9' {
				j++
			}
			toks = append(toks, token{tokInt, string(r[i:j])})
			i = j
		case isIdentStart(c):
			j := i
			for j < n && isIdentPart(r[j]) {
				j++
			}
			toks = append(toks, token{tokIdent, string(r[i:j])})
			i = j
		default:
			return nil, errs.New(errs.InvalidInput, "query: unexpected character '"+string(c)+"'")
		}
	}
	toks = append(toks, token{tokEOF, ""})
	return toks, nil
}

func isIdentStart(c rune) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c rune) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func upper(s string) string { return strings.ToUpper(s) }
