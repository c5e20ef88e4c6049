package query

import (
	"github.com/loradb/loradb/internal/errs"
	"github.com/loradb/loradb/internal/frame"
)

// FilterKind discriminates the three WHERE clause shapes.
type FilterKind int

const (
	FilterBetween FilterKind = iota
	FilterSince
	FilterLast
)

// Filter is the parsed WHERE clause. Between sets both Start/End strings;
// Since sets Start; Last sets Duration.
type Filter struct {
	Kind     FilterKind
	Start    string // RFC3339, for Between/Since
	End      string // RFC3339, for Between
	Duration string // e.g. "1h", for Last
}

// Select is the parsed projection clause.
type Select struct {
	All    bool
	Kinds  []frame.Kind // set when uplink/downlink/status/join was named; "join" yields both join kinds
	Fields []string     // set for an explicit field list (possibly dotted)
}

// Query is a fully parsed SELECT statement.
type Query struct {
	Select Select
	Device string
	Filter *Filter
	Limit  *int
}

type parser struct {
	toks []token
	pos  int
}

// Parse parses one SELECT statement per spec.md §4.10's grammar.
func Parse(src string) (*Query, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	return p.parseQuery()
}

func (p *parser) cur() token { return p.toks[p.pos] }
func (p *parser) advance()   { p.pos++ }

func (p *parser) expectKeyword(kw string) error {
	t := p.cur()
	if t.kind != tokIdent || upper(t.text) != kw {
		return errs.New(errs.InvalidInput, "query: expected "+kw)
	}
	p.advance()
	return nil
}

func (p *parser) atKeyword(kw string) bool {
	t := p.cur()
	return t.kind == tokIdent && upper(t.text) == kw
}

func (p *parser) parseQuery() (*Query, error) {
	if err := p.expectKeyword("SELECT"); err != nil {
		return nil, err
	}

	sel, err := p.parseSelect()
	if err != nil {
		return nil, err
	}

	if err := p.expectKeyword("FROM"); err != nil {
		return nil, err
	}
	if err := p.expectKeyword("DEVICE"); err != nil {
		return nil, err
	}
	if p.cur().kind != tokString {
		return nil, errs.New(errs.InvalidInput, "query: expected device id string literal")
	}
	device := p.cur().text
	p.advance()

	q := &Query{Select: sel, Device: device}

	if p.atKeyword("WHERE") {
		p.advance()
		filter, err := p.parseFilter()
		if err != nil {
			return nil, err
		}
		q.Filter = filter
	}

	if p.atKeyword("LIMIT") {
		p.advance()
		if p.cur().kind != tokInt {
			return nil, errs.New(errs.InvalidInput, "query: expected integer after LIMIT")
		}
		n := 0
		for _, c := range p.cur().text {
			n = n*10 + int(c-'0')
		}
		q.Limit = &n
		p.advance()
	}

	if p.cur().kind != tokEOF {
		return nil, errs.New(errs.InvalidInput, "query: unexpected trailing input")
	}

	return q, nil
}

func (p *parser) parseSelect() (Select, error) {
	t := p.cur()

	if t.kind == tokStar {
		p.advance()
		return Select{All: true}, nil
	}

	if t.kind == tokIdent {
		switch upper(t.text) {
		case "UPLINK":
			p.advance()
			return Select{Kinds: []frame.Kind{frame.KindUplink}}, nil
		case "DOWNLINK":
			p.advance()
			return Select{Kinds: []frame.Kind{frame.KindDownlink}}, nil
		case "STATUS":
			p.advance()
			return Select{Kinds: []frame.Kind{frame.KindStatus}}, nil
		case "JOIN":
			p.advance()
			return Select{Kinds: []frame.Kind{frame.KindJoinRequest, frame.KindJoinAccept}}, nil
		}
	}

	// Ident ("," Ident)* — field projection list, possibly dotted.
	var fields []string
	field, err := p.parseDottedIdent()
	if err != nil {
		return Select{}, err
	}
	fields = append(fields, field)

	for p.cur().kind == tokComma {
		p.advance()
		field, err := p.parseDottedIdent()
		if err != nil {
			return Select{}, err
		}
		fields = append(fields, field)
	}

	return Select{Fields: fields}, nil
}

func (p *parser) parseDottedIdent() (string, error) {
	if p.cur().kind != tokIdent {
		return "", errs.New(errs.InvalidInput, "query: expected field identifier")
	}
	s := p.cur().text
	p.advance()
	for p.cur().kind == tokDot {
		p.advance()
		if p.cur().kind != tokIdent {
			return "", errs.New(errs.InvalidInput, "query: expected identifier after '.'")
		}
		s += "." + p.cur().text
		p.advance()
	}
	return s, nil
}

func (p *parser) parseFilter() (*Filter, error) {
	switch {
	case p.atKeyword("BETWEEN"):
		p.advance()
		if p.cur().kind != tokString {
			return nil, errs.New(errs.InvalidInput, "query: expected string after BETWEEN")
		}
		start := p.cur().text
		p.advance()
		if err := p.expectKeyword("AND"); err != nil {
			return nil, err
		}
		if p.cur().kind != tokString {
			return nil, errs.New(errs.InvalidInput, "query: expected string after AND")
		}
		end := p.cur().text
		p.advance()
		return &Filter{Kind: FilterBetween, Start: start, End: end}, nil

	case p.atKeyword("SINCE"):
		p.advance()
		if p.cur().kind != tokString {
			return nil, errs.New(errs.InvalidInput, "query: expected string after SINCE")
		}
		start := p.cur().text
		p.advance()
		return &Filter{Kind: FilterSince, Start: start}, nil

	case p.atKeyword("LAST"):
		p.advance()
		if p.cur().kind != tokString {
			return nil, errs.New(errs.InvalidInput, "query: expected string after LAST")
		}
		d := p.cur().text
		p.advance()
		return &Filter{Kind: FilterLast, Duration: d}, nil
	}

	return nil, errs.New(errs.InvalidInput, "query: expected BETWEEN, SINCE, or LAST")
}
