package query

import (
	"fmt"
	"strings"

	"github.com/cyp0633/caldora/server/period"
	"github.com/cyp0633/caldora/server/storage"
)

// Fields maps filter attributes (TYPE, UID) to index columns.
type Fields map[string]string

// DefaultFields are the RESOURCE table columns of the calendar index.
var DefaultFields = Fields{
	"TYPE": "RESOURCE.TYPE",
	"UID":  "RESOURCE.UID",
}

func (f Fields) column(attr string) (string, error) {
	col, ok := f[attr]
	if !ok {
		return "", unsupported("no index field for " + attr)
	}
	return col, nil
}

// FoldKind classifies the result of folding property filters.
type FoldKind int

const (
	// FoldAll: every resource satisfies the filters.
	FoldAll FoldKind = iota
	// FoldNone: no resource can satisfy them.
	FoldNone
	// FoldPartial: the Exprs decide.
	FoldPartial
)

// Fold is the result of combining one or more property-filter results.
type Fold struct {
	Kind  FoldKind
	Exprs []Expression
}

func foldAll() Fold              { return Fold{Kind: FoldAll} }
func foldNone() Fold             { return Fold{Kind: FoldNone} }
func foldExpr(e Expression) Fold { return Fold{Kind: FoldPartial, Exprs: []Expression{e}} }

// Combine folds results under allof (and) or anyof (or) semantics. An empty
// list folds to FoldAll.
func Combine(results []Fold, test storage.Test) Fold {
	var exprs []Expression
	sawAll, sawNone := false, false
	for _, r := range results {
		switch r.Kind {
		case FoldAll:
			if test == storage.TestAnyOf {
				return foldAll()
			}
			sawAll = true
		case FoldNone:
			if test == storage.TestAllOf {
				return foldNone()
			}
			sawNone = true
		case FoldPartial:
			exprs = append(exprs, r.Exprs...)
		}
	}
	switch {
	case len(exprs) > 0 && test == storage.TestAllOf:
		return foldExpr(and(exprs...))
	case len(exprs) > 0:
		return foldExpr(or(exprs...))
	case sawNone && !sawAll:
		return foldNone()
	default:
		return foldAll()
	}
}

// Expression converts the fold into an index expression.
func (f Fold) Expression() Expression {
	switch f.Kind {
	case FoldNone:
		return &Not{Child: All{}}
	case FoldPartial:
		return and(f.Exprs...)
	default:
		return All{}
	}
}

// Compile turns a filter into an index expression. Filters outside the
// supported subset yield an *IndexedSearchError.
func Compile(filter *storage.Filter, fields Fields) (Expression, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = DefaultFields
	}
	c := compiler{fields: fields, filter: filter}

	vcal := filter.Child
	if vcal.Qualifier != nil {
		return nil, unsupported("qualifier on VCALENDAR")
	}
	if len(vcal.Properties) > 0 {
		return nil, unsupported("prop-filter on VCALENDAR")
	}
	if len(vcal.Components) == 0 {
		return All{}, nil
	}

	// The top-level list is always OR'd, whatever the VCALENDAR test says.
	exprs := make([]Expression, 0, len(vcal.Components))
	for _, cf := range vcal.Components {
		e, err := c.component(cf)
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, e)
	}
	return or(exprs...), nil
}

type compiler struct {
	fields Fields
	filter *storage.Filter
}

func (c compiler) component(cf *storage.ComponentFilter) (Expression, error) {
	typeCol, err := c.fields.column("TYPE")
	if err != nil {
		return nil, err
	}
	if !cf.Defined() {
		return &IsNot{Field: typeCol, Value: cf.Names[0], CaseSensitive: true}, nil
	}
	if len(cf.Components) > 0 {
		return nil, unsupported(fmt.Sprintf("nested comp-filter in %s", cf.Names[0]))
	}

	var exprs []Expression
	if len(cf.Names) == 1 {
		exprs = append(exprs, &Is{Field: typeCol, Value: cf.Names[0], CaseSensitive: true})
	} else {
		exprs = append(exprs, &In{Field: typeCol, Values: cf.Names, CaseSensitive: true})
	}

	if tr, ok := cf.Qualifier.(*storage.TimeRange); ok {
		exprs = append(exprs, c.timeRange(tr))
	}

	if len(cf.Properties) > 1 {
		return nil, unsupported("more than one prop-filter")
	}
	results := make([]Fold, 0, len(cf.Properties))
	for _, pf := range cf.Properties {
		r, err := c.property(pf)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	if len(results) > 0 {
		if folded := Combine(results, cf.Test); folded.Kind != FoldAll {
			exprs = append(exprs, folded.Expression())
		}
	}
	return and(exprs...), nil
}

func (c compiler) property(pf *storage.PropertyFilter) (Fold, error) {
	if !strings.EqualFold(pf.Name, "UID") {
		return Fold{}, unsupported("prop-filter on " + pf.Name)
	}
	col, err := c.fields.column("UID")
	if err != nil {
		return Fold{}, err
	}
	if !pf.Defined() {
		return foldExpr(&Is{Field: col, Value: "", CaseSensitive: true}), nil
	}
	if len(pf.Params) > 0 {
		return Fold{}, unsupported("param-filter on " + pf.Name)
	}

	switch q := pf.Qualifier.(type) {
	case *storage.TimeRange:
		return Fold{}, unsupported("time-range on " + pf.Name)
	case *storage.TextMatch:
		return foldExpr(textMatch(col, q)), nil
	default:
		// every resource has a UID
		return foldAll(), nil
	}
}

func textMatch(col string, tm *storage.TextMatch) Expression {
	cs := tm.CaseSensitive()
	var e Expression
	switch strings.ToLower(tm.MatchType) {
	case storage.MatchEquals:
		if tm.Negate {
			return &IsNot{Field: col, Value: tm.Value, CaseSensitive: cs}
		}
		return &Is{Field: col, Value: tm.Value, CaseSensitive: cs}
	case storage.MatchStartsWith:
		e = &StartsWith{Field: col, Value: tm.Value, CaseSensitive: cs}
	case storage.MatchEndsWith:
		e = &EndsWith{Field: col, Value: tm.Value, CaseSensitive: cs}
	default:
		e = &Contains{Field: col, Value: tm.Value, CaseSensitive: cs}
	}
	if tm.Negate {
		return &Not{Child: e}
	}
	return e
}

func (c compiler) timeRange(tr *storage.TimeRange) *TimeRange {
	out := &TimeRange{}
	if tr.Start != nil {
		s := tr.Start.UTC()
		fs := period.FloatingAdjust(s, c.filter.Timezone)
		out.Start, out.FloatStart = &s, &fs
	}
	if tr.End != nil {
		e := tr.End.UTC()
		fe := period.FloatingAdjust(e, c.filter.Timezone)
		out.End, out.FloatEnd = &e, &fe
	}
	return out
}
