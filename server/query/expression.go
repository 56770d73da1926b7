// Package query compiles calendar-query filters into expressions the
// calendar index can evaluate.
package query

import (
	"fmt"
	"strings"
	"time"
)

// Expression is a node of a compiled query. The concrete types are All,
// And, Or, Not, Is, IsNot, In, Contains, StartsWith, EndsWith and
// TimeRange.
type Expression interface {
	fmt.Stringer
	expression()
}

// All matches every resource.
type All struct{}

type And struct{ Children []Expression }

type Or struct{ Children []Expression }

type Not struct{ Child Expression }

// Is tests Field == Value.
type Is struct {
	Field         string
	Value         string
	CaseSensitive bool
}

// IsNot tests Field != Value.
type IsNot struct {
	Field         string
	Value         string
	CaseSensitive bool
}

// In tests membership of Field in Values.
type In struct {
	Field         string
	Values        []string
	CaseSensitive bool
}

type Contains struct {
	Field         string
	Value         string
	CaseSensitive bool
}

type StartsWith struct {
	Field         string
	Value         string
	CaseSensitive bool
}

type EndsWith struct {
	Field         string
	Value         string
	CaseSensitive bool
}

// TimeRange matches resources with an indexed instance overlapping the
// range. Start/End are UTC instants for fixed rows; FloatStart/FloatEnd are
// the same bounds as wall-clock values in the query timezone, compared
// against floating rows. A nil bound is open.
type TimeRange struct {
	Start, End           *time.Time
	FloatStart, FloatEnd *time.Time
}

func (All) expression()         {}
func (*And) expression()        {}
func (*Or) expression()         {}
func (*Not) expression()        {}
func (*Is) expression()         {}
func (*IsNot) expression()      {}
func (*In) expression()         {}
func (*Contains) expression()   {}
func (*StartsWith) expression() {}
func (*EndsWith) expression()   {}
func (*TimeRange) expression()  {}

func (All) String() string { return "all" }

func (e *And) String() string { return "and(" + join(e.Children) + ")" }

func (e *Or) String() string { return "or(" + join(e.Children) + ")" }

func (e *Not) String() string { return "not(" + e.Child.String() + ")" }

func (e *Is) String() string { return fmt.Sprintf("is(%s,%q)", e.Field, e.Value) }

func (e *IsNot) String() string { return fmt.Sprintf("isnot(%s,%q)", e.Field, e.Value) }

func (e *In) String() string {
	return fmt.Sprintf("in(%s,[%s])", e.Field, strings.Join(e.Values, ","))
}

func (e *Contains) String() string { return fmt.Sprintf("contains(%s,%q)", e.Field, e.Value) }

func (e *StartsWith) String() string { return fmt.Sprintf("startswith(%s,%q)", e.Field, e.Value) }

func (e *EndsWith) String() string { return fmt.Sprintf("endswith(%s,%q)", e.Field, e.Value) }

func (e *TimeRange) String() string {
	return fmt.Sprintf("timerange(%s,%s)", bound(e.Start), bound(e.End))
}

func bound(t *time.Time) string {
	if t == nil {
		return "*"
	}
	return t.UTC().Format("20060102T150405Z")
}

func join(exprs []Expression) string {
	parts := make([]string, len(exprs))
	for i, e := range exprs {
		parts[i] = e.String()
	}
	return strings.Join(parts, ",")
}

// and/or collapse single-child groups.
func and(exprs ...Expression) Expression {
	if len(exprs) == 1 {
		return exprs[0]
	}
	return &And{Children: exprs}
}

func or(exprs ...Expression) Expression {
	if len(exprs) == 1 {
		return exprs[0]
	}
	return &Or{Children: exprs}
}
