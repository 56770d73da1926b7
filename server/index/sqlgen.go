package index

import (
	"fmt"
	"strings"
	"time"

	"github.com/cyp0633/caldora/server/query"
)

const (
	fromSpec         = " FROM RESOURCE"
	timespanSpec     = ", TIMESPAN"
	transparencySpec = " LEFT OUTER JOIN TRANSPARENCY ON (TRANSPARENCY.INSTANCEID = TIMESPAN.INSTANCEID" +
		" AND TRANSPARENCY.PERUSERID = (SELECT PERUSERID FROM PERUSER WHERE USERUID = ?))"
	timespanJoin = "TIMESPAN.RESOURCEID == RESOURCE.RESOURCEID"

	resourceColumns = "SELECT DISTINCT RESOURCE.NAME AS NAME, RESOURCE.UID AS UID, RESOURCE.TYPE AS TYPE, RESOURCE.ORGANIZER AS ORGANIZER"
	fbColumns       = ", TIMESPAN.FLOAT AS FLOAT, TIMESPAN.START AS START, TIMESPAN.END AS END," +
		" TIMESPAN.FBTYPE AS FBTYPE, TIMESPAN.TRANSPARENT AS TRANSPARENT, TRANSPARENCY.TRANSPARENT AS USERTRANSPARENT"
)

// sqlGenerator turns a compiled expression into a SELECT over the index.
type sqlGenerator struct {
	expr         query.Expression
	userUID      string
	fbtype       bool
	sb           strings.Builder
	args         []any
	usedTimespan bool
}

// generateSQL returns the statement and its arguments. With fbtype set, one
// row per matching instance is returned along with its busy data and the
// transparency userUID sees.
func generateSQL(expr query.Expression, userUID string, fbtype bool) (string, []any, error) {
	g := &sqlGenerator{expr: expr, userUID: userUID, fbtype: fbtype}
	return g.generate()
}

func (g *sqlGenerator) generate() (string, []any, error) {
	var where strings.Builder
	if _, all := g.expr.(query.All); !all {
		if err := g.expression(g.expr); err != nil {
			return "", nil, err
		}
	}
	cond := g.sb.String()

	joinTimespan := g.usedTimespan || g.fbtype
	if cond != "" || joinTimespan {
		where.WriteString(" WHERE ")
		where.WriteString(cond)
		if joinTimespan {
			if cond != "" {
				where.WriteString(" AND ")
			}
			where.WriteString(timespanJoin)
		}
	}

	var stmt strings.Builder
	stmt.WriteString(resourceColumns)
	args := g.args
	if g.fbtype {
		stmt.WriteString(fbColumns)
	}
	stmt.WriteString(fromSpec)
	if joinTimespan {
		stmt.WriteString(timespanSpec)
	}
	if g.fbtype {
		stmt.WriteString(transparencySpec)
		args = append([]any{g.userUID}, args...)
	}
	stmt.WriteString(where.String())
	return stmt.String(), args, nil
}

func (g *sqlGenerator) arg(v any) string {
	g.args = append(g.args, v)
	return "?"
}

func (g *sqlGenerator) group(op string, children []query.Expression) error {
	g.sb.WriteString("(")
	for n, c := range children {
		if n > 0 {
			g.sb.WriteString(op)
		}
		if err := g.expression(c); err != nil {
			return err
		}
	}
	g.sb.WriteString(")")
	return nil
}

func (g *sqlGenerator) expression(e query.Expression) error {
	switch e := e.(type) {
	case query.All:
		g.sb.WriteString("1 = 1")
	case *query.And:
		return g.group(" AND ", e.Children)
	case *query.Or:
		return g.group(" OR ", e.Children)
	case *query.Not:
		g.sb.WriteString("NOT (")
		if err := g.expression(e.Child); err != nil {
			return err
		}
		g.sb.WriteString(")")
	case *query.Is:
		g.compare(e.Field, "=", e.Value, e.CaseSensitive)
	case *query.IsNot:
		g.compare(e.Field, "!=", e.Value, e.CaseSensitive)
	case *query.In:
		g.sb.WriteString(e.Field)
		g.sb.WriteString(" IN (")
		for n, v := range e.Values {
			if n > 0 {
				g.sb.WriteString(", ")
			}
			g.sb.WriteString(g.arg(v))
		}
		g.sb.WriteString(")")
		if !e.CaseSensitive {
			g.sb.WriteString(" COLLATE NOCASE")
		}
	case *query.Contains:
		g.pattern(e.Field, "*", e.Value, "*", e.CaseSensitive)
	case *query.StartsWith:
		g.pattern(e.Field, "", e.Value, "*", e.CaseSensitive)
	case *query.EndsWith:
		g.pattern(e.Field, "*", e.Value, "", e.CaseSensitive)
	case *query.TimeRange:
		g.timeRange(e)
	default:
		return fmt.Errorf("unsupported expression %T", e)
	}
	return nil
}

func (g *sqlGenerator) compare(field, op, value string, caseSensitive bool) {
	g.sb.WriteString(field)
	g.sb.WriteString(" " + op + " ")
	g.sb.WriteString(g.arg(value))
	if !caseSensitive {
		g.sb.WriteString(" COLLATE NOCASE")
	}
}

// pattern emits GLOB for case-sensitive matching and LIKE otherwise.
func (g *sqlGenerator) pattern(field, prefix, value, suffix string, caseSensitive bool) {
	if caseSensitive {
		g.sb.WriteString(field + " GLOB ")
		g.sb.WriteString(g.arg(prefix + globEscaper.Replace(value) + suffix))
		return
	}
	like := func(s string) string { return strings.ReplaceAll(s, "*", "%") }
	g.sb.WriteString(field + " LIKE ")
	g.sb.WriteString(g.arg(like(prefix) + likeEscaper.Replace(value) + like(suffix)))
	g.sb.WriteString(` ESCAPE '\'`)
}

var (
	globEscaper = strings.NewReplacer("*", "[*]", "?", "[?]", "[", "[[]")
	likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)
)

// timeRange tests fixed rows against the UTC bounds and floating rows
// against the floating bounds.
func (g *sqlGenerator) timeRange(tr *query.TimeRange) {
	g.usedTimespan = true
	branch := func(float string, start, end string, hasStart, hasEnd bool) {
		g.sb.WriteString("(TIMESPAN.FLOAT == '" + float + "'")
		if hasEnd {
			g.sb.WriteString(" AND TIMESPAN.START < " + g.arg(end))
		}
		if hasStart {
			g.sb.WriteString(" AND TIMESPAN.END > " + g.arg(start))
		}
		g.sb.WriteString(")")
	}

	var start, end, fstart, fend string
	if tr.Start != nil {
		start, fstart = formatTime(*tr.Start), formatTime(*orBound(tr.FloatStart, tr.Start))
	}
	if tr.End != nil {
		end, fend = formatTime(*tr.End), formatTime(*orBound(tr.FloatEnd, tr.End))
	}
	g.sb.WriteString("(")
	branch("N", start, end, tr.Start != nil, tr.End != nil)
	g.sb.WriteString(" OR ")
	branch("Y", fstart, fend, tr.Start != nil, tr.End != nil)
	g.sb.WriteString(")")
}

func orBound(t, fallback *time.Time) *time.Time {
	if t != nil {
		return t
	}
	return fallback
}
