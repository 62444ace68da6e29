package promql

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/common/model"
)

// Functions applied to a selector.
const (
	FuncRaw      = "raw"
	FuncRate     = "rate"
	FuncIncrease = "increase"
)

// DefaultLookback is the window rate and increase fall back to when the
// query has no range vector.
const DefaultLookback = 300 * time.Second

var aggregationOps = map[string]bool{
	"sum":   true,
	"avg":   true,
	"min":   true,
	"max":   true,
	"count": true,
}

var rangeUnits = map[byte]float64{
	's': 1,
	'm': 60,
	'h': 3600,
	'd': 86400,
	'w': 604800,
}

// RangeVector is the bracketed window of a range-vector selector.
type RangeVector struct {
	Value float64
	Unit  string
}

// Seconds converts the range vector to seconds.
func (r RangeVector) Seconds() float64 {
	return r.Value * rangeUnits[r.Unit[0]]
}

// ParsedQuery is the result of parsing one query expression.
type ParsedQuery struct {
	Raw         string
	MetricName  string
	Labels      map[string]string
	Function    string
	Range       *RangeVector
	Aggregation string
	ByLabels    []string

	// ScalarValue is set only for scalar expressions; all other fields
	// except Raw are then unused.
	ScalarValue string
}

// IsScalar reports whether the query is a pure scalar expression.
func (q *ParsedQuery) IsScalar() bool {
	return q.ScalarValue != ""
}

// ParseError carries the offending query and, where known, the zero-based
// character position of the failure.
type ParseError struct {
	Query string
	Pos   int
	Msg   string
}

func (e *ParseError) Error() string {
	if e.Pos < 0 {
		return fmt.Sprintf("invalid query %q: %s", e.Query, e.Msg)
	}
	return fmt.Sprintf("invalid query %q at position %d: %s", e.Query, e.Pos, e.Msg)
}

// Parse turns a query expression into a ParsedQuery. The grammar is the
// subset
//
//	[aggop '('] [func '('] selector [range] ')'* ['by' '(' labels ')']
//
// plus the scalar expressions "up", "1", and "1+1". The parser is pure and
// deterministic apart from the default-lookback warning log.
func Parse(query string) (*ParsedQuery, error) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return nil, &ParseError{Query: query, Pos: 0, Msg: "query is empty"}
	}

	switch trimmed {
	case "up", "1":
		return &ParsedQuery{Raw: trimmed, Function: FuncRaw, ScalarValue: "1"}, nil
	case "1+1":
		return &ParsedQuery{Raw: trimmed, Function: FuncRaw, ScalarValue: "2"}, nil
	}

	p := &parser{input: trimmed, query: trimmed}
	out, err := p.parseExpr()
	if err != nil {
		return nil, err
	}

	if (out.Function == FuncRate || out.Function == FuncIncrease) && out.Range == nil {
		slog.Warn("promql.parser.default_lookback",
			"query", trimmed,
			"function", out.Function,
			"lookback_seconds", DefaultLookback.Seconds(),
		)
	}
	return out, nil
}

type parser struct {
	input string
	query string
	pos   int
}

func (p *parser) errorf(pos int, format string, args ...interface{}) error {
	return &ParseError{Query: p.query, Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) eof() bool {
	return p.pos >= len(p.input)
}

func (p *parser) peek() byte {
	if p.eof() {
		return 0
	}
	return p.input[p.pos]
}

func (p *parser) skipSpaces() {
	for !p.eof() && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

// consume advances past c if it is next, after skipping spaces.
func (p *parser) consume(c byte) bool {
	p.skipSpaces()
	if p.peek() == c {
		p.pos++
		return true
	}
	return false
}

func isIdentStart(c byte) bool {
	return c == '_' || c == ':' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func (p *parser) scanIdent() string {
	start := p.pos
	if p.eof() || !isIdentStart(p.input[p.pos]) {
		return ""
	}
	for !p.eof() && isIdentChar(p.input[p.pos]) {
		p.pos++
	}
	return p.input[start:p.pos]
}

func (p *parser) parseExpr() (*ParsedQuery, error) {
	out := &ParsedQuery{
		Raw:      p.query,
		Function: FuncRaw,
		Labels:   map[string]string{},
	}

	opens := 0

	p.skipSpaces()
	identPos := p.pos
	ident := p.scanIdent()

	if aggregationOps[strings.ToLower(ident)] && p.consume('(') {
		out.Aggregation = strings.ToLower(ident)
		opens++
		p.skipSpaces()
		identPos = p.pos
		ident = p.scanIdent()
	}

	lower := strings.ToLower(ident)
	if (lower == FuncRate || lower == FuncIncrease) && p.consume('(') {
		out.Function = lower
		opens++
		p.skipSpaces()
		identPos = p.pos
		ident = p.scanIdent()
	}

	// Selector: a name, a label block, or both.
	if ident == "" && p.peek() != '{' {
		return nil, p.errorf(p.pos, "expected metric selector")
	}
	if ident != "" && !model.MetricNameRE.MatchString(ident) {
		return nil, p.errorf(identPos, "invalid metric name %q", ident)
	}
	out.MetricName = ident

	if p.consume('{') {
		if err := p.parseLabels(out.Labels); err != nil {
			return nil, err
		}
	}

	// A __name__ entry sets or overrides the metric name; disagreement with
	// an explicit prefix name is an error.
	if nameLabel, ok := out.Labels["__name__"]; ok {
		if out.MetricName != "" && out.MetricName != nameLabel {
			return nil, p.errorf(identPos, "metric name %q conflicts with __name__ label %q", out.MetricName, nameLabel)
		}
		if !model.MetricNameRE.MatchString(nameLabel) {
			return nil, p.errorf(identPos, "invalid metric name %q in __name__ label", nameLabel)
		}
		out.MetricName = nameLabel
		delete(out.Labels, "__name__")
	}
	if out.MetricName == "" {
		return nil, p.errorf(identPos, "selector has no metric name")
	}

	if p.consume('[') {
		rv, err := p.parseRange()
		if err != nil {
			return nil, err
		}
		out.Range = rv
	}

	for opens > 0 {
		if !p.consume(')') {
			return nil, p.errorf(p.pos, "expected closing parenthesis")
		}
		opens--
	}

	p.skipSpaces()
	byPos := p.pos
	if kw := p.scanIdent(); kw != "" {
		if strings.ToLower(kw) != "by" {
			return nil, p.errorf(byPos, "unexpected %q", kw)
		}
		if out.Aggregation == "" {
			return nil, p.errorf(byPos, "by clause requires an aggregation operator")
		}
		labels, err := p.parseByLabels()
		if err != nil {
			return nil, err
		}
		out.ByLabels = labels
	}

	p.skipSpaces()
	if !p.eof() {
		return nil, p.errorf(p.pos, "unexpected trailing input %q", p.input[p.pos:])
	}
	return out, nil
}

func (p *parser) parseLabels(into map[string]string) error {
	for {
		p.skipSpaces()
		if p.peek() == '}' {
			p.pos++
			return nil
		}

		namePos := p.pos
		name := p.scanIdent()
		if name == "" {
			return p.errorf(p.pos, "expected label name")
		}
		if name != "__name__" && !model.LabelNameRE.MatchString(name) {
			return p.errorf(namePos, "invalid label name %q", name)
		}

		if !p.consume('=') {
			return p.errorf(p.pos, "expected '=' after label name %q", name)
		}
		if !p.consume('"') {
			return p.errorf(p.pos, "expected quoted label value for %q", name)
		}
		value, err := p.scanString()
		if err != nil {
			return err
		}
		into[name] = value

		p.skipSpaces()
		switch p.peek() {
		case ',':
			p.pos++
		case '}':
		default:
			return p.errorf(p.pos, "expected ',' or '}' in label list")
		}
	}
}

// scanString reads up to the closing quote, resolving backslash escapes.
func (p *parser) scanString() (string, error) {
	var b strings.Builder
	for {
		if p.eof() {
			return "", p.errorf(p.pos, "unterminated label value")
		}
		c := p.input[p.pos]
		p.pos++
		switch c {
		case '"':
			return b.String(), nil
		case '\\':
			if p.eof() {
				return "", p.errorf(p.pos, "unterminated escape in label value")
			}
			esc := p.input[p.pos]
			p.pos++
			switch esc {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(esc)
			}
		default:
			b.WriteByte(c)
		}
	}
}

func (p *parser) parseRange() (*RangeVector, error) {
	p.skipSpaces()
	numPos := p.pos
	for !p.eof() && (p.input[p.pos] >= '0' && p.input[p.pos] <= '9' || p.input[p.pos] == '.') {
		p.pos++
	}
	numStr := p.input[numPos:p.pos]
	if numStr == "" {
		return nil, p.errorf(numPos, "expected duration in range vector")
	}
	value, err := strconv.ParseFloat(numStr, 64)
	if err != nil || value <= 0 {
		return nil, p.errorf(numPos, "invalid range duration %q", numStr)
	}

	if p.eof() {
		return nil, p.errorf(p.pos, "expected range unit")
	}
	unit := p.input[p.pos]
	if _, ok := rangeUnits[unit]; !ok {
		return nil, p.errorf(p.pos, "invalid range unit %q, expected one of s, m, h, d, w", string(unit))
	}
	p.pos++

	if !p.consume(']') {
		return nil, p.errorf(p.pos, "expected ']' to close range vector")
	}
	return &RangeVector{Value: value, Unit: string(unit)}, nil
}

func (p *parser) parseByLabels() ([]string, error) {
	if !p.consume('(') {
		return nil, p.errorf(p.pos, "expected '(' after by")
	}

	var labels []string
	for {
		p.skipSpaces()
		namePos := p.pos
		name := p.scanIdent()
		if name == "" {
			return nil, p.errorf(p.pos, "expected label name in by clause")
		}
		if !model.LabelNameRE.MatchString(name) {
			return nil, p.errorf(namePos, "invalid label name %q in by clause", name)
		}
		labels = append(labels, name)

		if p.consume(',') {
			continue
		}
		if p.consume(')') {
			return labels, nil
		}
		return nil, p.errorf(p.pos, "expected ',' or ')' in by clause")
	}
}
