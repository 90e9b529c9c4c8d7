// Package sqlengine turns REST requests into parameterized T-SQL against the
// per-environment SQL Server connection. Only the query subset the gateway
// documents is accepted; everything else is a syntax error, never passthrough.
package sqlengine

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/portwayapi/portway/internal/api"
)

// QueryOptions carries the parsed request query surface.
type QueryOptions struct {
	Filter  *FilterNode
	OrderBy []OrderField
	Select  []string
	Top     int
	Skip    int
}

// OrderField is one $orderby term.
type OrderField struct {
	Field      string
	Descending bool
}

// ParseOptions parses $filter, $orderby, $select, $top, and $skip. Limits
// are clamped to the configured window; negative values are rejected.
func ParseOptions(values url.Values, defaultTop, maxTop int) (QueryOptions, error) {
	opts := QueryOptions{Top: defaultTop}

	if raw := values.Get("$top"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return opts, api.Errf(api.KindQuerySyntax, "$top must be a positive integer")
		}
		if n > maxTop {
			n = maxTop
		}
		opts.Top = n
	}
	if raw := values.Get("$skip"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return opts, api.Errf(api.KindQuerySyntax, "$skip must be a non-negative integer")
		}
		opts.Skip = n
	}
	if raw := values.Get("$select"); raw != "" {
		for _, field := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(field); trimmed != "" {
				opts.Select = append(opts.Select, trimmed)
			}
		}
	}
	if raw := values.Get("$orderby"); raw != "" {
		fields, err := parseOrderBy(raw)
		if err != nil {
			return opts, err
		}
		opts.OrderBy = fields
	}
	if raw := values.Get("$filter"); raw != "" {
		node, err := ParseFilter(raw)
		if err != nil {
			return opts, err
		}
		opts.Filter = node
	}
	return opts, nil
}

func parseOrderBy(raw string) ([]OrderField, error) {
	var out []OrderField
	for _, term := range strings.Split(raw, ",") {
		parts := strings.Fields(strings.TrimSpace(term))
		switch len(parts) {
		case 0:
			continue
		case 1:
			out = append(out, OrderField{Field: parts[0]})
		case 2:
			switch strings.ToLower(parts[1]) {
			case "asc":
				out = append(out, OrderField{Field: parts[0]})
			case "desc":
				out = append(out, OrderField{Field: parts[0], Descending: true})
			default:
				return nil, api.Errf(api.KindQuerySyntax, "$orderby direction %q invalid", parts[1])
			}
		default:
			return nil, api.Errf(api.KindQuerySyntax, "$orderby term %q invalid", term)
		}
	}
	return out, nil
}

// Filter AST. A node is exactly one of a logical combination, a negation, a
// comparison, or a string function call.

type FilterNode struct {
	Logical    *LogicalExpr
	Not        *FilterNode
	Comparison *ComparisonExpr
	Function   *FunctionExpr
}

type LogicalExpr struct {
	Op    string // "and" | "or"
	Left  *FilterNode
	Right *FilterNode
}

type ComparisonExpr struct {
	Field string
	Op    string // eq ne gt ge lt le
	Value Literal
}

type FunctionExpr struct {
	Name  string // contains | startswith | endswith
	Field string
	Value string
}

// Literal is a typed filter constant.
type Literal struct {
	Kind  LiteralKind
	Str   string
	Num   float64
	IsInt bool
	Int   int64
	Bool  bool
	Time  time.Time
}

type LiteralKind int

const (
	LiteralString LiteralKind = iota
	LiteralNumber
	LiteralBool
	LiteralNull
	LiteralDate
)

// Value returns the literal as a driver-friendly Go value.
func (l Literal) Value() any {
	switch l.Kind {
	case LiteralString:
		return l.Str
	case LiteralNumber:
		if l.IsInt {
			return l.Int
		}
		return l.Num
	case LiteralBool:
		return l.Bool
	case LiteralDate:
		return l.Time
	default:
		return nil
	}
}

var comparisonOps = map[string]struct{}{
	"eq": {}, "ne": {}, "gt": {}, "ge": {}, "lt": {}, "le": {},
}

var stringFunctions = map[string]struct{}{
	"contains": {}, "startswith": {}, "endswith": {},
}

// ParseFilter parses a $filter expression with the usual precedence:
// parentheses, then not, then and, then or.
func ParseFilter(input string) (*FilterNode, error) {
	tokens, err := tokenize(input)
	if err != nil {
		return nil, err
	}
	p := &filterParser{tokens: tokens}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.done() {
		return nil, api.Errf(api.KindQuerySyntax, "unexpected %q in $filter", p.peek().text)
	}
	return node, nil
}

type tokenKind int

const (
	tokenWord tokenKind = iota
	tokenString
	tokenNumber
	tokenDate
	tokenLParen
	tokenRParen
	tokenComma
)

type token struct {
	kind tokenKind
	text string
}

func tokenize(input string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(input) {
		c := input[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == '(':
			tokens = append(tokens, token{tokenLParen, "("})
			i++
		case c == ')':
			tokens = append(tokens, token{tokenRParen, ")"})
			i++
		case c == ',':
			tokens = append(tokens, token{tokenComma, ","})
			i++
		case c == '\'':
			// Single quotes escape by doubling, SQL style.
			var sb strings.Builder
			i++
			closed := false
			for i < len(input) {
				if input[i] == '\'' {
					if i+1 < len(input) && input[i+1] == '\'' {
						sb.WriteByte('\'')
						i += 2
						continue
					}
					i++
					closed = true
					break
				}
				sb.WriteByte(input[i])
				i++
			}
			if !closed {
				return nil, api.Errf(api.KindQuerySyntax, "unterminated string in $filter")
			}
			tokens = append(tokens, token{tokenString, sb.String()})
		case c == '-' || (c >= '0' && c <= '9'):
			start := i
			i++
			for i < len(input) && (input[i] >= '0' && input[i] <= '9' || input[i] == '.') {
				i++
			}
			// Four digits followed by a dash read as an ISO-8601 date or
			// datetime, e.g. 2024-06-01 or 2024-06-01T15:04:05Z.
			if c != '-' && i-start == 4 && i < len(input) && input[i] == '-' {
				for i < len(input) && isDateChar(input[i]) {
					i++
				}
				tokens = append(tokens, token{tokenDate, input[start:i]})
				continue
			}
			tokens = append(tokens, token{tokenNumber, input[start:i]})
		case isWordChar(c):
			start := i
			for i < len(input) && isWordChar(input[i]) {
				i++
			}
			tokens = append(tokens, token{tokenWord, input[start:i]})
		default:
			return nil, api.Errf(api.KindQuerySyntax, "unexpected character %q in $filter", string(c))
		}
	}
	return tokens, nil
}

func isWordChar(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

func isDateChar(c byte) bool {
	return c >= '0' && c <= '9' || c == '-' || c == ':' || c == '.' ||
		c == 'T' || c == 'Z' || c == '+'
}

type filterParser struct {
	tokens []token
	pos    int
}

func (p *filterParser) done() bool { return p.pos >= len(p.tokens) }

func (p *filterParser) peek() token {
	if p.done() {
		return token{}
	}
	return p.tokens[p.pos]
}

func (p *filterParser) next() token {
	t := p.peek()
	p.pos++
	return t
}

func (p *filterParser) peekWord(word string) bool {
	t := p.peek()
	return t.kind == tokenWord && strings.EqualFold(t.text, word)
}

func (p *filterParser) parseOr() (*FilterNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peekWord("or") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &FilterNode{Logical: &LogicalExpr{Op: "or", Left: left, Right: right}}
	}
	return left, nil
}

func (p *filterParser) parseAnd() (*FilterNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peekWord("and") {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &FilterNode{Logical: &LogicalExpr{Op: "and", Left: left, Right: right}}
	}
	return left, nil
}

func (p *filterParser) parseUnary() (*FilterNode, error) {
	if p.peekWord("not") {
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &FilterNode{Not: inner}, nil
	}
	return p.parsePrimary()
}

func (p *filterParser) parsePrimary() (*FilterNode, error) {
	t := p.peek()
	switch {
	case t.kind == tokenLParen:
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokenRParen {
			return nil, api.Errf(api.KindQuerySyntax, "missing ) in $filter")
		}
		p.next()
		return inner, nil
	case t.kind == tokenWord:
		if _, isFn := stringFunctions[strings.ToLower(t.text)]; isFn {
			return p.parseFunction()
		}
		return p.parseComparison()
	default:
		return nil, api.Errf(api.KindQuerySyntax, "expected expression in $filter, got %q", t.text)
	}
}

func (p *filterParser) parseFunction() (*FilterNode, error) {
	name := strings.ToLower(p.next().text)
	if p.next().kind != tokenLParen {
		return nil, api.Errf(api.KindQuerySyntax, "%s requires (field,'value')", name)
	}
	field := p.next()
	if field.kind != tokenWord {
		return nil, api.Errf(api.KindQuerySyntax, "%s requires a field name", name)
	}
	if p.next().kind != tokenComma {
		return nil, api.Errf(api.KindQuerySyntax, "%s requires two arguments", name)
	}
	value := p.next()
	if value.kind != tokenString {
		return nil, api.Errf(api.KindQuerySyntax, "%s requires a string literal", name)
	}
	if p.next().kind != tokenRParen {
		return nil, api.Errf(api.KindQuerySyntax, "missing ) after %s", name)
	}
	return &FilterNode{Function: &FunctionExpr{Name: name, Field: field.text, Value: value.text}}, nil
}

func (p *filterParser) parseComparison() (*FilterNode, error) {
	field := p.next()
	op := p.next()
	if op.kind != tokenWord {
		return nil, api.Errf(api.KindQuerySyntax, "expected operator after %q", field.text)
	}
	opName := strings.ToLower(op.text)
	if _, ok := comparisonOps[opName]; !ok {
		return nil, api.Errf(api.KindQuerySyntax, "operator %q not supported", op.text)
	}
	lit, err := p.parseLiteral()
	if err != nil {
		return nil, err
	}
	return &FilterNode{Comparison: &ComparisonExpr{Field: field.text, Op: opName, Value: lit}}, nil
}

func (p *filterParser) parseLiteral() (Literal, error) {
	t := p.next()
	switch t.kind {
	case tokenString:
		return Literal{Kind: LiteralString, Str: t.text}, nil
	case tokenNumber:
		if n, err := strconv.ParseInt(t.text, 10, 64); err == nil {
			return Literal{Kind: LiteralNumber, IsInt: true, Int: n}, nil
		}
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return Literal{}, api.Errf(api.KindQuerySyntax, "number %q invalid", t.text)
		}
		return Literal{Kind: LiteralNumber, Num: f}, nil
	case tokenDate:
		parsed, err := parseSQLTime(t.text)
		if err != nil {
			return Literal{}, api.Errf(api.KindQuerySyntax, "date %q invalid", t.text)
		}
		return Literal{Kind: LiteralDate, Str: t.text, Time: parsed}, nil
	case tokenWord:
		switch strings.ToLower(t.text) {
		case "true":
			return Literal{Kind: LiteralBool, Bool: true}, nil
		case "false":
			return Literal{Kind: LiteralBool, Bool: false}, nil
		case "null":
			return Literal{Kind: LiteralNull}, nil
		}
		return Literal{}, api.Errf(api.KindQuerySyntax, "literal %q invalid", t.text)
	default:
		return Literal{}, api.Errf(api.KindQuerySyntax, "expected literal, got %q", t.text)
	}
}

// String renders the node back to its source form, used for next links.
func (l Literal) String() string {
	switch l.Kind {
	case LiteralString:
		return "'" + strings.ReplaceAll(l.Str, "'", "''") + "'"
	case LiteralNumber:
		if l.IsInt {
			return strconv.FormatInt(l.Int, 10)
		}
		return strconv.FormatFloat(l.Num, 'f', -1, 64)
	case LiteralBool:
		return strconv.FormatBool(l.Bool)
	case LiteralDate:
		return l.Str
	default:
		return "null"
	}
}
