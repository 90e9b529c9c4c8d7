package sqlengine

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/portwayapi/portway/internal/api"
	"github.com/portwayapi/portway/internal/endpoint"
)

// Statement is a compiled query with its named arguments.
type Statement struct {
	SQL  string
	Args []any
}

func quoteIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func qualifiedName(schema, object string) string {
	return quoteIdent(schema) + "." + quoteIdent(object)
}

// BuildSelect compiles a table or view read. Every referenced field must be a
// declared alias; the database column names never appear in the request
// surface and unknown fields fail before any SQL is built.
func BuildSelect(def *endpoint.SQLDefinition, opts QueryOptions) (Statement, error) {
	projection, err := buildProjection(def, opts.Select)
	if err != nil {
		return Statement{}, err
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(projection)
	sb.WriteString(" FROM ")
	sb.WriteString(qualifiedName(def.Schema, def.ObjectName))

	wb := &whereBuilder{mapping: def.Columns}
	if opts.Filter != nil {
		clause, err := wb.render(opts.Filter, true)
		if err != nil {
			return Statement{}, err
		}
		sb.WriteString(" WHERE ")
		sb.WriteString(clause)
	}

	orderBy, err := buildOrderBy(def, opts.OrderBy)
	if err != nil {
		return Statement{}, err
	}
	sb.WriteString(" ORDER BY ")
	sb.WriteString(orderBy)

	fmt.Fprintf(&sb, " OFFSET %d ROWS FETCH NEXT %d ROWS ONLY", opts.Skip, opts.Top)
	return Statement{SQL: sb.String(), Args: wb.args}, nil
}

// BuildTVF compiles a table-valued function call. Positional arguments bind
// as @param0..@paramN; the filter, when present, applies over the function's
// result set.
func BuildTVF(def *endpoint.SQLDefinition, args []any, opts QueryOptions) (Statement, error) {
	var sb strings.Builder
	sb.WriteString("SELECT * FROM ")
	sb.WriteString(qualifiedName(def.Schema, def.ObjectName))
	sb.WriteString("(")
	named := make([]any, 0, len(args))
	for i, value := range args {
		if i > 0 {
			sb.WriteString(", ")
		}
		name := fmt.Sprintf("param%d", i)
		sb.WriteString("@" + name)
		named = append(named, sql.Named(name, value))
	}
	sb.WriteString(")")

	wb := &whereBuilder{mapping: def.Columns}
	if opts.Filter != nil {
		clause, err := wb.render(opts.Filter, true)
		if err != nil {
			return Statement{}, err
		}
		sb.WriteString(" WHERE ")
		sb.WriteString(clause)
	}
	if len(opts.OrderBy) > 0 {
		orderBy, err := buildOrderBy(def, opts.OrderBy)
		if err != nil {
			return Statement{}, err
		}
		sb.WriteString(" ORDER BY ")
		sb.WriteString(orderBy)
		fmt.Fprintf(&sb, " OFFSET %d ROWS FETCH NEXT %d ROWS ONLY", opts.Skip, opts.Top)
	}
	return Statement{SQL: sb.String(), Args: append(named, wb.args...)}, nil
}

// reservedProcedureFields never reach the procedure as parameters; Method is
// injected by the gateway itself.
var reservedProcedureFields = map[string]struct{}{
	"method": {}, "action": {}, "operation": {},
}

// BuildProcedure compiles a stored-procedure call from the request body
// fields plus the synthetic @Method argument carrying the HTTP verb.
func BuildProcedure(def *endpoint.SQLDefinition, method string, body map[string]any) (Statement, error) {
	names := make([]string, 0, len(body))
	for name := range body {
		if _, reserved := reservedProcedureFields[strings.ToLower(name)]; reserved {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString("EXEC ")
	sb.WriteString(qualifiedName(def.Schema, def.Procedure))
	args := make([]any, 0, len(names)+1)
	sb.WriteString(" @Method = @Method")
	args = append(args, sql.Named("Method", method))
	for _, name := range names {
		if !validParameterName(name) {
			return Statement{}, api.Errf(api.KindInvalidField, "parameter name %q invalid", name)
		}
		sb.WriteString(", @" + name + " = @" + name)
		args = append(args, sql.Named(name, body[name]))
	}
	return Statement{SQL: sb.String(), Args: args}, nil
}

func validParameterName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		if !isWordChar(name[i]) {
			return false
		}
	}
	return true
}

func buildProjection(def *endpoint.SQLDefinition, selected []string) (string, error) {
	aliases := selected
	if len(aliases) == 0 {
		aliases = def.Columns.Order
	}
	if len(aliases) == 0 {
		return "", api.Errf(api.KindConfigInvalid, "endpoint declares no columns")
	}
	parts := make([]string, 0, len(aliases))
	for _, alias := range aliases {
		db, ok := def.Columns.DB(alias)
		if !ok {
			return "", api.Errf(api.KindInvalidField, "field %q does not exist", alias)
		}
		if strings.EqualFold(db, alias) {
			parts = append(parts, quoteIdent(db))
		} else {
			parts = append(parts, quoteIdent(db)+" AS "+alias)
		}
	}
	return strings.Join(parts, ", "), nil
}

func buildOrderBy(def *endpoint.SQLDefinition, fields []OrderField) (string, error) {
	if len(fields) == 0 {
		// Stable default ordering: the primary key when declared, otherwise
		// the first declared column. OFFSET/FETCH requires an ORDER BY.
		db := def.PrimaryKey
		if db == "" {
			first := def.Columns.Order[0]
			resolved, _ := def.Columns.DB(first)
			db = resolved
		}
		return quoteIdent(db), nil
	}
	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		db, ok := def.Columns.DB(field.Field)
		if !ok {
			return "", api.Errf(api.KindInvalidField, "field %q does not exist", field.Field)
		}
		term := quoteIdent(db)
		if field.Descending {
			term += " DESC"
		}
		parts = append(parts, term)
	}
	return strings.Join(parts, ", "), nil
}

var sqlComparisonOps = map[string]string{
	"eq": "=", "ne": "<>", "gt": ">", "ge": ">=", "lt": "<", "le": "<=",
}

// whereBuilder renders a filter AST to SQL, numbering parameters @p0 upward.
type whereBuilder struct {
	mapping endpoint.ColumnMapping
	args    []any
}

func (w *whereBuilder) bind(value any) string {
	name := fmt.Sprintf("p%d", len(w.args))
	w.args = append(w.args, sql.Named(name, value))
	return "@" + name
}

func (w *whereBuilder) render(node *FilterNode, root bool) (string, error) {
	switch {
	case node.Logical != nil:
		left, err := w.render(node.Logical.Left, false)
		if err != nil {
			return "", err
		}
		right, err := w.render(node.Logical.Right, false)
		if err != nil {
			return "", err
		}
		clause := left + " " + strings.ToUpper(node.Logical.Op) + " " + right
		if !root {
			clause = "(" + clause + ")"
		}
		return clause, nil
	case node.Not != nil:
		inner, err := w.render(node.Not, false)
		if err != nil {
			return "", err
		}
		return "NOT (" + inner + ")", nil
	case node.Comparison != nil:
		return w.renderComparison(node.Comparison)
	case node.Function != nil:
		return w.renderFunction(node.Function)
	default:
		return "", api.Errf(api.KindQuerySyntax, "empty $filter expression")
	}
}

func (w *whereBuilder) renderComparison(cmp *ComparisonExpr) (string, error) {
	db, ok := w.mapping.DB(cmp.Field)
	if !ok {
		return "", api.Errf(api.KindInvalidField, "field %q does not exist", cmp.Field)
	}
	if cmp.Value.Kind == LiteralNull {
		switch cmp.Op {
		case "eq":
			return quoteIdent(db) + " IS NULL", nil
		case "ne":
			return quoteIdent(db) + " IS NOT NULL", nil
		default:
			return "", api.Errf(api.KindQuerySyntax, "operator %q not valid with null", cmp.Op)
		}
	}
	return quoteIdent(db) + " " + sqlComparisonOps[cmp.Op] + " " + w.bind(cmp.Value.Value()), nil
}

func (w *whereBuilder) renderFunction(fn *FunctionExpr) (string, error) {
	db, ok := w.mapping.DB(fn.Field)
	if !ok {
		return "", api.Errf(api.KindInvalidField, "field %q does not exist", fn.Field)
	}
	escaped := escapeLike(fn.Value)
	var pattern string
	switch fn.Name {
	case "contains":
		pattern = "%" + escaped + "%"
	case "startswith":
		pattern = escaped + "%"
	case "endswith":
		pattern = "%" + escaped
	default:
		return "", api.Errf(api.KindQuerySyntax, "function %q not supported", fn.Name)
	}
	return quoteIdent(db) + " LIKE " + w.bind(pattern) + " ESCAPE '\\'", nil
}

// escapeLike neutralizes LIKE wildcards inside user values.
func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`, "[", `\[`)
	return replacer.Replace(value)
}
