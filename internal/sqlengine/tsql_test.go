package sqlengine

import (
	"database/sql"
	"net/url"
	"strings"
	"testing"

	"github.com/portwayapi/portway/internal/api"
	"github.com/portwayapi/portway/internal/endpoint"
)

func productsDefinition(t *testing.T) *endpoint.SQLDefinition {
	t.Helper()
	columns, err := endpoint.ParseColumns([]string{
		"ItemCode;ProductNumber", "Description", "Assortment", "IsActive;Active",
	})
	if err != nil {
		t.Fatalf("ParseColumns: %v", err)
	}
	return &endpoint.SQLDefinition{
		Schema:     "dbo",
		ObjectName: "Items",
		ObjectType: endpoint.ObjectTable,
		PrimaryKey: "ItemCode",
		Columns:    columns,
	}
}

func parseValues(t *testing.T, raw string) url.Values {
	t.Helper()
	values, err := url.ParseQuery(raw)
	if err != nil {
		t.Fatalf("ParseQuery: %v", err)
	}
	return values
}

func TestBuildSelectShape(t *testing.T) {
	def := productsDefinition(t)
	values := parseValues(t, "$filter="+url.QueryEscape("Assortment eq 'Bikes'")+"&$top=2&$select=ProductNumber,Description")
	opts, err := ParseOptions(values, 50, 1000)
	if err != nil {
		t.Fatalf("ParseOptions: %v", err)
	}
	stmt, err := BuildSelect(def, opts)
	if err != nil {
		t.Fatalf("BuildSelect: %v", err)
	}

	want := "SELECT [ItemCode] AS ProductNumber, [Description] FROM [dbo].[Items] WHERE [Assortment] = @p0 ORDER BY [ItemCode] OFFSET 0 ROWS FETCH NEXT 2 ROWS ONLY"
	if stmt.SQL != want {
		t.Fatalf("sql mismatch:\n got %s\nwant %s", stmt.SQL, want)
	}
	if len(stmt.Args) != 1 {
		t.Fatalf("expected 1 arg, got %d", len(stmt.Args))
	}
	named, ok := stmt.Args[0].(sql.NamedArg)
	if !ok || named.Name != "p0" || named.Value != "Bikes" {
		t.Fatalf("arg mismatch: %#v", stmt.Args[0])
	}
}

func TestBuildSelectLogicalAndOrdering(t *testing.T) {
	def := productsDefinition(t)
	values := parseValues(t, "$filter="+url.QueryEscape("Active eq true and (Assortment eq 'Bikes' or Assortment eq 'Parts')")+"&$orderby=Description desc&$skip=10")
	opts, err := ParseOptions(values, 50, 1000)
	if err != nil {
		t.Fatalf("ParseOptions: %v", err)
	}
	stmt, err := BuildSelect(def, opts)
	if err != nil {
		t.Fatalf("BuildSelect: %v", err)
	}

	// Simple comparisons stay bare; only nested logical groups get wrapped.
	want := "SELECT [ItemCode] AS ProductNumber, [Description], [Assortment], [IsActive] AS Active FROM [dbo].[Items] WHERE [IsActive] = @p0 AND ([Assortment] = @p1 OR [Assortment] = @p2) ORDER BY [Description] DESC OFFSET 10 ROWS FETCH NEXT 50 ROWS ONLY"
	if stmt.SQL != want {
		t.Fatalf("sql mismatch:\n got %s\nwant %s", stmt.SQL, want)
	}
}

func TestBuildSelectStringFunctions(t *testing.T) {
	def := productsDefinition(t)
	node, err := ParseFilter("contains(Description,'50%')")
	if err != nil {
		t.Fatalf("ParseFilter: %v", err)
	}
	stmt, err := BuildSelect(def, QueryOptions{Filter: node, Top: 50})
	if err != nil {
		t.Fatalf("BuildSelect: %v", err)
	}
	named := stmt.Args[0].(sql.NamedArg)
	if named.Value != `%50\%%` {
		t.Fatalf("LIKE wildcard not escaped: %q", named.Value)
	}
}

func TestBuildSelectRejectsUnknownField(t *testing.T) {
	def := productsDefinition(t)
	node, err := ParseFilter("Price gt 10")
	if err != nil {
		t.Fatalf("ParseFilter: %v", err)
	}
	_, err = BuildSelect(def, QueryOptions{Filter: node, Top: 50})
	if api.KindOf(err) != api.KindInvalidField {
		t.Fatalf("expected invalid field, got %v", err)
	}
}

func TestBuildSelectNullComparison(t *testing.T) {
	def := productsDefinition(t)
	node, err := ParseFilter("Description ne null")
	if err != nil {
		t.Fatalf("ParseFilter: %v", err)
	}
	stmt, err := BuildSelect(def, QueryOptions{Filter: node, Top: 50})
	if err != nil {
		t.Fatalf("BuildSelect: %v", err)
	}
	if got := stmt.SQL; !strings.Contains(got, "[Description] IS NOT NULL") {
		t.Fatalf("null comparison wrong: %s", got)
	}
	if len(stmt.Args) != 0 {
		t.Fatalf("null must not bind an argument")
	}
}

func TestParseFilterDateLiterals(t *testing.T) {
	node, err := ParseFilter("ModifiedDate ge 2024-06-01")
	if err != nil {
		t.Fatalf("ParseFilter: %v", err)
	}
	lit := node.Comparison.Value
	if lit.Kind != LiteralDate {
		t.Fatalf("unquoted ISO date must lex as one literal: %#v", lit)
	}
	if lit.Time.Year() != 2024 || lit.Time.Month() != 6 || lit.Time.Day() != 1 {
		t.Fatalf("date parsed wrong: %v", lit.Time)
	}

	node, err = ParseFilter("ModifiedDate lt 2024-06-01T15:04:05Z")
	if err != nil {
		t.Fatalf("ParseFilter datetime: %v", err)
	}
	if node.Comparison.Value.Kind != LiteralDate || node.Comparison.Value.Time.Hour() != 15 {
		t.Fatalf("datetime parsed wrong: %#v", node.Comparison.Value)
	}

	// Plain numbers must not be swallowed by the date path.
	node, err = ParseFilter("Quantity ge 2024")
	if err != nil {
		t.Fatalf("ParseFilter number: %v", err)
	}
	if node.Comparison.Value.Kind != LiteralNumber || node.Comparison.Value.Int != 2024 {
		t.Fatalf("number literal wrong: %#v", node.Comparison.Value)
	}

	if _, err := ParseFilter("ModifiedDate ge 2024-13-99"); api.KindOf(err) != api.KindQuerySyntax {
		t.Fatalf("impossible date must be a syntax error, got %v", err)
	}
}

func TestParseFilterSyntaxErrors(t *testing.T) {
	cases := []string{
		"Assortment eq 'unterminated",
		"Assortment like 'Bikes'",
		"(Assortment eq 'Bikes'",
		"contains(Description)",
		"Assortment eq",
	}
	for _, input := range cases {
		if _, err := ParseFilter(input); api.KindOf(err) != api.KindQuerySyntax {
			t.Fatalf("input %q: expected syntax error, got %v", input, err)
		}
	}
}

func TestParseOptionsClampsTop(t *testing.T) {
	opts, err := ParseOptions(parseValues(t, "$top=99999"), 50, 1000)
	if err != nil {
		t.Fatalf("ParseOptions: %v", err)
	}
	if opts.Top != 1000 {
		t.Fatalf("$top not clamped: %d", opts.Top)
	}
	if _, err := ParseOptions(parseValues(t, "$skip=-1"), 50, 1000); api.KindOf(err) != api.KindQuerySyntax {
		t.Fatalf("negative $skip must fail, got %v", err)
	}
}

func TestBuildTVF(t *testing.T) {
	columns, err := endpoint.ParseColumns([]string{"OrderId", "Total"})
	if err != nil {
		t.Fatalf("ParseColumns: %v", err)
	}
	def := &endpoint.SQLDefinition{
		Schema:     "dbo",
		ObjectName: "GetOrdersByYear",
		ObjectType: endpoint.ObjectTVF,
		Columns:    columns,
	}
	stmt, err := BuildTVF(def, []any{int64(2026), "West"}, QueryOptions{Top: 50})
	if err != nil {
		t.Fatalf("BuildTVF: %v", err)
	}
	want := "SELECT * FROM [dbo].[GetOrdersByYear](@param0, @param1)"
	if stmt.SQL != want {
		t.Fatalf("sql mismatch:\n got %s\nwant %s", stmt.SQL, want)
	}
}

func TestBuildProcedure(t *testing.T) {
	def := &endpoint.SQLDefinition{
		Schema:     "dbo",
		ObjectType: endpoint.ObjectProcedure,
		Procedure:  "UpsertProduct",
	}
	stmt, err := BuildProcedure(def, "POST", map[string]any{
		"ItemCode": "BK-001",
		"Price":    12.5,
		"Method":   "ignored",
	})
	if err != nil {
		t.Fatalf("BuildProcedure: %v", err)
	}
	want := "EXEC [dbo].[UpsertProduct] @Method = @Method, @ItemCode = @ItemCode, @Price = @Price"
	if stmt.SQL != want {
		t.Fatalf("sql mismatch:\n got %s\nwant %s", stmt.SQL, want)
	}
	first := stmt.Args[0].(sql.NamedArg)
	if first.Name != "Method" || first.Value != "POST" {
		t.Fatalf("synthetic method arg wrong: %#v", first)
	}
}

func TestBuildProcedureRejectsHostileNames(t *testing.T) {
	def := &endpoint.SQLDefinition{Schema: "dbo", Procedure: "P"}
	_, err := BuildProcedure(def, "POST", map[string]any{"a; DROP TABLE x": 1})
	if api.KindOf(err) != api.KindInvalidField {
		t.Fatalf("expected rejection, got %v", err)
	}
}
