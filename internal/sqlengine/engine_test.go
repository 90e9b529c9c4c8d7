package sqlengine

import (
	"context"
	"net/url"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/portwayapi/portway/internal/api"
	"github.com/portwayapi/portway/internal/config"
	"github.com/portwayapi/portway/internal/endpoint"
)

// newMockEngine seeds the pool map directly so queries hit sqlmock instead
// of a live environment.
func newMockEngine(t *testing.T) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	engine := NewEngine(config.SQLConfig{
		DefaultTop:     50,
		MaxTop:         1000,
		CommandTimeout: config.DefaultConfig().SQL.CommandTimeout,
		MaxOpenConns:   4,
		MaxIdleConns:   2,
	}, nil, nil, nil)
	engine.pools["600"] = sqlx.NewDb(db, "sqlserver")
	return engine, mock
}

const metadataQuery = `SELECT COLUMN_NAME, DATA_TYPE FROM INFORMATION_SCHEMA.COLUMNS WHERE TABLE_SCHEMA = @schema AND TABLE_NAME = @object`

func expectProductColumns(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(metadataQuery).
		WillReturnRows(sqlmock.NewRows([]string{"COLUMN_NAME", "DATA_TYPE"}).
			AddRow("ItemCode", "nvarchar").AddRow("Description", "nvarchar").
			AddRow("Assortment", "nvarchar").AddRow("IsActive", "bit"))
}

func TestQueryEnvelopeAndNextLink(t *testing.T) {
	engine, mock := newMockEngine(t)
	def := &endpoint.Definition{Name: "Products", Kind: endpoint.KindSQL, SQL: productsDefinition(t)}

	expectProductColumns(mock)
	mock.ExpectQuery(`SELECT [ItemCode] AS ProductNumber, [Description], [Assortment], [IsActive] AS Active FROM [dbo].[Items] WHERE [Assortment] = @p0 ORDER BY [ItemCode] OFFSET 0 ROWS FETCH NEXT 2 ROWS ONLY`).
		WillReturnRows(sqlmock.NewRows([]string{"ProductNumber", "Description", "Assortment", "Active"}).
			AddRow("BK-001", "Road bike", "Bikes", true).
			AddRow("BK-002", "Mountain bike", "Bikes", true))

	requestURL, _ := url.Parse("https://gw.example/api/600/Products?$filter=Assortment+eq+%27Bikes%27&$top=2")
	result, err := engine.Query(context.Background(), "600", def, requestURL.Query(), requestURL)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if result.Count != 2 || len(result.Value) != 2 {
		t.Fatalf("envelope wrong: count=%d values=%d", result.Count, len(result.Value))
	}
	if result.Value[0]["ProductNumber"] != "BK-001" {
		t.Fatalf("alias not applied: %v", result.Value[0])
	}
	if result.NextLink == "" {
		t.Fatalf("full page must produce a next link")
	}
	next, err := url.Parse(result.NextLink)
	if err != nil {
		t.Fatalf("next link unparseable: %v", err)
	}
	q := next.Query()
	if q.Get("$skip") != "2" || q.Get("$top") != "2" {
		t.Fatalf("next link window wrong: %s", result.NextLink)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestQueryPartialPageHasNoNextLink(t *testing.T) {
	engine, mock := newMockEngine(t)
	def := &endpoint.Definition{Name: "Products", Kind: endpoint.KindSQL, SQL: productsDefinition(t)}

	expectProductColumns(mock)
	mock.ExpectQuery(`SELECT [ItemCode] AS ProductNumber, [Description], [Assortment], [IsActive] AS Active FROM [dbo].[Items] ORDER BY [ItemCode] OFFSET 0 ROWS FETCH NEXT 50 ROWS ONLY`).
		WillReturnRows(sqlmock.NewRows([]string{"ProductNumber", "Description", "Assortment", "Active"}).
			AddRow("BK-001", "Road bike", "Bikes", true))

	requestURL, _ := url.Parse("https://gw.example/api/600/Products")
	result, err := engine.Query(context.Background(), "600", def, requestURL.Query(), requestURL)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if result.NextLink != "" {
		t.Fatalf("partial page must not link onward: %q", result.NextLink)
	}
}

func TestQueryEmptyResultIsEmptyArray(t *testing.T) {
	engine, mock := newMockEngine(t)
	def := &endpoint.Definition{Name: "Products", Kind: endpoint.KindSQL, SQL: productsDefinition(t)}

	expectProductColumns(mock)
	mock.ExpectQuery(`SELECT [ItemCode] AS ProductNumber, [Description], [Assortment], [IsActive] AS Active FROM [dbo].[Items] ORDER BY [ItemCode] OFFSET 0 ROWS FETCH NEXT 50 ROWS ONLY`).
		WillReturnRows(sqlmock.NewRows([]string{"ProductNumber"}))

	requestURL, _ := url.Parse("https://gw.example/api/600/Products")
	result, err := engine.Query(context.Background(), "600", def, requestURL.Query(), requestURL)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if result.Count != 0 || result.Value == nil {
		t.Fatalf("empty result must keep an empty Value array: %#v", result)
	}
}

func TestMetadataRejectsMissingColumn(t *testing.T) {
	engine, mock := newMockEngine(t)
	def := &endpoint.Definition{Name: "Products", Kind: endpoint.KindSQL, SQL: productsDefinition(t)}

	mock.ExpectQuery(metadataQuery).
		WillReturnRows(sqlmock.NewRows([]string{"COLUMN_NAME", "DATA_TYPE"}).AddRow("ItemCode", "nvarchar"))

	requestURL, _ := url.Parse("https://gw.example/api/600/Products")
	_, err := engine.Query(context.Background(), "600", def, requestURL.Query(), requestURL)
	if err == nil {
		t.Fatalf("missing declared column must fail")
	}
}

func TestQueryRejectsTypeMismatch(t *testing.T) {
	engine, mock := newMockEngine(t)
	def := &endpoint.Definition{Name: "Products", Kind: endpoint.KindSQL, SQL: productsDefinition(t)}

	expectProductColumns(mock)

	requestURL, _ := url.Parse("https://gw.example/api/600/Products?$filter=" +
		url.QueryEscape("Active eq 'yes'"))
	_, err := engine.Query(context.Background(), "600", def, requestURL.Query(), requestURL)
	if api.KindOf(err) != api.KindTypeMismatch {
		t.Fatalf("string against a bit column must mismatch, got %v", err)
	}

	requestURL, _ = url.Parse("https://gw.example/api/600/Products?$filter=" +
		url.QueryEscape("Description eq 42"))
	_, err = engine.Query(context.Background(), "600", def, requestURL.Query(), requestURL)
	if api.KindOf(err) != api.KindTypeMismatch {
		t.Fatalf("number against a text column must mismatch, got %v", err)
	}
}

func TestQueryBindsDateLiterals(t *testing.T) {
	engine, mock := newMockEngine(t)
	columns, err := endpoint.ParseColumns([]string{"OrderId", "ModifiedDate"})
	if err != nil {
		t.Fatalf("ParseColumns: %v", err)
	}
	def := &endpoint.Definition{Name: "Orders", Kind: endpoint.KindSQL, SQL: &endpoint.SQLDefinition{
		Schema:     "dbo",
		ObjectName: "Orders",
		ObjectType: endpoint.ObjectTable,
		PrimaryKey: "OrderId",
		Columns:    columns,
	}}

	mock.ExpectQuery(metadataQuery).
		WillReturnRows(sqlmock.NewRows([]string{"COLUMN_NAME", "DATA_TYPE"}).
			AddRow("OrderId", "int").AddRow("ModifiedDate", "datetime"))
	mock.ExpectQuery(`SELECT [OrderId], [ModifiedDate] FROM [dbo].[Orders] WHERE [ModifiedDate] >= @p0 ORDER BY [OrderId] OFFSET 0 ROWS FETCH NEXT 50 ROWS ONLY`).
		WillReturnRows(sqlmock.NewRows([]string{"OrderId", "ModifiedDate"}))

	requestURL, _ := url.Parse("https://gw.example/api/600/Orders?$filter=" +
		url.QueryEscape("ModifiedDate ge 2024-06-01"))
	if _, err := engine.Query(context.Background(), "600", def, requestURL.Query(), requestURL); err != nil {
		t.Fatalf("Query: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCollectFunctionArgs(t *testing.T) {
	def := &endpoint.SQLDefinition{
		Parameters: []endpoint.TVFParameter{
			{Name: "Year", SQLType: "int", Source: endpoint.SourcePath, Position: 1, Required: true},
			{Name: "Region", SQLType: "nvarchar(50)", Source: endpoint.SourceQuery, DefaultValue: "All"},
			{Name: "Tenant", SQLType: "nvarchar(10)", Source: endpoint.SourceHeader, Required: true},
		},
	}

	values := url.Values{}
	headers := map[string][]string{"Tenant": {"600"}}
	args, err := collectFunctionArgs(def, []string{"2026"}, values, headers)
	if err != nil {
		t.Fatalf("collectFunctionArgs: %v", err)
	}
	if args[0] != int64(2026) || args[1] != "All" || args[2] != "600" {
		t.Fatalf("args wrong: %#v", args)
	}

	if _, err := collectFunctionArgs(def, nil, values, headers); err == nil {
		t.Fatalf("missing required path parameter must fail")
	}
	if _, err := collectFunctionArgs(def, []string{"twenty"}, values, headers); err == nil {
		t.Fatalf("non-numeric int parameter must fail")
	}
}
