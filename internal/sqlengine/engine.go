package sqlengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	mssql "github.com/microsoft/go-mssqldb"

	"github.com/portwayapi/portway/internal/api"
	"github.com/portwayapi/portway/internal/config"
	"github.com/portwayapi/portway/internal/endpoint"
	"github.com/portwayapi/portway/internal/environment"
	"github.com/portwayapi/portway/internal/metrics"
)

// Engine executes SQL endpoint requests. Connection pools are held per
// environment and handed out lazily; object metadata is cached per
// schema-qualified name until an endpoint reload invalidates it.
type Engine struct {
	cfg     config.SQLConfig
	envs    *environment.Registry
	logger  *slog.Logger
	metrics *metrics.Recorder

	mu    sync.Mutex
	pools map[string]*sqlx.DB
	meta  map[string]*metaEntry
}

type metaEntry struct {
	mu      sync.Mutex
	columns map[string]string // lower-cased db column name -> lower-cased data type
	loaded  bool
}

// NewEngine wires the engine to the environment registry.
func NewEngine(cfg config.SQLConfig, envs *environment.Registry, recorder *metrics.Recorder, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:     cfg,
		envs:    envs,
		logger:  logger.With(slog.String("agent", "sql_engine")),
		metrics: recorder,
		pools:   map[string]*sqlx.DB{},
		meta:    map[string]*metaEntry{},
	}
}

// Close releases every pooled connection.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for env, pool := range e.pools {
		if err := pool.Close(); err != nil {
			e.logger.Warn("pool close failed", slog.String("environment", env), slog.Any("error", err))
		}
		delete(e.pools, env)
	}
}

// InvalidateEnvironment drops the pool for an environment so the next
// request reconnects with fresh settings.
func (e *Engine) InvalidateEnvironment(name string) {
	key := strings.ToLower(name)
	e.mu.Lock()
	defer e.mu.Unlock()
	if pool, ok := e.pools[key]; ok {
		pool.Close()
		delete(e.pools, key)
	}
	for metaKey := range e.meta {
		if strings.HasPrefix(metaKey, key+"|") {
			delete(e.meta, metaKey)
		}
	}
}

// InvalidateMetadata drops cached column metadata after an endpoint reload.
func (e *Engine) InvalidateMetadata() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.meta = map[string]*metaEntry{}
}

func (e *Engine) pool(ctx context.Context, env string) (*sqlx.DB, error) {
	key := strings.ToLower(env)
	e.mu.Lock()
	if pool, ok := e.pools[key]; ok {
		e.mu.Unlock()
		return pool, nil
	}
	e.mu.Unlock()

	settings, err := e.envs.Lookup(ctx, env)
	if err != nil {
		return nil, err
	}
	pool, err := sqlx.Open("sqlserver", settings.ConnectionString.Reveal())
	if err != nil {
		return nil, api.E(api.KindDbUnavailable, fmt.Sprintf("database for environment %q unreachable", env), err)
	}
	pool.SetMaxOpenConns(e.cfg.MaxOpenConns)
	pool.SetMaxIdleConns(e.cfg.MaxIdleConns)
	pool.SetConnMaxLifetime(30 * time.Minute)

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.pools[key]; ok {
		pool.Close()
		return existing, nil
	}
	e.pools[key] = pool
	return pool, nil
}

// Query serves table and view reads: parse options, validate fields against
// live metadata, compile, execute, and wrap in the count envelope. A next
// link is attached only when the page came back full.
func (e *Engine) Query(ctx context.Context, env string, def *endpoint.Definition, values url.Values, requestURL *url.URL) (*api.QueryResult, error) {
	opts, err := ParseOptions(values, e.cfg.DefaultTop, e.cfg.MaxTop)
	if err != nil {
		return nil, err
	}
	pool, err := e.pool(ctx, env)
	if err != nil {
		return nil, err
	}
	columnTypes, err := e.ensureColumns(ctx, pool, env, def.SQL)
	if err != nil {
		return nil, err
	}
	if err := applyColumnTypes(columnTypes, def.SQL.Columns, opts.Filter); err != nil {
		return nil, err
	}
	stmt, err := BuildSelect(def.SQL, opts)
	if err != nil {
		return nil, err
	}

	rows, err := e.execQuery(ctx, pool, env, def.FullName(), "select", stmt)
	if err != nil {
		return nil, err
	}

	result := &api.QueryResult{Count: len(rows), Value: rows}
	if len(rows) == opts.Top {
		result.NextLink = nextLink(requestURL, opts)
	}
	return result, nil
}

// CallFunction serves table-valued function reads. Path arguments consume
// the unmatched URL segments in position order; query and header parameters
// resolve by name.
func (e *Engine) CallFunction(ctx context.Context, env string, def *endpoint.Definition, pathArgs []string, values url.Values, headers http.Header, requestURL *url.URL) (*api.QueryResult, error) {
	opts, err := ParseOptions(values, e.cfg.DefaultTop, e.cfg.MaxTop)
	if err != nil {
		return nil, err
	}
	args, err := collectFunctionArgs(def.SQL, pathArgs, values, headers)
	if err != nil {
		return nil, err
	}
	pool, err := e.pool(ctx, env)
	if err != nil {
		return nil, err
	}
	stmt, err := BuildTVF(def.SQL, args, opts)
	if err != nil {
		return nil, err
	}

	rows, err := e.execQuery(ctx, pool, env, def.FullName(), "function", stmt)
	if err != nil {
		return nil, err
	}
	rows = projectAliases(rows, def.SQL.Columns)

	result := &api.QueryResult{Count: len(rows), Value: rows}
	if len(opts.OrderBy) > 0 && len(rows) == opts.Top {
		result.NextLink = nextLink(requestURL, opts)
	}
	return result, nil
}

// ExecProcedure runs a stored procedure with the JSON body as named
// arguments plus the synthetic @Method carrying the HTTP verb. A procedure
// that raises severity 16 or higher surfaces as a row conflict.
func (e *Engine) ExecProcedure(ctx context.Context, env string, def *endpoint.Definition, method string, body map[string]any) (*api.QueryResult, error) {
	pool, err := e.pool(ctx, env)
	if err != nil {
		return nil, err
	}
	stmt, err := BuildProcedure(def.SQL, method, body)
	if err != nil {
		return nil, err
	}
	rows, err := e.execQuery(ctx, pool, env, def.FullName(), "procedure", stmt)
	if err != nil {
		return nil, err
	}
	return &api.QueryResult{Count: len(rows), Value: rows}, nil
}

// Exec runs a statement that returns no rows, for insert-style endpoints.
func (e *Engine) Exec(ctx context.Context, env, endpointName string, stmt Statement) error {
	pool, err := e.pool(ctx, env)
	if err != nil {
		return err
	}
	execCtx, cancel := context.WithTimeout(ctx, e.cfg.CommandTimeout)
	defer cancel()

	started := time.Now()
	_, err = pool.ExecContext(execCtx, stmt.SQL, stmt.Args...)
	e.metrics.ObserveSQL(env, endpointName, "exec", time.Since(started))
	if err != nil {
		return classifySQLError(env, err)
	}
	return nil
}

func (e *Engine) execQuery(ctx context.Context, pool *sqlx.DB, env, endpointName, operation string, stmt Statement) ([]map[string]any, error) {
	queryCtx, cancel := context.WithTimeout(ctx, e.cfg.CommandTimeout)
	defer cancel()

	started := time.Now()
	rows, err := pool.QueryxContext(queryCtx, stmt.SQL, stmt.Args...)
	e.metrics.ObserveSQL(env, endpointName, operation, time.Since(started))
	if err != nil {
		return nil, classifySQLError(env, err)
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		row := map[string]any{}
		if err := rows.MapScan(row); err != nil {
			return nil, api.E(api.KindUnexpected, "row scan failed", err)
		}
		for key, value := range row {
			if b, ok := value.([]byte); ok {
				row[key] = string(b)
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLError(env, err)
	}
	if out == nil {
		out = []map[string]any{}
	}
	return out, nil
}

func classifySQLError(env string, err error) error {
	var sqlErr mssql.Error
	if errors.As(err, &sqlErr) {
		if sqlErr.SQLErrorClass() >= 16 {
			return api.E(api.KindRowConflict, sqlErr.SQLErrorMessage(), err)
		}
		return api.E(api.KindDbUnavailable, fmt.Sprintf("database error in environment %q", env), err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return api.E(api.KindDbTimeout, fmt.Sprintf("database timeout in environment %q", env), err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return api.E(api.KindDbUnavailable, fmt.Sprintf("database unavailable in environment %q", env), err)
}

// ensureColumns verifies every declared column exists on the live object and
// returns the cached name-to-type mapping. Metadata loads once per object
// under its own mutex so concurrent first requests do not stampede
// INFORMATION_SCHEMA.
func (e *Engine) ensureColumns(ctx context.Context, pool *sqlx.DB, env string, def *endpoint.SQLDefinition) (map[string]string, error) {
	key := strings.ToLower(env) + "|" + strings.ToLower(def.Schema) + "." + strings.ToLower(def.ObjectName)
	e.mu.Lock()
	entry, ok := e.meta[key]
	if !ok {
		entry = &metaEntry{}
		e.meta[key] = entry
	}
	e.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if !entry.loaded {
		columns, err := loadColumns(ctx, pool, def.Schema, def.ObjectName)
		if err != nil {
			return nil, classifySQLError(env, err)
		}
		entry.columns = columns
		entry.loaded = true
	}
	if len(entry.columns) == 0 {
		return nil, api.Errf(api.KindConfigInvalid, "object %s.%s not found", def.Schema, def.ObjectName)
	}
	for db := range def.Columns.DBToAlias {
		if _, exists := entry.columns[db]; !exists {
			return nil, api.Errf(api.KindConfigInvalid, "declared column %q missing on %s.%s", db, def.Schema, def.ObjectName)
		}
	}
	return entry.columns, nil
}

func loadColumns(ctx context.Context, pool *sqlx.DB, schema, object string) (map[string]string, error) {
	rows, err := pool.QueryContext(ctx,
		`SELECT COLUMN_NAME, DATA_TYPE FROM INFORMATION_SCHEMA.COLUMNS WHERE TABLE_SCHEMA = @schema AND TABLE_NAME = @object`,
		sql.Named("schema", schema), sql.Named("object", object))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	columns := map[string]string{}
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			return nil, err
		}
		columns[strings.ToLower(name)] = strings.ToLower(dataType)
	}
	return columns, rows.Err()
}

type typeCategoryKind int

const (
	typeOther typeCategoryKind = iota
	typeString
	typeNumber
	typeBool
	typeDate
)

func typeCategory(sqlType string) typeCategoryKind {
	switch sqlType {
	case "char", "varchar", "nchar", "nvarchar", "text", "ntext", "uniqueidentifier":
		return typeString
	case "int", "bigint", "smallint", "tinyint", "decimal", "numeric",
		"float", "real", "money", "smallmoney":
		return typeNumber
	case "bit":
		return typeBool
	case "date", "datetime", "datetime2", "smalldatetime", "datetimeoffset", "time":
		return typeDate
	default:
		return typeOther
	}
}

// applyColumnTypes checks filter literals against the live column types and
// binds date columns as time values even when the literal arrived quoted.
// Unknown columns fall through; BuildSelect reports those.
func applyColumnTypes(types map[string]string, mapping endpoint.ColumnMapping, node *FilterNode) error {
	if node == nil {
		return nil
	}
	switch {
	case node.Logical != nil:
		if err := applyColumnTypes(types, mapping, node.Logical.Left); err != nil {
			return err
		}
		return applyColumnTypes(types, mapping, node.Logical.Right)
	case node.Not != nil:
		return applyColumnTypes(types, mapping, node.Not)
	case node.Comparison != nil:
		db, ok := mapping.DB(node.Comparison.Field)
		if !ok {
			return nil
		}
		sqlType, ok := types[strings.ToLower(db)]
		if !ok {
			return nil
		}
		return checkComparisonType(node.Comparison, sqlType)
	case node.Function != nil:
		db, ok := mapping.DB(node.Function.Field)
		if !ok {
			return nil
		}
		if sqlType, ok := types[strings.ToLower(db)]; ok && typeCategory(sqlType) != typeString {
			return api.Errf(api.KindTypeMismatch,
				"%s requires a text field, %q is %s", node.Function.Name, node.Function.Field, sqlType)
		}
		return nil
	}
	return nil
}

func checkComparisonType(cmp *ComparisonExpr, sqlType string) error {
	lit := &cmp.Value
	if lit.Kind == LiteralNull {
		return nil
	}
	switch typeCategory(sqlType) {
	case typeNumber:
		if lit.Kind != LiteralNumber {
			return typeMismatch(cmp.Field, sqlType)
		}
	case typeBool:
		if lit.Kind != LiteralBool {
			return typeMismatch(cmp.Field, sqlType)
		}
	case typeDate:
		switch lit.Kind {
		case LiteralDate:
		case LiteralString:
			parsed, err := parseSQLTime(lit.Str)
			if err != nil {
				return typeMismatch(cmp.Field, sqlType)
			}
			lit.Kind, lit.Time = LiteralDate, parsed
		default:
			return typeMismatch(cmp.Field, sqlType)
		}
	case typeString:
		if lit.Kind != LiteralString {
			return typeMismatch(cmp.Field, sqlType)
		}
	}
	return nil
}

func typeMismatch(field, sqlType string) error {
	return api.Errf(api.KindTypeMismatch, "field %q expects a %s value", field, sqlType)
}

// collectFunctionArgs resolves each declared parameter, in declaration
// order, from its configured source.
func collectFunctionArgs(def *endpoint.SQLDefinition, pathArgs []string, values url.Values, headers http.Header) ([]any, error) {
	args := make([]any, 0, len(def.Parameters))
	for _, param := range def.Parameters {
		var raw string
		var present bool
		switch param.Source {
		case endpoint.SourcePath:
			if idx := param.Position - 1; idx >= 0 && idx < len(pathArgs) {
				raw, present = pathArgs[idx], true
			}
		case endpoint.SourceQuery:
			raw = values.Get(param.Name)
			present = values.Has(param.Name)
		case endpoint.SourceHeader:
			raw = headers.Get(param.Name)
			present = raw != ""
		}
		if !present {
			if param.Required {
				return nil, api.Errf(api.KindMissingParameter, "parameter %q is required", param.Name)
			}
			raw = param.DefaultValue
		}
		value, err := convertParameter(param, raw)
		if err != nil {
			return nil, err
		}
		args = append(args, value)
	}
	return args, nil
}

func convertParameter(param endpoint.TVFParameter, raw string) (any, error) {
	sqlType := strings.ToLower(param.SQLType)
	base := sqlType
	if idx := strings.Index(base, "("); idx >= 0 {
		base = base[:idx]
	}
	switch base {
	case "int", "bigint", "smallint", "tinyint":
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, api.Errf(api.KindTypeMismatch, "parameter %q expects %s", param.Name, param.SQLType)
		}
		return n, nil
	case "bit":
		b, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return nil, api.Errf(api.KindTypeMismatch, "parameter %q expects bit", param.Name)
		}
		return b, nil
	case "float", "real", "decimal", "numeric", "money":
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, api.Errf(api.KindTypeMismatch, "parameter %q expects %s", param.Name, param.SQLType)
		}
		return f, nil
	case "date", "datetime", "datetime2", "smalldatetime":
		t, err := parseSQLTime(strings.TrimSpace(raw))
		if err != nil {
			return nil, api.Errf(api.KindTypeMismatch, "parameter %q expects a date", param.Name)
		}
		return t, nil
	default:
		return raw, nil
	}
}

func parseSQLTime(raw string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable time %q", raw)
}

// projectAliases renames raw columns to their public aliases. With no column
// mapping declared the rows pass through untouched; otherwise undeclared
// columns are dropped.
func projectAliases(rows []map[string]any, mapping endpoint.ColumnMapping) []map[string]any {
	if len(mapping.DBToAlias) == 0 {
		return rows
	}
	out := make([]map[string]any, len(rows))
	for i, row := range rows {
		projected := make(map[string]any, len(mapping.DBToAlias))
		for column, value := range row {
			if alias, ok := mapping.Alias(column); ok {
				projected[alias] = value
			}
		}
		out[i] = projected
	}
	return out
}

// nextLink rewrites the request URL with the next page window.
func nextLink(requestURL *url.URL, opts QueryOptions) string {
	if requestURL == nil {
		return ""
	}
	next := *requestURL
	values := next.Query()
	values.Set("$top", strconv.Itoa(opts.Top))
	values.Set("$skip", strconv.Itoa(opts.Skip+opts.Top))
	next.RawQuery = values.Encode()
	return next.String()
}
