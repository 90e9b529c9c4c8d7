// Package webhook persists inbound POST payloads into a configured table.
// Only columns on the endpoint's allow list make it into the insert; extra
// body fields are dropped silently so integrations can evolve their payloads
// without breaking the sink.
package webhook

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/portwayapi/portway/internal/api"
	"github.com/portwayapi/portway/internal/endpoint"
	"github.com/portwayapi/portway/internal/sqlengine"
)

// Engine accepts webhook payloads.
type Engine struct {
	sql    *sqlengine.Engine
	logger *slog.Logger
}

// NewEngine wraps the SQL engine for webhook inserts.
func NewEngine(sqlEngine *sqlengine.Engine, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{sql: sqlEngine, logger: logger.With(slog.String("agent", "webhook_engine"))}
}

// Receive inserts one payload row. At least one allowed column must be
// present in the body.
func (e *Engine) Receive(ctx context.Context, env string, def *endpoint.Definition, body map[string]any) error {
	stmt, inserted, err := buildInsert(def.Webhook, body)
	if err != nil {
		return err
	}
	if err := e.sql.Exec(ctx, env, def.FullName(), stmt); err != nil {
		return err
	}
	e.logger.Info("webhook stored",
		slog.String("environment", env),
		slog.String("endpoint", def.FullName()),
		slog.Int("columns", inserted),
	)
	return nil
}

// buildInsert compiles the column-filtered INSERT. Columns bind as @p0
// upward in sorted order so the statement text is deterministic.
func buildInsert(def *endpoint.WebhookDefinition, body map[string]any) (sqlengine.Statement, int, error) {
	allowed := make(map[string]string, len(def.AllowedColumns))
	for _, column := range def.AllowedColumns {
		allowed[strings.ToLower(column)] = column
	}

	var columns []string
	values := map[string]any{}
	for field, value := range body {
		canonical, ok := allowed[strings.ToLower(field)]
		if !ok {
			continue
		}
		if _, dup := values[canonical]; dup {
			return sqlengine.Statement{}, 0, api.Errf(api.KindInvalidField, "field %q supplied twice", canonical)
		}
		columns = append(columns, canonical)
		values[canonical] = value
	}
	if len(columns) == 0 {
		return sqlengine.Statement{}, 0, api.Errf(api.KindInvalidField, "payload carries no accepted columns")
	}
	sort.Strings(columns)

	var names, params strings.Builder
	args := make([]any, 0, len(columns))
	for i, column := range columns {
		if i > 0 {
			names.WriteString(", ")
			params.WriteString(", ")
		}
		names.WriteString("[" + strings.ReplaceAll(column, "]", "]]") + "]")
		param := fmt.Sprintf("p%d", i)
		params.WriteString("@" + param)
		args = append(args, sql.Named(param, values[column]))
	}

	text := fmt.Sprintf("INSERT INTO [%s].[%s] (%s) VALUES (%s)",
		strings.ReplaceAll(def.Schema, "]", "]]"),
		strings.ReplaceAll(def.ObjectName, "]", "]]"),
		names.String(), params.String())
	return sqlengine.Statement{SQL: text, Args: args}, len(columns), nil
}
