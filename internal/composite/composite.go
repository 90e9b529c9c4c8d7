// Package composite chains calls to other gateway endpoints into a single
// request, feeding each step from the results of the ones before it.
package composite

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/portwayapi/portway/internal/api"
	"github.com/portwayapi/portway/internal/config"
	"github.com/portwayapi/portway/internal/endpoint"
)

// Invoker dispatches one internal call to another endpoint. The server wires
// its own dispatcher in here so composites reuse the full execution path.
type Invoker interface {
	Invoke(ctx context.Context, env, endpointName, method string, body map[string]any) (map[string]any, error)
}

// Result is the composite response envelope. On failure StepResults still
// carries everything that succeeded before the failing step.
type Result struct {
	Success     bool           `json:"success"`
	StepResults map[string]any `json:"stepResults"`
	FailedStep  string         `json:"failedStep,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// Engine runs composite definitions step by step.
type Engine struct {
	cfg     config.CompositeConfig
	invoker Invoker
	logger  *slog.Logger
}

// NewEngine builds the orchestrator.
func NewEngine(cfg config.CompositeConfig, invoker Invoker, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, invoker: invoker, logger: logger.With(slog.String("agent", "composite_engine"))}
}

// Execute runs the steps in declaration order. Array steps fan out over
// their items concurrently but keep result order; everything else is
// strictly sequential so later steps can reference earlier results.
func (e *Engine) Execute(ctx context.Context, env string, def *endpoint.Definition, requestBody map[string]any) (*Result, error) {
	scope := &templateScope{
		guid:    uuid.New().String(),
		request: requestBody,
		prev:    map[string]any{},
	}
	result := &Result{Success: true, StepResults: map[string]any{}}

	for _, step := range def.Composite.Steps {
		stepResult, err := e.runStep(ctx, env, step, requestBody, scope)
		if err != nil {
			result.Success = false
			result.FailedStep = step.Name
			result.Error = api.PublicMessage(err)
			e.logger.Warn("composite step failed",
				slog.String("endpoint", def.FullName()),
				slog.String("step", step.Name),
				slog.Any("error", err),
			)
			return result, err
		}
		scope.prev[strings.ToLower(step.Name)] = stepResult
		result.StepResults[step.Name] = stepResult
	}
	return result, nil
}

func (e *Engine) runStep(ctx context.Context, env string, step endpoint.CompositeStep, requestBody map[string]any, scope *templateScope) (any, error) {
	source := any(requestBody)
	if step.SourceProperty != "" {
		value, err := scope.lookupPath(requestBody, step.SourceProperty)
		if err != nil {
			return nil, api.Errf(api.KindCompositeTemplate, "step %q: source property %q not present", step.Name, step.SourceProperty)
		}
		source = value
	}

	if !step.IsArray {
		body, err := e.stepBody(step, source, scope, nil)
		if err != nil {
			return nil, err
		}
		return e.invoke(ctx, env, step, body)
	}

	itemsValue, err := scope.lookupPath(source, step.ArrayProperty)
	if err != nil {
		return nil, api.Errf(api.KindCompositeTemplate, "step %q: array property %q not present", step.Name, step.ArrayProperty)
	}
	items, ok := itemsValue.([]any)
	if !ok {
		return nil, api.Errf(api.KindCompositeTemplate, "step %q: property %q is not an array", step.Name, step.ArrayProperty)
	}

	results := make([]any, len(items))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(e.cfg.ArrayFanout)
	var mu sync.Mutex
	for i, item := range items {
		i, item := i, item
		group.Go(func() error {
			body, err := e.stepBody(step, item, scope, item)
			if err != nil {
				return err
			}
			out, err := e.invoke(groupCtx, env, step, body)
			if err != nil {
				return err
			}
			mu.Lock()
			results[i] = out
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *Engine) stepBody(step endpoint.CompositeStep, source any, scope *templateScope, item any) (map[string]any, error) {
	body := map[string]any{}
	for key, value := range asMap(source) {
		body[key] = value
	}
	for field, template := range step.Transformations {
		value, err := scope.resolve(template, item)
		if err != nil {
			return nil, api.Errf(api.KindCompositeTemplate, "step %q: %s", step.Name, api.PublicMessage(err))
		}
		body[field] = value
	}
	return body, nil
}

func (e *Engine) invoke(ctx context.Context, env string, step endpoint.CompositeStep, body map[string]any) (any, error) {
	stepCtx, cancel := context.WithTimeout(ctx, e.cfg.StepTimeout)
	defer cancel()
	started := time.Now()
	out, err := e.invoker.Invoke(stepCtx, env, step.TargetEndpoint, step.Method, body)
	e.logger.Debug("composite step executed",
		slog.String("step", step.Name),
		slog.String("target", step.TargetEndpoint),
		slog.Duration("took", time.Since(started)),
	)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func asMap(value any) map[string]any {
	if m, ok := value.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// templateScope resolves $guid, $request.{path}, $prev.{step}.{path}, and
// $item.{path} references. The guid is generated once per execution so every
// step that references it sees the same value.
type templateScope struct {
	guid    string
	request map[string]any
	prev    map[string]any
}

// resolve evaluates one transformation value. A value that is exactly one
// reference keeps its native type; references embedded in longer strings
// interpolate as text.
func (s *templateScope) resolve(template string, item any) (any, error) {
	trimmed := strings.TrimSpace(template)
	if strings.HasPrefix(trimmed, "$") && !strings.ContainsAny(trimmed, " {}") {
		return s.reference(trimmed, item)
	}
	if !strings.Contains(template, "{{") {
		return template, nil
	}
	var sb strings.Builder
	rest := template
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			sb.WriteString(rest)
			return sb.String(), nil
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			return nil, fmt.Errorf("unterminated reference in %q", template)
		}
		sb.WriteString(rest[:start])
		ref := strings.TrimSpace(rest[start+2 : start+end])
		value, err := s.reference(ref, item)
		if err != nil {
			return nil, err
		}
		sb.WriteString(stringify(value))
		rest = rest[start+end+2:]
	}
}

func (s *templateScope) reference(ref string, item any) (any, error) {
	switch {
	case ref == "$guid":
		return s.guid, nil
	case ref == "$item":
		return item, nil
	case strings.HasPrefix(ref, "$item."):
		return s.lookupPath(item, ref[len("$item."):])
	case strings.HasPrefix(ref, "$request."):
		return s.lookupPath(s.request, ref[len("$request."):])
	case strings.HasPrefix(ref, "$prev."):
		rest := ref[len("$prev."):]
		stepName, path, _ := strings.Cut(rest, ".")
		stepValue, ok := s.prev[strings.ToLower(stepName)]
		if !ok {
			return nil, fmt.Errorf("reference %q names an unknown step", ref)
		}
		if path == "" {
			return stepValue, nil
		}
		return s.lookupPath(stepValue, path)
	default:
		return nil, fmt.Errorf("reference %q not recognized", ref)
	}
}

// lookupPath walks dot-separated keys, with numeric segments indexing into
// arrays. The root may itself be an array, as with array-step results.
func (s *templateScope) lookupPath(root any, path string) (any, error) {
	current := root
	for _, segment := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			value, ok := node[segment]
			if !ok {
				return nil, fmt.Errorf("path %q not present", path)
			}
			current = value
		case []any:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, fmt.Errorf("path %q indexes outside the array", path)
			}
			current = node[idx]
		default:
			return nil, fmt.Errorf("path %q dead-ends at a scalar", path)
		}
	}
	return current, nil
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
