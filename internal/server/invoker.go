package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/portwayapi/portway/internal/api"
	"github.com/portwayapi/portway/internal/endpoint"
)

// Invoke dispatches a composite step to its target endpoint without leaving
// the process. Procedures, webhooks, and proxy endpoints are valid targets;
// the step inherits the caller's authentication, which was already checked
// at the composite boundary.
func (h *Handler) Invoke(ctx context.Context, env, endpointName, method string, body map[string]any) (map[string]any, error) {
	if def, err := h.endpoints.Lookup(env, endpoint.KindSQL, endpointName, method); err == nil {
		if def.SQL.ObjectType != endpoint.ObjectProcedure {
			return nil, api.Errf(api.KindNotFound, "endpoint %q is not callable from a composite", endpointName)
		}
		result, err := h.sql.ExecProcedure(ctx, env, def, method, body)
		if err != nil {
			return nil, err
		}
		if len(result.Value) > 0 {
			return result.Value[0], nil
		}
		return map[string]any{}, nil
	}

	if def, err := h.endpoints.Lookup(env, endpoint.KindWebhook, endpointName, method); err == nil {
		if err := h.webhook.Receive(ctx, env, def, body); err != nil {
			return nil, err
		}
		return map[string]any{"success": true}, nil
	}

	if def, err := h.endpoints.Lookup(env, endpoint.KindProxy, endpointName, method); err == nil {
		return h.invokeProxy(ctx, env, def, method, body)
	}

	return nil, api.Errf(api.KindNotFound, "endpoint %q not found", endpointName)
}

func (h *Handler) invokeProxy(ctx context.Context, env string, def *endpoint.Definition, method string, body map[string]any) (map[string]any, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, api.E(api.KindUnexpected, "step body not serializable", err)
	}
	request, err := http.NewRequestWithContext(ctx, method, "/", bytes.NewReader(payload))
	if err != nil {
		return nil, api.E(api.KindUnexpected, "step request invalid", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.ContentLength = int64(len(payload))

	recorder := newBufferResponse()
	if err := h.proxy.Execute(ctx, recorder, request, env, def, nil, ""); err != nil {
		return nil, err
	}
	if recorder.status >= 400 {
		return nil, api.Errf(api.KindUpstreamDown, "upstream returned status %d", recorder.status)
	}

	var out map[string]any
	if err := json.Unmarshal(recorder.body.Bytes(), &out); err != nil || out == nil {
		// Non-object responses still count as success; expose them raw.
		return map[string]any{"content": recorder.body.String()}, nil
	}
	return out, nil
}

// bufferResponse captures an in-process response without a network listener.
type bufferResponse struct {
	header http.Header
	body   bytes.Buffer
	status int
}

func newBufferResponse() *bufferResponse {
	return &bufferResponse{header: http.Header{}, status: http.StatusOK}
}

func (b *bufferResponse) Header() http.Header { return b.header }

func (b *bufferResponse) WriteHeader(status int) { b.status = status }

func (b *bufferResponse) Write(p []byte) (int, error) { return b.body.Write(p) }
