package composite

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/portwayapi/portway/internal/api"
	"github.com/portwayapi/portway/internal/config"
	"github.com/portwayapi/portway/internal/endpoint"
)

type fakeInvoker struct {
	mu    sync.Mutex
	calls []fakeCall
	fn    func(env, name, method string, body map[string]any) (map[string]any, error)
}

type fakeCall struct {
	Endpoint string
	Method   string
	Body     map[string]any
}

func (f *fakeInvoker) Invoke(_ context.Context, env, name, method string, body map[string]any) (map[string]any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{Endpoint: name, Method: method, Body: body})
	f.mu.Unlock()
	return f.fn(env, name, method, body)
}

func testConfig() config.CompositeConfig {
	return config.CompositeConfig{ArrayFanout: 4, StepTimeout: 5 * time.Second}
}

func TestExecuteChainsStepsInOrder(t *testing.T) {
	invoker := &fakeInvoker{fn: func(_, name, _ string, body map[string]any) (map[string]any, error) {
		switch name {
		case "CreateOrder":
			return map[string]any{"OrderId": int64(1001)}, nil
		case "AddNote":
			return map[string]any{"NoteFor": body["OrderId"], "Ref": body["Reference"]}, nil
		}
		t.Fatalf("unexpected endpoint %q", name)
		return nil, nil
	}}
	engine := NewEngine(testConfig(), invoker, nil)

	def := &endpoint.Definition{
		Name: "OrderWithNote",
		Kind: endpoint.KindComposite,
		Composite: &endpoint.CompositeDefinition{Steps: []endpoint.CompositeStep{
			{Name: "createOrder", TargetEndpoint: "CreateOrder", Method: "POST"},
			{Name: "addNote", TargetEndpoint: "AddNote", Method: "POST", Transformations: map[string]string{
				"OrderId":   "$prev.createOrder.OrderId",
				"Reference": "order-{{$guid}}",
			}},
		}},
	}

	result, err := engine.Execute(context.Background(), "600", def, map[string]any{"Customer": "C-01"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success || len(result.StepResults) != 2 {
		t.Fatalf("unexpected result: %#v", result)
	}

	second := invoker.calls[1]
	if second.Body["OrderId"] != int64(1001) {
		t.Fatalf("previous step result not threaded: %#v", second.Body)
	}
	ref, _ := second.Body["Reference"].(string)
	if len(ref) != len("order-")+36 {
		t.Fatalf("guid interpolation wrong: %q", ref)
	}
}

func TestExecuteGuidIsStableAcrossSteps(t *testing.T) {
	invoker := &fakeInvoker{fn: func(_, _, _ string, body map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	}}
	engine := NewEngine(testConfig(), invoker, nil)

	def := &endpoint.Definition{
		Name: "TwoGuids",
		Kind: endpoint.KindComposite,
		Composite: &endpoint.CompositeDefinition{Steps: []endpoint.CompositeStep{
			{Name: "a", TargetEndpoint: "A", Method: "POST", Transformations: map[string]string{"Id": "$guid"}},
			{Name: "b", TargetEndpoint: "B", Method: "POST", Transformations: map[string]string{"Id": "$guid"}},
		}},
	}
	if _, err := engine.Execute(context.Background(), "600", def, map[string]any{}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if invoker.calls[0].Body["Id"] != invoker.calls[1].Body["Id"] {
		t.Fatalf("guid must be stable within one execution")
	}
}

func TestExecuteArrayFanoutKeepsOrder(t *testing.T) {
	invoker := &fakeInvoker{fn: func(_, _, _ string, body map[string]any) (map[string]any, error) {
		return map[string]any{"Line": body["LineNo"]}, nil
	}}
	engine := NewEngine(testConfig(), invoker, nil)

	def := &endpoint.Definition{
		Name: "ImportLines",
		Kind: endpoint.KindComposite,
		Composite: &endpoint.CompositeDefinition{Steps: []endpoint.CompositeStep{
			{Name: "lines", TargetEndpoint: "CreateLine", Method: "POST", IsArray: true, ArrayProperty: "Lines",
				Transformations: map[string]string{"LineNo": "$item.No"}},
		}},
	}

	body := map[string]any{"Lines": []any{
		map[string]any{"No": int64(1)},
		map[string]any{"No": int64(2)},
		map[string]any{"No": int64(3)},
	}}
	result, err := engine.Execute(context.Background(), "600", def, body)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	lines, ok := result.StepResults["lines"].([]any)
	if !ok || len(lines) != 3 {
		t.Fatalf("array step result wrong: %#v", result.StepResults["lines"])
	}
	for i, line := range lines {
		if asMap(line)["Line"] != int64(i+1) {
			t.Fatalf("result order not preserved: %#v", lines)
		}
	}
}

func TestExecuteIndexesIntoArrayStepResults(t *testing.T) {
	invoker := &fakeInvoker{fn: func(_, name, _ string, body map[string]any) (map[string]any, error) {
		if name == "CreateOrderLine" {
			return map[string]any{"d": map[string]any{"TransactionKey": body["TransactionKey"]}}, nil
		}
		return map[string]any{"HeaderKey": body["TransactionKey"]}, nil
	}}
	engine := NewEngine(testConfig(), invoker, nil)

	def := &endpoint.Definition{
		Name: "SalesOrder",
		Kind: endpoint.KindComposite,
		Composite: &endpoint.CompositeDefinition{Steps: []endpoint.CompositeStep{
			{Name: "createOrderLines", TargetEndpoint: "CreateOrderLine", Method: "POST",
				IsArray: true, ArrayProperty: "Lines",
				Transformations: map[string]string{"TransactionKey": "$guid"}},
			{Name: "createOrderHeader", TargetEndpoint: "CreateOrderHeader", Method: "POST",
				SourceProperty:  "Header",
				Transformations: map[string]string{"TransactionKey": "$prev.createOrderLines.0.d.TransactionKey"}},
		}},
	}

	body := map[string]any{
		"Header": map[string]any{"OrderDebtor": "60093"},
		"Lines": []any{
			map[string]any{"Itemcode": "I1", "Quantity": int64(2)},
			map[string]any{"Itemcode": "I2", "Quantity": int64(4)},
		},
	}
	result, err := engine.Execute(context.Background(), "600", def, body)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success || len(result.StepResults) != 2 {
		t.Fatalf("unexpected result: %#v", result)
	}

	guid := invoker.calls[0].Body["TransactionKey"]
	if guid == nil || guid == "" {
		t.Fatalf("array step body missing key: %#v", invoker.calls[0].Body)
	}
	for _, call := range invoker.calls {
		if call.Body["TransactionKey"] != guid {
			t.Fatalf("key not shared across sub-requests: %#v", invoker.calls)
		}
	}
	header := invoker.calls[len(invoker.calls)-1]
	if header.Endpoint != "CreateOrderHeader" || header.Body["OrderDebtor"] != "60093" {
		t.Fatalf("header step body wrong: %#v", header.Body)
	}
}

func TestExecuteUnknownReferenceFails(t *testing.T) {
	invoker := &fakeInvoker{fn: func(_, _, _ string, _ map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	}}
	engine := NewEngine(testConfig(), invoker, nil)

	def := &endpoint.Definition{
		Name: "Broken",
		Kind: endpoint.KindComposite,
		Composite: &endpoint.CompositeDefinition{Steps: []endpoint.CompositeStep{
			{Name: "a", TargetEndpoint: "A", Method: "POST", Transformations: map[string]string{
				"X": "$prev.missingStep.Value",
			}},
		}},
	}

	result, err := engine.Execute(context.Background(), "600", def, map[string]any{})
	if api.KindOf(err) != api.KindCompositeTemplate {
		t.Fatalf("expected template error, got %v", err)
	}
	if result.Success || result.FailedStep != "a" {
		t.Fatalf("failure envelope wrong: %#v", result)
	}
}

func TestExecuteStopsAtFailingStep(t *testing.T) {
	invoker := &fakeInvoker{fn: func(_, name, _ string, _ map[string]any) (map[string]any, error) {
		if name == "B" {
			return nil, api.Errf(api.KindRowConflict, "duplicate row")
		}
		return map[string]any{"ok": true}, nil
	}}
	engine := NewEngine(testConfig(), invoker, nil)

	def := &endpoint.Definition{
		Name: "Chain",
		Kind: endpoint.KindComposite,
		Composite: &endpoint.CompositeDefinition{Steps: []endpoint.CompositeStep{
			{Name: "a", TargetEndpoint: "A", Method: "POST"},
			{Name: "b", TargetEndpoint: "B", Method: "POST"},
			{Name: "c", TargetEndpoint: "C", Method: "POST"},
		}},
	}

	result, err := engine.Execute(context.Background(), "600", def, map[string]any{})
	if err == nil {
		t.Fatalf("expected failure")
	}
	if result.FailedStep != "b" {
		t.Fatalf("failed step wrong: %q", result.FailedStep)
	}
	if _, ran := result.StepResults["c"]; ran {
		t.Fatalf("steps after the failure must not run")
	}
	if len(invoker.calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(invoker.calls))
	}
}
