package everything

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MegaGrindStone/go-mcp-engine"
)

type tool struct {
	Tool
	handler mcp.RequestHandler
}

type toolSet struct {
	tools []tool
	index map[string]mcp.RequestHandler
}

const defaultLongRunningSteps = 5

func newToolSet() *toolSet {
	ts := &toolSet{
		tools: []tool{
			{
				Tool: Tool{
					Name:        "echo",
					Description: "Echoes back the input",
					InputSchema: mcp.ParamsSchema[EchoArgs](),
				},
				handler: mcp.HandleRequest(callEcho),
			},
			{
				Tool: Tool{
					Name:        "add",
					Description: "Adds two numbers",
					InputSchema: mcp.ParamsSchema[AddArgs](),
				},
				handler: mcp.HandleRequest(callAdd),
			},
			{
				Tool: Tool{
					Name:        "longRunningOperation",
					Description: "Demonstrates a long running operation with progress updates",
					InputSchema: mcp.ParamsSchema[LongRunningOperationArgs](),
				},
				handler: mcp.HandleRequest(callLongRunningOperation),
			},
			{
				Tool: Tool{
					Name:        "sampleLLM",
					Description: "Samples from an LLM using MCP's sampling feature",
					InputSchema: mcp.ParamsSchema[SampleLLMArgs](),
				},
				handler: mcp.HandleRequest(callSampleLLM),
			},
		},
		index: make(map[string]mcp.RequestHandler),
	}
	for _, t := range ts.tools {
		ts.index[t.Name] = t.handler
	}
	return ts
}

func (ts *toolSet) list(context.Context, struct{}) (ListToolsResult, error) {
	res := ListToolsResult{Tools: make([]Tool, 0, len(ts.tools))}
	for _, t := range ts.tools {
		res.Tools = append(res.Tools, t.Tool)
	}
	return res, nil
}

func (ts *toolSet) call(ctx context.Context, params CallToolParams) (any, error) {
	h, ok := ts.index[params.Name]
	if !ok {
		return nil, mcp.NewJSONRPCError(mcp.CodeToolNotFound, "Tool not found", params.Name)
	}
	return h(ctx, params.Arguments)
}

func textResult(text string) CallToolResult {
	return CallToolResult{Content: []Content{{Type: "text", Text: text}}}
}

func callEcho(_ context.Context, args EchoArgs) (CallToolResult, error) {
	return textResult(args.Message), nil
}

func callAdd(_ context.Context, args AddArgs) (CallToolResult, error) {
	return textResult(fmt.Sprintf("The sum of %g and %g is %g", args.A, args.B, args.A+args.B)), nil
}

func callLongRunningOperation(ctx context.Context, args LongRunningOperationArgs) (CallToolResult, error) {
	steps := args.Steps
	if steps <= 0 {
		steps = defaultLongRunningSteps
	}
	stepDuration := time.Duration(args.Duration / float64(steps) * float64(time.Second))
	progress := mcp.ProgressFromContext(ctx)

	for i := range steps {
		select {
		case <-time.After(stepDuration):
		case <-ctx.Done():
			return CallToolResult{}, ctx.Err()
		}
		progress.UpdateProgress(ctx, float64(i+1), float64(steps))
	}
	progress.CompleteProgress(ctx)

	return textResult(fmt.Sprintf("Long running operation completed. Duration: %g seconds, Steps: %d",
		args.Duration, steps)), nil
}

func callSampleLLM(ctx context.Context, args SampleLLMArgs) (CallToolResult, error) {
	engine := mcp.EngineFromContext(ctx)
	if engine == nil {
		return CallToolResult{}, fmt.Errorf("no session in context")
	}
	if engine.ClientCapabilities().Sampling == nil {
		return CallToolResult{}, mcp.NewJSONRPCError(mcp.CodeCapabilityMismatch,
			"Client does not support sampling", nil)
	}

	maxTokens := args.MaxTokens
	if maxTokens == 0 {
		maxTokens = 100
	}
	raw, err := engine.SendRequest(ctx, mcp.MethodSamplingCreateMessage, SamplingParams{
		Messages: []SamplingMessage{
			{
				Role:    "user",
				Content: Content{Type: "text", Text: fmt.Sprintf("Resource sampleLLM context: %s", args.Prompt)},
			},
		},
		SystemPrompt: "You are a helpful assistant.",
		MaxTokens:    maxTokens,
	})
	if err != nil {
		return CallToolResult{}, fmt.Errorf("failed to request sampling: %w", err)
	}

	var result SamplingResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return CallToolResult{}, fmt.Errorf("failed to unmarshal sampling result: %w", err)
	}
	return textResult(result.Content.Text), nil
}
