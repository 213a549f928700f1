package everything_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/go-mcp-engine"
	"github.com/MegaGrindStone/go-mcp-engine/servers/everything"
)

const testTimeout = 5 * time.Second

func setup(t *testing.T, clientOptions ...mcp.ClientOption) *mcp.Client {
	t.Helper()

	serverReader, clientWriter := io.Pipe()
	clientReader, serverWriter := io.Pipe()
	cfg := mcp.HostConfig{
		Transport:        mcp.TransportStdIO,
		HandshakeTimeout: testTimeout,
		RequestTimeout:   testTimeout,
	}

	srv := mcp.NewServer(cfg,
		mcp.WithServerStdIO(serverReader, serverWriter),
		mcp.WithServerCapabilities(everything.Capabilities),
	)
	everything.Register(srv)

	opts := append([]mcp.ClientOption{mcp.WithClientStdIO(clientReader, clientWriter)}, clientOptions...)
	cli := mcp.NewClient(cfg, opts...)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	t.Cleanup(func() {
		_ = cli.Stop(context.Background())
		_ = srv.Stop(context.Background())
	})
	if err := cli.Start(ctx); err != nil {
		t.Fatalf("failed to start client: %v", err)
	}
	if err := cli.WaitReady(ctx); err != nil {
		t.Fatalf("client not ready: %v", err)
	}
	return cli
}

func callTool(
	ctx context.Context,
	cli *mcp.Client,
	name string,
	args any,
	options ...mcp.RequestOption,
) (everything.CallToolResult, error) {
	bs, err := json.Marshal(args)
	if err != nil {
		return everything.CallToolResult{}, err
	}
	raw, err := cli.SendRequest(ctx, mcp.MethodToolsCall, everything.CallToolParams{
		Name:      name,
		Arguments: bs,
	}, options...)
	if err != nil {
		return everything.CallToolResult{}, err
	}
	var res everything.CallToolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return everything.CallToolResult{}, err
	}
	return res, nil
}

func TestListTools(t *testing.T) {
	cli := setup(t)

	if !cli.ServerCapabilities().Supports("tools") {
		t.Error("server does not declare tools")
	}

	raw, err := cli.SendRequest(context.Background(), mcp.MethodToolsList, nil)
	if err != nil {
		t.Fatalf("tools/list failed: %v", err)
	}
	var res everything.ListToolsResult
	if err := json.Unmarshal(raw, &res); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	want := []string{"echo", "add", "longRunningOperation", "sampleLLM"}
	if len(res.Tools) != len(want) {
		t.Fatalf("got %d tools, want %d", len(res.Tools), len(want))
	}
	for i, name := range want {
		if res.Tools[i].Name != name {
			t.Errorf("tool %d: got %q, want %q", i, res.Tools[i].Name, name)
		}
		if res.Tools[i].InputSchema == nil {
			t.Errorf("tool %q has no input schema", name)
		}
	}
}

func TestCallTool(t *testing.T) {
	cli := setup(t)

	tests := []struct {
		name     string
		tool     string
		args     any
		wantText string
		wantCode int
	}{
		{
			name:     "echo",
			tool:     "echo",
			args:     everything.EchoArgs{Message: "hello"},
			wantText: "hello",
		},
		{
			name:     "add",
			tool:     "add",
			args:     everything.AddArgs{A: 1.5, B: 2},
			wantText: "The sum of 1.5 and 2 is 3.5",
		},
		{
			name:     "echo missing message",
			tool:     "echo",
			args:     map[string]any{},
			wantCode: mcp.CodeInvalidParams,
		},
		{
			name:     "add wrong type",
			tool:     "add",
			args:     map[string]any{"a": "one", "b": 2},
			wantCode: mcp.CodeInvalidParams,
		},
		{
			name:     "unknown tool",
			tool:     "fly",
			args:     map[string]any{},
			wantCode: mcp.CodeToolNotFound,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
			defer cancel()

			res, err := callTool(ctx, cli, tc.tool, tc.args)
			if tc.wantCode != 0 {
				var jErr *mcp.JSONRPCError
				if !errors.As(err, &jErr) || jErr.Code != tc.wantCode {
					t.Errorf("got %v, want code %d", err, tc.wantCode)
				}
				return
			}
			if err != nil {
				t.Fatalf("call failed: %v", err)
			}
			if len(res.Content) != 1 || res.Content[0].Text != tc.wantText {
				t.Errorf("got %+v, want %q", res.Content, tc.wantText)
			}
		})
	}
}

func TestLongRunningOperation(t *testing.T) {
	cli := setup(t)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	var mu sync.Mutex
	var updates []mcp.ProgressParams
	res, err := callTool(ctx, cli, "longRunningOperation",
		everything.LongRunningOperationArgs{Duration: 0.05, Steps: 5},
		mcp.WithProgressHandler(func(p mcp.ProgressParams) {
			mu.Lock()
			updates = append(updates, p)
			mu.Unlock()
		}))
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if len(res.Content) != 1 || !strings.Contains(res.Content[0].Text, "Steps: 5") {
		t.Errorf("got %+v", res.Content)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(updates) != 6 {
		t.Fatalf("got %d progress updates, want 5 steps and a completion", len(updates))
	}
	for i := range 5 {
		if updates[i].Progress != float64(i+1) || updates[i].Total != 5 {
			t.Errorf("update %d: got %+v", i, updates[i])
		}
	}
	if last := updates[5]; last.Progress != 1 || last.Total != 1 {
		t.Errorf("got final update %+v, want 1/1", last)
	}
}

func TestLongRunningOperationTimeout(t *testing.T) {
	cli := setup(t)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	_, err := callTool(ctx, cli, "longRunningOperation",
		everything.LongRunningOperationArgs{Duration: 10, Steps: 2},
		mcp.WithTimeout(50*time.Millisecond))
	if !errors.Is(err, mcp.ErrTimeout) {
		t.Errorf("got %v, want %v", err, mcp.ErrTimeout)
	}

	if err := cli.Ping(ctx); err != nil {
		t.Errorf("session unusable after timeout: %v", err)
	}
}

func TestSampleLLM(t *testing.T) {
	t.Run("with sampling", func(t *testing.T) {
		var mu sync.Mutex
		var got everything.SamplingParams
		cli := setup(t, mcp.WithClientCapabilities(mcp.ClientCapabilities{
			Sampling: &mcp.SamplingCapability{},
		}))
		cli.Engine().RegisterRequestHandler(mcp.MethodSamplingCreateMessage,
			mcp.HandleRequest(func(_ context.Context, params everything.SamplingParams) (everything.SamplingResult, error) {
				mu.Lock()
				got = params
				mu.Unlock()
				return everything.SamplingResult{
					Role:    "assistant",
					Content: everything.Content{Type: "text", Text: "sampled"},
					Model:   "test-model",
				}, nil
			}))

		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		res, err := callTool(ctx, cli, "sampleLLM", everything.SampleLLMArgs{Prompt: "tell a joke"})
		if err != nil {
			t.Fatalf("call failed: %v", err)
		}
		if len(res.Content) != 1 || res.Content[0].Text != "sampled" {
			t.Errorf("got %+v", res.Content)
		}

		mu.Lock()
		defer mu.Unlock()
		if got.MaxTokens != 100 || len(got.Messages) != 1 ||
			!strings.Contains(got.Messages[0].Content.Text, "tell a joke") {
			t.Errorf("got sampling params %+v", got)
		}
	})

	t.Run("without sampling", func(t *testing.T) {
		cli := setup(t)

		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		_, err := callTool(ctx, cli, "sampleLLM", everything.SampleLLMArgs{Prompt: "tell a joke"})
		var jErr *mcp.JSONRPCError
		if !errors.As(err, &jErr) || jErr.Code != mcp.CodeCapabilityMismatch {
			t.Errorf("got %v, want capability mismatch", err)
		}
	})
}
