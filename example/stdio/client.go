package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/MegaGrindStone/go-mcp-engine"
	"github.com/MegaGrindStone/go-mcp-engine/servers/everything"
)

func runClient(ctx context.Context, logger *slog.Logger) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate executable: %w", err)
	}

	cfg, err := mcp.LoadHostConfig()
	if err != nil {
		return err
	}
	cfg.Transport = mcp.TransportStdIO
	cfg.Name = "everything-stdio-client"
	cfg.Command = self
	cfg.Args = []string{"serve"}

	cli := mcp.NewClient(cfg,
		mcp.WithClientLogger(logger),
		mcp.WithClientStdIOOptions(mcp.WithStdIOCommandStderr(os.Stderr)),
	)
	if err := cli.Start(ctx); err != nil {
		return err
	}
	defer cli.Stop(context.Background())

	if err := cli.WaitReady(ctx); err != nil {
		return fmt.Errorf("handshake failed: %w", err)
	}
	fmt.Printf("Connected to %s %s\n", cli.ServerInfo().Name, cli.ServerInfo().Version)
	if instructions := cli.Engine().Instructions(); instructions != "" {
		fmt.Printf("Instructions: %s\n\n", instructions)
	}

	raw, err := cli.SendRequest(ctx, mcp.MethodToolsList, nil)
	if err != nil {
		return fmt.Errorf("failed to list tools: %w", err)
	}
	var tools everything.ListToolsResult
	if err := json.Unmarshal(raw, &tools); err != nil {
		return fmt.Errorf("failed to unmarshal tools: %w", err)
	}
	fmt.Println("Tools:")
	for _, t := range tools.Tools {
		fmt.Printf("  %s: %s\n", t.Name, t.Description)
	}
	fmt.Println()

	if err := call(ctx, cli, "echo", everything.EchoArgs{Message: "hello over stdio"}); err != nil {
		return err
	}
	if err := call(ctx, cli, "add", everything.AddArgs{A: 40, B: 2}); err != nil {
		return err
	}
	return call(ctx, cli, "longRunningOperation", everything.LongRunningOperationArgs{Duration: 2, Steps: 4},
		mcp.WithProgressHandler(func(p mcp.ProgressParams) {
			fmt.Printf("  progress %g/%g\n", p.Progress, p.Total)
		}))
}

func call(ctx context.Context, cli *mcp.Client, name string, args any, options ...mcp.RequestOption) error {
	bs, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("failed to marshal arguments: %w", err)
	}

	fmt.Printf("Calling %s\n", name)
	raw, err := cli.SendRequest(ctx, mcp.MethodToolsCall, everything.CallToolParams{
		Name:      name,
		Arguments: bs,
	}, options...)
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", name, err)
	}

	var res everything.CallToolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("failed to unmarshal result of %s: %w", name, err)
	}
	for _, c := range res.Content {
		fmt.Printf("  %s\n", c.Text)
	}
	return nil
}
