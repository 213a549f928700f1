package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"

	"github.com/MegaGrindStone/go-mcp-engine"
	"github.com/MegaGrindStone/go-mcp-engine/servers/everything"
)

type client struct {
	cli    *mcp.Client
	ctx    context.Context
	cancel context.CancelFunc
	input  *bufio.Scanner
}

const exitCommand = "exit"

func newClient(cfg mcp.HostConfig, logger *slog.Logger) *client {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	c := &client{
		ctx:    ctx,
		cancel: cancel,
		input:  bufio.NewScanner(os.Stdin),
	}
	c.cli = mcp.NewClient(cfg,
		mcp.WithClientLogger(logger),
		mcp.WithClientCapabilities(mcp.ClientCapabilities{Sampling: &mcp.SamplingCapability{}}),
	)
	c.cli.HandleRequest(mcp.MethodSamplingCreateMessage, mcp.HandleRequest(c.createSampleMessage))
	return c
}

func (c *client) createSampleMessage(
	_ context.Context,
	params everything.SamplingParams,
) (everything.SamplingResult, error) {
	userPrompt := params.Messages[0].Content.Text
	return everything.SamplingResult{
		Role: "assistant",
		Content: everything.Content{
			Type: "text",
			Text: fmt.Sprintf("This is a sample message from external LLM for prompt \"%s\" with max tokens %d",
				userPrompt, params.MaxTokens),
		},
		Model: "ai-overlord-1.0",
	}, nil
}

func (c *client) onProgress(params mcp.ProgressParams) {
	fmt.Printf("Progress: %g/%g\n", params.Progress, params.Total)
}

func (c *client) run() error {
	defer c.cancel()

	fmt.Println("Connecting to server...")
	if err := c.cli.Start(c.ctx); err != nil {
		return err
	}
	defer c.cli.Stop(context.Background())
	if err := c.cli.WaitReady(c.ctx); err != nil {
		return fmt.Errorf("handshake failed: %w", err)
	}
	fmt.Printf("Connected to %s\n", c.cli.ServerInfo().Name)

	for {
		fmt.Println()
		fmt.Println("1. Tools")
		fmt.Println("2. Ping")
		fmt.Println("3. Exit")
		fmt.Println()
		fmt.Print("Enter command number: ")

		input, err := c.waitStdIOInput()
		if err != nil {
			if errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}

		switch input {
		case "1":
			if exit := c.runTools(); exit {
				return nil
			}
		case "2":
			if err := c.cli.Ping(c.ctx); err != nil {
				fmt.Printf("Ping failed: %v\n", err)
				continue
			}
			fmt.Println("Pong")
		case "3":
			return nil
		default:
			fmt.Println("Invalid command")
		}
	}
}

func (c *client) runTools() bool {
	raw, err := c.cli.SendRequest(c.ctx, mcp.MethodToolsList, nil)
	if err != nil {
		fmt.Printf("Failed to list tools: %v\n", err)
		return true
	}
	var listTools everything.ListToolsResult
	if err := json.Unmarshal(raw, &listTools); err != nil {
		fmt.Printf("Failed to unmarshal tools: %v\n", err)
		return true
	}

	fmt.Println()
	fmt.Println("List Tools")
	fmt.Println()
	for _, tool := range listTools.Tools {
		fmt.Printf("Tool: %s: %s\n", tool.Name, tool.Description)
	}

	fmt.Println()
	fmt.Print("Enter tool name to call (type exit to go back):")

	input, err := c.waitStdIOInput()
	if err != nil {
		return true
	}
	if input == exitCommand {
		return false
	}
	if !slices.ContainsFunc(listTools.Tools, func(t everything.Tool) bool { return t.Name == input }) {
		fmt.Printf("Invalid tool name: %s\n", input)
		return false
	}

	var args any
	var opts []mcp.RequestOption
	var exit bool
	switch input {
	case "echo":
		args, exit = c.toolEchoArgs()
	case "add":
		args, exit = c.toolAddArgs()
	case "longRunningOperation":
		args, exit = c.toolLongRunningOperationArgs()
		opts = append(opts, mcp.WithProgressHandler(c.onProgress))
	case "sampleLLM":
		args, exit = c.toolSampleLLMArgs()
	}
	if exit {
		return true
	}

	argsBs, _ := json.Marshal(args)
	raw, err = c.cli.SendRequest(c.ctx, mcp.MethodToolsCall, everything.CallToolParams{
		Name:      input,
		Arguments: argsBs,
	}, opts...)
	if err != nil {
		fmt.Printf("Failed to call tool: %v\n", err)
		return false
	}
	var tr everything.CallToolResult
	if err := json.Unmarshal(raw, &tr); err != nil {
		fmt.Printf("Failed to unmarshal tool result: %v\n", err)
		return false
	}

	fmt.Println()
	fmt.Println("Tool Results:")
	for _, msg := range tr.Content {
		fmt.Println("---")
		fmt.Printf("Message: %s\n", msg.Text)
		fmt.Println("---")
	}
	return false
}

func (c *client) toolEchoArgs() (everything.EchoArgs, bool) {
	fmt.Println("Enter the message to echo:")
	input, err := c.waitStdIOInput()
	if err != nil {
		return everything.EchoArgs{}, true
	}
	return everything.EchoArgs{Message: input}, false
}

func (c *client) toolAddArgs() (everything.AddArgs, bool) {
	for {
		fmt.Println("Enter two numbers to add (separated by space):")
		nums, exit := c.readNumbers()
		if exit {
			return everything.AddArgs{}, true
		}
		if nums == nil {
			continue
		}
		return everything.AddArgs{A: nums[0], B: nums[1]}, false
	}
}

func (c *client) toolLongRunningOperationArgs() (everything.LongRunningOperationArgs, bool) {
	for {
		fmt.Println("Enter duration in seconds and steps (separated by space):")
		nums, exit := c.readNumbers()
		if exit {
			return everything.LongRunningOperationArgs{}, true
		}
		if nums == nil {
			continue
		}
		return everything.LongRunningOperationArgs{Duration: nums[0], Steps: int(nums[1])}, false
	}
}

func (c *client) toolSampleLLMArgs() (everything.SampleLLMArgs, bool) {
	for {
		fmt.Println("Enter the prompt:")
		prompt, err := c.waitStdIOInput()
		if err != nil {
			return everything.SampleLLMArgs{}, true
		}

		fmt.Println("Enter the max tokens:")
		input, err := c.waitStdIOInput()
		if err != nil {
			return everything.SampleLLMArgs{}, true
		}
		maxTokens, err := strconv.Atoi(input)
		if err != nil {
			fmt.Printf("Invalid input: %s\n", input)
			continue
		}
		return everything.SampleLLMArgs{Prompt: prompt, MaxTokens: maxTokens}, false
	}
}

// readNumbers reads two space separated numbers. It returns nil numbers for invalid input.
func (c *client) readNumbers() ([]float64, bool) {
	input, err := c.waitStdIOInput()
	if err != nil {
		return nil, true
	}

	fields := strings.Fields(input)
	if len(fields) != 2 {
		fmt.Printf("Invalid input: %s\n", input)
		return nil, false
	}
	nums := make([]float64, 0, 2)
	for _, f := range fields {
		n, err := strconv.ParseFloat(f, 64)
		if err != nil {
			fmt.Printf("Invalid input: %s\n", input)
			return nil, false
		}
		nums = append(nums, n)
	}
	return nums, false
}

func (c *client) waitStdIOInput() (string, error) {
	inputChan := make(chan string, 1)
	errsChan := make(chan error, 1)
	go func() {
		if c.input.Scan() {
			inputChan <- c.input.Text()
			return
		}
		if err := c.input.Err(); err != nil {
			errsChan <- err
			return
		}
		errsChan <- os.ErrClosed
	}()

	select {
	case <-c.ctx.Done():
		return "", os.ErrClosed
	case err := <-errsChan:
		return "", err
	case input := <-inputChan:
		return strings.TrimSpace(input), nil
	}
}
