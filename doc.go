// Package mcp implements the Model Context Protocol (MCP) engine: the JSON-RPC 2.0 message
// model, the initialize handshake with protocol version negotiation, request/response
// correlation, cancellation and progress notifications. It follows the official
// specification from https://modelcontextprotocol.io/specification/.
//
// An Engine drives one connection over a Transport. Two transports are provided: StdIO, for
// newline-delimited JSON over a pair of streams or a child process, and the streamable HTTP
// transport (StreamableHTTPServer and StreamableHTTPClient). The engine never depends on the
// concrete transport, so other channels can be plugged in by implementing Transport.
//
// Server and Client are hosts that build the configured transport and engine from a
// HostConfig, which can be loaded from the environment with LoadHostConfig:
//
//	srv := mcp.NewServer(cfg, mcp.WithServerCapabilities(caps))
//	srv.HandleRequest("tools/call", mcp.HandleRequest(callTool))
//	if err := srv.Start(ctx); err != nil {
//		return err
//	}
//	defer srv.Stop(ctx)
//
// Request handlers run in their own goroutine and receive the engine, the request id, the
// caller's AuthInfo and, when the peer asked for it, a ProgressTracker through their context.
// HandleRequest adapts a typed function into a handler and validates the params against the
// JSON schema reflected from the params type.
package mcp
