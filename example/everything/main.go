// Command everything serves the everything tools over streamable HTTP and drives them from an
// interactive client in the same process.
//
// The server reads its configuration from the MCP_* environment variables. When
// EVERYTHING_JWT_SECRET is set, the endpoint requires a bearer token signed with it and the
// client signs one.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/MegaGrindStone/go-mcp-engine"
	"github.com/MegaGrindStone/go-mcp-engine/servers/everything"
	"github.com/golang-jwt/jwt/v5"
)

const defaultAddr = "127.0.0.1:8080"

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg, err := mcp.LoadHostConfig()
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	cfg.Transport = mcp.TransportStreamableHTTP
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = defaultAddr
	}

	var httpOpts []mcp.StreamableHTTPServerOption
	secret := os.Getenv("EVERYTHING_JWT_SECRET")
	if secret != "" {
		httpOpts = append(httpOpts, mcp.WithAuthenticator(mcp.NewJWTAuthenticator([]byte(secret))))
	}

	srv := mcp.NewServer(cfg,
		mcp.WithServerLogger(logger),
		mcp.WithServerCapabilities(everything.Capabilities),
		mcp.WithServerHTTPOptions(httpOpts...),
		mcp.WithServerOnClientConnected(func(id string, info mcp.Info) {
			fmt.Printf("Client %s %s connected with session %s\n", info.Name, info.Version, id)
		}),
	)
	everything.Register(srv)

	ctx := context.Background()
	if err := srv.Start(ctx); err != nil {
		logger.Error("failed to start server", "err", err)
		os.Exit(1)
	}
	fmt.Printf("Server listening on %s\n", cfg.HTTPAddr)

	clientCfg := cfg
	clientCfg.Name = "everything-client"
	clientCfg.ServerURL = fmt.Sprintf("http://%s%s", cfg.HTTPAddr, cfg.HTTPEndpoint)
	if secret != "" {
		token, err := signToken(secret)
		if err != nil {
			logger.Error("failed to sign token", "err", err)
			os.Exit(1)
		}
		clientCfg.BearerToken = token
	}

	c := newClient(clientCfg, logger)
	if err := c.run(); err != nil {
		fmt.Printf("Client error: %v\n", err)
	}

	fmt.Println("Shutting down server...")
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := srv.Stop(stopCtx); err != nil {
		fmt.Printf("Server forced to shutdown: %v\n", err)
		return
	}
	fmt.Println("Server exited gracefully")
}

func signToken(secret string) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "everything-client",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
}
