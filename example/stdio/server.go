package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MegaGrindStone/go-mcp-engine"
	"github.com/MegaGrindStone/go-mcp-engine/servers/everything"
)

func runServer(ctx context.Context, logger *slog.Logger) error {
	cfg, err := mcp.LoadHostConfig()
	if err != nil {
		return err
	}
	cfg.Transport = mcp.TransportStdIO
	cfg.Name = "everything-stdio"

	srv := mcp.NewServer(cfg,
		mcp.WithServerLogger(logger),
		mcp.WithServerCapabilities(everything.Capabilities),
		mcp.WithServerInstructions("Call the echo, add and longRunningOperation tools."),
	)
	everything.Register(srv)

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	sessions := srv.Sessions()
	if len(sessions) == 1 {
		select {
		case <-sessions[0].Done():
		case <-ctx.Done():
		}
	}
	return srv.Stop(context.Background())
}
