// Command stdio runs the everything tools over stdio. Started with the "serve" argument it is
// the server, reading requests from stdin. Without arguments it spawns itself as the server
// and drives it as a client.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var err error
	if len(os.Args) > 1 && os.Args[1] == "serve" {
		err = runServer(ctx, logger)
	} else {
		err = runClient(ctx, logger)
	}
	if err != nil {
		logger.Error("exiting", "err", err)
		os.Exit(1)
	}
}
