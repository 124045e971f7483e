package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/michaelbrown/crucible/internal/config"
	"github.com/michaelbrown/crucible/internal/executor"
	"github.com/michaelbrown/crucible/internal/mcptool"
)

func main() {
	// stdout carries the MCP protocol; logs go to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg, err := config.Load(os.Getenv("CRUCIBLE_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	exec, err := executor.FromConfig(cfg, logger, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "building executor: %v\n", err)
		os.Exit(1)
	}

	s := mcptool.NewServer(exec, "0.1.0")
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
	}
}
