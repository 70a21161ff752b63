// Command studiobridge bridges an MCP client to the Roblox Studio plugin.
//
// It speaks MCP over stdio to the LLM side and serves the plugin's HTTP
// polling channel on the other: the plugin long-polls GET /request for
// work and POSTs results to /response. When the plugin port is already
// owned by an earlier bridge instance, this instance forwards its work
// to the incumbent via POST /proxy instead of failing.
//
// Usage:
//
//	# Serve MCP over stdio (default)
//	studiobridge
//
//	# Explicit subcommand form
//	studiobridge serve
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/studiobridge/studiobridge/internal/gateway"
	"github.com/studiobridge/studiobridge/internal/mcptools"
	"github.com/studiobridge/studiobridge/internal/server"
	"github.com/studiobridge/studiobridge/pkg/logutil"
)

func main() {
	// Load .env if present (silently ignore if missing).
	// Environment variables already set take precedence over .env values.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(
		logutil.Output(),
		&slog.HandlerOptions{Level: slogLevel()},
	))

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "serve", "stdio":
			// Fall through to the server below.
		case "version":
			fmt.Println("studiobridge v" + mcptools.Version)
			return
		case "help", "--help", "-h":
			printHelp()
			return
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
			printHelp()
			os.Exit(1)
		}
	}

	cfg := server.LoadConfig()

	gw := gateway.New(gateway.Options{
		MaxQueueDepth: cfg.MaxQueueDepth,
		PollBudget:    cfg.PollBudget,
		StopGrace:     cfg.StopGrace,
		Logger:        logger.With("component", "gateway"),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveCtx, cancelServe := context.WithCancel(ctx)
	defer cancelServe()

	ln, addrInUse, err := server.Listen(cfg.Addr)
	if err != nil {
		logger.Error("bind failed", "addr", cfg.Addr, "error", err)
		os.Exit(1)
	}

	done := make(chan struct{})
	if addrInUse {
		// Another bridge instance owns the plugin connection; run the
		// dispatch side locally and forward every item to it.
		logger.Info("plugin port busy, forwarding to the bridge that owns it", "addr", cfg.Addr)
		loop := server.NewProxyLoop(cfg, gw, logger.With("component", "proxy"))
		go func() {
			loop.Run(serveCtx)
			close(done)
		}()
	} else {
		srv := server.NewServer(cfg, gw, logger.With("component", "http"))
		go func() {
			if err := srv.Start(serveCtx, ln); err != nil {
				logger.Error("server error", "error", err)
			}
			close(done)
		}()
	}

	// MCP over stdio; blocks until the client disconnects.
	handler := mcptools.NewHandler(gw, cfg.CallTimeout, logger.With("component", "mcp"))
	if err := mcptools.ServeStdio(mcptools.NewMCPServer(handler)); err != nil {
		logger.Error("MCP serving error", "error", err)
	}

	cancelServe()
	logger.Info("waiting for plugin channel to shut down")
	<-done
	logger.Info("bye")
}

// printHelp prints usage information.
func printHelp() {
	fmt.Println(`studiobridge — MCP bridge for Roblox Studio

Usage:
  studiobridge            Serve MCP over stdio (default)
  studiobridge serve      Same as the default
  studiobridge version    Print version
  studiobridge help       Print this help

Environment Variables:
  BRIDGE_ADDR             Plugin-facing listen address (default: 127.0.0.1:44755)
  BRIDGE_POLL_BUDGET      Long-poll hold time (default: 15s)
  BRIDGE_CALL_TIMEOUT     Per-call deadline (default: 120s)
  BRIDGE_STOP_GRACE       Grace before a stop is forced locally (default: 5s)
  BRIDGE_MAX_QUEUE        Work queue depth limit (default: 64)
  BRIDGE_LOG_LEVEL        Log level: debug, info, warn, error (default: info)

The Studio plugin polls 127.0.0.1:44755; change BRIDGE_ADDR only if the
plugin is configured to match. If the port is already taken by another
bridge instance, this one forwards its calls to the incumbent.`)
}

// slogLevel reads BRIDGE_LOG_LEVEL from the environment.
func slogLevel() slog.Level {
	switch os.Getenv("BRIDGE_LOG_LEVEL") {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
