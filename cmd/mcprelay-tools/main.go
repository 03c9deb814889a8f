// Mcprelay-tools serves the built-in calculator, text analyzer and
// temperature converter tools over MCP on stdin/stdout.
//
// It is the out-of-process form of the "builtin" tool server and can be
// configured as a stdio server for mcprelay or any other MCP client:
//
//	mcp:
//	  servers:
//	    - name: tools
//	      command: mcprelay-tools
//
// Logs go to stderr. The level comes from -log-level or MCPRELAY_TOOLS_LOG_LEVEL.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nugget/mcprelay/internal/buildinfo"
	"github.com/nugget/mcprelay/internal/config"
	"github.com/nugget/mcprelay/internal/toolserver"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, stderr io.Writer, args []string) error {
	level := os.Getenv("MCPRELAY_TOOLS_LOG_LEVEL")

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-log-level" && i+1 < len(args):
			level = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-log-level="):
			level = strings.TrimPrefix(args[i], "-log-level=")
		case args[i] == "-version" || args[i] == "version":
			fmt.Fprintln(stderr, buildinfo.String())
			return nil
		default:
			return fmt.Errorf("unknown argument: %s", args[i])
		}
	}

	lvl, err := config.ParseLogLevel(level)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{
		Level:       lvl,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))

	logger.Info("tool server starting", "server", toolserver.ServerName, "version", buildinfo.Version)
	if err := toolserver.RunStdio(ctx, logger); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("tool server stopped")
	return nil
}
