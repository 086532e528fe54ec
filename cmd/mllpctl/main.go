package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/mllp/internal/observability"
)

var errUsage = errors.New("usage: mllpctl <serve|send|init|config> [flags]")

func main() {
	logger := observability.InitLogger("mllpctl")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout); err != nil {
		logger.Debug().Err(err).Msg("mllpctl exit")
		fmt.Fprintf(os.Stderr, "mllpctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "serve":
		return serveCmd(ctx, args[1:])
	case "send":
		return sendCmd(ctx, args[1:], stdin, stdout)
	case "init":
		return initCmd(args[1:], stdout)
	case "config":
		return configCmd(args[1:], stdout)
	case "-h", "--help", "help":
		fmt.Fprintln(stdout, errUsage.Error())
		return nil
	default:
		return fmt.Errorf("unknown command %q: %w", args[0], errUsage)
	}
}
