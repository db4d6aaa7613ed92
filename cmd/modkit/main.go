// Command modkit installs modlist bundles.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Exit codes.
const (
	exitOK          = 0
	exitError       = 1
	exitIncomplete  = 2
	exitInterrupted = 130
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := exitCode(ctx, newRootCmd().ExecuteContext(ctx))
	stop()
	os.Exit(code)
}

func exitCode(ctx context.Context, err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(ctx.Err(), context.Canceled):
		fmt.Fprintln(os.Stderr, "interrupted")
		return exitInterrupted
	case errors.Is(err, errIncomplete):
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitIncomplete
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}
}
