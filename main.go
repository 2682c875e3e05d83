package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/xkilldash9x/replaydock/cmd"
)

// Allows mocking os.Exit in tests.
var osExit = os.Exit

func main() {
	// SIGINT/SIGTERM cancel the running command; runs stop at the next safe
	// point and release their browser sessions.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	osExit(exitCode(cmd.Execute(ctx)))
}

// exitCode maps a command error to the process status. A user abort is not a
// failure.
func exitCode(err error) int {
	if err == nil || errors.Is(err, context.Canceled) {
		return 0
	}
	return 1
}
