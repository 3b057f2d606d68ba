package main

// The CLI is split across files:
// - main.go    (main, signal handling)
// - root.go    (root command, shared flags, config loading)
// - run.go     (run: handshake mode, admin server)
// - actor.go   (actor: addresses file mode)
// - submit.go  (submit: front-end client)
// - wiring.go  (engine config, event logging, env helpers)

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := buildRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "engined:", err)
		stop()
		os.Exit(1)
	}
}
