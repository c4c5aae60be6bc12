package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/telekom/mail-dispatch/pkg/cli"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := cli.DefaultConfig()
	cfg.Context = ctx
	return cli.Execute(cfg, args)
}
