package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	launcher "github.com/frankfurt-sentinel/launcher"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	l := launcher.New(os.Args[1:])
	code, err := l.Run(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	os.Exit(code)
}
