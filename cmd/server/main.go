package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"mmoserver/internal/app"
)

func main() {
	var (
		cfgPath string
		console bool
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (json or yaml)")
	flag.BoolVar(&console, "console", false, "read admin commands from stdin")
	flag.Parse()

	var opts []app.Option
	if console {
		opts = append(opts, app.WithConsole(os.Stdin))
	}

	a, err := app.NewApp(cfgPath, opts...)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	// A signal finishes the current tick and saves before exiting.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	go func() {
		<-ctx.Done()
		a.RequestExit()
	}()

	if err := a.Run(context.Background()); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}
