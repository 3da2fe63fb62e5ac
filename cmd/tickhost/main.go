package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"tickhost/internal/app"
)

func main() {
	var (
		cfgPath     string
		invoke      string
		showVersion bool
	)
	flag.StringVar(&cfgPath, "config", "./tickhost.yaml", "path to config (json or yaml)")
	flag.StringVar(&invoke, "invoke", "", "run the named function once, then exit")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("tickhost", app.Version)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		stop(a, app.StopFatalError)
		os.Exit(1)
	}

	if invoke != "" {
		err := a.Host().Invoke(ctx, invoke)
		stop(a, app.StopAppStop)
		if err != nil {
			fmt.Fprintln(os.Stderr, "invoke:", err)
			os.Exit(1)
		}
		return
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		// supervisor cancelled on a fatal error
		reason = app.StopFatalError
	}
	stop(a, reason)

	if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func stop(a *app.App, reason app.StopReason) {
	ctx, cancel := context.WithTimeout(context.Background(), a.ShutdownTimeout())
	defer cancel()
	_ = a.Stop(ctx, reason)
}
