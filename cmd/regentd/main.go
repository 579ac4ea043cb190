package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"regent/internal/core"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./regent.yaml", "path to config file (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app, err := core.NewApp(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if err := app.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	// Pet the systemd watchdog while the app reports healthy.
	if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		go func() {
			t := time.NewTicker(interval / 2)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					if app.Healthy() {
						_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
					}
				}
			}
		}()
	}

	select {
	case <-ctx.Done():
	case <-app.Done():
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()

	reason := core.StopSignal
	if err := app.Err(); err != nil {
		reason = core.StopFatalError
		fmt.Fprintln(os.Stderr, "fatal:", err)
	}
	_ = app.Stop(stopCtx, reason)
	if reason == core.StopFatalError {
		os.Exit(1)
	}
}
