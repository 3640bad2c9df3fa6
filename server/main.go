package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/samber/lo"
	"github.com/spf13/viper"

	"github.com/gammadia/forge/conductor"
	"github.com/gammadia/forge/db/inmemory"
	"github.com/gammadia/forge/namegen"
	"github.com/gammadia/forge/server/flags"
	"github.com/gammadia/forge/server/log"
)

// Versioning information set at build time
var version, commit = "dev", "n/a"

// Global context for shutdown cascading. When cancel() is called (from the
// signal handler), everything watching ctx.Done() begins its shutdown.
var ctx, cancel = context.WithCancel(context.Background())

func main() {
	// Setup logger first as this will be used to report progress of the rest of the setup
	if err := log.Init(); err != nil {
		lo.Must(fmt.Fprintln(os.Stderr, err))
		os.Exit(1)
	}
	log.Info("Forge conductor starting up...", "version", version, "commit", commit)

	hostname := viper.GetString(flags.Hostname)
	if hostname == "" {
		base, err := os.Hostname()
		if err != nil {
			base = "forge"
		}
		hostname = namegen.Hostname(base)
	}

	conn := inmemory.New()

	registry, err := createRegistry()
	if err != nil {
		log.Error("Failed to create driver registry", "error", err)
		os.Exit(1)
	}

	service := conductor.New(conductor.Config{
		DB:       conn,
		Registry: registry,
		Hostname: hostname,
		Logger:   log.With("hostname", hostname),
	})

	membership := conductor.NewMembership(conductor.MembershipConfig{
		DB:                conn,
		Hostname:          hostname,
		Drivers:           registry.Names(),
		HeartbeatInterval: viper.GetDuration(flags.HeartbeatInterval),
		Logger:            log.Base.With("component", "membership"),
	})
	if err := membership.Register(ctx); err != nil {
		log.Error("Failed to register conductor", "error", err)
		os.Exit(1)
	}
	membership.Start()

	setupInterrupts()

	if viper.GetBool(flags.DemoNode) {
		go runDemo(service, conn)
	}

	<-ctx.Done()
	membership.Stop()
	if err := membership.Unregister(context.Background()); err != nil {
		log.Warn("Failed to unregister conductor", "error", err)
	}
	log.Info("Shutdown completed. Bye!")
}

// setupInterrupts handles Ctrl+C (SIGINT) with a double-tap pattern:
// - First signal: calls cancel() which cascades shutdown through ctx.Done()
// - Second signal: forces immediate exit (in case graceful shutdown hangs)
func setupInterrupts() {
	sig := make(chan os.Signal, 1) // buffered: won't miss a signal while processing
	signal.Notify(sig, os.Interrupt)

	go func() {
		<-sig
		log.Info("Shutdown signal received, attempting graceful shutdown")
		cancel()
		<-sig
		log.Warn("Second shutdown signal received, forcing exit")
		os.Exit(1)
	}()
}
