package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"goa.design/clue/log"

	inspector "goa.design/mcp-inspector"
	"goa.design/mcp-inspector/settings"
)

func main() {
	var (
		hostF  = flag.String("host", "", "Bind address (overrides INSPECTOR_HOST)")
		portF  = flag.Int("port", 0, "Listen port (overrides INSPECTOR_PORT)")
		dirF   = flag.String("traces-dir", "", "Trace directory (overrides TRACES_DIR)")
		debugF = flag.Bool("debug", false, "Enable debug logs and pprof endpoints")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	cfg, err := settings.Load()
	if err != nil {
		log.Fatalf(ctx, err, "invalid configuration")
	}
	if *hostF != "" {
		cfg.Host = *hostF
	}
	if *portF != 0 {
		cfg.Port = *portF
	}
	if *dirF != "" {
		cfg.TracesDir = *dirF
	}
	if *debugF {
		cfg.Debug = "1"
	}
	if cfg.DebugEnabled() {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	insp, err := inspector.New(ctx, inspector.WithSettings(cfg))
	if err != nil {
		log.Fatalf(ctx, err, "start inspector")
	}
	log.Print(ctx, log.KV{K: "traces-dir", V: insp.TracesDir()}, log.KV{K: "addr", V: cfg.Addr()})

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		log.Printf(ctx, "exiting (%v)", <-c)
		cancel()
	}()

	// Serve fails only when the port cannot be bound; that is the one
	// startup error worth a non-zero exit.
	if err := insp.Serve(ctx); err != nil {
		insp.Shutdown(context.Background()) // nolint:errcheck
		log.Fatalf(ctx, err, "serve inspector")
	}
	if err := insp.Shutdown(context.Background()); err != nil {
		log.Errorf(ctx, err, "shutdown")
	}
	log.Printf(ctx, "exited")
}
