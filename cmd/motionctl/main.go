// ABOUTME: Main entry point for the motion cueing streamer
// ABOUTME: Loads config, opens playback sessions, runs the status HTTP server
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ossrs/go-oryx-lib/errors"
	"github.com/ossrs/go-oryx-lib/logger"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/harper/motion-cue-streamer/internal/application/config"
	"github.com/harper/motion-cue-streamer/internal/application/manager"
	"github.com/harper/motion-cue-streamer/internal/infrastructure/device"
	"github.com/harper/motion-cue-streamer/internal/infrastructure/http"
	"github.com/harper/motion-cue-streamer/internal/infrastructure/motionfile"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("fatal: %+v", err)
	}
}

// configPath picks the first argument, then MOTION_CONFIG, then
// config.yaml.
func configPath(args []string, getenv func(string) string) string {
	if len(args) > 0 {
		return args[0]
	}
	if p := getenv("MOTION_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func run() error {
	cfg, err := config.Load(configPath(os.Args[1:], os.Getenv))
	if err != nil {
		return errors.Wrapf(err, "load config")
	}
	if cfg.Logging.Quiet {
		logger.Switch(io.Discard)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logCtx := logger.WithContext(ctx)

	// The emulator stands in for the device driver, which is linked in by
	// the deployment that owns the hardware.
	dev := device.NewEmulator(device.Config{})
	mgr, err := manager.NewFromConfig(cfg, dev, motionfile.NewLoader(motionfile.HTTPConfig{}))
	if err != nil {
		return errors.Wrapf(err, "create manager")
	}
	if err := mgr.Start(ctx); err != nil {
		mgr.Shutdown()
		return errors.Wrapf(err, "start sessions")
	}

	addr := fmt.Sprintf("%s:%d", cfg.Listen.Host, cfg.Listen.Port)
	srv := &nethttp.Server{
		Addr:        addr,
		Handler:     http.NewMux(mgr),
		ReadTimeout: 15 * time.Second,
		// Streaming
		WriteTimeout: 0,
		IdleTimeout:  0,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Tf(logCtx, "listening on http://%s (try /sessions)", addr)
		if err := srv.ListenAndServe(); err != nil && err != nethttp.ErrServerClosed {
			return errors.Wrapf(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Tf(logCtx, "shutting down...")

		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if !cfg.Logging.Quiet && term.IsTerminal(int(os.Stdout.Fd())) {
		g.Go(func() error {
			showStatus(gctx, mgr)
			return nil
		})
	}

	err = g.Wait()
	if serr := mgr.Shutdown(); serr != nil && err == nil {
		err = errors.Wrapf(serr, "shutdown sessions")
	}
	if err != nil {
		return err
	}

	logger.Tf(logCtx, "shutdown complete")
	return nil
}
