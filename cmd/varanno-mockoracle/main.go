// Command varanno-mockoracle serves a deterministic stand-in for the
// prediction oracle. Point varanno at it for local development: the
// same variant always scores the same, so cache behavior is observable
// without a real model behind it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"varanno/internal/logger"
	"varanno/internal/mockoracle"
)

var Version = "dev"

func main() { os.Exit(run()) }

func run() int {
	var (
		addr        = flag.String("addr", ":8400", "listen address")
		apiKey      = flag.String("api-key", "", "require this bearer token when set")
		seed        = flag.Uint64("seed", 0, "vary the deterministic score stream")
		latency     = flag.Duration("latency", 0, "artificial latency per predict call")
		throttle    = flag.Int("throttle-every", 0, "answer every Nth call with 429, 0 = never")
		logLevel    = flag.String("log-level", "info", "debug, info, warn or error")
		logConsole  = flag.Bool("log-console", false, "human readable log output")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("varanno-mockoracle", Version)
		return 0
	}

	log := logger.Build(logger.Config{
		Level:     *logLevel,
		Console:   *logConsole,
		Component: "mockoracle",
	}, os.Stderr)

	srv := mockoracle.New(mockoracle.Config{
		APIKey:        *apiKey,
		Seed:          *seed,
		Latency:       *latency,
		ThrottleEvery: *throttle,
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hs := &http.Server{
		Addr:              *addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", *addr).Str("version", Version).Msg("mock oracle up")
		if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = hs.Shutdown(shutdownCtx)
		log.Info().Int64("calls", srv.Calls()).Msg("mock oracle stopped")
		return 0
	case err := <-errCh:
		log.Error().Err(err).Msg("mock oracle listener failed")
		return 1
	}
}
