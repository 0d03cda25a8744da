// Command varanno-invalidator consumes cache purge events from Kafka
// and applies them to the shared annotation cache. Run one instance per
// cache (or a consumer group of them) next to the fleet that shares it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	_ "go.uber.org/automaxprocs"

	"varanno/internal/cache/dirstore"
	"varanno/internal/cache/redisstore"
	"varanno/internal/logger"
	"varanno/internal/observability"
	"varanno/internal/ops"
	"varanno/pkg/invalidation/kafka"
)

var Version = "dev"

func main() { os.Exit(run()) }

func run() int {
	var (
		backend     = flag.String("cache", "dir", "cache backend to purge: dir or redis")
		cacheDir    = flag.String("cache-dir", filepath.Join(os.TempDir(), "varanno-cache"), "directory for the dir backend")
		redisAddr   = flag.String("redis-addr", "localhost:6379", "address for the redis backend")
		brokers     = flag.String("brokers", "", "kafka brokers, comma separated (overrides KAFKA_BROKERS)")
		topic       = flag.String("topic", "", "purge topic (overrides KAFKA_TOPIC)")
		group       = flag.String("group", "", "consumer group id (overrides KAFKA_GROUP_ID)")
		opsAddr     = flag.String("ops-addr", ":9090", "address for /healthz, /readyz and /metrics")
		logLevel    = flag.String("log-level", "info", "debug, info, warn or error")
		logConsole  = flag.Bool("log-console", false, "human readable log output")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("varanno-invalidator", Version)
		return 0
	}

	log := logger.Build(logger.Config{
		Level:     *logLevel,
		Console:   *logConsole,
		Component: "invalidator",
	}, os.Stderr)

	observability.ExposeBuildInfo(Version)

	cfg := kafka.FromEnv()
	// running this binary is the enable switch
	cfg.Enabled = true
	cfg.Driver = kafka.DriverKafka
	if *brokers != "" {
		cfg.Brokers = splitCSV(*brokers)
	}
	if *topic != "" {
		cfg.Topic = *topic
	}
	if *group != "" {
		cfg.GroupID = *group
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, *backend, *cacheDir, *redisAddr)
	if err != nil {
		log.Error().Err(err).Str("backend", *backend).Msg("open cache backend")
		return 1
	}
	defer func() { _ = store.Close() }()

	runner := kafka.New(cfg, store, log, kafka.Options{Register: prometheus.DefaultRegisterer})
	if err := runner.Start(ctx); err != nil {
		log.Error().Err(err).Msg("start invalidation runner")
		return 1
	}
	defer runner.Stop()

	log.Info().Str("version", Version).Str("ops_addr", *opsAddr).Msg("invalidator up")
	if err := ops.Serve(ctx, *opsAddr, log, ops.WithReadiness(runner)); err != nil {
		log.Error().Err(err).Msg("ops listener failed")
		return 1
	}
	return 0
}

type closableStore interface {
	kafka.Store
	Close() error
}

func openStore(ctx context.Context, backend, dir, addr string) (closableStore, error) {
	switch backend {
	case "dir":
		return dirstore.New(dir)
	case "redis":
		return redisstore.New(ctx, addr)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", backend)
	}
}

func splitCSV(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if x := strings.TrimSpace(p); x != "" {
			out = append(out, x)
		}
	}
	return out
}
