// Command varanno annotates a VCF with variant-effect scores from a
// prediction oracle, caching every scored variant so re-runs and
// overlapping cohorts never pay for the same call twice.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"varanno/internal/batch"
	"varanno/internal/cache"
	"varanno/internal/cache/dirstore"
	"varanno/internal/cache/memstore"
	"varanno/internal/cache/redisstore"
	"varanno/internal/config"
	"varanno/internal/logger"
	"varanno/internal/observability"
	"varanno/internal/ops"
	"varanno/internal/oracle"
	"varanno/internal/pipeline"
	"varanno/internal/ratelimit"
	"varanno/internal/refseq"
	"varanno/internal/stats"
	"varanno/internal/vcf"
)

var Version = "dev"

func main() { os.Exit(run()) }

func run() int {
	var (
		cfgPath     = flag.String("config", "", "path to a yaml config file")
		inPath      = flag.String("in", "", "input VCF, plain or gzipped; - for stdin")
		outPath     = flag.String("out", "", "output VCF; .gz suffix gzips, - for stdout")
		refPath     = flag.String("reference", "", "indexed reference FASTA")
		oracleURL   = flag.String("oracle-url", "", "prediction oracle base URL")
		model       = flag.String("model", "", "model version tag, part of every cache key")
		categories  = flag.String("categories", "", "comma separated prediction categories")
		batchSize   = flag.Int("batch-size", 0, "variants per oracle call")
		maxRecords  = flag.Int("max-records", 0, "annotate at most N records, 0 = all")
		windowBp    = flag.Int("window-bp", 0, "reference context window width in bp")
		cacheFlag   = flag.String("cache", "", "cache backend: dir, redis, memory or off")
		cacheDir    = flag.String("cache-dir", "", "directory for the dir backend")
		redisAddr   = flag.String("redis-addr", "", "address for the redis backend")
		metricsAddr = flag.String("metrics-addr", "", "serve /metrics and /healthz on this address")
		logLevel    = flag.String("log-level", "", "debug, info, warn or error")
		logConsole  = flag.Bool("log-console", false, "human readable log output")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("varanno", Version)
		return 0
	}
	if *inPath == "" || *outPath == "" || *refPath == "" {
		fmt.Fprintln(os.Stderr, "varanno: -in, -out and -reference are required")
		flag.Usage()
		return 2
	}

	overrides := map[string]interface{}{}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "oracle-url":
			overrides["oracle_url"] = *oracleURL
		case "model":
			overrides["model"] = *model
		case "categories":
			overrides["categories"] = splitCSV(*categories)
		case "batch-size":
			overrides["batch_size"] = *batchSize
		case "max-records":
			overrides["max_records"] = *maxRecords
		case "window-bp":
			overrides["window_bp"] = *windowBp
		case "cache":
			overrides["cache_backend"] = *cacheFlag
		case "cache-dir":
			overrides["cache_dir"] = *cacheDir
		case "redis-addr":
			overrides["redis_addr"] = *redisAddr
		case "metrics-addr":
			overrides["metrics_addr"] = *metricsAddr
		case "log-level":
			overrides["log_level"] = *logLevel
		case "log-console":
			overrides["log_console"] = *logConsole
		}
	})

	cfg, err := config.Load(*cfgPath, overrides)
	if err != nil {
		fmt.Fprintln(os.Stderr, "varanno:", err)
		if errors.Is(err, config.ErrInvalid) {
			return 2
		}
		return 1
	}

	// stdout may carry the output VCF, logs go to stderr
	log := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		Component: "varanno",
	}, os.Stderr)
	runID := logger.NewID()
	log = log.With().Str("run_id", runID).Logger()

	observability.ExposeBuildInfo(Version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithRunID(ctx, runID)

	if cfg.MetricsAddr != "" {
		go func() {
			if err := ops.Serve(ctx, cfg.MetricsAddr, log); err != nil {
				log.Error().Err(err).Msg("ops listener failed")
			}
		}()
	}

	genome, err := refseq.Open(*refPath)
	if err != nil {
		log.Error().Err(err).Str("reference", *refPath).Msg("open reference")
		return 1
	}
	defer func() { _ = genome.Close() }()

	tracker := stats.New()

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Str("backend", cfg.CacheBackend).Msg("open cache backend")
		return 1
	}
	if store != nil {
		defer func() { _ = store.Close() }()
	}
	fpCache := cache.New(store, cache.Config{
		TTL:           cfg.TTL(),
		MaxEntryBytes: cfg.MaxEntrySizeBytes,
	}, tracker, log)

	client, err := oracle.NewHTTPClient(oracle.Config{
		BaseURL: cfg.OracleURL,
		APIKey:  cfg.APIKey,
		Timeout: cfg.CallTimeout,
	})
	if err != nil {
		log.Error().Err(err).Msg("oracle client")
		return 1
	}

	rc := ratelimit.New(ratelimit.Config{
		MinSpacing:  cfg.MinCallSpacing(),
		BaseBackoff: cfg.BaseBackoff(),
		MaxBackoff:  cfg.MaxBackoff(),
	}, log)

	orch := batch.New(fpCache, client, rc, batch.Config{
		Model:              cfg.Model,
		BatchSize:          cfg.BatchSize,
		MaxConcurrentCalls: cfg.MaxConcurrentCalls,
		Retry:              batch.RetryPolicy{MaxAttempts: cfg.MaxRetries},
	}, tracker, log)

	in, err := vcf.Open(*inPath)
	if err != nil {
		log.Error().Err(err).Str("in", *inPath).Msg("open input")
		return 1
	}
	defer func() { _ = in.Close() }()

	out, err := vcf.Create(*outPath)
	if err != nil {
		log.Error().Err(err).Str("out", *outPath).Msg("create output")
		return 1
	}

	p := pipeline.New(genome, orch, pipeline.Config{
		Model:         cfg.Model,
		Categories:    cfg.Categories,
		WindowBp:      cfg.WindowBp,
		WindowSize:    cfg.WindowSize,
		MaxRecords:    cfg.MaxRecords,
		ProgressEvery: cfg.ProgressEvery,
		Version:       Version,
	}, tracker, log)

	log.Info().
		Str("version", Version).
		Str("model", cfg.Model).
		Str("oracle", cfg.OracleURL).
		Str("cache", cfg.CacheBackend).
		Strs("categories", cfg.Categories).
		Msg("starting annotation run")

	runErr := p.Run(ctx, in, out)
	if cerr := out.Close(); cerr != nil && runErr == nil {
		runErr = fmt.Errorf("close output: %w", cerr)
	}

	switch {
	case runErr == nil:
		return 0
	case errors.Is(runErr, context.Canceled):
		log.Warn().Msg("interrupted, partial output flushed")
		return 130
	default:
		log.Error().Err(runErr).Msg("annotation run failed")
		return 1
	}
}

func openStore(ctx context.Context, cfg config.Config) (cache.Store, error) {
	switch cfg.CacheBackend {
	case "dir":
		return dirstore.New(cfg.CacheDir)
	case "redis":
		return redisstore.New(ctx, cfg.RedisAddr)
	case "memory":
		return memstore.New(1<<16, cfg.TTL()), nil
	case "off":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
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
