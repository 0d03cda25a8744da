// Command varanno-cachectl administers annotation caches: usage stats,
// expired-entry sweeps, per-model purges and full wipes of a local cache
// directory, plus publishing fleet-wide purge events to Kafka.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"varanno/internal/cache/dirstore"
	"varanno/internal/fingerprint"
	"varanno/pkg/invalidation/kafka"
)

func main() { os.Exit(run()) }

func usage() {
	fmt.Fprintf(os.Stderr, `usage: varanno-cachectl [flags] <command>

commands:
  stats               summarize entries, bytes and expiry state
  sweep               remove expired and corrupt entries
  purge-model <tag>   remove every entry stored under one model
  clear               remove all entries (requires -force)
  publish <op> <tag> [fingerprint...]
                      emit a purge event to the invalidation topic;
                      op is purge-model or purge-fingerprints

flags:
`)
	flag.PrintDefaults()
}

func run() int {
	env := kafka.FromEnv()

	var (
		dir      = flag.String("cache-dir", filepath.Join(os.TempDir(), "varanno-cache"), "cache directory")
		asJSON   = flag.Bool("json", false, "print stats as JSON")
		force    = flag.Bool("force", false, "confirm destructive commands")
		brokers  = flag.String("brokers", strings.Join(env.Brokers, ","), "Kafka brokers for publish")
		topic    = flag.String("topic", env.Topic, "Kafka topic for publish")
		reason   = flag.String("reason", "", "free-form reason recorded on published events")
		eventVer = flag.Uint64("event-version", 0, "purge event version, 0 always applies")
		showHelp = flag.Bool("help", false, "print usage")
	)
	flag.Usage = usage
	flag.Parse()

	if *showHelp || flag.NArg() == 0 {
		usage()
		if *showHelp {
			return 0
		}
		return 2
	}

	// publish talks to the invalidation topic, not to a local cache dir.
	if flag.Arg(0) == "publish" {
		return runPublish(flag.Args()[1:], splitCSV(*brokers), *topic, *reason, *eventVer)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := dirstore.New(*dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "cachectl:", err)
		return 1
	}

	switch flag.Arg(0) {
	case "stats":
		st, err := store.Stats(ctx, time.Now())
		if err != nil {
			fmt.Fprintln(os.Stderr, "cachectl: stats:", err)
			return 1
		}
		if *asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(st)
			return 0
		}
		fmt.Printf("cache dir:   %s\n", store.Root())
		fmt.Printf("entries:     %d\n", st.Entries)
		fmt.Printf("expired:     %d\n", st.Expired)
		fmt.Printf("corrupt:     %d\n", st.Corrupt)
		fmt.Printf("total bytes: %d\n", st.TotalBytes)
		for model, n := range st.PerModel {
			fmt.Printf("  %s: %d\n", model, n)
		}
		return 0

	case "sweep":
		n, err := store.Sweep(ctx, time.Now())
		if err != nil {
			fmt.Fprintln(os.Stderr, "cachectl: sweep:", err)
			return 1
		}
		fmt.Printf("removed %d expired or corrupt entries\n", n)
		return 0

	case "purge-model":
		tag := flag.Arg(1)
		if tag == "" {
			fmt.Fprintln(os.Stderr, "cachectl: purge-model requires a model tag")
			return 2
		}
		n, err := store.PurgeModel(ctx, fingerprint.NormalizeModel(tag))
		if err != nil {
			fmt.Fprintln(os.Stderr, "cachectl: purge-model:", err)
			return 1
		}
		fmt.Printf("removed %d entries under model %s\n", n, fingerprint.NormalizeModel(tag))
		return 0

	case "clear":
		if !*force {
			fmt.Fprintln(os.Stderr, "cachectl: clear wipes the whole cache, rerun with -force")
			return 2
		}
		n, err := store.Clear(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, "cachectl: clear:", err)
			return 1
		}
		fmt.Printf("removed %d entries\n", n)
		return 0

	default:
		fmt.Fprintf(os.Stderr, "cachectl: unknown command %q\n", flag.Arg(0))
		usage()
		return 2
	}
}

func runPublish(args []string, brokers []string, topic, reason string, version uint64) int {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "cachectl: publish requires an op and a model tag")
		return 2
	}

	ev := kafka.PurgeEvent{
		Model:   args[1],
		Version: version,
		Reason:  reason,
	}
	switch args[0] {
	case "purge-model":
		ev.Op = kafka.OpPurgeModel
	case "purge-fingerprints":
		ev.Op = kafka.OpPurgeFingerprints
		ev.Fingerprints = args[2:]
	default:
		fmt.Fprintf(os.Stderr, "cachectl: unknown publish op %q\n", args[0])
		return 2
	}

	pub, err := kafka.NewPublisher(brokers, topic)
	if err != nil {
		fmt.Fprintln(os.Stderr, "cachectl:", err)
		return 1
	}
	defer func() { _ = pub.Close() }()

	partition, offset, err := pub.Publish(ev)
	if err != nil {
		fmt.Fprintln(os.Stderr, "cachectl: publish:", err)
		return 1
	}
	fmt.Printf("published %s for model %s to partition %d offset %d\n",
		ev.Op, fingerprint.NormalizeModel(ev.Model), partition, offset)
	return 0
}

func splitCSV(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
