// Package batch resolves groups of oracle requests. Each Resolve call
// serves what it can from the fingerprint cache, dedupes the misses,
// groups them into bounded batches and dispatches those on a worker
// pool, with every external call paced by the shared rate controller.
package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"varanno/internal/cache"
	"varanno/internal/fingerprint"
	"varanno/internal/logger"
	"varanno/internal/observability"
	"varanno/internal/oracle"
	"varanno/internal/ratelimit"
	"varanno/internal/stats"
)

// Result pairs one input request with whatever resolution produced for
// it. Exactly one of Scores and Err is meaningful.
type Result struct {
	Scores oracle.Scores
	Err    error
	Cached bool
}

// RetryPolicy decides whether a failed call attempt may be followed by
// another one. MaxAttempts counts the first call, so 3 means at most
// two retries.
type RetryPolicy struct {
	MaxAttempts int
}

func (p RetryPolicy) Retry(attempt int, err error) bool {
	max := p.MaxAttempts
	if max <= 0 {
		max = 1
	}
	if attempt >= max {
		return false
	}
	return oracle.Retryable(err)
}

type Config struct {
	Model              string
	BatchSize          int
	MaxConcurrentCalls int
	Retry              RetryPolicy
}

type Orchestrator struct {
	cache   *cache.Cache
	client  oracle.Client
	rc      *ratelimit.Controller
	cfg     Config
	tracker *stats.Tracker
	log     zerolog.Logger
}

func New(c *cache.Cache, client oracle.Client, rc *ratelimit.Controller, cfg Config, tracker *stats.Tracker, log zerolog.Logger) *Orchestrator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxConcurrentCalls <= 0 {
		cfg.MaxConcurrentCalls = 4
	}
	if tracker == nil {
		tracker = stats.New()
	}
	return &Orchestrator{
		cache:   c,
		client:  client,
		rc:      rc,
		cfg:     cfg,
		tracker: tracker,
		log:     log,
	}
}

// pending is one deduped fingerprint and the result slots it feeds.
// Requests that normalize to the same fingerprint share a single
// upstream call; the outcome fans out to every slot.
type pending struct {
	fp    fingerprint.Fingerprint
	key   string
	req   oracle.Request
	slots []int
}

// Resolve returns one Result per request, aligned by index. Failures
// are per-fingerprint markers; Resolve itself never fails.
func (o *Orchestrator) Resolve(ctx context.Context, reqs []oracle.Request) []Result {
	out := make([]Result, len(reqs))
	if len(reqs) == 0 {
		return out
	}

	order, keys := o.dedupe(reqs)
	missing := o.serveFromCache(ctx, order, keys, out)
	if len(missing) == 0 {
		return out
	}

	batches := chunk(missing, o.cfg.BatchSize)

	jobs := make(chan []*pending, len(batches))
	workerN := min(o.cfg.MaxConcurrentCalls, len(batches))
	var wg sync.WaitGroup
	wg.Add(workerN)
	for range workerN {
		go func() {
			defer wg.Done()
			for b := range jobs {
				if err := ctx.Err(); err != nil {
					o.failBatch(b, out, fmt.Errorf("run canceled: %w", err))
					continue
				}
				o.resolveBatch(ctx, b, out)
			}
		}()
	}
	for _, b := range batches {
		jobs <- b
	}
	close(jobs)
	wg.Wait()

	return out
}

// dedupe fingerprints every request and collapses duplicates, keeping
// first-seen order so batch composition is deterministic.
func (o *Orchestrator) dedupe(reqs []oracle.Request) ([]*pending, []string) {
	index := make(map[string]*pending, len(reqs))
	order := make([]*pending, 0, len(reqs))
	keys := make([]string, 0, len(reqs))
	for i, r := range reqs {
		fp := fingerprint.ForRequest(o.cfg.Model, r)
		key := fingerprint.StorageKey(o.cfg.Model, fp)
		p, ok := index[key]
		if !ok {
			p = &pending{fp: fp, key: key, req: r}
			index[key] = p
			order = append(order, p)
			keys = append(keys, key)
		}
		p.slots = append(p.slots, i)
	}
	return order, keys
}

func (o *Orchestrator) serveFromCache(ctx context.Context, order []*pending, keys []string, out []Result) []*pending {
	hits := o.cache.LookupMany(ctx, keys)
	missing := make([]*pending, 0, len(order))
	for _, p := range order {
		payload, ok := hits[p.key]
		if !ok {
			missing = append(missing, p)
			continue
		}
		var scores oracle.Scores
		if err := json.Unmarshal(payload, &scores); err != nil {
			o.log.Debug().Err(err).Str("key", p.key).Msg("cached payload does not decode as scores, refetching")
			missing = append(missing, p)
			continue
		}
		fill(out, p, Result{Scores: scores, Cached: true})
	}
	return missing
}

// resolveBatch makes one retried oracle call for the batch, fans the
// outcomes into their slots and writes fresh successes back. A request
// the oracle rejected is marked failed on its own; sibling results in
// the same batch survive.
func (o *Orchestrator) resolveBatch(ctx context.Context, b []*pending, out []Result) {
	ctx = logger.WithBatchID(ctx, logger.NewID())

	reqs := make([]oracle.Request, len(b))
	for i, p := range b {
		reqs[i] = p.req
	}

	outs, err := o.callWithRetry(ctx, reqs)
	if err != nil {
		o.failBatch(b, out, err)
		return
	}

	fresh := make(map[string]json.RawMessage, len(b))
	for i, oc := range outs {
		p := b[i]
		if oc.Err != nil {
			o.tracker.AddRequestFailures(len(p.slots))
			fill(out, p, Result{Err: oc.Err})
			continue
		}
		fill(out, p, Result{Scores: oc.Scores})
		if payload, mErr := json.Marshal(oc.Scores); mErr == nil {
			fresh[p.key] = payload
		}
	}
	o.cache.StoreMany(ctx, o.cfg.Model, fresh)
}

func (o *Orchestrator) callWithRetry(ctx context.Context, reqs []oracle.Request) ([]oracle.Outcome, error) {
	log := logger.FromContext(ctx, &o.log)
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("run canceled: %w", err)
		}
		if err := o.rc.Acquire(ctx); err != nil {
			return nil, fmt.Errorf("acquire call slot: %w", err)
		}

		start := time.Now()
		outs, err := o.client.Predict(ctx, o.cfg.Model, reqs)
		dur := time.Since(start)
		o.tracker.IncOracleCall()

		if err == nil {
			o.rc.ReportSuccess()
			observability.ObserveOracleCall("ok", dur.Seconds())
			return outs, nil
		}

		kind := oracle.KindOf(err)
		o.rc.ReportFailure(kind)
		observability.ObserveOracleCall(kind.String(), dur.Seconds())

		if !o.cfg.Retry.Retry(attempt, err) {
			return nil, err
		}
		o.tracker.IncOracleRetry()
		observability.IncOracleRetry()
		log.Warn().Err(err).
			Int("attempt", attempt).
			Int("requests", len(reqs)).
			Msg("oracle call failed, will retry")
	}
}

func (o *Orchestrator) failBatch(b []*pending, out []Result, err error) {
	for _, p := range b {
		o.tracker.AddRequestFailures(len(p.slots))
		fill(out, p, Result{Err: err})
	}
}

func fill(out []Result, p *pending, r Result) {
	for _, i := range p.slots {
		out[i] = r
	}
}

func chunk(ps []*pending, size int) [][]*pending {
	batches := make([][]*pending, 0, (len(ps)+size-1)/size)
	for start := 0; start < len(ps); start += size {
		end := min(start+size, len(ps))
		batches = append(batches, ps[start:end])
	}
	return batches
}
