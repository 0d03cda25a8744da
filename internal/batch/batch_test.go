package batch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"varanno/internal/cache"
	"varanno/internal/cache/memstore"
	"varanno/internal/oracle"
	"varanno/internal/ratelimit"
	"varanno/internal/stats"
)

// fakeOracle scripts Predict behavior per call and per request.
type fakeOracle struct {
	mu         sync.Mutex
	calls      int
	requested  int
	batchSizes []int

	fail   func(call int, reqs []oracle.Request) error
	perReq func(r oracle.Request) oracle.Outcome
	delay  func(call int) time.Duration
}

func scoreFor(r oracle.Request) float64 {
	return float64(r.Pos) + 0.25
}

func (f *fakeOracle) Predict(_ context.Context, _ string, reqs []oracle.Request) ([]oracle.Outcome, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.requested += len(reqs)
	f.batchSizes = append(f.batchSizes, len(reqs))
	f.mu.Unlock()

	if f.delay != nil {
		time.Sleep(f.delay(call))
	}
	if f.fail != nil {
		if err := f.fail(call, reqs); err != nil {
			return nil, err
		}
	}

	outs := make([]oracle.Outcome, len(reqs))
	for i, r := range reqs {
		if f.perReq != nil {
			outs[i] = f.perReq(r)
			continue
		}
		outs[i] = oracle.Outcome{Scores: oracle.Scores{"expression": scoreFor(r)}}
	}
	return outs, nil
}

func (f *fakeOracle) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeOracle) requestedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requested
}

func reqAt(i int) oracle.Request {
	return oracle.Request{
		Chrom:      "chr1",
		Pos:        1000 + i,
		Ref:        "A",
		Alt:        "T",
		Sequence:   "ACGTACGT",
		SeqStart:   997 + i,
		Categories: []string{"expression"},
	}
}

func newOrch(client oracle.Client, cfg Config) (*Orchestrator, *stats.Tracker) {
	tr := stats.New()
	c := cache.New(memstore.New(1024, time.Hour), cache.Config{TTL: time.Hour}, tr, zerolog.Nop())
	rc := ratelimit.New(ratelimit.Config{
		BaseBackoff: time.Millisecond,
		MaxBackoff:  4 * time.Millisecond,
	}, zerolog.Nop())
	if cfg.Model == "" {
		cfg.Model = "ag-v1"
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	return New(c, client, rc, cfg, tr, zerolog.Nop()), tr
}

func TestResolve_MissesThenHitsOnRerun(t *testing.T) {
	fo := &fakeOracle{}
	orch, tr := newOrch(fo, Config{BatchSize: 50, MaxConcurrentCalls: 2})

	reqs := []oracle.Request{reqAt(0), reqAt(1), reqAt(2)}
	results := orch.Resolve(context.Background(), reqs)

	require.Len(t, results, 3)
	for i, res := range results {
		require.NoError(t, res.Err, "request %d", i)
		assert.False(t, res.Cached)
		assert.Equal(t, scoreFor(reqs[i]), res.Scores["expression"])
	}
	assert.Equal(t, 1, fo.callCount())
	assert.Equal(t, 3, fo.requestedCount())

	// identical rerun is served entirely from cache
	again := orch.Resolve(context.Background(), reqs)
	assert.Equal(t, 1, fo.callCount(), "rerun must not call the oracle")
	for i, res := range again {
		require.NoError(t, res.Err)
		assert.True(t, res.Cached, "request %d must be a cache hit", i)
		assert.Equal(t, scoreFor(reqs[i]), res.Scores["expression"])
	}

	snap := tr.Snapshot()
	assert.Equal(t, int64(3), snap.CacheHits)
	assert.Equal(t, int64(1), snap.OracleCalls)
}

func TestResolve_DuplicateRequestsShareOneCall(t *testing.T) {
	fo := &fakeOracle{}
	orch, _ := newOrch(fo, Config{BatchSize: 50, MaxConcurrentCalls: 2})

	dup := reqAt(7)
	reqs := []oracle.Request{dup, reqAt(1), dup, dup}
	results := orch.Resolve(context.Background(), reqs)

	assert.Equal(t, 1, fo.callCount())
	assert.Equal(t, 2, fo.requestedCount(), "duplicates must collapse before dispatch")

	for _, i := range []int{0, 2, 3} {
		require.NoError(t, results[i].Err)
		assert.Equal(t, scoreFor(dup), results[i].Scores["expression"])
	}
	require.NoError(t, results[1].Err)
	assert.Equal(t, scoreFor(reqAt(1)), results[1].Scores["expression"])
}

func TestResolve_BatchSizeBoundsEachCall(t *testing.T) {
	fo := &fakeOracle{}
	orch, _ := newOrch(fo, Config{BatchSize: 3, MaxConcurrentCalls: 2})

	reqs := make([]oracle.Request, 10)
	for i := range reqs {
		reqs[i] = reqAt(i)
	}
	results := orch.Resolve(context.Background(), reqs)

	for i, res := range results {
		require.NoError(t, res.Err, "request %d", i)
	}
	assert.Equal(t, 4, fo.callCount(), "10 misses at batch size 3 need 4 calls")
	for _, n := range fo.batchSizes {
		assert.LessOrEqual(t, n, 3)
	}
}

func TestResolve_OrderPreservedAcrossShuffledCompletion(t *testing.T) {
	fo := &fakeOracle{
		// first dispatched batches finish last
		delay: func(call int) time.Duration {
			return time.Duration(8-call) * 3 * time.Millisecond
		},
	}
	orch, _ := newOrch(fo, Config{BatchSize: 1, MaxConcurrentCalls: 4})

	reqs := make([]oracle.Request, 8)
	for i := range reqs {
		reqs[i] = reqAt(i)
	}
	results := orch.Resolve(context.Background(), reqs)

	for i, res := range results {
		require.NoError(t, res.Err, "request %d", i)
		assert.Equal(t, scoreFor(reqs[i]), res.Scores["expression"],
			"slot %d must hold its own request's scores", i)
	}
}

func TestResolve_PartialFailureIsolation(t *testing.T) {
	rejected := reqAt(1)
	fo := &fakeOracle{
		perReq: func(r oracle.Request) oracle.Outcome {
			if r.Pos == rejected.Pos {
				return oracle.Outcome{Err: &oracle.CallError{
					Kind: oracle.KindPermanent, Code: "invalid_input", Message: "bad allele",
				}}
			}
			return oracle.Outcome{Scores: oracle.Scores{"expression": scoreFor(r)}}
		},
	}
	orch, tr := newOrch(fo, Config{BatchSize: 50, MaxConcurrentCalls: 1})

	reqs := []oracle.Request{reqAt(0), rejected, reqAt(2)}
	results := orch.Resolve(context.Background(), reqs)

	require.Error(t, results[1].Err)
	require.NoError(t, results[0].Err, "siblings of a rejected request must survive")
	require.NoError(t, results[2].Err)
	assert.Equal(t, int64(1), tr.Snapshot().RequestFailures)

	// siblings were cached, the rejected one was not
	again := orch.Resolve(context.Background(), reqs)
	assert.Equal(t, 2, fo.callCount(), "only the failed fingerprint goes back to the oracle")
	assert.True(t, again[0].Cached)
	assert.True(t, again[2].Cached)
}

func TestResolve_TransientFailureIsRetried(t *testing.T) {
	fo := &fakeOracle{
		fail: func(call int, _ []oracle.Request) error {
			if call == 1 {
				return &oracle.CallError{Kind: oracle.KindTransient, Status: 503, Message: "upstream busy"}
			}
			return nil
		},
	}
	orch, tr := newOrch(fo, Config{BatchSize: 50, MaxConcurrentCalls: 1, Retry: RetryPolicy{MaxAttempts: 3}})

	results := orch.Resolve(context.Background(), []oracle.Request{reqAt(0)})
	require.NoError(t, results[0].Err)
	assert.Equal(t, 2, fo.callCount())

	snap := tr.Snapshot()
	assert.Equal(t, int64(1), snap.OracleRetries)
	assert.Equal(t, int64(2), snap.OracleCalls)
}

func TestResolve_PermanentCallErrorNotRetried(t *testing.T) {
	fo := &fakeOracle{
		fail: func(int, []oracle.Request) error {
			return &oracle.CallError{Kind: oracle.KindPermanent, Status: 401, Message: "bad api key"}
		},
	}
	orch, _ := newOrch(fo, Config{BatchSize: 50, MaxConcurrentCalls: 1, Retry: RetryPolicy{MaxAttempts: 5}})

	results := orch.Resolve(context.Background(), []oracle.Request{reqAt(0), reqAt(1)})
	assert.Equal(t, 1, fo.callCount(), "permanent failures must not be retried")
	for _, res := range results {
		require.Error(t, res.Err)
	}
}

func TestResolve_ExhaustedRetriesFailOnlyTheirBatch(t *testing.T) {
	fo := &fakeOracle{
		fail: func(_ int, reqs []oracle.Request) error {
			if reqs[0].Chrom == "chr2" {
				return &oracle.CallError{Kind: oracle.KindTransient, Status: 500, Message: "shard down"}
			}
			return nil
		},
	}
	orch, tr := newOrch(fo, Config{BatchSize: 2, MaxConcurrentCalls: 1, Retry: RetryPolicy{MaxAttempts: 2}})

	bad1, bad2 := reqAt(10), reqAt(11)
	bad1.Chrom, bad2.Chrom = "chr2", "chr2"
	reqs := []oracle.Request{bad1, bad2, reqAt(0), reqAt(1)}

	results := orch.Resolve(context.Background(), reqs)

	require.Error(t, results[0].Err)
	require.Error(t, results[1].Err)
	require.NoError(t, results[2].Err, "other batches must be unaffected")
	require.NoError(t, results[3].Err)

	snap := tr.Snapshot()
	assert.Equal(t, int64(2), snap.RequestFailures)
	assert.Equal(t, int64(3), snap.OracleCalls, "2 failed attempts for the bad batch, 1 for the good one")
}

func TestResolve_CanceledContextProducesFailureMarkers(t *testing.T) {
	fo := &fakeOracle{}
	orch, _ := newOrch(fo, Config{BatchSize: 2, MaxConcurrentCalls: 2})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := orch.Resolve(ctx, []oracle.Request{reqAt(0), reqAt(1), reqAt(2)})
	assert.Equal(t, 0, fo.callCount())
	for i, res := range results {
		require.Error(t, res.Err, "request %d must carry a failure marker", i)
	}
}

func TestRetryPolicy_Bounds(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3}
	transient := &oracle.CallError{Kind: oracle.KindTransient}

	assert.True(t, p.Retry(1, transient))
	assert.True(t, p.Retry(2, transient))
	assert.False(t, p.Retry(3, transient), "attempt ceiling reached")
	assert.False(t, p.Retry(1, &oracle.CallError{Kind: oracle.KindPermanent}))
	assert.False(t, RetryPolicy{}.Retry(1, transient), "zero value allows a single attempt")
	assert.False(t, p.Retry(1, fmt.Errorf("wrapped: %w", &oracle.CallError{Kind: oracle.KindPermanent})))
}
