package pipeline

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"varanno/internal/batch"
	"varanno/internal/cache"
	"varanno/internal/cache/memstore"
	"varanno/internal/oracle"
	"varanno/internal/ratelimit"
	"varanno/internal/refseq"
	"varanno/internal/stats"
	"varanno/internal/vcf"
)

const vcfHeader = "##fileformat=VCFv4.2\n" +
	"#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO\n"

// chr1 repeats ACGT six times, so the base at 1-based POS p is ACGT[(p-1)%4].
const testFasta = ">chr1 test\nACGTACGTACGT\nACGTACGTACGT\n"

type fakeOracle struct {
	mu       sync.Mutex
	calls    int
	maxBatch int
}

func fakeScore(r oracle.Request) oracle.Scores {
	off := float64(strings.Index("ACGT", r.Alt))
	if off < 0 {
		off = 5
	}
	v := (float64(r.Pos)*10 + off) / 10000
	return oracle.Scores{"expression": v, "splicing": v / 10}
}

func (f *fakeOracle) Predict(_ context.Context, _ string, reqs []oracle.Request) ([]oracle.Outcome, error) {
	f.mu.Lock()
	f.calls++
	if len(reqs) > f.maxBatch {
		f.maxBatch = len(reqs)
	}
	f.mu.Unlock()
	outs := make([]oracle.Outcome, len(reqs))
	for i, r := range reqs {
		outs[i] = oracle.Outcome{Scores: fakeScore(r)}
	}
	return outs, nil
}

func (f *fakeOracle) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeOracle) maxBatchLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxBatch
}

type fixture struct {
	genome  *refseq.Genome
	orch    *batch.Orchestrator
	tracker *stats.Tracker
	fo      *fakeOracle
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ref.fa")
	require.NoError(t, os.WriteFile(path, []byte(testFasta), 0o644))
	genome, err := refseq.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { genome.Close() })

	fo := &fakeOracle{}
	tracker := stats.New()
	c := cache.New(memstore.New(1024, time.Hour), cache.Config{TTL: time.Hour}, tracker, zerolog.Nop())
	rc := ratelimit.New(ratelimit.Config{BaseBackoff: time.Millisecond}, zerolog.Nop())
	orch := batch.New(c, fo, rc, batch.Config{Model: "test-model", Retry: batch.RetryPolicy{MaxAttempts: 2}}, tracker, zerolog.Nop())
	return &fixture{genome: genome, orch: orch, tracker: tracker, fo: fo}
}

func (f *fixture) run(t *testing.T, input string, cfg Config) string {
	t.Helper()
	in, err := vcf.NewReader(strings.NewReader(input))
	require.NoError(t, err)

	var buf bytes.Buffer
	out := vcf.NewWriter(&buf)

	cfg.Model = "test-model"
	cfg.WindowBp = 10
	if cfg.Version == "" {
		cfg.Version = "0.0.0-test"
	}
	p := New(f.genome, f.orch, cfg, f.tracker, zerolog.Nop())
	require.NoError(t, p.Run(context.Background(), in, out))
	require.NoError(t, out.Flush())
	return buf.String()
}

func dataLines(output string) []string {
	var lines []string
	for _, l := range strings.Split(strings.TrimRight(output, "\n"), "\n") {
		if l != "" && !strings.HasPrefix(l, "#") {
			lines = append(lines, l)
		}
	}
	return lines
}

func TestRun_AnnotatesInOrder(t *testing.T) {
	f := newFixture(t)
	input := vcfHeader +
		"chr1\t5\t.\tA\tT\t.\t.\t.\n" +
		"chr1\t10\t.\tC\tG\t.\t.\t.\n" +
		"chr1\t15\t.\tG\tA\t.\t.\t.\n"

	output := f.run(t, input, Config{Categories: []string{"expression", "splicing"}})
	lines := dataLines(output)
	require.Len(t, lines, 3)

	assert.Contains(t, lines[0], "chr1\t5\t")
	assert.Contains(t, lines[0], "VA_EXPR=0.0053")
	assert.Contains(t, lines[0], "VA_SPLICE=0.0005")
	assert.Contains(t, lines[1], "chr1\t10\t")
	assert.Contains(t, lines[1], "VA_EXPR=0.0102")
	assert.Contains(t, lines[2], "chr1\t15\t")
	assert.Contains(t, lines[2], "VA_EXPR=0.0150")

	snap := f.tracker.Snapshot()
	assert.Equal(t, int64(3), snap.RecordsRead)
	assert.Equal(t, int64(3), snap.RecordsAnnotated)
	assert.Equal(t, int64(0), snap.RecordsSkipped)
}

func TestRun_HeaderCarriesProvenance(t *testing.T) {
	f := newFixture(t)
	input := vcfHeader + "chr1\t5\t.\tA\tT\t.\t.\t.\n"

	output := f.run(t, input, Config{Categories: []string{"expression"}, Version: "1.2.3"})
	head, _, _ := strings.Cut(output, "#CHROM")

	assert.True(t, strings.HasPrefix(output, "##fileformat=VCFv4.2\n"), "input meta must come first")
	assert.Contains(t, head, `##INFO=<ID=VA_EXPR,Number=A,Type=Float,`)
	assert.Contains(t, head, `##INFO=<ID=VA_REFMISMATCH,Number=0,Type=Flag,`)
	assert.NotContains(t, head, "VA_SPLICE", "unselected categories must not be declared")
	assert.Contains(t, head, "##varannoVersion=1.2.3")
	assert.Contains(t, head, "##varannoModel=test-model")
	assert.Contains(t, head, "##varannoWindow=10")
	assert.Contains(t, head, "##varannoCategories=expression")
}

func TestRun_MalformedRecordIsolated(t *testing.T) {
	f := newFixture(t)
	badLine := "chr1\toops\t.\tC\tG\t.\t.\t."
	input := vcfHeader +
		"chr1\t5\t.\tA\tT\t.\t.\t.\n" +
		badLine + "\n" +
		"chr1\t15\t.\tG\tA\t.\t.\t.\n"

	output := f.run(t, input, Config{Categories: []string{"expression"}})
	lines := dataLines(output)
	require.Len(t, lines, 3, "every input line must produce an output line")

	assert.Contains(t, lines[0], "VA_EXPR=")
	assert.Equal(t, badLine, lines[1], "malformed line must pass through verbatim")
	assert.Contains(t, lines[2], "VA_EXPR=")

	snap := f.tracker.Snapshot()
	assert.Equal(t, int64(1), snap.RecordsSkipped)
	assert.Equal(t, int64(2), snap.RecordsAnnotated)
}

func TestRun_MultiallelicPerAltColumns(t *testing.T) {
	f := newFixture(t)
	input := vcfHeader + "chr1\t8\t.\tT\tA,C,<DEL>\t.\t.\t.\n"

	output := f.run(t, input, Config{Categories: []string{"expression"}})
	lines := dataLines(output)
	require.Len(t, lines, 1)

	// A scores 0.0080, C scores 0.0081, the symbolic allele stays "."
	assert.Contains(t, lines[0], "VA_EXPR=0.0080,0.0081,.")
	assert.Equal(t, int64(1), f.tracker.Snapshot().Multiallelic)
}

func TestRun_RefMismatchFlagged(t *testing.T) {
	f := newFixture(t)
	input := vcfHeader + "chr1\t5\t.\tG\tT\t.\t.\t.\n" // assembly has A at POS 5

	output := f.run(t, input, Config{Categories: []string{"expression"}})
	lines := dataLines(output)
	require.Len(t, lines, 1)

	assert.Contains(t, lines[0], "VA_REFMISMATCH")
	assert.Contains(t, lines[0], "VA_EXPR=", "mismatch is a warning, not a skip")
}

func TestRun_UnknownChromosomeSkipsRecord(t *testing.T) {
	f := newFixture(t)
	input := vcfHeader +
		"chrUn\t5\t.\tA\tT\t.\t.\t.\n" +
		"chr1\t5\t.\tA\tT\t.\t.\t.\n"

	output := f.run(t, input, Config{Categories: []string{"expression"}})
	lines := dataLines(output)
	require.Len(t, lines, 2)

	assert.NotContains(t, lines[0], "VA_EXPR=")
	assert.Contains(t, lines[1], "VA_EXPR=")

	snap := f.tracker.Snapshot()
	assert.Equal(t, int64(1), snap.RecordsSkipped)
	assert.Equal(t, int64(1), snap.RecordsAnnotated)
}

func TestRun_MaxRecordsCapCopiesTailThrough(t *testing.T) {
	f := newFixture(t)
	var b strings.Builder
	b.WriteString(vcfHeader)
	for _, pos := range []string{"1", "5", "9", "13", "17"} {
		b.WriteString("chr1\t" + pos + "\t.\tA\tT\t.\t.\t.\n")
	}

	output := f.run(t, b.String(), Config{Categories: []string{"expression"}, MaxRecords: 2})
	lines := dataLines(output)
	require.Len(t, lines, 5)

	assert.Contains(t, lines[0], "VA_EXPR=")
	assert.Contains(t, lines[1], "VA_EXPR=")
	for i := 2; i < 5; i++ {
		assert.NotContains(t, lines[i], "VA_EXPR=", "record %d past the cap must stay unannotated", i+1)
	}

	snap := f.tracker.Snapshot()
	assert.Equal(t, int64(3), snap.RecordsCapped)
	assert.Equal(t, int64(2), snap.RecordsAnnotated)
}

func TestRun_RerunIsServedFromCache(t *testing.T) {
	f := newFixture(t)
	input := vcfHeader +
		"chr1\t5\t.\tA\tT\t.\t.\t.\n" +
		"chr1\t10\t.\tC\tG\t.\t.\t.\n"

	first := f.run(t, input, Config{Categories: []string{"expression"}})
	callsAfterFirst := f.fo.callCount()
	require.Positive(t, callsAfterFirst)

	second := f.run(t, input, Config{Categories: []string{"expression"}})
	assert.Equal(t, callsAfterFirst, f.fo.callCount(), "second run must not call the oracle")
	assert.Equal(t, dataLines(first), dataLines(second))
}

func TestRun_WindowSizeBoundsResolves(t *testing.T) {
	f := newFixture(t)
	var b strings.Builder
	b.WriteString(vcfHeader)
	for _, pos := range []string{"1", "5", "9", "13"} {
		b.WriteString("chr1\t" + pos + "\t.\tA\tT\t.\t.\t.\n")
	}

	f.run(t, b.String(), Config{Categories: []string{"expression"}, WindowSize: 2})
	assert.Equal(t, 2, f.fo.callCount(), "4 requests at window size 2 resolve in 2 calls")
	assert.LessOrEqual(t, f.fo.maxBatchLen(), 2, "no call carries more than one window of requests")
}

func TestAnnotatable(t *testing.T) {
	cases := []struct {
		ref, alt string
		want     bool
	}{
		{"A", "T", true},
		{"A", "A", false},
		{"A", "*", false},
		{"A", ".", false},
		{"A", "", false},
		{"A", "<DEL>", false},
		{"A", "G]chr3:1234]", false},
		{"AT", "A", true},
	}
	for _, tc := range cases {
		if got := annotatable(tc.ref, tc.alt); got != tc.want {
			t.Errorf("annotatable(%q, %q) = %v, want %v", tc.ref, tc.alt, got, tc.want)
		}
	}
}
