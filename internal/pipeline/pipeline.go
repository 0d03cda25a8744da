// Package pipeline streams VCF records through the annotation core: it
// derives one oracle request per usable ALT allele, resolves requests in
// bounded windows through the batch orchestrator, and writes one output
// record per input record in input order. One bad record never aborts a
// run; it is written through unannotated and counted.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"varanno/internal/batch"
	"varanno/internal/observability"
	"varanno/internal/oracle"
	"varanno/internal/refseq"
	"varanno/internal/stats"
	"varanno/internal/vcf"
)

const (
	defaultWindowSize    = 200
	defaultWindowBp      = 1000
	defaultProgressEvery = 100

	refMismatchFlag = "VA_REFMISMATCH"
)

var infoFields = map[string]struct{ id, desc string }{
	"expression":   {"VA_EXPR", "expression impact score (0-1)"},
	"splicing":     {"VA_SPLICE", "splicing impact score (0-1)"},
	"chromatin":    {"VA_CHROM", "chromatin accessibility impact score (0-1)"},
	"conservation": {"VA_CONS", "conservation score (0-1)"},
}

type Config struct {
	Model      string
	Categories []string

	// WindowBp is the width of the sequence context extracted around each
	// variant. WindowSize caps how many derived requests accumulate before
	// a resolve; it bounds memory, not correctness.
	WindowBp   int
	WindowSize int

	// MaxRecords > 0 stops annotation after that many records; the rest of
	// the input is copied through unannotated.
	MaxRecords    int
	ProgressEvery int

	// Version is stamped into the output header provenance lines.
	Version string
}

type Pipeline struct {
	genome  *refseq.Genome
	orch    *batch.Orchestrator
	cfg     Config
	tracker *stats.Tracker
	log     zerolog.Logger
}

func New(genome *refseq.Genome, orch *batch.Orchestrator, cfg Config, tracker *stats.Tracker, log zerolog.Logger) *Pipeline {
	if cfg.WindowBp <= 0 {
		cfg.WindowBp = defaultWindowBp
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = defaultWindowSize
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = defaultProgressEvery
	}
	if len(cfg.Categories) == 0 {
		cfg.Categories = []string{"expression", "splicing"}
	}
	if tracker == nil {
		tracker = stats.New()
	}
	return &Pipeline{
		genome:  genome,
		orch:    orch,
		cfg:     cfg,
		tracker: tracker,
		log:     log,
	}
}

// item is one input record riding through a resolve window. Exactly one of
// raw (malformed line), pass (capped), or rec-with-derivation is active.
type item struct {
	rec       *vcf.Record
	raw       string
	pass      bool
	skipped   bool
	mismatch  bool
	altScores []oracle.Scores
	altFailed []bool
}

// window accumulates items and their derived requests until a flush.
type window struct {
	items  []*item
	reqs   []oracle.Request
	owners []owner
}

type owner struct {
	it  *item
	alt int
}

func (w *window) add(it *item, reqs []oracle.Request, altIdx []int) {
	w.items = append(w.items, it)
	for i, r := range reqs {
		w.reqs = append(w.reqs, r)
		w.owners = append(w.owners, owner{it: it, alt: altIdx[i]})
	}
}

func (w *window) reset() {
	w.items = w.items[:0]
	w.reqs = w.reqs[:0]
	w.owners = w.owners[:0]
}

// Run drives the whole stream. It returns an error only for run-level
// failures: unusable input, output write errors, or cancellation.
func (p *Pipeline) Run(ctx context.Context, in *vcf.Reader, out *vcf.Writer) error {
	if err := p.writeHeader(in, out); err != nil {
		return err
	}

	var (
		w      window
		read   int
		capped bool
	)
	for {
		if err := ctx.Err(); err != nil {
			if ferr := p.flush(ctx, &w, out); ferr != nil {
				return ferr
			}
			p.summary()
			return err
		}

		rec, err := in.Next()
		if err == io.EOF {
			break
		}
		var pe *vcf.ParseError
		if errors.As(err, &pe) {
			p.tracker.IncRecordRead()
			p.tracker.IncRecordSkipped()
			observability.IncRecord("skipped")
			p.log.Warn().Int("line", pe.LineNum).Err(pe.Err).Msg("skipping malformed record")
			if p.shouldFlush(&w, 0) {
				if err := p.flush(ctx, &w, out); err != nil {
					return err
				}
			}
			w.add(&item{raw: pe.Line}, nil, nil)
			continue
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}

		read++
		p.tracker.IncRecordRead()
		if p.cfg.ProgressEvery > 0 && read%p.cfg.ProgressEvery == 0 {
			p.progress(read)
		}

		if !capped && p.cfg.MaxRecords > 0 && read > p.cfg.MaxRecords {
			capped = true
			p.log.Warn().Int("max_records", p.cfg.MaxRecords).
				Msg("record cap reached, copying the rest through unannotated")
		}
		if capped {
			p.tracker.IncRecordCapped()
			observability.IncRecord("capped")
			if p.shouldFlush(&w, 0) {
				if err := p.flush(ctx, &w, out); err != nil {
					return err
				}
			}
			w.add(&item{rec: rec, pass: true}, nil, nil)
			continue
		}

		it, reqs, altIdx := p.derive(rec)
		if p.shouldFlush(&w, len(reqs)) {
			if err := p.flush(ctx, &w, out); err != nil {
				return err
			}
		}
		w.add(it, reqs, altIdx)
	}

	if err := p.flush(ctx, &w, out); err != nil {
		return err
	}
	p.summary()
	return nil
}

// derive builds one request per annotatable ALT allele. The context window
// is extracted once per record; a derivation failure skips the record but
// never the run.
func (p *Pipeline) derive(rec *vcf.Record) (*item, []oracle.Request, []int) {
	it := &item{
		rec:       rec,
		altScores: make([]oracle.Scores, len(rec.Alts)),
		altFailed: make([]bool, len(rec.Alts)),
	}
	if len(rec.Alts) == 0 {
		it.skipped = true
		return it, nil, nil
	}
	if len(rec.Alts) > 1 {
		p.tracker.IncMultiallelic()
	}

	win, err := p.genome.ContextWindow(rec.Chrom, rec.Pos, rec.Ref, p.cfg.WindowBp)
	if err != nil {
		p.log.Warn().Str("chrom", rec.Chrom).Int64("pos", rec.Pos).Err(err).
			Msg("sequence window failed, skipping record")
		it.skipped = true
		return it, nil, nil
	}
	if !win.RefMatches {
		it.mismatch = true
		p.log.Warn().Str("chrom", rec.Chrom).Int64("pos", rec.Pos).
			Str("vcf_ref", rec.Ref).Str("assembly_ref", win.ActualRef).
			Msg("reference allele disagrees with the assembly")
	}
	canon, _ := p.genome.Resolve(rec.Chrom)

	var (
		reqs   []oracle.Request
		altIdx []int
	)
	for ai, alt := range rec.Alts {
		if !annotatable(rec.Ref, alt) {
			continue
		}
		reqs = append(reqs, oracle.Request{
			Chrom:      canon,
			Pos:        int(rec.Pos),
			Ref:        rec.Ref,
			Alt:        alt,
			Sequence:   win.Sequence,
			SeqStart:   int(win.Start),
			Categories: p.cfg.Categories,
		})
		altIdx = append(altIdx, ai)
	}
	if len(reqs) == 0 {
		it.skipped = true
	}
	p.tracker.AddRequests(len(reqs))
	return it, reqs, altIdx
}

// annotatable rejects ALT alleles no sequence model can score: same as
// REF, spanning deletions, symbolic alleles and breakends.
func annotatable(ref, alt string) bool {
	if alt == "" || alt == ref || alt == "*" || alt == "." {
		return false
	}
	if strings.HasPrefix(alt, "<") || strings.ContainsAny(alt, "[]") {
		return false
	}
	return true
}

// shouldFlush bounds both buffering dimensions by WindowSize: pending
// requests, and buffered records, so a long stretch of records that derive
// no requests (capped tail, symbolic ALTs, malformed lines) still streams.
func (p *Pipeline) shouldFlush(w *window, incoming int) bool {
	if len(w.items) == 0 {
		return false
	}
	return len(w.reqs)+incoming > p.cfg.WindowSize || len(w.items) >= p.cfg.WindowSize
}

// flush resolves the window's requests and writes its records in input
// order. Batches internally complete in any order; the routing through
// owners keeps each score set on the allele that asked for it.
func (p *Pipeline) flush(ctx context.Context, w *window, out *vcf.Writer) error {
	if len(w.items) == 0 {
		return nil
	}
	if len(w.reqs) > 0 {
		results := p.orch.Resolve(ctx, w.reqs)
		for i, res := range results {
			o := w.owners[i]
			if res.Err != nil {
				o.it.altFailed[o.alt] = true
				p.log.Debug().Str("alt", o.it.rec.Alts[o.alt]).Err(res.Err).Msg("request failed")
				continue
			}
			o.it.altScores[o.alt] = res.Scores
		}
	}

	for _, it := range w.items {
		var err error
		switch {
		case it.raw != "":
			err = out.WriteLine(it.raw)
		case it.pass:
			err = out.WriteRecord(it.rec)
		default:
			p.annotate(it)
			err = out.WriteRecord(it.rec)
		}
		if err != nil {
			return fmt.Errorf("write output: %w", err)
		}
	}
	w.reset()
	return nil
}

// annotate fills the INFO column from resolved scores. Number=A columns get
// one value per ALT with "." for alleles that were skipped or failed.
func (p *Pipeline) annotate(it *item) {
	if it.mismatch {
		it.rec.AddFlag(refMismatchFlag)
	}
	if it.skipped {
		p.tracker.IncRecordSkipped()
		observability.IncRecord("skipped")
		return
	}

	resolved := false
	for _, s := range it.altScores {
		if s != nil {
			resolved = true
			break
		}
	}
	if !resolved {
		p.tracker.IncRecordSkipped()
		observability.IncRecord("skipped")
		return
	}

	for _, cat := range p.cfg.Categories {
		field, ok := infoFields[cat]
		if !ok {
			continue
		}
		vals := make([]string, len(it.rec.Alts))
		for ai := range it.rec.Alts {
			vals[ai] = "."
			if s := it.altScores[ai]; s != nil {
				if v, ok := s[cat]; ok {
					vals[ai] = strconv.FormatFloat(v, 'f', 4, 64)
				}
			}
		}
		it.rec.AddInfo(field.id, strings.Join(vals, ","))
	}
	p.tracker.IncRecordAnnotated()
	observability.IncRecord("annotated")
}

// writeHeader copies the input header through, injecting INFO declarations
// for the selected categories and provenance lines for the run.
func (p *Pipeline) writeHeader(in *vcf.Reader, out *vcf.Writer) error {
	for _, line := range in.Meta() {
		if err := out.WriteLine(line); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}
	lines := make([]string, 0, len(p.cfg.Categories)+4)
	for _, cat := range p.cfg.Categories {
		if field, ok := infoFields[cat]; ok {
			lines = append(lines, vcf.InfoHeaderLine(field.id, "A", "Float", field.desc))
		}
	}
	lines = append(lines,
		vcf.InfoHeaderLine(refMismatchFlag, "0", "Flag", "VCF REF disagrees with the reference assembly at this site"),
		vcf.MetaLine("varannoVersion", p.cfg.Version),
		vcf.MetaLine("varannoModel", p.cfg.Model),
		vcf.MetaLine("varannoWindow", strconv.Itoa(p.cfg.WindowBp)),
		vcf.MetaLine("varannoCategories", strings.Join(p.cfg.Categories, ",")),
	)
	for _, line := range lines {
		if err := out.WriteLine(line); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}
	if err := out.WriteLine(in.ColumnLine()); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	return nil
}

func (p *Pipeline) progress(read int) {
	snap := p.tracker.Snapshot()
	ev := p.log.Info().Int("records", read).
		Int64("annotated", snap.RecordsAnnotated).
		Int64("skipped", snap.RecordsSkipped)
	if p.cfg.MaxRecords > 0 {
		ev = ev.Str("progress", fmt.Sprintf("%.1f%%", float64(read)/float64(p.cfg.MaxRecords)*100))
	}
	ev.Msg("progress")
}

func (p *Pipeline) summary() {
	snap := p.tracker.Snapshot()
	p.log.Info().
		Int64("records_read", snap.RecordsRead).
		Int64("records_annotated", snap.RecordsAnnotated).
		Int64("records_skipped", snap.RecordsSkipped).
		Int64("records_capped", snap.RecordsCapped).
		Int64("multiallelic", snap.Multiallelic).
		Int64("requests", snap.Requests).
		Int64("cache_hits", snap.CacheHits).
		Int64("cache_misses", snap.CacheMisses).
		Str("cache_hit_rate", fmt.Sprintf("%.1f%%", snap.HitRate()*100)).
		Int64("oracle_calls", snap.OracleCalls).
		Int64("oracle_retries", snap.OracleRetries).
		Int64("request_failures", snap.RequestFailures).
		Str("success_rate", fmt.Sprintf("%.1f%%", snap.SuccessRate()*100)).
		Msg("run finished")
}
