// Package refseq provides random access to a reference genome stored as an
// uncompressed FASTA file. Lookups go through a faidx-style index, read from
// a .fai sidecar when one exists and built by a single scan otherwise, so a
// whole-genome reference is never held in memory.
package refseq

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

var (
	ErrUnknownChromosome = errors.New("chromosome not found in reference")
	ErrOutOfRange        = errors.New("coordinates out of range")
)

// contig is one indexed sequence: where its bases start in the file and how
// they are wrapped. Offsets follow the samtools faidx layout.
type contig struct {
	name      string
	length    int64
	offset    int64
	lineBases int64
	lineWidth int64
}

// Genome is an opened reference. Reads use ReadAt on the underlying file and
// are safe for concurrent use.
type Genome struct {
	f       *os.File
	contigs map[string]contig
	alias   map[string]string
	order   []string
}

// Open opens a FASTA reference. A <path>.fai sidecar is used when present;
// otherwise the file is scanned once to build the index, which requires
// uniform line lengths within each record (the faidx constraint).
func Open(path string) (*Genome, error) {
	if strings.HasSuffix(path, ".gz") {
		return nil, fmt.Errorf("reference %s: gzip input is not seekable, decompress it first", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open reference: %w", err)
	}
	g := &Genome{
		f:       f,
		contigs: make(map[string]contig),
		alias:   make(map[string]string),
	}
	sidecar := path + ".fai"
	if st, err := os.Stat(sidecar); err == nil && !st.IsDir() {
		err = g.loadIndex(sidecar)
		if err != nil {
			f.Close()
			return nil, err
		}
	} else if err := g.scanIndex(); err != nil {
		f.Close()
		return nil, err
	}
	if len(g.order) == 0 {
		f.Close()
		return nil, fmt.Errorf("reference %s: no sequences found", path)
	}
	g.buildAliases()
	return g, nil
}

func (g *Genome) Close() error {
	return g.f.Close()
}

// Names returns the contig names in file order.
func (g *Genome) Names() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Length reports the base count of a chromosome, resolving aliases.
func (g *Genome) Length(chrom string) (int64, error) {
	c, err := g.lookup(chrom)
	if err != nil {
		return 0, err
	}
	return c.length, nil
}

// Resolve maps an accepted chromosome spelling to the reference's own name.
func (g *Genome) Resolve(chrom string) (string, error) {
	c, err := g.lookup(chrom)
	if err != nil {
		return "", err
	}
	return c.name, nil
}

// Sequence extracts [start, end) in 0-based coordinates, uppercased.
func (g *Genome) Sequence(chrom string, start, end int64) (string, error) {
	c, err := g.lookup(chrom)
	if err != nil {
		return "", err
	}
	if err := checkRange(c, start, end); err != nil {
		return "", err
	}

	lo := c.offset + (start/c.lineBases)*c.lineWidth + start%c.lineBases
	hi := c.offset + ((end-1)/c.lineBases)*c.lineWidth + (end-1)%c.lineBases + 1
	raw := make([]byte, hi-lo)
	n, err := g.f.ReadAt(raw, lo)
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read %s:%d-%d: %w", c.name, start, end, err)
	}

	seq := make([]byte, 0, end-start)
	for _, b := range raw[:n] {
		if b == '\n' || b == '\r' {
			continue
		}
		seq = append(seq, b)
	}
	if int64(len(seq)) != end-start {
		return "", fmt.Errorf("read %s:%d-%d: got %d bases, want %d (stale index?)",
			c.name, start, end, len(seq), end-start)
	}
	return strings.ToUpper(string(seq)), nil
}

// Window is the sequence context around one variant position.
type Window struct {
	Sequence   string
	Start      int64 // 0-based start of Sequence on the chromosome
	VariantPos int   // index of the variant base within Sequence
	ActualRef  string
	RefMatches bool
}

// ContextWindow extracts a window of roughly size bases centered on a
// 1-based position. A window overrunning the chromosome end is re-anchored
// to keep its width; one underrunning the start is truncated. ActualRef
// holds the reference bases found at the position; a disagreement with ref
// is reported through RefMatches, never as an error.
func (g *Genome) ContextWindow(chrom string, pos int64, ref string, size int) (Window, error) {
	if size <= 0 {
		return Window{}, fmt.Errorf("window size must be positive, got %d", size)
	}
	c, err := g.lookup(chrom)
	if err != nil {
		return Window{}, err
	}
	pos0 := pos - 1
	if pos0 < 0 || pos0 >= c.length {
		return Window{}, fmt.Errorf("%w: position %d on %s (length %d)", ErrOutOfRange, pos, c.name, c.length)
	}

	half := int64(size / 2)
	start := pos0 - half
	if start < 0 {
		start = 0
	}
	end := pos0 + half
	if end <= pos0 {
		end = pos0 + 1
	}
	if end > c.length {
		end = c.length
		start = end - int64(size)
		if start < 0 {
			start = 0
		}
	}

	seq, err := g.Sequence(c.name, start, end)
	if err != nil {
		return Window{}, err
	}

	vp := int(pos0 - start)
	stop := vp + len(ref)
	if stop > len(seq) {
		stop = len(seq)
	}
	actual := seq[vp:stop]
	return Window{
		Sequence:   seq,
		Start:      start,
		VariantPos: vp,
		ActualRef:  actual,
		RefMatches: strings.EqualFold(actual, ref),
	}, nil
}

func (g *Genome) lookup(chrom string) (contig, error) {
	name := strings.TrimSpace(chrom)
	if c, ok := g.contigs[name]; ok {
		return c, nil
	}
	if canon, ok := g.alias[name]; ok {
		return g.contigs[canon], nil
	}
	return contig{}, fmt.Errorf("%w: %q", ErrUnknownChromosome, chrom)
}

func checkRange(c contig, start, end int64) error {
	switch {
	case start < 0:
		return fmt.Errorf("%w: start %d is negative", ErrOutOfRange, start)
	case end <= start:
		return fmt.Errorf("%w: end %d not after start %d", ErrOutOfRange, end, start)
	case start >= c.length:
		return fmt.Errorf("%w: start %d exceeds %s length %d", ErrOutOfRange, start, c.name, c.length)
	case end > c.length:
		return fmt.Errorf("%w: end %d exceeds %s length %d", ErrOutOfRange, end, c.name, c.length)
	}
	return nil
}

// loadIndex reads a samtools .fai sidecar: name, length, offset, line bases,
// line width, tab separated.
func (g *Genome) loadIndex(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open faidx: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 5 {
			return fmt.Errorf("faidx %s: malformed line %q", path, line)
		}
		var c contig
		c.name = fields[0]
		nums := [4]*int64{&c.length, &c.offset, &c.lineBases, &c.lineWidth}
		for i, dst := range nums {
			v, err := strconv.ParseInt(fields[i+1], 10, 64)
			if err != nil {
				return fmt.Errorf("faidx %s: bad field %q: %w", path, fields[i+1], err)
			}
			*dst = v
		}
		if c.lineBases <= 0 || c.lineWidth < c.lineBases {
			return fmt.Errorf("faidx %s: implausible layout for %q", path, c.name)
		}
		if _, dup := g.contigs[c.name]; dup {
			return fmt.Errorf("faidx %s: duplicate sequence %q", path, c.name)
		}
		g.contigs[c.name] = c
		g.order = append(g.order, c.name)
	}
	return sc.Err()
}

// scanIndex builds the index by reading the FASTA once, tracking byte
// offsets. Within a record every line except the last must have the same
// width or the offset arithmetic breaks, so ragged input is rejected.
func (g *Genome) scanIndex() error {
	if _, err := g.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek reference: %w", err)
	}
	br := bufio.NewReaderSize(g.f, 1<<20)

	var (
		offset    int64
		cur       *contig
		lastShort bool
	)
	flush := func() {
		if cur == nil {
			return
		}
		if cur.lineBases == 0 {
			cur.lineBases, cur.lineWidth = 1, 2
		}
		g.contigs[cur.name] = *cur
		g.order = append(g.order, cur.name)
		cur = nil
	}

	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			switch {
			case line[0] == '>':
				flush()
				name := headerName(line[1:])
				if name == "" {
					return fmt.Errorf("reference: empty sequence header at byte %d", offset)
				}
				if _, dup := g.contigs[name]; dup {
					return fmt.Errorf("reference: duplicate sequence %q", name)
				}
				cur = &contig{name: name, offset: offset + int64(len(line))}
				lastShort = false
			case cur != nil:
				trimmed := bytes.TrimRight(line, "\r\n")
				if len(trimmed) == 0 {
					lastShort = true
					break
				}
				if lastShort {
					return fmt.Errorf("reference: ragged line lengths in %q, reindex with samtools faidx", cur.name)
				}
				if cur.lineBases == 0 {
					cur.lineBases = int64(len(trimmed))
					cur.lineWidth = int64(len(line))
				}
				switch {
				case int64(len(trimmed)) == cur.lineBases:
				case int64(len(trimmed)) < cur.lineBases:
					lastShort = true
				default:
					return fmt.Errorf("reference: line wider than the first in %q", cur.name)
				}
				cur.length += int64(len(trimmed))
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("scan reference: %w", err)
		}
		offset += int64(len(line))
	}
	flush()
	return nil
}

func headerName(hdr []byte) string {
	hdr = bytes.TrimSpace(hdr)
	if i := bytes.IndexAny(hdr, " \t"); i >= 0 {
		hdr = hdr[:i]
	}
	return string(hdr)
}

// buildAliases registers the usual alternate spellings for every contig so
// VCFs indexed against a differently named assembly still resolve: chr
// prefixes both ways, plus the numeric X/Y/M/MT equivalences. A spelling
// already taken by a real contig is never shadowed.
func (g *Genome) buildAliases() {
	for _, name := range g.order {
		for _, v := range nameVariants(name) {
			if v == name {
				continue
			}
			if _, taken := g.contigs[v]; taken {
				continue
			}
			if _, taken := g.alias[v]; taken {
				continue
			}
			g.alias[v] = name
		}
	}
}

func nameVariants(name string) []string {
	seen := map[string]struct{}{name: {}}
	add := func(s string) {
		seen[s] = struct{}{}
	}
	bare := strings.TrimPrefix(name, "chr")
	add(bare)
	add("chr" + bare)
	switch bare {
	case "23":
		add("X")
		add("chrX")
	case "24":
		add("Y")
		add("chrY")
	case "25":
		add("M")
		add("MT")
		add("chrM")
		add("chrMT")
	case "X":
		add("23")
		add("chr23")
	case "Y":
		add("24")
		add("chr24")
	case "M":
		add("25")
		add("MT")
		add("chr25")
		add("chrMT")
	case "MT":
		add("25")
		add("M")
		add("chr25")
		add("chrM")
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	return out
}
