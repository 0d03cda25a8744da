// Package vcf reads and writes VCF files as a line stream: meta headers are
// carried verbatim, data lines are split into the eight fixed columns plus an
// opaque tail, and malformed lines surface as per-record errors so one bad
// row never kills a run.
package vcf

import (
	"bufio"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

const maxLineBytes = 8 << 20

// Record is one data line. Rest holds FORMAT and sample columns untouched.
type Record struct {
	Chrom  string
	Pos    int64
	ID     string
	Ref    string
	Alts   []string
	Qual   string
	Filter string
	Info   string
	Rest   []string
}

// AddInfo appends key=value to the INFO column, replacing a bare ".".
func (r *Record) AddInfo(key, value string) {
	r.addInfoEntry(key + "=" + value)
}

// AddFlag appends a valueless INFO flag.
func (r *Record) AddFlag(key string) {
	if r.HasInfo(key) {
		return
	}
	r.addInfoEntry(key)
}

func (r *Record) addInfoEntry(entry string) {
	if r.Info == "" || r.Info == "." {
		r.Info = entry
		return
	}
	r.Info += ";" + entry
}

// HasInfo reports whether the INFO column already carries key, either as a
// flag or with a value.
func (r *Record) HasInfo(key string) bool {
	if r.Info == "" || r.Info == "." {
		return false
	}
	for _, part := range strings.Split(r.Info, ";") {
		if part == key || strings.HasPrefix(part, key+"=") {
			return true
		}
	}
	return false
}

// ParseError marks one unusable data line. The raw line is kept so callers
// can pass it through to the output unchanged.
type ParseError struct {
	LineNum int
	Line    string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("vcf line %d: %v", e.LineNum, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Reader streams records from an uncompressed or gzipped VCF.
type Reader struct {
	rc   io.ReadCloser
	sc   *bufio.Scanner
	meta []string
	cols string
	line int
}

// Open opens path, with "-" reading stdin. Gzip input is detected by magic
// number or a .gz suffix. The header block is consumed eagerly.
func Open(path string) (*Reader, error) {
	rc, err := openInput(path)
	if err != nil {
		return nil, err
	}
	r, err := NewReader(rc)
	if err != nil {
		rc.Close()
		return nil, err
	}
	return r, nil
}

// NewReader parses the header block from r and leaves the stream positioned
// at the first data line.
func NewReader(r io.Reader) (*Reader, error) {
	rc, ok := r.(io.ReadCloser)
	if !ok {
		rc = io.NopCloser(r)
	}
	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)

	rd := &Reader{rc: rc, sc: sc}
	for sc.Scan() {
		rd.line++
		text := sc.Text()
		switch {
		case strings.HasPrefix(text, "##"):
			rd.meta = append(rd.meta, text)
		case strings.HasPrefix(text, "#"):
			rd.cols = text
			return rd, nil
		case strings.TrimSpace(text) == "":
		default:
			return nil, fmt.Errorf("vcf: data line before #CHROM header at line %d", rd.line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("vcf: read header: %w", err)
	}
	if rd.cols == "" {
		return nil, errors.New("vcf: missing #CHROM header line")
	}
	return rd, nil
}

// Meta returns the ## header lines in input order.
func (r *Reader) Meta() []string { return r.meta }

// ColumnLine returns the #CHROM header line.
func (r *Reader) ColumnLine() string { return r.cols }

// Next returns the next record, io.EOF at end of input, or a *ParseError
// for a malformed line. After a *ParseError the stream stays usable.
func (r *Reader) Next() (*Record, error) {
	for r.sc.Scan() {
		r.line++
		text := r.sc.Text()
		if strings.TrimSpace(text) == "" || strings.HasPrefix(text, "#") {
			continue
		}
		rec, err := parseRecord(text)
		if err != nil {
			return nil, &ParseError{LineNum: r.line, Line: text, Err: err}
		}
		return rec, nil
	}
	if err := r.sc.Err(); err != nil {
		return nil, fmt.Errorf("vcf: scan: %w", err)
	}
	return nil, io.EOF
}

func (r *Reader) Close() error { return r.rc.Close() }

func parseRecord(line string) (*Record, error) {
	fields := strings.Split(line, "\t")
	if len(fields) < 8 {
		return nil, fmt.Errorf("%d columns, want at least 8", len(fields))
	}
	if fields[0] == "" {
		return nil, errors.New("empty CHROM")
	}
	pos, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad POS %q", fields[1])
	}
	if pos <= 0 {
		return nil, fmt.Errorf("POS %d out of range", pos)
	}
	if fields[3] == "" {
		return nil, errors.New("empty REF")
	}

	var alts []string
	if fields[4] != "" && fields[4] != "." {
		alts = strings.Split(fields[4], ",")
	}
	return &Record{
		Chrom:  fields[0],
		Pos:    pos,
		ID:     fields[2],
		Ref:    fields[3],
		Alts:   alts,
		Qual:   fields[5],
		Filter: fields[6],
		Info:   fields[7],
		Rest:   fields[8:],
	}, nil
}

// Writer emits VCF lines, gzipping when the target path ends in .gz.
type Writer struct {
	bw *bufio.Writer
	gz *gzip.Writer
	c  io.Closer
}

// Create opens path for writing, with "-" writing to stdout.
func Create(path string) (*Writer, error) {
	if path == "-" {
		return NewWriter(os.Stdout), nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create output: %w", err)
	}
	if strings.HasSuffix(path, ".gz") {
		gz := gzip.NewWriter(f)
		return &Writer{bw: bufio.NewWriter(gz), gz: gz, c: f}, nil
	}
	return &Writer{bw: bufio.NewWriter(f), c: f}, nil
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{bw: bufio.NewWriter(w)}
}

// WriteLine writes one raw line, terminating it.
func (w *Writer) WriteLine(s string) error {
	if _, err := w.bw.WriteString(s); err != nil {
		return err
	}
	return w.bw.WriteByte('\n')
}

// WriteRecord serializes rec back to its tab-separated form.
func (w *Writer) WriteRecord(rec *Record) error {
	cols := make([]string, 0, 8+len(rec.Rest))
	cols = append(cols,
		rec.Chrom,
		strconv.FormatInt(rec.Pos, 10),
		orDot(rec.ID),
		rec.Ref,
		altColumn(rec.Alts),
		orDot(rec.Qual),
		orDot(rec.Filter),
		orDot(rec.Info),
	)
	cols = append(cols, rec.Rest...)
	return w.WriteLine(strings.Join(cols, "\t"))
}

func (w *Writer) Flush() error { return w.bw.Flush() }

func (w *Writer) Close() error {
	if err := w.bw.Flush(); err != nil {
		return err
	}
	if w.gz != nil {
		if err := w.gz.Close(); err != nil {
			return err
		}
	}
	if w.c != nil {
		return w.c.Close()
	}
	return nil
}

func orDot(s string) string {
	if s == "" {
		return "."
	}
	return s
}

func altColumn(alts []string) string {
	if len(alts) == 0 {
		return "."
	}
	return strings.Join(alts, ",")
}

// InfoHeaderLine renders a ##INFO meta line.
func InfoHeaderLine(id, number, typ, desc string) string {
	return fmt.Sprintf("##INFO=<ID=%s,Number=%s,Type=%s,Description=%q>", id, number, typ, desc)
}

// MetaLine renders a simple ##key=value meta line.
func MetaLine(key, value string) string {
	return fmt.Sprintf("##%s=%s", key, value)
}

type multiReadCloser struct {
	io.Reader
	closers []io.Closer
}

func (m *multiReadCloser) Close() error {
	var err error
	for _, c := range m.closers {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// openInput handles "-" for stdin and sniffs gzip by magic number or by a
// .gz suffix.
func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	var sig [2]byte
	n, _ := fh.Read(sig[:])
	if _, err := fh.Seek(0, io.SeekStart); err != nil {
		_ = fh.Close()
		return nil, err
	}
	if (n == 2 && sig[0] == 0x1f && sig[1] == 0x8b) || strings.HasSuffix(path, ".gz") {
		gr, err := gzip.NewReader(fh)
		if err != nil {
			_ = fh.Close()
			return nil, err
		}
		return &multiReadCloser{Reader: gr, closers: []io.Closer{gr, fh}}, nil
	}
	return fh, nil
}
