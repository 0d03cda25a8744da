package vcf

import (
	"bytes"
	"compress/gzip"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleVCF = `##fileformat=VCFv4.2
##contig=<ID=chr1,length=248956422>
#CHROM	POS	ID	REF	ALT	QUAL	FILTER	INFO
chr1	1000	rs1	A	T	50	PASS	DP=10
chr1	2000	.	C	G,GT	.	.	.
chr1	3000	rs3	G	A	99	PASS	DP=7;AF=0.5	GT	0/1
`

func newSampleReader(t *testing.T) *Reader {
	t.Helper()
	r, err := NewReader(strings.NewReader(sampleVCF))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	return r
}

func TestReader_HeaderAndRecords(t *testing.T) {
	r := newSampleReader(t)

	if len(r.Meta()) != 2 || !strings.HasPrefix(r.Meta()[0], "##fileformat") {
		t.Errorf("Meta() = %v", r.Meta())
	}
	if !strings.HasPrefix(r.ColumnLine(), "#CHROM") {
		t.Errorf("ColumnLine() = %q", r.ColumnLine())
	}

	rec, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if rec.Chrom != "chr1" || rec.Pos != 1000 || rec.ID != "rs1" || rec.Ref != "A" {
		t.Errorf("record 1 = %+v", rec)
	}
	if len(rec.Alts) != 1 || rec.Alts[0] != "T" {
		t.Errorf("record 1 alts = %v", rec.Alts)
	}

	rec, err = r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.Alts) != 2 || rec.Alts[0] != "G" || rec.Alts[1] != "GT" {
		t.Errorf("multiallelic alts = %v", rec.Alts)
	}
	if rec.Info != "." {
		t.Errorf("record 2 info = %q", rec.Info)
	}

	rec, err = r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.Rest) != 2 || rec.Rest[0] != "GT" || rec.Rest[1] != "0/1" {
		t.Errorf("sample columns not preserved: %v", rec.Rest)
	}

	if _, err := r.Next(); err != io.EOF {
		t.Errorf("want io.EOF, got %v", err)
	}
}

func TestReader_MalformedLineIsIsolated(t *testing.T) {
	in := "##fileformat=VCFv4.2\n" +
		"#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO\n" +
		"chr1\t100\t.\tA\tT\t.\t.\t.\n" +
		"chr1\tnot-a-number\t.\tA\tT\t.\t.\t.\n" +
		"chr1\t300\t.\tC\tG\t.\t.\t.\n"
	r, err := NewReader(strings.NewReader(in))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := r.Next(); err != nil {
		t.Fatal(err)
	}

	_, err = r.Next()
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("want *ParseError, got %v", err)
	}
	if pe.LineNum != 4 || !strings.Contains(pe.Line, "not-a-number") {
		t.Errorf("ParseError = %+v", pe)
	}

	rec, err := r.Next()
	if err != nil {
		t.Fatalf("stream must continue past a bad line: %v", err)
	}
	if rec.Pos != 300 {
		t.Errorf("post-error record pos = %d, want 300", rec.Pos)
	}
}

func TestReader_RejectsMissingHeader(t *testing.T) {
	_, err := NewReader(strings.NewReader("chr1\t100\t.\tA\tT\t.\t.\t.\n"))
	if err == nil {
		t.Fatal("data before #CHROM must be rejected")
	}
	_, err = NewReader(strings.NewReader("##fileformat=VCFv4.2\n"))
	if err == nil {
		t.Fatal("missing #CHROM line must be rejected")
	}
}

func TestParseRecord_FieldValidation(t *testing.T) {
	for _, line := range []string{
		"chr1\t100\t.\tA",
		"chr1\t0\t.\tA\tT\t.\t.\t.",
		"chr1\t-5\t.\tA\tT\t.\t.\t.",
		"\t100\t.\tA\tT\t.\t.\t.",
		"chr1\t100\t.\t\tT\t.\t.\t.",
	} {
		if _, err := parseRecord(line); err == nil {
			t.Errorf("parseRecord(%q) succeeded, want error", line)
		}
	}
}

func TestWriteRecord_RoundTrip(t *testing.T) {
	r := newSampleReader(t)
	var buf bytes.Buffer
	w := NewWriter(&buf)

	wantLines := []string{
		"chr1\t1000\trs1\tA\tT\t50\tPASS\tDP=10",
		"chr1\t2000\t.\tC\tG,GT\t.\t.\t.",
		"chr1\t3000\trs3\tG\tA\t99\tPASS\tDP=7;AF=0.5\tGT\t0/1",
	}
	for range wantLines {
		rec, err := r.Next()
		if err != nil {
			t.Fatal(err)
		}
		if err := w.WriteRecord(rec); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}

	got := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	for i, want := range wantLines {
		if got[i] != want {
			t.Errorf("line %d:\n got %q\nwant %q", i+1, got[i], want)
		}
	}
}

func TestRecord_InfoMutation(t *testing.T) {
	rec := &Record{Info: "."}
	rec.AddInfo("VA_EXPR", "0.8123,.")
	if rec.Info != "VA_EXPR=0.8123,." {
		t.Errorf("info = %q", rec.Info)
	}
	rec.AddInfo("VA_SPLICE", "0.1000,.")
	if rec.Info != "VA_EXPR=0.8123,.;VA_SPLICE=0.1000,." {
		t.Errorf("info = %q", rec.Info)
	}

	rec.AddFlag("VA_REFMISMATCH")
	rec.AddFlag("VA_REFMISMATCH")
	if strings.Count(rec.Info, "VA_REFMISMATCH") != 1 {
		t.Errorf("flag added twice: %q", rec.Info)
	}

	if !rec.HasInfo("VA_EXPR") || !rec.HasInfo("VA_REFMISMATCH") {
		t.Error("HasInfo misses present keys")
	}
	if rec.HasInfo("VA_EXP") {
		t.Error("HasInfo must not prefix-match")
	}
}

func TestOpen_GzipInput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.vcf.gz")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	gz := gzip.NewWriter(f)
	if _, err := gz.Write([]byte(sampleVCF)); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open gzip: %v", err)
	}
	defer r.Close()

	rec, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if rec.Pos != 1000 {
		t.Errorf("pos = %d, want 1000", rec.Pos)
	}
}

func TestCreate_GzipOutputRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.vcf.gz")
	w, err := Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.WriteLine("##fileformat=VCFv4.2"); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteLine("#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO"); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteRecord(&Record{Chrom: "chr1", Pos: 42, Ref: "A", Alts: []string{"C"}}); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	rec, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if rec.Pos != 42 || rec.Alts[0] != "C" {
		t.Errorf("round-tripped record = %+v", rec)
	}
}

func TestInfoHeaderLine(t *testing.T) {
	got := InfoHeaderLine("VA_EXPR", "A", "Float", "expression impact score (0-1)")
	want := `##INFO=<ID=VA_EXPR,Number=A,Type=Float,Description="expression impact score (0-1)">`
	if got != want {
		t.Errorf("got  %q\nwant %q", got, want)
	}
	if MetaLine("varannoModel", "ag-v1") != "##varannoModel=ag-v1" {
		t.Error("MetaLine format")
	}
}
