// Package fingerprint derives deterministic cache keys from oracle
// requests.
package fingerprint

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"varanno/internal/oracle"
)

// Fingerprint is the 16-char lowercase hex digest of one normalized
// request. Requests with the same semantic content share a fingerprint
// regardless of allele casing, stray whitespace or category order.
type Fingerprint string

// ForRequest computes the fingerprint of req under the given model tag.
// The tag is part of the digest, so scores from different model versions
// never collide.
func ForRequest(model string, req oracle.Request) Fingerprint {
	sum := xxhash.Sum64String(canonical(model, req))
	return Fingerprint(fmt.Sprintf("%016x", sum))
}

func canonical(model string, req oracle.Request) string {
	cats := normalizeCategories(req.Categories)

	var b strings.Builder
	b.Grow(len(req.Sequence) + 96)
	b.WriteString("model=")
	b.WriteString(NormalizeModel(model))
	b.WriteString("|chrom=")
	b.WriteString(strings.TrimSpace(req.Chrom))
	fmt.Fprintf(&b, "|pos=%d", req.Pos)
	b.WriteString("|ref=")
	b.WriteString(strings.ToUpper(strings.TrimSpace(req.Ref)))
	b.WriteString("|alt=")
	b.WriteString(strings.ToUpper(strings.TrimSpace(req.Alt)))
	fmt.Fprintf(&b, "|start=%d", req.SeqStart)
	b.WriteString("|seq=")
	b.WriteString(strings.ToUpper(strings.TrimSpace(req.Sequence)))
	b.WriteString("|cats=")
	b.WriteString(strings.Join(cats, ","))
	return b.String()
}

func normalizeCategories(cats []string) []string {
	if len(cats) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(cats))
	out := make([]string, 0, len(cats))
	for _, c := range cats {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// StorageKey prefixes the fingerprint with the normalized model tag so
// one model's entries can be purged without touching another's.
func StorageKey(model string, fp Fingerprint) string {
	return NormalizeModel(model) + "/" + string(fp)
}

// Shard returns the directory shard for a fingerprint, its first two
// hex characters.
func Shard(fp Fingerprint) string {
	if len(fp) < 2 {
		return "00"
	}
	return string(fp[:2])
}

// NormalizeModel lowercases the model tag and maps it onto a charset
// safe for both directory names and redis key segments.
func NormalizeModel(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "default"
	}
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
			out = '_'
		case isAlphaNum(r) || r == '_' || r == '-':
			out = r
		default:
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		unicode.IsDigit(r)
}
