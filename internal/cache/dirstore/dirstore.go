// Package dirstore stores cache entries as sharded JSON files under a
// root directory. Layout: <root>/<model>/<shard>/<fingerprint>.json,
// where shard is the first two hex characters of the fingerprint.
// Writes go to a temp file in the target directory and are renamed into
// place, so readers and concurrent runs never observe partial entries.
package dirstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"varanno/internal/cache"
)

const entryExt = ".json"

type Store struct {
	root string
}

func New(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("dirstore: root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("dirstore: create root %q: %w", root, err)
	}
	return &Store{root: root}, nil
}

// Root returns the backing directory.
func (s *Store) Root() string { return s.root }

func (s *Store) entryPath(key string) (string, error) {
	model, fp, ok := strings.Cut(key, "/")
	if !ok || model == "" || len(fp) < 2 || strings.ContainsAny(fp, "/\\") {
		return "", fmt.Errorf("dirstore: malformed key %q", key)
	}
	return filepath.Join(s.root, model, fp[:2], fp+entryExt), nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	p, err := s.entryPath(key)
	if err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("dirstore: read %q: %w", key, err)
	}
	return data, true, nil
}

func (s *Store) Put(ctx context.Context, key string, val []byte, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.entryPath(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("dirstore: create shard dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(p)+".tmp-*")
	if err != nil {
		return fmt.Errorf("dirstore: create temp entry: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(val); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("dirstore: write temp entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("dirstore: close temp entry: %w", err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("dirstore: rename entry into place: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	var first error
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		p, err := s.entryPath(key)
		if err != nil {
			if first == nil {
				first = err
			}
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			if first == nil {
				first = fmt.Errorf("dirstore: delete %q: %w", key, err)
			}
		}
	}
	return first
}

// PurgeModel removes the whole subtree for one model tag.
func (s *Store) PurgeModel(ctx context.Context, model string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	model = strings.TrimSpace(model)
	if model == "" || strings.ContainsAny(model, "/\\") {
		return 0, fmt.Errorf("dirstore: malformed model tag %q", model)
	}
	dir := filepath.Join(s.root, model)
	n := 0
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), entryExt) {
			n++
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("dirstore: scan model %q: %w", model, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return 0, fmt.Errorf("dirstore: purge model %q: %w", model, err)
	}
	return n, nil
}

func (s *Store) Close() error { return nil }

// Sweep walks the tree and removes entries that are expired or can no
// longer be parsed. It returns the number of entries removed.
func (s *Store) Sweep(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	err := s.walkEntries(ctx, func(path string, data []byte) error {
		var e cache.Entry
		if err := json.Unmarshal(data, &e); err != nil || e.Expired(now) {
			if rmErr := os.Remove(path); rmErr == nil || errors.Is(rmErr, fs.ErrNotExist) {
				removed++
			}
		}
		return nil
	})
	return removed, err
}

// Clear removes every entry under the root, keeping the root itself.
func (s *Store) Clear(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0, fmt.Errorf("dirstore: read root: %w", err)
	}
	n := 0
	for _, d := range entries {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if !d.IsDir() {
			continue
		}
		c, err := s.PurgeModel(ctx, d.Name())
		if err != nil {
			return n, err
		}
		n += c
	}
	return n, nil
}

// Stats summarizes the on-disk cache state for the admin tool.
type Stats struct {
	Entries    int            `json:"entries"`
	Expired    int            `json:"expired"`
	Corrupt    int            `json:"corrupt"`
	TotalBytes int64          `json:"total_bytes"`
	PerModel   map[string]int `json:"per_model"`
}

func (s *Store) Stats(ctx context.Context, now time.Time) (Stats, error) {
	st := Stats{PerModel: map[string]int{}}
	err := s.walkEntries(ctx, func(path string, data []byte) error {
		st.Entries++
		st.TotalBytes += int64(len(data))
		rel, err := filepath.Rel(s.root, path)
		if err == nil {
			if model, _, ok := strings.Cut(filepath.ToSlash(rel), "/"); ok {
				st.PerModel[model]++
			}
		}
		var e cache.Entry
		if err := json.Unmarshal(data, &e); err != nil {
			st.Corrupt++
			return nil
		}
		if e.Expired(now) {
			st.Expired++
		}
		return nil
	})
	return st, err
}

func (s *Store) walkEntries(ctx context.Context, visit func(path string, data []byte) error) error {
	return filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), entryExt) {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			// entry vanished under us, a concurrent run owns it now
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		return visit(path, data)
	})
}
