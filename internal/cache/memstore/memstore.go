// Package memstore keeps cache entries in a bounded in-memory LRU. It
// backs tests and single-shot runs where persisting predictions across
// processes is not wanted.
package memstore

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const defaultSize = 8192

type Store struct {
	l *expirable.LRU[string, []byte]
}

// New builds a store holding at most size entries. The LRU expiry is
// uniform per store; the envelope deadline checked by the policy layer
// stays authoritative.
func New(size int, ttl time.Duration) *Store {
	if size <= 0 {
		size = defaultSize
	}
	return &Store{l: expirable.NewLRU[string, []byte](size, nil, ttl)}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	v, ok := s.l.Get(key)
	return v, ok, nil
}

func (s *Store) Put(ctx context.Context, key string, val []byte, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp := make([]byte, len(val))
	copy(cp, val)
	s.l.Add(key, cp)
	return nil
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, k := range keys {
		s.l.Remove(k)
	}
	return nil
}

func (s *Store) PurgeModel(ctx context.Context, model string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	prefix := model + "/"
	n := 0
	for _, k := range s.l.Keys() {
		if strings.HasPrefix(k, prefix) {
			if s.l.Remove(k) {
				n++
			}
		}
	}
	return n, nil
}

func (s *Store) Len() int { return s.l.Len() }

func (s *Store) Close() error {
	s.l.Purge()
	return nil
}
