package kafka

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// versionDedupe remembers the highest event version applied per target
// so redelivered and reordered events are not applied twice. Checking
// and recording are separate steps: a version is recorded only after
// the purge it gates has succeeded, so a failed delete stays eligible
// on redelivery.
type versionDedupe struct {
	mu  sync.Mutex
	lru *lru.Cache[string, uint64]
}

func newVersionDedupe(size int) *versionDedupe {
	if size <= 0 {
		size = 4096
	}
	c, _ := lru.New[string, uint64](size)
	return &versionDedupe{lru: c}
}

func (d *versionDedupe) wouldApply(target string, v uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	last, ok := d.lru.Get(target)
	return !ok || v > last
}

func (d *versionDedupe) record(target string, v uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.lru.Get(target); ok && v <= last {
		return
	}
	d.lru.Add(target, v)
}
