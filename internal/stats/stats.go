// Package stats tracks per-run counters for the annotation pipeline.
// Counters are advisory: they feed the end-of-run summary and metrics,
// never control flow.
package stats

import "sync/atomic"

type Tracker struct {
	recordsRead      atomic.Int64
	recordsAnnotated atomic.Int64
	recordsSkipped   atomic.Int64
	recordsCapped    atomic.Int64
	multiallelic     atomic.Int64
	requests         atomic.Int64
	cacheHits        atomic.Int64
	cacheMisses      atomic.Int64
	cacheExpired     atomic.Int64
	cacheWriteErrors atomic.Int64
	cacheWriteSkips  atomic.Int64
	oracleCalls      atomic.Int64
	oracleRetries    atomic.Int64
	requestFailures  atomic.Int64
}

func New() *Tracker {
	return &Tracker{}
}

func (t *Tracker) IncRecordRead()      { t.recordsRead.Add(1) }
func (t *Tracker) IncRecordAnnotated() { t.recordsAnnotated.Add(1) }
func (t *Tracker) IncRecordSkipped()   { t.recordsSkipped.Add(1) }
func (t *Tracker) IncRecordCapped()    { t.recordsCapped.Add(1) }
func (t *Tracker) IncMultiallelic()    { t.multiallelic.Add(1) }
func (t *Tracker) AddRequests(n int)   { t.requests.Add(int64(n)) }

func (t *Tracker) AddCacheHits(n int)   { t.cacheHits.Add(int64(n)) }
func (t *Tracker) AddCacheMisses(n int) { t.cacheMisses.Add(int64(n)) }
func (t *Tracker) IncCacheExpired()     { t.cacheExpired.Add(1) }
func (t *Tracker) IncCacheWriteError()  { t.cacheWriteErrors.Add(1) }
func (t *Tracker) IncCacheWriteSkip()   { t.cacheWriteSkips.Add(1) }

func (t *Tracker) IncOracleCall()           { t.oracleCalls.Add(1) }
func (t *Tracker) IncOracleRetry()          { t.oracleRetries.Add(1) }
func (t *Tracker) AddRequestFailures(n int) { t.requestFailures.Add(int64(n)) }

// Snapshot is a point-in-time copy of all counters, safe to read after
// the run has finished.
type Snapshot struct {
	RecordsRead      int64 `json:"records_read"`
	RecordsAnnotated int64 `json:"records_annotated"`
	RecordsSkipped   int64 `json:"records_skipped"`
	RecordsCapped    int64 `json:"records_capped"`
	Multiallelic     int64 `json:"multiallelic"`
	Requests         int64 `json:"requests"`
	CacheHits        int64 `json:"cache_hits"`
	CacheMisses      int64 `json:"cache_misses"`
	CacheExpired     int64 `json:"cache_expired"`
	CacheWriteErrors int64 `json:"cache_write_errors"`
	CacheWriteSkips  int64 `json:"cache_write_skips"`
	OracleCalls      int64 `json:"oracle_calls"`
	OracleRetries    int64 `json:"oracle_retries"`
	RequestFailures  int64 `json:"request_failures"`
}

func (t *Tracker) Snapshot() Snapshot {
	return Snapshot{
		RecordsRead:      t.recordsRead.Load(),
		RecordsAnnotated: t.recordsAnnotated.Load(),
		RecordsSkipped:   t.recordsSkipped.Load(),
		RecordsCapped:    t.recordsCapped.Load(),
		Multiallelic:     t.multiallelic.Load(),
		Requests:         t.requests.Load(),
		CacheHits:        t.cacheHits.Load(),
		CacheMisses:      t.cacheMisses.Load(),
		CacheExpired:     t.cacheExpired.Load(),
		CacheWriteErrors: t.cacheWriteErrors.Load(),
		CacheWriteSkips:  t.cacheWriteSkips.Load(),
		OracleCalls:      t.oracleCalls.Load(),
		OracleRetries:    t.oracleRetries.Load(),
		RequestFailures:  t.requestFailures.Load(),
	}
}

// HitRate is the fraction of requests served from cache, 0 when no
// lookup happened.
func (s Snapshot) HitRate() float64 {
	total := s.CacheHits + s.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(total)
}

// SuccessRate is the fraction of derived requests that resolved to
// scores, 0 when no request was derived.
func (s Snapshot) SuccessRate() float64 {
	if s.Requests == 0 {
		return 0
	}
	return float64(s.Requests-s.RequestFailures) / float64(s.Requests)
}
