//go:build !js

package main

import (
	"sync"

	"catalog-harvest/adapters"
)

// ───────── Deduplicating aggregator ─────────
//
// The seen-set is the single source of truth for "already written to the
// aggregate". Check, insert, and emission happen under one lock hold per
// record, so two concurrent ingests can never both observe a key absent and
// both emit. The set grows monotonically for the life of the run; it is
// seeded from a pre-existing aggregate only in append mode.

// Aggregator merges page results into the unique product stream.
type Aggregator struct {
	mu      sync.Mutex
	seen    map[string]struct{}
	sink    *AggregateWriter
	collect bool // retain fresh records for the DB sink / print-new
	kept    []adapters.ProductRecord
	unique  int
	dupes   int
}

func NewAggregator(sink *AggregateWriter, collect bool) *Aggregator {
	return &Aggregator{
		seen:    make(map[string]struct{}),
		sink:    sink,
		collect: collect,
	}
}

// SeedKeys marks keys as already emitted without re-writing them. Returns
// the number of new marks.
func (a *Aggregator) SeedKeys(keys []string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := a.seen[k]; !ok {
			a.seen[k] = struct{}{}
			n++
		}
	}
	return n
}

// Ingest feeds one successful page into the dedup set. Fresh records are
// appended to the aggregate before the lock is released; duplicates are
// counted and discarded silently (per-record logging would flood at scale).
// A sink error aborts the page mid-way and unwinds the failed key so the
// record is not marked emitted when it never reached the file.
func (a *Aggregator) Ingest(res adapters.PageResult) (fresh, dup int, err error) {
	for _, rec := range res.Products {
		a.mu.Lock()
		if _, ok := a.seen[rec.Key]; ok {
			a.dupes++
			dup++
			a.mu.Unlock()
			continue
		}
		a.seen[rec.Key] = struct{}{}
		if werr := a.sink.Append(rec); werr != nil {
			delete(a.seen, rec.Key)
			a.mu.Unlock()
			return fresh, dup, werr
		}
		a.unique++
		fresh++
		if a.collect {
			a.kept = append(a.kept, rec)
		}
		a.mu.Unlock()
	}
	return fresh, dup, nil
}

// Kept returns the retained fresh records (collect mode only).
func (a *Aggregator) Kept() []adapters.ProductRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.kept
}

// Totals snapshots the unique / duplicate counters.
func (a *Aggregator) Totals() (unique, dupes int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.unique, a.dupes
}
