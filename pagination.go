//go:build !js

package main

import (
	"sync"

	"catalog-harvest/adapters"
)

// ───────── Pagination controller ─────────
//
// State machine over the cursor sequence of one fixed (ordering, window)
// pair. Cursors are item offsets advancing by the page size; they are
// content-independent, so a dropped page never stalls the sequence. The
// controller is driven strictly by the continuation indicator of each
// terminal page outcome and never looks at upstream total counts. Lookahead
// is bounded by the callers: each scheduler slot holds at most one issued
// request, so at most ceiling-many pages are speculatively in flight past
// the last confirmed one.

type pageState int

const (
	pageInFlight pageState = iota
	pageDone
)

type paginatorStats struct {
	Issued    int
	Done      int
	Empty     int
	Dropped   int
	Exhausted bool
}

// Paginator issues PageRequests in cursor order and retires the sequence on
// the first terminal indicator. Safe for concurrent use.
type Paginator struct {
	mu         sync.Mutex
	ordering   adapters.Ordering
	window     adapters.Window
	size       int
	maxPages   int // safety cap on issued pages; 0 means uncapped
	nextOffset int
	states     map[int]pageState
	stats      paginatorStats
	exhausted  bool
}

func NewPaginator(ordering adapters.Ordering, window adapters.Window, size, maxPages int) *Paginator {
	return &Paginator{
		ordering: ordering,
		window:   window,
		size:     size,
		maxPages: maxPages,
		states:   make(map[int]pageState),
	}
}

// Next hands out the next pending request, marking it in-flight. ok is false
// once the sequence is exhausted or the safety cap is reached; callers stop
// pulling then.
func (pg *Paginator) Next() (adapters.PageRequest, bool) {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	if pg.exhausted {
		return adapters.PageRequest{}, false
	}
	if pg.maxPages > 0 && pg.stats.Issued >= pg.maxPages {
		return adapters.PageRequest{}, false
	}
	off := pg.nextOffset
	pg.nextOffset += pg.size
	pg.states[off] = pageInFlight
	pg.stats.Issued++
	return adapters.PageRequest{
		Ordering: pg.ordering,
		Window:   pg.window,
		Offset:   off,
		Size:     pg.size,
	}, true
}

// Complete records the terminal outcome of an issued page. Retryable
// outcomes never reach the controller; the scheduler owns the retry loop and
// reports only data, empty, or fatal.
func (pg *Paginator) Complete(res adapters.PageResult) {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	off := res.Request.Offset
	if st, ok := pg.states[off]; !ok || st != pageInFlight {
		return
	}
	pg.states[off] = pageDone

	switch res.Outcome {
	case adapters.OutcomeData:
		pg.stats.Done++
		if !res.HasMore {
			pg.exhausted = true
		}
	case adapters.OutcomeEmpty:
		pg.stats.Empty++
		pg.exhausted = true
	case adapters.OutcomeFatal:
		// Dropped, never retried; later cursors remain valid.
		pg.stats.Dropped++
	}
}

func (pg *Paginator) Exhausted() bool {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	return pg.exhausted
}

func (pg *Paginator) Snapshot() paginatorStats {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	s := pg.stats
	s.Exhausted = pg.exhausted
	return s
}
