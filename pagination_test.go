package main

import (
	"testing"

	"catalog-harvest/adapters"
)

func pageRes(req adapters.PageRequest, outcome adapters.Outcome, hasMore bool) adapters.PageResult {
	return adapters.PageResult{Request: req, Outcome: outcome, HasMore: hasMore}
}

func TestPaginatorCursorSequence(t *testing.T) {
	pg := NewPaginator(adapters.OrderByScoreDesc, adapters.Window{}, 48, 0)
	for i, wantOff := range []int{0, 48, 96} {
		req, ok := pg.Next()
		if !ok {
			t.Fatalf("Next %d returned ok=false", i)
		}
		if req.Offset != wantOff || req.Size != 48 {
			t.Errorf("Next %d = offset %d size %d, want %d/48", i, req.Offset, req.Size, wantOff)
		}
		if req.Ordering != adapters.OrderByScoreDesc {
			t.Errorf("Next %d ordering = %q", i, req.Ordering)
		}
	}
	if s := pg.Snapshot(); s.Issued != 3 {
		t.Errorf("Issued = %d, want 3", s.Issued)
	}
}

func TestPaginatorEmptyExhausts(t *testing.T) {
	pg := NewPaginator(adapters.OrderByScoreDesc, adapters.Window{}, 10, 0)
	req, _ := pg.Next()
	pg.Complete(pageRes(req, adapters.OutcomeEmpty, false))

	if !pg.Exhausted() {
		t.Fatal("empty page should exhaust the sequence")
	}
	if _, ok := pg.Next(); ok {
		t.Error("Next should refuse to issue past exhaustion")
	}
	s := pg.Snapshot()
	if s.Empty != 1 || s.Done != 0 || !s.Exhausted {
		t.Errorf("Snapshot = %+v", s)
	}
}

func TestPaginatorLastDataPageExhausts(t *testing.T) {
	pg := NewPaginator(adapters.OrderByScoreDesc, adapters.Window{}, 10, 0)
	req, _ := pg.Next()
	pg.Complete(pageRes(req, adapters.OutcomeData, false))

	if !pg.Exhausted() {
		t.Fatal("final data page (no continuation) should exhaust")
	}
	if s := pg.Snapshot(); s.Done != 1 {
		t.Errorf("Done = %d, want 1", s.Done)
	}
}

func TestPaginatorDataContinues(t *testing.T) {
	pg := NewPaginator(adapters.OrderByScoreDesc, adapters.Window{}, 10, 0)
	req, _ := pg.Next()
	pg.Complete(pageRes(req, adapters.OutcomeData, true))

	if pg.Exhausted() {
		t.Fatal("continuing data page should not exhaust")
	}
	next, ok := pg.Next()
	if !ok || next.Offset != 10 {
		t.Errorf("Next = %d/%v, want offset 10", next.Offset, ok)
	}
}

func TestPaginatorFatalPageDoesNotStall(t *testing.T) {
	pg := NewPaginator(adapters.OrderByScoreDesc, adapters.Window{}, 10, 0)
	p0, _ := pg.Next()
	p1, _ := pg.Next()

	// Page 0 dies for good; the sequence must keep going without it.
	pg.Complete(pageRes(p0, adapters.OutcomeFatal, false))
	if pg.Exhausted() {
		t.Fatal("a dropped page must not exhaust the sequence")
	}
	p2, ok := pg.Next()
	if !ok || p2.Offset != 20 {
		t.Fatalf("Next after drop = %d/%v, want offset 20", p2.Offset, ok)
	}

	pg.Complete(pageRes(p1, adapters.OutcomeData, true))
	pg.Complete(pageRes(p2, adapters.OutcomeData, false))
	s := pg.Snapshot()
	if s.Dropped != 1 || s.Done != 2 || !s.Exhausted {
		t.Errorf("Snapshot = %+v, want 1 dropped, 2 done, exhausted", s)
	}
}

func TestPaginatorLateCompletionKeepsExhausted(t *testing.T) {
	pg := NewPaginator(adapters.OrderByScoreDesc, adapters.Window{}, 10, 0)
	p0, _ := pg.Next()
	p1, _ := pg.Next()

	// The speculative later page resolves first and terminates the sequence.
	pg.Complete(pageRes(p1, adapters.OutcomeEmpty, false))
	if !pg.Exhausted() {
		t.Fatal("empty page should exhaust")
	}

	// The slower earlier page still lands and is counted, but can never
	// reopen the sequence.
	pg.Complete(pageRes(p0, adapters.OutcomeData, true))
	if !pg.Exhausted() {
		t.Error("late completion reopened an exhausted sequence")
	}
	if _, ok := pg.Next(); ok {
		t.Error("Next issued past exhaustion")
	}
	if s := pg.Snapshot(); s.Done != 1 || s.Empty != 1 {
		t.Errorf("Snapshot = %+v", s)
	}
}

func TestPaginatorMaxPagesCap(t *testing.T) {
	pg := NewPaginator(adapters.OrderByScoreDesc, adapters.Window{}, 10, 2)
	if _, ok := pg.Next(); !ok {
		t.Fatal("first Next under cap failed")
	}
	if _, ok := pg.Next(); !ok {
		t.Fatal("second Next under cap failed")
	}
	if _, ok := pg.Next(); ok {
		t.Error("cap of 2 should stop the third issue")
	}
}

func TestPaginatorIgnoresStrayCompletions(t *testing.T) {
	pg := NewPaginator(adapters.OrderByScoreDesc, adapters.Window{}, 10, 0)
	req, _ := pg.Next()

	// Never-issued offset: no effect.
	stray := adapters.PageRequest{Offset: 990, Size: 10}
	pg.Complete(pageRes(stray, adapters.OutcomeData, false))
	if pg.Exhausted() {
		t.Fatal("stray completion must not exhaust")
	}

	// Double completion of the same page counts once.
	pg.Complete(pageRes(req, adapters.OutcomeData, true))
	pg.Complete(pageRes(req, adapters.OutcomeData, true))
	if s := pg.Snapshot(); s.Done != 1 {
		t.Errorf("Done = %d, want 1 after double completion", s.Done)
	}
}
